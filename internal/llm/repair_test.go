package llm

import "testing"

func TestRepairID(t *testing.T) {
	t.Parallel()

	known := []string{"event-12", "event-120", "event-7"}

	cases := []struct {
		name string
		ref  string
		want string
		ok   bool
	}{
		{name: "exact", ref: "event-7", want: "event-7", ok: true},
		{name: "one deletion", ref: "evnt-12", want: "event-12", ok: true},
		{name: "case folded", ref: "Event-7", want: "event-7", ok: true},
		{name: "too far", ref: "topic-99", ok: false},
		{name: "empty", ref: "", ok: false},
		{name: "ambiguous between close refs", ref: "event-1", ok: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := RepairID(tc.ref, known)
			if got != tc.want || ok != tc.ok {
				t.Fatalf("RepairID(%q) = (%q, %v), want (%q, %v)", tc.ref, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestBoundedEditDistance(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b  string
		bound int
		want  int
	}{
		{"event-12", "event-12", 2, 0},
		{"evnt-12", "event-12", 2, 1},
		{"evt-12", "event-12", 2, 2},
		{"e-12", "event-12", 2, -1},
		{"abc", "xyz", 2, -1},
	}

	for _, tc := range cases {
		if got := boundedEditDistance(tc.a, tc.b, tc.bound); got != tc.want {
			t.Fatalf("boundedEditDistance(%q, %q, %d) = %d, want %d", tc.a, tc.b, tc.bound, got, tc.want)
		}
	}
}
