package saga

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
)

func set(items ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}

func TestDice(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b map[string]struct{}
		want float64
	}{
		{name: "identical", a: set("x", "y"), b: set("x", "y"), want: 1},
		{name: "disjoint", a: set("x"), b: set("y"), want: 0},
		{name: "half shared", a: set("x", "y"), b: set("y", "z"), want: 0.5},
		{name: "empty side", a: set(), b: set("y"), want: 0},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Dice(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("got %f, want %f", got, tc.want)
			}
		})
	}
}

func TestTitleWords(t *testing.T) {
	t.Parallel()

	got := TitleWords("France's envoy summoned over the new sanctions")
	want := set("france", "envoy", "summoned", "sanctions")
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for w := range want {
		if _, ok := got[w]; !ok {
			t.Fatalf("missing %q in %v", w, got)
		}
	}
}

func TestScoreQualification(t *testing.T) {
	t.Parallel()

	c := NewChainer(nil, "news", 2, 0.3, zerolog.Nop())

	later := &chainEvent{
		eventID: 2,
		tags:    set("IR", "FR", "envoy"),
		words:   TitleWords("Iran summons French envoy"),
	}
	earlier := &chainEvent{
		eventID: 1,
		tags:    set("IR", "FR", "envoy", "ambassador"),
		words:   TitleWords("Tehran summons France's ambassador"),
	}
	weak := &chainEvent{
		eventID: 3,
		tags:    set("IR"),
		words:   TitleWords("Oil prices slip"),
	}

	shared, score := Score(later.tags, earlier.tags, later.words, earlier.words)
	if shared < 2 {
		t.Fatalf("shared tags = %d, want >= 2", shared)
	}
	if score < 0.3 {
		t.Fatalf("score = %f, want >= 0.3", score)
	}

	best := c.bestCandidate(later, []*chainEvent{weak, earlier})
	if best == nil || best.eventID != 1 {
		t.Fatalf("got %+v, want event 1", best)
	}
}

func TestBestCandidateRejectsBelowGates(t *testing.T) {
	t.Parallel()

	c := NewChainer(nil, "news", 2, 0.3, zerolog.Nop())

	later := &chainEvent{tags: set("IR", "FR"), words: set("summons", "envoy")}

	// High score but only one shared tag.
	oneTag := &chainEvent{eventID: 1, tags: set("IR"), words: set("summons", "envoy")}
	// Two shared tags but dissimilar otherwise.
	lowScore := &chainEvent{eventID: 2, tags: set("IR", "FR", "a", "b", "c", "d", "e", "f"), words: set("weather", "report")}

	if got := c.bestCandidate(later, []*chainEvent{oneTag}); got != nil {
		t.Fatalf("qualified with one shared tag: %+v", got)
	}
	if got := c.bestCandidate(later, []*chainEvent{lowScore}); got != nil {
		t.Fatalf("qualified below score floor: %+v", got)
	}
}
