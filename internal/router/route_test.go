package router

import (
	"reflect"
	"testing"
)

var testGeo = map[string]struct{}{
	"IR": {}, "FR": {}, "US": {}, "CN": {}, "RU": {},
}

func TestFirstOtherGeo(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		matched []string
		home    string
		want    string
	}{
		{name: "counterpart after home", matched: []string{"IR", "FR"}, home: "IR", want: "FR"},
		{name: "home excluded even when listed later", matched: []string{"FR", "IR"}, home: "IR", want: "FR"},
		{name: "systemic centroids skipped", matched: []string{"IR", "ENERGY", "US"}, home: "IR", want: "US"},
		{name: "domestic", matched: []string{"IR", "ENERGY"}, home: "IR", want: ""},
		{name: "systemic home takes first geo", matched: []string{"ENERGY", "CN"}, home: "ENERGY", want: "CN"},
		{name: "empty", matched: nil, home: "IR", want: ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := FirstOtherGeo(tc.matched, tc.home, testGeo); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTopCounterparts(t *testing.T) {
	t.Parallel()

	tally := map[string]int{"FR": 9, "US": 9, "CN": 4, "RU": 1}

	top := TopCounterparts(tally, 2)
	if len(top) != 2 {
		t.Fatalf("got %d counterparts, want 2", len(top))
	}
	for _, c := range []string{"FR", "US"} {
		if _, ok := top[c]; !ok {
			t.Fatalf("expected %s in top set", c)
		}
	}

	// Ties at the cut break lexically so membership is deterministic.
	top = TopCounterparts(map[string]int{"US": 3, "FR": 3}, 1)
	if _, ok := top["FR"]; !ok || len(top) != 1 {
		t.Fatalf("tie break picked %v, want FR only", top)
	}

	if got := TopCounterparts(nil, 5); len(got) != 0 {
		t.Fatalf("empty tally produced %v", got)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	bilateral := map[string]struct{}{"FR": {}}

	cls, key := Classify([]string{"IR", "FR"}, "IR", testGeo, bilateral)
	if cls != "bilateral" || key != "FR" {
		t.Fatalf("got (%s, %s), want (bilateral, FR)", cls, key)
	}

	cls, key = Classify([]string{"IR", "CN"}, "IR", testGeo, bilateral)
	if cls != "other_international" || key != "" {
		t.Fatalf("got (%s, %s), want (other_international, )", cls, key)
	}

	cls, key = Classify([]string{"IR"}, "IR", testGeo, bilateral)
	if cls != "domestic" || key != "" {
		t.Fatalf("got (%s, %s), want (domestic, )", cls, key)
	}
}

func TestClassifyIdempotentOnUnchangedBatch(t *testing.T) {
	t.Parallel()

	matched := [][]string{
		{"IR", "FR"},
		{"IR", "FR"},
		{"IR", "CN"},
	}
	tally := map[string]int{}
	for _, m := range matched {
		if c := FirstOtherGeo(m, "IR", testGeo); c != "" {
			tally[c]++
		}
	}

	first := make([]string, 0, len(matched))
	second := make([]string, 0, len(matched))
	for pass := 0; pass < 2; pass++ {
		top := TopCounterparts(tally, 1)
		for _, m := range matched {
			cls, key := Classify(m, "IR", testGeo, top)
			if len(first) < len(matched) {
				first = append(first, cls+"/"+key)
			} else {
				second = append(second, cls+"/"+key)
			}
		}
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("routing not idempotent: %v vs %v", first, second)
	}
}

func TestTopAliasesAndPickSubAlias(t *testing.T) {
	t.Parallel()

	tally := map[string]int{"tehran": 5, "france": 3, "macron": 3, "envoy": 1, "": 2}

	top := TopAliases(tally, 3)
	want := []string{"tehran", "france", "macron"}
	if !reflect.DeepEqual(top, want) {
		t.Fatalf("got %v, want %v", top, want)
	}

	if got := PickSubAlias([]string{"macron", "france"}, top); got != "france" {
		t.Fatalf("got %q, want france (higher bucket rank)", got)
	}
	if got := PickSubAlias([]string{"envoy"}, top); got != "" {
		t.Fatalf("got %q, want untagged", got)
	}
	if got := PickSubAlias(nil, top); got != "" {
		t.Fatalf("got %q, want untagged for no aliases", got)
	}
}

func TestDominantForeign(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		tally   map[string]int
		members int
		want    string
		ok      bool
	}{
		{name: "clear majority", tally: map[string]int{"FR": 8, "US": 2}, members: 10, want: "FR", ok: true},
		{name: "below share floor", tally: map[string]int{"FR": 5, "US": 1}, members: 10},
		{name: "tied leaders", tally: map[string]int{"FR": 6, "US": 6}, members: 10},
		{name: "no foreign centroids", tally: map[string]int{}, members: 4},
		{name: "exact three fifths", tally: map[string]int{"CN": 6}, members: 10, want: "CN", ok: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := DominantForeign(tc.tally, tc.members)
			if got != tc.want || ok != tc.ok {
				t.Fatalf("got (%q, %v), want (%q, %v)", got, ok, tc.want, tc.ok)
			}
		})
	}
}
