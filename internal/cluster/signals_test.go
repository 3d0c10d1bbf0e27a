package cluster

import (
	"reflect"
	"testing"
)

func TestSignals(t *testing.T) {
	t.Parallel()

	got := Signals(
		[]string{"iran", "france"},
		"iran summons french envoy over reuters report",
		"Reuters",
	)
	want := []string{"iran", "france", "summons", "french", "envoy", "report"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSignalsDedupAndShortTokens(t *testing.T) {
	t.Parallel()

	got := Signals([]string{"iran"}, "iran iran eu un sanctions", "wire desk")
	want := []string{"iran", "sanctions"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestOverlap(t *testing.T) {
	t.Parallel()

	tags := map[string]struct{}{"iran": {}, "france": {}, "envoy": {}}
	if got := Overlap([]string{"iran", "envoy", "weather"}, tags); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
	if got := Overlap(nil, tags); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

func newTestEvent(id int64, classification, key string, tags ...string) *event {
	e := &event{
		id:             id,
		classification: classification,
		bucketKey:      key,
		tags:           make(map[string]struct{}, len(tags)),
	}
	for _, tag := range tags {
		e.tags[tag] = struct{}{}
		e.tagOrder = append(e.tagOrder, tag)
	}
	return e
}

func TestBestEvent(t *testing.T) {
	t.Parallel()

	events := []*event{
		newTestEvent(1, "bilateral", "FR", "iran", "france", "envoy"),
		newTestEvent(2, "bilateral", "FR", "iran", "nuclear", "talks"),
		newTestEvent(3, "domestic", "", "iran", "france", "envoy"),
	}

	signals := []string{"iran", "france", "envoy", "summons"}

	best := bestEvent(events, "bilateral", "FR", signals, 2)
	if best == nil || best.id != 1 {
		t.Fatalf("got %+v, want event 1", best)
	}

	// Below the overlap floor nothing qualifies.
	if got := bestEvent(events, "bilateral", "FR", []string{"iran"}, 2); got != nil {
		t.Fatalf("got event %d, want none", got.id)
	}

	// Classification slices never borrow each other's events.
	best = bestEvent(events, "domestic", "", signals, 2)
	if best == nil || best.id != 3 {
		t.Fatalf("got %+v, want event 3", best)
	}
}

func TestBestEventSkipsCatchall(t *testing.T) {
	t.Parallel()

	catchall := newTestEvent(9, "bilateral", "FR", "iran", "france")
	catchall.isCatchall = true
	events := []*event{catchall}

	if got := bestEvent(events, "bilateral", "FR", []string{"iran", "france"}, 2); got != nil {
		t.Fatalf("catchall was scored: %+v", got)
	}
}

func TestBestEventTieGoesToOlderEvent(t *testing.T) {
	t.Parallel()

	events := []*event{
		newTestEvent(5, "domestic", "", "iran", "protest"),
		newTestEvent(2, "domestic", "", "iran", "protest"),
	}
	best := bestEvent(events, "domestic", "", []string{"iran", "protest"}, 2)
	if best == nil || best.id != 2 {
		t.Fatalf("got %+v, want event 2", best)
	}
}
