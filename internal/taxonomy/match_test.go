package taxonomy

import (
	"testing"

	"github.com/design4music/sni-platform-sub000/internal/normalize"
)

func testEntries() []Entry {
	return []Entry{
		{
			Name:      "Iran",
			Centroids: []string{"IR"},
			Pass:      1,
			Aliases: map[string][]string{
				"en": {"Iran", "Tehran", "Iranian"},
				"fr": {"Téhéran"},
			},
		},
		{
			Name:      "France",
			Centroids: []string{"FR"},
			Pass:      1,
			Aliases: map[string][]string{
				"en": {"France", "French", "Paris"},
			},
		},
		{
			Name:      "China",
			Centroids: []string{"CN"},
			Pass:      1,
			Aliases: map[string][]string{
				"en": {"China", "Beijing"},
				"zh": {"北京", "中国"},
			},
		},
		{
			Name:      "energy security",
			Centroids: []string{"ENERGY"},
			Pass:      2,
			Aliases: map[string][]string{
				"en": {"pipeline", "oil embargo"},
			},
		},
		{
			Name:      "geopolitics",
			Centroids: []string{"MACRO"},
			Pass:      3,
			Aliases: map[string][]string{
				"en": {"sanctions"},
			},
		},
		{
			Name:       "celebrity noise",
			IsStopWord: true,
			Aliases: map[string][]string{
				"en": {"horoscope", "red carpet"},
			},
		},
	}
}

func matchText(t *testing.T, idx *Index, raw string) Result {
	t.Helper()
	return idx.Match(normalize.Normalize(raw))
}

func TestMatchPassOne(t *testing.T) {
	t.Parallel()

	idx := Compile(testEntries())
	res := matchText(t, idx, "Iran summons French envoy")
	if res.Vetoed {
		t.Fatal("unexpected veto")
	}
	if res.PassReached != 1 {
		t.Fatalf("pass reached = %d, want 1", res.PassReached)
	}
	wantCentroids := map[string]bool{"IR": true, "FR": true}
	if len(res.Centroids) != 2 {
		t.Fatalf("centroids = %v, want IR and FR", res.Centroids)
	}
	for _, c := range res.Centroids {
		if !wantCentroids[c] {
			t.Fatalf("unexpected centroid %s in %v", c, res.Centroids)
		}
	}
}

func TestMatchSharedScenarioTitles(t *testing.T) {
	t.Parallel()

	idx := Compile(testEntries())
	a := matchText(t, idx, "Iran summons French envoy")
	b := matchText(t, idx, "Tehran summons France's ambassador")

	for _, res := range []Result{a, b} {
		got := map[string]bool{}
		for _, c := range res.Centroids {
			got[c] = true
		}
		if !got["IR"] || !got["FR"] {
			t.Fatalf("expected both IR and FR, got %v", res.Centroids)
		}
	}
}

func TestMatchLaterPassesOnlyWhenEarlierEmpty(t *testing.T) {
	t.Parallel()

	idx := Compile(testEntries())

	res := matchText(t, idx, "Pipeline shut down for repairs")
	if res.PassReached != 2 {
		t.Fatalf("pass reached = %d, want 2", res.PassReached)
	}
	if len(res.Centroids) != 1 || res.Centroids[0] != "ENERGY" {
		t.Fatalf("centroids = %v, want [ENERGY]", res.Centroids)
	}

	// pass 1 hit suppresses pass 2 evaluation
	res = matchText(t, idx, "Iran pipeline attacked")
	if res.PassReached != 1 {
		t.Fatalf("pass reached = %d, want 1", res.PassReached)
	}
	for _, c := range res.Centroids {
		if c == "ENERGY" {
			t.Fatalf("pass 2 centroid leaked into pass 1 result: %v", res.Centroids)
		}
	}
}

func TestMatchMacroFallback(t *testing.T) {
	t.Parallel()

	idx := Compile(testEntries())
	res := matchText(t, idx, "New sanctions announced")
	if res.PassReached != 3 {
		t.Fatalf("pass reached = %d, want 3", res.PassReached)
	}
	if len(res.Centroids) != 1 || res.Centroids[0] != "MACRO" {
		t.Fatalf("centroids = %v, want [MACRO]", res.Centroids)
	}
}

func TestMatchSupersetOfPassOne(t *testing.T) {
	t.Parallel()

	idx := Compile(testEntries())
	titles := []string{
		"Iran summons French envoy",
		"Pipeline shut down",
		"New sanctions announced",
		"Nothing matches here",
	}
	for _, title := range titles {
		full := matchText(t, idx, title)
		passOne := map[string]bool{}
		norm := normalize.Normalize(title)
		tokens := normalize.Tokenize(norm)
		for _, tok := range tokens {
			for _, r := range idx.tokens[0][tok] {
				for _, c := range idx.entries[r.entry].centroids {
					passOne[c] = true
				}
			}
		}
		got := map[string]bool{}
		for _, c := range full.Centroids {
			got[c] = true
		}
		for c := range passOne {
			if !got[c] {
				t.Fatalf("title %q: full result %v misses pass-1 centroid %s", title, full.Centroids, c)
			}
		}
	}
}

func TestStopTermVetoIsTotal(t *testing.T) {
	t.Parallel()

	idx := Compile(testEntries())

	res := matchText(t, idx, "Iran stars shine on the red carpet")
	if !res.Vetoed {
		t.Fatal("expected stop-term veto")
	}
	if len(res.Centroids) != 0 {
		t.Fatalf("vetoed result carries centroids: %v", res.Centroids)
	}

	res = matchText(t, idx, "Horoscope: France in the stars")
	if !res.Vetoed || len(res.Centroids) != 0 {
		t.Fatalf("single-token stop term did not veto: %+v", res)
	}
}

func TestMatchCJKSubstring(t *testing.T) {
	t.Parallel()

	idx := Compile(testEntries())
	res := idx.Match(normalize.Normalize("北京宣布新措施"))
	if len(res.Centroids) != 1 || res.Centroids[0] != "CN" {
		t.Fatalf("centroids = %v, want [CN]", res.Centroids)
	}
}

func TestCompileExcludesFunctionWords(t *testing.T) {
	t.Parallel()

	entries := []Entry{{
		Name:      "France",
		Centroids: []string{"FR"},
		Pass:      1,
		Aliases: map[string][]string{
			"fr": {"la", "France"},
		},
	}}
	idx := Compile(entries)
	res := idx.Match(normalize.Normalize("la la land"))
	if len(res.Centroids) != 0 {
		t.Fatalf("function word compiled into a rule: %v", res.Centroids)
	}
	res = idx.Match(normalize.Normalize("France wins"))
	if len(res.Centroids) != 1 {
		t.Fatalf("real alias did not survive compile: %v", res.Centroids)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	f := &File{
		Centroids: []CentroidDef{{ID: "IR", Label: "Iran", Class: "geo"}},
		Entries: []Entry{{
			Name: "Iran", Centroids: []string{"XX"}, Pass: 1,
			Aliases: map[string][]string{"en": {"Iran"}},
		}},
	}
	if err := f.Validate(); err == nil {
		t.Fatal("expected unknown-centroid validation error")
	}

	f.Entries[0].Centroids = []string{"IR"}
	if err := f.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}
