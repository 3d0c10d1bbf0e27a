package taxonomy

import (
	"strings"
	"unicode"

	"github.com/design4music/sni-platform-sub000/internal/normalize"
)

// Short cross-language function words that never compile into alias rules.
// Uppercased country codes like "US" still survive because exclusion happens
// after normalization only for exact matches in this set.
var functionWords = map[string]struct{}{
	"a": {}, "an": {}, "as": {}, "at": {}, "by": {}, "de": {}, "der": {},
	"die": {}, "do": {}, "du": {}, "el": {}, "en": {}, "et": {}, "i": {},
	"il": {}, "in": {}, "la": {}, "le": {}, "les": {}, "los": {}, "of": {},
	"on": {}, "or": {}, "to": {}, "und": {}, "un": {}, "une": {}, "y": {},
	"w": {}, "na": {}, "za": {},
}

type rule struct {
	entry int // index into Index.entries
	alias string
}

type phraseRule struct {
	rule
	padded string // " multi word alias "
}

type substrRule struct {
	rule
	needle string
}

type compiledEntry struct {
	name      string
	centroids []string
	pass      int
	stop      bool
}

// Index is the compiled taxonomy. Built once per run, never mutated after
// Compile returns; safe for concurrent Match calls.
type Index struct {
	entries []compiledEntry

	// stop rules run before any pass
	stopTokens  map[string][]rule
	stopPhrases []phraseRule
	stopSubstr  []substrRule

	// per pass (index 0 → pass 1)
	tokens  [3]map[string][]rule
	phrases [3][]phraseRule
	substr  [3][]substrRule
}

// Compile builds the match index from validated entries. Aliases pass through
// the shared normalizer so matching stays symmetric with ingest.
func Compile(entries []Entry) *Index {
	idx := &Index{
		stopTokens: make(map[string][]rule),
	}
	for i := range idx.tokens {
		idx.tokens[i] = make(map[string][]rule)
	}

	for _, e := range entries {
		ref := len(idx.entries)
		idx.entries = append(idx.entries, compiledEntry{
			name:      e.Name,
			centroids: append([]string(nil), e.Centroids...),
			pass:      e.Pass,
			stop:      e.IsStopWord,
		})

		for _, aliases := range e.Aliases {
			for _, raw := range aliases {
				alias := normalize.Normalize(raw)
				if alias == "" {
					continue
				}
				if _, skip := functionWords[alias]; skip {
					continue
				}
				idx.addAlias(ref, e, alias)
			}
		}
	}
	return idx
}

func (x *Index) addAlias(ref int, e Entry, alias string) {
	r := rule{entry: ref, alias: alias}

	switch {
	case hasUnsegmentedScript(alias):
		// CJK/Thai aliases have no whitespace word boundaries; matched by
		// raw substring containment.
		sr := substrRule{rule: r, needle: alias}
		if e.IsStopWord {
			x.stopSubstr = append(x.stopSubstr, sr)
		} else {
			x.substr[e.Pass-1] = append(x.substr[e.Pass-1], sr)
		}
	case isSingleWordToken(alias):
		if e.IsStopWord {
			x.stopTokens[alias] = append(x.stopTokens[alias], r)
		} else {
			x.tokens[e.Pass-1][alias] = append(x.tokens[e.Pass-1][alias], r)
		}
	default:
		pr := phraseRule{rule: r, padded: " " + strings.Join(normalize.Tokenize(alias), " ") + " "}
		if e.IsStopWord {
			x.stopPhrases = append(x.stopPhrases, pr)
		} else {
			x.phrases[e.Pass-1] = append(x.phrases[e.Pass-1], pr)
		}
	}
}

func isSingleWordToken(alias string) bool {
	if strings.ContainsRune(alias, ' ') {
		return false
	}
	for _, r := range alias {
		if !unicode.IsLetter(r) && !unicode.IsNumber(r) {
			return false
		}
	}
	return alias != ""
}

func hasUnsegmentedScript(alias string) bool {
	for _, r := range alias {
		if unicode.Is(unicode.Han, r) ||
			unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) ||
			unicode.Is(unicode.Thai, r) ||
			unicode.Is(unicode.Khmer, r) ||
			unicode.Is(unicode.Lao, r) ||
			unicode.Is(unicode.Myanmar, r) {
			return true
		}
	}
	return false
}
