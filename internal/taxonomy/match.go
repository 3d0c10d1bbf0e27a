package taxonomy

import (
	"strings"

	"github.com/design4music/sni-platform-sub000/internal/normalize"
)

// Result is the outcome of matching one normalized title.
type Result struct {
	Centroids   []string // match order, deduplicated
	Aliases     []string // aliases that triggered matches, match order
	PassReached int      // highest pass evaluated; 0 when vetoed
	Vetoed      bool     // a stop term matched
}

// Match classifies normalized text against the compiled index. The stop-term
// check runs first and vetoes everything. Pass 1 always runs; pass 2 only
// when pass 1 matched nothing; pass 3 only when passes 1-2 matched nothing.
// Centroids found across whichever passes ran are unioned.
func (x *Index) Match(normalizedText string) Result {
	tokens := normalize.Tokenize(normalizedText)
	padded := " " + strings.Join(tokens, " ") + " "

	if x.stopHit(normalizedText, tokens, padded) {
		return Result{Vetoed: true}
	}

	var res Result
	seenCentroid := make(map[string]struct{})
	seenAlias := make(map[string]struct{})

	for pass := 0; pass < 3; pass++ {
		res.PassReached = pass + 1
		x.runPass(pass, normalizedText, tokens, padded, &res, seenCentroid, seenAlias)
		if len(res.Centroids) > 0 {
			break
		}
	}
	return res
}

func (x *Index) runPass(
	pass int,
	text string,
	tokens []string,
	padded string,
	res *Result,
	seenCentroid map[string]struct{},
	seenAlias map[string]struct{},
) {
	collect := func(r rule) {
		entry := x.entries[r.entry]
		for _, c := range entry.centroids {
			if _, dup := seenCentroid[c]; dup {
				continue
			}
			seenCentroid[c] = struct{}{}
			res.Centroids = append(res.Centroids, c)
		}
		if _, dup := seenAlias[r.alias]; !dup {
			seenAlias[r.alias] = struct{}{}
			res.Aliases = append(res.Aliases, r.alias)
		}
	}

	// token-set fast path: O(title length), not O(aliases)
	for _, token := range tokens {
		for _, r := range x.tokens[pass][token] {
			collect(r)
		}
	}
	for _, pr := range x.phrases[pass] {
		if strings.Contains(padded, pr.padded) {
			collect(pr.rule)
		}
	}
	for _, sr := range x.substr[pass] {
		if strings.Contains(text, sr.needle) {
			collect(sr.rule)
		}
	}
}

func (x *Index) stopHit(text string, tokens []string, padded string) bool {
	for _, token := range tokens {
		if len(x.stopTokens[token]) > 0 {
			return true
		}
	}
	for _, pr := range x.stopPhrases {
		if strings.Contains(padded, pr.padded) {
			return true
		}
	}
	for _, sr := range x.stopSubstr {
		if strings.Contains(text, sr.needle) {
			return true
		}
	}
	return false
}
