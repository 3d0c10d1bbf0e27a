// Package cluster grows events inside period buckets as headlines arrive.
package cluster

import (
	"strings"

	"github.com/design4music/sni-platform-sub000/internal/normalize"
)

// signalStopWords are high-frequency title words that carry no story
// identity. Kept short on purpose: over-filtering hurts overlap scoring more
// than the occasional noise token does.
var signalStopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "as": {}, "at": {}, "after": {},
	"be": {}, "but": {}, "by": {}, "for": {}, "from": {}, "has": {},
	"have": {}, "he": {}, "her": {}, "his": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "new": {}, "no": {}, "not": {}, "of": {},
	"on": {}, "or": {}, "over": {}, "say": {}, "says": {}, "said": {},
	"she": {}, "that": {}, "the": {}, "their": {}, "they": {}, "to": {},
	"up": {}, "was": {}, "were": {}, "will": {}, "with": {}, "amid": {},
}

// Signals computes a headline's salient signal set: its matched aliases plus
// the informative tokens of its normalized title, with stop words and the
// publisher's self-references removed. Order is stable (aliases first, then
// title order) and the result is deduplicated.
func Signals(aliases []string, normalizedTitle, source string) []string {
	selfRef := make(map[string]struct{})
	for _, tok := range normalize.Tokenize(normalize.Normalize(source)) {
		selfRef[tok] = struct{}{}
	}

	seen := make(map[string]struct{}, len(aliases)+8)
	out := make([]string, 0, len(aliases)+8)
	add := func(sig string) {
		sig = strings.TrimSpace(sig)
		if sig == "" {
			return
		}
		if _, ok := seen[sig]; ok {
			return
		}
		seen[sig] = struct{}{}
		out = append(out, sig)
	}

	for _, a := range aliases {
		add(a)
	}
	for _, tok := range normalize.Tokenize(normalizedTitle) {
		if len(tok) < 3 {
			continue
		}
		if _, stop := signalStopWords[tok]; stop {
			continue
		}
		if _, self := selfRef[tok]; self {
			continue
		}
		add(tok)
	}
	return out
}

// Overlap counts shared signals between a headline and an event's tag set.
func Overlap(signals []string, tags map[string]struct{}) int {
	n := 0
	for _, s := range signals {
		if _, ok := tags[s]; ok {
			n++
		}
	}
	return n
}
