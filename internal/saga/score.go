// Package saga links events across consecutive months into ongoing stories.
package saga

import (
	"github.com/design4music/sni-platform-sub000/internal/normalize"
)

var titleStopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "as": {}, "at": {}, "after": {},
	"amid": {}, "be": {}, "but": {}, "by": {}, "for": {}, "from": {},
	"in": {}, "into": {}, "is": {}, "it": {}, "new": {}, "of": {},
	"on": {}, "over": {}, "say": {}, "says": {}, "said": {}, "the": {},
	"to": {}, "up": {}, "with": {}, "will": {},
}

// Dice is the Sorensen-Dice coefficient of two sets.
func Dice(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for k := range a {
		if _, ok := b[k]; ok {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(a)+len(b))
}

// SharedCount counts set intersection size.
func SharedCount(a, b map[string]struct{}) int {
	shared := 0
	for k := range a {
		if _, ok := b[k]; ok {
			shared++
		}
	}
	return shared
}

// TitleWords reduces an event title to its comparable word set: normalized
// and stop words removed. Tokenization already splits possessives apart and
// the length filter drops the stray "s".
func TitleWords(title string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range normalize.Tokenize(normalize.Normalize(title)) {
		if len(tok) < 2 {
			continue
		}
		if _, stop := titleStopWords[tok]; stop {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

// Score combines tag similarity and title similarity with equal weight and
// reports the shared tag count used for the qualification gate.
func Score(tagsLater, tagsEarlier, wordsLater, wordsEarlier map[string]struct{}) (sharedTags int, combined float64) {
	sharedTags = SharedCount(tagsLater, tagsEarlier)
	combined = (Dice(tagsLater, tagsEarlier) + Dice(wordsLater, wordsEarlier)) / 2
	return sharedTags, combined
}
