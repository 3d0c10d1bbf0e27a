// Package normalize canonicalizes headline and alias text into one matchable
// form. The taxonomy compiler and the ingest path must share this exact
// implementation: any divergence makes alias matching asymmetric.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize canonicalizes text: compose, strip diacritics, lowercase,
// collapse dash variants to "-", strip periods (so "U.S." and "us" compare
// equal), and collapse whitespace runs. Idempotent and pure.
func Normalize(text string) string {
	composed := norm.NFC.String(text)
	stripped, _, err := transform.String(stripMarks, composed)
	if err != nil {
		stripped = composed
	}

	lowered := strings.ToLower(stripped)

	var b strings.Builder
	b.Grow(len(lowered))
	lastSpace := true
	for _, r := range lowered {
		switch {
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		case unicode.Is(unicode.Pd, r):
			b.WriteRune('-')
			lastSpace = false
		case r == '.' || r == '．':
			// dropped entirely
		case unicode.IsControl(r):
			// dropped
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

// Tokenize splits normalized text into letter/number tokens.
func Tokenize(normalized string) []string {
	parts := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		tokens = append(tokens, p)
	}
	return tokens
}

// TokenSet returns the distinct tokens of normalized text.
func TokenSet(normalized string) map[string]struct{} {
	tokens := Tokenize(normalized)
	if len(tokens) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		set[token] = struct{}{}
	}
	return set
}
