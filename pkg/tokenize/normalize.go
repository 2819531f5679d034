package tokenize

import (
	"strings"
	"unicode"
)

// NormalizeText lowers case, collapses runs of whitespace and strips
// leading and trailing punctuation. Two transcripts of the same utterance
// from different recognizer passes normalize to the same string, which is
// what transcript-confirmation comparisons rely on.
func NormalizeText(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	for i, f := range fields {
		fields[i] = strings.TrimFunc(f, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
	}

	kept := fields[:0]
	for _, f := range fields {
		if f != "" {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " ")
}
