package tokenize

import (
	"strings"
	"unicode"
)

// HyphenateWord splits a word into pronounceable units using a vowel-group
// heuristic. It is a syllable proxy for speech pacing, not a linguistically
// correct hyphenator: transcript pacing only needs a stable, monotonic
// measure of spoken length.
func HyphenateWord(word string) []string {
	runes := []rune(strings.ToLower(word))
	if len(runes) == 0 {
		return nil
	}

	var parts []string
	start := 0
	inVowels := false
	for i, r := range runes {
		v := isVowel(r)
		if inVowels && !v {
			// A vowel group just ended; cut after the group, keeping one
			// trailing consonant with it when more letters follow.
			cut := i
			if cut < len(runes)-1 {
				cut = i + 1
			} else {
				cut = len(runes)
			}
			if cut > start {
				parts = append(parts, string(runes[start:cut]))
				start = cut
			}
			if start >= len(runes) {
				break
			}
			inVowels = false
			continue
		}
		if v {
			inVowels = true
		}
	}
	if start < len(runes) {
		rest := string(runes[start:])
		// Trailing silent "e" folds into the previous unit.
		if rest == "e" && len(parts) > 0 {
			parts[len(parts)-1] += rest
		} else if hasVowel(rest) || len(parts) == 0 {
			parts = append(parts, rest)
		} else {
			parts[len(parts)-1] += rest
		}
	}
	return parts
}

// CountHyphens estimates the spoken length of text as the total number of
// hyphenation units across its words.
func CountHyphens(text string) int {
	n := 0
	for _, w := range SplitWords(text) {
		w = strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if w == "" {
			continue
		}
		if isNumeric(w) {
			// Spoken digits take roughly one unit each.
			n += len(w)
			continue
		}
		n += len(HyphenateWord(w))
	}
	return n
}

func isVowel(r rune) bool {
	switch r {
	case 'a', 'e', 'i', 'o', 'u', 'y':
		return true
	}
	return false
}

func hasVowel(s string) bool {
	for _, r := range s {
		if isVowel(r) {
			return true
		}
	}
	return false
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsNumber(r) {
			return false
		}
	}
	return len(s) > 0
}
