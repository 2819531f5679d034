// Package tokenize provides the text utilities behind TTS chunking and
// transcript pacing: sentence segmentation, a hyphen-based syllable proxy
// and normalization for transcript comparison.
package tokenize

import (
	"strings"
	"unicode"
)

// DefaultMinSentenceLen keeps the tokenizer from emitting fragments too
// short to synthesize naturally.
const DefaultMinSentenceLen = 20

var sentenceEnders = map[rune]bool{
	'.': true, '!': true, '?': true,
	'。': true, '！': true, '？': true,
	'…': true,
}

// Common abbreviations that end with a period but do not end a sentence.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"sr": true, "jr": true, "st": true, "vs": true, "etc": true,
	"e.g": true, "i.e": true, "inc": true, "ltd": true, "co": true,
}

// SentenceTokenizer incrementally splits streamed text into sentences.
// Push accepts text deltas of any granularity; complete sentences are
// returned as they become available and Flush drains the remainder.
type SentenceTokenizer struct {
	minLen  int
	buf     strings.Builder
	pending string
}

// NewSentenceTokenizer creates a tokenizer. minLen <= 0 uses
// DefaultMinSentenceLen.
func NewSentenceTokenizer(minLen int) *SentenceTokenizer {
	if minLen <= 0 {
		minLen = DefaultMinSentenceLen
	}
	return &SentenceTokenizer{minLen: minLen}
}

// Push appends a text delta and returns any sentences completed by it.
func (t *SentenceTokenizer) Push(delta string) []string {
	t.buf.WriteString(delta)
	text := t.buf.String()

	var out []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if !sentenceEnders[runes[i]] {
			continue
		}
		// Consume trailing closers and repeated enders ("?!", `."`).
		j := i + 1
		for j < len(runes) && (sentenceEnders[runes[j]] || runes[j] == '"' || runes[j] == '\'' || runes[j] == ')') {
			j++
		}
		// A sentence only ends at whitespace or end-of-buffer; end-of-buffer
		// stays pending since more of the token may still arrive.
		if j < len(runes) && !unicode.IsSpace(runes[j]) {
			i = j - 1
			continue
		}
		if j >= len(runes) {
			break
		}
		candidate := strings.TrimSpace(string(runes[start:j]))
		if runes[i] == '.' && isAbbreviation(candidate) {
			i = j - 1
			continue
		}
		if s := t.take(candidate); s != "" {
			out = append(out, s)
		}
		start = j
		i = j - 1
	}

	t.buf.Reset()
	t.buf.WriteString(string(runes[start:]))
	return out
}

// Flush returns the remaining buffered text as a final sentence, if any.
func (t *SentenceTokenizer) Flush() []string {
	rest := strings.TrimSpace(t.buf.String())
	t.buf.Reset()

	var out []string
	if combined := strings.TrimSpace(t.pending + " " + rest); combined != "" {
		out = append(out, combined)
	}
	t.pending = ""
	return out
}

// take merges sentences below the minimum length into the next one.
func (t *SentenceTokenizer) take(sentence string) string {
	if t.pending != "" {
		sentence = t.pending + " " + sentence
		t.pending = ""
	}
	if len(sentence) < t.minLen {
		t.pending = sentence
		return ""
	}
	return sentence
}

func isAbbreviation(sentence string) bool {
	idx := strings.LastIndexFunc(strings.TrimRight(sentence, "."), unicode.IsSpace)
	last := strings.ToLower(strings.Trim(sentence[idx+1:], "."))
	return abbreviations[last]
}

// SplitSentences tokenizes a complete text in one call.
func SplitSentences(text string, minLen int) []string {
	t := NewSentenceTokenizer(minLen)
	out := t.Push(text)
	out = append(out, t.Flush()...)
	return out
}

// SplitWords splits text on whitespace, dropping empty fields.
func SplitWords(text string) []string {
	return strings.Fields(text)
}
