package tokenize

import (
	"strings"
	"testing"
)

func TestSentenceTokenizerStreaming(t *testing.T) {
	tok := NewSentenceTokenizer(10)

	var got []string
	for _, delta := range []string{
		"Hello there, how are",
		" you today? I am doing",
		" quite well. Tha",
		"nks for asking!",
	} {
		got = append(got, tok.Push(delta)...)
	}
	got = append(got, tok.Flush()...)

	want := []string{
		"Hello there, how are you today?",
		"I am doing quite well.",
		"Thanks for asking!",
	}
	if len(got) != len(want) {
		t.Fatalf("got %d sentences %q, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSentenceTokenizerMergesShortFragments(t *testing.T) {
	got := SplitSentences("Hi. This sentence is long enough to stand alone.", 20)

	if len(got) != 1 {
		t.Fatalf("got %d sentences %q, want 1", len(got), got)
	}
	if !strings.HasPrefix(got[0], "Hi. This sentence") {
		t.Errorf("short fragment was not merged: %q", got[0])
	}
}

func TestSentenceTokenizerAbbreviations(t *testing.T) {
	got := SplitSentences("Dr. Smith arrived early. He brought coffee for everyone.", 10)

	if len(got) != 2 {
		t.Fatalf("got %d sentences %q, want 2", len(got), got)
	}
	if got[0] != "Dr. Smith arrived early." {
		t.Errorf("sentence 0 = %q", got[0])
	}
}

func TestSentenceTokenizerDecimalNumbers(t *testing.T) {
	got := SplitSentences("The total comes to 3.50 dollars exactly. Please pay at the counter.", 10)

	if len(got) != 2 {
		t.Fatalf("got %d sentences %q, want 2", len(got), got)
	}
	if !strings.Contains(got[0], "3.50") {
		t.Errorf("decimal split apart: %q", got[0])
	}
}

func TestHyphenateWord(t *testing.T) {
	tests := []struct {
		word string
		want int
	}{
		{"cat", 1},
		{"hello", 2},
		{"banana", 3},
		{"a", 1},
		{"rhythm", 1},
		{"straight", 1},
	}

	for _, tt := range tests {
		t.Run(tt.word, func(t *testing.T) {
			parts := HyphenateWord(tt.word)
			if len(parts) != tt.want {
				t.Errorf("HyphenateWord(%q) = %v (%d parts), want %d", tt.word, parts, len(parts), tt.want)
			}
			if joined := strings.Join(parts, ""); joined != strings.ToLower(tt.word) {
				t.Errorf("parts %v do not reassemble %q", parts, tt.word)
			}
		})
	}
}

func TestCountHyphensMonotonic(t *testing.T) {
	short := CountHyphens("hello")
	long := CountHyphens("hello there wonderful world")
	if long <= short {
		t.Errorf("longer text counted %d units, shorter %d", long, short)
	}

	if n := CountHyphens("room 402"); n < 4 {
		t.Errorf("digits should count per digit, got %d", n)
	}

	if n := CountHyphens(""); n != 0 {
		t.Errorf("empty text = %d units, want 0", n)
	}
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"case folding", "Hello World", "hello world"},
		{"trailing punctuation", "hello world!", "hello world"},
		{"whitespace collapse", "  hello \t world \n", "hello world"},
		{"inner apostrophes survive trim edges", "it's fine.", "it's fine"},
		{"punctuation only", "?!.", ""},
		{"mixed", "  So, what's UP?! ", "so what's up"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeText(tt.in); got != tt.want {
				t.Errorf("NormalizeText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeTextIdempotent(t *testing.T) {
	in := "  The Quick, Brown Fox!  "
	once := NormalizeText(in)
	twice := NormalizeText(once)
	if once != twice {
		t.Errorf("normalize not idempotent: %q vs %q", once, twice)
	}
}
