package voice_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chriscow/agents-go/pkg/voice"
)

type captionSink struct {
	mu   sync.Mutex
	segs []voice.TranscriptionSegment
}

func (c *captionSink) push(seg voice.TranscriptionSegment) {
	c.mu.Lock()
	c.segs = append(c.segs, seg)
	c.mu.Unlock()
}

func (c *captionSink) deltaCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, seg := range c.segs {
		if !seg.Final && seg.Delta != "" {
			n++
		}
	}
	return n
}

func (c *captionSink) firstDelta() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, seg := range c.segs {
		if !seg.Final && seg.Delta != "" {
			return seg.Delta
		}
	}
	return ""
}

func (c *captionSink) finals() []voice.TranscriptionSegment {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []voice.TranscriptionSegment
	for _, seg := range c.segs {
		if seg.Final {
			out = append(out, seg)
		}
	}
	return out
}

func TestTranscriptSyncPacesCaptionsWithAudio(t *testing.T) {
	sink := &captionSink{}
	ts := voice.NewTranscriptSynchronizer(sink.push, voice.TranscriptSyncOptions{
		Speed:    100, // keep the paced path fast enough for a unit test
		Language: "en-US",
	})
	defer ts.Close()

	const text = "This caption has quite a few words to speak. And a little more."

	// Trailing space completes the first sentence so pacing can start
	// before the utterance is over.
	ts.PushText("This caption has quite a few words to speak. ")
	ts.PushAudio(micFrame(0))

	waitUntil(t, "first paced word", func() bool { return sink.deltaCount() > 0 })
	if got := sink.firstDelta(); got != "This" {
		t.Fatalf("first delta = %q, want This", got)
	}

	ts.PushText("And a little more.")
	got := ts.MarkPlaybackFinished(false)
	if got != text {
		t.Fatalf("transcript = %q, want %q", got, text)
	}

	finals := sink.finals()
	if len(finals) != 1 {
		t.Fatalf("final segments = %d, want 1", len(finals))
	}
	if finals[0].Text != text {
		t.Fatalf("final caption = %q, want %q", finals[0].Text, text)
	}
	if finals[0].Language != "en-US" {
		t.Fatalf("caption language = %q", finals[0].Language)
	}
}

func TestTranscriptSyncInterruptionKeepsHeardPrefix(t *testing.T) {
	sink := &captionSink{}
	// Default speed: the whole sentence takes seconds to pace, so cutting
	// it off after the first word reliably leaves text behind.
	ts := voice.NewTranscriptSynchronizer(sink.push, voice.TranscriptSyncOptions{})
	defer ts.Close()

	const text = "The quick brown fox jumps over the lazy dog near the riverbank today. "

	ts.PushText(text)
	ts.PushAudio(micFrame(0))

	waitUntil(t, "first paced word", func() bool { return sink.deltaCount() > 0 })
	heard := ts.MarkPlaybackFinished(true)

	full := strings.TrimSpace(text)
	if heard == "" {
		t.Fatal("interrupted transcript is empty despite forwarded words")
	}
	if heard == full {
		t.Fatal("interrupted transcript equals the full text; pacing never held words back")
	}
	if !strings.HasPrefix(full, heard) {
		t.Fatalf("heard %q is not a prefix of %q", heard, full)
	}

	finals := sink.finals()
	if len(finals) != 1 {
		t.Fatalf("final segments = %d, want 1", len(finals))
	}
	if finals[0].Text != heard {
		t.Fatalf("final caption = %q, want heard prefix %q", finals[0].Text, heard)
	}
}

func TestTranscriptSyncFlushesWithoutAudio(t *testing.T) {
	sink := &captionSink{}
	ts := voice.NewTranscriptSynchronizer(sink.push, voice.TranscriptSyncOptions{})
	defer ts.Close()

	const text = "No audio ever arrived for this caption."
	ts.PushText(text)

	start := time.Now()
	got := ts.MarkPlaybackFinished(false)
	if got != text {
		t.Fatalf("transcript = %q, want %q", got, text)
	}
	// Without an audio clock there is nothing to pace against.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("flush took %v, expected immediate delivery", elapsed)
	}
}

func TestTranscriptSyncRotationIsolatesUtterances(t *testing.T) {
	sink := &captionSink{}
	ts := voice.NewTranscriptSynchronizer(sink.push, voice.TranscriptSyncOptions{})
	defer ts.Close()

	first := "First caption text for the opening reply."
	second := "Second caption text for the following reply."

	ts.PushText(first)
	if got := ts.MarkPlaybackFinished(false); got != first {
		t.Fatalf("first transcript = %q", got)
	}
	ts.PushText(second)
	if got := ts.MarkPlaybackFinished(false); got != second {
		t.Fatalf("second transcript = %q", got)
	}

	finals := sink.finals()
	if len(finals) != 2 {
		t.Fatalf("final segments = %d, want 2", len(finals))
	}
	if finals[0].Text != first || finals[1].Text != second {
		t.Fatalf("final captions = %q, %q", finals[0].Text, finals[1].Text)
	}
	if finals[0].ID == finals[1].ID {
		t.Fatalf("utterances share segment id %s", finals[0].ID)
	}
}

func TestTranscriptSyncLateTextRaceKeepsCaptionsComplete(t *testing.T) {
	// Text arriving concurrently with the playback-finished rotation either
	// makes the transcript and the final caption together, or neither. A
	// sentence counted in the transcript but missing from the sink means
	// the queue closed between tokenizing and enqueueing it.
	for i := 0; i < 50; i++ {
		sink := &captionSink{}
		ts := voice.NewTranscriptSynchronizer(sink.push, voice.TranscriptSyncOptions{})

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			ts.PushText("Closing soon. ")
			ts.PushText("Thanks for visiting.")
		}()
		got := ts.MarkPlaybackFinished(false)
		wg.Wait()

		finals := sink.finals()
		if got == "" {
			if len(finals) != 0 {
				t.Fatalf("empty transcript but %d final captions", len(finals))
			}
		} else {
			if len(finals) != 1 {
				t.Fatalf("transcript %q produced %d final captions, want 1", got, len(finals))
			}
			if finals[0].Text != got {
				t.Fatalf("final caption = %q, want transcript %q", finals[0].Text, got)
			}
		}
		ts.Close()
	}
}

func TestTranscriptSyncCloseIsIdempotent(t *testing.T) {
	sink := &captionSink{}
	ts := voice.NewTranscriptSynchronizer(sink.push, voice.TranscriptSyncOptions{})

	ts.PushText("Queued but never spoken.")
	ts.Close()

	// Everything after Close is a no-op.
	ts.PushText("Late text.")
	ts.PushAudio(micFrame(0))
	if got := ts.MarkPlaybackFinished(false); got != "" {
		t.Fatalf("transcript after close = %q, want empty", got)
	}
	ts.Close()
}
