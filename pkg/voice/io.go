package voice

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/chriscow/agents-go/pkg/rtc"
)

// AudioInput supplies the user's microphone audio to a session. The channel
// closes when the input ends (participant left, room closed).
type AudioInput interface {
	Frames() <-chan rtc.AudioFrame
}

// PlaybackEvent reports how the playout of queued audio ended. Position is
// the audio duration actually played since the previous utterance boundary;
// Interrupted is true when the buffer was cleared before draining.
type PlaybackEvent struct {
	Position    time.Duration
	Interrupted bool
}

// AudioOutput consumes synthesized agent audio. Implementations buffer
// frames and play them out in order; ClearBuffer drops anything not yet
// played, which is how interruptions cut speech short.
type AudioOutput interface {
	// WriteFrame queues one frame for playout.
	WriteFrame(ctx context.Context, frame rtc.AudioFrame) error

	// Flush marks the end of the current utterance's audio.
	Flush()

	// ClearBuffer drops all queued, unplayed audio.
	ClearBuffer()

	// WaitPlayout blocks until the queued audio either finished playing
	// or was cleared, and reports which.
	WaitPlayout(ctx context.Context) (PlaybackEvent, error)
}

// TranscriptionSegment is one paced caption update. Delta is the newly
// forwarded text; Text accumulates the segment so far. Final marks the last
// update for the segment id.
type TranscriptionSegment struct {
	ID       string
	Delta    string
	Text     string
	Language string
	Final    bool
}

// TranscriptSink receives paced agent captions. Implementations must not
// block for long; the synchronizer calls it from its pacing loop.
type TranscriptSink func(seg TranscriptionSegment)

// ChanAudioInput is an AudioInput backed by a plain channel. Room adapters
// and tests push decoded frames into it.
type ChanAudioInput struct {
	ch     chan rtc.AudioFrame
	closed atomic.Bool
}

// NewChanAudioInput returns an input with the given channel buffer.
func NewChanAudioInput(buffer int) *ChanAudioInput {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanAudioInput{ch: make(chan rtc.AudioFrame, buffer)}
}

// Frames implements AudioInput.
func (c *ChanAudioInput) Frames() <-chan rtc.AudioFrame { return c.ch }

// Push queues a frame, dropping it if the session is not keeping up or the
// input is closed. Microphone capture must never block.
func (c *ChanAudioInput) Push(frame rtc.AudioFrame) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.ch <- frame:
		return true
	default:
		return false
	}
}

// Close ends the input; Frames drains and closes.
func (c *ChanAudioInput) Close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.ch)
	}
}

// audioGate drops microphone audio while an uninterruptible utterance is
// playing, so speech spoken over the agent does not surface as a transcript
// the moment playback ends.
type audioGate struct {
	discard atomic.Bool
}

func (g *audioGate) SetDiscard(v bool) { g.discard.Store(v) }

func (g *audioGate) Discarding() bool { return g.discard.Load() }
