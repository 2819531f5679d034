package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chriscow/agents-go/pkg/rtc"
	"github.com/chriscow/agents-go/pkg/stream"
	"github.com/chriscow/agents-go/pkg/task"
	"github.com/chriscow/agents-go/pkg/tokenize"
)

// standardHyphensPerSecond is the baseline speech rate used to pace caption
// text against audio playback. A hyphen split is a language-neutral proxy
// for a syllable.
const standardHyphensPerSecond = 3.83

// TranscriptSyncOptions tunes caption pacing.
type TranscriptSyncOptions struct {
	// Speed is a multiplier over the standard speech rate. 1.0 (default)
	// forwards roughly 3.83 hyphens per second.
	Speed    float64
	Language string
	Logger   *slog.Logger
}

// TranscriptSynchronizer paces agent caption text to the audio timeline.
// The LLM produces text far faster than the TTS speaks it; forwarding raw
// deltas would make captions race ahead of the voice. Text and audio for
// one utterance form a segment; segments rotate at utterance boundaries.
type TranscriptSynchronizer struct {
	sink          TranscriptSink
	hyphensPerSec float64
	lang          string
	log           *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// rotateMu serializes segment rotation.
	rotateMu sync.Mutex

	mu     sync.Mutex
	cur    *syncSegment
	closed bool
}

// NewTranscriptSynchronizer builds a synchronizer that forwards paced
// caption updates to sink.
func NewTranscriptSynchronizer(sink TranscriptSink, opts TranscriptSyncOptions) *TranscriptSynchronizer {
	if opts.Speed <= 0 {
		opts.Speed = 1.0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &TranscriptSynchronizer{
		sink:          sink,
		hyphensPerSec: opts.Speed * standardHyphensPerSecond,
		lang:          opts.Language,
		log:           opts.Logger,
		ctx:           ctx,
		cancel:        cancel,
	}
	t.cur = t.newSegment()
	return t
}

// PushText appends LLM text to the current segment.
func (t *TranscriptSynchronizer) PushText(text string) {
	if seg := t.current(); seg != nil {
		seg.pushText(text)
	}
}

// PushAudio accounts one frame of synthesized audio to the current segment.
// The first frame starts the pacing clock.
func (t *TranscriptSynchronizer) PushAudio(frame rtc.AudioFrame) {
	if seg := t.current(); seg != nil {
		seg.pushAudio(frame)
	}
}

// MarkPlaybackFinished ends the current segment: on normal completion the
// remaining text is flushed without pacing, on interruption forwarding
// stops where it is. It rotates to a fresh segment and returns the
// synchronized transcript: the full text when playback completed, only the
// forwarded prefix when interrupted.
func (t *TranscriptSynchronizer) MarkPlaybackFinished(interrupted bool) string {
	seg := t.current()
	if seg == nil {
		return ""
	}
	seg.markPlaybackFinished(interrupted)
	t.RotateSegment()
	return seg.transcript()
}

// RotateSegment closes the current segment and installs a fresh one for the
// next utterance. Rotations are serialized; a rotation requested while one
// is still draining waits its turn.
func (t *TranscriptSynchronizer) RotateSegment() {
	if !t.rotateMu.TryLock() {
		t.log.Warn("transcript segment rotation already in progress")
		t.rotateMu.Lock()
	}
	defer t.rotateMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	old := t.cur
	t.cur = t.newSegment()
	t.mu.Unlock()

	old.endInput()
	select {
	case <-old.done:
	case <-t.ctx.Done():
	}
}

// Close stops pacing and drops pending text.
func (t *TranscriptSynchronizer) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	cur := t.cur
	t.mu.Unlock()

	cur.endInput()
	t.cancel()
	t.wg.Wait()
}

func (t *TranscriptSynchronizer) current() *syncSegment {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	return t.cur
}

func (t *TranscriptSynchronizer) newSegment() *syncSegment {
	seg := &syncSegment{
		id:            "segment_" + uuid.NewString(),
		hyphensPerSec: t.hyphensPerSec,
		lang:          t.lang,
		sink:          t.sink,
		tok:           tokenize.NewSentenceTokenizer(0),
		sentences:     stream.NewQueue[string](),
		started:       task.NewFuture[time.Time](),
		done:          make(chan struct{}),
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		seg.run(t.ctx)
	}()
	return seg
}

// syncSegment owns one (text, audio) pair. Its run loop forwards words at
// the paced rate once the first audio frame arrives.
type syncSegment struct {
	id            string
	hyphensPerSec float64
	lang          string
	sink          TranscriptSink
	tok           *tokenize.SentenceTokenizer
	sentences     *stream.Queue[string]
	started       *task.Future[time.Time]

	mu               sync.Mutex
	pushedText       strings.Builder
	forwarded        strings.Builder
	forwardedHyphens float64
	audioDuration    time.Duration
	inputEnded       bool
	playbackDone     bool
	interrupted      bool

	done chan struct{}
}

// pushText appends text and feeds any completed sentences to the run loop.
// The tokenizer push and the queue put stay under the lock so a concurrent
// endInput cannot close the queue between them and drop the sentence.
func (s *syncSegment) pushText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputEnded {
		return
	}
	s.pushedText.WriteString(text)
	for _, sentence := range s.tok.Push(text) {
		_ = s.sentences.Put(sentence)
	}
}

func (s *syncSegment) pushAudio(frame rtc.AudioFrame) {
	s.mu.Lock()
	s.audioDuration += frame.Duration()
	s.mu.Unlock()
	s.started.Resolve(time.Now())
}

// endInput closes the text side. A segment that never saw audio flushes
// instantly rather than waiting for a pacing clock that will never start.
func (s *syncSegment) endInput() {
	s.mu.Lock()
	if s.inputEnded {
		s.mu.Unlock()
		return
	}
	s.inputEnded = true
	for _, sentence := range s.tok.Flush() {
		_ = s.sentences.Put(sentence)
	}
	s.sentences.Close()
	started := s.started.IsDone()
	if !started {
		s.playbackDone = true
	}
	s.mu.Unlock()

	if !started {
		s.started.Resolve(time.Now())
	}
}

func (s *syncSegment) markPlaybackFinished(interrupted bool) {
	s.mu.Lock()
	s.playbackDone = true
	s.interrupted = interrupted
	s.mu.Unlock()
	s.endInput()
}

// transcript returns the full pushed text on completion, or only the
// forwarded prefix when the utterance was interrupted.
func (s *syncSegment) transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interrupted {
		return strings.TrimSpace(s.forwarded.String())
	}
	return strings.TrimSpace(s.pushedText.String())
}

func (s *syncSegment) fastPath() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playbackDone && !s.interrupted
}

func (s *syncSegment) isInterrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

func (s *syncSegment) run(ctx context.Context) {
	defer close(s.done)

	startAt, err := s.started.Wait(ctx)
	if err != nil {
		return
	}

	emitted := false
	defer func() {
		if !emitted {
			return
		}
		s.mu.Lock()
		text := strings.TrimSpace(s.forwarded.String())
		s.mu.Unlock()
		s.sink(TranscriptionSegment{ID: s.id, Text: text, Language: s.lang, Final: true})
	}()

	for {
		sentence, err := s.sentences.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return
			}
			return
		}
		for _, word := range tokenize.SplitWords(sentence) {
			if s.isInterrupted() || ctx.Err() != nil {
				return
			}
			hyphens := tokenize.CountHyphens(word)
			if !s.fastPath() {
				// Pace: how many hyphens should have been spoken by
				// now, and how far ahead would this word put us?
				elapsed := time.Since(startAt).Seconds()
				target := elapsed * s.hyphensPerSec
				s.mu.Lock()
				behind := target - s.forwardedHyphens
				s.mu.Unlock()
				if behind < 0 {
					behind = 0
				}
				over := float64(hyphens) - behind
				if over < 0 {
					over = 0
				}
				delay := time.Duration(over / s.hyphensPerSec * float64(time.Second))
				if !sleepCtx(ctx, delay/2) {
					return
				}
				if s.isInterrupted() {
					return
				}
				s.emitWord(word, hyphens)
				emitted = true
				if !sleepCtx(ctx, delay/2) {
					return
				}
			} else {
				s.emitWord(word, hyphens)
				emitted = true
			}
		}
	}
}

func (s *syncSegment) emitWord(word string, hyphens int) {
	s.mu.Lock()
	if s.forwarded.Len() > 0 {
		s.forwarded.WriteByte(' ')
	}
	s.forwarded.WriteString(word)
	s.forwardedHyphens += float64(hyphens)
	text := s.forwarded.String()
	s.mu.Unlock()

	s.sink(TranscriptionSegment{ID: s.id, Delta: word, Text: text, Language: s.lang})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
