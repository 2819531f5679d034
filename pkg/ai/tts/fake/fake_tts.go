// Package fake provides a deterministic TTS for tests. Audio is a sine
// wave whose duration scales with the text length, so playback timing is
// predictable without any network dependency.
package fake

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chriscow/agents-go/pkg/ai/tts"
	"github.com/chriscow/agents-go/pkg/rtc"
	"github.com/chriscow/agents-go/pkg/stream"
)

const (
	// DefaultCharDuration is how much audio one character of text produces.
	DefaultCharDuration = 10 * time.Millisecond
	frameDuration       = 10 * time.Millisecond
	toneFrequency       = 440.0
)

// FakeTTS is a fake TTS implementation for testing.
type FakeTTS struct {
	sampleRate   int
	charDuration time.Duration

	mu         sync.Mutex
	streaming  bool
	startDelay time.Duration
	nextErr    error
	requests   []string

	streams chan *FakeSynthStream
}

// NewFakeTTS creates a new fake TTS provider emitting 48kHz mono audio.
func NewFakeTTS() *FakeTTS {
	return &FakeTTS{
		sampleRate:   48000,
		charDuration: DefaultCharDuration,
		streaming:    true,
		streams:      make(chan *FakeSynthStream, 4),
	}
}

// SetStreaming controls whether NewStream is available. Disable it to test
// the buffered StreamAdapter path.
func (f *FakeTTS) SetStreaming(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streaming = enabled
}

// SetStartDelay simulates provider latency before the first audio chunk of
// each request.
func (f *FakeTTS) SetStartDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startDelay = d
}

// FailNext makes the next synthesis emit an in-band error.
func (f *FakeTTS) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextErr = err
}

// Requests returns the texts synthesized so far, one entry per segment.
func (f *FakeTTS) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	copy(out, f.requests)
	return out
}

// WaitForStream returns the next stream opened through NewStream.
func (f *FakeTTS) WaitForStream(ctx context.Context) (*FakeSynthStream, error) {
	select {
	case s := <-f.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SampleRate implements tts.TTS.
func (f *FakeTTS) SampleRate() int { return f.sampleRate }

// Capabilities returns the fake TTS capabilities.
func (f *FakeTTS) Capabilities() tts.TTSCapabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return tts.TTSCapabilities{
		Streaming:            f.streaming,
		SupportedLanguages:   []string{"en-US", "en-GB", "es-ES"},
		SupportedVoices:      []string{"fake-voice-1", "fake-voice-2"},
		SupportsSpeedControl: true,
		SupportsPitchControl: true,
	}
}

// Synthesize generates fake audio frames (sine wave) for the given text.
func (f *FakeTTS) Synthesize(ctx context.Context, text string, cfg tts.SynthesizeConfig) (<-chan tts.SynthesizedAudio, error) {
	out := make(chan tts.SynthesizedAudio, 16)
	requestID := uuid.NewString()
	segmentID := uuid.NewString()

	if err := f.takeError(); err != nil {
		go func() {
			defer close(out)
			select {
			case out <- tts.SynthesizedAudio{RequestID: requestID, SegmentID: segmentID, Error: err}:
			case <-ctx.Done():
			}
		}()
		return out, nil
	}

	f.record(text)

	go func() {
		defer close(out)
		if !f.waitStartDelay(ctx) {
			return
		}
		frames := f.frames(text)
		for i, frame := range frames {
			chunk := tts.SynthesizedAudio{
				RequestID: requestID,
				SegmentID: segmentID,
				Frame:     frame,
				IsFinal:   i == len(frames)-1,
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// NewStream opens an incremental synthesis session.
func (f *FakeTTS) NewStream(ctx context.Context, cfg tts.SynthesizeConfig) (tts.SynthesizeStream, error) {
	f.mu.Lock()
	streaming := f.streaming
	f.mu.Unlock()
	if !streaming {
		return nil, tts.ErrFatal
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &FakeSynthStream{
		tts:       f,
		ctx:       ctx,
		cancel:    cancel,
		requestID: uuid.NewString(),
		work:      stream.NewQueue[synthItem](),
		events:    make(chan tts.SynthesizedAudio, 64),
	}
	go s.run()

	select {
	case f.streams <- s:
	default:
	}
	return s, nil
}

func (f *FakeTTS) takeError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.nextErr
	f.nextErr = nil
	return err
}

func (f *FakeTTS) record(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, text)
}

func (f *FakeTTS) waitStartDelay(ctx context.Context) bool {
	f.mu.Lock()
	delay := f.startDelay
	f.mu.Unlock()
	if delay <= 0 {
		return true
	}
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// frames renders text as 10ms sine wave frames.
func (f *FakeTTS) frames(text string) []rtc.AudioFrame {
	duration := time.Duration(len(text)) * f.charDuration
	frameCount := int(duration / frameDuration)
	if frameCount < 1 {
		frameCount = 1
	}

	samplesPerFrame := f.sampleRate / 100 // 10ms worth
	frames := make([]rtc.AudioFrame, 0, frameCount)
	for i := 0; i < frameCount; i++ {
		data := make([]byte, samplesPerFrame*2) // 16-bit mono
		for j := 0; j < samplesPerFrame; j++ {
			sampleIndex := i*samplesPerFrame + j
			sample := math.Sin(2 * math.Pi * toneFrequency * float64(sampleIndex) / float64(f.sampleRate))
			sample *= 0.3 // reduce volume

			intSample := int16(sample * 32767)
			data[j*2] = byte(intSample & 0xFF)
			data[j*2+1] = byte((intSample >> 8) & 0xFF)
		}
		frames = append(frames, rtc.AudioFrame{
			Data:              data,
			SampleRate:        f.sampleRate,
			SamplesPerChannel: samplesPerFrame,
			NumChannels:       1,
			Timestamp:         time.Duration(i) * frameDuration,
		})
	}
	return frames
}

type synthItem struct {
	text  string
	flush bool
}

// FakeSynthStream synthesizes pushed text eagerly, holding back one chunk
// per segment so the segment's last chunk can carry IsFinal.
type FakeSynthStream struct {
	tts       *FakeTTS
	ctx       context.Context
	cancel    context.CancelFunc
	requestID string
	work      *stream.Queue[synthItem]
	events    chan tts.SynthesizedAudio

	mu     sync.Mutex
	closed bool
}

// PushText implements tts.SynthesizeStream.
func (s *FakeSynthStream) PushText(text string) error {
	if text == "" {
		return nil
	}
	return s.work.Put(synthItem{text: text})
}

// Flush implements tts.SynthesizeStream.
func (s *FakeSynthStream) Flush() error {
	return s.work.Put(synthItem{flush: true})
}

// EndInput implements tts.SynthesizeStream.
func (s *FakeSynthStream) EndInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.work.Put(synthItem{flush: true})
	s.work.Close()
	return nil
}

// Events implements tts.SynthesizeStream.
func (s *FakeSynthStream) Events() <-chan tts.SynthesizedAudio { return s.events }

// Close implements tts.SynthesizeStream.
func (s *FakeSynthStream) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.work.Close()
	}
	s.mu.Unlock()
	s.cancel()
	return nil
}

func (s *FakeSynthStream) run() {
	defer close(s.events)
	defer s.cancel()

	if err := s.takeStreamError(); err != nil {
		s.emit(tts.SynthesizedAudio{RequestID: s.requestID, SegmentID: uuid.NewString(), Error: err})
		return
	}
	if !s.tts.waitStartDelay(s.ctx) {
		return
	}

	segmentID := uuid.NewString()
	var segText string
	var pending *tts.SynthesizedAudio

	for {
		item, err := s.work.Next(s.ctx)
		if err != nil {
			return
		}

		if item.flush {
			if pending != nil {
				pending.IsFinal = true
				if !s.emit(*pending) {
					return
				}
				pending = nil
			}
			if segText != "" {
				s.tts.record(segText)
			}
			segText = ""
			segmentID = uuid.NewString()
			continue
		}

		segText += item.text
		for _, frame := range s.tts.frames(item.text) {
			if pending != nil {
				if !s.emit(*pending) {
					return
				}
			}
			chunk := tts.SynthesizedAudio{
				RequestID: s.requestID,
				SegmentID: segmentID,
				Frame:     frame,
			}
			pending = &chunk
		}
	}
}

func (s *FakeSynthStream) takeStreamError() error {
	return s.tts.takeError()
}

func (s *FakeSynthStream) emit(chunk tts.SynthesizedAudio) bool {
	select {
	case s.events <- chunk:
		return true
	case <-s.ctx.Done():
		return false
	}
}
