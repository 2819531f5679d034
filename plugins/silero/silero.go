// Package silero implements voice activity detection with the Silero VAD
// ONNX model. When the model file or the onnxruntime library is missing,
// detection falls back to RMS-energy scoring so sessions keep working with
// reduced accuracy. Importing the package registers the provider under
// "vad/silero"; 'agents-go download-files' fetches the model.
package silero

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chriscow/agents-go/pkg/ai/vad"
	"github.com/chriscow/agents-go/pkg/rtc"
	"github.com/chriscow/agents-go/pkg/stream"
)

const (
	defaultActivationThreshold   = 0.5
	defaultMinSpeechDuration     = 50 * time.Millisecond
	defaultMinSilenceDuration    = 550 * time.Millisecond
	defaultPrefixPaddingDuration = 500 * time.Millisecond
	defaultMaxBufferedSpeech     = 60 * time.Second
	defaultSampleRate            = 16000

	// probFilterAlpha smooths window probabilities before thresholding.
	// Raw values still drive the RawAccumulated* counters.
	probFilterAlpha = 0.35
)

type options struct {
	activationThreshold   float64
	minSpeechDuration     time.Duration
	minSilenceDuration    time.Duration
	prefixPaddingDuration time.Duration
	maxBufferedSpeech     time.Duration
	sampleRate            int
	modelPath             string
}

// Option configures the detector.
type Option func(*options)

// WithActivationThreshold sets the probability above which a window counts
// as speech.
func WithActivationThreshold(threshold float64) Option {
	return func(o *options) { o.activationThreshold = threshold }
}

// WithMinSpeechDuration sets how long speech must persist before a
// start-of-speech event fires.
func WithMinSpeechDuration(d time.Duration) Option {
	return func(o *options) { o.minSpeechDuration = d }
}

// WithMinSilenceDuration sets how long silence must persist before an
// end-of-speech event fires.
func WithMinSilenceDuration(d time.Duration) Option {
	return func(o *options) { o.minSilenceDuration = d }
}

// WithPrefixPaddingDuration sets how much audio preceding detected speech
// is included in the start-of-speech event.
func WithPrefixPaddingDuration(d time.Duration) Option {
	return func(o *options) { o.prefixPaddingDuration = d }
}

// WithMaxBufferedSpeech caps how much of an utterance is retained for the
// end-of-speech event.
func WithMaxBufferedSpeech(d time.Duration) Option {
	return func(o *options) { o.maxBufferedSpeech = d }
}

// WithSampleRate sets the inference rate: 8000 or 16000. Input at other
// rates is resampled.
func WithSampleRate(rate int) Option {
	return func(o *options) { o.sampleRate = rate }
}

// WithModelPath overrides the model file location.
func WithModelPath(path string) Option {
	return func(o *options) { o.modelPath = path }
}

// VAD detects voice activity in an audio stream. Instances are safe for
// concurrent Detect calls; streams share the loaded model.
type VAD struct {
	opts  options
	model *onnxModel // nil when running on the energy fallback
}

// New creates a detector. The model file is probed here so a missing or
// broken model degrades to energy scoring at construction, not mid-call.
func New(opts ...Option) (*VAD, error) {
	o := options{
		activationThreshold:   defaultActivationThreshold,
		minSpeechDuration:     defaultMinSpeechDuration,
		minSilenceDuration:    defaultMinSilenceDuration,
		prefixPaddingDuration: defaultPrefixPaddingDuration,
		maxBufferedSpeech:     defaultMaxBufferedSpeech,
		sampleRate:            defaultSampleRate,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.sampleRate != 8000 && o.sampleRate != 16000 {
		return nil, fmt.Errorf("silero: unsupported sample rate %d (must be 8000 or 16000)", o.sampleRate)
	}
	if o.activationThreshold <= 0 || o.activationThreshold >= 1 {
		return nil, fmt.Errorf("silero: activation threshold %v out of range (0, 1)", o.activationThreshold)
	}

	v := &VAD{opts: o}

	modelFile := o.modelPath
	if modelFile == "" {
		modelFile = defaultModelFile()
	}
	if _, err := os.Stat(modelFile); err != nil {
		slog.Warn("silero model not found, using energy detection (run 'agents-go download-files')",
			"path", modelFile)
		return v, nil
	}

	model, err := loadModel(modelFile, o.sampleRate)
	if err != nil {
		slog.Warn("silero model failed to load, using energy detection",
			"path", modelFile, "error", err)
		return v, nil
	}
	v.model = model
	return v, nil
}

// Close releases the model session. Streams started by Detect must be
// drained first.
func (v *VAD) Close() error {
	if v.model != nil {
		return v.model.close()
	}
	return nil
}

// Capabilities implements vad.VAD.
func (v *VAD) Capabilities() vad.VADCapabilities {
	return vad.VADCapabilities{
		SampleRates:        []int{8000, 16000},
		MinSpeechDuration:  v.opts.minSpeechDuration,
		MinSilenceDuration: v.opts.minSilenceDuration,
		Sensitivity:        float32(v.opts.activationThreshold),
	}
}

// Detect implements vad.VAD. The returned channel closes when the input
// channel closes or the context is cancelled; an input close mid-utterance
// flushes a final end-of-speech event first.
func (v *VAD) Detect(ctx context.Context, frames <-chan rtc.AudioFrame) (<-chan vad.VADEvent, error) {
	var sc scorer
	if v.model != nil {
		s, err := v.model.newScorer()
		if err != nil {
			return nil, err
		}
		sc = s
	} else {
		sc = &energyScorer{window: windowSizeFor(v.opts.sampleRate)}
	}

	events := make(chan vad.VADEvent, 32)
	d := &detector{
		opts:   v.opts,
		scorer: sc,
		filter: stream.NewExpFilter(probFilterAlpha, 1.0),
		events: events,
	}
	go d.run(ctx, frames)
	return events, nil
}

// detector is the per-stream endpointing state machine. Each scored window
// updates two parallel run-length accumulators: the smoothed probability
// drives the speaking state, the raw probability is reported alongside.
type detector struct {
	opts   options
	scorer scorer
	filter *stream.ExpFilter
	events chan<- vad.VADEvent

	resampler *rtc.Resampler
	pending   []int16

	speaking      bool
	speechRun     time.Duration
	silenceRun    time.Duration
	lastSpeechRun time.Duration // utterance length, held across the silence wait
	rawSpeech     time.Duration
	rawSilence    time.Duration

	buffer      []rtc.AudioFrame
	buffered    time.Duration
	warnedLimit bool

	currentSample int64
}

func (d *detector) run(ctx context.Context, frames <-chan rtc.AudioFrame) {
	defer close(d.events)
	defer d.scorer.close()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				d.flush(ctx)
				return
			}
			if err := d.ingest(ctx, frame); err != nil {
				if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
					d.emit(ctx, vad.VADEvent{
						Type:      vad.VADEventError,
						Timestamp: time.Now(),
						Error:     err,
					})
				}
				return
			}
		}
	}
}

// ingest converts a frame to the inference format and scores every full
// window it completes.
func (d *detector) ingest(ctx context.Context, frame rtc.AudioFrame) error {
	if frame.NumChannels > 1 {
		frame = rtc.ToMono(frame)
	}
	if frame.SampleRate != d.opts.sampleRate {
		if d.resampler == nil || d.resampler.SourceRate() != frame.SampleRate {
			r, err := rtc.NewResampler(frame.SampleRate, d.opts.sampleRate, 1)
			if err != nil {
				return fmt.Errorf("resample input: %w", err)
			}
			d.resampler = r
		}
		var err error
		frame, err = d.resampler.Push(frame)
		if err != nil {
			return fmt.Errorf("resample input: %w", err)
		}
		if len(frame.Data) == 0 {
			return nil
		}
	}

	d.pending = append(d.pending, frame.Int16()...)

	win := d.scorer.windowSize()
	consumed := 0
	for len(d.pending)-consumed >= win {
		if err := d.processWindow(ctx, d.pending[consumed:consumed+win]); err != nil {
			return err
		}
		consumed += win
	}
	if consumed > 0 {
		n := copy(d.pending, d.pending[consumed:])
		d.pending = d.pending[:n]
	}
	return nil
}

func (d *detector) processWindow(ctx context.Context, window []int16) error {
	start := time.Now()
	raw, err := d.scorer.score(window)
	if err != nil {
		return err
	}
	inferDur := time.Since(start)
	smoothed := d.filter.Apply(raw)

	windowDur := time.Duration(len(window)) * time.Second / time.Duration(d.opts.sampleRate)
	d.currentSample += int64(len(window))
	d.bufferWindow(rtc.FrameFromInt16(window, d.opts.sampleRate, 1))

	if raw >= d.opts.activationThreshold {
		d.rawSpeech += windowDur
		d.rawSilence = 0
	} else {
		d.rawSilence += windowDur
		d.rawSpeech = 0
	}

	if smoothed >= d.opts.activationThreshold {
		d.speechRun += windowDur
		d.silenceRun = 0
		if !d.speaking && d.speechRun >= d.opts.minSpeechDuration {
			d.speaking = true
			if !d.emit(ctx, d.event(vad.VADEventSpeechStart, raw, inferDur, copyFrames(d.buffer))) {
				return ctx.Err()
			}
		}
	} else {
		if d.speechRun > 0 {
			d.lastSpeechRun = d.speechRun
		}
		d.silenceRun += windowDur
		d.speechRun = 0
		if d.speaking && d.silenceRun >= d.opts.minSilenceDuration {
			d.speaking = false
			ev := d.event(vad.VADEventSpeechEnd, raw, inferDur, copyFrames(d.buffer))
			d.evictToPadding()
			if !d.emit(ctx, ev) {
				return ctx.Err()
			}
		}
	}

	if !d.emit(ctx, d.event(vad.VADEventInferenceDone, raw, inferDur, nil)) {
		return ctx.Err()
	}
	return nil
}

// bufferWindow appends the window frame. While idle the buffer is a rolling
// prefix-padding window; while speaking it grows up to the configured cap.
func (d *detector) bufferWindow(frame rtc.AudioFrame) {
	if d.speaking {
		if d.buffered+frame.Duration() > d.opts.maxBufferedSpeech+d.opts.prefixPaddingDuration {
			if !d.warnedLimit {
				slog.Warn("silero: utterance exceeds max buffered speech, dropping further audio",
					"max", d.opts.maxBufferedSpeech)
				d.warnedLimit = true
			}
			return
		}
		d.buffer = append(d.buffer, frame)
		d.buffered += frame.Duration()
		return
	}
	d.buffer = append(d.buffer, frame)
	d.buffered += frame.Duration()
	d.evictToPadding()
}

func (d *detector) evictToPadding() {
	for len(d.buffer) > 0 && d.buffered-d.buffer[0].Duration() >= d.opts.prefixPaddingDuration {
		d.buffered -= d.buffer[0].Duration()
		d.buffer = d.buffer[1:]
	}
}

// flush ends an in-progress utterance when the input closes mid-speech.
func (d *detector) flush(ctx context.Context) {
	if !d.speaking {
		return
	}
	d.speaking = false
	if d.speechRun > 0 {
		d.lastSpeechRun = d.speechRun
	}
	d.emit(ctx, d.event(vad.VADEventSpeechEnd, 0, 0, copyFrames(d.buffer)))
}

func (d *detector) event(t vad.VADEventType, raw float64, inferDur time.Duration, frames []rtc.AudioFrame) vad.VADEvent {
	speech := d.speechRun
	if t == vad.VADEventSpeechEnd {
		speech = d.lastSpeechRun
	}
	return vad.VADEvent{
		Type:                  t,
		Timestamp:             time.Now(),
		SamplesIndex:          d.currentSample,
		SpeechDuration:        speech,
		SilenceDuration:       d.silenceRun,
		RawAccumulatedSpeech:  d.rawSpeech,
		RawAccumulatedSilence: d.rawSilence,
		Probability:           raw,
		InferenceDuration:     inferDur,
		Speaking:              d.speaking,
		Frames:                frames,
	}
}

func (d *detector) emit(ctx context.Context, ev vad.VADEvent) bool {
	select {
	case d.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func copyFrames(frames []rtc.AudioFrame) []rtc.AudioFrame {
	out := make([]rtc.AudioFrame, len(frames))
	copy(out, frames)
	return out
}
