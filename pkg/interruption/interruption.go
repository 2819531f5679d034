// Package interruption classifies overlapping speech. While the agent is
// speaking and the user starts talking over it, a remote model scores
// windows of the overlap audio; the detector rolls those scores up and
// decides whether the user means to interrupt or is just backchanneling.
package interruption

import (
	"fmt"
	"math"
	"time"

	"github.com/chriscow/agents-go/pkg/ai"
)

// FrameDuration is the classifier's output hop: one probability per 40 ms
// of overlap audio. Part of the inference protocol, not tunable.
const FrameDuration = 40 * time.Millisecond

// EventType distinguishes detector emissions.
type EventType int

const (
	// EventInterruption fires the moment the rollup crosses the threshold.
	EventInterruption EventType = iota
	// EventOverlapSpeechEnded summarizes an overlap once the user stops.
	EventOverlapSpeechEnded
)

func (t EventType) String() string {
	switch t {
	case EventInterruption:
		return "interruption"
	case EventOverlapSpeechEnded:
		return "overlap_speech_ended"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is what the detector emits to the session.
type Event struct {
	Type                   EventType
	Timestamp              time.Time
	IsInterruption         bool
	TotalDuration          time.Duration
	PredictionDuration     time.Duration
	DetectionDelay         time.Duration
	OverlapSpeechStartedAt time.Time
	Probabilities          []float64
	Probability            float64
	SpeechInput            []byte // PCM16 window, nil unless captured
}

// CacheEntry is one classified window, keyed by its request id.
type CacheEntry struct {
	CreatedAt          time.Time
	TotalDuration      time.Duration
	PredictionDuration time.Duration
	DetectionDelay     time.Duration
	SpeechInput        []byte
	Probabilities      []float64
	IsInterruption     bool
	Probability        float64
}

// Prediction is the classifier's response for one audio window.
type Prediction struct {
	Probabilities         []float64 `json:"probabilities"`
	TotalDurationInS      float64   `json:"totalDurationInS"`
	PredictionDurationInS float64   `json:"predictionDurationInS"`
}

// DetectionError wraps a transport or inference failure.
type DetectionError struct {
	Timestamp   time.Time
	Label       string
	Recoverable bool
	Err         error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("interruption detection (%s): %v", e.Label, e.Err)
}

func (e *DetectionError) Unwrap() error {
	return e.Err
}

// newDetectionError classifies err through the ai error taxonomy.
func newDetectionError(label string, err error) *DetectionError {
	return &DetectionError{
		Timestamp:   time.Now(),
		Label:       label,
		Recoverable: ai.IsRecoverable(err),
		Err:         err,
	}
}

// Options tunes the detector.
type Options struct {
	SampleRate              int           // PCM rate sent to the classifier
	Threshold               float64       // rollup probability above which the overlap is an interruption
	DetectionInterval       time.Duration // audio accumulated between inference windows
	MinInterruptionDuration time.Duration // sustained-speech span required by the rollup
	AudioPrefixDuration     time.Duration // agent-speech context kept before the overlap start
	MaxAudioDuration        time.Duration // ring buffer capacity
	CaptureSpeechInput      bool          // retain window PCM on cache entries and events
	Conn                    ai.ConnOptions
}

// DefaultOptions are the values a zero Options resolves to.
var DefaultOptions = Options{
	SampleRate:              16000,
	Threshold:               0.5,
	DetectionInterval:       250 * time.Millisecond,
	MinInterruptionDuration: 500 * time.Millisecond,
	AudioPrefixDuration:     2 * time.Second,
	MaxAudioDuration:        10 * time.Second,
}

// WithDefaults fills zero fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	if o.SampleRate == 0 {
		o.SampleRate = DefaultOptions.SampleRate
	}
	if o.Threshold == 0 {
		o.Threshold = DefaultOptions.Threshold
	}
	if o.DetectionInterval == 0 {
		o.DetectionInterval = DefaultOptions.DetectionInterval
	}
	if o.MinInterruptionDuration == 0 {
		o.MinInterruptionDuration = DefaultOptions.MinInterruptionDuration
	}
	if o.AudioPrefixDuration == 0 {
		o.AudioPrefixDuration = DefaultOptions.AudioPrefixDuration
	}
	if o.MaxAudioDuration == 0 {
		o.MaxAudioDuration = DefaultOptions.MaxAudioDuration
	}
	o.Conn = o.Conn.WithDefaults()
	return o
}

// WindowFrames converts the minimum interruption duration into a count of
// classifier frames.
func WindowFrames(minInterruptionDuration time.Duration) int {
	return int(math.Ceil(float64(minInterruptionDuration) / float64(FrameDuration)))
}

// SlidingWindowMinMax rolls per-frame probabilities up to a single score:
// the minimum, over every sliding window of the given size, of the
// maximum probability inside that window. High only when strong frames
// keep recurring for the whole span. Inputs shorter than one window
// return 0, there is not yet enough sustained evidence.
func SlidingWindowMinMax(probabilities []float64, window int) float64 {
	if window <= 0 || len(probabilities) < window {
		return 0
	}
	minOfMax := math.Inf(1)
	for i := 0; i+window <= len(probabilities); i++ {
		windowMax := probabilities[i]
		for _, p := range probabilities[i+1 : i+window] {
			if p > windowMax {
				windowMax = p
			}
		}
		if windowMax < minOfMax {
			minOfMax = windowMax
		}
	}
	return minOfMax
}
