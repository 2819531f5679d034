// Package audio defines the capture-path processing interface. A Processor
// filters the user's microphone audio before recognition sees it and may use
// the agent's own playout as a far-end reference, which is how echo
// cancellation keeps the agent from hearing itself.
package audio

import (
	"time"

	"github.com/chriscow/agents-go/pkg/ai"
	"github.com/chriscow/agents-go/pkg/rtc"
)

// Audio processor-specific error variables for backward compatibility
var (
	// ErrRecoverable indicates a temporary processing failure that may succeed
	// if retried. Examples: resource shortage, temporary processing overload.
	ErrRecoverable = ai.ErrRecoverable

	// ErrFatal indicates a permanent processing failure that will not succeed
	// if retried. Examples: unsupported audio format, invalid configuration.
	ErrFatal = ai.ErrFatal
)

// ProcessorConfig toggles the individual processing stages.
type ProcessorConfig struct {
	EchoCancellation bool
	NoiseSuppression bool
	HighPassFilter   bool
	AutoGainControl  bool
}

// NewProcessorConfig returns a config with every stage enabled. The zero
// value disables everything.
func NewProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		EchoCancellation: true,
		NoiseSuppression: true,
		HighPassFilter:   true,
		AutoGainControl:  true,
	}
}

// Processor filters room audio. The capture direction carries the user's
// microphone; the reverse direction carries whatever the agent is playing
// out and serves as the echo reference.
//
// The two directions are fed from different goroutines, so implementations
// must synchronize internally. The room adapter delivers both directions as
// 10 ms mono frames at the track rate.
type Processor interface {
	// ProcessCapture filters one microphone frame in place.
	ProcessCapture(frame *rtc.AudioFrame) error

	// ProcessReverse observes one far-end (playout) frame.
	ProcessReverse(frame rtc.AudioFrame) error

	// SetStreamDelay reports the measured capture-to-playout delay to
	// implementations that align the echo path. Callers that cannot
	// measure it never call this.
	SetStreamDelay(d time.Duration) error

	// Close releases resources. Frames must not be pushed after Close.
	Close() error
}
