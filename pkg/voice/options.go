package voice

import (
	"log/slog"
	"time"
)

// TurnDetectionMode selects how end-of-user-turn is decided.
type TurnDetectionMode string

const (
	// TurnDetectionVAD commits a turn after VAD reports end of speech and
	// the endpointing delay elapses. The default when a VAD is configured.
	TurnDetectionVAD TurnDetectionMode = "vad"

	// TurnDetectionSTT relies on the provider's own speech start/end
	// signals. Used when no VAD is configured.
	TurnDetectionSTT TurnDetectionMode = "stt"

	// TurnDetectionManual disables automatic commits; the application
	// calls CommitUserTurn explicitly.
	TurnDetectionManual TurnDetectionMode = "manual"
)

// VoiceOptions tunes the session's turn taking and interruption policy.
// Durations and counts left at zero are filled by WithDefaults; booleans are
// taken as given, so start from DefaultVoiceOptions when overriding.
type VoiceOptions struct {
	// AllowInterruptions lets the user cut the agent off mid-utterance.
	AllowInterruptions bool

	// DiscardAudioIfUninterruptible drops microphone audio while an
	// uninterruptible utterance plays, so stale speech does not arrive as
	// a transcript the moment playback ends.
	DiscardAudioIfUninterruptible bool

	// MinInterruptionDuration is how long the user must speak over the
	// agent before the overlap counts as an interruption.
	MinInterruptionDuration time.Duration

	// MinInterruptionWords additionally requires this many transcribed
	// words before interrupting. Zero disables the word check.
	MinInterruptionWords int

	// MinEndpointingDelay is the silence wait before committing a user
	// turn when the turn detector thinks the user is done (or when no
	// turn detector is configured).
	MinEndpointingDelay time.Duration

	// MaxEndpointingDelay is the silence wait when the turn detector
	// thinks the user has more to say.
	MaxEndpointingDelay time.Duration

	// MaxToolSteps bounds the LLM -> tool -> LLM loop within one reply.
	MaxToolSteps int

	// PreemptiveGeneration starts the reply on a preflight transcript and
	// confirms or discards it when the final transcript arrives.
	PreemptiveGeneration bool

	// FalseInterruptionTimeout resumes paused playback when an overlap is
	// never classified as an interruption. Zero disables the timer.
	FalseInterruptionTimeout time.Duration

	// UserAwayTimeout marks the user away after this much joint silence.
	// Zero disables away detection.
	UserAwayTimeout time.Duration

	// TurnDetection overrides the automatically chosen mode.
	TurnDetection TurnDetectionMode

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultVoiceOptions are the values a zero session starts from.
var DefaultVoiceOptions = VoiceOptions{
	AllowInterruptions:            true,
	DiscardAudioIfUninterruptible: true,
	MinInterruptionDuration:       500 * time.Millisecond,
	MinEndpointingDelay:           500 * time.Millisecond,
	MaxEndpointingDelay:           6 * time.Second,
	MaxToolSteps:                  3,
	FalseInterruptionTimeout:      2 * time.Second,
	UserAwayTimeout:               15 * time.Second,
}

// WithDefaults fills zero-valued durations and counts from
// DefaultVoiceOptions. Boolean fields are left untouched.
func (o VoiceOptions) WithDefaults() VoiceOptions {
	if o.MinInterruptionDuration == 0 {
		o.MinInterruptionDuration = DefaultVoiceOptions.MinInterruptionDuration
	}
	if o.MinEndpointingDelay == 0 {
		o.MinEndpointingDelay = DefaultVoiceOptions.MinEndpointingDelay
	}
	if o.MaxEndpointingDelay == 0 {
		o.MaxEndpointingDelay = DefaultVoiceOptions.MaxEndpointingDelay
	}
	if o.MaxEndpointingDelay < o.MinEndpointingDelay {
		o.MaxEndpointingDelay = o.MinEndpointingDelay
	}
	if o.MaxToolSteps == 0 {
		o.MaxToolSteps = DefaultVoiceOptions.MaxToolSteps
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
