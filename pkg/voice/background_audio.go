package voice

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chriscow/agents-go/pkg/audio/wav"
	"github.com/chriscow/agents-go/pkg/rtc"
)

// BackgroundAudioConfig selects the sound beds mixed under the agent's voice.
// At least one source must be set.
type BackgroundAudioConfig struct {
	// AmbientPath is a WAV file looped for as long as the player is enabled.
	AmbientPath string

	// ThinkingPath is a WAV file looped while the agent is preparing a
	// reply. It restarts from the top each time thinking begins.
	ThinkingPath string

	// AmbientVolume and ThinkingVolume scale their sources. Zero means the
	// 0.8 default.
	AmbientVolume  float64
	ThinkingVolume float64

	// Enabled sets the initial state; SetEnabled flips it later.
	Enabled bool
}

// BackgroundAudio mixes looped sound beds into the agent's published audio
// track: a continuous ambient bed, and optionally a thinking bed that plays
// while the agent works out a reply. Attach it through RoomIOOptions; while
// attached the track streams continuously, with silence under the beds when
// nothing is speaking.
//
// The thinking bed follows either an explicit SetThinking toggle or, after
// AttachAgentState, the session's reported agent state.
type BackgroundAudio struct {
	mu           sync.Mutex
	enabled      bool
	volume       float64
	ambient      *loopSource
	thinking     *loopSource
	thinkingOn   bool
	wasThinking  bool
	agentStateFn func() AgentState
}

// loopSource is a preloaded mono bed at the track rate, played in a loop.
type loopSource struct {
	samples []int16
	pos     int
	gain    float64
}

// NewBackgroundAudio loads the configured WAV sources and normalizes them to
// the track format.
func NewBackgroundAudio(cfg BackgroundAudioConfig) (*BackgroundAudio, error) {
	if cfg.AmbientPath == "" && cfg.ThinkingPath == "" {
		return nil, errors.New("voice: background audio needs at least one source")
	}

	b := &BackgroundAudio{enabled: cfg.Enabled, volume: 1.0}
	if cfg.AmbientPath != "" {
		src, err := loadLoopSource(cfg.AmbientPath, defaultBedVolume(cfg.AmbientVolume))
		if err != nil {
			return nil, fmt.Errorf("ambient source: %w", err)
		}
		b.ambient = src
	}
	if cfg.ThinkingPath != "" {
		src, err := loadLoopSource(cfg.ThinkingPath, defaultBedVolume(cfg.ThinkingVolume))
		if err != nil {
			return nil, fmt.Errorf("thinking source: %w", err)
		}
		b.thinking = src
	}
	return b, nil
}

func defaultBedVolume(v float64) float64 {
	if v == 0 {
		return 0.8
	}
	return v
}

// loadLoopSource reads a WAV file and converts it to mono at the track rate.
func loadLoopSource(path string, gain float64) (*loopSource, error) {
	r, err := wav.NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	frame, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	frame = rtc.ToMono(frame)
	if frame.SampleRate != trackSampleRate {
		res, err := rtc.NewResampler(frame.SampleRate, trackSampleRate, 1)
		if err != nil {
			return nil, err
		}
		frame, err = res.Push(frame)
		if err != nil {
			return nil, err
		}
	}
	samples := frame.Int16()
	if len(samples) == 0 {
		return nil, fmt.Errorf("%s holds no audio", path)
	}
	return &loopSource{samples: samples, gain: gain}, nil
}

// SetEnabled starts or stops all beds. Loop positions are kept.
func (b *BackgroundAudio) SetEnabled(enabled bool) {
	b.mu.Lock()
	b.enabled = enabled
	b.mu.Unlock()
}

// IsEnabled reports whether the beds are playing.
func (b *BackgroundAudio) IsEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

// SetVolume scales all beds on top of their per-source volumes, clamped to
// [0, 1].
func (b *BackgroundAudio) SetVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	b.mu.Lock()
	b.volume = volume
	b.mu.Unlock()
}

// SetThinking toggles the thinking bed by hand. Sessions wired through
// AttachAgentState do not need it.
func (b *BackgroundAudio) SetThinking(thinking bool) {
	b.mu.Lock()
	b.thinkingOn = thinking
	b.mu.Unlock()
}

// AttachAgentState ties the thinking bed to a session's agent state, polled
// once per output frame. Pass sess.AgentState.
func (b *BackgroundAudio) AttachAgentState(fn func() AgentState) {
	b.mu.Lock()
	b.agentStateFn = fn
	b.mu.Unlock()
}

// mix sums the active beds into one track-rate mono frame. Loop positions
// advance only while enabled, so a disabled player resumes where it stopped.
func (b *BackgroundAudio) mix(pcm []int16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled {
		return
	}

	thinking := b.thinkingOn
	if !thinking && b.agentStateFn != nil {
		thinking = b.agentStateFn() == AgentStateThinking
	}
	if thinking && !b.wasThinking && b.thinking != nil {
		b.thinking.pos = 0
	}
	b.wasThinking = thinking

	if b.ambient != nil {
		b.ambient.mixInto(pcm, b.volume)
	}
	if thinking && b.thinking != nil {
		b.thinking.mixInto(pcm, b.volume)
	}
}

// mixInto adds the next len(dst) samples of the loop into dst, wrapping
// around the source as needed.
func (l *loopSource) mixInto(dst []int16, master float64) {
	gain := l.gain * master
	for i := 0; i < len(dst); {
		seg := l.samples[l.pos:]
		n := len(dst) - i
		if n > len(seg) {
			n = len(seg)
		}
		rtc.MixInto(dst[i:i+n], seg[:n], gain)
		i += n
		l.pos += n
		if l.pos == len(l.samples) {
			l.pos = 0
		}
	}
}
