package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/chriscow/agents-go/pkg/audio/wav"
	"github.com/chriscow/agents-go/pkg/rtc"
)

// writeBedFixture writes a mono WAV file holding the given samples.
func writeBedFixture(t *testing.T, name string, sampleRate int, samples []int16) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	w, err := wav.NewWriter(path, sampleRate, 1)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WriteSamples(samples); err != nil {
		t.Fatalf("WriteSamples: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

// rampSamples returns n samples valued 1..n, so position and wraparound are
// visible in mixed output.
func rampSamples(n int) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(i + 1)
	}
	return s
}

func constSamples(n int, v int16) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestNewBackgroundAudioRequiresSource(t *testing.T) {
	if _, err := NewBackgroundAudio(BackgroundAudioConfig{}); err == nil {
		t.Fatal("expected error for config without sources")
	}
}

func TestBackgroundAudioAmbientLoops(t *testing.T) {
	// 1.5 output frames of source, so the second mix wraps around.
	path := writeBedFixture(t, "ambient.wav", trackSampleRate, rampSamples(opusFrameSamples*3/2))
	bg, err := NewBackgroundAudio(BackgroundAudioConfig{
		AmbientPath:   path,
		AmbientVolume: 1.0,
		Enabled:       true,
	})
	if err != nil {
		t.Fatalf("NewBackgroundAudio: %v", err)
	}

	pcm := make([]int16, opusFrameSamples)
	bg.mix(pcm)
	if pcm[0] != 1 || pcm[opusFrameSamples-1] != int16(opusFrameSamples) {
		t.Fatalf("first mix: got [%d .. %d], want [1 .. %d]", pcm[0], pcm[opusFrameSamples-1], opusFrameSamples)
	}

	pcm = make([]int16, opusFrameSamples)
	bg.mix(pcm)
	half := opusFrameSamples / 2
	if pcm[0] != int16(opusFrameSamples+1) {
		t.Errorf("second mix start: got %d, want %d", pcm[0], opusFrameSamples+1)
	}
	if pcm[half-1] != int16(opusFrameSamples*3/2) {
		t.Errorf("pre-wrap sample: got %d, want %d", pcm[half-1], opusFrameSamples*3/2)
	}
	if pcm[half] != 1 {
		t.Errorf("post-wrap sample: got %d, want 1", pcm[half])
	}

	// Disabling pauses the loop in place.
	bg.SetEnabled(false)
	pcm = make([]int16, opusFrameSamples)
	bg.mix(pcm)
	for i, s := range pcm {
		if s != 0 {
			t.Fatalf("disabled mix wrote sample %d = %d", i, s)
		}
	}
	bg.SetEnabled(true)
	bg.mix(pcm)
	if pcm[0] != int16(half+1) {
		t.Errorf("resume: got %d, want %d", pcm[0], half+1)
	}
}

func TestBackgroundAudioMixesIntoSpeech(t *testing.T) {
	path := writeBedFixture(t, "ambient.wav", trackSampleRate, constSamples(opusFrameSamples, 1000))
	bg, err := NewBackgroundAudio(BackgroundAudioConfig{
		AmbientPath:   path,
		AmbientVolume: 1.0,
		Enabled:       true,
	})
	if err != nil {
		t.Fatalf("NewBackgroundAudio: %v", err)
	}

	pcm := constSamples(opusFrameSamples, 100)
	bg.mix(pcm)
	if pcm[0] != 1100 {
		t.Fatalf("mixed sample: got %d, want 1100", pcm[0])
	}
}

func TestBackgroundAudioThinkingBedRestarts(t *testing.T) {
	path := writeBedFixture(t, "thinking.wav", trackSampleRate, rampSamples(opusFrameSamples*2))
	bg, err := NewBackgroundAudio(BackgroundAudioConfig{
		ThinkingPath:   path,
		ThinkingVolume: 1.0,
		Enabled:        true,
	})
	if err != nil {
		t.Fatalf("NewBackgroundAudio: %v", err)
	}

	pcm := make([]int16, opusFrameSamples)
	bg.mix(pcm)
	if pcm[0] != 0 {
		t.Fatal("thinking bed played while not thinking")
	}

	bg.SetThinking(true)
	bg.mix(pcm)
	if pcm[0] != 1 {
		t.Fatalf("thinking mix: got %d, want 1", pcm[0])
	}

	// A new thinking phase starts the bed from the top.
	bg.SetThinking(false)
	bg.SetThinking(true)
	pcm = make([]int16, opusFrameSamples)
	bg.mix(pcm)
	if pcm[0] != 1 {
		t.Fatalf("restarted thinking mix: got %d, want 1", pcm[0])
	}
}

func TestBackgroundAudioFollowsAgentState(t *testing.T) {
	path := writeBedFixture(t, "thinking.wav", trackSampleRate, rampSamples(opusFrameSamples))
	bg, err := NewBackgroundAudio(BackgroundAudioConfig{
		ThinkingPath:   path,
		ThinkingVolume: 1.0,
		Enabled:        true,
	})
	if err != nil {
		t.Fatalf("NewBackgroundAudio: %v", err)
	}

	state := AgentStateListening
	bg.AttachAgentState(func() AgentState { return state })

	pcm := make([]int16, opusFrameSamples)
	bg.mix(pcm)
	if pcm[0] != 0 {
		t.Fatal("thinking bed played while listening")
	}

	state = AgentStateThinking
	bg.mix(pcm)
	if pcm[0] != 1 {
		t.Fatalf("thinking mix: got %d, want 1", pcm[0])
	}
}

func TestBackgroundAudioMasterVolume(t *testing.T) {
	path := writeBedFixture(t, "ambient.wav", trackSampleRate, constSamples(opusFrameSamples, 1000))
	bg, err := NewBackgroundAudio(BackgroundAudioConfig{
		AmbientPath:   path,
		AmbientVolume: 1.0,
		Enabled:       true,
	})
	if err != nil {
		t.Fatalf("NewBackgroundAudio: %v", err)
	}

	bg.SetVolume(0.5)
	pcm := make([]int16, opusFrameSamples)
	bg.mix(pcm)
	if pcm[0] != 500 {
		t.Fatalf("half volume: got %d, want 500", pcm[0])
	}

	// Out-of-range values clamp.
	bg.SetVolume(-1)
	pcm = make([]int16, opusFrameSamples)
	bg.mix(pcm)
	if pcm[0] != 0 {
		t.Fatalf("negative volume: got %d, want 0", pcm[0])
	}
	bg.SetVolume(2)
	bg.mix(pcm)
	if pcm[0] != 1000 {
		t.Fatalf("clamped volume: got %d, want 1000", pcm[0])
	}
}

func TestBackgroundAudioSumsBeds(t *testing.T) {
	ambient := writeBedFixture(t, "ambient.wav", trackSampleRate, constSamples(opusFrameSamples, 1000))
	thinking := writeBedFixture(t, "thinking.wav", trackSampleRate, constSamples(opusFrameSamples, 500))
	bg, err := NewBackgroundAudio(BackgroundAudioConfig{
		AmbientPath:    ambient,
		ThinkingPath:   thinking,
		AmbientVolume:  1.0,
		ThinkingVolume: 1.0,
		Enabled:        true,
	})
	if err != nil {
		t.Fatalf("NewBackgroundAudio: %v", err)
	}
	bg.SetThinking(true)

	pcm := make([]int16, opusFrameSamples)
	bg.mix(pcm)
	if pcm[0] != 1500 {
		t.Fatalf("summed beds: got %d, want 1500", pcm[0])
	}
}

func TestBackgroundAudioResamplesSource(t *testing.T) {
	// A 16 kHz source is converted to the track rate at load time; a flat
	// signal survives the interpolation exactly.
	path := writeBedFixture(t, "ambient16k.wav", 16000, constSamples(1600, 2000))
	bg, err := NewBackgroundAudio(BackgroundAudioConfig{
		AmbientPath:   path,
		AmbientVolume: 1.0,
		Enabled:       true,
	})
	if err != nil {
		t.Fatalf("NewBackgroundAudio: %v", err)
	}

	pcm := make([]int16, opusFrameSamples)
	bg.mix(pcm)
	for i, s := range pcm {
		if s != 2000 {
			t.Fatalf("sample %d: got %d, want 2000", i, s)
		}
	}
}

func TestTrackOutputBackgroundKeepsTrackLive(t *testing.T) {
	path := writeBedFixture(t, "ambient.wav", trackSampleRate, rampSamples(opusFrameSamples*2))
	bg, err := NewBackgroundAudio(BackgroundAudioConfig{
		AmbientPath:   path,
		AmbientVolume: 1.0,
		Enabled:       true,
	})
	if err != nil {
		t.Fatalf("NewBackgroundAudio: %v", err)
	}
	o := newTrackAudioOutput(slog.Default(), bg)
	ctx := context.Background()

	// With no speech queued the provider returns bed-only frames instead of
	// blocking.
	type popResult struct {
		dur time.Duration
		n   int
		err error
	}
	got := make(chan popResult, 1)
	go func() {
		s, err := o.NextSample()
		got <- popResult{dur: s.Duration, n: len(s.Data), err: err}
	}()
	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("NextSample: %v", r.err)
		}
		if r.dur != opusFrameDuration || r.n == 0 {
			t.Fatalf("bed frame: %v / %d bytes", r.dur, r.n)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("NextSample blocked with a background player attached")
	}

	// Bed-only frames are not agent speech.
	pe, err := o.WaitPlayout(ctx)
	if err != nil {
		t.Fatalf("WaitPlayout: %v", err)
	}
	if pe.Position != 0 || pe.Interrupted {
		t.Fatalf("bed-only playout: got %+v, want zero event", pe)
	}

	// Speech frames still count.
	if err := o.WriteFrame(ctx, rtc.SilentFrame(trackSampleRate, 1, opusFrameSamples)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	o.Flush()
	if _, err := o.NextSample(); err != nil {
		t.Fatalf("NextSample speech: %v", err)
	}
	pe, err = o.WaitPlayout(ctx)
	if err != nil {
		t.Fatalf("WaitPlayout: %v", err)
	}
	if pe.Position != opusFrameDuration {
		t.Fatalf("speech playout: got %v, want %v", pe.Position, opusFrameDuration)
	}

	// Close wins over the bed.
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := o.NextSample(); !errors.Is(err, io.EOF) {
		t.Fatalf("NextSample after close = %v, want io.EOF", err)
	}
}
