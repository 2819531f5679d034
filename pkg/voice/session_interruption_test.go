package voice_test

import (
	"context"
	"testing"
	"time"

	"github.com/chriscow/agents-go/pkg/ai"
	"github.com/chriscow/agents-go/pkg/ai/llm"
	"github.com/chriscow/agents-go/pkg/ai/vad"
	"github.com/chriscow/agents-go/pkg/interruption"
	intfake "github.com/chriscow/agents-go/pkg/interruption/fake"
	"github.com/chriscow/agents-go/pkg/rtc"
	"github.com/chriscow/agents-go/pkg/voice"
)

// longSpeech is long enough that, with a per-frame write hold, playback
// stays in flight while a test interferes with it.
const longSpeech = "This is a rather long announcement that keeps the agent talking " +
	"for a comfortable while, giving the user every opportunity to speak " +
	"over it before the playout queue finally drains."

// classifierOptions shrinks the detector windows so one mic frame batch is
// enough for a verdict.
func classifierOptions() interruption.Options {
	return interruption.Options{
		SampleRate:              16000,
		Threshold:               0.5,
		DetectionInterval:       60 * time.Millisecond,
		MinInterruptionDuration: 60 * time.Millisecond,
		AudioPrefixDuration:     40 * time.Millisecond,
		MaxAudioDuration:        2 * time.Second,
		Conn: ai.ConnOptions{
			MaxRetry:      1,
			RetryInterval: 10 * time.Millisecond,
			Timeout:       time.Second,
		},
	}
}

func interruptionPrediction() interruption.Prediction {
	return interruption.Prediction{
		Probabilities:         []float64{0.9, 0.9, 0.9, 0.9, 0.9},
		TotalDurationInS:      0.3,
		PredictionDurationInS: 0.01,
	}
}

func backchannelPrediction() interruption.Prediction {
	return interruption.Prediction{
		Probabilities:         []float64{0.1, 0.1, 0.1, 0.1, 0.1},
		TotalDurationInS:      0.3,
		PredictionDurationInS: 0.01,
	}
}

// micFrame is 40 ms of constant-amplitude mono audio at 16 kHz.
func micFrame(value int16) rtc.AudioFrame {
	samples := make([]int16, 640)
	for i := range samples {
		samples[i] = value
	}
	return rtc.FrameFromInt16(samples, 16000, 1)
}

// startLongSay plays longSpeech with interruptions allowed and waits until
// audio is actually flowing to the output.
func startLongSay(t *testing.T, f *fixture) *voice.SpeechHandle {
	t.Helper()
	start := f.rec.len()
	h, err := f.sess.Say(longSpeech, voice.SayOptions{})
	if err != nil {
		t.Fatalf("say: %v", err)
	}
	f.rec.waitFrom(t, start, "agent speaking state", func(ev voice.Event) bool {
		return ev.Type == voice.EventAgentStateChanged && ev.NewAgentState == voice.AgentStateSpeaking
	})
	return h
}

func waitHandle(t *testing.T, h *voice.SpeechHandle) voice.SpeechState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	state, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("speech %s never finished: %v", h.ID(), err)
	}
	return state
}

func TestSessionClassifierInterruptionCutsSpeech(t *testing.T) {
	tr := intfake.NewFakeTransport()
	tr.EnqueuePrediction(interruptionPrediction())

	f := newFixture(t, fixtureConfig{
		interruption: interruption.NewDetector(tr, classifierOptions()),
		writeHold:    5 * time.Millisecond,
	})

	start := f.rec.len()
	h := startLongSay(t, f)

	// Some agent-speech-era audio so the classifier has prefix context.
	for i := 0; i < 5; i++ {
		f.input.Push(micFrame(1200))
	}
	waitUntil(t, "mic audio reaches recognition", func() bool {
		return f.sttStream.PushedFrames() >= 5
	})

	// The user talks over the agent; playback pauses while the classifier
	// decides.
	f.det.EmitSpeechStart()
	f.rec.waitFrom(t, start, "user speaking state", func(ev voice.Event) bool {
		return ev.Type == voice.EventUserStateChanged && ev.NewUserState == voice.UserStateSpeaking
	})

	// Keep feeding overlap audio until a window reaches the classifier.
	deadline := time.Now().Add(waitTimeout)
	for len(tr.Requests()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("classifier never received an audio window")
		}
		f.input.Push(micFrame(1200))
		time.Sleep(5 * time.Millisecond)
	}

	if got := waitHandle(t, h); got != voice.SpeechStateInterrupted {
		t.Fatalf("speech state = %v, want %v", got, voice.SpeechStateInterrupted)
	}
	if !h.Interrupted() {
		t.Fatal("handle must report interruption")
	}
	if !f.output.clearedOnce() {
		t.Fatal("interrupted playback must clear the output buffer")
	}

	// The history keeps what was said, marked as cut short.
	msg := f.rec.waitMessage(t, start, llm.RoleAssistant, "")
	if !msg.Interrupted {
		t.Fatal("interrupted reply must be marked interrupted in history")
	}
}

func TestSessionBackchannelResumesPlayback(t *testing.T) {
	tr := intfake.NewFakeTransport()
	tr.EnqueuePrediction(backchannelPrediction())

	f := newFixture(t, fixtureConfig{
		interruption: interruption.NewDetector(tr, classifierOptions()),
		writeHold:    3 * time.Millisecond,
	})

	start := f.rec.len()
	h := startLongSay(t, f)

	for i := 0; i < 5; i++ {
		f.input.Push(micFrame(800))
	}
	waitUntil(t, "mic audio reaches recognition", func() bool {
		return f.sttStream.PushedFrames() >= 5
	})

	f.det.EmitSpeechStart()
	f.rec.waitFrom(t, start, "user speaking state", func(ev voice.Event) bool {
		return ev.Type == voice.EventUserStateChanged && ev.NewUserState == voice.UserStateSpeaking
	})

	deadline := time.Now().Add(waitTimeout)
	for len(tr.Requests()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("classifier never received an audio window")
		}
		f.input.Push(micFrame(800))
		time.Sleep(5 * time.Millisecond)
	}
	// Give the low-probability verdict time to land in the rollup cache.
	time.Sleep(30 * time.Millisecond)

	// "mm-hmm" ends; the overlap rollup says it was not an interruption and
	// playback picks up where it paused.
	f.det.EmitSpeechEnd(10 * time.Millisecond)

	if got := waitHandle(t, h); got != voice.SpeechStateCompleted {
		t.Fatalf("speech state = %v, want %v", got, voice.SpeechStateCompleted)
	}
	if f.output.clearedOnce() {
		t.Fatal("a backchannel must not clear the output buffer")
	}
	if got := h.PlayedTranscript(); got != longSpeech {
		t.Fatalf("played transcript = %q, want the full text", got)
	}

	msg := f.rec.waitMessage(t, start, llm.RoleAssistant, "rather long announcement")
	if msg.Interrupted {
		t.Fatal("resumed reply must not be marked interrupted")
	}
}

func TestSessionOverlapTimeoutResumesPlayback(t *testing.T) {
	opts := testVoiceOptions()
	opts.FalseInterruptionTimeout = 80 * time.Millisecond

	// The transport never gets a window: no overlap audio is fed, so the
	// only way out of the pause is the safety timer.
	tr := intfake.NewFakeTransport()
	f := newFixture(t, fixtureConfig{
		options:      &opts,
		interruption: interruption.NewDetector(tr, classifierOptions()),
		writeHold:    3 * time.Millisecond,
	})

	start := f.rec.len()
	h := startLongSay(t, f)

	f.det.EmitSpeechStart()
	f.rec.waitFrom(t, start, "user speaking state", func(ev voice.Event) bool {
		return ev.Type == voice.EventUserStateChanged && ev.NewUserState == voice.UserStateSpeaking
	})

	if got := waitHandle(t, h); got != voice.SpeechStateCompleted {
		t.Fatalf("speech state = %v, want %v", got, voice.SpeechStateCompleted)
	}
	if f.output.clearedOnce() {
		t.Fatal("timed-out overlap must not clear the output buffer")
	}
}

func TestSessionSustainedOverlapForcesEarlyVerdict(t *testing.T) {
	tr := intfake.NewFakeTransport()
	tr.EnqueuePrediction(interruptionPrediction())

	f := newFixture(t, fixtureConfig{
		interruption: interruption.NewDetector(tr, classifierOptions()),
		writeHold:    5 * time.Millisecond,
	})

	start := f.rec.len()
	h := startLongSay(t, f)

	for i := 0; i < 5; i++ {
		f.input.Push(micFrame(1500))
	}
	waitUntil(t, "mic audio reaches recognition", func() bool {
		return f.sttStream.PushedFrames() >= 5
	})

	f.det.EmitSpeechStart()
	f.rec.waitFrom(t, start, "user speaking state", func(ev voice.Event) bool {
		return ev.Type == voice.EventUserStateChanged && ev.NewUserState == voice.UserStateSpeaking
	})

	// Sustained speech reported by the VAD forces a window out before a
	// full detection interval of overlap audio has accumulated.
	f.det.Emit(vad.VADEvent{
		Type:           vad.VADEventInferenceDone,
		Speaking:       true,
		Probability:    0.92,
		SpeechDuration: 120 * time.Millisecond,
	})

	waitUntil(t, "flushed window reaches the classifier", func() bool {
		return len(tr.Requests()) >= 1
	})

	if got := waitHandle(t, h); got != voice.SpeechStateInterrupted {
		t.Fatalf("speech state = %v, want %v", got, voice.SpeechStateInterrupted)
	}
}

func TestSessionDirectInterruptionWithoutClassifier(t *testing.T) {
	f := newFixture(t, fixtureConfig{writeHold: 3 * time.Millisecond})

	start := f.rec.len()
	h := startLongSay(t, f)

	f.det.EmitSpeechStart()
	f.rec.waitFrom(t, start, "user speaking state", func(ev voice.Event) bool {
		return ev.Type == voice.EventUserStateChanged && ev.NewUserState == voice.UserStateSpeaking
	})

	// Still below the minimum duration; the agent keeps talking.
	time.Sleep(20 * time.Millisecond)
	if got := h.State(); got != voice.SpeechStatePlaying {
		t.Fatalf("speech state = %v, want still playing", got)
	}

	// Sustained speech past the threshold cuts it off.
	f.det.Emit(vad.VADEvent{
		Type:           vad.VADEventInferenceDone,
		Speaking:       true,
		Probability:    0.95,
		SpeechDuration: 100 * time.Millisecond,
	})

	if got := waitHandle(t, h); got != voice.SpeechStateInterrupted {
		t.Fatalf("speech state = %v, want %v", got, voice.SpeechStateInterrupted)
	}
	if !f.output.clearedOnce() {
		t.Fatal("interrupted playback must clear the output buffer")
	}
}

func TestSessionMinInterruptionWordsGate(t *testing.T) {
	opts := testVoiceOptions()
	opts.MinInterruptionWords = 3
	f := newFixture(t, fixtureConfig{options: &opts, writeHold: 3 * time.Millisecond})

	start := f.rec.len()
	h := startLongSay(t, f)

	f.det.EmitSpeechStart()
	f.rec.waitFrom(t, start, "user speaking state", func(ev voice.Event) bool {
		return ev.Type == voice.EventUserStateChanged && ev.NewUserState == voice.UserStateSpeaking
	})

	// One word is not enough to take the floor.
	f.sttStream.EmitInterim("wait")
	time.Sleep(50 * time.Millisecond)
	if got := h.State(); got != voice.SpeechStatePlaying {
		t.Fatalf("speech state = %v, want still playing after a single word", got)
	}

	// A full phrase is.
	f.sttStream.EmitInterim("wait stop talking please")
	if got := waitHandle(t, h); got != voice.SpeechStateInterrupted {
		t.Fatalf("speech state = %v, want %v", got, voice.SpeechStateInterrupted)
	}
}

func TestSessionUninterruptibleSpeechDiscardsInput(t *testing.T) {
	f := newFixture(t, fixtureConfig{writeHold: 3 * time.Millisecond})

	start := f.rec.len()
	h, err := f.sess.Say(longSpeech, voice.SayOptions{AllowInterruptions: boolPtr(false)})
	if err != nil {
		t.Fatalf("say: %v", err)
	}
	if h.AllowInterruptions() {
		t.Fatal("per-call override did not stick")
	}
	f.rec.waitFrom(t, start, "agent speaking state", func(ev voice.Event) bool {
		return ev.Type == voice.EventAgentStateChanged && ev.NewAgentState == voice.AgentStateSpeaking
	})
	// The discard gate closes right after the speaking transition.
	time.Sleep(20 * time.Millisecond)

	// Mic audio during uninterruptible playback is dropped before STT.
	for i := 0; i < 5; i++ {
		f.input.Push(micFrame(1000))
	}
	time.Sleep(50 * time.Millisecond)
	if n := f.sttStream.PushedFrames(); n != 0 {
		t.Fatalf("stt received %d frames during uninterruptible playback, want 0", n)
	}

	// Neither speech onset nor sustained speech interrupts it.
	f.det.EmitSpeechStart()
	f.det.Emit(vad.VADEvent{
		Type:           vad.VADEventInferenceDone,
		Speaking:       true,
		Probability:    0.95,
		SpeechDuration: 200 * time.Millisecond,
	})

	if got := waitHandle(t, h); got != voice.SpeechStateCompleted {
		t.Fatalf("speech state = %v, want %v", got, voice.SpeechStateCompleted)
	}
	if f.output.clearedOnce() {
		t.Fatal("uninterruptible playback must never be cleared")
	}

	// Once playback ends the gate lifts and audio flows again.
	f.input.Push(micFrame(1000))
	waitUntil(t, "stt receives audio after playback", func() bool {
		return f.sttStream.PushedFrames() >= 1
	})
}

func TestSessionProgrammaticInterrupt(t *testing.T) {
	f := newFixture(t, fixtureConfig{writeHold: 3 * time.Millisecond})

	start := f.rec.len()
	h := startLongSay(t, f)

	f.sess.Interrupt()

	if got := waitHandle(t, h); got != voice.SpeechStateInterrupted {
		t.Fatalf("speech state = %v, want %v", got, voice.SpeechStateInterrupted)
	}
	if !f.output.clearedOnce() {
		t.Fatal("interrupted playback must clear the output buffer")
	}

	msg := f.rec.waitMessage(t, start, llm.RoleAssistant, "")
	if !msg.Interrupted {
		t.Fatal("interrupted reply must be marked interrupted in history")
	}

	gen := f.rec.waitFrom(t, start, "interrupted generation metrics", func(ev voice.Event) bool {
		return ev.Type == voice.EventMetricsCollected && ev.Metrics != nil &&
			ev.Metrics.Kind == "generation" && ev.Metrics.Interrupted
	})
	if gen.Metrics.SpeechID != h.ID() {
		t.Fatalf("metrics speech id = %q, want %q", gen.Metrics.SpeechID, h.ID())
	}
}
