package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	audiofake "github.com/chriscow/agents-go/pkg/ai/audio/fake"
	"github.com/chriscow/agents-go/pkg/rtc"
)

// popSamples pulls n packets off the provider, checking each is one whole
// opus frame, and returns the popped duration.
func popSamples(t *testing.T, o *trackAudioOutput, n int) time.Duration {
	t.Helper()
	var total time.Duration
	for i := 0; i < n; i++ {
		s, err := o.NextSample()
		if err != nil {
			t.Fatalf("NextSample %d: %v", i, err)
		}
		if len(s.Data) == 0 {
			t.Fatalf("NextSample %d returned an empty packet", i)
		}
		if s.Duration != opusFrameDuration {
			t.Fatalf("sample %d duration = %v, want %v", i, s.Duration, opusFrameDuration)
		}
		total += s.Duration
	}
	return total
}

func TestTrackOutputPacketizesPlayout(t *testing.T) {
	o := newTrackAudioOutput(slog.Default(), nil, nil)
	ctx := context.Background()

	// 240 ms at 24 kHz; resampled to 48 kHz and cut into 20 ms packets.
	if err := o.WriteFrame(ctx, rtc.SilentFrame(24000, 1, 5760)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	o.Flush()

	if got := popSamples(t, o, 12); got != 240*time.Millisecond {
		t.Fatalf("popped %v of audio, want 240ms", got)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	pe, err := o.WaitPlayout(waitCtx)
	if err != nil {
		t.Fatalf("WaitPlayout: %v", err)
	}
	if pe.Position != 240*time.Millisecond {
		t.Fatalf("Position = %v, want 240ms", pe.Position)
	}
	if pe.Interrupted {
		t.Fatal("playout reported interrupted")
	}

	// The boundary resets position.
	pe, err = o.WaitPlayout(ctx)
	if err != nil {
		t.Fatalf("second WaitPlayout: %v", err)
	}
	if pe.Position != 0 || pe.Interrupted {
		t.Fatalf("after boundary got %+v, want zero event", pe)
	}
}

func TestTrackOutputClearBufferReportsInterruption(t *testing.T) {
	o := newTrackAudioOutput(slog.Default(), nil, nil)
	ctx := context.Background()

	if err := o.WriteFrame(ctx, rtc.SilentFrame(24000, 1, 11520)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	o.Flush()

	popSamples(t, o, 2)
	o.ClearBuffer()

	pe, err := o.WaitPlayout(ctx)
	if err != nil {
		t.Fatalf("WaitPlayout: %v", err)
	}
	if !pe.Interrupted {
		t.Fatal("cleared playout not reported as interrupted")
	}
	if pe.Position != 40*time.Millisecond {
		t.Fatalf("Position = %v, want the 40ms handed over before the clear", pe.Position)
	}

	// The next utterance plays out cleanly.
	if err := o.WriteFrame(ctx, rtc.SilentFrame(24000, 1, 5760)); err != nil {
		t.Fatalf("WriteFrame after clear: %v", err)
	}
	o.Flush()
	popSamples(t, o, 12)
	pe, err = o.WaitPlayout(ctx)
	if err != nil {
		t.Fatalf("WaitPlayout after clear: %v", err)
	}
	if pe.Interrupted || pe.Position != 240*time.Millisecond {
		t.Fatalf("after clear got %+v, want 240ms uninterrupted", pe)
	}
}

func TestTrackOutputWriteBackpressure(t *testing.T) {
	o := newTrackAudioOutput(slog.Default(), nil, nil)

	// 1.5 s of 48 kHz audio overshoots the playout buffer, so the write
	// parks until the track consumes some of it.
	done := make(chan error, 1)
	go func() {
		done <- o.WriteFrame(context.Background(), rtc.SilentFrame(48000, 1, 72000))
	}()

	select {
	case err := <-done:
		t.Fatalf("WriteFrame returned early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	popSamples(t, o, 26)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WriteFrame still blocked after queue drained")
	}
}

func TestTrackOutputWriteHonorsContext(t *testing.T) {
	o := newTrackAudioOutput(slog.Default(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	err := o.WriteFrame(ctx, rtc.SilentFrame(48000, 1, 57600))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WriteFrame = %v, want deadline exceeded", err)
	}
}

func TestTrackOutputCloseDrainsThenEOF(t *testing.T) {
	o := newTrackAudioOutput(slog.Default(), nil, nil)
	ctx := context.Background()

	if err := o.WriteFrame(ctx, rtc.SilentFrame(48000, 1, 4800)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	o.Flush()
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	popSamples(t, o, 5)
	if _, err := o.NextSample(); !errors.Is(err, io.EOF) {
		t.Fatalf("NextSample after close = %v, want io.EOF", err)
	}

	if err := o.WriteFrame(ctx, rtc.SilentFrame(48000, 1, 480)); !errors.Is(err, errRoomOutputClosed) {
		t.Fatalf("WriteFrame after close = %v, want closed error", err)
	}
}

func TestTrackOutputFeedsProcessorReverse(t *testing.T) {
	proc := audiofake.NewFakeProcessor()
	o := newTrackAudioOutput(slog.Default(), nil, proc)
	ctx := context.Background()

	// 40 ms at 48 kHz becomes two packets, each echoing two 10 ms steps.
	if err := o.WriteFrame(ctx, rtc.SilentFrame(48000, 1, 1920)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	o.Flush()
	popSamples(t, o, 2)

	if got := proc.ReverseCount(); got != 4 {
		t.Errorf("ReverseCount() = %d, want 4", got)
	}
	if got := proc.CaptureCount(); got != 0 {
		t.Errorf("CaptureCount() = %d, want 0 for the playout path", got)
	}
}

func TestMicCaptureProcessorRunsBeforeResample(t *testing.T) {
	proc := audiofake.NewFakeProcessor()
	proc.SetMute(true)
	input := NewChanAudioInput(8)
	pipe, err := newMicCapture(slog.Default(), proc, 16000, input)
	if err != nil {
		t.Fatalf("newMicCapture: %v", err)
	}

	loud := make([]int16, 960) // one 20 ms decode frame
	for i := range loud {
		loud[i] = 1000
	}
	pipe.push(rtc.FrameFromInt16(loud, 48000, 1))
	input.Close()

	if got := proc.CaptureCount(); got != 2 {
		t.Errorf("CaptureCount() = %d, want two 10ms steps", got)
	}

	frames := 0
	for f := range input.Frames() {
		frames++
		for i, s := range f.Int16() {
			if s != 0 {
				t.Fatalf("sample %d = %d after mute, want silence", i, s)
			}
		}
	}
	if frames == 0 {
		t.Fatal("no frames reached the session input")
	}
}

func TestMicCaptureWithoutProcessorForwards(t *testing.T) {
	input := NewChanAudioInput(8)
	pipe, err := newMicCapture(slog.Default(), nil, 16000, input)
	if err != nil {
		t.Fatalf("newMicCapture: %v", err)
	}

	loud := make([]int16, 960)
	for i := range loud {
		loud[i] = 1000
	}
	pipe.push(rtc.FrameFromInt16(loud, 48000, 1))
	input.Close()

	var total int
	var nonzero bool
	for f := range input.Frames() {
		for _, s := range f.Int16() {
			total++
			if s != 0 {
				nonzero = true
			}
		}
	}
	if total == 0 || !nonzero {
		t.Fatal("expected unfiltered audio to reach the input")
	}
}

func TestAvatarOutputHoldsForVideo(t *testing.T) {
	ready := make(chan struct{})
	o := &avatarAudioOutput{log: slog.Default(), identity: "avatar", videoReady: ready}
	// One full packet window, so the write reaches the publish step.
	frame := rtc.SilentFrame(24000, 1, 2400)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	if err := o.WriteFrame(ctx, frame); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WriteFrame before video = %v, want deadline exceeded", err)
	}

	// Once video is up the barrier opens; with no room bound the publish
	// itself fails, which is the next error in line.
	close(ready)
	if err := o.WriteFrame(context.Background(), frame); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WriteFrame after video = %v, want a publish error", err)
	}

	o.ClearBuffer()
	pe, err := o.WaitPlayout(context.Background())
	if err != nil {
		t.Fatalf("WaitPlayout: %v", err)
	}
	if !pe.Interrupted || pe.Position != 0 {
		t.Fatalf("got %+v, want interrupted at position 0", pe)
	}
}
