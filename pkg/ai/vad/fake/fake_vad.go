// Package fake provides a scripted VAD for tests. Speech boundaries are
// driven by the test instead of the audio, so turn-taking scenarios are
// deterministic.
package fake

import (
	"context"
	"time"

	"github.com/chriscow/agents-go/pkg/ai/vad"
	"github.com/chriscow/agents-go/pkg/rtc"
)

// FakeVAD is a fake VAD implementation for testing.
type FakeVAD struct {
	detections chan *Detection
}

// NewFakeVAD creates a new fake VAD provider.
func NewFakeVAD() *FakeVAD {
	return &FakeVAD{detections: make(chan *Detection, 4)}
}

// Detect starts a scripted detection session over the given frames.
func (f *FakeVAD) Detect(ctx context.Context, frames <-chan rtc.AudioFrame) (<-chan vad.VADEvent, error) {
	d := &Detection{
		cmds: make(chan vad.VADEvent, 8),
		out:  make(chan vad.VADEvent, 16),
	}
	go d.run(ctx, frames)

	select {
	case f.detections <- d:
	default:
	}
	return d.out, nil
}

// WaitForDetection returns the next detection session started by Detect.
func (f *FakeVAD) WaitForDetection(ctx context.Context) (*Detection, error) {
	select {
	case d := <-f.detections:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Capabilities returns the fake VAD capabilities.
func (f *FakeVAD) Capabilities() vad.VADCapabilities {
	return vad.VADCapabilities{
		SampleRates:        []int{8000, 16000, 48000},
		MinSpeechDuration:  50 * time.Millisecond,
		MinSilenceDuration: 200 * time.Millisecond,
		Sensitivity:        0.5,
	}
}

// Detection is one scripted VAD session. Tests emit speech boundaries;
// frames pushed while speaking are captured and attached to the speech end
// event, matching how real detectors deliver the utterance audio.
type Detection struct {
	cmds chan vad.VADEvent
	out  chan vad.VADEvent
}

// EmitSpeechStart scripts a speech onset.
func (d *Detection) EmitSpeechStart() {
	d.cmds <- vad.VADEvent{Type: vad.VADEventSpeechStart, Probability: 0.9, Speaking: true}
}

// EmitSpeechEnd scripts a speech offset. silence is reported as the
// already-elapsed silence wait.
func (d *Detection) EmitSpeechEnd(silence time.Duration) {
	d.cmds <- vad.VADEvent{Type: vad.VADEventSpeechEnd, SilenceDuration: silence, Probability: 0.1}
}

// EmitInference scripts a raw inference tick with the given probability.
func (d *Detection) EmitInference(probability float64) {
	d.cmds <- vad.VADEvent{Type: vad.VADEventInferenceDone, Probability: probability}
}

// Emit scripts an arbitrary event.
func (d *Detection) Emit(ev vad.VADEvent) {
	d.cmds <- ev
}

func (d *Detection) run(ctx context.Context, frames <-chan rtc.AudioFrame) {
	defer close(d.out)

	var speaking bool
	var buf []rtc.AudioFrame
	var samples int64

	handleFrame := func(frame rtc.AudioFrame) {
		samples += int64(frame.SamplesPerChannel)
		if speaking {
			buf = append(buf, frame)
		}
	}

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			handleFrame(frame)

		case ev := <-d.cmds:
			// Frames already pushed belong before this boundary.
		drain:
			for {
				select {
				case frame, ok := <-frames:
					if !ok {
						break drain
					}
					handleFrame(frame)
				default:
					break drain
				}
			}

			ev.Timestamp = time.Now()
			ev.SamplesIndex = samples
			switch ev.Type {
			case vad.VADEventSpeechStart:
				speaking = true
				buf = nil
			case vad.VADEventSpeechEnd:
				speaking = false
				ev.Frames = buf
				buf = nil
			}

			select {
			case d.out <- ev:
			case <-ctx.Done():
				return
			}

		case <-ctx.Done():
			return
		}
	}
}
