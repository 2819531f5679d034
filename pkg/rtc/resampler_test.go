package rtc

import (
	"math"
	"testing"
)

func sineFrame(freq float64, sampleRate, samples int) AudioFrame {
	buf := make([]int16, samples)
	for i := range buf {
		buf[i] = int16(10000 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return FrameFromInt16(buf, sampleRate, 1)
}

func TestResamplerPassthrough(t *testing.T) {
	r, err := NewResampler(16000, 16000, 1)
	if err != nil {
		t.Fatalf("NewResampler() error = %v", err)
	}

	in := sineFrame(440, 16000, 160)
	out, err := r.Push(in)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if out.SamplesPerChannel != in.SamplesPerChannel {
		t.Errorf("passthrough changed sample count: %d -> %d", in.SamplesPerChannel, out.SamplesPerChannel)
	}
}

func TestResamplerDownsampleRatio(t *testing.T) {
	r, err := NewResampler(48000, 16000, 1)
	if err != nil {
		t.Fatalf("NewResampler() error = %v", err)
	}

	total := 0
	pushes := 10
	for i := 0; i < pushes; i++ {
		out, err := r.Push(sineFrame(440, 48000, 480))
		if err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		if out.SampleRate != 16000 {
			t.Fatalf("output rate = %d, want 16000", out.SampleRate)
		}
		total += out.SamplesPerChannel
	}

	// 4800 input samples at a 3:1 ratio should yield ~1600 output samples.
	want := 1600
	if total < want-4 || total > want+4 {
		t.Errorf("total output samples = %d, want ~%d", total, want)
	}
}

func TestResamplerUpsampleRatio(t *testing.T) {
	r, err := NewResampler(16000, 24000, 1)
	if err != nil {
		t.Fatalf("NewResampler() error = %v", err)
	}

	total := 0
	for i := 0; i < 10; i++ {
		out, err := r.Push(sineFrame(200, 16000, 160))
		if err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		total += out.SamplesPerChannel
	}

	want := 2400
	if total < want-4 || total > want+4 {
		t.Errorf("total output samples = %d, want ~%d", total, want)
	}
}

func TestResamplerRejectsWrongFormat(t *testing.T) {
	r, _ := NewResampler(48000, 16000, 1)
	if _, err := r.Push(sineFrame(440, 16000, 160)); err == nil {
		t.Error("Push() should reject mismatched sample rate")
	}
}

func TestToMono(t *testing.T) {
	stereo := FrameFromInt16([]int16{100, 200, -100, 300}, 48000, 2)
	mono := ToMono(stereo)

	if mono.NumChannels != 1 {
		t.Fatalf("NumChannels = %d, want 1", mono.NumChannels)
	}
	if mono.SamplesPerChannel != 2 {
		t.Fatalf("SamplesPerChannel = %d, want 2", mono.SamplesPerChannel)
	}

	got := mono.Int16()
	if got[0] != 150 {
		t.Errorf("sample 0 = %d, want 150", got[0])
	}
	if got[1] != 100 {
		t.Errorf("sample 1 = %d, want 100", got[1])
	}
}

func TestUpmixToStereo(t *testing.T) {
	mono := FrameFromInt16([]int16{7, -7}, 16000, 1)
	stereo := UpmixToStereo(mono)

	if stereo.NumChannels != 2 {
		t.Fatalf("NumChannels = %d, want 2", stereo.NumChannels)
	}
	got := stereo.Int16()
	want := []int16{7, 7, -7, -7}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}
