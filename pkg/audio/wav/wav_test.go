package wav

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chriscow/agents-go/pkg/rtc"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")

	samples := make([]int16, 480)
	for i := range samples {
		samples[i] = int16(i*13 - 3000)
	}

	w, err := NewWriter(path, 16000, 1)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WriteSamples(samples); err != nil {
		t.Fatalf("WriteSamples: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	h := r.Header()
	if h.SampleRate != 16000 || h.NumChannels != 1 || h.BitsPerSample != 16 {
		t.Fatalf("unexpected header: %+v", h)
	}
	if h.DataBytes != len(samples)*2 {
		t.Fatalf("data bytes: got %d, want %d", h.DataBytes, len(samples)*2)
	}
	if got, want := h.Duration(), 30*time.Millisecond; got != want {
		t.Errorf("duration: got %v, want %v", got, want)
	}

	frame, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	decoded := frame.Int16()
	if len(decoded) != len(samples) {
		t.Fatalf("decoded %d samples, want %d", len(decoded), len(samples))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Fatalf("sample %d: got %d, want %d", i, decoded[i], samples[i])
		}
	}
}

func TestWriteFrameStereoRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stereo.wav")

	w, err := NewWriter(path, 48000, 2)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	frame := rtc.FrameFromInt16([]int16{100, -100, 200, -200}, 48000, 2)
	if err := w.WriteFrame(frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	if r.Header().NumChannels != 2 {
		t.Fatalf("channels: got %d, want 2", r.Header().NumChannels)
	}
	got, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if got.SamplesPerChannel != 2 {
		t.Errorf("samples per channel: got %d, want 2", got.SamplesPerChannel)
	}
}

func TestWriteFrameRejectsFormatMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")

	w, err := NewWriter(path, 16000, 1)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	frame := rtc.FrameFromInt16([]int16{1, 2, 3, 4}, 48000, 1)
	if err := w.WriteFrame(frame); err == nil {
		t.Fatal("expected error for mismatched sample rate")
	}
}

func TestReadFramesPadsTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.wav")

	samples := make([]int16, 250)
	for i := range samples {
		samples[i] = int16(i + 1)
	}
	w, err := NewWriter(path, 16000, 1)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WriteSamples(samples); err != nil {
		t.Fatalf("WriteSamples: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	// 250 samples at 16kHz is one full 10ms frame (160 samples) plus 90.
	frames, err := r.ReadFrames(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("ReadFrames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].SamplesPerChannel != 160 || frames[1].SamplesPerChannel != 160 {
		t.Fatalf("frame sizes: %d, %d", frames[0].SamplesPerChannel, frames[1].SamplesPerChannel)
	}
	if frames[1].Timestamp != 10*time.Millisecond {
		t.Errorf("second frame timestamp: got %v", frames[1].Timestamp)
	}

	tail := frames[1].Int16()
	if tail[89] != 250 {
		t.Errorf("last real sample: got %d, want 250", tail[89])
	}
	for i := 90; i < 160; i++ {
		if tail[i] != 0 {
			t.Fatalf("padding sample %d: got %d, want 0", i, tail[i])
		}
	}
}

func TestReaderSkipsUnknownChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunky.wav")

	// Hand-built file with an odd-sized junk chunk (and its pad byte)
	// between the RIFF header and the fmt chunk.
	var buf []byte
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = append(buf, "WAVE"...)

	buf = append(buf, "JUNK"...)
	buf = binary.LittleEndian.AppendUint32(buf, 3)
	buf = append(buf, 0xAA, 0xBB, 0xCC, 0x00)

	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint32(buf, 16000)
	buf = binary.LittleEndian.AppendUint32(buf, 32000)
	buf = binary.LittleEndian.AppendUint16(buf, 2)
	buf = binary.LittleEndian.AppendUint16(buf, 16)

	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, 4)
	negSample := int16(-42)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(negSample))
	buf = binary.LittleEndian.AppendUint16(buf, 42)

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	frame, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	got := frame.Int16()
	if len(got) != 2 || got[0] != -42 || got[1] != 42 {
		t.Fatalf("decoded samples: %v", got)
	}
}

func TestReaderRejectsNonWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not.wav")
	if err := os.WriteFile(path, []byte("this is not audio"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := NewReader(path); err == nil {
		t.Fatal("expected error for non-WAV file")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	frames := []rtc.AudioFrame{
		rtc.FrameFromInt16([]int16{1, 2, 3, 4}, 16000, 1),
		rtc.FrameFromInt16([]int16{5, 6}, 16000, 1),
	}

	data, err := Encode(frames)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(data) != 44+12 {
		t.Fatalf("encoded size: got %d, want %d", len(data), 44+12)
	}

	path := filepath.Join(t.TempDir(), "encoded.wav")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	h := r.Header()
	if h.SampleRate != 16000 || h.NumChannels != 1 || h.DataBytes != 12 {
		t.Fatalf("unexpected header: %+v", h)
	}

	frame, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	got := frame.Int16()
	want := []int16{1, 2, 3, 4, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("decoded %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestEncodeRejectsMixedFormats(t *testing.T) {
	frames := []rtc.AudioFrame{
		rtc.FrameFromInt16([]int16{1, 2}, 16000, 1),
		rtc.FrameFromInt16([]int16{3, 4}, 48000, 1),
	}
	if _, err := Encode(frames); err == nil {
		t.Fatal("expected error for mixed sample rates")
	}

	if _, err := Encode(nil); err == nil {
		t.Fatal("expected error for empty input")
	}
}
