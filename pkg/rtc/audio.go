package rtc

import (
	"encoding/binary"
	"fmt"
	"time"
)

// AudioFrame is a chunk of 16-bit little-endian PCM audio.
// Len(Data) == SamplesPerChannel * NumChannels * 2.
//
// Capture paths produce fixed 10 ms frames; synthesis paths may produce
// frames of any duration. A zero Timestamp means "live".
type AudioFrame struct {
	Data              []byte        // 16-bit PCM, little-endian, interleaved
	SampleRate        int           // e.g. 48000, 24000, 16000
	SamplesPerChannel int           // len(Data) / (NumChannels * 2)
	NumChannels       int           // 1 or 2
	Timestamp         time.Duration // optional, relative to stream start
}

// NewAudioFrame creates an AudioFrame, deriving SamplesPerChannel from the
// data length. Returns an error if the data length is not a whole number of
// samples for the given channel count.
func NewAudioFrame(data []byte, sampleRate, numChannels int, timestamp time.Duration) (AudioFrame, error) {
	if sampleRate <= 0 {
		return AudioFrame{}, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if numChannels <= 0 {
		return AudioFrame{}, fmt.Errorf("invalid channel count %d", numChannels)
	}
	stride := numChannels * 2
	if len(data)%stride != 0 {
		return AudioFrame{}, fmt.Errorf("AudioFrame data length %d is not a multiple of %d bytes (%d-channel 16-bit PCM)",
			len(data), stride, numChannels)
	}

	return AudioFrame{
		Data:              data,
		SampleRate:        sampleRate,
		SamplesPerChannel: len(data) / stride,
		NumChannels:       numChannels,
		Timestamp:         timestamp,
	}, nil
}

// SilentFrame returns a zeroed frame of the given shape.
func SilentFrame(sampleRate, numChannels, samplesPerChannel int) AudioFrame {
	return AudioFrame{
		Data:              make([]byte, samplesPerChannel*numChannels*2),
		SampleRate:        sampleRate,
		SamplesPerChannel: samplesPerChannel,
		NumChannels:       numChannels,
	}
}

// Clone creates a deep copy of the AudioFrame.
func (f AudioFrame) Clone() AudioFrame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)

	return AudioFrame{
		Data:              data,
		SampleRate:        f.SampleRate,
		SamplesPerChannel: f.SamplesPerChannel,
		NumChannels:       f.NumChannels,
		Timestamp:         f.Timestamp,
	}
}

// Duration returns the playback duration of this frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.SamplesPerChannel) * time.Second / time.Duration(f.SampleRate)
}

// IsEmpty reports whether the frame carries no audio data.
func (f AudioFrame) IsEmpty() bool {
	return len(f.Data) == 0
}

// Int16 decodes the PCM payload into interleaved int16 samples.
func (f AudioFrame) Int16() []int16 {
	samples := make([]int16, len(f.Data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(f.Data[i*2:]))
	}
	return samples
}

// FrameFromInt16 encodes interleaved int16 samples into an AudioFrame.
func FrameFromInt16(samples []int16, sampleRate, numChannels int) AudioFrame {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return AudioFrame{
		Data:              data,
		SampleRate:        sampleRate,
		SamplesPerChannel: len(samples) / numChannels,
		NumChannels:       numChannels,
	}
}

// CombineFrames concatenates frames of identical shape into one frame.
// The combined frame keeps the first frame's timestamp.
func CombineFrames(frames []AudioFrame) (AudioFrame, error) {
	if len(frames) == 0 {
		return AudioFrame{}, fmt.Errorf("no frames to combine")
	}
	first := frames[0]
	total := 0
	for _, f := range frames {
		if f.SampleRate != first.SampleRate || f.NumChannels != first.NumChannels {
			return AudioFrame{}, fmt.Errorf("cannot combine frames with mixed formats: %dHz/%dch vs %dHz/%dch",
				first.SampleRate, first.NumChannels, f.SampleRate, f.NumChannels)
		}
		total += len(f.Data)
	}

	data := make([]byte, 0, total)
	for _, f := range frames {
		data = append(data, f.Data...)
	}

	return AudioFrame{
		Data:              data,
		SampleRate:        first.SampleRate,
		SamplesPerChannel: total / (first.NumChannels * 2),
		NumChannels:       first.NumChannels,
		Timestamp:         first.Timestamp,
	}, nil
}
