package rtc

import (
	"fmt"
	"time"
)

// AudioByteStream reframes an arbitrary PCM byte stream into fixed-size
// AudioFrames. Incomplete trailing data is carried over between writes and
// zero-padded on Flush.
type AudioByteStream struct {
	sampleRate      int
	numChannels     int
	samplesPerFrame int
	buf             []byte
	timestamp       time.Duration
}

// NewAudioByteStream creates a reframer emitting frames of samplesPerFrame
// samples per channel. A non-positive samplesPerFrame defaults to 100 ms
// worth of samples.
func NewAudioByteStream(sampleRate, numChannels, samplesPerFrame int) *AudioByteStream {
	if samplesPerFrame <= 0 {
		samplesPerFrame = sampleRate / 10
	}
	return &AudioByteStream{
		sampleRate:      sampleRate,
		numChannels:     numChannels,
		samplesPerFrame: samplesPerFrame,
	}
}

// Write appends PCM bytes and returns all complete frames now available.
func (s *AudioByteStream) Write(data []byte) []AudioFrame {
	s.buf = append(s.buf, data...)

	frameBytes := s.samplesPerFrame * s.numChannels * 2
	var frames []AudioFrame
	for len(s.buf) >= frameBytes {
		chunk := make([]byte, frameBytes)
		copy(chunk, s.buf[:frameBytes])
		s.buf = s.buf[frameBytes:]
		frames = append(frames, s.emit(chunk, s.samplesPerFrame))
	}
	return frames
}

// WriteFrame appends one frame's samples and returns all complete frames
// now available. The frame must match the stream's rate and channel count
// and hold at most one window of samples; use Write to reframe byte runs
// of arbitrary size.
func (s *AudioByteStream) WriteFrame(frame AudioFrame) ([]AudioFrame, error) {
	if frame.SampleRate != s.sampleRate || frame.NumChannels != s.numChannels {
		return nil, fmt.Errorf("rtc: frame is %d Hz/%dch, stream wants %d Hz/%dch",
			frame.SampleRate, frame.NumChannels, s.sampleRate, s.numChannels)
	}
	if frame.SamplesPerChannel > s.samplesPerFrame {
		return nil, fmt.Errorf("rtc: frame of %d samples exceeds the %d sample window",
			frame.SamplesPerChannel, s.samplesPerFrame)
	}
	return s.Write(frame.Data), nil
}

// Flush returns the remaining buffered audio as a final zero-padded frame,
// or nil if nothing is buffered.
func (s *AudioByteStream) Flush() []AudioFrame {
	if len(s.buf) == 0 {
		return nil
	}

	frameBytes := s.samplesPerFrame * s.numChannels * 2
	chunk := make([]byte, frameBytes)
	copy(chunk, s.buf)
	s.buf = s.buf[:0]
	return []AudioFrame{s.emit(chunk, s.samplesPerFrame)}
}

func (s *AudioByteStream) emit(data []byte, samplesPerChannel int) AudioFrame {
	f := AudioFrame{
		Data:              data,
		SampleRate:        s.sampleRate,
		SamplesPerChannel: samplesPerChannel,
		NumChannels:       s.numChannels,
		Timestamp:         s.timestamp,
	}
	s.timestamp += f.Duration()
	return f
}
