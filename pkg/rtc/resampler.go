package rtc

import (
	"fmt"
)

// Resampler converts a PCM stream between sample rates using linear
// interpolation. It is stateful: interpolation continues across Push calls
// without discontinuities. Not safe for concurrent use.
type Resampler struct {
	srcRate     int
	dstRate     int
	numChannels int

	carry   []int16 // last source frame, one sample per channel
	primed  bool
	pos     float64 // fractional read position into carry+input
	elapsed int     // output samples per channel emitted so far
}

// NewResampler creates a resampler from srcRate to dstRate.
func NewResampler(srcRate, dstRate, numChannels int) (*Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("invalid resample rates %d -> %d", srcRate, dstRate)
	}
	if numChannels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d", numChannels)
	}
	return &Resampler{
		srcRate:     srcRate,
		dstRate:     dstRate,
		numChannels: numChannels,
		carry:       make([]int16, numChannels),
	}, nil
}

// SourceRate reports the input rate the resampler was created for.
func (r *Resampler) SourceRate() int { return r.srcRate }

// Push resamples one frame and returns the converted audio. The returned
// frame may be empty when the input is too short to produce output yet.
func (r *Resampler) Push(frame AudioFrame) (AudioFrame, error) {
	if frame.SampleRate != r.srcRate {
		return AudioFrame{}, fmt.Errorf("resampler expects %dHz input, got %dHz", r.srcRate, frame.SampleRate)
	}
	if frame.NumChannels != r.numChannels {
		return AudioFrame{}, fmt.Errorf("resampler expects %d channels, got %d", r.numChannels, frame.NumChannels)
	}
	if r.srcRate == r.dstRate {
		return frame, nil
	}

	in := frame.Int16()
	ch := r.numChannels

	var src []int16
	if r.primed {
		src = make([]int16, 0, len(r.carry)+len(in))
		src = append(src, r.carry...)
		src = append(src, in...)
	} else {
		src = in
		r.primed = true
	}

	srcFrames := len(src) / ch
	if srcFrames < 2 {
		copy(r.carry, src[(srcFrames-1)*ch:])
		return AudioFrame{SampleRate: r.dstRate, NumChannels: ch}, nil
	}

	step := float64(r.srcRate) / float64(r.dstRate)
	out := make([]int16, 0, (int(float64(srcFrames)/step)+1)*ch)
	for int(r.pos)+1 < srcFrames {
		idx := int(r.pos)
		frac := r.pos - float64(idx)
		for c := 0; c < ch; c++ {
			a := float64(src[idx*ch+c])
			b := float64(src[(idx+1)*ch+c])
			out = append(out, int16(a+(b-a)*frac))
		}
		r.pos += step
	}

	consumed := srcFrames - 1
	r.pos -= float64(consumed)
	copy(r.carry, src[consumed*ch:])

	result := FrameFromInt16(out, r.dstRate, ch)
	result.Timestamp = frame.Timestamp
	r.elapsed += result.SamplesPerChannel
	return result, nil
}

// ToMono averages interleaved channels into a single channel. Mono input is
// returned unchanged.
func ToMono(frame AudioFrame) AudioFrame {
	if frame.NumChannels <= 1 {
		return frame
	}

	in := frame.Int16()
	ch := frame.NumChannels
	out := make([]int16, frame.SamplesPerChannel)
	for i := 0; i < frame.SamplesPerChannel; i++ {
		sum := 0
		for c := 0; c < ch; c++ {
			sum += int(in[i*ch+c])
		}
		out[i] = int16(sum / ch)
	}

	mono := FrameFromInt16(out, frame.SampleRate, 1)
	mono.Timestamp = frame.Timestamp
	return mono
}

// UpmixToStereo duplicates a mono channel into two interleaved channels.
// Stereo input is returned unchanged.
func UpmixToStereo(frame AudioFrame) AudioFrame {
	if frame.NumChannels >= 2 {
		return frame
	}

	in := frame.Int16()
	out := make([]int16, len(in)*2)
	for i, s := range in {
		out[i*2] = s
		out[i*2+1] = s
	}

	stereo := FrameFromInt16(out, frame.SampleRate, 2)
	stereo.Timestamp = frame.Timestamp
	return stereo
}
