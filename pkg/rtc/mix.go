package rtc

// Gain returns a copy of the frame with every sample scaled by gain.
// gain 1.0 is a no-op copy, 0.0 produces silence. Results saturate at the
// int16 range instead of wrapping.
func Gain(frame AudioFrame, gain float64) AudioFrame {
	out := frame.Clone()
	if gain == 1.0 {
		return out
	}
	samples := out.Int16()
	for i, s := range samples {
		samples[i] = clampInt16(int32(float64(s) * gain))
	}
	scaled := FrameFromInt16(samples, out.SampleRate, out.NumChannels)
	scaled.Timestamp = out.Timestamp
	return scaled
}

// MixInto adds src scaled by gain into dst sample by sample, saturating at
// the int16 range. Extra src samples beyond len(dst) are dropped.
func MixInto(dst, src []int16, gain float64) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dst[i] = clampInt16(int32(dst[i]) + int32(float64(src[i])*gain))
	}
}

func clampInt16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
