package interruption

// audioRing buffers mono samples with a fixed capacity. startIdx marks
// where the classifier's context begins; when the buffer overflows, older
// samples slide out and startIdx moves left with them so the marked
// position keeps pointing at the same audio.
type audioRing struct {
	samples  []int16
	capacity int
	startIdx int
}

func newAudioRing(capacity int) *audioRing {
	if capacity < 1 {
		capacity = 1
	}
	return &audioRing{
		samples:  make([]int16, 0, capacity),
		capacity: capacity,
	}
}

// push appends samples, sliding the buffer left on overflow.
func (r *audioRing) push(samples []int16) {
	if len(samples) >= r.capacity {
		// Input alone fills the ring, keep only its tail.
		r.samples = append(r.samples[:0], samples[len(samples)-r.capacity:]...)
		r.startIdx = 0
		return
	}

	overflow := len(r.samples) + len(samples) - r.capacity
	if overflow > 0 {
		n := copy(r.samples, r.samples[overflow:])
		r.samples = r.samples[:n]
		r.startIdx -= overflow
		if r.startIdx < 0 {
			r.startIdx = 0
		}
	}
	r.samples = append(r.samples, samples...)
}

// markStart places the context marker keep samples back from the end.
func (r *audioRing) markStart(keep int) {
	r.startIdx = len(r.samples) - keep
	if r.startIdx < 0 {
		r.startIdx = 0
	}
}

// prefix returns the samples from the context marker to the end.
func (r *audioRing) prefix() []int16 {
	return r.samples[r.startIdx:]
}

// sinceStart is how many samples the prefix currently holds.
func (r *audioRing) sinceStart() int {
	return len(r.samples) - r.startIdx
}

func (r *audioRing) reset() {
	r.samples = r.samples[:0]
	r.startIdx = 0
}
