package stream

import "math"

// ExpFilter is an exponential moving average with an optional ceiling.
// The first sample initializes the filter directly.
type ExpFilter struct {
	alpha    float64
	max      float64
	filtered float64
	primed   bool
}

// NewExpFilter creates a filter with the given smoothing factor in (0, 1).
// Higher alpha weighs history more heavily. max <= 0 disables clamping.
func NewExpFilter(alpha, max float64) *ExpFilter {
	return &ExpFilter{alpha: alpha, max: max}
}

// Apply folds one sample into the average and returns the new value.
func (f *ExpFilter) Apply(sample float64) float64 {
	return f.ApplyExp(1.0, sample)
}

// ApplyExp folds one sample weighted by alpha^exp. Larger exp discounts
// history faster, which callers use when samples cover uneven spans.
func (f *ExpFilter) ApplyExp(exp, sample float64) float64 {
	if !f.primed {
		f.filtered = sample
		f.primed = true
	} else {
		a := math.Pow(f.alpha, exp)
		f.filtered = a*f.filtered + (1-a)*sample
	}
	if f.max > 0 && f.filtered > f.max {
		f.filtered = f.max
	}
	return f.filtered
}

// Filtered returns the current average, or 0 before the first sample.
func (f *ExpFilter) Filtered() float64 {
	return f.filtered
}

// Primed reports whether the filter has seen at least one sample.
func (f *ExpFilter) Primed() bool {
	return f.primed
}

// Reset clears the filter, optionally replacing alpha when newAlpha > 0.
func (f *ExpFilter) Reset(newAlpha float64) {
	if newAlpha > 0 {
		f.alpha = newAlpha
	}
	f.filtered = 0
	f.primed = false
}
