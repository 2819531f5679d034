// Package fake provides a scripted turn detector for session tests.
package fake

import (
	"context"
	"sync"

	"github.com/chriscow/agents-go/pkg/turn"
)

// FakeTurnDetector returns a scripted end-of-utterance probability and
// records every prediction it is asked for.
type FakeTurnDetector struct {
	mu          sync.Mutex
	probability float64
	threshold   float64
	nextErr     error
	calls       []turn.ChatContext
}

// NewFakeTurnDetector creates a detector that always predicts 0.85
// against a 0.85 threshold.
func NewFakeTurnDetector() *FakeTurnDetector {
	return NewFakeTurnDetectorWithValues(0.85, 0.85)
}

// NewFakeTurnDetectorWithValues creates a detector with a fixed
// probability and threshold.
func NewFakeTurnDetectorWithValues(probability, threshold float64) *FakeTurnDetector {
	return &FakeTurnDetector{
		probability: probability,
		threshold:   threshold,
	}
}

// SetProbability changes what subsequent predictions return.
func (f *FakeTurnDetector) SetProbability(probability float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probability = probability
}

// FailNext makes the next prediction return err instead of a probability.
func (f *FakeTurnDetector) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextErr = err
}

// Calls returns a copy of every chat context scored so far.
func (f *FakeTurnDetector) Calls() []turn.ChatContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := make([]turn.ChatContext, len(f.calls))
	copy(calls, f.calls)
	return calls
}

// UnlikelyThreshold returns the configured threshold for any language.
func (f *FakeTurnDetector) UnlikelyThreshold(language string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threshold, nil
}

// SupportsLanguage always reports true.
func (f *FakeTurnDetector) SupportsLanguage(language string) bool {
	return true
}

// PredictEndOfTurn records the call and returns the scripted probability.
func (f *FakeTurnDetector) PredictEndOfTurn(ctx context.Context, chatCtx turn.ChatContext) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, chatCtx)
	if err := f.nextErr; err != nil {
		f.nextErr = nil
		return 0, err
	}
	return f.probability, nil
}
