// Package fake provides a scripted classifier transport for detector
// tests.
package fake

import (
	"context"
	"sync"

	"github.com/chriscow/agents-go/pkg/interruption"
)

const assumedSampleRate = 16000

type response struct {
	pred *interruption.Prediction
	err  error
}

// FakeTransport records every window it receives and replies from a
// queue of scripted responses. With an empty queue it synthesizes a
// low-probability prediction sized to the audio it was sent, so tests
// that only care about plumbing need no setup.
type FakeTransport struct {
	mu       sync.Mutex
	queue    []response
	requests [][]byte
	updates  []interruption.Options
	closed   bool

	reqCh chan []byte
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{reqCh: make(chan []byte, 32)}
}

// EnqueuePrediction scripts the response for one future Detect call.
func (t *FakeTransport) EnqueuePrediction(p interruption.Prediction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(t.queue, response{pred: &p})
}

// EnqueueError scripts a failure for one future Detect call.
func (t *FakeTransport) EnqueueError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(t.queue, response{err: err})
}

func (t *FakeTransport) Detect(ctx context.Context, pcm []byte) (*interruption.Prediction, error) {
	t.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	t.requests = append(t.requests, cp)
	var resp response
	if len(t.queue) > 0 {
		resp = t.queue[0]
		t.queue = t.queue[1:]
	}
	t.mu.Unlock()

	select {
	case t.reqCh <- cp:
	default:
	}

	if resp.err != nil {
		return nil, resp.err
	}
	if resp.pred != nil {
		return resp.pred, nil
	}
	return neutralPrediction(len(pcm)), nil
}

func (t *FakeTransport) UpdateOptions(opts interruption.Options) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updates = append(t.updates, opts)
}

func (t *FakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// WaitForRequest blocks until a window arrives or ctx expires.
func (t *FakeTransport) WaitForRequest(ctx context.Context) ([]byte, error) {
	select {
	case pcm := <-t.reqCh:
		return pcm, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Requests returns a copy of every PCM window received so far.
func (t *FakeTransport) Requests() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.requests))
	copy(out, t.requests)
	return out
}

// Updates returns the option sets passed through UpdateOptions.
func (t *FakeTransport) Updates() []interruption.Options {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]interruption.Options, len(t.updates))
	copy(out, t.updates)
	return out
}

func (t *FakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// neutralPrediction scores every frame well below any sane threshold.
func neutralPrediction(pcmBytes int) *interruption.Prediction {
	samples := pcmBytes / 2
	seconds := float64(samples) / assumedSampleRate
	frames := int(seconds / interruption.FrameDuration.Seconds())
	if frames < 1 {
		frames = 1
	}
	probs := make([]float64, frames)
	for i := range probs {
		probs[i] = 0.1
	}
	return &interruption.Prediction{
		Probabilities:         probs,
		TotalDurationInS:      seconds,
		PredictionDurationInS: 0.01,
	}
}
