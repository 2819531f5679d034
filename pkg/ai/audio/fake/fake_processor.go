// Package fake provides a recording audio processor for tests. It counts
// frames in both directions and can mute the capture path to prove in-place
// processing reaches downstream consumers.
package fake

import (
	"sync"
	"time"

	"github.com/chriscow/agents-go/pkg/ai/audio"
	"github.com/chriscow/agents-go/pkg/rtc"
)

// FakeProcessor records what the room adapter feeds it.
type FakeProcessor struct {
	mu       sync.Mutex
	captured int
	reversed int
	delay    time.Duration
	mute     bool
	nextErr  error
	closed   bool
}

// NewFakeProcessor creates a pass-through processor.
func NewFakeProcessor() *FakeProcessor {
	return &FakeProcessor{}
}

// SetMute zeroes every later capture frame in place.
func (p *FakeProcessor) SetMute(mute bool) {
	p.mu.Lock()
	p.mute = mute
	p.mu.Unlock()
}

// FailNext makes the next call in either direction return err once.
func (p *FakeProcessor) FailNext(err error) {
	p.mu.Lock()
	p.nextErr = err
	p.mu.Unlock()
}

// ProcessCapture implements audio.Processor.
func (p *FakeProcessor) ProcessCapture(frame *rtc.AudioFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return audio.ErrFatal
	}
	if err := p.takeErrLocked(); err != nil {
		return err
	}
	p.captured++
	if p.mute {
		for i := range frame.Data {
			frame.Data[i] = 0
		}
	}
	return nil
}

// ProcessReverse implements audio.Processor.
func (p *FakeProcessor) ProcessReverse(frame rtc.AudioFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return audio.ErrFatal
	}
	if err := p.takeErrLocked(); err != nil {
		return err
	}
	p.reversed++
	return nil
}

// SetStreamDelay implements audio.Processor.
func (p *FakeProcessor) SetStreamDelay(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return audio.ErrFatal
	}
	p.delay = d
	return nil
}

// Close implements audio.Processor.
func (p *FakeProcessor) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// CaptureCount reports how many capture frames were processed.
func (p *FakeProcessor) CaptureCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.captured
}

// ReverseCount reports how many far-end frames were observed.
func (p *FakeProcessor) ReverseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reversed
}

// LastDelay reports the most recent SetStreamDelay value.
func (p *FakeProcessor) LastDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delay
}

// Closed reports whether Close was called.
func (p *FakeProcessor) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *FakeProcessor) takeErrLocked() error {
	err := p.nextErr
	p.nextErr = nil
	return err
}
