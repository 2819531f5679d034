// Package stream provides the in-process streaming primitives shared by the
// audio and text pipelines: a bounded channel with backpressure, an unbounded
// FIFO queue and a handful of small helpers.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// DefaultHighWater is the buffered capacity of a Chan when none is given.
const DefaultHighWater = 32

// ErrClosed is returned by writes to a closed stream.
var ErrClosed = errors.New("stream: closed")

// Chan is a bounded stream of values. Writers block once the buffer reaches
// the high-water mark, propagating backpressure upstream. Readers drain
// buffered values even after the stream is closed; a drained closed stream
// yields io.EOF, or the error given to CloseWithError.
type Chan[T any] struct {
	ch   chan T
	done chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// NewChan creates a stream with the given high-water mark.
// A non-positive value uses DefaultHighWater.
func NewChan[T any](highWater int) *Chan[T] {
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	return &Chan[T]{
		ch:   make(chan T, highWater),
		done: make(chan struct{}),
	}
}

// Write appends a value, blocking while the stream is at capacity.
// Returns ErrClosed if the stream has been closed, or the context error if
// ctx expires first.
func (s *Chan[T]) Write(ctx context.Context, v T) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	select {
	case s.ch <- v:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next value. It blocks until a value is available, the
// stream is closed and drained, or ctx expires.
func (s *Chan[T]) Next(ctx context.Context) (T, error) {
	var zero T

	select {
	case v := <-s.ch:
		return v, nil
	default:
	}

	select {
	case v := <-s.ch:
		return v, nil
	case <-s.done:
		// Drain anything buffered before reporting the end of stream.
		select {
		case v := <-s.ch:
			return v, nil
		default:
		}
		return zero, s.closeErr()
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close marks the end of the stream. Buffered values remain readable.
// Close is idempotent.
func (s *Chan[T]) Close() {
	s.CloseWithError(nil)
}

// CloseWithError closes the stream with a terminal error that readers see
// once the buffer is drained. A nil err reads back as io.EOF.
func (s *Chan[T]) CloseWithError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

// Closed reports whether the stream has been closed.
func (s *Chan[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Len returns the number of buffered values.
func (s *Chan[T]) Len() int {
	return len(s.ch)
}

func (s *Chan[T]) closeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return io.EOF
}

// Collect drains the stream until it ends, returning all values seen.
// A clean end of stream is not an error.
func Collect[T any](ctx context.Context, s *Chan[T]) ([]T, error) {
	var out []T
	for {
		v, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, v)
	}
}

// Tee copies every value from src into each dst until src ends. The
// terminal error (if any) propagates to every destination. Backpressure on
// any destination stalls the copy.
func Tee[T any](ctx context.Context, src *Chan[T], dsts ...*Chan[T]) error {
	for {
		v, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				for _, d := range dsts {
					d.Close()
				}
				return nil
			}
			for _, d := range dsts {
				d.CloseWithError(err)
			}
			return err
		}
		for _, d := range dsts {
			if werr := d.Write(ctx, v); werr != nil && !errors.Is(werr, ErrClosed) {
				return werr
			}
		}
	}
}
