package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestChanWriteThenRead(t *testing.T) {
	ctx := context.Background()
	s := NewChan[int](4)

	for i := 0; i < 3; i++ {
		if err := s.Write(ctx, i); err != nil {
			t.Fatalf("Write(%d) error = %v", i, err)
		}
	}
	s.Close()

	got, err := Collect(ctx, s)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Collect() returned %d values, want 3", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Errorf("value %d = %d, want %d", i, v, i)
		}
	}
}

func TestChanBackpressure(t *testing.T) {
	ctx := context.Background()
	s := NewChan[int](2)

	if err := s.Write(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(ctx, 2); err != nil {
		t.Fatal(err)
	}

	// Third write must block until a reader drains one slot.
	unblocked := make(chan error, 1)
	go func() {
		unblocked <- s.Write(ctx, 3)
	}()

	select {
	case err := <-unblocked:
		t.Fatalf("write past high-water mark returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := s.Next(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-unblocked:
		if err != nil {
			t.Fatalf("blocked write failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("write did not unblock after a read")
	}
}

func TestChanWriteAfterClose(t *testing.T) {
	ctx := context.Background()
	s := NewChan[string](1)
	s.Close()

	if err := s.Write(ctx, "late"); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after close = %v, want ErrClosed", err)
	}
}

func TestChanCloseUnblocksWriter(t *testing.T) {
	ctx := context.Background()
	s := NewChan[int](1)
	if err := s.Write(ctx, 1); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.Write(ctx, 2)
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("blocked write after close = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close did not unblock writer")
	}
}

func TestChanCloseWithError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	s := NewChan[int](4)
	if err := s.Write(ctx, 42); err != nil {
		t.Fatal(err)
	}
	s.CloseWithError(boom)

	// Buffered value still readable before the terminal error.
	v, err := s.Next(ctx)
	if err != nil || v != 42 {
		t.Fatalf("Next() = %d, %v; want 42, nil", v, err)
	}
	if _, err := s.Next(ctx); !errors.Is(err, boom) {
		t.Errorf("Next() after drain = %v, want boom", err)
	}
}

func TestChanNextContextCancel(t *testing.T) {
	s := NewChan[int](1)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next() = %v, want deadline exceeded", err)
	}
}

func TestQueueOrdering(t *testing.T) {
	ctx := context.Background()
	q := NewQueue[string]()

	words := []string{"alpha", "beta", "gamma"}
	for _, w := range words {
		if err := q.Put(w); err != nil {
			t.Fatal(err)
		}
	}
	q.Close()

	for _, want := range words {
		got, err := q.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("Next() = %q, want %q", got, want)
		}
	}
	if _, err := q.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("drained queue Next() = %v, want io.EOF", err)
	}
}

func TestQueueBlocksUntilPut(t *testing.T) {
	ctx := context.Background()
	q := NewQueue[int]()

	got := make(chan int, 1)
	go func() {
		v, err := q.Next(ctx)
		if err != nil {
			return
		}
		got <- v
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Put(7); err != nil {
		t.Fatal(err)
	}

	select {
	case v := <-got:
		if v != 7 {
			t.Errorf("Next() = %d, want 7", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not observe Put")
	}
}

func TestQueuePutAfterClose(t *testing.T) {
	q := NewQueue[int]()
	q.Close()
	if err := q.Put(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after close = %v, want ErrClosed", err)
	}
}

func TestTeeFansOut(t *testing.T) {
	ctx := context.Background()
	src := NewChan[int](8)
	a := NewChan[int](8)
	b := NewChan[int](8)

	go func() {
		for i := 0; i < 5; i++ {
			src.Write(ctx, i)
		}
		src.Close()
	}()

	if err := Tee(ctx, src, a, b); err != nil {
		t.Fatalf("Tee() error = %v", err)
	}

	for name, dst := range map[string]*Chan[int]{"a": a, "b": b} {
		got, err := Collect(ctx, dst)
		if err != nil {
			t.Fatalf("Collect(%s) error = %v", name, err)
		}
		if len(got) != 5 {
			t.Fatalf("branch %s received %d values, want 5", name, len(got))
		}
		for i, v := range got {
			if v != i {
				t.Errorf("branch %s value %d = %d, want %d", name, i, v, i)
			}
		}
	}
}

func TestTeePropagatesError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("upstream failed")
	src := NewChan[int](2)
	dst := NewChan[int](2)

	src.CloseWithError(boom)
	if err := Tee(ctx, src, dst); !errors.Is(err, boom) {
		t.Fatalf("Tee() = %v, want boom", err)
	}
	if _, err := dst.Next(ctx); !errors.Is(err, boom) {
		t.Errorf("destination error = %v, want boom", err)
	}
}
