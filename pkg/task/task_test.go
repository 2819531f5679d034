package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTaskResult(t *testing.T) {
	ctx := context.Background()
	task := Go(ctx, func(ctx context.Context) (int, error) {
		return 42, nil
	})

	v, err := task.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if v != 42 {
		t.Errorf("Wait() = %d, want 42", v)
	}

	// Waiting again returns the same result.
	v, err = task.Wait(ctx)
	if err != nil || v != 42 {
		t.Errorf("second Wait() = %d, %v; want 42, nil", v, err)
	}
}

func TestTaskError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	task := Go(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, boom
	})

	if _, err := task.Wait(ctx); !errors.Is(err, boom) {
		t.Errorf("Wait() error = %v, want boom", err)
	}
	if err := task.Err(); !errors.Is(err, boom) {
		t.Errorf("Err() = %v, want boom", err)
	}
}

func TestTaskCancel(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	task := Go(ctx, func(ctx context.Context) (struct{}, error) {
		close(started)
		<-ctx.Done()
		return struct{}{}, ctx.Err()
	})

	<-started
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := task.CancelAndWait(waitCtx); err != nil {
		t.Fatalf("CancelAndWait() error = %v", err)
	}
	if err := task.Err(); !errors.Is(err, context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", err)
	}
}

func TestTaskWaitHonorsContext(t *testing.T) {
	task := Go(context.Background(), func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	defer task.Cancel()

	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := task.Wait(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() = %v, want deadline exceeded", err)
	}
}

func TestFutureResolveOnce(t *testing.T) {
	ctx := context.Background()
	f := NewFuture[string]()

	if f.IsDone() {
		t.Fatal("new future should not be done")
	}
	if !f.Resolve("first") {
		t.Error("first Resolve should win")
	}
	if f.Resolve("second") {
		t.Error("second Resolve should lose")
	}
	if f.Reject(errors.New("late")) {
		t.Error("Reject after Resolve should lose")
	}

	v, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if v != "first" {
		t.Errorf("Wait() = %q, want %q", v, "first")
	}
}

func TestFutureReject(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	f := NewFuture[int]()
	f.Reject(boom)

	if _, err := f.Wait(ctx); !errors.Is(err, boom) {
		t.Errorf("Wait() error = %v, want boom", err)
	}
}

func TestFutureConcurrentResolvers(t *testing.T) {
	f := NewFuture[int]()

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if f.Resolve(n) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winning resolvers = %d, want exactly 1", wins)
	}
}
