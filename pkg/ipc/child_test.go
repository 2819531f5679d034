package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chriscow/agents-go/pkg/job"
)

// fakeWorker drives the parent side of a child's pipe.
type fakeWorker struct {
	t     *testing.T
	conn  *Conn
	msgs  chan any
	wEnd  *io.PipeWriter
	child chan error
}

func startChild(t *testing.T, opts ChildOptions) *fakeWorker {
	t.Helper()
	childR, workerW := io.Pipe()
	workerR, childW := io.Pipe()
	t.Cleanup(func() {
		childR.Close()
		workerW.Close()
		workerR.Close()
		childW.Close()
	})

	opts.Conn = NewConn(childR, childW)
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}

	w := &fakeWorker{
		t:     t,
		conn:  NewConn(workerR, workerW),
		msgs:  make(chan any, 16),
		wEnd:  workerW,
		child: make(chan error, 1),
	}
	go func() { w.child <- RunChild(context.Background(), opts) }()
	go func() {
		for {
			msg, err := w.conn.Recv()
			if err != nil {
				close(w.msgs)
				return
			}
			w.msgs <- msg
		}
	}()
	return w
}

func (w *fakeWorker) send(msg any) {
	w.t.Helper()
	if err := w.conn.Send(msg); err != nil {
		w.t.Fatalf("send %T: %v", msg, err)
	}
}

func (w *fakeWorker) initialize() {
	w.t.Helper()
	w.send(InitializeRequest{})
	expectMsg[InitializeResponse](w.t, w.msgs)
}

func (w *fakeWorker) result() error {
	w.t.Helper()
	select {
	case err := <-w.child:
		return err
	case <-time.After(2 * time.Second):
		w.t.Fatal("child did not exit")
		return nil
	}
}

func TestChildInitializeRunsPrewarm(t *testing.T) {
	prewarmed := false
	w := startChild(t, ChildOptions{
		Prewarm: func(proc *job.Process) error {
			prewarmed = true
			proc.Set("model", "loaded")
			return nil
		},
		Entry: func(jc *job.JobContext) error {
			v, _ := jc.Process().Get("model")
			if v != "loaded" {
				t.Errorf("prewarm state not visible to entry: %v", v)
			}
			return nil
		},
	})

	w.initialize()
	if !prewarmed {
		t.Fatal("prewarm did not run before initialize response")
	}

	w.send(StartJobRequest{RunningJob: testAssignment()})
	expectMsg[Done](t, w.msgs)
	exiting := expectMsg[Exiting](t, w.msgs)
	if exiting.Reason != "job finished" {
		t.Errorf("exiting reason = %q, want job finished", exiting.Reason)
	}
	if err := w.result(); err != nil {
		t.Errorf("child returned %v", err)
	}
}

func TestChildPrewarmFailureExits(t *testing.T) {
	w := startChild(t, ChildOptions{
		Prewarm: func(*job.Process) error { return errors.New("weights missing") },
		Entry:   func(*job.JobContext) error { return nil },
	})

	w.send(InitializeRequest{})
	exiting := expectMsg[Exiting](t, w.msgs)
	if !strings.Contains(exiting.Reason, "prewarm failed") {
		t.Errorf("exiting reason = %q, want prewarm failure", exiting.Reason)
	}
	if err := w.result(); err == nil {
		t.Error("child reported success after failed prewarm")
	}
}

func TestChildRunsJobToDone(t *testing.T) {
	var mu sync.Mutex
	var gotJob job.Job
	w := startChild(t, ChildOptions{
		Entry: func(jc *job.JobContext) error {
			mu.Lock()
			gotJob = jc.Job()
			mu.Unlock()
			return nil
		},
	})

	w.initialize()
	w.send(StartJobRequest{RunningJob: testAssignment()})
	expectMsg[Done](t, w.msgs)
	expectMsg[Exiting](t, w.msgs)
	if err := w.result(); err != nil {
		t.Fatalf("child returned %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotJob.ID != "job-1" || gotJob.RoomName != "room-7" {
		t.Errorf("entry saw job %+v", gotJob)
	}
}

func TestChildEntryErrorReported(t *testing.T) {
	w := startChild(t, ChildOptions{
		Entry: func(*job.JobContext) error { return errors.New("room unreachable") },
	})

	w.initialize()
	w.send(StartJobRequest{RunningJob: testAssignment()})
	expectMsg[Done](t, w.msgs)
	exiting := expectMsg[Exiting](t, w.msgs)
	if !strings.Contains(exiting.Reason, "room unreachable") {
		t.Errorf("exiting reason = %q, want entry error", exiting.Reason)
	}
	if err := w.result(); err == nil {
		t.Error("child swallowed the entry error")
	}
}

func TestChildAnswersPing(t *testing.T) {
	w := startChild(t, ChildOptions{
		Entry: func(jc *job.JobContext) error { <-jc.Done(); return nil },
	})

	w.initialize()
	w.send(PingRequest{Timestamp: 42})
	pong := expectMsg[PongResponse](t, w.msgs)
	if pong.LastTimestamp != 42 {
		t.Errorf("pong echoes %d, want 42", pong.LastTimestamp)
	}
	if pong.Timestamp == 0 {
		t.Error("pong carries no child timestamp")
	}

	w.send(ShutdownRequest{})
	expectMsg[Exiting](t, w.msgs)
	if err := w.result(); err != nil {
		t.Errorf("child returned %v", err)
	}
}

func TestChildShutdownStopsRunningJob(t *testing.T) {
	started := make(chan struct{})
	var mu sync.Mutex
	var hookReason string
	w := startChild(t, ChildOptions{
		Entry: func(jc *job.JobContext) error {
			jc.OnShutdown(func(reason string) {
				mu.Lock()
				hookReason = reason
				mu.Unlock()
			})
			close(started)
			<-jc.Done()
			return nil
		},
	})

	w.initialize()
	w.send(StartJobRequest{RunningJob: testAssignment()})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("entry never started")
	}

	w.send(ShutdownRequest{Reason: "draining"})
	expectMsg[Done](t, w.msgs)
	exiting := expectMsg[Exiting](t, w.msgs)
	if exiting.Reason != "draining" {
		t.Errorf("exiting reason = %q, want draining", exiting.Reason)
	}
	if err := w.result(); err != nil {
		t.Errorf("child returned %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if hookReason != "draining" {
		t.Errorf("shutdown hook saw %q, want draining", hookReason)
	}
}

func TestChildInferenceRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var gotData []byte
	var gotErr error
	w := startChild(t, ChildOptions{
		Entry: func(jc *job.JobContext) error {
			exec := jc.InferenceExecutor()
			data, err := exec.ExecuteInference(context.Background(), "eou_predict", []byte(`{"msgs":1}`))
			if err != nil {
				return err
			}
			_, thErr := exec.ExecuteInference(context.Background(), "eou_threshold", []byte(`{"language":"xx"}`))
			mu.Lock()
			gotData = data
			gotErr = thErr
			mu.Unlock()
			return nil
		},
	})

	w.initialize()
	w.send(StartJobRequest{RunningJob: testAssignment()})

	req := expectMsg[InferenceRequest](t, w.msgs)
	if req.Method != "eou_predict" || req.RequestID == "" {
		t.Errorf("first request = %+v", req)
	}
	w.send(InferenceResponse{RequestID: req.RequestID, Data: json.RawMessage(`{"eou_probability":0.9}`)})

	req2 := expectMsg[InferenceRequest](t, w.msgs)
	if req2.RequestID == req.RequestID {
		t.Error("request IDs repeat")
	}
	w.send(InferenceResponse{RequestID: req2.RequestID, Error: "model gone"})

	expectMsg[Done](t, w.msgs)
	expectMsg[Exiting](t, w.msgs)
	if err := w.result(); err != nil {
		t.Fatalf("child returned %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if string(gotData) != `{"eou_probability":0.9}` {
		t.Errorf("inference data = %s", gotData)
	}
	if gotErr == nil || gotErr.Error() != "model gone" {
		t.Errorf("inference error = %v, want model gone", gotErr)
	}
}

func TestChildOrphanedWithoutPings(t *testing.T) {
	w := startChild(t, ChildOptions{
		Entry:         func(jc *job.JobContext) error { <-jc.Done(); return nil },
		OrphanTimeout: 60 * time.Millisecond,
	})

	w.initialize()
	if err := w.result(); !errors.Is(err, ErrOrphaned) {
		t.Errorf("child returned %v, want ErrOrphaned", err)
	}
}

func TestChildParentPipeClosed(t *testing.T) {
	w := startChild(t, ChildOptions{
		Entry: func(jc *job.JobContext) error { <-jc.Done(); return nil },
	})

	w.initialize()
	w.wEnd.Close()
	if err := w.result(); !errors.Is(err, ErrOrphaned) {
		t.Errorf("child returned %v, want ErrOrphaned", err)
	}
}

func TestChildIgnoresStartBeforeInitialize(t *testing.T) {
	entered := make(chan struct{}, 1)
	w := startChild(t, ChildOptions{
		Entry: func(*job.JobContext) error {
			entered <- struct{}{}
			return nil
		},
	})

	w.send(StartJobRequest{RunningJob: testAssignment()})
	w.initialize()
	select {
	case <-entered:
		t.Error("entry ran for a pre-initialize start request")
	case <-time.After(50 * time.Millisecond):
	}

	w.send(ShutdownRequest{})
	expectMsg[Exiting](t, w.msgs)
	if err := w.result(); err != nil {
		t.Errorf("child returned %v", err)
	}
}

func TestChildNeedsEntry(t *testing.T) {
	if err := RunChild(context.Background(), ChildOptions{}); err == nil {
		t.Error("RunChild accepted empty options")
	}
}
