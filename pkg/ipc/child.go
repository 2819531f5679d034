package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chriscow/agents-go/pkg/job"
)

// ChildEnv marks a process as a spawned job runner. The worker sets it when
// re-executing its own binary; the CLI checks it before starting a worker.
const ChildEnv = "AGENTS_GO_JOB_PROCESS"

// ErrOrphaned is returned by RunChild when the worker stops pinging or its
// pipe closes before a shutdown request arrives.
var ErrOrphaned = errors.New("ipc: worker process gone")

const (
	defaultOrphanTimeout = 15 * time.Second

	// How long a cancelled entrypoint gets to return after its hooks ran.
	entryStopTimeout = 10 * time.Second
)

// IsChild reports whether this process was spawned as a job runner.
func IsChild() bool {
	return os.Getenv(ChildEnv) != ""
}

// ChildOptions configure a job process run.
type ChildOptions struct {
	// Prewarm runs once at initialize, before the child reports ready.
	Prewarm job.PrewarmFunc

	// Entry runs the job. Required.
	Entry job.EntryFunc

	// Logger overrides the stderr logger built from the worker's
	// LoggerOptions. Stdout carries the protocol, so logs must not go there.
	Logger *slog.Logger

	// OrphanTimeout is how long the child tolerates ping silence before
	// assuming the worker died. Defaults to 15 s.
	OrphanTimeout time.Duration

	// Conn overrides the stdin/stdout pipe, for tests.
	Conn *Conn
}

// RunChild services the worker's process protocol until the job ends, the
// worker requests shutdown, or the worker goes away. It is the main loop of
// a process spawned with ChildEnv set.
func RunChild(ctx context.Context, opts ChildOptions) error {
	if opts.Entry == nil {
		return errors.New("ipc: child needs an entry function")
	}
	conn := opts.Conn
	if conn == nil {
		conn = NewConn(os.Stdin, os.Stdout)
	}
	orphanTimeout := opts.OrphanTimeout
	if orphanTimeout <= 0 {
		orphanTimeout = defaultOrphanTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &child{
		conn:     conn,
		log:      log,
		proc:     job.NewProcess(),
		lastPing: time.Now(),
		pending:  make(map[string]chan InferenceResponse),
	}

	msgs := make(chan any)
	readErr := make(chan error, 1)
	go c.readLoop(ctx, msgs, readErr)

	tick := orphanTimeout / 4
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	checkOrphan := time.NewTicker(tick)
	defer checkOrphan.Stop()

	var (
		jc          *job.JobContext
		entryDone   chan error
		initialized bool
	)
	for {
		select {
		case msg := <-msgs:
			switch m := msg.(type) {
			case InitializeRequest:
				if initialized {
					c.log.Warn("duplicate initialize request")
					continue
				}
				if opts.Logger == nil {
					c.log = newChildLogger(m.Logger)
				}
				if opts.Prewarm != nil {
					if err := opts.Prewarm(c.proc); err != nil {
						c.log.Error("prewarm failed", slog.String("error", err.Error()))
						_ = conn.Send(Exiting{Reason: "prewarm failed: " + err.Error()})
						return fmt.Errorf("ipc: prewarm: %w", err)
					}
				}
				if err := conn.Send(InitializeResponse{}); err != nil {
					return err
				}
				initialized = true

			case StartJobRequest:
				if !initialized {
					c.log.Warn("start before initialize, ignoring")
					continue
				}
				if entryDone != nil {
					c.log.Warn("job already running, ignoring second start",
						slog.String("job_id", m.RunningJob.Job.ID))
					continue
				}
				jc = job.NewContext(ctx, m.RunningJob, c.proc, c.log)
				jc.SetInferenceExecutor(c)
				entryDone = make(chan error, 1)
				go runEntry(opts.Entry, jc, entryDone)

			case ShutdownRequest:
				reason := m.Reason
				if reason == "" {
					reason = "worker requested shutdown"
				}
				err := c.stopJob(jc, entryDone, reason)
				_ = conn.Send(Exiting{Reason: reason})
				return err

			default:
				c.log.Warn("unexpected message", slog.String("type", fmt.Sprintf("%T", msg)))
			}

		case err := <-entryDone:
			jc.Shutdown("job entry returned")
			_ = conn.Send(Done{})
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			reason := "job finished"
			if err != nil {
				c.log.Error("job entry failed", slog.String("error", err.Error()))
				reason = "job failed: " + err.Error()
			}
			_ = conn.Send(Exiting{Reason: reason})
			return err

		case err := <-readErr:
			// A closed pipe means the worker is gone.
			_ = c.stopJob(jc, entryDone, "worker connection lost")
			if errors.Is(err, io.EOF) {
				return ErrOrphaned
			}
			return err

		case <-checkOrphan.C:
			if time.Since(c.pingTime()) <= orphanTimeout {
				continue
			}
			c.log.Error("no ping from worker, exiting as orphaned")
			_ = c.stopJob(jc, entryDone, "worker orphaned")
			return ErrOrphaned

		case <-ctx.Done():
			err := c.stopJob(jc, entryDone, "process interrupted")
			_ = conn.Send(Exiting{Reason: "process interrupted"})
			if err != nil {
				return err
			}
			return ctx.Err()
		}
	}
}

// child holds the per-process protocol state and doubles as the job's
// inference executor.
type child struct {
	conn *Conn
	log  *slog.Logger
	proc *job.Process

	mu       sync.Mutex
	lastPing time.Time
	pending  map[string]chan InferenceResponse
}

// readLoop answers pings and routes inference responses inline so a busy
// main loop (prewarm, shutdown waits) never starves the watchdog. Everything
// else is handed to the main loop.
func (c *child) readLoop(ctx context.Context, msgs chan<- any, readErr chan<- error) {
	for {
		msg, err := c.conn.Recv()
		if err != nil {
			readErr <- err
			return
		}
		switch m := msg.(type) {
		case PingRequest:
			c.mu.Lock()
			c.lastPing = time.Now()
			c.mu.Unlock()
			if err := c.conn.Send(PongResponse{
				LastTimestamp: m.Timestamp,
				Timestamp:     time.Now().UnixMilli(),
			}); err != nil {
				readErr <- err
				return
			}
		case InferenceResponse:
			c.deliver(m)
		default:
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *child) pingTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

// ExecuteInference sends the request upstream and waits for the matching
// response. Implements the executor the job context hands to turn detectors.
func (c *child) ExecuteInference(ctx context.Context, method string, payload []byte) ([]byte, error) {
	id := uuid.NewString()
	ch := make(chan InferenceResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.conn.Send(InferenceRequest{RequestID: id, Method: method, Data: payload}); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return resp.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *child) deliver(resp InferenceResponse) {
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	delete(c.pending, resp.RequestID)
	c.mu.Unlock()
	if !ok {
		c.log.Warn("inference response for unknown request",
			slog.String("request_id", resp.RequestID))
		return
	}
	ch <- resp
}

// stopJob shuts the running job down and waits for the entrypoint, sending
// done when one was started.
func (c *child) stopJob(jc *job.JobContext, entryDone chan error, reason string) error {
	if jc == nil {
		return nil
	}
	jc.Shutdown(reason)
	var err error
	if entryDone != nil {
		select {
		case err = <-entryDone:
		case <-time.After(entryStopTimeout):
			c.log.Warn("job entry did not stop", slog.Duration("waited", entryStopTimeout))
		}
		if errors.Is(err, context.Canceled) {
			// Entrypoints that surface their cancelled context stopped cleanly.
			err = nil
		}
		if err != nil {
			c.log.Error("job entry failed", slog.String("error", err.Error()))
		}
		_ = c.conn.Send(Done{})
	}
	return err
}

func runEntry(entry job.EntryFunc, jc *job.JobContext, done chan<- error) {
	defer func() {
		if r := recover(); r != nil {
			done <- fmt.Errorf("job entry panicked: %v", r)
		}
	}()
	done <- entry(jc)
}

func newChildLogger(opts LoggerOptions) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(opts.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hopts))
}
