package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chriscow/agents-go/pkg/voice"
)

// InferenceExecutor relays a named inference method to the worker process
// on the far side of the job's IPC pipe.
type InferenceExecutor interface {
	ExecuteInference(ctx context.Context, method string, payload []byte) ([]byte, error)
}

// JobContext is what an entrypoint works with: the job's lifetime context,
// its assignment, the process-wide prewarmed state, and shutdown hooks that
// run once when the job ends.
type JobContext struct {
	ctx       context.Context
	cancel    context.CancelFunc
	log       *slog.Logger
	job       RunningJob
	proc      *Process
	inference InferenceExecutor

	mu     sync.Mutex
	hooks  []func(reason string)
	reason string
	closed bool
	room   *voice.RoomIO
}

// NewContext builds the context an entrypoint runs under. proc may be nil
// when no prewarm state exists; log defaults to slog.Default.
func NewContext(parent context.Context, rj RunningJob, proc *Process, log *slog.Logger) *JobContext {
	if log == nil {
		log = slog.Default()
	}
	if proc == nil {
		proc = NewProcess()
	}
	ctx, cancel := context.WithCancel(parent)
	return &JobContext{
		ctx:    ctx,
		cancel: cancel,
		log:    log.With(slog.String("job_id", rj.Job.ID), slog.String("room", rj.Job.RoomName)),
		job:    rj,
		proc:   proc,
	}
}

// Context is cancelled when the job shuts down.
func (c *JobContext) Context() context.Context { return c.ctx }

// Job returns the assignment metadata.
func (c *JobContext) Job() Job { return c.job.Job }

// Running returns the full assignment including room credentials, for
// entrypoints that build their own connection.
func (c *JobContext) Running() RunningJob { return c.job }

// Process returns the prewarmed per-process state.
func (c *JobContext) Process() *Process { return c.proc }

// Log returns a logger scoped to this job.
func (c *JobContext) Log() *slog.Logger { return c.log }

// SetInferenceExecutor attaches the worker's inference channel. The job
// process host calls this before the entrypoint runs.
func (c *JobContext) SetInferenceExecutor(e InferenceExecutor) { c.inference = e }

// InferenceExecutor returns the worker's inference channel, or nil when the
// job runs without one (in-process execution).
func (c *JobContext) InferenceExecutor() InferenceExecutor { return c.inference }

// Done mirrors Context().Done().
func (c *JobContext) Done() <-chan struct{} { return c.ctx.Done() }

// Err mirrors Context().Err().
func (c *JobContext) Err() error { return c.ctx.Err() }

// ConnectRoom joins the job's room using the assignment credentials and
// returns the wired session transport. Options left zero are filled from
// the assignment; the connection closes when the job shuts down.
func (c *JobContext) ConnectRoom(opts voice.RoomIOOptions) (*voice.RoomIO, error) {
	if opts.URL == "" {
		opts.URL = c.job.URL
	}
	if opts.Token == "" {
		opts.Token = c.job.Token
	}
	if opts.ParticipantIdentity == "" {
		opts.ParticipantIdentity = c.job.Job.ParticipantIdentity
	}
	if opts.Logger == nil {
		opts.Logger = c.log
	}

	rio, err := voice.NewRoomIO(opts)
	if err != nil {
		return nil, err
	}
	if err := rio.Connect(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.room = rio
	c.mu.Unlock()
	c.OnShutdown(func(string) { _ = rio.Close() })
	return rio, nil
}

// Room returns the transport from ConnectRoom, or nil before it.
func (c *JobContext) Room() *voice.RoomIO {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// OnShutdown registers a hook to run when the job shuts down. Hooks run
// concurrently and receive the shutdown reason. Registering after shutdown
// runs the hook immediately.
func (c *JobContext) OnShutdown(hook func(reason string)) {
	c.mu.Lock()
	if c.closed {
		reason := c.reason
		c.mu.Unlock()
		go runHook(c.log, hook, reason)
		return
	}
	c.hooks = append(c.hooks, hook)
	c.mu.Unlock()
}

// Shutdown ends the job: hooks run first (bounded by ShutdownHookTimeout),
// then the context is cancelled. Safe to call more than once; only the
// first reason wins.
func (c *JobContext) Shutdown(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.reason = reason
	hooks := c.hooks
	c.hooks = nil
	c.mu.Unlock()

	c.log.Info("job shutting down", slog.String("reason", reason))

	var wg sync.WaitGroup
	for _, hook := range hooks {
		wg.Add(1)
		go func(h func(string)) {
			defer wg.Done()
			runHook(c.log, h, reason)
		}(hook)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownHookTimeout):
		c.log.Warn("shutdown hooks timed out", slog.Duration("timeout", ShutdownHookTimeout))
	}

	c.cancel()
}

// ShutdownReason returns the reason passed to the first Shutdown call, or
// empty while the job is still running.
func (c *JobContext) ShutdownReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// IsShutdown reports whether Shutdown has run.
func (c *JobContext) IsShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func runHook(log *slog.Logger, hook func(string), reason string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("shutdown hook panicked", slog.Any("panic", r))
		}
	}()
	hook(reason)
}

// Process carries state shared by every job in one job process, filled by
// the prewarm hook: model weights, warmed clients, anything expensive to
// build per job.
type Process struct {
	mu       sync.Mutex
	userdata map[string]any
}

// NewProcess returns an empty process state.
func NewProcess() *Process {
	return &Process{userdata: make(map[string]any)}
}

// Set stores a value under key.
func (p *Process) Set(key string, value any) {
	p.mu.Lock()
	p.userdata[key] = value
	p.mu.Unlock()
}

// Get returns the value stored under key.
func (p *Process) Get(key string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.userdata[key]
	return v, ok
}
