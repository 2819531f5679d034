package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/chriscow/agents-go/pkg/job"
)

const (
	defaultPingInterval      = 2500 * time.Millisecond
	defaultInitializeTimeout = 10 * time.Second
)

// InferenceHandler runs a named inference method on behalf of a child. The
// worker wires this to its local models.
type InferenceHandler func(ctx context.Context, method string, data []byte) ([]byte, error)

// ProcOptions configure one supervised job process.
type ProcOptions struct {
	// Inference answers the child's inference requests. A nil handler
	// rejects every request.
	Inference InferenceHandler

	// LoggerOptions are forwarded to the child at initialize.
	LoggerOptions LoggerOptions

	Logger *slog.Logger

	// PingInterval defaults to 2.5 s; the child's orphan watchdog expects
	// several missed pings before giving up.
	PingInterval time.Duration

	// InitializeTimeout bounds spawn-to-ready, which includes the child's
	// prewarm hook. Defaults to 10 s.
	InitializeTimeout time.Duration
}

// Proc supervises one job child process: it owns the pipe, keeps the child
// pinged, answers its inference requests, and reports when the job is done
// and when the process exits.
type Proc struct {
	opts ProcOptions
	log  *slog.Logger
	conn *Conn
	cmd  *exec.Cmd

	initOnce sync.Once
	initMsg  chan struct{}
	doneOnce sync.Once
	done     chan struct{}
	exited   chan struct{}

	mu         sync.Mutex
	lastPong   time.Time
	latency    time.Duration
	exitReason string
	waitErr    error
}

// StartProc re-executes the current binary as a job runner with ChildEnv
// set, wires its pipes, and completes the initialize handshake (which runs
// the child's prewarm hook) before returning.
func StartProc(ctx context.Context, opts ProcOptions) (*Proc, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("ipc: resolve executable: %w", err)
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), ChildEnv+"=1")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ipc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ipc: stdout pipe: %w", err)
	}
	// The child logs to stderr; stdout carries the protocol.
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ipc: start job process: %w", err)
	}

	p := newProc(NewConn(stdout, stdin), opts)
	p.cmd = cmd
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.exited)
	}()
	go p.readLoop(ctx)

	if err := p.initialize(ctx); err != nil {
		p.Kill()
		return nil, err
	}
	go p.pingLoop(ctx)
	return p, nil
}

func newProc(conn *Conn, opts ProcOptions) *Proc {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.InitializeTimeout <= 0 {
		opts.InitializeTimeout = defaultInitializeTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Proc{
		opts:    opts,
		log:     log,
		conn:    conn,
		initMsg: make(chan struct{}),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// initialize sends the handshake and waits for the child to finish its
// prewarm hook.
func (p *Proc) initialize(ctx context.Context) error {
	if err := p.conn.Send(InitializeRequest{Logger: p.opts.LoggerOptions}); err != nil {
		return err
	}
	timeout := time.NewTimer(p.opts.InitializeTimeout)
	defer timeout.Stop()
	select {
	case <-p.initMsg:
		return nil
	case <-p.exited:
		return fmt.Errorf("ipc: job process exited during initialize: %s", p.ExitReason())
	case <-timeout.C:
		return fmt.Errorf("ipc: job process did not initialize within %s", p.opts.InitializeTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartJob hands the child its assignment. Done is closed when the child
// reports the entrypoint returned.
func (p *Proc) StartJob(rj job.RunningJob) error {
	return p.conn.Send(StartJobRequest{RunningJob: rj})
}

// Done is closed when the child reports its job finished.
func (p *Proc) Done() <-chan struct{} { return p.done }

// Exited is closed when the child process exits.
func (p *Proc) Exited() <-chan struct{} { return p.exited }

// ExitReason returns the reason from the child's exiting message, if any
// arrived.
func (p *Proc) ExitReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitReason
}

// Latency reports the last measured ping round trip.
func (p *Proc) Latency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency
}

// Wait blocks until the process exits and returns its exit error.
func (p *Proc) Wait() error {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Shutdown asks the child to stop gracefully, killing it if it has not
// exited by the time ctx ends.
func (p *Proc) Shutdown(ctx context.Context, reason string) error {
	if err := p.conn.Send(ShutdownRequest{Reason: reason}); err != nil {
		// The pipe may already be gone if the child crashed.
		select {
		case <-p.exited:
			return nil
		default:
		}
		p.Kill()
		return err
	}
	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		p.log.Warn("job process did not exit, killing it")
		p.Kill()
		return ctx.Err()
	}
}

// Kill force-stops the child process.
func (p *Proc) Kill() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *Proc) readLoop(ctx context.Context) {
	for {
		msg, err := p.conn.Recv()
		if err != nil {
			p.log.Debug("job process pipe closed", slog.String("error", err.Error()))
			return
		}
		switch m := msg.(type) {
		case InitializeResponse:
			p.initOnce.Do(func() { close(p.initMsg) })
		case PongResponse:
			now := time.Now()
			p.mu.Lock()
			p.lastPong = now
			p.latency = now.Sub(time.UnixMilli(m.LastTimestamp))
			p.mu.Unlock()
		case InferenceRequest:
			go p.handleInference(ctx, m)
		case Done:
			p.doneOnce.Do(func() { close(p.done) })
		case Exiting:
			p.mu.Lock()
			p.exitReason = m.Reason
			p.mu.Unlock()
			p.log.Info("job process exiting", slog.String("reason", m.Reason))
		default:
			p.log.Warn("unexpected message from job process",
				slog.String("type", fmt.Sprintf("%T", msg)))
		}
	}
}

func (p *Proc) handleInference(ctx context.Context, req InferenceRequest) {
	resp := InferenceResponse{RequestID: req.RequestID}
	if p.opts.Inference == nil {
		resp.Error = "no inference handler registered"
	} else {
		data, err := p.opts.Inference(ctx, req.Method, req.Data)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Data = data
		}
	}
	if err := p.conn.Send(resp); err != nil {
		p.log.Warn("dropping inference response", slog.String("error", err.Error()))
	}
}

func (p *Proc) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.exited:
			return
		case <-ticker.C:
			if err := p.conn.Send(PingRequest{Timestamp: time.Now().UnixMilli()}); err != nil {
				return
			}
		}
	}
}

