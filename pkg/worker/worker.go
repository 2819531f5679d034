// Package worker registers with a LiveKit server, accepts job dispatches
// over a websocket, and hosts each job in its own process (or goroutine in
// development). It serves health and Prometheus metrics on a local HTTP
// listener and answers inference requests from job processes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/livekit/protocol/auth"
	"golang.org/x/sync/errgroup"

	"github.com/chriscow/agents-go/pkg/ipc"
	"github.com/chriscow/agents-go/pkg/job"
	"github.com/chriscow/agents-go/pkg/turn"
	"github.com/chriscow/agents-go/pkg/version"
)

const (
	signalBuffer     = 64
	jobTokenTTL      = 6 * time.Hour
	procExitGrace    = 10 * time.Second
	terminationGrace = 10 * time.Second
)

// activeJob tracks one launched job until its watcher reports completion.
type activeJob struct {
	id   string
	stop func(ctx context.Context, reason string)
	done chan struct{}
}

// Worker connects to the server, answers availability requests while it has
// capacity, and runs assigned jobs until the context ends. A worker survives
// server disconnects; running jobs are unaffected by reconnects.
type Worker struct {
	opts    Options
	log     *slog.Logger
	metrics *workerMetrics

	runCtx context.Context
	out    chan signal

	mu             sync.RWMutex
	workerID       string
	connected      bool
	draining       bool
	backoffAttempt int
	conns          int
	jobs           map[string]*activeJob
	pending        map[string]time.Time

	detectorOnce sync.Once
	detector     turn.Detector
	detectorErr  error

	prewarmOnce sync.Once
	localProc   *job.Process
	prewarmErr  error
}

// New validates options (after filling them from the environment and
// defaults) and returns a worker ready to Run.
func New(opts Options) (*Worker, error) {
	opts.LoadEnv()
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Worker{
		opts:    opts,
		log:     opts.Logger.With(slog.String("agent", opts.AgentName)),
		metrics: newWorkerMetrics(),
		out:     make(chan signal, signalBuffer),
		jobs:    make(map[string]*activeJob),
		pending: make(map[string]time.Time),
	}, nil
}

// Run connects and serves until ctx ends, then drains running jobs. The
// registration connection is re-established with exponential backoff after
// any failure.
func (w *Worker) Run(ctx context.Context) error {
	w.runCtx = ctx

	w.log.Info("starting worker",
		slog.String("url", w.opts.URL),
		slog.String("executor", string(w.opts.Executor)),
		slog.Int("max_jobs", w.opts.MaxJobs))

	addr := net.JoinHostPort(w.opts.Host, strconv.Itoa(w.opts.Port))
	srv := newStatusServer(addr, w.metrics, w.healthStatus)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveStatus(gctx, srv) })
	g.Go(func() error { return w.runLoop(gctx) })

	err := g.Wait()
	w.drain()
	return err
}

func (w *Worker) runLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if err := w.connectAndRun(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.log.Error("server connection lost", slog.String("error", err.Error()))
				if err := w.backoffDelay(ctx); err != nil {
					return nil
				}
			}
		}
	}
}

// connectAndRun holds one registration connection: a reader feeding the
// processor, a writer draining the outbound queue, and the processor
// dispatching signals. Returns when the connection breaks or ctx ends.
func (w *Worker) connectAndRun(ctx context.Context) error {
	client := newWSClient(w.opts.URL, w.opts.APIKey, w.opts.APISecret, w.log)
	if err := client.Connect(ctx, w.opts.AgentName); err != nil {
		return err
	}
	defer client.Close()

	if err := w.register(client); err != nil {
		return err
	}
	w.setConnected(true)
	defer w.setConnected(false)

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan signal, signalBuffer)
	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			sig, err := client.ReadSignal()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case in <- sig:
			case <-readCtx.Done():
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-readCtx.Done():
				return
			case sig := <-w.out:
				if err := client.WriteSignal(sig); err != nil {
					errCh <- err
					return
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-readCtx.Done():
				return
			case sig := <-in:
				w.handleSignal(sig)
			}
		}
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
	}
	cancel()
	client.Close() // unblocks the reader
	wg.Wait()
	return err
}

// register announces the worker on a fresh connection.
func (w *Worker) register(client *wsClient) error {
	sig, err := encodeSignal(signalRegister, registerPayload{
		AgentName: w.opts.AgentName,
		Version:   version.Version,
		MaxJobs:   w.opts.MaxJobs,
	})
	if err != nil {
		return err
	}
	return client.WriteSignal(sig)
}

func (w *Worker) handleSignal(sig signal) {
	switch sig.Type {
	case signalRegistered:
		var p registeredPayload
		if err := decodePayload(sig, &p); err != nil {
			w.log.Warn("bad registered signal", slog.String("error", err.Error()))
			return
		}
		w.mu.Lock()
		w.workerID = p.WorkerID
		w.mu.Unlock()
		w.log.Info("registered with server", slog.String("worker_id", p.WorkerID))

	case signalPing:
		var p pingPayload
		if err := decodePayload(sig, &p); err != nil {
			w.log.Warn("bad ping signal", slog.String("error", err.Error()))
			return
		}
		w.send(signalPong, pongPayload{Timestamp: p.Timestamp})

	case signalAvailability:
		var p availabilityPayload
		if err := decodePayload(sig, &p); err != nil {
			w.log.Warn("bad availability signal", slog.String("error", err.Error()))
			return
		}
		w.handleAvailability(p.Job)

	case signalAssignment:
		var p assignmentPayload
		if err := decodePayload(sig, &p); err != nil {
			w.log.Warn("bad assignment signal", slog.String("error", err.Error()))
			return
		}
		w.handleAssignment(p)

	case signalTermination:
		var p terminationPayload
		if err := decodePayload(sig, &p); err != nil {
			w.log.Warn("bad termination signal", slog.String("error", err.Error()))
			return
		}
		w.handleTermination(p.JobID)

	default:
		w.log.Warn("unknown signal type", slog.String("type", sig.Type))
	}
}

// handleAvailability answers a capacity probe. Accepting reserves a slot
// until the assignment arrives or the reservation times out.
func (w *Worker) handleAvailability(j job.Job) {
	w.mu.Lock()
	available := !w.draining && w.loadLocked(time.Now()) < w.opts.MaxJobs
	if available {
		w.pending[j.ID] = time.Now()
	}
	w.mu.Unlock()

	answer := "decline"
	if available {
		answer = "accept"
	}
	w.metrics.availabilityTotal.WithLabelValues(answer).Inc()
	w.log.Info("availability request",
		slog.String("job_id", j.ID),
		slog.String("room", j.RoomName),
		slog.Bool("available", available))
	w.send(signalAvailabilityResp, availabilityResponse{JobID: j.ID, Available: available})
}

// loadLocked counts running plus reserved jobs, expiring reservations whose
// assignment never arrived. Caller holds w.mu.
func (w *Worker) loadLocked(now time.Time) int {
	for id, t := range w.pending {
		if now.Sub(t) > job.AssignmentTimeout {
			delete(w.pending, id)
		}
	}
	return len(w.jobs) + len(w.pending)
}

func (w *Worker) handleAssignment(p assignmentPayload) {
	j := p.Job

	w.mu.Lock()
	delete(w.pending, j.ID)
	_, dup := w.jobs[j.ID]
	draining := w.draining
	w.mu.Unlock()

	if dup {
		w.log.Warn("duplicate assignment", slog.String("job_id", j.ID))
		return
	}
	if draining {
		w.reportStatus(j.ID, statusFailed, "worker is draining")
		return
	}

	rj := job.RunningJob{Job: j, URL: p.URL, Token: p.Token}
	if rj.URL == "" {
		rj.URL = w.opts.URL
	}
	if rj.Token == "" {
		token, err := w.jobToken(j)
		if err != nil {
			w.log.Error("minting job token failed",
				slog.String("job_id", j.ID), slog.String("error", err.Error()))
			w.reportStatus(j.ID, statusFailed, err.Error())
			return
		}
		rj.Token = token
	}

	aj, watch, err := w.launchJob(rj)
	if err != nil {
		w.log.Error("launching job failed",
			slog.String("job_id", j.ID), slog.String("error", err.Error()))
		w.metrics.jobsTotal.WithLabelValues(statusFailed).Inc()
		w.reportStatus(j.ID, statusFailed, err.Error())
		return
	}

	// The job is registered and reported before its watcher starts so a
	// job that finishes instantly cannot report completion first.
	w.mu.Lock()
	w.jobs[j.ID] = aj
	w.mu.Unlock()

	w.metrics.activeJobs.Inc()
	w.log.Info("job started",
		slog.String("job_id", j.ID),
		slog.String("room", j.RoomName),
		slog.String("executor", string(w.opts.Executor)))
	w.reportStatus(j.ID, statusRunning, "")
	go watch()
}

func (w *Worker) handleTermination(jobID string) {
	w.mu.RLock()
	aj := w.jobs[jobID]
	w.mu.RUnlock()

	if aj == nil {
		w.log.Warn("termination for unknown job", slog.String("job_id", jobID))
		return
	}
	w.log.Info("terminating job", slog.String("job_id", jobID))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), terminationGrace)
		defer cancel()
		aj.stop(ctx, "terminated by server")
	}()
}

// jobToken mints room credentials for an assignment the server dispatched
// without a token.
func (w *Worker) jobToken(j job.Job) (string, error) {
	at := auth.NewAccessToken(w.opts.APIKey, w.opts.APISecret)
	at.AddGrant(&auth.VideoGrant{RoomJoin: true, Room: j.RoomName}).
		SetIdentity("agent-" + j.ID).
		SetValidFor(jobTokenTTL)
	return at.ToJWT()
}

func (w *Worker) launchJob(rj job.RunningJob) (*activeJob, func(), error) {
	if w.opts.Executor == ExecutorGoroutine {
		return w.launchGoroutineJob(rj)
	}
	return w.launchProcessJob(rj)
}

// launchProcessJob spawns a job child and hands it the assignment. StartProc
// blocks through the child's prewarm, so a corrupt model surfaces here, not
// mid-call.
func (w *Worker) launchProcessJob(rj job.RunningJob) (*activeJob, func(), error) {
	proc, err := ipc.StartProc(w.runCtx, ipc.ProcOptions{
		Inference: w.runInference,
		LoggerOptions: ipc.LoggerOptions{
			Level: w.opts.LogLevel,
			JSON:  w.opts.LogJSON,
		},
		Logger: w.log.With(slog.String("job_id", rj.Job.ID)),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("start job process: %w", err)
	}
	if err := proc.StartJob(rj); err != nil {
		proc.Kill()
		return nil, nil, fmt.Errorf("dispatch to job process: %w", err)
	}

	aj := &activeJob{
		id:   rj.Job.ID,
		done: make(chan struct{}),
		stop: func(ctx context.Context, reason string) {
			if err := proc.Shutdown(ctx, reason); err != nil {
				w.log.Warn("job process shutdown",
					slog.String("job_id", rj.Job.ID), slog.String("error", err.Error()))
			}
		},
	}
	return aj, func() { w.watchProcessJob(aj, proc) }, nil
}

// watchProcessJob waits for the child to report done and exit. The process
// exit code decides success: a failed entry makes the child exit non-zero.
func (w *Worker) watchProcessJob(aj *activeJob, proc *ipc.Proc) {
	start := time.Now()

	select {
	case <-proc.Done():
		select {
		case <-proc.Exited():
		case <-time.After(procExitGrace):
			w.log.Warn("job process lingered after done, killing", slog.String("job_id", aj.id))
			proc.Kill()
			<-proc.Exited()
		}
	case <-proc.Exited():
	}

	w.finishJob(aj, start, proc.Wait())
}

// launchGoroutineJob runs the job inside the worker process. All goroutine
// jobs share one lazily prewarmed Process.
func (w *Worker) launchGoroutineJob(rj job.RunningJob) (*activeJob, func(), error) {
	if err := w.prewarmLocal(); err != nil {
		return nil, nil, fmt.Errorf("prewarm: %w", err)
	}

	jc := job.NewContext(w.runCtx, rj, w.localProc, w.log)
	jc.SetInferenceExecutor(localExecutor{w})

	aj := &activeJob{
		id:   rj.Job.ID,
		done: make(chan struct{}),
		stop: func(_ context.Context, reason string) { jc.Shutdown(reason) },
	}
	return aj, func() { w.watchGoroutineJob(aj, jc) }, nil
}

func (w *Worker) watchGoroutineJob(aj *activeJob, jc *job.JobContext) {
	start := time.Now()

	err := runEntry(jc, w.opts.EntryFunc)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	jc.Shutdown("job entry returned")
	w.finishJob(aj, start, err)
}

func runEntry(jc *job.JobContext, entry job.EntryFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job entry panicked: %v", r)
		}
	}()
	return entry(jc)
}

func (w *Worker) prewarmLocal() error {
	w.prewarmOnce.Do(func() {
		w.localProc = job.NewProcess()
		if w.opts.PrewarmFunc != nil {
			w.prewarmErr = w.opts.PrewarmFunc(w.localProc)
		}
	})
	return w.prewarmErr
}

// finishJob records one job's outcome and releases its slot.
func (w *Worker) finishJob(aj *activeJob, start time.Time, err error) {
	w.mu.Lock()
	delete(w.jobs, aj.id)
	w.mu.Unlock()

	w.metrics.activeJobs.Dec()
	w.metrics.jobDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		w.metrics.jobsTotal.WithLabelValues(statusFailed).Inc()
		w.log.Error("job failed", slog.String("job_id", aj.id), slog.String("error", err.Error()))
		w.reportStatus(aj.id, statusFailed, err.Error())
	} else {
		w.metrics.jobsTotal.WithLabelValues(statusSuccess).Inc()
		w.log.Info("job finished", slog.String("job_id", aj.id))
		w.reportStatus(aj.id, statusSuccess, "")
	}
	close(aj.done)
}

func (w *Worker) reportStatus(jobID, status, errMsg string) {
	w.send(signalStatus, statusPayload{JobID: jobID, Status: status, Error: errMsg})
}

// send queues a signal for the writer. Signals queued while disconnected go
// out after the next reconnect; a full queue drops the signal.
func (w *Worker) send(sigType string, payload any) {
	sig, err := encodeSignal(sigType, payload)
	if err != nil {
		w.log.Error("encoding signal failed",
			slog.String("type", sigType), slog.String("error", err.Error()))
		return
	}
	select {
	case w.out <- sig:
	default:
		w.log.Warn("dropping signal, send queue full", slog.String("type", sigType))
	}
}

// runInference answers inference requests from job processes against the
// worker's local models. The default end-of-utterance detector loads on
// first use.
func (w *Worker) runInference(ctx context.Context, method string, data []byte) ([]byte, error) {
	det, err := w.turnDetector()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		w.metrics.inferenceDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	out, ok, err := turn.HandleInference(ctx, det, method, data)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("unknown inference method %q", method)
	}
	return out, nil
}

func (w *Worker) turnDetector() (turn.Detector, error) {
	if w.opts.TurnDetector != nil {
		return w.opts.TurnDetector, nil
	}
	w.detectorOnce.Do(func() {
		w.log.Info("loading default turn detector")
		w.detector, w.detectorErr = turn.NewDefaultDetector()
	})
	return w.detector, w.detectorErr
}

// localExecutor serves goroutine-executor jobs the same inference interface
// job processes get over IPC.
type localExecutor struct{ w *Worker }

func (e localExecutor) ExecuteInference(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return e.w.runInference(ctx, method, payload)
}

// drain stops accepting work and shuts running jobs down, bounded by
// DrainTimeout.
func (w *Worker) drain() {
	w.mu.Lock()
	w.draining = true
	jobs := make([]*activeJob, 0, len(w.jobs))
	for _, aj := range w.jobs {
		jobs = append(jobs, aj)
	}
	w.mu.Unlock()

	if len(jobs) == 0 {
		return
	}

	w.log.Info("draining running jobs", slog.Int("count", len(jobs)))
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.DrainTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, aj := range jobs {
		wg.Add(1)
		go func(aj *activeJob) {
			defer wg.Done()
			aj.stop(ctx, "worker shutting down")
			select {
			case <-aj.done:
			case <-ctx.Done():
				w.log.Warn("job did not stop before drain deadline", slog.String("job_id", aj.id))
			}
		}(aj)
	}
	wg.Wait()
}

func (w *Worker) backoffDelay(ctx context.Context) error {
	w.mu.Lock()
	w.backoffAttempt++
	attempt := w.backoffAttempt
	w.mu.Unlock()

	delay := backoffFor(attempt)
	w.log.Info("reconnecting",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoffFor doubles from one second per attempt, capped at ten.
func backoffFor(attempt int) time.Duration {
	return time.Duration(math.Min(math.Pow(2, float64(attempt-1)), 10)) * time.Second
}

func (w *Worker) setConnected(connected bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if connected && !w.connected {
		w.backoffAttempt = 0
		w.conns++
		if w.conns > 1 {
			w.metrics.reconnectsTotal.Inc()
		}
	}
	w.connected = connected
}

// IsConnected reports whether the registration connection is up.
func (w *Worker) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// WorkerID returns the server-assigned id, empty before registration.
func (w *Worker) WorkerID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.workerID
}

// ActiveJobs reports how many jobs are currently running.
func (w *Worker) ActiveJobs() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.jobs)
}

func (w *Worker) healthStatus() healthStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s := healthStatus{
		Connected:  w.connected,
		ActiveJobs: len(w.jobs),
		Draining:   w.draining,
	}
	if s.Connected {
		s.Status = "ok"
	} else {
		s.Status = "disconnected"
	}
	return s
}
