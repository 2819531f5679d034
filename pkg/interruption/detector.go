package interruption

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chriscow/agents-go/pkg/ai"
	"github.com/chriscow/agents-go/pkg/cache"
	"github.com/chriscow/agents-go/pkg/rtc"
)

// maxCacheEntries bounds how many window results are kept per overlap.
const maxCacheEntries = 10

// Transport delivers one window of raw PCM16 mono audio to the remote
// classifier and returns its prediction. Implementations: HTTPTransport
// (one request per window), WSTransport (persistent session), and
// fake.FakeTransport for tests.
type Transport interface {
	Detect(ctx context.Context, pcm []byte) (*Prediction, error)
	Close() error
}

// OptionUpdater is implemented by transports that need to know when
// detection options change. The WebSocket transport reconnects so the
// server sees the new threshold and window size.
type OptionUpdater interface {
	UpdateOptions(Options)
}

type inputKind int

const (
	inputFrame inputKind = iota
	inputAgentSpeechStarted
	inputAgentSpeechEnded
	inputOverlapStarted
	inputOverlapEnded
	inputFlush
	inputOptions
)

type input struct {
	kind            inputKind
	frame           rtc.AudioFrame
	speechDuration  time.Duration
	startedAt       time.Time
	threshold       float64
	minInterruption time.Duration
}

// detectResult carries one transport response back into the run loop.
type detectResult struct {
	id    string
	gen   uint64
	delay time.Duration
	pcm   []byte
	pred  *Prediction
	err   error
}

type detectorState int

const (
	stateIdle detectorState = iota
	stateOverlap
	stateCompleted
)

// Detector classifies user speech that overlaps agent playback. Feed it
// the agent's speech lifecycle (AgentSpeechStarted/Ended), the user's
// overlap boundaries (OverlapSpeechStarted/Ended) and the user audio
// frames; it streams audio windows to the transport and emits an
// interruption event as soon as the rolled-up probability crosses the
// threshold. Events must be drained from Events.
type Detector struct {
	transport Transport

	in      chan input
	results chan detectResult
	events  chan Event

	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	inflight  sync.WaitGroup

	// owned by the run goroutine after start
	opts Options
}

// NewDetector starts the detector loop. opts zero fields are filled from
// DefaultOptions.
func NewDetector(transport Transport, opts Options) *Detector {
	d := &Detector{
		transport: transport,
		in:        make(chan input, 64),
		results:   make(chan detectResult, 8),
		events:    make(chan Event, 16),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		opts:      opts.WithDefaults(),
	}
	if u, ok := transport.(OptionUpdater); ok {
		u.UpdateOptions(d.opts)
	}
	go d.run()
	return d
}

// Events streams interruption and overlap rollup events. The channel is
// closed when the detector closes.
func (d *Detector) Events() <-chan Event {
	return d.events
}

// AgentSpeechStarted marks the start of agent playback. Audio buffering
// begins and any state from the previous utterance is discarded.
func (d *Detector) AgentSpeechStarted() {
	d.enqueue(input{kind: inputAgentSpeechStarted})
}

// AgentSpeechEnded marks the end of agent playback. Buffering stops.
func (d *Detector) AgentSpeechEnded() {
	d.enqueue(input{kind: inputAgentSpeechEnded})
}

// OverlapSpeechStarted marks user speech beginning while the agent is
// still talking. speechDuration is how much of that speech has already
// elapsed (the VAD reports it late); that much audio plus the configured
// prefix is replayed from the ring buffer as classifier context.
// startedAt may be zero if unknown.
func (d *Detector) OverlapSpeechStarted(speechDuration time.Duration, startedAt time.Time) {
	d.enqueue(input{kind: inputOverlapStarted, speechDuration: speechDuration, startedAt: startedAt})
}

// OverlapSpeechEnded marks the end of overlapping user speech and emits
// an overlap_speech_ended rollup event built from the most recent
// completed window result.
func (d *Detector) OverlapSpeechEnded() {
	d.enqueue(input{kind: inputOverlapEnded})
}

// Flush sends whatever audio has accumulated since the overlap started
// without waiting for a full detection interval.
func (d *Detector) Flush() {
	d.enqueue(input{kind: inputFlush})
}

// PushFrame appends user audio. Frames are mono-averaged and resampled
// to the detector sample rate before entering the ring buffer.
func (d *Detector) PushFrame(frame rtc.AudioFrame) {
	d.enqueue(input{kind: inputFrame, frame: frame})
}

// UpdateOptions changes the decision threshold and the minimum sustained
// interruption duration at runtime. The transport is notified so a
// session-based transport can renegotiate.
func (d *Detector) UpdateOptions(threshold float64, minInterruption time.Duration) {
	d.enqueue(input{kind: inputOptions, threshold: threshold, minInterruption: minInterruption})
}

// Close stops the loop, waits for in-flight requests and closes the
// transport.
func (d *Detector) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		<-d.loopDone
		d.inflight.Wait()
		err = d.transport.Close()
	})
	return err
}

func (d *Detector) enqueue(in input) {
	select {
	case d.in <- in:
	case <-d.done:
	}
}

func (d *Detector) run() {
	defer func() {
		close(d.events)
		close(d.loopDone)
	}()

	var (
		ring      = newAudioRing(d.samples(d.opts.MaxAudioDuration))
		resultsBy = cache.NewBounded[string, CacheEntry](maxCacheEntries)
		state     = stateIdle
		buffering bool
		gen       uint64

		samplesSinceSend int
		overlapStart     time.Time
		resampler        *rtc.Resampler
		resamplerRate    int
	)

	emit := func(ev Event) {
		select {
		case d.events <- ev:
		case <-d.done:
		}
	}

	sendWindow := func() {
		if ring.sinceStart() == 0 {
			return
		}
		pcm := rtc.FrameFromInt16(ring.prefix(), d.opts.SampleRate, 1).Data
		id := uuid.NewString()
		resultsBy.Set(id, CacheEntry{CreatedAt: time.Now()})
		d.dispatch(id, gen, pcm)
		samplesSinceSend = 0
	}

	for {
		select {
		case <-d.done:
			return

		case in := <-d.in:
			switch in.kind {
			case inputAgentSpeechStarted:
				buffering = true
				state = stateIdle
				gen++
				ring.reset()
				resultsBy = cache.NewBounded[string, CacheEntry](maxCacheEntries)
				samplesSinceSend = 0
				overlapStart = time.Time{}

			case inputAgentSpeechEnded:
				buffering = false
				if state == stateOverlap {
					state = stateIdle
				}

			case inputOverlapStarted:
				if !buffering || state == stateCompleted {
					continue
				}
				keep := d.samples(in.speechDuration) + d.samples(d.opts.AudioPrefixDuration)
				ring.markStart(keep)
				state = stateOverlap
				overlapStart = in.startedAt
				samplesSinceSend = 0

			case inputOverlapEnded:
				_, entry, ok := resultsBy.PopMatch(func(_ string, e CacheEntry) bool {
					return e.TotalDuration > 0
				})
				ev := Event{
					Type:                   EventOverlapSpeechEnded,
					Timestamp:              time.Now(),
					OverlapSpeechStartedAt: overlapStart,
				}
				if ok {
					ev.IsInterruption = entry.IsInterruption
					ev.Probability = entry.Probability
					ev.Probabilities = entry.Probabilities
					ev.TotalDuration = entry.TotalDuration
					ev.PredictionDuration = entry.PredictionDuration
					ev.DetectionDelay = entry.DetectionDelay
					ev.SpeechInput = entry.SpeechInput
				}
				emit(ev)
				if state == stateOverlap {
					state = stateIdle
				}
				overlapStart = time.Time{}

			case inputFlush:
				if state == stateOverlap {
					sendWindow()
				}

			case inputOptions:
				if in.threshold > 0 {
					d.opts.Threshold = in.threshold
				}
				if in.minInterruption > 0 {
					d.opts.MinInterruptionDuration = in.minInterruption
				}
				if u, ok := d.transport.(OptionUpdater); ok {
					u.UpdateOptions(d.opts)
				}

			case inputFrame:
				if !buffering {
					continue
				}
				frame := rtc.ToMono(in.frame)
				if frame.SampleRate != d.opts.SampleRate {
					if resampler == nil || resamplerRate != frame.SampleRate {
						var err error
						resampler, err = rtc.NewResampler(frame.SampleRate, d.opts.SampleRate, 1)
						if err != nil {
							slog.Warn("interruption: cannot resample input", "rate", frame.SampleRate, "error", err)
							continue
						}
						resamplerRate = frame.SampleRate
					}
					var err error
					frame, err = resampler.Push(frame)
					if err != nil {
						slog.Warn("interruption: resample failed", "error", err)
						continue
					}
					if len(frame.Data) == 0 {
						continue
					}
				}
				samples := frame.Int16()
				ring.push(samples)
				if state == stateOverlap {
					samplesSinceSend += len(samples)
					if samplesSinceSend >= d.samples(d.opts.DetectionInterval) {
						sendWindow()
					}
				}
			}

		case res := <-d.results:
			if res.gen != gen {
				continue
			}
			if res.err != nil {
				slog.Warn("interruption detection failed", "error", res.err)
				resultsBy.Delete(res.id)
				continue
			}
			entry := CacheEntry{
				CreatedAt:          time.Now(),
				TotalDuration:      secondsToDuration(res.pred.TotalDurationInS),
				PredictionDuration: secondsToDuration(res.pred.PredictionDurationInS),
				DetectionDelay:     res.delay,
				Probabilities:      res.pred.Probabilities,
				Probability:        SlidingWindowMinMax(res.pred.Probabilities, WindowFrames(d.opts.MinInterruptionDuration)),
			}
			if d.opts.CaptureSpeechInput {
				entry.SpeechInput = res.pcm
			}
			if state == stateOverlap && entry.Probability > d.opts.Threshold {
				entry.IsInterruption = true
				state = stateCompleted
				emit(Event{
					Type:                   EventInterruption,
					Timestamp:              time.Now(),
					IsInterruption:         true,
					Probability:            entry.Probability,
					Probabilities:          entry.Probabilities,
					TotalDuration:          entry.TotalDuration,
					PredictionDuration:     entry.PredictionDuration,
					DetectionDelay:         entry.DetectionDelay,
					OverlapSpeechStartedAt: overlapStart,
					SpeechInput:            entry.SpeechInput,
				})
			}
			resultsBy.Set(res.id, entry)
		}
	}
}

// dispatch runs the transport call off the loop goroutine so audio keeps
// flowing while a window is in flight.
func (d *Detector) dispatch(id string, gen uint64, pcm []byte) {
	conn := d.opts.Conn.WithDefaults()
	retryCfg := ai.RetryConfig{
		MaxRetries:    conn.MaxRetry,
		InitialDelay:  conn.RetryInterval,
		MaxDelay:      conn.RetryInterval * 4,
		BackoffFactor: 2.0,
	}
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		sentAt := time.Now()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-d.done:
				cancel()
			case <-ctx.Done():
			}
		}()

		var pred *Prediction
		err := ai.Retry(ctx, retryCfg, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, conn.Timeout)
			defer cancel()
			var detectErr error
			pred, detectErr = d.transport.Detect(callCtx, pcm)
			return detectErr
		})

		res := detectResult{id: id, gen: gen, delay: time.Since(sentAt), pcm: pcm, pred: pred, err: err}
		select {
		case d.results <- res:
		case <-d.done:
		}
	}()
}

func (d *Detector) samples(dur time.Duration) int {
	return int(math.Round(dur.Seconds() * float64(d.opts.SampleRate)))
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
