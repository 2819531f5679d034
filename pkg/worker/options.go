package worker

import (
	"errors"
	"log/slog"
	"runtime"
	"time"

	"github.com/spf13/viper"

	"github.com/chriscow/agents-go/pkg/job"
	"github.com/chriscow/agents-go/pkg/turn"
)

// ExecutorType selects where jobs run.
type ExecutorType string

const (
	// ExecutorProcess runs each job in its own spawned process, the
	// production default.
	ExecutorProcess ExecutorType = "process"

	// ExecutorGoroutine runs jobs inside the worker process. Faster to
	// iterate on, no crash isolation.
	ExecutorGoroutine ExecutorType = "goroutine"
)

// Options configure a worker. Zero fields fall back to DefaultOptions
// values, then to environment variables via LoadEnv.
type Options struct {
	// EntryFunc runs one job. Required.
	EntryFunc job.EntryFunc

	// PrewarmFunc prepares a job process before it accepts work.
	PrewarmFunc job.PrewarmFunc

	// AgentName identifies this worker pool to the server. Jobs dispatched
	// by agent name only reach workers registered under it.
	AgentName string

	// URL, APIKey and APISecret authenticate against the server. Read from
	// LIVEKIT_URL / LIVEKIT_API_KEY / LIVEKIT_API_SECRET when empty.
	URL       string
	APIKey    string
	APISecret string

	// Host and Port bind the health and metrics listener.
	Host string
	Port int

	// MaxJobs caps concurrently running jobs. Availability requests beyond
	// the cap are declined.
	MaxJobs int

	// Executor defaults to ExecutorProcess.
	Executor ExecutorType

	// TurnDetector answers end-of-utterance inference for job processes.
	// Left nil, the worker builds the default local detector the first
	// time a job asks.
	TurnDetector turn.Detector

	// DrainTimeout bounds how long shutdown waits for running jobs.
	DrainTimeout time.Duration

	// LogLevel and LogJSON shape both the worker's handler and the one job
	// processes build from the initialize message.
	LogLevel string
	LogJSON  bool

	Logger *slog.Logger
}

// DefaultOptions returns the worker defaults: process executor, one job per
// CPU, health listener on localhost:8081.
func DefaultOptions() Options {
	return Options{
		AgentName:    "agent",
		Host:         "localhost",
		Port:         8081,
		MaxJobs:      runtime.NumCPU(),
		Executor:     ExecutorProcess,
		DrainTimeout: 30 * time.Second,
		LogLevel:     "info",
	}
}

// LoadEnv fills empty connection fields from the environment.
func (o *Options) LoadEnv() {
	v := viper.New()
	_ = v.BindEnv("url", "LIVEKIT_URL")
	_ = v.BindEnv("api-key", "LIVEKIT_API_KEY")
	_ = v.BindEnv("api-secret", "LIVEKIT_API_SECRET")
	if o.URL == "" {
		o.URL = v.GetString("url")
	}
	if o.APIKey == "" {
		o.APIKey = v.GetString("api-key")
	}
	if o.APISecret == "" {
		o.APISecret = v.GetString("api-secret")
	}
}

// withDefaults overlays zero fields with DefaultOptions values.
func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.AgentName == "" {
		o.AgentName = def.AgentName
	}
	if o.Host == "" {
		o.Host = def.Host
	}
	if o.Port == 0 {
		o.Port = def.Port
	}
	if o.MaxJobs <= 0 {
		o.MaxJobs = def.MaxJobs
	}
	if o.Executor == "" {
		o.Executor = def.Executor
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = def.DrainTimeout
	}
	if o.LogLevel == "" {
		o.LogLevel = def.LogLevel
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) validate() error {
	if o.EntryFunc == nil {
		return errors.New("worker: options need an EntryFunc")
	}
	if o.URL == "" {
		return errors.New("worker: no server URL (set LIVEKIT_URL)")
	}
	if o.APIKey == "" || o.APISecret == "" {
		return errors.New("worker: missing API credentials (set LIVEKIT_API_KEY and LIVEKIT_API_SECRET)")
	}
	return nil
}
