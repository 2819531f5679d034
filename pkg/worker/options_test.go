package worker

import (
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/chriscow/agents-go/pkg/job"
)

func TestDefaultOptions(t *testing.T) {
	is := is.New(t)
	def := DefaultOptions()

	is.Equal(def.AgentName, "agent")
	is.Equal(def.Host, "localhost")
	is.Equal(def.Port, 8081)
	is.Equal(def.MaxJobs, runtime.NumCPU())
	is.Equal(def.Executor, ExecutorProcess)
	is.Equal(def.DrainTimeout, 30*time.Second)
	is.Equal(def.LogLevel, "info")
}

func TestLoadEnvFillsEmptyFields(t *testing.T) {
	is := is.New(t)
	t.Setenv("LIVEKIT_URL", "wss://env.example")
	t.Setenv("LIVEKIT_API_KEY", "env-key")
	t.Setenv("LIVEKIT_API_SECRET", "env-secret")

	var o Options
	o.LoadEnv()
	is.Equal(o.URL, "wss://env.example")
	is.Equal(o.APIKey, "env-key")
	is.Equal(o.APISecret, "env-secret")
}

func TestLoadEnvKeepsExplicitValues(t *testing.T) {
	is := is.New(t)
	t.Setenv("LIVEKIT_URL", "wss://env.example")
	t.Setenv("LIVEKIT_API_KEY", "env-key")

	o := Options{URL: "wss://explicit.example"}
	o.LoadEnv()
	is.Equal(o.URL, "wss://explicit.example") // code wins over env
	is.Equal(o.APIKey, "env-key")             // empty fields still fill
}

func TestValidate(t *testing.T) {
	entry := func(jc *job.JobContext) error { return nil }

	tests := []struct {
		name string
		opts Options
		want string
	}{
		{
			name: "missing entry",
			opts: Options{URL: "wss://x", APIKey: "k", APISecret: "s"},
			want: "EntryFunc",
		},
		{
			name: "missing url",
			opts: Options{EntryFunc: entry, APIKey: "k", APISecret: "s"},
			want: "LIVEKIT_URL",
		},
		{
			name: "missing credentials",
			opts: Options{EntryFunc: entry, URL: "wss://x"},
			want: "LIVEKIT_API_KEY",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q should mention %s", err, tt.want)
			}
		})
	}

	ok := Options{EntryFunc: entry, URL: "wss://x", APIKey: "k", APISecret: "s"}
	if err := ok.validate(); err != nil {
		t.Fatalf("complete options should validate: %v", err)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	is := is.New(t)

	w, err := New(Options{
		EntryFunc: func(jc *job.JobContext) error { return nil },
		URL:       "wss://example.test",
		APIKey:    "devkey",
		APISecret: "0123456789abcdef0123456789abcdef",
		Logger:    discardLogger(),
	})
	is.NoErr(err)

	is.Equal(w.opts.Executor, ExecutorProcess)
	is.Equal(w.opts.Port, 8081)
	is.True(w.opts.MaxJobs > 0)
	is.True(w.opts.DrainTimeout > 0)
}

func TestNewRejectsIncompleteOptions(t *testing.T) {
	_, err := New(Options{URL: "wss://example.test"})
	if err == nil {
		t.Fatal("expected an error without an entry function")
	}
}
