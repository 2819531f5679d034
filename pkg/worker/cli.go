package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/chriscow/agents-go/pkg/ipc"
	"github.com/chriscow/agents-go/pkg/plugin"
	"github.com/chriscow/agents-go/pkg/turn"
	"github.com/chriscow/agents-go/pkg/version"
)

// RunApp is the program entry point for an agent binary. When the binary
// was spawned as a job child it runs the job runner; otherwise it runs the
// CLI with dev, start and download-files commands.
func RunApp(opts Options) error {
	if ipc.IsChild() {
		return runChild(opts)
	}

	root := &cobra.Command{
		Use:           "agent",
		Short:         "LiveKit voice agent worker",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newDevCommand(opts))
	root.AddCommand(newStartCommand(opts))
	root.AddCommand(newDownloadFilesCommand(opts))
	return root.Execute()
}

// runChild serves one job inside a process spawned by a worker. Logging is
// configured from the worker's initialize message, not from flags.
func runChild(opts Options) error {
	return ipc.RunChild(context.Background(), ipc.ChildOptions{
		Prewarm: opts.PrewarmFunc,
		Entry:   opts.EntryFunc,
	})
}

func newDevCommand(opts Options) *cobra.Command {
	if opts.Executor == "" {
		opts.Executor = ExecutorGoroutine
	}
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run the worker in development mode with hot reload",
		Long:  "Run the worker with debug logging and automatic restarts when source files change.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("log-level") {
				opts.LogLevel = "debug"
			}
			opts.LogJSON = false
			return runDev(opts)
		},
	}
	bindWorkerFlags(cmd, &opts)
	return cmd
}

func newStartCommand(opts Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the worker in production mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(opts)
		},
	}
	bindWorkerFlags(cmd, &opts)
	return cmd
}

func newDownloadFilesCommand(opts Options) *cobra.Command {
	var modelPath string
	cmd := &cobra.Command{
		Use:   "download-files",
		Short: "Download model files used by registered plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogger(opts.LogLevel, opts.LogJSON)
			return runDownloadFiles(cmd.Context(), modelPath)
		},
	}
	cmd.Flags().StringVar(&modelPath, "model-path", "",
		"model cache directory (defaults to the HuggingFace hub cache)")
	return cmd
}

// bindWorkerFlags fills opts from the environment, then exposes the
// connection and tuning fields as flags so the command line wins over env.
func bindWorkerFlags(cmd *cobra.Command, opts *Options) {
	opts.LoadEnv()
	*opts = opts.withDefaults()

	cmd.Flags().StringVar(&opts.URL, "url", opts.URL, "LiveKit server URL")
	cmd.Flags().StringVar(&opts.APIKey, "api-key", opts.APIKey, "LiveKit API key")
	cmd.Flags().StringVar(&opts.APISecret, "api-secret", opts.APISecret, "LiveKit API secret")
	cmd.Flags().StringVar(&opts.Host, "host", opts.Host, "status listener host")
	cmd.Flags().IntVar(&opts.Port, "port", opts.Port, "status listener port")
	cmd.Flags().IntVar(&opts.MaxJobs, "max-jobs", opts.MaxJobs, "maximum concurrent jobs")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&opts.LogJSON, "log-json", opts.LogJSON, "log as JSON")
}

func runStart(opts Options) error {
	opts.Logger = setupLogger(opts.LogLevel, opts.LogJSON)

	w, err := New(opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", slog.String("signal", sig.String()))
		cancel()
		return <-done
	case err := <-done:
		return err
	}
}

// runDev runs the worker and restarts it whenever a Go source file under
// the working directory changes, or two seconds after a crash.
func runDev(opts Options) error {
	opts.Logger = setupLogger(opts.LogLevel, opts.LogJSON)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watchSourceDirs(watcher, "."); err != nil {
		return fmt.Errorf("watch source tree: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel() }()

	done := make(chan error, 1)
	start := func(ctx context.Context) {
		w, err := New(opts)
		if err != nil {
			done <- err
			return
		}
		done <- w.Run(ctx)
	}
	go start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case event := <-watcher.Events:
			if event.Op&fsnotify.Write != fsnotify.Write || !strings.HasSuffix(event.Name, ".go") {
				continue
			}
			slog.Info("file changed, restarting worker", slog.String("file", event.Name))
			cancel()
			if err := <-done; err != nil {
				slog.Warn("worker stopped", slog.String("error", err.Error()))
			}
			ctx, cancel = context.WithCancel(context.Background())
			go start(ctx)

		case err := <-watcher.Errors:
			slog.Warn("file watcher error", slog.String("error", err.Error()))

		case sig := <-sigCh:
			slog.Info("shutting down", slog.String("signal", sig.String()))
			cancel()
			return <-done

		case err := <-done:
			if err == nil {
				return nil
			}
			slog.Error("worker exited, restarting", slog.String("error", err.Error()))
			time.Sleep(2 * time.Second)
			go start(ctx)
		}
	}
}

// watchSourceDirs registers root and its subdirectories with the watcher,
// skipping hidden directories.
func watchSourceDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(info.Name(), ".") {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// runDownloadFiles fetches the end-of-utterance models plus the files of
// every registered plugin that has a downloader.
func runDownloadFiles(ctx context.Context, modelPath string) error {
	if err := turn.NewDownloader(modelPath).DownloadAll(ctx); err != nil {
		return fmt.Errorf("turn detector models: %w", err)
	}

	for _, p := range plugin.List("") {
		if p.Downloader == nil {
			continue
		}
		slog.Info("downloading plugin files", slog.String("plugin", p.Kind+"/"+p.Name))
		if err := p.Downloader.DownloadFiles(ctx); err != nil {
			return fmt.Errorf("plugin %s/%s: %w", p.Kind, p.Name, err)
		}
	}
	return nil
}

// setupLogger installs the process-wide default logger. Job children build
// theirs from the worker's initialize message instead.
func setupLogger(level string, json bool) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var h slog.Handler
	if json {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}

	log := slog.New(h)
	slog.SetDefault(log)
	return log
}
