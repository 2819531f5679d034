// The agents-go command is the framework's management tool. It inspects
// plugin registrations, fetches the model files agents depend on, scores
// chat history against the end-of-utterance model and probes running
// workers. Agent binaries carry their own worker CLI (dev, start,
// download-files) through worker.RunApp; nothing here needs an agent
// entrypoint.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chriscow/agents-go/pkg/ai/llm"
	"github.com/chriscow/agents-go/pkg/plugin"
	"github.com/chriscow/agents-go/pkg/turn"
	"github.com/chriscow/agents-go/pkg/version"

	// Built-in providers register themselves with the plugin registry.
	_ "github.com/chriscow/agents-go/plugins/deepgram"
	_ "github.com/chriscow/agents-go/plugins/elevenlabs"
	_ "github.com/chriscow/agents-go/plugins/openai"
	_ "github.com/chriscow/agents-go/plugins/silero"
)

var rootCmd = &cobra.Command{
	Use:   "agents-go",
	Short: "Management tool for agents-go voice agents",
	Long: `agents-go manages the pieces shared by every agent deployment: the plugin
registry, downloadable model files, the end-of-utterance model and the
worker status endpoint.

Agent binaries get their own worker commands (dev, start, download-files)
from worker.RunApp; this tool covers everything that does not need an
agent entrypoint.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogger(cmd)

		// Out-of-tree providers are optional. Without the plugindyn build
		// tag this fails immediately and the built-in registry stands alone.
		dir, _ := cmd.Flags().GetString("plugin-dir")
		if err := plugin.LoadDynamicPlugins(dir); err != nil {
			slog.Debug("dynamic plugins not loaded", slog.String("reason", err.Error()))
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Plugin registry commands",
}

var pluginListCmd = &cobra.Command{
	Use:   "list [kind]",
	Short: "List registered plugins",
	Long: `List all registered plugins, or only those of one kind.
Available kinds: stt, tts, llm, vad`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := ""
		if len(args) > 0 {
			kind = args[0]
		}
		return runPluginList(cmd.OutOrStdout(), kind)
	},
}

var pluginDownloadCmd = &cobra.Command{
	Use:   "download-files",
	Short: "Download model files for all registered plugins",
	Long: `Fetch the end-of-utterance models plus the files of every registered
plugin that has a downloader. Files already present are skipped, so the
command is safe to run on every deploy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		modelPath, _ := cmd.Flags().GetString("model-path")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return runDownloadFiles(ctx, cmd.OutOrStdout(), modelPath)
	},
}

var turnCmd = &cobra.Command{
	Use:   "turn",
	Short: "End-of-utterance model commands",
}

var turnDownloadCmd = &cobra.Command{
	Use:   "download-models",
	Short: "Download the end-of-utterance models",
	Long: `Download the English and multilingual end-of-utterance models into the
HuggingFace hub cache layout under $LK_MODEL_PATH (default
~/.cache/huggingface/hub).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		modelPath, _ := cmd.Flags().GetString("model-path")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := turn.NewDownloader(modelPath).DownloadAll(ctx); err != nil {
			return fmt.Errorf("download models: %w", err)
		}
		slog.Info("end-of-utterance models ready")
		return nil
	},
}

var turnPredictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Score chat history JSON for end-of-turn probability",
	Long: `Read chat history JSON from stdin and print the probability that the
user has finished their turn.

Input:  {"messages": [{"role": "user", "content": "Hello"}], "language": "en-US"}
Output: {"eou_probability": 0.85}

With --threshold the output also carries the boolean decision.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		modelPath, _ := cmd.Flags().GetString("model-path")
		remoteURL, _ := cmd.Flags().GetString("remote-url")
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		language, _ := cmd.Flags().GetString("language")

		detector, err := turn.NewDetector(turn.DetectorConfig{
			Model:     model,
			ModelPath: modelPath,
			RemoteURL: remoteURL,
		})
		if err != nil {
			return fmt.Errorf("create detector: %w", err)
		}

		return runTurnPredict(cmd.InOrStdin(), cmd.OutOrStdout(), detector, threshold, language)
	},
}

var turnServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve end-of-utterance inference over HTTP",
	Long: `Run an HTTP inference server hosting the end-of-utterance model.
Predictions are served on /predict, threshold lookups on /threshold.

Workers pointed at it with LIVEKIT_REMOTE_EOT_URL (for example
http://host:8089/predict) skip loading the model themselves and fall back
to local inference when the server is unreachable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		model, _ := cmd.Flags().GetString("model")
		modelPath, _ := cmd.Flags().GetString("model-path")

		detector, err := turn.NewDetector(turn.DetectorConfig{
			Model:     model,
			ModelPath: modelPath,
		})
		if err != nil {
			return fmt.Errorf("create detector: %w", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return serveInference(ctx, addr, detector)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Worker status commands",
}

var workerHealthzCmd = &cobra.Command{
	Use:   "healthz",
	Short: "Probe a running worker's health endpoint",
	Long: `GET the health endpoint of a running worker's status listener and print
the response. Exits non-zero when the worker is unreachable or reports
itself disconnected.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return probeWorkerHealth(ctx, cmd.OutOrStdout(), addr)
	},
}

func runPluginList(out io.Writer, kind string) error {
	plugins := plugin.List(kind)
	if len(plugins) == 0 {
		if kind == "" {
			fmt.Fprintln(out, "no plugins registered")
		} else {
			fmt.Fprintf(out, "no plugins registered for kind %q\n", kind)
		}
		return nil
	}

	fmt.Fprintf(out, "%-8s %-20s %-10s %s\n", "KIND", "NAME", "VERSION", "DESCRIPTION")
	fmt.Fprintln(out, strings.Repeat("-", 60))
	for _, p := range plugins {
		version := p.Version
		if version == "" {
			version = "N/A"
		}
		description := p.Description
		if description == "" {
			description = "N/A"
		}
		fmt.Fprintf(out, "%-8s %-20s %-10s %s\n", p.Kind, p.Name, version, description)
	}
	return nil
}

// runDownloadFiles fetches the end-of-utterance models, then the files of
// every plugin with a downloader. Plugin failures are counted rather than
// aborting so one unreachable host does not block the rest.
func runDownloadFiles(ctx context.Context, out io.Writer, modelPath string) error {
	if err := turn.NewDownloader(modelPath).DownloadAll(ctx); err != nil {
		return fmt.Errorf("turn detector models: %w", err)
	}

	var downloaded, failed int
	for _, p := range plugin.List("") {
		if p.Downloader == nil {
			continue
		}
		slog.Info("downloading plugin files", slog.String("plugin", p.Kind+"/"+p.Name))
		if err := p.Downloader.DownloadFiles(ctx); err != nil {
			slog.Error("plugin download failed",
				slog.String("plugin", p.Kind+"/"+p.Name),
				slog.String("error", err.Error()))
			failed++
			continue
		}
		downloaded++
	}

	fmt.Fprintf(out, "downloaded files for %d plugins\n", downloaded)
	if failed > 0 {
		return fmt.Errorf("%d plugin downloads failed", failed)
	}
	return nil
}

// predictInput is the stdin document for the predict command.
type predictInput struct {
	Messages []llm.Message `json:"messages"`
	Language string        `json:"language,omitempty"`
}

func runTurnPredict(in io.Reader, out io.Writer, detector turn.Detector, threshold float64, language string) error {
	var input predictInput
	if err := json.NewDecoder(in).Decode(&input); err != nil {
		return fmt.Errorf("decode chat history: %w", err)
	}
	if len(input.Messages) == 0 {
		return errors.New("chat history has no messages")
	}

	// The flag wins over the document, en-US is the final fallback.
	if language != "" {
		input.Language = language
	}
	if input.Language == "" {
		input.Language = "en-US"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	probability, err := detector.PredictEndOfTurn(ctx, turn.ChatContext{
		Messages: input.Messages,
		Language: input.Language,
	})
	if err != nil {
		return fmt.Errorf("predict end of turn: %w", err)
	}

	result := map[string]any{"eou_probability": probability}
	if threshold > 0 {
		result["threshold"] = threshold
		result["end_of_turn"] = probability >= threshold
	}
	return json.NewEncoder(out).Encode(result)
}

// serveInference hosts detector behind HTTP until ctx ends.
func serveInference(ctx context.Context, addr string, detector turn.Detector) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/predict", inferenceHandler(detector, turn.MethodPredictEOU))
	mux.HandleFunc("/threshold", inferenceHandler(detector, turn.MethodEOUThreshold))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("inference server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("inference server: %w", err)
		}
		return nil
	}
}

// inferenceHandler adapts one turn-detection method to HTTP. Prediction
// failures are encoded into the response body with status 200, matching
// what RemoteDetector expects.
func inferenceHandler(detector turn.Detector, method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		out, _, err := turn.HandleInference(r.Context(), detector, method, payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(out)
	}
}

func probeWorkerHealth(ctx context.Context, out io.Writer, addr string) error {
	url := strings.TrimSuffix(addr, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("worker unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("read health response: %w", err)
	}
	fmt.Fprintln(out, strings.TrimSpace(string(body)))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker unhealthy: HTTP %d", resp.StatusCode)
	}
	return nil
}

func setupLogger(cmd *cobra.Command) *slog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	asJSON, _ := cmd.Flags().GetBool("log-json")

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
	if asJSON {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}

	log := slog.New(h)
	slog.SetDefault(log)
	return log
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func init() {
	rootCmd.PersistentFlags().String("log-level", envDefault("LK_LOG_LEVEL", "info"),
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", os.Getenv("LK_LOG_FORMAT") == "json",
		"log as JSON")
	rootCmd.PersistentFlags().String("plugin-dir", "",
		"directory of dynamic plugin .so files (default $LK_PLUGIN_PATH)")

	pluginDownloadCmd.Flags().String("model-path", "",
		"model cache directory (defaults to the HuggingFace hub cache)")
	turnDownloadCmd.Flags().String("model-path", "",
		"model cache directory (defaults to the HuggingFace hub cache)")

	turnPredictCmd.Flags().String("model", "english", "model to use (english, multilingual)")
	turnPredictCmd.Flags().String("model-path", "", "model cache directory")
	turnPredictCmd.Flags().Float64("threshold", 0, "also report the end-of-turn decision at this threshold")
	turnPredictCmd.Flags().String("language", "", "language override for the chat history")
	turnPredictCmd.Flags().String("remote-url", "", "inference server URL (overrides LIVEKIT_REMOTE_EOT_URL)")

	turnServeCmd.Flags().String("addr", ":8089", "listen address")
	turnServeCmd.Flags().String("model", "english", "model to use (english, multilingual)")
	turnServeCmd.Flags().String("model-path", "", "model cache directory")

	workerHealthzCmd.Flags().String("addr", "http://localhost:8081", "worker status listener address")

	pluginCmd.AddCommand(pluginListCmd, pluginDownloadCmd)
	turnCmd.AddCommand(turnDownloadCmd, turnPredictCmd, turnServeCmd)
	workerCmd.AddCommand(workerHealthzCmd)
	rootCmd.AddCommand(versionCmd, pluginCmd, turnCmd, workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
