package silero

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
)

const (
	// ModelFileName is the on-disk name of the VAD model.
	ModelFileName = "silero_vad.onnx"

	// modelURL pins the model to a released build; master drifts.
	modelURL = "https://github.com/snakers4/silero-vad/raw/v5.1.2/src/silero_vad/data/silero_vad.onnx"
)

// DefaultModelDir returns where the model is stored: LK_MODEL_PATH when
// set, otherwise ~/.livekit/models.
func DefaultModelDir() string {
	if path := os.Getenv("LK_MODEL_PATH"); path != "" {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "livekit-models")
	}
	return filepath.Join(homeDir, ".livekit", "models")
}

func defaultModelFile() string {
	return filepath.Join(DefaultModelDir(), ModelFileName)
}

// Downloader fetches the VAD model file. It implements plugin.Downloader.
type Downloader struct {
	// URL overrides the upstream model location.
	URL string
	// Dir overrides the destination directory.
	Dir string

	client *http.Client
}

// NewDownloader creates a downloader with the default model source and
// destination.
func NewDownloader() *Downloader {
	return &Downloader{client: &http.Client{}}
}

func (d *Downloader) url() string {
	if d.URL != "" {
		return d.URL
	}
	return modelURL
}

func (d *Downloader) dir() string {
	if d.Dir != "" {
		return d.Dir
	}
	return DefaultModelDir()
}

func (d *Downloader) httpClient() *http.Client {
	if d.client != nil {
		return d.client
	}
	return http.DefaultClient
}

// DownloadFiles fetches the model unless a non-empty copy already exists.
// The download lands in a temp file and is renamed into place, so an
// interrupted fetch never leaves a partial model behind.
func (d *Downloader) DownloadFiles(ctx context.Context) error {
	dest := filepath.Join(d.dir(), ModelFileName)
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		slog.Debug("silero model up to date", "path", dest)
		return nil
	}

	if err := os.MkdirAll(d.dir(), 0755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}

	slog.Info("downloading silero vad model", "url", d.url(), "path", dest)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := d.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download model: HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	tmp, err := os.CreateTemp(d.dir(), ".incomplete-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	_, err = io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write model file: %w", err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store model file: %w", err)
	}

	slog.Info("silero vad model ready", "path", dest)
	return nil
}
