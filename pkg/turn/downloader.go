package turn

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/chriscow/agents-go/pkg/turn/internal"
)

// Downloader fetches turn-detection model files from the HuggingFace hub
// into the standard hub cache layout: content-addressed blobs, per-commit
// snapshot directories of symlinks, and a ref file pinning each revision
// to the commit it was downloaded at.
type Downloader struct {
	modelPath string
	client    *http.Client
}

// NewDownloader creates a downloader rooted at the hub cache directory.
// An empty path uses LK_MODEL_PATH, HF_HUB_CACHE, HF_HOME, or
// ~/.cache/huggingface/hub.
func NewDownloader(modelPath string) *Downloader {
	if modelPath == "" {
		modelPath = getDefaultModelPath()
	}
	return &Downloader{
		modelPath: modelPath,
		client:    &http.Client{},
	}
}

// DownloadAll fetches every registered model revision.
func (d *Downloader) DownloadAll(ctx context.Context) error {
	for _, model := range internal.AllModels {
		if err := d.DownloadModel(ctx, model); err != nil {
			return fmt.Errorf("download model %s: %w", model.Name, err)
		}
	}
	return nil
}

// DownloadModel fetches one model's files. Files whose blob is already in
// the snapshot with a matching hash are skipped, so re-running is cheap
// and interrupted downloads resume where they stopped.
func (d *Downloader) DownloadModel(ctx context.Context, model internal.ModelInfo) error {
	repoDir := internal.RepoDir(d.modelPath, model.Repo)

	// Reuse the pinned commit when the revision was seen before so a
	// partial snapshot fills in place instead of forking a second one.
	commit, _ := internal.ResolveRevision(repoDir, model.Revision)

	for _, filename := range model.Files {
		if commit != "" {
			snapPath := filepath.Join(internal.SnapshotDir(repoDir, commit), filename)
			if d.isValidFile(model, snapPath, filename) {
				slog.Debug("model file up to date", "model", model.Name, "file", filename)
				continue
			}
		}

		slog.Info("downloading model file", "model", model.Name, "file", filename)
		dlCommit, digest, err := d.downloadBlob(ctx, model, filename, repoDir)
		if err != nil {
			return fmt.Errorf("download %s: %w", filename, err)
		}
		if commit == "" {
			commit = dlCommit
		}
		if err := linkSnapshot(repoDir, commit, filename, digest); err != nil {
			return fmt.Errorf("snapshot %s: %w", filename, err)
		}
	}

	if commit == "" {
		commit = model.Revision
	}
	if err := writeRef(repoDir, model.Revision, commit); err != nil {
		return fmt.Errorf("write ref: %w", err)
	}

	slog.Info("model ready", "model", model.Name, "revision", model.Revision, "commit", commit)
	return nil
}

// downloadBlob streams one file into the blobs directory, hashing as it
// goes, and returns the commit the server resolved the revision to plus
// the blob's digest.
func (d *Downloader) downloadBlob(ctx context.Context, model internal.ModelInfo, filename, repoDir string) (string, string, error) {
	url := fmt.Sprintf("https://huggingface.co/%s/resolve/%s/%s",
		model.Repo, model.Revision, filename)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("create request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	// The hub reports which commit the revision resolved to. Servers that
	// omit the header fall back to the revision name.
	commit := resp.Header.Get("X-Repo-Commit")
	if commit == "" {
		commit = model.Revision
	}

	blobsDir := filepath.Join(repoDir, "blobs")
	if err := os.MkdirAll(blobsDir, 0755); err != nil {
		return "", "", fmt.Errorf("create blobs directory: %w", err)
	}

	tmp, err := os.CreateTemp(blobsDir, ".incomplete-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	hasher := sha256.New()
	_, err = io.Copy(io.MultiWriter(tmp, hasher), resp.Body)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return "", "", fmt.Errorf("write blob: %w", err)
	}

	digest := fmt.Sprintf("%x", hasher.Sum(nil))
	if want := model.FileHashes[filename]; want != "" && want != digest {
		os.Remove(tmpName)
		return "", "", fmt.Errorf("hash mismatch: got %s want %s", digest, want)
	}

	blobPath := internal.BlobPath(repoDir, digest)
	if _, statErr := os.Stat(blobPath); statErr == nil {
		// Blob already present, content-addressing makes this a no-op.
		os.Remove(tmpName)
	} else if err := os.Rename(tmpName, blobPath); err != nil {
		os.Remove(tmpName)
		return "", "", fmt.Errorf("store blob: %w", err)
	}
	return commit, digest, nil
}

// linkSnapshot places filename inside the commit's snapshot as a relative
// symlink to its blob. Filesystems that refuse symlinks get a copy.
func linkSnapshot(repoDir, commit, filename, digest string) error {
	linkPath := filepath.Join(internal.SnapshotDir(repoDir, commit), filename)
	if err := os.MkdirAll(filepath.Dir(linkPath), 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	blobPath := internal.BlobPath(repoDir, digest)
	target, err := filepath.Rel(filepath.Dir(linkPath), blobPath)
	if err != nil {
		target = blobPath
	}

	os.Remove(linkPath)
	if err := os.Symlink(target, linkPath); err != nil {
		return copyFile(blobPath, linkPath)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// writeRef pins revision to commit.
func writeRef(repoDir, revision, commit string) error {
	refPath := internal.RefPath(repoDir, revision)
	if err := os.MkdirAll(filepath.Dir(refPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(refPath, []byte(commit+"\n"), 0644)
}

// isValidFile reports whether the file exists, is non-empty, and matches
// its recorded hash. Files without a recorded hash only need to exist.
func (d *Downloader) isValidFile(model internal.ModelInfo, filePath, filename string) bool {
	info, err := os.Stat(filePath)
	if err != nil {
		return false
	}
	if info.Size() == 0 {
		return false
	}

	expectedHash := model.FileHashes[filename]
	if expectedHash == "" {
		return true
	}
	return verifyFileHash(filePath, expectedHash)
}

// verifyFileHash computes the SHA-256 of a file and compares it.
func verifyFileHash(filePath, expectedHash string) bool {
	file, err := os.Open(filePath)
	if err != nil {
		return false
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return false
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)) == expectedHash
}

// GetModelStatus reports, per model, whether the revision resolves and
// every file is present and valid.
func (d *Downloader) GetModelStatus() map[string]bool {
	status := make(map[string]bool)
	for _, model := range internal.AllModels {
		complete := true
		for _, filename := range model.Files {
			filePath, err := internal.SnapshotFilePath(d.modelPath, model.Repo, model.Revision, filename)
			if err != nil || !d.isValidFile(model, filePath, filename) {
				complete = false
				break
			}
		}
		status[model.Name] = complete
	}
	return status
}
