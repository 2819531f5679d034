// Package internal holds the turn-detection model registry and the
// HuggingFace hub cache path layout:
//
//	<cache>/models--<org>--<repo>/
//	    blobs/<sha256>                 content-addressed file bodies
//	    snapshots/<commit>/<file>      symlinks into blobs/
//	    refs/<revision>                the commit a revision resolves to
package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ModelInfo holds metadata for a turn-detection model revision.
type ModelInfo struct {
	Name     string // "english", "multilingual"
	Repo     string
	Revision string
	Size     int64
	Files    []string
	// FileHashes maps a file's relative path to its SHA-256. Files with
	// no entry are accepted without verification.
	FileHashes map[string]string
}

var (
	EnglishModel = ModelInfo{
		Name:     "english",
		Repo:     "livekit/turn-detector",
		Revision: "v1.2.2-en",
		Size:     66 * 1024 * 1024,
		Files: []string{
			"onnx/model_q8.onnx",
			"tokenizer.json",
			"languages.json",
		},
		FileHashes: map[string]string{
			"onnx/model_q8.onnx": "fdd695a99bda01155fb0b5ce71d34cb9fd3902c62496db7a6c2c7bdeac310ac7",
			"tokenizer.json":     "c8219a662de786c94771323c3500377970f5eaa3afbeaef9390c9a51db9f7884",
			"languages.json":     "a9b71f62240293b05e6fa2b75ffc997ae00cefcc8da8b9567e39e3c356b7ee1",
		},
	}

	MultilingualModel = ModelInfo{
		Name:     "multilingual",
		Repo:     "livekit/turn-detector",
		Revision: "v0.3.0-intl",
		Size:     281 * 1024 * 1024,
		Files: []string{
			"onnx/model_q8.onnx",
			"tokenizer.json",
			"languages.json",
		},
	}

	// AllModels enumerates every model the downloader must handle.
	AllModels = []ModelInfo{EnglishModel, MultilingualModel}
)

// FindModel returns the ModelInfo registered under name.
func FindModel(name string) (ModelInfo, bool) {
	for _, model := range AllModels {
		if model.Name == name {
			return model, true
		}
	}
	return ModelInfo{}, false
}

// RepoDir returns the hub directory for a repo, e.g.
// <cache>/models--livekit--turn-detector.
func RepoDir(cacheDir, repo string) string {
	return filepath.Join(cacheDir, "models--"+strings.ReplaceAll(repo, "/", "--"))
}

// BlobPath returns where a content-addressed blob lives.
func BlobPath(repoDir, digest string) string {
	return filepath.Join(repoDir, "blobs", digest)
}

// RefPath returns the ref file recording which commit a revision points at.
func RefPath(repoDir, revision string) string {
	return filepath.Join(repoDir, "refs", revision)
}

// SnapshotDir returns the snapshot directory for a commit.
func SnapshotDir(repoDir, commit string) string {
	return filepath.Join(repoDir, "snapshots", commit)
}

// ResolveRevision reads the ref file for revision and returns the commit
// it names.
func ResolveRevision(repoDir, revision string) (string, error) {
	data, err := os.ReadFile(RefPath(repoDir, revision))
	if err != nil {
		return "", err
	}
	commit := strings.TrimSpace(string(data))
	if commit == "" {
		return "", fmt.Errorf("empty ref for revision %s", revision)
	}
	return commit, nil
}

// SnapshotFilePath resolves revision through its ref and returns the path
// of filename inside the snapshot.
func SnapshotFilePath(cacheDir, repo, revision, filename string) (string, error) {
	repoDir := RepoDir(cacheDir, repo)
	commit, err := ResolveRevision(repoDir, revision)
	if err != nil {
		return "", fmt.Errorf("revision %s not in cache: %w", revision, err)
	}
	return filepath.Join(SnapshotDir(repoDir, commit), filename), nil
}
