// Package source resolves pretrained artifact sources into the local model cache.
//
// A source is either a Hugging Face hub repository, downloaded once with the
// `hf` CLI and tracked with a marker file, or a directory already on disk.
// Models without a source are served entirely by their inference backend.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nadzzz/voicebox/internal/config"
)

const (
	defaultRetryDelay = 2 * time.Second
	defaultMaxRetries = 3
	defaultTimeout    = 5 * time.Minute
	markerFilename    = ".voicebox-downloaded"
)

// ErrInvalidRepo is returned for an empty or malformed repository name.
var ErrInvalidRepo = errors.New("invalid repository name")

// Runner executes an external program and returns its combined output.
type Runner interface {
	CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner uses os/exec.
type ExecRunner struct{}

// CombinedOutput runs the command and returns stdout and stderr interleaved.
func (ExecRunner) CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Resolver materialises model sources inside a cache directory.
type Resolver struct {
	runner     Runner
	binary     string
	retryDelay time.Duration
	maxRetries int
	timeout    time.Duration
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithRunner replaces the command runner used for downloads.
func WithRunner(r Runner) Option {
	return func(res *Resolver) { res.runner = r }
}

// WithRetryDelay sets the pause between download attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(res *Resolver) { res.retryDelay = d }
}

// NewResolver creates a Resolver that downloads with the `hf` CLI.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		runner:     ExecRunner{},
		binary:     "hf",
		retryDelay: defaultRetryDelay,
		maxRetries: defaultMaxRetries,
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the local directory holding the artifacts for src.
// An empty path with a nil error means the model has no source.
func (r *Resolver) Resolve(ctx context.Context, name string, src config.SourceConfig, cacheDir string) (string, error) {
	switch {
	case src.Local != nil:
		return r.resolveLocal(name, *src.Local)
	case src.HuggingFace != nil && strings.TrimSpace(src.HuggingFace.Repo) != "":
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return "", fmt.Errorf("failed to prepare models directory %s: %w", cacheDir, err)
		}
		return r.resolveHuggingFace(ctx, name, *src.HuggingFace, cacheDir)
	default:
		slog.Debug("No source configured, backend owns its weights", "model", name)
		return "", nil
	}
}

func (r *Resolver) resolveLocal(name string, src config.LocalSource) (string, error) {
	path := config.ExpandTilde(strings.TrimSpace(src.Path))
	if path == "" {
		return "", fmt.Errorf("%s: local source path is empty", name)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%s: local source: %w", name, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s: local source %s is not a directory", name, path)
	}

	slog.Info("Using local model directory", "model", name, "path", path)
	return path, nil
}

func (r *Resolver) resolveHuggingFace(ctx context.Context, name string, src config.HuggingFaceSource, cacheDir string) (string, error) {
	repo := strings.TrimSpace(src.Repo)
	if strings.HasPrefix(repo, "/") || strings.Contains(repo, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRepo, repo)
	}

	fullPath := filepath.Join(cacheDir, filepath.FromSlash(repo))
	markerPath := filepath.Join(fullPath, markerFilename)
	markerContent := markerContent(repo, src.Revision)

	if !shouldDownload(markerPath, markerContent) {
		slog.Info("Model already downloaded and up-to-date, skipping", "model", name, "repo", repo, "path", fullPath)
		return fullPath, nil
	}

	if err := os.MkdirAll(fullPath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	args := downloadArgs(repo, fullPath, src)

	var lastErr error
	for attempt := range r.maxRetries {
		if attempt > 0 {
			slog.Info("Retrying download", "repo", repo, "attempt", attempt+1, "last_error", lastErr)
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("download canceled: %w", ctx.Err())
			case <-time.After(r.retryDelay):
			}
		} else {
			slog.Info("Downloading model", "model", name, "repo", repo, "path", fullPath)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		output, err := r.runner.CombinedOutput(attemptCtx, r.binary, args...)
		attemptErr := attemptCtx.Err()
		cancel()

		if err == nil {
			if err := os.WriteFile(markerPath, []byte(markerContent), 0o644); err != nil {
				slog.Warn("Failed to write download marker", "path", markerPath, "error", err)
			}
			slog.Info("Model downloaded successfully", "repo", repo, "path", fullPath, "attempt", attempt+1)
			return fullPath, nil
		}

		lastErr = fmt.Errorf("hf download %s: %w: %s", repo, err, strings.TrimSpace(string(output)))
		slog.Error("Failed to download model", "repo", repo, "attempt", attempt+1, "error", err, "output", string(output))

		if errors.Is(attemptErr, context.DeadlineExceeded) {
			slog.Warn("Download timed out", "repo", repo, "attempt", attempt+1)
		} else if ctx.Err() != nil {
			return "", fmt.Errorf("download canceled: %w", ctx.Err())
		}
	}

	return "", lastErr
}

func downloadArgs(repo, dir string, src config.HuggingFaceSource) []string {
	args := []string{"download", repo, "--local-dir", dir}

	if src.Revision != "" {
		args = append(args, "--revision", src.Revision)
	}
	for _, inc := range src.Include {
		args = append(args, "--include", inc)
	}
	for _, exc := range src.Exclude {
		args = append(args, "--exclude", exc)
	}
	if src.Token != "" {
		args = append(args, "--token", src.Token)
	}

	return args
}

// markerContent identifies the repository snapshot a directory was filled from.
func markerContent(repo, revision string) string {
	return fmt.Sprintf("repo: %s\nrevision: %s\n", repo, revision)
}

// shouldDownload compares the marker on disk with the expected snapshot.
func shouldDownload(markerPath, expected string) bool {
	content, err := os.ReadFile(markerPath)
	if err != nil {
		slog.Debug("Marker file missing or unreadable", "path", markerPath, "error", err)
		return true
	}

	if string(content) != expected {
		slog.Info("Model source changed (marker mismatch), will redownload", "marker_path", markerPath)
		return true
	}

	return false
}
