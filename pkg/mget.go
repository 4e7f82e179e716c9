package mget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/replicate/mget/pkg/download"
	"github.com/replicate/mget/pkg/logging"
	"github.com/replicate/mget/pkg/metrics"
	"github.com/replicate/mget/pkg/mirror"
	"github.com/replicate/mget/pkg/verify"
)

const DefaultMaxAttempts = 3

// ErrVerificationRejected is the attempt cause when a transfer completed but its content was not accepted.
var ErrVerificationRejected = errors.New("downloaded file failed verification")

// DownloadFailedError is returned once every attempt has been used up. Cause is the last attempt's cause.
type DownloadFailedError struct {
	URL      string
	Attempts int
	Cause    error
}

func (e *DownloadFailedError) Error() string {
	return fmt.Sprintf("failed to download %s after %d attempts: %v", e.URL, e.Attempts, e.Cause)
}

func (e *DownloadFailedError) Unwrap() error {
	return e.Cause
}

type Request struct {
	URL string
	// Name labels progress notifications; defaults to the base name of OutputPath.
	Name       string
	OutputPath string
	// CachePath, if set, receives a copy of the accepted file.
	CachePath string
	// Verifier accepts or rejects a completed transfer. A nil Verifier accepts any completed transfer.
	Verifier verify.Verifier
	// Checksum pins the expected MD5 for FetchIfNecessary instead of discovering it.
	Checksum string
	Listener download.ProgressListener
}

func (r Request) label() string {
	if r.Name != "" {
		return r.Name
	}
	return filepath.Base(r.OutputPath)
}

func (r Request) notify(label string, percent float64) {
	if r.Listener != nil {
		r.Listener.OnProgress(label, percent)
	}
}

// Getter is the entry point for downloads: it resolves mirrors, retries failed or rejected attempts and places the
// accepted file in the cache.
type Getter struct {
	Engine   *download.Engine
	Resolver *mirror.Resolver
	// MaxAttempts bounds physical attempts per fetch. If zero, DefaultMaxAttempts is used.
	MaxAttempts int
	Metrics     *metrics.Recorder
}

// Fetch downloads req.URL to req.OutputPath and returns that path once an attempt is both complete and accepted by
// req.Verifier. Rejected and failed attempts leave nothing behind at req.OutputPath.
func (g *Getter) Fetch(ctx context.Context, req Request) (string, error) {
	logger := logging.GetLogger()
	physicalURL, err := g.resolve(ctx, req.URL)
	if err != nil {
		return "", err
	}

	maxAttempts := g.maxAttempts()
	fetchStart := time.Now()
	var last download.Result
	var cause error
	attempts := 0
	for remaining := maxAttempts; remaining > 0; {
		logger.Info().
			Str("url", req.URL).
			Str("dest", req.OutputPath).
			Int("tries_remaining", remaining).
			Msg("Starting download")
		remaining--
		attempts++

		last = g.engine().Attempt(ctx, download.Target{
			URL:        physicalURL,
			Name:       req.label(),
			OutputPath: req.OutputPath,
			Listener:   req.Listener,
		})
		cause = g.judge(last, req.Verifier)
		if cause == nil {
			g.Metrics.Attempt(download.OutcomeSuccess.String(), last.BytesTransferred)
			break
		}

		outcome := last.Outcome.String()
		if last.Success() {
			outcome = "rejected"
		}
		g.Metrics.Attempt(outcome, last.BytesTransferred)
		removePartial(req.OutputPath)
		logger.Warn().Err(cause).Str("url", req.URL).Int("tries_remaining", remaining).Msg("Download failed")
		req.notify(fmt.Sprintf("Download failed, retries remaining: %d", remaining), 0)

		if ctx.Err() != nil {
			break
		}
	}

	if cause != nil {
		g.Metrics.Fetch(false)
		return "", &DownloadFailedError{URL: req.URL, Attempts: attempts, Cause: cause}
	}

	if req.CachePath != "" {
		if err := copyFile(req.OutputPath, req.CachePath); err != nil {
			g.Metrics.Fetch(false)
			return "", fmt.Errorf("error caching %s: %w", req.OutputPath, err)
		}
	}
	g.Metrics.Fetch(true)

	elapsed := time.Since(fetchStart)
	logger.Info().
		Str("url", req.URL).
		Str("dest", req.OutputPath).
		Str("cache", req.CachePath).
		Str("size", humanize.Bytes(uint64(last.BytesTransferred))).
		Str("throughput", throughput(last.BytesTransferred, last.Elapsed)).
		Str("total_elapsed", fmt.Sprintf("%.3fs", elapsed.Seconds())).
		Msg("Complete")
	return req.OutputPath, nil
}

// FetchIfNecessary picks a verifier (the pinned checksum, a discovered checksum, or the archive check) and reuses
// req.CachePath when it already passes; otherwise it fetches with that verifier.
func (g *Getter) FetchIfNecessary(ctx context.Context, req Request) (string, error) {
	logger := logging.GetLogger()
	if req.Verifier == nil {
		verifier, err := g.selectVerifier(ctx, req)
		if err != nil {
			return "", err
		}
		req.Verifier = verifier
	}

	if req.CachePath != "" && fileExists(req.CachePath) && req.Verifier.IsValid(req.CachePath) {
		logger.Info().Str("url", req.URL).Str("cache", req.CachePath).Msg("Cache hit")
		if err := copyFile(req.CachePath, req.OutputPath); err != nil {
			return "", fmt.Errorf("error copying cached %s: %w", req.CachePath, err)
		}
		g.Metrics.CacheHit()
		return req.OutputPath, nil
	}
	return g.Fetch(ctx, req)
}

// selectVerifier fails for a malformed pinned checksum rather than silently verifying something weaker.
func (g *Getter) selectVerifier(ctx context.Context, req Request) (verify.Verifier, error) {
	if req.Checksum != "" {
		pinned, err := verify.ParseChecksum(req.Checksum)
		if err != nil {
			return nil, err
		}
		return pinned, nil
	}
	if g.Resolver == nil {
		return verify.ArchiveVerifier{}, nil
	}
	sum, _ := g.Resolver.DiscoverChecksum(ctx, req.URL)
	return verify.Select(sum), nil
}

// judge returns nil if result should be kept, or the reason it is discarded.
func (g *Getter) judge(result download.Result, verifier verify.Verifier) error {
	if !result.Success() {
		return result.Cause
	}
	if !fileExists(result.ProducedFile) {
		return fmt.Errorf("%w: %s is missing", ErrVerificationRejected, result.ProducedFile)
	}
	if verifier != nil && !verifier.IsValid(result.ProducedFile) {
		return fmt.Errorf("%w: %s", ErrVerificationRejected, verifierName(verifier))
	}
	return nil
}

func (g *Getter) resolve(ctx context.Context, rawURL string) (string, error) {
	if g.Resolver == nil {
		return mirror.NewResolver(nil, nil).Resolve(ctx, rawURL)
	}
	return g.Resolver.Resolve(ctx, rawURL)
}

func (g *Getter) engine() *download.Engine {
	if g.Engine == nil {
		return &download.Engine{}
	}
	return g.Engine
}

func (g *Getter) maxAttempts() int {
	if g.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return g.MaxAttempts
}

func throughput(size int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%s/s", humanize.Bytes(uint64(float64(size)/elapsed.Seconds())))
}

func verifierName(v verify.Verifier) string {
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", v)
}

func removePartial(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger := logging.GetLogger()
		logger.Warn().Err(err).Str("path", path).Msg("Unable to remove partial download")
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// copyFile copies src to dest through a temporary sibling so dest is only ever replaced by a complete copy.
func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
