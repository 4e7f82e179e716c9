// Package download performs single download attempts with stall detection.
//
// An attempt never returns an error: every outcome, including HTTP errors, stalls and connection failures, is
// reported through Result so the caller decides whether to retry.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/replicate/mget/pkg/client"
	"github.com/replicate/mget/pkg/logging"
)

const (
	DefaultStallTimeout        = 30 * time.Second
	DefaultTickInterval        = 50 * time.Millisecond
	DefaultConnectPolls        = 5
	DefaultConnectPollInterval = time.Second
	DefaultConnectProbes       = 3

	stalledLabel = "Download failed"
)

// Engine executes download attempts. The zero value is usable and applies the defaults above.
type Engine struct {
	Client *http.Client

	// StallTimeout is how long the output file may go without growing before the transfer is aborted.
	StallTimeout time.Duration
	// TickInterval is how often the watchdog samples the output file.
	TickInterval time.Duration

	// ConnectPolls, ConnectPollInterval and ConnectProbes bound stream acquisition: each probe waits up to
	// ConnectPolls*ConnectPollInterval and up to ConnectProbes probes are made.
	ConnectPolls        int
	ConnectPollInterval time.Duration
	ConnectProbes       int
}

func NewEngine(httpClient *http.Client) *Engine {
	return &Engine{Client: httpClient}
}

// Attempt performs exactly one download of target.URL into target.OutputPath.
func (e *Engine) Attempt(ctx context.Context, target Target) Result {
	logger := logging.Component("download")
	start := time.Now()
	result := e.attempt(ctx, target)
	result.Elapsed = time.Since(start)

	event := logger.Debug()
	if !result.Success() {
		event = logger.Warn().Err(result.Cause)
	}
	event.Str("url", target.URL).
		Str("dest", target.OutputPath).
		Str("outcome", result.Outcome.String()).
		Str("size", humanize.Bytes(uint64(result.BytesTransferred))).
		Str("elapsed", fmt.Sprintf("%.3fs", result.Elapsed.Seconds())).
		Msg("Attempt")
	return result
}

func (e *Engine) attempt(ctx context.Context, target Target) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return failure(fmt.Errorf("failed to create request for %s: %w", target.URL, err))
	}

	resp, cancel, err := e.connect(ctx, req)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return Result{Outcome: OutcomePermissionDenied, Cause: err}
		}
		return failure(err)
	}
	defer cancel()

	var closeOnce sync.Once
	closeBody := func() {
		closeOnce.Do(func() { resp.Body.Close() })
	}
	defer closeBody()

	switch resp.StatusCode / 100 {
	case 2:
	case 3:
		return failure(fmt.Errorf("%w: %d", ErrRedirectNotFollowed, resp.StatusCode))
	default:
		return failure(HTTPStatusError{StatusCode: resp.StatusCode})
	}

	result := Result{}
	if resp.ContentLength > 0 {
		result.DeclaredSize = resp.ContentLength
		result.SizeKnown = true
	}

	out, err := createOutput(target.OutputPath)
	if err != nil {
		result.Cause = err
		return result
	}
	result.ProducedFile = target.OutputPath
	percent := func(n int64) float64 { return Percent(n, result.DeclaredSize, result.SizeKnown) }
	target.notify(target.Name, percent(0))

	w := &watchdog{
		path:       target.OutputPath,
		interval:   e.tickInterval(),
		timeout:    e.stallTimeout(),
		onProgress: func(n int64) { target.notify(target.Name, percent(n)) },
		onStall:    func(n int64) { target.notify(stalledLabel, percent(n)) },
		abort: func() {
			cancel()
			closeBody()
		},
	}

	stop := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		defer close(stop)
		_, err := io.Copy(out, resp.Body)
		return err
	})
	g.Go(func() error {
		w.run(stop)
		return nil
	})
	copyErr := g.Wait()
	closeErr := out.Close()

	result.BytesTransferred = fileLength(target.OutputPath)
	if result.BytesTransferred > w.Observed() && !w.Stalled() {
		target.notify(target.Name, percent(result.BytesTransferred))
	}

	switch {
	case w.Stalled():
		result.Cause = fmt.Errorf("%w: no progress for %s", ErrStalled, e.stallTimeout())
	case copyErr != nil && ctx.Err() != nil:
		result.Cause = ctx.Err()
	case copyErr != nil:
		result.Cause = fmt.Errorf("error reading response for %s: %w", target.URL, copyErr)
	case closeErr != nil:
		result.Cause = fmt.Errorf("error writing %s: %w", target.OutputPath, closeErr)
	case result.SizeKnown && result.BytesTransferred != result.DeclaredSize:
		result.Cause = fmt.Errorf("%w: expected %d bytes, got %d", ErrSizeMismatch, result.DeclaredSize, result.BytesTransferred)
	default:
		result.Outcome = OutcomeSuccess
	}
	return result
}

func failure(cause error) Result {
	return Result{Outcome: OutcomeFailure, Cause: cause}
}

// createOutput removes whatever is at path and opens a fresh file in its place.
func createOutput(path string) (*os.File, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error removing stale output %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("error creating directory for %s: %w", path, err)
	}
	out, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("error creating %s: %w", path, err)
	}
	return out, nil
}

// defaultClient serves every Engine without a Client, so they share one connection pool.
var defaultClient = sync.OnceValue(func() *http.Client {
	return client.NewHTTPClient(client.Options{})
})

func (e *Engine) client() *http.Client {
	if e.Client == nil {
		return defaultClient()
	}
	return e.Client
}

func (e *Engine) stallTimeout() time.Duration {
	if e.StallTimeout <= 0 {
		return DefaultStallTimeout
	}
	return e.StallTimeout
}

func (e *Engine) tickInterval() time.Duration {
	if e.TickInterval <= 0 {
		return DefaultTickInterval
	}
	return e.TickInterval
}

func (e *Engine) connectPolls() int {
	if e.ConnectPolls <= 0 {
		return DefaultConnectPolls
	}
	return e.ConnectPolls
}

func (e *Engine) connectPollInterval() time.Duration {
	if e.ConnectPollInterval <= 0 {
		return DefaultConnectPollInterval
	}
	return e.ConnectPollInterval
}

func (e *Engine) connectProbes() int {
	if e.ConnectProbes <= 0 {
		return DefaultConnectProbes
	}
	return e.ConnectProbes
}
