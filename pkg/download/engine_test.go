package download_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicate/mget/pkg/client"
	"github.com/replicate/mget/pkg/download"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type recordingListener struct {
	mu     sync.Mutex
	labels []string
	values []float64
}

func (l *recordingListener) OnProgress(label string, percent float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.labels = append(l.labels, label)
	l.values = append(l.values, percent)
}

func (l *recordingListener) snapshot() ([]string, []float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.labels...), append([]float64(nil), l.values...)
}

func fastEngine(httpClient *http.Client) *download.Engine {
	if httpClient == nil {
		httpClient = client.NewHTTPClient(client.Options{})
	}
	return &download.Engine{
		Client:              httpClient,
		StallTimeout:        300 * time.Millisecond,
		TickInterval:        10 * time.Millisecond,
		ConnectPolls:        5,
		ConnectPollInterval: 20 * time.Millisecond,
		ConnectProbes:       3,
	}
}

func target(t *testing.T, url string, listener download.ProgressListener) download.Target {
	t.Helper()
	return download.Target{
		URL:        url,
		Name:       "file.jar",
		OutputPath: filepath.Join(t.TempDir(), "out", "file.jar"),
		Listener:   listener,
	}
}

func TestAttemptKnownSize(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 10_000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		_, _ = w.Write(content)
	}))
	defer server.Close()

	listener := &recordingListener{}
	tgt := target(t, server.URL, listener)
	require.NoError(t, os.MkdirAll(filepath.Dir(tgt.OutputPath), 0755))
	require.NoError(t, os.WriteFile(tgt.OutputPath, []byte("stale partial download"), 0644))

	result := fastEngine(nil).Attempt(context.Background(), tgt)

	require.NoError(t, result.Cause)
	assert.Equal(t, download.OutcomeSuccess, result.Outcome)
	size, known := result.Declared()
	assert.True(t, known)
	assert.Equal(t, int64(len(content)), size)
	assert.Equal(t, int64(len(content)), result.BytesTransferred)
	assert.Equal(t, tgt.OutputPath, result.ProducedFile)

	written, err := os.ReadFile(tgt.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, content, written)

	labels, values := listener.snapshot()
	require.NotEmpty(t, values)
	assert.Equal(t, "file.jar", labels[0])
	assert.Equal(t, 0.0, values[0], "progress starts at zero")
	assert.Equal(t, 100.0, values[len(values)-1])
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1], "progress never goes backwards")
	}
}

func TestAttemptUnknownSize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 3; i++ {
			_, _ = w.Write([]byte("chunk"))
			w.(http.Flusher).Flush()
		}
	}))
	defer server.Close()

	listener := &recordingListener{}
	result := fastEngine(nil).Attempt(context.Background(), target(t, server.URL, listener))

	require.NoError(t, result.Cause)
	assert.True(t, result.Success())
	_, known := result.Declared()
	assert.False(t, known)
	assert.Equal(t, int64(15), result.BytesTransferred)

	_, values := listener.snapshot()
	require.NotEmpty(t, values)
	for _, v := range values {
		assert.Equal(t, download.UnknownProgress, v)
	}
}

func TestAttemptHTTPErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{
			name:   "not found",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				var statusErr download.HTTPStatusError
				require.ErrorAs(t, err, &statusErr)
				assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
			},
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			check: func(t *testing.T, err error) {
				var statusErr download.HTTPStatusError
				require.ErrorAs(t, err, &statusErr)
				assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
			},
		},
		{
			name:   "redirect without location",
			status: http.StatusFound,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, download.ErrRedirectNotFollowed)
			},
		},
		{
			name:   "not modified",
			status: http.StatusNotModified,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, download.ErrRedirectNotFollowed)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			tgt := target(t, server.URL, nil)
			result := fastEngine(nil).Attempt(context.Background(), tgt)

			assert.Equal(t, download.OutcomeFailure, result.Outcome)
			tt.check(t, result.Cause)
			assert.Empty(t, result.ProducedFile)
			assert.NoFileExists(t, tgt.OutputPath)
		})
	}
}

func TestAttemptFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/file.jar", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/cdn/file.jar", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/cdn/file.jar", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	result := fastEngine(nil).Attempt(context.Background(), target(t, server.URL+"/file.jar", nil))
	require.NoError(t, result.Cause)
	assert.Equal(t, int64(len("payload")), result.BytesTransferred)
}

func TestAttemptStalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write([]byte("first bytes"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	defer server.Close()

	listener := &recordingListener{}
	start := time.Now()
	result := fastEngine(nil).Attempt(context.Background(), target(t, server.URL, listener))

	assert.Less(t, time.Since(start), 5*time.Second, "the watchdog aborts the transfer")
	assert.Equal(t, download.OutcomeFailure, result.Outcome)
	assert.ErrorIs(t, result.Cause, download.ErrStalled)
	assert.Equal(t, int64(len("first bytes")), result.BytesTransferred)
	assert.NotEmpty(t, result.ProducedFile)

	labels, _ := listener.snapshot()
	assert.Contains(t, labels, "Download failed")
}

func TestAttemptShortBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("only ten!!"))
	}))
	defer server.Close()

	result := fastEngine(nil).Attempt(context.Background(), target(t, server.URL, nil))
	assert.Equal(t, download.OutcomeFailure, result.Outcome)
	assert.Error(t, result.Cause)
}

func TestAttemptConnectTimeout(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	defer server.Close()

	engine := fastEngine(nil)
	engine.ConnectPolls = 2
	engine.ConnectPollInterval = 10 * time.Millisecond

	result := engine.Attempt(context.Background(), target(t, server.URL, nil))

	assert.Equal(t, download.OutcomeFailure, result.Outcome)
	assert.ErrorIs(t, result.Cause, download.ErrUnableToConnect)
	assert.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 10*time.Millisecond)
}

func TestAttemptConnectErrorsAreProbedThreeTimes(t *testing.T) {
	var calls atomic.Int32
	httpClient := client.NewHTTPClient(client.Options{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	})})

	result := fastEngine(httpClient).Attempt(context.Background(), target(t, "http://mirror.example/file.jar", nil))

	assert.Equal(t, download.OutcomeFailure, result.Outcome)
	assert.ErrorIs(t, result.Cause, download.ErrUnableToConnect)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAttemptPermissionDenied(t *testing.T) {
	var calls atomic.Int32
	httpClient := client.NewHTTPClient(client.Options{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.EACCES)}
	})})

	tgt := target(t, "http://mirror.example/file.jar", nil)
	result := fastEngine(httpClient).Attempt(context.Background(), tgt)

	assert.Equal(t, download.OutcomePermissionDenied, result.Outcome)
	assert.ErrorIs(t, result.Cause, download.ErrPermissionDenied)
	assert.Equal(t, int32(1), calls.Load(), "permission denied short-circuits the connect probes")
	assert.NoFileExists(t, tgt.OutputPath)
}

func TestAttemptCallerCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	engine := fastEngine(nil)
	engine.ConnectPollInterval = time.Second
	result := engine.Attempt(ctx, target(t, server.URL, nil))

	assert.Equal(t, download.OutcomeFailure, result.Outcome)
	assert.True(t, errors.Is(result.Cause, context.Canceled), fmt.Sprintf("%v", result.Cause))
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 50.0, download.Percent(50, 100, true))
	assert.Equal(t, 100.0, download.Percent(150, 100, true))
	assert.Equal(t, download.UnknownProgress, download.Percent(50, 0, false))
	assert.Equal(t, download.UnknownProgress, download.Percent(50, 0, true))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "success", download.OutcomeSuccess.String())
	assert.Equal(t, "failure", download.OutcomeFailure.String())
	assert.Equal(t, "permission_denied", download.OutcomePermissionDenied.String())
}
