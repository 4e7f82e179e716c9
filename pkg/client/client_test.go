package client_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicate/mget/pkg/client"
)

func TestUserAgentIsSent(t *testing.T) {
	var seen atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("User-Agent"))
	}))
	defer server.Close()

	resp, err := client.NewHTTPClient(client.Options{}).Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, client.UserAgent(), seen.Load())
	assert.Contains(t, client.UserAgent(), "mget/")
	assert.NotContains(t, client.UserAgent(), "Go-http-client")
}

func TestRedirectsAreFollowed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("moved"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	resp, err := client.NewHTTPClient(client.Options{}).Get(server.URL + "/old")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/new", resp.Request.URL.Path)
}

func TestRetryClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rc := client.NewRetryClient(client.Options{MaxRetries: 2})
	resp, err := rc.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIsPermissionDenied(t *testing.T) {
	tc := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"EACCES", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.EACCES)}, true},
		{"EPERM", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.EPERM)}, true},
		{"text", errors.New("Permission denied: connect"), true},
		{"wrapped text", fmt.Errorf("get: %w", errors.New("dial tcp: PERMISSION DENIED")), true},
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, false},
		{"context", context.DeadlineExceeded, false},
	}
	for _, tc := range tc {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, client.IsPermissionDenied(tc.err))
		})
	}
}

func TestResolveOverrideDialsTarget(t *testing.T) {
	var host atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host.Store(r.Host)
	}))
	defer server.Close()
	_, port, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)

	c := client.NewHTTPClient(client.Options{ResolveOverrides: map[string]string{
		net.JoinHostPort("mirror.invalid", port): server.Listener.Addr().String(),
	}})
	resp, err := c.Get(fmt.Sprintf("http://mirror.invalid:%s/file.jar", port))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "mirror.invalid:"+port, host.Load(), "the Host header keeps the original name")
}
