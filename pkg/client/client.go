package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/replicate/mget/pkg/logging"
	"github.com/replicate/mget/pkg/version"
)

const (
	retryMinWait     = 100 * time.Millisecond
	retryMaxWait     = 3000 * time.Millisecond // do not backoff further than 3 seconds
	retrySleepJitter = 500                     // (will add 0-500 additional milliseconds), multiplied by time.Millisecond in backoffFunc

	defaultConnectTimeout = 5 * time.Second
)

// permissionDeniedText is the socket error text produced when local policy (a firewall or sandbox) refuses an
// outbound connection.
const permissionDeniedText = "permission denied"

// Options configures the transports built by this package.
type Options struct {
	// ConnectTimeout bounds the TCP dial. If zero, 5 seconds is used.
	ConnectTimeout time.Duration
	// MaxRetries is only used by NewRetryClient.
	MaxRetries int
	// ResolveOverrides maps host:port to the ip:port actually dialed. Host headers and TLS names are unaffected.
	ResolveOverrides map[string]string
	// Transport overrides the base round tripper, mostly for tests.
	Transport http.RoundTripper
}

// UserAgent is sent on every request. Some mirrors and CDNs refuse the default Go client string.
func UserAgent() string {
	return fmt.Sprintf("Mozilla/5.0 (compatible; mget/%s)", version.ShortVersion())
}

type UserAgentTransport struct {
	Transport http.RoundTripper
}

func (t *UserAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", UserAgent())
	return t.Transport.RoundTrip(req)
}

// NewHTTPClient returns a plain http.Client that follows redirects, sends the fixed User-Agent and requests the
// raw (uncompressed) representation so declared sizes match the bytes written to disk.
func NewHTTPClient(opts Options) *http.Client {
	return &http.Client{
		Transport:     &UserAgentTransport{Transport: baseTransport(opts)},
		CheckRedirect: checkRedirectFunc,
	}
}

// NewRetryClient wraps NewHTTPClient with bounded retries of transient failures.
func NewRetryClient(opts Options) *retryablehttp.Client {
	return &retryablehttp.Client{
		HTTPClient:   NewHTTPClient(opts),
		Logger:       nil,
		RetryWaitMin: retryMinWait,
		RetryWaitMax: retryMaxWait,
		RetryMax:     opts.MaxRetries,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      backoffFunc,
		// Surface the last response rather than a synthetic "giving up" error.
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
}

func baseTransport(opts Options) http.RoundTripper {
	if opts.Transport != nil {
		return opts.Transport
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = defaultConnectTimeout
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: transportDialContext(&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}, opts.ResolveOverrides),
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}
}

// backoffFunc is a wrapper around retryablehttp.DefaultBackoff that adds a random jitter so concurrent fetches
// against the same mirror do not retry in lockstep.
func backoffFunc(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	sleep := time.Duration(rand.Intn(retrySleepJitter)) * time.Millisecond
	sleep += retryablehttp.DefaultBackoff(min, max, attemptNum, resp)
	return sleep
}

// checkRedirectFunc logs each followed redirect and keeps net/http's limit of 10 hops.
func checkRedirectFunc(req *http.Request, via []*http.Request) error {
	logger := logging.GetLogger()
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	status := 0
	if req.Response != nil {
		status = req.Response.StatusCode
	}
	logger.Trace().
		Str("redirect_url", req.URL.String()).
		Str("url", via[0].URL.String()).
		Int("status", status).
		Msg("Redirect")
	return nil
}

// transportDialContext is a wrapper around net.Dialer that allows for overriding DNS lookups via the values passed to
// `--resolve` argument.
func transportDialContext(dialer *net.Dialer, overrides map[string]string) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		logger := logging.GetLogger()
		if addrOverride := overrides[addr]; addrOverride != "" {
			logger.Debug().Str("addr", addr).Str("override", addrOverride).Msg("DNS Override")
			addr = addrOverride
		}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil && IsPermissionDenied(err) {
			logger.Debug().Str("addr", addr).Err(err).Msg("Connection refused by policy")
		}
		return conn, err
	}
}

// IsPermissionDenied reports whether err is a socket-level rejection by local policy, as opposed to a remote
// refusal or a generic network failure.
func IsPermissionDenied(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.EACCES) || errors.Is(opErr.Err, syscall.EPERM) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), permissionDeniedText)
}
