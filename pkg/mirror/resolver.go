package mirror

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/replicate/mget/pkg/logging"
)

const (
	TokenParam  = "t"
	ClientParam = "c"
)

// ErrMalformedRequest is returned when a URL cannot be parsed. It is never retried.
var ErrMalformedRequest = errors.New("malformed request")

// ChecksumProber discovers the checksum advertised for a physical URL.
type ChecksumProber interface {
	Probe(ctx context.Context, rawURL string) (string, bool)
}

type Resolver struct {
	registry *Registry
	prober   ChecksumProber
}

// NewResolver returns a Resolver over registry. A nil registry resolves every URL to itself; a nil prober
// discovers nothing.
func NewResolver(registry *Registry, prober ChecksumProber) *Resolver {
	return &Resolver{registry: registry, prober: prober}
}

// Resolve maps a logical URL to the physical URL to download from. Unregistered hosts, and registered hosts whose
// mirror issues no token, come back byte-for-byte unchanged.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (string, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return "", err
	}
	if r.registry == nil {
		return rawURL, nil
	}
	token, ok := r.registry.Lookup(u.Hostname())
	if !ok {
		return rawURL, nil
	}
	grant, ok := token.Query(ctx)
	if !ok {
		return rawURL, nil
	}

	resolved, err := addDownloadKey(u, grant.DownloadHost(u.Path), grant.Token, r.registry.User().ClientToken)
	if err != nil {
		logger := logging.Component("mirror")
		logger.Warn().Err(err).Str("url", rawURL).Msg("Unable to rewrite mirror URL, using original")
		return rawURL, nil
	}
	logger := logging.Component("mirror")
	logger.Debug().Str("url", rawURL).Str("host", u.Hostname()).Msg("Resolved secure mirror")
	return resolved, nil
}

// DiscoverChecksum resolves address and probes the result. Every failure, including a malformed address, yields
// no checksum.
func (r *Resolver) DiscoverChecksum(ctx context.Context, address string) (string, bool) {
	if r.prober == nil {
		return "", false
	}
	resolved, err := r.Resolve(ctx, address)
	if err != nil {
		return "", false
	}
	return r.prober.Probe(ctx, resolved)
}

func parseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedRequest, rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %s: missing scheme or host", ErrMalformedRequest, rawURL)
	}
	return u, nil
}

// addDownloadKey moves u onto downloadHost (if set) and appends the token and client parameters. Scheme, user
// info, port, path and the existing query are preserved.
func addDownloadKey(u *url.URL, downloadHost, key, clientID string) (string, error) {
	rewritten := *u
	if downloadHost != "" {
		host := downloadHost
		if port := u.Port(); port != "" {
			if _, _, err := net.SplitHostPort(downloadHost); err != nil {
				host = net.JoinHostPort(downloadHost, port)
			}
		}
		rewritten.Host = host
	}

	params := TokenParam + "=" + url.QueryEscape(key) + "&" + ClientParam + "=" + url.QueryEscape(clientID)
	if rewritten.RawQuery == "" {
		rewritten.RawQuery = params
	} else {
		rewritten.RawQuery += "&" + params
	}

	out := rewritten.String()
	if _, err := url.Parse(out); err != nil {
		return "", err
	}
	return out, nil
}
