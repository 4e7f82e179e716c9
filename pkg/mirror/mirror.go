// Package mirror rewrites logical download URLs onto registered secure mirrors.
//
// A secure mirror serves artifacts only to requests carrying a per-user token. How a mirror issues tokens is up to
// the SecureMirror implementation; this package only caches what it was last given and splices it into URLs.
package mirror

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/replicate/mget/pkg/consistent"
	"github.com/replicate/mget/pkg/logging"
)

// ErrNoToken is returned by a SecureMirror that declines to issue a token.
var ErrNoToken = errors.New("mirror issued no token")

// User is the identity tokens are requested for.
type User struct {
	Name string
	// ClientToken identifies this client installation and is sent along with every token.
	ClientToken string
}

// Grant is what a secure mirror hands out for a user.
type Grant struct {
	Token string
	// Hosts optionally names alternate download hosts. When several are given one is chosen per artifact path.
	Hosts []string
}

// DownloadHost picks one of the grant's hosts for the artifact identified by key, or "" if it names none.
func (g Grant) DownloadHost(key string) string {
	if len(g.Hosts) == 0 {
		return ""
	}
	host, err := consistent.PickHost(key, g.Hosts)
	if err != nil {
		return ""
	}
	return host
}

type SecureMirror interface {
	RequestToken(ctx context.Context, user User) (Grant, error)
}

// Func adapts a plain function to a SecureMirror.
type Func func(ctx context.Context, user User) (Grant, error)

func (f Func) RequestToken(ctx context.Context, user User) (Grant, error) {
	return f(ctx, user)
}

// StaticMirror hands out the same grant to everybody. It backs mirrors configured on the command line.
type StaticMirror struct {
	Grant Grant
}

func (m StaticMirror) RequestToken(_ context.Context, _ User) (Grant, error) {
	if m.Grant.Token == "" {
		return Grant{}, ErrNoToken
	}
	return m.Grant, nil
}

// SecureToken tracks the credential state of one registration. The mirror and user never change after
// construction; only the last granted token and hosts are updated.
type SecureToken struct {
	mirror SecureMirror
	user   User

	mu    sync.Mutex
	token string
	hosts []string
}

func newSecureToken(user User, mirror SecureMirror) *SecureToken {
	return &SecureToken{mirror: mirror, user: user}
}

// Query asks the mirror for a grant and records it. It returns false if the mirror is unavailable or refuses.
// Callers use the returned grant rather than re-reading the token state, which a concurrent Query may replace.
func (t *SecureToken) Query(ctx context.Context) (Grant, bool) {
	grant, err := t.mirror.RequestToken(ctx, t.user)
	if err != nil || grant.Token == "" {
		logger := logging.Component("mirror")
		logger.Debug().Err(err).Str("user", t.user.Name).Msg("Secure mirror token unavailable")
		return Grant{}, false
	}
	grant.Hosts = append([]string(nil), grant.Hosts...)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = grant.Token
	t.hosts = grant.Hosts
	return grant, true
}

// Token returns the last token granted, if any.
func (t *SecureToken) Token() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

// DownloadHost returns the alternate host of the last grant for the artifact identified by key, or "" to keep the
// logical host.
func (t *SecureToken) DownloadHost(key string) string {
	t.mu.Lock()
	grant := Grant{Token: t.token, Hosts: t.hosts}
	t.mu.Unlock()
	return grant.DownloadHost(key)
}

func (t *SecureToken) User() User {
	return t.user
}

// Registry maps hostnames, case-insensitively, to secure mirrors. It is built at startup and read by every fetch;
// registrations are never removed.
type Registry struct {
	user User

	mu     sync.RWMutex
	tokens map[string]*SecureToken
}

func NewRegistry(user User) *Registry {
	return &Registry{
		user:   user,
		tokens: make(map[string]*SecureToken),
	}
}

// Register adds (or replaces) the secure mirror serving host.
func (r *Registry) Register(host string, m SecureMirror) {
	key := strings.ToLower(host)
	token := newSecureToken(r.user, m)

	r.mu.Lock()
	r.tokens[key] = token
	r.mu.Unlock()

	logger := logging.Component("mirror")
	logger.Debug().Str("host", key).Msg("Registered secure mirror")
}

func (r *Registry) Lookup(host string) (*SecureToken, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	token, ok := r.tokens[strings.ToLower(host)]
	return token, ok
}

func (r *Registry) User() User {
	return r.user
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}
