// Package checksum discovers the expected MD5 of a remote artifact.
//
// Discovery is advisory: every failure degrades to "no checksum" and the caller falls back to a structural check.
package checksum

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/replicate/mget/pkg/logging"
)

const (
	// SiblingSuffix names the checksum file published next to an artifact.
	SiblingSuffix = ".md5"

	checksumLength  = 32
	maxSiblingBytes = 1024
)

type Prober struct {
	client *retryablehttp.Client
}

func NewProber(client *retryablehttp.Client) *Prober {
	return &Prober{client: client}
}

// Probe returns the checksum advertised for rawURL. The ETag of a HEAD response is tried first; if it is missing or
// not a 32 character digest, the body of the sibling "<path>.md5" resource is used instead.
func (p *Prober) Probe(ctx context.Context, rawURL string) (string, bool) {
	logger := logging.Component("checksum")

	if etag, ok := p.fromETag(ctx, rawURL); ok {
		logger.Debug().Str("url", rawURL).Str("checksum", etag).Msg("Checksum from ETag")
		return etag, true
	}
	if sum, ok := p.fromSibling(ctx, rawURL); ok {
		logger.Debug().Str("url", rawURL).Str("checksum", sum).Msg("Checksum from sibling file")
		return sum, true
	}
	logger.Debug().Str("url", rawURL).Msg("No checksum discovered")
	return "", false
}

func (p *Prober) fromETag(ctx context.Context, rawURL string) (string, bool) {
	resp, err := p.do(ctx, http.MethodHead, rawURL)
	if err != nil {
		return "", false
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", false
	}
	etag := normalizeETag(resp.Header.Get("ETag"))
	return etag, len(etag) == checksumLength
}

func (p *Prober) fromSibling(ctx context.Context, rawURL string) (string, bool) {
	siblingURL, err := SiblingURL(rawURL)
	if err != nil {
		return "", false
	}
	resp, err := p.do(ctx, http.MethodGet, siblingURL)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSiblingBytes))
	if err != nil {
		return "", false
	}
	sum := strings.TrimSpace(string(body))
	return sum, len(sum) == checksumLength
}

func (p *Prober) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		logger := logging.Component("checksum")
		logger.Debug().Err(err).Str("method", method).Str("url", rawURL).Msg("Checksum probe failed")
		return nil, err
	}
	return resp, nil
}

// SiblingURL appends SiblingSuffix to the path of rawURL, keeping any query string intact.
func SiblingURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	u.Path += SiblingSuffix
	if u.RawPath != "" {
		u.RawPath += SiblingSuffix
	}
	return u.String(), nil
}

func normalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}
