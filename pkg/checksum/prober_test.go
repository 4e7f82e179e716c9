package checksum_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicate/mget/pkg/checksum"
	"github.com/replicate/mget/pkg/client"
)

const (
	artifactURL = "https://mirror.example/version/1.6.4/1.6.4.jar"
	siblingURL  = artifactURL + ".md5"
	digest      = "d41d8cd98f00b204e9800998ecf8427e"
)

func newProber(t *testing.T) (*checksum.Prober, *httpmock.MockTransport) {
	t.Helper()
	mock := httpmock.NewMockTransport()
	rc := client.NewRetryClient(client.Options{Transport: mock})
	return checksum.NewProber(rc), mock
}

func headWithETag(etag string) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusOK, "")
		if etag != "" {
			resp.Header.Set("ETag", etag)
		}
		return resp, nil
	}
}

func TestProbeETag(t *testing.T) {
	prober, mock := newProber(t)
	mock.RegisterResponder(http.MethodHead, artifactURL, headWithETag(`"`+digest+`"`))

	sum, ok := prober.Probe(context.Background(), artifactURL)
	assert.True(t, ok)
	assert.Equal(t, digest, sum)
	assert.Equal(t, 0, mock.GetCallCountInfo()["GET "+siblingURL])
}

func TestProbeWeakETag(t *testing.T) {
	prober, mock := newProber(t)
	mock.RegisterResponder(http.MethodHead, artifactURL, headWithETag(`W/"`+digest+`"`))

	sum, ok := prober.Probe(context.Background(), artifactURL)
	assert.True(t, ok)
	assert.Equal(t, digest, sum)
}

func TestProbeSiblingFile(t *testing.T) {
	tests := []struct {
		name string
		etag string
	}{
		{"no etag", ""},
		{"etag is not a digest", `"5f3a-1c2b"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prober, mock := newProber(t)
			mock.RegisterResponder(http.MethodHead, artifactURL, headWithETag(tt.etag))
			mock.RegisterResponder(http.MethodGet, siblingURL, httpmock.NewStringResponder(http.StatusOK, digest+"\n"))

			sum, ok := prober.Probe(context.Background(), artifactURL)
			assert.True(t, ok)
			assert.Equal(t, digest, sum)
			assert.Equal(t, 1, mock.GetCallCountInfo()["GET "+siblingURL])
		})
	}
}

func TestProbeNothingDiscovered(t *testing.T) {
	tests := []struct {
		name    string
		sibling httpmock.Responder
	}{
		{"sibling missing", httpmock.NewStringResponder(http.StatusNotFound, "not found")},
		{"sibling malformed", httpmock.NewStringResponder(http.StatusOK, "d41d8cd98f00b204  1.6.4.jar\n")},
		{"sibling network error", httpmock.NewErrorResponder(errors.New("connection reset by peer"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prober, mock := newProber(t)
			mock.RegisterResponder(http.MethodHead, artifactURL, headWithETag(""))
			mock.RegisterResponder(http.MethodGet, siblingURL, tt.sibling)

			sum, ok := prober.Probe(context.Background(), artifactURL)
			assert.False(t, ok)
			assert.Empty(t, sum)
		})
	}
}

func TestProbeNetworkErrorDegrades(t *testing.T) {
	prober, mock := newProber(t)
	mock.RegisterNoResponder(httpmock.NewErrorResponder(errors.New("dial tcp: no route to host")))

	sum, ok := prober.Probe(context.Background(), artifactURL)
	assert.False(t, ok)
	assert.Empty(t, sum)
}

func TestProbeKeepsQueryOnSibling(t *testing.T) {
	prober, mock := newProber(t)
	tokenURL := "https://cdn.example/file.jar?t=abc123&c=client"
	mock.RegisterResponder(http.MethodHead, tokenURL, headWithETag(""))
	mock.RegisterResponder(http.MethodGet, "https://cdn.example/file.jar.md5?t=abc123&c=client",
		httpmock.NewStringResponder(http.StatusOK, "  "+digest+"  "))

	sum, ok := prober.Probe(context.Background(), tokenURL)
	require.True(t, ok)
	assert.Equal(t, digest, sum)
}

func TestSiblingURL(t *testing.T) {
	got, err := checksum.SiblingURL("https://mirror.example/a/b.jar?v=1")
	require.NoError(t, err)
	assert.Equal(t, "https://mirror.example/a/b.jar.md5?v=1", got)

	_, err = checksum.SiblingURL("http://[::1")
	assert.Error(t, err)
}
