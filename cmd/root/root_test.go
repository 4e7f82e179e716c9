package root

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicate/mget/pkg/optname"
)

var payload = []byte(strings.Repeat("mget root command payload\n", 64))

func TestRootExecuteThroughMirror(t *testing.T) {
	defer viper.Reset()

	var gets atomic.Int32
	var query atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
			query.Store(r.URL.RawQuery)
		}
		_, _ = w.Write(payload)
	}))
	defer server.Close()
	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)

	dir := t.TempDir()
	dest := filepath.Join(dir, "bin", "minecraft.jar")
	cache := filepath.Join(dir, "cache", "minecraft.jar")
	metricsFile := filepath.Join(dir, "mget.prom")
	sum := md5.Sum(payload)

	viper.Set(optname.NoProgress, true)
	viper.Set(optname.Mirror, []string{"mirror.example=tok@" + serverURL.Host})
	viper.Set(optname.ClientID, "client-1")
	viper.Set(optname.Cache, cache)
	viper.Set(optname.Checksum, hex.EncodeToString(sum[:]))
	viper.Set(optname.MetricsTextfile, metricsFile)

	require.NoError(t, rootExecute(context.Background(), "http://mirror.example/minecraft.jar", dest))
	assert.Equal(t, int32(1), gets.Load())
	assert.Equal(t, "t=tok&c=client-1", query.Load())
	assert.FileExists(t, cache)

	prom, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `mget_fetches_total{result="ok"} 1`)

	// The cache now satisfies the same request without a transfer.
	require.NoError(t, os.Remove(dest))
	require.NoError(t, rootExecute(context.Background(), "http://mirror.example/minecraft.jar", dest))
	assert.Equal(t, int32(1), gets.Load())
	assert.FileExists(t, dest)
}

func TestRootExecuteRejectsBadMirrorFlag(t *testing.T) {
	defer viper.Reset()
	viper.Set(optname.Mirror, []string{"no-token"})
	err := rootExecute(context.Background(), "http://example.com/x.jar", filepath.Join(t.TempDir(), "x.jar"))
	assert.Error(t, err)
}
