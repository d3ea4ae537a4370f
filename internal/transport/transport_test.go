package transport

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClientCachedPerProxy(t *testing.T) {
	t.Parallel()
	f := NewFactory(Options{})

	direct1, err := f.Client("")
	require.NoError(t, err)
	direct2, err := f.Client("")
	require.NoError(t, err)
	require.Same(t, direct1, direct2)

	proxied, err := f.Client("http://127.0.0.1:8080")
	require.NoError(t, err)
	require.NotSame(t, direct1, proxied)
}

func TestHTTPProxyConfigured(t *testing.T) {
	t.Parallel()
	f := NewFactory(Options{})

	c, err := f.Client("http://user:pw@proxy.local:3128")
	require.NoError(t, err)
	tr, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	require.NotNil(t, tr.Proxy)

	u, err := tr.Proxy(&http.Request{})
	require.NoError(t, err)
	require.Equal(t, "proxy.local:3128", u.Host)
}

func TestSocks5ProxyConfigured(t *testing.T) {
	t.Parallel()
	f := NewFactory(Options{})

	c, err := f.Client("socks5://127.0.0.1:1080")
	require.NoError(t, err)
	tr, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	require.Nil(t, tr.Proxy)
	require.NotNil(t, tr.DialContext)
}

func TestUnsupportedSchemeRejected(t *testing.T) {
	t.Parallel()
	f := NewFactory(Options{})
	_, err := f.Client("ftp://proxy:21")
	require.Error(t, err)
}

func TestDefaultProxyFallback(t *testing.T) {
	t.Parallel()
	f := NewFactory(Options{DefaultProxyURL: "http://fallback.local:8080"})

	c, err := f.Client("")
	require.NoError(t, err)
	tr := c.Transport.(*http.Transport)
	require.NotNil(t, tr.Proxy)

	u, err := tr.Proxy(&http.Request{})
	require.NoError(t, err)
	require.Equal(t, "fallback.local:8080", u.Host)
}

func TestTimeoutsApplied(t *testing.T) {
	t.Parallel()
	f := NewFactory(Options{
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	})
	c, err := f.Client("")
	require.NoError(t, err)
	tr := c.Transport.(*http.Transport)
	require.Equal(t, 5*time.Second, tr.TLSHandshakeTimeout)
	require.Equal(t, 30*time.Second, tr.ResponseHeaderTimeout)
	require.Zero(t, c.Timeout, "stream clients must not carry a global timeout")
}
