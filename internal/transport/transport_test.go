package transport

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"proxy-rotator/config"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestProxyConfig(proxyURL string) config.ProxyConfig {
	return config.ProxyConfig{
		Name:    "proxy-test",
		URL:     proxyURL,
		Type:    "http",
		Timeout: 5 * time.Second,
	}
}

// HTTP代理转发http目标时收到绝对URI请求，httptest服务器可以直接扮演代理
func TestRoundTripThroughHTTPProxy(t *testing.T) {
	var seenURL, seenHeader string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenURL = r.URL.String()
		seenHeader = r.Header.Get("X-Test")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer proxy.Close()

	tr := NewHTTPTransport()
	resp, err := tr.RoundTrip(context.Background(), createTestProxyConfig(proxy.URL), RequestSpec{
		Method:  http.MethodGet,
		URL:     "http://upstream.example/api/data",
		Headers: map[string]string{"X-Test": "value-1"},
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("hello"), resp.Body)
	assert.Greater(t, resp.Latency, time.Duration(0))
	assert.Equal(t, "http://upstream.example/api/data", seenURL, "代理应收到绝对URI")
	assert.Equal(t, "value-1", seenHeader)
}

func TestRoundTripDecodesGzip(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		io.WriteString(gz, "compressed payload")
		gz.Close()
	}))
	defer proxy.Close()

	tr := NewHTTPTransport()
	resp, err := tr.RoundTrip(context.Background(), createTestProxyConfig(proxy.URL), RequestSpec{
		Method: http.MethodGet,
		URL:    "http://upstream.example/",
	})

	require.NoError(t, err)
	assert.Equal(t, "compressed payload", string(resp.Body), "gzip响应体应被解码")
}

func TestRoundTripDecodesBrotli(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		br := brotli.NewWriter(w)
		io.WriteString(br, "brotli payload")
		br.Close()
	}))
	defer proxy.Close()

	tr := NewHTTPTransport()
	resp, err := tr.RoundTrip(context.Background(), createTestProxyConfig(proxy.URL), RequestSpec{
		Method: http.MethodGet,
		URL:    "http://upstream.example/",
	})

	require.NoError(t, err)
	assert.Equal(t, "brotli payload", string(resp.Body), "brotli响应体应被解码")
}

func TestHealthCheckProbe(t *testing.T) {
	status := http.StatusNoContent
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer proxy.Close()

	tr := NewHTTPTransport()
	cfg := createTestProxyConfig(proxy.URL)

	latency, err := tr.Check(context.Background(), cfg, "http://upstream.example/generate_204")
	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))

	status = http.StatusBadGateway
	_, err = tr.Check(context.Background(), cfg, "http://upstream.example/generate_204")
	assert.Error(t, err, "5xx探测响应应视为不健康")
}

func TestBuildTransportSOCKS5(t *testing.T) {
	httpTransport, err := buildTransport(config.ProxyConfig{
		Name:     "proxy-socks",
		URL:      "socks5://127.0.0.1:1080",
		Type:     "socks5",
		Username: "user",
		Password: "pass",
	})
	require.NoError(t, err)
	assert.NotNil(t, httpTransport.DialContext, "SOCKS5代理应通过自定义拨号器建连")
	assert.Nil(t, httpTransport.Proxy)
}

func TestBuildTransportUnsupportedType(t *testing.T) {
	_, err := buildTransport(config.ProxyConfig{
		Name: "proxy-bad",
		URL:  "http://127.0.0.1:8080",
		Type: "ftp",
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported proxy type")
}

func TestTransportCachedPerProxy(t *testing.T) {
	tr := NewHTTPTransport()
	cfg := createTestProxyConfig("http://127.0.0.1:8080")

	first, err := tr.transportFor(cfg)
	require.NoError(t, err)
	second, err := tr.transportFor(cfg)
	require.NoError(t, err)
	assert.Same(t, first, second, "同一代理应复用底层传输")
}

func TestRoundTripContextCancellation(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer proxy.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	tr := NewHTTPTransport()
	_, err := tr.RoundTrip(ctx, createTestProxyConfig(proxy.URL), RequestSpec{
		Method: http.MethodGet,
		URL:    "http://upstream.example/",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
