// Package transport 负责把单次请求经由指定代理发出并读回响应
package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"proxy-rotator/config"

	xproxy "golang.org/x/net/proxy"
)

// RequestSpec 一次逻辑请求的描述
type RequestSpec struct {
	Method       string
	URL          string
	Headers      map[string]string
	Body         []byte
	TargetRegion string // 故障转移时的区域偏好，可为空
}

// Response 单次尝试的结果，Body已按Content-Encoding解码
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Latency    time.Duration
}

// Transport 经由指定代理执行一次请求尝试
type Transport interface {
	RoundTrip(ctx context.Context, proxyCfg config.ProxyConfig, spec RequestSpec) (*Response, error)
}

// HTTPTransport 基于net/http的实现，按代理缓存底层连接池
type HTTPTransport struct {
	mutex      sync.RWMutex
	transports map[string]*http.Transport
}

// NewHTTPTransport creates a transport with per-proxy connection pools
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		transports: make(map[string]*http.Transport),
	}
}

// RoundTrip 经由代理执行请求并读取完整响应体
func (t *HTTPTransport) RoundTrip(ctx context.Context, proxyCfg config.ProxyConfig, spec RequestSpec) (*Response, error) {
	httpTransport, err := t.transportFor(proxyCfg)
	if err != nil {
		return nil, err
	}

	var bodyReader *bytes.Reader
	if spec.Body != nil {
		bodyReader = bytes.NewReader(spec.Body)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range spec.Headers {
		req.Header.Set(key, value)
	}

	client := &http.Client{
		Transport: httpTransport,
		Timeout:   proxyCfg.Timeout,
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
		Latency:    latency,
	}, nil
}

// Check 实现健康检查探测：经由代理请求测试URL，4xx/5xx视为探测失败
func (t *HTTPTransport) Check(ctx context.Context, proxyCfg config.ProxyConfig, testURL string) (time.Duration, error) {
	resp, err := t.RoundTrip(ctx, proxyCfg, RequestSpec{Method: http.MethodGet, URL: testURL})
	if err != nil {
		return 0, err
	}
	if resp.StatusCode >= 400 {
		return resp.Latency, fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return resp.Latency, nil
}

// transportFor 返回代理对应的底层传输，首次使用时创建并缓存
func (t *HTTPTransport) transportFor(proxyCfg config.ProxyConfig) (*http.Transport, error) {
	key := proxyCfg.Name + "|" + proxyCfg.URL

	t.mutex.RLock()
	cached, exists := t.transports[key]
	t.mutex.RUnlock()
	if exists {
		return cached, nil
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	if cached, exists = t.transports[key]; exists {
		return cached, nil
	}

	httpTransport, err := buildTransport(proxyCfg)
	if err != nil {
		return nil, err
	}
	t.transports[key] = httpTransport
	return httpTransport, nil
}

// buildTransport 根据代理类型构建底层传输
func buildTransport(proxyCfg config.ProxyConfig) (*http.Transport, error) {
	proxyURL, err := url.Parse(proxyCfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL '%s': %w", proxyCfg.URL, err)
	}

	base := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	switch proxyCfg.Type {
	case "http", "https":
		if proxyCfg.Username != "" {
			proxyURL.User = url.UserPassword(proxyCfg.Username, proxyCfg.Password)
		}
		base.Proxy = http.ProxyURL(proxyURL)
		return base, nil

	case "socks5":
		var auth *xproxy.Auth
		if proxyCfg.Username != "" {
			auth = &xproxy.Auth{
				User:     proxyCfg.Username,
				Password: proxyCfg.Password,
			}
		}

		dialer, err := xproxy.SOCKS5("tcp", proxyURL.Host, auth, &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}

		base.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if contextDialer, ok := dialer.(xproxy.ContextDialer); ok {
				return contextDialer.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
		return base, nil

	default:
		return nil, fmt.Errorf("unsupported proxy type: %s", proxyCfg.Type)
	}
}
