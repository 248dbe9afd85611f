// Package upstream holds the shared HTTP plumbing used to reach the chart site
// origin: tuned clients, hop-by-hop header filtering and a small retrying GET
// used by the manifest fetcher and the blob downloader.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jamsite/jam-offline/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewClient 返回拦截器使用的 http.Client，整体超时取自 UpstreamTimeout，保证请求不会无限挂起。
func NewClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: buildTransport(cfg),
	}
}

// NewStreamClient 返回透传请求使用的 http.Client。
// 不设整体超时，事件流等长响应可以持续读取；UpstreamTimeout 只约束等待响应头的时间。
func NewStreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}
	transport := buildTransport(cfg)
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{
		Transport: transport,
	}
}

// NewSyncClient 返回同步编排器使用的 http.Client。
// 大文件下载不设整体超时，仅保留拨号与 TLS 握手超时，失败以普通错误形式暴露。
func NewSyncClient(cfg *config.Config) *http.Client {
	return &http.Client{
		Transport: buildTransport(cfg),
	}
}

func buildTransport(cfg *config.Config) *http.Transport {
	transport := defaultTransport.Clone()
	if cfg != nil && cfg.Site.Proxy != "" {
		if proxyURL, err := url.Parse(cfg.Site.Proxy); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return transport
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// RetryPolicy 描述 Get 在传输错误或 5xx 时的重试行为。
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
}

// RetryPolicyFromConfig 读取 MaxRetries/InitialBackoff。
func RetryPolicyFromConfig(cfg *config.Config) RetryPolicy {
	if cfg == nil {
		return RetryPolicy{}
	}
	return RetryPolicy{
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
	}
}

// StatusError 表示源站返回了非 2xx 状态码。
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// Get 发起 GET 请求并在传输错误或 5xx 时按指数退避重试；返回的响应一定是 2xx，调用方负责关闭 Body。
// header 中的字段会附加到每次请求上。
func Get(ctx context.Context, client *http.Client, rawURL string, header http.Header, policy RetryPolicy) (*http.Response, error) {
	maxRetries := policy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2

	resp, err := backoff.Retry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		for key, values := range header {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		resp.Body.Close()
		statusErr := &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
		if resp.StatusCode < 500 {
			return nil, backoff.Permanent(statusErr)
		}
		return nil, statusErr
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxRetries)+1), backoff.WithMaxElapsedTime(0))
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		return nil, err
	}
	return resp, nil
}
