// Package interceptor 是站点前的本地代理：按路径把请求分派到透传、章节文件、
// 清单、导航与静态资源五种策略，并在断网时从本地缓存作答。
package interceptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/jamsite/jam-offline/internal/cache"
	"github.com/jamsite/jam-offline/internal/config"
	"github.com/jamsite/jam-offline/internal/logging"
	"github.com/jamsite/jam-offline/internal/server"
	"github.com/jamsite/jam-offline/internal/upstream"
)

// BlobReader 是拦截器对内容缓存的只读视图，写入只发生在同步编排器中。
type BlobReader interface {
	Match(ctx context.Context, key string) (*cache.ReadResult, error)
}

const offlinePage = `<!DOCTYPE html><html><head><title>Jam Songs - Offline</title>` +
	`<style>body{font-family:sans-serif;text-align:center;padding:20px;}</style></head>` +
	`<body><h1>Jam Songs</h1><p>You are offline. Please connect to the internet to access this site.</p></body></html>`

// storedHeaderSkip 列出不写入静态缓存的响应头，长度以缓存正文为准。
var storedHeaderSkip = map[string]struct{}{
	"Content-Length": {},
	"Set-Cookie":     {},
	"Date":           {},
}

type activeCache struct {
	cache.Cache
}

// Handler 负责把请求交给对应策略，内部复用共享 http.Client。
type Handler struct {
	client  *http.Client
	stream  *http.Client
	logger  *logrus.Logger
	site    config.SiteConfig
	blobs   BlobReader
	static  atomic.Pointer[activeCache]
	baseURL string
}

// NewHandler 创建拦截器；静态缓存通过 SetStatic 在安装完成后注入。
func NewHandler(client *http.Client, logger *logrus.Logger, site config.SiteConfig, blobs BlobReader) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		client:  client,
		logger:  logger,
		site:    site,
		blobs:   blobs,
		baseURL: site.Upstream,
	}
}

// SetStatic 切换当前使用的静态资源缓存，之后的请求立即生效。
func (h *Handler) SetStatic(c cache.Cache) {
	if c == nil {
		h.static.Store(nil)
		return
	}
	h.static.Store(&activeCache{Cache: c})
}

// SetStreamClient 指定透传请求使用的 client，未设置时沿用 NewHandler 传入的 client。
// 事件流需要不带整体超时的 client，见 upstream.NewStreamClient。
func (h *Handler) SetStreamClient(client *http.Client) {
	h.stream = client
}

// Static 返回当前静态资源缓存，未安装时为 nil。
func (h *Handler) Static() cache.Cache {
	if active := h.static.Load(); active != nil {
		return active.Cache
	}
	return nil
}

// exchange 记录单次请求的上下文，便于各策略共享日志字段。
type exchange struct {
	c         fiber.Ctx
	ctx       context.Context
	policy    Policy
	path      string
	key       string
	requestID string
	started   time.Time
}

// Handle 实现 server.Interceptor。
func (h *Handler) Handle(c fiber.Ctx) error {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	path := requestPath(c)
	ex := &exchange{
		c:         c,
		ctx:       ctx,
		policy:    Classify(h.site, path),
		path:      path,
		key:       requestKey(c, path),
		requestID: server.RequestID(c),
		started:   time.Now(),
	}

	switch ex.policy {
	case PolicyPassthrough:
		return h.passthrough(ex)
	case PolicyContent:
		return h.serveContent(ex)
	case PolicyManifest, PolicyNavigation:
		return h.networkFirst(ex)
	default:
		return h.cacheFirst(ex)
	}
}

// passthrough 原样转发，响应以流的形式返回且不落盘，适用于 API 与事件流。
func (h *Handler) passthrough(ex *exchange) error {
	client := h.stream
	if client == nil {
		client = h.client
	}
	resp, err := h.forwardWith(client, ex)
	if err != nil {
		h.logResult(ex, 0, false, err)
		return writeError(ex.c, fiber.StatusBadGateway, "upstream_failed")
	}
	copyResponseHeaders(ex.c, resp.Header)
	ex.c.Status(resp.StatusCode)
	h.logResult(ex, resp.StatusCode, false, nil)
	if ex.c.Method() == http.MethodHead {
		resp.Body.Close()
		return nil
	}
	// fasthttp 在写完后关闭实现了 io.Closer 的 body。
	ex.c.Response().SetBodyStream(resp.Body, -1)
	return nil
}

// serveContent 优先读内容缓存；未命中时回源但不缓存，两者都失败返回 404。
func (h *Handler) serveContent(ex *exchange) error {
	uuid, ok := ChartUUID(h.site, ex.path)
	if !ok {
		h.logResult(ex, fiber.StatusNotFound, false, errors.New("unresolvable chart path"))
		return writeError(ex.c, fiber.StatusNotFound, "chart_not_found")
	}

	if h.blobs != nil {
		result, err := h.blobs.Match(ex.ctx, cache.ChartKey(uuid))
		switch {
		case err == nil:
			ex.c.Set("Content-Location", ex.path)
			return h.serveCached(ex, result)
		case !errors.Is(err, cache.ErrNotFound):
			h.logger.WithFields(logging.RequestFields(ex.policy.String(), ex.path, false)).
				WithError(err).Warn("blob_read_failed")
		}
	}

	resp, err := h.forward(ex)
	if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		defer resp.Body.Close()
		return h.streamNetwork(ex, resp)
	}
	if err == nil {
		resp.Body.Close()
		err = &upstream.StatusError{URL: h.upstreamURL(ex.c, ex.path), StatusCode: resp.StatusCode}
	}
	h.logResult(ex, fiber.StatusNotFound, false, err)
	return writeError(ex.c, fiber.StatusNotFound, "chart_not_found")
}

// networkFirst 用于清单与导航页：先回源，2xx 刷新静态缓存；
// 传输失败或 5xx 时退回缓存副本。
func (h *Handler) networkFirst(ex *exchange) error {
	resp, err := h.forward(ex)
	if err == nil && resp.StatusCode < 500 {
		defer resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 && ex.c.Method() == http.MethodGet {
			return h.storeAndStream(ex, resp)
		}
		return h.streamNetwork(ex, resp)
	}

	if cached := h.matchStatic(ex); cached != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return h.serveCached(ex, cached)
	}

	if resp != nil {
		defer resp.Body.Close()
		return h.streamNetwork(ex, resp)
	}
	if ex.policy == PolicyNavigation {
		h.logResult(ex, fiber.StatusOK, false, err)
		ex.c.Set(fiber.HeaderContentType, "text/html; charset=utf-8")
		return ex.c.Status(fiber.StatusOK).SendString(offlinePage)
	}
	h.logResult(ex, 0, false, err)
	return writeError(ex.c, fiber.StatusBadGateway, "upstream_failed")
}

// cacheFirst 用于其余静态资源：命中直接返回，未命中回源，GET 且 200 时写入缓存。
func (h *Handler) cacheFirst(ex *exchange) error {
	if cached := h.matchStatic(ex); cached != nil {
		return h.serveCached(ex, cached)
	}

	resp, err := h.forward(ex)
	if err != nil {
		h.logResult(ex, 0, false, err)
		return writeError(ex.c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()
	if ex.c.Method() == http.MethodGet && resp.StatusCode == http.StatusOK {
		return h.storeAndStream(ex, resp)
	}
	return h.streamNetwork(ex, resp)
}

func (h *Handler) matchStatic(ex *exchange) *cache.ReadResult {
	method := ex.c.Method()
	if method != http.MethodGet && method != http.MethodHead {
		return nil
	}
	static := h.Static()
	if static == nil {
		return nil
	}
	result, err := static.Match(ex.ctx, ex.key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			h.logger.WithFields(logging.RequestFields(ex.policy.String(), ex.path, false)).
				WithError(err).Warn("cache_get_failed")
		}
		return nil
	}
	return result
}

func (h *Handler) serveCached(ex *exchange, result *cache.ReadResult) error {
	defer result.Reader.Close()

	for key, values := range result.Entry.Header {
		for _, value := range values {
			ex.c.Set(key, value)
		}
	}
	ex.c.Set("X-Offline-Cache-Hit", "true")
	ex.c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
	ex.c.Status(fiber.StatusOK)

	if ex.c.Method() == http.MethodHead {
		h.logResult(ex, fiber.StatusOK, true, nil)
		return nil
	}
	_, err := io.Copy(ex.c.Response().BodyWriter(), result.Reader)
	h.logResult(ex, fiber.StatusOK, true, err)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

func (h *Handler) streamNetwork(ex *exchange, resp *http.Response) error {
	copyResponseHeaders(ex.c, resp.Header)
	ex.c.Set("X-Offline-Cache-Hit", "false")
	ex.c.Status(resp.StatusCode)
	if ex.c.Method() == http.MethodHead {
		h.logResult(ex, resp.StatusCode, false, nil)
		return nil
	}
	_, err := io.Copy(ex.c.Response().BodyWriter(), resp.Body)
	h.logResult(ex, resp.StatusCode, false, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// storeAndStream 边向客户端输出边写入静态缓存；缓存写失败不影响响应。
func (h *Handler) storeAndStream(ex *exchange, resp *http.Response) error {
	static := h.Static()
	if static == nil {
		return h.streamNetwork(ex, resp)
	}
	copyResponseHeaders(ex.c, resp.Header)
	ex.c.Set("X-Offline-Cache-Hit", "false")
	ex.c.Status(resp.StatusCode)

	body := ex.c.Response().BodyWriter()
	reader := io.TeeReader(resp.Body, body)
	_, err := static.Put(ex.ctx, ex.key, reader, cache.PutOptions{
		Header:  storedHeaders(resp.Header),
		ModTime: extractModTime(resp.Header),
	})
	if err != nil {
		h.logger.WithFields(logging.RequestFields(ex.policy.String(), ex.path, false)).
			WithError(err).Warn("cache_write_failed")
		// 补齐尚未转发的部分。
		if _, copyErr := io.Copy(body, resp.Body); copyErr != nil {
			h.logResult(ex, resp.StatusCode, false, copyErr)
			return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", copyErr))
		}
	}
	h.logResult(ex, resp.StatusCode, false, nil)
	return nil
}

func (h *Handler) forward(ex *exchange) (*http.Response, error) {
	return h.forwardWith(h.client, ex)
}

func (h *Handler) forwardWith(client *http.Client, ex *exchange) (*http.Response, error) {
	req, err := h.buildUpstreamRequest(ex)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

func (h *Handler) buildUpstreamRequest(ex *exchange) (*http.Request, error) {
	c := ex.c
	req, err := http.NewRequestWithContext(ex.ctx, c.Method(), h.upstreamURL(c, ex.path), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}
	upstream.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Header.Del("Accept-Encoding")
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	if ex.requestID != "" {
		req.Header.Set("X-Request-ID", ex.requestID)
	}
	return req, nil
}

func (h *Handler) upstreamURL(c fiber.Ctx, path string) string {
	target := h.baseURL + path
	if query := c.Request().URI().QueryString(); len(query) > 0 {
		target += "?" + string(query)
	}
	return target
}

func (h *Handler) logResult(ex *exchange, status int, cacheHit bool, err error) {
	fields := logging.RequestFields(ex.policy.String(), ex.path, cacheHit)
	fields["method"] = ex.c.Method()
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(ex.started).Milliseconds()
	if ex.requestID != "" {
		fields["request_id"] = ex.requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("intercept_failed")
		return
	}
	h.logger.WithFields(fields).Debug("intercept_complete")
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func requestPath(c fiber.Ctx) string {
	pathVal := string(c.Request().URI().Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

// requestKey 以路径加查询串标识静态缓存条目。
func requestKey(c fiber.Ctx, path string) string {
	if query := c.Request().URI().QueryString(); len(query) > 0 {
		return path + "?" + string(query)
	}
	return path
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if upstream.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func storedHeaders(src http.Header) http.Header {
	dst := http.Header{}
	for key, values := range src {
		if upstream.IsHopByHopHeader(key) {
			continue
		}
		if _, skip := storedHeaderSkip[http.CanonicalHeaderKey(key)]; skip {
			continue
		}
		dst[key] = append([]string(nil), values...)
	}
	return dst
}

func extractModTime(header http.Header) time.Time {
	if last := header.Get("Last-Modified"); last != "" {
		if parsed, err := http.ParseTime(last); err == nil {
			return parsed.UTC()
		}
	}
	return time.Now().UTC()
}
