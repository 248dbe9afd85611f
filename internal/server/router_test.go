package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

func TestRouterHandsSiteRequestsToInterceptor(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://localhost/songs/abc.pdf", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if app.recorder.lastPath != "/songs/abc.pdf" {
		t.Fatalf("unexpected intercepted path %s", app.recorder.lastPath)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if app.recorder.lastRequestID != resp.Header.Get("X-Request-ID") {
		t.Fatalf("request id in context does not match header")
	}
}

func TestRouterSkipsInterceptorForControlPaths(t *testing.T) {
	app := newTestApp(t, 5000)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "http://localhost/-/ping", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(body) != "pong" {
		t.Fatalf("unexpected control response %d %s", resp.StatusCode, string(body))
	}
	if app.recorder.lastPath != "" {
		t.Fatalf("interceptor should not see control paths, got %s", app.recorder.lastPath)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "http://localhost/-/missing", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown control path, got %d", resp.StatusCode)
	}
}

func TestRouterRecoversFromPanics(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	app, err := NewApp(AppOptions{
		Logger: logger,
		Interceptor: InterceptorFunc(func(fiber.Ctx) error {
			panic("boom")
		}),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "http://localhost/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"error"`)) {
		t.Fatalf("expected json error body, got %s", string(body))
	}
}

func TestRequestIDReadsLocals(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)

	if got := RequestID(ctx); got != "" {
		t.Fatalf("expected empty request id, got %q", got)
	}
	ctx.Locals(contextKeyRequestID, 42)
	if got := RequestID(ctx); got != "" {
		t.Fatalf("non-string locals should be ignored, got %q", got)
	}
	ctx.Locals(contextKeyRequestID, "req-1")
	if got := RequestID(ctx); got != "req-1" {
		t.Fatalf("unexpected request id %q", got)
	}
}

func TestIsControlPath(t *testing.T) {
	cases := map[string]bool{
		"/-/offline/status": true,
		"/-/":               true,
		"/-":                false,
		"/songs/-/x.pdf":    false,
		"/":                 false,
	}
	for path, want := range cases {
		if got := IsControlPath(path); got != want {
			t.Fatalf("IsControlPath(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	logger := logrus.New()
	if _, err := NewApp(AppOptions{Interceptor: &interceptorRecorder{}, ListenPort: 5000}); err == nil {
		t.Fatalf("expected error without logger")
	}
	if _, err := NewApp(AppOptions{Logger: logger, ListenPort: 5000}); err == nil {
		t.Fatalf("expected error without interceptor")
	}
	if _, err := NewApp(AppOptions{Logger: logger, Interceptor: &interceptorRecorder{}}); err == nil {
		t.Fatalf("expected error for invalid port")
	}
}

type testApp struct {
	*fiber.App
	recorder *interceptorRecorder
}

func newTestApp(t *testing.T, port int) *testApp {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &interceptorRecorder{}
	app, err := NewApp(AppOptions{
		Logger:      logger,
		Interceptor: recorder,
		ListenPort:  port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, recorder: recorder}
}

type interceptorRecorder struct {
	lastPath      string
	lastRequestID string
}

func (r *interceptorRecorder) Handle(c fiber.Ctx) error {
	r.lastPath = string(c.Request().URI().Path())
	r.lastRequestID = RequestID(c)
	return c.SendStatus(fiber.StatusNoContent)
}
