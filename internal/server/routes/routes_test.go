package routes

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamsite/jam-offline/internal/bridge"
	"github.com/jamsite/jam-offline/internal/logging"
	"github.com/jamsite/jam-offline/internal/syncer"
	"github.com/jamsite/jam-offline/internal/version"
)

type fakeStatus struct {
	snap syncer.Snapshot
}

func (f fakeStatus) Snapshot() syncer.Snapshot { return f.snap }

type fakePrefs struct {
	mu      sync.Mutex
	enabled bool
	err     error
}

func (p *fakePrefs) OfflineEnabled(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled, p.err
}

func (p *fakePrefs) SetOfflineEnabled(_ context.Context, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
	return p.err
}

type fakeCounter int

func (c fakeCounter) Count(context.Context) (int, error) { return int(c), nil }

type fakeLister []string

func (l fakeLister) Names() ([]string, error) { return l, nil }

func newOfflineApp(t *testing.T, b *bridge.Bridge, prefs *fakePrefs, snap syncer.Snapshot) *fiber.App {
	t.Helper()
	app := fiber.New()
	RegisterOfflineRoutes(app, OfflineDeps{
		Bridge:      b,
		Status:      fakeStatus{snap: snap},
		Preferences: prefs,
		Logger:      logging.Discard(),
	})
	return app
}

func postCommand(t *testing.T, app *fiber.App, body string) (int, string) {
	t.Helper()
	req := httptest.NewRequest("POST", "/-/offline/commands", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

func TestCommandsAreForwardedToBridge(t *testing.T) {
	b := bridge.New()
	defer b.Close()
	prefs := &fakePrefs{}
	app := newOfflineApp(t, b, prefs, syncer.Snapshot{})

	status, body := postCommand(t, app, `{"type":"START"}`)
	assert.Equal(t, fiber.StatusAccepted, status)
	assert.Contains(t, body, "START")
	assert.Equal(t, bridge.CommandStart, <-b.Commands())
	enabled, _ := prefs.OfflineEnabled(context.Background())
	assert.True(t, enabled)

	status, _ = postCommand(t, app, `{"type":"sync"}`)
	assert.Equal(t, fiber.StatusAccepted, status)
	assert.Equal(t, bridge.CommandSync, <-b.Commands())
	enabled, _ = prefs.OfflineEnabled(context.Background())
	assert.True(t, enabled, "SYNC leaves the preference alone")

	status, _ = postCommand(t, app, `{"type":"STOP"}`)
	assert.Equal(t, fiber.StatusAccepted, status)
	assert.Equal(t, bridge.CommandStop, <-b.Commands())
	enabled, _ = prefs.OfflineEnabled(context.Background())
	assert.False(t, enabled)
}

func TestCommandsRejectBadInput(t *testing.T) {
	b := bridge.New()
	defer b.Close()
	app := newOfflineApp(t, b, &fakePrefs{}, syncer.Snapshot{})

	status, body := postCommand(t, app, `not json`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Contains(t, body, "invalid_body")

	status, body = postCommand(t, app, `{"type":"PAUSE"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Contains(t, body, "invalid_command")
	assert.Len(t, b.Commands(), 0)
}

func TestCommandsReportClosedBridge(t *testing.T) {
	b := bridge.New()
	b.Close()
	app := newOfflineApp(t, b, nil, syncer.Snapshot{})

	status, body := postCommand(t, app, `{"type":"START"}`)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Contains(t, body, "command_queue_full")
}

func TestDroppedCommandKeepsPreference(t *testing.T) {
	b := bridge.New()
	defer b.Close()
	for b.Send(bridge.CommandSync) {
	}
	prefs := &fakePrefs{enabled: true}
	app := newOfflineApp(t, b, prefs, syncer.Snapshot{})

	status, body := postCommand(t, app, `{"type":"STOP"}`)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Contains(t, body, "command_queue_full")
	enabled, _ := prefs.OfflineEnabled(context.Background())
	assert.True(t, enabled, "a STOP that never reached the queue must not disable resume")
}

func TestStatusIncludesPreference(t *testing.T) {
	b := bridge.New()
	defer b.Close()
	app := newOfflineApp(t, b, &fakePrefs{enabled: true}, syncer.Snapshot{State: syncer.StateSynced, ManifestTotal: 12})

	resp, err := app.Test(httptest.NewRequest("GET", "/-/offline/status", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var payload struct {
		Sync struct {
			State         string `json:"state"`
			ManifestTotal int    `json:"manifest_total"`
		} `json:"sync"`
		OfflineEnabled bool `json:"offline_enabled"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "SYNCED", payload.Sync.State)
	assert.Equal(t, 12, payload.Sync.ManifestTotal)
	assert.True(t, payload.OfflineEnabled)
}

func TestStatusPreferenceFailure(t *testing.T) {
	b := bridge.New()
	defer b.Close()
	app := newOfflineApp(t, b, &fakePrefs{err: errors.New("db closed")}, syncer.Snapshot{})

	resp, err := app.Test(httptest.NewRequest("GET", "/-/offline/status", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func TestStreamEventsWritesSSE(t *testing.T) {
	events := make(chan bridge.Event, 3)
	events <- bridge.Event{Status: bridge.StatusChecking}
	events <- bridge.Downloading(0, 2)
	close(events)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	streamEvents(w, events, time.Hour)
	require.NoError(t, w.Flush())

	out := buf.String()
	assert.Contains(t, out, `data: {"type":"progress","status":"checking"}`+"\n\n")
	assert.Contains(t, out, `"status":"downloading","data":{"current":0,"total":2,"message":"Downloading..."}`)
}

func TestEventsEndpointStreamsUntilBridgeCloses(t *testing.T) {
	b := bridge.New()
	app := newOfflineApp(t, b, nil, syncer.Snapshot{})

	go func() {
		deadline := time.Now().Add(500 * time.Millisecond)
		for b.Subscribers() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		b.Publish(bridge.Event{Status: bridge.StatusCleared})
		b.Close()
	}()

	resp, err := app.Test(httptest.NewRequest("GET", "/-/offline/events", nil))
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"status":"cleared"`)
}

func TestDiagnosticsReportsProgress(t *testing.T) {
	app := fiber.New()
	RegisterDiagnosticsRoutes(app, DiagnosticsDeps{
		Status: fakeStatus{snap: syncer.Snapshot{State: syncer.StateSyncing, ManifestTotal: 40}},
		Charts: fakeCounter(25),
		Caches: fakeLister{"chart-cache", "jam-static-v6"},
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/-/diagnostics", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var payload diagnosticsPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, diagnosticsPayload{
		SiteVersion:   "v6",
		CachedCharts:  25,
		ManifestTotal: 40,
		State:         "SYNCING",
		Build:         version.Full(),
	}, payload)
}
