package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartpark-worker-go/internal/models"
)

const testBaseURL = "http://backend.test"

func setupHTTPMock(t *testing.T) {
	t.Helper()
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)
}

func newTestClient(t *testing.T, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = testBaseURL
	cfg.APIKey = "secret"
	cfg.HardwareCode = "CAM-TEST-01"
	cfg.LotID = "lot-7"
	cfg.RetryDelay = time.Millisecond
	for _, m := range mutate {
		m(&cfg)
	}
	return NewClient(cfg, zerolog.Nop())
}

// capture records request bodies and headers for one endpoint
type capture struct {
	mu      sync.Mutex
	bodies  []map[string]interface{}
	headers []http.Header
}

func (c *capture) responder(status int, body string) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		decoded := map[string]interface{}{}
		if req.Body != nil {
			raw, _ := io.ReadAll(req.Body)
			if len(raw) > 0 {
				_ = json.Unmarshal(raw, &decoded)
			}
		}
		c.bodies = append(c.bodies, decoded)
		c.headers = append(c.headers, req.Header.Clone())
		return httpmock.NewStringResponse(status, body), nil
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func slotURL() string { return testBaseURL + DefaultConfig().SlotStatusPath }

func intPtr(v int) *int { return &v }

func TestSendSlotStatusImmediate(t *testing.T) {
	setupHTTPMock(t)
	var rec capture
	httpmock.RegisterResponder(http.MethodPost, slotURL(), rec.responder(http.StatusCreated, `{"id": 1}`))

	client := newTestClient(t)
	err := client.SendSlotStatus(context.Background(), models.SlotStatusEvent{
		SlotID:        12,
		Status:        models.SlotStatusOccupied,
		Confidence:    0.87654,
		VehicleTypeID: intPtr(2),
	})
	require.NoError(t, err)
	require.Equal(t, 1, rec.count())

	body := rec.bodies[0]
	assert.EqualValues(t, 12, body["slot_id"])
	assert.Equal(t, "OCCUPIED", body["status"])
	assert.Equal(t, "0.877", body["confidence"])
	assert.EqualValues(t, 2, body["vehicle_type_id"])

	headers := rec.headers[0]
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "application/json", headers.Get("Accept"))
	assert.Equal(t, "SmartPark-Camera/CAM-TEST-01", headers.Get("User-Agent"))
	assert.Equal(t, "secret", headers.Get("X-API-Key"))
}

func TestSendSlotStatusOmitsVehicleType(t *testing.T) {
	setupHTTPMock(t)
	var rec capture
	httpmock.RegisterResponder(http.MethodPost, slotURL(), rec.responder(http.StatusOK, `{}`))

	client := newTestClient(t, func(c *Config) { c.APIKey = "" })
	require.NoError(t, client.SendSlotStatus(context.Background(), models.SlotStatusEvent{
		SlotID: 3, Status: models.SlotStatusFree, Confidence: 0.95,
	}))

	require.Equal(t, 1, rec.count())
	_, ok := rec.bodies[0]["vehicle_type_id"]
	assert.False(t, ok)
	assert.Empty(t, rec.headers[0].Get("X-API-Key"))
}

func TestBufferedEventsFlushAtBatchSize(t *testing.T) {
	setupHTTPMock(t)
	var rec capture
	httpmock.RegisterResponder(http.MethodPost, slotURL(), rec.responder(http.StatusOK, `{"created": 3}`))

	client := newTestClient(t, func(c *Config) { c.BatchSize = 3 })
	fixed := client.lastFlush
	client.now = func() time.Time { return fixed }

	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		resp := client.SendSlotStatusEvent(ctx, models.SlotStatusEvent{SlotID: i, Status: models.SlotStatusFree, Confidence: 0.9}, false)
		assert.True(t, resp.Success)
		assert.Equal(t, "Event buffered", resp.Data["message"])
	}
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, 2, client.Statistics()["buffer_size"])

	resp := client.SendSlotStatusEvent(ctx, models.SlotStatusEvent{SlotID: 3, Status: models.SlotStatusOccupied, Confidence: 0.8}, false)
	require.True(t, resp.Success)
	require.Equal(t, 1, rec.count())

	body := rec.bodies[0]
	assert.Equal(t, "CAM-TEST-01", body["hardware_code"])
	assert.Equal(t, "lot-7", body["lot_id"])
	events, ok := body["events"].([]interface{})
	require.True(t, ok)
	assert.Len(t, events, 3)
	first := events[0].(map[string]interface{})
	assert.EqualValues(t, 1, first["slot_id"])
	assert.Equal(t, "0.900", first["confidence"])
	assert.InDelta(t, float64(fixed.Unix()), first["timestamp"], 1)
	assert.Equal(t, 0, client.Statistics()["buffer_size"])
}

func TestBufferedEventFlushesAfterInterval(t *testing.T) {
	setupHTTPMock(t)
	var rec capture
	httpmock.RegisterResponder(http.MethodPost, slotURL(), rec.responder(http.StatusOK, `{}`))

	client := newTestClient(t, func(c *Config) { c.FlushInterval = time.Minute })
	client.now = func() time.Time { return client.lastFlush.Add(2 * time.Minute) }

	resp := client.SendSlotStatusEvent(context.Background(), models.SlotStatusEvent{SlotID: 1, Status: models.SlotStatusFree}, false)
	require.True(t, resp.Success)
	assert.Equal(t, 1, rec.count())
}

func TestEmptyFlushAndBulk(t *testing.T) {
	setupHTTPMock(t)
	client := newTestClient(t)

	resp := client.FlushEventBuffer(context.Background())
	assert.True(t, resp.Success)
	assert.Equal(t, "Buffer is empty", resp.Data["message"])

	resp = client.SendBulkStatusEvents(context.Background(), nil)
	assert.True(t, resp.Success)
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}

func TestServerErrorsAreRetried(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodPost, slotURL(),
		httpmock.NewStringResponder(http.StatusServiceUnavailable, `{"error": "maintenance"}`))

	client := newTestClient(t, func(c *Config) { c.RetryAttempts = 3 })
	resp := client.SendSlotStatusEvent(context.Background(), models.SlotStatusEvent{SlotID: 1, Status: models.SlotStatusFree}, true)

	assert.False(t, resp.Success)
	assert.Equal(t, 3, httpmock.GetTotalCallCount())
	assert.Contains(t, resp.ErrorMessage, "failed after 3 attempts")
	assert.Contains(t, resp.ErrorMessage, "maintenance")

	stats := client.Statistics()
	assert.Equal(t, 4, stats["total_requests"])
	assert.Equal(t, 0, stats["successful_requests"])
	assert.Equal(t, 4, stats["failed_requests"])
	assert.Equal(t, resp.ErrorMessage, stats["last_error"])
}

func TestServerErrorThenSuccess(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodPost, slotURL(),
		httpmock.NewStringResponder(http.StatusBadGateway, `bad gateway`).
			Then(httpmock.NewStringResponder(http.StatusOK, `{"ok": true}`)))

	client := newTestClient(t)
	resp := client.SendSlotStatusEvent(context.Background(), models.SlotStatusEvent{SlotID: 1, Status: models.SlotStatusFree}, true)

	require.True(t, resp.Success)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, resp.Data["ok"])
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"json_error_field", http.StatusBadRequest, `{"error": "unknown slot"}`, "unknown slot"},
		{"html_title", http.StatusNotFound, `<html><head><title>Page not found at /api/</title></head><body>...</body></html>`, "Page not found at /api/"},
		{"no_detail", http.StatusForbidden, `{"detail": "nope"}`, "HTTP Error"},
		{"unauthorized", http.StatusUnauthorized, `{"error": "bad key"}`, "bad key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupHTTPMock(t)
			httpmock.RegisterResponder(http.MethodPost, slotURL(), httpmock.NewStringResponder(tt.status, tt.body))

			client := newTestClient(t)
			resp := client.SendSlotStatusEvent(context.Background(), models.SlotStatusEvent{SlotID: 1, Status: models.SlotStatusFree}, true)

			assert.False(t, resp.Success)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.wantMsg, resp.ErrorMessage)
			assert.Equal(t, 1, httpmock.GetTotalCallCount())

			err := resp.Err()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestNetworkErrorsAreRetried(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodPost, slotURL(), httpmock.NewErrorResponder(errors.New("connection refused")))

	client := newTestClient(t, func(c *Config) { c.RetryAttempts = 2 })
	err := client.SendSlotStatus(context.Background(), models.SlotStatusEvent{SlotID: 1, Status: models.SlotStatusFree})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodPost, slotURL(),
		httpmock.NewStringResponder(http.StatusInternalServerError, `{}`))

	client := newTestClient(t, func(c *Config) {
		c.RetryAttempts = 5
		c.RetryDelay = time.Hour
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	resp := client.SendSlotStatusEvent(ctx, models.SlotStatusEvent{SlotID: 1, Status: models.SlotStatusFree}, true)
	assert.False(t, resp.Success)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.Contains(t, resp.ErrorMessage, context.DeadlineExceeded.Error())
}

func TestTestConnection(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/health/", httpmock.NewStringResponder(http.StatusOK, `{"status": "ok"}`))

	client := newTestClient(t)
	assert.False(t, client.IsConnected())
	assert.Equal(t, "disconnected", client.Statistics()["connection_status"])

	resp := client.TestConnection(context.Background())
	require.True(t, resp.Success)
	assert.True(t, client.IsConnected())

	stats := client.Statistics()
	assert.Equal(t, "connected", stats["connection_status"])
	assert.Equal(t, 1, stats["total_requests"])
	assert.InDelta(t, 100.0, stats["success_rate"], 0.001)
	assert.Equal(t, testBaseURL, stats["base_url"])
	assert.Nil(t, stats["last_error"])
}

func TestTestConnectionFailure(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/health/", httpmock.NewStringResponder(http.StatusNotFound, `{}`))

	client := newTestClient(t)
	resp := client.TestConnection(context.Background())
	assert.False(t, resp.Success)
	assert.False(t, client.IsConnected())
	assert.Equal(t, "error", client.Statistics()["connection_status"])
}

func TestSendHeartbeat(t *testing.T) {
	setupHTTPMock(t)
	var rec capture
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/api/hardware/heartbeats/", rec.responder(http.StatusOK, `{}`))

	client := newTestClient(t)
	assert.Nil(t, client.Statistics()["last_heartbeat"])

	err := client.SendHeartbeat(context.Background(), map[string]interface{}{
		"frame_count": 42,
		"mode":        "hybrid",
	})
	require.NoError(t, err)
	require.Equal(t, 1, rec.count())

	body := rec.bodies[0]
	assert.Equal(t, "CAM-TEST-01", body["hardware_code"])
	assert.Equal(t, "lot-7", body["lot_id"])
	assert.EqualValues(t, 42, body["frame_count"])
	assert.Equal(t, "hybrid", body["mode"])
	assert.NotEmpty(t, body["timestamp"])
	assert.NotNil(t, client.Statistics()["last_heartbeat"])
}

func TestResponseTimeAverage(t *testing.T) {
	client := newTestClient(t)

	client.recordResponse(http.StatusOK, time.Second, "")
	assert.InDelta(t, 1.0, client.stats.avgResponseTime, 1e-9)

	client.recordResponse(http.StatusOK, 2*time.Second, "")
	assert.InDelta(t, 1.1, client.stats.avgResponseTime, 1e-9)
}

func TestStartAndCloseFlushBuffer(t *testing.T) {
	setupHTTPMock(t)
	var rec capture
	httpmock.RegisterResponder(http.MethodPost, slotURL(), rec.responder(http.StatusOK, `{}`))

	client := newTestClient(t, func(c *Config) { c.FlushInterval = time.Hour })
	fixed := client.lastFlush
	client.now = func() time.Time { return fixed }

	client.Start(context.Background())
	resp := client.SendSlotStatusEvent(context.Background(), models.SlotStatusEvent{SlotID: 9, Status: models.SlotStatusOccupied}, false)
	require.True(t, resp.Success)
	assert.Equal(t, 0, rec.count())

	require.NoError(t, client.Close(context.Background()))
	assert.Equal(t, 1, rec.count())

	// A second close is a no-op
	require.NoError(t, client.Close(context.Background()))
	assert.Equal(t, 1, rec.count())
}

func TestPeriodicFlush(t *testing.T) {
	setupHTTPMock(t)
	var rec capture
	httpmock.RegisterResponder(http.MethodPost, slotURL(), rec.responder(http.StatusOK, `{}`))

	client := newTestClient(t, func(c *Config) { c.FlushInterval = 10 * time.Millisecond })
	fixed := client.lastFlush
	client.now = func() time.Time { return fixed }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)

	client.SendSlotStatusEvent(ctx, models.SlotStatusEvent{SlotID: 1, Status: models.SlotStatusFree}, false)
	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close(context.Background()))
}

func TestCloseWithoutStart(t *testing.T) {
	setupHTTPMock(t)
	client := newTestClient(t)
	require.NoError(t, client.Close(context.Background()))

	// Start after Close must not spawn the flusher
	client.Start(context.Background())
}
