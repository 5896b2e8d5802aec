package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"smartpark-worker-go/internal/models"
)

const (
	statusConnected    = "connected"
	statusDisconnected = "disconnected"
	statusError        = "error"

	responseTimeAlpha = 0.1
)

var (
	_ models.EventSink       = (*Client)(nil)
	_ models.HeartbeatSender = (*Client)(nil)
)

// Config holds the backend API connection settings
type Config struct {
	BaseURL        string
	SlotStatusPath string
	HeartbeatPath  string
	HealthPath     string
	APIKey         string
	HardwareCode   string
	LotID          string
	Timeout        time.Duration
	RetryAttempts  int
	RetryDelay     time.Duration
	BatchSize      int
	FlushInterval  time.Duration
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:8000",
		SlotStatusPath: "/api/hardware/events/slot-status/",
		HeartbeatPath:  "/api/hardware/heartbeats/",
		HealthPath:     "/health/",
		HardwareCode:   "CAM-DEMO-01",
		Timeout:        30 * time.Second,
		RetryAttempts:  3,
		RetryDelay:     time.Second,
		BatchSize:      10,
		FlushInterval:  30 * time.Second,
	}
}

// APIResponse is the outcome of one logical request, after retries
type APIResponse struct {
	Success      bool                   `json:"success"`
	StatusCode   int                    `json:"status_code"`
	Data         map[string]interface{} `json:"data"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	ResponseTime time.Duration          `json:"response_time"`
}

// Err converts an unsuccessful response into an error
func (r APIResponse) Err() error {
	if r.Success {
		return nil
	}
	if r.StatusCode == 0 {
		return fmt.Errorf("backend request failed: %s", r.ErrorMessage)
	}
	return fmt.Errorf("backend returned %d: %s", r.StatusCode, r.ErrorMessage)
}

type clientStats struct {
	totalRequests      int
	successfulRequests int
	failedRequests     int
	avgResponseTime    float64
	lastError          string
}

// Client talks to the SmartPark backend. It sends slot status events, either
// immediately or through a batching buffer, and camera heartbeats.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time

	mu               sync.Mutex
	buffer           []models.SlotStatusEvent
	lastFlush        time.Time
	stats            clientStats
	connectionStatus string
	lastHeartbeat    time.Time

	startOnce sync.Once
	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewClient creates a backend client. Zero values in cfg fall back to the defaults.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.SlotStatusPath == "" {
		cfg.SlotStatusPath = def.SlotStatusPath
	}
	if cfg.HeartbeatPath == "" {
		cfg.HeartbeatPath = def.HeartbeatPath
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = def.HealthPath
	}
	if cfg.HardwareCode == "" {
		cfg.HardwareCode = def.HardwareCode
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}

	logger.Info().
		Str("base_url", cfg.BaseURL).
		Str("hardware_code", cfg.HardwareCode).
		Msg("Backend client initialized")

	return &Client{
		cfg:              cfg,
		httpClient:       &http.Client{Timeout: cfg.Timeout},
		logger:           logger,
		now:              time.Now,
		lastFlush:        time.Now(),
		connectionStatus: statusDisconnected,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// SendSlotStatus posts a single event immediately. It satisfies models.EventSink.
func (c *Client) SendSlotStatus(ctx context.Context, event models.SlotStatusEvent) error {
	return c.SendSlotStatusEvent(ctx, event, true).Err()
}

// SendSlotStatusEvent posts the event now when immediate is set, otherwise it
// buffers it until the batch size or the flush interval is reached
func (c *Client) SendSlotStatusEvent(ctx context.Context, event models.SlotStatusEvent, immediate bool) APIResponse {
	if event.Timestamp.IsZero() {
		event.Timestamp = c.now()
	}
	if immediate {
		return c.sendSingleEvent(ctx, event)
	}

	c.mu.Lock()
	c.buffer = append(c.buffer, event)
	shouldFlush := len(c.buffer) >= c.cfg.BatchSize || c.now().Sub(c.lastFlush) > c.cfg.FlushInterval
	c.mu.Unlock()

	if shouldFlush {
		return c.FlushEventBuffer(ctx)
	}
	return APIResponse{
		Success:    true,
		StatusCode: http.StatusOK,
		Data:       map[string]interface{}{"message": "Event buffered"},
	}
}

func (c *Client) sendSingleEvent(ctx context.Context, event models.SlotStatusEvent) APIResponse {
	payload := map[string]interface{}{
		"slot_id":    event.SlotID,
		"status":     event.Status,
		"confidence": formatConfidence(event.Confidence),
	}
	if event.VehicleTypeID != nil {
		payload["vehicle_type_id"] = *event.VehicleTypeID
	}

	c.logger.Debug().Interface("payload", payload).Msg("Sending slot status event")
	resp := c.do(ctx, http.MethodPost, c.cfg.SlotStatusPath, payload)
	if !resp.Success {
		c.logger.Error().
			Int("status_code", resp.StatusCode).
			Int("slot_id", event.SlotID).
			Str("error", resp.ErrorMessage).
			Msg("Slot status event rejected")
	}
	return resp
}

// SendBulkStatusEvents posts several events in one request
func (c *Client) SendBulkStatusEvents(ctx context.Context, events []models.SlotStatusEvent) APIResponse {
	if len(events) == 0 {
		return APIResponse{
			Success:    true,
			StatusCode: http.StatusOK,
			Data:       map[string]interface{}{"message": "No events to send"},
		}
	}

	items := make([]map[string]interface{}, 0, len(events))
	for _, event := range events {
		item := map[string]interface{}{
			"slot_id":    event.SlotID,
			"status":     event.Status,
			"confidence": formatConfidence(event.Confidence),
			"timestamp":  float64(event.Timestamp.UnixNano()) / float64(time.Second),
		}
		if event.VehicleTypeID != nil {
			item["vehicle_type_id"] = *event.VehicleTypeID
		}
		items = append(items, item)
	}

	payload := map[string]interface{}{
		"hardware_code": c.cfg.HardwareCode,
		"lot_id":        c.cfg.LotID,
		"events":        items,
	}
	return c.do(ctx, http.MethodPost, c.cfg.SlotStatusPath, payload)
}

// FlushEventBuffer sends every buffered event as one bulk request
func (c *Client) FlushEventBuffer(ctx context.Context) APIResponse {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return APIResponse{
			Success:    true,
			StatusCode: http.StatusOK,
			Data:       map[string]interface{}{"message": "Buffer is empty"},
		}
	}
	events := c.buffer
	c.buffer = nil
	c.lastFlush = c.now()
	c.mu.Unlock()

	c.logger.Debug().Int("events", len(events)).Msg("Flushing event buffer")
	return c.SendBulkStatusEvents(ctx, events)
}

// SendHeartbeat reports camera liveness. It satisfies models.HeartbeatSender.
func (c *Client) SendHeartbeat(ctx context.Context, data map[string]interface{}) error {
	payload := map[string]interface{}{
		"hardware_code": c.cfg.HardwareCode,
		"lot_id":        c.cfg.LotID,
		"timestamp":     c.now().UTC().Format(time.RFC3339),
	}
	for k, v := range data {
		payload[k] = v
	}

	resp := c.do(ctx, http.MethodPost, c.cfg.HeartbeatPath, payload)
	if resp.Success {
		c.mu.Lock()
		c.lastHeartbeat = c.now()
		c.mu.Unlock()
	}
	return resp.Err()
}

// TestConnection probes the health endpoint and records the connection status
func (c *Client) TestConnection(ctx context.Context) APIResponse {
	c.logger.Info().Msg("Testing backend connection")
	resp := c.do(ctx, http.MethodGet, c.cfg.HealthPath, nil)

	c.mu.Lock()
	if resp.Success {
		c.connectionStatus = statusConnected
	} else {
		c.connectionStatus = statusError
	}
	c.mu.Unlock()

	if resp.Success {
		c.logger.Info().Msg("Backend connection established")
	} else {
		c.logger.Error().Str("error", resp.ErrorMessage).Msg("Backend connection failed")
	}
	return resp
}

// IsConnected reports whether the last connection test succeeded
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionStatus == statusConnected
}

// Statistics returns request counters and buffer state
func (c *Client) Statistics() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	successRate := 0.0
	if c.stats.totalRequests > 0 {
		successRate = float64(c.stats.successfulRequests) / float64(c.stats.totalRequests) * 100
	}
	var lastHeartbeat interface{}
	if !c.lastHeartbeat.IsZero() {
		lastHeartbeat = c.lastHeartbeat
	}
	var lastError interface{}
	if c.stats.lastError != "" {
		lastError = c.stats.lastError
	}

	return map[string]interface{}{
		"connection_status":   c.connectionStatus,
		"total_requests":      c.stats.totalRequests,
		"successful_requests": c.stats.successfulRequests,
		"failed_requests":     c.stats.failedRequests,
		"success_rate":        successRate,
		"avg_response_time":   c.stats.avgResponseTime,
		"last_error":          lastError,
		"last_heartbeat":      lastHeartbeat,
		"buffer_size":         len(c.buffer),
		"hardware_code":       c.cfg.HardwareCode,
		"base_url":            c.cfg.BaseURL,
	}
}

// Start runs the periodic buffer flusher until Close is called or ctx ends
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go c.flushLoop(ctx)
	})
}

func (c *Client) flushLoop(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if resp := c.FlushEventBuffer(ctx); !resp.Success {
				c.logger.Warn().Str("error", resp.ErrorMessage).Msg("Periodic flush failed")
			}
		}
	}
}

// Close stops the flusher and sends whatever is still buffered
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopCh)
		started := true
		c.startOnce.Do(func() { started = false })
		if started {
			select {
			case <-c.doneCh:
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
		}
		err = c.FlushEventBuffer(ctx).Err()
	})
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) APIResponse {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < c.cfg.RetryAttempts; attempt++ {
		c.logger.Debug().
			Int("attempt", attempt+1).
			Int("max_attempts", c.cfg.RetryAttempts).
			Str("method", method).
			Str("url", url).
			Msg("Backend request")

		resp, err := c.roundTrip(ctx, method, url, payload)
		if err != nil {
			lastErr = err
			c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Backend request failed")
		} else {
			resp.ResponseTime = time.Since(start)
			c.recordResponse(resp.StatusCode, resp.ResponseTime, "")
			if resp.Success {
				return resp
			}
			if resp.StatusCode != http.StatusUnauthorized {
				c.logger.Warn().Int("status_code", resp.StatusCode).Str("error", resp.ErrorMessage).Msg("Backend HTTP error")
			}
			if resp.StatusCode < http.StatusInternalServerError {
				return resp
			}
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.ErrorMessage)
		}

		if attempt < c.cfg.RetryAttempts-1 {
			if err := sleepContext(ctx, c.cfg.RetryDelay*time.Duration(attempt+1)); err != nil {
				lastErr = err
				break
			}
		}
	}

	elapsed := time.Since(start)
	msg := fmt.Sprintf("failed after %d attempts: %v", c.cfg.RetryAttempts, lastErr)
	c.recordResponse(0, elapsed, msg)
	return APIResponse{
		Success:      false,
		Data:         map[string]interface{}{},
		ErrorMessage: msg,
		ResponseTime: elapsed,
	}
}

func (c *Client) roundTrip(ctx context.Context, method, url string, payload interface{}) (APIResponse, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return APIResponse{}, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return APIResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "SmartPark-Camera/"+c.cfg.HardwareCode)
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return APIResponse{}, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return APIResponse{}, fmt.Errorf("read response: %w", err)
	}

	data := decodeBody(raw)
	resp := APIResponse{
		Success:    res.StatusCode >= 200 && res.StatusCode < 300,
		StatusCode: res.StatusCode,
		Data:       data,
	}
	if !resp.Success {
		resp.ErrorMessage = errorMessage(data)
	}
	return resp, nil
}

func (c *Client) recordResponse(statusCode int, elapsed time.Duration, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.totalRequests++
	if statusCode >= 200 && statusCode < 300 {
		c.stats.successfulRequests++
	} else {
		c.stats.failedRequests++
		if errMsg != "" {
			c.stats.lastError = errMsg
		}
	}

	seconds := elapsed.Seconds()
	if c.stats.avgResponseTime == 0 {
		c.stats.avgResponseTime = seconds
	} else {
		c.stats.avgResponseTime = responseTimeAlpha*seconds + (1-responseTimeAlpha)*c.stats.avgResponseTime
	}
}

func decodeBody(raw []byte) map[string]interface{} {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]interface{}{"raw_response": string(raw)}
	}
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{"data": v}
}

// errorMessage prefers the JSON "error" field, then the <title> of an HTML error page
func errorMessage(data map[string]interface{}) string {
	if msg, ok := data["error"].(string); ok && msg != "" {
		return msg
	}
	if raw, ok := data["raw_response"].(string); ok {
		if start := strings.Index(raw, "<title>"); start >= 0 {
			start += len("<title>")
			if end := strings.Index(raw[start:], "</title>"); end > 0 {
				return strings.TrimSpace(raw[start : start+end])
			}
		}
	}
	return "HTTP Error"
}

func formatConfidence(confidence float64) string {
	return fmt.Sprintf("%.3f", confidence)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
