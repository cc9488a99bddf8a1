package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/match"
	"pongarena/broker/internal/networking"
	"pongarena/broker/internal/protocol"
	"pongarena/broker/internal/replay"
	"pongarena/broker/internal/simulation"
)

type stubLimiter struct {
	remaining int
}

func (s *stubLimiter) Allow() bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

type stubSweeper struct {
	sweeps int
	stats  replay.StorageStats
}

func (s *stubSweeper) Sweep() {
	s.sweeps++
	s.stats.Removed++
}

func (s *stubSweeper) Stats() replay.StorageStats { return s.stats }

func TestLivenessHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), TimeSource: func() time.Time { return fixed }})
	rr := httptest.NewRecorder()

	handlers.LivenessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/livez", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "alive" || payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestReadinessHandlerTracksRegistry(t *testing.T) {
	b, registry := newTestBroker(t)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Readiness: registry, Stats: b, Connections: func() int { return 3 }})
	if _, err := b.CreateRoom(match.Metadata{}); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	rr := httptest.NewRecorder()
	handlers.ReadinessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ready status, got %d", rr.Code)
	}
	var payload struct {
		Status      string `json:"status"`
		Rooms       int    `json:"rooms"`
		Connections int    `json:"connections"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "ok" || payload.Rooms != 1 || payload.Connections != 3 {
		t.Fatalf("unexpected payload %+v", payload)
	}

	if _, err := registry.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	rr = httptest.NewRecorder()
	handlers.ReadinessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after teardown, got %d", rr.Code)
	}
}

func TestHealthHandlerReportsServiceIdentity(t *testing.T) {
	handlers := NewHandlerSet(Options{Version: "1.4.0"})
	rr := httptest.NewRecorder()
	handlers.HealthHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	var payload map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["status"] != "ok" || payload["service"] != logging.ServiceName || payload["version"] != "1.4.0" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestProtocolHandlerListsMessages(t *testing.T) {
	router := mux.NewRouter()
	NewHandlerSet(Options{}).Register(router)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/protocol", nil))

	var payload struct {
		Messages []protocol.MessageDoc `json:"messages"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Messages) != len(protocol.Catalog()) {
		t.Fatalf("expected %d messages, got %d", len(protocol.Catalog()), len(payload.Messages))
	}
}

func TestMetricsHandlerIncludesRoomAndDeliveryStats(t *testing.T) {
	b, _ := newTestBroker(t)
	if _, err := b.CreateRoom(match.Metadata{}); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	delivery := networking.NewDeliveryMetrics()
	delivery.ObserveDelivery("conn-a", 128)
	monitor := simulation.NewTickMonitor()
	monitor.Observe(2 * time.Millisecond)
	sweeper := &stubSweeper{stats: replay.StorageStats{Recordings: 4, Bytes: 2048}}

	handlers := NewHandlerSet(Options{
		Stats:       b,
		Connections: func() int { return 2 },
		Delivery:    delivery,
		Ticks:       monitor,
		Recorder:    func() replay.Stats { return replay.Stats{Active: 1, Frames: 9} },
		Retention:   sweeper,
	})
	rr := httptest.NewRecorder()
	handlers.MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	for _, want := range []string{
		"pong_rooms 1",
		"pong_connections 2",
		`pong_connection_bytes_total{connection="conn-a"} 128`,
		"pong_tick_duration_max_ms 2.000",
		"pong_recording_frames_total 9",
		"pong_recordings_stored 4",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics to contain %q, got:\n%s", want, body)
		}
	}
}

func TestRetentionSweepRequiresAdminToken(t *testing.T) {
	sweeper := &stubSweeper{}
	handlers := NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		Retention:   sweeper,
		AdminToken:  "s3cret",
		RateLimiter: &stubLimiter{remaining: 1},
	})

	rr := httptest.NewRecorder()
	handlers.RetentionSweepHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/replay/sweep", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/replay/sweep", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	handlers.RetentionSweepHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/admin/replay/sweep", nil)
	req.Header.Set("X-Admin-Token", "s3cret")
	handlers.RetentionSweepHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || sweeper.sweeps != 1 {
		t.Fatalf("expected sweep to run, got status %d sweeps %d", rr.Code, sweeper.sweeps)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/admin/replay/sweep", nil)
	req.Header.Set("X-Admin-Token", "s3cret")
	handlers.RetentionSweepHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the limiter is exhausted, got %d", rr.Code)
	}
}

func TestRetentionSweepDisabledWithoutAdminToken(t *testing.T) {
	handlers := NewHandlerSet(Options{Retention: &stubSweeper{}})
	rr := httptest.NewRecorder()
	handlers.RetentionSweepHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/replay/sweep", nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}
