// Package httpapi exposes the broker's operational and room management HTTP surface.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"pongarena/broker/internal/broker"
	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/networking"
	"pongarena/broker/internal/protocol"
	"pongarena/broker/internal/replay"
	"pongarena/broker/internal/simulation"
)

// ReadinessProvider reports whether the room registry is accepting work.
type ReadinessProvider interface {
	Initialised() bool
}

// StatsSource returns room and delivery counters.
type StatsSource interface {
	Stats() broker.Stats
}

// RetentionSweeper runs replay retention on demand.
type RetentionSweeper interface {
	Sweep()
	Stats() replay.StorageStats
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Version     string
	Readiness   ReadinessProvider
	Stats       StatsSource
	Connections func() int
	Delivery    *networking.DeliveryMetrics
	Ticks       *simulation.TickMonitor
	Recorder    func() replay.Stats
	Retention   RetentionSweeper
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the broker operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	version     string
	readiness   ReadinessProvider
	stats       StatsSource
	connections func() int
	delivery    *networking.DeliveryMetrics
	ticks       *simulation.TickMonitor
	recorder    func() replay.Stats
	retention   RetentionSweeper
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
	startedAt   time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = "dev"
	}
	return &HandlerSet{
		logger:      logger,
		version:     version,
		readiness:   opts.Readiness,
		stats:       opts.Stats,
		connections: opts.Connections,
		delivery:    opts.Delivery,
		ticks:       opts.Ticks,
		recorder:    opts.Recorder,
		retention:   opts.Retention,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
		startedAt:   now(),
	}
}

// Register attaches all handlers to the provided router.
func (h *HandlerSet) Register(router *mux.Router) {
	if router == nil {
		return
	}
	router.HandleFunc("/livez", h.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/readyz", h.ReadinessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/health", h.HealthHandler()).Methods(http.MethodGet)
	router.HandleFunc("/metrics", h.MetricsHandler()).Methods(http.MethodGet)
	router.HandleFunc("/api/protocol", h.ProtocolHandler()).Methods(http.MethodGet)
	router.HandleFunc("/admin/replay/sweep", h.RetentionSweepHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports whether rooms can be served.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Rooms         int     `json:"rooms"`
		Connections   int     `json:"connections"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{
			Status:        "ok",
			UptimeSeconds: h.now().Sub(h.startedAt).Seconds(),
			Connections:   h.connectionCount(),
		}
		if h.stats != nil {
			resp.Rooms = h.stats.Stats().Rooms
		}
		if h.readiness == nil || !h.readiness.Initialised() {
			status = http.StatusServiceUnavailable
			resp.Status = "error"
			resp.Message = "room registry not initialised"
		}
		writeJSON(w, status, resp)
	}
}

// HealthHandler returns the static service identity used by load balancers.
func (h *HandlerSet) HealthHandler() http.HandlerFunc {
	type response struct {
		Status  string `json:"status"`
		Service string `json:"service"`
		Version string `json:"version"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{Status: "ok", Service: logging.ServiceName, Version: h.version})
	}
}

// ProtocolHandler serves the machine-readable socket message catalogue.
func (h *HandlerSet) ProtocolHandler() http.HandlerFunc {
	type response struct {
		Messages []protocol.MessageDoc `json:"messages"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{Messages: protocol.Catalog()})
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetric(w, "pong_uptime_seconds", "gauge", "Broker uptime in seconds.", fmt.Sprintf("%.0f", h.now().Sub(h.startedAt).Seconds()))
		writeMetric(w, "pong_connections", "gauge", "Open room WebSocket connections.", fmt.Sprint(h.connectionCount()))

		if h.stats != nil {
			stats := h.stats.Stats()
			writeMetric(w, "pong_rooms", "gauge", "Rooms held by the registry.", fmt.Sprint(stats.Rooms))
			writeMetric(w, "pong_rooms_running", "gauge", "Rooms with a match in progress.", fmt.Sprint(stats.Running))
			writeMetric(w, "pong_rooms_ended", "gauge", "Rooms whose match has finished.", fmt.Sprint(stats.Ended))
			writeMetric(w, "pong_rooms_ticking", "gauge", "Rooms with an active tick loop.", fmt.Sprint(stats.Ticking))
			writeMetric(w, "pong_relay_subscribers", "gauge", "Snapshot subscriptions held by relay clients.", fmt.Sprint(stats.Subscribers))
			writeMetric(w, "pong_broadcasts_total", "counter", "Snapshots broadcast to room members.", fmt.Sprint(stats.Broadcasts))
			writeMetric(w, "pong_deliveries_skipped_total", "counter", "Broadcast targets skipped because they had no live connection.", fmt.Sprint(stats.Skipped))
			writeMetric(w, "pong_deliveries_dropped_total", "counter", "Deliveries dropped by full or closed send queues.", fmt.Sprint(stats.Dropped))
		}
		if h.delivery != nil {
			bytes := h.delivery.BytesPerConnection()
			ids := make([]string, 0, len(bytes))
			for id := range bytes {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			fmt.Fprintf(w, "# HELP pong_connection_bytes_total Snapshot bytes queued per connection.\n")
			fmt.Fprintf(w, "# TYPE pong_connection_bytes_total counter\n")
			for _, id := range ids {
				fmt.Fprintf(w, "pong_connection_bytes_total{connection=%q} %d\n", id, bytes[id])
			}
		}
		if h.ticks != nil {
			ticks := h.ticks.Snapshot()
			writeMetric(w, "pong_tick_duration_avg_ms", "gauge", "Average room tick duration in milliseconds.", formatMillis(ticks.Average))
			writeMetric(w, "pong_tick_duration_max_ms", "gauge", "Slowest room tick duration in milliseconds.", formatMillis(ticks.Max))
			writeMetric(w, "pong_ticks_total", "counter", "Room ticks observed.", fmt.Sprint(ticks.Samples))
		}
		if h.recorder != nil {
			rec := h.recorder()
			writeMetric(w, "pong_recordings_active", "gauge", "Match recordings currently open.", fmt.Sprint(rec.Active))
			writeMetric(w, "pong_recording_events_total", "counter", "Lifecycle events written to recordings.", fmt.Sprint(rec.Events))
			writeMetric(w, "pong_recording_frames_total", "counter", "State frames written to recordings.", fmt.Sprint(rec.Frames))
			writeMetric(w, "pong_recording_failures_total", "counter", "Recording write failures.", fmt.Sprint(rec.Failures))
		}
		if h.retention != nil {
			storage := h.retention.Stats()
			writeMetric(w, "pong_recordings_stored", "gauge", "Recording bundles on disk.", fmt.Sprint(storage.Recordings))
			writeMetric(w, "pong_recordings_bytes", "gauge", "Disk usage of recording bundles in bytes.", fmt.Sprint(storage.Bytes))
			writeMetric(w, "pong_recordings_removed_total", "counter", "Recording bundles removed by retention.", fmt.Sprint(storage.Removed))
		}
	}
}

// RetentionSweepHandler authorises and triggers an immediate replay retention pass.
func (h *HandlerSet) RetentionSweepHandler() http.HandlerFunc {
	type response struct {
		Status     string `json:"status"`
		Recordings int    `json:"recordings"`
		Removed    int64  `json:"removed"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.LoggerFromContext(r.Context()).With(
			logging.String("handler", "replay_sweep"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("replay sweep denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("replay sweep denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("replay sweep denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.retention == nil {
			http.Error(w, "match recording is disabled", http.StatusServiceUnavailable)
			return
		}
		h.retention.Sweep()
		stats := h.retention.Stats()
		reqLogger.Info("replay sweep triggered", logging.Int("recordings", stats.Recordings))
		writeJSON(w, http.StatusOK, response{Status: "ok", Recordings: stats.Recordings, Removed: stats.Removed})
	}
}

func (h *HandlerSet) connectionCount() int {
	if h.connections == nil {
		return 0
	}
	return h.connections()
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeMetric(w http.ResponseWriter, name, kind, help, value string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %s\n", name, value)
}

func formatMillis(d time.Duration) string {
	return fmt.Sprintf("%.3f", float64(d)/float64(time.Millisecond))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
