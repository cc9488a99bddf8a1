package broker

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/match"
	"pongarena/broker/internal/physics"
	"pongarena/broker/internal/simulation"
)

type fakeConn struct {
	id      string
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	sendErr error
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type frame struct {
	Type    string          `json:"type"`
	Seat    string          `json:"seat"`
	Role    string          `json:"role"`
	Reason  string          `json:"reason"`
	Payload *match.Snapshot `json:"payload"`
}

func (c *fakeConn) frames(t *testing.T) []frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]frame, 0, len(c.sent))
	for _, raw := range c.sent {
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("decode frame %s: %v", raw, err)
		}
		out = append(out, f)
	}
	return out
}

func (c *fakeConn) lastState(t *testing.T) *match.Snapshot {
	t.Helper()
	frames := c.frames(t)
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Type == "state" {
			return frames[i].Payload
		}
	}
	return nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type manualTicker struct {
	mu       sync.Mutex
	channels []chan time.Time
}

func (m *manualTicker) factory(time.Duration) (<-chan time.Time, func()) {
	ch := make(chan time.Time)
	m.mu.Lock()
	m.channels = append(m.channels, ch)
	m.mu.Unlock()
	return ch, func() {}
}

// fire delivers one tick to the most recently started loop.
func (m *manualTicker) fire(t *testing.T) {
	t.Helper()
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.channels) > 0
	})
	m.mu.Lock()
	ch := m.channels[len(m.channels)-1]
	m.mu.Unlock()
	select {
	case ch <- time.Time{}:
	case <-time.After(time.Second):
		t.Fatal("tick loop did not accept tick")
	}
}

type recordedEvent struct {
	roomID string
	kind   string
}

type recordingRecorder struct {
	mu       sync.Mutex
	events   []recordedEvent
	frames   int
	finished []string
}

func (r *recordingRecorder) RecordEvent(roomID, kind string, _ match.Snapshot) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{roomID: roomID, kind: kind})
	r.mu.Unlock()
}

func (r *recordingRecorder) RecordFrame(match.Snapshot) {
	r.mu.Lock()
	r.frames++
	r.mu.Unlock()
}

func (r *recordingRecorder) Finish(roomID string) {
	r.mu.Lock()
	r.finished = append(r.finished, roomID)
	r.mu.Unlock()
}

func (r *recordingRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.kind)
	}
	return out
}

type harness struct {
	clock     *manualClock
	ticker    *manualTicker
	scheduler *simulation.Scheduler
	broker    *Broker
	recorder  *recordingRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithConfig(t, physics.DefaultConfig())
}

func newHarnessWithConfig(t *testing.T, cfg physics.Config) *harness {
	t.Helper()
	clock := &manualClock{now: time.Date(2024, time.May, 4, 10, 0, 0, 0, time.UTC)}
	ticker := &manualTicker{}
	scheduler := simulation.NewScheduler(simulation.DefaultInterval,
		simulation.WithTickerFactory(ticker.factory),
		simulation.WithClock(clock.Now),
		simulation.WithLogger(logging.NewTestLogger()),
	)
	engine := physics.NewEngine(cfg, physics.WithRandom(func() float64 { return 0 }))
	registry := match.NewRegistry(scheduler, match.WithRegistryClock(clock.Now), match.WithEngine(engine))
	if err := registry.Init(); err != nil {
		t.Fatalf("registry Init: %v", err)
	}
	recorder := &recordingRecorder{}
	b := New(registry, scheduler, WithLogger(logging.NewTestLogger()), WithRecorder(recorder))
	t.Cleanup(func() { _ = b.Shutdown() })
	return &harness{clock: clock, ticker: ticker, scheduler: scheduler, broker: b, recorder: recorder}
}

func (h *harness) createRoom(t *testing.T) string {
	t.Helper()
	snapshot, err := h.broker.CreateRoom(match.Metadata{Label: "test"})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return snapshot.ID
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
