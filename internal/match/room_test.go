package match

import (
	"errors"
	"sync"
	"testing"
	"time"

	"pongarena/broker/internal/physics"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func newTestRoom(t *testing.T, clock *manualClock) *Room {
	t.Helper()
	engine := physics.NewEngine(physics.DefaultConfig(), physics.WithRandom(func() float64 { return 0 }))
	return newRoom("PTESTS", clock.Now(), Metadata{Label: "test"}, engine, clock.Now)
}

func TestAttachPlayerConflictLeavesOccupantUntouched(t *testing.T) {
	room := newTestRoom(t, newManualClock())
	alice := &fakeConn{id: "a"}
	if _, err := room.AttachPlayer(SeatLeft, "alice", Profile{Name: "Alice"}, alice); err != nil {
		t.Fatalf("AttachPlayer alice: %v", err)
	}
	before := room.Snapshot()

	_, err := room.AttachPlayer(SeatLeft, "bob", Profile{Name: "Bob"}, &fakeConn{id: "b"})
	if !errors.Is(err, ErrSeatTaken) {
		t.Fatalf("expected ErrSeatTaken, got %v", err)
	}
	after := room.Snapshot()
	if *after.Players.Left != *before.Players.Left {
		t.Fatalf("occupant mutated by conflicting join: %+v -> %+v", before.Players.Left, after.Players.Left)
	}
	if after.Players.Left.ID != "alice" || !after.Players.Left.Connected {
		t.Fatalf("unexpected occupant %+v", after.Players.Left)
	}
}

func TestAttachPlayerRebindKeepsScoreAndReturnsReplaced(t *testing.T) {
	room := newTestRoom(t, newManualClock())
	first := &fakeConn{id: "first"}
	if _, err := room.AttachPlayer(SeatRight, "alice", Profile{}, first); err != nil {
		t.Fatalf("AttachPlayer: %v", err)
	}
	room.mu.Lock()
	room.state.Scores[physics.SideRight] = 3
	room.mu.Unlock()

	second := &fakeConn{id: "second"}
	replaced, err := room.AttachPlayer(SeatRight, "alice", Profile{Name: "Alice"}, second)
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if replaced != first {
		t.Fatalf("expected first connection to be returned for closing, got %v", replaced)
	}
	snapshot := room.Snapshot()
	if snapshot.State.RightScore != 3 || snapshot.Players.Right.Name != "Alice" {
		t.Fatalf("rebind lost state: %+v", snapshot)
	}

	if _, ok := room.DetachPlayer(first); ok {
		t.Fatal("stale connection close should be ignored")
	}
	if !room.Snapshot().Players.Right.Connected {
		t.Fatal("stale close detached the live connection")
	}
}

func TestRunningRequiresBothSeatsConnected(t *testing.T) {
	clock := newManualClock()
	room := newTestRoom(t, clock)
	left, right := &fakeConn{id: "l"}, &fakeConn{id: "r"}

	room.AttachPlayer(SeatLeft, "alice", Profile{}, left)
	if room.TryStart() {
		t.Fatal("room started with one seat")
	}
	if err := room.ReserveSeat(SeatRight, "bob", Profile{}); err != nil {
		t.Fatalf("ReserveSeat: %v", err)
	}
	if room.TryStart() {
		t.Fatal("room started with a reserved but unconnected seat")
	}
	room.AttachPlayer(SeatRight, "bob", Profile{}, right)
	if !room.TryStart() || room.Status() != physics.StatusRunning {
		t.Fatalf("expected running, got %s", room.Status())
	}

	snapshot := room.Snapshot()
	if snapshot.State.BallX != 400 || snapshot.State.BallY != 240 || snapshot.State.VelX == 0 {
		t.Fatalf("expected centred serve, got %+v", snapshot.State)
	}

	if seat, ok := room.DetachPlayer(right); !ok || seat != SeatRight {
		t.Fatalf("DetachPlayer = %v, %v", seat, ok)
	}
	if room.Status() != physics.StatusWaiting {
		t.Fatalf("expected waiting after disconnect, got %s", room.Status())
	}
	if _, ok := room.Advance(clock.Advance(time.Second / 60)); ok {
		t.Fatal("waiting room advanced")
	}
	snapshot = room.Snapshot()
	if snapshot.Players.Right == nil || snapshot.Players.Right.Connected {
		t.Fatalf("expected seat retained without connection, got %+v", snapshot.Players.Right)
	}
}

func TestAdvanceUsesWallClockDelta(t *testing.T) {
	clock := newManualClock()
	room := newTestRoom(t, clock)
	room.AttachPlayer(SeatLeft, "alice", Profile{}, &fakeConn{id: "l"})
	room.AttachPlayer(SeatRight, "bob", Profile{}, &fakeConn{id: "r"})
	room.TryStart()

	result, ok := room.Advance(clock.Advance(50 * time.Millisecond))
	if !ok {
		t.Fatal("expected running room to advance")
	}
	if result.Snapshot.State.BallX != 400-240*0.05 {
		t.Fatalf("unexpected ball x %v", result.Snapshot.State.BallX)
	}
	if len(result.Conns) != 2 || result.Snapshot.State.Tick != 1 {
		t.Fatalf("unexpected tick result: conns=%d tick=%d", len(result.Conns), result.Snapshot.State.Tick)
	}

	result, _ = room.Advance(clock.Advance(10 * time.Second))
	if result.Snapshot.State.BallX != 400-240*0.05-240*maxStepDelta.Seconds() {
		t.Fatalf("expected delta clamp, got ball x %v", result.Snapshot.State.BallX)
	}
}

func TestMoveClampsAndRequiresSeat(t *testing.T) {
	room := newTestRoom(t, newManualClock())
	room.AttachPlayer(SeatLeft, "alice", Profile{}, &fakeConn{id: "l"})

	if _, err := room.Move("mallory", 100); !errors.Is(err, ErrNotSeated) {
		t.Fatalf("expected ErrNotSeated, got %v", err)
	}
	for input, want := range map[float64]float64{-30: 0, 120: 120, 1e6: 480} {
		if _, err := room.Move("alice", input); err != nil {
			t.Fatalf("Move: %v", err)
		}
		if got := room.Snapshot().Players.Left.PaddleY; got != want {
			t.Fatalf("Move(%v) paddle = %v, want %v", input, got, want)
		}
	}
}

func TestViewersUpsertByIdentity(t *testing.T) {
	clock := newManualClock()
	room := newTestRoom(t, clock)
	first := &fakeConn{id: "v1"}
	room.AttachViewer("carol", Profile{Name: "Carol"}, first)
	clock.Advance(time.Second)
	room.AttachViewer("dave", Profile{}, &fakeConn{id: "v2"})

	second := &fakeConn{id: "v3"}
	replaced, err := room.AttachViewer("carol", Profile{Avatar: "cat.png"}, second)
	if err != nil || replaced != first {
		t.Fatalf("expected replaced viewer connection, got %v %v", replaced, err)
	}
	snapshot := room.Snapshot()
	if len(snapshot.Viewers) != 2 || snapshot.Viewers[0].ID != "carol" || snapshot.Viewers[0].Avatar != "cat.png" || snapshot.Viewers[0].Name != "Carol" {
		t.Fatalf("unexpected viewers %+v", snapshot.Viewers)
	}
	if room.DetachViewer(first) {
		t.Fatal("stale viewer connection removed the live slot")
	}
	if !room.DetachViewer(second) || len(room.Snapshot().Viewers) != 1 {
		t.Fatalf("expected carol removed, got %+v", room.Snapshot().Viewers)
	}
}

func TestEndedIsTerminal(t *testing.T) {
	clock := newManualClock()
	room := newTestRoom(t, clock)
	left, right := &fakeConn{id: "l"}, &fakeConn{id: "r"}
	room.AttachPlayer(SeatLeft, "alice", Profile{}, left)
	room.AttachPlayer(SeatRight, "bob", Profile{}, right)
	room.TryStart()

	room.mu.Lock()
	room.state.Scores[physics.SideRight] = 4
	room.state.Ball = physics.Ball{X: 2, Y: 400, VX: -240, Speed: 240}
	room.state.Paddles[physics.SideLeft] = 0
	room.mu.Unlock()

	result, ok := room.Advance(clock.Advance(50 * time.Millisecond))
	if !ok || !result.Outcome.Ended {
		t.Fatalf("expected match to end, got %+v", result.Outcome)
	}
	if result.Snapshot.State.Status != "ended" || result.Snapshot.State.Winner != "right" {
		t.Fatalf("unexpected final state %+v", result.Snapshot.State)
	}
	room.DetachPlayer(left)
	room.AttachPlayer(SeatLeft, "alice", Profile{}, &fakeConn{id: "l2"})
	if room.TryStart() || room.Status() != physics.StatusEnded {
		t.Fatalf("ended room restarted: %s", room.Status())
	}
}

func TestParseSeat(t *testing.T) {
	if seat, err := ParseSeat(" Right "); err != nil || seat != SeatRight {
		t.Fatalf("ParseSeat(right) = %v, %v", seat, err)
	}
	if _, err := ParseSeat("middle"); !errors.Is(err, ErrInvalidSeat) {
		t.Fatalf("expected ErrInvalidSeat, got %v", err)
	}
}
