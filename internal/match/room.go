package match

import (
	"strings"
	"sync"
	"time"

	"pongarena/broker/internal/physics"
)

// maxStepDelta bounds the simulated time a single tick may cover so a stalled
// scheduler cannot teleport the ball through a paddle.
const maxStepDelta = 100 * time.Millisecond

// Conn is the outbound half of a participant's transport connection.
type Conn interface {
	ID() string
	// Send queues payload without blocking; an error means it was not queued.
	Send(payload []byte) error
	Close() error
}

// Profile carries optional display data supplied by the client.
type Profile struct {
	Name   string
	Avatar string
}

func (p Profile) merge(update Profile) Profile {
	if name := strings.TrimSpace(update.Name); name != "" {
		p.Name = name
	}
	if avatar := strings.TrimSpace(update.Avatar); avatar != "" {
		p.Avatar = avatar
	}
	return p
}

// Metadata is free-form information recorded when a room is created.
type Metadata struct {
	Label     string
	CreatedBy string
}

// PlayerSlot is the seat record for one identity. The connection is cleared on
// disconnect while the slot itself is kept so the same identity can return.
type PlayerSlot struct {
	Seat       Seat
	Identity   string
	Profile    Profile
	LastSeenAt time.Time
	conn       Conn
}

// ViewerSlot is a spectator bound to a live connection.
type ViewerSlot struct {
	Identity string
	Profile  Profile
	JoinedAt time.Time
	conn     Conn
}

// TickResult is what one successful Advance produced.
type TickResult struct {
	Snapshot Snapshot
	Outcome  physics.Outcome
	Conns    []Conn
}

// Room is the authoritative record of a single match. All methods are safe for
// concurrent use.
type Room struct {
	id        string
	createdAt time.Time
	meta      Metadata
	engine    *physics.Engine
	now       func() time.Time

	mu       sync.Mutex
	state    physics.State
	seats    [2]*PlayerSlot
	viewers  map[string]*ViewerSlot
	lastTick time.Time
	ticks    uint64
	retired  bool
}

func newRoom(id string, createdAt time.Time, meta Metadata, engine *physics.Engine, now func() time.Time) *Room {
	return &Room{
		id:        id,
		createdAt: createdAt,
		meta:      meta,
		engine:    engine,
		now:       now,
		state:     engine.NewState(),
		viewers:   make(map[string]*ViewerSlot),
	}
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// AttachPlayer binds conn to seat for identity. A different occupant yields
// ErrSeatTaken without mutation; the same identity rebinds and keeps its score,
// returning the connection it replaced so the caller can close it.
func (r *Room) AttachPlayer(seat Seat, identity string, profile Profile, conn Conn) (Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, err := r.claimLocked(seat, identity, profile)
	if err != nil {
		return nil, err
	}
	replaced := slot.conn
	if replaced == conn {
		replaced = nil
	}
	slot.conn = conn
	return replaced, nil
}

// ReserveSeat claims seat for identity without a live connection.
func (r *Room) ReserveSeat(seat Seat, identity string, profile Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.claimLocked(seat, identity, profile)
	return err
}

func (r *Room) claimLocked(seat Seat, identity string, profile Profile) (*PlayerSlot, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, ErrMissingIdentity
	}
	if r.retired {
		return nil, ErrNotFound
	}
	side := seat.side()
	existing := r.seats[side]
	now := r.now()
	switch {
	case existing == nil:
		//1.- Fresh occupant starts with its paddle centred.
		existing = &PlayerSlot{Seat: seat, Identity: identity, Profile: Profile{}.merge(profile)}
		r.seats[side] = existing
		r.state.Paddles[side] = r.engine.Config().Height / 2
	case existing.Identity != identity:
		return nil, ErrSeatTaken
	default:
		//2.- Returning occupant keeps score and paddle, refreshing display data.
		existing.Profile = existing.Profile.merge(profile)
	}
	existing.LastSeenAt = now
	return existing, nil
}

// AttachViewer adds or rebinds a spectator, returning any replaced connection.
func (r *Room) AttachViewer(identity string, profile Profile, conn Conn) (Conn, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, ErrMissingIdentity
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired {
		return nil, ErrNotFound
	}
	if viewer, ok := r.viewers[identity]; ok {
		replaced := viewer.conn
		if replaced == conn {
			replaced = nil
		}
		viewer.conn = conn
		viewer.Profile = viewer.Profile.merge(profile)
		return replaced, nil
	}
	r.viewers[identity] = &ViewerSlot{Identity: identity, Profile: Profile{}.merge(profile), JoinedAt: r.now(), conn: conn}
	return nil, nil
}

// DetachPlayer clears the seat bound to conn and pauses a running match. A
// connection that was already replaced by a reconnect is ignored.
func (r *Room) DetachPlayer(conn Conn) (Seat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, seat := range Seats {
		slot := r.seats[seat.side()]
		if slot == nil || slot.conn == nil || slot.conn != conn {
			continue
		}
		slot.conn = nil
		slot.LastSeenAt = r.now()
		if r.state.Status == physics.StatusRunning {
			r.state.Status = physics.StatusWaiting
		}
		return seat, true
	}
	return 0, false
}

// DetachViewer removes the spectator bound to conn.
func (r *Room) DetachViewer(conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for identity, viewer := range r.viewers {
		if viewer.conn == conn {
			delete(r.viewers, identity)
			return true
		}
	}
	return false
}

// Move sets the paddle target for the seat held by identity, clamped to the board.
func (r *Room) Move(identity string, y float64) (Seat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, seat := range Seats {
		slot := r.seats[seat.side()]
		if slot == nil || slot.Identity != identity {
			continue
		}
		r.state.Paddles[seat.side()] = r.engine.ClampPaddle(y)
		slot.LastSeenAt = r.now()
		return seat, nil
	}
	return 0, ErrNotSeated
}

// TryStart moves a waiting room with both seats connected into running,
// serving a fresh ball. It reports whether the room is running afterwards.
func (r *Room) TryStart() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired {
		return false
	}
	switch r.state.Status {
	case physics.StatusRunning:
		return true
	case physics.StatusEnded:
		return false
	}
	for _, slot := range r.seats {
		if slot == nil || slot.conn == nil {
			return false
		}
	}
	r.engine.Serve(&r.state)
	r.state.Status = physics.StatusRunning
	r.lastTick = r.now()
	return true
}

// Advance runs one physics step covering the wall-clock time since the previous
// tick. It returns false, producing nothing to broadcast, unless the room is running.
func (r *Room) Advance(now time.Time) (TickResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired || r.state.Status != physics.StatusRunning {
		return TickResult{}, false
	}
	delta := now.Sub(r.lastTick)
	if delta < 0 {
		delta = 0
	}
	if delta > maxStepDelta {
		delta = maxStepDelta
	}
	r.lastTick = now
	outcome := r.engine.Step(&r.state, delta.Seconds())
	r.ticks++
	return TickResult{Snapshot: r.snapshotLocked(), Outcome: outcome, Conns: r.connsLocked()}, true
}

// Status returns the current lifecycle status.
func (r *Room) Status() physics.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Status
}

// Snapshot returns an immutable projection of the room.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// SnapshotWithConns returns a snapshot and the live connections captured atomically.
func (r *Room) SnapshotWithConns() (Snapshot, []Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(), r.connsLocked()
}

// retire marks the room deleted, detaching every connection and returning them.
func (r *Room) retire() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.connsLocked()
	r.retired = true
	if r.state.Status == physics.StatusRunning {
		r.state.Status = physics.StatusWaiting
	}
	for _, slot := range r.seats {
		if slot != nil {
			slot.conn = nil
		}
	}
	r.viewers = make(map[string]*ViewerSlot)
	return conns
}

func (r *Room) connsLocked() []Conn {
	conns := make([]Conn, 0, 2+len(r.viewers))
	for _, slot := range r.seats {
		if slot != nil && slot.conn != nil {
			conns = append(conns, slot.conn)
		}
	}
	for _, viewer := range r.viewers {
		if viewer.conn != nil {
			conns = append(conns, viewer.conn)
		}
	}
	return conns
}
