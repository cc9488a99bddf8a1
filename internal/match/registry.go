package match

import (
	"errors"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"pongarena/broker/internal/physics"
)

const (
	roomIDPrefix  = "P"
	roomIDLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	roomIDSuffix  = 5
	maxIDAttempts = 64
)

// TickStopper halts the simulation driving a room. Stop must not return until
// the room's tick goroutine has exited.
type TickStopper interface {
	Stop(roomID string)
	StopAll()
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock overrides the wall clock used for creation times and ticks.
func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithIDSource overrides room id generation.
func WithIDSource(source func() string) RegistryOption {
	return func(r *Registry) {
		if source != nil {
			r.newID = source
		}
	}
}

// WithEngine sets the physics engine shared by every room.
func WithEngine(engine *physics.Engine) RegistryOption {
	return func(r *Registry) {
		if engine != nil {
			r.engine = engine
		}
	}
}

// Registry is the single source of truth for which rooms exist.
type Registry struct {
	mu          sync.RWMutex
	rooms       map[string]*Room
	initialised bool

	stopper TickStopper
	engine  *physics.Engine
	now     func() time.Time
	newID   func() string
}

// RegistryStats summarises registry occupancy.
type RegistryStats struct {
	Rooms   int
	Running int
	Ended   int
}

// NewRegistry builds an uninitialised registry; call Init before use.
func NewRegistry(stopper TickStopper, opts ...RegistryOption) *Registry {
	registry := &Registry{
		stopper: stopper,
		engine:  physics.NewEngine(physics.DefaultConfig()),
		now:     time.Now,
		newID:   RandomRoomID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry
}

// RandomRoomID returns "P" followed by five random uppercase letters.
func RandomRoomID() string {
	var b strings.Builder
	b.WriteString(roomIDPrefix)
	for i := 0; i < roomIDSuffix; i++ {
		b.WriteByte(roomIDLetters[rand.Intn(len(roomIDLetters))])
	}
	return b.String()
}

// Init prepares the registry. Calling it twice fails.
func (r *Registry) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialised {
		return ErrAlreadyInitialized
	}
	r.rooms = make(map[string]*Room)
	r.initialised = true
	return nil
}

// Teardown stops every tick, retires all rooms and returns their live connections.
func (r *Registry) Teardown() ([]Conn, error) {
	r.mu.Lock()
	if !r.initialised {
		r.mu.Unlock()
		return nil, ErrUninitialized
	}
	rooms := r.rooms
	r.rooms = nil
	r.initialised = false
	r.mu.Unlock()

	if r.stopper != nil {
		r.stopper.StopAll()
	}
	var conns []Conn
	for _, room := range rooms {
		conns = append(conns, room.retire()...)
	}
	return conns, nil
}

// Create allocates a room with a fresh unique id and default game state.
func (r *Registry) Create(meta Metadata) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialised {
		return nil, ErrUninitialized
	}
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := r.newID()
		if id == "" {
			continue
		}
		if _, exists := r.rooms[id]; exists {
			continue
		}
		room := newRoom(id, r.now(), meta, r.engine, r.now)
		r.rooms[id] = room
		return room, nil
	}
	return nil, ErrIDExhausted
}

// Get returns the live room with id.
func (r *Registry) Get(id string) (*Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.initialised {
		return nil, ErrUninitialized
	}
	room, ok := r.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return room, nil
}

// Remove deletes the room, stops its tick synchronously and returns the
// connections that were bound to it.
func (r *Registry) Remove(id string) ([]Conn, error) {
	r.mu.Lock()
	if !r.initialised {
		r.mu.Unlock()
		return nil, ErrUninitialized
	}
	room, ok := r.rooms[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	delete(r.rooms, id)
	r.mu.Unlock()

	//1.- Retire first so a racing join cannot restart the room.
	conns := room.retire()
	if r.stopper != nil {
		r.stopper.Stop(id)
	}
	return conns, nil
}

// Delete removes the room and reports whether it existed.
func (r *Registry) Delete(id string) (bool, error) {
	_, err := r.Remove(id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// List returns a snapshot of every live room, oldest first.
func (r *Registry) List() ([]Snapshot, error) {
	r.mu.RLock()
	if !r.initialised {
		r.mu.RUnlock()
		return nil, ErrUninitialized
	}
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(rooms))
	for _, room := range rooms {
		snapshots = append(snapshots, room.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].CreatedAt.Equal(snapshots[j].CreatedAt) {
			return snapshots[i].ID < snapshots[j].ID
		}
		return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt)
	})
	return snapshots, nil
}

// Stats counts rooms by status. An uninitialised registry reports zeros.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	stats := RegistryStats{Rooms: len(rooms)}
	for _, room := range rooms {
		switch room.Status() {
		case physics.StatusRunning:
			stats.Running++
		case physics.StatusEnded:
			stats.Ended++
		}
	}
	return stats
}

// Initialised reports whether Init has run without a later Teardown.
func (r *Registry) Initialised() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialised
}
