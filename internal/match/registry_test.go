package match

import (
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"
)

type recordingStopper struct {
	mu      sync.Mutex
	stopped []string
	all     int
}

func (s *recordingStopper) Stop(roomID string) {
	s.mu.Lock()
	s.stopped = append(s.stopped, roomID)
	s.mu.Unlock()
}

func (s *recordingStopper) StopAll() {
	s.mu.Lock()
	s.all++
	s.mu.Unlock()
}

func newInitialisedRegistry(t *testing.T, stopper TickStopper, opts ...RegistryOption) *Registry {
	t.Helper()
	registry := NewRegistry(stopper, opts...)
	if err := registry.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return registry
}

func TestRegistryFailsFastWhenUninitialised(t *testing.T) {
	registry := NewRegistry(nil)
	if _, err := registry.Create(Metadata{}); !errors.Is(err, ErrUninitialized) {
		t.Fatalf("Create before Init: expected ErrUninitialized, got %v", err)
	}
	if _, err := registry.Get("PABCDE"); !errors.Is(err, ErrUninitialized) {
		t.Fatalf("Get before Init: expected ErrUninitialized, got %v", err)
	}
	if err := registry.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := registry.Init(); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second Init: expected ErrAlreadyInitialized, got %v", err)
	}
	if _, err := registry.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if _, err := registry.List(); !errors.Is(err, ErrUninitialized) {
		t.Fatalf("List after Teardown: expected ErrUninitialized, got %v", err)
	}
}

func TestRegistryCreateAssignsUniqueIDs(t *testing.T) {
	ids := []string{"PAAAAA", "PAAAAA", "PBBBBB"}
	var mu sync.Mutex
	source := func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		ids = ids[1:]
		return id
	}
	registry := newInitialisedRegistry(t, nil, WithIDSource(source))

	first, err := registry.Create(Metadata{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := registry.Create(Metadata{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if first.ID() != "PAAAAA" || second.ID() != "PBBBBB" {
		t.Fatalf("expected collision to be skipped, got %s and %s", first.ID(), second.ID())
	}
}

func TestRegistryCreateReportsExhaustion(t *testing.T) {
	registry := newInitialisedRegistry(t, nil, WithIDSource(func() string { return "PSAMEE" }))
	if _, err := registry.Create(Metadata{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := registry.Create(Metadata{}); !errors.Is(err, ErrIDExhausted) {
		t.Fatalf("expected ErrIDExhausted, got %v", err)
	}
}

func TestRandomRoomIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^P[A-Z]{5}$`)
	for i := 0; i < 100; i++ {
		if id := RandomRoomID(); !pattern.MatchString(id) {
			t.Fatalf("unexpected room id %q", id)
		}
	}
}

func TestRegistryDeleteStopsTickAndDetaches(t *testing.T) {
	stopper := &recordingStopper{}
	registry := newInitialisedRegistry(t, stopper)
	room, err := registry.Create(Metadata{Label: "finals"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	left := &fakeConn{id: "l"}
	room.AttachPlayer(SeatLeft, "alice", Profile{}, left)

	conns, err := registry.Remove(room.ID())
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(conns) != 1 || conns[0] != left {
		t.Fatalf("expected bound connection to be returned, got %v", conns)
	}
	if len(stopper.stopped) != 1 || stopper.stopped[0] != room.ID() {
		t.Fatalf("expected tick stop for %s, got %v", room.ID(), stopper.stopped)
	}
	if _, err := registry.Get(room.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := room.AttachPlayer(SeatRight, "bob", Profile{}, &fakeConn{id: "r"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected join on deleted room to fail, got %v", err)
	}
	if room.TryStart() {
		t.Fatal("deleted room started")
	}

	existed, err := registry.Delete(room.ID())
	if err != nil || existed {
		t.Fatalf("second delete = %v, %v; want false, nil", existed, err)
	}
}

func TestRegistryListAndStats(t *testing.T) {
	clock := newManualClock()
	registry := newInitialisedRegistry(t, &recordingStopper{}, WithRegistryClock(clock.Now))
	older, _ := registry.Create(Metadata{})
	clock.Advance(time.Second)
	newer, _ := registry.Create(Metadata{})

	newer.AttachPlayer(SeatLeft, "alice", Profile{}, &fakeConn{id: "l"})
	newer.AttachPlayer(SeatRight, "bob", Profile{}, &fakeConn{id: "r"})
	newer.TryStart()

	list, err := registry.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != older.ID() || list[1].ID != newer.ID() {
		t.Fatalf("unexpected list order %+v", list)
	}
	stats := registry.Stats()
	if stats.Rooms != 2 || stats.Running != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRegistryTeardownStopsEverything(t *testing.T) {
	stopper := &recordingStopper{}
	registry := newInitialisedRegistry(t, stopper)
	room, _ := registry.Create(Metadata{})
	viewer := &fakeConn{id: "v"}
	room.AttachViewer("carol", Profile{}, viewer)

	conns, err := registry.Teardown()
	if err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if stopper.all != 1 {
		t.Fatalf("expected StopAll once, got %d", stopper.all)
	}
	if len(conns) != 1 || conns[0] != viewer {
		t.Fatalf("expected viewer connection returned, got %v", conns)
	}
	if registry.Initialised() {
		t.Fatal("registry still initialised after teardown")
	}
	if _, err := registry.Teardown(); !errors.Is(err, ErrUninitialized) {
		t.Fatalf("second Teardown: expected ErrUninitialized, got %v", err)
	}
}
