// Package broker binds transport connections to rooms, drives room ticks and
// fans snapshots out to every participant.
package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/match"
	"pongarena/broker/internal/networking"
	"pongarena/broker/internal/physics"
	"pongarena/broker/internal/protocol"
	"pongarena/broker/internal/simulation"
)

// Match lifecycle event kinds passed to a Recorder.
const (
	EventCreated      = "room_created"
	EventPlayerJoined = "player_joined"
	EventPlayerLeft   = "player_left"
	EventStarted      = "match_started"
	EventGoal         = "goal"
	EventEnded        = "match_ended"
	EventDeleted      = "room_deleted"
)

// subscriberBuffer bounds how many snapshots a relay subscriber may lag behind.
const subscriberBuffer = 16

// Recorder receives match lifecycle events and state frames.
type Recorder interface {
	RecordEvent(roomID, kind string, snapshot match.Snapshot)
	RecordFrame(snapshot match.Snapshot)
	Finish(roomID string)
}

// Option customises a Broker.
type Option func(*Broker)

// WithLogger injects the structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.log = logger
		}
	}
}

// WithDeliveryMetrics wires the fan-out counters.
func WithDeliveryMetrics(metrics *networking.DeliveryMetrics) Option {
	return func(b *Broker) {
		if metrics != nil {
			b.metrics = metrics
		}
	}
}

// WithRecorder enables match recording.
func WithRecorder(recorder Recorder) Option {
	return func(b *Broker) {
		b.recorder = recorder
	}
}

// Stats summarises broker activity for health and metrics endpoints.
type Stats struct {
	Rooms       int   `json:"rooms"`
	Running     int   `json:"running"`
	Ended       int   `json:"ended"`
	Ticking     int   `json:"ticking"`
	Subscribers int   `json:"subscribers"`
	Broadcasts  int64 `json:"broadcasts"`
	Skipped     int64 `json:"skipped"`
	Dropped     int64 `json:"dropped"`
}

// Broker coordinates room membership, ticking and snapshot fan-out.
type Broker struct {
	registry  *match.Registry
	scheduler *simulation.Scheduler
	metrics   *networking.DeliveryMetrics
	recorder  Recorder
	log       *logging.Logger

	subMu       sync.Mutex
	subscribers map[string]map[uint64]chan match.Snapshot
	nextSubID   uint64
}

// New constructs a Broker over an initialised registry and the scheduler it stops.
func New(registry *match.Registry, scheduler *simulation.Scheduler, opts ...Option) *Broker {
	b := &Broker{
		registry:    registry,
		scheduler:   scheduler,
		metrics:     networking.NewDeliveryMetrics(),
		log:         logging.L(),
		subscribers: make(map[string]map[uint64]chan match.Snapshot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.log = b.log.With(logging.String("component", "broker"))
	return b
}

// Metrics exposes the delivery counters.
func (b *Broker) Metrics() *networking.DeliveryMetrics { return b.metrics }

// CreateRoom allocates a new waiting room.
func (b *Broker) CreateRoom(meta match.Metadata) (match.Snapshot, error) {
	room, err := b.registry.Create(meta)
	if err != nil {
		return match.Snapshot{}, err
	}
	snapshot := room.Snapshot()
	b.record(room.ID(), EventCreated, snapshot)
	b.log.Info("room created", logging.String("room_id", room.ID()), logging.String("created_by", meta.CreatedBy))
	return snapshot, nil
}

// Room returns the current snapshot of roomID.
func (b *Broker) Room(roomID string) (match.Snapshot, error) {
	room, err := b.registry.Get(roomID)
	if err != nil {
		return match.Snapshot{}, err
	}
	return room.Snapshot(), nil
}

// Rooms lists every live room.
func (b *Broker) Rooms() ([]match.Snapshot, error) {
	return b.registry.List()
}

// DeleteRoom stops the room's tick, removes it and closes every bound connection.
// It reports false when the room did not exist.
func (b *Broker) DeleteRoom(roomID string) (bool, error) {
	conns, err := b.registry.Remove(roomID)
	if errors.Is(err, match.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	//1.- Tell participants why the socket is going away before closing it.
	notice := protocol.EncodeError(protocol.ReasonRoomClosed)
	for _, conn := range conns {
		_ = conn.Send(notice)
		_ = conn.Close()
	}
	b.closeSubscribers(roomID)
	b.record(roomID, EventDeleted, match.Snapshot{ID: roomID})
	if b.recorder != nil {
		b.recorder.Finish(roomID)
	}
	b.log.Info("room deleted", logging.String("room_id", roomID), logging.Int("closed_connections", len(conns)))
	return true, nil
}

// JoinPlayer binds conn to seat for identity, acknowledges the join, starts the
// match when both seats are live and broadcasts the new membership.
func (b *Broker) JoinPlayer(roomID string, seat match.Seat, identity string, profile match.Profile, conn match.Conn) (match.Snapshot, error) {
	if identity == "" {
		return match.Snapshot{}, match.ErrMissingIdentity
	}
	room, err := b.registry.Get(roomID)
	if err != nil {
		return match.Snapshot{}, err
	}
	replaced, err := room.AttachPlayer(seat, identity, profile, conn)
	if err != nil {
		return match.Snapshot{}, err
	}
	if replaced != nil {
		_ = replaced.Close()
	}
	_ = conn.Send(protocol.EncodeJoinedPlayer(seat))
	b.log.Info("player joined",
		logging.String("room_id", roomID),
		logging.String("seat", seat.String()),
		logging.String("identity", identity),
		logging.Bool("rebound", replaced != nil),
	)
	b.startIfReady(room)
	snapshot := b.broadcast(room)
	b.record(roomID, EventPlayerJoined, snapshot)
	return snapshot, nil
}

// JoinViewer upserts a spectator for identity.
func (b *Broker) JoinViewer(roomID, identity string, profile match.Profile, conn match.Conn) (match.Snapshot, error) {
	if identity == "" {
		return match.Snapshot{}, match.ErrMissingIdentity
	}
	room, err := b.registry.Get(roomID)
	if err != nil {
		return match.Snapshot{}, err
	}
	replaced, err := room.AttachViewer(identity, profile, conn)
	if err != nil {
		return match.Snapshot{}, err
	}
	if replaced != nil {
		_ = replaced.Close()
	}
	_ = conn.Send(protocol.EncodeJoinedViewer())
	b.log.Debug("viewer joined", logging.String("room_id", roomID), logging.String("identity", identity))
	return b.broadcast(room), nil
}

// ReserveSeat claims seat for identity without a live connection.
func (b *Broker) ReserveSeat(roomID string, seat match.Seat, identity string, profile match.Profile) (match.Snapshot, error) {
	if identity == "" {
		return match.Snapshot{}, match.ErrMissingIdentity
	}
	room, err := b.registry.Get(roomID)
	if err != nil {
		return match.Snapshot{}, err
	}
	if err := room.ReserveSeat(seat, identity, profile); err != nil {
		return match.Snapshot{}, err
	}
	return b.broadcast(room), nil
}

// Leave unbinds conn from roomID. Losing a player pauses the match and halts
// its tick before the new membership is broadcast.
func (b *Broker) Leave(roomID string, conn match.Conn) {
	if conn == nil {
		return
	}
	b.metrics.ForgetConnection(conn.ID())
	room, err := b.registry.Get(roomID)
	if err != nil {
		return
	}
	if seat, ok := room.DetachPlayer(conn); ok {
		b.haltTicks(room)
		b.log.Info("player left", logging.String("room_id", roomID), logging.String("seat", seat.String()))
		snapshot := b.broadcast(room)
		b.record(roomID, EventPlayerLeft, snapshot)
		return
	}
	if room.DetachViewer(conn) {
		b.broadcast(room)
	}
}

// haltTicks stops the tick loop of a room that lost a player. A rejoin landing
// between the detach and the stop leaves the room running, so its loop is
// launched again.
func (b *Broker) haltTicks(room *match.Room) {
	b.scheduler.Stop(room.ID())
	if room.Status() == physics.StatusRunning {
		b.scheduler.Start(room.ID(), &roomTicker{broker: b, room: room})
	}
}

// HandleMessage applies an inbound frame from the player identity. Malformed
// frames and frames from identities without a seat are discarded.
func (b *Broker) HandleMessage(roomID, identity string, payload []byte) {
	move, err := protocol.DecodeMove(payload)
	if err != nil {
		return
	}
	if _, err := b.applyMove(roomID, identity, move.Y); err != nil && !errors.Is(err, match.ErrNotSeated) {
		b.log.Debug("move rejected", logging.String("room_id", roomID), logging.Error(err))
	}
}

// SubmitMove sets the paddle of the seat held by identity and returns the
// resulting snapshot.
func (b *Broker) SubmitMove(roomID, identity string, y float64) (match.Snapshot, error) {
	return b.applyMove(roomID, identity, y)
}

// applyMove only updates the paddle. Running rooms publish it on their next
// tick; waiting and ended rooms publish nothing until membership changes.
func (b *Broker) applyMove(roomID, identity string, y float64) (match.Snapshot, error) {
	room, err := b.registry.Get(roomID)
	if err != nil {
		return match.Snapshot{}, err
	}
	if _, err := room.Move(identity, y); err != nil {
		return match.Snapshot{}, err
	}
	return room.Snapshot(), nil
}

// Subscribe streams every published snapshot of roomID until ctx is done or the
// returned cancel function runs. Slow subscribers miss snapshots.
func (b *Broker) Subscribe(ctx context.Context, roomID string) (<-chan match.Snapshot, func(), error) {
	if _, err := b.registry.Get(roomID); err != nil {
		return nil, func() {}, err
	}
	//1.- Allocate a buffered channel so slow consumers drop gracefully.
	ch := make(chan match.Snapshot, subscriberBuffer)
	id := atomic.AddUint64(&b.nextSubID, 1)

	//2.- Register the subscriber under lock for concurrent safety.
	b.subMu.Lock()
	room := b.subscribers[roomID]
	if room == nil {
		room = make(map[uint64]chan match.Snapshot)
		b.subscribers[roomID] = room
	}
	room[id] = ch
	b.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		//3.- Ensure unsubscribe and close only happens once.
		once.Do(func() {
			b.subMu.Lock()
			if subs, ok := b.subscribers[roomID]; ok {
				if sub, ok := subs[id]; ok {
					delete(subs, id)
					close(sub)
				}
				if len(subs) == 0 {
					delete(b.subscribers, roomID)
				}
			}
			b.subMu.Unlock()
		})
	}

	if ctx != nil && ctx.Done() != nil {
		//4.- Propagate context cancellation to the subscription lifecycle.
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return ch, cancel, nil
}

// Stats reports room and delivery counters.
func (b *Broker) Stats() Stats {
	rooms := b.registry.Stats()
	totals := b.metrics.Totals()
	b.subMu.Lock()
	subscribers := 0
	for _, subs := range b.subscribers {
		subscribers += len(subs)
	}
	b.subMu.Unlock()
	return Stats{
		Rooms:       rooms.Rooms,
		Running:     rooms.Running,
		Ended:       rooms.Ended,
		Ticking:     b.scheduler.Count(),
		Subscribers: subscribers,
		Broadcasts:  totals.Broadcasts,
		Skipped:     totals.Skipped,
		Dropped:     totals.Dropped,
	}
}

// Shutdown stops every tick, closes all connections and subscriptions and
// tears the registry down.
func (b *Broker) Shutdown() error {
	conns, err := b.registry.Teardown()
	if err != nil {
		return err
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	b.subMu.Lock()
	roomIDs := make([]string, 0, len(b.subscribers))
	for roomID := range b.subscribers {
		roomIDs = append(roomIDs, roomID)
	}
	b.subMu.Unlock()
	for _, roomID := range roomIDs {
		b.closeSubscribers(roomID)
	}
	b.log.Info("broker shut down", logging.Int("closed_connections", len(conns)))
	return nil
}

func (b *Broker) startIfReady(room *match.Room) {
	if !room.TryStart() {
		return
	}
	if b.scheduler.Start(room.ID(), &roomTicker{broker: b, room: room}) {
		b.log.Info("match started", logging.String("room_id", room.ID()))
		b.record(room.ID(), EventStarted, room.Snapshot())
	}
}

func (b *Broker) broadcast(room *match.Room) match.Snapshot {
	snapshot, conns := room.SnapshotWithConns()
	b.deliver(snapshot, conns)
	return snapshot
}

// deliver encodes snapshot once and queues it on every connection without
// blocking. Full or closed queues skip the frame.
func (b *Broker) deliver(snapshot match.Snapshot, conns []match.Conn) {
	payload, err := protocol.EncodeState(snapshot)
	if err != nil {
		b.log.Error("encode snapshot failed", logging.String("room_id", snapshot.ID), logging.Error(err))
		return
	}
	delivered, skipped := 0, 0
	for _, conn := range conns {
		if err := conn.Send(payload); err != nil {
			skipped++
			if errors.Is(err, ErrClientClosed) {
				b.metrics.ObserveDrop()
			}
			continue
		}
		delivered++
		b.metrics.ObserveDelivery(conn.ID(), len(payload))
	}
	b.metrics.ObserveBroadcast(len(payload), delivered, skipped)
	b.publish(snapshot)
}

func (b *Broker) publish(snapshot match.Snapshot) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, ch := range b.subscribers[snapshot.ID] {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func (b *Broker) closeSubscribers(roomID string) {
	b.subMu.Lock()
	subs := b.subscribers[roomID]
	delete(b.subscribers, roomID)
	b.subMu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}

func (b *Broker) record(roomID, kind string, snapshot match.Snapshot) {
	if b.recorder == nil {
		return
	}
	b.recorder.RecordEvent(roomID, kind, snapshot)
}

// roomTicker advances one room per scheduler tick.
type roomTicker struct {
	broker *Broker
	room   *match.Room
}

func (t *roomTicker) Tick(now time.Time) bool {
	result, ok := t.room.Advance(now)
	if !ok {
		return false
	}
	b := t.broker
	b.deliver(result.Snapshot, result.Conns)
	if b.recorder != nil {
		b.recorder.RecordFrame(result.Snapshot)
	}
	if result.Outcome.Scored {
		b.record(t.room.ID(), EventGoal, result.Snapshot)
	}
	if result.Outcome.Ended {
		b.log.Info("match ended",
			logging.String("room_id", t.room.ID()),
			logging.String("winner", result.Snapshot.State.Winner),
			logging.Int("left_score", result.Snapshot.State.LeftScore),
			logging.Int("right_score", result.Snapshot.State.RightScore),
		)
		b.record(t.room.ID(), EventEnded, result.Snapshot)
		return false
	}
	return true
}
