// Package replay writes optional per-room match recordings to disk.
package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/match"
)

// FrameInterval is the sampling period for recorded state frames (5 Hz).
const FrameInterval = 200 * time.Millisecond

// Lifecycle event kinds understood by the recorder. They mirror the kinds the
// broker emits.
const (
	eventCreated = "room_created"
	eventEnded   = "match_ended"
	eventDeleted = "room_deleted"
)

// Stats summarises recorder activity for monitoring endpoints.
type Stats struct {
	Active    int
	Events    int64
	Frames    int64
	Completed int64
	Failures  int64
}

type session struct {
	writer    *Writer
	lastFrame time.Time
	last      match.Snapshot
}

// MatchRecorder keeps one Writer per live room. Recording begins when a room
// is created and ends when its match finishes or the room is deleted.
type MatchRecorder struct {
	mu       sync.Mutex
	dir      string
	now      func() time.Time
	log      *logging.Logger
	sessions map[string]*session
	stats    Stats
}

// NewMatchRecorder prepares dir and returns a recorder writing into it.
func NewMatchRecorder(dir string, clock func() time.Time, logger *logging.Logger) (*MatchRecorder, error) {
	if dir == "" {
		return nil, fmt.Errorf("recording directory must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = logging.L()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &MatchRecorder{
		dir:      dir,
		now:      clock,
		log:      logger.With(logging.String("component", "replay")),
		sessions: make(map[string]*session),
	}, nil
}

// RecordEvent appends a lifecycle event. Creation opens the bundle; a finished
// match or a deleted room closes it. Events for rooms without an open bundle
// are dropped.
func (r *MatchRecorder) RecordEvent(roomID, kind string, snapshot match.Snapshot) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.sessions[roomID]
	if sess == nil {
		if kind != eventCreated {
			return
		}
		//1.- Open a bundle for the new room and describe the board in its header.
		writer, _, err := NewWriter(r.dir, roomID, r.now)
		if err != nil {
			r.failLocked("open recording", roomID, err)
			return
		}
		writer.UpdateHeader(func(h *Header) {
			h.Label = snapshot.Label
			h.Board = Board{
				Width:        snapshot.State.Width,
				Height:       snapshot.State.Height,
				PaddleWidth:  snapshot.State.PaddleWidth,
				PaddleHeight: snapshot.State.PaddleHeight,
			}
		})
		sess = &session{writer: writer}
		r.sessions[roomID] = sess
	}

	//2.- Deleted rooms carry no state; keep the last known one for the header.
	if kind != eventDeleted {
		sess.last = snapshot
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		r.failLocked("encode event", roomID, err)
		return
	}
	if err := sess.writer.AppendEvent(snapshot.State.Tick, kind, payload); err != nil {
		r.failLocked("append event", roomID, err)
	} else {
		r.stats.Events++
	}

	if kind == eventEnded || kind == eventDeleted {
		r.finishLocked(roomID)
	}
}

// RecordFrame samples running-match snapshots at FrameInterval.
func (r *MatchRecorder) RecordFrame(snapshot match.Snapshot) {
	if r == nil {
		return
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[snapshot.ID]
	if sess == nil {
		return
	}
	sess.last = snapshot
	if !sess.lastFrame.IsZero() && now.Sub(sess.lastFrame) < FrameInterval {
		return
	}
	payload, err := json.Marshal(snapshot.State)
	if err != nil {
		r.failLocked("encode frame", snapshot.ID, err)
		return
	}
	if err := sess.writer.AppendFrame(snapshot.State.Tick, payload); err != nil {
		r.failLocked("append frame", snapshot.ID, err)
		return
	}
	sess.lastFrame = now
	r.stats.Frames++
}

// Finish closes the bundle for roomID if one is open.
func (r *MatchRecorder) Finish(roomID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.finishLocked(roomID)
	r.mu.Unlock()
}

// Close finishes every open bundle.
func (r *MatchRecorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for roomID := range r.sessions {
		r.finishLocked(roomID)
	}
	return nil
}

// Stats returns a copy of the recorder counters.
func (r *MatchRecorder) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.stats
	stats.Active = len(r.sessions)
	return stats
}

func (r *MatchRecorder) finishLocked(roomID string) {
	sess := r.sessions[roomID]
	if sess == nil {
		return
	}
	delete(r.sessions, roomID)
	last := sess.last
	sess.writer.UpdateHeader(func(h *Header) {
		if last.Players.Left != nil {
			h.Left = last.Players.Left.ID
		}
		if last.Players.Right != nil {
			h.Right = last.Players.Right.ID
		}
		h.Result = &Result{
			Status:     last.State.Status,
			Winner:     last.State.Winner,
			LeftScore:  last.State.LeftScore,
			RightScore: last.State.RightScore,
		}
	})
	if err := sess.writer.Close(); err != nil {
		r.failLocked("close recording", roomID, err)
		return
	}
	r.stats.Completed++
	r.log.Info("recording closed", logging.String("room_id", roomID), logging.String("directory", sess.writer.Directory()))
}

func (r *MatchRecorder) failLocked(action, roomID string, err error) {
	r.stats.Failures++
	r.log.Warn("recording "+action+" failed", logging.String("room_id", roomID), logging.Error(err))
}
