package match

import (
	"sort"
	"time"

	"pongarena/broker/internal/physics"
)

// Snapshot is the transport-safe projection of a room. It holds no connection
// or scheduling handles and shares no memory with the room.
type Snapshot struct {
	ID        string       `json:"id"`
	CreatedAt time.Time    `json:"createdAt"`
	Label     string       `json:"label,omitempty"`
	Players   Players      `json:"players"`
	Viewers   []ViewerView `json:"viewers"`
	State     GameView     `json:"state"`
}

// Players maps each seat to its occupant, null when the seat was never claimed.
type Players struct {
	Left  *PlayerView `json:"left"`
	Right *PlayerView `json:"right"`
}

// PlayerView is the public view of a seat occupant. LastSeen is in Unix
// milliseconds.
type PlayerView struct {
	ID        string  `json:"id"`
	Name      string  `json:"name,omitempty"`
	Avatar    string  `json:"avatar,omitempty"`
	PaddleY   float64 `json:"paddleY"`
	Score     int     `json:"score"`
	Connected bool    `json:"connected"`
	LastSeen  int64   `json:"lastSeen"`
}

// ViewerView is the public view of a spectator.
type ViewerView struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// GameView is the physics portion of a snapshot.
type GameView struct {
	BallX        float64 `json:"ballX"`
	BallY        float64 `json:"ballY"`
	VelX         float64 `json:"velX"`
	VelY         float64 `json:"velY"`
	Width        float64 `json:"width"`
	Height       float64 `json:"height"`
	PaddleHeight float64 `json:"paddleHeight"`
	PaddleWidth  float64 `json:"paddleWidth"`
	Status       string  `json:"status"`
	LeftScore    int     `json:"leftScore"`
	RightScore   int     `json:"rightScore"`
	Winner       string  `json:"winner,omitempty"`
	Tick         uint64  `json:"tick"`
}

// Seat returns the occupant of seat.
func (p Players) Seat(seat Seat) *PlayerView {
	if seat == SeatLeft {
		return p.Left
	}
	return p.Right
}

func (r *Room) snapshotLocked() Snapshot {
	cfg := r.engine.Config()
	state := r.state
	snapshot := Snapshot{
		ID:        r.id,
		CreatedAt: r.createdAt.UTC(),
		Label:     r.meta.Label,
		Viewers:   make([]ViewerView, 0, len(r.viewers)),
		State: GameView{
			BallX:        state.Ball.X,
			BallY:        state.Ball.Y,
			VelX:         state.Ball.VX,
			VelY:         state.Ball.VY,
			Width:        cfg.Width,
			Height:       cfg.Height,
			PaddleHeight: cfg.PaddleHeight,
			PaddleWidth:  cfg.PaddleWidth,
			Status:       string(state.Status),
			LeftScore:    state.Scores[physics.SideLeft],
			RightScore:   state.Scores[physics.SideRight],
			Tick:         r.ticks,
		},
	}
	if state.Status == physics.StatusEnded && state.HasWon {
		snapshot.State.Winner = seatFromSide(state.Winner).String()
	}
	for _, seat := range Seats {
		slot := r.seats[seat.side()]
		if slot == nil {
			continue
		}
		view := &PlayerView{
			ID:        slot.Identity,
			Name:      slot.Profile.Name,
			Avatar:    slot.Profile.Avatar,
			PaddleY:   state.Paddles[seat.side()],
			Score:     state.Scores[seat.side()],
			Connected: slot.conn != nil,
			LastSeen:  slot.LastSeenAt.UnixMilli(),
		}
		if seat == SeatLeft {
			snapshot.Players.Left = view
		} else {
			snapshot.Players.Right = view
		}
	}
	viewers := make([]*ViewerSlot, 0, len(r.viewers))
	for _, viewer := range r.viewers {
		viewers = append(viewers, viewer)
	}
	sort.Slice(viewers, func(i, j int) bool {
		if viewers[i].JoinedAt.Equal(viewers[j].JoinedAt) {
			return viewers[i].Identity < viewers[j].Identity
		}
		return viewers[i].JoinedAt.Before(viewers[j].JoinedAt)
	})
	for _, viewer := range viewers {
		snapshot.Viewers = append(snapshot.Viewers, ViewerView{ID: viewer.Identity, Name: viewer.Profile.Name, Avatar: viewer.Profile.Avatar})
	}
	return snapshot
}
