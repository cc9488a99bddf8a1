// Package protocol defines the JSON text frames exchanged with room participants.
package protocol

import (
	"encoding/json"
	"errors"
	"math"
	"strings"

	"pongarena/broker/internal/match"
)

// Message type discriminators.
const (
	TypeMove   = "move"
	TypeState  = "state"
	TypeJoined = "joined"
	TypeError  = "error"
)

// Error reasons sent to clients before a connection is refused or closed.
const (
	ReasonNoClientID = "No client id"
	ReasonNotFound   = "Room not found"
	ReasonSeatTaken  = "Seat already taken by another player"
	ReasonBadSeat    = "Invalid seat"
	ReasonRoomClosed = "Room closed"
	ReasonInternal   = "Internal error"
)

// ErrIgnored marks inbound frames that are dropped without a reply.
var ErrIgnored = errors.New("message ignored")

// Move is a paddle target expressed as an absolute centre position.
type Move struct {
	Y float64
}

// DecodeMove parses an inbound frame. Anything other than a well-formed move
// with a finite numeric y yields ErrIgnored.
func DecodeMove(payload []byte) (Move, error) {
	var envelope struct {
		Type string   `json:"type"`
		Y    *float64 `json:"y"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Move{}, ErrIgnored
	}
	if envelope.Type != TypeMove || envelope.Y == nil {
		return Move{}, ErrIgnored
	}
	if math.IsNaN(*envelope.Y) || math.IsInf(*envelope.Y, 0) {
		return Move{}, ErrIgnored
	}
	return Move{Y: *envelope.Y}, nil
}

// StateMessage wraps a room snapshot.
type StateMessage struct {
	Type    string         `json:"type"`
	Payload match.Snapshot `json:"payload"`
}

// JoinedMessage acknowledges a successful join. Players receive their seat,
// viewers receive role "viewer".
type JoinedMessage struct {
	Type string `json:"type"`
	Seat string `json:"seat,omitempty"`
	Role string `json:"role,omitempty"`
}

// ErrorMessage reports why a request was refused.
type ErrorMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// EncodeState renders the broadcast frame for snapshot.
func EncodeState(snapshot match.Snapshot) ([]byte, error) {
	return json.Marshal(StateMessage{Type: TypeState, Payload: snapshot})
}

// EncodeJoinedPlayer renders the acknowledgement for a seated player.
func EncodeJoinedPlayer(seat match.Seat) []byte {
	return mustMarshal(JoinedMessage{Type: TypeJoined, Seat: seat.String()})
}

// EncodeJoinedViewer renders the acknowledgement for a spectator.
func EncodeJoinedViewer() []byte {
	return mustMarshal(JoinedMessage{Type: TypeJoined, Role: "viewer"})
}

// EncodeError renders an error frame.
func EncodeError(reason string) []byte {
	return mustMarshal(ErrorMessage{Type: TypeError, Reason: strings.TrimSpace(reason)})
}

// ReasonFor maps a domain error onto the client-facing reason.
func ReasonFor(err error) string {
	switch {
	case errors.Is(err, match.ErrMissingIdentity):
		return ReasonNoClientID
	case errors.Is(err, match.ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, match.ErrSeatTaken):
		return ReasonSeatTaken
	case errors.Is(err, match.ErrInvalidSeat):
		return ReasonBadSeat
	default:
		return ReasonInternal
	}
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
