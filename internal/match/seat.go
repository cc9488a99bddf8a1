package match

import (
	"fmt"
	"strings"

	"pongarena/broker/internal/physics"
)

// Seat is one of the two playing positions in a room.
type Seat int

const (
	SeatLeft Seat = iota
	SeatRight
)

// Seats lists both seats in board order.
var Seats = [2]Seat{SeatLeft, SeatRight}

// ParseSeat converts the wire name of a seat.
func ParseSeat(raw string) (Seat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "left":
		return SeatLeft, nil
	case "right":
		return SeatRight, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidSeat, raw)
	}
}

// String renders the wire name of the seat.
func (s Seat) String() string {
	return s.side().String()
}

func (s Seat) side() physics.Side {
	switch s {
	case SeatLeft:
		return physics.SideLeft
	case SeatRight:
		return physics.SideRight
	default:
		panic(fmt.Sprintf("match: invalid seat %d", int(s)))
	}
}

func seatFromSide(side physics.Side) Seat {
	switch side {
	case physics.SideLeft:
		return SeatLeft
	case physics.SideRight:
		return SeatRight
	default:
		panic(fmt.Sprintf("match: invalid side %d", int(side)))
	}
}
