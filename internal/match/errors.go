package match

import "errors"

var (
	// ErrNotFound is returned when no live room has the requested id.
	ErrNotFound = errors.New("room not found")
	// ErrSeatTaken is returned when a seat is held by a different identity.
	ErrSeatTaken = errors.New("seat already taken by another player")
	// ErrNotSeated is returned when an identity submits input without holding a seat.
	ErrNotSeated = errors.New("identity does not hold a seat")
	// ErrInvalidSeat is returned for seat names other than left and right.
	ErrInvalidSeat = errors.New("invalid seat")
	// ErrMissingIdentity is returned when a participant has no client identity.
	ErrMissingIdentity = errors.New("no client id")
	// ErrUninitialized is returned by registry calls made before Init or after Teardown.
	ErrUninitialized = errors.New("session registry not initialised")
	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("session registry already initialised")
	// ErrIDExhausted is returned when no unused room id could be generated.
	ErrIDExhausted = errors.New("could not allocate a unique room id")
)
