package grpc

import (
	"context"

	"pongarena/broker/internal/match"
)

// SnapshotSource exposes per-room snapshot fan-out.
type SnapshotSource interface {
	Subscribe(ctx context.Context, roomID string) (<-chan match.Snapshot, func(), error)
}

// MoveSink applies paddle moves on behalf of relayed players.
type MoveSink interface {
	SubmitMove(roomID, identity string, y float64) (match.Snapshot, error)
}

// Bridge aggregates the broker capabilities the relay service needs.
type Bridge interface {
	SnapshotSource
	MoveSink
}
