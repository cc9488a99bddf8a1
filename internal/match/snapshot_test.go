package match

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestSnapshotTimestamps(t *testing.T) {
	clock := newManualClock()
	room := newTestRoom(t, clock)
	joinedAt := clock.Now()
	room.AttachPlayer(SeatLeft, "alice", Profile{}, &fakeConn{id: "l"})

	//1.- createdAt is an ISO-8601 timestamp on the wire.
	data, err := json.Marshal(room.Snapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"createdAt":"2024-03-01T12:00:00Z"`) {
		t.Fatalf("expected ISO createdAt, got %s", data)
	}
	if got := room.Snapshot().Players.Left.LastSeen; got != joinedAt.UnixMilli() {
		t.Fatalf("expected lastSeen %d, got %d", joinedAt.UnixMilli(), got)
	}

	//2.- A move refreshes lastSeen.
	moved := clock.Advance(5 * time.Second)
	if _, err := room.Move("alice", 10); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if got := room.Snapshot().Players.Left.LastSeen; got != moved.UnixMilli() {
		t.Fatalf("expected lastSeen %d after move, got %d", moved.UnixMilli(), got)
	}
}
