package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"pongarena/broker/internal/match"
	"pongarena/broker/internal/protocol"
)

// Client is the consumer side of the relay, used by downstream relay processes.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// SnapshotStream yields decoded snapshots from StreamSnapshots.
type SnapshotStream struct {
	stream     grpc.ClientStream
	compressor Compressor
}

// StreamSnapshots opens the snapshot stream for roomID.
func (c *Client) StreamSnapshots(ctx context.Context, roomID string, opts ...grpc.CallOption) (*SnapshotStream, error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], StreamSnapshotsMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(wrapperspb.String(roomID)); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	//1.- The codec arrives in the response header before the first frame.
	header, err := stream.Header()
	if err != nil {
		return nil, err
	}
	encoding := ""
	if values := header.Get(EncodingMetadataKey); len(values) > 0 {
		encoding = values[0]
	}
	compressor, err := CompressorFor(encoding)
	if err != nil {
		return nil, err
	}
	return &SnapshotStream{stream: stream, compressor: compressor}, nil
}

// Recv blocks for the next snapshot. io.EOF marks a cleanly closed room.
func (s *SnapshotStream) Recv() (match.Snapshot, error) {
	frame := new(wrapperspb.BytesValue)
	if err := s.stream.RecvMsg(frame); err != nil {
		return match.Snapshot{}, err
	}
	payload, err := s.compressor.Decompress(frame.GetValue())
	if err != nil {
		return match.Snapshot{}, err
	}
	var message protocol.StateMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		return match.Snapshot{}, fmt.Errorf("decode snapshot frame: %w", err)
	}
	return message.Payload, nil
}

// SubmitMove forwards a paddle move for identity.
func (c *Client) SubmitMove(ctx context.Context, roomID, identity string, y float64, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(map[string]any{
		submitMoveFieldRoomID:   roomID,
		submitMoveFieldIdentity: identity,
		submitMoveFieldY:        y,
	})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, SubmitMoveMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
