// Package grpc exposes the match relay: a server stream of room snapshots and
// a unary move submission, framed with protobuf well-known types.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"pongarena/broker/internal/match"
	"pongarena/broker/internal/protocol"
)

// Relay wire identifiers.
const (
	ServiceName             = "pong.relay.v1.MatchRelay"
	StreamSnapshotsMethod   = "/" + ServiceName + "/StreamSnapshots"
	SubmitMoveMethod        = "/" + ServiceName + "/SubmitMove"
	EncodingMetadataKey     = "x-payload-encoding"
	defaultSnapshotRateHz   = 30
	submitMoveFieldRoomID   = "room_id"
	submitMoveFieldIdentity = "identity"
	submitMoveFieldY        = "y"
)

// RelayServer is the server-side contract registered under ServiceName.
type RelayServer interface {
	StreamSnapshots(req *wrapperspb.StringValue, stream grpc.ServerStream) error
	SubmitMove(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Option customises the relay service.
type Option func(*Service)

// tickerFactory constructs cancellable tick channels for throttled streaming.
type tickerFactory func(time.Duration) (<-chan time.Time, func())

// WithCompressor overrides the default payload compressor.
func WithCompressor(compressor Compressor) Option {
	return func(s *Service) {
		if compressor != nil {
			s.compressor = compressor
		}
	}
}

// WithTickerFactory overrides the throttling ticker factory (used in tests).
func WithTickerFactory(factory tickerFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// WithSnapshotRate caps how many snapshots per second each stream receives.
func WithSnapshotRate(hz int) Option {
	return func(s *Service) {
		if hz > 0 {
			s.rateHz = hz
		}
	}
}

// Service implements RelayServer over a Bridge.
type Service struct {
	bridge     Bridge
	compressor Compressor
	newTicker  tickerFactory
	rateHz     int
}

// NewService wires the relay to the broker bridge.
func NewService(bridge Bridge, opts ...Option) *Service {
	service := &Service{
		bridge:     bridge,
		compressor: NewGZIPCompressor(),
		newTicker:  defaultTickerFactory,
		rateHz:     defaultSnapshotRateHz,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

func defaultTickerFactory(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// Register installs the relay and a health service on server. The returned
// health server reports ServiceName as serving until the caller flips it.
func Register(server *grpc.Server, service *Service) *health.Server {
	server.RegisterService(&ServiceDesc, service)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	return healthServer
}

// StreamSnapshots relays state frames for one room. Snapshots arriving between
// two ticks are coalesced so only the newest is sent. The stream ends cleanly
// once the room is deleted.
func (s *Service) StreamSnapshots(req *wrapperspb.StringValue, stream grpc.ServerStream) error {
	if s == nil || s.bridge == nil {
		return status.Error(codes.FailedPrecondition, "relay unavailable")
	}
	roomID := strings.TrimSpace(req.GetValue())
	if roomID == "" {
		return status.Error(codes.InvalidArgument, "room id is required")
	}
	ctx := stream.Context()

	//1.- Subscribe first so an unknown room fails before any header is sent.
	updates, cancel, err := s.bridge.Subscribe(ctx, roomID)
	if err != nil {
		return statusFromError(err)
	}
	defer cancel()
	if err := stream.SendHeader(metadata.Pairs(EncodingMetadataKey, s.compressor.Name())); err != nil {
		return err
	}

	tickCh, stop := s.newTicker(time.Second / time.Duration(s.rateHz))
	defer stop()

	var (
		pending *match.Snapshot
		closed  bool
	)
	for {
		select {
		case <-ctx.Done():
			//2.- Surface context cancellation so clients can retry.
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case snapshot, ok := <-updates:
			if !ok {
				//3.- The room is gone; flush the last snapshot on the next tick.
				closed = true
				updates = nil
				if pending == nil {
					return nil
				}
				continue
			}
			pending = &snapshot
		case <-tickCh:
			if pending == nil {
				continue
			}
			if err := s.send(stream, *pending); err != nil {
				return err
			}
			pending = nil
			if closed {
				return nil
			}
		}
	}
}

func (s *Service) send(stream grpc.ServerStream, snapshot match.Snapshot) error {
	payload, err := protocol.EncodeState(snapshot)
	if err != nil {
		return status.Errorf(codes.Internal, "encode snapshot: %v", err)
	}
	compressed, err := s.compressor.Compress(payload)
	if err != nil {
		return status.Errorf(codes.Internal, "compress snapshot: %v", err)
	}
	return stream.SendMsg(wrapperspb.Bytes(compressed))
}

// SubmitMove applies {room_id, identity, y} and answers with the room snapshot.
func (s *Service) SubmitMove(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.bridge == nil {
		return nil, status.Error(codes.FailedPrecondition, "relay unavailable")
	}
	fields := req.GetFields()
	roomID := strings.TrimSpace(fields[submitMoveFieldRoomID].GetStringValue())
	identity := strings.TrimSpace(fields[submitMoveFieldIdentity].GetStringValue())
	y, ok := fields[submitMoveFieldY].GetKind().(*structpb.Value_NumberValue)
	if roomID == "" || identity == "" || !ok {
		return nil, status.Error(codes.InvalidArgument, "room_id, identity and numeric y are required")
	}
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	snapshot, err := s.bridge.SubmitMove(roomID, identity, y.NumberValue)
	if err != nil {
		return nil, statusFromError(err)
	}
	return snapshotStruct(snapshot)
}

func snapshotStruct(snapshot match.Snapshot) (*structpb.Struct, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode snapshot: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, status.Errorf(codes.Internal, "decode snapshot: %v", err)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "snapshot struct: %v", err)
	}
	return out, nil
}

func statusFromError(err error) error {
	switch {
	case errors.Is(err, match.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, match.ErrSeatTaken):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, match.ErrNotSeated):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, match.ErrMissingIdentity), errors.Is(err, match.ErrInvalidSeat):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, match.ErrUninitialized):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func streamSnapshotsHandler(srv any, stream grpc.ServerStream) error {
	req := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(RelayServer).StreamSnapshots(req, stream)
}

func submitMoveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(structpb.Struct)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).SubmitMove(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SubmitMoveMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RelayServer).SubmitMove(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, req, info, handler)
}

// ServiceDesc describes the relay for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RelayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitMove", Handler: submitMoveHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamSnapshots", Handler: streamSnapshotsHandler, ServerStreams: true},
	},
	Metadata: "pong/relay/v1/relay.proto",
}

var _ RelayServer = (*Service)(nil)
