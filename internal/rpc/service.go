// Package rpc exposes the fusion engine as a gRPC service. Messages are the
// same JSON structs the HTTP API uses, carried by a registered JSON codec, so
// no generated stubs are needed.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/banshee-data/roadside.fusion/internal/monitoring"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l1frames"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l4tracks"
	"github.com/banshee-data/roadside.fusion/internal/v2x/pipeline"
)

var logf = monitoring.Tagged("rpc")

const (
	ServiceName = "v2x.fusion.Fusion"

	methodIngestFrame = "/" + ServiceName + "/IngestFrame"
	methodIngestBatch = "/" + ServiceName + "/IngestBatch"
	methodWatchTracks = "/" + ServiceName + "/WatchTracks"

	maxMsgSize = 16 * 1024 * 1024
)

// WatchRequest opens a track stream. History trails are stripped unless
// IncludeHistory is set.
type WatchRequest struct {
	IncludeHistory bool `json:"include_history"`
}

// TrackStream is the server side of a WatchTracks call.
type TrackStream interface {
	Send(*TrackUpdate) error
	Context() context.Context
}

// FusionServer is the service implemented by Server.
type FusionServer interface {
	IngestFrame(context.Context, *l1frames.Frame) (*pipeline.CycleResult, error)
	IngestBatch(context.Context, *pipeline.BatchPackage) (*pipeline.BatchResult, error)
	WatchTracks(*WatchRequest, TrackStream) error
}

type Server struct {
	fuser     *pipeline.Fuser
	publisher *Publisher
}

// NewServer creates a Server. The publisher must also be installed as the
// fuser's SnapshotPublisher for WatchTracks to receive updates.
func NewServer(fuser *pipeline.Fuser, publisher *Publisher) *Server {
	return &Server{fuser: fuser, publisher: publisher}
}

func (s *Server) IngestFrame(ctx context.Context, in *l1frames.Frame) (*pipeline.CycleResult, error) {
	res, err := s.fuser.Ingest(*in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &res, nil
}

func (s *Server) IngestBatch(ctx context.Context, in *pipeline.BatchPackage) (*pipeline.BatchResult, error) {
	res, err := s.fuser.ProcessBatch(*in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "batch rejected (code %d): %v", pipeline.ResultCode(err), err)
	}
	return &res, nil
}

func (s *Server) WatchTracks(req *WatchRequest, stream TrackStream) error {
	if s.publisher == nil {
		return status.Error(codes.Unavailable, "track publishing is not enabled")
	}
	id, updates := s.publisher.Subscribe()
	defer s.publisher.Unsubscribe(id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-updates:
			if !req.IncludeHistory {
				u.Tracks = withoutHistory(u.Tracks)
			}
			if err := stream.Send(&u); err != nil {
				return err
			}
		}
	}
}

func withoutHistory(in []l4tracks.Snapshot) []l4tracks.Snapshot {
	out := make([]l4tracks.Snapshot, len(in))
	for i, t := range in {
		t.History = nil
		out[i] = t
	}
	return out
}

// Register installs the fusion and health services on g.
func Register(g *grpc.Server, s FusionServer) *health.Server {
	g.RegisterService(&serviceDesc, s)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(g, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return hs
}

// NewGRPCServer builds a grpc.Server with the fusion and health services.
func NewGRPCServer(s FusionServer, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	}, opts...)
	g := grpc.NewServer(opts...)
	Register(g, s)
	return g
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FusionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "IngestFrame", Handler: ingestFrameHandler},
		{MethodName: "IngestBatch", Handler: ingestBatchHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchTracks", Handler: watchTracksHandler, ServerStreams: true},
	},
	Metadata: "v2x/fusion.json",
}

func ingestFrameHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(l1frames.Frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FusionServer).IngestFrame(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodIngestFrame}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FusionServer).IngestFrame(ctx, req.(*l1frames.Frame))
	}
	return interceptor(ctx, in, info, handler)
}

func ingestBatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(pipeline.BatchPackage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FusionServer).IngestBatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodIngestBatch}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FusionServer).IngestBatch(ctx, req.(*pipeline.BatchPackage))
	}
	return interceptor(ctx, in, info, handler)
}

func watchTracksHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FusionServer).WatchTracks(in, &trackStream{stream})
}

type trackStream struct {
	grpc.ServerStream
}

func (s *trackStream) Send(u *TrackUpdate) error {
	return s.ServerStream.SendMsg(u)
}
