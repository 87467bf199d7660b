package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"github.com/banshee-data/roadside.fusion/internal/v2x/l1frames"
	"github.com/banshee-data/roadside.fusion/internal/v2x/pipeline"
)

// Client calls the fusion service with the JSON codec.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient connects to target. Callers supply transport credentials and
// any dialer in opts.
func NewClient(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append(opts, grpc.WithDefaultCallOptions(
		grpc.CallContentSubtype(CodecName),
		grpc.MaxCallRecvMsgSize(maxMsgSize),
	))
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create fusion client for %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Conn() *grpc.ClientConn { return c.conn }

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) IngestFrame(ctx context.Context, f l1frames.Frame) (*pipeline.CycleResult, error) {
	out := new(pipeline.CycleResult)
	if err := c.conn.Invoke(ctx, methodIngestFrame, &f, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) IngestBatch(ctx context.Context, pkg pipeline.BatchPackage) (*pipeline.BatchResult, error) {
	out := new(pipeline.BatchResult)
	if err := c.conn.Invoke(ctx, methodIngestBatch, &pkg, out); err != nil {
		return nil, err
	}
	return out, nil
}

// TrackWatcher receives updates from a WatchTracks stream.
type TrackWatcher struct {
	stream grpc.ClientStream
}

func (w *TrackWatcher) Recv() (*TrackUpdate, error) {
	u := new(TrackUpdate)
	if err := w.stream.RecvMsg(u); err != nil {
		return nil, err
	}
	return u, nil
}

// WatchTracks opens a track stream. The stream ends when ctx is cancelled.
func (c *Client) WatchTracks(ctx context.Context, req WatchRequest) (*TrackWatcher, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], methodWatchTracks)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &TrackWatcher{stream: stream}, nil
}
