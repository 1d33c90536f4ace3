package rpc

import (
	"context"
	"crypto/tls"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// Client calls a remote egress service
type Client struct {
	conn *grpc.ClientConn
}

// ClientOptions configures Dial
type ClientOptions struct {
	// TLS enables transport security; nil dials in plaintext
	TLS *tls.Config
	// APIKey is sent as a bearer token on every call
	APIKey string
	// DialOptions are appended after the defaults
	DialOptions []grpc.DialOption
}

// Dial creates a client for target. The connection is established lazily.
func Dial(target string, opts ClientOptions) (*Client, error) {
	creds := insecure.NewCredentials()
	if opts.TLS != nil {
		creds = credentials.NewTLS(opts.TLS)
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	if opts.APIKey != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(bearer{key: opts.APIKey, secure: opts.TLS != nil}))
	}
	dialOpts = append(dialOpts, opts.DialOptions...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// StartRoomCompositeEgress starts a room composite egress
func (c *Client) StartRoomCompositeEgress(ctx context.Context, req *models.RoomCompositeEgressRequest) (*models.EgressInfo, error) {
	return call[models.EgressInfo](ctx, c, "StartRoomCompositeEgress", req)
}

// StartTrackCompositeEgress starts a track composite egress
func (c *Client) StartTrackCompositeEgress(ctx context.Context, req *models.TrackCompositeEgressRequest) (*models.EgressInfo, error) {
	return call[models.EgressInfo](ctx, c, "StartTrackCompositeEgress", req)
}

// StartTrackEgress starts a track egress
func (c *Client) StartTrackEgress(ctx context.Context, req *models.TrackEgressRequest) (*models.EgressInfo, error) {
	return call[models.EgressInfo](ctx, c, "StartTrackEgress", req)
}

// UpdateLayout changes a room composite layout
func (c *Client) UpdateLayout(ctx context.Context, req *models.UpdateLayoutRequest) (*models.EgressInfo, error) {
	return call[models.EgressInfo](ctx, c, "UpdateLayout", req)
}

// UpdateStream adds or removes stream URLs
func (c *Client) UpdateStream(ctx context.Context, req *models.UpdateStreamRequest) (*models.EgressInfo, error) {
	return call[models.EgressInfo](ctx, c, "UpdateStream", req)
}

// ListEgress lists egresses
func (c *Client) ListEgress(ctx context.Context, req *models.ListEgressRequest) (*models.ListEgressResponse, error) {
	return call[models.ListEgressResponse](ctx, c, "ListEgress", req)
}

// StopEgress stops an egress
func (c *Client) StopEgress(ctx context.Context, req *models.StopEgressRequest) (*models.EgressInfo, error) {
	return call[models.EgressInfo](ctx, c, "StopEgress", req)
}

func call[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	resp := new(Resp)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp, nil
}

type bearer struct {
	key    string
	secure bool
}

func (b bearer) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.key}, nil
}

func (b bearer) RequireTransportSecurity() bool { return b.secure }
