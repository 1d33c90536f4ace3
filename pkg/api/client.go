package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// Client calls the JSON RPC routes of a remote egress server
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// ClientOptions configures NewClient
type ClientOptions struct {
	APIKey  string
	TLS     *tls.Config
	Timeout time.Duration
}

// NewClient creates a client for the server at baseURL
func NewClient(baseURL string, opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.TLS != nil {
		transport.TLSClientConfig = opts.TLS
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  opts.APIKey,
		http:    &http.Client{Timeout: opts.Timeout, Transport: transport},
	}
}

// StartRoomCompositeEgress starts a room composite egress
func (c *Client) StartRoomCompositeEgress(ctx context.Context, req *models.RoomCompositeEgressRequest) (*models.EgressInfo, error) {
	return post[models.EgressInfo](ctx, c, "StartRoomCompositeEgress", req)
}

// StartTrackCompositeEgress starts a track composite egress
func (c *Client) StartTrackCompositeEgress(ctx context.Context, req *models.TrackCompositeEgressRequest) (*models.EgressInfo, error) {
	return post[models.EgressInfo](ctx, c, "StartTrackCompositeEgress", req)
}

// StartTrackEgress starts a track egress
func (c *Client) StartTrackEgress(ctx context.Context, req *models.TrackEgressRequest) (*models.EgressInfo, error) {
	return post[models.EgressInfo](ctx, c, "StartTrackEgress", req)
}

// UpdateLayout changes the layout of a running room composite
func (c *Client) UpdateLayout(ctx context.Context, req *models.UpdateLayoutRequest) (*models.EgressInfo, error) {
	return post[models.EgressInfo](ctx, c, "UpdateLayout", req)
}

// UpdateStream adds or removes stream endpoints
func (c *Client) UpdateStream(ctx context.Context, req *models.UpdateStreamRequest) (*models.EgressInfo, error) {
	return post[models.EgressInfo](ctx, c, "UpdateStream", req)
}

// ListEgress lists jobs matching the filter
func (c *Client) ListEgress(ctx context.Context, req *models.ListEgressRequest) (*models.ListEgressResponse, error) {
	return post[models.ListEgressResponse](ctx, c, "ListEgress", req)
}

// StopEgress stops a job
func (c *Client) StopEgress(ctx context.Context, req *models.StopEgressRequest) (*models.EgressInfo, error) {
	return post[models.EgressInfo](ctx, c, "StopEgress", req)
}

// Close releases idle connections
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func post[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+TwirpPrefix+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to egress server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp.StatusCode, data)
	}

	var out Resp
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &out, nil
}

// decodeError rebuilds a typed error from an ErrorResponse body. Bodies
// written by the auth and rate limit middleware are plain text.
func decodeError(status int, data []byte) error {
	var e ErrorResponse
	if err := json.Unmarshal(data, &e); err != nil || e.Code == "" {
		return fmt.Errorf("API error (status %d): %s", status, strings.TrimSpace(string(data)))
	}
	switch e.Code {
	case "canceled":
		return fmt.Errorf("%s: %w", e.Msg, context.Canceled)
	case "deadline_exceeded":
		return fmt.Errorf("%s: %w", e.Msg, context.DeadlineExceeded)
	}
	return &models.EgressError{Kind: KindOfCode(e.Code), Message: e.Msg}
}
