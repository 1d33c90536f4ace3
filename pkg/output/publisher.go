package output

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// Publisher is a connected live endpoint
type Publisher interface {
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer connects live endpoints. Transient failures are KindDelivery,
// rejected credentials or stream keys KindFatalDelivery.
type Dialer interface {
	Dial(ctx context.Context, protocol models.StreamProtocol, rawURL string) (Publisher, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, protocol models.StreamProtocol, rawURL string) (Publisher, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, protocol models.StreamProtocol, rawURL string) (Publisher, error) {
	return f(ctx, protocol, rawURL)
}

// MuxDialer routes websocket endpoints and RTMP/SRT endpoints to separate dialers
type MuxDialer struct {
	Websocket Dialer
	Live      Dialer
}

// Dial implements Dialer
func (m MuxDialer) Dial(ctx context.Context, protocol models.StreamProtocol, rawURL string) (Publisher, error) {
	d := m.Live
	if protocol == models.StreamProtocolWebsocket {
		d = m.Websocket
	}
	if d == nil {
		return nil, models.Errorf(models.KindConfiguration, "dial", "no dialer for protocol %s", protocol)
	}
	return d.Dial(ctx, protocol, rawURL)
}

// WebsocketDialer publishes raw track bytes as binary websocket messages
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Dial implements Dialer
func (d WebsocketDialer) Dial(ctx context.Context, _ models.StreamProtocol, rawURL string) (Publisher, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	conn, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		kind := models.KindDelivery
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			kind = models.KindFatalDelivery
		}
		return nil, models.NewError(kind, "dial", "websocket connect failed", err)
	}

	writeTimeout := d.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 10 * time.Second
	}
	return &websocketPublisher{conn: conn, writeTimeout: writeTimeout}, nil
}

type websocketPublisher struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (p *websocketPublisher) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(p.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

func (p *websocketPublisher) Write(ctx context.Context, data []byte) error {
	p.conn.SetWriteDeadline(p.deadline(ctx))
	if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return models.NewError(models.KindDelivery, "write", "websocket write failed", err)
	}
	return nil
}

func (p *websocketPublisher) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "egress ended")
	p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return p.conn.Close()
}
