package output

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/pipeline"
	"github.com/psantana5/ffmpeg-egress/pkg/retry"
)

// MsgAllStreamsFailed is the error message once no endpoint is left
const MsgAllStreamsFailed = "all stream outputs failed"

type endpoint struct {
	url       string
	info      *models.StreamInfo
	pub       Publisher
	startedAt time.Time
}

func (e *endpoint) active() bool {
	return e.info.Status == models.StreamStatusActive
}

// streamHandle fans packets out to every active endpoint. Endpoints fail
// independently; the handle fails only when none is left.
type streamHandle struct {
	handleBase
	protocol models.StreamProtocol
	dialer   Dialer

	mu        sync.Mutex
	endpoints []*endpoint
	version   uint64
}

func openStream(ctx context.Context, base handleBase, o *models.StreamOutput, dialer Dialer) (*streamHandle, error) {
	h := &streamHandle{
		handleBase: base,
		protocol:   o.Protocol,
		dialer:     dialer,
	}
	for _, u := range o.URLs {
		h.endpoints = append(h.endpoints, h.newEndpoint(u))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range h.endpoints {
		g.Go(func() error {
			h.connect(gctx, ep)
			return nil
		})
	}
	g.Wait()

	if h.activeCount() == 0 {
		h.closeAll(models.StreamStatusFailed)
		return nil, models.Errorf(models.KindFatalDelivery, "", MsgAllStreamsFailed)
	}
	return h, nil
}

func (h *streamHandle) newEndpoint(rawURL string) *endpoint {
	now := h.now()
	return &endpoint{
		url:       rawURL,
		startedAt: now,
		info: &models.StreamInfo{
			URL:       rawURL,
			StartedAt: micros(now),
			Status:    models.StreamStatusActive,
		},
	}
}

func (h *streamHandle) Kind() models.OutputKind { return models.OutputKindStream }

// connect dials ep with retry, marking it failed when every attempt fails
func (h *streamHandle) connect(ctx context.Context, ep *endpoint) bool {
	log := h.log.WithField("url", ep.url)
	var pub Publisher
	err := retry.Do(ctx, h.retry, func() error {
		var err error
		pub, err = h.dialer.Dial(ctx, h.protocol, ep.url)
		return err
	}, func(a retry.Attempt) {
		log.WithError(a.Err).WithField("attempt", a.Number).Warn("Stream connect failed, retrying")
		h.observeRetry(models.OutputKindStream, "connect")
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		log.WithError(err).Error("Stream endpoint failed")
		h.finish(ep, models.StreamStatusFailed, err)
		return false
	}
	if !ep.active() {
		// removed while connecting
		pub.Close()
		return false
	}
	ep.pub = pub
	log.Info("Stream endpoint connected")
	return true
}

// finish moves ep to a final status. Caller holds mu.
func (h *streamHandle) finish(ep *endpoint, status models.StreamInfoStatus, err error) {
	if !ep.active() {
		return
	}
	now := h.now()
	ep.info.Status = status
	ep.info.EndedAt = micros(now)
	ep.info.Duration = now.Sub(ep.startedAt).Microseconds()
	if err != nil {
		ep.info.Error = err.Error()
	}
	if ep.pub != nil {
		ep.pub.Close()
		ep.pub = nil
	}
	h.version++
}

func (h *streamHandle) activeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ep := range h.endpoints {
		if ep.active() {
			n++
		}
	}
	return n
}

func (h *streamHandle) activeEndpoints() []*endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	var eps []*endpoint
	for _, ep := range h.endpoints {
		if ep.active() {
			eps = append(eps, ep)
		}
	}
	return eps
}

// Write sends data to all active endpoints in parallel. A failing endpoint
// is reconnected once through the retry policy before it is marked FAILED.
func (h *streamHandle) Write(ctx context.Context, pkt pipeline.Packet) error {
	var g errgroup.Group
	for _, ep := range h.activeEndpoints() {
		g.Go(func() error {
			h.writeEndpoint(ctx, ep, pkt.Data)
			return nil
		})
	}
	g.Wait()

	if h.activeCount() == 0 {
		return models.Errorf(models.KindFatalDelivery, "", MsgAllStreamsFailed)
	}
	return nil
}

func (h *streamHandle) writeEndpoint(ctx context.Context, ep *endpoint, data []byte) {
	h.mu.Lock()
	pub := ep.pub
	h.mu.Unlock()

	if pub == nil {
		// added through UpdateStream, connects on first packet
		if !h.connect(ctx, ep) {
			return
		}
		h.mu.Lock()
		pub = ep.pub
		h.mu.Unlock()
		if pub == nil {
			return
		}
	}

	err := pub.Write(ctx, data)
	if err == nil {
		h.observeWrite(models.OutputKindStream, len(data))
		return
	}
	if !models.IsRetryable(err) {
		h.fail(ep, err)
		return
	}

	h.log.WithError(err).WithField("url", ep.url).Warn("Stream write failed, reconnecting")
	h.mu.Lock()
	if ep.pub == pub {
		pub.Close()
		ep.pub = nil
	}
	h.mu.Unlock()
	if !h.connect(ctx, ep) {
		return
	}

	h.mu.Lock()
	pub = ep.pub
	h.mu.Unlock()
	if pub == nil {
		return
	}
	if err := pub.Write(ctx, data); err != nil {
		h.fail(ep, err)
		return
	}
	h.observeWrite(models.OutputKindStream, len(data))
}

func (h *streamHandle) fail(ep *endpoint, err error) {
	h.log.WithError(err).WithField("url", ep.url).Error("Stream endpoint failed")
	h.mu.Lock()
	h.finish(ep, models.StreamStatusFailed, err)
	h.mu.Unlock()
}

// AddURL adds an endpoint. Adding a URL that is already active is a no-op;
// a URL that previously finished or failed gets a fresh entry.
func (h *streamHandle) AddURL(ctx context.Context, rawURL string) error {
	if err := models.ValidateStreamURL(h.protocol, rawURL); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ep := range h.endpoints {
		if ep.url == rawURL && ep.active() {
			return nil
		}
	}
	h.endpoints = append(h.endpoints, h.newEndpoint(rawURL))
	h.version++
	h.log.WithField("url", rawURL).Info("Stream endpoint added")
	return nil
}

// RemoveURL finishes an active endpoint. Removing an unknown URL is a no-op;
// removing the last active one is rejected.
func (h *streamHandle) RemoveURL(rawURL string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var target *endpoint
	active := 0
	for _, ep := range h.endpoints {
		if !ep.active() {
			continue
		}
		active++
		if ep.url == rawURL {
			target = ep
		}
	}
	if target == nil {
		return nil
	}
	if active == 1 {
		return models.Errorf(models.KindValidation, "update_stream", "cannot remove the last stream url")
	}
	h.finish(target, models.StreamStatusFinished, nil)
	h.log.WithField("url", rawURL).Info("Stream endpoint removed")
	return nil
}

// Result implements LiveResult
func (h *streamHandle) Result() (*models.EgressResult, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resultLocked(), h.version
}

func (h *streamHandle) resultLocked() *models.EgressResult {
	list := &models.StreamInfoList{Info: make([]*models.StreamInfo, 0, len(h.endpoints))}
	for _, ep := range h.endpoints {
		info := *ep.info
		list.Info = append(list.Info, &info)
	}
	return &models.EgressResult{Stream: list}
}

// closeAll finishes every active endpoint with status, closing publishers in parallel
func (h *streamHandle) closeAll(status models.StreamInfoStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var g errgroup.Group
	for _, ep := range h.endpoints {
		if pub := ep.pub; pub != nil {
			ep.pub = nil
			g.Go(pub.Close)
		}
	}
	if err := g.Wait(); err != nil {
		h.log.WithError(err).Debug("Error closing stream endpoint")
	}
	for _, ep := range h.endpoints {
		h.finish(ep, status, nil)
	}
}

func (h *streamHandle) Finalize(ctx context.Context) (*models.EgressResult, error) {
	h.closeAll(models.StreamStatusFinished)
	result, _ := h.Result()
	h.log.WithFields(logrus.Fields{"endpoints": len(result.Stream.Info)}).Info("Stream output finalized")
	return result, nil
}

func (h *streamHandle) Abort() {
	h.closeAll(models.StreamStatusFinished)
}
