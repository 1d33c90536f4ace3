package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/ffmpeg-egress/pkg/api"
	"github.com/psantana5/ffmpeg-egress/pkg/auth"
	"github.com/psantana5/ffmpeg-egress/pkg/egress"
	"github.com/psantana5/ffmpeg-egress/pkg/metrics"
	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/output"
	"github.com/psantana5/ffmpeg-egress/pkg/pipeline/pipelinetest"
	"github.com/psantana5/ffmpeg-egress/pkg/ratelimit"
	"github.com/psantana5/ffmpeg-egress/pkg/retry"
	"github.com/psantana5/ffmpeg-egress/pkg/rooms"
	"github.com/psantana5/ffmpeg-egress/pkg/service"
	"github.com/psantana5/ffmpeg-egress/pkg/store"
)

const waitFor = 2 * time.Second

type nopPublisher struct{}

func (nopPublisher) Write(context.Context, []byte) error { return nil }

func (nopPublisher) Close() error { return nil }

type server struct {
	svc     *service.Service
	pipe    *pipelinetest.Pipeline
	metrics *metrics.Metrics
	router  http.Handler
}

func newServer(t *testing.T, cfg api.RouterConfig) *server {
	t.Helper()
	s := &server{pipe: pipelinetest.New(), metrics: metrics.New()}
	s.svc = service.New(service.Config{}, egress.Deps{
		Store:    store.NewMemoryStore(),
		Pipeline: s.pipe,
		Rooms:    rooms.Any{},
		Outputs: &output.Factory{
			OutputDir: t.TempDir(),
			TempDir:   t.TempDir(),
			Retry:     retry.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1},
			Dialer: output.DialerFunc(func(ctx context.Context, protocol models.StreamProtocol, rawURL string) (output.Publisher, error) {
				return nopPublisher{}, nil
			}),
		},
		Metrics: s.metrics,
	}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		s.svc.Shutdown(ctx)
	})
	s.router = api.NewRouter(api.NewEgressHandler(s.svc, s.metrics, nil, nil), cfg)
	return s
}

func (s *server) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decodeInfo(t *testing.T, rr *httptest.ResponseRecorder) *models.EgressInfo {
	t.Helper()
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var info models.EgressInfo
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&info))
	return &info
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var resp api.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp
}

func (s *server) waitStatus(t *testing.T, id string, status models.EgressStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, err := s.svc.GetEgress(context.Background(), id)
		return err == nil && info.Status == status
	}, waitFor, 5*time.Millisecond)
}

func TestRoomCompositeOverTwirpRoutes(t *testing.T) {
	s := newServer(t, api.RouterConfig{})

	rr := s.do(t, "POST", api.TwirpPrefix+"StartRoomCompositeEgress", map[string]interface{}{
		"room_name": "demo",
		"layout":    "speaker",
		"file":      map[string]interface{}{"filepath": "out/{egress_id}.mp4"},
	})
	info := decodeInfo(t, rr)
	assert.Equal(t, models.EgressStatusStarting, info.Status)
	assert.Equal(t, "demo", info.RoomName)
	require.NotNil(t, info.Request.RoomComposite)
	assert.Equal(t, "speaker", info.Request.RoomComposite.Layout)
	s.waitStatus(t, info.EgressID, models.EgressStatusActive)

	t.Run("update layout", func(t *testing.T) {
		rr := s.do(t, "POST", api.TwirpPrefix+"UpdateLayout", models.UpdateLayoutRequest{EgressID: info.EgressID, Layout: "grid"})
		updated := decodeInfo(t, rr)
		assert.Equal(t, models.EgressStatusActive, updated.Status)
	})

	t.Run("list by room", func(t *testing.T) {
		rr := s.do(t, "POST", api.TwirpPrefix+"ListEgress", models.ListEgressRequest{RoomName: "demo"})
		require.Equal(t, http.StatusOK, rr.Code)
		var resp models.ListEgressResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		require.Len(t, resp.Items, 1)
		assert.Equal(t, info.EgressID, resp.Items[0].EgressID)
	})

	t.Run("list with empty body", func(t *testing.T) {
		rr := s.do(t, "POST", api.TwirpPrefix+"ListEgress", nil)
		require.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("stop", func(t *testing.T) {
		rr := s.do(t, "POST", api.TwirpPrefix+"StopEgress", models.StopEgressRequest{EgressID: info.EgressID})
		stopped := decodeInfo(t, rr)
		assert.Equal(t, models.EgressStatusEnding, stopped.Status)
		s.waitStatus(t, info.EgressID, models.EgressStatusComplete)
	})

	t.Run("update after end", func(t *testing.T) {
		rr := s.do(t, "POST", api.TwirpPrefix+"UpdateLayout", models.UpdateLayoutRequest{EgressID: info.EgressID, Layout: "grid"})
		assert.Equal(t, http.StatusPreconditionFailed, rr.Code)
		assert.Equal(t, "failed_precondition", decodeError(t, rr).Code)
	})
}

func TestRESTAliases(t *testing.T) {
	s := newServer(t, api.RouterConfig{})

	rr := s.do(t, "POST", "/egress/room", map[string]interface{}{
		"room_name": "lobby",
		"stream": map[string]interface{}{
			"protocol": "RTMP",
			"urls":     []string{"rtmp://a.example/live/1"},
		},
	})
	info := decodeInfo(t, rr)
	s.waitStatus(t, info.EgressID, models.EgressStatusActive)

	rr = s.do(t, "GET", "/egress/"+info.EgressID, nil)
	assert.Equal(t, info.EgressID, decodeInfo(t, rr).EgressID)

	rr = s.do(t, "POST", "/egress/"+info.EgressID+"/stream", map[string]interface{}{
		"add_output_urls": []string{"rtmp://b.example/live/2"},
	})
	updated := decodeInfo(t, rr)
	require.NotNil(t, updated.Result)
	require.NotNil(t, updated.Result.Stream)
	assert.Len(t, updated.Result.Stream.Info, 2)

	rr = s.do(t, "GET", "/egress?room_name=lobby&active=true", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list models.ListEgressResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&list))
	assert.Len(t, list.Items, 1)

	rr = s.do(t, "GET", "/egress?room_name=elsewhere", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list = models.ListEgressResponse{}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&list))
	assert.Empty(t, list.Items)

	rr = s.do(t, "POST", "/egress/"+info.EgressID+"/stop", nil)
	assert.Equal(t, models.EgressStatusEnding, decodeInfo(t, rr).Status)
	s.waitStatus(t, info.EgressID, models.EgressStatusComplete)
}

func TestErrorMapping(t *testing.T) {
	s := newServer(t, api.RouterConfig{})

	tests := []struct {
		name     string
		method   string
		path     string
		body     interface{}
		raw      string
		wantCode int
		wantErr  string
	}{
		{
			name:     "missing output",
			method:   "POST",
			path:     api.TwirpPrefix + "StartRoomCompositeEgress",
			body:     map[string]string{"room_name": "demo"},
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_argument",
		},
		{
			name:     "malformed body",
			method:   "POST",
			path:     api.TwirpPrefix + "StartTrackEgress",
			raw:      "{not json",
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_argument",
		},
		{
			name:     "stop unknown",
			method:   "POST",
			path:     api.TwirpPrefix + "StopEgress",
			body:     models.StopEgressRequest{EgressID: "EG_UNKNOWN"},
			wantCode: http.StatusNotFound,
			wantErr:  "not_found",
		},
		{
			name:     "get unknown",
			method:   "GET",
			path:     "/egress/EG_UNKNOWN",
			wantCode: http.StatusNotFound,
			wantErr:  "not_found",
		},
		{
			name:     "update stream without id",
			method:   "POST",
			path:     api.TwirpPrefix + "UpdateStream",
			body:     models.UpdateStreamRequest{},
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_argument",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rr *httptest.ResponseRecorder
			if tt.raw != "" {
				req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.raw))
				rr = httptest.NewRecorder()
				s.router.ServeHTTP(rr, req)
			} else {
				rr = s.do(t, tt.method, tt.path, tt.body)
			}
			assert.Equal(t, tt.wantCode, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			resp := decodeError(t, rr)
			assert.Equal(t, tt.wantErr, resp.Code)
			assert.NotEmpty(t, resp.Msg)
		})
	}

	assert.Zero(t, s.svc.ActiveCount())
}

func TestStatusCodeMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.Errorf(models.KindValidation, "validate", "bad"), http.StatusBadRequest},
		{models.Errorf(models.KindNotFound, "get", "missing"), http.StatusNotFound},
		{models.Errorf(models.KindInvalidState, "update_layout", "ended"), http.StatusPreconditionFailed},
		{models.Errorf(models.KindResourceExhausted, "start", "full"), http.StatusServiceUnavailable},
		{models.Errorf(models.KindDelivery, "open", "upload"), http.StatusInternalServerError},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, api.StatusCode(tt.err))
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t, api.RouterConfig{})

	rr := s.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var health api.HealthResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 0, health.Active)
	assert.Nil(t, health.Usage)

	s.do(t, "POST", api.TwirpPrefix+"ListEgress", nil)
	rr = s.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `egress_rpc_requests_total{code="ok",method="ListEgress"} 1`)
}

func TestRouterMiddleware(t *testing.T) {
	keys, err := auth.NewKeySet(map[string]string{"dashboard": "dash-secret"})
	require.NoError(t, err)
	s := newServer(t, api.RouterConfig{
		Keys:    keys,
		Limiter: ratelimit.NewLimiter(0.001, 2),
	})

	call := func(key string) int {
		req := httptest.NewRequest("POST", api.TwirpPrefix+"ListEgress", nil)
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		rr := httptest.NewRecorder()
		s.router.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusUnauthorized, call(""))
	assert.Equal(t, http.StatusUnauthorized, call("wrong"))
	assert.Equal(t, http.StatusOK, call("dash-secret"))
	assert.Equal(t, http.StatusOK, call("dash-secret"))
	assert.Equal(t, http.StatusTooManyRequests, call("dash-secret"))

	rr := s.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
