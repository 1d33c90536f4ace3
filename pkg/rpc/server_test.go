package rpc

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/psantana5/ffmpeg-egress/pkg/auth"
	"github.com/psantana5/ffmpeg-egress/pkg/metrics"
	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// fakeEgress records calls and returns canned results
type fakeEgress struct {
	mu    sync.Mutex
	infos map[string]*models.EgressInfo
	calls []string
}

func newFakeEgress() *fakeEgress {
	return &fakeEgress{infos: make(map[string]*models.EgressInfo)}
}

func (f *fakeEgress) record(method string) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()
}

func (f *fakeEgress) put(req models.EgressRequest, room string) *models.EgressInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := &models.EgressInfo{
		EgressID: fmt.Sprintf("EG_%d", len(f.infos)+1),
		RoomName: room,
		Status:   models.EgressStatusStarting,
		Request:  req,
	}
	f.infos[info.EgressID] = info
	return info.Clone()
}

func (f *fakeEgress) StartRoomCompositeEgress(ctx context.Context, req *models.RoomCompositeEgressRequest) (*models.EgressInfo, error) {
	f.record("StartRoomCompositeEgress")
	if req.RoomName == "" {
		return nil, models.Errorf(models.KindValidation, "validate", "room_name is required")
	}
	return f.put(models.EgressRequest{RoomComposite: req}, req.RoomName), nil
}

func (f *fakeEgress) StartTrackCompositeEgress(ctx context.Context, req *models.TrackCompositeEgressRequest) (*models.EgressInfo, error) {
	f.record("StartTrackCompositeEgress")
	return f.put(models.EgressRequest{TrackComposite: req}, req.RoomName), nil
}

func (f *fakeEgress) StartTrackEgress(ctx context.Context, req *models.TrackEgressRequest) (*models.EgressInfo, error) {
	f.record("StartTrackEgress")
	return f.put(models.EgressRequest{Track: req}, req.RoomName), nil
}

func (f *fakeEgress) UpdateLayout(ctx context.Context, req *models.UpdateLayoutRequest) (*models.EgressInfo, error) {
	f.record("UpdateLayout")
	return nil, models.Errorf(models.KindInvalidState, "update_layout", "egress %s is not active", req.EgressID)
}

func (f *fakeEgress) UpdateStream(ctx context.Context, req *models.UpdateStreamRequest) (*models.EgressInfo, error) {
	f.record("UpdateStream")
	return f.GetEgress(ctx, req.EgressID)
}

func (f *fakeEgress) ListEgress(ctx context.Context, req *models.ListEgressRequest) (*models.ListEgressResponse, error) {
	f.record("ListEgress")
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &models.ListEgressResponse{Items: []*models.EgressInfo{}}
	for _, info := range f.infos {
		if req.RoomName == "" || info.RoomName == req.RoomName {
			resp.Items = append(resp.Items, info.Clone())
		}
	}
	return resp, nil
}

func (f *fakeEgress) StopEgress(ctx context.Context, req *models.StopEgressRequest) (*models.EgressInfo, error) {
	f.record("StopEgress")
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[req.EgressID]
	if !ok {
		return nil, models.Errorf(models.KindNotFound, "stop", "egress %s not found", req.EgressID)
	}
	info.Status = models.EgressStatusEnding
	return info.Clone(), nil
}

func (f *fakeEgress) GetEgress(ctx context.Context, id string) (*models.EgressInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[id]
	if !ok {
		return nil, models.Errorf(models.KindNotFound, "get", "egress %s not found", id)
	}
	return info.Clone(), nil
}

func (f *fakeEgress) ActiveCount() int { return 0 }

func startServer(t *testing.T, svc *fakeEgress, m *metrics.Metrics, keys *auth.KeySet) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := NewGRPCServer(NewServer(svc, m, nil), keys)
	go g.Serve(lis)
	t.Cleanup(g.Stop)
	return lis
}

func dialBuf(t *testing.T, lis *bufconn.Listener, apiKey string) *Client {
	t.Helper()
	c, err := Dial("passthrough:///bufnet", ClientOptions{
		APIKey: apiKey,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRoundTrip(t *testing.T) {
	svc := newFakeEgress()
	m := metrics.New()
	c := dialBuf(t, startServer(t, svc, m, nil), "")
	ctx := context.Background()

	info, err := c.StartRoomCompositeEgress(ctx, &models.RoomCompositeEgressRequest{
		RoomName: "standup",
		Layout:   "speaker",
		File:     &models.EncodedFileOutput{Filepath: "standup.mp4"},
	})
	require.NoError(t, err)
	assert.Equal(t, "standup", info.RoomName)
	assert.Equal(t, models.EgressStatusStarting, info.Status)
	require.NotNil(t, info.Request.RoomComposite)
	assert.Equal(t, "speaker", info.Request.RoomComposite.Layout)

	_, err = c.StartTrackEgress(ctx, &models.TrackEgressRequest{RoomName: "other", TrackID: "TR_1"})
	require.NoError(t, err)

	list, err := c.ListEgress(ctx, &models.ListEgressRequest{RoomName: "standup"})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, info.EgressID, list.Items[0].EgressID)

	stopped, err := c.StopEgress(ctx, &models.StopEgressRequest{EgressID: info.EgressID})
	require.NoError(t, err)
	assert.Equal(t, models.EgressStatusEnding, stopped.Status)

	assert.Contains(t, metricsText(t, m), `egress_rpc_requests_total{code="ok",method="ListEgress"} 1`)
}

func TestErrorCodes(t *testing.T) {
	svc := newFakeEgress()
	m := metrics.New()
	c := dialBuf(t, startServer(t, svc, m, nil), "")
	ctx := context.Background()

	tests := []struct {
		name   string
		call   func() error
		code   codes.Code
		target error
	}{
		{
			name: "validation",
			call: func() error {
				_, err := c.StartRoomCompositeEgress(ctx, &models.RoomCompositeEgressRequest{})
				return err
			},
			code:   codes.InvalidArgument,
			target: models.ErrValidation,
		},
		{
			name: "not found",
			call: func() error {
				_, err := c.StopEgress(ctx, &models.StopEgressRequest{EgressID: "EG_missing"})
				return err
			},
			code:   codes.NotFound,
			target: models.ErrNotFound,
		},
		{
			name: "invalid state",
			call: func() error {
				_, err := c.UpdateLayout(ctx, &models.UpdateLayoutRequest{EgressID: "EG_1", Layout: "grid"})
				return err
			},
			code:   codes.FailedPrecondition,
			target: models.ErrInvalidState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, tt.code, Code(err))
		})
	}

	assert.Contains(t, metricsText(t, m), `egress_rpc_requests_total{code="not_found",method="StopEgress"} 1`)
}

func TestAuthInterceptor(t *testing.T) {
	keys, err := auth.NewKeySet(nil)
	require.NoError(t, err)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, keys.Add("ci", string(hash)))

	lis := startServer(t, newFakeEgress(), nil, keys)
	ctx := context.Background()

	_, err = dialBuf(t, lis, "").ListEgress(ctx, &models.ListEgressRequest{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = dialBuf(t, lis, "wrong").ListEgress(ctx, &models.ListEgressRequest{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = dialBuf(t, lis, "s3cret").ListEgress(ctx, &models.ListEgressRequest{})
	assert.NoError(t, err)
}

func metricsText(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, m.WriteText(&buf))
	return buf.String()
}

func TestCodeLabel(t *testing.T) {
	assert.Equal(t, "ok", codeLabel(codes.OK))
	assert.Equal(t, "invalid_argument", codeLabel(codes.InvalidArgument))
	assert.Equal(t, "failed_precondition", codeLabel(codes.FailedPrecondition))
	assert.Equal(t, "internal", codeLabel(codes.Internal))
}
