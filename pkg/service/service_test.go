package service

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/ffmpeg-egress/pkg/egress"
	"github.com/psantana5/ffmpeg-egress/pkg/events"
	"github.com/psantana5/ffmpeg-egress/pkg/metrics"
	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/output"
	"github.com/psantana5/ffmpeg-egress/pkg/pipeline/pipelinetest"
	"github.com/psantana5/ffmpeg-egress/pkg/resources"
	"github.com/psantana5/ffmpeg-egress/pkg/retry"
	"github.com/psantana5/ffmpeg-egress/pkg/rooms"
	"github.com/psantana5/ffmpeg-egress/pkg/store"
)

const waitFor = 2 * time.Second

type nopPublisher struct{}

func (nopPublisher) Write(context.Context, []byte) error { return nil }

func (nopPublisher) Close() error { return nil }

// steppingClock moves forward one millisecond per reading
type steppingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type fixture struct {
	svc     *Service
	store   *store.MemoryStore
	pipe    *pipelinetest.Pipeline
	rec     *events.Recorder
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, admission *resources.Manager, directory rooms.Directory) *fixture {
	clock := &steppingClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	f := &fixture{
		store:   store.NewMemoryStore(),
		pipe:    pipelinetest.New(),
		rec:     events.NewRecorder(),
		metrics: metrics.New(),
	}
	dialer := output.DialerFunc(func(ctx context.Context, protocol models.StreamProtocol, rawURL string) (output.Publisher, error) {
		return nopPublisher{}, nil
	})
	f.svc = New(Config{}, egress.Deps{
		Store:    f.store,
		Pipeline: f.pipe,
		Rooms:    directory,
		Outputs: &output.Factory{
			OutputDir: t.TempDir(),
			TempDir:   t.TempDir(),
			Retry:     retry.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1},
			Dialer:    dialer,
			Now:       clock.Now,
		},
		Notifier: f.rec,
		Metrics:  f.metrics,
		Now:      clock.Now,
	}, admission)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		f.svc.Shutdown(ctx)
	})
	return f
}

func (f *fixture) waitStatus(t *testing.T, id string, status models.EgressStatus) *models.EgressInfo {
	var info *models.EgressInfo
	require.Eventually(t, func() bool {
		var err error
		info, err = f.svc.GetEgress(context.Background(), id)
		return err == nil && info.Status == status
	}, waitFor, 5*time.Millisecond)
	return info
}

func (f *fixture) attached(t *testing.T) *pipelinetest.Session {
	select {
	case s := <-f.pipe.Attached():
		return s
	case <-time.After(waitFor):
		t.Fatal("pipeline was never attached")
		return nil
	}
}

func fileOutput() *models.EncodedFileOutput {
	return &models.EncodedFileOutput{Filepath: "{room_name}/{egress_id}.mp4"}
}

func TestStartValidationCreatesNoJob(t *testing.T) {
	f := newFixture(t, nil, rooms.Any{})

	tests := []struct {
		name string
		req  *models.RoomCompositeEgressRequest
	}{
		{"no output", &models.RoomCompositeEgressRequest{RoomName: "demo"}},
		{
			"two outputs",
			&models.RoomCompositeEgressRequest{
				RoomName: "demo",
				File:     fileOutput(),
				Stream:   &models.StreamOutput{URLs: []string{"rtmp://a.example/live"}},
			},
		},
		{"no room", &models.RoomCompositeEgressRequest{File: fileOutput()}},
		{
			"preset and advanced",
			&models.RoomCompositeEgressRequest{
				RoomName: "demo",
				File:     fileOutput(),
				Preset:   presetPtr(models.PresetH264720P30),
				Advanced: &models.EncodingOptions{Width: 1280, Height: 720},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.StartRoomCompositeEgress(context.Background(), tt.req)
			assert.ErrorIs(t, err, models.ErrValidation)
			assert.Equal(t, 0, f.store.Len())
		})
	}
}

func presetPtr(p models.EncodingOptionsPreset) *models.EncodingOptionsPreset {
	return &p
}

func TestStartReturnsStartingDescriptor(t *testing.T) {
	f := newFixture(t, nil, rooms.Any{})

	req := &models.RoomCompositeEgressRequest{RoomName: "demo", Layout: "grid", File: fileOutput()}
	info, err := f.svc.StartRoomCompositeEgress(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, models.EgressStatusStarting, info.Status)
	assert.Regexp(t, `^EG_[A-Z2-7]{12}$`, info.EgressID)
	assert.Equal(t, "demo", info.RoomName)
	assert.NotZero(t, info.CreatedAt)
	require.NotNil(t, info.Request.RoomComposite)
	assert.Equal(t, *req, *info.Request.RoomComposite)
	assert.Nil(t, info.Request.Track)
	assert.Nil(t, info.Request.TrackComposite)

	session := f.attached(t)
	want, _ := models.PresetH264720P30.Options()
	assert.Equal(t, want, session.Options)
	assert.Equal(t, DefaultBaseURL, session.Source.BaseURL)
	f.waitStatus(t, info.EgressID, models.EgressStatusActive)
}

func TestConcurrentStartsAreIndependent(t *testing.T) {
	f := newFixture(t, nil, rooms.Any{})

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := f.svc.StartRoomCompositeEgress(context.Background(),
				&models.RoomCompositeEgressRequest{RoomName: "demo", File: fileOutput()})
			if assert.NoError(t, err) {
				ids[i] = info.EgressID
			}
		}(i)
	}
	wg.Wait()

	assert.NotEqual(t, ids[0], ids[1])
	f.attached(t)
	f.attached(t)
	for _, id := range ids {
		f.waitStatus(t, id, models.EgressStatusActive)
	}

	_, err := f.svc.StopEgress(context.Background(), &models.StopEgressRequest{EgressID: ids[0]})
	require.NoError(t, err)
	f.waitStatus(t, ids[0], models.EgressStatusComplete)

	other, err := f.svc.GetEgress(context.Background(), ids[1])
	require.NoError(t, err)
	assert.Equal(t, models.EgressStatusActive, other.Status)
	require.Eventually(t, func() bool { return f.svc.ActiveCount() == 1 }, waitFor, 5*time.Millisecond)
}

func TestListEgressFilters(t *testing.T) {
	f := newFixture(t, nil, rooms.Any{})

	var demo []string
	for _, room := range []string{"demo", "other", "demo"} {
		info, err := f.svc.StartRoomCompositeEgress(context.Background(),
			&models.RoomCompositeEgressRequest{RoomName: room, File: fileOutput()})
		require.NoError(t, err)
		if room == "demo" {
			demo = append(demo, info.EgressID)
		}
	}

	all, err := f.svc.ListEgress(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, all.Items, 3)

	resp, err := f.svc.ListEgress(context.Background(), &models.ListEgressRequest{RoomName: "demo"})
	require.NoError(t, err)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, demo[0], resp.Items[0].EgressID)
	assert.Equal(t, demo[1], resp.Items[1].EgressID)

	resp, err = f.svc.ListEgress(context.Background(), &models.ListEgressRequest{RoomName: "demo", EgressID: demo[1]})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)

	resp, err = f.svc.ListEgress(context.Background(), &models.ListEgressRequest{RoomName: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, resp.Items)
}

func TestUnknownEgress(t *testing.T) {
	f := newFixture(t, nil, rooms.Any{})
	ctx := context.Background()

	_, err := f.svc.StopEgress(ctx, &models.StopEgressRequest{EgressID: "EG_MISSING"})
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.svc.UpdateLayout(ctx, &models.UpdateLayoutRequest{EgressID: "EG_MISSING", Layout: "grid"})
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.svc.UpdateStream(ctx, &models.UpdateStreamRequest{EgressID: "EG_MISSING"})
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.svc.StopEgress(ctx, &models.StopEgressRequest{})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestStreamScenario(t *testing.T) {
	f := newFixture(t, nil, rooms.Any{})
	ctx := context.Background()

	info, err := f.svc.StartRoomCompositeEgress(ctx, &models.RoomCompositeEgressRequest{
		RoomName: "demo",
		Stream:   &models.StreamOutput{URLs: []string{"rtmp://a.example/live/key"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.EgressStatusStarting, info.Status)
	f.attached(t)
	f.waitStatus(t, info.EgressID, models.EgressStatusActive)

	updated, err := f.svc.UpdateStream(ctx, &models.UpdateStreamRequest{
		EgressID:      info.EgressID,
		AddOutputURLs: []string{"rtmp://b.example/live/key"},
	})
	require.NoError(t, err)
	require.Len(t, updated.Result.Stream.Info, 2)
	for _, s := range updated.Result.Stream.Info {
		assert.Equal(t, models.StreamStatusActive, s.Status)
	}

	stopped, err := f.svc.StopEgress(ctx, &models.StopEgressRequest{EgressID: info.EgressID})
	require.NoError(t, err)
	assert.Equal(t, models.EgressStatusEnding, stopped.Status)

	final := f.waitStatus(t, info.EgressID, models.EgressStatusComplete)
	require.Len(t, final.Result.Stream.Info, 2)
	for _, s := range final.Result.Stream.Info {
		assert.Equal(t, models.StreamStatusFinished, s.Status)
		assert.Positive(t, s.Duration)
	}
	assert.Equal(t, []models.EgressStatus{
		models.EgressStatusStarting,
		models.EgressStatusActive,
		models.EgressStatusEnding,
		models.EgressStatusComplete,
	}, f.rec.Statuses(info.EgressID))

	again, err := f.svc.StopEgress(ctx, &models.StopEgressRequest{EgressID: info.EgressID})
	require.NoError(t, err)
	assert.Equal(t, final, again)

	_, err = f.svc.UpdateStream(ctx, &models.UpdateStreamRequest{
		EgressID:      info.EgressID,
		AddOutputURLs: []string{"rtmp://c.example/live/key"},
	})
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestTrackAbsentFails(t *testing.T) {
	f := newFixture(t, nil, rooms.NewMemoryDirectory(rooms.Room{Name: "demo"}))

	info, err := f.svc.StartTrackEgress(context.Background(), &models.TrackEgressRequest{
		RoomName:     "demo",
		TrackID:      "t1",
		WebsocketURL: "ws://x.example",
	})
	require.NoError(t, err)

	final := f.waitStatus(t, info.EgressID, models.EgressStatusFailed)
	assert.NotEmpty(t, final.Error)
	assert.Nil(t, final.Result)
	require.Eventually(t, func() bool { return f.svc.ActiveCount() == 0 }, waitFor, 5*time.Millisecond)
}

func TestAdmissionControl(t *testing.T) {
	admission, err := resources.NewManager(resources.Config{Cores: 3, MaxCPUUtilization: 1})
	require.NoError(t, err)
	f := newFixture(t, admission, rooms.Any{})
	ctx := context.Background()
	req := &models.RoomCompositeEgressRequest{RoomName: "demo", File: fileOutput()}

	first, err := f.svc.StartRoomCompositeEgress(ctx, req)
	require.NoError(t, err)

	_, err = f.svc.StartRoomCompositeEgress(ctx, req)
	assert.ErrorIs(t, err, models.ErrResourceExhausted)
	assert.Equal(t, 1, f.store.Len())

	var buf bytes.Buffer
	require.NoError(t, f.metrics.WriteText(&buf))
	assert.Contains(t, buf.String(), "egress_admission_rejected_total 1")

	f.attached(t)
	f.waitStatus(t, first.EgressID, models.EgressStatusActive)
	_, err = f.svc.StopEgress(ctx, &models.StopEgressRequest{EgressID: first.EgressID})
	require.NoError(t, err)
	f.waitStatus(t, first.EgressID, models.EgressStatusComplete)
	require.Eventually(t, func() bool { return admission.Reserved() == 0 }, waitFor, 5*time.Millisecond)

	_, err = f.svc.StartRoomCompositeEgress(ctx, req)
	assert.NoError(t, err)
}

func TestShutdownAbortsRunningJobs(t *testing.T) {
	f := newFixture(t, nil, rooms.Any{})

	info, err := f.svc.StartRoomCompositeEgress(context.Background(),
		&models.RoomCompositeEgressRequest{RoomName: "demo", File: fileOutput()})
	require.NoError(t, err)
	session := f.attached(t)
	f.waitStatus(t, info.EgressID, models.EgressStatusActive)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(ctx))

	final, err := f.svc.GetEgress(context.Background(), info.EgressID)
	require.NoError(t, err)
	assert.Equal(t, models.EgressStatusAborted, final.Status)
	assert.True(t, session.Closed())
	assert.Equal(t, 0, f.svc.ActiveCount())

	_, err = f.svc.StartRoomCompositeEgress(context.Background(),
		&models.RoomCompositeEgressRequest{RoomName: "demo", File: fileOutput()})
	assert.ErrorIs(t, err, models.ErrResourceExhausted)
}
