package output

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/pipeline"
)

const (
	urlA = "rtmp://a.example.com/live/key-a"
	urlB = "rtmp://b.example.com/live/key-b"
	urlC = "rtmp://c.example.com/live/key-c"
)

func openTestStream(t *testing.T, d *fakeDialer, urls ...string) Handle {
	t.Helper()
	f := &Factory{Retry: fastRetry, Dialer: d}
	spec := models.OutputSpec{Stream: &models.StreamOutput{Protocol: models.StreamProtocolRTMP, URLs: urls}}
	h, err := f.Open(context.Background(), spec, testMeta())
	require.NoError(t, err)
	return h
}

func streamStatuses(h Handle) map[string]models.StreamInfoStatus {
	result, _ := h.(LiveResult).Result()
	out := map[string]models.StreamInfoStatus{}
	for _, info := range result.Stream.Info {
		out[info.URL] = info.Status
	}
	return out
}

func TestStreamOutputFanOut(t *testing.T) {
	ctx := context.Background()
	d := newFakeDialer()
	h := openTestStream(t, d, urlA, urlB)

	require.NoError(t, h.Write(ctx, pipeline.Packet{Data: []byte("x")}))
	assert.Equal(t, 1, d.pub(urlA).count())
	assert.Equal(t, 1, d.pub(urlB).count())

	result, err := h.Finalize(ctx)
	require.NoError(t, err)
	require.Len(t, result.Stream.Info, 2)
	for _, info := range result.Stream.Info {
		assert.Equal(t, models.StreamStatusFinished, info.Status)
		assert.NotZero(t, info.EndedAt)
	}
	assert.True(t, d.pub(urlA).closed)
}

func TestStreamOutputDegrades(t *testing.T) {
	ctx := context.Background()
	d := newFakeDialer()
	h := openTestStream(t, d, urlA, urlB)

	d.pub(urlA).writeErr = models.Errorf(models.KindFatalDelivery, "write", "stream key rejected")
	require.NoError(t, h.Write(ctx, pipeline.Packet{Data: []byte("x")}))

	statuses := streamStatuses(h)
	assert.Equal(t, models.StreamStatusFailed, statuses[urlA])
	assert.Equal(t, models.StreamStatusActive, statuses[urlB])

	d.pub(urlB).writeErr = models.Errorf(models.KindFatalDelivery, "write", "stream key rejected")
	err := h.Write(ctx, pipeline.Packet{Data: []byte("y")})
	require.ErrorIs(t, err, models.ErrFatalDelivery)
	assert.Equal(t, MsgAllStreamsFailed, err.Error())

	result, _ := h.(LiveResult).Result()
	for _, info := range result.Stream.Info {
		assert.Equal(t, models.StreamStatusFailed, info.Status)
		assert.Contains(t, info.Error, "stream key rejected")
	}
}

func TestStreamOutputReconnects(t *testing.T) {
	ctx := context.Background()
	d := newFakeDialer()
	h := openTestStream(t, d, urlA)

	first := d.pub(urlA)
	first.writeErr = models.Errorf(models.KindDelivery, "write", "broken pipe")
	require.NoError(t, h.Write(ctx, pipeline.Packet{Data: []byte("x")}))

	assert.Equal(t, 2, d.dialCount(urlA))
	assert.True(t, first.closed)
	assert.Equal(t, 1, d.pub(urlA).count())
	assert.Equal(t, models.StreamStatusActive, streamStatuses(h)[urlA])
}

func TestStreamOutputOpenFailures(t *testing.T) {
	d := newFakeDialer()
	d.dialErr[urlA] = models.Errorf(models.KindFatalDelivery, "dial", "unauthorized")
	d.dialErr[urlB] = models.Errorf(models.KindDelivery, "dial", "timeout")

	f := &Factory{Retry: fastRetry, Dialer: d}
	spec := models.OutputSpec{Stream: &models.StreamOutput{URLs: []string{urlA, urlB}}}
	_, err := f.Open(context.Background(), spec, testMeta())
	assert.ErrorIs(t, err, models.ErrFatalDelivery)
	assert.Equal(t, 1, d.dialCount(urlA))
	assert.Equal(t, 3, d.dialCount(urlB))

	// one good endpoint is enough
	d = newFakeDialer()
	d.dialErr[urlA] = models.Errorf(models.KindFatalDelivery, "dial", "unauthorized")
	h := openTestStream(t, d, urlA, urlB)
	statuses := streamStatuses(h)
	assert.Equal(t, models.StreamStatusFailed, statuses[urlA])
	assert.Equal(t, models.StreamStatusActive, statuses[urlB])
}

func TestStreamOutputAddRemove(t *testing.T) {
	ctx := context.Background()
	d := newFakeDialer()
	h := openTestStream(t, d, urlA)
	updater := h.(StreamUpdater)
	_, v0 := h.(LiveResult).Result()

	// added urls connect on the next packet
	require.NoError(t, updater.AddURL(ctx, urlB))
	assert.Nil(t, d.pub(urlB))
	require.NoError(t, updater.AddURL(ctx, urlB))
	require.NoError(t, h.Write(ctx, pipeline.Packet{Data: []byte("x")}))
	assert.Equal(t, 1, d.pub(urlB).count())

	result, v1 := h.(LiveResult).Result()
	assert.Len(t, result.Stream.Info, 2)
	assert.Greater(t, v1, v0)

	assert.ErrorIs(t, updater.AddURL(ctx, "srt://c.example.com"), models.ErrValidation)
	assert.NoError(t, updater.RemoveURL(urlC))

	require.NoError(t, updater.RemoveURL(urlA))
	assert.Equal(t, models.StreamStatusFinished, streamStatuses(h)[urlA])
	assert.True(t, d.pub(urlA).closed)

	err := updater.RemoveURL(urlB)
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, models.StreamStatusActive, streamStatuses(h)[urlB])

	// re-adding a finished url creates a new entry
	require.NoError(t, updater.AddURL(ctx, urlA))
	result, _ = h.(LiveResult).Result()
	assert.Len(t, result.Stream.Info, 3)
}

func TestWebsocketDialer(t *testing.T) {
	received := make(chan []byte, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "ok" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- data
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	d := MuxDialer{Websocket: WebsocketDialer{HandshakeTimeout: time.Second}}
	ctx := context.Background()

	pub, err := d.Dial(ctx, models.StreamProtocolWebsocket, wsURL+"/track?token=ok")
	require.NoError(t, err)
	require.NoError(t, pub.Write(ctx, []byte("opus")))
	select {
	case data := <-received:
		assert.Equal(t, "opus", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("websocket message not received")
	}
	assert.NoError(t, pub.Close())

	_, err = d.Dial(ctx, models.StreamProtocolWebsocket, wsURL+"/track?token=bad")
	assert.ErrorIs(t, err, models.ErrFatalDelivery)

	_, err = d.Dial(ctx, models.StreamProtocolRTMP, urlA)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}
