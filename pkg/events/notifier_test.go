package events

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/redisclient"
)

type failing struct{ closed bool }

func (f *failing) Publish(context.Context, *models.EgressInfo) error {
	return errors.New("broker down")
}

func (f *failing) Close() error {
	f.closed = true
	return nil
}

func TestMultiPublishesToAll(t *testing.T) {
	rec := NewRecorder()
	bad := &failing{}
	m := Multi{bad, rec, Noop{}}

	info := &models.EgressInfo{EgressID: "EG_1", Status: models.EgressStatusStarting}
	err := m.Publish(context.Background(), info)
	assert.ErrorContains(t, err, "broker down")
	assert.Len(t, rec.Updates(), 1)

	require.NoError(t, m.Close())
	assert.True(t, bad.closed)
}

func TestRecorderStatuses(t *testing.T) {
	rec := NewRecorder()
	ctx := context.Background()
	for _, s := range []models.EgressStatus{models.EgressStatusStarting, models.EgressStatusActive, models.EgressStatusActive, models.EgressStatusEnding, models.EgressStatusComplete} {
		require.NoError(t, rec.Publish(ctx, &models.EgressInfo{EgressID: "EG_1", Status: s}))
	}
	require.NoError(t, rec.Publish(ctx, &models.EgressInfo{EgressID: "EG_2", Status: models.EgressStatusStarting}))

	assert.Equal(t, []models.EgressStatus{
		models.EgressStatusStarting, models.EgressStatusActive, models.EgressStatusEnding, models.EgressStatusComplete,
	}, rec.Statuses("EG_1"))

	select {
	case <-rec.Signal():
	default:
		t.Fatal("expected a publish signal")
	}
}

func TestRecorderKeepsSnapshots(t *testing.T) {
	rec := NewRecorder()
	info := &models.EgressInfo{EgressID: "EG_1", Status: models.EgressStatusStarting}
	require.NoError(t, rec.Publish(context.Background(), info))
	info.Status = models.EgressStatusActive
	assert.Equal(t, models.EgressStatusStarting, rec.Updates()[0].Status)
}

// Set REDIS_ADDR to run: export REDIS_ADDR="localhost:6379"
func TestRedisNotifierIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping redis integration test: REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := redisclient.New(ctx, redisclient.Config{Addr: addr})
	require.NoError(t, err)
	defer client.Close()

	n := NewRedisNotifier(client, "egress-test", "")
	assert.Equal(t, "egress-test:egress:updates", n.Channel())

	sub := client.Subscribe(ctx, n.Channel())
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, n.Publish(ctx, &models.EgressInfo{EgressID: "EG_1", Status: models.EgressStatusActive}))
	select {
	case msg := <-sub.Channel():
		info, err := models.UnmarshalEgressInfo([]byte(msg.Payload))
		require.NoError(t, err)
		assert.Equal(t, "EG_1", info.EgressID)
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
	}
}

// Set KAFKA_BROKERS to run: export KAFKA_BROKERS="localhost:9092"
func TestKafkaNotifierIntegration(t *testing.T) {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("Skipping kafka integration test: KAFKA_BROKERS not set")
	}
	n := NewKafkaNotifier(KafkaConfig{Brokers: []string{brokers}, Topic: "egress-test"}, nil)
	require.NoError(t, n.Publish(context.Background(), &models.EgressInfo{EgressID: "EG_1", Status: models.EgressStatusActive}))
	require.NoError(t, n.Close())
}
