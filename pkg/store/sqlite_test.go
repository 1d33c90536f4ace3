package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/redisclient"
)

func TestSQLitePersisterRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "egress.db")

	p, err := NewSQLitePersister(ctx, dbPath)
	require.NoError(t, err)

	first := newInfo("EG_a", "demo")
	second := newInfo("EG_b", "other")
	second.CreatedAt = first.CreatedAt + 1
	require.NoError(t, p.Save(ctx, first))
	require.NoError(t, p.Save(ctx, second))

	require.NoError(t, first.Transition(models.EgressStatusActive, "attached", time.Now()))
	first.Result = &models.EgressResult{Stream: &models.StreamInfoList{Info: []*models.StreamInfo{
		{URL: "rtmp://a.example.com/live", Status: models.StreamStatusActive},
	}}}
	require.NoError(t, p.Save(ctx, first))

	loaded, err := p.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "EG_a", loaded[0].EgressID)
	assert.Equal(t, models.EgressStatusActive, loaded[0].Status)
	require.NotNil(t, loaded[0].Result)
	assert.Len(t, loaded[0].Result.Stream.Info, 1)
	assert.Equal(t, "other", loaded[1].Request.RoomComposite.RoomName)

	require.NoError(t, p.Delete(ctx, "EG_b"))
	require.NoError(t, p.Close())

	// reopening recovers the running job as failed
	p, err = NewSQLitePersister(ctx, dbPath)
	require.NoError(t, err)
	s, err := NewPersistentStore(ctx, p, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 1, s.Len())
	got, err := s.Get(ctx, "EG_a")
	require.NoError(t, err)
	assert.Equal(t, models.EgressStatusFailed, got.Status)
	assert.Equal(t, RestartError, got.Error)
}

// concurrent registry writes must not trip SQLITE_BUSY
func TestSQLiteConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	p, err := NewSQLitePersister(ctx, filepath.Join(t.TempDir(), "concurrent.db"))
	require.NoError(t, err)
	s, err := NewPersistentStore(ctx, p, nil)
	require.NoError(t, err)
	defer s.Close()

	const jobs = 20
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			id := fmt.Sprintf("EG_%02d", idx)
			if err := s.Reserve(ctx, newInfo(id, "demo")); err != nil {
				t.Errorf("reserve %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	loaded, err := p.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, jobs)
}

func TestNewPersisterUnsupported(t *testing.T) {
	_, err := NewPersister(context.Background(), Config{Type: "cassandra"}, redisclient.Config{})
	assert.ErrorIs(t, err, ErrUnsupportedBackend)

	p, err := NewPersister(context.Background(), Config{Type: "memory"}, redisclient.Config{})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestRebind(t *testing.T) {
	p := &sqlPersister{numbered: true}
	assert.Equal(t, "DELETE FROM egress WHERE id = $1 AND status = $2",
		p.rebind("DELETE FROM egress WHERE id = ? AND status = ?"))
	p.numbered = false
	assert.Equal(t, "SELECT ?", p.rebind("SELECT ?"))
}
