package api_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/ffmpeg-egress/pkg/api"
	"github.com/psantana5/ffmpeg-egress/pkg/auth"
	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

func TestClientRoundTrip(t *testing.T) {
	s := newServer(t, api.RouterConfig{})
	ts := httptest.NewServer(s.router)
	defer ts.Close()

	client := api.NewClient(ts.URL+"/", api.ClientOptions{})
	defer client.Close()
	ctx := context.Background()

	info, err := client.StartTrackEgress(ctx, &models.TrackEgressRequest{
		RoomName: "demo",
		TrackID:  "TR_audio",
		File:     &models.DirectFileOutput{Filepath: "tracks/{egress_id}.ogg"},
	})
	require.NoError(t, err)
	assert.Equal(t, "demo", info.RoomName)
	require.NotNil(t, info.Request.Track)

	list, err := client.ListEgress(ctx, &models.ListEgressRequest{EgressID: info.EgressID})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, info.EgressID, list.Items[0].EgressID)

	_, err = client.StopEgress(ctx, &models.StopEgressRequest{EgressID: info.EgressID})
	require.NoError(t, err)
}

func TestClientErrors(t *testing.T) {
	s := newServer(t, api.RouterConfig{})
	ts := httptest.NewServer(s.router)
	defer ts.Close()
	client := api.NewClient(ts.URL, api.ClientOptions{})
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{
			name: "validation",
			call: func() error {
				_, err := client.StartRoomCompositeEgress(ctx, &models.RoomCompositeEgressRequest{RoomName: "demo"})
				return err
			},
			want: models.ErrValidation,
		},
		{
			name: "not found",
			call: func() error {
				_, err := client.StopEgress(ctx, &models.StopEgressRequest{EgressID: "EG_missing"})
				return err
			},
			want: models.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClientUnauthorized(t *testing.T) {
	keys, err := auth.NewKeySet(map[string]string{"ci": "secret-key"})
	require.NoError(t, err)
	s := newServer(t, api.RouterConfig{Keys: keys})
	ts := httptest.NewServer(s.router)
	defer ts.Close()
	ctx := context.Background()

	_, err = api.NewClient(ts.URL, api.ClientOptions{APIKey: "wrong"}).ListEgress(ctx, &models.ListEgressRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")

	_, err = api.NewClient(ts.URL, api.ClientOptions{APIKey: "secret-key"}).ListEgress(ctx, &models.ListEgressRequest{})
	assert.NoError(t, err)
}

func TestKindOfCode(t *testing.T) {
	for _, kind := range []models.ErrorKind{
		models.KindValidation,
		models.KindNotFound,
		models.KindInvalidState,
		models.KindResourceExhausted,
		models.KindInternal,
	} {
		err := models.Errorf(kind, "op", "boom")
		assert.Equal(t, kind, api.KindOfCode(api.Code(err)), kind.String())
	}
}
