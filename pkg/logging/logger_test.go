package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

func TestRedactHook(t *testing.T) {
	logger, err := New(Config{Level: "debug", Format: "json"})
	require.NoError(t, err)
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.WithFields(logrus.Fields{
		"secret":      "s3cr3t",
		"account_key": "azkey",
		"url":         "rtmp://live.example.com/app/streamkey",
		"target_url":  "wss://sink.example.com/ingest?token=abc",
		"bucket":      "recordings",
	}).Info("upload configured")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "[redacted]", line["secret"])
	assert.Equal(t, "[redacted]", line["account_key"])
	assert.Equal(t, "rtmp://live.example.com/{redacted}", line["url"])
	assert.Equal(t, "wss://sink.example.com/{redacted}", line["target_url"])
	assert.Equal(t, "recordings", line["bucket"])
	assert.NotContains(t, buf.String(), "streamkey")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"INFO", logrus.InfoLevel},
		{"warning", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"", logrus.InfoLevel},
		{"chatty", logrus.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestForEgress(t *testing.T) {
	entry := ForEgress(nil, &models.EgressInfo{EgressID: "EG_1", RoomName: "demo", Status: models.EgressStatusActive})
	assert.Equal(t, "EG_1", entry.Data["egress_id"])
	assert.Equal(t, "demo", entry.Data["room_name"])
	assert.Equal(t, models.EgressStatusActive, entry.Data["status"])
}

func TestFileOutput(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(Config{Output: "file", Directory: dir, Component: "egress-test"})
	require.NoError(t, err)
	logger.Info("hello")

	path, err := LogPath(dir, "egress-test")
	require.NoError(t, err)
	assert.FileExists(t, path)

	_, err = New(Config{Output: "syslog"})
	assert.Error(t, err)
}
