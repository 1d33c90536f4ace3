package ffmpeg

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/ffmpeg-egress/internal/cgroups"
	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/pipeline"
)

// fakeBinary writes a shell script standing in for ffmpeg
func fakeBinary(t *testing.T, body string) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func attach(t *testing.T, cfg Config, format pipeline.Format) pipeline.Session {
	t.Helper()
	src := pipeline.Source{Kind: models.RequestKindRoomComposite, RoomName: "room", SegmentDuration: 6 * time.Second}
	s, err := New(cfg, nil).Attach(context.Background(), src, models.EncodingOptions{}, format)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func collect(t *testing.T, s pipeline.Session) []pipeline.Packet {
	t.Helper()
	var pkts []pipeline.Packet
	timeout := time.After(5 * time.Second)
	for {
		select {
		case pkt, ok := <-s.Packets():
			if !ok {
				return pkts
			}
			pkts = append(pkts, pkt)
		case <-timeout:
			t.Fatal("packets not closed")
		}
	}
}

func nextEvent(t *testing.T, s pipeline.Session) pipeline.Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return pipeline.Event{}
	}
}

func TestSessionStreamsStdout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BinaryPath = fakeBinary(t, `printf 'hello '; printf 'world'`)
	s := attach(t, cfg, pipeline.FormatMP4)

	var got bytes.Buffer
	for _, pkt := range collect(t, s) {
		assert.False(t, pkt.Segment)
		got.Write(pkt.Data)
	}
	assert.Equal(t, "hello world", got.String())
	assert.Equal(t, pipeline.EventSourceEnded, nextEvent(t, s).Type)
}

func TestSessionFatalExit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BinaryPath = fakeBinary(t, `echo "rtmp://media.local: Connection refused" >&2; exit 3`)
	s := attach(t, cfg, pipeline.FormatFLV)

	ev := nextEvent(t, s)
	require.Equal(t, pipeline.EventFatalError, ev.Type)
	assert.Contains(t, ev.Err.Error(), "Connection refused")

	require.NoError(t, s.Close())
	assert.Empty(t, collect(t, s))
}

func TestSessionStopFlushes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BinaryPath = fakeBinary(t, `trap 'printf tail; exit 255' INT
printf head
while :; do sleep 0.05; done`)
	s := attach(t, cfg, pipeline.FormatMP4)

	first := <-s.Packets()
	assert.Equal(t, "head", string(first.Data))

	s.Stop()
	var rest bytes.Buffer
	for _, pkt := range collect(t, s) {
		rest.Write(pkt.Data)
	}
	assert.Equal(t, "tail", rest.String())

	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event after stop: %v", ev.Type)
	default:
	}
}

func TestSessionLimitReached(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDuration = 50 * time.Millisecond
	cfg.BinaryPath = fakeBinary(t, `trap 'exit 0' INT
while :; do sleep 0.05; done`)
	s := attach(t, cfg, pipeline.FormatMP4)

	assert.Equal(t, pipeline.EventLimitReached, nextEvent(t, s).Type)
	s.Stop()
	assert.Empty(t, collect(t, s))
}

func TestSessionSegments(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TempDir = t.TempDir()
	cfg.BinaryPath = fakeBinary(t, `for last; do :; done
dir=$(dirname "$last")
printf one > "$dir/seg_00000.ts"
printf two > "$dir/seg_00001.ts"
printf '#EXTM3U\n#EXTINF:6.000,\nseg_00000.ts\n#EXTINF:2.500,\nseg_00001.ts\n#EXT-X-ENDLIST\n' > "$last"`)
	s := attach(t, cfg, pipeline.FormatSegments)

	pkts := collect(t, s)
	require.Len(t, pkts, 2)
	assert.Equal(t, pipeline.Packet{Data: []byte("one"), Duration: 6 * time.Second, Segment: true}, pkts[0])
	assert.Equal(t, pipeline.Packet{Data: []byte("two"), Duration: 2500 * time.Millisecond, Segment: true}, pkts[1])
	assert.Equal(t, pipeline.EventSourceEnded, nextEvent(t, s).Type)

	left, err := os.ReadDir(cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, left, "work dir removed")
}

func TestSessionRejectsLayout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BinaryPath = fakeBinary(t, `exit 0`)
	s := attach(t, cfg, pipeline.FormatMP4)
	assert.ErrorIs(t, s.UpdateLayout(context.Background(), "grid"), ErrLayoutUnsupported)
}

func TestAttachMissingBinary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BinaryPath = filepath.Join(t.TempDir(), "missing")
	_, err := New(cfg, nil).Attach(context.Background(), pipeline.Source{Kind: models.RequestKindRoomComposite}, models.EncodingOptions{}, pipeline.FormatMP4)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestSessionConfined(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "cgroup.controllers"), []byte("cpu memory"), 0o644))

	cfg := DefaultConfig()
	cfg.BinaryPath = fakeBinary(t, `printf x`)
	cfg.Cgroup = cgroups.Config{Enabled: true, Root: root, CPUs: 1}
	s := attach(t, cfg, pipeline.FormatOGG)
	collect(t, s)

	dirs, err := os.ReadDir(filepath.Join(root, "egress"))
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	procs, err := os.ReadFile(filepath.Join(root, "egress", dirs[0].Name(), "cgroup.procs"))
	require.NoError(t, err)
	assert.NotEmpty(t, string(procs))
	cpuMax, err := os.ReadFile(filepath.Join(root, "egress", dirs[0].Name(), "cpu.max"))
	require.NoError(t, err)
	assert.Equal(t, "100000 100000", string(cpuMax))
}
