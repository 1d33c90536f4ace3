package ffmpeg

import (
	"bufio"
	"strconv"
	"strings"
	"time"
)

type playlistEntry struct {
	URI      string
	Duration time.Duration
}

// parsePlaylist reads the media segments of an HLS media playlist in order.
// Only finished segments appear in ffmpeg's playlist.
func parsePlaylist(data string) []playlistEntry {
	var entries []playlistEntry
	var pending time.Duration
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "#EXTINF:"):
			value, _, _ := strings.Cut(strings.TrimPrefix(line, "#EXTINF:"), ",")
			if seconds, err := strconv.ParseFloat(value, 64); err == nil {
				pending = time.Duration(seconds * float64(time.Second))
			}
		case strings.HasPrefix(line, "#"):
		default:
			entries = append(entries, playlistEntry{URI: line, Duration: pending})
			pending = 0
		}
	}
	return entries
}
