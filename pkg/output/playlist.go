package output

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type playlistEntry struct {
	uri      string
	duration time.Duration
}

// Playlist is an HLS media playlist that grows one segment at a time
type Playlist struct {
	target  time.Duration
	entries []playlistEntry
}

// NewPlaylist creates an empty playlist with a minimum target duration
func NewPlaylist(target time.Duration) *Playlist {
	return &Playlist{target: target}
}

// Append adds a segment
func (p *Playlist) Append(uri string, duration time.Duration) {
	p.entries = append(p.entries, playlistEntry{uri: uri, duration: duration})
}

// Len returns the number of segments
func (p *Playlist) Len() int {
	return len(p.entries)
}

// Render writes the playlist. A live playlist is an EVENT playlist without
// an end tag; the final one carries #EXT-X-ENDLIST.
func (p *Playlist) Render(final bool) string {
	var b strings.Builder

	maxDuration := p.target.Seconds()
	for _, e := range p.entries {
		if d := e.duration.Seconds(); d > maxDuration {
			maxDuration = d
		}
	}

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:4\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(maxDuration))))
	b.WriteString("#EXT-X-PLAYLIST-TYPE:EVENT\n")
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("\n")

	for _, e := range p.entries {
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", e.duration.Seconds()))
		b.WriteString(e.uri + "\n")
	}

	if final {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}
