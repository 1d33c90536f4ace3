// Package rooms resolves room names to live sources before an egress attaches
package rooms

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sync"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// TrackKind is the media type of a published track
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is a published track in a room
type Track struct {
	ID   string    `json:"id"`
	Kind TrackKind `json:"kind"`
	Name string    `json:"name,omitempty"`
}

// Room is a resolved live session
type Room struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Tracks []Track `json:"tracks,omitempty"`

	// Unlisted rooms do not enumerate tracks; track ids are not checked
	Unlisted bool `json:"-"`
}

// Track returns the track with the given id
func (r *Room) Track(id string) (Track, bool) {
	for _, t := range r.Tracks {
		if t.ID == id {
			return t, true
		}
	}
	return Track{}, false
}

// Directory looks rooms up by name. Unknown rooms fail with SourceNotFound.
type Directory interface {
	Lookup(ctx context.Context, name string) (*Room, error)
}

// ResolveSource checks that every track the request names exists in room,
// with the expected kind where the request implies one
func ResolveSource(room *Room, req models.EgressRequest) error {
	if room.Unlisted {
		return nil
	}
	check := func(id string, kind TrackKind) error {
		if id == "" {
			return nil
		}
		t, ok := room.Track(id)
		if !ok {
			return models.Errorf(models.KindSourceNotFound, "resolve", "track %s not found in room %s", id, room.Name)
		}
		if kind != "" && t.Kind != kind {
			return models.Errorf(models.KindSourceNotFound, "resolve", "track %s is %s, not %s", id, t.Kind, kind)
		}
		return nil
	}

	switch {
	case req.TrackComposite != nil:
		if err := check(req.TrackComposite.AudioTrackID, TrackAudio); err != nil {
			return err
		}
		return check(req.TrackComposite.VideoTrackID, TrackVideo)
	case req.Track != nil:
		return check(req.Track.TrackID, "")
	}
	return nil
}

// MemoryDirectory is a process-local directory, seeded from configuration
// or by an embedding application
type MemoryDirectory struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewMemoryDirectory creates a directory holding rooms
func NewMemoryDirectory(rooms ...Room) *MemoryDirectory {
	d := &MemoryDirectory{rooms: make(map[string]*Room)}
	for _, r := range rooms {
		d.Put(r)
	}
	return d
}

// Put adds or replaces a room. A missing id is derived from the name.
func (d *MemoryDirectory) Put(room Room) {
	if room.ID == "" {
		room.ID = RoomID(room.Name)
	}
	room.Tracks = append([]Track(nil), room.Tracks...)
	d.mu.Lock()
	d.rooms[room.Name] = &room
	d.mu.Unlock()
}

// Remove deletes a room
func (d *MemoryDirectory) Remove(name string) {
	d.mu.Lock()
	delete(d.rooms, name)
	d.mu.Unlock()
}

// Lookup implements Directory
func (d *MemoryDirectory) Lookup(ctx context.Context, name string) (*Room, error) {
	d.mu.RLock()
	room, ok := d.rooms[name]
	d.mu.RUnlock()
	if !ok {
		return nil, models.Errorf(models.KindSourceNotFound, "resolve", "room %s not found", name)
	}
	out := *room
	out.Tracks = append([]Track(nil), room.Tracks...)
	return &out, nil
}

// Any accepts every room name. Rooms have no track list, so track
// existence is left to the pipeline.
type Any struct{}

// Lookup implements Directory
func (Any) Lookup(ctx context.Context, name string) (*Room, error) {
	return &Room{ID: RoomID(name), Name: name, Unlisted: true}, nil
}

// RoomID derives a stable room id from its name
func RoomID(name string) string {
	sum := sha1.Sum([]byte(name))
	return "RM_" + hex.EncodeToString(sum[:6])
}
