package models

import (
	"strings"
)

// RequestKind discriminates the EgressRequest union
type RequestKind string

const (
	RequestKindNone           RequestKind = ""
	RequestKindRoomComposite  RequestKind = "room_composite"
	RequestKindTrackComposite RequestKind = "track_composite"
	RequestKindTrack          RequestKind = "track"
)

// RoomCompositeEgressRequest records or streams a rendered view of a whole room
type RoomCompositeEgressRequest struct {
	RoomName      string                 `json:"room_name" yaml:"room_name"`
	Layout        string                 `json:"layout,omitempty" yaml:"layout,omitempty"`
	AudioOnly     bool                   `json:"audio_only,omitempty" yaml:"audio_only,omitempty"`
	VideoOnly     bool                   `json:"video_only,omitempty" yaml:"video_only,omitempty"`
	CustomBaseURL string                 `json:"custom_base_url,omitempty" yaml:"custom_base_url,omitempty"`
	File          *EncodedFileOutput     `json:"file,omitempty" yaml:"file,omitempty"`
	Stream        *StreamOutput          `json:"stream,omitempty" yaml:"stream,omitempty"`
	Segments      *SegmentedFileOutput   `json:"segments,omitempty" yaml:"segments,omitempty"`
	Preset        *EncodingOptionsPreset `json:"preset,omitempty" yaml:"preset,omitempty"`
	Advanced      *EncodingOptions       `json:"advanced,omitempty" yaml:"advanced,omitempty"`
}

// Output returns the validated output oneof
func (r *RoomCompositeEgressRequest) Output() (OutputSpec, error) {
	return newOutputSpec(r.File, r.Segments, nil, r.Stream)
}

// Validate checks request invariants
func (r *RoomCompositeEgressRequest) Validate() error {
	if strings.TrimSpace(r.RoomName) == "" {
		return Errorf(KindValidation, "validate", "room_name is required")
	}
	if r.AudioOnly && r.VideoOnly {
		return Errorf(KindValidation, "validate", "audio_only and video_only are mutually exclusive")
	}
	if r.Preset != nil && r.Advanced != nil {
		return Errorf(KindValidation, "validate", "only one of preset or advanced may be set")
	}
	if r.Preset != nil && !r.Preset.IsValid() {
		return Errorf(KindValidation, "validate", "unknown preset %q", *r.Preset)
	}
	if _, err := r.Output(); err != nil {
		return err
	}
	if r.File != nil && r.File.FileType == FileTypeOGG && !r.AudioOnly {
		return Errorf(KindValidation, "validate", "ogg output requires audio_only")
	}
	return nil
}

// TrackCompositeEgressRequest muxes at most one audio and one video track
type TrackCompositeEgressRequest struct {
	RoomName     string                 `json:"room_name" yaml:"room_name"`
	AudioTrackID string                 `json:"audio_track_id,omitempty" yaml:"audio_track_id,omitempty"`
	VideoTrackID string                 `json:"video_track_id,omitempty" yaml:"video_track_id,omitempty"`
	File         *EncodedFileOutput     `json:"file,omitempty" yaml:"file,omitempty"`
	Stream       *StreamOutput          `json:"stream,omitempty" yaml:"stream,omitempty"`
	Segments     *SegmentedFileOutput   `json:"segments,omitempty" yaml:"segments,omitempty"`
	Preset       *EncodingOptionsPreset `json:"preset,omitempty" yaml:"preset,omitempty"`
	Advanced     *EncodingOptions       `json:"advanced,omitempty" yaml:"advanced,omitempty"`
}

// Output returns the validated output oneof
func (r *TrackCompositeEgressRequest) Output() (OutputSpec, error) {
	return newOutputSpec(r.File, r.Segments, nil, r.Stream)
}

// Validate checks request invariants
func (r *TrackCompositeEgressRequest) Validate() error {
	if strings.TrimSpace(r.RoomName) == "" {
		return Errorf(KindValidation, "validate", "room_name is required")
	}
	if r.AudioTrackID == "" && r.VideoTrackID == "" {
		return Errorf(KindValidation, "validate", "at least one of audio_track_id or video_track_id is required")
	}
	if r.Preset != nil && r.Advanced != nil {
		return Errorf(KindValidation, "validate", "only one of preset or advanced may be set")
	}
	if r.Preset != nil && !r.Preset.IsValid() {
		return Errorf(KindValidation, "validate", "unknown preset %q", *r.Preset)
	}
	if _, err := r.Output(); err != nil {
		return err
	}
	if r.File != nil && r.File.FileType == FileTypeOGG && r.VideoTrackID != "" {
		return Errorf(KindValidation, "validate", "ogg output cannot carry video")
	}
	return nil
}

// TrackEgressRequest exports a single track without transcoding
type TrackEgressRequest struct {
	RoomName     string            `json:"room_name" yaml:"room_name"`
	TrackID      string            `json:"track_id" yaml:"track_id"`
	File         *DirectFileOutput `json:"file,omitempty" yaml:"file,omitempty"`
	WebsocketURL string            `json:"websocket_url,omitempty" yaml:"websocket_url,omitempty"`
}

// Output returns the validated output oneof. A websocket url becomes a
// single-endpoint stream output.
func (r *TrackEgressRequest) Output() (OutputSpec, error) {
	var stream *StreamOutput
	if r.WebsocketURL != "" {
		stream = &StreamOutput{Protocol: StreamProtocolWebsocket, URLs: []string{r.WebsocketURL}}
	}
	return newOutputSpec(nil, nil, r.File, stream)
}

// Validate checks request invariants
func (r *TrackEgressRequest) Validate() error {
	if strings.TrimSpace(r.RoomName) == "" {
		return Errorf(KindValidation, "validate", "room_name is required")
	}
	if strings.TrimSpace(r.TrackID) == "" {
		return Errorf(KindValidation, "validate", "track_id is required")
	}
	_, err := r.Output()
	return err
}

// EgressRequest is the tagged union echoed in EgressInfo. Exactly one field is set.
type EgressRequest struct {
	RoomComposite  *RoomCompositeEgressRequest  `json:"room_composite,omitempty" yaml:"room_composite,omitempty"`
	TrackComposite *TrackCompositeEgressRequest `json:"track_composite,omitempty" yaml:"track_composite,omitempty"`
	Track          *TrackEgressRequest          `json:"track,omitempty" yaml:"track,omitempty"`
}

// Kind returns the populated variant
func (r EgressRequest) Kind() RequestKind {
	switch {
	case r.RoomComposite != nil:
		return RequestKindRoomComposite
	case r.TrackComposite != nil:
		return RequestKindTrackComposite
	case r.Track != nil:
		return RequestKindTrack
	default:
		return RequestKindNone
	}
}

// Validate checks that exactly one variant is set and that it is valid
func (r EgressRequest) Validate() error {
	n := 0
	for _, set := range []bool{r.RoomComposite != nil, r.TrackComposite != nil, r.Track != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return Errorf(KindValidation, "validate", "exactly one request variant must be set, got %d", n)
	}
	switch {
	case r.RoomComposite != nil:
		return r.RoomComposite.Validate()
	case r.TrackComposite != nil:
		return r.TrackComposite.Validate()
	default:
		return r.Track.Validate()
	}
}

// RoomName returns the room named by the populated variant
func (r EgressRequest) RoomName() string {
	switch {
	case r.RoomComposite != nil:
		return r.RoomComposite.RoomName
	case r.TrackComposite != nil:
		return r.TrackComposite.RoomName
	case r.Track != nil:
		return r.Track.RoomName
	default:
		return ""
	}
}

// Output returns the output oneof of the populated variant
func (r EgressRequest) Output() (OutputSpec, error) {
	switch {
	case r.RoomComposite != nil:
		return r.RoomComposite.Output()
	case r.TrackComposite != nil:
		return r.TrackComposite.Output()
	case r.Track != nil:
		return r.Track.Output()
	default:
		return OutputSpec{}, Errorf(KindValidation, "validate", "request is empty")
	}
}

// UpdateLayoutRequest changes the layout of a running room composite
type UpdateLayoutRequest struct {
	EgressID string `json:"egress_id"`
	Layout   string `json:"layout"`
}

// Validate checks required fields
func (r *UpdateLayoutRequest) Validate() error {
	if r.EgressID == "" {
		return Errorf(KindValidation, "validate", "egress_id is required")
	}
	if r.Layout == "" {
		return Errorf(KindValidation, "validate", "layout is required")
	}
	return nil
}

// UpdateStreamRequest adds or removes endpoints of a running stream output
type UpdateStreamRequest struct {
	EgressID         string   `json:"egress_id"`
	AddOutputURLs    []string `json:"add_output_urls,omitempty"`
	RemoveOutputURLs []string `json:"remove_output_urls,omitempty"`
}

// Validate checks required fields
func (r *UpdateStreamRequest) Validate() error {
	if r.EgressID == "" {
		return Errorf(KindValidation, "validate", "egress_id is required")
	}
	return nil
}

// ListEgressRequest filters ListEgress results. All filters are ANDed.
type ListEgressRequest struct {
	RoomName string `json:"room_name,omitempty"`
	EgressID string `json:"egress_id,omitempty"`
	Active   bool   `json:"active,omitempty"`
}

// ListEgressResponse carries a point-in-time snapshot in creation order
type ListEgressResponse struct {
	Items []*EgressInfo `json:"items"`
}

// StopEgressRequest stops a job
type StopEgressRequest struct {
	EgressID string `json:"egress_id"`
}

// Validate checks required fields
func (r *StopEgressRequest) Validate() error {
	if r.EgressID == "" {
		return Errorf(KindValidation, "validate", "egress_id is required")
	}
	return nil
}
