package models

import (
	"encoding/base32"
	"encoding/json"

	"github.com/google/uuid"
)

// EgressIDPrefix prefixes every generated egress id
const EgressIDPrefix = "EG_"

// NewEgressID returns a fresh id: EG_ followed by 12 base32 characters of a random UUID
func NewEgressID() string {
	id := uuid.New()
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(id[:])
	return EgressIDPrefix + enc[:12]
}

// StreamInfoStatus is the per-endpoint status of a stream output
type StreamInfoStatus string

const (
	StreamStatusActive   StreamInfoStatus = "ACTIVE"
	StreamStatusFinished StreamInfoStatus = "FINISHED"
	StreamStatusFailed   StreamInfoStatus = "FAILED"
)

// StreamInfo tracks one restream endpoint independently of the job status.
// Timestamps are unix microseconds, Duration is microseconds.
type StreamInfo struct {
	URL       string           `json:"url"`
	StartedAt int64            `json:"started_at,omitempty"`
	EndedAt   int64            `json:"ended_at,omitempty"`
	Duration  int64            `json:"duration,omitempty"`
	Status    StreamInfoStatus `json:"status"`
	Error     string           `json:"error,omitempty"`
}

// StreamInfoList is the result of a stream output
type StreamInfoList struct {
	Info []*StreamInfo `json:"info"`
}

// FileInfo is the result of a file or direct file output
type FileInfo struct {
	Filename  string `json:"filename"`
	StartedAt int64  `json:"started_at,omitempty"`
	EndedAt   int64  `json:"ended_at,omitempty"`
	Duration  int64  `json:"duration,omitempty"`
	Size      int64  `json:"size"`
	Location  string `json:"location,omitempty"`
}

// SegmentsInfo is the result of a segmented output
type SegmentsInfo struct {
	PlaylistName     string `json:"playlist_name"`
	PlaylistLocation string `json:"playlist_location,omitempty"`
	Duration         int64  `json:"duration,omitempty"`
	Size             int64  `json:"size"`
	SegmentCount     int64  `json:"segment_count"`
	StartedAt        int64  `json:"started_at,omitempty"`
	EndedAt          int64  `json:"ended_at,omitempty"`
}

// EgressResult is the tagged union of output results. At most one field is set.
type EgressResult struct {
	Stream   *StreamInfoList `json:"stream,omitempty"`
	File     *FileInfo       `json:"file,omitempty"`
	Segments *SegmentsInfo   `json:"segments,omitempty"`
}

// Kind returns the output kind the result belongs to
func (r *EgressResult) Kind() OutputKind {
	switch {
	case r == nil:
		return OutputKindNone
	case r.Stream != nil:
		return OutputKindStream
	case r.File != nil:
		return OutputKindFile
	case r.Segments != nil:
		return OutputKindSegments
	default:
		return OutputKindNone
	}
}

// EgressInfo is the job descriptor. The owning state machine is its only mutator.
// Timestamps are unix microseconds.
type EgressInfo struct {
	EgressID    string            `json:"egress_id"`
	RoomID      string            `json:"room_id,omitempty"`
	RoomName    string            `json:"room_name"`
	Status      EgressStatus      `json:"status"`
	CreatedAt   int64             `json:"created_at"`
	StartedAt   int64             `json:"started_at,omitempty"`
	EndedAt     int64             `json:"ended_at,omitempty"`
	UpdatedAt   int64             `json:"updated_at,omitempty"`
	Error       string            `json:"error,omitempty"`
	Request     EgressRequest     `json:"request"`
	Result      *EgressResult     `json:"result,omitempty"`
	Transitions []StateTransition `json:"state_transitions,omitempty"`
}

// Clone returns a deep copy so snapshots never alias the registry's copy
func (e *EgressInfo) Clone() *EgressInfo {
	if e == nil {
		return nil
	}
	c := *e
	c.Request = e.Request.clone()
	c.Result = e.Result.clone()
	if e.Transitions != nil {
		c.Transitions = append([]StateTransition(nil), e.Transitions...)
	}
	return &c
}

// Marshal encodes the descriptor for persistence and event streams
func (e *EgressInfo) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEgressInfo decodes a descriptor produced by Marshal
func UnmarshalEgressInfo(data []byte) (*EgressInfo, error) {
	var info EgressInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (r *EgressResult) clone() *EgressResult {
	if r == nil {
		return nil
	}
	c := &EgressResult{}
	if r.Stream != nil {
		list := &StreamInfoList{Info: make([]*StreamInfo, 0, len(r.Stream.Info))}
		for _, si := range r.Stream.Info {
			cp := *si
			list.Info = append(list.Info, &cp)
		}
		c.Stream = list
	}
	if r.File != nil {
		f := *r.File
		c.File = &f
	}
	if r.Segments != nil {
		s := *r.Segments
		c.Segments = &s
	}
	return c
}

func (r EgressRequest) clone() EgressRequest {
	var c EgressRequest
	if r.RoomComposite != nil {
		rc := *r.RoomComposite
		rc.File = r.RoomComposite.File.clone()
		rc.Stream = r.RoomComposite.Stream.clone()
		rc.Segments = r.RoomComposite.Segments.clone()
		rc.Preset = clonePreset(r.RoomComposite.Preset)
		rc.Advanced = cloneAdvanced(r.RoomComposite.Advanced)
		c.RoomComposite = &rc
	}
	if r.TrackComposite != nil {
		tc := *r.TrackComposite
		tc.File = r.TrackComposite.File.clone()
		tc.Stream = r.TrackComposite.Stream.clone()
		tc.Segments = r.TrackComposite.Segments.clone()
		tc.Preset = clonePreset(r.TrackComposite.Preset)
		tc.Advanced = cloneAdvanced(r.TrackComposite.Advanced)
		c.TrackComposite = &tc
	}
	if r.Track != nil {
		t := *r.Track
		if r.Track.File != nil {
			f := *r.Track.File
			f.S3, f.GCP, f.Azure = cloneUploads(f.S3, f.GCP, f.Azure)
			t.File = &f
		}
		c.Track = &t
	}
	return c
}

// Clone returns a deep copy of the request union
func (r EgressRequest) Clone() EgressRequest {
	return r.clone()
}

func (o *EncodedFileOutput) clone() *EncodedFileOutput {
	if o == nil {
		return nil
	}
	c := *o
	c.S3, c.GCP, c.Azure = cloneUploads(o.S3, o.GCP, o.Azure)
	return &c
}

func (o *SegmentedFileOutput) clone() *SegmentedFileOutput {
	if o == nil {
		return nil
	}
	c := *o
	c.S3, c.GCP, c.Azure = cloneUploads(o.S3, o.GCP, o.Azure)
	return &c
}

func (o *StreamOutput) clone() *StreamOutput {
	if o == nil {
		return nil
	}
	c := *o
	c.URLs = append([]string(nil), o.URLs...)
	return &c
}

func cloneUploads(s3 *S3Upload, gcp *GCPUpload, azure *AzureBlobUpload) (*S3Upload, *GCPUpload, *AzureBlobUpload) {
	if s3 != nil {
		c := *s3
		s3 = &c
	}
	if gcp != nil {
		c := *gcp
		c.Credentials = append([]byte(nil), gcp.Credentials...)
		gcp = &c
	}
	if azure != nil {
		c := *azure
		azure = &c
	}
	return s3, gcp, azure
}

func clonePreset(p *EncodingOptionsPreset) *EncodingOptionsPreset {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func cloneAdvanced(a *EncodingOptions) *EncodingOptions {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}
