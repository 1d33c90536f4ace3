package models

import (
	"fmt"
	"net/url"
	"strings"
)

// EncodedFileType selects the container for encoded file outputs
type EncodedFileType string

const (
	FileTypeDefault EncodedFileType = "DEFAULT_FILETYPE"
	FileTypeMP4     EncodedFileType = "MP4"
	FileTypeOGG     EncodedFileType = "OGG"
)

// Extension returns the file extension for the container, including the dot
func (t EncodedFileType) Extension() string {
	if t == FileTypeOGG {
		return ".ogg"
	}
	return ".mp4"
}

// SegmentedFileProtocol selects the playlist format for segmented outputs
type SegmentedFileProtocol string

const (
	SegmentedProtocolDefault SegmentedFileProtocol = "DEFAULT_SEGMENTED_FILE_PROTOCOL"
	SegmentedProtocolHLS     SegmentedFileProtocol = "HLS_PROTOCOL"
)

// StreamProtocol selects the live restream transport
type StreamProtocol string

const (
	StreamProtocolDefault   StreamProtocol = "DEFAULT_PROTOCOL"
	StreamProtocolRTMP      StreamProtocol = "RTMP"
	StreamProtocolSRT       StreamProtocol = "SRT"
	StreamProtocolWebsocket StreamProtocol = "WEBSOCKET"
)

// Schemes returns the URL schemes accepted for the protocol
func (p StreamProtocol) Schemes() []string {
	switch p {
	case StreamProtocolSRT:
		return []string{"srt"}
	case StreamProtocolWebsocket:
		return []string{"ws", "wss"}
	default:
		return []string{"rtmp", "rtmps"}
	}
}

// S3Upload holds S3-compatible upload credentials. Contents are never logged.
type S3Upload struct {
	AccessKey string `json:"access_key" yaml:"access_key"`
	Secret    string `json:"secret" yaml:"secret"`
	Region    string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint  string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Bucket    string `json:"bucket" yaml:"bucket"`
}

// String redacts credentials
func (u *S3Upload) String() string {
	return fmt.Sprintf("s3://%s (region=%s endpoint=%s credentials=[redacted])", u.Bucket, u.Region, u.Endpoint)
}

// GCPUpload holds Google Cloud Storage credentials. Contents are never logged.
type GCPUpload struct {
	Credentials []byte `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	Bucket      string `json:"bucket" yaml:"bucket"`
}

// String redacts credentials
func (u *GCPUpload) String() string {
	return fmt.Sprintf("gs://%s (credentials=[redacted])", u.Bucket)
}

// AzureBlobUpload holds Azure Blob Storage credentials. Contents are never logged.
type AzureBlobUpload struct {
	AccountName   string `json:"account_name" yaml:"account_name"`
	AccountKey    string `json:"account_key" yaml:"account_key"`
	ContainerName string `json:"container_name" yaml:"container_name"`
}

// String redacts credentials
func (u *AzureBlobUpload) String() string {
	return fmt.Sprintf("azure://%s/%s (credentials=[redacted])", u.AccountName, u.ContainerName)
}

// UploadDestination is the resolved upload oneof. All nil means local filesystem.
type UploadDestination struct {
	S3    *S3Upload
	GCP   *GCPUpload
	Azure *AzureBlobUpload
}

// IsLocal reports whether no upload destination is set
func (d UploadDestination) IsLocal() bool {
	return d.S3 == nil && d.GCP == nil && d.Azure == nil
}

// String describes the destination without credentials
func (d UploadDestination) String() string {
	switch {
	case d.S3 != nil:
		return d.S3.String()
	case d.GCP != nil:
		return d.GCP.String()
	case d.Azure != nil:
		return d.Azure.String()
	default:
		return "local"
	}
}

func uploadOf(s3 *S3Upload, gcp *GCPUpload, azure *AzureBlobUpload) (UploadDestination, error) {
	n := 0
	for _, set := range []bool{s3 != nil, gcp != nil, azure != nil} {
		if set {
			n++
		}
	}
	if n > 1 {
		return UploadDestination{}, Errorf(KindValidation, "output", "at most one upload destination may be set")
	}
	return UploadDestination{S3: s3, GCP: gcp, Azure: azure}, nil
}

// EncodedFileOutput records a single transcoded file
type EncodedFileOutput struct {
	FileType EncodedFileType  `json:"file_type,omitempty" yaml:"file_type,omitempty"`
	Filepath string           `json:"filepath,omitempty" yaml:"filepath,omitempty"`
	S3       *S3Upload        `json:"s3,omitempty" yaml:"s3,omitempty"`
	GCP      *GCPUpload       `json:"gcp,omitempty" yaml:"gcp,omitempty"`
	Azure    *AzureBlobUpload `json:"azure,omitempty" yaml:"azure,omitempty"`
}

// Upload returns the upload oneof
func (o *EncodedFileOutput) Upload() (UploadDestination, error) {
	return uploadOf(o.S3, o.GCP, o.Azure)
}

// SegmentedFileOutput records an HLS playlist plus segment files
type SegmentedFileOutput struct {
	Protocol        SegmentedFileProtocol `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	FilenamePrefix  string                `json:"filename_prefix,omitempty" yaml:"filename_prefix,omitempty"`
	PlaylistName    string                `json:"playlist_name,omitempty" yaml:"playlist_name,omitempty"`
	SegmentDuration uint32                `json:"segment_duration,omitempty" yaml:"segment_duration,omitempty"` // seconds
	S3              *S3Upload             `json:"s3,omitempty" yaml:"s3,omitempty"`
	GCP             *GCPUpload            `json:"gcp,omitempty" yaml:"gcp,omitempty"`
	Azure           *AzureBlobUpload      `json:"azure,omitempty" yaml:"azure,omitempty"`
}

// Upload returns the upload oneof
func (o *SegmentedFileOutput) Upload() (UploadDestination, error) {
	return uploadOf(o.S3, o.GCP, o.Azure)
}

// DirectFileOutput records a single track without transcoding
type DirectFileOutput struct {
	Filepath string           `json:"filepath,omitempty" yaml:"filepath,omitempty"`
	S3       *S3Upload        `json:"s3,omitempty" yaml:"s3,omitempty"`
	GCP      *GCPUpload       `json:"gcp,omitempty" yaml:"gcp,omitempty"`
	Azure    *AzureBlobUpload `json:"azure,omitempty" yaml:"azure,omitempty"`
}

// Upload returns the upload oneof
func (o *DirectFileOutput) Upload() (UploadDestination, error) {
	return uploadOf(o.S3, o.GCP, o.Azure)
}

// StreamOutput restreams to one or more live endpoints
type StreamOutput struct {
	Protocol StreamProtocol `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	URLs     []string       `json:"urls" yaml:"urls"`
}

// OutputKind discriminates the OutputSpec union
type OutputKind string

const (
	OutputKindNone     OutputKind = ""
	OutputKindFile     OutputKind = "file"
	OutputKindSegments OutputKind = "segments"
	OutputKindDirect   OutputKind = "direct"
	OutputKindStream   OutputKind = "stream"
)

// OutputSpec is the tagged union of output variants. Exactly one field is set.
type OutputSpec struct {
	File     *EncodedFileOutput
	Segments *SegmentedFileOutput
	Direct   *DirectFileOutput
	Stream   *StreamOutput
}

// Kind returns the populated variant
func (s OutputSpec) Kind() OutputKind {
	switch {
	case s.File != nil:
		return OutputKindFile
	case s.Segments != nil:
		return OutputKindSegments
	case s.Direct != nil:
		return OutputKindDirect
	case s.Stream != nil:
		return OutputKindStream
	default:
		return OutputKindNone
	}
}

// Upload returns the upload oneof of file-like variants
func (s OutputSpec) Upload() (UploadDestination, error) {
	switch {
	case s.File != nil:
		return s.File.Upload()
	case s.Segments != nil:
		return s.Segments.Upload()
	case s.Direct != nil:
		return s.Direct.Upload()
	default:
		return UploadDestination{}, nil
	}
}

func newOutputSpec(file *EncodedFileOutput, segments *SegmentedFileOutput, direct *DirectFileOutput, stream *StreamOutput) (OutputSpec, error) {
	spec := OutputSpec{File: file, Segments: segments, Direct: direct, Stream: stream}
	n := 0
	for _, set := range []bool{file != nil, segments != nil, direct != nil, stream != nil} {
		if set {
			n++
		}
	}
	if n == 0 {
		return OutputSpec{}, Errorf(KindValidation, "validate", "output is required")
	}
	if n > 1 {
		return OutputSpec{}, Errorf(KindValidation, "validate", "exactly one output may be set, got %d", n)
	}
	if err := spec.validate(); err != nil {
		return OutputSpec{}, err
	}
	return spec, nil
}

func (s OutputSpec) validate() error {
	if _, err := s.Upload(); err != nil {
		return err
	}
	switch {
	case s.File != nil:
		switch s.File.FileType {
		case "", FileTypeDefault, FileTypeMP4, FileTypeOGG:
		default:
			return Errorf(KindValidation, "validate", "unsupported file type %q", s.File.FileType)
		}
	case s.Segments != nil:
		switch s.Segments.Protocol {
		case "", SegmentedProtocolDefault, SegmentedProtocolHLS:
		default:
			return Errorf(KindValidation, "validate", "unsupported segmented protocol %q", s.Segments.Protocol)
		}
	case s.Stream != nil:
		if len(s.Stream.URLs) == 0 {
			return Errorf(KindValidation, "validate", "stream output requires at least one url")
		}
		for _, u := range s.Stream.URLs {
			if err := ValidateStreamURL(s.Stream.Protocol, u); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateStreamURL checks that rawURL is usable with the given protocol
func ValidateStreamURL(protocol StreamProtocol, rawURL string) error {
	switch protocol {
	case "", StreamProtocolDefault, StreamProtocolRTMP, StreamProtocolSRT, StreamProtocolWebsocket:
	default:
		return Errorf(KindValidation, "validate", "unsupported stream protocol %q", protocol)
	}
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" {
		return Errorf(KindValidation, "validate", "invalid stream url %q", RedactURL(rawURL))
	}
	for _, scheme := range protocol.Schemes() {
		if strings.EqualFold(parsed.Scheme, scheme) {
			return nil
		}
	}
	return Errorf(KindValidation, "validate", "url scheme %q not allowed for protocol %s", parsed.Scheme, protocol)
}

// RedactURL strips userinfo and path (which usually carries the stream key) from a URL
func RedactURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "{invalid url}"
	}
	redacted := parsed.Scheme + "://" + parsed.Host
	if parsed.Path != "" && parsed.Path != "/" {
		redacted += "/{redacted}"
	}
	return redacted
}
