package ffmpeg

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/pipeline"
)

// SegmentPattern is the file name pattern of HLS segments in the work dir
const SegmentPattern = "seg_%05d.ts"

// BuildArgs assembles the ffmpeg command line for one capture. Byte stream
// formats are written to stdout; segments go to dir.
func BuildArgs(cfg Config, src pipeline.Source, opts models.EncodingOptions, format pipeline.Format, dir string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	args = append(args, inputArgs(cfg, src, opts)...)

	if format == pipeline.FormatRaw {
		codec := []string{"-c", "copy"}
		if cfg.TrackURLTemplate == "" {
			codec = []string{"-c:a", "libopus"}
			if src.TrackKind == "video" {
				codec = []string{"-c:v", "libvpx", "-an"}
			}
		}
		args = append(args, codec...)
		return append(args, "-f", rawMuxer(src), "pipe:1")
	}

	audio, video := wantsAudio(src), wantsVideo(src, format)
	if video {
		args = append(args, videoArgs(opts, format, src)...)
	} else {
		args = append(args, "-vn")
	}
	if audio {
		args = append(args, audioArgs(opts, format)...)
	} else {
		args = append(args, "-an")
	}

	switch format {
	case pipeline.FormatOGG:
		args = append(args, "-f", "ogg", "pipe:1")
	case pipeline.FormatFLV:
		args = append(args, "-f", "flv", "pipe:1")
	case pipeline.FormatSegments:
		seconds := strconv.FormatFloat(segmentDuration(src).Seconds(), 'f', -1, 64)
		args = append(args,
			"-f", "hls",
			"-hls_time", seconds,
			"-hls_list_size", "0",
			"-hls_flags", "independent_segments",
			"-hls_segment_filename", filepath.Join(dir, SegmentPattern),
			filepath.Join(dir, "index.m3u8"),
		)
	default:
		args = append(args, "-movflags", "frag_keyframe+empty_moov+default_base_moof", "-f", "mp4", "pipe:1")
	}
	return args
}

func inputArgs(cfg Config, src pipeline.Source, opts models.EncodingOptions) []string {
	switch src.Kind {
	case models.RequestKindRoomComposite:
		if cfg.SourceURLTemplate == "" {
			return testPattern(opts)
		}
		return []string{"-i", ExpandSource(cfg.SourceURLTemplate, src)}
	case models.RequestKindTrackComposite:
		if cfg.TrackURLTemplate == "" {
			return testPattern(opts)
		}
		var args []string
		var maps []string
		n := 0
		if src.AudioTrackID != "" {
			args = append(args, "-i", ExpandTrack(cfg.TrackURLTemplate, src, src.AudioTrackID))
			maps = append(maps, "-map", fmt.Sprintf("%d:a:0", n))
			n++
		}
		if src.VideoTrackID != "" {
			args = append(args, "-i", ExpandTrack(cfg.TrackURLTemplate, src, src.VideoTrackID))
			maps = append(maps, "-map", fmt.Sprintf("%d:v:0", n))
		}
		return append(args, maps...)
	default:
		if cfg.TrackURLTemplate == "" {
			if src.TrackKind == "video" {
				return []string{"-re", "-f", "lavfi", "-i", "testsrc2=size=640x360:rate=30"}
			}
			return []string{"-re", "-f", "lavfi", "-i", "sine=frequency=440:sample_rate=48000"}
		}
		return []string{"-i", ExpandTrack(cfg.TrackURLTemplate, src, src.TrackID)}
	}
}

// testPattern generates a synthetic audio/video source at native rate
func testPattern(opts models.EncodingOptions) []string {
	width, height, fps := opts.Width, opts.Height, opts.Framerate
	if width == 0 || height == 0 {
		width, height = 1280, 720
	}
	if fps == 0 {
		fps = 30
	}
	rate := opts.AudioFrequency
	if rate == 0 {
		rate = 48000
	}
	return []string{
		"-re",
		"-f", "lavfi", "-i", fmt.Sprintf("testsrc2=size=%dx%d:rate=%d", width, height, fps),
		"-f", "lavfi", "-i", fmt.Sprintf("sine=frequency=440:sample_rate=%d", rate),
	}
}

// ExpandSource fills a room composite source template
func ExpandSource(tmpl string, src pipeline.Source) string {
	return strings.NewReplacer(
		"{room_name}", url.PathEscape(src.RoomName),
		"{room_id}", src.RoomID,
		"{layout}", url.QueryEscape(src.Layout),
		"{base_url}", url.QueryEscape(src.BaseURL),
	).Replace(tmpl)
}

// ExpandTrack fills a track source template
func ExpandTrack(tmpl string, src pipeline.Source, trackID string) string {
	return strings.NewReplacer(
		"{room_name}", url.PathEscape(src.RoomName),
		"{room_id}", src.RoomID,
		"{track_id}", url.PathEscape(trackID),
	).Replace(tmpl)
}

func wantsAudio(src pipeline.Source) bool {
	switch src.Kind {
	case models.RequestKindRoomComposite:
		return !src.VideoOnly
	case models.RequestKindTrackComposite:
		return src.AudioTrackID != ""
	default:
		return true
	}
}

func wantsVideo(src pipeline.Source, format pipeline.Format) bool {
	if format == pipeline.FormatOGG {
		return false
	}
	switch src.Kind {
	case models.RequestKindRoomComposite:
		return !src.AudioOnly
	case models.RequestKindTrackComposite:
		return src.VideoTrackID != ""
	default:
		return true
	}
}

func videoArgs(opts models.EncodingOptions, format pipeline.Format, src pipeline.Source) []string {
	fps := opts.Framerate
	if fps == 0 {
		fps = 30
	}
	gop := int(fps) * 2
	if format == pipeline.FormatSegments {
		gop = int(float64(fps) * segmentDuration(src).Seconds())
	}
	args := []string{"-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency"}
	if profile := h264Profile(opts.VideoCodec); profile != "" {
		args = append(args, "-profile:v", profile)
	}
	if opts.Width > 0 && opts.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", opts.Width, opts.Height))
	}
	if opts.VideoBitrate > 0 {
		bitrate := fmt.Sprintf("%dk", opts.VideoBitrate)
		args = append(args, "-b:v", bitrate, "-maxrate", bitrate, "-bufsize", fmt.Sprintf("%dk", opts.VideoBitrate*2))
	}
	return append(args,
		"-r", strconv.Itoa(int(fps)),
		"-pix_fmt", "yuv420p",
		"-g", strconv.Itoa(gop),
		"-keyint_min", strconv.Itoa(gop),
		"-sc_threshold", "0",
	)
}

func h264Profile(c models.VideoCodec) string {
	switch c {
	case models.VideoCodecH264Base:
		return "baseline"
	case models.VideoCodecH264High:
		return "high"
	case models.VideoCodecH264Main:
		return "main"
	default:
		return ""
	}
}

func audioArgs(opts models.EncodingOptions, format pipeline.Format) []string {
	// flv and mpegts carry aac only
	codec := "aac"
	if format == pipeline.FormatOGG || (format == pipeline.FormatMP4 && opts.AudioCodec == models.AudioCodecOpus) {
		codec = "libopus"
	}
	args := []string{"-c:a", codec}
	if opts.AudioBitrate > 0 {
		args = append(args, "-b:a", fmt.Sprintf("%dk", opts.AudioBitrate))
	}
	if opts.AudioFrequency > 0 && codec == "aac" {
		args = append(args, "-ar", strconv.Itoa(int(opts.AudioFrequency)))
	}
	return args
}

func rawMuxer(src pipeline.Source) string {
	if src.TrackKind == "video" {
		return "webm"
	}
	return "ogg"
}

func segmentDuration(src pipeline.Source) time.Duration {
	if src.SegmentDuration <= 0 {
		return 6 * time.Second
	}
	return src.SegmentDuration
}
