package models

// EncodingOptionsPreset is a named bundle of resolution, framerate and bitrate defaults
type EncodingOptionsPreset string

const (
	PresetH264720P30          EncodingOptionsPreset = "H264_720P_30"
	PresetH264720P60          EncodingOptionsPreset = "H264_720P_60"
	PresetH2641080P30         EncodingOptionsPreset = "H264_1080P_30"
	PresetH2641080P60         EncodingOptionsPreset = "H264_1080P_60"
	PresetPortraitH264720P30  EncodingOptionsPreset = "PORTRAIT_H264_720P_30"
	PresetPortraitH264720P60  EncodingOptionsPreset = "PORTRAIT_H264_720P_60"
	PresetPortraitH2641080P30 EncodingOptionsPreset = "PORTRAIT_H264_1080P_30"
	PresetPortraitH2641080P60 EncodingOptionsPreset = "PORTRAIT_H264_1080P_60"

	DefaultPreset = PresetH264720P30
)

// AudioCodec enumerates supported audio codecs
type AudioCodec string

const (
	AudioCodecDefault AudioCodec = "DEFAULT_AC"
	AudioCodecOpus    AudioCodec = "OPUS"
	AudioCodecAAC     AudioCodec = "AAC"
)

// VideoCodec enumerates supported video codecs
type VideoCodec string

const (
	VideoCodecDefault  VideoCodec = "DEFAULT_VC"
	VideoCodecH264Base VideoCodec = "H264_BASELINE"
	VideoCodecH264Main VideoCodec = "H264_MAIN"
	VideoCodecH264High VideoCodec = "H264_HIGH"
)

// EncodingOptions are explicit ("advanced") encoding parameters
type EncodingOptions struct {
	Width          int32      `json:"width,omitempty" yaml:"width,omitempty"`
	Height         int32      `json:"height,omitempty" yaml:"height,omitempty"`
	Depth          int32      `json:"depth,omitempty" yaml:"depth,omitempty"`
	Framerate      int32      `json:"framerate,omitempty" yaml:"framerate,omitempty"`
	AudioCodec     AudioCodec `json:"audio_codec,omitempty" yaml:"audio_codec,omitempty"`
	AudioBitrate   int32      `json:"audio_bitrate,omitempty" yaml:"audio_bitrate,omitempty"`     // kbps
	AudioFrequency int32      `json:"audio_frequency,omitempty" yaml:"audio_frequency,omitempty"` // Hz
	VideoCodec     VideoCodec `json:"video_codec,omitempty" yaml:"video_codec,omitempty"`
	VideoBitrate   int32      `json:"video_bitrate,omitempty" yaml:"video_bitrate,omitempty"` // kbps
}

func landscape(width, height, framerate, videoBitrate int32) EncodingOptions {
	return EncodingOptions{
		Width:          width,
		Height:         height,
		Depth:          24,
		Framerate:      framerate,
		AudioCodec:     AudioCodecAAC,
		AudioBitrate:   128,
		AudioFrequency: 44100,
		VideoCodec:     VideoCodecH264Main,
		VideoBitrate:   videoBitrate,
	}
}

func portrait(o EncodingOptions) EncodingOptions {
	o.Width, o.Height = o.Height, o.Width
	return o
}

var presets = map[EncodingOptionsPreset]EncodingOptions{
	PresetH264720P30:          landscape(1280, 720, 30, 3000),
	PresetH264720P60:          landscape(1280, 720, 60, 4500),
	PresetH2641080P30:         landscape(1920, 1080, 30, 4500),
	PresetH2641080P60:         landscape(1920, 1080, 60, 6000),
	PresetPortraitH264720P30:  portrait(landscape(1280, 720, 30, 3000)),
	PresetPortraitH264720P60:  portrait(landscape(1280, 720, 60, 4500)),
	PresetPortraitH2641080P30: portrait(landscape(1920, 1080, 30, 4500)),
	PresetPortraitH2641080P60: portrait(landscape(1920, 1080, 60, 6000)),
}

// Presets returns the list of known preset names
func Presets() []EncodingOptionsPreset {
	return []EncodingOptionsPreset{
		PresetH264720P30, PresetH264720P60, PresetH2641080P30, PresetH2641080P60,
		PresetPortraitH264720P30, PresetPortraitH264720P60, PresetPortraitH2641080P30, PresetPortraitH2641080P60,
	}
}

// IsValid reports whether p names a known preset
func (p EncodingOptionsPreset) IsValid() bool {
	_, ok := presets[p]
	return ok
}

// Options returns the encoding options bundled by the preset
func (p EncodingOptionsPreset) Options() (EncodingOptions, bool) {
	o, ok := presets[p]
	return o, ok
}

// ResolveEncoding picks the effective encoding options: the preset if given,
// else advanced options filled from the fallback preset, else the fallback preset.
func ResolveEncoding(preset *EncodingOptionsPreset, advanced *EncodingOptions, fallback EncodingOptionsPreset) (EncodingOptions, error) {
	if preset != nil && advanced != nil {
		return EncodingOptions{}, Errorf(KindValidation, "encoding", "only one of preset or advanced may be set")
	}
	base, ok := fallback.Options()
	if !ok {
		base = presets[DefaultPreset]
	}
	if preset != nil {
		o, ok := preset.Options()
		if !ok {
			return EncodingOptions{}, Errorf(KindValidation, "encoding", "unknown preset %q", *preset)
		}
		return o, nil
	}
	if advanced == nil {
		return base, nil
	}
	return advanced.withDefaults(base)
}

func (o EncodingOptions) withDefaults(base EncodingOptions) (EncodingOptions, error) {
	if o.Width < 0 || o.Height < 0 || o.Framerate < 0 || o.VideoBitrate < 0 || o.AudioBitrate < 0 {
		return EncodingOptions{}, Errorf(KindValidation, "encoding", "negative encoding parameter")
	}
	if (o.Width == 0) != (o.Height == 0) {
		return EncodingOptions{}, Errorf(KindValidation, "encoding", "width and height must be set together")
	}
	if o.Width%2 != 0 || o.Height%2 != 0 {
		return EncodingOptions{}, Errorf(KindValidation, "encoding", "width and height must be even")
	}
	if o.Width == 0 {
		o.Width, o.Height = base.Width, base.Height
	}
	if o.Depth == 0 {
		o.Depth = base.Depth
	}
	if o.Framerate == 0 {
		o.Framerate = base.Framerate
	}
	if o.AudioCodec == "" || o.AudioCodec == AudioCodecDefault {
		o.AudioCodec = base.AudioCodec
	}
	if o.AudioBitrate == 0 {
		o.AudioBitrate = base.AudioBitrate
	}
	if o.AudioFrequency == 0 {
		o.AudioFrequency = base.AudioFrequency
	}
	if o.VideoCodec == "" || o.VideoCodec == VideoCodecDefault {
		o.VideoCodec = base.VideoCodec
	}
	if o.VideoBitrate == 0 {
		o.VideoBitrate = base.VideoBitrate
	}
	switch o.AudioCodec {
	case AudioCodecAAC, AudioCodecOpus:
	default:
		return EncodingOptions{}, Errorf(KindValidation, "encoding", "unsupported audio codec %q", o.AudioCodec)
	}
	switch o.VideoCodec {
	case VideoCodecH264Base, VideoCodecH264Main, VideoCodecH264High:
	default:
		return EncodingOptions{}, Errorf(KindValidation, "encoding", "unsupported video codec %q", o.VideoCodec)
	}
	return o, nil
}
