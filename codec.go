package hwmedia

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// VideoCodec identifies the compressed output format.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecH264
	VideoCodecH265
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecH264:
		return "H264"
	case VideoCodecH265:
		return "H265"
	default:
		return "Unknown"
	}
}

// MimeType returns the WebRTC MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecH264:
		return webrtc.MimeTypeH264
	case VideoCodecH265:
		return webrtc.MimeTypeH265
	default:
		return ""
	}
}

// videoClockRate is the RTP clock for all video codecs.
const videoClockRate = 90000

// ClockRate returns the RTP clock rate for this codec.
func (c VideoCodec) ClockRate() uint32 {
	return videoClockRate
}

// pixelFormat returns the CAPTURE queue fourcc for this codec.
func (c VideoCodec) pixelFormat() uint32 {
	switch c {
	case VideoCodecH264:
		return v4l2PixFmtH264
	case VideoCodecH265:
		return v4l2PixFmtHEVC
	default:
		return 0
	}
}

// ParseVideoCodec accepts "h264", "avc", "h265", "hevc" in any case.
func ParseVideoCodec(s string) (VideoCodec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "h264", "avc":
		return VideoCodecH264, nil
	case "h265", "hevc":
		return VideoCodecH265, nil
	default:
		return VideoCodecUnknown, fmt.Errorf("%w: %q", ErrCodecNotSupported, s)
	}
}

// RateControlMode defines the encoder rate control mode.
type RateControlMode int

const (
	RateControlVBR RateControlMode = iota // Variable bitrate
	RateControlCBR                        // Constant bitrate
)

func (r RateControlMode) String() string {
	switch r {
	case RateControlVBR:
		return "VBR"
	case RateControlCBR:
		return "CBR"
	default:
		return "Unknown"
	}
}

func (r RateControlMode) controlValue() int32 {
	if r == RateControlCBR {
		return v4l2BitrateModeCBR
	}
	return v4l2BitrateModeVBR
}

// H264Profile defines H.264 encoding profiles.
type H264Profile int

const (
	H264ProfileConstrainedBaseline H264Profile = iota
	H264ProfileBaseline
	H264ProfileMain
	H264ProfileHigh
)

func (p H264Profile) String() string {
	switch p {
	case H264ProfileConstrainedBaseline:
		return "ConstrainedBaseline"
	case H264ProfileBaseline:
		return "Baseline"
	case H264ProfileMain:
		return "Main"
	case H264ProfileHigh:
		return "High"
	default:
		return "Unknown"
	}
}

func (p H264Profile) controlValue() int32 {
	switch p {
	case H264ProfileBaseline:
		return v4l2H264ProfileBaseline
	case H264ProfileMain:
		return v4l2H264ProfileMain
	case H264ProfileHigh:
		return v4l2H264ProfileHigh
	default:
		return v4l2H264ProfileConstrainedBaseline
	}
}

// ParseRateControlMode accepts "cbr" or "vbr".
func ParseRateControlMode(s string) (RateControlMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cbr":
		return RateControlCBR, nil
	case "vbr":
		return RateControlVBR, nil
	default:
		return 0, fmt.Errorf("%w: rate control %q", ErrInvalidConfig, s)
	}
}

// ParseH264Profile accepts profile names with or without dashes, e.g.
// "constrained-baseline" or "High".
func ParseH264Profile(s string) (H264Profile, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "") {
	case "", "constrainedbaseline", "cb":
		return H264ProfileConstrainedBaseline, nil
	case "baseline":
		return H264ProfileBaseline, nil
	case "main":
		return H264ProfileMain, nil
	case "high":
		return H264ProfileHigh, nil
	default:
		return 0, fmt.Errorf("%w: H.264 profile %q", ErrInvalidConfig, s)
	}
}
