package hwmedia

import (
	"errors"
	"testing"
)

func TestVideoCodec_String(t *testing.T) {
	tests := []struct {
		codec VideoCodec
		want  string
	}{
		{VideoCodecH264, "H264"},
		{VideoCodecH265, "H265"},
		{VideoCodecUnknown, "Unknown"},
		{VideoCodec(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.codec.String(); got != tt.want {
				t.Errorf("VideoCodec.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVideoCodec_MimeType(t *testing.T) {
	tests := []struct {
		codec VideoCodec
		want  string
	}{
		{VideoCodecH264, "video/H264"},
		{VideoCodecH265, "video/H265"},
		{VideoCodecUnknown, ""},
	}

	for _, tt := range tests {
		t.Run(tt.codec.String(), func(t *testing.T) {
			if got := tt.codec.MimeType(); got != tt.want {
				t.Errorf("VideoCodec.MimeType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVideoCodec_ClockRate(t *testing.T) {
	for _, codec := range []VideoCodec{VideoCodecH264, VideoCodecH265} {
		if got := codec.ClockRate(); got != 90000 {
			t.Errorf("%s.ClockRate() = %v, want 90000", codec, got)
		}
	}
}

func TestVideoCodec_PixelFormat(t *testing.T) {
	if got := VideoCodecH264.pixelFormat(); got != v4l2PixFmtH264 {
		t.Errorf("H264 fourcc = %s", fourccString(got))
	}
	if got := VideoCodecH265.pixelFormat(); got != v4l2PixFmtHEVC {
		t.Errorf("H265 fourcc = %s", fourccString(got))
	}
	if got := VideoCodecUnknown.pixelFormat(); got != 0 {
		t.Errorf("Unknown fourcc = %s, want none", fourccString(got))
	}
}

func TestParseVideoCodec(t *testing.T) {
	tests := []struct {
		in   string
		want VideoCodec
		ok   bool
	}{
		{"h264", VideoCodecH264, true},
		{"AVC", VideoCodecH264, true},
		{" H265 ", VideoCodecH265, true},
		{"hevc", VideoCodecH265, true},
		{"vp8", VideoCodecUnknown, false},
		{"", VideoCodecUnknown, false},
	}

	for _, tt := range tests {
		got, err := ParseVideoCodec(tt.in)
		if tt.ok && (err != nil || got != tt.want) {
			t.Errorf("ParseVideoCodec(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
		if !tt.ok && !errors.Is(err, ErrCodecNotSupported) {
			t.Errorf("ParseVideoCodec(%q) error = %v, want ErrCodecNotSupported", tt.in, err)
		}
	}
}

func TestParseRateControlMode(t *testing.T) {
	tests := []struct {
		in   string
		want RateControlMode
		ok   bool
	}{
		{"cbr", RateControlCBR, true},
		{"VBR", RateControlVBR, true},
		{"cq", 0, false},
	}

	for _, tt := range tests {
		got, err := ParseRateControlMode(tt.in)
		if tt.ok && (err != nil || got != tt.want) {
			t.Errorf("ParseRateControlMode(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("ParseRateControlMode(%q) error = %v, want ErrInvalidConfig", tt.in, err)
		}
	}
}

func TestParseH264Profile(t *testing.T) {
	tests := []struct {
		in   string
		want H264Profile
		ok   bool
	}{
		{"", H264ProfileConstrainedBaseline, true},
		{"constrained-baseline", H264ProfileConstrainedBaseline, true},
		{"CB", H264ProfileConstrainedBaseline, true},
		{"baseline", H264ProfileBaseline, true},
		{"Main", H264ProfileMain, true},
		{"high", H264ProfileHigh, true},
		{"high10", 0, false},
	}

	for _, tt := range tests {
		got, err := ParseH264Profile(tt.in)
		if tt.ok && (err != nil || got != tt.want) {
			t.Errorf("ParseH264Profile(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("ParseH264Profile(%q) error = %v, want ErrInvalidConfig", tt.in, err)
		}
	}
}

func TestControlValues(t *testing.T) {
	if got := RateControlCBR.controlValue(); got != v4l2BitrateModeCBR {
		t.Errorf("CBR control value = %d", got)
	}
	if got := RateControlVBR.controlValue(); got != v4l2BitrateModeVBR {
		t.Errorf("VBR control value = %d", got)
	}

	profiles := map[H264Profile]int32{
		H264ProfileConstrainedBaseline: v4l2H264ProfileConstrainedBaseline,
		H264ProfileBaseline:            v4l2H264ProfileBaseline,
		H264ProfileMain:                v4l2H264ProfileMain,
		H264ProfileHigh:                v4l2H264ProfileHigh,
	}
	for p, want := range profiles {
		if got := p.controlValue(); got != want {
			t.Errorf("%s control value = %d, want %d", p, got, want)
		}
	}
}

func TestProvider(t *testing.T) {
	if got := ProviderV4L2M2M.String(); got != "v4l2m2m" {
		t.Errorf("String() = %q", got)
	}
	if got := Provider(200).String(); got != "unknown" {
		t.Errorf("out of range String() = %q", got)
	}
	if !ProviderV4L2M2M.CanEncode() || ProviderAuto.CanEncode() {
		t.Error("only the V4L2 provider encodes")
	}
	if !ProviderV4L2M2M.Features().Has(FeatureHardware | FeatureZeroCopy) {
		t.Errorf("features = %b", ProviderV4L2M2M.Features())
	}
	if Provider(200).Available() {
		t.Error("out of range provider reported available")
	}
}
