package hwmedia

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ControlOutcome classifies the result of setting one encoder control.
type ControlOutcome int

const (
	// ControlApplied means the driver accepted the value.
	ControlApplied ControlOutcome = iota
	// ControlRejected means the driver refused it; the session carries on.
	ControlRejected
	// ControlFatal means the device itself is gone.
	ControlFatal
)

func (o ControlOutcome) String() string {
	switch o {
	case ControlApplied:
		return "applied"
	case ControlRejected:
		return "rejected"
	case ControlFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// applyControl sets one control and classifies the result. Rejections are
// logged at debug level and otherwise ignored.
func applyControl(dev m2mDevice, log zerolog.Logger, name string, id uint32, value int32) ControlOutcome {
	err := dev.SetControl(id, value)
	switch {
	case err == nil:
		return ControlApplied
	case errors.Is(err, errDeviceGone):
		log.Error().Err(err).Str("control", name).Msg("device lost while setting control")
		return ControlFatal
	default:
		log.Debug().Err(err).Str("control", name).Int32("value", value).Msg("control not supported")
		return ControlRejected
	}
}

// applyFrameInterval programs the OUTPUT queue frame interval.
func applyFrameInterval(dev m2mDevice, log zerolog.Logger, fps int) ControlOutcome {
	err := dev.SetFrameInterval(v4l2BufTypeOutputMplane, 1, uint32(fps))
	switch {
	case err == nil:
		return ControlApplied
	case errors.Is(err, errDeviceGone):
		log.Error().Err(err).Msg("device lost while setting frame interval")
		return ControlFatal
	default:
		log.Debug().Err(err).Int("fps", fps).Msg("frame interval not supported")
		return ControlRejected
	}
}

// validateGeometry accepts positive, even frame dimensions.
func validateGeometry(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: resolution %dx%d must be positive", ErrInvalidConfig, width, height)
	}
	if width%2 != 0 || height%2 != 0 {
		return fmt.Errorf("%w: resolution %dx%d must be even for 4:2:0", ErrInvalidConfig, width, height)
	}
	return nil
}

// planeLayout describes the OUTPUT buffers the driver settled on.
type planeLayout struct {
	pixelFormat  uint32
	width        int
	height       int
	numPlanes    int // 2 for NV12M, 1 for contiguous NV12
	lumaStride   int
	chromaStride int
	chromaOffset int // offset of CbCr inside plane 0 when numPlanes == 1
}

// chromaPlane returns the plane index holding the CbCr samples.
func (l planeLayout) chromaPlane() int {
	if l.numPlanes == 1 {
		return 0
	}
	return 1
}

// bytesUsed is the payload size of each plane for one picture.
func (l planeLayout) bytesUsed() []uint32 {
	chroma := l.chromaStride * chromaHeight(l.height)
	if l.numPlanes == 1 {
		return []uint32{uint32(l.chromaOffset + chroma)}
	}
	return []uint32{uint32(l.lumaStride * l.height), uint32(chroma)}
}

// negotiateOutputFormat sets the raw input format (NV12, two planes) and
// returns the strides the driver chose.
func negotiateOutputFormat(dev m2mDevice, width, height int) (planeLayout, error) {
	ch := chromaHeight(height)
	req := formatRequest{
		BufType:     v4l2BufTypeOutputMplane,
		Width:       uint32(width),
		Height:      uint32(height),
		PixelFormat: v4l2PixFmtNV12M,
		Field:       v4l2FieldAny,
		Colorspace:  v4l2ColorspaceSMPTE170M,
		Planes: []planeSize{
			{SizeImage: uint32(width * height), BytesPerLine: uint32(width)},
			{SizeImage: uint32(width * ch), BytesPerLine: uint32(width)},
		},
	}
	if err := dev.SetFormat(&req); err != nil {
		return planeLayout{}, fmt.Errorf("set OUTPUT format: %w", err)
	}
	return layoutFromFormat(req, width, height)
}

func layoutFromFormat(f formatRequest, width, height int) (planeLayout, error) {
	if int(f.Width) < width || int(f.Height) < height {
		return planeLayout{}, fmt.Errorf("driver shrank OUTPUT to %dx%d, want %dx%d", f.Width, f.Height, width, height)
	}

	l := planeLayout{pixelFormat: f.PixelFormat, width: width, height: height}
	switch {
	case f.PixelFormat == v4l2PixFmtNV12M && len(f.Planes) >= 2:
		l.numPlanes = 2
		l.lumaStride = max(int(f.Planes[0].BytesPerLine), width)
		l.chromaStride = max(int(f.Planes[1].BytesPerLine), width)
	case f.PixelFormat == v4l2PixFmtNV12 && len(f.Planes) >= 1:
		l.numPlanes = 1
		l.lumaStride = max(int(f.Planes[0].BytesPerLine), width)
		l.chromaStride = l.lumaStride
		// Drivers may pad the luma height; sizeimage is stride*paddedHeight*3/2.
		rows := int(f.Planes[0].SizeImage) * 2 / (3 * l.lumaStride)
		l.chromaOffset = l.lumaStride * max(rows, height)
	default:
		return planeLayout{}, fmt.Errorf("driver chose OUTPUT format %s with %d planes, want NM12",
			fourccString(f.PixelFormat), len(f.Planes))
	}
	return l, nil
}

// negotiateCaptureFormat sets the compressed output format and returns the
// bitstream buffer size the driver settled on.
func negotiateCaptureFormat(dev m2mDevice, codec VideoCodec, width, height int) (uint32, error) {
	want := codec.pixelFormat()
	req := formatRequest{
		BufType:     v4l2BufTypeCaptureMplane,
		Width:       uint32(width),
		Height:      uint32(height),
		PixelFormat: want,
		Field:       v4l2FieldAny,
		Colorspace:  v4l2ColorspaceDefault,
		Planes:      []planeSize{{SizeImage: captureSizeHint(width, height)}},
	}
	if err := dev.SetFormat(&req); err != nil {
		return 0, fmt.Errorf("set CAPTURE format: %w", err)
	}
	if req.PixelFormat != want {
		return 0, fmt.Errorf("driver chose CAPTURE format %s, want %s", fourccString(req.PixelFormat), fourccString(want))
	}
	if len(req.Planes) == 0 || req.Planes[0].SizeImage == 0 {
		return 0, errors.New("driver reported empty CAPTURE buffer size")
	}
	return req.Planes[0].SizeImage, nil
}

const (
	minCaptureSize = 512 << 10
	maxCaptureSize = 16 << 20
)

// captureSizeHint is the bitstream buffer size requested per CAPTURE buffer.
func captureSizeHint(width, height int) uint32 {
	return uint32(min(max(width*height*2, minCaptureSize), maxCaptureSize))
}

type encoderControl struct {
	name  string
	id    uint32
	value int32
}

// encoderControls lists the controls applied after formats are set.
func encoderControls(cfg SessionConfig) []encoderControl {
	var ctrls []encoderControl
	if cfg.BitrateBps > 0 {
		ctrls = append(ctrls,
			encoderControl{"bitrate_mode", v4l2CIDBitrateMode, cfg.RateControl.controlValue()},
			encoderControl{"bitrate", v4l2CIDBitrate, int32(cfg.BitrateBps)},
		)
	}
	if cfg.MaxBitrateBps > 0 && cfg.RateControl == RateControlVBR {
		ctrls = append(ctrls, encoderControl{"bitrate_peak", v4l2CIDBitratePeak, int32(cfg.MaxBitrateBps)})
	}
	ctrls = append(ctrls, keyframeControls(cfg.Codec, cfg.KeyframeInterval)...)
	ctrls = append(ctrls, encoderControl{"repeat_seq_header", v4l2CIDRepeatSeqHeader, 1})
	if cfg.Codec == VideoCodecH264 {
		ctrls = append(ctrls,
			encoderControl{"h264_profile", v4l2CIDH264Profile, cfg.H264Profile.controlValue()},
			encoderControl{"h264_level", v4l2CIDH264Level, v4l2H264Level40},
		)
	}
	return ctrls
}

func keyframeControls(codec VideoCodec, interval int) []encoderControl {
	if interval <= 0 {
		return nil
	}
	ctrls := []encoderControl{{"gop_size", v4l2CIDGOPSize, int32(interval)}}
	if codec == VideoCodecH264 {
		ctrls = append(ctrls, encoderControl{"h264_i_period", v4l2CIDH264IPeriod, int32(interval)})
	}
	return ctrls
}
