package hwmedia

// Values from include/uapi/linux/videodev2.h and v4l2-controls.h.
// They are kept platform independent so the session engine can be
// exercised against a simulated device on any OS.

const (
	v4l2CapVideoM2MMplane = 0x00004000
	v4l2CapStreaming      = 0x04000000
	v4l2CapDeviceCaps     = 0x80000000
)

const (
	v4l2BufTypeCaptureMplane = 9
	v4l2BufTypeOutputMplane  = 10
)

const (
	v4l2MemoryMMAP   = 1
	v4l2MemoryDMABUF = 4
)

const (
	v4l2FieldAny  = 0
	v4l2FieldNone = 1
)

const (
	v4l2ColorspaceDefault   = 0
	v4l2ColorspaceSMPTE170M = 1
)

const (
	v4l2BufFlagKeyframe = 0x00000008
	v4l2BufFlagPFrame   = 0x00000010
	v4l2BufFlagError    = 0x00000040
)

// fourcc builds a V4L2 pixel format code.
func fourcc(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

var (
	v4l2PixFmtNV12  = fourcc('N', 'V', '1', '2')
	v4l2PixFmtNV12M = fourcc('N', 'M', '1', '2')
	v4l2PixFmtH264  = fourcc('H', '2', '6', '4')
	v4l2PixFmtHEVC  = fourcc('H', 'E', 'V', 'C')
)

// fourccString renders a pixel format code for logs.
func fourccString(v uint32) string {
	b := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	for i, c := range b {
		if c < 0x20 || c > 0x7e {
			b[i] = '.'
		}
	}
	return string(b)
}

// Codec control ids (V4L2_CID_CODEC_BASE = V4L2_CTRL_CLASS_CODEC | 0x900).
const (
	v4l2CIDCodecBase = 0x00990000 | 0x900

	v4l2CIDGOPSize         = v4l2CIDCodecBase + 203
	v4l2CIDBitrateMode     = v4l2CIDCodecBase + 206
	v4l2CIDBitrate         = v4l2CIDCodecBase + 207
	v4l2CIDBitratePeak     = v4l2CIDCodecBase + 208
	v4l2CIDRepeatSeqHeader = v4l2CIDCodecBase + 226
	v4l2CIDForceKeyFrame   = v4l2CIDCodecBase + 229
	v4l2CIDH264IPeriod     = v4l2CIDCodecBase + 358
	v4l2CIDH264Level       = v4l2CIDCodecBase + 359
	v4l2CIDH264Profile     = v4l2CIDCodecBase + 363
)

const (
	v4l2BitrateModeVBR = 0
	v4l2BitrateModeCBR = 1
)

const (
	v4l2H264ProfileBaseline            = 0
	v4l2H264ProfileConstrainedBaseline = 1
	v4l2H264ProfileMain                = 2
	v4l2H264ProfileHigh                = 4

	v4l2H264Level40 = 11
)

func bufTypeName(t uint32) string {
	switch t {
	case v4l2BufTypeOutputMplane:
		return "OUTPUT"
	case v4l2BufTypeCaptureMplane:
		return "CAPTURE"
	default:
		return "UNKNOWN"
	}
}
