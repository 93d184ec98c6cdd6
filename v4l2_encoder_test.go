package hwmedia

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withV4L2Provider marks the provider available without probing hardware.
func withV4L2Provider(t *testing.T) {
	t.Helper()
	detectOnce.Do(func() {})
	setProviderAvailable(ProviderV4L2M2M, true)
	t.Cleanup(func() { setProviderAvailable(ProviderV4L2M2M, false) })
}

func newTestEncoder(t *testing.T, dev *fakeM2M, mutate func(*VideoEncoderConfig)) VideoEncoder {
	t.Helper()
	installFakeDevices(t, map[string]*fakeM2M{"video11": dev})
	withV4L2Provider(t)

	cfg := DefaultVideoEncoderConfig(VideoCodecH264, 64, 32)
	if mutate != nil {
		mutate(&cfg)
	}
	enc, err := NewVideoEncoder(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { enc.Close() })
	return enc
}

func TestNewVideoEncoderV4L2(t *testing.T) {
	dev := newFakeM2M()
	enc := newTestEncoder(t, dev, nil)

	assert.Equal(t, ProviderV4L2M2M, enc.Provider())
	assert.Equal(t, VideoCodecH264, enc.Codec())
	assert.Equal(t, 150, enc.Config().KeyframeInterval)
	assert.Equal(t, int(minCaptureSize), enc.MaxEncodedSize())
	assert.Equal(t, dev.path, enc.(*V4L2Encoder).DevicePath())

	frames, err := enc.Flush()
	assert.NoError(t, err)
	assert.Empty(t, frames)
}

func TestNewVideoEncoderUnavailable(t *testing.T) {
	installFakeDevices(t, map[string]*fakeM2M{})
	withV4L2Provider(t)

	_, err := NewVideoEncoder(DefaultVideoEncoderConfig(VideoCodecH264, 64, 32))
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = NewVideoEncoder(DefaultVideoEncoderConfig(VideoCodecUnknown, 64, 32))
	assert.ErrorIs(t, err, ErrCodecNotSupported)

	setProviderAvailable(ProviderV4L2M2M, false)
	_, err = NewVideoEncoder(DefaultVideoEncoderConfig(VideoCodecH264, 64, 32))
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestV4L2EncoderEncode(t *testing.T) {
	dev := newFakeM2M()
	enc := newTestEncoder(t, dev, nil)
	frame := nv12Frame(64, 32, 64, 64, 1, 2, 3)

	out, err := enc.Encode(frame)
	require.NoError(t, err)
	assert.True(t, out.IsKeyframe())
	assert.Equal(t, uint32(0), out.Timestamp)
	assert.Equal(t, uint32(3000), out.Duration)

	out, err = enc.Encode(frame)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeDelta, out.FrameType)
	assert.Equal(t, uint32(3000), out.Timestamp)

	frame.Timestamp = 2_000_000_000
	out, err = enc.Encode(frame)
	require.NoError(t, err)
	assert.Equal(t, uint32(180000), out.Timestamp)

	stats := enc.Stats()
	assert.Equal(t, uint64(3), stats.FramesEncoded)
	assert.Equal(t, uint64(1), stats.KeyframesEncoded)
	assert.Equal(t, uint64(3*11), stats.BytesEncoded)
	assert.Zero(t, stats.FailedFrames)
}

func TestV4L2EncoderTimestampFollowsBitstream(t *testing.T) {
	dev := newFakeM2M()
	enc := newTestEncoder(t, dev, nil)
	dev.set(func(f *fakeM2M) { f.stallCapture = true })

	first := nv12Frame(64, 32, 64, 64, 1, 2, 3)
	first.Timestamp = 1_000_000_000
	_, err := enc.Encode(first)
	require.ErrorIs(t, err, ErrTransientEncode)

	dev.set(func(f *fakeM2M) { f.stallCapture = false })
	second := nv12Frame(64, 32, 64, 64, 9, 2, 3)
	second.Timestamp = 2_000_000_000

	// The driver hands back the stalled picture first.
	out, err := enc.Encode(second)
	require.NoError(t, err)
	assert.Equal(t, byte(1), out.Data[5])
	assert.Equal(t, uint32(90000), out.Timestamp)

	buf := make([]byte, enc.MaxEncodedSize())
	res, err := enc.EncodeInto(second, buf)
	require.NoError(t, err)
	assert.Equal(t, byte(9), buf[5])
	assert.Equal(t, int64(2_000_000_000), res.PTS)
}

func TestV4L2EncoderEncodeInto(t *testing.T) {
	dev := newFakeM2M()
	enc := newTestEncoder(t, dev, nil)
	frame := nv12Frame(64, 32, 64, 64, 1, 2, 3)
	frame.Timestamp = 42

	_, err := enc.EncodeInto(frame, make([]byte, 16))
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	buf := make([]byte, enc.MaxEncodedSize())
	res, err := enc.EncodeInto(frame, buf)
	require.NoError(t, err)
	assert.Equal(t, 11, res.N)
	assert.Equal(t, FrameTypeKey, res.FrameType)
	assert.Equal(t, int64(42), res.PTS)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x65}, buf[:5])
}

func TestV4L2EncoderRequestKeyframe(t *testing.T) {
	dev := newFakeM2M()
	enc := newTestEncoder(t, dev, nil)
	frame := nv12Frame(64, 32, 64, 64, 1, 2, 3)

	_, err := enc.Encode(frame)
	require.NoError(t, err)

	enc.RequestKeyframe()
	out, err := enc.Encode(frame)
	require.NoError(t, err)
	assert.True(t, out.IsKeyframe())

	out, err = enc.Encode(frame)
	require.NoError(t, err)
	assert.False(t, out.IsKeyframe())
}

func TestV4L2EncoderFailedFrameKeepsKeyframeRequest(t *testing.T) {
	dev := newFakeM2M()
	enc := newTestEncoder(t, dev, nil)
	frame := nv12Frame(64, 32, 64, 64, 1, 2, 3)

	_, err := enc.Encode(frame)
	require.NoError(t, err)

	dev.set(func(f *fakeM2M) { f.failOn["QBUF_OUTPUT"] = errFakeRejected })
	enc.RequestKeyframe()
	_, err = enc.Encode(frame)
	require.ErrorIs(t, err, ErrTransientEncode)
	assert.Equal(t, uint64(1), enc.Stats().FailedFrames)

	dev.set(func(f *fakeM2M) { delete(f.failOn, "QBUF_OUTPUT") })
	out, err := enc.Encode(frame)
	require.NoError(t, err)
	assert.True(t, out.IsKeyframe())
}

func TestV4L2EncoderFrameChecks(t *testing.T) {
	dev := newFakeM2M()
	enc := newTestEncoder(t, dev, nil)

	_, err := enc.Encode(nil)
	assert.ErrorIs(t, err, errInvalidPicture)

	_, err = enc.Encode(nv12Frame(128, 64, 128, 128, 0, 0, 0))
	assert.ErrorIs(t, err, errInvalidPicture)

	_, err = enc.(*V4L2Encoder).EncodeDMABuf([]DMABufPlane{{FD: 3}, {FD: 4}}, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestV4L2EncoderZeroCopy(t *testing.T) {
	dev := newFakeM2M()
	enc := newTestEncoder(t, dev, func(c *VideoEncoderConfig) { c.ZeroCopy = true })

	out, err := enc.(*V4L2Encoder).EncodeDMABuf([]DMABufPlane{{FD: 5}, {FD: 6}}, 1_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6}, out.Data[5:])
	assert.Equal(t, uint32(90000), out.Timestamp)
}

func TestV4L2EncoderSetRates(t *testing.T) {
	dev := newFakeM2M()
	enc := newTestEncoder(t, dev, nil)

	require.NoError(t, enc.SetRates(15, 500_000))
	assert.Equal(t, 15, enc.Config().FPS)
	assert.Equal(t, 500_000, enc.Config().BitrateBps)
	assert.Equal(t, []uint32{30, 15}, dev.frameIntervals)

	require.NoError(t, enc.SetBitrate(750_000))
	v, _ := dev.control(v4l2CIDBitrate)
	assert.Equal(t, int32(750_000), v)
	assert.Equal(t, 15, enc.Config().FPS)

	assert.ErrorIs(t, enc.SetRates(-1, 0), ErrInvalidConfig)

	require.NoError(t, enc.(*V4L2Encoder).SetKeyframeInterval(30))
	gop, _ := dev.control(v4l2CIDGOPSize)
	assert.Equal(t, int32(30), gop)

	// The duration follows the new frame rate.
	out, err := enc.Encode(nv12Frame(64, 32, 64, 64, 0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, uint32(6000), out.Duration)

	require.NoError(t, enc.Close())
	assert.ErrorIs(t, enc.SetRates(30, 0), ErrNotInitialized)
	assert.ErrorIs(t, enc.(*V4L2Encoder).SetKeyframeInterval(10), ErrNotInitialized)
}

func TestV4L2EncoderSetResolution(t *testing.T) {
	dev := newFakeM2M()
	enc := newTestEncoder(t, dev, nil)

	require.NoError(t, enc.SetResolution(128, 64))
	assert.Equal(t, 128, enc.Config().Width)
	assert.Equal(t, 64, enc.Config().Height)

	out, err := enc.Encode(nv12Frame(128, 64, 128, 128, 4, 5, 6))
	require.NoError(t, err)
	assert.True(t, out.IsKeyframe(), "a restarted stream opens with a keyframe")
	assert.Equal(t, []byte{4, 4, 4, 4, 5, 6}, out.Data[5:])

	assert.ErrorIs(t, enc.SetResolution(127, 64), ErrInvalidConfig)

	dev.set(func(f *fakeM2M) { f.failOn["STREAMON_CAPTURE"] = errFakeRejected })
	assert.ErrorIs(t, enc.SetResolution(64, 32), ErrSetupFailure)
	assert.Equal(t, 128, enc.Config().Width)
	assert.Equal(t, 0, dev.outstandingMaps())
}
