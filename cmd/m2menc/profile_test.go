package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thesyncim/hwmedia"
)

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadProfile(t *testing.T) {
	path := writeProfile(t, `
codec: h265
width: 1920
height: 1080
bitrate: 6000000
rate_control: vbr
max_bitrate: 9000000
device: /dev/video11
rtp: 127.0.0.1:5004
`)

	opts := defaultEncodeOptions()
	fs := pflag.NewFlagSet("encode", pflag.ContinueOnError)
	opts.bindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--width", "640"}))
	require.NoError(t, opts.loadProfile(path, fs))

	assert.Equal(t, "h265", opts.Codec)
	assert.Equal(t, 640, opts.Width, "explicit flag wins")
	assert.Equal(t, 1080, opts.Height)
	assert.Equal(t, 6_000_000, opts.Bitrate)
	assert.Equal(t, 9_000_000, opts.MaxBitrate)
	assert.Equal(t, "vbr", opts.RateControl)
	assert.Equal(t, "/dev/video11", opts.Device)
	assert.Equal(t, "127.0.0.1:5004", opts.RTP)
	assert.Equal(t, 30, opts.FPS, "unset keys keep defaults")
	assert.Equal(t, "bars", opts.Pattern)
}

func TestLoadProfileErrors(t *testing.T) {
	opts := defaultEncodeOptions()
	fs := pflag.NewFlagSet("encode", pflag.ContinueOnError)
	opts.bindFlags(fs)

	assert.Error(t, opts.loadProfile(filepath.Join(t.TempDir(), "missing.yaml"), fs))
	assert.ErrorContains(t, opts.loadProfile(writeProfile(t, "width: [1, 2]"), fs), "parse profile")
}

func TestEncoderConfig(t *testing.T) {
	opts := defaultEncodeOptions()
	opts.Codec = "hevc"
	opts.RateControl = "vbr"
	opts.MaxBitrate = 4_000_000
	opts.Warmup = 2

	cfg, err := opts.encoderConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, hwmedia.VideoCodecH265, cfg.Codec)
	assert.Equal(t, hwmedia.ProviderV4L2M2M, cfg.Provider)
	assert.Equal(t, hwmedia.RateControlVBR, cfg.RateControlMode)
	assert.Equal(t, 4_000_000, cfg.MaxBitrateBps)
	assert.Equal(t, 2, cfg.WarmupFrames)
	assert.Equal(t, 1280, cfg.Width)

	for _, mutate := range []func(*encodeOptions){
		func(o *encodeOptions) { o.Codec = "vp9" },
		func(o *encodeOptions) { o.RateControl = "abr" },
		func(o *encodeOptions) { o.Profile = "extended" },
	} {
		o := defaultEncodeOptions()
		mutate(&o)
		_, err := o.encoderConfig(nil)
		assert.Error(t, err)
	}
}

func TestOpenSinkFile(t *testing.T) {
	opts := defaultEncodeOptions()
	opts.Out = filepath.Join(t.TempDir(), "out.h264")

	sink, closer, err := openSink(opts, hwmedia.VideoCodecH264)
	require.NoError(t, err)
	require.NoError(t, sink.WriteFrame(&hwmedia.EncodedFrame{Data: []byte{0, 0, 0, 1, 0x65}}))
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(opts.Out)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x65}, data)
}
