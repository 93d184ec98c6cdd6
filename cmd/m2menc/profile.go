package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// encodeOptions holds everything the encode command needs. Fields map to
// both flags and YAML profile keys.
type encodeOptions struct {
	Codec       string `yaml:"codec"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FPS         int    `yaml:"fps"`
	Bitrate     int    `yaml:"bitrate"`
	MaxBitrate  int    `yaml:"max_bitrate"`
	Keyframe    int    `yaml:"keyframe_interval"`
	RateControl string `yaml:"rate_control"`
	Profile     string `yaml:"profile"`
	Frames      int    `yaml:"frames"`
	Pattern     string `yaml:"pattern"`
	Device      string `yaml:"device"`
	Warmup      int    `yaml:"warmup_frames"`
	Queue       int    `yaml:"queue"`
	Out         string `yaml:"out"`
	RTP         string `yaml:"rtp"`
	RTMP        string `yaml:"rtmp"`
	MetricsAddr string `yaml:"metrics_addr"`
}

func defaultEncodeOptions() encodeOptions {
	return encodeOptions{
		Codec:       "h264",
		Width:       1280,
		Height:      720,
		FPS:         30,
		Bitrate:     2_000_000,
		RateControl: "cbr",
		Profile:     "constrained-baseline",
		Frames:      300,
		Pattern:     "bars",
		Queue:       4,
	}
}

func (o *encodeOptions) bindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Codec, "codec", o.Codec, "h264 or h265")
	fs.IntVar(&o.Width, "width", o.Width, "frame width")
	fs.IntVar(&o.Height, "height", o.Height, "frame height")
	fs.IntVar(&o.FPS, "fps", o.FPS, "frames per second")
	fs.IntVar(&o.Bitrate, "bitrate", o.Bitrate, "target bitrate in bits per second")
	fs.IntVar(&o.MaxBitrate, "max-bitrate", o.MaxBitrate, "peak bitrate for VBR")
	fs.IntVar(&o.Keyframe, "keyframe-interval", o.Keyframe, "frames between keyframes (0 = fps*5)")
	fs.StringVar(&o.RateControl, "rate-control", o.RateControl, "cbr or vbr")
	fs.StringVar(&o.Profile, "profile", o.Profile, "H.264 profile: constrained-baseline, baseline, main, high")
	fs.IntVar(&o.Frames, "frames", o.Frames, "number of frames to encode")
	fs.StringVar(&o.Pattern, "pattern", o.Pattern, "test pattern")
	fs.StringVar(&o.Device, "device", o.Device, "encoder node (default: discover)")
	fs.IntVar(&o.Warmup, "warmup", o.Warmup, "black frames fed after stream-on")
	fs.IntVar(&o.Queue, "queue", o.Queue, "frames buffered ahead of the encoder")
	fs.StringVarP(&o.Out, "out", "o", o.Out, "Annex B output file (- for stdout)")
	fs.StringVar(&o.RTP, "rtp", o.RTP, "send RTP to host:port over UDP")
	fs.StringVar(&o.RTMP, "rtmp", o.RTMP, "publish H.264 to rtmp://host[:port]/app/stream")
	fs.StringVar(&o.MetricsAddr, "metrics-addr", o.MetricsAddr, "serve Prometheus metrics on this address")
}

// loadProfile fills every option whose flag was not set explicitly from the
// YAML file at path.
func (o *encodeOptions) loadProfile(path string, fs *pflag.FlagSet) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read profile: %w", err)
	}
	var p encodeOptions
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse profile %s: %w", path, err)
	}

	setStr := func(flag string, dst *string, v string) {
		if v != "" && !fs.Changed(flag) {
			*dst = v
		}
	}
	setInt := func(flag string, dst *int, v int) {
		if v != 0 && !fs.Changed(flag) {
			*dst = v
		}
	}
	setStr("codec", &o.Codec, p.Codec)
	setInt("width", &o.Width, p.Width)
	setInt("height", &o.Height, p.Height)
	setInt("fps", &o.FPS, p.FPS)
	setInt("bitrate", &o.Bitrate, p.Bitrate)
	setInt("max-bitrate", &o.MaxBitrate, p.MaxBitrate)
	setInt("keyframe-interval", &o.Keyframe, p.Keyframe)
	setStr("rate-control", &o.RateControl, p.RateControl)
	setStr("profile", &o.Profile, p.Profile)
	setInt("frames", &o.Frames, p.Frames)
	setStr("pattern", &o.Pattern, p.Pattern)
	setStr("device", &o.Device, p.Device)
	setInt("warmup", &o.Warmup, p.Warmup)
	setInt("queue", &o.Queue, p.Queue)
	setStr("out", &o.Out, p.Out)
	setStr("rtp", &o.RTP, p.RTP)
	setStr("rtmp", &o.RTMP, p.RTMP)
	setStr("metrics-addr", &o.MetricsAddr, p.MetricsAddr)
	return nil
}
