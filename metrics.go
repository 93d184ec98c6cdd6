package hwmedia

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsProvider is implemented by encoders that report EncoderStats.
type StatsProvider interface {
	Stats() EncoderStats
}

// EncoderCollector exports an encoder's counters. Values are read from
// Stats at scrape time.
type EncoderCollector struct {
	enc StatsProvider

	frames    *prometheus.Desc
	keyframes *prometheus.Desc
	bytes     *prometheus.Desc
	failed    *prometheus.Desc
	encodeSec *prometheus.Desc
	bitrate   *prometheus.Desc
}

// NewEncoderCollector creates a collector. labels become const labels on
// every series, e.g. the device path.
func NewEncoderCollector(namespace string, labels prometheus.Labels, enc StatsProvider) *EncoderCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "encoder", name), help, nil, labels)
	}
	return &EncoderCollector{
		enc:       enc,
		frames:    desc("frames_total", "Frames encoded."),
		keyframes: desc("keyframes_total", "Keyframes encoded."),
		bytes:     desc("bytes_total", "Bitstream bytes produced."),
		failed:    desc("failed_frames_total", "Frames dropped by transient encode failures."),
		encodeSec: desc("encode_seconds_total", "Time spent inside encode calls."),
		bitrate:   desc("average_bitrate_bps", "Average output bitrate."),
	}
}

// Describe implements prometheus.Collector.
func (c *EncoderCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.frames
	ch <- c.keyframes
	ch <- c.bytes
	ch <- c.failed
	ch <- c.encodeSec
	ch <- c.bitrate
}

// Collect implements prometheus.Collector.
func (c *EncoderCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.enc.Stats()
	ch <- prometheus.MustNewConstMetric(c.frames, prometheus.CounterValue, float64(s.FramesEncoded))
	ch <- prometheus.MustNewConstMetric(c.keyframes, prometheus.CounterValue, float64(s.KeyframesEncoded))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.BytesEncoded))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(s.FailedFrames))
	ch <- prometheus.MustNewConstMetric(c.encodeSec, prometheus.CounterValue, float64(s.EncodingTimeUs)/1e6)
	ch <- prometheus.MustNewConstMetric(c.bitrate, prometheus.GaugeValue, float64(s.AverageBitrateBps))
}

var _ prometheus.Collector = (*EncoderCollector)(nil)
