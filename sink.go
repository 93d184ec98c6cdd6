package hwmedia

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// FrameSink receives encoded frames from a pipeline.
type FrameSink interface {
	WriteFrame(frame *EncodedFrame) error
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(frame *EncodedFrame) error

func (f FrameSinkFunc) WriteFrame(frame *EncodedFrame) error { return f(frame) }

// AnnexBWriter writes access units back to back, which yields a raw
// .h264/.h265 elementary stream.
type AnnexBWriter struct {
	w       io.Writer
	mu      sync.Mutex
	written int64
}

// NewAnnexBWriter creates a writer over w.
func NewAnnexBWriter(w io.Writer) *AnnexBWriter {
	return &AnnexBWriter{w: w}
}

// WriteFrame appends frame to the stream.
func (a *AnnexBWriter) WriteFrame(frame *EncodedFrame) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.w.Write(frame.Data)
	a.written += int64(n)
	if err != nil {
		return fmt.Errorf("write access unit: %w", err)
	}
	return nil
}

// BytesWritten returns the stream length so far.
func (a *AnnexBWriter) BytesWritten() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written
}

// SampleWriter is implemented by *webrtc.TrackLocalStaticSample.
type SampleWriter interface {
	WriteSample(sample pionmedia.Sample) error
}

// TrackSink forwards encoded frames to a WebRTC track.
type TrackSink struct {
	track SampleWriter
}

// NewTrackSink creates a sink writing to track.
func NewTrackSink(track SampleWriter) *TrackSink {
	return &TrackSink{track: track}
}

// WriteFrame writes frame as one sample. Duration is converted from the
// 90kHz clock.
func (s *TrackSink) WriteFrame(frame *EncodedFrame) error {
	return s.track.WriteSample(pionmedia.Sample{
		Data:     frame.Data,
		Duration: time.Duration(frame.Duration) * time.Second / videoClockRate,
	})
}

// NewVideoTrack creates a sample track for codec. Pion packetizes the
// Annex B samples itself.
func NewVideoTrack(codec VideoCodec, id, streamID string) (*webrtc.TrackLocalStaticSample, error) {
	if codec != VideoCodecH264 && codec != VideoCodecH265 {
		return nil, fmt.Errorf("%w: %s", ErrCodecNotSupported, codec)
	}
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: codec.MimeType(), ClockRate: codec.ClockRate()},
		id, streamID,
	)
}

// RTPSink packetizes frames and writes each packet to w, typically a
// connected UDP socket.
type RTPSink struct {
	packetizer *RTPPacketizer
	w          io.Writer
}

// NewRTPSink creates an RTP sink.
func NewRTPSink(packetizer *RTPPacketizer, w io.Writer) *RTPSink {
	return &RTPSink{packetizer: packetizer, w: w}
}

// WriteFrame packetizes and sends frame.
func (s *RTPSink) WriteFrame(frame *EncodedFrame) error {
	packets, err := s.packetizer.PacketizeToBytes(frame)
	if err != nil {
		return err
	}
	for _, pkt := range packets {
		if _, err := s.w.Write(pkt); err != nil {
			return fmt.Errorf("send RTP packet: %w", err)
		}
	}
	return nil
}

// MultiSink fans each frame out to several sinks. Every sink sees every
// frame; errors are collected.
type MultiSink []FrameSink

// WriteFrame implements FrameSink.
func (m MultiSink) WriteFrame(frame *EncodedFrame) error {
	var result *multierror.Error
	for _, sink := range m {
		if err := sink.WriteFrame(frame); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

var (
	_ FrameSink    = MultiSink(nil)
	_ FrameSink    = (*AnnexBWriter)(nil)
	_ FrameSink    = (*TrackSink)(nil)
	_ FrameSink    = (*RTPSink)(nil)
	_ SampleWriter = (*webrtc.TrackLocalStaticSample)(nil)
)
