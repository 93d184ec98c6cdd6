package hwmedia

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

// FLV video tag constants (H.264 only; legacy FLV has no HEVC codec id).
const (
	flvCodecAVC        = 7
	flvFrameKey        = 1 << 4
	flvFrameInter      = 2 << 4
	flvAVCSeqHeader    = 0
	flvAVCNALU         = 1
	rtmpVideoChunkID   = 6
	rtmpDefaultPort    = "1935"
	rtmpChunkSize      = 4096
	h264NalTypeSPS     = 7
	h264NalTypePPS     = 8
	h264NalTypeAUD     = 9
	avcConfigMinSPSLen = 4
)

// RTMPStreamWriter is implemented by *rtmp.Stream.
type RTMPStreamWriter interface {
	Write(chunkStreamID int, timestamp uint32, msg rtmpmsg.Message) error
}

// RTMPSink publishes H.264 access units as FLV video messages. An AVC
// sequence header is sent whenever the SPS or PPS changes; frames seen
// before the first one are dropped.
type RTMPSink struct {
	w RTMPStreamWriter

	mu       sync.Mutex
	sps, pps []byte
	ready    bool
	dropped  uint64
}

// NewRTMPSink creates a sink over an already published stream.
func NewRTMPSink(w RTMPStreamWriter) *RTMPSink {
	return &RTMPSink{w: w}
}

// WriteFrame converts frame to AVCC and writes it. Timestamps go from the
// 90kHz clock to milliseconds.
func (s *RTMPSink) WriteFrame(frame *EncodedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nalus := parseAnnexBNALUnits(frame.Data)
	if len(nalus) == 0 {
		return errEmptyAccessUnit
	}
	ts := frame.Timestamp / 90

	var body [][]byte
	sps, pps := s.sps, s.pps
	for _, n := range nalus {
		switch n[0] & 0x1F {
		case h264NalTypeSPS:
			sps = n
		case h264NalTypePPS:
			pps = n
		case h264NalTypeAUD:
		default:
			body = append(body, n)
		}
	}

	if sps != nil && pps != nil && (!s.ready || !bytes.Equal(sps, s.sps) || !bytes.Equal(pps, s.pps)) {
		record, err := avcDecoderConfig(sps, pps)
		if err != nil {
			return err
		}
		if err := s.write(ts, flvFrameKey|flvCodecAVC, flvAVCSeqHeader, record); err != nil {
			return err
		}
		s.sps = bytes.Clone(sps)
		s.pps = bytes.Clone(pps)
		s.ready = true
	}
	if len(body) == 0 {
		return nil
	}
	if !s.ready {
		s.dropped++
		return nil
	}

	var avcc []byte
	for _, n := range body {
		avcc = binary.BigEndian.AppendUint32(avcc, uint32(len(n)))
		avcc = append(avcc, n...)
	}
	kind := byte(flvFrameInter)
	if frame.IsKeyframe() {
		kind = flvFrameKey
	}
	return s.write(ts, kind|flvCodecAVC, flvAVCNALU, avcc)
}

// Dropped returns how many frames arrived before any parameter sets.
func (s *RTMPSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *RTMPSink) write(ts uint32, header, packetType byte, data []byte) error {
	payload := make([]byte, 0, 5+len(data))
	// Composition time is always zero: the encoder emits no B-frames.
	payload = append(payload, header, packetType, 0, 0, 0)
	payload = append(payload, data...)
	err := s.w.Write(rtmpVideoChunkID, ts, &rtmpmsg.VideoMessage{Payload: bytes.NewReader(payload)})
	if err != nil {
		return fmt.Errorf("write RTMP video message: %w", err)
	}
	return nil
}

// avcDecoderConfig builds an AVCDecoderConfigurationRecord with one SPS
// and one PPS. Profile, compatibility and level are copied from the SPS
// header bytes.
func avcDecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < avcConfigMinSPSLen {
		return nil, fmt.Errorf("%w: SPS of %d bytes", errInvalidParameterSet, len(sps))
	}
	if len(pps) == 0 {
		return nil, fmt.Errorf("%w: empty PPS", errInvalidParameterSet)
	}
	rec := []byte{1, sps[1], sps[2], sps[3], 0xFF, 0xE1}
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(sps)))
	rec = append(rec, sps...)
	rec = append(rec, 1)
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(pps)))
	rec = append(rec, pps...)
	return rec, nil
}

var errInvalidParameterSet = errors.New("invalid parameter set")

// DialRTMP connects to rtmp://host[:port]/app/stream, publishes the
// stream and returns a sink for it. Closing the returned closer ends the
// connection. Only H.264 can be carried.
func DialRTMP(rawURL string, codec VideoCodec) (*RTMPSink, io.Closer, error) {
	if codec != VideoCodecH264 {
		return nil, nil, fmt.Errorf("%w: RTMP carries H.264 only, got %s", ErrCodecNotSupported, codec)
	}
	addr, app, name, err := parseRTMPURL(rawURL)
	if err != nil {
		return nil, nil, err
	}

	quiet := logrus.New()
	quiet.Out = io.Discard
	client, err := rtmp.Dial("rtmp", addr, &rtmp.ConnConfig{Logger: quiet})
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	err = client.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:      app,
			Type:     "nonprivate",
			FlashVer: "m2menc",
			TCURL:    "rtmp://" + addr + "/" + app,
		},
	})
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("rtmp connect %s: %w", app, err)
	}
	stream, err := client.CreateStream(nil, rtmpChunkSize)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("rtmp create stream: %w", err)
	}
	err = stream.Publish(&rtmpmsg.NetStreamPublish{PublishingName: name, PublishingType: "live"})
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("rtmp publish %s: %w", name, err)
	}
	return NewRTMPSink(stream), client, nil
}

func parseRTMPURL(rawURL string) (addr, app, name string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if u.Scheme != "rtmp" || u.Host == "" {
		return "", "", "", fmt.Errorf("%w: %q is not an rtmp:// URL", ErrInvalidConfig, rawURL)
	}
	app, name, ok := strings.Cut(strings.Trim(u.Path, "/"), "/")
	if !ok || app == "" || name == "" {
		return "", "", "", fmt.Errorf("%w: %q needs /app/stream", ErrInvalidConfig, rawURL)
	}
	addr = u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), rtmpDefaultPort)
	}
	return addr, app, name, nil
}

var (
	_ FrameSink        = (*RTMPSink)(nil)
	_ RTMPStreamWriter = (*rtmp.Stream)(nil)
)
