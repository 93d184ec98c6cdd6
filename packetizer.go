package hwmedia

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtp"
)

const rtpHeaderSize = 12

// minRTPMTU leaves room for an H.265 FU payload header, the FU header and
// one byte of NAL data.
const minRTPMTU = rtpHeaderSize + 4

// H264 NAL unit types
const (
	nalTypeIDR = 5
	nalTypeFUA = 28 // Fragmentation Unit A
)

// H265 NAL unit types
const (
	hevcNalTypeBLAWLP = 16
	hevcNalTypeCRA    = 21
	hevcNalTypeFU     = 49 // Fragmentation Unit
)

var errEmptyAccessUnit = errors.New("no NAL units found in frame")

// RTPPacketizer segments encoded access units into RTP packets.
type RTPPacketizer struct {
	codec       VideoCodec
	ssrc        uint32
	payloadType uint8
	mtu         int
	sequencer   rtp.Sequencer
	mu          sync.Mutex
}

// NewRTPPacketizer creates a packetizer for H.264 (RFC 6184) or
// H.265 (RFC 7798) Annex B access units.
func NewRTPPacketizer(codec VideoCodec, ssrc uint32, payloadType uint8, mtu int) (*RTPPacketizer, error) {
	if codec != VideoCodecH264 && codec != VideoCodecH265 {
		return nil, fmt.Errorf("%w: %s", ErrCodecNotSupported, codec)
	}
	if mtu <= 0 {
		mtu = 1200
	}
	if mtu < minRTPMTU {
		return nil, fmt.Errorf("%w: MTU %d is below %d", ErrInvalidConfig, mtu, minRTPMTU)
	}
	return &RTPPacketizer{
		codec:       codec,
		ssrc:        ssrc,
		payloadType: payloadType,
		mtu:         mtu,
		sequencer:   rtp.NewRandomSequencer(),
	}, nil
}

// Packetize converts an encoded frame into RTP packets.
// Input must be Annex B (with start codes).
func (p *RTPPacketizer) Packetize(frame *EncodedFrame) ([]*rtp.Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(frame.Data) == 0 {
		return nil, nil
	}

	nalUnits := parseAnnexBNALUnits(frame.Data)
	if len(nalUnits) == 0 {
		return nil, errEmptyAccessUnit
	}

	var packets []*rtp.Packet
	for i, nalu := range nalUnits {
		isLast := i == len(nalUnits)-1

		if len(nalu) <= p.mtu-rtpHeaderSize {
			packets = append(packets, p.packet(nalu, frame.Timestamp, isLast))
			continue
		}
		if p.codec == VideoCodecH265 {
			packets = append(packets, p.fragmentHEVC(nalu, frame.Timestamp, isLast)...)
		} else {
			packets = append(packets, p.fragmentAVC(nalu, frame.Timestamp, isLast)...)
		}
	}

	return packets, nil
}

func (p *RTPPacketizer) packet(payload []byte, timestamp uint32, marker bool) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    p.payloadType,
			SequenceNumber: p.sequencer.NextSequenceNumber(),
			Timestamp:      timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
}

// fragmentAVC splits a large NAL unit into FU-A packets.
func (p *RTPPacketizer) fragmentAVC(nalu []byte, timestamp uint32, isLastNALU bool) []*rtp.Packet {
	nalType := nalu[0] & 0x1F
	nri := nalu[0] & 0x60

	// FU indicator: F=0, NRI from original, Type=28
	fuIndicator := nri | nalTypeFUA
	return p.fragment(nalu[1:], []byte{fuIndicator}, nalType, timestamp, isLastNALU)
}

// fragmentHEVC splits a large NAL unit into FU packets. The payload
// header copies the layer id and TID of the original two-byte header.
func (p *RTPPacketizer) fragmentHEVC(nalu []byte, timestamp uint32, isLastNALU bool) []*rtp.Packet {
	if len(nalu) < 2 {
		return []*rtp.Packet{p.packet(nalu, timestamp, isLastNALU)}
	}
	nalType := (nalu[0] >> 1) & 0x3F
	header := []byte{(nalu[0] & 0x81) | hevcNalTypeFU<<1, nalu[1]}
	return p.fragment(nalu[2:], header, nalType, timestamp, isLastNALU)
}

func (p *RTPPacketizer) fragment(payload, header []byte, nalType byte, timestamp uint32, isLastNALU bool) []*rtp.Packet {
	maxPayload := p.mtu - rtpHeaderSize - len(header) - 1

	var packets []*rtp.Packet
	for offset := 0; offset < len(payload); {
		end := min(offset+maxPayload, len(payload))
		isStart := offset == 0
		isEnd := end == len(payload)

		// FU header: S=start, E=end, then the original NAL type
		fuHeader := nalType
		if isStart {
			fuHeader |= 0x80
		}
		if isEnd {
			fuHeader |= 0x40
		}

		pktPayload := make([]byte, 0, len(header)+1+end-offset)
		pktPayload = append(pktPayload, header...)
		pktPayload = append(pktPayload, fuHeader)
		pktPayload = append(pktPayload, payload[offset:end]...)

		// Marker bit only on the last packet of the last NAL unit
		packets = append(packets, p.packet(pktPayload, timestamp, isEnd && isLastNALU))
		offset = end
	}
	return packets
}

// PacketizeToBytes converts an encoded frame to raw RTP packet bytes.
func (p *RTPPacketizer) PacketizeToBytes(frame *EncodedFrame) ([][]byte, error) {
	packets, err := p.Packetize(frame)
	if err != nil {
		return nil, err
	}
	result := make([][]byte, len(packets))
	for i, pkt := range packets {
		b, err := pkt.Marshal()
		if err != nil {
			return nil, err
		}
		result[i] = b
	}
	return result, nil
}

func (p *RTPPacketizer) Codec() VideoCodec  { return p.codec }
func (p *RTPPacketizer) SSRC() uint32       { p.mu.Lock(); defer p.mu.Unlock(); return p.ssrc }
func (p *RTPPacketizer) PayloadType() uint8 { p.mu.Lock(); defer p.mu.Unlock(); return p.payloadType }
func (p *RTPPacketizer) MTU() int           { p.mu.Lock(); defer p.mu.Unlock(); return p.mtu }

// SetMTU changes the maximum packet size. Values below the size of one
// fragment are rejected and leave the MTU unchanged.
func (p *RTPPacketizer) SetMTU(mtu int) error {
	if mtu < minRTPMTU {
		return fmt.Errorf("%w: MTU %d is below %d", ErrInvalidConfig, mtu, minRTPMTU)
	}
	p.mu.Lock()
	p.mtu = mtu
	p.mu.Unlock()
	return nil
}

// parseAnnexBNALUnits parses Annex B format into individual NAL units.
// Annex B uses start codes: 0x00000001 or 0x000001
func parseAnnexBNALUnits(data []byte) [][]byte {
	var nalUnits [][]byte
	start := -1

	for i := 0; i < len(data); i++ {
		if i+3 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 {
			if start >= 0 && i > start {
				nalUnits = append(nalUnits, data[start:i])
			}
			start = i + 4
			i += 3
		} else if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if start >= 0 && i > start {
				nalUnits = append(nalUnits, data[start:i])
			}
			start = i + 3
			i += 2
		}
	}

	if start >= 0 && start < len(data) {
		nalUnits = append(nalUnits, data[start:])
	}

	return nalUnits
}

// containsKeyframeNAL reports whether an Annex B access unit carries an
// IDR (H.264) or IRAP (H.265) picture.
func containsKeyframeNAL(codec VideoCodec, data []byte) bool {
	for _, nalu := range parseAnnexBNALUnits(data) {
		switch codec {
		case VideoCodecH264:
			if nalu[0]&0x1F == nalTypeIDR {
				return true
			}
		case VideoCodecH265:
			t := (nalu[0] >> 1) & 0x3F
			if t >= hevcNalTypeBLAWLP && t <= hevcNalTypeCRA {
				return true
			}
		}
	}
	return false
}
