package hwmedia

import (
	"errors"
	"fmt"
	"time"
)

// EncodedAccessUnit is the bitstream produced for one submitted picture.
type EncodedAccessUnit struct {
	Data      []byte
	Keyframe  bool
	Timestamp time.Duration
	Sequence  uint32
}

func transientError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransientEncode, op, err)
}

// Encode submits one picture and waits for its bitstream. Per-frame
// failures wrap ErrTransientEncode and leave the session streaming.
func (s *EncodeSession) Encode(pic Picture, forceKeyframe bool) (EncodedAccessUnit, error) {
	return s.encode(&pic, forceKeyframe, nil)
}

// EncodePlanes encodes an NV12 picture given as luma and interleaved CbCr
// planes with their strides. It returns the bitstream and whether it is a
// keyframe.
func (s *EncodeSession) EncodePlanes(luma []byte, lumaStride int, chroma []byte, chromaStride int, forceKeyframe bool) ([]byte, bool, error) {
	pic := Picture{
		Format:  PixelFormatNV12,
		Planes:  [][]byte{luma, chroma},
		Strides: []int{lumaStride, chromaStride},
	}
	au, err := s.encode(&pic, forceKeyframe, nil)
	if err != nil {
		return nil, false, err
	}
	return au.Data, au.Keyframe, nil
}

// EncodeDMABuf queues caller-owned DMA-BUF planes on a session opened with
// MemoryDMABuf. The descriptors stay owned by the caller.
func (s *EncodeSession) EncodeDMABuf(planes []DMABufPlane, forceKeyframe bool) (EncodedAccessUnit, error) {
	pic := Picture{Format: PixelFormatNV12, DMABuf: planes}
	return s.encode(&pic, forceKeyframe, nil)
}

// encode runs one picture through the device. When dst is non-nil the
// bitstream is copied into it instead of a new slice.
func (s *EncodeSession) encode(pic *Picture, forceKeyframe bool, dst []byte) (EncodedAccessUnit, error) {
	if s.state != SessionStreaming {
		return EncodedAccessUnit{}, ErrNotInitialized
	}
	s.requeueIdleCapture()

	if s.firstFrame {
		forceKeyframe = true
	}
	if forceKeyframe {
		if applyControl(s.dev, s.log, "force_keyframe", v4l2CIDForceKeyFrame, 1) == ControlFatal {
			return EncodedAccessUnit{}, transientError("force keyframe", errDeviceGone)
		}
	}

	slot, err := s.nextOutputSlot()
	if err != nil {
		return EncodedAccessUnit{}, transientError("acquire OUTPUT buffer", err)
	}
	planes, err := s.backend.prepare(slot, pic, s.layout)
	if err != nil {
		return EncodedAccessUnit{}, transientError(fmt.Sprintf("fill OUTPUT buffer %d", slot.index), err)
	}

	err = s.dev.QueueBuffer(queueRequest{
		BufType:   v4l2BufTypeOutputMplane,
		Memory:    s.backend.memory(),
		Index:     slot.index,
		Planes:    planes,
		Timestamp: pic.Timestamp,
	})
	if err != nil {
		return EncodedAccessUnit{}, transientError(fmt.Sprintf("queue OUTPUT buffer %d", slot.index), err)
	}
	slot.queued = true
	s.firstFrame = false

	ready, err := s.dev.WaitReadable(s.cfg.PollTimeout)
	if err != nil {
		return EncodedAccessUnit{}, transientError("wait for bitstream", err)
	}
	if !ready {
		return EncodedAccessUnit{}, transientError("wait for bitstream", fmt.Errorf("timed out after %s", s.cfg.PollTimeout))
	}

	au, err := s.dequeueCapture(dst)
	s.reclaimOutput()
	return au, err
}

// dequeueCapture takes one finished bitstream buffer, copies it out and
// gives the buffer back to the driver before returning.
func (s *EncodeSession) dequeueCapture(dst []byte) (EncodedAccessUnit, error) {
	buf, err := s.dev.DequeueBuffer(v4l2BufTypeCaptureMplane, v4l2MemoryMMAP, 1)
	if err != nil {
		return EncodedAccessUnit{}, transientError("dequeue CAPTURE", err)
	}
	slot, err := s.capture.markDequeued(buf.Index)
	if err != nil {
		return EncodedAccessUnit{}, transientError("dequeue CAPTURE", err)
	}

	au, copyErr := copyBitstream(s.cfg.Codec, slot, buf, dst)
	if err := s.queueCapture(slot); err != nil {
		s.log.Warn().Err(err).Msg("re-queue of bitstream buffer failed; retrying on next frame")
		return EncodedAccessUnit{}, transientError("re-queue CAPTURE", err)
	}
	if copyErr != nil {
		return EncodedAccessUnit{}, transientError(fmt.Sprintf("read CAPTURE buffer %d", slot.index), copyErr)
	}
	return au, nil
}

func copyBitstream(codec VideoCodec, slot *bufferSlot, buf dequeuedBuffer, dst []byte) (EncodedAccessUnit, error) {
	if buf.Flags&v4l2BufFlagError != 0 {
		return EncodedAccessUnit{}, errors.New("driver flagged the buffer as corrupt")
	}
	data := slot.plane(0)
	n := 0
	if len(buf.BytesUsed) > 0 {
		n = min(int(buf.BytesUsed[0]), len(data))
	}
	if n == 0 {
		return EncodedAccessUnit{}, errors.New("encoder produced no data")
	}

	au := EncodedAccessUnit{
		Keyframe:  buf.Flags&v4l2BufFlagKeyframe != 0,
		Timestamp: buf.Timestamp,
		Sequence:  buf.Sequence,
	}
	if dst != nil {
		if len(dst) < n {
			return EncodedAccessUnit{}, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, n, len(dst))
		}
		au.Data = dst[:n]
	} else {
		au.Data = make([]byte, n)
	}
	copy(au.Data, data[:n])
	if !au.Keyframe {
		// Not every driver sets the keyframe flag on CAPTURE buffers.
		au.Keyframe = containsKeyframeNAL(codec, au.Data)
	}
	return au, nil
}

// nextOutputSlot picks the next OUTPUT buffer round-robin, skipping any the
// driver still owns. When all are owned it reclaims finished ones once and
// otherwise reports ErrOutputBusy.
func (s *EncodeSession) nextOutputSlot() (*bufferSlot, error) {
	n := len(s.output.slots)
	for attempt := range 2 {
		for i := range n {
			idx := (s.nextOutput + i) % n
			if !s.output.slots[idx].queued {
				s.nextOutput = (idx + 1) % n
				return &s.output.slots[idx], nil
			}
		}
		if attempt == 0 {
			s.reclaimOutput()
		}
	}
	return nil, ErrOutputBusy
}

// reclaimOutput dequeues OUTPUT buffers the driver has finished reading.
// It never blocks; an empty queue is not an error.
func (s *EncodeSession) reclaimOutput() {
	for range s.output.slots {
		if s.output.inFlight() == 0 {
			return
		}
		buf, err := s.dev.DequeueBuffer(v4l2BufTypeOutputMplane, s.backend.memory(), s.layout.numPlanes)
		if err != nil {
			if !errors.Is(err, errWouldBlock) {
				s.log.Debug().Err(err).Msg("reclaim OUTPUT buffer")
			}
			return
		}
		if _, err := s.output.markDequeued(buf.Index); err != nil {
			s.log.Debug().Err(err).Msg("reclaim OUTPUT buffer")
		}
	}
}

// requeueIdleCapture returns to the driver any bitstream buffer whose
// earlier re-queue failed.
func (s *EncodeSession) requeueIdleCapture() {
	for i := range s.capture.slots {
		slot := &s.capture.slots[i]
		if slot.queued {
			continue
		}
		if err := s.queueCapture(slot); err != nil {
			s.log.Debug().Err(err).Msg("re-queue of bitstream buffer failed again")
		}
	}
}
