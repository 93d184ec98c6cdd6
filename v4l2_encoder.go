package hwmedia

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// V4L2Encoder implements VideoEncoder on a kernel memory-to-memory encoder.
type V4L2Encoder struct {
	config  VideoEncoderConfig
	session *EncodeSession

	keyframeReq atomic.Bool
	frameCount  uint64

	stats   EncoderStats
	statsMu sync.Mutex
	mu      sync.Mutex
}

// NewV4L2Encoder opens and starts a hardware encoder. When KeyframeInterval
// is unset it defaults to five seconds of frames.
func NewV4L2Encoder(config VideoEncoderConfig) (*V4L2Encoder, error) {
	if config.Codec.pixelFormat() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCodecNotSupported, config.Codec)
	}
	if config.FPS <= 0 {
		config.FPS = 30
	}
	if config.KeyframeInterval <= 0 {
		config.KeyframeInterval = config.FPS * 5
	}
	config.Provider = ProviderV4L2M2M

	memory := MemoryMapped
	if config.ZeroCopy {
		memory = MemoryDMABuf
	}

	session := NewEncodeSession(SessionConfig{
		Codec:            config.Codec,
		Width:            config.Width,
		Height:           config.Height,
		Framerate:        config.FPS,
		BitrateBps:       config.BitrateBps,
		MaxBitrateBps:    config.MaxBitrateBps,
		KeyframeInterval: config.KeyframeInterval,
		RateControl:      config.RateControlMode,
		H264Profile:      config.H264Profile,
		Memory:           memory,
		DevicePath:       config.DevicePath,
		WarmupFrames:     config.WarmupFrames,
		Logger:           config.Logger,
	})
	if err := session.Open(); err != nil {
		return nil, err
	}
	if err := session.StartStreaming(); err != nil {
		return nil, err
	}

	return &V4L2Encoder{config: config, session: session}, nil
}

// Encode implements VideoEncoder. NV12 and I420 frames are accepted.
func (e *V4L2Encoder) Encode(frame *VideoFrame) (*EncodedFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkFrame(frame); err != nil {
		return nil, err
	}
	pic := pictureFromFrame(frame)
	out, _, err := e.encodeLocked(&pic, nil)
	return out, err
}

// EncodeInto implements VideoEncoder. Zero-allocation encode into provided buffer.
func (e *V4L2Encoder) EncodeInto(frame *VideoFrame, buf []byte) (EncodeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(buf) < e.session.MaxEncodedSize() {
		return EncodeResult{}, ErrBufferTooSmall
	}
	if err := e.checkFrame(frame); err != nil {
		return EncodeResult{}, err
	}

	pic := pictureFromFrame(frame)
	out, pts, err := e.encodeLocked(&pic, buf)
	if err != nil {
		return EncodeResult{}, err
	}
	return EncodeResult{
		N:         len(out.Data),
		FrameType: out.FrameType,
		PTS:       pts,
	}, nil
}

// EncodeDMABuf encodes an imported picture. The encoder must have been
// created with ZeroCopy. timestampNs is the capture time in nanoseconds.
func (e *V4L2Encoder) EncodeDMABuf(planes []DMABufPlane, timestampNs int64) (*EncodedFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.config.ZeroCopy {
		return nil, fmt.Errorf("%w: encoder was not created with ZeroCopy", ErrInvalidConfig)
	}
	pic := Picture{Format: PixelFormatNV12, DMABuf: planes, Timestamp: time.Duration(timestampNs)}
	out, _, err := e.encodeLocked(&pic, nil)
	return out, err
}

func (e *V4L2Encoder) checkFrame(frame *VideoFrame) error {
	if frame == nil {
		return fmt.Errorf("%w: nil frame", errInvalidPicture)
	}
	if frame.Width != e.config.Width || frame.Height != e.config.Height {
		return fmt.Errorf("%w: frame is %dx%d, encoder is %dx%d",
			errInvalidPicture, frame.Width, frame.Height, e.config.Width, e.config.Height)
	}
	return nil
}

// encodeLocked returns the access unit the driver produced and its
// presentation time in nanoseconds. Both come from the dequeued CAPTURE
// buffer, which after a timeout belongs to an earlier picture.
func (e *V4L2Encoder) encodeLocked(pic *Picture, dst []byte) (*EncodedFrame, int64, error) {
	start := time.Now()
	force := e.keyframeReq.Swap(false)

	au, err := e.session.encode(pic, force, dst)
	if err != nil {
		if force {
			e.keyframeReq.Store(true)
		}
		e.statsMu.Lock()
		e.stats.FailedFrames++
		e.statsMu.Unlock()
		return nil, 0, err
	}

	ft := FrameTypeDelta
	if au.Keyframe {
		ft = FrameTypeKey
	}

	duration := uint32(videoClockRate / e.config.FPS)
	pts := int64(au.Timestamp)
	timestamp := uint32(pts * 9 / 100000)
	if pts <= 0 {
		pts = int64(e.frameCount) * int64(time.Second) / int64(e.config.FPS)
		timestamp = uint32(e.frameCount) * duration
	}
	e.frameCount++

	e.statsMu.Lock()
	e.stats.FramesEncoded++
	if ft == FrameTypeKey {
		e.stats.KeyframesEncoded++
	}
	e.stats.BytesEncoded += uint64(len(au.Data))
	e.stats.EncodingTimeUs += uint64(time.Since(start).Microseconds())
	e.stats.AverageBitrateBps = int(e.stats.BytesEncoded * 8 * uint64(e.config.FPS) / e.stats.FramesEncoded)
	if e.stats.EncodingTimeUs > 0 {
		e.stats.AverageFPS = float64(e.stats.FramesEncoded) * 1e6 / float64(e.stats.EncodingTimeUs)
	}
	e.statsMu.Unlock()

	return &EncodedFrame{
		Data:      au.Data,
		FrameType: ft,
		Timestamp: timestamp,
		Duration:  duration,
		Sequence:  au.Sequence,
	}, pts, nil
}

// MaxEncodedSize implements VideoEncoder.
func (e *V4L2Encoder) MaxEncodedSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.MaxEncodedSize()
}

// RequestKeyframe implements VideoEncoder.
func (e *V4L2Encoder) RequestKeyframe() {
	e.keyframeReq.Store(true)
}

// SetBitrate implements VideoEncoder.
func (e *V4L2Encoder) SetBitrate(bitrateBps int) error {
	return e.SetRates(0, bitrateBps)
}

// SetRates implements VideoEncoder. Zero leaves a value unchanged.
func (e *V4L2Encoder) SetRates(fps, bitrateBps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.session.IsInitialized() {
		return ErrNotInitialized
	}
	if fps < 0 || bitrateBps < 0 {
		return fmt.Errorf("%w: negative rate", ErrInvalidConfig)
	}

	e.session.UpdateRates(fps, bitrateBps)
	if fps > 0 {
		e.config.FPS = fps
	}
	if bitrateBps > 0 {
		e.config.BitrateBps = bitrateBps
	}
	return nil
}

// SetKeyframeInterval changes the distance between IDR frames.
func (e *V4L2Encoder) SetKeyframeInterval(frames int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.session.IsInitialized() {
		return ErrNotInitialized
	}
	e.session.UpdateKeyframeInterval(frames)
	e.config.KeyframeInterval = frames
	return nil
}

// SetResolution implements VideoEncoder by restarting the session.
func (e *V4L2Encoder) SetResolution(width, height int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := validateGeometry(width, height); err != nil {
		return err
	}
	if !e.session.Initialize(width, height, e.config.FPS, e.config.BitrateBps) {
		return fmt.Errorf("%w: restart at %dx%d", ErrSetupFailure, width, height)
	}
	e.config.Width = width
	e.config.Height = height
	return nil
}

// Provider implements VideoEncoder.
func (e *V4L2Encoder) Provider() Provider {
	return ProviderV4L2M2M
}

// Config implements VideoEncoder.
func (e *V4L2Encoder) Config() VideoEncoderConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// Codec implements VideoEncoder.
func (e *V4L2Encoder) Codec() VideoCodec {
	return e.config.Codec
}

// DevicePath returns the encoder node in use.
func (e *V4L2Encoder) DevicePath() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.DevicePath()
}

// Stats implements VideoEncoder.
func (e *V4L2Encoder) Stats() EncoderStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Flush implements VideoEncoder. Every Encode call already returns the
// access unit of its picture, so nothing is buffered.
func (e *V4L2Encoder) Flush() ([]*EncodedFrame, error) {
	return nil, nil
}

// Close implements VideoEncoder.
func (e *V4L2Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.session.Destroy()
	return nil
}

func init() {
	factory := func(config VideoEncoderConfig) (VideoEncoder, error) {
		return NewV4L2Encoder(config)
	}
	registerVideoEncoder(VideoCodecH264, ProviderV4L2M2M, factory)
	registerVideoEncoder(VideoCodecH265, ProviderV4L2M2M, factory)
}
