package hwmedia

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Common errors
var (
	ErrBufferTooSmall    = errors.New("buffer too small")
	ErrProviderNotFound  = errors.New("provider not available")
	ErrCodecNotSupported = errors.New("codec not supported by provider")
	ErrInvalidConfig     = errors.New("invalid encoder configuration")

	// ErrUnavailable reports that no usable encoder device exists.
	ErrUnavailable = errors.New("hardware encoder unavailable")

	// ErrSetupFailure reports that bringing a session up failed. The
	// session is back in the closed state with every resource released.
	ErrSetupFailure = errors.New("encoder setup failed")

	// ErrTransientEncode reports a per-frame failure. The session stays
	// streaming and the next frame may succeed.
	ErrTransientEncode = errors.New("transient encode failure")

	// ErrOutputBusy reports that every OUTPUT buffer is still owned by the
	// driver. It is always wrapped together with ErrTransientEncode.
	ErrOutputBusy = errors.New("all output buffers in flight")

	ErrNotInitialized = errors.New("encoder not initialized")
	ErrInvalidState   = errors.New("invalid session state")
)

// VideoEncoderConfig configures a video encoder.
type VideoEncoderConfig struct {
	Codec    VideoCodec // Codec type (H264, H265)
	Provider Provider   // Provider to use (ProviderAuto = library chooses)

	Width      int // Frame width, positive and even
	Height     int // Frame height, positive and even
	FPS        int // Target framerate
	BitrateBps int // Target bitrate in bits per second

	MaxBitrateBps    int             // Peak bitrate for VBR (0 = driver default)
	KeyframeInterval int             // Frames between IDRs (0 = FPS*5)
	RateControlMode  RateControlMode // Rate control mode
	H264Profile      H264Profile     // H.264 profile

	DevicePath   string // Encoder node; empty means discover
	ZeroCopy     bool   // Import caller DMA-BUFs instead of copying into mapped buffers
	WarmupFrames int    // Black frames fed after stream-on (0 = none)

	Logger *zerolog.Logger // nil disables logging
}

// DefaultVideoEncoderConfig returns a default encoder configuration.
func DefaultVideoEncoderConfig(codec VideoCodec, width, height int) VideoEncoderConfig {
	return VideoEncoderConfig{
		Codec:           codec,
		Provider:        ProviderAuto,
		Width:           width,
		Height:          height,
		FPS:             30,
		BitrateBps:      2_000_000,
		RateControlMode: RateControlCBR,
		H264Profile:     H264ProfileConstrainedBaseline,
	}
}

// EncoderStats provides encoding metrics.
type EncoderStats struct {
	FramesEncoded     uint64  // Total frames encoded
	KeyframesEncoded  uint64  // Total keyframes encoded
	BytesEncoded      uint64  // Total bytes of encoded data
	AverageBitrateBps int     // Average bitrate in bps
	AverageFPS        float64 // Average frames per second
	EncodingTimeUs    uint64  // Total encoding time in microseconds
	FailedFrames      uint64  // Frames lost to transient failures
}

// EncodeResult contains the result of an encode operation.
type EncodeResult struct {
	N         int       // Bytes written
	FrameType FrameType // Key or Delta
	PTS       int64     // Presentation timestamp in nanoseconds
}

// VideoEncoder encodes raw video frames to compressed bitstream.
type VideoEncoder interface {
	io.Closer

	// Encode encodes a video frame.
	// The returned EncodedFrame owns its data.
	Encode(frame *VideoFrame) (*EncodedFrame, error)

	// EncodeInto encodes directly into the provided buffer.
	// Returns ErrBufferTooSmall if buf is insufficient (use MaxEncodedSize).
	EncodeInto(frame *VideoFrame, buf []byte) (EncodeResult, error)

	// MaxEncodedSize returns the maximum possible encoded size.
	MaxEncodedSize() int

	// RequestKeyframe forces the next frame to be a keyframe.
	RequestKeyframe()

	// SetBitrate updates the target bitrate dynamically.
	SetBitrate(bitrateBps int) error

	// SetRates updates framerate and bitrate without restarting the stream.
	SetRates(fps, bitrateBps int) error

	// SetResolution restarts the encoder at a new resolution.
	SetResolution(width, height int) error

	// Provider returns which provider created this encoder.
	Provider() Provider

	// Config returns the encoder configuration.
	Config() VideoEncoderConfig

	// Codec returns the codec type.
	Codec() VideoCodec

	// Stats returns encoding statistics.
	Stats() EncoderStats

	// Flush flushes any buffered frames.
	Flush() ([]*EncodedFrame, error)
}

// --- Registry ---

type videoEncoderFactory func(VideoEncoderConfig) (VideoEncoder, error)

type encoderRegistry struct {
	mu sync.RWMutex

	// Provider-aware registry: codec -> provider -> factory
	videoProviders map[VideoCodec]map[Provider]videoEncoderFactory

	// Default provider per codec
	videoDefaults map[VideoCodec]Provider
}

var globalEncoderRegistry = &encoderRegistry{
	videoProviders: make(map[VideoCodec]map[Provider]videoEncoderFactory),
	videoDefaults:  make(map[VideoCodec]Provider),
}

// registerVideoEncoder registers a video encoder factory for a codec+provider.
// The first provider registered for a codec becomes its default.
func registerVideoEncoder(codec VideoCodec, provider Provider, factory videoEncoderFactory) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()

	if globalEncoderRegistry.videoProviders[codec] == nil {
		globalEncoderRegistry.videoProviders[codec] = make(map[Provider]videoEncoderFactory)
	}
	globalEncoderRegistry.videoProviders[codec][provider] = factory

	if _, exists := globalEncoderRegistry.videoDefaults[codec]; !exists {
		globalEncoderRegistry.videoDefaults[codec] = provider
	}
}

// SetDefaultVideoEncoderProvider sets the default provider for a video codec.
func SetDefaultVideoEncoderProvider(codec VideoCodec, provider Provider) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()
	globalEncoderRegistry.videoDefaults[codec] = provider
}

// NewVideoEncoder creates a video encoder.
func NewVideoEncoder(config VideoEncoderConfig) (VideoEncoder, error) {
	globalEncoderRegistry.mu.RLock()
	providers := globalEncoderRegistry.videoProviders[config.Codec]
	p := config.Provider
	if p == ProviderAuto {
		p = globalEncoderRegistry.videoDefaults[config.Codec]
	}
	factory, ok := providers[p]
	globalEncoderRegistry.mu.RUnlock()

	if providers == nil {
		return nil, fmt.Errorf("%w: no providers for %s", ErrCodecNotSupported, config.Codec)
	}
	if !ok || !p.Available() {
		return nil, fmt.Errorf("%w: %s for %s", ErrProviderNotFound, p, config.Codec)
	}

	return factory(config)
}

// VideoEncoderProviders returns available providers for a video codec.
func VideoEncoderProviders(codec VideoCodec) []Provider {
	globalEncoderRegistry.mu.RLock()
	defer globalEncoderRegistry.mu.RUnlock()

	providers := globalEncoderRegistry.videoProviders[codec]
	result := make([]Provider, 0, len(providers))
	for p := range providers {
		if p.Available() {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

func loggerOrNop(l *zerolog.Logger) zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return *l
}
