package hwmedia

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// PatternType defines the type of test pattern to generate.
type PatternType int

const (
	PatternColorBars    PatternType = iota // SMPTE color bars
	PatternGradient                        // Horizontal gradient
	PatternCheckerboard                    // Checkerboard pattern
	PatternSolidColor                      // Solid color
	PatternNoise                           // Random noise
	PatternMovingBox                       // Moving box (animated)
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternCheckerboard:
		return "Checkerboard"
	case PatternSolidColor:
		return "SolidColor"
	case PatternNoise:
		return "Noise"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

// ParsePatternType maps a lower-case pattern name to its PatternType.
func ParsePatternType(s string) (PatternType, error) {
	switch s {
	case "colorbars", "bars":
		return PatternColorBars, nil
	case "gradient":
		return PatternGradient, nil
	case "checkerboard":
		return PatternCheckerboard, nil
	case "solid":
		return PatternSolidColor, nil
	case "noise":
		return PatternNoise, nil
	case "movingbox", "box":
		return PatternMovingBox, nil
	default:
		return 0, fmt.Errorf("unknown pattern %q", s)
	}
}

// TestPatternConfig configures a test pattern source.
type TestPatternConfig struct {
	Width    int         // Frame width (default: 1280)
	Height   int         // Frame height (default: 720)
	FPS      int         // Frames per second (default: 30)
	Format   PixelFormat // NV12 or I420 (default: NV12)
	Pattern  PatternType // Pattern type (default: ColorBars)
	Animated bool        // Enable animation for static patterns (MovingBox/Noise always animate)

	// For SolidColor pattern
	SolidR, SolidG, SolidB uint8

	// For Checkerboard pattern
	CheckerSize int // Size of each checker square (default: 32)
}

// DefaultTestPatternConfig returns a default test pattern configuration.
func DefaultTestPatternConfig() TestPatternConfig {
	return TestPatternConfig{
		Width:       1280,
		Height:      720,
		FPS:         30,
		Format:      PixelFormatNV12,
		Pattern:     PatternColorBars,
		CheckerSize: 32,
	}
}

// TestPatternSource generates synthetic 4:2:0 frames.
type TestPatternSource struct {
	config TestPatternConfig

	// Pre-allocated planes; uPlane holds interleaved CbCr for NV12.
	yPlane  []byte
	uPlane  []byte
	vPlane  []byte
	strides []int

	// Frame timing
	frameDuration time.Duration
	frameCount    uint64
	startTime     time.Time

	// State
	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	frameCh  chan *VideoFrame
	doneCh   chan struct{}
	callback VideoFrameCallback

	// Random state for noise pattern
	rngState uint64

	mu sync.RWMutex
}

// NewTestPatternSource creates a new test pattern video source.
func NewTestPatternSource(config TestPatternConfig) *TestPatternSource {
	if config.Width <= 0 {
		config.Width = 1280
	}
	if config.Height <= 0 {
		config.Height = 720
	}
	if config.FPS <= 0 {
		config.FPS = 30
	}
	if config.CheckerSize <= 0 {
		config.CheckerSize = 32
	}
	if config.Format != PixelFormatI420 {
		config.Format = PixelFormatNV12
	}

	w, h := config.Width, config.Height
	cw, ch := (w+1)/2, chromaHeight(h)
	s := &TestPatternSource{
		config:        config,
		yPlane:        make([]byte, w*h),
		frameDuration: time.Second / time.Duration(config.FPS),
		frameCh:       make(chan *VideoFrame, 2),
		rngState:      uint64(time.Now().UnixNano()) | 1,
	}
	if config.Format == PixelFormatNV12 {
		s.uPlane = make([]byte, 2*cw*ch)
		s.strides = []int{w, 2 * cw}
	} else {
		s.uPlane = make([]byte, cw*ch)
		s.vPlane = make([]byte, cw*ch)
		s.strides = []int{w, cw, cw}
	}

	s.generatePattern(0)
	return s
}

// Start begins generating frames at the configured rate.
func (s *TestPatternSource) Start(ctx context.Context) error {
	if s.running.Load() {
		return errors.New("source already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.doneCh = make(chan struct{})
	s.running.Store(true)
	s.startTime = time.Now()
	s.frameCount = 0

	go s.generateLoop()

	return nil
}

// Stop stops generating frames and waits for the goroutine to exit.
func (s *TestPatternSource) Stop() error {
	if !s.running.Load() {
		return nil
	}

	s.running.Store(false)
	if s.cancel != nil {
		s.cancel()
	}
	if s.doneCh != nil {
		<-s.doneCh
	}
	return nil
}

// Close stops the source and closes its frame channel.
func (s *TestPatternSource) Close() error {
	s.Stop()
	s.mu.Lock()
	if s.frameCh != nil {
		close(s.frameCh)
		s.frameCh = nil
	}
	s.mu.Unlock()
	return nil
}

// ReadFrame reads the next frame (blocking). The frame shares the source's
// planes and is valid until the next frame is generated.
func (s *TestPatternSource) ReadFrame(ctx context.Context) (*VideoFrame, error) {
	s.mu.RLock()
	ch := s.frameCh
	s.mu.RUnlock()
	if ch == nil {
		return nil, errors.New("source closed")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-ch:
		if !ok {
			return nil, errors.New("source closed")
		}
		return frame, nil
	}
}

// SetCallback sets the push-mode callback.
func (s *TestPatternSource) SetCallback(cb VideoFrameCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
}

// Config returns the source configuration.
func (s *TestPatternSource) Config() SourceConfig {
	return SourceConfig{
		Width:  s.config.Width,
		Height: s.config.Height,
		FPS:    s.config.FPS,
		Format: s.config.Format,
	}
}

// NextFrame generates the next frame synchronously, without pacing.
func (s *TestPatternSource) NextFrame() *VideoFrame {
	s.frameCount++
	if s.animated() {
		s.generatePattern(s.frameCount)
	}
	return s.frame(int64(s.frameCount-1) * s.frameDuration.Nanoseconds())
}

func (s *TestPatternSource) animated() bool {
	return s.config.Animated || s.config.Pattern == PatternMovingBox || s.config.Pattern == PatternNoise
}

func (s *TestPatternSource) frame(timestamp int64) *VideoFrame {
	data := [][]byte{s.yPlane, s.uPlane}
	if s.config.Format == PixelFormatI420 {
		data = append(data, s.vPlane)
	}
	return &VideoFrame{
		Data:      data,
		Stride:    s.strides,
		Width:     s.config.Width,
		Height:    s.config.Height,
		Format:    s.config.Format,
		Timestamp: timestamp,
		Duration:  s.frameDuration.Nanoseconds(),
	}
}

func (s *TestPatternSource) generateLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.frameCount++
			if s.animated() {
				s.generatePattern(s.frameCount)
			}
			frame := s.frame(time.Since(s.startTime).Nanoseconds())

			s.mu.RLock()
			cb := s.callback
			ch := s.frameCh
			s.mu.RUnlock()

			if cb != nil {
				cb(frame)
				continue
			}
			select {
			case <-s.ctx.Done():
				return
			case ch <- frame:
			default:
				// Drop frame if channel full
			}
		}
	}
}

func (s *TestPatternSource) generatePattern(frameNum uint64) {
	switch s.config.Pattern {
	case PatternGradient:
		s.generateGradient()
	case PatternCheckerboard:
		s.generateCheckerboard()
	case PatternSolidColor:
		s.fill(rgbToYUV(s.config.SolidR, s.config.SolidG, s.config.SolidB))
	case PatternNoise:
		s.generateNoise()
	case PatternMovingBox:
		s.generateMovingBox(frameNum)
	default:
		s.generateColorBars()
	}
}

// setChroma writes the chroma sample pair at chroma coordinates (cx, cy).
func (s *TestPatternSource) setChroma(cx, cy int, u, v uint8) {
	if s.config.Format == PixelFormatNV12 {
		i := cy*s.strides[1] + 2*cx
		s.uPlane[i] = u
		s.uPlane[i+1] = v
		return
	}
	i := cy*s.strides[1] + cx
	s.uPlane[i] = u
	s.vPlane[i] = v
}

func (s *TestPatternSource) fill(y, u, v uint8) {
	for i := range s.yPlane {
		s.yPlane[i] = y
	}
	cw, ch := (s.config.Width+1)/2, chromaHeight(s.config.Height)
	for cy := range ch {
		for cx := range cw {
			s.setChroma(cx, cy, u, v)
		}
	}
}

// SMPTE color bars (simplified 8-bar pattern)
var colorBarsRGB = [][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

func (s *TestPatternSource) generateColorBars() {
	w, h := s.config.Width, s.config.Height
	barWidth := max(w/8, 1)

	for y := range h {
		for x := range w {
			barIdx := min(x/barWidth, 7)
			rgb := colorBarsRGB[barIdx]
			yVal, u, v := rgbToYUV(rgb[0], rgb[1], rgb[2])

			s.yPlane[y*w+x] = yVal
			if x%2 == 0 && y%2 == 0 {
				s.setChroma(x/2, y/2, u, v)
			}
		}
	}
}

func (s *TestPatternSource) generateGradient() {
	w, h := s.config.Width, s.config.Height
	s.fill(0, 128, 128)
	for y := range h {
		for x := range w {
			// Horizontal gradient from black to white
			s.yPlane[y*w+x] = uint8((x * 255) / w)
		}
	}
}

func (s *TestPatternSource) generateCheckerboard() {
	w, h := s.config.Width, s.config.Height
	size := s.config.CheckerSize
	s.fill(16, 128, 128)
	for y := range h {
		for x := range w {
			if ((x/size)+(y/size))%2 == 0 {
				s.yPlane[y*w+x] = 235
			}
		}
	}
}

func (s *TestPatternSource) generateNoise() {
	s.fill(0, 128, 128)
	// Simple xorshift64 PRNG for fast noise
	for i := range s.yPlane {
		s.rngState ^= s.rngState << 13
		s.rngState ^= s.rngState >> 7
		s.rngState ^= s.rngState << 17
		s.yPlane[i] = uint8(s.rngState)
	}
}

func (s *TestPatternSource) generateMovingBox(frameNum uint64) {
	w, h := s.config.Width, s.config.Height
	s.fill(16, 128, 128)

	// Box moves in a circle around the frame center.
	boxSize := min(100, w, h)
	radius := float64(min(w, h)) / 4
	angle := float64(frameNum) * 0.05
	boxX := w/2 + int(radius*math.Cos(angle)) - boxSize/2
	boxY := h/2 + int(radius*math.Sin(angle)) - boxSize/2

	for y := max(boxY, 0); y < boxY+boxSize && y < h; y++ {
		for x := max(boxX, 0); x < boxX+boxSize && x < w; x++ {
			s.yPlane[y*w+x] = 235
		}
	}
}

// blackPicture returns a black NV12 picture used to prime encoders.
func blackPicture(width, height int) Picture {
	luma := make([]byte, width*height)
	cw := (width + 1) / 2
	chroma := make([]byte, 2*cw*chromaHeight(height))
	for i := range chroma {
		chroma[i] = 128
	}
	return Picture{
		Format:  PixelFormatNV12,
		Planes:  [][]byte{luma, chroma},
		Strides: []int{width, 2 * cw},
	}
}

// rgbToYUV converts RGB to YUV (BT.601)
func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	yf := 16.0 + 65.481*float64(r)/255.0 + 128.553*float64(g)/255.0 + 24.966*float64(b)/255.0
	uf := 128.0 - 37.797*float64(r)/255.0 - 74.203*float64(g)/255.0 + 112.0*float64(b)/255.0
	vf := 128.0 + 112.0*float64(r)/255.0 - 93.786*float64(g)/255.0 - 18.214*float64(b)/255.0

	y = uint8(clamp(yf, 16, 235))
	u = uint8(clamp(uf, 16, 240))
	v = uint8(clamp(vf, 16, 240))
	return
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
