package hwmedia

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

const (
	defaultBufferCount = 4
	defaultPollTimeout = 2 * time.Second
	warmupPollTimeout  = 500 * time.Millisecond
)

// SessionState is the lifecycle state of an EncodeSession.
type SessionState int

const (
	SessionClosed SessionState = iota
	SessionConfigured
	SessionStreaming
)

func (s SessionState) String() string {
	switch s {
	case SessionClosed:
		return "closed"
	case SessionConfigured:
		return "configured"
	case SessionStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// SessionConfig configures an EncodeSession.
type SessionConfig struct {
	Codec            VideoCodec
	Width            int
	Height           int
	Framerate        int
	BitrateBps       int
	MaxBitrateBps    int
	KeyframeInterval int // GOP length sent to the driver (0 = driver default)
	RateControl      RateControlMode
	H264Profile      H264Profile

	Memory         MemoryMode
	DevicePath     string        // empty means discover
	OutputBuffers  int           // requested OUTPUT buffers (default 4)
	CaptureBuffers int           // requested CAPTURE buffers (default 4)
	PollTimeout    time.Duration // wait for an encoded buffer (default 2s)
	WarmupFrames   int           // black frames fed after stream-on, mapped memory only

	Logger *zerolog.Logger
}

func (c *SessionConfig) setDefaults() {
	if c.OutputBuffers <= 0 {
		c.OutputBuffers = defaultBufferCount
	}
	if c.CaptureBuffers <= 0 {
		c.CaptureBuffers = defaultBufferCount
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultPollTimeout
	}
}

func (c *SessionConfig) validate() error {
	if c.Codec.pixelFormat() == 0 {
		return fmt.Errorf("%w: %s", ErrCodecNotSupported, c.Codec)
	}
	if err := validateGeometry(c.Width, c.Height); err != nil {
		return err
	}
	if c.Framerate < 0 || c.BitrateBps < 0 || c.MaxBitrateBps < 0 || c.KeyframeInterval < 0 {
		return fmt.Errorf("%w: negative rate parameter", ErrInvalidConfig)
	}
	return nil
}

// EncodeSession drives one V4L2 memory-to-memory encoder.
//
// A session moves Closed -> Configured -> Streaming and back to Closed on
// Destroy or on any setup failure. It is not safe for concurrent use;
// callers that need concurrency run it on a dedicated goroutine (see
// VideoEncodePipeline).
type EncodeSession struct {
	cfg SessionConfig
	log zerolog.Logger
	id  string

	state      SessionState
	dev        m2mDevice
	devicePath string
	card       string

	layout      planeLayout
	captureSize uint32
	backend     outputBackend
	output      *bufferSet
	capture     *bufferSet

	outputStreaming  bool
	captureStreaming bool
	nextOutput       int
	firstFrame       bool
}

// NewEncodeSession returns a Closed session.
func NewEncodeSession(cfg SessionConfig) *EncodeSession {
	cfg.setDefaults()
	id := uuid.NewString()
	return &EncodeSession{
		cfg:     cfg,
		id:      id,
		backend: newOutputBackend(cfg.Memory),
		log: loggerOrNop(cfg.Logger).With().
			Str("component", "v4l2m2m").
			Str("session", id).
			Stringer("codec", cfg.Codec).
			Logger(),
	}
}

// ID returns the session identifier used in logs.
func (s *EncodeSession) ID() string { return s.id }

// State returns the lifecycle state.
func (s *EncodeSession) State() SessionState { return s.state }

// IsInitialized reports whether the session is streaming.
func (s *EncodeSession) IsInitialized() bool { return s.state == SessionStreaming }

// DevicePath returns the node the session opened, or "".
func (s *EncodeSession) DevicePath() string { return s.devicePath }

// Config returns the current configuration, including rate updates.
func (s *EncodeSession) Config() SessionConfig { return s.cfg }

// MaxEncodedSize returns the size of the largest CAPTURE buffer.
func (s *EncodeSession) MaxEncodedSize() int {
	if n := s.capture.maxPlaneLength(); n > 0 {
		return n
	}
	return int(s.captureSize)
}

// Open discovers (unless DevicePath is set) and opens the encoder, sets
// formats and controls and allocates both buffer pools. On failure the
// session is Closed with every partial resource released.
func (s *EncodeSession) Open() error {
	if s.state != SessionClosed {
		return fmt.Errorf("%w: open while %s", ErrInvalidState, s.state)
	}
	if err := s.cfg.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrSetupFailure, err)
	}

	path := s.cfg.DevicePath
	if path == "" {
		found, err := findEncoderDevice(deviceDir, s.cfg.Codec, openDevice, s.log)
		if err != nil {
			return err
		}
		path = found
	}

	dev, err := openDevice(path)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnavailable):
			return err
		case errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		default:
			return fmt.Errorf("%w: %w", ErrSetupFailure, err)
		}
	}
	s.dev = dev
	s.devicePath = path

	if err := s.configure(); err != nil {
		s.Destroy()
		return fmt.Errorf("%w: %s: %w", ErrSetupFailure, path, err)
	}

	s.state = SessionConfigured
	s.log.Info().
		Str("device", path).
		Str("card", s.card).
		Int("width", s.cfg.Width).
		Int("height", s.cfg.Height).
		Int("output_buffers", len(s.output.slots)).
		Int("capture_buffers", len(s.capture.slots)).
		Stringer("memory", s.cfg.Memory).
		Msg("encoder configured")
	return nil
}

func (s *EncodeSession) configure() error {
	caps, err := s.dev.QueryCapability()
	if err != nil {
		return fmt.Errorf("query capabilities: %w", err)
	}
	if !caps.isM2MStreaming() {
		return fmt.Errorf("%s is not a streaming M2M device (caps 0x%08x)", caps.Card, caps.effective())
	}
	s.card = caps.Card

	s.layout, err = negotiateOutputFormat(s.dev, s.cfg.Width, s.cfg.Height)
	if err != nil {
		return err
	}
	s.captureSize, err = negotiateCaptureFormat(s.dev, s.cfg.Codec, s.cfg.Width, s.cfg.Height)
	if err != nil {
		return err
	}
	if err := s.applyInitialControls(); err != nil {
		return err
	}

	s.output, err = allocateBufferSet(s.dev, v4l2BufTypeOutputMplane, s.backend.memory(), s.layout.numPlanes, s.cfg.OutputBuffers)
	if err != nil {
		return err
	}
	s.capture, err = allocateBufferSet(s.dev, v4l2BufTypeCaptureMplane, v4l2MemoryMMAP, 1, s.cfg.CaptureBuffers)
	if err != nil {
		return err
	}
	for i := range s.capture.slots {
		if err := s.queueCapture(&s.capture.slots[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *EncodeSession) applyInitialControls() error {
	if s.cfg.Framerate > 0 && applyFrameInterval(s.dev, s.log, s.cfg.Framerate) == ControlFatal {
		return fmt.Errorf("set frame interval: %w", errDeviceGone)
	}
	for _, c := range encoderControls(s.cfg) {
		outcome := applyControl(s.dev, s.log, c.name, c.id, c.value)
		if outcome == ControlRejected && c.id == v4l2CIDH264Profile && c.value == v4l2H264ProfileConstrainedBaseline {
			outcome = applyControl(s.dev, s.log, c.name, c.id, v4l2H264ProfileBaseline)
		}
		if outcome == ControlFatal {
			return fmt.Errorf("set %s: %w", c.name, errDeviceGone)
		}
	}
	return nil
}

// queueCapture hands an empty bitstream buffer to the driver.
func (s *EncodeSession) queueCapture(slot *bufferSlot) error {
	if slot.queued {
		return fmt.Errorf("CAPTURE buffer %d already queued", slot.index)
	}
	err := s.dev.QueueBuffer(queueRequest{
		BufType: v4l2BufTypeCaptureMplane,
		Memory:  v4l2MemoryMMAP,
		Index:   slot.index,
		Planes:  []bufferPlane{{Length: slot.planes[0].Length}},
	})
	if err != nil {
		return fmt.Errorf("queue CAPTURE buffer %d: %w", slot.index, err)
	}
	slot.queued = true
	return nil
}

// StartStreaming turns on the OUTPUT and then the CAPTURE queue. If the
// second fails the first is turned off again and the session is destroyed.
func (s *EncodeSession) StartStreaming() error {
	if s.state != SessionConfigured {
		return fmt.Errorf("%w: start streaming while %s", ErrInvalidState, s.state)
	}

	if err := s.dev.StreamOn(v4l2BufTypeOutputMplane); err != nil {
		s.Destroy()
		return fmt.Errorf("%w: stream on OUTPUT: %w", ErrSetupFailure, err)
	}
	s.outputStreaming = true

	if err := s.dev.StreamOn(v4l2BufTypeCaptureMplane); err != nil {
		if offErr := s.dev.StreamOff(v4l2BufTypeOutputMplane); offErr != nil {
			s.log.Debug().Err(offErr).Msg("rollback of OUTPUT stream failed")
		}
		s.outputStreaming = false
		s.Destroy()
		return fmt.Errorf("%w: stream on CAPTURE: %w", ErrSetupFailure, err)
	}
	s.captureStreaming = true

	s.state = SessionStreaming
	s.nextOutput = 0
	s.firstFrame = true
	s.log.Debug().Msg("streaming")

	s.warmUp()
	return nil
}

// Initialize brings a session up at the given geometry and rates. An
// already open session is torn down first. It reports success; the
// failure cause is logged.
func (s *EncodeSession) Initialize(width, height, framerate, bitrateBps int) bool {
	if s.state != SessionClosed {
		s.Destroy()
	}
	s.cfg.Width = width
	s.cfg.Height = height
	if framerate > 0 {
		s.cfg.Framerate = framerate
	}
	if bitrateBps > 0 {
		s.cfg.BitrateBps = bitrateBps
	}

	if err := s.Open(); err != nil {
		s.log.Warn().Err(err).Msg("encoder initialization failed")
		return false
	}
	if err := s.StartStreaming(); err != nil {
		s.log.Warn().Err(err).Msg("encoder initialization failed")
		return false
	}
	return true
}

// warmUp feeds black frames through a freshly started pipeline and
// discards the output. Some encoders emit nothing for their first frames.
func (s *EncodeSession) warmUp() {
	n := min(s.cfg.WarmupFrames, len(s.output.slots))
	if n <= 0 || s.backend.memory() != v4l2MemoryMMAP {
		return
	}

	pic := blackPicture(s.cfg.Width, s.cfg.Height)
	timeout := s.cfg.PollTimeout
	s.cfg.PollTimeout = min(timeout, warmupPollTimeout)
	defer func() { s.cfg.PollTimeout = timeout }()

	produced := 0
	for range n {
		if _, err := s.encode(&pic, false, nil); err != nil {
			s.log.Debug().Err(err).Msg("warm-up frame produced no output")
			continue
		}
		produced++
	}
	s.firstFrame = true
	s.log.Debug().Int("frames", n).Int("produced", produced).Msg("encoder pipeline primed")
}

// Destroy stops streaming, unmaps and frees every buffer and closes the
// device. Each step runs even if an earlier one failed. Calling Destroy
// on a closed session does nothing.
func (s *EncodeSession) Destroy() {
	if s.dev == nil {
		s.state = SessionClosed
		return
	}

	var result *multierror.Error
	if s.captureStreaming {
		if err := s.dev.StreamOff(v4l2BufTypeCaptureMplane); err != nil {
			result = multierror.Append(result, fmt.Errorf("stream off CAPTURE: %w", err))
		}
		s.captureStreaming = false
	}
	if s.outputStreaming {
		if err := s.dev.StreamOff(v4l2BufTypeOutputMplane); err != nil {
			result = multierror.Append(result, fmt.Errorf("stream off OUTPUT: %w", err))
		}
		s.outputStreaming = false
	}

	result = multierror.Append(result, s.output.unmap(s.dev)...)
	result = multierror.Append(result, s.capture.unmap(s.dev)...)
	if err := s.output.free(s.dev); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.capture.free(s.dev); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.dev.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close %s: %w", s.devicePath, err))
	}

	s.dev = nil
	s.output = nil
	s.capture = nil
	s.state = SessionClosed
	s.nextOutput = 0

	if err := result.ErrorOrNil(); err != nil {
		s.log.Debug().Err(err).Msg("teardown finished with errors")
	}
	s.log.Debug().Str("device", s.devicePath).Msg("session destroyed")
}
