package hwmedia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// ErrPipelineStopped is returned when submitting to a pipeline that is not running.
var ErrPipelineStopped = errors.New("pipeline not running")

// PipelineState represents the state of a media pipeline.
type PipelineState int

const (
	PipelineStateIdle    PipelineState = iota // Not started
	PipelineStateRunning                      // Processing media
	PipelineStateStopped                      // Stopped
)

func (s PipelineState) String() string {
	switch s {
	case PipelineStateIdle:
		return "idle"
	case PipelineStateRunning:
		return "running"
	case PipelineStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// VideoEncodePipeline runs an encoder on its own goroutine:
// VideoSource or Submit -> VideoEncoder -> FrameSink.
// The encoder is only touched from that goroutine.
type VideoEncodePipeline struct {
	source  VideoSource  // Optional pull source
	encoder VideoEncoder // Encoder
	sink    FrameSink    // Output
	frames  chan *VideoFrame
	pool    framePool
	log     zerolog.Logger

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats   VideoPipelineStats
	statsMu sync.Mutex

	pending           atomic.Int64 // Frames queued or being encoded
	keyframeRequested atomic.Bool
	onError           func(error)
}

// VideoPipelineStats provides pipeline statistics.
type VideoPipelineStats struct {
	FramesCaptured uint64
	FramesEncoded  uint64
	FramesDropped  uint64
	BytesSent      uint64
	KeyframesSent  uint64
	EncodeTimeUs   uint64
	Errors         uint64
}

// VideoPipelineConfig configures a video encode pipeline.
type VideoPipelineConfig struct {
	Source    VideoSource  // Optional raw frame source, read until Stop
	Encoder   VideoEncoder // Encoder
	Sink      FrameSink    // Receives every encoded frame
	QueueSize int          // Frames waiting for the encoder (default 2)
	OnError   func(error)  // Error callback, called on the pipeline goroutine
	Logger    *zerolog.Logger
}

// NewVideoEncodePipeline creates a new video encoding pipeline.
func NewVideoEncodePipeline(config VideoPipelineConfig) (*VideoEncodePipeline, error) {
	if config.Encoder == nil {
		return nil, errors.New("encoder is required")
	}
	if config.Sink == nil {
		return nil, errors.New("sink is required")
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 2
	}

	p := &VideoEncodePipeline{
		source:  config.Source,
		encoder: config.Encoder,
		sink:    config.Sink,
		frames:  make(chan *VideoFrame, config.QueueSize),
		onError: config.OnError,
		log: loggerOrNop(config.Logger).With().
			Str("component", "pipeline").
			Stringer("codec", config.Encoder.Codec()).
			Logger(),
	}
	p.state.Store(int32(PipelineStateIdle))

	return p, nil
}

// Start starts the pipeline. It stops when ctx is cancelled or Stop is called.
func (p *VideoEncodePipeline) Start(ctx context.Context) error {
	if PipelineState(p.state.Load()) == PipelineStateRunning {
		return errors.New("pipeline already running")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	if p.source != nil {
		if err := p.source.Start(p.ctx); err != nil {
			p.cancel()
			return fmt.Errorf("failed to start source: %w", err)
		}
		p.wg.Add(1)
		go p.readLoop()
	}

	p.state.Store(int32(PipelineStateRunning))
	p.wg.Add(1)
	go p.processLoop()

	p.log.Debug().Msg("pipeline started")
	return nil
}

// Stop stops the pipeline and waits for its goroutines to exit. Frames
// still queued are dropped.
func (p *VideoEncodePipeline) Stop() error {
	if PipelineState(p.state.Load()) != PipelineStateRunning {
		return nil
	}

	p.state.Store(int32(PipelineStateStopped))
	p.cancel()
	if p.source != nil {
		p.source.Stop()
	}
	p.wg.Wait()

	p.log.Debug().Msg("pipeline stopped")
	return nil
}

// Close stops the pipeline and closes the source and the encoder.
func (p *VideoEncodePipeline) Close() error {
	p.Stop()

	var result *multierror.Error
	if p.source != nil {
		if err := p.source.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close source: %w", err))
		}
	}
	if err := p.encoder.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close encoder: %w", err))
	}
	return result.ErrorOrNil()
}

// Submit queues a copy of frame for encoding. It reports false when the
// frame was dropped because the encoder is behind or the pipeline stopped.
func (p *VideoEncodePipeline) Submit(frame *VideoFrame) bool {
	if PipelineState(p.state.Load()) != PipelineStateRunning {
		return false
	}

	p.statsMu.Lock()
	p.stats.FramesCaptured++
	p.statsMu.Unlock()

	p.pending.Add(1)
	cp := p.pool.copyOf(frame)
	select {
	case p.frames <- cp:
		return true
	default:
		p.pool.put(cp)
		p.pending.Add(-1)
		p.statsMu.Lock()
		p.stats.FramesDropped++
		p.statsMu.Unlock()
		return false
	}
}

// SubmitWait queues a copy of frame, waiting for room in the queue.
func (p *VideoEncodePipeline) SubmitWait(ctx context.Context, frame *VideoFrame) error {
	if PipelineState(p.state.Load()) != PipelineStateRunning {
		return ErrPipelineStopped
	}

	p.statsMu.Lock()
	p.stats.FramesCaptured++
	p.statsMu.Unlock()

	p.pending.Add(1)
	cp := p.pool.copyOf(frame)
	select {
	case p.frames <- cp:
		return nil
	case <-ctx.Done():
		p.pool.put(cp)
		p.pending.Add(-1)
		return ctx.Err()
	case <-p.ctx.Done():
		p.pool.put(cp)
		p.pending.Add(-1)
		return ErrPipelineStopped
	}
}

// Drain waits until every queued frame has been encoded and delivered.
func (p *VideoEncodePipeline) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for p.pending.Load() > 0 {
		if PipelineState(p.state.Load()) != PipelineStateRunning {
			return ErrPipelineStopped
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// RequestKeyframe requests a keyframe from the encoder.
func (p *VideoEncodePipeline) RequestKeyframe() {
	p.keyframeRequested.Store(true)
}

// State returns the current pipeline state.
func (p *VideoEncodePipeline) State() PipelineState {
	return PipelineState(p.state.Load())
}

// Stats returns pipeline statistics.
func (p *VideoEncodePipeline) Stats() VideoPipelineStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func (p *VideoEncodePipeline) readLoop() {
	defer p.wg.Done()

	for {
		frame, err := p.source.ReadFrame(p.ctx)
		if err != nil {
			if p.ctx.Err() == nil {
				p.handleError(fmt.Errorf("read frame: %w", err))
			}
			return
		}
		if frame != nil {
			p.Submit(frame)
		}
	}
}

func (p *VideoEncodePipeline) processLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case frame := <-p.frames:
			p.encodeFrame(frame)
			p.pool.put(frame)
			p.pending.Add(-1)
		}
	}
}

func (p *VideoEncodePipeline) encodeFrame(frame *VideoFrame) {
	if p.keyframeRequested.Swap(false) {
		p.encoder.RequestKeyframe()
	}

	encodeStart := time.Now()
	encoded, err := p.encoder.Encode(frame)
	encodeTime := time.Since(encodeStart)

	if err != nil {
		p.statsMu.Lock()
		p.stats.FramesDropped++
		p.statsMu.Unlock()
		p.handleError(err)
		return
	}
	if encoded == nil {
		return
	}

	p.statsMu.Lock()
	p.stats.FramesEncoded++
	p.stats.EncodeTimeUs += uint64(encodeTime.Microseconds())
	if encoded.IsKeyframe() {
		p.stats.KeyframesSent++
	}
	p.statsMu.Unlock()

	if err := p.sink.WriteFrame(encoded); err != nil {
		p.handleError(fmt.Errorf("sink: %w", err))
		return
	}

	p.statsMu.Lock()
	p.stats.BytesSent += uint64(len(encoded.Data))
	p.statsMu.Unlock()
}

func (p *VideoEncodePipeline) handleError(err error) {
	p.statsMu.Lock()
	p.stats.Errors++
	p.statsMu.Unlock()

	if errors.Is(err, ErrTransientEncode) {
		p.log.Debug().Err(err).Msg("frame dropped")
	} else {
		p.log.Warn().Err(err).Msg("pipeline error")
	}
	if p.onError != nil {
		p.onError(err)
	}
}
