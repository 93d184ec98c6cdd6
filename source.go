package hwmedia

import (
	"context"
	"io"
)

// SourceConfig describes a video source's output.
type SourceConfig struct {
	Width  int         // Frame width in pixels
	Height int         // Frame height in pixels
	FPS    int         // Frames per second
	Format PixelFormat // Pixel format
}

// VideoFrameCallback is called when a frame is available (push mode).
type VideoFrameCallback func(frame *VideoFrame)

// VideoSource produces raw video frames.
type VideoSource interface {
	io.Closer

	// Start begins capture/generation.
	Start(ctx context.Context) error

	// Stop halts capture/generation.
	Stop() error

	// ReadFrame reads the next frame (blocking).
	// The returned frame is valid until the next ReadFrame call or Close.
	ReadFrame(ctx context.Context) (*VideoFrame, error)

	// SetCallback sets push-mode callback for frame delivery.
	// When set, frames are pushed to the callback instead of being buffered.
	SetCallback(cb VideoFrameCallback)

	// Config returns the source configuration.
	Config() SourceConfig
}
