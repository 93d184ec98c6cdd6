// Core frame types used across the hwmedia package.
package hwmedia

// PixelFormat represents raw video pixel formats accepted by the encoders.
type PixelFormat int

const (
	PixelFormatI420 PixelFormat = iota // YUV 4:2:0 planar (Y + U + V)
	PixelFormatNV12                    // YUV 4:2:0 semi-planar (Y + interleaved UV)
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatNV12:
		return "NV12"
	default:
		return "Unknown"
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420:
		return 3 // Y, U, V
	case PixelFormatNV12:
		return 2 // Y, UV
	default:
		return 0
	}
}

// VideoFrame represents a raw video frame.
// The Data slices may point to external memory (e.g., a mapped capture buffer).
// Callers must ensure the data remains valid for the lifetime of the frame.
type VideoFrame struct {
	Data      [][]byte    // Plane data (2 or 3 planes depending on format)
	Stride    []int       // Stride for each plane in bytes
	Width     int         // Frame width in pixels
	Height    int         // Frame height in pixels
	Format    PixelFormat // Pixel format
	Timestamp int64       // Capture timestamp in nanoseconds
	Duration  int64       // Frame duration in nanoseconds (optional)
}

// Clone creates a deep copy of the video frame.
// Use this when you need to keep the frame data beyond its original lifetime.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := &VideoFrame{
		Data:      make([][]byte, len(f.Data)),
		Stride:    make([]int, len(f.Stride)),
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		Timestamp: f.Timestamp,
		Duration:  f.Duration,
	}
	copy(clone.Stride, f.Stride)
	for i, plane := range f.Data {
		if plane != nil {
			clone.Data[i] = make([]byte, len(plane))
			copy(clone.Data[i], plane)
		}
	}
	return clone
}

// chromaHeight is the number of chroma rows of a 4:2:0 frame.
func chromaHeight(height int) int {
	return (height + 1) / 2
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	cw := (width + 1) / 2
	return width*height + 2*cw*chromaHeight(height)
}

// NV12Size returns the total buffer size needed for a tightly packed NV12 frame.
func NV12Size(width, height int) int {
	return width*height + ((width+1)&^1)*chromaHeight(height)
}

// FrameType indicates whether a frame is a keyframe or delta frame.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeKey               // IDR, can be decoded independently
	FrameTypeDelta             // P-frame, requires previous frames
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeKey:
		return "Key"
	case FrameTypeDelta:
		return "Delta"
	default:
		return "Unknown"
	}
}

// EncodedFrame holds one encoded access unit in Annex-B form.
// The Data slice is owned by the caller.
type EncodedFrame struct {
	Data      []byte    // Encoded bitstream data
	FrameType FrameType // Key or delta frame
	Timestamp uint32    // RTP timestamp (90kHz clock for video)
	Duration  uint32    // Duration in RTP timestamp units
	Sequence  uint32    // Driver sequence number of the CAPTURE buffer
}

// IsKeyframe returns true if this is a keyframe.
func (f *EncodedFrame) IsKeyframe() bool {
	return f.FrameType == FrameTypeKey
}

// Clone creates a deep copy of the encoded frame.
func (f *EncodedFrame) Clone() *EncodedFrame {
	clone := &EncodedFrame{
		FrameType: f.FrameType,
		Timestamp: f.Timestamp,
		Duration:  f.Duration,
		Sequence:  f.Sequence,
	}
	if f.Data != nil {
		clone.Data = make([]byte, len(f.Data))
		copy(clone.Data, f.Data)
	}
	return clone
}
