package hwmedia

import (
	"errors"
	"fmt"
	"time"
)

// MemoryMode selects how raw pictures reach the OUTPUT queue.
type MemoryMode int

const (
	// MemoryMapped copies each picture into driver-allocated mapped buffers.
	MemoryMapped MemoryMode = iota
	// MemoryDMABuf queues caller-owned DMA-BUF descriptors without copying.
	MemoryDMABuf
)

func (m MemoryMode) String() string {
	switch m {
	case MemoryMapped:
		return "mmap"
	case MemoryDMABuf:
		return "dmabuf"
	default:
		return "unknown"
	}
}

// DMABufPlane is one caller-owned plane of an imported picture. The
// descriptor is borrowed; the session never closes it.
type DMABufPlane struct {
	FD         int
	BytesUsed  uint32 // 0 means derive from the negotiated layout
	Length     uint32 // 0 lets the driver use the buffer size
	DataOffset uint32
}

// Picture is one raw frame submitted to an EncodeSession.
// Planes and Strides describe NV12 (Y, CbCr) or I420 (Y, Cb, Cr) memory
// for mapped sessions; DMABuf describes the planes for importing sessions.
type Picture struct {
	Format    PixelFormat
	Planes    [][]byte
	Strides   []int
	DMABuf    []DMABufPlane
	Timestamp time.Duration
}

// pictureFromFrame wraps a VideoFrame without copying.
func pictureFromFrame(f *VideoFrame) Picture {
	return Picture{
		Format:    f.Format,
		Planes:    f.Data,
		Strides:   f.Stride,
		Timestamp: time.Duration(f.Timestamp),
	}
}

var errInvalidPicture = errors.New("invalid picture")

// outputBackend fills an OUTPUT slot for one picture and describes the
// planes to queue.
type outputBackend interface {
	memory() uint32
	prepare(slot *bufferSlot, pic *Picture, layout planeLayout) ([]bufferPlane, error)
}

func newOutputBackend(mode MemoryMode) outputBackend {
	if mode == MemoryDMABuf {
		return importBackend{}
	}
	return mappedBackend{}
}

type mappedBackend struct{}

func (mappedBackend) memory() uint32 { return v4l2MemoryMMAP }

func (mappedBackend) prepare(slot *bufferSlot, pic *Picture, layout planeLayout) ([]bufferPlane, error) {
	if len(pic.DMABuf) > 0 {
		return nil, fmt.Errorf("%w: mapped session cannot queue DMA-BUF planes", errInvalidPicture)
	}
	if len(pic.Planes) != pic.Format.PlaneCount() || len(pic.Strides) < len(pic.Planes) {
		return nil, fmt.Errorf("%w: %s needs %d planes with strides, got %d planes and %d strides",
			errInvalidPicture, pic.Format, pic.Format.PlaneCount(), len(pic.Planes), len(pic.Strides))
	}

	luma := slot.plane(0)
	chroma := slot.plane(layout.chromaPlane())
	if luma == nil || chroma == nil || layout.chromaOffset > len(chroma) {
		return nil, fmt.Errorf("output buffer %d is not mapped", slot.index)
	}
	chroma = chroma[layout.chromaOffset:]

	w, h := layout.width, layout.height
	ch := chromaHeight(h)
	if err := copyPlane(luma, layout.lumaStride, pic.Planes[0], pic.Strides[0], w, h); err != nil {
		return nil, fmt.Errorf("luma: %w", err)
	}

	switch pic.Format {
	case PixelFormatNV12:
		if err := copyPlane(chroma, layout.chromaStride, pic.Planes[1], pic.Strides[1], w, ch); err != nil {
			return nil, fmt.Errorf("chroma: %w", err)
		}
	case PixelFormatI420:
		err := interleaveChroma(chroma, layout.chromaStride,
			pic.Planes[1], pic.Strides[1], pic.Planes[2], pic.Strides[2], w/2, ch)
		if err != nil {
			return nil, fmt.Errorf("chroma: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported pixel format %s", errInvalidPicture, pic.Format)
	}

	used := layout.bytesUsed()
	planes := make([]bufferPlane, layout.numPlanes)
	for i := range planes {
		length := slot.planes[i].Length
		planes[i] = bufferPlane{BytesUsed: min(used[i], length), Length: length}
	}
	return planes, nil
}

type importBackend struct{}

func (importBackend) memory() uint32 { return v4l2MemoryDMABUF }

func (importBackend) prepare(slot *bufferSlot, pic *Picture, layout planeLayout) ([]bufferPlane, error) {
	if len(pic.DMABuf) != layout.numPlanes {
		return nil, fmt.Errorf("%w: need %d DMA-BUF planes, got %d", errInvalidPicture, layout.numPlanes, len(pic.DMABuf))
	}

	used := layout.bytesUsed()
	planes := make([]bufferPlane, len(pic.DMABuf))
	for i, p := range pic.DMABuf {
		if p.FD < 0 {
			return nil, fmt.Errorf("%w: plane %d has no descriptor", errInvalidPicture, i)
		}
		bytesUsed := p.BytesUsed
		if bytesUsed == 0 {
			bytesUsed = used[i]
		}
		planes[i] = bufferPlane{
			FD:         p.FD,
			BytesUsed:  bytesUsed,
			Length:     p.Length,
			DataOffset: p.DataOffset,
		}
	}
	return planes, nil
}

// copyPlane copies rows of rowBytes from src to dst, honoring both strides.
func copyPlane(dst []byte, dstStride int, src []byte, srcStride, rowBytes, rows int) error {
	if rows <= 0 || rowBytes <= 0 {
		return nil
	}
	if srcStride < rowBytes {
		return fmt.Errorf("%w: stride %d shorter than row of %d bytes", errInvalidPicture, srcStride, rowBytes)
	}
	if need := (rows-1)*srcStride + rowBytes; len(src) < need {
		return fmt.Errorf("%w: plane has %d bytes, need %d", errInvalidPicture, len(src), need)
	}
	if need := (rows-1)*dstStride + rowBytes; dstStride < rowBytes || len(dst) < need {
		return fmt.Errorf("buffer has %d bytes at stride %d, need %d", len(dst), dstStride, need)
	}

	if srcStride == dstStride && len(src) >= rows*srcStride && len(dst) >= rows*dstStride {
		copy(dst[:rows*dstStride], src[:rows*srcStride])
		return nil
	}
	for r := range rows {
		copy(dst[r*dstStride:r*dstStride+rowBytes], src[r*srcStride:r*srcStride+rowBytes])
	}
	return nil
}

// interleaveChroma writes separate Cb and Cr planes as NV12 CbCr pairs.
func interleaveChroma(dst []byte, dstStride int, cb []byte, cbStride int, cr []byte, crStride, width, rows int) error {
	if rows <= 0 || width <= 0 {
		return nil
	}
	if cbStride < width || crStride < width {
		return fmt.Errorf("%w: chroma stride shorter than %d samples", errInvalidPicture, width)
	}
	if len(cb) < (rows-1)*cbStride+width || len(cr) < (rows-1)*crStride+width {
		return fmt.Errorf("%w: chroma planes too short for %d rows", errInvalidPicture, rows)
	}
	if dstStride < 2*width || len(dst) < (rows-1)*dstStride+2*width {
		return fmt.Errorf("buffer has %d bytes at stride %d, too small for %d chroma rows", len(dst), dstStride, rows)
	}

	for r := range rows {
		d := dst[r*dstStride : r*dstStride+2*width]
		u := cb[r*cbStride : r*cbStride+width]
		v := cr[r*crStride : r*crStride+width]
		for x := range width {
			d[2*x] = u[x]
			d[2*x+1] = v[x]
		}
	}
	return nil
}
