//go:build linux && (amd64 || arm64)

// NvBufSurface plane layout lookup for Jetson DMA-BUFs via purego.

package hwmedia

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	nvbufOnce    sync.Once
	nvbufHandle  uintptr
	nvbufInitErr error
)

// libnvbufsurface function pointers
var (
	nvBufSurfaceFromFd func(fd int32, surface uintptr) int32
)

const nvbufMaxPlanes = 4

// Prefix of NvBufSurface from nvbufsurface.h, 64-bit layout.
type nvBufSurface struct {
	GPUID        uint32
	BatchSize    uint32
	NumFilled    uint32
	IsContiguous bool
	_            [3]uint8
	MemType      uint32
	_            [4]uint8
	SurfaceList  uintptr
}

type nvBufSurfacePlaneParams struct {
	NumPlanes   uint32
	Width       [nvbufMaxPlanes]uint32
	Height      [nvbufMaxPlanes]uint32
	Pitch       [nvbufMaxPlanes]uint32
	Offset      [nvbufMaxPlanes]uint32
	PSize       [nvbufMaxPlanes]uint32
	BytesPerPix [nvbufMaxPlanes]uint32
}

// Prefix of NvBufSurfaceParams.
type nvBufSurfaceParams struct {
	Width       uint32
	Height      uint32
	Pitch       uint32
	ColorFormat uint32
	Layout      uint32
	_           uint32
	BufferDesc  uint64
	DataSize    uint32
	_           uint32
	DataPtr     uintptr
	PlaneParams nvBufSurfacePlaneParams
}

var (
	_ [0]struct{} = [unsafe.Offsetof(nvBufSurface{}.SurfaceList) - 24]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(nvBufSurfaceParams{}.PlaneParams) - 48]struct{}{}
)

func loadNvBufSurface() error {
	nvbufOnce.Do(func() {
		nvbufInitErr = loadNvBufSurfaceLib()
	})
	return nvbufInitErr
}

func loadNvBufSurfaceLib() error {
	handle, sym, err := dlopenFirst(libraryPaths("HWMEDIA_NVBUF_LIB_PATH",
		"libnvbufsurface.so",
		"libnvbufsurface.so.1.0.0",
		"/usr/lib/aarch64-linux-gnu/tegra/libnvbufsurface.so",
		"/usr/lib/aarch64-linux-gnu/tegra/libnvbufsurface.so.1.0.0",
		"/usr/lib/aarch64-linux-gnu/nvidia/libnvbufsurface.so",
	), "NvBufSurfaceFromFd")
	if err != nil {
		return fmt.Errorf("%w: load libnvbufsurface: %w", ErrUnavailable, err)
	}
	purego.RegisterFunc(&nvBufSurfaceFromFd, sym)
	nvbufHandle = handle
	return nil
}

// NvBufSurfacePlanes returns the planes of a Jetson NvBufSurface DMA-BUF as
// EncodeDMABuf arguments: the same descriptor for every plane with
// bytesused = pitch * height of that plane.
func NvBufSurfacePlanes(fd int) ([]DMABufPlane, error) {
	if err := loadNvBufSurface(); err != nil {
		return nil, err
	}
	if fd < 0 {
		return nil, errors.New("invalid dmabuf descriptor")
	}

	// Output parameter must be heap-allocated for purego.
	out := new(uintptr)
	ret := nvBufSurfaceFromFd(int32(fd), uintptr(unsafe.Pointer(out)))
	runtime.KeepAlive(out)
	if ret != 0 || *out == 0 {
		return nil, fmt.Errorf("NvBufSurfaceFromFd(%d) failed: %d", fd, ret)
	}

	surface := (*nvBufSurface)(unsafe.Pointer(*out))
	if surface.SurfaceList == 0 {
		return nil, fmt.Errorf("NvBufSurface for fd %d has no surfaces", fd)
	}
	params := (*nvBufSurfaceParams)(unsafe.Pointer(surface.SurfaceList))
	return planesFromParams(fd, &params.PlaneParams)
}

func planesFromParams(fd int, pp *nvBufSurfacePlaneParams) ([]DMABufPlane, error) {
	n := int(pp.NumPlanes)
	if n <= 0 || n > nvbufMaxPlanes {
		return nil, fmt.Errorf("NvBufSurface reports %d planes", n)
	}
	planes := make([]DMABufPlane, n)
	for i := range planes {
		// The driver locates each plane through the surface metadata
		// attached to fd, so only bytesused is reported.
		planes[i] = DMABufPlane{FD: fd, BytesUsed: pp.Pitch[i] * pp.Height[i]}
	}
	return planes, nil
}
