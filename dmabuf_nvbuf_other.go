//go:build !(linux && (amd64 || arm64))

package hwmedia

import "fmt"

// NvBufSurfacePlanes is only available on 64-bit Linux.
func NvBufSurfacePlanes(fd int) ([]DMABufPlane, error) {
	return nil, fmt.Errorf("%w: NvBufSurface requires linux/arm64 or linux/amd64", ErrUnavailable)
}
