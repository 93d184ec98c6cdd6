//go:build !(linux && (amd64 || arm64))

package hwmedia

import "fmt"

func openKernelDevice(path string) (m2mDevice, error) {
	return nil, fmt.Errorf("open %s: %w", path, ErrUnavailable)
}
