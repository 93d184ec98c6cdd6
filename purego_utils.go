//go:build linux && (amd64 || arm64)

// Shared helpers for libraries loaded at runtime through purego.

package hwmedia

import (
	"errors"
	"os"

	"github.com/ebitengine/purego"
)

// libraryPaths returns the candidate paths for a shared library. A path
// set in envVar is tried first.
func libraryPaths(envVar string, defaults ...string) []string {
	paths := make([]string, 0, len(defaults)+1)
	if p := os.Getenv(envVar); p != "" {
		paths = append(paths, p)
	}
	return append(paths, defaults...)
}

// dlopenFirst opens the first library in paths that exports symbol and
// returns its handle and the symbol address.
func dlopenFirst(paths []string, symbol string) (handle, sym uintptr, err error) {
	lastErr := errors.New("no library paths")
	for _, path := range paths {
		h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		s, err := purego.Dlsym(h, symbol)
		if err != nil {
			purego.Dlclose(h)
			lastErr = err
			continue
		}
		return h, s, nil
	}
	return 0, 0, lastErr
}
