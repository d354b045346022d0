//go:build !linux && !windows

package hook

import (
	"fmt"
	"runtime"
)

func newPlatformSource(backend string, _ Options) (Source, error) {
	return nil, fmt.Errorf("%w: %s on %s", ErrNotAvailable, backend, runtime.GOOS)
}

func platformAvailable(backend string, _ Options) (bool, string) {
	return false, fmt.Sprintf("%s keyboard hook not implemented for %s", backend, runtime.GOOS)
}
