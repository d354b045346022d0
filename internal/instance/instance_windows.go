//go:build windows

package instance

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"

	"bounceguard/internal/config"
)

func acquire(ic config.InstanceConfig) (*Lock, error) {
	name := ic.LockName
	if name == "" {
		name = `Local\bounceguard`
	}
	return AcquireMutex(name)
}

// AcquireMutex creates the named mutex. The handle is owned by the
// process; Windows closes it on exit.
func AcquireMutex(name string) (*Lock, error) {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, fmt.Errorf("mutex name: %w", err)
	}

	h, err := windows.CreateMutex(nil, false, p)
	if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		if h != 0 {
			windows.CloseHandle(h)
		}
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		return nil, fmt.Errorf("create mutex %s: %w", name, err)
	}

	return &Lock{
		name:    name,
		release: func() error { return windows.CloseHandle(h) },
	}, nil
}
