//go:build unix

package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"bounceguard/internal/config"
)

func acquire(ic config.InstanceConfig) (*Lock, error) {
	path := ic.LockPath
	if path == "" {
		path = filepath.Join(config.PlatformRuntimeDir(), "bounceguard.lock")
	}
	return AcquireFile(path)
}

// AcquireFile takes an exclusive, non-blocking flock on path. The lock
// dies with the process, so a crash never leaves a stale lock.
func AcquireFile(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	// Record the holder for operators; the flock is what counts.
	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return &Lock{
		name: path,
		release: func() error {
			unix.Flock(int(f.Fd()), unix.LOCK_UN)
			return f.Close()
		},
	}, nil
}
