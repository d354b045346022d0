// Package instance ensures a single filter runs per user session. Two
// hooks would each see and filter the other's output.
package instance

import (
	"errors"

	"bounceguard/internal/config"
)

// ErrAlreadyRunning is returned when another instance holds the lock.
var ErrAlreadyRunning = errors.New("instance: another bounceguard is already running")

// Lock is a held single-instance lock. Release is idempotent.
type Lock struct {
	name    string
	release func() error
}

// Name returns the mutex name or lock file path.
func (l *Lock) Name() string { return l.name }

// Release gives up the lock.
func (l *Lock) Release() error {
	if l == nil || l.release == nil {
		return nil
	}
	r := l.release
	l.release = nil
	return r()
}

// AcquireFrom acquires the lock named by the instance configuration:
// the mutex name on Windows, the lock file elsewhere.
func AcquireFrom(ic config.InstanceConfig) (*Lock, error) {
	return acquire(ic)
}
