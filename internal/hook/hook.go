// Package hook connects operating system keyboard event sources to the
// chatter filter.
//
// A Source delivers every key transition to a Handler on a single
// goroutine, in arrival order, and obeys the returned Verdict: a
// suppressed event never reaches applications.
//
// Platform support:
//   - Windows: WH_KEYBOARD_LL low-level hook
//   - Linux: evdev devices grabbed exclusively, re-emitted through uinput
//   - Everywhere: Replay over a recorded trace
package hook

import (
	"context"
	"errors"
	"fmt"

	"bounceguard/internal/chatter"
	"bounceguard/internal/config"
	"bounceguard/internal/logging"
)

var (
	// ErrNotAvailable is returned when a backend cannot run on this
	// platform or with the current permissions.
	ErrNotAvailable = errors.New("hook: backend not available")

	// ErrAlreadyRunning is returned when a process-wide hook is
	// installed twice.
	ErrAlreadyRunning = errors.New("hook: already running")
)

// Event is one key transition as seen by a Source.
type Event struct {
	Code chatter.KeyCode
	Down bool
	// Time is a monotonic millisecond timestamp, always positive.
	Time int64
	// Injected marks events synthesized by software rather than a device.
	Injected bool
}

// Direction returns "down" or "up".
func (e Event) Direction() string {
	if e.Down {
		return "down"
	}
	return "up"
}

// Handler decides the fate of each event. HandleKey runs on the
// source's delivery goroutine and must return quickly.
type Handler interface {
	HandleKey(Event) chatter.Verdict
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event) chatter.Verdict

// HandleKey calls f(ev).
func (f HandlerFunc) HandleKey(ev Event) chatter.Verdict { return f(ev) }

// Source produces key events. Run blocks until ctx is cancelled, the
// source is exhausted, or it fails; it returns nil on a clean stop.
type Source interface {
	Run(ctx context.Context, h Handler) error
	Name() string
}

// SourceFunc adapts a function to Source under the given name.
type SourceFunc struct {
	Label string
	Fn    func(ctx context.Context, h Handler) error
}

// Run calls s.Fn.
func (s SourceFunc) Run(ctx context.Context, h Handler) error { return s.Fn(ctx, h) }

// Name returns s.Label.
func (s SourceFunc) Name() string { return s.Label }

// Options configures platform sources.
type Options struct {
	// Devices lists evdev device paths. Empty means autodetect.
	Devices []string

	// Grab takes exclusive ownership of evdev devices so suppressed
	// events never reach other readers.
	Grab bool

	// VirtualDeviceName names the uinput device delivered events are
	// re-emitted through. Devices with this name are never read.
	VirtualDeviceName string

	Logger *logging.Logger
}

// OptionsFrom converts the hook section of the daemon configuration.
func OptionsFrom(hc config.HookConfig, log *logging.Logger) Options {
	return Options{
		Devices:           append([]string{}, hc.Devices...),
		Grab:              hc.Grab,
		VirtualDeviceName: hc.VirtualDeviceName,
		Logger:            log,
	}
}

func (o *Options) logger() *logging.Logger {
	if o.Logger == nil {
		return logging.Discard()
	}
	return o.Logger
}

// New returns the source for backend: "windows", "evdev" or "none".
// "none" runs no hook and only waits for cancellation.
func New(backend string, opts Options) (Source, error) {
	switch backend {
	case "none":
		return idleSource{}, nil
	case "windows", "evdev":
		return newPlatformSource(backend, opts)
	default:
		return nil, fmt.Errorf("hook: unknown backend %q", backend)
	}
}

// Available reports whether backend can run here, with a reason.
func Available(backend string, opts Options) (bool, string) {
	switch backend {
	case "none":
		return true, "no hook installed"
	case "windows", "evdev":
		return platformAvailable(backend, opts)
	default:
		return false, fmt.Sprintf("unknown backend %q", backend)
	}
}

type idleSource struct{}

func (idleSource) Name() string { return "none" }

func (idleSource) Run(ctx context.Context, _ Handler) error {
	<-ctx.Done()
	return nil
}
