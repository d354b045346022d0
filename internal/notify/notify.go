// Package notify tells the operator about events they would otherwise
// miss: a second instance refusing to start, or a fatal startup error
// in a process with no console.
package notify

import (
	"context"

	"bounceguard/internal/config"
	"bounceguard/internal/logging"
)

// Level selects the notification style.
type Level int

const (
	LevelInfo Level = iota
	LevelError
)

func (l Level) String() string {
	if l == LevelError {
		return "error"
	}
	return "info"
}

// Notifier shows a message to the user.
type Notifier interface {
	Notify(ctx context.Context, level Level, title, body string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, level Level, title, body string) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, level Level, title, body string) error {
	return f(ctx, level, title, body)
}

// Nop discards notifications.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Level, string, string) error { return nil }

// Options configures New.
type Options struct {
	Enabled bool
	AppName string
	Logger  *logging.Logger
}

// OptionsFrom converts the notify section of the daemon configuration.
func OptionsFrom(nc config.NotifyConfig, log *logging.Logger) Options {
	return Options{Enabled: nc.Enabled, AppName: nc.AppName, Logger: log}
}

// New returns the desktop notifier for this platform, or Nop when
// notifications are disabled.
func New(opts Options) Notifier {
	if !opts.Enabled {
		return Nop{}
	}
	if opts.AppName == "" {
		opts.AppName = "bounceguard"
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return logged{next: newPlatform(opts), log: opts.Logger.WithComponent("notify")}
}

// logged mirrors every notification to the log and reports delivery
// failures there, since the caller usually has nowhere else to send them.
type logged struct {
	next Notifier
	log  *logging.Logger
}

func (l logged) Notify(ctx context.Context, level Level, title, body string) error {
	if level == LevelError {
		l.log.Error(title, "detail", body)
	} else {
		l.log.Info(title, "detail", body)
	}
	if err := l.next.Notify(ctx, level, title, body); err != nil {
		l.log.Warn("desktop notification failed", "error", err)
		return err
	}
	return nil
}
