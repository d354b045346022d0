package chatter

import (
	"errors"
	"fmt"
	"time"
)

// TableSize is the number of key codes tracked by the engine. Codes at or
// above TableSize are delivered without being recorded.
const TableSize = 256

// MaxThreshold bounds every configured threshold.
const MaxThreshold = time.Minute

// KeyCode is a virtual key code in the active Layout's code space.
type KeyCode uint32

// Valid reports whether k addresses an entry of the state table.
func (k KeyCode) Valid() bool { return k < TableSize }

// Layout carries the key codes the engine treats specially.
type Layout struct {
	Name      string
	Backspace KeyCode
	LControl  KeyCode
	RControl  KeyCode
}

// Windows virtual-key codes.
var LayoutWindows = Layout{
	Name:      "windows",
	Backspace: 0x08, // VK_BACK
	LControl:  0xA2, // VK_LCONTROL
	RControl:  0xA3, // VK_RCONTROL
}

// Linux evdev key codes (linux/input-event-codes.h).
var LayoutEvdev = Layout{
	Name:      "evdev",
	Backspace: 14, // KEY_BACKSPACE
	LControl:  29, // KEY_LEFTCTRL
	RControl:  97, // KEY_RIGHTCTRL
}

// LayoutByName returns the layout registered under name.
func LayoutByName(name string) (Layout, bool) {
	switch name {
	case LayoutWindows.Name:
		return LayoutWindows, true
	case LayoutEvdev.Name:
		return LayoutEvdev, true
	}
	return Layout{}, false
}

// Config holds the engine thresholds and feature switches. A Config is
// immutable for the lifetime of one Initialize call.
type Config struct {
	ChatterThreshold      time.Duration
	RepeatThreshold       time.Duration
	UpDownThreshold       time.Duration
	IgnoreRepeat          bool
	KeyUpChatter          bool
	AllowImeCtrlBackspace bool
	Layout                Layout
}

// DefaultConfig returns the settings shipped with a fresh install.
func DefaultConfig() Config {
	return Config{
		ChatterThreshold:      50 * time.Millisecond,
		RepeatThreshold:       500 * time.Millisecond,
		UpDownThreshold:       30 * time.Millisecond,
		IgnoreRepeat:          true,
		KeyUpChatter:          false,
		AllowImeCtrlBackspace: true,
		Layout:                LayoutWindows,
	}
}

// ErrInvalidConfig is wrapped by every ConfigError.
var ErrInvalidConfig = errors.New("chatter: invalid config")

// ConfigError describes the first invalid field of a Config.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("chatter: invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// Validate checks the range constraints of c.
func (c Config) Validate() error {
	thresholds := []struct {
		name string
		d    time.Duration
	}{
		{"ChatterThreshold", c.ChatterThreshold},
		{"RepeatThreshold", c.RepeatThreshold},
		{"UpDownThreshold", c.UpDownThreshold},
	}
	for _, th := range thresholds {
		if th.d < 0 {
			return &ConfigError{Field: th.name, Reason: "must not be negative"}
		}
		if th.d > MaxThreshold {
			return &ConfigError{Field: th.name, Reason: fmt.Sprintf("must not exceed %s", MaxThreshold)}
		}
	}

	keys := []struct {
		name string
		k    KeyCode
	}{
		{"Layout.Backspace", c.Layout.Backspace},
		{"Layout.LControl", c.Layout.LControl},
		{"Layout.RControl", c.Layout.RControl},
	}
	for _, kc := range keys {
		if !kc.k.Valid() {
			return &ConfigError{Field: kc.name, Reason: fmt.Sprintf("key code %d out of range", kc.k)}
		}
	}
	return nil
}

// thresholds are kept as milliseconds on the hot path.
type thresholds struct {
	chatter int64
	repeat  int64
	upDown  int64
}

func (c Config) millis() thresholds {
	return thresholds{
		chatter: c.ChatterThreshold.Milliseconds(),
		repeat:  c.RepeatThreshold.Milliseconds(),
		upDown:  c.UpDownThreshold.Milliseconds(),
	}
}
