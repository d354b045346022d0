// Package logging builds the slog loggers used across bounceguard.
//
// Key codes never reach a log sink unless the user opts in with
// log_keys: a log that records which keys were pressed is a keylogger.
// Attributes are redacted by name (key, vk, scan_code, ...) and by
// type, so a chatter.KeyCode logged under any name is hidden too.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"bounceguard/internal/chatter"
	"bounceguard/internal/config"
)

// Level is a slog level.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the slog handler.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Redacted replaces key codes in log output.
const Redacted = "[REDACTED]"

// Config describes where and how a Logger writes.
type Config struct {
	Level  Level
	Format Format

	// Output is a comma separated list of sinks: stderr, stdout, file.
	// "both" means stderr and file.
	Output   string
	FilePath string
	Rotation Rotation

	// RedactKeys hides key codes.
	RedactKeys bool

	Component string

	// Writer replaces every sink in Output.
	Writer io.Writer
}

// DefaultConfig logs info and above as text to stderr with key codes
// hidden.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   filepath.Join(config.PlatformLogDir(), "bounceguard.log"),
		Rotation:   Rotation{MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 30, Compress: true},
		RedactKeys: true,
		Component:  "bounceguard",
	}
}

// ConfigFrom translates the [logging] section of the daemon config.
func ConfigFrom(lc config.LoggingConfig) (*Config, error) {
	level, err := ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	cfg.Level, cfg.Format = level, format
	cfg.Output = lc.Output
	if lc.FilePath != "" {
		cfg.FilePath = lc.FilePath
	}
	cfg.Rotation = Rotation{
		MaxSizeMB:  lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAgeDays: lc.MaxAgeDays,
		Compress:   lc.Compress,
	}
	cfg.RedactKeys = !lc.LogKeys
	return cfg, nil
}

// Logger is a slog.Logger that owns its log file, if any.
type Logger struct {
	*slog.Logger
	file *RotatingFile
}

// New opens the sinks named by cfg and returns a logger writing to
// all of them. A nil cfg means DefaultConfig.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	w, file, err := openSinks(cfg)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	if cfg.RedactKeys {
		opts.ReplaceAttr = redactKeys
	}

	var h slog.Handler
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}
	return &Logger{Logger: slog.New(h), file: file}, nil
}

func openSinks(cfg *Config) (io.Writer, *RotatingFile, error) {
	if cfg.Writer != nil {
		return cfg.Writer, nil, nil
	}

	output := strings.ToLower(strings.TrimSpace(cfg.Output))
	if output == "" {
		output = "stderr"
	}
	if output == "both" {
		output = "stderr,file"
	}

	var (
		sinks []io.Writer
		file  *RotatingFile
	)
	for _, name := range strings.Split(output, ",") {
		switch strings.TrimSpace(name) {
		case "stderr":
			sinks = append(sinks, os.Stderr)
		case "stdout":
			sinks = append(sinks, os.Stdout)
		case "file":
			if file != nil {
				continue
			}
			f, err := OpenRotatingFile(cfg.FilePath, cfg.Rotation)
			if err != nil {
				return nil, nil, err
			}
			file = f
			sinks = append(sinks, f)
		default:
			if file != nil {
				file.Close()
			}
			return nil, nil, fmt.Errorf("unknown log output %q", name)
		}
	}
	if len(sinks) == 1 {
		return sinks[0], file, nil
	}
	return io.MultiWriter(sinks...), file, nil
}

// redactKeys is a slog ReplaceAttr func.
func redactKeys(_ []string, a slog.Attr) slog.Attr {
	if keyAttrNames[strings.ToLower(a.Key)] {
		return slog.String(a.Key, Redacted)
	}
	if a.Value.Kind() == slog.KindAny {
		if _, ok := a.Value.Any().(chatter.KeyCode); ok {
			return slog.String(a.Key, Redacted)
		}
	}
	return a
}

var keyAttrNames = map[string]bool{
	"key":       true,
	"key_code":  true,
	"keycode":   true,
	"vk":        true,
	"scan_code": true,
}

// SetDefault installs l as the slog default.
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}

// WithComponent tags every record with component=name. The returned
// logger shares the parent's file; only the parent should be closed.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("component", name))}
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Sync flushes the log file to disk.
func (l *Logger) Sync() error {
	if l.file == nil {
		return nil
	}
	return l.file.Sync()
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// ParseLevel accepts debug, info, warn (or warning) and error. Empty
// means info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// ParseFormat accepts text and json. Empty means text.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format %q", s)
}
