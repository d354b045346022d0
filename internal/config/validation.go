package config

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"

	"bounceguard/internal/chatter"
)

// ErrInvalidConfig matches every error returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError is one rejected setting, named by its file key.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "config: " + e.Field + ": " + e.Message
}

// ValidationErrors holds every rejected setting of one file, so a user
// can fix them in a single pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return strings.Join(msgs, "; ")
}

func (e ValidationErrors) Unwrap() error { return ErrInvalidConfig }

// checker accumulates validation failures.
type checker struct {
	errs ValidationErrors
}

func (c *checker) failf(field, format string, args ...any) {
	c.errs = append(c.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (c *checker) oneOf(field, v string, allowed ...string) {
	if !slices.Contains(allowed, v) {
		shown := slices.DeleteFunc(slices.Clone(allowed), func(s string) bool { return s == "" })
		c.failf(field, "invalid value %q (valid: %s)", v, strings.Join(shown, ", "))
	}
}

func (c *checker) between(field string, v, lo, hi int) {
	if v < lo || v > hi {
		c.failf(field, "value %d must be between %d and %d", v, lo, hi)
	}
}

func (c *checker) atLeast(field string, v, lo int) {
	if v < lo {
		c.failf(field, "value %d must be at least %d", v, lo)
	}
}

func (c *checker) required(field, v string) {
	if strings.TrimSpace(v) == "" {
		c.failf(field, "required field is missing")
	}
}

// ValidateConfig checks every section and returns ValidationErrors, or
// nil when the configuration is usable.
func ValidateConfig(cfg *Config) error {
	var c checker

	if cfg.Version < 1 || cfg.Version > Version {
		c.failf("version", "unsupported version %d (current: %d)", cfg.Version, Version)
	}
	c.filter(&cfg.Filter)
	c.hook(&cfg.Hook, cfg.Filter.Layout)
	c.logging(&cfg.Logging)
	c.journal(&cfg.Journal)
	c.status(&cfg.Status)
	c.instance(&cfg.Instance)

	if len(c.errs) == 0 {
		return nil
	}
	return c.errs
}

func (c *checker) filter(f *FilterConfig) {
	limit := int(chatter.MaxThreshold.Milliseconds())
	c.between("filter.chatter_threshold_ms", f.ChatterThresholdMs, 0, limit)
	c.between("filter.repeat_threshold_ms", f.RepeatThresholdMs, 0, limit)
	c.between("filter.updown_threshold_ms", f.UpDownThresholdMs, 0, limit)
	c.oneOf("filter.layout", f.Layout, "", "auto", "windows", "evdev")
}

// hook also rejects a backend paired with the other platform's key
// codes, which would make every threshold apply to the wrong keys.
func (c *checker) hook(h *HookConfig, layout string) {
	c.oneOf("hook.backend", h.Backend, "", "auto", "windows", "evdev", "none")

	switch {
	case h.Backend == "windows" && layout == "evdev",
		h.Backend == "evdev" && layout == "windows":
		c.failf("filter.layout", "layout %q does not match hook backend %q", layout, h.Backend)
	}

	for i, dev := range h.Devices {
		c.required(fmt.Sprintf("hook.devices[%d]", i), dev)
	}
	// uinput limits device names to UINPUT_MAX_NAME_SIZE including NUL.
	if len(h.VirtualDeviceName) >= 80 {
		c.failf("hook.virtual_device_name", "name must be shorter than 80 bytes")
	}
}

func (c *checker) logging(l *LoggingConfig) {
	c.oneOf("logging.level", l.Level, "debug", "info", "warn", "error")
	c.oneOf("logging.format", l.Format, "text", "json")

	for _, sink := range strings.Split(l.Output, ",") {
		c.oneOf("logging.output", strings.TrimSpace(sink), "stdout", "stderr", "file", "both")
	}
	if l.WritesFile() {
		c.required("logging.file_path", l.FilePath)
	}

	c.atLeast("logging.max_size_mb", l.MaxSizeMB, 1)
	c.atLeast("logging.max_backups", l.MaxBackups, 0)
	c.atLeast("logging.max_age_days", l.MaxAgeDays, 0)
}

func (c *checker) journal(j *JournalConfig) {
	if !j.Enabled {
		return
	}
	c.required("journal.path", j.Path)
	c.atLeast("journal.buffer_size", j.BufferSize, 1)
	if j.BatchSize < 1 || j.BatchSize > max(j.BufferSize, 1) {
		c.failf("journal.batch_size", "value %d must be between 1 and journal.buffer_size", j.BatchSize)
	}
	c.atLeast("journal.flush_interval_ms", j.FlushIntervalMs, 10)
	c.atLeast("journal.retention_days", j.RetentionDays, 0)
}

func (c *checker) status(s *StatusConfig) {
	if !s.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		c.failf("status.listen", "invalid listen address %q: %v", s.Listen, err)
	}
}

func (c *checker) instance(i *InstanceConfig) {
	if i.LockName == "" && i.LockPath == "" {
		c.failf("instance", "lock_name or lock_path is required")
	}
}
