// Package config handles configuration loading, validation, and management for bounceguard.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"bounceguard/internal/chatter"
)

// Version is the current configuration schema version.
// Version 1 is the flat config.json of the first release.
const Version = 2

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Filter holds the chatter engine thresholds.
	Filter FilterConfig `toml:"filter" json:"filter" yaml:"filter"`

	// Hook selects and tunes the keyboard event source.
	Hook HookConfig `toml:"hook" json:"hook" yaml:"hook"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Journal records suppressed events for later inspection.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// Status configures the local HTTP status endpoint.
	Status StatusConfig `toml:"status" json:"status" yaml:"status"`

	// Instance configures the single-instance lock.
	Instance InstanceConfig `toml:"instance" json:"instance" yaml:"instance"`

	// Notify configures desktop notifications.
	Notify NotifyConfig `toml:"notify" json:"notify" yaml:"notify"`
}

// FilterConfig holds chatter detection settings.
type FilterConfig struct {
	// ChatterThresholdMs is the minimum interval between two presses of
	// the same key for the second one to count as genuine.
	ChatterThresholdMs int `toml:"chatter_threshold_ms" json:"chatter_threshold_ms" yaml:"chatter_threshold_ms"`

	// RepeatThresholdMs is the repeat interval at which a held key is
	// treated as auto-repeat rather than chatter.
	RepeatThresholdMs int `toml:"repeat_threshold_ms" json:"repeat_threshold_ms" yaml:"repeat_threshold_ms"`

	// UpDownThresholdMs is the minimum press-to-release and
	// release-to-press interval when KeyUpChatter is set.
	UpDownThresholdMs int `toml:"updown_threshold_ms" json:"updown_threshold_ms" yaml:"updown_threshold_ms"`

	IgnoreRepeat          bool `toml:"ignore_repeat" json:"ignore_repeat" yaml:"ignore_repeat"`
	KeyUpChatter          bool `toml:"keyup_chatter" json:"keyup_chatter" yaml:"keyup_chatter"`
	AllowImeCtrlBackspace bool `toml:"allow_ime_ctrl_backspace" json:"allow_ime_ctrl_backspace" yaml:"allow_ime_ctrl_backspace"`

	// Layout is the key code space: "auto", "windows" or "evdev".
	Layout string `toml:"layout" json:"layout" yaml:"layout"`
}

// HookConfig holds event source settings.
type HookConfig struct {
	// Backend is "auto", "windows", "evdev" or "none".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// Devices lists evdev device paths. Empty means autodetect.
	Devices []string `toml:"devices" json:"devices" yaml:"devices"`

	// Grab takes exclusive ownership of evdev devices.
	Grab bool `toml:"grab" json:"grab" yaml:"grab"`

	// PassInjected delivers synthesized events without filtering them.
	PassInjected bool `toml:"pass_injected" json:"pass_injected" yaml:"pass_injected"`

	// VirtualDeviceName names the uinput device that re-emits events.
	VirtualDeviceName string `toml:"virtual_device_name" json:"virtual_device_name" yaml:"virtual_device_name"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format (text, json).
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is where logs go: stderr, stdout, file, or a comma
	// separated list of them. "both" means stderr and file.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path when Output includes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB  int  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool `toml:"compress" json:"compress" yaml:"compress"`

	// LogKeys includes key codes in debug logs.
	LogKeys bool `toml:"log_keys" json:"log_keys" yaml:"log_keys"`

	// CrashDir receives crash reports.
	CrashDir string `toml:"crash_dir" json:"crash_dir" yaml:"crash_dir"`
}

// JournalConfig holds suppression journal settings.
type JournalConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path    string `toml:"path" json:"path" yaml:"path"`

	// BufferSize bounds the records queued between the hook and the writer.
	BufferSize int `toml:"buffer_size" json:"buffer_size" yaml:"buffer_size"`

	// BatchSize is the number of records written per transaction.
	BatchSize int `toml:"batch_size" json:"batch_size" yaml:"batch_size"`

	// FlushIntervalMs forces a write of a partial batch.
	FlushIntervalMs int `toml:"flush_interval_ms" json:"flush_interval_ms" yaml:"flush_interval_ms"`

	// RetentionDays prunes older records on open. Zero keeps everything.
	RetentionDays int `toml:"retention_days" json:"retention_days" yaml:"retention_days"`
}

// StatusConfig holds the HTTP status endpoint settings.
type StatusConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" json:"listen" yaml:"listen"`
}

// InstanceConfig holds single-instance settings.
type InstanceConfig struct {
	// LockName is the Windows mutex name.
	LockName string `toml:"lock_name" json:"lock_name" yaml:"lock_name"`

	// LockPath is the lock file used on Unix.
	LockPath string `toml:"lock_path" json:"lock_path" yaml:"lock_path"`
}

// NotifyConfig holds desktop notification settings.
type NotifyConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	AppName string `toml:"app_name" json:"app_name" yaml:"app_name"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := BounceguardDir()
	engine := chatter.DefaultConfig()

	return &Config{
		Version: Version,
		Filter: FilterConfig{
			ChatterThresholdMs:    int(engine.ChatterThreshold.Milliseconds()),
			RepeatThresholdMs:     int(engine.RepeatThreshold.Milliseconds()),
			UpDownThresholdMs:     int(engine.UpDownThreshold.Milliseconds()),
			IgnoreRepeat:          engine.IgnoreRepeat,
			KeyUpChatter:          engine.KeyUpChatter,
			AllowImeCtrlBackspace: engine.AllowImeCtrlBackspace,
			Layout:                "auto",
		},
		Hook: HookConfig{
			Backend:           "auto",
			Devices:           []string{},
			Grab:              true,
			PassInjected:      false,
			VirtualDeviceName: "bounceguard virtual keyboard",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "bounceguard.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 30,
			Compress:   true,
			CrashDir:   filepath.Join(dir, "crashes"),
		},
		Journal: JournalConfig{
			Enabled:         true,
			Path:            filepath.Join(dir, "journal.db"),
			BufferSize:      1024,
			BatchSize:       64,
			FlushIntervalMs: 2000,
			RetentionDays:   90,
		},
		Status: StatusConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9477",
		},
		Instance: InstanceConfig{
			LockName: `Local\bounceguard`,
			LockPath: filepath.Join(PlatformRuntimeDir(), "bounceguard.lock"),
		},
		Notify: NotifyConfig{
			Enabled: true,
			AppName: "bounceguard",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension;
// a legacy flat config.json is migrated in memory.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(path, raw)
	if err != nil {
		return nil, err
	}

	if cfg.Version < Version {
		if _, err := MigrateConfig(cfg, ""); err != nil {
			return nil, fmt.Errorf("migrate config: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// WritesFile reports whether Output includes the log file.
func (l LoggingConfig) WritesFile() bool {
	for _, sink := range strings.Split(l.Output, ",") {
		if s := strings.TrimSpace(sink); s == "file" || s == "both" {
			return true
		}
	}
	return false
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Journal.Path),
		c.Logging.CrashDir,
	}
	if c.Logging.WritesFile() {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if runtime.GOOS != "windows" {
		dirs = append(dirs, filepath.Dir(c.Instance.LockPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// BounceguardDir returns the base data directory.
// BOUNCEGUARD_DATA_DIR overrides the platform default.
func BounceguardDir() string {
	if envDir := os.Getenv("BOUNCEGUARD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with BOUNCEGUARD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	// Filter overrides
	envInt("BOUNCEGUARD_CHATTER_THRESHOLD_MS", &c.Filter.ChatterThresholdMs)
	envInt("BOUNCEGUARD_REPEAT_THRESHOLD_MS", &c.Filter.RepeatThresholdMs)
	envInt("BOUNCEGUARD_UPDOWN_THRESHOLD_MS", &c.Filter.UpDownThresholdMs)
	if v := os.Getenv("BOUNCEGUARD_LAYOUT"); v != "" {
		c.Filter.Layout = v
	}

	// Hook overrides
	if v := os.Getenv("BOUNCEGUARD_HOOK_BACKEND"); v != "" {
		c.Hook.Backend = v
	}
	if v := os.Getenv("BOUNCEGUARD_HOOK_DEVICES"); v != "" {
		c.Hook.Devices = strings.Split(v, string(os.PathListSeparator))
	}

	// Logging overrides
	if v := os.Getenv("BOUNCEGUARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BOUNCEGUARD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("BOUNCEGUARD_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v := os.Getenv("BOUNCEGUARD_STATUS_LISTEN"); v != "" {
		c.Status.Listen = v
		c.Status.Enabled = true
	}
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Hook.Devices = slices.Clone(c.Hook.Devices)
	return &clone
}

// ResolveBackend maps "auto" to the backend of the running platform.
func (c *Config) ResolveBackend() string {
	if c.Hook.Backend != "" && c.Hook.Backend != "auto" {
		return c.Hook.Backend
	}
	switch runtime.GOOS {
	case "windows":
		return "windows"
	case "linux":
		return "evdev"
	default:
		return "none"
	}
}

// ResolveLayout returns the key code layout matching the configured
// layout, or the resolved backend when the layout is "auto".
func (c *Config) ResolveLayout() (chatter.Layout, error) {
	name := c.Filter.Layout
	if name == "" || name == "auto" {
		name = "windows"
		if c.ResolveBackend() == "evdev" {
			name = "evdev"
		}
	}
	layout, ok := chatter.LayoutByName(name)
	if !ok {
		return chatter.Layout{}, fmt.Errorf("unknown layout %q", name)
	}
	return layout, nil
}

// EngineConfig converts the filter section to an engine configuration.
func (c *Config) EngineConfig() (chatter.Config, error) {
	layout, err := c.ResolveLayout()
	if err != nil {
		return chatter.Config{}, err
	}
	ec := chatter.Config{
		ChatterThreshold:      time.Duration(c.Filter.ChatterThresholdMs) * time.Millisecond,
		RepeatThreshold:       time.Duration(c.Filter.RepeatThresholdMs) * time.Millisecond,
		UpDownThreshold:       time.Duration(c.Filter.UpDownThresholdMs) * time.Millisecond,
		IgnoreRepeat:          c.Filter.IgnoreRepeat,
		KeyUpChatter:          c.Filter.KeyUpChatter,
		AllowImeCtrlBackspace: c.Filter.AllowImeCtrlBackspace,
		Layout:                layout,
	}
	if err := ec.Validate(); err != nil {
		return chatter.Config{}, err
	}
	return ec, nil
}

// FlushInterval returns the journal flush interval.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Journal.FlushIntervalMs) * time.Millisecond
}
