package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bounceguard/internal/chatter"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("BOUNCEGUARD_DATA_DIR", t.TempDir())

	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Filter.ChatterThresholdMs != 50 {
		t.Errorf("expected chatter threshold 50, got %d", cfg.Filter.ChatterThresholdMs)
	}
	if !cfg.Filter.IgnoreRepeat || cfg.Filter.KeyUpChatter || !cfg.Filter.AllowImeCtrlBackspace {
		t.Errorf("unexpected filter switches: %+v", cfg.Filter)
	}
	if !strings.HasPrefix(cfg.Journal.Path, BounceguardDir()) {
		t.Errorf("journal path should live in data dir: %s", cfg.Journal.Path)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
}

func TestBounceguardDirOverride(t *testing.T) {
	t.Setenv("BOUNCEGUARD_DATA_DIR", "/opt/bg")
	if dir := BounceguardDir(); dir != "/opt/bg" {
		t.Errorf("expected /opt/bg, got %s", dir)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Filter.RepeatThresholdMs != 500 {
		t.Errorf("expected default repeat threshold, got %d", cfg.Filter.RepeatThresholdMs)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.toml", `
version = 2

[filter]
chatter_threshold_ms = 70
keyup_chatter = true
layout = "evdev"

[hook]
backend = "evdev"
devices = ["/dev/input/event3"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Filter.ChatterThresholdMs != 70 {
		t.Errorf("expected 70, got %d", cfg.Filter.ChatterThresholdMs)
	}
	if !cfg.Filter.KeyUpChatter {
		t.Error("keyup_chatter not applied")
	}
	// Unset keys keep defaults.
	if cfg.Filter.RepeatThresholdMs != 500 {
		t.Errorf("expected default repeat threshold, got %d", cfg.Filter.RepeatThresholdMs)
	}
	if len(cfg.Hook.Devices) != 1 || cfg.Hook.Devices[0] != "/dev/input/event3" {
		t.Errorf("unexpected devices: %v", cfg.Hook.Devices)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
version: 2
filter:
  updown_threshold_ms: 25
  allow_ime_ctrl_backspace: false
status:
  enabled: true
  listen: 127.0.0.1:9999
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Filter.UpDownThresholdMs != 25 {
		t.Errorf("expected 25, got %d", cfg.Filter.UpDownThresholdMs)
	}
	if cfg.Filter.AllowImeCtrlBackspace {
		t.Error("allow_ime_ctrl_backspace should be false")
	}
	if !cfg.Status.Enabled || cfg.Status.Listen != "127.0.0.1:9999" {
		t.Errorf("unexpected status: %+v", cfg.Status)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.json", `{
  "version": 2,
  "filter": {"chatter_threshold_ms": 40, "layout": "windows"},
  "hook": {"pass_injected": true}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Filter.ChatterThresholdMs != 40 {
		t.Errorf("expected 40, got %d", cfg.Filter.ChatterThresholdMs)
	}
	if !cfg.Hook.PassInjected {
		t.Error("pass_injected not applied")
	}
}

func TestLoadJSONSchemaRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown section", `{"version": 2, "tray": {}}`},
		{"threshold too large", `{"version": 2, "filter": {"chatter_threshold_ms": 600000}}`},
		{"bad layout", `{"version": 2, "filter": {"layout": "qwerty"}}`},
		{"wrong type", `{"version": 2, "filter": {"ignore_repeat": "yes"}}`},
		{"legacy missing key", `{"chatter_threshold": 50}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.json", tt.content)
			if _, err := Load(path); err == nil {
				t.Error("expected schema error")
			}
		})
	}
}

func TestLoadLegacyJSON(t *testing.T) {
	t.Setenv("BOUNCEGUARD_DATA_DIR", t.TempDir())

	path := writeFile(t, t.TempDir(), "config.json", `{
  "chatter_threshold": 45,
  "repeat_threshold": 400,
  "updown_threshold": 20,
  "ignore_repeat": false,
  "keyup_chatter": true,
  "allow_ime_ctrl_backspace": false
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Version != Version {
		t.Errorf("expected migrated version %d, got %d", Version, cfg.Version)
	}
	want := FilterConfig{
		ChatterThresholdMs:    45,
		RepeatThresholdMs:     400,
		UpDownThresholdMs:     20,
		IgnoreRepeat:          false,
		KeyUpChatter:          true,
		AllowImeCtrlBackspace: false,
		Layout:                "auto",
	}
	if cfg.Filter != want {
		t.Errorf("filter = %+v, want %+v", cfg.Filter, want)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.toml", "[filter\nchatter_threshold_ms = ")
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BOUNCEGUARD_CHATTER_THRESHOLD_MS", "90")
	t.Setenv("BOUNCEGUARD_LOG_LEVEL", "debug")
	t.Setenv("BOUNCEGUARD_HOOK_BACKEND", "none")
	t.Setenv("BOUNCEGUARD_STATUS_LISTEN", "127.0.0.1:1234")
	t.Setenv("BOUNCEGUARD_REPEAT_THRESHOLD_MS", "not-a-number")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Filter.ChatterThresholdMs != 90 {
		t.Errorf("expected 90, got %d", cfg.Filter.ChatterThresholdMs)
	}
	if cfg.Filter.RepeatThresholdMs != 500 {
		t.Errorf("malformed override should be ignored, got %d", cfg.Filter.RepeatThresholdMs)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug, got %s", cfg.Logging.Level)
	}
	if cfg.Hook.Backend != "none" {
		t.Errorf("expected none, got %s", cfg.Hook.Backend)
	}
	if !cfg.Status.Enabled || cfg.Status.Listen != "127.0.0.1:1234" {
		t.Errorf("unexpected status: %+v", cfg.Status)
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Filter.ChatterThresholdMs = 65
	cfg.Filter.Layout = "evdev"

	ec, err := cfg.EngineConfig()
	if err != nil {
		t.Fatalf("EngineConfig failed: %v", err)
	}
	if ec.ChatterThreshold != 65*time.Millisecond {
		t.Errorf("expected 65ms, got %s", ec.ChatterThreshold)
	}
	if ec.Layout != chatter.LayoutEvdev {
		t.Errorf("expected evdev layout, got %+v", ec.Layout)
	}

	cfg.Filter.Layout = "auto"
	cfg.Hook.Backend = "windows"
	ec, err = cfg.EngineConfig()
	if err != nil {
		t.Fatalf("EngineConfig failed: %v", err)
	}
	if ec.Layout != chatter.LayoutWindows {
		t.Errorf("expected windows layout, got %+v", ec.Layout)
	}

	cfg.Filter.ChatterThresholdMs = -5
	if _, err := cfg.EngineConfig(); !errors.Is(err, chatter.ErrInvalidConfig) {
		t.Errorf("expected chatter.ErrInvalidConfig, got %v", err)
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hook.Devices = []string{"/dev/input/event0"}

	clone := cfg.Clone()
	clone.Hook.Devices[0] = "/dev/input/event9"
	clone.Filter.ChatterThresholdMs = 1

	if cfg.Hook.Devices[0] != "/dev/input/event0" {
		t.Error("clone shares devices slice")
	}
	if cfg.Filter.ChatterThresholdMs == 1 {
		t.Error("clone shares filter")
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Journal.Path = filepath.Join(dir, "a", "journal.db")
	cfg.Logging.CrashDir = filepath.Join(dir, "b", "crashes")
	cfg.Instance.LockPath = filepath.Join(dir, "c", "bounceguard.lock")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, sub := range []string{"a", filepath.Join("b", "crashes")} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			t.Errorf("directory %s not created: %v", sub, err)
		}
	}
}
