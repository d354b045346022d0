package config

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"bounceguard/internal/chatter"
)

// MigrationResult records one schema upgrade of a configuration file.
type MigrationResult struct {
	At          time.Time `json:"at"`
	Path        string    `json:"path,omitempty"`
	FromVersion int       `json:"from_version"`
	ToVersion   int       `json:"to_version"`
	Backup      string    `json:"backup,omitempty"`
	Changes     []string  `json:"changes,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
}

// upgrades[v] lifts a version v configuration to v+1.
var upgrades = map[int]func(*Config, *MigrationResult){
	1: upgradeFlatFilter,
}

// MigrateConfig upgrades cfg in place to Version. When path names an
// existing file it is copied aside first. It returns nil for a config
// that is already current.
func MigrateConfig(cfg *Config, path string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	res := &MigrationResult{
		At:          time.Now().UTC(),
		Path:        path,
		FromVersion: cfg.Version,
		ToVersion:   Version,
	}
	if path != "" {
		backup, err := backupFile(path, cfg.Version)
		if err != nil {
			res.Warnings = append(res.Warnings, "no backup: "+err.Error())
		}
		res.Backup = backup
	}

	for cfg.Version < Version {
		up, ok := upgrades[cfg.Version]
		if !ok {
			return res, fmt.Errorf("no upgrade from config version %d", cfg.Version)
		}
		up(cfg, res)
		cfg.Version++
	}
	return res, nil
}

// upgradeFlatFilter finishes a version 1 config.json. Version 1 allowed
// thresholds the engine now rejects, so they are clamped with a warning
// instead of failing validation.
func upgradeFlatFilter(cfg *Config, res *MigrationResult) {
	res.Changes = append(res.Changes, "moved thresholds into [filter]")

	limit := int(chatter.MaxThreshold.Milliseconds())
	for _, th := range []struct {
		name string
		v    *int
	}{
		{"chatter_threshold", &cfg.Filter.ChatterThresholdMs},
		{"repeat_threshold", &cfg.Filter.RepeatThresholdMs},
		{"updown_threshold", &cfg.Filter.UpDownThresholdMs},
	} {
		if *th.v > limit {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s %dms clamped to %dms", th.name, *th.v, limit))
			*th.v = limit
		}
	}

	if cfg.Filter.Layout == "" {
		cfg.Filter.Layout = "auto"
		res.Changes = append(res.Changes, "filter.layout = auto")
	}
}

// backupFile copies path to path.v<version>-<stamp>. A missing file
// is not an error and yields an empty backup path.
func backupFile(path string, version int) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	backup := fmt.Sprintf("%s.v%d-%s", path, version, time.Now().Format("20060102-150405"))
	return backup, os.WriteFile(backup, data, 0600)
}

// legacyConfig reads the flat version 1 document:
//
//	{"chatter_threshold": 50, "repeat_threshold": 500, "ignore_repeat": true, ...}
//
// Absent keys keep their defaults. The result is still version 1.
func legacyConfig(doc map[string]any) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Version = 1
	cfg.Filter.Layout = ""

	for key, dst := range map[string]*int{
		"chatter_threshold": &cfg.Filter.ChatterThresholdMs,
		"repeat_threshold":  &cfg.Filter.RepeatThresholdMs,
		"updown_threshold":  &cfg.Filter.UpDownThresholdMs,
	} {
		if v, ok := doc[key]; ok {
			n, err := legacyInt(v)
			if err != nil {
				return nil, fmt.Errorf("legacy %s: %w", key, err)
			}
			*dst = n
		}
	}

	for key, dst := range map[string]*bool{
		"ignore_repeat":            &cfg.Filter.IgnoreRepeat,
		"keyup_chatter":            &cfg.Filter.KeyUpChatter,
		"allow_ime_ctrl_backspace": &cfg.Filter.AllowImeCtrlBackspace,
	} {
		if v, ok := doc[key]; ok {
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("legacy %s: want true or false, got %v", key, v)
			}
			*dst = b
		}
	}
	return cfg, nil
}

func legacyInt(v any) (int, error) {
	switch n := v.(type) {
	case json.Number:
		return strconv.Atoi(n.String())
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("want whole milliseconds, got %v", n)
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("want a number, got %v", v)
}

func migrationHistoryPath() string {
	return filepath.Join(BounceguardDir(), "migrations.jsonl")
}

// MigrationHistory returns every recorded upgrade, oldest first.
func MigrationHistory() ([]MigrationResult, error) {
	f, err := os.Open(migrationHistoryPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []MigrationResult
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r MigrationResult
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return out, fmt.Errorf("%s: %w", migrationHistoryPath(), err)
		}
		out = append(out, r)
	}
	return out, sc.Err()
}

// SaveMigrationHistory appends res to the history, one JSON object per
// line.
func SaveMigrationHistory(res *MigrationResult) error {
	line, err := json.Marshal(res)
	if err != nil {
		return err
	}
	path := migrationHistoryPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
