package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Reload describes a configuration file that changed on disk and
// passed validation.
type Reload struct {
	Config *Config

	// Changed names the top-level sections that differ from the
	// previous configuration, by their file key ("filter", "hook", ...).
	Changed []string
}

// FilterChanged reports whether the reload touched the chatter
// thresholds, the only section applied without a restart.
func (r Reload) FilterChanged() bool {
	return r.Touches("filter")
}

// Touches reports whether section is among the changed sections.
func (r Reload) Touches(section string) bool {
	for _, s := range r.Changed {
		if s == section {
			return true
		}
	}
	return false
}

// RestartRequired lists changed sections that only take effect when
// the daemon restarts.
func (r Reload) RestartRequired() []string {
	var out []string
	for _, s := range r.Changed {
		if s != "filter" {
			out = append(out, s)
		}
	}
	return out
}

// Loader owns the daemon's configuration file. It keeps the last
// configuration that validated and re-reads the file when it changes.
type Loader struct {
	path string

	mu      sync.RWMutex
	current *Config
	raw     []byte
	subs    []func(Reload)

	watcher *fsnotify.Watcher
	stop    context.CancelFunc
	done    chan struct{}
	errs    chan error

	// Debounce is how long the file must stay quiet before a reload.
	// Editors often write a file in several steps.
	Debounce time.Duration
}

// NewLoader returns a loader for path. Nothing is read until Load.
func NewLoader(path string) *Loader {
	return &Loader{
		path:     path,
		errs:     make(chan error, 1),
		Debounce: 100 * time.Millisecond,
	}
}

// Path returns the configuration file the loader reads.
func (l *Loader) Path() string { return l.path }

// Load reads the file, upgrades an older schema (keeping a backup and
// a migration history entry), applies environment overrides and
// validates the result. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	raw, err := readRaw(l.path)
	if err != nil {
		return nil, err
	}
	cfg, err := l.parse(raw, true)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current, l.raw = cfg, raw
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the last configuration that validated.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers fn to run after each reload that changed at
// least one section. Callbacks run on the watch goroutine.
func (l *Loader) OnChange(fn func(Reload)) {
	l.mu.Lock()
	l.subs = append(l.subs, fn)
	l.mu.Unlock()
}

// Errors delivers reload failures. The channel holds one error; later
// failures are dropped until it is drained.
func (l *Loader) Errors() <-chan error {
	return l.errs
}

// Watch follows the configuration file until ctx is done or Close is
// called. The parent directory is watched so a file replaced by
// rename, as most editors save, keeps being followed.
func (l *Loader) Watch(ctx context.Context) error {
	if l.watcher != nil {
		return errors.New("config: already watching")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.path), err)
	}

	ctx, l.stop = context.WithCancel(ctx)
	l.watcher = w
	l.done = make(chan struct{})
	go l.follow(ctx)
	return nil
}

// Close stops watching and waits for a reload in progress to finish.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	l.stop()
	err := l.watcher.Close()
	<-l.done
	return err
}

func (l *Loader) follow(ctx context.Context) {
	defer close(l.done)

	quiet := time.NewTimer(time.Hour)
	quiet.Stop()
	defer quiet.Stop()

	name := filepath.Base(l.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && ev.Op.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				quiet.Reset(l.Debounce)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		case <-quiet.C:
			l.reload()
		}
	}
}

// reload re-reads the file. A file that fails to parse or validate is
// reported and the previous configuration stays in force. A rewrite
// with identical bytes is ignored.
func (l *Loader) reload() {
	raw, err := readRaw(l.path)
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.RLock()
	same := l.raw != nil && bytes.Equal(raw, l.raw)
	prev := l.current
	l.mu.RUnlock()
	if same {
		return
	}

	cfg, err := l.parse(raw, false)
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	l.current, l.raw = cfg, raw
	subs := append([]func(Reload){}, l.subs...)
	l.mu.Unlock()

	r := Reload{Config: cfg, Changed: Diff(prev, cfg)}
	if len(r.Changed) == 0 {
		return
	}
	for _, fn := range subs {
		fn(r)
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// parse decodes raw, upgrades the schema and validates. The backup and
// history of a migration are written only on the initial load.
func (l *Loader) parse(raw []byte, initial bool) (*Config, error) {
	cfg, err := decode(l.path, raw)
	if err != nil {
		return nil, err
	}

	if cfg.Version < Version {
		backup := ""
		if initial && raw != nil {
			backup = l.path
		}
		result, err := MigrateConfig(cfg, backup)
		if err != nil {
			return nil, fmt.Errorf("migrate config: %w", err)
		}
		if result != nil && initial {
			_ = SaveMigrationHistory(result)
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Diff names the top-level sections whose values differ between a and
// b. A nil a counts every section as changed.
func Diff(a, b *Config) []string {
	var changed []string
	bv := reflect.ValueOf(b).Elem()
	t := bv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Type.Kind() != reflect.Struct {
			continue
		}
		if a != nil && reflect.DeepEqual(reflect.ValueOf(a).Elem().Field(i).Interface(), bv.Field(i).Interface()) {
			continue
		}
		changed = append(changed, sectionKey(f))
	}
	return changed
}

func sectionKey(f reflect.StructField) string {
	if tag, _, _ := strings.Cut(f.Tag.Get("toml"), ","); tag != "" {
		return tag
	}
	return strings.ToLower(f.Name)
}

// readRaw returns nil without error for a missing file.
func readRaw(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return raw, nil
}

// decode picks the format from the file extension and falls back to
// trying each format in turn for anything else. Nil raw decodes to the
// defaults.
func decode(path string, raw []byte) (*Config, error) {
	if raw == nil {
		return DefaultConfig(), nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return decodeTOML(raw)
	case ".json":
		return decodeJSON(raw)
	case ".yaml", ".yml":
		return decodeYAML(raw)
	}

	decoders := []struct {
		name string
		fn   func([]byte) (*Config, error)
	}{
		{"TOML", decodeTOML},
		{"JSON", decodeJSON},
		{"YAML", decodeYAML},
	}
	var tried []string
	for _, d := range decoders {
		if cfg, err := d.fn(raw); err == nil {
			return cfg, nil
		}
		tried = append(tried, d.name)
	}
	return nil, fmt.Errorf("parse config %s: not valid %s", filepath.Base(path), strings.Join(tried, ", "))
}

func decodeTOML(raw []byte) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(string(raw), cfg)
	if err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decode TOML: unknown key %q", undecoded[0].String())
	}
	return cfg, nil
}

func decodeYAML(raw []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode YAML: %w", err)
	}
	return cfg, nil
}

// decodeJSON checks raw against the embedded schema, then decodes
// either the current layout or the flat config.json of version 1.
func decodeJSON(raw []byte) (*Config, error) {
	if err := ValidateJSONSchema(raw); err != nil {
		return nil, err
	}

	doc, err := decodeJSONDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}
	if IsLegacyDocument(doc) {
		return legacyConfig(doc)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}
	return cfg, nil
}
