package logging

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// FatalLogName is the file in os.TempDir that collects startup
// failures and panics. It lives outside the configured log directory
// so it is written even when the configuration cannot be read.
const FatalLogName = "bounceguard.log"

// CrashReport is the JSON document written for a panic.
type CrashReport struct {
	Time       time.Time         `json:"time"`
	Version    string            `json:"version"`
	Platform   string            `json:"platform"`
	Goroutines int               `json:"goroutines"`
	Where      string            `json:"where"`
	Panic      string            `json:"panic"`
	Stack      string            `json:"stack"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// CrashOptions configures a CrashHandler.
type CrashOptions struct {
	// Dir receives crash-*.json reports. Empty means a directory under
	// os.TempDir.
	Dir     string
	Version string

	// OnCrash runs after the report is written.
	OnCrash func(CrashReport)
}

// CrashHandler turns panics into crash reports and fatal log entries.
// Tags set with Tag (backend, journal session) are copied into every
// report.
type CrashHandler struct {
	dir     string
	version string
	onCrash func(CrashReport)

	mu   sync.Mutex
	tags map[string]string
}

// NewCrashHandler returns a handler writing to opts.Dir.
func NewCrashHandler(opts CrashOptions) *CrashHandler {
	if opts.Dir == "" {
		opts.Dir = filepath.Join(os.TempDir(), "bounceguard-crashes")
	}
	return &CrashHandler{
		dir:     opts.Dir,
		version: opts.Version,
		onCrash: opts.OnCrash,
		tags:    make(map[string]string),
	}
}

// Tag attaches key=value to later reports.
func (h *CrashHandler) Tag(key, value string) {
	h.mu.Lock()
	h.tags[key] = value
	h.mu.Unlock()
}

// Guard is deferred at the top of a goroutine. It reports a panic
// under where and lets the goroutine return normally.
//
//	defer crash.Guard("journal writer")
func (h *CrashHandler) Guard(where string) {
	if v := recover(); v != nil {
		h.Report(where, v)
	}
}

// Report records a recovered panic value. It returns the report so a
// caller that must exit can do so after the files are written.
func (h *CrashHandler) Report(where string, v any) CrashReport {
	h.mu.Lock()
	tags := maps.Clone(h.tags)
	h.mu.Unlock()

	r := CrashReport{
		Time:       time.Now().UTC(),
		Version:    h.version,
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		Goroutines: runtime.NumGoroutine(),
		Where:      where,
		Panic:      fmt.Sprint(v),
		Stack:      string(debug.Stack()),
		Tags:       tags,
	}

	path, err := h.write(r)
	_ = AppendFatal(fmt.Errorf("panic in %s: %s\n%s", where, r.Panic, r.Stack))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bounceguard: panic in %s: %s (crash report not written: %v)\n", where, r.Panic, err)
	} else {
		fmt.Fprintf(os.Stderr, "bounceguard: panic in %s: %s (report: %s)\n", where, r.Panic, path)
	}

	if h.onCrash != nil {
		h.onCrash(r)
	}
	return r
}

func (h *CrashHandler) write(r CrashReport) (string, error) {
	if err := os.MkdirAll(h.dir, 0750); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(h.dir, "crash-"+r.Time.Format("20060102-150405.000000")+".json")
	return path, os.WriteFile(path, data, 0640)
}

// Reports reads the reports in the crash directory, oldest first.
// Unreadable files are skipped.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var out []CrashReport
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var r CrashReport
		if json.Unmarshal(data, &r) == nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// Prune deletes reports older than maxAge and returns how many went.
func (h *CrashHandler) Prune(maxAge time.Duration) (int, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for _, f := range files {
		st, err := os.Stat(f)
		if err == nil && st.ModTime().Before(cutoff) && os.Remove(f) == nil {
			n++
		}
	}
	return n, nil
}

// FatalLogPath is where AppendFatal writes.
func FatalLogPath() string {
	return filepath.Join(os.TempDir(), FatalLogName)
}

// AppendFatal adds a timestamped entry to the fatal log. Entries end
// with a line holding a single dash.
func AppendFatal(err error) error {
	f, ferr := os.OpenFile(FatalLogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if ferr != nil {
		return ferr
	}
	_, ferr = fmt.Fprintf(f, "%s: %v\n-\n", time.Now().Format(time.RFC1123), err)
	if cerr := f.Close(); ferr == nil {
		ferr = cerr
	}
	return ferr
}
