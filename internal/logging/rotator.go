package logging

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// Rotation bounds the size and number of log files. Zero values
// disable the corresponding limit.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

const backupStamp = "20060102-150405.000"

// RotatingFile appends to a log file and moves it aside when it grows
// past MaxSizeMB or a new day starts. Backups are named
// <base>-<stamp><ext>[.gz]. Compression and pruning run on a single
// background goroutine so Write never waits on gzip.
type RotatingFile struct {
	path string
	rot  Rotation
	now  func() time.Time

	mu     sync.Mutex
	f      *os.File
	size   int64
	day    int
	closed bool

	backups chan string
	done    chan struct{}
}

// OpenRotatingFile creates the directory of path if needed and opens
// path for appending.
func OpenRotatingFile(path string, rot Rotation) (*RotatingFile, error) {
	if path == "" {
		return nil, errors.New("log file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	r := &RotatingFile{
		path:    path,
		rot:     rot,
		now:     time.Now,
		backups: make(chan string, 8),
		done:    make(chan struct{}),
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	go r.housekeep()
	return r, nil
}

func (r *RotatingFile) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.f, r.size, r.day = f, st.Size(), r.now().YearDay()
	return nil
}

// Write appends p, rotating first when p would overflow the file.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, os.ErrClosed
	}
	if r.due(len(p)) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *RotatingFile) due(n int) bool {
	if r.size == 0 {
		return false
	}
	if limit := int64(r.rot.MaxSizeMB) << 20; limit > 0 && r.size+int64(n) > limit {
		return true
	}
	return r.now().YearDay() != r.day
}

func (r *RotatingFile) rotate() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	backup := r.backupName(r.now())
	if err := os.Rename(r.path, backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := r.open(); err != nil {
		return err
	}
	r.backups <- backup
	return nil
}

func (r *RotatingFile) backupName(t time.Time) string {
	ext := filepath.Ext(r.path)
	return strings.TrimSuffix(r.path, ext) + "-" + t.Format(backupStamp) + ext
}

// housekeep compresses new backups and prunes old ones until Close.
func (r *RotatingFile) housekeep() {
	defer close(r.done)
	for backup := range r.backups {
		if r.rot.Compress {
			if err := gzipFile(backup); err != nil {
				fmt.Fprintf(os.Stderr, "bounceguard: compress %s: %v\n", backup, err)
			}
		}
		r.prune()
	}
}

// gzipFile replaces path with path.gz.
func gzipFile(path string) (err error) {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path + ".gz")
			return
		}
		src.Close()
		err = os.Remove(path)
	}()

	zw := gzip.NewWriter(dst)
	zw.Name = filepath.Base(path)
	if _, err = io.Copy(zw, src); err != nil {
		return err
	}
	return zw.Close()
}

// prune keeps the newest MaxBackups backups younger than MaxAgeDays.
// Backup names sort by time, so no stat is needed to order them.
func (r *RotatingFile) prune() {
	backups, err := r.Backups()
	if err != nil {
		return
	}
	slices.Sort(backups)
	slices.Reverse(backups)

	cutoff := r.now().AddDate(0, 0, -r.rot.MaxAgeDays)
	for i, b := range backups {
		drop := r.rot.MaxBackups > 0 && i >= r.rot.MaxBackups
		if !drop && r.rot.MaxAgeDays > 0 {
			if t, ok := r.backupTime(b); ok && t.Before(cutoff) {
				drop = true
			}
		}
		if drop {
			os.Remove(b)
		}
	}
}

func (r *RotatingFile) backupTime(backup string) (time.Time, bool) {
	ext := filepath.Ext(r.path)
	prefix := strings.TrimSuffix(r.path, ext) + "-"
	stamp := strings.TrimPrefix(strings.TrimSuffix(strings.TrimSuffix(backup, ".gz"), ext), prefix)
	t, err := time.ParseInLocation(backupStamp, stamp, time.Local)
	return t, err == nil
}

// Backups lists rotated files, compressed or not, in no particular
// order.
func (r *RotatingFile) Backups() ([]string, error) {
	ext := filepath.Ext(r.path)
	return filepath.Glob(strings.TrimSuffix(r.path, ext) + "-*" + ext + "*")
}

// Sync commits the current file to disk.
func (r *RotatingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	return r.f.Sync()
}

// Close closes the file and waits for pending compression.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	err := r.f.Close()
	close(r.backups)
	r.mu.Unlock()

	<-r.done
	return err
}
