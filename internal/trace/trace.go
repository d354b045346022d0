// Package trace reads and writes keyboard event traces.
//
// A trace is a JSON Lines file with one event per line:
//
//	{"t": 1000, "key": 65, "dir": "down"}
//	{"t": 1004, "key": 65, "dir": "up", "expect": "suppress"}
//
// "t" is a millisecond timestamp from a monotonic clock and must be
// positive and non-decreasing. Blank lines and lines starting with '#'
// are ignored. Simulation output adds "verdict" and "rule".
package trace

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Directions.
const (
	Down = "down"
	Up   = "up"
)

// ErrMalformed is returned for records that cannot be replayed.
var ErrMalformed = errors.New("trace: malformed record")

// Record is one line of a trace.
type Record struct {
	Time     int64  `json:"t"`
	Key      uint32 `json:"key"`
	Dir      string `json:"dir"`
	Injected bool   `json:"injected,omitempty"`

	// Expect optionally names the verdict the event should receive.
	Expect string `json:"expect,omitempty"`

	// Verdict and Rule are filled in by simulation.
	Verdict string `json:"verdict,omitempty"`
	Rule    string `json:"rule,omitempty"`
}

// IsDown reports whether the record is a key press.
func (r Record) IsDown() bool { return r.Dir == Down }

// Validate checks the fields that do not depend on neighbouring records.
func (r Record) Validate() error {
	if r.Time <= 0 {
		return fmt.Errorf("%w: time must be positive, got %d", ErrMalformed, r.Time)
	}
	if r.Dir != Down && r.Dir != Up {
		return fmt.Errorf("%w: dir must be %q or %q, got %q", ErrMalformed, Down, Up, r.Dir)
	}
	switch r.Expect {
	case "", "deliver", "suppress":
	default:
		return fmt.Errorf("%w: expect must be deliver or suppress, got %q", ErrMalformed, r.Expect)
	}
	return nil
}

// Reader decodes records one line at a time.
type Reader struct {
	sc   *bufio.Scanner
	line int
	last int64
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{sc: bufio.NewScanner(r)}
}

// Next returns the next record, or io.EOF at the end of input.
func (r *Reader) Next() (Record, error) {
	for r.sc.Scan() {
		r.line++
		text := strings.TrimSpace(r.sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		dec := json.NewDecoder(strings.NewReader(text))
		dec.DisallowUnknownFields()
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return Record{}, fmt.Errorf("line %d: %w: %v", r.line, ErrMalformed, err)
		}
		if err := rec.Validate(); err != nil {
			return Record{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		if rec.Time < r.last {
			return Record{}, fmt.Errorf("line %d: %w: time %d before previous %d", r.line, ErrMalformed, rec.Time, r.last)
		}
		r.last = rec.Time
		return rec, nil
	}
	if err := r.sc.Err(); err != nil {
		return Record{}, fmt.Errorf("read trace: %w", err)
	}
	return Record{}, io.EOF
}

// ReadAll decodes every record in r.
func ReadAll(r io.Reader) ([]Record, error) {
	tr := NewReader(r)
	var records []Record
	for {
		rec, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}

// ReadFile decodes the trace at path. A path of "-" reads stdin.
func ReadFile(path string) ([]Record, error) {
	if path == "-" {
		return ReadAll(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()
	return ReadAll(f)
}

// Writer encodes records as JSON Lines.
type Writer struct {
	bw  *bufio.Writer
	enc *json.Encoder
}

// NewWriter returns a Writer over w. Call Flush when done.
func NewWriter(w io.Writer) *Writer {
	bw := bufio.NewWriter(w)
	return &Writer{bw: bw, enc: json.NewEncoder(bw)}
}

// Write appends one record.
func (w *Writer) Write(rec Record) error {
	return w.enc.Encode(rec)
}

// Flush writes buffered records to the underlying writer.
func (w *Writer) Flush() error {
	return w.bw.Flush()
}
