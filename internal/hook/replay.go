package hook

import (
	"context"

	"bounceguard/internal/chatter"
	"bounceguard/internal/trace"
)

// Result is the verdict a replayed record received.
type Result struct {
	Record  trace.Record
	Verdict chatter.Verdict
}

// Mismatch reports whether the record expected a different verdict.
func (r Result) Mismatch() bool {
	return r.Record.Expect != "" && r.Record.Expect != r.Verdict.String()
}

// Replay is a Source that feeds recorded events synchronously on the
// caller's goroutine.
type Replay struct {
	records []trace.Record
	results []Result
}

// NewReplay returns a Replay over records.
func NewReplay(records []trace.Record) *Replay {
	return &Replay{records: records}
}

// Name implements Source.
func (r *Replay) Name() string { return "replay" }

// Run delivers every record to h and returns nil once exhausted.
func (r *Replay) Run(ctx context.Context, h Handler) error {
	r.results = make([]Result, 0, len(r.records))
	for _, rec := range r.records {
		if err := ctx.Err(); err != nil {
			return err
		}
		v := h.HandleKey(EventFromRecord(rec))
		r.results = append(r.results, Result{Record: rec, Verdict: v})
	}
	return nil
}

// Results returns the verdicts of the last Run in record order.
func (r *Replay) Results() []Result {
	return r.results
}

// EventFromRecord converts a trace record to an Event.
func EventFromRecord(rec trace.Record) Event {
	return Event{
		Code:     chatter.KeyCode(rec.Key),
		Down:     rec.IsDown(),
		Time:     rec.Time,
		Injected: rec.Injected,
	}
}
