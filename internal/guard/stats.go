package guard

import (
	"sync/atomic"
	"time"

	"bounceguard/internal/chatter"
	"bounceguard/internal/hook"
)

// counters are written on the hook thread and read by Stats.
type counters struct {
	delivered  [2]atomic.Uint64 // up, down
	suppressed [2]atomic.Uint64
	byRule     [8]atomic.Uint64
	byKey      [chatter.TableSize]atomic.Uint64

	imeOverrides     atomic.Uint64
	repeatCleared    atomic.Uint64
	injected         atomic.Uint64
	outOfRange       atomic.Uint64
	reconfigurations atomic.Uint64
}

func (c *counters) record(ev hook.Event, d chatter.Decision) {
	dir := 0
	if ev.Down {
		dir = 1
	}
	if ev.Injected {
		c.injected.Add(1)
	}
	if d.OutOfRange {
		c.outOfRange.Add(1)
	}
	if d.ImeOverride {
		c.imeOverrides.Add(1)
	}
	if d.RepeatCleared {
		c.repeatCleared.Add(1)
	}

	if !d.Suppressed() {
		c.delivered[dir].Add(1)
		return
	}
	c.suppressed[dir].Add(1)
	if int(d.Rule) < len(c.byRule) {
		c.byRule[d.Rule].Add(1)
	}
	if ev.Code.Valid() {
		c.byKey[ev.Code].Add(1)
	}
}

// Counts splits a total by direction.
type Counts struct {
	Down uint64 `json:"down"`
	Up   uint64 `json:"up"`
}

// Total returns Down+Up.
func (c Counts) Total() uint64 { return c.Down + c.Up }

// Stats is a point-in-time snapshot of a Guard.
type Stats struct {
	State     string     `json:"state"`
	Source    string     `json:"source,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`

	Delivered  Counts `json:"delivered"`
	Suppressed Counts `json:"suppressed"`

	ByRule map[string]uint64 `json:"by_rule"`
	// ByKey counts suppressions per key code. Keys never suppressed are
	// omitted.
	ByKey map[chatter.KeyCode]uint64 `json:"by_key"`

	ImeOverrides     uint64 `json:"ime_overrides"`
	RepeatCleared    uint64 `json:"repeat_cleared"`
	Injected         uint64 `json:"injected"`
	OutOfRange       uint64 `json:"out_of_range"`
	Reconfigurations uint64 `json:"reconfigurations"`

	Config ConfigSnapshot `json:"config"`
}

// ConfigSnapshot is the active filter configuration in milliseconds.
type ConfigSnapshot struct {
	ChatterThresholdMs    int64  `json:"chatter_threshold_ms"`
	RepeatThresholdMs     int64  `json:"repeat_threshold_ms"`
	UpDownThresholdMs     int64  `json:"updown_threshold_ms"`
	IgnoreRepeat          bool   `json:"ignore_repeat"`
	KeyUpChatter          bool   `json:"keyup_chatter"`
	AllowImeCtrlBackspace bool   `json:"allow_ime_ctrl_backspace"`
	Layout                string `json:"layout"`
}

func snapshotConfig(c chatter.Config) ConfigSnapshot {
	return ConfigSnapshot{
		ChatterThresholdMs:    c.ChatterThreshold.Milliseconds(),
		RepeatThresholdMs:     c.RepeatThreshold.Milliseconds(),
		UpDownThresholdMs:     c.UpDownThreshold.Milliseconds(),
		IgnoreRepeat:          c.IgnoreRepeat,
		KeyUpChatter:          c.KeyUpChatter,
		AllowImeCtrlBackspace: c.AllowImeCtrlBackspace,
		Layout:                c.Layout.Name,
	}
}

// Stats returns a snapshot of the guard's counters. Safe to call from
// any goroutine.
func (g *Guard) Stats() Stats {
	c := &g.stats
	s := Stats{
		State:            g.State().String(),
		Delivered:        Counts{Down: c.delivered[1].Load(), Up: c.delivered[0].Load()},
		Suppressed:       Counts{Down: c.suppressed[1].Load(), Up: c.suppressed[0].Load()},
		ByRule:           make(map[string]uint64),
		ByKey:            make(map[chatter.KeyCode]uint64),
		ImeOverrides:     c.imeOverrides.Load(),
		RepeatCleared:    c.repeatCleared.Load(),
		Injected:         c.injected.Load(),
		OutOfRange:       c.outOfRange.Load(),
		Reconfigurations: c.reconfigurations.Load(),
		Config:           snapshotConfig(g.Config()),
	}
	if name := g.source.Load(); name != nil {
		s.Source = *name
	}
	if ms := g.started.Load(); ms != 0 {
		t := time.UnixMilli(ms)
		s.StartedAt = &t
	}
	for _, r := range []chatter.Rule{chatter.RuleSameKey, chatter.RuleReleaseBounce, chatter.RuleCascade, chatter.RuleShortPress} {
		s.ByRule[r.String()] = c.byRule[r].Load()
	}
	for code := range c.byKey {
		if n := c.byKey[code].Load(); n > 0 {
			s.ByKey[chatter.KeyCode(code)] = n
		}
	}
	return s
}
