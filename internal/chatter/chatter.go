// Package chatter implements the per-key debounce decision engine.
//
// The engine classifies every key-down and key-up as either a genuine
// transition or switch bounce ("chatter"). It is a pure state machine:
// no I/O, no clock of its own, no goroutines. Callers feed it events in
// arrival order together with a monotonic millisecond timestamp and obey
// the returned Verdict.
//
// Rules applied on key-down, in order:
//   - same key pressed again faster than ChatterThreshold
//   - release-then-press faster than UpDownThreshold (KeyUpChatter)
//   - press following a release that was itself flagged (cascade)
//   - held-key auto-repeat at or above RepeatThreshold is let through
//   - Backspace is never suppressed while Control is held (IME override)
//
// On key-up a release arriving faster than UpDownThreshold after its own
// press is flagged when KeyUpChatter is enabled.
package chatter

// Verdict is the engine's decision for one event.
type Verdict uint8

const (
	// Deliver forwards the event unchanged.
	Deliver Verdict = iota
	// Suppress consumes the event so nothing downstream sees it.
	Suppress
)

func (v Verdict) String() string {
	switch v {
	case Deliver:
		return "deliver"
	case Suppress:
		return "suppress"
	default:
		return "unknown"
	}
}

// Rule names the heuristic that produced a Suppress verdict.
type Rule uint8

const (
	RuleNone Rule = iota
	// RuleSameKey: the same key was pressed twice within ChatterThreshold.
	RuleSameKey
	// RuleReleaseBounce: a press arrived within UpDownThreshold of the
	// key's own release.
	RuleReleaseBounce
	// RuleCascade: a press inherited the flag of a suppressed release.
	RuleCascade
	// RuleShortPress: a release arrived within UpDownThreshold of its press.
	RuleShortPress
)

var ruleNames = [...]string{
	RuleNone:          "none",
	RuleSameKey:       "same_key",
	RuleReleaseBounce: "release_bounce",
	RuleCascade:       "cascade",
	RuleShortPress:    "short_press",
}

func (r Rule) String() string {
	if int(r) < len(ruleNames) {
		return ruleNames[r]
	}
	return "unknown"
}

// Override is a one-shot flag set by one event and consulted by the next
// event of the opposite direction for the same key.
type Override uint8

const (
	OverrideNone Override = iota
	// OverrideForceAllow lets the next event through regardless of timing.
	OverrideForceAllow
	// OverrideExpectChatter marks the next event as part of a bounce burst.
	OverrideExpectChatter
)

func (o Override) String() string {
	switch o {
	case OverrideNone:
		return "none"
	case OverrideForceAllow:
		return "force_allow"
	case OverrideExpectChatter:
		return "expect_chatter"
	default:
		return "unknown"
	}
}

// Decision is a Verdict plus the diagnostics explaining it.
type Decision struct {
	Verdict Verdict
	// Rule is the rule that flagged the event. It stays set when the
	// flag was later cleared by the repeat or IME rules.
	Rule Rule
	// RepeatCleared is true when auto-repeat accommodation lifted a flag.
	RepeatCleared bool
	// ImeOverride is true when the Backspace/Control override applied.
	ImeOverride bool
	// OutOfRange is true when the key code was outside the table.
	OutOfRange bool
}

// Suppressed reports whether the event should be dropped.
func (d Decision) Suppressed() bool { return d.Verdict == Suppress }
