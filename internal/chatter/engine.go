package chatter

// KeyState is the per-key memory of the engine. Timestamps are in
// milliseconds of the caller's monotonic clock; 0 means never observed.
type KeyState struct {
	LastDown    int64
	LastUp      int64
	PendingUp   Override
	PendingDown Override
	WasChatter  bool
	IsRepeat    bool
}

// held reports whether the key's last press has not been released yet.
func (s *KeyState) held() bool {
	return s.LastDown != 0 && s.LastUp <= s.LastDown
}

// Engine is the chatter state machine. An Engine is not safe for
// concurrent use; callers serialize every call on one goroutine.
type Engine struct {
	cfg  Config
	th   thresholds
	keys [TableSize]KeyState

	lastDownKey KeyCode
	lastDownSet bool

	initialized bool
}

// New returns an Engine initialized with cfg.
func New(cfg Config) (*Engine, error) {
	e := &Engine{}
	if err := e.Initialize(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Initialize validates cfg, stores it and resets every key to "never
// observed". On error the engine is left untouched.
func (e *Engine) Initialize(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfg = cfg
	e.th = cfg.millis()
	e.reset()
	e.initialized = true
	return nil
}

// Shutdown clears all state. Until the next Initialize every event is
// delivered and nothing is recorded.
func (e *Engine) Shutdown() {
	e.reset()
	e.initialized = false
}

// Initialized reports whether the engine accepts events.
func (e *Engine) Initialized() bool { return e.initialized }

// Config returns the active configuration.
func (e *Engine) Config() Config { return e.cfg }

// State returns a copy of the state recorded for code.
func (e *Engine) State(code KeyCode) (KeyState, bool) {
	if !code.Valid() {
		return KeyState{}, false
	}
	return e.keys[code], true
}

func (e *Engine) reset() {
	e.keys = [TableSize]KeyState{}
	e.lastDownKey = 0
	e.lastDownSet = false
}

// ProcessDown classifies a key press at time now.
func (e *Engine) ProcessDown(code KeyCode, now int64) Verdict {
	return e.Down(code, now).Verdict
}

// ProcessUp classifies a key release at time now.
func (e *Engine) ProcessUp(code KeyCode, now int64) Verdict {
	return e.Up(code, now).Verdict
}

// Down is ProcessDown with diagnostics.
func (e *Engine) Down(code KeyCode, now int64) Decision {
	if !code.Valid() {
		return Decision{Verdict: Deliver, OutOfRange: true}
	}
	if !e.initialized {
		return Decision{Verdict: Deliver}
	}

	var d Decision
	s := &e.keys[code]

	var sinceLastDown int64
	if s.LastDown != 0 {
		sinceLastDown = now - s.LastDown
	}

	chatter := e.lastDownSet && code == e.lastDownKey &&
		sinceLastDown < e.th.chatter &&
		!(e.cfg.IgnoreRepeat && s.IsRepeat)
	if chatter {
		d.Rule = RuleSameKey
	}

	s.PendingUp = OverrideNone
	switch {
	case chatter:
	case e.cfg.KeyUpChatter && s.LastUp != 0 && s.LastDown < s.LastUp && now-s.LastUp < e.th.upDown:
		// Released and pressed again too fast: the release was bounce too.
		chatter = true
		d.Rule = RuleReleaseBounce
		s.PendingUp = OverrideExpectChatter
	case s.PendingDown == OverrideExpectChatter && now-s.LastUp < e.th.upDown:
		chatter = true
		d.Rule = RuleCascade
	}

	s.IsRepeat = s.LastUp < s.LastDown

	if chatter && e.cfg.IgnoreRepeat && sinceLastDown >= e.th.repeat && s.IsRepeat {
		chatter = false
		d.RepeatCleared = true
	}

	prevDown := s.LastDown
	s.LastDown = now
	s.WasChatter = chatter
	e.lastDownKey = code
	e.lastDownSet = true

	if e.imeOverride(code, s, prevDown, now) {
		chatter = false
		s.PendingDown = OverrideForceAllow
		s.PendingUp = OverrideForceAllow
		d.ImeOverride = true
	} else {
		s.PendingDown = OverrideNone
	}

	if chatter {
		d.Verdict = Suppress
	}
	return d
}

// Up is ProcessUp with diagnostics.
func (e *Engine) Up(code KeyCode, now int64) Decision {
	if !code.Valid() {
		return Decision{Verdict: Deliver, OutOfRange: true}
	}
	if !e.initialized {
		return Decision{Verdict: Deliver}
	}

	s := &e.keys[code]
	s.LastUp = now

	sinceLastDown := e.th.upDown
	if s.LastDown != 0 {
		sinceLastDown = now - s.LastDown
	}

	if e.cfg.KeyUpChatter && sinceLastDown < e.th.upDown &&
		s.PendingUp != OverrideForceAllow && !s.IsRepeat {
		s.WasChatter = true
		s.PendingDown = OverrideExpectChatter
		return Decision{Verdict: Suppress, Rule: RuleShortPress}
	}

	s.PendingUp = OverrideNone
	return Decision{Verdict: Deliver}
}

// imeOverride reports whether a Backspace press must be delivered because
// an input method is synthesizing Control+Backspace. prevDown is the
// Backspace press time before this event was recorded.
func (e *Engine) imeOverride(code KeyCode, s *KeyState, prevDown, now int64) bool {
	if !e.cfg.AllowImeCtrlBackspace || code != e.cfg.Layout.Backspace {
		return false
	}
	if s.PendingDown == OverrideForceAllow && prevDown != 0 && now-prevDown < e.th.chatter {
		return true
	}
	return e.keys[e.cfg.Layout.LControl].held() || e.keys[e.cfg.Layout.RControl].held()
}
