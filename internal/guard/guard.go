// Package guard runs the chatter engine behind a keyboard event source.
//
// The Guard owns the engine and is the only caller of it. Every engine
// call happens on the source's delivery goroutine; configuration
// changes are handed over through an atomic pointer and applied between
// two events.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"bounceguard/internal/chatter"
	"bounceguard/internal/hook"
	"bounceguard/internal/logging"
)

// ErrAlreadyRunning is returned by Run while a previous Run is active.
var ErrAlreadyRunning = errors.New("guard: already running")

// State is the lifecycle state of a Guard.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Observer is told about every decision. OnDecision runs on the hook
// thread and must not block.
type Observer interface {
	OnDecision(ev hook.Event, d chatter.Decision)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(hook.Event, chatter.Decision)

// OnDecision calls f(ev, d).
func (f ObserverFunc) OnDecision(ev hook.Event, d chatter.Decision) { f(ev, d) }

// Options configures a Guard.
type Options struct {
	Logger    *logging.Logger
	Observers []Observer

	// PassInjected delivers synthesized events without consulting the
	// engine.
	PassInjected bool

	// OnStateChange is called after every state transition.
	OnStateChange func(State)
}

// Guard filters key events through a chatter engine.
type Guard struct {
	engine    *chatter.Engine
	opts      Options
	log       *logging.Logger
	observers []Observer

	state   atomic.Int32
	active  atomic.Pointer[chatter.Config]
	pending atomic.Pointer[chatter.Config]
	source  atomic.Pointer[string]
	started atomic.Int64

	stats counters
}

// New validates cfg and returns an idle Guard.
func New(cfg chatter.Config, opts Options) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	g := &Guard{
		engine:    &chatter.Engine{},
		opts:      opts,
		log:       log.WithComponent("guard"),
		observers: append([]Observer{}, opts.Observers...),
	}
	g.active.Store(&cfg)
	return g, nil
}

// AddObserver registers o. It must be called before Run.
func (g *Guard) AddObserver(o Observer) {
	g.observers = append(g.observers, o)
}

// State returns the current lifecycle state.
func (g *Guard) State() State {
	return State(g.state.Load())
}

func (g *Guard) setState(s State) {
	g.state.Store(int32(s))
	if g.opts.OnStateChange != nil {
		g.opts.OnStateChange(s)
	}
}

// Run initializes the engine, runs src until it returns and then shuts
// the engine down. Events arriving outside Run are delivered.
func (g *Guard) Run(ctx context.Context, src hook.Source) error {
	if !g.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return ErrAlreadyRunning
	}

	if p := g.pending.Swap(nil); p != nil {
		g.active.Store(p)
	}
	cfg := *g.active.Load()
	if err := g.engine.Initialize(cfg); err != nil {
		g.setState(StateIdle)
		return fmt.Errorf("initialize engine: %w", err)
	}

	name := src.Name()
	g.source.Store(&name)
	g.started.Store(time.Now().UnixMilli())
	g.setState(StateRunning)
	g.log.Info("filter started",
		"source", name,
		"chatter_threshold_ms", cfg.ChatterThreshold.Milliseconds(),
		"repeat_threshold_ms", cfg.RepeatThreshold.Milliseconds(),
		"updown_threshold_ms", cfg.UpDownThreshold.Milliseconds(),
		"ignore_repeat", cfg.IgnoreRepeat,
		"keyup_chatter", cfg.KeyUpChatter,
		"allow_ime_ctrl_backspace", cfg.AllowImeCtrlBackspace,
		"layout", cfg.Layout.Name,
	)

	err := src.Run(ctx, g)

	g.setState(StateStopping)
	g.engine.Shutdown()
	g.setState(StateIdle)

	if err != nil {
		g.log.Error("event source failed", "source", name, "error", err)
		return fmt.Errorf("%s source: %w", name, err)
	}
	g.log.Info("filter stopped", "source", name)
	return nil
}

// Reconfigure validates cfg and schedules it. A running guard applies
// it before the next event, which resets all per-key state.
func (g *Guard) Reconfigure(cfg chatter.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.pending.Store(&cfg)
	return nil
}

// Config returns the most recently scheduled configuration.
func (g *Guard) Config() chatter.Config {
	if p := g.pending.Load(); p != nil {
		return *p
	}
	return *g.active.Load()
}

// HandleKey implements hook.Handler.
func (g *Guard) HandleKey(ev hook.Event) chatter.Verdict {
	if g.State() != StateRunning {
		return chatter.Deliver
	}

	if p := g.pending.Swap(nil); p != nil {
		g.apply(*p)
	}

	var d chatter.Decision
	switch {
	case ev.Injected && g.opts.PassInjected:
		d = chatter.Decision{Verdict: chatter.Deliver}
	case ev.Down:
		d = g.engine.Down(ev.Code, ev.Time)
	default:
		d = g.engine.Up(ev.Code, ev.Time)
	}

	g.stats.record(ev, d)
	if d.Suppressed() {
		g.log.Debug("suppressed", "key", uint32(ev.Code), "direction", ev.Direction(), "rule", d.Rule.String())
	}
	for _, o := range g.observers {
		o.OnDecision(ev, d)
	}
	return d.Verdict
}

func (g *Guard) apply(cfg chatter.Config) {
	if err := g.engine.Initialize(cfg); err != nil {
		g.log.Error("reconfigure rejected", "error", err)
		return
	}
	g.active.Store(&cfg)
	g.stats.reconfigurations.Add(1)
	g.log.Info("filter reconfigured",
		"chatter_threshold_ms", cfg.ChatterThreshold.Milliseconds(),
		"repeat_threshold_ms", cfg.RepeatThreshold.Milliseconds(),
		"updown_threshold_ms", cfg.UpDownThreshold.Milliseconds(),
	)
}
