// Package metrics provides Prometheus metrics for bounceguard.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bounceguard/internal/chatter"
	"bounceguard/internal/hook"
)

const namespace = "bounceguard"

// Metrics holds all bounceguard metrics. Its methods are safe to call
// from the hook thread: every update is a lock-free counter operation
// except the first suppression of each key.
type Metrics struct {
	registry *prometheus.Registry
	perKey   bool

	Events         *prometheus.CounterVec
	Suppressed     *prometheus.CounterVec
	SuppressedKeys *prometheus.CounterVec
	ImeOverrides   prometheus.Counter
	RepeatCleared  prometheus.Counter
	Injected       prometheus.Counter
	ConfigReloads  *prometheus.CounterVec
	JournalDropped prometheus.Counter
	JournalWritten prometheus.Counter

	EngineInitialized prometheus.Gauge
	StartTime         prometheus.Gauge

	// Children resolved up front so OnDecision does no label lookups.
	events [2][2]prometheus.Counter
	rules  map[chatter.Rule]prometheus.Counter
}

// Options configures New.
type Options struct {
	// Registry receives the collectors. A fresh registry is created
	// when nil.
	Registry *prometheus.Registry

	// PerKey exports suppression counts labelled by key code.
	PerKey bool

	// RuntimeCollectors adds the Go runtime and process collectors.
	RuntimeCollectors bool
}

// New creates and registers all bounceguard metrics.
func New(opts Options) *Metrics {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: reg,
		perKey:   opts.PerKey,

		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Key events seen by the filter, by direction and verdict.",
		}, []string{"direction", "verdict"}),
		Suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressed_total",
			Help:      "Suppressed key events by the rule that flagged them.",
		}, []string{"rule"}),
		SuppressedKeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressed_keys_total",
			Help:      "Suppressed key events by key code.",
		}, []string{"key"}),
		ImeOverrides: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ime_overrides_total",
			Help:      "Backspace presses let through because Control was held.",
		}),
		RepeatCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repeat_cleared_total",
			Help:      "Flagged presses let through as held-key auto-repeat.",
		}),
		Injected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "injected_events_total",
			Help:      "Synthesized key events seen by the hook.",
		}),
		ConfigReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reloads by result.",
		}, []string{"result"}),
		JournalDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_dropped_total",
			Help:      "Suppression records dropped because the journal queue was full.",
		}),
		JournalWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_written_total",
			Help:      "Suppression records written to the journal.",
		}),
		EngineInitialized: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_initialized",
			Help:      "1 while the chatter engine is filtering events.",
		}),
		StartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Unix time the process started.",
		}),
		rules: make(map[chatter.Rule]prometheus.Counter),
	}

	reg.MustRegister(
		m.Events,
		m.Suppressed,
		m.SuppressedKeys,
		m.ImeOverrides,
		m.RepeatCleared,
		m.Injected,
		m.ConfigReloads,
		m.JournalDropped,
		m.JournalWritten,
		m.EngineInitialized,
		m.StartTime,
	)
	if opts.RuntimeCollectors {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	for d, direction := range []string{"up", "down"} {
		for v, verdict := range []chatter.Verdict{chatter.Deliver, chatter.Suppress} {
			m.events[d][v] = m.Events.WithLabelValues(direction, verdict.String())
		}
	}
	for _, r := range []chatter.Rule{chatter.RuleSameKey, chatter.RuleReleaseBounce, chatter.RuleCascade, chatter.RuleShortPress} {
		m.rules[r] = m.Suppressed.WithLabelValues(r.String())
	}
	m.ConfigReloads.WithLabelValues("ok")
	m.ConfigReloads.WithLabelValues("error")
	m.StartTime.Set(float64(time.Now().Unix()))

	return m
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// OnDecision records one filter decision.
func (m *Metrics) OnDecision(ev hook.Event, d chatter.Decision) {
	dir, verdict := 0, 0
	if ev.Down {
		dir = 1
	}
	if d.Suppressed() {
		verdict = 1
	}
	m.events[dir][verdict].Inc()

	if ev.Injected {
		m.Injected.Inc()
	}
	if d.ImeOverride {
		m.ImeOverrides.Inc()
	}
	if d.RepeatCleared {
		m.RepeatCleared.Inc()
	}
	if !d.Suppressed() {
		return
	}
	if c, ok := m.rules[d.Rule]; ok {
		c.Inc()
	}
	if m.perKey {
		m.SuppressedKeys.WithLabelValues(strconv.FormatUint(uint64(ev.Code), 10)).Inc()
	}
}

// ConfigReloaded counts a reload attempt.
func (m *Metrics) ConfigReloaded(err error) {
	if err != nil {
		m.ConfigReloads.WithLabelValues("error").Inc()
		return
	}
	m.ConfigReloads.WithLabelValues("ok").Inc()
}

// SetEngineInitialized sets the engine gauge.
func (m *Metrics) SetEngineInitialized(on bool) {
	if on {
		m.EngineInitialized.Set(1)
		return
	}
	m.EngineInitialized.Set(0)
}

// JournalDroppedRecord counts one record lost to a full queue.
func (m *Metrics) JournalDroppedRecord() {
	m.JournalDropped.Inc()
}

// JournalWroteRecords counts records committed to the journal.
func (m *Metrics) JournalWroteRecords(n int) {
	m.JournalWritten.Add(float64(n))
}
