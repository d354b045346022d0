package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"bounceguard/internal/chatter"
	"bounceguard/internal/config"
	"bounceguard/internal/guard"
	"bounceguard/internal/hook"
	"bounceguard/internal/trace"
)

type simulateFlags struct {
	jsonOut      bool
	annotate     string
	layout       string
	chatterMs    int
	repeatMs     int
	updownMs     int
	keyUpChatter bool
}

func newSimulateCmd(gf *globalFlags) *cobra.Command {
	f := &simulateFlags{}
	cmd := &cobra.Command{
		Use:   "simulate <trace.jsonl>",
		Short: "Replay a recorded trace through the filter",
		Long: `Replay a JSON Lines trace through the chatter filter and report what
would have been suppressed. Use "-" to read the trace from stdin.

Each line is one event:
  {"t": 1000, "key": 65, "dir": "down"}
  {"t": 1004, "key": 65, "dir": "down", "expect": "suppress"}

Events carrying "expect" are checked; any mismatch makes the command
exit non-zero.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := gf.loadConfig()
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			ec, err := cfg.EngineConfig()
			if err != nil {
				return err
			}

			records, err := trace.ReadFile(args[0])
			if err != nil {
				return err
			}

			sim, err := simulate(cmd.Context(), records, ec, cfg.Hook.PassInjected)
			if err != nil {
				return err
			}

			if f.annotate != "" {
				if err := writeAnnotated(f.annotate, sim.Annotated); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if f.jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(sim); err != nil {
					return err
				}
			} else {
				sim.print(out)
			}

			if len(sim.Mismatches) > 0 {
				return errMismatch
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "Print the result as JSON")
	cmd.Flags().StringVar(&f.annotate, "annotate", "", "Write the trace with verdicts to this file")
	cmd.Flags().StringVar(&f.layout, "layout", "", "Key code layout (windows, evdev); overrides the configuration")
	cmd.Flags().IntVar(&f.chatterMs, "chatter-ms", 0, "Override filter.chatter_threshold_ms")
	cmd.Flags().IntVar(&f.repeatMs, "repeat-ms", 0, "Override filter.repeat_threshold_ms")
	cmd.Flags().IntVar(&f.updownMs, "updown-ms", 0, "Override filter.updown_threshold_ms")
	cmd.Flags().BoolVar(&f.keyUpChatter, "keyup-chatter", false, "Override filter.keyup_chatter")
	return cmd
}

// apply copies explicitly set flags over the loaded filter section.
func (f *simulateFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("layout") {
		cfg.Filter.Layout = f.layout
	}
	if flags.Changed("chatter-ms") {
		cfg.Filter.ChatterThresholdMs = f.chatterMs
	}
	if flags.Changed("repeat-ms") {
		cfg.Filter.RepeatThresholdMs = f.repeatMs
	}
	if flags.Changed("updown-ms") {
		cfg.Filter.UpDownThresholdMs = f.updownMs
	}
	if flags.Changed("keyup-chatter") {
		cfg.Filter.KeyUpChatter = f.keyUpChatter
	}
}

// mismatch is an event whose verdict differs from its expectation.
type mismatch struct {
	Event   int    `json:"event"`
	Time    int64  `json:"t"`
	Key     uint32 `json:"key"`
	Dir     string `json:"dir"`
	Expect  string `json:"expect"`
	Verdict string `json:"verdict"`
	Rule    string `json:"rule,omitempty"`
}

// simulation is the outcome of replaying one trace.
type simulation struct {
	Events     int         `json:"events"`
	Stats      guard.Stats `json:"stats"`
	Mismatches []mismatch  `json:"mismatches"`

	Annotated []trace.Record `json:"-"`
}

// simulate replays records through a fresh guard.
func simulate(ctx context.Context, records []trace.Record, ec chatter.Config, passInjected bool) (*simulation, error) {
	decisions := make([]chatter.Decision, 0, len(records))
	gd, err := guard.New(ec, guard.Options{
		PassInjected: passInjected,
		Observers: []guard.Observer{guard.ObserverFunc(func(_ hook.Event, d chatter.Decision) {
			decisions = append(decisions, d)
		})},
	})
	if err != nil {
		return nil, err
	}

	replay := hook.NewReplay(records)
	if err := gd.Run(ctx, replay); err != nil {
		return nil, err
	}

	sim := &simulation{
		Events:     len(records),
		Stats:      gd.Stats(),
		Mismatches: []mismatch{},
		Annotated:  make([]trace.Record, len(records)),
	}
	for i, res := range replay.Results() {
		rec := res.Record
		rec.Verdict = res.Verdict.String()
		if i < len(decisions) && decisions[i].Rule != chatter.RuleNone {
			rec.Rule = decisions[i].Rule.String()
		}
		sim.Annotated[i] = rec

		if res.Mismatch() {
			sim.Mismatches = append(sim.Mismatches, mismatch{
				Event:   i + 1,
				Time:    rec.Time,
				Key:     rec.Key,
				Dir:     rec.Dir,
				Expect:  rec.Expect,
				Verdict: rec.Verdict,
				Rule:    rec.Rule,
			})
		}
	}
	return sim, nil
}

func (s *simulation) print(w io.Writer) {
	st := s.Stats
	fmt.Fprintf(w, "Events:      %d\n", s.Events)
	fmt.Fprintf(w, "Delivered:   %d (down %d, up %d)\n", st.Delivered.Total(), st.Delivered.Down, st.Delivered.Up)
	fmt.Fprintf(w, "Suppressed:  %d (down %d, up %d)\n", st.Suppressed.Total(), st.Suppressed.Down, st.Suppressed.Up)

	rules := make([]string, 0, len(st.ByRule))
	for r := range st.ByRule {
		rules = append(rules, r)
	}
	sort.Strings(rules)
	for _, r := range rules {
		fmt.Fprintf(w, "  %-16s %d\n", r, st.ByRule[r])
	}

	if len(st.ByKey) > 0 {
		keys := make([]chatter.KeyCode, 0, len(st.ByKey))
		for k := range st.ByKey {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if st.ByKey[keys[i]] != st.ByKey[keys[j]] {
				return st.ByKey[keys[i]] > st.ByKey[keys[j]]
			}
			return keys[i] < keys[j]
		})
		fmt.Fprintln(w, "Keys:")
		for _, k := range keys {
			fmt.Fprintf(w, "  %-16d %d\n", k, st.ByKey[k])
		}
	}
	if st.ImeOverrides > 0 {
		fmt.Fprintf(w, "IME overrides: %d\n", st.ImeOverrides)
	}
	if st.RepeatCleared > 0 {
		fmt.Fprintf(w, "Repeat cleared: %d\n", st.RepeatCleared)
	}

	if len(s.Mismatches) == 0 {
		return
	}
	fmt.Fprintf(w, "\nMismatches:  %d\n", len(s.Mismatches))
	for _, m := range s.Mismatches {
		fmt.Fprintf(w, "  event %d t=%d key=%d %s: expected %s, got %s", m.Event, m.Time, m.Key, m.Dir, m.Expect, m.Verdict)
		if m.Rule != "" {
			fmt.Fprintf(w, " (%s)", m.Rule)
		}
		fmt.Fprintln(w)
	}
}

func writeAnnotated(path string, records []trace.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create annotated trace: %w", err)
	}
	tw := trace.NewWriter(f)
	for _, rec := range records {
		if err := tw.Write(rec); err != nil {
			f.Close()
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
