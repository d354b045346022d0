package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"bounceguard/internal/journal"
)

type statsFlags struct {
	since    time.Duration
	limit    int
	sessions int
	jsonOut  bool
}

// journalReport is what stats prints.
type journalReport struct {
	Since    time.Time                `json:"since"`
	Keys     []journal.KeyCount       `json:"keys"`
	Rules    map[string]int64         `json:"rules"`
	Sessions []journal.SessionSummary `json:"sessions,omitempty"`
}

func newStatsCmd(gf *globalFlags) *cobra.Command {
	f := &statsFlags{}
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the keys that chatter most",
		Long: `Summarize the suppression journal: which keys were suppressed most
often, by which rule, and in which sessions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.since <= 0 {
				return fmt.Errorf("--since must be positive")
			}
			if f.limit < 1 || f.limit > 256 {
				return fmt.Errorf("--limit must be between 1 and 256")
			}

			cfg, loader, err := gf.loadConfig()
			if err != nil {
				return err
			}
			defer loader.Close()

			if _, err := os.Stat(cfg.Journal.Path); err != nil {
				return fmt.Errorf("no journal at %s", cfg.Journal.Path)
			}
			j, err := journal.Open(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer j.Close()

			rep, err := buildReport(j, time.Now().Add(-f.since), f.limit, f.sessions)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if f.jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			rep.print(out)
			return nil
		},
	}
	cmd.Flags().DurationVar(&f.since, "since", 24*time.Hour, "Only count suppressions newer than this")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 10, "Number of keys to show")
	cmd.Flags().IntVar(&f.sessions, "sessions", 0, "Also list this many recent sessions")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "Print the report as JSON")
	return cmd
}

func buildReport(j *journal.Journal, since time.Time, limit, sessions int) (*journalReport, error) {
	keys, err := j.TopKeys(since, limit)
	if err != nil {
		return nil, err
	}
	rules, err := j.RuleCounts(since)
	if err != nil {
		return nil, err
	}
	rep := &journalReport{Since: since, Keys: keys, Rules: rules}
	if sessions > 0 {
		rep.Sessions, err = j.SessionSummaries(sessions)
		if err != nil {
			return nil, err
		}
	}
	return rep, nil
}

func (r *journalReport) print(w io.Writer) {
	fmt.Fprintf(w, "Suppressions since %s\n\n", r.Since.Format("2006-01-02 15:04"))
	if len(r.Keys) == 0 {
		fmt.Fprintln(w, "  none")
	} else {
		fmt.Fprintf(w, "  %-6s %8s %8s %8s  %s\n", "KEY", "TOTAL", "DOWN", "UP", "LAST")
		for _, k := range r.Keys {
			fmt.Fprintf(w, "  %-6d %8d %8d %8d  %s\n", k.KeyCode, k.Total, k.Down, k.Up, k.Last.Format("2006-01-02 15:04:05"))
		}
	}

	if len(r.Rules) > 0 {
		names := make([]string, 0, len(r.Rules))
		for name := range r.Rules {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(w, "\nBy rule:")
		for _, name := range names {
			fmt.Fprintf(w, "  %-16s %d\n", name, r.Rules[name])
		}
	}

	if len(r.Sessions) > 0 {
		fmt.Fprintln(w, "\nSessions:")
		for _, s := range r.Sessions {
			ended := "running"
			if s.EndedAt != nil {
				ended = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
			}
			fmt.Fprintf(w, "  %s  %s  %-7s %-10s %d suppressed\n",
				s.ID[:8], s.StartedAt.Format("2006-01-02 15:04"), s.Source, ended, s.Suppressions)
		}
	}
}
