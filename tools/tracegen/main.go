// tracegen generates synthetic keyboard traces for bounceguard simulate,
// so the filter can be exercised without a worn keyboard at hand.
//
// Usage:
//
//	go run ./tools/tracegen --profile worn-switch --count 500 > worn.jsonl
//	go run ./tools/tracegen --profile gamer --layout evdev -o gamer.jsonl
//	bounceguard simulate worn.jsonl --layout windows
package main

import (
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"bounceguard/internal/trace"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		output      string
		count       int
		profileName string
		layout      string
		seed        uint64
		expect      bool
		list        bool
	)

	cmd := &cobra.Command{
		Use:   "tracegen",
		Short: "Generate synthetic keyboard traces",
		Long: `Generate a JSON Lines keyboard trace with human-like timing and
optional switch bounce. Bounce presses are marked "expect": "suppress"
so the default filter settings can be checked with bounceguard simulate.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				printProfiles(cmd.OutOrStdout())
				return nil
			}

			profile, ok := profiles[profileName]
			if !ok {
				return fmt.Errorf("unknown profile %q (use --list)", profileName)
			}
			keys, ok := layouts[layout]
			if !ok {
				return fmt.Errorf("unknown layout %q (want windows or evdev)", layout)
			}
			if count < 1 {
				return fmt.Errorf("--count must be positive")
			}
			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}

			rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
			records, sum := generate(rng, profile, keys, count, expect)

			var w io.Writer = cmd.OutOrStdout()
			if output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			tw := trace.NewWriter(w)
			fmt.Fprintf(w, "# tracegen profile=%s layout=%s seed=%d\n", profileName, layout, seed)
			for _, rec := range records {
				if err := tw.Write(rec); err != nil {
					return err
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			printSummary(cmd.ErrOrStderr(), profile, seed, sum)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "-", "Output file (- for stdout)")
	cmd.Flags().IntVarP(&count, "count", "n", 200, "Number of key presses")
	cmd.Flags().StringVarP(&profileName, "profile", "p", "worn-switch", "Typing profile")
	cmd.Flags().StringVar(&layout, "layout", "windows", "Key code layout (windows, evdev)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed; 0 uses the current time")
	cmd.Flags().BoolVar(&expect, "expect", true, "Annotate events with the verdict the default filter should give")
	cmd.Flags().BoolVar(&list, "list", false, "List available profiles")
	return cmd
}

func printProfiles(w io.Writer) {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "Available profiles:")
	for _, name := range names {
		fmt.Fprintf(w, "  %-14s %s\n", name, profiles[name].Description)
	}
}

func printSummary(w io.Writer, p Profile, seed uint64, s Summary) {
	fmt.Fprintf(w, "Profile:   %s\n", p.Name)
	fmt.Fprintf(w, "Seed:      %d\n", seed)
	fmt.Fprintf(w, "Presses:   %d\n", s.Presses)
	fmt.Fprintf(w, "Bounces:   %d\n", s.Bounces)
	fmt.Fprintf(w, "Repeats:   %d\n", s.Repeats)
	fmt.Fprintf(w, "Events:    %d over %.1fs\n", s.Events, float64(s.SpanMs)/1000)
	if len(s.WornKeys) > 0 {
		fmt.Fprintf(w, "Worn keys: %v\n", s.WornKeys)
	}
}
