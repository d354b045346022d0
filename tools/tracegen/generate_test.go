package main

import (
	"bytes"
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bounceguard/internal/chatter"
	"bounceguard/internal/guard"
	"bounceguard/internal/hook"
	"bounceguard/internal/trace"
)

func replay(t *testing.T, records []trace.Record, layout chatter.Layout) (*hook.Replay, guard.Stats) {
	t.Helper()
	cfg := chatter.DefaultConfig()
	cfg.Layout = layout
	g, err := guard.New(cfg, guard.Options{})
	require.NoError(t, err)
	r := hook.NewReplay(records)
	require.NoError(t, g.Run(context.Background(), r))
	return r, g.Stats()
}

func TestGeneratedExpectationsHold(t *testing.T) {
	for name, p := range profiles {
		for layoutName, keys := range layouts {
			t.Run(name+"/"+layoutName, func(t *testing.T) {
				rng := rand.New(rand.NewPCG(42, 7))
				records, sum := generate(rng, p, keys, 400, true)
				require.Equal(t, sum.Events, len(records))

				layout, ok := chatter.LayoutByName(layoutName)
				require.True(t, ok)
				r, st := replay(t, records, layout)

				for i, res := range r.Results() {
					if res.Mismatch() {
						t.Fatalf("event %d %+v: got %s", i+1, res.Record, res.Verdict)
					}
				}
				assert.Equal(t, uint64(sum.Bounces), st.Suppressed.Total())
				assert.Equal(t, uint64(sum.Bounces), st.ByRule["same_key"])
			})
		}
	}
}

func TestGenerateIsOrderedAndValid(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	records, sum := generate(rng, profiles["gamer"], layouts["windows"], 300, false)

	assert.Equal(t, 300, sum.Presses)
	assert.Len(t, sum.WornKeys, 2)
	var last int64
	downs := 0
	for _, rec := range records {
		require.NoError(t, rec.Validate())
		assert.GreaterOrEqual(t, rec.Time, last)
		assert.Empty(t, rec.Expect)
		last = rec.Time
		if rec.IsDown() {
			downs++
		}
	}
	assert.Equal(t, sum.Presses+sum.Bounces+sum.Repeats, downs)
}

func TestSteadyProfileHasNoBounces(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	_, sum := generate(rng, profiles["steady"], layouts["evdev"], 200, true)
	assert.Zero(t, sum.Bounces)
	assert.Empty(t, sum.WornKeys)
}

func TestCommandWritesTrace(t *testing.T) {
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"--profile", "fast-typist", "--count", "50", "--seed", "9"})
	require.NoError(t, cmd.Execute())

	records, err := trace.ReadAll(&out)
	require.NoError(t, err)
	assert.NotEmpty(t, records)
	assert.Contains(t, errOut.String(), "Fast Typist")

	cmd = newRootCmd()
	cmd.SetArgs([]string{"--profile", "nope"})
	assert.ErrorContains(t, cmd.Execute(), "unknown profile")
}
