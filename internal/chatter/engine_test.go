package chatter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	keyA KeyCode = 0x41
	keyB KeyCode = 0x42
	keyC KeyCode = 0x43
)

var (
	backspace = LayoutWindows.Backspace
	lctrl     = LayoutWindows.LControl
	rctrl     = LayoutWindows.RControl
)

func newEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

// =============================================================================
// Same-key rule
// =============================================================================

func TestFirstPressDelivers(t *testing.T) {
	e := newEngine(t, nil)
	for code := KeyCode(0); code < TableSize; code++ {
		assert.Equal(t, Deliver, e.ProcessDown(code, 1000+int64(code)*100), "key %d", code)
	}
}

func TestKeyCodeZeroFirstPress(t *testing.T) {
	e := newEngine(t, nil)
	assert.Equal(t, Deliver, e.ProcessDown(0, 1))
	assert.Equal(t, Suppress, e.ProcessDown(0, 10))
}

func TestSameKeyWithinThreshold(t *testing.T) {
	tests := []struct {
		name   string
		second int64
		want   Verdict
	}{
		{"at 30ms", 1030, Suppress},
		{"at 49ms", 1049, Suppress},
		{"at 50ms", 1050, Deliver},
		{"at 60ms", 1060, Deliver},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, nil)
			require.Equal(t, Deliver, e.ProcessDown(keyA, 1000))
			require.Equal(t, Deliver, e.ProcessUp(keyA, 1010))

			d := e.Down(keyA, tt.second)
			assert.Equal(t, tt.want, d.Verdict)
			if tt.want == Suppress {
				assert.Equal(t, RuleSameKey, d.Rule)
			}
		})
	}
}

func TestDifferentKeyNeverSameKeyChatter(t *testing.T) {
	e := newEngine(t, nil)

	assert.Equal(t, Deliver, e.ProcessDown(keyA, 1000))
	assert.Equal(t, Deliver, e.ProcessDown(keyB, 1001))
	assert.Equal(t, Deliver, e.ProcessDown(keyA, 1002))
	assert.Equal(t, Deliver, e.ProcessDown(keyB, 1003))
}

func TestSuppressedPressStillRecorded(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.IgnoreRepeat = false
	})

	require.Equal(t, Deliver, e.ProcessDown(keyA, 1000))
	require.Equal(t, Suppress, e.ProcessDown(keyA, 1030))

	// Measured from the suppressed press, not the delivered one.
	assert.Equal(t, Suppress, e.ProcessDown(keyA, 1060))

	s, ok := e.State(keyA)
	require.True(t, ok)
	assert.Equal(t, int64(1060), s.LastDown)
	assert.True(t, s.WasChatter)
}

// =============================================================================
// Auto-repeat accommodation
// =============================================================================

func TestHeldKeyRepeatDoesNotRearm(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.ChatterThreshold = 50 * time.Millisecond
		c.RepeatThreshold = 200 * time.Millisecond
		c.IgnoreRepeat = true
	})

	require.Equal(t, Deliver, e.ProcessDown(keyA, 1000))
	// The first repeat is indistinguishable from a bounce.
	require.Equal(t, Suppress, e.ProcessDown(keyA, 1030))

	for i := int64(2); i < 40; i++ {
		assert.Equal(t, Deliver, e.ProcessDown(keyA, 1000+i*30), "repeat %d", i)
	}

	s, _ := e.State(keyA)
	assert.True(t, s.IsRepeat)
}

func TestHeldKeyWithoutIgnoreRepeat(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.IgnoreRepeat = false
	})

	require.Equal(t, Deliver, e.ProcessDown(keyA, 1000))
	for i := int64(1); i < 20; i++ {
		assert.Equal(t, Suppress, e.ProcessDown(keyA, 1000+i*30), "repeat %d", i)
	}
}

func TestRepeatThresholdClearsChatter(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.ChatterThreshold = 50 * time.Millisecond
		c.RepeatThreshold = 20 * time.Millisecond
		c.IgnoreRepeat = true
	})

	require.Equal(t, Deliver, e.ProcessDown(keyA, 1000))

	d := e.Down(keyA, 1030)
	assert.Equal(t, Deliver, d.Verdict)
	assert.Equal(t, RuleSameKey, d.Rule)
	assert.True(t, d.RepeatCleared)
}

func TestRepeatResetByRelease(t *testing.T) {
	e := newEngine(t, nil)

	e.ProcessDown(keyA, 1000)
	e.ProcessDown(keyA, 1030)
	e.ProcessDown(keyA, 1060)
	s, _ := e.State(keyA)
	require.True(t, s.IsRepeat)

	e.ProcessUp(keyA, 1070)
	// The release ends the repeat, so a fast re-press is chatter again.
	e.ProcessDown(keyA, 1080)
	s, _ = e.State(keyA)
	assert.False(t, s.IsRepeat)
	assert.Equal(t, Suppress, e.ProcessDown(keyA, 1090))
}

// =============================================================================
// Release-edge chatter
// =============================================================================

func keyUpConfig(c *Config) {
	c.ChatterThreshold = 50 * time.Millisecond
	c.UpDownThreshold = 40 * time.Millisecond
	c.KeyUpChatter = true
}

func TestShortPressSuppressesRelease(t *testing.T) {
	e := newEngine(t, keyUpConfig)

	require.Equal(t, Deliver, e.ProcessDown(keyC, 1000))

	up := e.Up(keyC, 1020)
	assert.Equal(t, Suppress, up.Verdict)
	assert.Equal(t, RuleShortPress, up.Rule)

	s, _ := e.State(keyC)
	assert.Equal(t, OverrideExpectChatter, s.PendingDown)
	assert.True(t, s.WasChatter)

	down := e.Down(keyC, 1050)
	assert.Equal(t, Suppress, down.Verdict)
	assert.Equal(t, RuleReleaseBounce, down.Rule)

	// The press flagged its release as bounce as well.
	s, _ = e.State(keyC)
	assert.Equal(t, OverrideExpectChatter, s.PendingUp)
	assert.Equal(t, Suppress, e.ProcessUp(keyC, 1060))
}

func TestCascadeAfterFlaggedRelease(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		keyUpConfig(c)
		c.ChatterThreshold = 20 * time.Millisecond
	})

	require.Equal(t, Deliver, e.ProcessDown(keyC, 1000))
	// Same tick: the release-bounce rule cannot see it, the cascade can.
	require.Equal(t, Suppress, e.ProcessUp(keyC, 1000))

	d := e.Down(keyC, 1030)
	assert.Equal(t, Suppress, d.Verdict)
	assert.Equal(t, RuleCascade, d.Rule)

	s, _ := e.State(keyC)
	assert.Equal(t, OverrideNone, s.PendingDown)
}

func TestReleaseAfterThresholdDelivers(t *testing.T) {
	e := newEngine(t, keyUpConfig)

	require.Equal(t, Deliver, e.ProcessDown(keyC, 1000))
	assert.Equal(t, Deliver, e.ProcessUp(keyC, 1040))
	assert.Equal(t, Deliver, e.ProcessDown(keyC, 1100))
}

func TestOrphanReleaseDelivers(t *testing.T) {
	e := newEngine(t, keyUpConfig)
	assert.Equal(t, Deliver, e.ProcessUp(keyC, 1000))
}

func TestReleaseChecksDisabled(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.UpDownThreshold = 40 * time.Millisecond
		c.KeyUpChatter = false
	})

	require.Equal(t, Deliver, e.ProcessDown(keyC, 1000))
	assert.Equal(t, Deliver, e.ProcessUp(keyC, 1005))
	assert.Equal(t, Deliver, e.ProcessDown(keyC, 1100))
	assert.Equal(t, Deliver, e.ProcessUp(keyC, 1101))
}

// =============================================================================
// Backspace/Control override
// =============================================================================

func TestBackspaceWithControlHeld(t *testing.T) {
	for _, ctrl := range []KeyCode{lctrl, rctrl} {
		e := newEngine(t, nil)

		require.Equal(t, Deliver, e.ProcessDown(ctrl, 1000))
		for i := int64(1); i <= 10; i++ {
			d := e.Down(backspace, 1000+i*5)
			assert.Equal(t, Deliver, d.Verdict, "ctrl %#x press %d", ctrl, i)
			assert.True(t, d.ImeOverride)
		}
	}
}

func TestBackspaceWithoutControl(t *testing.T) {
	e := newEngine(t, nil)

	require.Equal(t, Deliver, e.ProcessDown(backspace, 1000))
	assert.Equal(t, Suppress, e.ProcessDown(backspace, 1010))
}

func TestBackspaceAfterControlReleased(t *testing.T) {
	e := newEngine(t, nil)

	e.ProcessDown(lctrl, 1000)
	e.ProcessUp(lctrl, 1005)

	require.Equal(t, Deliver, e.ProcessDown(backspace, 1010))
	assert.Equal(t, Suppress, e.ProcessDown(backspace, 1020))
}

func TestBackspaceOverrideChains(t *testing.T) {
	e := newEngine(t, nil)

	e.ProcessDown(lctrl, 1000)
	require.True(t, e.Down(backspace, 1010).ImeOverride)
	e.ProcessUp(lctrl, 1015)

	// Control is gone but the previous press was force-allowed.
	d := e.Down(backspace, 1020)
	assert.Equal(t, Deliver, d.Verdict)
	assert.True(t, d.ImeOverride)

	e.ProcessUp(backspace, 1100)

	// Outside the chatter window the chain ends.
	d = e.Down(backspace, 1200)
	assert.Equal(t, Deliver, d.Verdict)
	assert.False(t, d.ImeOverride)

	assert.Equal(t, Suppress, e.ProcessDown(backspace, 1210))
}

func TestBackspaceOverrideForcesRelease(t *testing.T) {
	e := newEngine(t, keyUpConfig)

	e.ProcessDown(lctrl, 1000)
	require.Equal(t, Deliver, e.ProcessDown(backspace, 1010))

	s, _ := e.State(backspace)
	require.Equal(t, OverrideForceAllow, s.PendingUp)
	assert.Equal(t, Deliver, e.ProcessUp(backspace, 1012))
}

func TestBackspaceOverrideDisabled(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.AllowImeCtrlBackspace = false
	})

	e.ProcessDown(lctrl, 1000)
	require.Equal(t, Deliver, e.ProcessDown(backspace, 1010))
	assert.Equal(t, Suppress, e.ProcessDown(backspace, 1020))
}

func TestOverrideOnlyForBackspace(t *testing.T) {
	e := newEngine(t, nil)

	e.ProcessDown(lctrl, 1000)
	require.Equal(t, Deliver, e.ProcessDown(keyA, 1010))
	d := e.Down(keyA, 1020)
	assert.Equal(t, Suppress, d.Verdict)
	assert.False(t, d.ImeOverride)
}

func TestEvdevLayoutOverride(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.Layout = LayoutEvdev
	})

	e.ProcessDown(LayoutEvdev.RControl, 1000)
	e.ProcessDown(LayoutEvdev.Backspace, 1010)
	assert.Equal(t, Deliver, e.ProcessDown(LayoutEvdev.Backspace, 1015))

	// Windows codes mean nothing under the evdev layout.
	assert.Equal(t, Deliver, e.ProcessDown(backspace, 1020))
	assert.Equal(t, Suppress, e.ProcessDown(backspace, 1025))
}

// =============================================================================
// Lifecycle and bounds
// =============================================================================

func TestInitializeResetsState(t *testing.T) {
	e := newEngine(t, keyUpConfig)

	e.ProcessDown(keyA, 1000)
	e.ProcessUp(keyA, 1005)
	e.ProcessDown(keyA, 1010)
	e.ProcessDown(lctrl, 1020)

	require.NoError(t, e.Initialize(e.Config()))

	for _, code := range []KeyCode{keyA, lctrl} {
		s, ok := e.State(code)
		require.True(t, ok)
		assert.Equal(t, KeyState{}, s)
	}
	assert.Equal(t, Deliver, e.ProcessDown(keyA, 1030))
}

func TestInitializeInvalidKeepsState(t *testing.T) {
	e := newEngine(t, nil)
	e.ProcessDown(keyA, 1000)

	bad := DefaultConfig()
	bad.ChatterThreshold = -time.Millisecond
	require.ErrorIs(t, e.Initialize(bad), ErrInvalidConfig)

	assert.Equal(t, DefaultConfig().ChatterThreshold, e.Config().ChatterThreshold)
	assert.Equal(t, Suppress, e.ProcessDown(keyA, 1010))
}

func TestOutOfRangeIsNoop(t *testing.T) {
	e := newEngine(t, keyUpConfig)

	require.Equal(t, Deliver, e.ProcessDown(keyA, 1000))

	d := e.Down(TableSize, 1005)
	assert.Equal(t, Deliver, d.Verdict)
	assert.True(t, d.OutOfRange)
	assert.Equal(t, Deliver, e.ProcessUp(0xFFFF, 1006))

	_, ok := e.State(TableSize)
	assert.False(t, ok)

	// lastDownKey still points at A.
	assert.Equal(t, Suppress, e.ProcessDown(keyA, 1010))
}

func TestUninitializedDelivers(t *testing.T) {
	var e Engine
	assert.False(t, e.Initialized())
	assert.Equal(t, Deliver, e.ProcessDown(keyA, 1000))
	assert.Equal(t, Deliver, e.ProcessDown(keyA, 1001))
	assert.Equal(t, Deliver, e.ProcessUp(keyA, 1002))

	s, _ := e.State(keyA)
	assert.Equal(t, KeyState{}, s)
}

func TestShutdown(t *testing.T) {
	e := newEngine(t, nil)
	e.ProcessDown(keyA, 1000)

	e.Shutdown()
	assert.False(t, e.Initialized())
	assert.Equal(t, Deliver, e.ProcessDown(keyA, 1001))

	s, _ := e.State(keyA)
	assert.Equal(t, KeyState{}, s)

	require.NoError(t, e.Initialize(DefaultConfig()))
	assert.Equal(t, Deliver, e.ProcessDown(keyA, 1002))
}

func TestIndependentEngines(t *testing.T) {
	e1 := newEngine(t, nil)
	e2 := newEngine(t, nil)

	e1.ProcessDown(keyA, 1000)
	assert.Equal(t, Deliver, e2.ProcessDown(keyA, 1010))
	assert.Equal(t, Suppress, e1.ProcessDown(keyA, 1010))
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "deliver", Deliver.String())
	assert.Equal(t, "suppress", Suppress.String())
	assert.Equal(t, "cascade", RuleCascade.String())
	assert.Equal(t, "unknown", Rule(99).String())
	assert.Equal(t, "force_allow", OverrideForceAllow.String())
}

func BenchmarkProcessDown(b *testing.B) {
	e, _ := New(DefaultConfig())
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		code := KeyCode(i % TableSize)
		t := int64(i + 1)
		e.ProcessDown(code, t)
		e.ProcessUp(code, t)
	}
}
