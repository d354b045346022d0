package hook

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bounceguard/internal/chatter"
	"bounceguard/internal/config"
	"bounceguard/internal/trace"
)

const procSample = `I: Bus=0011 Vendor=0001 Product=0001 Version=ab41
N: Name="AT Translated Set 2 keyboard"
P: Phys=isa0060/serio0/input0
H: Handlers=sysrq kbd event3 leds
B: PROP=0
B: EV=120013
B: KEY=402000000 3803078f800d001 feffffdfffefffff fffffffffffffffe
B: MSC=10
B: LED=7

I: Bus=0019 Vendor=0000 Product=0001 Version=0000
N: Name="Power Button"
H: Handlers=kbd event0
B: PROP=0
B: EV=3
B: KEY=10000000000000 0

I: Bus=0003 Vendor=046d Product=c077 Version=0111
N: Name="Logitech USB Optical Mouse"
H: Handlers=mouse0 event5
B: PROP=0
B: EV=17
B: KEY=70000 0 0 0 0
B: REL=903

I: Bus=0006 Vendor=1209 Product=b0b0 Version=0001
N: Name="bounceguard virtual keyboard"
H: Handlers=sysrq kbd event9 leds
B: PROP=0
B: EV=120013
B: KEY=402000000 3803078f800d001 feffffdfffefffff fffffffffffffffe
`

func TestParseInputDevices(t *testing.T) {
	devices, err := ParseInputDevices(strings.NewReader(procSample))
	require.NoError(t, err)
	require.Len(t, devices, 4)

	assert.Equal(t, "AT Translated Set 2 keyboard", devices[0].Name)
	assert.Equal(t, "/dev/input/event3", devices[0].Path())
	assert.True(t, devices[0].IsKeyboard())

	assert.False(t, devices[1].IsKeyboard(), "power button")
	assert.False(t, devices[2].IsKeyboard(), "mouse")
}

func TestKeyboardPathsSkipsVirtualDevice(t *testing.T) {
	devices, err := ParseInputDevices(strings.NewReader(procSample))
	require.NoError(t, err)

	assert.Equal(t, []string{"/dev/input/event3", "/dev/input/event9"}, keyboardPaths(devices, ""))
	assert.Equal(t, []string{"/dev/input/event3"}, keyboardPaths(devices, "bounceguard virtual keyboard"))
}

func TestBitSet(t *testing.T) {
	assert.True(t, bitSet("120013", 1))
	assert.True(t, bitSet("120013", 20))
	assert.False(t, bitSet("120013", 2))
	assert.False(t, bitSet("3", 64))
	assert.False(t, bitSet("zz", 0))
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New("x11", Options{})
	assert.Error(t, err)

	ok, reason := Available("x11", Options{})
	assert.False(t, ok)
	assert.Contains(t, reason, "x11")
}

func TestIdleSourceWaitsForCancel(t *testing.T) {
	src, err := New("none", Options{})
	require.NoError(t, err)
	assert.Equal(t, "none", src.Name())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, HandlerFunc(func(Event) chatter.Verdict { return chatter.Deliver })) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("idle source did not stop")
	}
}

func TestOptionsFrom(t *testing.T) {
	hc := config.DefaultConfig().Hook
	hc.Devices = []string{"/dev/input/event7"}
	opts := OptionsFrom(hc, nil)

	hc.Devices[0] = "changed"
	assert.Equal(t, []string{"/dev/input/event7"}, opts.Devices)
	assert.Equal(t, hc.VirtualDeviceName, opts.VirtualDeviceName)
	assert.NotNil(t, opts.logger())
}

func TestReplayFeedsHandlerInOrder(t *testing.T) {
	records := []trace.Record{
		{Time: 10, Key: 65, Dir: trace.Down},
		{Time: 20, Key: 65, Dir: trace.Up, Injected: true},
		{Time: 30, Key: 300, Dir: trace.Down, Expect: "deliver"},
	}

	var seen []Event
	r := NewReplay(records)
	err := r.Run(context.Background(), HandlerFunc(func(ev Event) chatter.Verdict {
		seen = append(seen, ev)
		if ev.Down {
			return chatter.Deliver
		}
		return chatter.Suppress
	}))
	require.NoError(t, err)

	require.Len(t, seen, 3)
	assert.Equal(t, Event{Code: 65, Down: true, Time: 10}, seen[0])
	assert.True(t, seen[1].Injected)
	assert.Equal(t, "up", seen[1].Direction())

	results := r.Results()
	require.Len(t, results, 3)
	assert.Equal(t, chatter.Suppress, results[1].Verdict)
	assert.False(t, results[2].Mismatch())
}

func TestReplayMismatch(t *testing.T) {
	r := NewReplay([]trace.Record{{Time: 1, Key: 8, Dir: trace.Down, Expect: "suppress"}})
	require.NoError(t, r.Run(context.Background(), HandlerFunc(func(Event) chatter.Verdict { return chatter.Deliver })))
	assert.True(t, r.Results()[0].Mismatch())
}

func TestReplayStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewReplay([]trace.Record{{Time: 1, Key: 8, Dir: trace.Down}})
	err := r.Run(ctx, HandlerFunc(func(Event) chatter.Verdict { return chatter.Deliver }))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, r.Results())
}

func TestSourceFunc(t *testing.T) {
	var seen []Event
	src := SourceFunc{
		Label: "scripted",
		Fn: func(ctx context.Context, h Handler) error {
			h.HandleKey(Event{Code: 30, Down: true, Time: 5})
			return nil
		},
	}
	h := HandlerFunc(func(ev Event) chatter.Verdict {
		seen = append(seen, ev)
		return chatter.Deliver
	})

	assert.Equal(t, "scripted", src.Name())
	require.NoError(t, src.Run(context.Background(), h))
	require.Len(t, seen, 1)
	assert.Equal(t, "down", seen[0].Direction())
}
