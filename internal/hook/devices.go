package hook

import (
	"bufio"
	"io"
	"math/bits"
	"strconv"
	"strings"
)

// InputDevice is one entry of /proc/bus/input/devices.
type InputDevice struct {
	Name     string
	Handlers []string
	// EV and Key are the capability bitmaps as printed by the kernel:
	// space-separated hex words, most significant first.
	EV  string
	Key string
}

// Path returns the /dev/input node of the device, or "" if it has no
// event handler.
func (d InputDevice) Path() string {
	for _, h := range d.Handlers {
		if strings.HasPrefix(h, "event") {
			return "/dev/input/" + h
		}
	}
	return ""
}

// Event types and key codes used to recognise a keyboard.
const (
	evKey = 0x01
	evRep = 0x14

	keyBackspace = 14
	keyA         = 30
	keySpace     = 57
)

// IsKeyboard reports whether the device can autorepeat and has the
// keys a text keyboard always has. Mice, power buttons and lid switches
// advertise EV_KEY too, so EV_KEY alone is not enough.
func (d InputDevice) IsKeyboard() bool {
	if !bitSet(d.EV, evKey) || !bitSet(d.EV, evRep) {
		return false
	}
	for _, code := range []int{keyBackspace, keyA, keySpace} {
		if !bitSet(d.Key, code) {
			return false
		}
	}
	return true
}

// ParseInputDevices parses the /proc/bus/input/devices format.
func ParseInputDevices(r io.Reader) ([]InputDevice, error) {
	var (
		devices []InputDevice
		cur     InputDevice
		started bool
	)
	flush := func() {
		if started {
			devices = append(devices, cur)
		}
		cur = InputDevice{}
		started = false
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			flush()
			continue
		}
		started = true
		switch {
		case strings.HasPrefix(line, "N: Name="):
			cur.Name = strings.Trim(strings.TrimPrefix(line, "N: Name="), `"`)
		case strings.HasPrefix(line, "H: Handlers="):
			cur.Handlers = strings.Fields(strings.TrimPrefix(line, "H: Handlers="))
		case strings.HasPrefix(line, "B: EV="):
			cur.EV = strings.TrimPrefix(line, "B: EV=")
		case strings.HasPrefix(line, "B: KEY="):
			cur.Key = strings.TrimPrefix(line, "B: KEY=")
		}
	}
	flush()
	return devices, sc.Err()
}

// bitSet tests bit n of a kernel bitmap. Each word is an unsigned long.
func bitSet(bitmap string, n int) bool {
	words := strings.Fields(bitmap)
	idx := n / bits.UintSize
	if idx >= len(words) {
		return false
	}
	w, err := strconv.ParseUint(words[len(words)-1-idx], 16, bits.UintSize)
	if err != nil {
		return false
	}
	return w&(1<<(uint(n)%bits.UintSize)) != 0
}

// keyboardPaths returns the event nodes of keyboards, skipping devices
// named skip.
func keyboardPaths(devices []InputDevice, skip string) []string {
	var paths []string
	for _, d := range devices {
		if skip != "" && d.Name == skip {
			continue
		}
		if !d.IsKeyboard() {
			continue
		}
		if p := d.Path(); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}
