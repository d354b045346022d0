//go:build linux

package hook

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"bounceguard/internal/chatter"
)

const procInputDevices = "/proc/bus/input/devices"

// evdev ioctls.
const (
	eviocgrab     = 0x40044590 // _IOW('E', 0x90, int)
	eviocsclockid = 0x400445a0 // _IOW('E', 0xa0, int)
	eviocgkey     = 0x80604518 // _IOR('E', 0x18, [96]byte)

	keyStateBytes = 96
)

const (
	evSyn     = 0x00
	synReport = 0
)

// inputEvent matches struct input_event.
type inputEvent struct {
	Time  unix.Timeval
	Type  uint16
	Code  uint16
	Value int32
}

var inputEventSize = int(unsafe.Sizeof(inputEvent{}))

type rawEvent struct {
	ev   inputEvent
	time int64
}

type evdevSource struct {
	opts Options
}

func newPlatformSource(backend string, opts Options) (Source, error) {
	if backend != "evdev" {
		return nil, fmt.Errorf("%w: %s on linux", ErrNotAvailable, backend)
	}
	return &evdevSource{opts: opts}, nil
}

func platformAvailable(backend string, opts Options) (bool, string) {
	if backend != "evdev" {
		return false, backend + " is not supported on linux"
	}
	paths, err := discoverKeyboards(opts)
	if err != nil {
		return false, fmt.Sprintf("cannot find keyboard devices: %v", err)
	}
	if len(paths) == 0 {
		return false, "no keyboard devices found"
	}
	readable := ""
	for _, p := range paths {
		if unix.Access(p, unix.R_OK) == nil {
			readable = p
			break
		}
	}
	if readable == "" {
		return false, "cannot read keyboard devices (need to be in 'input' group or run as root)"
	}
	if opts.Grab && unix.Access(uinputPath, unix.W_OK) != nil {
		return false, "cannot write " + uinputPath + " (load the uinput module and check permissions)"
	}
	return true, fmt.Sprintf("found keyboard device: %s", readable)
}

func discoverKeyboards(opts Options) ([]string, error) {
	if len(opts.Devices) > 0 {
		return opts.Devices, nil
	}
	f, err := os.Open(procInputDevices)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	devices, err := ParseInputDevices(f)
	if err != nil {
		return nil, err
	}
	return keyboardPaths(devices, opts.VirtualDeviceName), nil
}

func (s *evdevSource) Name() string { return "evdev" }

// Run reads every keyboard until ctx is cancelled. With Grab set the
// devices are taken exclusively and delivered events are re-emitted
// through a virtual keyboard; without it verdicts are advisory.
func (s *evdevSource) Run(ctx context.Context, h Handler) error {
	log := s.opts.logger()

	paths, err := discoverKeyboards(s.opts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}
	if len(paths) == 0 {
		return fmt.Errorf("%w: no keyboard devices found", ErrNotAvailable)
	}

	var vk *virtualKeyboard
	if s.opts.Grab {
		vk, err = newVirtualKeyboard(s.opts.VirtualDeviceName)
		if err != nil {
			return err
		}
		defer vk.Close()
	} else {
		log.Warn("grab disabled, suppressed events still reach applications")
	}

	ctx, cancel := context.WithCancel(ctx)
	var (
		devs []*evdevDevice
		wg   sync.WaitGroup
	)
	defer func() {
		cancel()
		for _, d := range devs {
			d.Close()
		}
		wg.Wait()
	}()

	for _, p := range paths {
		d, err := openDevice(p, s.opts.Grab)
		if err != nil {
			log.Warn("skipping input device", "path", p, "error", err)
			continue
		}
		devs = append(devs, d)
		log.Info("reading input device", "path", p, "grabbed", s.opts.Grab)
	}
	if len(devs) == 0 {
		return fmt.Errorf("%w: cannot open any keyboard device", ErrNotAvailable)
	}

	events := make(chan rawEvent, 256)
	errs := make(chan error, len(devs))
	var readers sync.WaitGroup
	for _, d := range devs {
		wg.Add(1)
		readers.Add(1)
		go func() {
			defer wg.Done()
			defer readers.Done()
			if err := d.readLoop(ctx, events); err != nil {
				log.Warn("input device lost", "path", d.path, "error", err)
				errs <- err
			}
		}()
	}
	go func() {
		readers.Wait()
		close(events)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case re, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				select {
				case err := <-errs:
					return fmt.Errorf("all input devices lost: %w", err)
				default:
					return errors.New("all input devices closed")
				}
			}
			s.dispatch(h, vk, re)
		}
	}
}

func (s *evdevSource) dispatch(h Handler, vk *virtualKeyboard, re rawEvent) {
	if re.ev.Type != evKey || re.ev.Value < 0 || re.ev.Value > 2 {
		return
	}
	// Value 2 is kernel autorepeat; the engine sees it as another press.
	ev := Event{
		Code: chatter.KeyCode(re.ev.Code),
		Down: re.ev.Value != 0,
		Time: re.time,
	}
	if h.HandleKey(ev) == chatter.Suppress || vk == nil {
		return
	}
	if err := vk.emit(re.ev.Code, re.ev.Value); err != nil {
		s.opts.logger().Error("re-emit key event", "error", err)
	}
}

// evdevDevice is an open /dev/input/event* node.
type evdevDevice struct {
	path      string
	f         *os.File
	monotonic bool
	start     time.Time
}

func openDevice(path string, grab bool) (*evdevDevice, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	d := &evdevDevice{path: path, f: f, start: time.Now()}

	if err := d.ioctlPointerInt(eviocsclockid, unix.CLOCK_MONOTONIC); err == nil {
		d.monotonic = true
	}

	if grab {
		d.waitKeysReleased(time.Second)
		if err := d.ioctlInt(eviocgrab, 1); err != nil {
			f.Close()
			return nil, fmt.Errorf("grab %s: %w", path, err)
		}
	}
	return d, nil
}

// control runs fn on the raw descriptor without switching the file to
// blocking mode, so Close still interrupts a pending Read.
func (d *evdevDevice) control(fn func(fd int) error) error {
	rc, err := d.f.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := rc.Control(func(fd uintptr) { opErr = fn(int(fd)) }); err != nil {
		return err
	}
	return opErr
}

func (d *evdevDevice) ioctlInt(req uint, value int) error {
	return d.control(func(fd int) error { return unix.IoctlSetInt(fd, req, value) })
}

func (d *evdevDevice) ioctlPointerInt(req uint, value int) error {
	return d.control(func(fd int) error { return unix.IoctlSetPointerInt(fd, req, value) })
}

// waitKeysReleased polls the device key state until nothing is held.
// Grabbing while a key is down leaves the system with a press whose
// release it never sees.
func (d *evdevDevice) waitKeysReleased(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	var state [keyStateBytes]byte
	for time.Now().Before(deadline) {
		err := d.control(func(fd int) error {
			_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), eviocgkey, uintptr(unsafe.Pointer(&state[0])))
			if errno != 0 {
				return errno
			}
			return nil
		})
		if err != nil || state == [keyStateBytes]byte{} {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (d *evdevDevice) timestamp(ev inputEvent) int64 {
	var ms int64
	if d.monotonic {
		ms = int64(ev.Time.Sec)*1000 + int64(ev.Time.Usec)/1000
	} else {
		ms = time.Since(d.start).Milliseconds() + 1
	}
	if ms < 1 {
		ms = 1
	}
	return ms
}

func (d *evdevDevice) readLoop(ctx context.Context, out chan<- rawEvent) error {
	buf := make([]byte, inputEventSize*64)
	for {
		n, err := d.f.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read %s: %w", d.path, err)
		}
		for off := 0; off+inputEventSize <= n; off += inputEventSize {
			var ev inputEvent
			if err := binary.Read(bytes.NewReader(buf[off:off+inputEventSize]), binary.NativeEndian, &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			select {
			case out <- rawEvent{ev: ev, time: d.timestamp(ev)}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Close releases the grab and closes the node.
func (d *evdevDevice) Close() error {
	return d.f.Close()
}
