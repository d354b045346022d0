//go:build linux

package hook

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const uinputPath = "/dev/uinput"

// uinput ioctls.
const (
	uiDevCreate  = 0x5501
	uiDevDestroy = 0x5502
	uiDevSetup   = 0x405c5503 // _IOW('U', 3, struct uinput_setup)
	uiSetEvBit   = 0x40045564
	uiSetKeyBit  = 0x40045565

	keyMax = 0x2ff

	busVirtual = 0x06
)

// uinputSetup matches struct uinput_setup.
type uinputSetup struct {
	ID struct {
		BusType uint16
		Vendor  uint16
		Product uint16
		Version uint16
	}
	Name         [80]byte
	FFEffectsMax uint32
}

// virtualKeyboard re-emits delivered events to the rest of the system.
type virtualKeyboard struct {
	f *os.File
}

func newVirtualKeyboard(name string) (*virtualKeyboard, error) {
	f, err := os.OpenFile(uinputPath, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s failed: %w. Ensure 'modprobe uinput' and permissions", uinputPath, err)
	}
	vk := &virtualKeyboard{f: f}

	if err := vk.ioctl(uiSetEvBit, evKey); err != nil {
		f.Close()
		return nil, fmt.Errorf("ioctl UI_SET_EVBIT EV_KEY failed: %w", err)
	}
	for code := 1; code <= keyMax; code++ {
		if err := vk.ioctl(uiSetKeyBit, uintptr(code)); err != nil {
			f.Close()
			return nil, fmt.Errorf("ioctl UI_SET_KEYBIT %d failed: %w", code, err)
		}
	}

	var setup uinputSetup
	setup.ID.BusType = busVirtual
	setup.ID.Vendor = 0x1209
	setup.ID.Product = 0xb0b0
	setup.ID.Version = 1
	if name == "" {
		name = "bounceguard"
	}
	copy(setup.Name[:len(setup.Name)-1], name)
	if err := vk.ioctlPtr(uiDevSetup, unsafe.Pointer(&setup)); err != nil {
		f.Close()
		return nil, fmt.Errorf("ioctl UI_DEV_SETUP failed: %w", err)
	}
	if err := vk.ioctl(uiDevCreate, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("ioctl UI_DEV_CREATE failed: %w", err)
	}
	return vk, nil
}

func (vk *virtualKeyboard) ioctl(req, arg uintptr) error {
	rc, err := vk.f.SyscallConn()
	if err != nil {
		return err
	}
	var errno unix.Errno
	if err := rc.Control(func(fd uintptr) {
		_, _, errno = unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	}); err != nil {
		return err
	}
	if errno != 0 {
		return errno
	}
	return nil
}

func (vk *virtualKeyboard) ioctlPtr(req uintptr, p unsafe.Pointer) error {
	rc, err := vk.f.SyscallConn()
	if err != nil {
		return err
	}
	var errno unix.Errno
	if err := rc.Control(func(fd uintptr) {
		_, _, errno = unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(p))
	}); err != nil {
		return err
	}
	if errno != 0 {
		return errno
	}
	return nil
}

func (vk *virtualKeyboard) writeEvent(typ, code uint16, value int32) error {
	ev := inputEvent{Type: typ, Code: code, Value: value}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.NativeEndian, &ev); err != nil {
		return err
	}
	_, err := vk.f.Write(buf.Bytes())
	return err
}

// emit writes one key event followed by a SYN_REPORT.
func (vk *virtualKeyboard) emit(code uint16, value int32) error {
	if err := vk.writeEvent(evKey, code, value); err != nil {
		return err
	}
	return vk.writeEvent(evSyn, synReport, 0)
}

// Close destroys the virtual device.
func (vk *virtualKeyboard) Close() error {
	if vk.f == nil {
		return nil
	}
	_ = vk.ioctl(uiDevDestroy, 0)
	err := vk.f.Close()
	vk.f = nil
	return err
}
