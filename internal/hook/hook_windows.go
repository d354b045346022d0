//go:build windows

package hook

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"

	"bounceguard/internal/chatter"
)

// Low-level keyboard hook.
//
// The hook callback runs on the thread that installed the hook, inside
// GetMessage. Returning non-zero swallows the event; otherwise it is
// passed on with CallNextHookEx.

const (
	whKeyboardLL = 13
	hcAction     = 0

	wmQuit       = 0x0012
	wmKeyDown    = 0x0100
	wmKeyUp      = 0x0101
	wmSysKeyDown = 0x0104
	wmSysKeyUp   = 0x0105

	pmNoRemove = 0x0000

	llkhfInjected = 0x10
)

var (
	user32                  = windows.NewLazySystemDLL("user32.dll")
	procSetWindowsHookExW   = user32.NewProc("SetWindowsHookExW")
	procUnhookWindowsHookEx = user32.NewProc("UnhookWindowsHookEx")
	procCallNextHookEx      = user32.NewProc("CallNextHookEx")
	procGetMessageW         = user32.NewProc("GetMessageW")
	procPeekMessageW        = user32.NewProc("PeekMessageW")
	procTranslateMessage    = user32.NewProc("TranslateMessage")
	procDispatchMessageW    = user32.NewProc("DispatchMessageW")
	procPostThreadMessageW  = user32.NewProc("PostThreadMessageW")
)

type kbdllhookstruct struct {
	VkCode      uint32
	ScanCode    uint32
	Flags       uint32
	Time        uint32
	DwExtraInfo uintptr
}

type point struct {
	X, Y int32
}

type msg struct {
	Hwnd    windows.Handle
	Message uint32
	WParam  uintptr
	LParam  uintptr
	Time    uint32
	Pt      point
}

// active is the installed source. The callback is a process-wide
// trampoline, so only one hook may be installed at a time.
var (
	active       atomic.Pointer[windowsSource]
	callbackOnce sync.Once
	callbackPtr  uintptr
)

func hookCallback() uintptr {
	callbackOnce.Do(func() {
		callbackPtr = windows.NewCallback(lowLevelKeyboardProc)
	})
	return callbackPtr
}

type windowsSource struct {
	opts    Options
	handler Handler
	hook    uintptr
}

func newPlatformSource(backend string, opts Options) (Source, error) {
	if backend != "windows" {
		return nil, fmt.Errorf("%w: %s on windows", ErrNotAvailable, backend)
	}
	return &windowsSource{opts: opts}, nil
}

func platformAvailable(backend string, _ Options) (bool, string) {
	if backend != "windows" {
		return false, backend + " is not supported on windows"
	}
	if err := user32.Load(); err != nil {
		return false, fmt.Sprintf("user32.dll: %v", err)
	}
	return true, "low-level keyboard hook"
}

func (s *windowsSource) Name() string { return "windows" }

// Run installs the hook and pumps messages until ctx is cancelled.
func (s *windowsSource) Run(ctx context.Context, h Handler) error {
	if !active.CompareAndSwap(nil, s) {
		return ErrAlreadyRunning
	}
	defer active.Store(nil)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s.handler = h
	log := s.opts.logger()

	// Force creation of the thread message queue so WM_QUIT can be posted.
	var m msg
	procPeekMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0, pmNoRemove)
	tid := windows.GetCurrentThreadId()

	hook, _, err := procSetWindowsHookExW.Call(whKeyboardLL, hookCallback(), 0, 0)
	if hook == 0 {
		return fmt.Errorf("SetWindowsHookEx: %w", err)
	}
	s.hook = hook
	defer procUnhookWindowsHookEx.Call(hook)

	stop := context.AfterFunc(ctx, func() {
		procPostThreadMessageW.Call(uintptr(tid), wmQuit, 0, 0)
	})
	defer stop()

	if ctx.Err() != nil {
		return nil
	}
	log.Info("keyboard hook installed")

	for {
		r, _, err := procGetMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0)
		switch int32(r) {
		case -1:
			return fmt.Errorf("GetMessage: %w", err)
		case 0:
			log.Info("keyboard hook removed")
			return nil
		}
		procTranslateMessage.Call(uintptr(unsafe.Pointer(&m)))
		procDispatchMessageW.Call(uintptr(unsafe.Pointer(&m)))
	}
}

func lowLevelKeyboardProc(nCode int, wParam uintptr, lParam uintptr) uintptr {
	s := active.Load()
	if s == nil || nCode != hcAction {
		return callNext(s, nCode, wParam, lParam)
	}

	var down bool
	switch wParam {
	case wmKeyDown, wmSysKeyDown:
		down = true
	case wmKeyUp, wmSysKeyUp:
		down = false
	default:
		return callNext(s, nCode, wParam, lParam)
	}

	kb := (*kbdllhookstruct)(unsafe.Pointer(lParam))
	ev := Event{
		Code:     chatter.KeyCode(kb.VkCode),
		Down:     down,
		Time:     int64(windows.GetTickCount64()),
		Injected: kb.Flags&llkhfInjected != 0,
	}
	if s.handler.HandleKey(ev) == chatter.Suppress {
		return 1
	}
	return callNext(s, nCode, wParam, lParam)
}

func callNext(s *windowsSource, nCode int, wParam, lParam uintptr) uintptr {
	var hook uintptr
	if s != nil {
		hook = s.hook
	}
	r, _, _ := procCallNextHookEx.Call(hook, uintptr(nCode), wParam, lParam)
	return r
}
