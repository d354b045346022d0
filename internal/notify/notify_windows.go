//go:build windows

package notify

import (
	"context"

	"golang.org/x/sys/windows"
)

const (
	mbOK              = 0x00000000
	mbIconError       = 0x00000010
	mbIconInformation = 0x00000040
	mbSetForeground   = 0x00010000
)

// messageBoxNotifier shows a modal MessageBox. Notify blocks until the
// user dismisses it.
type messageBoxNotifier struct {
	appName string
}

func newPlatform(opts Options) Notifier {
	return &messageBoxNotifier{appName: opts.AppName}
}

func (n *messageBoxNotifier) Notify(_ context.Context, level Level, title, body string) error {
	flags := uint32(mbOK | mbSetForeground | mbIconInformation)
	if level == LevelError {
		flags = mbOK | mbSetForeground | mbIconError
	}

	text, err := windows.UTF16PtrFromString(title + "\n\n" + body)
	if err != nil {
		return err
	}
	caption, err := windows.UTF16PtrFromString(n.appName)
	if err != nil {
		return err
	}
	_, err = windows.MessageBox(0, text, caption, flags)
	return err
}
