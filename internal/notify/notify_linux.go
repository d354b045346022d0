//go:build linux

package notify

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	notificationsName  = "org.freedesktop.Notifications"
	notificationsPath  = "/org/freedesktop/Notifications"
	notificationsIface = "org.freedesktop.Notifications.Notify"

	urgencyNormal   byte = 1
	urgencyCritical byte = 2
)

// dbusNotifier sends org.freedesktop.Notifications requests over the
// session bus.
type dbusNotifier struct {
	appName string
}

func newPlatform(opts Options) Notifier {
	return &dbusNotifier{appName: opts.AppName}
}

func hints(level Level) map[string]dbus.Variant {
	urgency := urgencyNormal
	if level == LevelError {
		urgency = urgencyCritical
	}
	return map[string]dbus.Variant{"urgency": dbus.MakeVariant(urgency)}
}

// expireTimeout returns the display time in ms; critical notifications
// stay until dismissed.
func expireTimeout(level Level) int32 {
	if level == LevelError {
		return 0
	}
	return 5000
}

func (n *dbusNotifier) Notify(ctx context.Context, level Level, title, body string) error {
	conn, err := dbus.SessionBus()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}

	obj := conn.Object(notificationsName, dbus.ObjectPath(notificationsPath))
	call := obj.CallWithContext(ctx, notificationsIface, 0,
		n.appName,    // app_name
		uint32(0),    // replaces_id
		"",           // app_icon
		title,        // summary
		body,         // body
		[]string{},   // actions
		hints(level), // hints
		expireTimeout(level),
	)
	if call.Err != nil {
		return fmt.Errorf("notify: %w", call.Err)
	}
	return nil
}
