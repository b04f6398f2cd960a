package bluez

import (
	"strings"

	"github.com/srg/wearbeat/internal/gatt"
)

// classifyDBus recognises org.bluez error names. It is kept free of build
// tags so the mapping is testable everywhere.
func classifyDBus(msg string) gatt.ErrorKind {
	switch {
	case strings.Contains(msg, "org.bluez.Error.NotReady"),
		strings.Contains(msg, "org.freedesktop.DBus.Error.ServiceUnknown"),
		strings.Contains(msg, "org.freedesktop.DBus.Error.NoReply"):
		return gatt.KindTransientRestart
	case strings.Contains(msg, "org.bluez.Error.DoesNotExist"),
		strings.Contains(msg, "org.freedesktop.DBus.Error.UnknownObject"):
		return gatt.KindInvalidUUID
	}
	return gatt.KindOther
}
