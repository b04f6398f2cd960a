package main

import (
	"errors"
	"fmt"

	"github.com/srg/wearbeat/internal/gatt"
	"github.com/srg/wearbeat/internal/sensor/broker"
	"github.com/srg/wearbeat/internal/sensor/script"
)

// FormatUserError turns an error chain into a one-line message with a hint
// for the failures users can fix themselves.
func FormatUserError(err error) string {
	var scriptErr *script.ScriptError
	switch {
	case errors.As(err, &scriptErr):
		if scriptErr.Line > 0 {
			return fmt.Sprintf("script %s, line %d: %s", scriptErr.Source, scriptErr.Line, scriptErr.Message)
		}
		return fmt.Sprintf("script %s: %s", scriptErr.Source, scriptErr.Message)
	case errors.Is(err, broker.ErrConnectTimeout):
		return fmt.Sprintf("%s (is the MQTT broker reachable?)", err)
	case gatt.KindOf(err) == gatt.KindTransientRestart:
		return fmt.Sprintf("%s (is the Bluetooth adapter powered on?)", err)
	}
	return err.Error()
}
