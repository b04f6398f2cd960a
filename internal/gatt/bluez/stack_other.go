//go:build !linux

package bluez

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearbeat/internal/gatt"
)

// Open fails: BlueZ only exists on Linux.
func Open(*logrus.Logger) (gatt.Stack, error) {
	return nil, errors.New("bluez backend requires Linux")
}
