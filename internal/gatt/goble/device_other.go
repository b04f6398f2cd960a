//go:build !linux && !darwin

package goble

import (
	"fmt"
	"runtime"
)

// DeviceFactory has no adapter on this platform. Tests replace it.
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (Peripheral, error) {
	return nil, fmt.Errorf("go-ble has no peripheral support on %s", runtime.GOOS)
}
