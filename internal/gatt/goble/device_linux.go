package goble

import "github.com/go-ble/ble/linux"

// DeviceFactory opens the default HCI adapter. Tests replace it.
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (Peripheral, error) {
	return linux.NewDevice()
}
