package goble

import "github.com/go-ble/ble/darwin"

// DeviceFactory opens CoreBluetooth in peripheral mode. Tests replace it.
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (Peripheral, error) {
	return darwin.NewDevice(darwin.OptPeripheralRole())
}
