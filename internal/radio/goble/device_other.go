//go:build !darwin && !linux

package goble

import (
	"errors"
	"runtime"

	"github.com/go-ble/ble"
)

// DeviceFactory creates the platform ble.Device (can be overridden in tests)
var DeviceFactory = func() (ble.Device, error) {
	return nil, errors.New("no BLE support on " + runtime.GOOS)
}
