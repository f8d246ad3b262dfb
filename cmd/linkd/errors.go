package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/linkd/internal/linkerr"
	"github.com/srg/linkd/internal/radio/goble"
)

// FormatUserError turns an error chain into a message for the terminal
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, goble.ErrBluetoothOff) {
		return "Bluetooth is turned off or unavailable. Please enable it and retry."
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "operation timed out"
	}

	var lerr *linkerr.LinkError
	if errors.As(err, &lerr) {
		switch lerr.Kind {
		case linkerr.DiscoveryTimeout:
			return fmt.Sprintf("device %q was not found. Make sure it is powered on and in range.", lerr.Device)
		case linkerr.ConnectTimeout:
			return fmt.Sprintf("connection to %q timed out", lerr.Device)
		case linkerr.UnsupportedCapability:
			return fmt.Sprintf("device %q does not support this operation", lerr.Device)
		case linkerr.NoDeviceName:
			return "no device name given"
		case linkerr.LockTimeout:
			return "the Bluetooth adapter is busy, please retry"
		}
	}
	return err.Error()
}
