// Package linkerr holds the error taxonomy shared by the arbitration core,
// the node adapters and the admin surface.
package linkerr

import (
	"errors"
	"fmt"
)

// Kind classifies a LinkError
type Kind string

const (
	LockTimeout           Kind = "lock timeout"
	DiscoveryTimeout      Kind = "discovery timeout"
	ConnectTimeout        Kind = "connect timeout"
	ConnectFailed         Kind = "connect failed"
	NotConnected          Kind = "not connected"
	UnsupportedCapability Kind = "unsupported capability"
	NoDeviceName          Kind = "no device name"
	ScanStart             Kind = "scan start failed"
	ScanStop              Kind = "scan stop failed"
)

// LinkError is a classified failure of a radio or device operation
type LinkError struct {
	Kind   Kind
	Device string
	Msg    string
}

// Error implements the error interface
func (e *LinkError) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := string(e.Kind)
	if e.Device != "" {
		s = fmt.Sprintf("%s: %q", s, e.Device)
	}
	if e.Msg != "" {
		s = s + ": " + e.Msg
	}
	return s
}

// Is allows errors.Is to compare LinkError values by Kind
func (e *LinkError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*LinkError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	// ErrLockTimeout marks a forced lock takeover. It is logged, never returned.
	ErrLockTimeout           = &LinkError{Kind: LockTimeout}
	ErrDiscoveryTimeout      = &LinkError{Kind: DiscoveryTimeout}
	ErrConnectTimeout        = &LinkError{Kind: ConnectTimeout}
	ErrConnectFailed         = &LinkError{Kind: ConnectFailed}
	ErrNotConnected          = &LinkError{Kind: NotConnected}
	ErrUnsupportedCapability = &LinkError{Kind: UnsupportedCapability}
	ErrNoDeviceName          = &LinkError{Kind: NoDeviceName}
	ErrScanStart             = &LinkError{Kind: ScanStart}
	ErrScanStop              = &LinkError{Kind: ScanStop}
)

// New returns a LinkError of the given kind bound to a device
func New(kind Kind, device, msg string) *LinkError {
	return &LinkError{Kind: kind, Device: device, Msg: msg}
}

// Wrap binds cause to a LinkError of the given kind, keeping both matchable by errors.Is
func Wrap(kind Kind, device string, cause error) error {
	if cause == nil {
		return New(kind, device, "")
	}
	return fmt.Errorf("%w: %w", New(kind, device, ""), cause)
}

// KindOf reports the Kind of the first LinkError in err's chain
func KindOf(err error) (Kind, bool) {
	var lerr *LinkError
	if errors.As(err, &lerr) {
		return lerr.Kind, true
	}
	return "", false
}
