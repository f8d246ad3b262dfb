// Package radio defines the contract between the arbitration core and the
// BLE stack driving the single shared adapter.
package radio

import (
	"context"
	"time"
)

// Capability operations understood by Capability.Invoke
const (
	OpRead    = "read"
	OpWrite   = "write"
	OpStart   = "start"
	OpStop    = "stop"
	OpTurnOn  = "turnOn"
	OpTurnOff = "turnOff"
)

// Radio is the single shared adapter. Implementations deliver hardware
// callbacks through the EventHandler set with SetHandler; StopScanning must
// not return before the adapter has actually stopped.
type Radio interface {
	StartScanning(ctx context.Context) error
	StopScanning(ctx context.Context) error
	Connect(ctx context.Context, address string) (Link, error)
	SetHandler(h EventHandler)
}

// EventHandler receives asynchronous adapter notifications
type EventHandler interface {
	ScanStarted()
	ScanStopped()
	Advertisement(adv Advertisement)
}

// Link is an open connection to one device
type Link interface {
	Address() string
	Capabilities() []Capability
	// Subscribe routes notifications of the named capability to fn
	Subscribe(capability string, fn func(data []byte)) error
	// OnDisconnect registers fn to run once when the link drops. On a link
	// that already dropped fn runs before OnDisconnect returns.
	OnDisconnect(fn func())
	Disconnect(ctx context.Context) error
}

// Capability is a named feature of a connected device (led, temperature, button...)
type Capability interface {
	Name() string
	CanNotify() bool
	Supports(op string) bool
	Invoke(ctx context.Context, cmd Command) (Result, error)
}

// Command is one capability invocation
type Command struct {
	Op     string         `json:"op"`
	Params map[string]any `json:"params,omitempty"`
	Data   []byte         `json:"data,omitempty"`
}

// Result is the device's answer to a Command
type Result struct {
	Code int    `json:"code"`
	Text string `json:"text,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// Beacon is one service payload carried by an advertisement
type Beacon struct {
	ServiceID int            `json:"serviceId"`
	Values    map[string]any `json:"values,omitempty"`
}

// Advertisement is a decoded discovery report
type Advertisement struct {
	LocalName string    `json:"localName"`
	Address   string    `json:"address"`
	RSSI      int       `json:"rssi"`
	TxPower   int       `json:"txPower,omitempty"`
	Distance  float64   `json:"distance,omitempty"`
	Beacons   []Beacon  `json:"beacons,omitempty"`
	Time      time.Time `json:"time"`
}
