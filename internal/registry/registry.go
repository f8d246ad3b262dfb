// Package registry is the process-wide table of known devices keyed by their
// stable local name.
package registry

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/linkd/internal/eventbus"
	"github.com/srg/linkd/internal/radio"
)

// State is the per-device connection state
type State string

const (
	Discovered    State = "discovered"
	Connecting    State = "connecting"
	Connected     State = "connected"
	Disconnecting State = "disconnecting"
)

// Record describes one known device. Records returned by the Registry are copies.
type Record struct {
	Name         string
	Address      string
	State        State
	RSSI         int
	TxPower      int
	Distance     float64
	Beacons      []radio.Beacon
	Capabilities map[string]radio.Capability
	LastSeen     time.Time
}

// CapabilityNames returns the sorted names of the cached capabilities
func (r Record) CapabilityNames() []string {
	names := make([]string, 0, len(r.Capabilities))
	for name := range r.Capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SinceLastSeen is the age of the latest advertisement
func (r Record) SinceLastSeen() time.Duration {
	if r.LastSeen.IsZero() {
		return 0
	}
	return time.Since(r.LastSeen)
}

// MarshalJSON renders capabilities by name
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name         string         `json:"name"`
		Address      string         `json:"address"`
		State        State          `json:"state"`
		RSSI         int            `json:"rssi"`
		Distance     float64        `json:"distance"`
		Beacons      []radio.Beacon `json:"beacons,omitempty"`
		Capabilities []string       `json:"capabilities,omitempty"`
		LastSeen     time.Time      `json:"lastSeen"`
	}{
		Name:         r.Name,
		Address:      r.Address,
		State:        r.State,
		RSSI:         r.RSSI,
		Distance:     r.Distance,
		Beacons:      r.Beacons,
		Capabilities: r.CapabilityNames(),
		LastSeen:     r.LastSeen,
	})
}

func (r Record) clone() Record {
	if r.Capabilities != nil {
		caps := make(map[string]radio.Capability, len(r.Capabilities))
		for k, v := range r.Capabilities {
			caps[k] = v
		}
		r.Capabilities = caps
	}
	if r.Beacons != nil {
		r.Beacons = append([]radio.Beacon(nil), r.Beacons...)
	}
	return r
}

// Discovery is the payload of eventbus.TopicDiscover
type Discovery struct {
	Record Record `json:"record"`
	// New is set when the name was not known before
	New bool `json:"new"`
	// PreviousAddress is set when the record was replaced because the address changed
	PreviousAddress string `json:"previousAddress,omitempty"`
}

// Replaced reports whether the advertisement replaced a record with another address
func (d Discovery) Replaced() bool {
	return d.PreviousAddress != ""
}

// Registry stores device records. Reads are lock-free; writes are serialised.
type Registry struct {
	bus    *eventbus.Bus
	logger *logrus.Logger

	writeMu sync.Mutex
	records *hashmap.Map[string, *Record]
}

// New creates an empty registry publishing discover events on bus
func New(bus *eventbus.Bus, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		bus:     bus,
		logger:  logger,
		records: hashmap.New[string, *Record](),
	}
}

// Upsert records an advertisement and publishes a discover event.
//
// A new name creates a Discovered record. A known name with a different
// address replaces the record entirely. Otherwise LastSeen is refreshed, and
// the signal attributes too unless the device is connected.
func (r *Registry) Upsert(adv radio.Advertisement) (Record, bool) {
	if adv.LocalName == "" {
		r.logger.WithField("address", adv.Address).Debug("Ignoring advertisement without local name")
		return Record{}, false
	}

	seen := adv.Time
	if seen.IsZero() {
		seen = time.Now()
	}
	distance := adv.Distance
	if distance == 0 {
		distance = radio.EstimateDistance(adv.RSSI, adv.TxPower)
	}

	r.writeMu.Lock()
	ev := Discovery{}
	prev, exists := r.records.Get(adv.LocalName)
	var next Record
	switch {
	case !exists:
		ev.New = true
		next = fromAdvertisement(adv, distance, seen)
	case prev.Address != adv.Address:
		ev.PreviousAddress = prev.Address
		next = fromAdvertisement(adv, distance, seen)
	default:
		next = prev.clone()
		next.LastSeen = seen
		if next.State != Connected {
			next.RSSI = adv.RSSI
			next.TxPower = adv.TxPower
			next.Distance = distance
			next.Beacons = append([]radio.Beacon(nil), adv.Beacons...)
		}
	}
	r.records.Set(adv.LocalName, &next)
	ev.Record = next.clone()
	r.writeMu.Unlock()

	switch {
	case ev.New:
		r.logger.WithFields(logrus.Fields{
			"device":  adv.LocalName,
			"address": adv.Address,
			"rssi":    adv.RSSI,
		}).Info("Discovered new device")
	case ev.Replaced():
		r.logger.WithFields(logrus.Fields{
			"device":           adv.LocalName,
			"address":          adv.Address,
			"previous_address": ev.PreviousAddress,
		}).Info("Device address changed, record replaced")
	}

	if r.bus != nil {
		r.bus.Publish(eventbus.TopicDiscover, ev)
	}
	return ev.Record, true
}

// Get returns a copy of the named record
func (r *Registry) Get(name string) (Record, bool) {
	rec, ok := r.records.Get(name)
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// List returns copies of all records sorted by name
func (r *Registry) List() []Record {
	out := make([]Record, 0, r.records.Len())
	r.records.Range(func(_ string, rec *Record) bool {
		out = append(out, rec.clone())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of known devices
func (r *Registry) Len() int {
	return r.records.Len()
}

// SetState changes the state of a known device
func (r *Registry) SetState(name string, state State) bool {
	return r.update(name, func(rec *Record) {
		rec.State = state
	})
}

// SetCapabilities marks the device Connected with the given capabilities
func (r *Registry) SetCapabilities(name string, caps []radio.Capability) bool {
	return r.update(name, func(rec *Record) {
		rec.State = Connected
		rec.Capabilities = make(map[string]radio.Capability, len(caps))
		for _, c := range caps {
			rec.Capabilities[c.Name()] = c
		}
	})
}

// MarkDisconnected returns the device to Discovered and drops its capabilities
func (r *Registry) MarkDisconnected(name string) bool {
	return r.update(name, func(rec *Record) {
		rec.State = Discovered
		rec.Capabilities = nil
	})
}

func (r *Registry) update(name string, fn func(rec *Record)) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	prev, ok := r.records.Get(name)
	if !ok {
		return false
	}
	next := prev.clone()
	fn(&next)
	r.records.Set(name, &next)
	return true
}

func fromAdvertisement(adv radio.Advertisement, distance float64, seen time.Time) Record {
	return Record{
		Name:     adv.LocalName,
		Address:  adv.Address,
		State:    Discovered,
		RSSI:     adv.RSSI,
		TxPower:  adv.TxPower,
		Distance: distance,
		Beacons:  append([]radio.Beacon(nil), adv.Beacons...),
		LastSeen: seen,
	}
}
