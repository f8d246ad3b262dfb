package testutils

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/srg/linkd/internal/radio"
)

// AdvertisementBuilder builds radio advertisements for tests with a fluent API.
type AdvertisementBuilder struct {
	adv radio.Advertisement
}

// NewAdvertisementBuilder creates a builder for an unnamed advertisement.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.LocalName = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.RSSI = rssi
	return b
}

// WithTxPower sets the calibrated transmission power.
func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.adv.TxPower = power
	return b
}

// WithBeacon appends a beacon service payload.
func (b *AdvertisementBuilder) WithBeacon(serviceID int, values map[string]any) *AdvertisementBuilder {
	b.adv.Beacons = append(b.adv.Beacons, radio.Beacon{ServiceID: serviceID, Values: values})
	return b
}

// WithTime pins the advertisement timestamp.
func (b *AdvertisementBuilder) WithTime(t time.Time) *AdvertisementBuilder {
	b.adv.Time = t
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)
	if err := json.Unmarshal([]byte(jsonStr), &b.adv); err != nil {
		panic(fmt.Sprintf("FromJSON: failed to unmarshal advertisement: %v", err))
	}
	return b
}

// Build returns the configured advertisement.
func (b *AdvertisementBuilder) Build() radio.Advertisement {
	adv := b.adv
	adv.Beacons = append([]radio.Beacon(nil), b.adv.Beacons...)
	if adv.Time.IsZero() {
		adv.Time = time.Now()
	}
	return adv
}
