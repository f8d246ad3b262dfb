package goble

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/linkd/internal/radio"
)

// linkingCompanyID is the Bluetooth SIG company identifier carried by Linking beacons
const linkingCompanyID = 0x02e2

// txPowerUnknown is reported by the stack when the advertisement has no TX power field
const txPowerUnknown = 127

// advertisement is the part of ble.Advertisement the radio consumes
type advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	TxPowerLevel() int
	RSSI() int
	Addr() ble.Addr
}

func toAdvertisement(a advertisement, seen time.Time) radio.Advertisement {
	tx := a.TxPowerLevel()
	if tx == txPowerUnknown {
		tx = 0
	}
	return radio.Advertisement{
		LocalName: a.LocalName(),
		Address:   a.Addr().String(),
		RSSI:      a.RSSI(),
		TxPower:   tx,
		Beacons:   ParseBeacons(a.ManufacturerData()),
		Time:      seen,
	}
}

var buttonNames = map[int]string{
	0:  "Power",
	1:  "Return",
	2:  "SingleClick",
	3:  "Home",
	4:  "DoubleClick",
	5:  "VolumeUp",
	6:  "VolumeDown",
	7:  "LongPress",
	8:  "Pause",
	9:  "LongPressRelease",
	10: "FastForward",
	11: "ReWind",
	12: "Shutter",
	13: "Up",
	14: "Down",
	15: "Left",
	16: "Right",
	17: "Enter",
	18: "Menu",
	19: "Play",
	20: "Stop",
}

// ParseBeacons decodes the service bundles of a Linking beacon.
//
// Layout after the little-endian company id: one byte version/vendor, three
// bytes individual number, then 16-bit big-endian bundles of a 4-bit service
// id and 12 bits of data. Anything that is not a Linking beacon yields nil.
func ParseBeacons(manufacturerData []byte) []radio.Beacon {
	if len(manufacturerData) < 8 || binary.LittleEndian.Uint16(manufacturerData) != linkingCompanyID {
		return nil
	}
	body := manufacturerData[2:]

	var beacons []radio.Beacon
	for i := 4; i+1 < len(body); i += 2 {
		bundle := binary.BigEndian.Uint16(body[i:])
		id := int(bundle >> 12)
		data := int(bundle & 0x0fff)
		beacons = append(beacons, radio.Beacon{ServiceID: id, Values: decodeService(id, data)})
	}
	return beacons
}

func decodeService(id, data int) map[string]any {
	switch id {
	case radio.ServiceTemperature:
		return map[string]any{"value": smallFloat(data, true, 4, 7)}
	case radio.ServiceHumidity, radio.ServiceIlluminance:
		return map[string]any{"value": smallFloat(data, false, 4, 8)}
	case radio.ServicePressure:
		return map[string]any{"value": smallFloat(data, false, 5, 7)}
	case radio.ServiceBattery:
		return map[string]any{
			"chargeRequired": data&0x0800 != 0,
			"chargeLevel":    min(data&0x07ff, 100),
		}
	case radio.ServiceButton:
		buttonID := data & 0xff
		values := map[string]any{"buttonId": buttonID}
		if name, ok := buttonNames[buttonID]; ok {
			values["buttonName"] = name
		}
		return values
	case radio.ServiceOpenClose, radio.ServiceHuman, radio.ServiceVibration:
		return map[string]any{"value": data&0x01 != 0}
	default:
		return map[string]any{"raw": data}
	}
}

// smallFloat decodes the 12-bit IEEE-style floats Linking beacons use
func smallFloat(data int, signed bool, expBits, fracBits uint) float64 {
	sign := 1.0
	if signed && data&(1<<(expBits+fracBits)) != 0 {
		sign = -1
	}
	exp := (data >> fracBits) & (1<<expBits - 1)
	frac := float64(data&(1<<fracBits-1)) / float64(int(1)<<fracBits)
	bias := 1<<(expBits-1) - 1

	var v float64
	if exp == 0 {
		v = frac * math.Pow(2, float64(1-bias))
	} else {
		v = (1 + frac) * math.Pow(2, float64(exp-bias))
	}
	return sign * math.Round(v*100) / 100
}
