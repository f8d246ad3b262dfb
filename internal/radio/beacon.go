package radio

import (
	"math"
	"strconv"
)

// Linking beacon service identifiers
const (
	ServiceGeneral       = 0
	ServiceTemperature   = 1
	ServiceHumidity      = 2
	ServicePressure      = 3
	ServiceBattery       = 4
	ServiceButton        = 5
	ServiceOpenClose     = 6
	ServiceHuman         = 7
	ServiceVibration     = 8
	ServiceIlluminance   = 9
	ServiceGyroscope     = 10
	ServiceAccelerometer = 11
	ServiceOrientation   = 12
)

var serviceNames = map[int]string{
	ServiceTemperature:   "temperature",
	ServiceHumidity:      "humidity",
	ServicePressure:      "pressure",
	ServiceBattery:       "battery",
	ServiceButton:        "button",
	ServiceIlluminance:   "illuminance",
	ServiceGyroscope:     "gyroscope",
	ServiceAccelerometer: "accelerometer",
	ServiceOrientation:   "orientation",
}

// ServiceName maps a beacon service id to its topic suffix. Unknown ids map to their decimal form.
func ServiceName(id int) string {
	if name, ok := serviceNames[id]; ok {
		return name
	}
	return strconv.Itoa(id)
}

// LookupService reports the name of a known beacon service id
func LookupService(id int) (string, bool) {
	name, ok := serviceNames[id]
	return name, ok
}

// ServiceID is the inverse of LookupService
func ServiceID(name string) (int, bool) {
	for id, n := range serviceNames {
		if n == name {
			return id, true
		}
	}
	return 0, false
}

// Payload shapes a beacon into the message body published by the scanner node
func (b Beacon) Payload() map[string]any {
	out := make(map[string]any)
	switch b.ServiceID {
	case ServiceBattery:
		copyKeys(out, b.Values, "chargeRequired", "chargeLevel")
	case ServiceButton:
		copyKeys(out, b.Values, "buttonId", "buttonName")
	case ServiceGyroscope, ServiceAccelerometer, ServiceOrientation:
		copyKeys(out, b.Values, "x", "y", "z")
	default:
		if v, ok := b.Values["value"]; ok {
			out["value"] = v
			break
		}
		for k, v := range b.Values {
			out[k] = v
		}
	}
	return out
}

func copyKeys(dst, src map[string]any, keys ...string) {
	for _, k := range keys {
		if v, ok := src[k]; ok {
			dst[k] = v
		}
	}
}

// EstimateDistance converts RSSI to metres with the log-distance path loss model.
// txPower is the calibrated RSSI at one metre; zero selects -59 dBm.
func EstimateDistance(rssi, txPower int) float64 {
	if rssi == 0 {
		return 0
	}
	if txPower == 0 {
		txPower = -59
	}
	const pathLoss = 2.0
	d := math.Pow(10, float64(txPower-rssi)/(10*pathLoss))
	return math.Round(d*100) / 100
}
