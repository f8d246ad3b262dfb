package goble

import (
	"errors"
	"testing"

	"github.com/srg/linkd/internal/linkerr"
	"github.com/srg/linkd/internal/radio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBeacons(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected []radio.Beacon
	}{
		{
			name:     "not a linking beacon",
			data:     []byte{0x4c, 0x00, 0x02, 0x15, 0x00, 0x00, 0x00, 0x00},
			expected: nil,
		},
		{
			name:     "too short",
			data:     []byte{0xe2, 0x02, 0x10},
			expected: nil,
		},
		{
			name: "temperature",
			data: []byte{0xe2, 0x02, 0x10, 0x00, 0x00, 0x01, 0x15, 0xac},
			expected: []radio.Beacon{
				{ServiceID: radio.ServiceTemperature, Values: map[string]any{"value": 21.5}},
			},
		},
		{
			name: "negative temperature",
			data: []byte{0xe2, 0x02, 0x10, 0x00, 0x00, 0x01, 0x1b, 0x80},
			expected: []radio.Beacon{
				{ServiceID: radio.ServiceTemperature, Values: map[string]any{"value": -1.0}},
			},
		},
		{
			name: "button and battery",
			data: []byte{0xe2, 0x02, 0x10, 0x00, 0x00, 0x01, 0x50, 0x02, 0x48, 0x32},
			expected: []radio.Beacon{
				{ServiceID: radio.ServiceButton, Values: map[string]any{"buttonId": 2, "buttonName": "SingleClick"}},
				{ServiceID: radio.ServiceBattery, Values: map[string]any{"chargeRequired": true, "chargeLevel": 50}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseBeacons(tt.data))
		})
	}
}

func TestSmallFloat(t *testing.T) {
	assert.Equal(t, 1.0, smallFloat(0x380, false, 4, 7))
	assert.Equal(t, 50.0, smallFloat(0xc90, false, 4, 8), "humidity layout")
	assert.Equal(t, 0.0, smallFloat(0, true, 4, 7))
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "led", ServiceName("B3B36901-50D3-4044-808D-50835B13A6CD"))
	assert.Equal(t, "battery", ServiceName("180F"))
	assert.Equal(t, "ffe0", ServiceName("ffe0"), "MUST fall back to the UUID")
}

func TestNormalizeError(t *testing.T) {
	require.NoError(t, NormalizeError(nil))

	err := NormalizeError(errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"))
	assert.ErrorIs(t, err, ErrBluetoothOff)

	err = NormalizeError(errors.New("device not connected"))
	assert.ErrorIs(t, err, linkerr.ErrNotConnected)

	plain := errors.New("att: timeout")
	assert.Same(t, plain, NormalizeError(plain))
}
