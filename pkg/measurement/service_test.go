package measurement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NotCoffee418/dlt645_meter/pkg/bcd"
	"github.com/NotCoffee418/dlt645_meter/pkg/dlt645"
	"github.com/NotCoffee418/dlt645_meter/pkg/types"
)

func newTestDecoder() (*Decoder, *Cache) {
	cache := NewCache()
	return NewDecoder(cache, zap.NewNop(), nil), cache
}

// powerPayload encodes watts as the signed 3-byte kW register.
func powerPayload(watts int) []byte {
	neg := watts < 0
	if neg {
		watts = -watts
	}
	// 4 decimals of kW is 0.1 W
	b := bcd.Encode(uint64(watts*10), 3)
	if neg {
		b[2] |= 0x80
	}
	return b
}

func TestDecodeNumericRegisters(t *testing.T) {
	tests := []struct {
		name     string
		di       dlt645.DataIdentifier
		payload  []byte
		flag     Flag
		value    func(v Values) float64
		expected float64
	}{
		{
			name: "active energy", di: dlt645.DIActiveEnergyTotal,
			payload: []byte{0x56, 0x34, 0x12, 0x00}, flag: FlagActiveEnergy,
			value: func(v Values) float64 { return v.ActiveEnergyKWH }, expected: 1234.56,
		},
		{
			name: "reverse energy", di: dlt645.DIReverseEnergyTotal,
			payload: []byte{0x01, 0x00, 0x00, 0x00}, flag: FlagReverseEnergy,
			value: func(v Values) float64 { return v.ReverseEnergyKWH }, expected: 0.01,
		},
		{
			name: "voltage", di: dlt645.DIVoltageA,
			payload: []byte{0x05, 0x23}, flag: FlagVoltageA,
			value: func(v Values) float64 { return v.VoltageAV }, expected: 230.5,
		},
		{
			name: "current signed", di: dlt645.DICurrentA,
			payload: []byte{0x00, 0x25, 0x80}, flag: FlagCurrentA,
			value: func(v Values) float64 { return v.CurrentAA }, expected: -2.5,
		},
		{
			name: "power factor", di: dlt645.DIPowerFactorTotal,
			payload: []byte{0x85, 0x09}, flag: FlagPowerFactor,
			value: func(v Values) float64 { return v.PowerFactor }, expected: 0.985,
		},
		{
			name: "frequency", di: dlt645.DIFrequency,
			payload: []byte{0x02, 0x50}, flag: FlagFrequency,
			value: func(v Values) float64 { return v.FrequencyHz }, expected: 50.02,
		},
		{
			name: "trailing zero byte", di: dlt645.DIVoltageA,
			payload: []byte{0x00, 0x22, 0x00}, flag: FlagVoltageA,
			value: func(v Values) float64 { return v.VoltageAV }, expected: 220.0,
		},
		{
			name: "sign taken from last byte received", di: dlt645.DICurrentA,
			payload: []byte{0x00, 0x25, 0x00, 0x80}, flag: FlagCurrentA,
			value: func(v Values) float64 { return v.CurrentAA }, expected: -2.5,
		},
		{
			name: "sign bit before last byte is a digit", di: dlt645.DICurrentA,
			payload: []byte{0x00, 0x25, 0x80, 0x00}, flag: FlagCurrentA,
			value: func(v Values) float64 { return v.CurrentAA }, expected: 802.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, cache := newTestDecoder()
			require.NoError(t, d.Decode(tt.di, tt.payload))
			v, flags := cache.Drain()
			assert.Equal(t, tt.flag, flags)
			assert.InDelta(t, tt.expected, tt.value(v), 1e-9)
		})
	}
}

func TestDecodeShortPayloadKeepsValue(t *testing.T) {
	d, cache := newTestDecoder()
	require.NoError(t, d.Decode(dlt645.DIActiveEnergyTotal, []byte{0x00, 0x10, 0x00, 0x00}))
	cache.Drain()

	err := d.Decode(dlt645.DIActiveEnergyTotal, []byte{0x00, 0x20})
	assert.ErrorIs(t, err, ErrShortPayload)

	v, flags := cache.Drain()
	assert.Zero(t, flags)
	assert.InDelta(t, 10.0, v.ActiveEnergyKWH, 1e-9)
}

func TestDecodeInvalidBCDKeepsValue(t *testing.T) {
	d, cache := newTestDecoder()
	require.NoError(t, d.Decode(dlt645.DIVoltageA, []byte{0x00, 0x23}))
	cache.Drain()

	err := d.Decode(dlt645.DIVoltageA, []byte{0xAB, 0x23})
	assert.ErrorIs(t, err, bcd.ErrInvalidDigit)

	v, flags := cache.Drain()
	assert.Zero(t, flags)
	assert.InDelta(t, 230.0, v.VoltageAV, 1e-9)
}

func TestDecodeUnknownIdentifier(t *testing.T) {
	d, _ := newTestDecoder()
	assert.ErrorIs(t, d.Decode(dlt645.DataIdentifier(0x01020304), []byte{0x00}), ErrUnknownIdentifier)
}

func TestDecodeDeviceAddressIgnoresPayload(t *testing.T) {
	d, cache := newTestDecoder()
	assert.NoError(t, d.Decode(dlt645.DIDeviceAddress, []byte{0x01, 0x02}))
	_, flags := cache.Drain()
	assert.Zero(t, flags)
}

func TestDecodePower(t *testing.T) {
	d, cache := newTestDecoder()
	// 1.2345 kW
	require.NoError(t, d.Decode(dlt645.DIActivePowerTotal, []byte{0x45, 0x23, 0x01}))

	v, flags := cache.Drain()
	assert.Equal(t, FlagActivePower, flags, "non-negative power raises no alert")
	assert.InDelta(t, 1234.5, v.ActivePowerW, 1e-9)
}

func TestDecodePowerWiderPayload(t *testing.T) {
	d, cache := newTestDecoder()
	require.NoError(t, d.Decode(dlt645.DIActivePowerTotal, []byte{0x45, 0x23, 0x01, 0x80}))

	v, flags := cache.Drain()
	assert.Equal(t, FlagActivePower|FlagReversePowerAlert, flags)
	assert.InDelta(t, -1234.5, v.ActivePowerW, 1e-9)
}

func TestReversePowerAlertFiresOncePerTransition(t *testing.T) {
	d, cache := newTestDecoder()

	samples := []int{100, 50, -30, -10, 5}
	var alerts []int
	for _, w := range samples {
		require.NoError(t, d.Decode(dlt645.DIActivePowerTotal, powerPayload(w)))
		v, flags := cache.Drain()
		assert.InDelta(t, float64(w), v.ActivePowerW, 1e-9)
		if flags.Has(FlagReversePowerAlert) {
			alerts = append(alerts, w)
		}
	}
	assert.Equal(t, []int{-30}, alerts)
}

func TestReversePowerAlertFirstSampleNegative(t *testing.T) {
	cache := NewCache()
	assert.True(t, cache.SetActivePower(-5))
	assert.False(t, cache.SetActivePower(-6))
	assert.False(t, cache.SetActivePower(0))
	assert.True(t, cache.SetActivePower(-1), "re-armed after returning to zero")
}

func TestDecodeDate(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		valid   bool
		text    string
		weekday time.Weekday
		year    int
	}{
		{
			name: "sunday", payload: []byte{0x00, 0x05, 0x10, 0x25},
			valid: true, text: "2025-10-05", weekday: time.Sunday, year: 2025,
		},
		{
			name: "last century", payload: []byte{0x03, 0x31, 0x12, 0x99},
			valid: true, text: "1999-12-31", weekday: time.Wednesday, year: 1999,
		},
		{
			name: "bad month", payload: []byte{0x01, 0x05, 0x13, 0x25},
			valid: false, text: "INVALID_WDMY: W01-D05-M13-Y25",
		},
		{
			name: "bad week", payload: []byte{0x07, 0x05, 0x10, 0x25},
			valid: false, text: "INVALID_WDMY: W07-D05-M10-Y25",
		},
		{
			name: "extended", payload: []byte{0x05, 0x03, 0x10, 0x25, 0x14, 0x30},
			valid: true, text: "030510251430",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, cache := newTestDecoder()
			require.NoError(t, d.Decode(dlt645.DIDate, tt.payload))
			v, flags := cache.Drain()
			assert.True(t, flags.Has(FlagDate), "date flag raised even when invalid")
			assert.Equal(t, tt.valid, v.Date.Valid)
			assert.Equal(t, tt.text, v.Date.Text)
			if tt.year != 0 {
				assert.Equal(t, tt.year, v.Date.Year)
				assert.Equal(t, tt.weekday, v.Date.Weekday)
			}
		})
	}
}

func TestDecodeDateWrongLength(t *testing.T) {
	d, cache := newTestDecoder()
	assert.ErrorIs(t, d.Decode(dlt645.DIDate, []byte{0x01, 0x02, 0x03, 0x04, 0x05}), ErrShortPayload)
	_, flags := cache.Drain()
	assert.Zero(t, flags)
}

func TestDecodeTime(t *testing.T) {
	d, cache := newTestDecoder()
	require.NoError(t, d.Decode(dlt645.DITime, []byte{0x23, 0x59, 0x07}))
	v, flags := cache.Drain()
	assert.Equal(t, FlagTime, flags)
	assert.Equal(t, Clock{Hour: 23, Minute: 59, Second: 7}, v.Time)
	assert.Equal(t, "23:59:07", v.Time.String())

	assert.ErrorIs(t, d.Decode(dlt645.DITime, []byte{0x23}), ErrShortPayload)
}

func TestUpdateAddress(t *testing.T) {
	cache := NewCache()
	addr := dlt645.Address{0x01, 0x00, 0x00, 0x00, 0x00, 0x00}

	assert.False(t, cache.UpdateAddress(dlt645.BroadcastAddress))
	assert.False(t, cache.UpdateAddress(dlt645.UnassignedAddress))
	assert.True(t, cache.UpdateAddress(addr))
	assert.False(t, cache.UpdateAddress(addr), "unchanged address raises nothing")
	assert.Equal(t, addr, cache.Address())

	_, flags := cache.Drain()
	assert.Equal(t, FlagDeviceAddress, flags)
}

func TestDrainClearsFlags(t *testing.T) {
	cache := NewCache()
	cache.SetVoltageA(230)
	cache.SetFrequency(50)

	_, flags := cache.Drain()
	assert.True(t, flags.Has(FlagVoltageA))
	assert.True(t, flags.Has(FlagFrequency))

	v, flags := cache.Drain()
	assert.Zero(t, flags)
	assert.Equal(t, 230.0, v.VoltageAV, "values survive a drain")
	assert.Equal(t, 230.0, cache.Peek().VoltageAV)
}

func TestValuesEvents(t *testing.T) {
	now := time.Date(2025, time.October, 5, 12, 0, 0, 0, time.UTC)
	v := Values{
		DeviceAddress: dlt645.Address{0x78, 0x56, 0x34, 0x12, 0x00, 0x00},
		ActivePowerW:  -30,
		Date:          Date{Text: "INVALID_WDMY: W07-D05-M10-Y25"},
	}

	events := v.Events(FlagDate|FlagActivePower|FlagReversePowerAlert|FlagDeviceAddress, now)
	require.Len(t, events, 4)

	assert.Equal(t, types.QuantityDeviceAddress, events[0].Quantity)
	assert.Equal(t, "000012345678", events[0].Text)
	assert.Equal(t, "0x04000401", events[0].DataIdentifier)

	assert.Equal(t, types.QuantityActivePower, events[1].Quantity)
	assert.Equal(t, -30.0, events[1].Value)
	assert.Equal(t, "W", events[1].Unit)

	assert.Equal(t, types.QuantityReversePowerAlert, events[2].Quantity)

	assert.Equal(t, types.QuantityDate, events[3].Quantity)
	assert.False(t, events[3].Valid)
	assert.Equal(t, "2025-10-05T12:00:00Z", events[3].Timestamp)
}

func TestValuesEventsRounding(t *testing.T) {
	now := time.Date(2025, time.October, 5, 12, 0, 0, 0, time.UTC)
	v := Values{
		ActivePowerW:    0.1 + 0.2,
		ActiveEnergyKWH: 1234.5600000001,
		VoltageAV:       230.04999,
		CurrentAA:       -2.5004,
		PowerFactor:     0.98500001,
		FrequencyHz:     50.019999,
	}

	tests := []struct {
		quantity types.Quantity
		expected float64
	}{
		{quantity: types.QuantityActivePower, expected: 0.3},
		{quantity: types.QuantityActiveEnergy, expected: 1234.56},
		{quantity: types.QuantityVoltageA, expected: 230.0},
		{quantity: types.QuantityCurrentA, expected: -2.5},
		{quantity: types.QuantityPowerFactor, expected: 0.985},
		{quantity: types.QuantityFrequency, expected: 50.02},
	}

	events := v.Events(FlagActivePower|FlagActiveEnergy|FlagVoltageA|FlagCurrentA|FlagPowerFactor|FlagFrequency, now)
	require.Len(t, events, len(tests))
	for i, tt := range tests {
		t.Run(string(tt.quantity), func(t *testing.T) {
			assert.Equal(t, tt.quantity, events[i].Quantity)
			assert.Equal(t, tt.expected, events[i].Value)
		})
	}
}
