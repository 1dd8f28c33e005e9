// Package measurement turns register payloads into typed values and keeps
// them in a flag-guarded cache for the publisher.
package measurement

import (
	"fmt"
	"time"

	"github.com/NotCoffee418/dlt645_meter/pkg/dlt645"
	"github.com/NotCoffee418/dlt645_meter/pkg/esmutils"
	"github.com/NotCoffee418/dlt645_meter/pkg/types"
)

// Flag marks a cache slot as holding a value the publisher has not seen yet.
type Flag uint16

const (
	FlagDeviceAddress Flag = 1 << iota
	FlagActivePower
	FlagReversePowerAlert
	FlagActiveEnergy
	FlagReverseEnergy
	FlagVoltageA
	FlagCurrentA
	FlagPowerFactor
	FlagFrequency
	FlagDate
	FlagTime
)

// flagOrder is the publication order of a drained batch.
var flagOrder = []Flag{
	FlagDeviceAddress,
	FlagActivePower,
	FlagReversePowerAlert,
	FlagActiveEnergy,
	FlagReverseEnergy,
	FlagVoltageA,
	FlagCurrentA,
	FlagPowerFactor,
	FlagFrequency,
	FlagDate,
	FlagTime,
}

func (f Flag) Has(other Flag) bool {
	return f&other != 0
}

// Date is the meter calendar register.
type Date struct {
	Year    int
	Month   int
	Day     int
	Weekday time.Weekday
	Valid   bool
	// Text is "2006-01-02" for the week/day/month/year form, the raw digits of
	// the extended form, or a diagnostic when validation failed.
	Text string
}

// Clock is the meter time-of-day register.
type Clock struct {
	Hour   int
	Minute int
	Second int
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
}

// Values holds one slot per decodable quantity.
type Values struct {
	DeviceAddress    dlt645.Address
	ActivePowerW     float64
	ActiveEnergyKWH  float64
	ReverseEnergyKWH float64
	VoltageAV        float64
	CurrentAA        float64
	PowerFactor      float64
	FrequencyHz      float64
	Date             Date
	Time             Clock
}

// Events converts the flagged slots into publishable events, in a fixed order.
// Numeric values are rounded to the resolution of their register.
func (v Values) Events(flags Flag, now time.Time) []types.MeterEvent {
	ts := now.Format(time.RFC3339)
	events := make([]types.MeterEvent, 0, len(flagOrder))
	for _, f := range flagOrder {
		if !flags.Has(f) {
			continue
		}
		ev := types.MeterEvent{Timestamp: ts, Valid: true}
		var di dlt645.DataIdentifier
		switch f {
		case FlagDeviceAddress:
			ev.Quantity = types.QuantityDeviceAddress
			di = dlt645.DIDeviceAddress
			ev.Text = v.DeviceAddress.String()
		case FlagActivePower:
			ev.Quantity = types.QuantityActivePower
			di = dlt645.DIActivePowerTotal
			ev.Value, ev.Unit = esmutils.Round(v.ActivePowerW, 1), "W"
		case FlagReversePowerAlert:
			ev.Quantity = types.QuantityReversePowerAlert
			di = dlt645.DIActivePowerTotal
			ev.Value, ev.Unit = esmutils.Round(v.ActivePowerW, 1), "W"
		case FlagActiveEnergy:
			ev.Quantity = types.QuantityActiveEnergy
			di = dlt645.DIActiveEnergyTotal
			ev.Value, ev.Unit = esmutils.Round(v.ActiveEnergyKWH, 2), "kWh"
		case FlagReverseEnergy:
			ev.Quantity = types.QuantityReverseEnergy
			di = dlt645.DIReverseEnergyTotal
			ev.Value, ev.Unit = esmutils.Round(v.ReverseEnergyKWH, 2), "kWh"
		case FlagVoltageA:
			ev.Quantity = types.QuantityVoltageA
			di = dlt645.DIVoltageA
			ev.Value, ev.Unit = esmutils.Round(v.VoltageAV, 1), "V"
		case FlagCurrentA:
			ev.Quantity = types.QuantityCurrentA
			di = dlt645.DICurrentA
			ev.Value, ev.Unit = esmutils.Round(v.CurrentAA, 3), "A"
		case FlagPowerFactor:
			ev.Quantity = types.QuantityPowerFactor
			di = dlt645.DIPowerFactorTotal
			ev.Value = esmutils.Round(v.PowerFactor, 3)
		case FlagFrequency:
			ev.Quantity = types.QuantityFrequency
			di = dlt645.DIFrequency
			ev.Value, ev.Unit = esmutils.Round(v.FrequencyHz, 2), "Hz"
		case FlagDate:
			ev.Quantity = types.QuantityDate
			di = dlt645.DIDate
			ev.Text = v.Date.Text
			ev.Valid = v.Date.Valid
		case FlagTime:
			ev.Quantity = types.QuantityTime
			di = dlt645.DITime
			ev.Text = v.Time.String()
		}
		ev.DataIdentifier = di.Hex()
		events = append(events, ev)
	}
	return events
}
