package measurement

import (
	"sync"

	"github.com/NotCoffee418/dlt645_meter/pkg/dlt645"
)

// Cache is written by the protocol worker and drained by the publisher.
// Every setter stores the value and raises its flag inside one critical
// section; Drain copies the values and clears the flags inside another, so a
// flag is never observed before its value.
type Cache struct {
	mu     sync.Mutex
	values Values
	flags  Flag

	lastActivePowerW   float64
	powerDirectionInit bool
}

func NewCache() *Cache {
	return &Cache{values: Values{DeviceAddress: dlt645.UnassignedAddress}}
}

func (c *Cache) set(flag Flag, apply func(v *Values)) {
	c.mu.Lock()
	apply(&c.values)
	c.flags |= flag
	c.mu.Unlock()
}

// SetActivePower stores w and reports whether this sample is a transition
// into reverse flow. The first sample counts as a transition when negative;
// the alert re-arms once power is back at or above zero.
func (c *Cache) SetActivePower(w float64) (alert bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w < 0 && (!c.powerDirectionInit || c.lastActivePowerW >= 0) {
		alert = true
	}
	c.lastActivePowerW = w
	c.powerDirectionInit = true

	c.values.ActivePowerW = w
	c.flags |= FlagActivePower
	if alert {
		c.flags |= FlagReversePowerAlert
	}
	return alert
}

func (c *Cache) SetActiveEnergy(kwh float64) {
	c.set(FlagActiveEnergy, func(v *Values) { v.ActiveEnergyKWH = kwh })
}

func (c *Cache) SetReverseEnergy(kwh float64) {
	c.set(FlagReverseEnergy, func(v *Values) { v.ReverseEnergyKWH = kwh })
}

func (c *Cache) SetVoltageA(volts float64) {
	c.set(FlagVoltageA, func(v *Values) { v.VoltageAV = volts })
}

func (c *Cache) SetCurrentA(amps float64) {
	c.set(FlagCurrentA, func(v *Values) { v.CurrentAA = amps })
}

func (c *Cache) SetPowerFactor(pf float64) {
	c.set(FlagPowerFactor, func(v *Values) { v.PowerFactor = pf })
}

func (c *Cache) SetFrequency(hz float64) {
	c.set(FlagFrequency, func(v *Values) { v.FrequencyHz = hz })
}

func (c *Cache) SetDate(d Date) {
	c.set(FlagDate, func(v *Values) { v.Date = d })
}

func (c *Cache) SetTime(t Clock) {
	c.set(FlagTime, func(v *Values) { v.Time = t })
}

// UpdateAddress records addr when it is a real device address different
// from the cached one, and reports whether it changed.
func (c *Cache) UpdateAddress(addr dlt645.Address) bool {
	if !addr.IsDevice() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values.DeviceAddress == addr {
		return false
	}
	c.values.DeviceAddress = addr
	c.flags |= FlagDeviceAddress
	return true
}

func (c *Cache) Address() dlt645.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values.DeviceAddress
}

// Drain returns a copy of all values together with the flags raised since the
// previous Drain, and clears those flags.
func (c *Cache) Drain() (Values, Flag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	flags := c.flags
	c.flags = 0
	return c.values, flags
}

// Peek returns the values without touching the flags.
func (c *Cache) Peek() Values {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values
}
