package types

// Quantity names one value the meter driver publishes.
type Quantity string

const (
	QuantityDeviceAddress     Quantity = "device_address"
	QuantityActivePower       Quantity = "active_power"
	QuantityReversePowerAlert Quantity = "reverse_power_alert"
	QuantityActiveEnergy      Quantity = "active_energy"
	QuantityReverseEnergy     Quantity = "reverse_energy"
	QuantityVoltageA          Quantity = "voltage_a"
	QuantityCurrentA          Quantity = "current_a"
	QuantityPowerFactor       Quantity = "power_factor"
	QuantityFrequency         Quantity = "frequency"
	QuantityDate              Quantity = "date"
	QuantityTime              Quantity = "time"
)

// MeterEvent is emitted once per freshly decoded quantity.
type MeterEvent struct {
	Timestamp      string   `json:"timestamp"`
	Quantity       Quantity `json:"quantity"`
	DataIdentifier string   `json:"data_identifier"`

	// Numeric quantities
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`

	// Address, date and time are carried as text
	Text string `json:"text,omitempty"`

	// False only for a date register that failed validation
	Valid bool `json:"valid"`
}

// Snapshot is the latest value of every quantity seen since start.
type Snapshot struct {
	Timestamp string `json:"timestamp"`

	DeviceAddress string `json:"device_address"`
	BaudRate      uint   `json:"baud_rate"`

	ActivePowerW     float64 `json:"active_power_w"`
	ReversePower     bool    `json:"reverse_power"`
	ActiveEnergyKWH  float64 `json:"active_energy_kwh"`
	ReverseEnergyKWH float64 `json:"reverse_energy_kwh"`
	VoltageAV        float64 `json:"voltage_a_v"`
	CurrentAA        float64 `json:"current_a_a"`
	PowerFactor      float64 `json:"power_factor"`
	FrequencyHz      float64 `json:"frequency_hz"`
	MeterDate        string  `json:"meter_date"`
	MeterTime        string  `json:"meter_time"`
}

// Apply folds an event into the snapshot.
func (s *Snapshot) Apply(ev MeterEvent) {
	s.Timestamp = ev.Timestamp
	switch ev.Quantity {
	case QuantityDeviceAddress:
		s.DeviceAddress = ev.Text
	case QuantityActivePower:
		s.ActivePowerW = ev.Value
		s.ReversePower = ev.Value < 0
	case QuantityReversePowerAlert:
		s.ReversePower = true
	case QuantityActiveEnergy:
		s.ActiveEnergyKWH = ev.Value
	case QuantityReverseEnergy:
		s.ReverseEnergyKWH = ev.Value
	case QuantityVoltageA:
		s.VoltageAV = ev.Value
	case QuantityCurrentA:
		s.CurrentAA = ev.Value
	case QuantityPowerFactor:
		s.PowerFactor = ev.Value
	case QuantityFrequency:
		s.FrequencyHz = ev.Value
	case QuantityDate:
		s.MeterDate = ev.Text
	case QuantityTime:
		s.MeterTime = ev.Text
	}
}
