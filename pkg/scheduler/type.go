// Package scheduler decides which request the poll loop sends next.
package scheduler

import "github.com/NotCoffee418/dlt645_meter/pkg/dlt645"

type RequestKind int

const (
	RequestDiscovery RequestKind = iota
	RequestActivePower
	RequestActiveEnergy
	RequestVoltageA
	RequestCurrentA
	RequestPowerFactor
	RequestFrequency
	RequestReverseEnergy
	RequestDate
	RequestTime
	RequestWriteDate
	RequestWriteTime
	RequestRelayTrip
	RequestRelayClose
	RequestBroadcastTimeSync
)

type Operation int

const (
	OperationRead Operation = iota
	OperationWrite
	OperationControl
)

func (o Operation) String() string {
	switch o {
	case OperationRead:
		return "read"
	case OperationWrite:
		return "write"
	case OperationControl:
		return "control"
	}
	return "unknown"
}

// RequestDescriptor is the static description of one request kind.
type RequestDescriptor struct {
	Kind      RequestKind
	Name      string
	Operation Operation
	// DataIdentifier is DIUnknown for relay and broadcast control frames.
	DataIdentifier dlt645.DataIdentifier
	// MayRotateBaud marks requests whose timeout advances the baud cycler.
	MayRotateBaud bool
}

var descriptors = [...]RequestDescriptor{
	RequestDiscovery:         {RequestDiscovery, "discovery", OperationRead, dlt645.DIActivePowerTotal, true},
	RequestActivePower:       {RequestActivePower, "active_power", OperationRead, dlt645.DIActivePowerTotal, false},
	RequestActiveEnergy:      {RequestActiveEnergy, "active_energy", OperationRead, dlt645.DIActiveEnergyTotal, false},
	RequestVoltageA:          {RequestVoltageA, "voltage_a", OperationRead, dlt645.DIVoltageA, false},
	RequestCurrentA:          {RequestCurrentA, "current_a", OperationRead, dlt645.DICurrentA, false},
	RequestPowerFactor:       {RequestPowerFactor, "power_factor", OperationRead, dlt645.DIPowerFactorTotal, false},
	RequestFrequency:         {RequestFrequency, "frequency", OperationRead, dlt645.DIFrequency, false},
	RequestReverseEnergy:     {RequestReverseEnergy, "reverse_energy", OperationRead, dlt645.DIReverseEnergyTotal, false},
	RequestDate:              {RequestDate, "date", OperationRead, dlt645.DIDate, false},
	RequestTime:              {RequestTime, "time", OperationRead, dlt645.DITime, false},
	RequestWriteDate:         {RequestWriteDate, "write_date", OperationWrite, dlt645.DIDate, false},
	RequestWriteTime:         {RequestWriteTime, "write_time", OperationWrite, dlt645.DITime, false},
	RequestRelayTrip:         {RequestRelayTrip, "relay_trip", OperationControl, dlt645.DIUnknown, false},
	RequestRelayClose:        {RequestRelayClose, "relay_close", OperationControl, dlt645.DIUnknown, false},
	RequestBroadcastTimeSync: {RequestBroadcastTimeSync, "broadcast_time_sync", OperationControl, dlt645.DIUnknown, false},
}

// Descriptor returns the static descriptor of kind.
func Descriptor(kind RequestKind) RequestDescriptor {
	return descriptors[kind]
}

func (k RequestKind) String() string {
	if k < 0 || int(k) >= len(descriptors) {
		return "unknown"
	}
	return descriptors[k].Name
}

// rotation is the order in which the slower registers are interleaved with
// power reads.
var rotation = []RequestKind{
	RequestActiveEnergy,
	RequestVoltageA,
	RequestCurrentA,
	RequestPowerFactor,
	RequestFrequency,
	RequestReverseEnergy,
	RequestDate,
	RequestTime,
}
