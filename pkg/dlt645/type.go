// Package dlt645 implements DL/T 645-2007 framing: address and data
// identifier types, outbound frame builders and an incremental deframer.
//
// Wire layout:
//
//	[FE]{0..4} 68 A0..A5 68 C L DATA[L] CS 16
//
// A0..A5 is the LSB-first BCD meter address, DATA is scrambled with +0x33 and
// CS is the 8-bit sum from the first 68 up to the last data byte.
package dlt645

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

const (
	Preamble       byte = 0xFE
	StartDelimiter byte = 0x68
	EndDelimiter   byte = 0x16
	ScrambleOffset byte = 0x33

	// Bytes between the first 68 and the data field: 68 + 6 addr + 68 + C + L.
	HeaderLength = 10
	// Smallest frame the deframer inspects: header, checksum and end with L = 0.
	MinFrameLength = 12
	AddressLength  = 6
	// DataIdentifierLength is the size of the DI prefix of read/write data.
	DataIdentifierLength = 4
)

// Control codes.
const (
	ControlBroadcastTimeSync    byte = 0x08
	ControlBroadcastTimeSyncAck byte = 0x88
	ControlRead                 byte = 0x11
	ControlReadResponse         byte = 0x91
	ControlReadError            byte = 0xD1
	ControlReadErrorAlt         byte = 0xB1
	ControlWrite                byte = 0x14
	ControlWriteResponse        byte = 0x94
	ControlWriteError           byte = 0xD4
	ControlWriteErrorAlt        byte = 0xB4
	ControlRelay                byte = 0x1C
	ControlRelayResponse        byte = 0x9C
	ControlRelayError           byte = 0xDC
	ControlRelayErrorAlt        byte = 0xBC
)

// Address is a 6-byte BCD meter address stored LSB first, as on the wire.
type Address [AddressLength]byte

var (
	BroadcastAddress  = Address{0x99, 0x99, 0x99, 0x99, 0x99, 0x99}
	UnassignedAddress = Address{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
)

func (a Address) IsBroadcast() bool {
	return a == BroadcastAddress
}

func (a Address) IsUnassigned() bool {
	return a == UnassignedAddress
}

// IsDevice reports whether a is neither broadcast nor the unassigned sentinel.
func (a Address) IsDevice() bool {
	return !a.IsBroadcast() && !a.IsUnassigned()
}

// String renders the address as printed on the meter nameplate (MSB first).
func (a Address) String() string {
	return fmt.Sprintf("%02X%02X%02X%02X%02X%02X", a[5], a[4], a[3], a[2], a[1], a[0])
}

// Hex renders the address in wire order.
func (a Address) Hex() string {
	return fmt.Sprintf("% X", a[:])
}

// ParseAddress parses a 12 digit nameplate string (MSB first).
func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) != AddressLength*2 {
		return a, fmt.Errorf("meter address %q must have 12 digits", s)
	}
	for i := 0; i < AddressLength; i++ {
		b, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return a, fmt.Errorf("meter address %q: %w", s, err)
		}
		a[AddressLength-1-i] = byte(b)
	}
	return a, nil
}

// DataIdentifier names a meter register.
type DataIdentifier uint32

const (
	DIUnknown            DataIdentifier = 0x00000000
	DIDeviceAddress      DataIdentifier = 0x04000401
	DIActivePowerTotal   DataIdentifier = 0x02030000
	DIActiveEnergyTotal  DataIdentifier = 0x00010000
	DIVoltageA           DataIdentifier = 0x02010100
	DICurrentA           DataIdentifier = 0x02020100
	DIPowerFactorTotal   DataIdentifier = 0x02060000
	DIFrequency          DataIdentifier = 0x02800002
	DIReverseEnergyTotal DataIdentifier = 0x00020000
	DIDate               DataIdentifier = 0x04000101
	DITime               DataIdentifier = 0x04000102
)

var dataIdentifierNames = map[DataIdentifier]string{
	DIDeviceAddress:      "device_address",
	DIActivePowerTotal:   "active_power_total",
	DIActiveEnergyTotal:  "active_energy_total",
	DIVoltageA:           "voltage_a",
	DICurrentA:           "current_a",
	DIPowerFactorTotal:   "power_factor_total",
	DIFrequency:          "frequency",
	DIReverseEnergyTotal: "reverse_energy_total",
	DIDate:               "date",
	DITime:               "time",
}

func (di DataIdentifier) String() string {
	if name, ok := dataIdentifierNames[di]; ok {
		return name
	}
	return di.Hex()
}

func (di DataIdentifier) Hex() string {
	return fmt.Sprintf("0x%08X", uint32(di))
}

// Bytes returns the identifier in wire order, unscrambled.
func (di DataIdentifier) Bytes() []byte {
	b := make([]byte, DataIdentifierLength)
	binary.LittleEndian.PutUint32(b, uint32(di))
	return b
}

// RelayCommand is the command byte of a relay control frame.
type RelayCommand byte

const (
	RelayTrip         RelayCommand = 0x1A
	RelayCloseAllowed RelayCommand = 0x1B
	RelayClose        RelayCommand = 0x1C
)

func (c RelayCommand) String() string {
	switch c {
	case RelayTrip:
		return "trip"
	case RelayCloseAllowed:
		return "close_allowed"
	case RelayClose:
		return "close"
	}
	return fmt.Sprintf("0x%02X", byte(c))
}

// Credentials authorise write and relay control requests. Passwords travel
// in clear, only scrambled like any other data byte.
type Credentials struct {
	PasswordLevel byte
	Password      [3]byte // BCD, LSB first
	OperatorCode  [4]byte
}

// Bytes returns level + password + operator code (8 bytes).
func (c Credentials) Bytes() []byte {
	b := make([]byte, 0, 8)
	b = append(b, c.PasswordLevel)
	b = append(b, c.Password[:]...)
	b = append(b, c.OperatorCode[:]...)
	return b
}

// ParsedFrame is a validated response taken out of the receive buffer.
type ParsedFrame struct {
	Address Address
	Control byte
	// Data is the unscrambled data field, including the DI prefix when present.
	Data []byte
	// DataIdentifier is valid only when HasIdentifier is set (L >= 4).
	DataIdentifier DataIdentifier
	HasIdentifier  bool
}

// Payload returns the data after the DI prefix.
func (f *ParsedFrame) Payload() []byte {
	if !f.HasIdentifier {
		return nil
	}
	return f.Data[DataIdentifierLength:]
}

// IsAcknowledgement reports a terminal success without payload (write or relay).
func (f *ParsedFrame) IsAcknowledgement() bool {
	return f.Control == ControlRelayResponse || f.Control == ControlWriteResponse
}
