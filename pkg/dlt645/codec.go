package dlt645

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/NotCoffee418/dlt645_meter/pkg/bcd"
)

// Number of 0xFE wake-up bytes put in front of every outbound frame.
const outboundPreambleLength = 2

// Scramble adds 0x33 to every byte in place (mod 256).
func Scramble(data []byte) {
	for i := range data {
		data[i] += ScrambleOffset
	}
}

// Unscramble subtracts 0x33 from every byte in place (mod 256).
func Unscramble(data []byte) {
	for i := range data {
		data[i] -= ScrambleOffset
	}
}

// Checksum is the 8-bit wrapping sum of b.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// buildFrame assembles a frame around data. data is copied and scrambled;
// the caller's slice is left untouched.
func buildFrame(address Address, control byte, data []byte) []byte {
	frame := make([]byte, 0, outboundPreambleLength+MinFrameLength+len(data))
	for i := 0; i < outboundPreambleLength; i++ {
		frame = append(frame, Preamble)
	}

	start := len(frame)
	frame = append(frame, StartDelimiter)
	frame = append(frame, address[:]...)
	frame = append(frame, StartDelimiter, control, byte(len(data)))

	scrambled := make([]byte, len(data))
	copy(scrambled, data)
	Scramble(scrambled)
	frame = append(frame, scrambled...)

	frame = append(frame, Checksum(frame[start:]))
	frame = append(frame, EndDelimiter)
	return frame
}

// BuildReadFrame requests the register di from address (control 0x11).
func BuildReadFrame(address Address, di DataIdentifier) []byte {
	return buildFrame(address, ControlRead, di.Bytes())
}

// BuildWriteFrame writes payload to register di (control 0x14). payload
// normally starts with Credentials.Bytes().
func BuildWriteFrame(address Address, di DataIdentifier, payload []byte) []byte {
	data := make([]byte, 0, DataIdentifierLength+len(payload))
	data = append(data, di.Bytes()...)
	data = append(data, payload...)
	return buildFrame(address, ControlWrite, data)
}

// RelayControl is the payload of a relay control request.
type RelayControl struct {
	Credentials
	Command RelayCommand
	// ValidUntil is the time after which the meter must reject the command.
	ValidUntil time.Time
}

// Bytes returns the 16-byte unscrambled relay payload.
func (r RelayControl) Bytes() []byte {
	data := r.Credentials.Bytes()
	data = append(data, byte(r.Command), 0x00)
	return append(data, timestampBytes(r.ValidUntil)...)
}

// BuildRelayControlFrame issues a trip or close command (control 0x1C).
func BuildRelayControlFrame(address Address, rc RelayControl) []byte {
	return buildFrame(address, ControlRelay, rc.Bytes())
}

// BuildBroadcastTimeSyncFrame broadcasts t as YY MM DD hh mm (control 0x08).
// Meters do not answer broadcast frames.
func BuildBroadcastTimeSyncFrame(t time.Time) []byte {
	data := []byte{
		bcd.FromInt(t.Year() % 100),
		bcd.FromInt(int(t.Month())),
		bcd.FromInt(t.Day()),
		bcd.FromInt(t.Hour()),
		bcd.FromInt(t.Minute()),
	}
	return buildFrame(BroadcastAddress, ControlBroadcastTimeSync, data)
}

// DatePayload encodes t for DI 0x04000101 as WW DD MM YY (week 0 = Sunday).
func DatePayload(t time.Time) []byte {
	return []byte{
		bcd.FromInt(int(t.Weekday())),
		bcd.FromInt(t.Day()),
		bcd.FromInt(int(t.Month())),
		bcd.FromInt(t.Year() % 100),
	}
}

// TimePayload encodes t for DI 0x04000102 as hh mm ss, the same order the
// decoder reads it back.
func TimePayload(t time.Time) []byte {
	return []byte{
		bcd.FromInt(t.Hour()),
		bcd.FromInt(t.Minute()),
		bcd.FromInt(t.Second()),
	}
}

// timestampBytes encodes ss mm hh DD MM YY.
func timestampBytes(t time.Time) []byte {
	return []byte{
		bcd.FromInt(t.Second()),
		bcd.FromInt(t.Minute()),
		bcd.FromInt(t.Hour()),
		bcd.FromInt(t.Day()),
		bcd.FromInt(int(t.Month())),
		bcd.FromInt(t.Year() % 100),
	}
}

// BuildResponseFrame encodes a meter-side frame. Used by the simulator and
// tests; real deployments only ever decode responses.
func BuildResponseFrame(address Address, control byte, data []byte) []byte {
	return buildFrame(address, control, data)
}

// ParseRequest decodes one complete master-side frame (read, write, relay or
// broadcast time-sync) as a meter would see it.
func ParseRequest(b []byte) (*ParsedFrame, error) {
	start := 0
	for start < len(b) && b[start] == Preamble {
		start++
	}
	if start == len(b) || b[start] != StartDelimiter {
		return nil, ErrNoStart
	}
	if len(b)-start < MinFrameLength {
		return nil, ErrIncomplete
	}
	if b[start+7] != StartDelimiter {
		return nil, ErrMissingSecondDelimiter
	}

	length := int(b[start+9])
	total := start + HeaderLength + length + 2
	if len(b) < total {
		return nil, ErrIncomplete
	}
	if b[total-1] != EndDelimiter {
		return nil, ErrBadEnd
	}
	if Checksum(b[start:start+HeaderLength+length]) != b[start+HeaderLength+length] {
		return nil, ErrChecksum
	}

	frame := &ParsedFrame{Control: b[start+8]}
	copy(frame.Address[:], b[start+1:start+1+AddressLength])
	frame.Data = make([]byte, length)
	copy(frame.Data, b[start+HeaderLength:start+HeaderLength+length])
	Unscramble(frame.Data)

	switch frame.Control {
	case ControlRead, ControlWrite:
		if length < DataIdentifierLength {
			return nil, fmt.Errorf("%w: control 0x%02X with %d data bytes", ErrIncomplete, frame.Control, length)
		}
		frame.DataIdentifier = DataIdentifier(binary.LittleEndian.Uint32(frame.Data[:DataIdentifierLength]))
		frame.HasIdentifier = true
	case ControlRelay, ControlBroadcastTimeSync:
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownControl, frame.Control)
	}
	return frame, nil
}
