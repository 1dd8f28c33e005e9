package dlt645

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIncomplete means the buffer holds a frame prefix; it is kept.
	ErrIncomplete = errors.New("incomplete frame")

	ErrNoStart                = errors.New("no start delimiter")
	ErrMissingSecondDelimiter = errors.New("missing second delimiter")
	ErrUnknownControl         = errors.New("unknown control code")
	ErrBadEnd                 = errors.New("bad end delimiter")
	ErrChecksum               = errors.New("checksum mismatch")
)

// ProtocolError is an error the meter reported itself (control 0xD1, 0xB1,
// 0xD4, 0xB4, 0xDC or 0xBC).
type ProtocolError struct {
	Control byte
	// Code is the unscrambled error status byte; valid when HasCode is set.
	Code    byte
	HasCode bool
}

var errorBits = []string{
	"other error",
	"no requested data",
	"password error or unauthorised",
	"baud rate cannot be changed",
	"year time zone count exceeded",
	"day period count exceeded",
	"tariff count exceeded",
}

func (e *ProtocolError) Error() string {
	if !e.HasCode {
		return fmt.Sprintf("meter reported error (control 0x%02X)", e.Control)
	}
	var reasons []string
	for bit, reason := range errorBits {
		if e.Code&(1<<bit) != 0 {
			reasons = append(reasons, reason)
		}
	}
	return fmt.Sprintf("meter reported error (control 0x%02X): code 0x%02X [%s]",
		e.Control, e.Code, strings.Join(reasons, ", "))
}

func isErrorControl(control byte) bool {
	switch control {
	case ControlReadError, ControlReadErrorAlt,
		ControlWriteError, ControlWriteErrorAlt,
		ControlRelayError, ControlRelayErrorAlt:
		return true
	}
	return false
}

// Deframer extracts one response frame at a time from bytes read off the
// line. It keeps no state besides the buffer: every Parse re-scans from the
// start, and every outcome other than ErrIncomplete empties the buffer, so
// bytes of a following frame are never parsed speculatively.
type Deframer struct {
	buf     []byte
	maxSize int
}

// NewDeframer creates a deframer whose buffer never exceeds maxSize bytes.
func NewDeframer(maxSize int) *Deframer {
	if maxSize < MinFrameLength {
		maxSize = 256
	}
	return &Deframer{
		buf:     make([]byte, 0, maxSize),
		maxSize: maxSize,
	}
}

// Feed appends p. If the buffer would exceed its size limit the old content
// is dropped first and only the newest maxSize bytes are kept; the return
// value reports whether that happened.
func (d *Deframer) Feed(p []byte) (overflow bool) {
	if len(d.buf)+len(p) > d.maxSize {
		d.buf = d.buf[:0]
		if len(p) > d.maxSize {
			p = p[len(p)-d.maxSize:]
		}
		overflow = true
	}
	d.buf = append(d.buf, p...)
	return overflow
}

func (d *Deframer) Len() int {
	return len(d.buf)
}

func (d *Deframer) Reset() {
	d.buf = d.buf[:0]
}

// Bytes returns a copy of the buffered bytes, for diagnostics.
func (d *Deframer) Bytes() []byte {
	out := make([]byte, len(d.buf))
	copy(out, d.buf)
	return out
}

// Parse inspects the buffer. It returns a frame for read responses (0x91)
// and for write/relay acknowledgements (0x94, 0x9C), ErrIncomplete while more
// bytes are needed, a *ProtocolError for meter-reported errors, or one of the
// framing errors. Only ErrIncomplete keeps the buffer.
func (d *Deframer) Parse() (*ParsedFrame, error) {
	buf := d.buf

	start := 0
	for start < len(buf) && buf[start] == Preamble {
		start++
	}
	if start == len(buf) {
		// nothing but preamble so far
		return nil, ErrIncomplete
	}
	if buf[start] != StartDelimiter {
		d.Reset()
		return nil, ErrNoStart
	}

	if len(buf)-start < MinFrameLength {
		return nil, ErrIncomplete
	}
	if buf[start+7] != StartDelimiter {
		d.Reset()
		return nil, ErrMissingSecondDelimiter
	}

	var address Address
	copy(address[:], buf[start+1:start+1+AddressLength])
	control := buf[start+8]
	length := int(buf[start+9])

	if isErrorControl(control) {
		perr := &ProtocolError{Control: control}
		if length >= 1 && len(buf) > start+HeaderLength {
			perr.Code = buf[start+HeaderLength] - ScrambleOffset
			perr.HasCode = true
		}
		d.Reset()
		return nil, perr
	}

	if control == ControlRelayResponse || control == ControlWriteResponse {
		d.Reset()
		return &ParsedFrame{Address: address, Control: control}, nil
	}

	if control != ControlReadResponse {
		d.Reset()
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownControl, control)
	}

	total := start + HeaderLength + length + 2
	if len(buf) < total {
		return nil, ErrIncomplete
	}

	if buf[total-1] != EndDelimiter {
		got := buf[total-1]
		d.Reset()
		return nil, fmt.Errorf("%w: 0x%02X", ErrBadEnd, got)
	}

	want := buf[start+HeaderLength+length]
	if got := Checksum(buf[start : start+HeaderLength+length]); got != want {
		d.Reset()
		return nil, fmt.Errorf("%w: calculated 0x%02X, received 0x%02X", ErrChecksum, got, want)
	}

	data := make([]byte, length)
	copy(data, buf[start+HeaderLength:start+HeaderLength+length])
	Unscramble(data)

	frame := &ParsedFrame{
		Address: address,
		Control: control,
		Data:    data,
	}
	if length >= DataIdentifierLength {
		frame.DataIdentifier = DataIdentifier(binary.LittleEndian.Uint32(data[:DataIdentifierLength]))
		frame.HasIdentifier = true
	}

	d.Reset()
	return frame, nil
}
