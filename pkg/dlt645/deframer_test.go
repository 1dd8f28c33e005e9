package dlt645

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// powerResponse is a read response for DI 02030000 carrying 1.2345 kW.
func powerResponse(addr Address) []byte {
	data := append(DIActivePowerTotal.Bytes(), 0x45, 0x23, 0x01)
	return BuildResponseFrame(addr, ControlReadResponse, data)
}

func TestParsePowerResponse(t *testing.T) {
	raw := powerResponse(UnassignedAddress)
	// on-wire bytes after the 2-byte preamble
	assert.Equal(t, []byte{
		0x68, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0x68,
		0x91, 0x07,
		0x33, 0x33, 0x36, 0x35,
		0x78, 0x56, 0x34,
	}, raw[2:len(raw)-2])

	d := NewDeframer(256)
	d.Feed(raw)
	frame, err := d.Parse()
	require.NoError(t, err)

	assert.Equal(t, UnassignedAddress, frame.Address)
	assert.Equal(t, ControlReadResponse, frame.Control)
	assert.True(t, frame.HasIdentifier)
	assert.Equal(t, DIActivePowerTotal, frame.DataIdentifier)
	assert.Equal(t, []byte{0x45, 0x23, 0x01}, frame.Payload())
	assert.False(t, frame.IsAcknowledgement())
	assert.Equal(t, 0, d.Len(), "buffer is cleared after a frame")
}

func TestParseIncrementally(t *testing.T) {
	raw := powerResponse(testAddress)
	d := NewDeframer(256)

	for i := 0; i < len(raw)-1; i++ {
		d.Feed(raw[i : i+1])
		_, err := d.Parse()
		require.ErrorIs(t, err, ErrIncomplete, "byte %d", i)
		assert.Equal(t, i+1, d.Len(), "incomplete frames are retained")
	}

	d.Feed(raw[len(raw)-1:])
	frame, err := d.Parse()
	require.NoError(t, err)
	assert.Equal(t, testAddress, frame.Address)
}

func TestParseWithoutPreamble(t *testing.T) {
	raw := powerResponse(testAddress)
	d := NewDeframer(256)
	d.Feed(raw[2:])
	frame, err := d.Parse()
	require.NoError(t, err)
	assert.Equal(t, DIActivePowerTotal, frame.DataIdentifier)
}

func TestParseFramingErrors(t *testing.T) {
	valid := powerResponse(testAddress)

	corrupt := func(mutate func(b []byte)) []byte {
		b := append([]byte(nil), valid...)
		mutate(b)
		return b
	}

	tests := []struct {
		name     string
		input    []byte
		expected error
	}{
		{
			name:     "noise without start",
			input:    []byte{0x01, 0x02, 0x03},
			expected: ErrNoStart,
		},
		{
			name:     "noise after preamble",
			input:    []byte{0xFE, 0xFE, 0x00, 0x68},
			expected: ErrNoStart,
		},
		{
			name:     "missing second delimiter",
			input:    corrupt(func(b []byte) { b[2+7] = 0x00 }),
			expected: ErrMissingSecondDelimiter,
		},
		{
			name:     "unknown control",
			input:    BuildResponseFrame(testAddress, 0x93, []byte{0x01}),
			expected: ErrUnknownControl,
		},
		{
			name:     "bad end",
			input:    corrupt(func(b []byte) { b[len(b)-1] = 0x17 }),
			expected: ErrBadEnd,
		},
		{
			name:     "checksum",
			input:    corrupt(func(b []byte) { b[len(b)-3]++ }),
			expected: ErrChecksum,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDeframer(256)
			d.Feed(tt.input)
			frame, err := d.Parse()
			assert.Nil(t, frame)
			assert.ErrorIs(t, err, tt.expected)
			assert.Equal(t, 0, d.Len(), "buffer is cleared on framing errors")
		})
	}
}

func TestParseOnlyPreamble(t *testing.T) {
	d := NewDeframer(256)
	d.Feed([]byte{0xFE, 0xFE, 0xFE})
	_, err := d.Parse()
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, 3, d.Len())

	d.Reset()
	_, err = d.Parse()
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestParseProtocolError(t *testing.T) {
	tests := []struct {
		name    string
		control byte
		data    []byte
		hasCode bool
		code    byte
	}{
		{name: "read error", control: ControlReadError, data: []byte{0x02}, hasCode: true, code: 0x02},
		{name: "read error alt", control: ControlReadErrorAlt, data: []byte{0x04}, hasCode: true, code: 0x04},
		{name: "write error", control: ControlWriteError, data: []byte{0x04}, hasCode: true, code: 0x04},
		{name: "relay error", control: ControlRelayError, data: []byte{0x01}, hasCode: true, code: 0x01},
		{name: "relay error no code", control: ControlRelayErrorAlt, data: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDeframer(256)
			d.Feed(BuildResponseFrame(testAddress, tt.control, tt.data))
			frame, err := d.Parse()
			assert.Nil(t, frame)

			var perr *ProtocolError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.control, perr.Control)
			assert.Equal(t, tt.hasCode, perr.HasCode)
			assert.Equal(t, tt.code, perr.Code)
			assert.Equal(t, 0, d.Len())
		})
	}
}

func TestProtocolErrorMessage(t *testing.T) {
	err := &ProtocolError{Control: ControlReadError, Code: 0x06, HasCode: true}
	assert.Contains(t, err.Error(), "no requested data")
	assert.Contains(t, err.Error(), "password error")
	assert.NotContains(t, err.Error(), "other error")
}

func TestParseAcknowledgements(t *testing.T) {
	for _, control := range []byte{ControlRelayResponse, ControlWriteResponse} {
		d := NewDeframer(256)
		d.Feed(BuildResponseFrame(testAddress, control, nil))
		frame, err := d.Parse()
		require.NoError(t, err)
		assert.True(t, frame.IsAcknowledgement())
		assert.Equal(t, testAddress, frame.Address)
		assert.False(t, frame.HasIdentifier)
		assert.Nil(t, frame.Payload())
	}
}

func TestParseDiscardsTrailingBytes(t *testing.T) {
	first := powerResponse(testAddress)
	second := powerResponse(UnassignedAddress)

	d := NewDeframer(256)
	d.Feed(append(append([]byte(nil), first...), second...))
	frame, err := d.Parse()
	require.NoError(t, err)
	assert.Equal(t, testAddress, frame.Address)
	assert.Equal(t, 0, d.Len(), "bytes after a frame are dropped")
}

func TestFeedOverflow(t *testing.T) {
	d := NewDeframer(16)
	assert.False(t, d.Feed(make([]byte, 10)))
	assert.True(t, d.Feed([]byte{1, 2, 3, 4, 5, 6, 7}))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7}, d.Bytes())

	assert.True(t, d.Feed(make([]byte, 40)))
	assert.Equal(t, 16, d.Len())
}

func TestDeframerStaysBoundedOnNoise(t *testing.T) {
	const maxSize = 64
	rng := rand.New(rand.NewSource(645))
	noise := func(n int) []byte {
		b := make([]byte, n)
		for i := range b {
			b[i] = byte(rng.Intn(255))
			if b[i] >= StartDelimiter {
				// skip the start delimiter
				b[i]++
			}
		}
		return b
	}

	tests := []struct {
		name   string
		bursts [][]byte
	}{
		{name: "random bytes", bursts: [][]byte{noise(1), noise(13), noise(64), noise(65), noise(300)}},
		{name: "preamble run", bursts: [][]byte{bytes.Repeat([]byte{Preamble}, 40), bytes.Repeat([]byte{Preamble}, 40), bytes.Repeat([]byte{Preamble}, 1000)}},
		{name: "preamble then noise", bursts: [][]byte{bytes.Repeat([]byte{Preamble}, 63), noise(2), bytes.Repeat([]byte{Preamble}, 70), noise(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDeframer(maxSize)
			for round := 0; round < 20; round++ {
				for _, burst := range tt.bursts {
					d.Feed(burst)
					assert.LessOrEqual(t, d.Len(), maxSize)

					frame, err := d.Parse()
					assert.Nil(t, frame)
					if !errors.Is(err, ErrIncomplete) {
						assert.ErrorIs(t, err, ErrNoStart)
					}
					assert.LessOrEqual(t, d.Len(), maxSize)
				}
			}
		})
	}
}

func TestNewDeframerMinimumSize(t *testing.T) {
	d := NewDeframer(0)
	assert.False(t, d.Feed(make([]byte, 200)))
}
