// Package bcd converts packed-decimal byte sequences used by DL/T 645 meters.
// All sequences are least-significant byte first.
package bcd

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidDigit = errors.New("invalid bcd digit")

// Decode turns LSB-first packed BCD into a value scaled by 10^-decimalPlaces.
// A nibble above 9 aborts decoding and returns 0 with ErrInvalidDigit.
func Decode(data []byte, decimalPlaces int) (float64, error) {
	var acc uint64
	multiplier := uint64(1)

	for _, b := range data {
		low := b & 0x0F
		high := (b >> 4) & 0x0F
		if low > 9 || high > 9 {
			return 0, fmt.Errorf("%w: 0x%02X", ErrInvalidDigit, b)
		}

		acc += uint64(low) * multiplier
		multiplier *= 10
		acc += uint64(high) * multiplier
		multiplier *= 10
	}

	return float64(acc) / math.Pow10(decimalPlaces), nil
}

// DecodeSigned is Decode with bit 7 of the most significant (last) byte used
// as a sign flag. The input slice is not modified.
func DecodeSigned(data []byte, decimalPlaces int) (float64, error) {
	if len(data) == 0 {
		return 0, nil
	}

	clean := make([]byte, len(data))
	copy(clean, data)
	negative := clean[len(clean)-1]&0x80 != 0
	clean[len(clean)-1] &= 0x7F

	value, err := Decode(clean, decimalPlaces)
	if err != nil {
		return 0, err
	}
	if negative {
		return -value, nil
	}
	return value, nil
}

// ToInt converts a single packed BCD byte (two digits) to its decimal value.
// No digit validation is done, matching how meters report date fields.
func ToInt(b byte) int {
	return int((b>>4)&0x0F)*10 + int(b&0x0F)
}

// FromInt packs a value in 0..99 into one BCD byte.
func FromInt(v int) byte {
	if v < 0 {
		v = 0
	}
	v %= 100
	return byte(v/10)<<4 | byte(v%10)
}

// Encode packs value into size bytes, LSB first. Digits beyond the capacity
// of size bytes are dropped.
func Encode(value uint64, size int) []byte {
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		out[i] = FromInt(int(value % 100))
		value /= 100
	}
	return out
}

// EncodeDigits parses a decimal digit string such as "123456" into LSB-first
// packed BCD of len(digits)/2 bytes.
func EncodeDigits(digits string) ([]byte, error) {
	if len(digits)%2 != 0 {
		return nil, fmt.Errorf("bcd digit string %q must have an even length", digits)
	}
	var value uint64
	for _, r := range digits {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDigit, r)
		}
		value = value*10 + uint64(r-'0')
	}
	return Encode(value, len(digits)/2), nil
}
