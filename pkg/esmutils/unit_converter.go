package esmutils

import "math"

// KwToW converts a 4-decimal kW reading to watts, keeping the sign.
// Rounded to 0.1 W, the resolution of the register.
func KwToW(kw float64) float64 {
	return math.Round(kw*10000) / 10
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
