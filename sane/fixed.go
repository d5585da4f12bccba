package sane

import "math"

// FixedShift is the number of fractional bits in a fixed-point word.
const FixedShift = 16

// FixedScale is the multiplier between a real value and its fixed-point word.
const FixedScale = 1 << FixedShift

// Largest and smallest real values a fixed-point word can hold.
const (
	FixedMax = float64(math.MaxInt32) / FixedScale
	FixedMin = float64(math.MinInt32) / FixedScale
)

// Fix converts a real value to the nearest fixed-point word.
// ok is false when v is not finite or does not fit in a word.
func Fix(v float64) (w int32, ok bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	r := math.Round(v * FixedScale)
	if r > math.MaxInt32 || r < math.MinInt32 {
		return 0, false
	}
	return int32(r), true
}

// Unfix converts a fixed-point word to a real value.
func Unfix(w int32) float64 {
	return float64(w) / FixedScale
}
