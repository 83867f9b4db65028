package common

import "math"

// Amounts cross the wire in CHF and are stored as integer centimes. The
// conversion is rounded half away from zero so 4.505 never loses a centime.

// ToCents converts a CHF amount into centimes.
func ToCents(chf float64) int64 {
	return int64(math.Round(chf * 100))
}

// FromCents converts centimes back into a CHF amount.
func FromCents(cents int64) float64 {
	return float64(cents) / 100
}
