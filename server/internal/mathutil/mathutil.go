// Package mathutil provides small generic math helpers.
package mathutil

import "golang.org/x/exp/constraints"

// Clamp limits v to the range [low, high].
func Clamp[T constraints.Ordered](v, low, high T) T {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
