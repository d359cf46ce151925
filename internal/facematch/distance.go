// Package facematch identifies probe face descriptors against an enrolled gallery.
package facematch

import (
	"errors"
	"math"
)

var (
	// ErrDimensionMismatch is returned when a descriptor's length differs from the gallery's.
	ErrDimensionMismatch = errors.New("descriptor dimension mismatch")

	// ErrEmptyDescriptor is returned for zero-length descriptors.
	ErrEmptyDescriptor = errors.New("empty descriptor")
)

// EuclideanDistance computes the L2 distance between two vectors.
// Returns +Inf for invalid input (length mismatch or empty vectors).
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}

	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Confidence converts a distance into the reported confidence score.
// It is not clamped: distances above 1 give negative confidence.
func Confidence(distance float64) float64 {
	return 1 - distance
}
