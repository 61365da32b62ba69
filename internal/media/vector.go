package media

import (
	"fmt"
	"math"
)

// NormTolerance is how far from 1 a stored vector's norm may drift.
const NormTolerance = 1e-5

// Norm returns the Euclidean length of v, accumulated in float64.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-length copy of v. A zero vector is returned
// unchanged.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	n := Norm(v)
	if n == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

// IsUnit reports whether v has unit norm within NormTolerance.
func IsUnit(v []float32) bool {
	return math.Abs(Norm(v)-1) <= NormTolerance
}

// Dot returns the inner product of a and b. For unit vectors this is the
// cosine similarity. Panics if lengths differ.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) {
		panic(fmt.Sprintf("media.Dot: length mismatch %d != %d", len(a), len(b)))
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Mean returns the element-wise mean of vs. All vectors must share a length.
func Mean(vs ...[]float32) []float32 {
	if len(vs) == 0 {
		return nil
	}
	acc := make([]float64, len(vs[0]))
	for _, v := range vs {
		for i, x := range v {
			acc[i] += float64(x)
		}
	}
	out := make([]float32, len(acc))
	for i, s := range acc {
		out[i] = float32(s / float64(len(vs)))
	}
	return out
}

// DimensionError reports a vector of the wrong length.
type DimensionError struct {
	Expected int
	Got      int
}

func (e DimensionError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// CheckDimension returns a DimensionError unless len(v) == dim.
func CheckDimension(v []float32, dim int) error {
	if len(v) != dim {
		return DimensionError{Expected: dim, Got: len(v)}
	}
	return nil
}
