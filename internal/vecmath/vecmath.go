// Package vecmath holds the dense float32 routines used by tree construction and search.
// Heavy steps are expressed as stacked matrix products so the work lands in vek's
// vectorized kernels instead of per-pair scalar loops.
package vecmath

import (
	"errors"

	"github.com/chewxy/math32"
	"github.com/viterin/vek/vek32"
)

// UnitEpsilon is the tolerance used when checking that a vector has unit L2 norm.
const UnitEpsilon = 1e-4

var (
	// ErrZeroNorm is returned when a vector cannot be normalized.
	ErrZeroNorm = errors.New("vecmath: zero norm")
	// ErrNonFinite is returned for vectors containing NaN or Inf.
	ErrNonFinite = errors.New("vecmath: non-finite component")
	// ErrEmpty is returned for zero-length vectors.
	ErrEmpty = errors.New("vecmath: empty vector")
)

// Norm returns the L2 norm of v.
func Norm(v []float32) float32 {
	if len(v) == 0 {
		return 0
	}
	return vek32.Norm(v)
}

// Dot returns the dot product of a and b. Panics on length mismatch.
func Dot(a, b []float32) float32 {
	if len(a) != len(b) {
		panic("vecmath: vector length mismatch")
	}
	if len(a) == 0 {
		return 0
	}
	return vek32.Dot(a, b)
}

// Normalize returns a unit-length copy of v. The input is not modified.
func Normalize(v []float32) ([]float32, error) {
	if len(v) == 0 {
		return nil, ErrEmpty
	}
	for _, x := range v {
		if math32.IsNaN(x) || math32.IsInf(x, 0) {
			return nil, ErrNonFinite
		}
	}
	n := Norm(v)
	if n == 0 || math32.IsInf(n, 0) || math32.IsNaN(n) {
		return nil, ErrZeroNorm
	}
	out := make([]float32, len(v))
	copy(out, v)
	vek32.DivNumber_Inplace(out, n)
	return out, nil
}

// IsUnit reports whether v has L2 norm 1 within UnitEpsilon.
func IsUnit(v []float32) bool {
	return math32.Abs(Norm(v)-1) <= UnitEpsilon
}

// MeanNormalized returns the L2-normalized mean of vectors, all of length dim.
// If the mean cancels out to zero, the first vector is returned instead so
// callers always get a usable unit vector.
func MeanNormalized(vectors [][]float32, dim int) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	sum := make([]float32, dim)
	for _, v := range vectors {
		vek32.Add_Inplace(sum, v)
	}
	vek32.DivNumber_Inplace(sum, float32(len(vectors)))
	mean, err := Normalize(sum)
	if err != nil {
		fallback := make([]float32, dim)
		copy(fallback, vectors[0])
		return fallback
	}
	return mean
}

// Clamp bounds a cosine similarity to [-1, 1]; normalized dot products can
// drift a few ulps past the boundary.
func Clamp(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
