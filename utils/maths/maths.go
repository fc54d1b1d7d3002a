// Package maths holds the small vector helpers shared by the reward engine
// and the relay's near-duplicate detection.
package maths

import "math"

// Dot returns the dot product of two vectors. Vectors of different lengths
// have no meaningful product; the shorter length wins so a truncated
// embedding degrades instead of panicking.
func Dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Norm returns the Euclidean norm of a vector.
func Norm(a []float64) float64 {
	sum := 0.0
	for _, v := range a {
		sum += v * v
	}
	return math.Sqrt(sum)
}

// CosineSimilarity returns the cosine of the angle between two vectors, or 0
// when either has zero magnitude.
func CosineSimilarity(a, b []float64) float64 {
	na, nb := Norm(a), Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return Dot(a, b) / (na * nb)
}
