package database

import "github.com/kozaktomas/faceguard/internal/biometric"

// CosineDistance computes the cosine distance between two vectors
// Returns a value between 0 (identical) and 2 (opposite)
// Cosine distance = 1 - cosine similarity
func CosineDistance(a, b []float32) float64 {
	if len(a) == 0 {
		return 2.0 // Maximum distance for invalid input
	}
	sim, err := biometric.CosineSimilarity(a, b)
	if err != nil {
		return 2.0
	}
	if sim == 0 && (isZero(a) || isZero(b)) {
		return 2.0 // Maximum distance for zero vectors
	}
	return 1 - sim
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
