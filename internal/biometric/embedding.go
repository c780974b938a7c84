// Package biometric implements face enrollment and verification on top of
// fixed-length face embeddings: sample collection, reference refinement,
// duplicate detection and best-match verification.
package biometric

import "math"

// Embedding is a fixed-length face feature vector produced by the extractor.
type Embedding []float32

// Dim returns the dimensionality of the embedding.
func (e Embedding) Dim() int {
	return len(e)
}

// Clone returns a copy that does not share storage with e.
func (e Embedding) Clone() Embedding {
	if e == nil {
		return nil
	}
	out := make(Embedding, len(e))
	copy(out, e)
	return out
}

// CosineSimilarity computes the cosine similarity between two embeddings.
// Returns a value between -1 and 1, or 0 when either vector has zero magnitude.
func CosineSimilarity(a, b Embedding) (float64, error) {
	if len(a) != len(b) {
		return 0, &DimensionMismatchError{Expected: len(a), Actual: len(b)}
	}
	if len(a) == 0 {
		return 0, nil
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}

	// sqrt(x*x) == x in IEEE arithmetic, so self similarity is exactly 1.
	sim := dot / math.Sqrt(normA*normB)
	// Clamp to [-1, 1] to absorb floating point drift.
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim, nil
}

// Centroid computes the elementwise mean of the given embeddings.
// All embeddings must share dimensionality.
func Centroid(samples []Embedding) (Embedding, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}
	dim := len(samples[0])
	if err := checkDims(samples, dim); err != nil {
		return nil, err
	}

	sum := make([]float64, dim)
	for _, s := range samples {
		for i, v := range s {
			sum[i] += float64(v)
		}
	}

	n := float64(len(samples))
	centroid := make(Embedding, dim)
	for i := range sum {
		centroid[i] = float32(sum[i] / n)
	}
	return centroid, nil
}

// checkDims verifies that every sample has the expected dimensionality.
func checkDims(samples []Embedding, dim int) error {
	for _, s := range samples {
		if len(s) != dim {
			return &DimensionMismatchError{Expected: dim, Actual: len(s)}
		}
	}
	return nil
}
