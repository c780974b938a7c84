package biometric

import (
	"fmt"
	"math"
	"sort"

	"github.com/go-logr/logr"
)

// Refiner defaults
const (
	DefaultRefineRounds   = 5
	DefaultTrimFloor      = 10
	DefaultTrimPercentile = 95.0
)

// Refiner reduces a multi-sample capture to one reference embedding.
//
// Captures are taken while the subject turns their head, so the set is
// intentionally varied. Each non-final round drops only the samples beyond the
// TrimPercentile distance, and only while more than TrimFloor samples remain.
type Refiner struct {
	Rounds         int
	TrimFloor      int
	TrimPercentile float64
	Log            logr.Logger
}

// NewRefiner creates a refiner with the default round count, floor and percentile.
func NewRefiner() *Refiner {
	return &Refiner{
		Rounds:         DefaultRefineRounds,
		TrimFloor:      DefaultTrimFloor,
		TrimPercentile: DefaultTrimPercentile,
		Log:            logr.Discard(),
	}
}

// RoundStats describes a single refinement round.
type RoundStats struct {
	Round          int     `json:"round"`
	Samples        int     `json:"samples"`
	MeanSimilarity float64 `json:"mean_similarity"`
	Dropped        int     `json:"dropped"`
}

// RefineResult is the refined reference plus per-round statistics.
type RefineResult struct {
	Reference Embedding
	Rounds    []RoundStats
}

// Refine runs the refinement rounds and returns the last round's centroid.
// The input slice is never modified.
func (r *Refiner) Refine(samples []Embedding) (RefineResult, error) {
	if len(samples) == 0 {
		return RefineResult{}, ErrNoSamples
	}
	if err := checkDims(samples, len(samples[0])); err != nil {
		return RefineResult{}, err
	}
	rounds := r.Rounds
	if rounds < 1 {
		return RefineResult{}, fmt.Errorf("refine rounds must be positive, got %d", rounds)
	}

	current := samples
	result := RefineResult{Rounds: make([]RoundStats, 0, rounds)}

	for round := 1; round <= rounds; round++ {
		trim := round < rounds && len(current) > r.TrimFloor
		centroid, kept, meanSim, err := refineRound(current, trim, r.TrimPercentile)
		if err != nil {
			return RefineResult{}, fmt.Errorf("round %d: %w", round, err)
		}

		stats := RoundStats{
			Round:          round,
			Samples:        len(current),
			MeanSimilarity: meanSim,
			Dropped:        len(current) - len(kept),
		}
		result.Rounds = append(result.Rounds, stats)
		r.Log.V(1).Info("refine round",
			"round", round, "of", rounds,
			"samples", stats.Samples,
			"meanSimilarity", meanSim,
			"dropped", stats.Dropped)

		result.Reference = centroid
		current = kept
	}

	return result, nil
}

// refineRound computes the centroid of samples and, when trim is set, returns
// the samples whose distance to it does not exceed the given percentile.
// Without trimming the returned slice is samples itself.
func refineRound(samples []Embedding, trim bool, percentile float64) (Embedding, []Embedding, float64, error) {
	centroid, err := Centroid(samples)
	if err != nil {
		return nil, nil, 0, err
	}

	distances := make([]float64, len(samples))
	var simSum float64
	for i, s := range samples {
		sim, err := CosineSimilarity(s, centroid)
		if err != nil {
			return nil, nil, 0, err
		}
		simSum += sim
		distances[i] = 1 - sim
	}
	meanSim := simSum / float64(len(samples))

	if !trim {
		return centroid, samples, meanSim, nil
	}

	threshold := Percentile(distances, percentile)
	kept := make([]Embedding, 0, len(samples))
	for i, s := range samples {
		if distances[i] <= threshold {
			kept = append(kept, s)
		}
	}
	return centroid, kept, meanSim, nil
}

// Percentile returns the p-th percentile (0-100) of values using linear
// interpolation between closest ranks. values is not modified.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}

	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}
