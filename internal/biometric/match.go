package biometric

import (
	"errors"
	"fmt"
)

// Match is the best-scoring identity of a scan.
type Match struct {
	Identity Identity
	Score    float64
	Skipped  int // unreadable records skipped during the scan
}

// DuplicateResult is the outcome of a duplicate scan.
// Duplicate is nil when no enrolled identity exceeds the threshold.
type DuplicateResult struct {
	Duplicate *Match
	Skipped   int
}

// scanResult holds the best match of a full scan and the skipped-record count.
type scanResult struct {
	best    *Match
	skipped int
}

// bestMatch scans all records and keeps the single highest-scoring identity.
// Records with a read error or a foreign dimensionality are skipped.
func bestMatch(live Embedding, records []IdentityRecord) (scanResult, error) {
	if len(live) == 0 {
		return scanResult{}, errors.New("live embedding is empty")
	}

	var res scanResult
	for i := range records {
		rec := &records[i]
		if rec.Err != nil {
			res.skipped++
			continue
		}
		score, err := CosineSimilarity(live, rec.Reference)
		if err != nil {
			if errors.Is(err, ErrDimensionMismatch) {
				res.skipped++
				continue
			}
			return scanResult{}, fmt.Errorf("compare identity %s: %w", rec.ID, err)
		}
		if res.best == nil || score > res.best.Score {
			res.best = &Match{Identity: rec.Identity, Score: score}
		}
	}
	return res, nil
}

// FindDuplicate reports the enrolled identity most similar to candidate when
// that similarity exceeds threshold. It has no side effects.
func FindDuplicate(candidate Embedding, records []IdentityRecord, threshold float64) (DuplicateResult, error) {
	res, err := bestMatch(candidate, records)
	if err != nil {
		return DuplicateResult{}, err
	}
	out := DuplicateResult{Skipped: res.skipped}
	if res.best != nil && res.best.Score > threshold {
		res.best.Skipped = res.skipped
		out.Duplicate = res.best
	}
	return out, nil
}

// Verify finds the best-matching enrolled identity for a live embedding and
// accepts it only when its score exceeds threshold. Every failure is reported
// as a *VerifyError that does not reveal the score or the nearest identity.
func Verify(live Embedding, records []IdentityRecord, threshold float64) (Match, error) {
	res, err := bestMatch(live, records)
	if err != nil {
		return Match{}, err
	}
	if res.best == nil || res.best.Score <= threshold {
		return Match{}, &VerifyError{Skipped: res.skipped}
	}
	m := *res.best
	m.Skipped = res.skipped
	return m, nil
}
