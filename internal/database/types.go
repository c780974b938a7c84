package database

import (
	"time"

	"github.com/kozaktomas/faceguard/internal/biometric"
)

// StoredIdentity represents an enrolled identity stored in the database
type StoredIdentity struct {
	Seq       int64 // insertion order, also the HNSW node key
	ID        string
	Subject   string
	Reference []float32
	Dim       int
	CreatedAt time.Time

	// Err is set when the stored reference could not be decoded.
	Err error
}

// Record converts the stored row to the form the biometric scans consume.
func (s StoredIdentity) Record() biometric.IdentityRecord {
	return biometric.IdentityRecord{
		Identity: biometric.Identity{
			ID:        s.ID,
			Subject:   s.Subject,
			Reference: biometric.Embedding(s.Reference),
		},
		Err: s.Err,
	}
}

// IdentityMatch is a nearest-neighbour hit with its cosine distance.
type IdentityMatch struct {
	StoredIdentity
	Distance float64
}
