package biometric

import "context"

// Identity is an enrolled person: a stable ID and the single reference embedding.
type Identity struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"` // pending key the identity was enrolled under
	Reference Embedding `json:"-"`
}

// IdentityRecord is one stored identity as read back from an IdentityStore.
// Err is set when the stored reference could not be read or decoded; such
// records are skipped by the scans and counted.
type IdentityRecord struct {
	Identity
	Err error
}

// IdentityStore is the durable, insertion-ordered list of enrolled identities.
// Implementations must publish appends atomically: a concurrent reader sees the
// list either before or after an append, never a partially written record.
type IdentityStore interface {
	// GetAllIdentities returns every enrolled identity in insertion order.
	GetAllIdentities(ctx context.Context) ([]IdentityRecord, error)
	// PersistIdentity appends a new identity.
	PersistIdentity(ctx context.Context, identity Identity) error
}

// Thresholds holds the two independent similarity cut-offs.
type Thresholds struct {
	// Duplicate is the similarity above which a new candidate counts as already enrolled.
	Duplicate float64 `yaml:"duplicate"`
	// Acceptance is the similarity above which a login attempt is accepted.
	Acceptance float64 `yaml:"acceptance"`
}

// DefaultThresholds returns the stock cut-offs (0.85 duplicate, 0.75 acceptance).
func DefaultThresholds() Thresholds {
	return Thresholds{Duplicate: 0.85, Acceptance: 0.75}
}
