package database

import (
	"context"
	"errors"

	"github.com/kozaktomas/faceguard/internal/biometric"
)

// ErrIdentityNotFound is returned when an identity ID does not exist.
var ErrIdentityNotFound = errors.New("identity not found")

// IdentityReader provides read-only access to enrolled identities
type IdentityReader interface {
	// GetAllIdentities returns every identity in insertion order. Unreadable
	// references are reported per record instead of failing the call.
	GetAllIdentities(ctx context.Context) ([]biometric.IdentityRecord, error)
	// Get retrieves an identity by ID, returns ErrIdentityNotFound if missing
	Get(ctx context.Context, id string) (*StoredIdentity, error)
	// List returns the stored identities in insertion order
	List(ctx context.Context) ([]StoredIdentity, error)
	// Count returns the total number of identities stored
	Count(ctx context.Context) (int, error)
	// FindNearest returns the identities closest to embedding, nearest first.
	// Diagnostic only: accept/reject decisions always use the full scan.
	FindNearest(ctx context.Context, embedding []float32, limit int) ([]IdentityMatch, error)
}

// IdentityWriter provides write access to identities
type IdentityWriter interface {
	IdentityReader

	// PersistIdentity appends a new identity. The append becomes visible to
	// readers only after it is committed.
	PersistIdentity(ctx context.Context, identity biometric.Identity) error

	// DeleteIdentity removes an identity (administrative use).
	DeleteIdentity(ctx context.Context, id string) error
}

var _ biometric.IdentityStore = IdentityWriter(nil)
