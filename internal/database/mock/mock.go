// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/kozaktomas/faceguard/internal/biometric"
	"github.com/kozaktomas/faceguard/internal/database"
)

// MockIdentityStore is an in-memory database.IdentityWriter.
type MockIdentityStore struct {
	snapshot database.Snapshot

	mu      sync.Mutex
	nextSeq int64

	// Error injection
	GetAllError      error
	GetError         error
	CountError       error
	PersistError     error
	DeleteError      error
	FindNearestError error

	// Call tracking
	PersistCalls []biometric.Identity
}

var _ database.IdentityWriter = (*MockIdentityStore)(nil)

// NewMockIdentityStore creates an empty mock identity store.
func NewMockIdentityStore() *MockIdentityStore {
	m := &MockIdentityStore{}
	m.snapshot.Publish(nil)
	return m
}

// AddIdentity appends an identity directly, bypassing PersistCalls.
func (m *MockIdentityStore) AddIdentity(identity biometric.Identity) database.StoredIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(identity)
}

// AddBroken appends a record whose reference could not be decoded.
func (m *MockIdentityStore) AddBroken(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	m.snapshot.Append(database.StoredIdentity{Seq: m.nextSeq, ID: id, Err: err})
}

func (m *MockIdentityStore) appendLocked(identity biometric.Identity) database.StoredIdentity {
	m.nextSeq++
	stored := database.StoredIdentity{
		Seq:       m.nextSeq,
		ID:        identity.ID,
		Subject:   identity.Subject,
		Reference: identity.Reference.Clone(),
		Dim:       identity.Reference.Dim(),
	}
	m.snapshot.Append(stored)
	return stored
}

// GetAllIdentities returns every identity in insertion order.
func (m *MockIdentityStore) GetAllIdentities(ctx context.Context) ([]biometric.IdentityRecord, error) {
	if m.GetAllError != nil {
		return nil, m.GetAllError
	}
	return m.snapshot.Records(), nil
}

// Get retrieves an identity by ID.
func (m *MockIdentityStore) Get(ctx context.Context, id string) (*database.StoredIdentity, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	identity, ok := m.snapshot.Find(id)
	if !ok {
		return nil, database.ErrIdentityNotFound
	}
	return &identity, nil
}

// List returns all identities in insertion order.
func (m *MockIdentityStore) List(ctx context.Context) ([]database.StoredIdentity, error) {
	if m.GetAllError != nil {
		return nil, m.GetAllError
	}
	items := m.snapshot.Identities()
	out := make([]database.StoredIdentity, len(items))
	copy(out, items)
	return out, nil
}

// Count returns the number of identities.
func (m *MockIdentityStore) Count(ctx context.Context) (int, error) {
	if m.CountError != nil {
		return 0, m.CountError
	}
	return len(m.snapshot.Identities()), nil
}

// FindNearest returns the closest identities by linear scan.
func (m *MockIdentityStore) FindNearest(ctx context.Context, embedding []float32, limit int) ([]database.IdentityMatch, error) {
	if m.FindNearestError != nil {
		return nil, m.FindNearestError
	}
	if limit <= 0 {
		limit = database.DefaultNearestLimit
	}
	return m.snapshot.Nearest(embedding, limit), nil
}

// PersistIdentity records the call and appends the identity.
func (m *MockIdentityStore) PersistIdentity(ctx context.Context, identity biometric.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PersistCalls = append(m.PersistCalls, identity)
	if m.PersistError != nil {
		return m.PersistError
	}
	if identity.ID == "" {
		return errors.New("identity ID is required")
	}
	if _, exists := m.snapshot.Find(identity.ID); exists {
		return errors.New("identity ID already exists")
	}
	m.appendLocked(identity)
	return nil
}

// DeleteIdentity removes an identity by ID.
func (m *MockIdentityStore) DeleteIdentity(ctx context.Context, id string) error {
	if m.DeleteError != nil {
		return m.DeleteError
	}
	if _, ok := m.snapshot.Remove(id); !ok {
		return database.ErrIdentityNotFound
	}
	return nil
}

// PersistCount returns how many times PersistIdentity was called.
func (m *MockIdentityStore) PersistCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.PersistCalls)
}
