package database

import (
	"context"
	"errors"
	"sync"
)

// HNSWRebuilder is an interface for repositories that support HNSW index rebuilding
type HNSWRebuilder interface {
	// RebuildHNSW rebuilds the in-memory HNSW index
	RebuildHNSW(ctx context.Context) error
	// HNSWCount returns the number of items in the HNSW index
	HNSWCount() int
	// IsHNSWEnabled returns whether HNSW is enabled
	IsHNSWEnabled() bool
	// SaveHNSWIndex saves the current index to disk (if path configured)
	SaveHNSWIndex() error
}

var (
	backendMu      sync.RWMutex
	identityWriter func() IdentityWriter
	identityHNSW   HNSWRebuilder
	backendName    string
)

// RegisterIdentityBackend registers the identity store constructor of the active backend.
// This is called by the cmd package to avoid import cycles.
func RegisterIdentityBackend(name string, writer func() IdentityWriter) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backendName = name
	identityWriter = writer
}

// RegisterHNSWRebuilder registers the HNSW rebuilder for the identity repository.
func RegisterHNSWRebuilder(rebuilder HNSWRebuilder) {
	backendMu.Lock()
	defer backendMu.Unlock()
	identityHNSW = rebuilder
}

// GetHNSWRebuilder returns the registered HNSW rebuilder, or nil if not registered.
func GetHNSWRebuilder() HNSWRebuilder {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return identityHNSW
}

// IsInitialized returns whether an identity backend has been registered.
func IsInitialized() bool {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return identityWriter != nil
}

// BackendName returns the name of the registered backend.
func BackendName() string {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return backendName
}

// GetIdentityReader returns an IdentityReader from the registered backend
func GetIdentityReader(ctx context.Context) (IdentityReader, error) {
	return GetIdentityWriter(ctx)
}

// GetIdentityWriter returns an IdentityWriter from the registered backend
func GetIdentityWriter(ctx context.Context) (IdentityWriter, error) {
	backendMu.RLock()
	defer backendMu.RUnlock()
	if identityWriter == nil {
		return nil, errors.New("identity backend not initialized: DATABASE_URL is required")
	}
	return identityWriter(), nil
}

// ResetBackend clears all registrations. Used by tests.
func ResetBackend() {
	backendMu.Lock()
	defer backendMu.Unlock()
	identityWriter = nil
	identityHNSW = nil
	backendName = ""
}
