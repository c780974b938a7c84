package biometric

import (
	"context"
	"errors"
	"math"
	"sync"
)

const testDim = 16

// unit returns the i-th standard basis vector.
func unit(dim, i int) Embedding {
	v := make(Embedding, dim)
	v[i] = 1
	return v
}

// withSimilarity returns a unit vector whose cosine similarity to e0 is s.
// The orthogonal component lies along axis.
func withSimilarity(s float64, axis int) Embedding {
	v := make(Embedding, testDim)
	v[0] = float32(s)
	v[axis] = float32(math.Sqrt(1 - s*s))
	return v
}

func approxEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

// fakeExtractor maps image bytes to embeddings.
type fakeExtractor struct {
	mu     sync.Mutex
	frames map[string]Embedding
	calls  int
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{frames: make(map[string]Embedding)}
}

func (f *fakeExtractor) set(image string, emb Embedding) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames[image] = emb
}

func (f *fakeExtractor) Extract(ctx context.Context, image []byte) (Embedding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	emb, ok := f.frames[string(image)]
	if !ok {
		return nil, ErrNoFaceDetected
	}
	return emb.Clone(), nil
}

// memStore is a minimal IdentityStore used by engine tests.
type memStore struct {
	mu         sync.Mutex
	records    []IdentityRecord
	persistErr error
}

func (m *memStore) GetAllIdentities(ctx context.Context) ([]IdentityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]IdentityRecord, len(m.records))
	copy(out, m.records)
	return out, nil
}

func (m *memStore) PersistIdentity(ctx context.Context, identity Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.persistErr != nil {
		return m.persistErr
	}
	m.records = append(m.records, IdentityRecord{Identity: identity})
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

var errCorrupt = errors.New("corrupt reference")
