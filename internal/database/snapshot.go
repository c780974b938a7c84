package database

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kozaktomas/faceguard/internal/biometric"
)

// Snapshot is the in-memory, insertion-ordered view of the identities table.
// Readers load an immutable slice without locking; writers build a new slice
// and publish it, so a reader sees a list either before or after an append.
type Snapshot struct {
	mu  sync.Mutex // serializes writers
	cur atomic.Pointer[[]StoredIdentity]
}

// Loaded reports whether Publish has been called at least once.
func (s *Snapshot) Loaded() bool {
	return s.cur.Load() != nil
}

// Identities returns the current list. The slice must not be modified.
func (s *Snapshot) Identities() []StoredIdentity {
	p := s.cur.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Records returns the current list as biometric records.
func (s *Snapshot) Records() []biometric.IdentityRecord {
	items := s.Identities()
	out := make([]biometric.IdentityRecord, len(items))
	for i := range items {
		out[i] = items[i].Record()
	}
	return out
}

// Publish replaces the whole list.
func (s *Snapshot) Publish(items []StoredIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]StoredIdentity, len(items))
	copy(cp, items)
	s.cur.Store(&cp)
}

// Append publishes the current list plus item. An item whose sequence number
// is already present is ignored and Append reports false.
func (s *Snapshot) Append(item StoredIdentity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.Identities()
	if item.Seq > 0 {
		for _, existing := range old {
			if existing.Seq == item.Seq {
				return false
			}
		}
	}
	next := make([]StoredIdentity, len(old), len(old)+1)
	copy(next, old)
	next = append(next, item)
	s.cur.Store(&next)
	return true
}

// Remove publishes the list without the identity id and returns the removed entry.
func (s *Snapshot) Remove(id string) (StoredIdentity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.Identities()
	next := make([]StoredIdentity, 0, len(old))
	var removed StoredIdentity
	found := false
	for _, item := range old {
		if item.ID == id {
			removed, found = item, true
			continue
		}
		next = append(next, item)
	}
	if found {
		s.cur.Store(&next)
	}
	return removed, found
}

// Find returns the identity with the given ID.
func (s *Snapshot) Find(id string) (StoredIdentity, bool) {
	for _, item := range s.Identities() {
		if item.ID == id {
			return item, true
		}
	}
	return StoredIdentity{}, false
}

// Stats returns the identity count and the highest sequence number, used to
// detect a stale on-disk HNSW index.
func (s *Snapshot) Stats() (count, maxSeq int64) {
	items := s.Identities()
	for _, item := range items {
		maxSeq = max(maxSeq, item.Seq)
	}
	return int64(len(items)), maxSeq
}

// Nearest returns up to limit readable identities closest to query by cosine
// distance, nearest first. Identities of a different dimension are skipped.
func (s *Snapshot) Nearest(query []float32, limit int) []IdentityMatch {
	var out []IdentityMatch
	for _, item := range s.Identities() {
		if item.Err != nil || len(item.Reference) != len(query) {
			continue
		}
		out = append(out, IdentityMatch{StoredIdentity: item, Distance: CosineDistance(query, item.Reference)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
