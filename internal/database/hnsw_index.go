package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/coder/hnsw"
)

// HNSWIndexMetadata stores metadata for validating cached HNSW indexes.
type HNSWIndexMetadata struct {
	IdentityCount int64     `json:"identity_count"`
	MaxSeq        int64     `json:"max_seq"`
	BuildTime     time.Time `json:"build_time"`
	Version       int       `json:"version"`
}

const hnswMetadataVersion = 1

// HNSWIndex wraps the HNSW graph for nearest-identity lookups. Nodes are keyed
// by the identity sequence number.
type HNSWIndex struct {
	graph *hnsw.Graph[int64]
	bySeq map[int64]*StoredIdentity
	dim   int // all nodes share it, the graph cannot mix lengths
	mu    sync.RWMutex
}

// NewHNSWIndex creates a new empty HNSW index.
func NewHNSWIndex() *HNSWIndex {
	return &HNSWIndex{
		bySeq: make(map[int64]*StoredIdentity),
	}
}

func newGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

// indexable reports whether an identity can be placed in the graph. The
// first indexed identity fixes the dimensionality.
func (h *HNSWIndex) indexable(identity *StoredIdentity) bool {
	if identity.Err != nil || len(identity.Reference) == 0 {
		return false
	}
	if h.dim == 0 {
		h.dim = len(identity.Reference)
	}
	return len(identity.Reference) == h.dim
}

// BuildFromIdentities builds the index from a slice of identities.
func (h *HNSWIndex) BuildFromIdentities(identities []StoredIdentity) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.graph = nil
	h.dim = 0
	h.bySeq = make(map[int64]*StoredIdentity, len(identities))

	if len(identities) == 0 {
		return
	}

	g := newGraph()
	for i := range identities {
		identity := identities[i]
		if !h.indexable(&identity) {
			continue
		}
		g.Add(hnsw.MakeNode(identity.Seq, identity.Reference))
		h.bySeq[identity.Seq] = &identity
	}
	h.graph = g
}

// Add adds a single identity to the index.
func (h *HNSWIndex) Add(identity StoredIdentity) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.indexable(&identity) {
		return
	}
	if h.graph == nil {
		h.graph = newGraph()
	}
	h.graph.Add(hnsw.MakeNode(identity.Seq, identity.Reference))
	h.bySeq[identity.Seq] = &identity
}

// Delete removes an identity from search results. The node stays in the graph
// until the next rebuild; lookups filter it out.
func (h *HNSWIndex) Delete(seq int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.bySeq, seq)
}

// Search finds up to k identities nearest to query, nearest first.
func (h *HNSWIndex) Search(query []float32, k int) ([]IdentityMatch, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil {
		return nil, errors.New("index not initialized")
	}
	if len(query) != h.dim {
		return nil, fmt.Errorf("query dimension %d does not match index dimension %d", len(query), h.dim)
	}
	// Request extra candidates so deleted nodes do not starve the result.
	searchK := min(k*HNSWSearchMultiplier, h.graph.Len())
	if searchK <= 0 || len(h.bySeq) == 0 {
		return nil, nil
	}
	nodes := h.graph.Search(query, searchK)

	out := make([]IdentityMatch, 0, k)
	for _, n := range nodes {
		identity, ok := h.bySeq[n.Key]
		if !ok {
			continue
		}
		out = append(out, IdentityMatch{
			StoredIdentity: *identity,
			Distance:       CosineDistance(query, identity.Reference),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Count returns the number of indexed identities.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bySeq)
}

// IsEmpty returns true if the index has no graph data loaded.
func (h *HNSWIndex) IsEmpty() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.graph == nil || h.graph.Len() == 0
}

// Attach rebuilds the lookup map after loading a graph from disk. Graph nodes
// without a matching identity are ignored by Search.
func (h *HNSWIndex) Attach(identities []StoredIdentity) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dim = 0
	h.bySeq = make(map[int64]*StoredIdentity, len(identities))
	for i := range identities {
		identity := identities[i]
		if h.indexable(&identity) {
			h.bySeq[identity.Seq] = &identity
		}
	}
}

// SaveWithMetadata persists the graph and a .meta file used for staleness detection.
func (h *HNSWIndex) SaveWithMetadata(path string, metadata HNSWIndexMetadata) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil {
		// Remove existing files if index is empty (best-effort cleanup).
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
		return nil
	}

	f, err := os.Create(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to create HNSW index file: %w", err)
	}
	if err := h.graph.Export(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to export HNSW graph: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close HNSW index file: %w", err)
	}

	metadata.Version = hnswMetadataVersion
	if metadata.BuildTime.IsZero() {
		metadata.BuildTime = time.Now().UTC()
	}
	metaData, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaData, 0600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	return nil
}

// Load loads the graph from disk. The lookup map must be populated with Attach.
func (h *HNSWIndex) Load(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("HNSW index file not available: %w", err)
	}

	saved, err := hnsw.LoadSavedGraph[int64](path)
	if err != nil {
		return fmt.Errorf("failed to load HNSW index: %w", err)
	}

	h.graph = saved.Graph
	return nil
}

// LoadHNSWMetadata loads metadata from a separate .meta file.
func LoadHNSWMetadata(path string) (HNSWIndexMetadata, error) {
	var metadata HNSWIndexMetadata

	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata file: %w", err)
	}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return metadata, nil
}

// IndexHolder owns an optional HNSW index and its on-disk path. Stores embed
// it to share the load-or-build and save logic.
type IndexHolder struct {
	mu    sync.RWMutex
	index *HNSWIndex
	path  string
}

// EnableHNSW loads the index from path when its metadata matches the given
// identities, and otherwise builds it from them. It reports whether the
// on-disk index was reused.
func (ih *IndexHolder) EnableHNSW(path string, identities []StoredIdentity, count, maxSeq int64) bool {
	ih.mu.Lock()
	defer ih.mu.Unlock()

	ih.path = path
	idx := NewHNSWIndex()

	if path != "" {
		meta, err := LoadHNSWMetadata(path)
		if err == nil && meta.IdentityCount == count && meta.MaxSeq == maxSeq {
			if err := idx.Load(path); err == nil && !idx.IsEmpty() {
				idx.Attach(identities)
				ih.index = idx
				return true
			}
		}
	}

	idx.BuildFromIdentities(identities)
	ih.index = idx
	return false
}

// Rebuild replaces the index with one built from identities. The path is kept.
func (ih *IndexHolder) Rebuild(identities []StoredIdentity) {
	idx := NewHNSWIndex()
	idx.BuildFromIdentities(identities)

	ih.mu.Lock()
	defer ih.mu.Unlock()
	ih.index = idx
}

// Path returns the configured on-disk location, empty when persistence is off.
func (ih *IndexHolder) Path() string {
	ih.mu.RLock()
	defer ih.mu.RUnlock()
	return ih.path
}

// Index returns the index, or nil when HNSW is disabled.
func (ih *IndexHolder) Index() *HNSWIndex {
	ih.mu.RLock()
	defer ih.mu.RUnlock()
	return ih.index
}

// IsHNSWEnabled returns whether the in-memory HNSW index is enabled.
func (ih *IndexHolder) IsHNSWEnabled() bool {
	return ih.Index() != nil
}

// HNSWCount returns the number of identities in the HNSW index.
func (ih *IndexHolder) HNSWCount() int {
	if idx := ih.Index(); idx != nil {
		return idx.Count()
	}
	return 0
}

// SaveIndex writes the index to its path, if one is configured.
func (ih *IndexHolder) SaveIndex(count, maxSeq int64) error {
	ih.mu.RLock()
	defer ih.mu.RUnlock()

	if ih.path == "" || ih.index == nil {
		return nil
	}
	return ih.index.SaveWithMetadata(ih.path, HNSWIndexMetadata{IdentityCount: count, MaxSeq: maxSeq})
}
