package database

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
)

// testIdentities returns n unit vectors spread around a circle in the first
// two dimensions of an 8-dim space.
func testIdentities(n int) []StoredIdentity {
	out := make([]StoredIdentity, n)
	for i := range out {
		angle := float64(i) * math.Pi / float64(2*n)
		ref := make([]float32, 8)
		ref[0] = float32(math.Cos(angle))
		ref[1] = float32(math.Sin(angle))
		out[i] = StoredIdentity{Seq: int64(i + 1), ID: fmt.Sprintf("id-%d", i+1), Reference: ref, Dim: 8}
	}
	return out
}

func TestHNSWIndex_SearchNearestFirst(t *testing.T) {
	idx := NewHNSWIndex()
	idx.BuildFromIdentities(testIdentities(20))

	if idx.Count() != 20 {
		t.Fatalf("expected 20 indexed identities, got %d", idx.Count())
	}

	query := make([]float32, 8)
	query[0] = 1
	matches, err := idx.Search(query, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	if matches[0].ID != "id-1" {
		t.Errorf("expected id-1 first, got %s", matches[0].ID)
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Distance < matches[i-1].Distance {
			t.Errorf("matches not sorted by distance: %v", matches)
		}
	}
}

func TestHNSWIndex_SkipsUnusableIdentities(t *testing.T) {
	items := testIdentities(3)
	items = append(items,
		StoredIdentity{Seq: 10, ID: "broken", Err: errors.New("decode")},
		StoredIdentity{Seq: 11, ID: "short", Reference: []float32{1, 0}},
	)

	idx := NewHNSWIndex()
	idx.BuildFromIdentities(items)

	if idx.Count() != 3 {
		t.Errorf("expected 3 indexed identities, got %d", idx.Count())
	}
	if _, err := idx.Search([]float32{1, 0}, 1); err == nil {
		t.Error("expected error for query of the wrong dimension")
	}
}

func TestHNSWIndex_DeleteHidesIdentity(t *testing.T) {
	idx := NewHNSWIndex()
	idx.BuildFromIdentities(testIdentities(5))
	idx.Delete(1)

	query := make([]float32, 8)
	query[0] = 1
	matches, err := idx.Search(query, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, m := range matches {
		if m.Seq == 1 {
			t.Error("deleted identity returned by search")
		}
	}
}

func TestHNSWIndex_AddToEmpty(t *testing.T) {
	idx := NewHNSWIndex()
	if _, err := idx.Search([]float32{1}, 1); err == nil {
		t.Error("expected error searching an uninitialized index")
	}

	idx.Add(StoredIdentity{Seq: 1, ID: "first", Reference: []float32{0, 1}})
	matches, err := idx.Search([]float32{0, 1}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "first" {
		t.Errorf("unexpected matches: %+v", matches)
	}
}

func TestHNSWIndex_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.hnsw")
	items := testIdentities(10)

	idx := NewHNSWIndex()
	idx.BuildFromIdentities(items)
	if err := idx.SaveWithMetadata(path, HNSWIndexMetadata{IdentityCount: 10, MaxSeq: 10}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	meta, err := LoadHNSWMetadata(path)
	if err != nil {
		t.Fatalf("load metadata failed: %v", err)
	}
	if meta.IdentityCount != 10 || meta.MaxSeq != 10 || meta.Version != hnswMetadataVersion {
		t.Errorf("unexpected metadata: %+v", meta)
	}

	loaded := NewHNSWIndex()
	if err := loaded.Load(path); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	loaded.Attach(items)

	query := make([]float32, 8)
	query[0] = 1
	matches, err := loaded.Search(query, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "id-1" {
		t.Errorf("unexpected matches after reload: %+v", matches)
	}
}

func TestIndexHolder_ReusesFreshIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.hnsw")
	items := testIdentities(6)

	var first IndexHolder
	if first.EnableHNSW(path, items, 6, 6) {
		t.Error("nothing on disk yet, expected a fresh build")
	}
	if err := first.SaveIndex(6, 6); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	var second IndexHolder
	if !second.EnableHNSW(path, items, 6, 6) {
		t.Error("expected the saved index to be reused")
	}
	if second.HNSWCount() != 6 {
		t.Errorf("expected 6 identities, got %d", second.HNSWCount())
	}

	var stale IndexHolder
	if stale.EnableHNSW(path, append(items, testIdentities(7)[6]), 7, 7) {
		t.Error("stale index must be rebuilt")
	}
}

func TestIndexHolder_Disabled(t *testing.T) {
	var ih IndexHolder
	if ih.IsHNSWEnabled() || ih.HNSWCount() != 0 {
		t.Error("zero value holder should be disabled")
	}
	if err := ih.SaveIndex(0, 0); err != nil {
		t.Errorf("saving a disabled index should be a no-op, got %v", err)
	}
}
