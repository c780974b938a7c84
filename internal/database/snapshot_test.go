package database

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestSnapshot_AppendKeepsOrder(t *testing.T) {
	var s Snapshot
	if s.Loaded() {
		t.Fatal("new snapshot should not be loaded")
	}

	for i := 1; i <= 3; i++ {
		s.Append(StoredIdentity{Seq: int64(i), ID: fmt.Sprintf("id-%d", i), Reference: []float32{1, 0}})
	}

	items := s.Identities()
	if len(items) != 3 {
		t.Fatalf("expected 3 identities, got %d", len(items))
	}
	for i, item := range items {
		if item.Seq != int64(i+1) {
			t.Errorf("position %d has seq %d", i, item.Seq)
		}
	}
	if !s.Loaded() {
		t.Error("snapshot should be loaded after append")
	}
}

func TestSnapshot_ReadersKeepOldView(t *testing.T) {
	var s Snapshot
	s.Publish([]StoredIdentity{{Seq: 1, ID: "a"}})

	before := s.Identities()
	s.Append(StoredIdentity{Seq: 2, ID: "b"})

	if len(before) != 1 {
		t.Errorf("published slice was mutated: %d items", len(before))
	}
	if len(s.Identities()) != 2 {
		t.Errorf("expected 2 identities after append, got %d", len(s.Identities()))
	}
}

func TestSnapshot_AppendSkipsKnownSeq(t *testing.T) {
	var s Snapshot
	s.Publish([]StoredIdentity{{Seq: 1, ID: "a"}, {Seq: 2, ID: "b"}})

	if s.Append(StoredIdentity{Seq: 2, ID: "b"}) {
		t.Error("expected append of a known seq to be ignored")
	}
	if !s.Append(StoredIdentity{Seq: 3, ID: "c"}) {
		t.Error("expected append of a new seq to succeed")
	}

	items := s.Identities()
	if len(items) != 3 {
		t.Fatalf("expected 3 identities, got %d", len(items))
	}
	seen := map[string]int{}
	for _, item := range items {
		seen[item.ID]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("identity %s present %d times", id, n)
		}
	}
}

func TestSnapshot_Remove(t *testing.T) {
	var s Snapshot
	s.Publish([]StoredIdentity{{Seq: 1, ID: "a"}, {Seq: 2, ID: "b"}, {Seq: 3, ID: "c"}})

	removed, ok := s.Remove("b")
	if !ok || removed.Seq != 2 {
		t.Fatalf("Remove(b) = %+v, %v", removed, ok)
	}
	if _, ok := s.Remove("b"); ok {
		t.Error("second remove should report nothing")
	}
	if _, ok := s.Find("b"); ok {
		t.Error("removed identity is still found")
	}

	count, maxSeq := s.Stats()
	if count != 2 || maxSeq != 3 {
		t.Errorf("Stats() = %d, %d, want 2, 3", count, maxSeq)
	}
}

func TestSnapshot_RecordsCarryErrors(t *testing.T) {
	decodeErr := errors.New("bad blob")
	var s Snapshot
	s.Publish([]StoredIdentity{
		{Seq: 1, ID: "ok", Subject: "a@example.com", Reference: []float32{1, 2}},
		{Seq: 2, ID: "broken", Err: decodeErr},
	})

	records := s.Records()
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Subject != "a@example.com" || len(records[0].Reference) != 2 {
		t.Errorf("unexpected first record: %+v", records[0])
	}
	if !errors.Is(records[1].Err, decodeErr) {
		t.Errorf("expected decode error on second record, got %v", records[1].Err)
	}
}

func TestSnapshot_ConcurrentReadersAndWriters(t *testing.T) {
	var s Snapshot
	s.Publish(nil)

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range perWriter {
				s.Append(StoredIdentity{Seq: int64(w*perWriter + i), ID: fmt.Sprintf("%d-%d", w, i)})
			}
		}(w)
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				items := s.Identities()
				for _, item := range items {
					if item.ID == "" {
						t.Error("reader observed a partially written identity")
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	if got := len(s.Identities()); got != writers*perWriter {
		t.Errorf("expected %d identities, got %d", writers*perWriter, got)
	}
}

func TestSnapshot_Nearest(t *testing.T) {
	var s Snapshot
	s.Publish([]StoredIdentity{
		{Seq: 1, ID: "far", Reference: []float32{0, 1}},
		{Seq: 2, ID: "near", Reference: []float32{1, 0.1}},
		{Seq: 3, ID: "broken", Err: errors.New("decode")},
		{Seq: 4, ID: "other-dim", Reference: []float32{1, 0, 0}},
		{Seq: 5, ID: "exact", Reference: []float32{2, 0}},
	})

	got := s.Nearest([]float32{1, 0}, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(got))
	}
	if got[0].ID != "exact" || got[1].ID != "near" {
		t.Errorf("unexpected order: %s, %s", got[0].ID, got[1].ID)
	}
	if all := s.Nearest([]float32{1, 0}, 0); len(all) != 3 {
		t.Errorf("expected 3 readable matches without a limit, got %d", len(all))
	}
}
