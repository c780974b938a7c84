package biometric

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
)

func newTestEngine(ext Extractor, store IdentityStore) *Engine {
	cfg := DefaultEngineConfig()
	cfg.Dim = testDim
	return NewEngine(ext, store, cfg, logr.Discard())
}

// submitAll feeds n frames that all map to emb.
func submitAll(t *testing.T, e *Engine, ext *fakeExtractor, key string, emb Embedding, n int) {
	t.Helper()
	for i := range n {
		frame := fmt.Sprintf("%s-frame-%d", key, i)
		ext.set(frame, emb)
		if _, err := e.SubmitFrame(context.Background(), key, []byte(frame)); err != nil {
			t.Fatalf("SubmitFrame(%q) returned error: %v", frame, err)
		}
	}
}

func TestEngine_EnrollThenVerify(t *testing.T) {
	ext := newFakeExtractor()
	store := &memStore{}
	e := newTestEngine(ext, store)
	ctx := context.Background()

	submitAll(t, e, ext, "alice@example.com", unit(testDim, 0), 12)

	status, ok := e.Status("alice@example.com")
	if !ok {
		t.Fatal("expected pending enrollment")
	}
	if status.State != StateCollecting || status.Samples != 12 {
		t.Errorf("unexpected status: %+v", status)
	}

	identity, err := e.Finalize(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("Finalize returned error: %v", err)
	}
	if identity.ID == "" {
		t.Error("expected a generated identity id")
	}
	if identity.Subject != "alice@example.com" {
		t.Errorf("expected subject alice@example.com, got %s", identity.Subject)
	}
	if store.count() != 1 {
		t.Fatalf("expected 1 stored identity, got %d", store.count())
	}
	if _, ok := e.Status("alice@example.com"); ok {
		t.Error("finalized enrollment is still pending")
	}

	ext.set("login", withSimilarity(0.9, 4))
	match, err := e.Verify(ctx, []byte("login"))
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if match.Identity.ID != identity.ID {
		t.Errorf("expected identity %s, got %s", identity.ID, match.Identity.ID)
	}

	ext.set("stranger", unit(testDim, 7))
	if _, err := e.Verify(ctx, []byte("stranger")); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("expected ErrVerificationFailed for stranger, got %v", err)
	}
}

func TestEngine_NoFaceIsRecoverable(t *testing.T) {
	ext := newFakeExtractor()
	e := newTestEngine(ext, &memStore{})
	ctx := context.Background()

	if _, err := e.SubmitFrame(ctx, "bob", []byte("blank")); !errors.Is(err, ErrNoFaceDetected) {
		t.Fatalf("expected ErrNoFaceDetected, got %v", err)
	}
	if _, ok := e.Status("bob"); ok {
		t.Error("a frame without face must not create an enrollment")
	}

	ext.set("face", unit(testDim, 0))
	n, err := e.SubmitFrame(ctx, "bob", []byte("face"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 sample, got %d", n)
	}
}

func TestEngine_RejectsWrongDimension(t *testing.T) {
	ext := newFakeExtractor()
	ext.set("odd", unit(8, 0))
	e := newTestEngine(ext, &memStore{})

	_, err := e.SubmitFrame(context.Background(), "k", []byte("odd"))
	var dimErr *DimensionMismatchError
	if !errors.As(err, &dimErr) {
		t.Fatalf("expected *DimensionMismatchError, got %v", err)
	}
	if dimErr.Expected != testDim || dimErr.Actual != 8 {
		t.Errorf("unexpected dims: %+v", dimErr)
	}
}

func TestEngine_DuplicateAbortsEnrollment(t *testing.T) {
	ext := newFakeExtractor()
	store := &memStore{}
	e := newTestEngine(ext, store)
	ctx := context.Background()

	submitAll(t, e, ext, "first", unit(testDim, 0), 5)
	first, err := e.Finalize(ctx, "first")
	if err != nil {
		t.Fatalf("first Finalize returned error: %v", err)
	}

	submitAll(t, e, ext, "second", withSimilarity(0.95, 2), 5)
	enr, _ := e.collector.Get("second")

	_, err = e.Finalize(ctx, "second")
	if !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("expected ErrDuplicateIdentity, got %v", err)
	}
	var dupErr *DuplicateIdentityError
	if !errors.As(err, &dupErr) {
		t.Fatalf("expected *DuplicateIdentityError, got %T", err)
	}
	if dupErr.Existing.ID != first.ID {
		t.Errorf("expected existing identity %s, got %s", first.ID, dupErr.Existing.ID)
	}
	if store.count() != 1 {
		t.Errorf("duplicate was persisted: %d identities", store.count())
	}
	if enr.State() != StateAborted || enr.Len() != 0 {
		t.Errorf("expected aborted enrollment without samples, got state=%s samples=%d", enr.State(), enr.Len())
	}
	if _, ok := e.Status("second"); ok {
		t.Error("aborted enrollment is still pending")
	}
}

func TestEngine_DissimilarFaceEnrolls(t *testing.T) {
	ext := newFakeExtractor()
	store := &memStore{}
	e := newTestEngine(ext, store)
	ctx := context.Background()

	submitAll(t, e, ext, "first", unit(testDim, 0), 3)
	if _, err := e.Finalize(ctx, "first"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	submitAll(t, e, ext, "second", withSimilarity(0.5, 2), 3)
	if _, err := e.Finalize(ctx, "second"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.count() != 2 {
		t.Errorf("expected 2 identities, got %d", store.count())
	}
}

func TestEngine_FinalizeWithoutSamples(t *testing.T) {
	e := newTestEngine(newFakeExtractor(), &memStore{})
	if _, err := e.Finalize(context.Background(), "nobody"); !errors.Is(err, ErrNoSamples) {
		t.Errorf("expected ErrNoSamples, got %v", err)
	}
}

func TestEngine_PersistErrorAborts(t *testing.T) {
	ext := newFakeExtractor()
	storeErr := errors.New("disk full")
	store := &memStore{persistErr: storeErr}
	e := newTestEngine(ext, store)

	submitAll(t, e, ext, "k", unit(testDim, 0), 3)
	enr, _ := e.collector.Get("k")

	_, err := e.Finalize(context.Background(), "k")
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
	if enr.State() != StateAborted {
		t.Errorf("expected aborted, got %s", enr.State())
	}
}

func TestEngine_AbortDiscardsSamples(t *testing.T) {
	ext := newFakeExtractor()
	e := newTestEngine(ext, &memStore{})
	submitAll(t, e, ext, "k", unit(testDim, 0), 3)

	if !e.Abort("k") {
		t.Fatal("expected Abort to find the enrollment")
	}
	if _, err := e.Finalize(context.Background(), "k"); !errors.Is(err, ErrNoSamples) {
		t.Errorf("expected ErrNoSamples after abort, got %v", err)
	}
}

func TestEngine_SampleLimit(t *testing.T) {
	ext := newFakeExtractor()
	cfg := DefaultEngineConfig()
	cfg.Dim = testDim
	cfg.MaxSamples = 2
	e := NewEngine(ext, &memStore{}, cfg, logr.Discard())

	submitAll(t, e, ext, "k", unit(testDim, 0), 2)
	ext.set("extra", unit(testDim, 0))
	if _, err := e.SubmitFrame(context.Background(), "k", []byte("extra")); !errors.Is(err, ErrSampleLimit) {
		t.Errorf("expected ErrSampleLimit, got %v", err)
	}
}

func TestEngine_Sweep(t *testing.T) {
	ext := newFakeExtractor()
	e := newTestEngine(ext, &memStore{})
	now := time.Now()
	e.collector.now = func() time.Time { return now }

	submitAll(t, e, ext, "k", unit(testDim, 0), 1)
	now = now.Add(DefaultSessionTTL + time.Second)

	if n := e.Sweep(); n != 1 {
		t.Errorf("expected 1 swept enrollment, got %d", n)
	}
	if e.Pending() != 0 {
		t.Errorf("expected no pending enrollments, got %d", e.Pending())
	}
}

func TestEngine_ConcurrentFinalizeRejectsOneDuplicate(t *testing.T) {
	ext := newFakeExtractor()
	store := &memStore{}
	e := newTestEngine(ext, store)
	ctx := context.Background()

	submitAll(t, e, ext, "a", unit(testDim, 0), 3)
	submitAll(t, e, ext, "b", withSimilarity(0.99, 3), 3)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			_, errs[i] = e.Finalize(ctx, key)
		}(i, key)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicateIdentity):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != 1 {
		t.Errorf("expected one success and one duplicate, got ok=%d dup=%d", ok, dup)
	}
	if store.count() != 1 {
		t.Errorf("expected 1 stored identity, got %d", store.count())
	}
}

func TestEngine_VerifySkipsCorruptRecords(t *testing.T) {
	ext := newFakeExtractor()
	store := &memStore{records: []IdentityRecord{
		{Identity: Identity{ID: "broken"}, Err: errCorrupt},
		{Identity: Identity{ID: "me", Reference: unit(testDim, 0)}},
	}}
	e := newTestEngine(ext, store)

	match, err := e.VerifyEmbedding(context.Background(), withSimilarity(0.95, 5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match.Identity.ID != "me" || match.Skipped != 1 {
		t.Errorf("unexpected match: %+v", match)
	}
}

func TestEngine_RunSweeperStopsOnCancel(t *testing.T) {
	e := newTestEngine(newFakeExtractor(), &memStore{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		e.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

// gatedExtractor records how many Extract calls run at once.
type gatedExtractor struct {
	mu       sync.Mutex
	inFlight int
	peak     int
}

func (g *gatedExtractor) Extract(ctx context.Context, image []byte) (Embedding, error) {
	g.mu.Lock()
	g.inFlight++
	g.peak = max(g.peak, g.inFlight)
	g.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
	return unit(testDim, 0), nil
}

func TestEngine_ExtractHonoursConcurrencyLimit(t *testing.T) {
	ext := &gatedExtractor{}
	cfg := DefaultEngineConfig()
	cfg.Dim = testDim
	cfg.ExtractorConcurrency = 1
	e := NewEngine(ext, &memStore{}, cfg, logr.Discard())

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Extract(context.Background(), []byte("frame")); err != nil {
				t.Errorf("Extract returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ext.peak != 1 {
		t.Errorf("expected at most 1 concurrent extraction, saw %d", ext.peak)
	}
}

func TestNewEngine_LeavesCallerRefinerUntouched(t *testing.T) {
	shared := NewRefiner()
	cfg := DefaultEngineConfig()
	cfg.Dim = testDim
	cfg.Refiner = shared

	log := funcr.New(func(prefix, args string) {}, funcr.Options{})
	e := NewEngine(newFakeExtractor(), &memStore{}, cfg, log)

	if shared.Log.GetSink() != nil {
		t.Error("NewEngine set a logger on the caller's refiner")
	}
	if e.refiner == shared {
		t.Error("engine shares the caller's refiner")
	}
	if e.refiner.Rounds != shared.Rounds || e.refiner.TrimPercentile != shared.TrimPercentile {
		t.Errorf("engine refiner settings differ from config: %+v", e.refiner)
	}
}
