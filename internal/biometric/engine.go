package biometric

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Extractor turns an image into a face embedding. It returns ErrNoFaceDetected
// when the image contains no usable face.
type Extractor interface {
	Extract(ctx context.Context, image []byte) (Embedding, error)
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Thresholds           Thresholds
	Dim                  int // expected embedding dimensionality, 0 = take whatever the extractor returns
	MaxSamples           int
	SessionTTL           time.Duration
	ExtractorConcurrency int64
	Refiner              *Refiner
}

// DefaultEngineConfig returns an EngineConfig with stock values.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Thresholds:           DefaultThresholds(),
		Dim:                  512,
		MaxSamples:           DefaultMaxSamples,
		SessionTTL:           DefaultSessionTTL,
		ExtractorConcurrency: 4,
		Refiner:              NewRefiner(),
	}
}

// EnrollmentStatus is a point-in-time view of a pending enrollment.
type EnrollmentStatus struct {
	Key     string `json:"key"`
	State   State  `json:"state"`
	Samples int    `json:"samples"`
}

// Engine drives enrollment (collect, refine, duplicate check, persist) and
// verification against an IdentityStore.
type Engine struct {
	extractor  Extractor
	store      IdentityStore
	collector  *Collector
	refiner    *Refiner
	thresholds Thresholds
	dim        int
	sem        *semaphore.Weighted
	log        logr.Logger

	// finalizeMu serializes duplicate check and persist across enrollments.
	finalizeMu sync.Mutex
	newID      func() string
}

var _ Extractor = (*Engine)(nil)

// NewEngine creates an engine. cfg.Refiner is copied, never modified.
func NewEngine(extractor Extractor, store IdentityStore, cfg EngineConfig, log logr.Logger) *Engine {
	refiner := NewRefiner()
	if cfg.Refiner != nil {
		r := *cfg.Refiner
		refiner = &r
	}
	refiner.Log = log.WithName("refiner")

	concurrency := cfg.ExtractorConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Engine{
		extractor:  extractor,
		store:      store,
		collector:  NewCollector(cfg.MaxSamples, cfg.SessionTTL),
		refiner:    refiner,
		thresholds: cfg.Thresholds,
		dim:        cfg.Dim,
		sem:        semaphore.NewWeighted(concurrency),
		log:        log,
		newID:      func() string { return uuid.New().String() },
	}
}

// Extract runs the extractor under the concurrency limit and checks the
// dimensionality of its output. Engine satisfies Extractor, so every caller
// that needs an embedding shares the same limit.
func (e *Engine) Extract(ctx context.Context, image []byte) (Embedding, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for extractor: %w", err)
	}
	defer e.sem.Release(1)

	emb, err := e.extractor.Extract(ctx, image)
	if err != nil {
		return nil, err
	}
	if e.dim > 0 && len(emb) != e.dim {
		return nil, &DimensionMismatchError{Expected: e.dim, Actual: len(emb)}
	}
	return emb, nil
}

// SubmitFrame extracts a face embedding from image and appends it to the
// pending enrollment for key. ErrNoFaceDetected is recoverable: the caller
// retries with a new frame.
func (e *Engine) SubmitFrame(ctx context.Context, key string, image []byte) (int, error) {
	emb, err := e.Extract(ctx, image)
	if err != nil {
		return 0, err
	}
	n, err := e.collector.Add(key, emb)
	if err != nil {
		return n, err
	}
	e.log.V(1).Info("frame collected", "key", NormalizeKey(key), "samples", n)
	return n, nil
}

// Status returns the state of the pending enrollment for key.
func (e *Engine) Status(key string) (EnrollmentStatus, bool) {
	enr, ok := e.collector.Get(key)
	if !ok {
		return EnrollmentStatus{}, false
	}
	return EnrollmentStatus{Key: enr.Key, State: enr.State(), Samples: enr.Len()}, true
}

// Abort discards the pending enrollment for key.
func (e *Engine) Abort(key string) bool {
	return e.collector.Discard(key)
}

// Finalize refines the collected samples into a reference embedding, rejects
// it when it duplicates an enrolled identity, and otherwise persists a new
// identity. The samples are discarded in every outcome.
func (e *Engine) Finalize(ctx context.Context, key string) (*Identity, error) {
	enr, ok := e.collector.Take(key)
	if !ok {
		return nil, ErrNoSamples
	}

	samples, prev := enr.beginRefining()
	if samples == nil {
		enr.transition(StateAborted)
		if prev == StateNoSamples {
			return nil, ErrNoSamples
		}
		return nil, ErrEnrollmentClosed
	}

	identity, err := e.finalize(ctx, enr, samples)
	if err != nil {
		enr.transition(StateAborted)
		return nil, err
	}
	enr.transition(StateFinalized)
	return identity, nil
}

func (e *Engine) finalize(ctx context.Context, enr *Enrollment, samples []Embedding) (*Identity, error) {
	log := e.log.WithValues("key", enr.Key)
	log.Info("refining reference embedding", "samples", len(samples))

	refined, err := e.refiner.Refine(samples)
	if err != nil {
		return nil, fmt.Errorf("refine samples: %w", err)
	}

	enr.transition(StateDuplicateCheck)

	e.finalizeMu.Lock()
	defer e.finalizeMu.Unlock()

	records, err := e.store.GetAllIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("load identities: %w", err)
	}

	dup, err := FindDuplicate(refined.Reference, records, e.thresholds.Duplicate)
	if err != nil {
		return nil, fmt.Errorf("duplicate check: %w", err)
	}
	if dup.Skipped > 0 {
		log.Info("skipped unreadable identities during duplicate check", "skipped", dup.Skipped)
	}
	if dup.Duplicate != nil {
		log.Info("enrollment rejected: face already registered",
			"existingID", dup.Duplicate.Identity.ID, "score", dup.Duplicate.Score)
		return nil, &DuplicateIdentityError{
			Existing: dup.Duplicate.Identity,
			Score:    dup.Duplicate.Score,
			Skipped:  dup.Skipped,
		}
	}

	identity := Identity{
		ID:        e.newID(),
		Subject:   enr.Key,
		Reference: refined.Reference,
	}
	if err := e.store.PersistIdentity(ctx, identity); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}

	log.Info("identity enrolled", "id", identity.ID)
	return &identity, nil
}

// Verify extracts the live embedding from image and matches it against all
// enrolled identities.
func (e *Engine) Verify(ctx context.Context, image []byte) (*Match, error) {
	live, err := e.Extract(ctx, image)
	if err != nil {
		return nil, err
	}
	return e.VerifyEmbedding(ctx, live)
}

// VerifyEmbedding matches an already extracted embedding.
func (e *Engine) VerifyEmbedding(ctx context.Context, live Embedding) (*Match, error) {
	records, err := e.store.GetAllIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("load identities: %w", err)
	}

	match, err := Verify(live, records, e.thresholds.Acceptance)
	if err != nil {
		var verr *VerifyError
		if errors.As(err, &verr) {
			e.log.V(1).Info("verification rejected", "skipped", verr.Skipped)
		}
		return nil, err
	}

	e.log.Info("verification accepted", "id", match.Identity.ID, "score", match.Score, "skipped", match.Skipped)
	return &match, nil
}

// Sweep discards idle enrollments and returns how many were removed.
func (e *Engine) Sweep() int {
	n := e.collector.Sweep()
	if n > 0 {
		e.log.Info("discarded expired enrollments", "count", n)
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// Pending returns the number of pending enrollments.
func (e *Engine) Pending() int {
	return e.collector.Len()
}
