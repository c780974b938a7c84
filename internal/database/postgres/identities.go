package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/faceguard/internal/biometric"
	"github.com/kozaktomas/faceguard/internal/database"
	"github.com/pgvector/pgvector-go"
)

// IdentityRepository provides PostgreSQL-backed identity storage. All rows are
// mirrored in an in-memory snapshot so the full scans behind duplicate checks
// and verification do not hit the database; an optional HNSW index serves
// nearest-neighbour diagnostics.
type IdentityRepository struct {
	database.IndexHolder

	pool     *Pool
	log      logr.Logger
	snapshot database.Snapshot
	// mu serializes snapshot loads with writes so a reload cannot publish a
	// row set that misses a concurrently committed insert or delete.
	mu sync.Mutex
}

// NewIdentityRepository creates a new PostgreSQL identity repository.
func NewIdentityRepository(pool *Pool) *IdentityRepository {
	return &IdentityRepository{pool: pool, log: pool.log.WithName("identities")}
}

var _ database.IdentityWriter = (*IdentityRepository)(nil)
var _ database.HNSWRebuilder = (*IdentityRepository)(nil)

const selectIdentities = `
	SELECT seq, id, subject, reference::text, dim, created_at
	FROM identities
	ORDER BY seq
`

// scanIdentityRow scans a single row. A reference that cannot be parsed is
// reported on the returned identity instead of failing the scan.
func scanIdentityRow(scanner interface{ Scan(...any) error }, extraDest ...any) (database.StoredIdentity, error) {
	var identity database.StoredIdentity
	var raw sql.NullString

	dest := make([]any, 0, 6+len(extraDest))
	dest = append(dest,
		&identity.Seq,
		&identity.ID,
		&identity.Subject,
		&raw,
		&identity.Dim,
		&identity.CreatedAt,
	)
	dest = append(dest, extraDest...)

	if err := scanner.Scan(dest...); err != nil {
		return identity, fmt.Errorf("scan identity: %w", err)
	}

	if !raw.Valid {
		identity.Err = errors.New("reference is missing")
		return identity, nil
	}
	var vec pgvector.Vector
	if err := vec.Scan(raw.String); err != nil {
		identity.Err = fmt.Errorf("decode reference: %w", err)
		return identity, nil
	}
	identity.Reference = vec.Slice()
	if len(identity.Reference) != identity.Dim {
		identity.Err = &biometric.DimensionMismatchError{Expected: identity.Dim, Actual: len(identity.Reference)}
	}
	return identity, nil
}

func scanIdentities(rows *sql.Rows) ([]database.StoredIdentity, error) {
	var out []database.StoredIdentity
	for rows.Next() {
		identity, err := scanIdentityRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return out, nil
}

func (r *IdentityRepository) queryAll(ctx context.Context) ([]database.StoredIdentity, error) {
	rows, err := r.pool.Query(ctx, selectIdentities)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()
	return scanIdentities(rows)
}

// ensureLoaded fills the snapshot on first use.
func (r *IdentityRepository) ensureLoaded(ctx context.Context) error {
	if r.snapshot.Loaded() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snapshot.Loaded() {
		return nil
	}
	return r.reloadLocked(ctx)
}

func (r *IdentityRepository) reloadLocked(ctx context.Context) error {
	items, err := r.queryAll(ctx)
	if err != nil {
		return err
	}
	r.snapshot.Publish(items)

	broken := 0
	for _, item := range items {
		if item.Err != nil {
			broken++
		}
	}
	if broken > 0 {
		r.log.Info("some stored references are unreadable", "count", broken)
	}
	return nil
}

// Reload re-reads every identity from the database, picking up rows written by
// other processes.
func (r *IdentityRepository) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloadLocked(ctx)
}

// GetAllIdentities returns every identity in insertion order.
func (r *IdentityRepository) GetAllIdentities(ctx context.Context) ([]biometric.IdentityRecord, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return r.snapshot.Records(), nil
}

// Get retrieves an identity by ID.
func (r *IdentityRepository) Get(ctx context.Context, id string) (*database.StoredIdentity, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	identity, ok := r.snapshot.Find(id)
	if !ok {
		return nil, database.ErrIdentityNotFound
	}
	return &identity, nil
}

// List returns all identities in insertion order.
func (r *IdentityRepository) List(ctx context.Context) ([]database.StoredIdentity, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	items := r.snapshot.Identities()
	out := make([]database.StoredIdentity, len(items))
	copy(out, items)
	return out, nil
}

// Count returns the total number of identities stored.
func (r *IdentityRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM identities").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return count, nil
}

// PersistIdentity inserts the identity and publishes it to readers once the
// insert has committed.
func (r *IdentityRepository) PersistIdentity(ctx context.Context, identity biometric.Identity) error {
	if identity.ID == "" {
		return errors.New("identity ID is required")
	}
	if identity.Reference.Dim() == 0 {
		return biometric.ErrNoSamples
	}
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}

	stored := database.StoredIdentity{
		ID:        identity.ID,
		Subject:   identity.Subject,
		Reference: identity.Reference.Clone(),
		Dim:       identity.Reference.Dim(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.pool.InTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			INSERT INTO identities (id, subject, reference, dim)
			VALUES ($1, $2, $3, $4)
			RETURNING seq, created_at
		`, stored.ID, stored.Subject, pgvector.NewVector(stored.Reference), stored.Dim).Scan(&stored.Seq, &stored.CreatedAt)
	})
	if err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}

	if !r.snapshot.Append(stored) {
		return nil
	}
	if idx := r.Index(); idx != nil {
		idx.Add(stored)
	}
	return nil
}

// DeleteIdentity removes an identity by ID.
func (r *IdentityRepository) DeleteIdentity(ctx context.Context, id string) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.pool.Exec(ctx, "DELETE FROM identities WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	if affected == 0 {
		return database.ErrIdentityNotFound
	}

	if removed, ok := r.snapshot.Remove(id); ok {
		if idx := r.Index(); idx != nil {
			idx.Delete(removed.Seq)
		}
	}
	return nil
}

// FindNearest returns up to limit identities nearest to embedding. Uses the
// in-memory HNSW index when enabled, otherwise pgvector's cosine operator.
func (r *IdentityRepository) FindNearest(ctx context.Context, embedding []float32, limit int) ([]database.IdentityMatch, error) {
	if limit <= 0 {
		limit = database.DefaultNearestLimit
	}
	if idx := r.Index(); idx != nil && !idx.IsEmpty() {
		return idx.Search(embedding, limit)
	}
	return r.findNearestPostgres(ctx, embedding, limit)
}

func (r *IdentityRepository) findNearestPostgres(ctx context.Context, embedding []float32, limit int) ([]database.IdentityMatch, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT seq, id, subject, reference::text, dim, created_at,
		       reference <=> $1::vector AS distance
		FROM identities
		WHERE dim = $2
		ORDER BY distance
		LIMIT $3
	`, pgvector.NewVector(embedding), len(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("query nearest identities: %w", err)
	}
	defer rows.Close()

	var out []database.IdentityMatch
	for rows.Next() {
		var distance float64
		identity, err := scanIdentityRow(rows, &distance)
		if err != nil {
			return nil, err
		}
		out = append(out, database.IdentityMatch{StoredIdentity: identity, Distance: distance})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nearest identities: %w", err)
	}
	return out, nil
}

// EnableHNSW loads or builds the in-memory HNSW index. If indexPath is set the
// index is loaded from disk when its metadata is current, and saved after a
// fresh build.
func (r *IdentityRepository) EnableHNSW(ctx context.Context, indexPath string) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return fmt.Errorf("failed to load identities: %w", err)
	}

	count, maxSeq := r.snapshot.Stats()
	if r.IndexHolder.EnableHNSW(indexPath, r.snapshot.Identities(), count, maxSeq) {
		r.log.Info("loaded HNSW index from disk", "path", indexPath, "identities", r.HNSWCount())
		return nil
	}

	r.log.Info("built HNSW index", "identities", r.HNSWCount())
	if indexPath != "" && count > 0 {
		if err := r.IndexHolder.SaveIndex(count, maxSeq); err != nil {
			r.log.Error(err, "failed to save HNSW index to disk", "path", indexPath)
		}
	}
	return nil
}

// RebuildHNSW reloads identities from PostgreSQL and rebuilds the index.
// Writes wait until the new index is in place.
func (r *IdentityRepository) RebuildHNSW(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.reloadLocked(ctx); err != nil {
		return err
	}
	r.Rebuild(r.snapshot.Identities())
	return nil
}

// SaveHNSWIndex saves the current index to disk (if path configured).
func (r *IdentityRepository) SaveHNSWIndex() error {
	if r.Path() == "" || !r.IsHNSWEnabled() {
		return nil
	}
	count, maxSeq := r.snapshot.Stats()
	if err := r.SaveIndex(count, maxSeq); err != nil {
		return fmt.Errorf("save HNSW index: %w", err)
	}
	r.log.Info("saved HNSW index", "path", r.Path(), "identities", count)
	return nil
}
