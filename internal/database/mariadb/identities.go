package mariadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/faceguard/internal/biometric"
	"github.com/kozaktomas/faceguard/internal/database"
)

// IdentityRepository stores identities in MariaDB. References are kept as
// little-endian float32 blobs; nearest-neighbour lookups run in memory since
// the column has no vector type.
type IdentityRepository struct {
	database.IndexHolder

	pool     *Pool
	log      logr.Logger
	snapshot database.Snapshot
	// mu serializes snapshot loads with writes.
	mu sync.Mutex
}

// NewIdentityRepository creates a new MariaDB identity repository.
func NewIdentityRepository(pool *Pool) *IdentityRepository {
	return &IdentityRepository{pool: pool, log: pool.log.WithName("identities")}
}

var _ database.IdentityWriter = (*IdentityRepository)(nil)
var _ database.HNSWRebuilder = (*IdentityRepository)(nil)

func (r *IdentityRepository) queryAll(ctx context.Context) ([]database.StoredIdentity, error) {
	rows, err := r.pool.db.QueryContext(ctx, `
		SELECT seq, id, subject, reference, dim, created_at
		FROM identities
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	var out []database.StoredIdentity
	for rows.Next() {
		var identity database.StoredIdentity
		var blob []byte
		if err := rows.Scan(&identity.Seq, &identity.ID, &identity.Subject, &blob, &identity.Dim, &identity.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		ref, err := database.DecodeReference(blob)
		switch {
		case err != nil:
			identity.Err = err
		case len(ref) != identity.Dim:
			identity.Err = &biometric.DimensionMismatchError{Expected: identity.Dim, Actual: len(ref)}
		default:
			identity.Reference = ref
		}
		out = append(out, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return out, nil
}

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
	return nil
}

// Reload re-reads every identity from the database.
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
	if err := r.pool.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM identities").Scan(&count); err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return count, nil
}

// PersistIdentity inserts the identity inside a transaction and publishes it
// once committed.
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

	tx, err := r.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO identities (id, subject, reference, dim) VALUES (?, ?, ?, ?)`,
		stored.ID, stored.Subject, database.EncodeReference(stored.Reference), stored.Dim,
	)
	if err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}
	if stored.Seq, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("read identity seq: %w", err)
	}

	var createdAt sql.NullTime
	if err := tx.QueryRowContext(ctx, "SELECT created_at FROM identities WHERE seq = ?", stored.Seq).Scan(&createdAt); err != nil {
		return fmt.Errorf("read identity timestamp: %w", err)
	}
	stored.CreatedAt = createdAt.Time
	if !createdAt.Valid {
		stored.CreatedAt = time.Now().UTC()
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
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

	result, err := r.pool.db.ExecContext(ctx, "DELETE FROM identities WHERE id = ?", id)
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

// FindNearest returns up to limit identities nearest to embedding, from the
// HNSW index when enabled and by a linear scan otherwise.
func (r *IdentityRepository) FindNearest(ctx context.Context, embedding []float32, limit int) ([]database.IdentityMatch, error) {
	if limit <= 0 {
		limit = database.DefaultNearestLimit
	}
	if idx := r.Index(); idx != nil && !idx.IsEmpty() {
		return idx.Search(embedding, limit)
	}
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return r.snapshot.Nearest(embedding, limit), nil
}

// EnableHNSW loads or builds the in-memory HNSW index.
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
		if err := r.SaveIndex(count, maxSeq); err != nil {
			r.log.Error(err, "failed to save HNSW index to disk", "path", indexPath)
		}
	}
	return nil
}

// RebuildHNSW reloads identities and rebuilds the index.
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
	return nil
}
