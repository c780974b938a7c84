//go:build integration

package mariadb

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/faceguard/internal/biometric"
	"github.com/kozaktomas/faceguard/internal/config"
	"github.com/kozaktomas/faceguard/internal/database"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"
)

func setupTestContainer(t *testing.T) (*Pool, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mariadb:11",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MARIADB_USER":          "test",
			"MARIADB_PASSWORD":      "test",
			"MARIADB_DATABASE":      "testdb",
			"MARIADB_ROOT_PASSWORD": "root",
		},
		WaitingFor: wait.ForListeningPort("3306/tcp").WithStartupTimeout(90 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "3306")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	cfg := &config.DatabaseConfig{
		URL:          fmt.Sprintf("test:test@tcp(%s:%s)/testdb", host, port.Port()),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	var pool *Pool
	// The port opens before the server accepts logins.
	for range 20 {
		if pool, err = NewPool(cfg, logr.Discard()); err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to create pool: %v", err)
	}
	if err := pool.EnsureSchema(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		t.Fatalf("Failed to create schema: %v", err)
	}

	return pool, func() {
		pool.Close()
		container.Terminate(ctx)
	}
}

func TestIdentityRepository(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewIdentityRepository(pool)

	for i := 1; i <= 3; i++ {
		ref := make(biometric.Embedding, 4)
		ref[i] = 1
		if err := repo.PersistIdentity(ctx, biometric.Identity{ID: fmt.Sprintf("id-%d", i), Subject: "s", Reference: ref}); err != nil {
			t.Fatalf("Failed to persist identity: %v", err)
		}
	}

	t.Run("ReloadKeepsOrderAndValues", func(t *testing.T) {
		fresh := NewIdentityRepository(pool)
		records, err := fresh.GetAllIdentities(ctx)
		if err != nil {
			t.Fatalf("Failed to get identities: %v", err)
		}
		if len(records) != 3 {
			t.Fatalf("Expected 3 identities, got %d", len(records))
		}
		for i, rec := range records {
			if rec.ID != fmt.Sprintf("id-%d", i+1) || rec.Reference[i+1] != 1 {
				t.Errorf("unexpected record at %d: %+v", i, rec)
			}
		}
	})

	t.Run("CorruptBlobReported", func(t *testing.T) {
		if _, err := pool.db.ExecContext(ctx, `INSERT INTO identities (id, subject, reference, dim) VALUES ('broken', 's', X'0102', 4)`); err != nil {
			t.Fatalf("Failed to insert broken row: %v", err)
		}
		fresh := NewIdentityRepository(pool)
		records, err := fresh.GetAllIdentities(ctx)
		if err != nil {
			t.Fatalf("Failed to get identities: %v", err)
		}
		if last := records[len(records)-1]; last.Err == nil {
			t.Error("expected decode error on corrupt blob")
		}
		if err := fresh.DeleteIdentity(ctx, "broken"); err != nil {
			t.Fatalf("Failed to delete: %v", err)
		}
	})

	t.Run("FindNearest", func(t *testing.T) {
		matches, err := repo.FindNearest(ctx, []float32{0, 0, 1, 0}, 1)
		if err != nil {
			t.Fatalf("Failed to find nearest: %v", err)
		}
		if len(matches) != 1 || matches[0].ID != "id-2" {
			t.Errorf("unexpected matches: %+v", matches)
		}
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		if err := repo.DeleteIdentity(ctx, "nope"); !errors.Is(err, database.ErrIdentityNotFound) {
			t.Errorf("expected ErrIdentityNotFound, got %v", err)
		}
	})
}

func TestIdentityRepository_ReloadDuringPersist(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewIdentityRepository(pool)
	if err := repo.Reload(ctx); err != nil {
		t.Fatalf("Failed to load identities: %v", err)
	}

	const writers, perWriter = 4, 10
	g, gctx := errgroup.WithContext(ctx)
	for w := range writers {
		g.Go(func() error {
			for i := range perWriter {
				id := fmt.Sprintf("w%d-%d", w, i)
				ref := biometric.Embedding{0, 0, 0, 0}
				ref[i%4] = 1
				if err := repo.PersistIdentity(gctx, biometric.Identity{ID: id, Subject: id, Reference: ref}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for range 20 {
			if err := repo.Reload(gctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("Concurrent persist and reload failed: %v", err)
	}

	count, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Failed to count identities: %v", err)
	}
	items, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("Failed to list identities: %v", err)
	}
	if count != writers*perWriter || len(items) != count {
		t.Fatalf("expected %d identities in database and snapshot, got %d and %d", writers*perWriter, count, len(items))
	}
	seen := make(map[string]int, len(items))
	for _, item := range items {
		seen[item.ID]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("identity %s present %d times in snapshot", id, n)
		}
	}
}
