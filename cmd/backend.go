package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/kozaktomas/faceguard/internal/biometric"
	"github.com/kozaktomas/faceguard/internal/config"
	"github.com/kozaktomas/faceguard/internal/database"
	"github.com/kozaktomas/faceguard/internal/database/mariadb"
	"github.com/kozaktomas/faceguard/internal/database/postgres"
	"github.com/kozaktomas/faceguard/internal/extractor"
	"github.com/kozaktomas/faceguard/internal/logging"
)

// identityRepository is implemented by both the PostgreSQL and MariaDB repositories.
type identityRepository interface {
	database.IdentityWriter
	database.HNSWRebuilder
	EnableHNSW(ctx context.Context, indexPath string) error
}

// app holds everything a command needs to talk to the store and the engine.
type app struct {
	cfg     *config.Config
	log     logr.Logger
	repo    identityRepository
	engine  *biometric.Engine
	closeFn func() error
}

func (a *app) Close() {
	if a.closeFn == nil {
		return
	}
	if err := a.closeFn(); err != nil {
		a.log.Error(err, "closing database")
	}
}

// newApp loads the configuration, connects the configured backend and builds
// the extractor client and the engine on top of it.
func newApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid logging configuration: %w", err)
	}

	if cfg.Database.URL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}

	a := &app{cfg: cfg, log: log}
	switch cfg.Database.Driver {
	case config.DriverMariaDB:
		pool, err := mariadb.NewPool(&cfg.Database, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MariaDB: %w", err)
		}
		if err := pool.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to prepare MariaDB schema: %w", err)
		}
		a.repo = mariadb.NewIdentityRepository(pool)
		a.closeFn = pool.Close
	default:
		pool, err := postgres.Open(ctx, &cfg.Database, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		a.repo = postgres.NewIdentityRepository(pool)
		a.closeFn = pool.Close
	}

	repo := a.repo
	database.RegisterIdentityBackend(cfg.Database.Driver, func() database.IdentityWriter { return repo })
	log.V(1).Info("identity backend ready", "driver", cfg.Database.Driver)

	client := extractor.NewClient(extractor.Config{
		BaseURL:      cfg.Embedding.URL,
		Dim:          cfg.Embedding.Dim,
		MaxImageSize: cfg.Embedding.MaxImageSize,
		MaxRetries:   cfg.Embedding.MaxRetries,
	}, log.WithName("extractor"))

	a.engine = biometric.NewEngine(client, a.repo, cfg.EngineConfig(), log.WithName("engine"))
	return a, nil
}
