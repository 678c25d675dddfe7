package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"opportunity-dispatch/internal/apperr"
	"opportunity-dispatch/internal/config"
)

const pingTimeout = 5 * time.Second

// Open connects to PostgreSQL, checks the server answers and applies the
// embedded schema. A bad DSN is ConfigInvalid; an unreachable server or a
// failed migration is StoreUnavailable.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, apperr.New(apperr.StoreUnavailable, "storage.open", err)
	}

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, apperr.New(apperr.StoreUnavailable, "storage.ping", err)
	}

	store := NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, apperr.New(apperr.StoreUnavailable, "storage.schema", err)
	}
	return store, nil
}

// poolConfig maps the database section onto pgxpool settings.
func poolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	if cfg.DSN == "" {
		return nil, apperr.Configf("database.dsn is required")
	}

	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, apperr.Configf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		pc.MinConns = int32(min(cfg.MaxIdleConns, int(pc.MaxConns)))
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	return pc, nil
}
