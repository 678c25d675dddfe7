package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const (
	pgGetSQL = `SELECT value, version FROM kv_entries WHERE key = $1;`

	pgInsertSQL = `INSERT INTO kv_entries (key, value, version, updated_at)
    VALUES ($1, $2, 1, now())
    ON CONFLICT (key) DO NOTHING
    RETURNING version;`

	pgCompareAndSwapSQL = `UPDATE kv_entries
    SET value = $2, version = version + 1, updated_at = now()
    WHERE key = $1 AND version = $3
    RETURNING version;`

	pgUpsertSQL = `INSERT INTO kv_entries (key, value, version, updated_at)
    VALUES ($1, $2, 1, now())
    ON CONFLICT (key) DO UPDATE
    SET value = EXCLUDED.value, version = kv_entries.version + 1, updated_at = now()
    RETURNING version;`
)

// Querier is the subset of pgxpool.Pool used by the Postgres store.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is a Store backed by the kv_entries table.
type Postgres struct {
	db Querier
}

// NewPostgres wraps a pool or connection.
func NewPostgres(db Querier) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Get(ctx context.Context, key string) (Entry, error) {
	var e Entry
	if err := p.db.QueryRow(ctx, pgGetSQL, key).Scan(&e.Value, &e.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("select kv entry: %w", err)
	}
	return e, nil
}

func (p *Postgres) Put(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	var row pgx.Row
	switch {
	case expected == AnyVersion:
		row = p.db.QueryRow(ctx, pgUpsertSQL, key, value)
	case expected == 0:
		row = p.db.QueryRow(ctx, pgInsertSQL, key, value)
	default:
		row = p.db.QueryRow(ctx, pgCompareAndSwapSQL, key, value, expected)
	}

	var version int64
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("write kv entry: %w", err)
	}
	return version, nil
}

var _ Store = (*Postgres)(nil)
