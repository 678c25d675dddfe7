package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// kvTable answers the Postgres store's statements against an in-memory
// kv_entries table. A statement that matches no row yields pgx.ErrNoRows, as
// RETURNING does on a real server.
type kvTable struct {
	mu      sync.Mutex
	rows    map[string]Entry
	fail    error
	queries []string
}

func newKVTable() *kvTable {
	return &kvTable{rows: make(map[string]Entry)}
}

type tableRow struct {
	values []any
	err    error
}

func (r tableRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(r.values))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *[]byte:
			*p = append([]byte(nil), r.values[i].([]byte)...)
		case *int64:
			*p = r.values[i].(int64)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

func (k *kvTable) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.queries = append(k.queries, sql)
	if k.fail != nil {
		return tableRow{err: k.fail}
	}

	key := args[0].(string)
	cur, exists := k.rows[key]
	switch sql {
	case pgGetSQL:
		if !exists {
			return tableRow{err: pgx.ErrNoRows}
		}
		return tableRow{values: []any{cur.Value, cur.Version}}
	case pgInsertSQL:
		if exists {
			return tableRow{err: pgx.ErrNoRows}
		}
		k.rows[key] = Entry{Value: append([]byte(nil), args[1].([]byte)...), Version: 1}
		return tableRow{values: []any{int64(1)}}
	case pgCompareAndSwapSQL:
		if !exists || cur.Version != args[2].(int64) {
			return tableRow{err: pgx.ErrNoRows}
		}
	case pgUpsertSQL:
	default:
		return tableRow{err: fmt.Errorf("unexpected statement %q", sql)}
	}
	next := Entry{Value: append([]byte(nil), args[1].([]byte)...), Version: cur.Version + 1}
	k.rows[key] = next
	return tableRow{values: []any{next.Version}}
}

func (k *kvTable) last() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.queries[len(k.queries)-1]
}

func TestPostgresPutPicksStatement(t *testing.T) {
	table := newKVTable()
	s := NewPostgres(table)
	ctx := context.Background()

	_, err := s.Put(ctx, "k", []byte("a"), 0)
	require.NoError(t, err)
	assert.Equal(t, pgInsertSQL, table.last())

	_, err = s.Put(ctx, "k", []byte("b"), 1)
	require.NoError(t, err)
	assert.Equal(t, pgCompareAndSwapSQL, table.last())

	_, err = s.Put(ctx, "k", []byte("c"), AnyVersion)
	require.NoError(t, err)
	assert.Equal(t, pgUpsertSQL, table.last())
}

func TestPostgresNoRowsIsConflict(t *testing.T) {
	ctx := context.Background()

	t.Run("insert over existing key", func(t *testing.T) {
		s := NewPostgres(newKVTable())
		_, err := s.Put(ctx, "k", []byte("a"), 0)
		require.NoError(t, err)

		_, err = s.Put(ctx, "k", []byte("b"), 0)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("stale version", func(t *testing.T) {
		s := NewPostgres(newKVTable())
		v, err := s.Put(ctx, "k", []byte("a"), 0)
		require.NoError(t, err)
		_, err = s.Put(ctx, "k", []byte("b"), v)
		require.NoError(t, err)

		_, err = s.Put(ctx, "k", []byte("c"), v)
		assert.ErrorIs(t, err, ErrConflict)

		e, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "b", string(e.Value))
	})

	t.Run("swap on missing key", func(t *testing.T) {
		_, err := NewPostgres(newKVTable()).Put(ctx, "k", []byte("a"), 3)
		assert.ErrorIs(t, err, ErrConflict)
	})
}

func TestPostgresPassesOtherErrors(t *testing.T) {
	table := newKVTable()
	table.fail = errors.New("connection reset by peer")
	s := NewPostgres(table)
	ctx := context.Background()

	for _, expected := range []int64{AnyVersion, 0, 4} {
		_, err := s.Put(ctx, "k", []byte("a"), expected)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrConflict)
		assert.ErrorIs(t, err, table.fail)
	}

	_, err := s.Get(ctx, "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, table.fail)
}
