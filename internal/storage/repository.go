package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"opportunity-dispatch/internal/opportunity"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

//go:embed migrations/001_init.sql
var schemaSQL string

const (
	insertOpportunitySQL = `INSERT INTO opportunities (
        id,
        symbol,
        buy_venue,
        sell_venue,
        buy_price,
        sell_price,
        margin_pct,
        detected_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (id) DO NOTHING;`

	listPendingSQL = `SELECT
        id,
        symbol,
        buy_venue,
        sell_venue,
        buy_price::text,
        sell_price::text,
        margin_pct::text,
        detected_at
    FROM opportunities
    WHERE status = 'pending'
    ORDER BY detected_at, id
    LIMIT $1;`

	markDistributedSQL = `UPDATE opportunities
    SET status = 'distributed', deliveries = $2, distributed_at = $3
    WHERE id = $1 AND status = 'pending';`

	expireBeforeSQL = `UPDATE opportunities
    SET status = 'expired'
    WHERE status = 'pending' AND detected_at < $1;`

	countByStatusSQL = `SELECT status, COUNT(*) FROM opportunities GROUP BY status;`

	listActiveSubscribersSQL = `SELECT user_id FROM subscribers WHERE active ORDER BY user_id;`

	upsertSubscriberSQL = `INSERT INTO subscribers (user_id, active)
    VALUES ($1, $2)
    ON CONFLICT (user_id) DO UPDATE
    SET active = EXCLUDED.active, updated_at = now();`

	insertDeliverySQL = `INSERT INTO delivery_log (
        opportunity_id,
        user_id,
        status,
        error,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5
    );`

	listRecentDeliveriesSQL = `SELECT
        id,
        opportunity_id,
        user_id,
        status,
        error,
        created_at
    FROM delivery_log
    ORDER BY created_at DESC
    LIMIT $1;`

	upsertQuotaSnapshotSQL = `INSERT INTO quota_snapshots (
        provider,
        day,
        day_used,
        priority_used,
        month_used,
        daily_target,
        monthly_limit,
        recorded_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (provider, day) DO UPDATE
    SET
        day_used      = EXCLUDED.day_used,
        priority_used = EXCLUDED.priority_used,
        month_used    = EXCLUDED.month_used,
        daily_target  = EXCLUDED.daily_target,
        monthly_limit = EXCLUDED.monthly_limit,
        recorded_at   = EXCLUDED.recorded_at;`

	listQuotaSnapshotsBetweenSQL = `SELECT
        provider,
        day,
        day_used,
        priority_used,
        month_used,
        daily_target,
        monthly_limit,
        recorded_at
    FROM quota_snapshots
    WHERE provider = $1
      AND day >= $2
      AND day < $3
    ORDER BY day;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// OpportunityStore persists detected opportunities.
type OpportunityStore interface {
	InsertOpportunity(ctx context.Context, opp opportunity.Opportunity) error
	Pending(ctx context.Context, limit int) ([]opportunity.Opportunity, error)
	MarkDistributed(ctx context.Context, id string, delivered int, at time.Time) error
	ExpireBefore(ctx context.Context, cutoff time.Time) (int, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// SubscriberStore lists users opted into deliveries.
type SubscriberStore interface {
	ActiveUsers(ctx context.Context) ([]string, error)
	UpsertSubscriber(ctx context.Context, userID string, active bool) error
}

// DeliveryLogStore audits delivery attempts.
type DeliveryLogStore interface {
	RecordDelivery(ctx context.Context, oppID, userID string, deliveryErr error, at time.Time) error
	ListRecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error)
}

// QuotaSnapshotStore keeps the daily credit history used by export.
type QuotaSnapshotStore interface {
	UpsertQuotaSnapshot(ctx context.Context, snap QuotaSnapshot) error
	ListQuotaSnapshotsBetween(ctx context.Context, provider string, from, to time.Time) ([]QuotaSnapshot, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to all tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool, e.g. for the Postgres KV backend.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates missing tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// A failed unlock is released with the session when the connection closes.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertOpportunity stores a newly detected opportunity as pending.
func (s *Store) InsertOpportunity(ctx context.Context, opp opportunity.Opportunity) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertOpportunitySQL,
		opp.ID,
		opp.Symbol,
		opp.BuyVenue,
		opp.SellVenue,
		opp.BuyPrice.String(),
		opp.SellPrice.String(),
		opp.MarginPct.String(),
		opp.DetectedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert opportunity: %w", execErr)
	}
	return nil
}

// Pending lists up to limit pending opportunities, oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]opportunity.Opportunity, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPendingSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list pending opportunities: %w", queryErr)
	}
	defer rows.Close()

	out := make([]opportunity.Opportunity, 0, limit)
	for rows.Next() {
		opp, scanErr := scanOpportunity(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, opp)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// MarkDistributed closes a pending opportunity. Already closed ones are left
// untouched so a resumed cycle cannot overwrite the first outcome.
func (s *Store) MarkDistributed(ctx context.Context, id string, delivered int, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markDistributedSQL, id, delivered, at); execErr != nil {
		return fmt.Errorf("mark distributed: %w", execErr)
	}
	return nil
}

// ExpireBefore expires pending opportunities detected before cutoff.
func (s *Store) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, expireBeforeSQL, cutoff)
	if execErr != nil {
		return 0, fmt.Errorf("expire opportunities: %w", execErr)
	}
	return int(tag.RowsAffected()), nil
}

// CountByStatus counts opportunities per lifecycle state.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, countByStatusSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("count opportunities: %w", queryErr)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ActiveUsers lists subscribed user IDs.
func (s *Store) ActiveUsers(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listActiveSubscribersSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list subscribers: %w", queryErr)
	}
	ids, collectErr := pgx.CollectRows(rows, pgx.RowTo[string])
	if collectErr != nil {
		return nil, fmt.Errorf("scan subscribers: %w", collectErr)
	}
	return ids, nil
}

// UpsertSubscriber opts a user in or out.
func (s *Store) UpsertSubscriber(ctx context.Context, userID string, active bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertSubscriberSQL, userID, active); execErr != nil {
		return fmt.Errorf("upsert subscriber: %w", execErr)
	}
	return nil
}

// RecordDelivery appends an audit row for one delivery attempt.
func (s *Store) RecordDelivery(ctx context.Context, oppID, userID string, deliveryErr error, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	status := DeliveryDelivered
	var errMsg interface{}
	if deliveryErr != nil {
		status = DeliveryFailed
		errMsg = deliveryErr.Error()
	}

	if _, execErr := pool.Exec(ctx, insertDeliverySQL, oppID, userID, status, errMsg, at); execErr != nil {
		return fmt.Errorf("insert delivery: %w", execErr)
	}
	return nil
}

// ListRecentDeliveries lists the latest delivery attempts.
func (s *Store) ListRecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDeliveriesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent deliveries: %w", queryErr)
	}
	defer rows.Close()

	records := make([]DeliveryRecord, 0, limit)
	for rows.Next() {
		var rec DeliveryRecord
		if err := rows.Scan(&rec.ID, &rec.OpportunityID, &rec.UserID, &rec.Status, &rec.Error, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// UpsertQuotaSnapshot stores the usage of one provider and day.
func (s *Store) UpsertQuotaSnapshot(ctx context.Context, snap QuotaSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, upsertQuotaSnapshotSQL,
		snap.Provider,
		snap.Day,
		snap.DayUsed,
		snap.PriorityUsed,
		snap.MonthUsed,
		snap.DailyTarget,
		snap.MonthlyLimit,
		snap.RecordedAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert quota snapshot: %w", execErr)
	}
	return nil
}

// ListQuotaSnapshotsBetween lists snapshots with from <= day < to.
func (s *Store) ListQuotaSnapshotsBetween(ctx context.Context, provider string, from, to time.Time) ([]QuotaSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listQuotaSnapshotsBetweenSQL, provider, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list quota snapshots: %w", queryErr)
	}
	defer rows.Close()

	snaps := make([]QuotaSnapshot, 0)
	for rows.Next() {
		var snap QuotaSnapshot
		if err := rows.Scan(
			&snap.Provider,
			&snap.Day,
			&snap.DayUsed,
			&snap.PriorityUsed,
			&snap.MonthUsed,
			&snap.DailyTarget,
			&snap.MonthlyLimit,
			&snap.RecordedAt,
		); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

func scanOpportunity(rows pgx.Rows) (opportunity.Opportunity, error) {
	var (
		opp       opportunity.Opportunity
		buyStr    string
		sellStr   string
		marginStr string
	)
	if err := rows.Scan(
		&opp.ID,
		&opp.Symbol,
		&opp.BuyVenue,
		&opp.SellVenue,
		&buyStr,
		&sellStr,
		&marginStr,
		&opp.DetectedAt,
	); err != nil {
		return opportunity.Opportunity{}, err
	}

	var err error
	if opp.BuyPrice, err = decimal.NewFromString(buyStr); err != nil {
		return opportunity.Opportunity{}, fmt.Errorf("parse buy price: %w", err)
	}
	if opp.SellPrice, err = decimal.NewFromString(sellStr); err != nil {
		return opportunity.Opportunity{}, fmt.Errorf("parse sell price: %w", err)
	}
	if opp.MarginPct, err = decimal.NewFromString(marginStr); err != nil {
		return opportunity.Opportunity{}, fmt.Errorf("parse margin pct: %w", err)
	}
	return opp, nil
}

var (
	_ OpportunityStore   = (*Store)(nil)
	_ SubscriberStore    = (*Store)(nil)
	_ DeliveryLogStore   = (*Store)(nil)
	_ QuotaSnapshotStore = (*Store)(nil)
	_ AdvisoryLocker     = (*Store)(nil)
)
