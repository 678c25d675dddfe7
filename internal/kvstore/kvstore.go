package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"opportunity-dispatch/internal/apperr"
)

// AnyVersion makes Put unconditional.
const AnyVersion int64 = -1

var (
	// ErrNotFound is returned by Get for missing keys.
	ErrNotFound = errors.New("kvstore: key not found")
	// ErrConflict is returned by Put when the stored version differs from the expected one.
	ErrConflict = errors.New("kvstore: version conflict")
)

// Entry is a stored value and its version. Version 0 means "absent".
type Entry struct {
	Value   []byte
	Version int64
}

// Store is a versioned key-value store with conditional writes.
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	// Put writes value if the stored version equals expected (0 = key must
	// not exist, AnyVersion = unconditional) and returns the new version.
	Put(ctx context.Context, key string, value []byte, expected int64) (int64, error)
}

// RetryPolicy bounds the read-modify-write loop of Update.
type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	OpTimeout   time.Duration `mapstructure:"op_timeout"`
}

// DefaultRetryPolicy is used when a zero policy is supplied.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   10 * time.Millisecond,
	MaxDelay:    200 * time.Millisecond,
	OpTimeout:   2 * time.Second,
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.OpTimeout <= 0 {
		p.OpTimeout = DefaultRetryPolicy.OpTimeout
	}
	return p
}

// Backoff returns the delay before retry attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Mutator computes the next value from the current one. Returning
// write=false leaves the store untouched and makes Update return next as is.
type Mutator func(current []byte, found bool) (next []byte, write bool, err error)

// Update runs an atomic read-modify-write on key. Conflicting writers are
// retried with fresh state up to policy.MaxAttempts; exhaustion yields
// apperr.StoreConflict. Backend failures and timeouts yield
// apperr.StoreUnavailable. Errors returned by fn are passed through.
func Update(ctx context.Context, s Store, key string, policy RetryPolicy, fn Mutator) ([]byte, error) {
	policy = policy.normalized()

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		entry, err := get(ctx, s, key, policy.OpTimeout)
		found := true
		if errors.Is(err, ErrNotFound) {
			found = false
			entry = Entry{}
		} else if err != nil {
			return nil, err
		}

		next, write, err := fn(entry.Value, found)
		if err != nil {
			return nil, err
		}
		if !write {
			return next, nil
		}

		err = put(ctx, s, key, next, entry.Version, policy.OpTimeout)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}

		if attempt == policy.MaxAttempts {
			break
		}
		timer := time.NewTimer(policy.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, apperr.New(apperr.StoreUnavailable, "kvstore.update "+key, ctx.Err())
		case <-timer.C:
		}
	}

	return nil, apperr.New(apperr.StoreConflict, "kvstore.update "+key,
		fmt.Errorf("gave up after %d attempts", policy.MaxAttempts))
}

// Read fetches key under the policy timeout, mapping backend failures.
func Read(ctx context.Context, s Store, key string, policy RetryPolicy) ([]byte, bool, error) {
	entry, err := get(ctx, s, key, policy.normalized().OpTimeout)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value, true, nil
}

func get(ctx context.Context, s Store, key string, timeout time.Duration) (Entry, error) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entry, err := s.Get(opCtx, key)
	if err == nil || errors.Is(err, ErrNotFound) {
		return entry, err
	}
	return Entry{}, apperr.New(apperr.StoreUnavailable, "kvstore.get "+key, err)
}

func put(ctx context.Context, s Store, key string, value []byte, expected int64, timeout time.Duration) error {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := s.Put(opCtx, key, value, expected)
	if err == nil || errors.Is(err, ErrConflict) {
		return err
	}
	return apperr.New(apperr.StoreUnavailable, "kvstore.put "+key, err)
}
