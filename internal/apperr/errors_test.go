package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuotaScopeMatching(t *testing.T) {
	err := fmt.Errorf("refresh BTC: %w", Quota(ScopeDaily, "quota.debit"))

	assert.True(t, errors.Is(err, ErrQuotaExhausted))
	assert.True(t, errors.Is(err, ErrDailyExhausted))
	assert.False(t, errors.Is(err, ErrMonthlyExhausted))
	assert.Equal(t, QuotaExhausted, KindOf(err))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.False(t, IsKind(nil, StoreConflict))
}

func TestTransientKinds(t *testing.T) {
	assert.True(t, IsTransient(New(StoreConflict, "kv.update", nil)))
	assert.True(t, IsTransient(New(ProviderUnavailable, "cmc", errors.New("502"))))
	assert.False(t, IsTransient(Configf("bad")))
	assert.False(t, IsTransient(New(DeliveryFailed, "telegram", nil)))
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: StoreUnavailable, Op: "kv.get", Err: errors.New("timeout")}
	assert.Equal(t, "kv.get: store_unavailable: timeout", err.Error())
	assert.Equal(t, "quota.debit: quota_exhausted(monthly)", Quota(ScopeMonthly, "quota.debit").Error())
}
