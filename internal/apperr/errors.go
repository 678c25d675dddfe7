package apperr

import (
	"errors"
	"fmt"
)

// Kind enumerates the failure classes callers are expected to branch on.
type Kind int

const (
	KindUnknown Kind = iota
	ConfigInvalid
	QuotaExhausted
	StoreConflict
	StoreUnavailable
	ProviderUnavailable
	DeliveryFailed
)

func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "config_invalid"
	case QuotaExhausted:
		return "quota_exhausted"
	case StoreConflict:
		return "store_conflict"
	case StoreUnavailable:
		return "store_unavailable"
	case ProviderUnavailable:
		return "provider_unavailable"
	case DeliveryFailed:
		return "delivery_failed"
	default:
		return "unknown"
	}
}

// Scope narrows QuotaExhausted to the budget window that ran out.
type Scope string

const (
	ScopeNone    Scope = ""
	ScopeDaily   Scope = "daily"
	ScopeMonthly Scope = "monthly"
)

// Error is the single error type crossing component boundaries.
type Error struct {
	Kind  Kind
	Scope Scope
	Op    string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Scope != ScopeNone {
		msg += "(" + string(e.Scope) + ")"
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind, and on scope when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Scope == ScopeNone || t.Scope == e.Scope
}

var (
	ErrQuotaExhausted   = &Error{Kind: QuotaExhausted}
	ErrDailyExhausted   = &Error{Kind: QuotaExhausted, Scope: ScopeDaily}
	ErrMonthlyExhausted = &Error{Kind: QuotaExhausted, Scope: ScopeMonthly}
)

// New wraps err with kind and operation context.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Configf builds a ConfigInvalid error from a formatted message.
func Configf(format string, args ...any) *Error {
	return &Error{Kind: ConfigInvalid, Err: fmt.Errorf(format, args...)}
}

// Quota builds a QuotaExhausted error for the given window.
func Quota(scope Scope, op string) *Error {
	return &Error{Kind: QuotaExhausted, Scope: scope, Op: op}
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports whether a retry on a later tick may succeed.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case StoreConflict, StoreUnavailable, ProviderUnavailable:
		return true
	default:
		return false
	}
}
