package balance

import (
	"io"
	"log/slog"
	"time"
)

// Config holds the ledger's operating policy. It is fixed at construction;
// callers needing a different policy build a separately configured Ledger.
type Config struct {
	// AutoCreateAccount provisions an account when a filter matches none.
	AutoCreateAccount bool

	// AmountAttribute is the transaction attribute storing the signed amount.
	AmountAttribute string

	// AccountLinkAttribute is the transaction attribute storing the affected
	// account ID.
	AccountLinkAttribute string

	// ExtraAccountLinkAttribute, when set, stores the counterparty account ID
	// on each transfer leg. Leaving it empty disables transfer pairing, which
	// also changes how Revert treats transfer legs.
	ExtraAccountLinkAttribute string

	// AccountBalanceAttribute, when set, names the account column holding the
	// denormalized current balance, kept up to date by atomic increments.
	AccountBalanceAttribute string

	// NewBalanceAttribute, when set, names the transaction attribute holding
	// the rolling balance after the transaction.
	NewBalanceAttribute string

	// DateAttribute is the transaction attribute storing the creation date.
	DateAttribute string

	// DateValue overrides the transaction date with a fixed value.
	DateValue any

	// DateFunc computes the transaction date per creation. Takes precedence
	// over DateValue; when neither is set the current time is used.
	DateFunc func() any

	// Atomic wraps every ledger operation in an atomic store boundary.
	Atomic bool

	// NestedBoundaries lets the ledger open its own boundary even when the
	// store already has one open. When false the ledger participates in the
	// caller's boundary and leaves commit/rollback to it.
	NestedBoundaries bool
}

// DefaultConfig mirrors the package defaults: auto-create on, atomicity on,
// nesting on, pairing and caching off.
func DefaultConfig() Config {
	return Config{
		AutoCreateAccount:    true,
		AmountAttribute:      "amount",
		AccountLinkAttribute: "account_id",
		DateAttribute:        "created_at",
		Atomic:               true,
		NestedBoundaries:     true,
	}
}

// Option configures a Ledger instance.
type Option func(*Ledger)

// WithConfig replaces the whole configuration at once.
func WithConfig(cfg Config) Option {
	return func(l *Ledger) {
		l.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithAutoCreateAccount toggles lazy account provisioning.
func WithAutoCreateAccount(enabled bool) Option {
	return func(l *Ledger) {
		l.cfg.AutoCreateAccount = enabled
	}
}

// WithExtraAccountLinkAttribute enables transfer pairing under the given
// attribute name.
func WithExtraAccountLinkAttribute(name string) Option {
	return func(l *Ledger) {
		l.cfg.ExtraAccountLinkAttribute = name
	}
}

// WithAccountBalanceAttribute enables the denormalized balance cache under
// the given account attribute name.
func WithAccountBalanceAttribute(name string) Option {
	return func(l *Ledger) {
		l.cfg.AccountBalanceAttribute = name
	}
}

// WithNewBalanceAttribute enables rolling-balance tracking under the given
// transaction attribute name.
func WithNewBalanceAttribute(name string) Option {
	return func(l *Ledger) {
		l.cfg.NewBalanceAttribute = name
	}
}

// WithDateValue fixes the transaction date to the given value.
func WithDateValue(v any) Option {
	return func(l *Ledger) {
		l.cfg.DateValue = v
	}
}

// WithDateFunc computes the transaction date per creation.
func WithDateFunc(fn func() any) Option {
	return func(l *Ledger) {
		l.cfg.DateFunc = fn
	}
}

// WithAtomic toggles the atomic boundary around ledger operations.
func WithAtomic(enabled bool) Option {
	return func(l *Ledger) {
		l.cfg.Atomic = enabled
	}
}

// WithNestedBoundaries toggles opening a ledger boundary inside a boundary
// the caller already holds on the store.
func WithNestedBoundaries(enabled bool) Option {
	return func(l *Ledger) {
		l.cfg.NestedBoundaries = enabled
	}
}

// WithBeforeCreateHook registers a hook invoked before each transaction is
// persisted. Hooks run in registration order.
func WithBeforeCreateHook(h BeforeCreateHook) Option {
	return func(l *Ledger) {
		l.beforeCreate = append(l.beforeCreate, h)
	}
}

// WithAfterCreateHook registers a hook invoked after each transaction is
// persisted. Hooks run in registration order.
func WithAfterCreateHook(h AfterCreateHook) Option {
	return func(l *Ledger) {
		l.afterCreate = append(l.afterCreate, h)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// dateValue resolves the date for a new transaction.
func (c Config) dateValue() any {
	if c.DateFunc != nil {
		return c.DateFunc()
	}
	if c.DateValue != nil {
		return c.DateValue
	}
	return time.Now()
}
