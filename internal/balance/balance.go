// Package balance implements an append-only balance ledger on top of a
// pluggable storage port. Account balances derive from the sum of signed
// transaction amounts; every mutation runs inside a reentrant atomic
// boundary so composite operations commit or roll back as one unit.
package balance

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"balance-ledger/internal/errors"
)

// Ledger records monotonic transactions against accounts and derives
// balances from them. Operations are serialized through an internal mutex,
// so a single Ledger may back concurrent callers; the store only ever sees
// one operation at a time. Configuration is fixed after New.
type Ledger struct {
	store   Store
	txStore TransactionalStore // nil when the store has no boundary support
	cfg     Config
	logger  *slog.Logger

	beforeCreate []BeforeCreateHook
	afterCreate  []AfterCreateHook

	// mu serializes whole operations; boundaryLevel tracks guard nesting
	// within the operation that holds it.
	mu            sync.Mutex
	boundaryLevel int
}

// New creates a Ledger over the given store. If the store implements
// TransactionalStore the guard drives its boundaries; otherwise operations
// run unguarded.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		cfg:    DefaultConfig(),
		logger: discardLogger(),
	}
	if txStore, ok := store.(TransactionalStore); ok {
		l.txStore = txStore
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Increase appends a credit transaction for the account and returns its ID.
// The account is resolved by ID or filter; with auto-create enabled a filter
// matching nothing provisions a new account from the filter attributes.
func (l *Ledger) Increase(account AccountRef, amount decimal.Decimal, data Attributes) (TransactionID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.increaseOp(account, amount, data)
}

// Decrease appends a debit transaction for the account; it is Increase with
// the amount negated.
func (l *Ledger) Decrease(account AccountRef, amount decimal.Decimal, data Attributes) (TransactionID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.increaseOp(account, amount.Neg(), data)
}

// increaseOp is the lock-free operation body shared by Increase, Decrease
// and the composite operations, which must not reacquire the mutex.
func (l *Ledger) increaseOp(account AccountRef, amount decimal.Decimal, data Attributes) (TransactionID, error) {
	var transactionID TransactionID
	err := l.withBoundary(func() error {
		var err error
		transactionID, err = l.increase(account, amount, data)
		return err
	})
	if err != nil {
		return TransactionID{}, err
	}

	l.logger.Info("balance increased",
		"transaction_id", transactionID,
		"amount", amount)
	return transactionID, nil
}

// Transfer moves amount between two accounts as a debit-then-credit pair
// inside one atomic boundary, returning the pair of transaction IDs in that
// order. Both legs share one date value; when the extra-account link is
// configured each leg records the counterparty's ID so the pair can later be
// reconstructed by Revert.
func (l *Ledger) Transfer(from, to AccountRef, amount decimal.Decimal, data Attributes) ([2]TransactionID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transferOp(from, to, amount, data)
}

func (l *Ledger) transferOp(from, to AccountRef, amount decimal.Decimal, data Attributes) ([2]TransactionID, error) {
	var ids [2]TransactionID
	err := l.withBoundary(func() error {
		fromID, err := l.fetchAccountID(from)
		if err != nil {
			return err
		}
		toID, err := l.fetchAccountID(to)
		if err != nil {
			return err
		}

		shared := data.clone()
		shared[l.cfg.DateAttribute] = l.cfg.dateValue()

		fromData := shared.clone()
		toData := shared.clone()
		if l.cfg.ExtraAccountLinkAttribute != "" {
			fromData[l.cfg.ExtraAccountLinkAttribute] = toID
			toData[l.cfg.ExtraAccountLinkAttribute] = fromID
		}

		if ids[0], err = l.increaseOp(ByID(fromID), amount.Neg(), fromData); err != nil {
			return err
		}
		if ids[1], err = l.increaseOp(ByID(toID), amount, toData); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return [2]TransactionID{}, err
	}

	l.logger.Info("transfer completed",
		"decrease_transaction_id", ids[0],
		"increase_transaction_id", ids[1],
		"amount", amount)
	return ids, nil
}

// Revert compensates a transaction with new transactions; the original is
// never mutated. A transaction carrying a populated extra-account link is
// treated as a transfer leg and compensated by a transfer of the stored
// amount back through the pair. Any other transaction is compensated by a
// decrease of the stored amount, regardless of that amount's sign.
func (l *Ledger) Revert(transactionID TransactionID, data Attributes) ([]TransactionID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.revertOp(transactionID, data)
}

func (l *Ledger) revertOp(transactionID TransactionID, data Attributes) ([]TransactionID, error) {
	var ids []TransactionID
	err := l.withBoundary(func() error {
		transaction, err := l.store.FindTransaction(transactionID)
		if err != nil {
			if isNotFound(err) {
				return errors.ErrTransactionNotFound.WithDetails(transactionID.String())
			}
			return err
		}

		amount, err := decimalAttr(transaction, l.cfg.AmountAttribute)
		if err != nil {
			return err
		}

		if l.cfg.ExtraAccountLinkAttribute != "" {
			if extra, ok := transaction[l.cfg.ExtraAccountLinkAttribute]; ok && extra != nil {
				fromID, err := accountIDAttr(transaction, l.cfg.AccountLinkAttribute)
				if err != nil {
					return err
				}
				toID, err := accountIDAttr(transaction, l.cfg.ExtraAccountLinkAttribute)
				if err != nil {
					return err
				}

				pair, err := l.transferOp(ByID(fromID), ByID(toID), amount, data)
				if err != nil {
					return err
				}
				ids = pair[:]
				return nil
			}
		}

		accountID, err := accountIDAttr(transaction, l.cfg.AccountLinkAttribute)
		if err != nil {
			return err
		}

		id, err := l.increaseOp(ByID(accountID), amount.Neg(), data)
		if err != nil {
			return err
		}
		ids = []TransactionID{id}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("transaction reverted",
		"transaction_id", transactionID,
		"compensating_ids", ids)
	return ids, nil
}

// CalculateBalance sums the amounts of all transactions for the account.
// Resolution here is strictly lookup-only: an unknown filter never
// provisions an account and yields ErrAccountNotFound.
func (l *Ledger) CalculateBalance(account AccountRef) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	accountID, err := l.resolveAccountID(account)
	if err != nil {
		return decimal.Zero, err
	}

	return l.store.SumTransactionAmounts(accountID)
}

// increase is the unguarded creation path shared by all operations.
func (l *Ledger) increase(account AccountRef, amount decimal.Decimal, data Attributes) (TransactionID, error) {
	accountID, err := l.fetchAccountID(account)
	if err != nil {
		return TransactionID{}, err
	}

	attrs := data.clone()
	if _, ok := attrs[l.cfg.DateAttribute]; !ok {
		attrs[l.cfg.DateAttribute] = l.cfg.dateValue()
	}
	attrs[l.cfg.AmountAttribute] = amount
	attrs[l.cfg.AccountLinkAttribute] = accountID

	if l.cfg.NewBalanceAttribute != "" {
		if _, ok := attrs[l.cfg.NewBalanceAttribute]; !ok {
			newBalance, err := l.nextRollingBalance(accountID, amount)
			if err != nil {
				return TransactionID{}, err
			}
			attrs[l.cfg.NewBalanceAttribute] = newBalance
		}
	}

	attrs, err = l.fireBeforeCreate(accountID, attrs)
	if err != nil {
		return TransactionID{}, err
	}

	if l.cfg.AccountBalanceAttribute != "" {
		// The hook may have adjusted the amount, so increment by what will
		// actually be persisted.
		persisted, err := decimalAttr(attrs, l.cfg.AmountAttribute)
		if err != nil {
			return TransactionID{}, err
		}
		if err := l.store.IncrementAccountBalance(accountID, persisted); err != nil {
			return TransactionID{}, err
		}
	}

	transactionID, err := l.store.CreateTransaction(attrs)
	if err != nil {
		return TransactionID{}, err
	}

	if err := l.fireAfterCreate(transactionID, accountID, attrs); err != nil {
		return TransactionID{}, err
	}

	return transactionID, nil
}

// nextRollingBalance derives the rolling balance for a new transaction from
// the account's most recent one: previous rolling balance plus amount, or
// the amount itself for the account's first transaction.
func (l *Ledger) nextRollingBalance(accountID AccountID, amount decimal.Decimal) (decimal.Decimal, error) {
	last, err := l.store.FindLastTransaction(accountID)
	if err != nil {
		if isNotFound(err) {
			return amount, nil
		}
		return decimal.Zero, err
	}

	previous, err := decimalAttr(last, l.cfg.NewBalanceAttribute)
	if err != nil {
		return decimal.Zero, err
	}
	return previous.Add(amount), nil
}

// fetchAccountID resolves an account reference, provisioning a filter-based
// account when allowed by the auto-create policy.
func (l *Ledger) fetchAccountID(account AccountRef) (AccountID, error) {
	if !account.isFilter() {
		return account.id, nil
	}
	if len(account.filter) == 0 {
		return 0, errors.ErrInvalidAccount.WithDetails("empty account filter")
	}

	accountID, err := l.store.FindAccountID(account.filter)
	if err == nil {
		return accountID, nil
	}
	if !isNotFound(err) {
		return 0, err
	}

	if !l.cfg.AutoCreateAccount {
		return 0, errors.ErrInvalidAccount.WithDetails(fmt.Sprintf("filter: %v", account.filter))
	}

	return l.store.CreateAccount(account.filter)
}

// resolveAccountID is the lookup-only resolution used by CalculateBalance.
func (l *Ledger) resolveAccountID(account AccountRef) (AccountID, error) {
	if !account.isFilter() {
		return account.id, nil
	}
	if len(account.filter) == 0 {
		return 0, errors.ErrInvalidAccount.WithDetails("empty account filter")
	}

	accountID, err := l.store.FindAccountID(account.filter)
	if err != nil {
		if isNotFound(err) {
			return 0, errors.ErrAccountNotFound.WithDetails(fmt.Sprintf("filter: %v", account.filter))
		}
		return 0, err
	}
	return accountID, nil
}
