package repository

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"balance-ledger/internal/balance"
	"balance-ledger/internal/errors"
)

// MemoryStore is a map-backed storage port implementation. It mirrors the
// SQL adapter's contract, including atomic boundaries (via state snapshots),
// which makes it suitable both for tests and for embedded use where no
// database is wanted.
//
// MemoryStore is not safe for concurrent use on its own; the ledger
// serializes its operations before they reach the store, and other callers
// need their own coordination.
type MemoryStore struct {
	accounts     map[balance.AccountID]balance.Attributes
	balances     map[balance.AccountID]decimal.Decimal
	transactions []balance.Attributes
	nextAccount  balance.AccountID

	snapshots []memorySnapshot

	// Boundary call counters, for asserting guard behavior in tests.
	Begins    int
	Commits   int
	Rollbacks int
}

type memorySnapshot struct {
	accounts     map[balance.AccountID]balance.Attributes
	balances     map[balance.AccountID]decimal.Decimal
	transactions []balance.Attributes
	nextAccount  balance.AccountID
}

// Attribute names the memory store indexes on, matching the ledger defaults.
const (
	memoryIDAttribute          = "id"
	memoryAccountLinkAttribute = "account_id"
	memoryAmountAttribute      = "amount"
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[balance.AccountID]balance.Attributes),
		balances: make(map[balance.AccountID]decimal.Decimal),
	}
}

var _ balance.TransactionalStore = (*MemoryStore)(nil)

func (m *MemoryStore) FindAccountID(filter balance.Attributes) (balance.AccountID, error) {
	for id := balance.AccountID(1); id <= m.nextAccount; id++ {
		attrs, ok := m.accounts[id]
		if !ok {
			continue
		}
		if matchesFilter(attrs, filter) {
			return id, nil
		}
	}
	return 0, errors.ErrAccountNotFound
}

func (m *MemoryStore) CreateAccount(attributes balance.Attributes) (balance.AccountID, error) {
	m.nextAccount++
	id := m.nextAccount

	attrs := make(balance.Attributes, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}
	m.accounts[id] = attrs

	return id, nil
}

func (m *MemoryStore) CreateTransaction(attributes balance.Attributes) (balance.TransactionID, error) {
	id := uuid.New()

	attrs := make(balance.Attributes, len(attributes)+1)
	for k, v := range attributes {
		attrs[k] = v
	}
	attrs[memoryIDAttribute] = id
	m.transactions = append(m.transactions, attrs)

	return id, nil
}

func (m *MemoryStore) FindTransaction(id balance.TransactionID) (balance.Attributes, error) {
	for _, attrs := range m.transactions {
		if attrs[memoryIDAttribute] == id {
			return cloneAttributes(attrs), nil
		}
	}
	return nil, errors.ErrTransactionNotFound
}

// FindLastTransaction walks the journal from the tail; transactions are
// appended in creation order, so the last match is the most recent one.
func (m *MemoryStore) FindLastTransaction(accountID balance.AccountID) (balance.Attributes, error) {
	for i := len(m.transactions) - 1; i >= 0; i-- {
		attrs := m.transactions[i]
		if attrs[memoryAccountLinkAttribute] == accountID {
			return cloneAttributes(attrs), nil
		}
	}
	return nil, errors.ErrTransactionNotFound
}

func (m *MemoryStore) IncrementAccountBalance(accountID balance.AccountID, amount decimal.Decimal) error {
	m.balances[accountID] = m.balances[accountID].Add(amount)
	return nil
}

func (m *MemoryStore) SumTransactionAmounts(accountID balance.AccountID) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, attrs := range m.transactions {
		if attrs[memoryAccountLinkAttribute] != accountID {
			continue
		}
		amount, err := toDecimal(attrs[memoryAmountAttribute])
		if err != nil {
			return decimal.Zero, fmt.Errorf("transaction %v: %w", attrs[memoryIDAttribute], err)
		}
		sum = sum.Add(amount)
	}
	return sum, nil
}

func (m *MemoryStore) Begin() error {
	m.snapshots = append(m.snapshots, m.snapshot())
	m.Begins++
	return nil
}

func (m *MemoryStore) Commit() error {
	if len(m.snapshots) == 0 {
		return fmt.Errorf("commit without an open boundary")
	}
	m.snapshots = m.snapshots[:len(m.snapshots)-1]
	m.Commits++
	return nil
}

func (m *MemoryStore) Rollback() error {
	if len(m.snapshots) == 0 {
		return fmt.Errorf("rollback without an open boundary")
	}
	snap := m.snapshots[len(m.snapshots)-1]
	m.snapshots = m.snapshots[:len(m.snapshots)-1]

	m.accounts = snap.accounts
	m.balances = snap.balances
	m.transactions = snap.transactions
	m.nextAccount = snap.nextAccount
	m.Rollbacks++
	return nil
}

func (m *MemoryStore) BoundaryDepth() int {
	return len(m.snapshots)
}

// AccountCount reports the number of provisioned accounts.
func (m *MemoryStore) AccountCount() int {
	return len(m.accounts)
}

// CachedBalance reports the denormalized balance for an account, along with
// whether any increment has ever touched it.
func (m *MemoryStore) CachedBalance(accountID balance.AccountID) (decimal.Decimal, bool) {
	v, ok := m.balances[accountID]
	return v, ok
}

// LastTransaction returns the attributes of the most recently created
// transaction, or nil when the journal is empty.
func (m *MemoryStore) LastTransaction() balance.Attributes {
	if len(m.transactions) == 0 {
		return nil
	}
	return cloneAttributes(m.transactions[len(m.transactions)-1])
}

// LastTransactionPair returns the two most recently created transactions in
// creation order.
func (m *MemoryStore) LastTransactionPair() [2]balance.Attributes {
	n := len(m.transactions)
	return [2]balance.Attributes{
		cloneAttributes(m.transactions[n-2]),
		cloneAttributes(m.transactions[n-1]),
	}
}

func (m *MemoryStore) snapshot() memorySnapshot {
	snap := memorySnapshot{
		accounts:     make(map[balance.AccountID]balance.Attributes, len(m.accounts)),
		balances:     make(map[balance.AccountID]decimal.Decimal, len(m.balances)),
		transactions: make([]balance.Attributes, len(m.transactions)),
		nextAccount:  m.nextAccount,
	}
	for id, attrs := range m.accounts {
		snap.accounts[id] = cloneAttributes(attrs)
	}
	for id, v := range m.balances {
		snap.balances[id] = v
	}
	for i, attrs := range m.transactions {
		snap.transactions[i] = cloneAttributes(attrs)
	}
	return snap
}

func cloneAttributes(attrs balance.Attributes) balance.Attributes {
	out := make(balance.Attributes, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func matchesFilter(attrs, filter balance.Attributes) bool {
	for k, want := range filter {
		got, ok := attrs[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return len(filter) > 0
}
