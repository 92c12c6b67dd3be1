package balance

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountID identifies a balance account within the backing store.
type AccountID = int64

// TransactionID identifies a ledger transaction. IDs are assigned by the
// storage adapter when the transaction record is created.
type TransactionID = uuid.UUID

// Attributes is the free-form attribute bag used both for account lookup
// filters and for transaction payloads. Which keys land in real columns and
// which are folded into a serialized payload field is a storage concern.
type Attributes map[string]any

// Store is the storage port the ledger operates against. Implementations
// persist accounts and transactions and expose the find/create/sum
// primitives the ledger builds its operations on.
//
// FindAccountID and FindTransaction report a missing record with
// errors.ErrAccountNotFound / errors.ErrTransactionNotFound respectively.
// FindLastTransaction returns the account's most recent transaction, ordered
// by date descending with the transaction ID as tie-break, or
// errors.ErrTransactionNotFound when the account has none.
type Store interface {
	FindAccountID(filter Attributes) (AccountID, error)
	CreateAccount(attributes Attributes) (AccountID, error)
	CreateTransaction(attributes Attributes) (TransactionID, error)
	FindTransaction(id TransactionID) (Attributes, error)
	FindLastTransaction(accountID AccountID) (Attributes, error)
	IncrementAccountBalance(accountID AccountID, amount decimal.Decimal) error
	SumTransactionAmounts(accountID AccountID) (decimal.Decimal, error)
}

// TransactionalStore extends Store with an atomic boundary the ledger's
// guard drives. Begin/Commit/Rollback may nest; a store that supports
// nesting maps inner levels onto savepoints. BoundaryDepth reports the
// number of currently open levels, including any opened by the caller
// outside the ledger.
type TransactionalStore interface {
	Store

	Begin() error
	Commit() error
	Rollback() error
	BoundaryDepth() int
}
