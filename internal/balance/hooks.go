package balance

// BeforeCreateHook runs before a transaction is persisted. It receives the
// resolved account ID and the attribute bag about to be written and returns
// the bag that should actually be persisted, so hooks can inject or adjust
// attributes. An error aborts the operation and rolls back its boundary.
//
// Hooks run while the ledger's operation lock is held and must not call
// back into the Ledger.
type BeforeCreateHook func(accountID AccountID, data Attributes) (Attributes, error)

// AfterCreateHook runs after a transaction has been persisted, with the new
// transaction ID, the account ID and the persisted attributes. It is a
// notification point; still, an error here aborts the surrounding boundary
// like any other failure.
type AfterCreateHook func(transactionID TransactionID, accountID AccountID, data Attributes) error

func (l *Ledger) fireBeforeCreate(accountID AccountID, data Attributes) (Attributes, error) {
	for _, h := range l.beforeCreate {
		adjusted, err := h(accountID, data)
		if err != nil {
			return nil, err
		}
		if adjusted != nil {
			data = adjusted
		}
	}
	return data, nil
}

func (l *Ledger) fireAfterCreate(transactionID TransactionID, accountID AccountID, data Attributes) error {
	for _, h := range l.afterCreate {
		if err := h(transactionID, accountID, data); err != nil {
			return err
		}
	}
	return nil
}
