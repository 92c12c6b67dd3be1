package repository

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"balance-ledger/internal/balance"
	"balance-ledger/internal/errors"
)

// Dialect selects the SQL flavor the store speaks.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// SQLExecutor represents both sql.DB and sql.Tx.
type SQLExecutor interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// SQLStoreOptions names the tables and columns the adapter maps the ledger's
// semantic fields onto. The persisted layout is entirely this adapter's
// concern; the ledger only requires the fields to exist somewhere.
type SQLStoreOptions struct {
	AccountTable        string
	TransactionTable    string
	AccountIDColumn     string
	TransactionIDColumn string
	AccountLinkColumn   string
	AmountColumn        string
	DateColumn          string
	BalanceColumn       string

	// DataColumn receives attributes with no column of their own, serialized
	// by AttributeSerializer. Empty disables the projection: attributes are
	// then sent to columns as-is and unknown ones fail the insert.
	DataColumn string
}

// DefaultSQLStoreOptions returns the reference layout.
func DefaultSQLStoreOptions() SQLStoreOptions {
	return SQLStoreOptions{
		AccountTable:        "balance_accounts",
		TransactionTable:    "balance_transactions",
		AccountIDColumn:     "id",
		TransactionIDColumn: "id",
		AccountLinkColumn:   "account_id",
		AmountColumn:        "amount",
		DateColumn:          "created_at",
		BalanceColumn:       "balance",
		DataColumn:          "data",
	}
}

// SQLStore persists accounts and transactions in a relational database and
// implements the ledger's transactional storage port. Boundaries map onto a
// real database transaction at the first level and savepoints beneath it.
//
// A SQLStore instance assumes one operation at a time: the open transaction
// handle is instance state. The ledger serializes its operations; other
// callers need their own coordination.
type SQLStore struct {
	db         *sql.DB
	dialect    Dialect
	opts       SQLStoreOptions
	serializer AttributeSerializer
	logger     *slog.Logger

	tx    *sql.Tx
	depth int

	// transaction-table columns minus the primary key, cached after the
	// first introspection
	allowedColumns []string
}

func NewSQLStore(db *sql.DB, dialect Dialect, opts SQLStoreOptions, logger *slog.Logger) *SQLStore {
	return &SQLStore{
		db:         db,
		dialect:    dialect,
		opts:       opts,
		serializer: AttributeSerializer{PayloadColumn: opts.DataColumn},
		logger:     logger,
	}
}

var _ balance.TransactionalStore = (*SQLStore)(nil)

// executor routes statements through the open transaction when one exists.
func (s *SQLStore) executor() SQLExecutor {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *SQLStore) placeholder(i int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func (s *SQLStore) FindAccountID(filter balance.Attributes) (balance.AccountID, error) {
	if len(filter) == 0 {
		return 0, errors.NewAppError(errors.InvalidInput, "empty account filter")
	}

	keys := sortedKeys(filter)
	conditions := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		conditions[i] = fmt.Sprintf("%s = %s", quoteIdent(k), s.placeholder(i+1))
		args[i] = bindValue(filter[k])
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s LIMIT 1",
		s.opts.AccountIDColumn, s.opts.AccountTable, strings.Join(conditions, " AND "),
	)

	var id balance.AccountID
	err := s.executor().QueryRow(query, args...).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, errors.ErrAccountNotFound
		}
		s.logger.Error("failed to look up account", "error", err)
		return 0, errors.NewAppError(errors.InternalError, "failed to look up account").WithDetails(err.Error())
	}

	return id, nil
}

func (s *SQLStore) CreateAccount(attributes balance.Attributes) (balance.AccountID, error) {
	var query string
	var args []any

	if len(attributes) == 0 {
		query = fmt.Sprintf(
			"INSERT INTO %s DEFAULT VALUES RETURNING %s",
			s.opts.AccountTable, s.opts.AccountIDColumn,
		)
	} else {
		keys := sortedKeys(attributes)
		columns := make([]string, len(keys))
		placeholders := make([]string, len(keys))
		args = make([]any, len(keys))
		for i, k := range keys {
			columns[i] = quoteIdent(k)
			placeholders[i] = s.placeholder(i + 1)
			args[i] = bindValue(attributes[k])
		}
		query = fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			s.opts.AccountTable,
			strings.Join(columns, ", "),
			strings.Join(placeholders, ", "),
			s.opts.AccountIDColumn,
		)
	}

	var id balance.AccountID
	if err := s.executor().QueryRow(query, args...).Scan(&id); err != nil {
		s.logger.Error("failed to create account", "error", err)
		return 0, errors.NewAppError(errors.InternalError, "failed to create account").WithDetails(err.Error())
	}

	s.logger.Info("account created", "account_id", id)
	return id, nil
}

func (s *SQLStore) CreateTransaction(attributes balance.Attributes) (balance.TransactionID, error) {
	allowed, err := s.transactionColumns()
	if err != nil {
		return uuid.Nil, err
	}

	attrs, err := s.serializer.Pack(attributes, allowed)
	if err != nil {
		return uuid.Nil, errors.NewAppError(errors.InternalError, "failed to serialize transaction data").WithDetails(err.Error())
	}

	id := uuid.New()
	keys := sortedKeys(attrs)
	columns := make([]string, 0, len(keys)+1)
	placeholders := make([]string, 0, len(keys)+1)
	args := make([]any, 0, len(keys)+1)

	columns = append(columns, s.opts.TransactionIDColumn)
	placeholders = append(placeholders, s.placeholder(1))
	args = append(args, id.String())

	for _, k := range keys {
		columns = append(columns, quoteIdent(k))
		placeholders = append(placeholders, s.placeholder(len(args)+1))
		args = append(args, bindValue(attrs[k]))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		s.opts.TransactionTable,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)

	if _, err := s.executor().Exec(query, args...); err != nil {
		s.logger.Error("failed to create transaction", "error", err)
		return uuid.Nil, errors.NewAppError(errors.InternalError, "failed to create transaction").WithDetails(err.Error())
	}

	s.logger.Info("transaction created", "transaction_id", id)
	return id, nil
}

func (s *SQLStore) FindTransaction(id balance.TransactionID) (balance.Attributes, error) {
	query := fmt.Sprintf(
		"SELECT * FROM %s WHERE %s = %s",
		s.opts.TransactionTable, s.opts.TransactionIDColumn, s.placeholder(1),
	)
	return s.queryTransaction(query, id.String())
}

func (s *SQLStore) FindLastTransaction(accountID balance.AccountID) (balance.Attributes, error) {
	query := fmt.Sprintf(
		"SELECT * FROM %s WHERE %s = %s ORDER BY %s DESC, %s DESC LIMIT 1",
		s.opts.TransactionTable, s.opts.AccountLinkColumn, s.placeholder(1),
		s.opts.DateColumn, s.opts.TransactionIDColumn,
	)
	return s.queryTransaction(query, accountID)
}

func (s *SQLStore) queryTransaction(query string, arg any) (balance.Attributes, error) {
	rows, err := s.executor().Query(query, arg)
	if err != nil {
		s.logger.Error("failed to query transaction", "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to query transaction").WithDetails(err.Error())
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, errors.NewAppError(errors.InternalError, "failed to query transaction").WithDetails(err.Error())
		}
		return nil, errors.ErrTransactionNotFound
	}

	attrs, err := scanRowMap(rows)
	if err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to scan transaction").WithDetails(err.Error())
	}

	attrs, err = s.serializer.Unpack(attrs)
	if err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to unserialize transaction data").WithDetails(err.Error())
	}

	return attrs, nil
}

func (s *SQLStore) IncrementAccountBalance(accountID balance.AccountID, amount decimal.Decimal) error {
	query := fmt.Sprintf(
		"UPDATE %s SET %s = %s + %s WHERE %s = %s",
		s.opts.AccountTable,
		s.opts.BalanceColumn, s.opts.BalanceColumn, s.placeholder(1),
		s.opts.AccountIDColumn, s.placeholder(2),
	)

	result, err := s.executor().Exec(query, amount.String(), accountID)
	if err != nil {
		s.logger.Error("failed to increment account balance", "account_id", accountID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to increment account balance").WithDetails(err.Error())
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.NewAppError(errors.InternalError, "failed to get rows affected").WithDetails(err.Error())
	}
	if affected == 0 {
		return errors.ErrAccountNotFound
	}

	return nil
}

func (s *SQLStore) SumTransactionAmounts(accountID balance.AccountID) (decimal.Decimal, error) {
	query := fmt.Sprintf(
		"SELECT COALESCE(SUM(%s), 0) FROM %s WHERE %s = %s",
		s.opts.AmountColumn, s.opts.TransactionTable,
		s.opts.AccountLinkColumn, s.placeholder(1),
	)

	var raw any
	if err := s.executor().QueryRow(query, accountID).Scan(&raw); err != nil {
		s.logger.Error("failed to sum transaction amounts", "account_id", accountID, "error", err)
		return decimal.Zero, errors.NewAppError(errors.InternalError, "failed to sum transaction amounts").WithDetails(err.Error())
	}

	sum, err := toDecimal(raw)
	if err != nil {
		return decimal.Zero, errors.NewAppError(errors.InternalError, "failed to parse balance sum").WithDetails(err.Error())
	}
	return sum, nil
}

// Begin opens an atomic boundary: a database transaction at the first level,
// a savepoint inside an already-open one.
func (s *SQLStore) Begin() error {
	if s.depth == 0 {
		tx, err := s.db.Begin()
		if err != nil {
			return errors.NewAppError(errors.InternalError, "failed to begin transaction").WithDetails(err.Error())
		}
		s.tx = tx
	} else {
		if _, err := s.tx.Exec(fmt.Sprintf("SAVEPOINT sp_%d", s.depth)); err != nil {
			return errors.NewAppError(errors.InternalError, "failed to create savepoint").WithDetails(err.Error())
		}
	}

	s.depth++
	return nil
}

func (s *SQLStore) Commit() error {
	if s.depth == 0 {
		return errors.NewAppError(errors.InternalError, "commit without an open boundary")
	}

	s.depth--
	if s.depth == 0 {
		tx := s.tx
		s.tx = nil
		if err := tx.Commit(); err != nil {
			return errors.NewAppError(errors.InternalError, "failed to commit transaction").WithDetails(err.Error())
		}
		return nil
	}

	if _, err := s.tx.Exec(fmt.Sprintf("RELEASE SAVEPOINT sp_%d", s.depth)); err != nil {
		return errors.NewAppError(errors.InternalError, "failed to release savepoint").WithDetails(err.Error())
	}
	return nil
}

func (s *SQLStore) Rollback() error {
	if s.depth == 0 {
		return errors.NewAppError(errors.InternalError, "rollback without an open boundary")
	}

	s.depth--
	if s.depth == 0 {
		tx := s.tx
		s.tx = nil
		if err := tx.Rollback(); err != nil {
			return errors.NewAppError(errors.InternalError, "failed to roll back transaction").WithDetails(err.Error())
		}
		return nil
	}

	if _, err := s.tx.Exec(fmt.Sprintf("ROLLBACK TO SAVEPOINT sp_%d", s.depth)); err != nil {
		return errors.NewAppError(errors.InternalError, "failed to roll back to savepoint").WithDetails(err.Error())
	}
	return nil
}

func (s *SQLStore) BoundaryDepth() int {
	return s.depth
}

// transactionColumns introspects the transaction table once and caches its
// column names, excluding the auto-assigned primary key so caller data can
// never collide with it.
func (s *SQLStore) transactionColumns() ([]string, error) {
	if s.allowedColumns != nil {
		return s.allowedColumns, nil
	}

	var columns []string
	var err error
	switch s.dialect {
	case DialectPostgres:
		columns, err = s.postgresColumns(s.opts.TransactionTable)
	case DialectSQLite:
		columns, err = s.sqliteColumns(s.opts.TransactionTable)
	default:
		return nil, errors.NewAppErrorf(errors.InternalError, "unsupported dialect %q", s.dialect)
	}
	if err != nil {
		return nil, err
	}

	allowed := make([]string, 0, len(columns))
	for _, c := range columns {
		if c == s.opts.TransactionIDColumn {
			continue
		}
		allowed = append(allowed, c)
	}

	s.allowedColumns = allowed
	return allowed, nil
}

func (s *SQLStore) postgresColumns(table string) ([]string, error) {
	rows, err := s.executor().Query(
		"SELECT column_name FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position",
		table,
	)
	if err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to introspect table").WithDetails(err.Error())
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.NewAppError(errors.InternalError, "failed to scan column name").WithDetails(err.Error())
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

func (s *SQLStore) sqliteColumns(table string) ([]string, error) {
	rows, err := s.executor().Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to introspect table").WithDetails(err.Error())
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			cid        int
			name       string
			columnType string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &columnType, &notNull, &defaultVal, &pk); err != nil {
			return nil, errors.NewAppError(errors.InternalError, "failed to scan column info").WithDetails(err.Error())
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

// scanRowMap reads the current row into an attribute bag keyed by column
// name. Byte slices become strings; numeric conversion is left to the
// consumer, which knows the expected types.
func scanRowMap(rows *sql.Rows) (balance.Attributes, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	values := make([]any, len(columns))
	pointers := make([]any, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}
	if err := rows.Scan(pointers...); err != nil {
		return nil, err
	}

	attrs := make(balance.Attributes, len(columns))
	for i, name := range columns {
		v := values[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		attrs[name] = v
	}
	return attrs, nil
}

// bindValue converts attribute values to driver-friendly types.
func bindValue(v any) any {
	switch val := v.(type) {
	case decimal.Decimal:
		return val.String()
	case uuid.UUID:
		return val.String()
	case time.Time:
		return val
	default:
		return v
	}
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch val := v.(type) {
	case nil:
		return decimal.Zero, nil
	case decimal.Decimal:
		return val, nil
	case string:
		return decimal.NewFromString(val)
	case []byte:
		return decimal.NewFromString(string(val))
	case int64:
		return decimal.NewFromInt(val), nil
	case float64:
		return decimal.NewFromFloat(val), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported numeric type %T", v)
	}
}

// quoteIdent quotes a column identifier, so attribute keys are only ever
// interpreted as column names, never as SQL.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sortedKeys(attrs balance.Attributes) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
