package balance

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"balance-ledger/internal/errors"
)

// AccountRef names an account for a ledger operation: either a literal
// account ID, or a filter bag used to look one up (and, depending on the
// auto-create policy, provision it).
type AccountRef struct {
	id       AccountID
	filter   Attributes
	byFilter bool
}

// ByID references an account by its literal ID.
func ByID(id AccountID) AccountRef {
	return AccountRef{id: id}
}

// ByFilter references an account by lookup attributes. A nil or empty filter
// is rejected at resolution time rather than matching anything.
func ByFilter(filter Attributes) AccountRef {
	return AccountRef{filter: filter, byFilter: true}
}

func (r AccountRef) isFilter() bool {
	return r.byFilter
}

// clone returns a shallow copy of the bag. Operations copy caller-supplied
// data before mutating it so the caller's map stays untouched.
func (a Attributes) clone() Attributes {
	out := make(Attributes, len(a)+4)
	for k, v := range a {
		out[k] = v
	}
	return out
}

// decimalAttr coerces an attribute value to a decimal. Storage drivers hand
// numeric columns back in different shapes (decimal, string, []byte, int64,
// float64), so transaction amounts read back from a store go through here.
func decimalAttr(attrs Attributes, key string) (decimal.Decimal, error) {
	v, ok := attrs[key]
	if !ok || v == nil {
		return decimal.Zero, fmt.Errorf("attribute %q is missing", key)
	}

	switch val := v.(type) {
	case decimal.Decimal:
		return val, nil
	case string:
		return decimal.NewFromString(val)
	case []byte:
		return decimal.NewFromString(string(val))
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int64:
		return decimal.NewFromInt(val), nil
	case float64:
		return decimal.NewFromFloat(val), nil
	case json.Number:
		return decimal.NewFromString(val.String())
	default:
		return decimal.Zero, fmt.Errorf("attribute %q has unsupported numeric type %T", key, v)
	}
}

// accountIDAttr coerces an attribute value to an account ID.
func accountIDAttr(attrs Attributes, key string) (AccountID, error) {
	v, ok := attrs[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("attribute %q is missing", key)
	}

	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case float64:
		return int64(val), nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	case []byte:
		return strconv.ParseInt(string(val), 10, 64)
	case json.Number:
		return val.Int64()
	default:
		return 0, fmt.Errorf("attribute %q has unsupported id type %T", key, v)
	}
}

// isNotFound reports whether err is one of the storage port's miss signals.
func isNotFound(err error) bool {
	appErr, ok := err.(*errors.AppError)
	if !ok {
		return false
	}
	return appErr.Code == errors.AccountNotFound || appErr.Code == errors.TransactionNotFound
}
