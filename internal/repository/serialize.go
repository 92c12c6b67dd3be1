package repository

import (
	"encoding/json"
	"fmt"
	"slices"

	"balance-ledger/internal/balance"
)

// AttributeSerializer folds attributes that have no storage column of their
// own into a single serialized payload column, and restores them on read.
// Useful for storage with a static schema, like a relational database.
//
// With an empty PayloadColumn the serializer is a no-op both ways. Callers
// must keep auto-assigned primary key columns out of the allowed set, so a
// caller-supplied value under that name is never silently folded into the
// payload instead of the real column.
type AttributeSerializer struct {
	// PayloadColumn is the column receiving the serialized residue.
	PayloadColumn string
}

// Pack splits attrs into the columns present in allowed and a residue; the
// residue, if any, is JSON-encoded into the payload column.
func (s AttributeSerializer) Pack(attrs balance.Attributes, allowed []string) (balance.Attributes, error) {
	if s.PayloadColumn == "" {
		return attrs, nil
	}

	safe := make(balance.Attributes, len(attrs))
	residue := make(map[string]any)
	for name, value := range attrs {
		if slices.Contains(allowed, name) {
			safe[name] = value
		} else {
			residue[name] = value
		}
	}

	if len(residue) > 0 {
		raw, err := json.Marshal(residue)
		if err != nil {
			return nil, fmt.Errorf("serialize attribute payload: %w", err)
		}
		safe[s.PayloadColumn] = string(raw)
	}

	return safe, nil
}

// Unpack restores the serialized residue from the payload column and merges
// it back into the flat bag; the payload column itself is removed.
func (s AttributeSerializer) Unpack(attrs balance.Attributes) (balance.Attributes, error) {
	if s.PayloadColumn == "" {
		return attrs, nil
	}

	payload, ok := attrs[s.PayloadColumn]
	delete(attrs, s.PayloadColumn)
	if !ok || payload == nil {
		return attrs, nil
	}

	var raw []byte
	switch v := payload.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return nil, fmt.Errorf("attribute payload has unsupported type %T", payload)
	}
	if len(raw) == 0 {
		return attrs, nil
	}

	var residue map[string]any
	if err := json.Unmarshal(raw, &residue); err != nil {
		return nil, fmt.Errorf("unserialize attribute payload: %w", err)
	}
	for name, value := range residue {
		attrs[name] = value
	}

	return attrs, nil
}
