package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSON wraps an arbitrary JSON-serializable value for storage in a `jsonb`
// column. Every registry uses this for metadata/source/context/ref/log_lines
// columns: JSON-valued columns are serialised at the boundary.
type JSON[T any] struct {
	Value T
}

// NewJSON wraps v for storage.
func NewJSON[T any](v T) JSON[T] {
	return JSON[T]{Value: v}
}

// Value implements driver.Valuer.
func (j JSON[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(j.Value)
	if err != nil {
		return nil, fmt.Errorf("marshaling json column: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner.
func (j *JSON[T]) Scan(src any) error {
	if src == nil {
		var zero T
		j.Value = zero
		return nil
	}

	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported json column source type %T", src)
	}

	if len(b) == 0 {
		var zero T
		j.Value = zero
		return nil
	}

	return json.Unmarshal(b, &j.Value)
}
