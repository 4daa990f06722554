package storage

import (
	"fmt"
	"strconv"
)

// Int64 reads an integer column.
func (r Row) Int64(col string) (int64, error) {
	v, ok := r[col]
	if !ok || v == nil {
		return 0, fmt.Errorf("storage: column %s: missing value", col)
	}
	return toInt64(col, v)
}

// NullInt64 reads a nullable integer column.
func (r Row) NullInt64(col string) (*int64, error) {
	v, ok := r[col]
	if !ok || v == nil {
		return nil, nil
	}
	n, err := toInt64(col, v)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// Bool reads a boolean column. Integer encodings (sqlite) are accepted.
func (r Row) Bool(col string) (bool, error) {
	v, ok := r[col]
	if !ok || v == nil {
		return false, fmt.Errorf("storage: column %s: missing value", col)
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case int64:
		return b != 0, nil
	case int:
		return b != 0, nil
	case int32:
		return b != 0, nil
	case string:
		return strconv.ParseBool(b)
	}
	return false, fmt.Errorf("storage: column %s: unexpected type %T", col, v)
}

// String reads a text column.
func (r Row) String(col string) (string, error) {
	v, ok := r[col]
	if !ok || v == nil {
		return "", fmt.Errorf("storage: column %s: missing value", col)
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	}
	return "", fmt.Errorf("storage: column %s: unexpected type %T", col, v)
}

// NullString reads a nullable text column.
func (r Row) NullString(col string) (*string, error) {
	v, ok := r[col]
	if !ok || v == nil {
		return nil, nil
	}
	s, err := r.String(col)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func toInt64(col string, v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("storage: column %s: unexpected type %T", col, v)
}
