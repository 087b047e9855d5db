package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// JSONMap is an arbitrary JSON object stored in a single text column.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	buf, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "error marshalling json column")
	}
	return string(buf), nil
}

func (m *JSONMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// StringList is a JSON array of strings stored in a single text column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	buf, err := json.Marshal(l)
	if err != nil {
		return nil, errors.Wrap(err, "error marshalling json column")
	}
	return string(buf), nil
}

func (l *StringList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// JSONMapValue marshals any value into the text form used for JSON columns.
func JSONMapValue(v interface{}) (driver.Value, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "error marshalling json column")
	}
	return string(buf), nil
}

func scanJSON(src interface{}, dest interface{}) error {
	if src == nil {
		return nil
	}
	var buf []byte
	switch t := src.(type) {
	case string:
		buf = []byte(t)
	case []byte:
		buf = t
	default:
		return fmt.Errorf("unsupported type for json column: %[1]T (%[1]v)", src)
	}
	if len(buf) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(buf, dest), "error unmarshalling json column")
}
