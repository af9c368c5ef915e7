package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled     = errors.New("storage disabled")
	ErrClosed       = errors.New("storage closed")
	ErrNestedField  = errors.New("nested field values are not supported")
	ErrEmptyKindKey = errors.New("kind and key are required")
)

// Record kinds.
const (
	KindReminders = "reminders"
	KindUserLangs = "user_langs"
)

const defaultPageSize = 100

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file (modernc driver, no cgo)
//   - "memory": process-local map, nothing survives a restart
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	CompactEvery int           // file only; 0 means default
}

// Fields is a flat map of scalar values: string, bool, integers, floats,
// json.Number or nil.
type Fields map[string]any

type Record struct {
	Kind      string
	Key       string
	Fields    Fields
	UpdatedAt time.Time
}

// Page is one slice of a kind, ordered by key.
type Page struct {
	Records    []Record
	NextCursor string // empty when there are no more records
}

func (p Page) HasMore() bool { return p.NextCursor != "" }

func validate(kind, key string, f Fields) error {
	if kind == "" || key == "" {
		return ErrEmptyKindKey
	}
	for k, v := range f {
		switch v.(type) {
		case nil, string, bool, int, int32, int64, uint, uint32, uint64, float32, float64, json.Number:
		default:
			return fmt.Errorf("%w: %s is %T", ErrNestedField, k, v)
		}
	}
	return nil
}

func cloneFields(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func decodeFields(b []byte) (Fields, error) {
	dec := json.NewDecoder(bytesReader(b))
	dec.UseNumber()
	var f Fields
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	if f == nil {
		f = Fields{}
	}
	return f, nil
}
