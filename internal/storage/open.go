package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	logx "eventbot/pkg/logx"
)

// Store is the persistence API used by the reminder and settings indexes.
type Store interface {
	Get(ctx context.Context, kind, key string) (Record, bool, error)
	// Upsert replaces the whole record.
	Upsert(ctx context.Context, kind, key string, f Fields) error
	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, kind, key string) error
	List(ctx context.Context, kind, cursor string, limit int) (Page, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// Each walks every record of kind page by page. A non-nil error from fn
// stops the walk and is returned.
func Each(ctx context.Context, st Store, kind string, pageSize int, fn func(Record) error) error {
	if st == nil {
		return ErrDisabled
	}
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := st.List(ctx, kind, cursor, pageSize)
		if err != nil {
			return err
		}
		for _, r := range p.Records {
			if err := fn(r); err != nil {
				return err
			}
		}
		if !p.HasMore() {
			return nil
		}
		cursor = p.NextCursor
	}
}

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }
