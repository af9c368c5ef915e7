package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "eventbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Get(ctx context.Context, kind, key string) (Record, bool, error) {
	if s == nil || s.db == nil {
		return Record{}, false, ErrDisabled
	}
	var raw string
	var at int64
	err := s.db.QueryRowContext(ctx,
		`SELECT fields, updated_at FROM records WHERE kind = ? AND key = ?`, kind, key,
	).Scan(&raw, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	fields, err := decodeFields([]byte(raw))
	if err != nil {
		return Record{}, false, fmt.Errorf("decode %s/%s: %w", kind, key, err)
	}
	return Record{Kind: kind, Key: key, Fields: fields, UpdatedAt: time.UnixMilli(at)}, true, nil
}

func (s *sqliteStore) Upsert(ctx context.Context, kind, key string, f Fields) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if err := validate(kind, key, f); err != nil {
		return err
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records(kind, key, fields, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(kind, key) DO UPDATE SET fields=excluded.fields, updated_at=excluded.updated_at`,
		kind, key, string(raw), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, kind, key string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND key = ?`, kind, key)
	return err
}

// List returns rows with key > cursor. Rows whose fields fail to decode are
// returned with nil Fields so callers can report them.
func (s *sqliteStore) List(ctx context.Context, kind, cursor string, limit int) (Page, error) {
	if s == nil || s.db == nil {
		return Page{}, ErrDisabled
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, fields, updated_at FROM records WHERE kind = ? AND key > ? ORDER BY key LIMIT ?`,
		kind, cursor, limit+1,
	)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	var p Page
	for rows.Next() {
		var key, raw string
		var at int64
		if err := rows.Scan(&key, &raw, &at); err != nil {
			return Page{}, err
		}
		if len(p.Records) == limit {
			p.NextCursor = p.Records[limit-1].Key
			break
		}
		fields, err := decodeFields([]byte(raw))
		if err != nil {
			s.log.Warn("undecodable record", logx.String("kind", kind), logx.String("key", key), logx.Err(err))
			fields = nil
		}
		p.Records = append(p.Records, Record{Kind: kind, Key: key, Fields: fields, UpdatedAt: time.UnixMilli(at)})
	}
	return p, rows.Err()
}
