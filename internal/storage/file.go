package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "eventbot/pkg/logx"
)

const defaultCompactEvery = 500

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of every kind)
//   - <prefix>.journal.jsonl (append-only journal since the snapshot)
//
// The journal is compacted into the snapshot every CompactEvery writes
// and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	kinds        map[string]map[string]Record

	writes       int
	compactEvery int
}

type journalOp struct {
	Op     string          `json:"op"` // put | del
	Kind   string          `json:"kind"`
	Key    string          `json:"key"`
	Fields json.RawMessage `json:"fields,omitempty"`
	At     int64           `json:"at"`
}

type snapshotRecord struct {
	Fields json.RawMessage `json:"fields"`
	At     int64           `json:"at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	kinds := map[string]map[string]Record{}
	if err := loadSnapshot(snapPath, kinds); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	n, err := replayJournal(journalPath, kinds, log)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = defaultCompactEvery
	}
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		kinds:        kinds,
		writes:       n,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	if cerr != nil {
		return cerr
	}
	return err
}

func (s *fileStore) Get(ctx context.Context, kind, key string) (Record, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Record{}, false, ErrClosed
	}
	r, ok := s.kinds[kind][key]
	if !ok {
		return Record{}, false, nil
	}
	r.Fields = cloneFields(r.Fields)
	return r, true, nil
}

func (s *fileStore) Upsert(ctx context.Context, kind, key string, f Fields) error {
	_ = ctx
	if err := validate(kind, key, f); err != nil {
		return err
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	// Round-trip so the in-memory copy matches what a reload would see.
	stored, err := decodeFields(raw)
	if err != nil {
		return err
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := s.appendLocked(journalOp{Op: "put", Kind: kind, Key: key, Fields: raw, At: now.UnixMilli()}); err != nil {
		return err
	}
	m := s.kinds[kind]
	if m == nil {
		m = map[string]Record{}
		s.kinds[kind] = m
	}
	m[key] = Record{Kind: kind, Key: key, Fields: stored, UpdatedAt: now}
	s.maybeCompactLocked()
	return nil
}

func (s *fileStore) Delete(ctx context.Context, kind, key string) error {
	_ = ctx
	if kind == "" || key == "" {
		return ErrEmptyKindKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.kinds[kind][key]; !ok {
		return nil
	}
	if err := s.appendLocked(journalOp{Op: "del", Kind: kind, Key: key, At: time.Now().UnixMilli()}); err != nil {
		return err
	}
	delete(s.kinds[kind], key)
	s.maybeCompactLocked()
	return nil
}

func (s *fileStore) List(ctx context.Context, kind, cursor string, limit int) (Page, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Page{}, ErrClosed
	}
	return pageOf(s.kinds[kind], cursor, limit), nil
}

func (s *fileStore) appendLocked(op journalOp) error {
	b, err := json.Marshal(op)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = s.journal.Write(b)
	return err
}

func (s *fileStore) maybeCompactLocked() {
	s.writes++
	if s.writes%s.compactEvery != 0 {
		return
	}
	// Best-effort compact.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("journal compact failed", logx.Err(err))
	}
}

func (s *fileStore) compactLocked() error {
	snap := make(map[string]map[string]snapshotRecord, len(s.kinds))
	for kind, m := range s.kinds {
		out := make(map[string]snapshotRecord, len(m))
		for key, r := range m {
			raw, err := json.Marshal(r.Fields)
			if err != nil {
				return err
			}
			out[key] = snapshotRecord{Fields: raw, At: r.UpdatedAt.UnixMilli()}
		}
		snap[kind] = out
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]map[string]Record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap map[string]map[string]snapshotRecord
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for kind, m := range snap {
		dst := out[kind]
		if dst == nil {
			dst = map[string]Record{}
			out[kind] = dst
		}
		for key, sr := range m {
			fields, err := decodeFields(sr.Fields)
			if err != nil {
				continue
			}
			dst[key] = Record{Kind: kind, Key: key, Fields: fields, UpdatedAt: time.UnixMilli(sr.At)}
		}
	}
	return nil
}

// replayJournal applies ops on top of the snapshot. A torn trailing line
// from a crash is skipped.
func replayJournal(path string, out map[string]map[string]Record, log logx.Logger) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			log.Warn("skip unreadable journal line", logx.Int("line", n+1), logx.Err(err))
			continue
		}
		n++
		if op.Kind == "" || op.Key == "" {
			continue
		}
		m := out[op.Kind]
		if m == nil {
			m = map[string]Record{}
			out[op.Kind] = m
		}
		switch op.Op {
		case "put":
			fields, err := decodeFields(op.Fields)
			if err != nil {
				continue
			}
			m[op.Key] = Record{Kind: op.Kind, Key: op.Key, Fields: fields, UpdatedAt: time.UnixMilli(op.At)}
		case "del":
			delete(m, op.Key)
		}
	}
	return n, sc.Err()
}
