package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu     sync.Mutex
	kinds  map[string]map[string]Record
	closed bool
}

// NewMemory returns a process-local store.
func NewMemory() Store {
	return &memoryStore{kinds: map[string]map[string]Record{}}
}

func (s *memoryStore) Get(ctx context.Context, kind, key string) (Record, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, false, ErrClosed
	}
	r, ok := s.kinds[kind][key]
	if !ok {
		return Record{}, false, nil
	}
	r.Fields = cloneFields(r.Fields)
	return r, true, nil
}

func (s *memoryStore) Upsert(ctx context.Context, kind, key string, f Fields) error {
	_ = ctx
	if err := validate(kind, key, f); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	m := s.kinds[kind]
	if m == nil {
		m = map[string]Record{}
		s.kinds[kind] = m
	}
	m[key] = Record{Kind: kind, Key: key, Fields: cloneFields(f), UpdatedAt: time.Now()}
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, kind, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.kinds[kind], key)
	return nil
}

func (s *memoryStore) List(ctx context.Context, kind, cursor string, limit int) (Page, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Page{}, ErrClosed
	}
	return pageOf(s.kinds[kind], cursor, limit), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// pageOf slices m by key order after cursor.
func pageOf(m map[string]Record, cursor string, limit int) Page {
	if limit <= 0 {
		limit = defaultPageSize
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		if k > cursor {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var p Page
	for i, k := range keys {
		if i == limit {
			p.NextCursor = keys[i-1]
			break
		}
		r := m[k]
		r.Fields = cloneFields(r.Fields)
		p.Records = append(p.Records, r)
	}
	return p
}
