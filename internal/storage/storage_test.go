package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	logx "eventbot/pkg/logx"
)

func openAll(t *testing.T) map[string]func() Store {
	t.Helper()
	dir := t.TempDir()
	return map[string]func() Store{
		"memory": func() Store { return NewMemory() },
		"file": func() Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "file", "bot.db"), CompactEvery: 3}, logx.Nop())
			if err != nil {
				t.Fatalf("open file: %v", err)
			}
			return st
		},
		"sqlite": func() Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "bot.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		},
	}
}

func asInt64(t *testing.T, v any) int64 {
	t.Helper()
	switch x := v.(type) {
	case int64:
		return x
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			t.Fatalf("json number: %v", err)
		}
		return n
	default:
		t.Fatalf("unexpected numeric type %T", v)
	}
	return 0
}

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	for name, open := range openAll(t) {
		st := open()
		if err := st.Upsert(ctx, KindReminders, "b", Fields{"eventTitle": "raid", "eventUtcMs": int64(1741212000000), "sent5min": false}); err != nil {
			t.Fatalf("%s upsert: %v", name, err)
		}
		if err := st.Upsert(ctx, KindReminders, "a", Fields{"eventTitle": "boss"}); err != nil {
			t.Fatalf("%s upsert: %v", name, err)
		}
		if err := st.Upsert(ctx, KindUserLangs, "a", Fields{"lang": "ja"}); err != nil {
			t.Fatalf("%s upsert: %v", name, err)
		}

		r, ok, err := st.Get(ctx, KindReminders, "b")
		if err != nil || !ok {
			t.Fatalf("%s get: ok=%v err=%v", name, ok, err)
		}
		if r.Fields["eventTitle"] != "raid" || asInt64(t, r.Fields["eventUtcMs"]) != 1741212000000 || r.Fields["sent5min"] != false {
			t.Fatalf("%s get fields: %#v", name, r.Fields)
		}

		if err := st.Delete(ctx, KindReminders, "a"); err != nil {
			t.Fatalf("%s delete: %v", name, err)
		}
		if _, ok, _ := st.Get(ctx, KindReminders, "a"); ok {
			t.Fatalf("%s: deleted record still present", name)
		}
		if _, ok, _ := st.Get(ctx, KindUserLangs, "a"); !ok {
			t.Fatalf("%s: delete leaked across kinds", name)
		}
		if err := st.Delete(ctx, KindReminders, "missing"); err != nil {
			t.Fatalf("%s delete missing: %v", name, err)
		}
		if err := st.Close(); err != nil {
			t.Fatalf("%s close: %v", name, err)
		}
	}
}

func TestStoreRejectsNestedFields(t *testing.T) {
	st := NewMemory()
	err := st.Upsert(context.Background(), KindReminders, "x", Fields{"tags": []string{"a"}})
	if !errors.Is(err, ErrNestedField) {
		t.Fatalf("expected ErrNestedField, got %v", err)
	}
}

func TestEachPaginates(t *testing.T) {
	ctx := context.Background()
	for name, open := range openAll(t) {
		st := open()
		keys := []string{"k1", "k2", "k3", "k4", "k5"}
		for _, k := range keys {
			if err := st.Upsert(ctx, KindReminders, k, Fields{"v": k}); err != nil {
				t.Fatalf("%s upsert: %v", name, err)
			}
		}
		var seen []string
		err := Each(ctx, st, KindReminders, 2, func(r Record) error {
			seen = append(seen, r.Key)
			return nil
		})
		if err != nil {
			t.Fatalf("%s each: %v", name, err)
		}
		if len(seen) != len(keys) {
			t.Fatalf("%s: got %v", name, seen)
		}
		for i := range keys {
			if seen[i] != keys[i] {
				t.Fatalf("%s: order %v", name, seen)
			}
		}
		_ = st.Close()
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bot.db")
	cfg := Config{Driver: "file", Path: path, CompactEvery: 2}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, k := range []string{"a", "b", "c"} {
		if err := st.Upsert(ctx, KindReminders, k, Fields{"eventUtcMs": int64(42)}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if err := st.Delete(ctx, KindReminders, "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Close without compaction to exercise journal replay as well.
	fs := st.(*fileStore)
	fs.mu.Lock()
	_ = fs.journal.Close()
	fs.journal = nil
	fs.mu.Unlock()

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	p, err := st.List(ctx, KindReminders, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(p.Records) != 2 || p.Records[0].Key != "a" || p.Records[1].Key != "c" {
		t.Fatalf("unexpected records after reopen: %+v", p.Records)
	}
	if asInt64(t, p.Records[0].Fields["eventUtcMs"]) != 42 {
		t.Fatalf("number lost precision: %#v", p.Records[0].Fields)
	}
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if st != nil || err != nil {
		t.Fatalf("expected disabled store, got %v %v", st, err)
	}
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
