package reminder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"eventbot/internal/apperr"
	"eventbot/internal/storage"
	logx "eventbot/pkg/logx"
)

const writeTimeout = 5 * time.Second

type mirrorOp struct {
	del     bool
	inline  bool // delete applied from the caller because the queue was full
	key     string
	fields  storage.Fields
	barrier chan struct{}
}

// mirror applies durable writes in FIFO order on one goroutine. Until Run
// starts, writes are applied inline.
type mirror struct {
	st      storage.Store
	q       chan mirrorOp
	running atomic.Bool
	log     logx.Logger

	// applyMu serializes writes from run and inline deletes. gone holds
	// keys deleted inline; queued upserts for them are skipped.
	applyMu sync.Mutex
	gone    map[string]struct{}

	failures atomic.Uint64
	dropped  atomic.Uint64
}

func newMirror(st storage.Store, size int, log logx.Logger) *mirror {
	if size <= 0 {
		size = 1024
	}
	return &mirror{st: st, q: make(chan mirrorOp, size), log: log, gone: map[string]struct{}{}}
}

func (m *mirror) put(key string, f storage.Fields) { m.enqueue(mirrorOp{key: key, fields: f}) }
func (m *mirror) del(key string)                   { m.enqueue(mirrorOp{del: true, key: key}) }

func (m *mirror) enqueue(op mirrorOp) {
	if m == nil || m.st == nil {
		return
	}
	if !m.running.Load() {
		m.apply(op)
		return
	}
	select {
	case m.q <- op:
		return
	default:
	}
	if !op.del {
		// The next latch change rewrites the record.
		m.dropped.Add(1)
		m.log.Warn("mirror queue full, write dropped", logx.String("key", op.key))
		return
	}
	// A lost delete would bring the reminder back on reload.
	m.log.Warn("mirror queue full, deleting inline", logx.String("key", op.key))
	op.inline = true
	m.apply(op)
}

func (m *mirror) run(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case op := <-m.q:
			m.apply(op)
		}
	}
}

func (m *mirror) drain() {
	for {
		select {
		case op := <-m.q:
			m.apply(op)
		default:
			return
		}
	}
}

func (m *mirror) apply(op mirrorOp) {
	if op.barrier != nil {
		close(op.barrier)
		return
	}
	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	if op.inline {
		m.gone[op.key] = struct{}{}
	} else if _, ok := m.gone[op.key]; ok && !op.del {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	var err error
	if op.del {
		err = m.st.Delete(ctx, storage.KindReminders, op.key)
	} else {
		err = m.st.Upsert(ctx, storage.KindReminders, op.key, op.fields)
	}
	if err != nil {
		m.failures.Add(1)
		name := "upsert"
		if op.del {
			name = "delete"
		}
		perr := &apperr.PersistenceError{Op: name, Kind: storage.KindReminders, Key: op.key, Err: err}
		m.log.Warn("durable mirror write failed", logx.Err(perr))
	}
}

// flush waits until every write queued before the call is applied.
func (m *mirror) flush(ctx context.Context) error {
	if m == nil || m.st == nil || !m.running.Load() {
		return nil
	}
	b := make(chan struct{})
	select {
	case m.q <- mirrorOp{barrier: b}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
