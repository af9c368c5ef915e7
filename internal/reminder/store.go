package reminder

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"eventbot/internal/apperr"
	"eventbot/internal/eventbus"
	"eventbot/internal/storage"
	"eventbot/internal/timeutil"
	logx "eventbot/pkg/logx"
)

type Options struct {
	Clock     clockwork.Clock
	Horizon   time.Duration
	QueueSize int
	Bus       eventbus.Bus
	Log       logx.Logger
	// NewID overrides id allocation in tests.
	NewID func() string
}

// Store serializes every mutation through one mutex. The map is the
// source of truth while the process runs; st is a mirror read back by
// ReloadAll.
type Store struct {
	mu   sync.RWMutex
	byID map[string]Reminder
	seq  uint64

	st      storage.Store
	mirror  *mirror
	clock   clockwork.Clock
	horizon time.Duration
	bus     eventbus.Bus
	log     logx.Logger
	newID   func() string
}

// New returns a store mirrored to st. A nil st keeps reminders in memory only.
func New(st storage.Store, opt Options) *Store {
	if opt.Clock == nil {
		opt.Clock = clockwork.NewRealClock()
	}
	if opt.Horizon <= 0 {
		opt.Horizon = DefaultHorizon
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.NewID == nil {
		opt.NewID = timeutil.NewID
	}
	log := opt.Log.Component("reminder")
	return &Store{
		byID:    map[string]Reminder{},
		st:      st,
		mirror:  newMirror(st, opt.QueueSize, log),
		clock:   opt.Clock,
		horizon: opt.Horizon,
		bus:     opt.Bus,
		log:     log,
		newID:   opt.NewID,
	}
}

// Run drives the durable mirror until ctx is done, then applies whatever
// is still queued.
func (s *Store) Run(ctx context.Context) {
	s.mirror.run(ctx)
}

// Flush waits for queued durable writes.
func (s *Store) Flush(ctx context.Context) error { return s.mirror.flush(ctx) }

// Create inserts a reminder without looking for duplicates. Approved
// confirmations come through here.
func (s *Store) Create(spec Spec) (Reminder, error) { return s.create(spec, false) }

// CreateUnique inserts a reminder unless one already exists in the same
// channel at the same server time, in which case it returns a
// *DuplicateError naming the earliest one. The lookup and the insert share
// one lock hold.
func (s *Store) CreateUnique(spec Spec) (Reminder, error) { return s.create(spec, true) }

func (s *Store) create(spec Spec, unique bool) (Reminder, error) {
	spec.Title = strings.TrimSpace(spec.Title)
	switch {
	case spec.Title == "":
		return Reminder{}, apperr.Validation("title", "event title is required")
	case strings.TrimSpace(spec.ChannelRef) == "":
		return Reminder{}, apperr.Validation("channel", "channel is required")
	case spec.EventAt.IsZero():
		return Reminder{}, apperr.Validation("when", "event time is required")
	}
	if spec.EventAt.Sub(s.clock.Now()) > s.horizon {
		return Reminder{}, &apperr.OutOfRangeError{At: spec.EventAt, Limit: s.horizon}
	}

	s.mu.Lock()
	if unique {
		if existing, ok := s.findLocked(spec.ChannelRef, spec.ServerTime); ok {
			s.mu.Unlock()
			return Reminder{}, &DuplicateError{Existing: existing}
		}
	}
	s.seq++
	r := Reminder{
		ID:          s.newID(),
		ChannelRef:  spec.ChannelRef,
		GuildRef:    spec.GuildRef,
		Title:       spec.Title,
		ServerTime:  spec.ServerTime,
		DisplayTime: spec.DisplayTime,
		EventAt:     spec.EventAt.UTC(),
		CreatedBy:   spec.CreatedBy,
		seq:         s.seq,
	}
	s.byID[r.ID] = r
	s.mirror.put(r.ID, encode(r))
	s.mu.Unlock()

	s.log.Info("reminder created", logx.String("id", r.ID), logx.String("channel", r.ChannelRef), logx.Time("at", r.EventAt))
	eventbus.Emit(s.bus, eventbus.ReminderCreated, eventbus.ReminderEvent{ID: r.ID, ChannelRef: r.ChannelRef})
	return r, nil
}

func (s *Store) Get(id string) (Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return Reminder{}, apperr.ErrNotFound
	}
	return r, nil
}

// FindByDedupKey returns the earliest inserted reminder in channelRef at
// the given server time.
func (s *Store) FindByDedupKey(channelRef, serverTime string) (Reminder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(channelRef, serverTime)
}

func (s *Store) findLocked(channelRef, serverTime string) (Reminder, bool) {
	var best Reminder
	found := false
	for _, r := range s.byID {
		if r.ChannelRef != channelRef || r.ServerTime != serverTime {
			continue
		}
		if !found || r.seq < best.seq {
			best, found = r, true
		}
	}
	return best, found
}

// ListByChannel returns reminders for channelRef ordered by event time.
func (s *Store) ListByChannel(channelRef string) []Reminder {
	s.mu.RLock()
	out := make([]Reminder, 0, 8)
	for _, r := range s.byID {
		if r.ChannelRef == channelRef {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EventAt.Equal(out[j].EventAt) {
			return out[i].EventAt.Before(out[j].EventAt)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Snapshot returns every live reminder in insertion order.
func (s *Store) Snapshot() []Reminder {
	s.mu.RLock()
	out := make([]Reminder, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Update applies fn to a copy of the reminder and stores the result. Only
// the delivery latches survive; every other field is restored after fn.
func (s *Store) Update(id string, fn func(r *Reminder)) (Reminder, error) {
	s.mu.Lock()
	cur, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return Reminder{}, apperr.ErrNotFound
	}
	r := cur
	fn(&r)
	cur.Sent5Min, cur.SentStart = r.Sent5Min, r.SentStart
	r = cur
	s.byID[id] = r
	s.mirror.put(id, encode(r))
	s.mu.Unlock()

	eventbus.Emit(s.bus, eventbus.ReminderUpdated, eventbus.ReminderEvent{ID: id, ChannelRef: r.ChannelRef})
	return r, nil
}

func (s *Store) Delete(id string) (Reminder, error) {
	s.mu.Lock()
	r, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return Reminder{}, apperr.ErrNotFound
	}
	delete(s.byID, id)
	s.mirror.del(id)
	s.mu.Unlock()

	eventbus.Emit(s.bus, eventbus.ReminderDeleted, eventbus.ReminderEvent{ID: id, ChannelRef: r.ChannelRef})
	return r, nil
}

// ReloadAll replaces the index with the durable contents. Malformed records
// are logged and skipped.
func (s *Store) ReloadAll(ctx context.Context) (ReloadStats, error) {
	var stats ReloadStats
	if s.st == nil {
		return stats, nil
	}
	var loaded []Reminder
	err := storage.Each(ctx, s.st, storage.KindReminders, 200, func(rec storage.Record) error {
		r, err := decode(rec)
		if err != nil {
			stats.Skipped++
			s.log.Warn("skip malformed reminder record", logx.String("key", rec.Key), logx.Err(err))
			return nil
		}
		loaded = append(loaded, r)
		return nil
	})
	if err != nil {
		return stats, &apperr.PersistenceError{Op: "reload", Kind: storage.KindReminders, Err: err}
	}
	// Ids are time ordered, so this restores creation order.
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].ID < loaded[j].ID })

	s.mu.Lock()
	s.byID = make(map[string]Reminder, len(loaded))
	s.seq = 0
	for _, r := range loaded {
		s.seq++
		r.seq = s.seq
		s.byID[r.ID] = r
	}
	s.mu.Unlock()

	stats.Loaded = len(loaded)
	s.log.Info("reminders reloaded", logx.Int("loaded", stats.Loaded), logx.Int("skipped", stats.Skipped))
	return stats, nil
}
