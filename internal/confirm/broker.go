// Package confirm holds duplicate-registration proposals until a user
// approves or rejects them.
package confirm

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"eventbot/internal/apperr"
	"eventbot/internal/eventbus"
	"eventbot/internal/reminder"
)

const DefaultTTL = 10 * time.Minute

// DefaultMax bounds live proposals; the oldest is evicted beyond it.
const DefaultMax = 5000

var ErrFull = errors.New("confirm: no free token")

type Options struct {
	TTL   time.Duration
	Max   int
	Clock clockwork.Clock
	Bus   eventbus.Bus
}

// Pending is a proposal awaiting a decision.
type Pending struct {
	ID        string
	Spec      reminder.Spec
	CreatedAt time.Time
}

// Broker is never persisted; a restart drops every proposal.
type Broker struct {
	mu      sync.Mutex
	pending map[string]Pending
	ttl     time.Duration
	max     int
	clock   clockwork.Clock
	bus     eventbus.Bus
}

func New(opt Options) *Broker {
	if opt.TTL <= 0 {
		opt.TTL = DefaultTTL
	}
	if opt.Max <= 0 {
		opt.Max = DefaultMax
	}
	if opt.Clock == nil {
		opt.Clock = clockwork.NewRealClock()
	}
	return &Broker{
		pending: map[string]Pending{},
		ttl:     opt.TTL,
		max:     opt.Max,
		clock:   opt.Clock,
		bus:     opt.Bus,
	}
}

func (b *Broker) TTL() time.Duration { return b.ttl }

// Propose stores spec and returns a confirm id. Ids are 8 url-safe
// characters so they fit in callback data next to a route prefix.
func (b *Broker) Propose(spec reminder.Spec) (string, error) {
	now := b.clock.Now()
	var buf [6]byte
	for i := 0; i < 8; i++ {
		if _, err := rand.Read(buf[:]); err != nil {
			return "", err
		}
		id := base64.RawURLEncoding.EncodeToString(buf[:])

		b.mu.Lock()
		if _, exists := b.pending[id]; exists {
			b.mu.Unlock()
			continue
		}
		b.pending[id] = Pending{ID: id, Spec: spec, CreatedAt: now}
		b.evictLocked(now)
		b.mu.Unlock()

		eventbus.Emit(b.bus, eventbus.ConfirmProposed, eventbus.ConfirmEvent{ConfirmID: id, ChannelRef: spec.ChannelRef})
		return id, nil
	}
	return "", ErrFull
}

// Resolve removes the proposal and returns its spec. A missing, already
// resolved or expired id yields apperr.ErrExpired, so of two concurrent
// calls exactly one succeeds.
func (b *Broker) Resolve(id string) (reminder.Spec, error) {
	now := b.clock.Now()
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return reminder.Spec{}, apperr.ErrExpired
	}
	if b.expired(p, now) {
		eventbus.Emit(b.bus, eventbus.ConfirmExpired, eventbus.ConfirmEvent{ConfirmID: id, ChannelRef: p.Spec.ChannelRef})
		return reminder.Spec{}, apperr.ErrExpired
	}
	eventbus.Emit(b.bus, eventbus.ConfirmResolved, eventbus.ConfirmEvent{ConfirmID: id, ChannelRef: p.Spec.ChannelRef})
	return p.Spec, nil
}

// Reject drops the proposal. It reports whether a live proposal was removed.
func (b *Broker) Reject(id string) bool {
	now := b.clock.Now()
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	return ok && !b.expired(p, now)
}

// Peek returns a live proposal without consuming it.
func (b *Broker) Peek(id string) (Pending, bool) {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok || b.expired(p, now) {
		return Pending{}, false
	}
	return p, true
}

// Sweep drops expired proposals and returns how many were removed.
func (b *Broker) Sweep() int {
	now := b.clock.Now()
	var gone []Pending
	b.mu.Lock()
	for id, p := range b.pending {
		if b.expired(p, now) {
			delete(b.pending, id)
			gone = append(gone, p)
		}
	}
	b.mu.Unlock()
	for _, p := range gone {
		eventbus.Emit(b.bus, eventbus.ConfirmExpired, eventbus.ConfirmEvent{ConfirmID: p.ID, ChannelRef: p.Spec.ChannelRef})
	}
	return len(gone)
}

func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broker) expired(p Pending, now time.Time) bool {
	return now.Sub(p.CreatedAt) > b.ttl
}

func (b *Broker) evictLocked(now time.Time) {
	if len(b.pending) <= b.max {
		return
	}
	for id, p := range b.pending {
		if b.expired(p, now) {
			delete(b.pending, id)
		}
	}
	for len(b.pending) > b.max {
		var oldest string
		var at time.Time
		for id, p := range b.pending {
			if oldest == "" || p.CreatedAt.Before(at) {
				oldest, at = id, p.CreatedAt
			}
		}
		delete(b.pending, oldest)
	}
}
