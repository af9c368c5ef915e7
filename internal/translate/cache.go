package translate

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultCacheSize = 2048
	DefaultCacheTTL  = 24 * time.Hour
	HelpTTL          = time.Hour
)

// Entry is what the bot remembers of a message. Reaction updates carry no
// content, so translation works from this.
type Entry struct {
	ChatID      int64
	ThreadID    int
	MessageID   int
	Text        string
	PhotoFileID string
	FromBot     bool
	IsHelp      bool

	expires time.Time
}

type cacheKey struct {
	chat int64
	msg  int
}

// Cache is a bounded LRU of recent messages with a per-entry TTL.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache
	ttl   time.Duration
	clock clockwork.Clock
}

func NewCache(size int, ttl time.Duration, clock clockwork.Clock) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{lru: lru.New(size), ttl: ttl, clock: clock}
}

func (c *Cache) Remember(e Entry) {
	ttl := c.ttl
	if e.IsHelp {
		ttl = HelpTTL
	}
	e.expires = c.clock.Now().Add(ttl)
	c.mu.Lock()
	c.lru.Add(cacheKey{e.ChatID, e.MessageID}, e)
	c.mu.Unlock()
}

// Lookup returns a live entry. Expired entries are dropped on access.
func (c *Cache) Lookup(chatID int64, msgID int) (Entry, bool) {
	k := cacheKey{chatID, msgID}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(k)
	if !ok {
		return Entry{}, false
	}
	e := v.(Entry)
	if !c.clock.Now().Before(e.expires) {
		c.lru.Remove(k)
		return Entry{}, false
	}
	return e, true
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
