package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	kit "eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

type resolveCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[int64]time.Time
}

func newResolveCache(ttl time.Duration) *resolveCache {
	return &resolveCache{ttl: ttl, m: map[int64]time.Time{}}
}

func (c *resolveCache) fresh(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.m[id]
	return ok && time.Since(at) < c.ttl
}

func (c *resolveCache) mark(id int64) {
	c.mu.Lock()
	c.m[id] = time.Now()
	c.mu.Unlock()
}

func (c *resolveCache) forget(id int64) {
	c.mu.Lock()
	delete(c.m, id)
	c.mu.Unlock()
}

// ResolveChannel checks the chat behind ref is still reachable. Lookups are
// cached for ResolveTTL; a gone chat is never cached.
func (a *Adapter) ResolveChannel(ctx context.Context, ref string) (kit.ChatTarget, error) {
	to, err := kit.ParseChatRef(ref)
	if err != nil {
		return kit.ChatTarget{}, fmt.Errorf("%w: %w", kit.ErrChannelGone, err)
	}
	if a.resolved.fresh(to.ChatID) {
		return to, nil
	}
	if err := ctx.Err(); err != nil {
		return kit.ChatTarget{}, err
	}
	if _, err := a.bot.ChatByID(to.ChatID); err != nil {
		a.resolved.forget(to.ChatID)
		return kit.ChatTarget{}, classify("resolve", err)
	}
	a.resolved.mark(to.ChatID)
	return to, nil
}

// FileURL resolves a file id to a download URL. The URL embeds the bot
// token and must not be logged.
func (a *Adapter) FileURL(ctx context.Context, fileID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := a.bot.FileByID(fileID)
	if err != nil {
		return "", classify("get_file", err)
	}
	a.log.Debug("file located", logx.String("file_id", fileID), logx.Any("size", f.FileSize))
	return a.bot.URL + "/file/bot" + a.cfg.Token + "/" + f.FilePath, nil
}
