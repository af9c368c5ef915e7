// Package adapter connects the bot to Telegram through telebot.
package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "eventbot/internal/runtime/supervisor"
	kit "eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// SendRate and SendBurst bound outgoing messages per chat.
	SendRate  float64
	SendBurst int
	// ResolveTTL caches successful chat lookups.
	ResolveTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.SendRate <= 0 {
		c.SendRate = 1
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 5
	}
	if c.ResolveTTL <= 0 {
		c.ResolveTTL = 10 * time.Minute
	}
	return c
}

// allowedUpdates must list message_reaction explicitly; Telegram does not
// deliver reactions by default.
var allowedUpdates = []string{"message", "edited_message", "callback_query", "message_reaction"}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop, drop reporter and stop watcher. Created on Start.
	sup *rtsup.Supervisor

	droppedUpdates uint64

	limits   *chatLimiter
	resolved *resolveCache

	menuMu   sync.Mutex
	menuHash uint64
	http     *http.Client
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	cfg = cfg.withDefaults()
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout, AllowedUpdates: allowedUpdates},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:      cfg,
		log:      log.Component("telegram.adapter"),
		bot:      b,
		limits:   newChatLimiter(cfg.SendRate, cfg.SendBurst),
		resolved: newResolveCache(cfg.ResolveTTL),
		http:     &http.Client{Timeout: 8 * time.Second},
	}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Supervisor returns the adapter's internal supervisor, nil if not started.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// Username is the bot's @name without the at sign.
func (a *Adapter) Username() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func (a *Adapter) registerHandlers() {
	onMessage := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: convertMessage(m, a.selfID())})
		return nil
	}
	// Handlers forward to the current output channel; Start may swap it.
	a.bot.Handle(tele.OnText, onMessage)
	a.bot.Handle(tele.OnPhoto, onMessage)

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil || m.Chat == nil {
			return nil
		}
		a.sendUpdate(kit.Update{
			Kind: kit.UpdateCallback,
			Callback: &kit.Callback{
				ID:        cb.ID,
				ChatID:    m.Chat.ID,
				ThreadID:  m.ThreadID,
				FromID:    cb.Sender.ID,
				MessageID: m.ID,
				Data:      strings.TrimPrefix(cb.Data, "\f"),
			},
		})
		return nil
	})

	a.bot.Handle(tele.OnReaction, func(c tele.Context) error {
		r := c.Update().MessageReaction
		if r == nil || r.Chat == nil {
			return nil
		}
		added := addedEmojis(r.OldReaction, r.NewReaction)
		if len(added) == 0 {
			return nil
		}
		var uid int64
		if r.User != nil {
			uid = r.User.ID
		}
		a.sendUpdate(kit.Update{
			Kind: kit.UpdateReaction,
			Reaction: &kit.Reaction{
				ChatID:    r.Chat.ID,
				MessageID: r.MessageID,
				UserID:    uid,
				Added:     added,
			},
		})
		return nil
	})
}

func (a *Adapter) selfID() int64 {
	if a.bot == nil || a.bot.Me == nil {
		return 0
	}
	return a.bot.Me.ID
}

func convertMessage(m *tele.Message, self int64) *kit.Message {
	out := &kit.Message{
		ID:       m.ID,
		ChatID:   m.Chat.ID,
		ThreadID: m.ThreadID,
		Text:     m.Text,
		Caption:  m.Caption,
		IsGroup:  m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
	}
	if m.Sender != nil {
		out.FromID = m.Sender.ID
		out.FromUsername = m.Sender.Username
		out.FromBot = self != 0 && m.Sender.ID == self
	}
	if m.Photo != nil {
		out.PhotoFileID = m.Photo.FileID
	}
	if m.ReplyTo != nil && m.ReplyTo.Chat != nil {
		out.ReplyTo = convertMessage(m.ReplyTo, self)
	}
	return out
}

// addedEmojis returns emoji reactions present in next but not in prev.
// Custom emoji and paid reactions are ignored.
func addedEmojis(prev, next []tele.Reaction) []string {
	had := make(map[string]bool, len(prev))
	for _, r := range prev {
		had[r.Emoji] = true
	}
	var out []string
	for _, r := range next {
		if r.Type != "emoji" || r.Emoji == "" || had[r.Emoji] {
			continue
		}
		out = append(out, r.Emoji)
	}
	return out
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		// Adapter errors must not take down the app.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	report := func() {
		if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
			a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
		}
	}
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// telebot's Start loops until Stop; restart it if it ever returns early.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started", logx.String("bot", a.Username()))
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop never blocks shutdown for long on the getUpdates long poll.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", atomic.LoadUint64(&a.droppedUpdates)))
	if sup == nil {
		return nil
	}
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		if sup.Context().Err() != nil {
			a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
			return nil
		}
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}
