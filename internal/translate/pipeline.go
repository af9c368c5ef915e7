// Package translate replies to a message with its translation when someone
// reacts to it with a flag emoji.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"eventbot/internal/eventbus"
	"eventbot/internal/task/engine"
	"eventbot/internal/transport"
	logx "eventbot/pkg/logx"
	"eventbot/pkg/tgui"
)

const (
	DefaultReactionEmoji = "✍"
	defaultJobTimeout    = 90 * time.Second
)

const (
	msgUnknown    = "I can't translate this message: I only remember messages posted while I was running."
	msgNothing    = "There is no text to translate."
	msgAPIFailure = "Translation API error. Check the API key and balance."
)

type Config struct {
	Enabled bool
	// ReactionEmoji translates into the reacting user's saved language.
	ReactionEmoji string
	JobTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.ReactionEmoji) == "" {
		c.ReactionEmoji = DefaultReactionEmoji
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaultJobTimeout
	}
	return c
}

// Replier posts the translation.
type Replier interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

type Dispatcher interface {
	Enqueue(t engine.Task) error
}

type Options struct {
	Cache      *Cache
	Translator Translator
	Files      transport.FileLocator
	Out        Replier
	Prefs      *LangSettings
	Dispatch   Dispatcher
	Clock      clockwork.Clock
	Bus        eventbus.Bus
	Log        logx.Logger
}

type Pipeline struct {
	cfgMu sync.RWMutex
	cfg   Config

	mu       sync.Mutex
	inflight map[string]struct{}

	cache    *Cache
	tr       Translator
	files    transport.FileLocator
	out      Replier
	prefs    *LangSettings
	dispatch Dispatcher
	bus      eventbus.Bus
	log      logx.Logger
}

func New(cfg Config, opt Options) *Pipeline {
	if opt.Clock == nil {
		opt.Clock = clockwork.NewRealClock()
	}
	if opt.Cache == nil {
		opt.Cache = NewCache(0, 0, opt.Clock)
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	return &Pipeline{
		cfg:      cfg.withDefaults(),
		inflight: map[string]struct{}{},
		cache:    opt.Cache,
		tr:       opt.Translator,
		files:    opt.Files,
		out:      opt.Out,
		prefs:    opt.Prefs,
		dispatch: opt.Dispatch,
		bus:      opt.Bus,
		log:      opt.Log.Component("translate"),
	}
}

func (p *Pipeline) Apply(cfg Config) {
	p.cfgMu.Lock()
	p.cfg = cfg.withDefaults()
	p.cfgMu.Unlock()
}

func (p *Pipeline) config() Config {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

// ReactionEmoji is the generic reaction that uses the saved language.
func (p *Pipeline) ReactionEmoji() string { return p.config().ReactionEmoji }

// Enabled reports whether reactions are acted on. A backend without an API
// key disables the pipeline.
func (p *Pipeline) Enabled() bool {
	if !p.config().Enabled || p.tr == nil {
		return false
	}
	if c, ok := p.tr.(interface{ IsConfigured() bool }); ok {
		return c.IsConfigured()
	}
	return true
}

// Observe remembers an incoming or outgoing message for later reactions.
func (p *Pipeline) Observe(m *transport.Message) {
	if m == nil || !p.Enabled() {
		return
	}
	p.cache.Remember(entryOf(m))
}

// RememberHelp records a help message the bot sent.
func (p *Pipeline) RememberHelp(to transport.ChatTarget, msgID int, text string) {
	p.cache.Remember(Entry{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msgID, Text: text, FromBot: true, IsHelp: true})
}

func entryOf(m *transport.Message) Entry {
	return Entry{
		ChatID:      m.ChatID,
		ThreadID:    m.ThreadID,
		MessageID:   m.ID,
		Text:        strings.TrimSpace(m.Body()),
		PhotoFileID: m.PhotoFileID,
		FromBot:     m.FromBot,
	}
}

// LangForReaction picks the target language from the newly added emojis.
// A flag wins; the generic reaction falls back to the user's saved language.
func (p *Pipeline) LangForReaction(r transport.Reaction) (Lang, string, bool) {
	generic := strings.ReplaceAll(p.config().ReactionEmoji, "\ufe0f", "")
	for _, e := range r.Added {
		if l, ok := LangForEmoji(e); ok {
			return l, strings.TrimSpace(e), true
		}
	}
	if p.prefs == nil {
		return Lang{}, "", false
	}
	for _, e := range r.Added {
		if strings.ReplaceAll(strings.TrimSpace(e), "\ufe0f", "") != generic {
			continue
		}
		if l, ok := p.prefs.Get(r.UserID); ok {
			return l, l.Flag(), true
		}
	}
	return Lang{}, "", false
}

// HandleReaction starts a translation when the reaction names a language.
// Reactions that map to no language are ignored.
func (p *Pipeline) HandleReaction(ctx context.Context, r transport.Reaction) error {
	if !p.Enabled() {
		return nil
	}
	l, flag, ok := p.LangForReaction(r)
	if !ok {
		return nil
	}
	e, known := p.cache.Lookup(r.ChatID, r.MessageID)
	if !known {
		return p.reply(ctx, Entry{ChatID: r.ChatID, MessageID: r.MessageID}, msgUnknown)
	}
	return p.start(ctx, e, l, flag)
}

// TranslateMessage translates m directly, e.g. for a reply command.
func (p *Pipeline) TranslateMessage(ctx context.Context, m *transport.Message, l Lang) error {
	if !p.Enabled() {
		return errors.New("translation is disabled")
	}
	if m == nil {
		return nil
	}
	e, known := p.cache.Lookup(m.ChatID, m.ID)
	if !known {
		e = entryOf(m)
	}
	return p.start(ctx, e, l, l.Flag())
}

func (p *Pipeline) start(ctx context.Context, e Entry, l Lang, flag string) error {
	if e.Text == "" && e.PhotoFileID == "" {
		return p.reply(ctx, e, msgNothing)
	}
	// Of the bot's own messages only help is translated.
	if e.FromBot && !e.IsHelp {
		return nil
	}

	key := strconv.FormatInt(e.ChatID, 10) + "/" + strconv.Itoa(e.MessageID)
	timeout := p.config().JobTimeout
	if !p.acquire(key) {
		p.log.Debug("translation already in progress", logx.String("msg", key))
		return nil
	}
	err := p.dispatch.Enqueue(engine.Task{
		Name:    "translate",
		Key:     "translate:" + key,
		Timeout: timeout,
		Opt:     engine.TaskOptions{RetryMax: -1},
		Run: func(ctx context.Context) error {
			return engine.NoRetry(p.run(ctx, e, l, flag))
		},
		OnDone: func(error) { p.release(key) },
	})
	if err != nil {
		p.release(key)
		p.log.Warn("translate dispatch failed", logx.String("msg", key), logx.Err(err))
		return err
	}
	return nil
}

// acquire inserts key into the in-flight set. The engine's OnDone hook
// removes it whatever the task's fate.
func (p *Pipeline) acquire(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[key]; busy {
		return false
	}
	p.inflight[key] = struct{}{}
	return true
}

func (p *Pipeline) release(key string) {
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}

// InFlight reports whether a translation of the message is running.
func (p *Pipeline) InFlight(chatID int64, msgID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[strconv.FormatInt(chatID, 10)+"/"+strconv.Itoa(msgID)]
	return ok
}

func (p *Pipeline) run(ctx context.Context, e Entry, l Lang, flag string) error {
	var (
		wg                sync.WaitGroup
		textOut, imgOut   string
		textErr, imgErr   error
		wantText, wantImg = e.Text != "", e.PhotoFileID != "" && !e.FromBot
	)
	if wantText {
		wg.Add(1)
		go func() {
			defer wg.Done()
			textOut, textErr = p.tr.Translate(ctx, Request{Text: e.Text, Lang: l})
		}()
	}
	if wantImg {
		wg.Add(1)
		go func() {
			defer wg.Done()
			imgOut, imgErr = p.translateImage(ctx, e.PhotoFileID, l)
		}()
	}
	wg.Wait()

	err := errors.Join(textErr, imgErr)
	ev := eventbus.TranslateEvent{ChatID: e.ChatID, MessageID: e.MessageID, Lang: l.Code}
	if err != nil {
		p.log.Warn("translation failed", logx.Int64("chat", e.ChatID), logx.Int("msg", e.MessageID), logx.String("lang", l.Code), logx.Err(err))
		ev.Err = err.Error()
		eventbus.Emit(p.bus, eventbus.TranslateDone, ev)
		_ = p.reply(ctx, e, failureText(err))
		return err
	}

	body := textOut
	switch {
	case wantText && wantImg:
		body = "text:\n" + textOut + "\n\nimage:\n" + imgOut
	case wantImg:
		body = imgOut
	}
	out := fmt.Sprintf("%s %s translation:\n%s", flag, l.Label, body)
	if err := p.reply(ctx, e, tgui.TruncRunes(out, tgui.MaxMessageRunes)); err != nil {
		return err
	}
	p.log.Info("translated", logx.Int64("chat", e.ChatID), logx.Int("msg", e.MessageID), logx.String("lang", l.Code), logx.Bool("image", wantImg))
	eventbus.Emit(p.bus, eventbus.TranslateDone, ev)
	return nil
}

func (p *Pipeline) translateImage(ctx context.Context, fileID string, l Lang) (string, error) {
	if p.files == nil {
		return "", errors.New("image download not available")
	}
	url, err := p.files.FileURL(ctx, fileID)
	if err != nil {
		return "", fmt.Errorf("locate image: %w", err)
	}
	return p.tr.Translate(ctx, Request{ImageURL: url, Lang: l})
}

func failureText(err error) string {
	if strings.Contains(err.Error(), "API") {
		return msgAPIFailure
	}
	return tgui.TruncRunes("Translation failed: "+err.Error(), 500)
}

func (p *Pipeline) reply(ctx context.Context, e Entry, text string) error {
	to := transport.ChatTarget{ChatID: e.ChatID, ThreadID: e.ThreadID}
	_, err := p.out.SendText(ctx, to, text, &transport.SendOptions{ReplyTo: e.MessageID, DisablePreview: true})
	if err != nil {
		p.log.Warn("translate reply failed", logx.Int64("chat", e.ChatID), logx.Int("msg", e.MessageID), logx.Err(err))
	}
	return err
}
