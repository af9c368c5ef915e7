// Package bot binds the event and translation services to Telegram
// commands, inline buttons and router hooks.
package bot

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"eventbot/internal/confirm"
	"eventbot/internal/events"
	"eventbot/internal/reminder"
	"eventbot/internal/task/engine"
	"eventbot/internal/task/scheduler"
	"eventbot/internal/translate"
	"eventbot/internal/transport"
	"eventbot/internal/transport/telegram/router"
	logx "eventbot/pkg/logx"
)

const commandTimeout = 30 * time.Second

type Options struct {
	Events    *events.Service
	Translate *translate.Pipeline
	Prefs     *translate.LangSettings

	// Read-only sources for /status. Any may be nil.
	Store       *reminder.Store
	Broker      *confirm.Broker
	Engine      *engine.Service
	Scheduler   *scheduler.Service
	Cache       *translate.Cache
	Supervisors *router.SupervisorRegistry

	Clock clockwork.Clock
	Log   logx.Logger
}

type Handlers struct {
	ev      *events.Service
	tr      *translate.Pipeline
	prefs   *translate.LangSettings
	opt     Options
	clock   clockwork.Clock
	started time.Time
	log     logx.Logger
}

func New(opt Options) *Handlers {
	if opt.Clock == nil {
		opt.Clock = clockwork.NewRealClock()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	return &Handlers{
		ev:      opt.Events,
		tr:      opt.Translate,
		prefs:   opt.Prefs,
		opt:     opt,
		clock:   opt.Clock,
		started: opt.Clock.Now(),
		log:     opt.Log.Component("bot"),
	}
}

func (h *Handlers) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "event",
			Aliases:     []string{"e"},
			Description: "register an event reminder (server time)",
			Usage:       "/event MM/DD HH:mm <title>",
			Timeout:     commandTimeout,
			Handle:      h.cmdEvent,
		},
		{
			Route:       "eventcancel",
			Description: "cancel an event reminder by id",
			Usage:       "/eventcancel <id>",
			Timeout:     commandTimeout,
			Handle:      h.cmdEventCancel,
		},
		{
			Route:       "eventlist",
			Description: "list event reminders in this chat",
			Usage:       "/eventlist",
			Timeout:     commandTimeout,
			Handle:      h.cmdEventList,
		},
		{
			Route:       "lang",
			Description: "set your language for the ✍ reaction",
			Usage:       "/lang [code|flag]",
			Timeout:     commandTimeout,
			Handle:      h.cmdLang,
		},
		{
			Route:       "tr",
			Description: "translate the replied message",
			Usage:       "/tr [code|flag] (as a reply)",
			Timeout:     commandTimeout,
			Handle:      h.cmdTranslate,
		},
		{
			Route:       "status",
			Description: "bot health",
			Usage:       "/status",
			Access:      router.AccessOwnerOnly,
			Timeout:     commandTimeout,
			Handle:      h.cmdStatus,
		},
	}
}

func (h *Handlers) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{
			Prefix:      confirmPrefix,
			Action:      confirmAction,
			Description: "duplicate event confirmation",
			Access:      router.CallbackAccessEveryone,
			Timeout:     commandTimeout,
			Handle:      h.cbConfirm,
		},
	}
}

// Hooks feeds router traffic into the translation pipeline.
func (h *Handlers) Hooks() router.Hooks {
	if h.tr == nil {
		return router.Hooks{}
	}
	return router.Hooks{
		OnMessage: h.tr.Observe,
		OnReaction: func(ctx context.Context, r transport.Reaction) {
			if err := h.tr.HandleReaction(ctx, r); err != nil {
				h.log.Warn("reaction translate failed",
					logx.Int64("chat_id", r.ChatID),
					logx.Int("msg_id", r.MessageID),
					logx.Err(err),
				)
			}
		},
		OnHelpSent: func(to transport.ChatTarget, ref transport.MessageRef, text string) {
			h.tr.RememberHelp(to, ref.MessageID, text)
		},
		HelpFooter: h.helpFooter,
	}
}
