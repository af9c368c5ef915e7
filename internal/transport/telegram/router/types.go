package router

import (
	"context"
	"sync/atomic"
	"time"

	"eventbot/internal/runtime/supervisor"
	kit "eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g. "event" or "event list".
	Route       string
	Aliases     []string // root-level aliases, e.g. ["e"]
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackAccess controls who can trigger an inline-button callback.
// The zero value is owner-only; public buttons opt in explicitly.
type CallbackAccess int

const (
	CallbackAccessOwnerOnly CallbackAccess = iota
	CallbackAccessEveryone
)

// CallbackRoute handles callback data "prefix:action[:payload]".
type CallbackRoute struct {
	Prefix      string
	Action      string
	Description string
	Access      CallbackAccess
	Timeout     time.Duration
	Handle      CallbackHandlerFunc
}

// Hooks let other components observe traffic the router sees.
type Hooks struct {
	// OnMessage sees every incoming message before command routing.
	OnMessage func(m *kit.Message)
	// OnReaction handles reaction updates. It runs on a router worker.
	OnReaction func(ctx context.Context, r kit.Reaction)
	// OnHelpSent is told about help messages the bot posted, as plain text.
	OnHelpSent func(to kit.ChatTarget, ref kit.MessageRef, text string)
	// HelpFooter is appended to the top-level help.
	HelpFooter func() string
}

// Runtime exposes supervisors for operational commands. Fields may be nil.
type Runtime struct {
	AppSupervisor *supervisor.Supervisor
	Supervisors   *SupervisorRegistry
}

type Request struct {
	Update  kit.Update
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Path    []string // matched command path tokens
	Command string   // route or callback key
	Args    []string // positional args after flags are removed
	Payload string   // callback payload

	RawArgs   []string
	ArgText   string // everything after the command word, untokenized
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter     kit.Adapter
	Logger      logx.Logger
	OwnerUserID []int64

	answered atomic.Bool
}

func (r *Request) IsOwner() bool { return isOwner(r.FromID, r.OwnerUserID) }

// Reply posts to the request's chat. In groups it replies to the command
// message so the answer stays attached to it.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	o := kit.SendOptions{DisablePreview: true}
	if opt != nil {
		o = *opt
	}
	if o.ReplyTo == 0 && r.Message != nil && r.Message.IsGroup {
		o.ReplyTo = r.Message.ID
	}
	return r.Adapter.SendText(ctx, r.Chat, text, &o)
}

func (r *Request) ReplyHTML(ctx context.Context, html string) (kit.MessageRef, error) {
	return r.Reply(ctx, html, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
}

// Answer acknowledges a callback with an optional toast. Only the first
// call reaches Telegram.
func (r *Request) Answer(ctx context.Context, text string) error {
	cb := r.Update.Callback
	if cb == nil || !r.answered.CompareAndSwap(false, true) {
		return nil
	}
	return r.Adapter.AnswerCallback(ctx, cb.ID, text)
}

// EditCallbackMessage replaces the message carrying the pressed button.
func (r *Request) EditCallbackMessage(ctx context.Context, html string) error {
	cb := r.Update.Callback
	if cb == nil {
		return nil
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	return r.Adapter.EditText(ctx, ref, html, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
