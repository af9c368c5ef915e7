// Package transport defines the chat-platform neutral types shared by the
// adapter, the router and the reminder components.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrChannelGone reports a chat the bot can no longer reach (deleted,
// bot removed, topic closed).
var ErrChannelGone = errors.New("channel gone")

// ErrMalformedChatRef is returned by ParseChatRef. A reminder whose ref
// does not parse can never be delivered.
var ErrMalformedChatRef = errors.New("malformed chat ref")

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
	UpdateReaction UpdateKind = "reaction"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
	Reaction *Reaction
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	FromBot      bool // sent by this bot
	Text         string
	Caption      string
	PhotoFileID  string // largest photo size, empty if none
	IsGroup      bool
	ReplyTo      *Message // message this one replies to, if any
}

// Body is the text or, for media, the caption.
func (m *Message) Body() string {
	if m == nil {
		return ""
	}
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

// Reaction is a change of one user's reactions on a message. Added holds
// the emojis that are new in this update.
type Reaction struct {
	ChatID    int64
	MessageID int
	UserID    int64
	Added     []string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// Ref encodes the target as "chat" or "chat/thread". Reminders are scoped
// by this string.
func (t ChatTarget) Ref() string {
	if t.ThreadID == 0 {
		return strconv.FormatInt(t.ChatID, 10)
	}
	return strconv.FormatInt(t.ChatID, 10) + "/" + strconv.Itoa(t.ThreadID)
}

// ParseChatRef is the inverse of ChatTarget.Ref.
func ParseChatRef(ref string) (ChatTarget, error) {
	ref = strings.TrimSpace(ref)
	chat, thread, hasThread := strings.Cut(ref, "/")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || id == 0 {
		return ChatTarget{}, fmt.Errorf("%w %q", ErrMalformedChatRef, ref)
	}
	t := ChatTarget{ChatID: id}
	if hasThread {
		tid, err := strconv.Atoi(thread)
		if err != nil || tid <= 0 {
			return ChatTarget{}, fmt.Errorf("%w %q", ErrMalformedChatRef, ref)
		}
		t.ThreadID = tid
	}
	return t, nil
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyTo            int // message id to reply to, 0 for none
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// ChannelResolver checks that a chat is still reachable before a send.
type ChannelResolver interface {
	ResolveChannel(ctx context.Context, ref string) (ChatTarget, error)
}

// FileLocator turns a platform file id into a fetchable URL.
type FileLocator interface {
	FileURL(ctx context.Context, fileID string) (string, error)
}

// BotCommand is one entry of the platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
