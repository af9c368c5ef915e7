package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"eventbot/internal/apperr"
	kit "eventbot/internal/transport"
)

const telegramTextLimit = 4000

// chatLimiter keeps one token bucket per chat. Buckets idle for an hour are
// dropped on the next access.
type chatLimiter struct {
	mu    sync.Mutex
	rate  rate.Limit
	burst int
	m     map[int64]*limEntry
	sweep time.Time
}

type limEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newChatLimiter(perSec float64, burst int) *chatLimiter {
	return &chatLimiter{rate: rate.Limit(perSec), burst: burst, m: map[int64]*limEntry{}}
}

func (l *chatLimiter) wait(ctx context.Context, chatID int64) error {
	now := time.Now()
	l.mu.Lock()
	if now.Sub(l.sweep) > time.Hour {
		for id, e := range l.m {
			if now.Sub(e.seen) > time.Hour {
				delete(l.m, id)
			}
		}
		l.sweep = now
	}
	e := l.m[chatID]
	if e == nil {
		e = &limEntry{lim: rate.NewLimiter(l.rate, l.burst)}
		l.m[chatID] = e
	}
	e.seen = now
	lim := e.lim
	l.mu.Unlock()
	return lim.Wait(ctx)
}

// splitTelegramText splits long messages on newline boundaries and, in
// HTML mode, avoids cutting inside a tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) sendOptions(to kit.ChatTarget, opt *kit.SendOptions, first bool) *tele.SendOptions {
	so := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}
	if !first {
		return so
	}
	if opt.ReplyTo != 0 {
		so.ReplyTo = &tele.Message{ID: opt.ReplyTo, Chat: &tele.Chat{ID: to.ChatID}}
		so.AllowWithoutReply = true
	}
	if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok && rm != nil {
		so.ReplyMarkup = rm
	}
	return so
}

// SendText sends text, split into several messages when needed. Markup and
// reply target apply to the first part. The returned ref is the first part.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if err := a.limits.wait(ctx, to.ChatID); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, a.sendOptions(to, opt, i == 0))
		if err != nil {
			return first, classify("send", err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// EditText replaces a message. Without markup the inline keyboard is removed.
// Overflow beyond one message is sent as new messages.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)

	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	so := &tele.SendOptions{ParseMode: opt.ParseMode, DisableWebPagePreview: opt.DisablePreview}
	if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok && rm != nil {
		so.ReplyMarkup = rm
	}
	if _, err := a.bot.Edit(m, chunks[0], so); err != nil && !errors.Is(err, tele.ErrSameMessageContent) {
		return classify("edit", err)
	}
	if len(chunks) > 1 {
		rest := strings.Join(chunks[1:], "\n")
		_, err := a.SendText(ctx, kit.ChatTarget{ChatID: ref.ChatID, ThreadID: ref.ThreadID}, rest, &kit.SendOptions{ParseMode: opt.ParseMode, DisablePreview: opt.DisablePreview})
		return err
	}
	return nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text}); err != nil {
		return classify("answer_callback", err)
	}
	return nil
}

// SendLog delivers a log line to the ops chat.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// goneErrors mean the bot can no longer post to the chat.
var goneErrors = []error{
	tele.ErrChatNotFound,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
}

// classify maps a telebot error onto the transport taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, g := range goneErrors {
		if errors.Is(err, g) {
			return fmt.Errorf("%s: %w: %v", op, kit.ErrChannelGone, err)
		}
	}
	low := strings.ToLower(err.Error())
	if strings.Contains(low, "chat not found") || strings.Contains(low, "bot was kicked") ||
		strings.Contains(low, "topic_closed") || strings.Contains(low, "topic_deleted") ||
		strings.Contains(low, "not a member of the channel") || strings.Contains(low, "upgraded to a supergroup") ||
		strings.Contains(low, "have no rights to send") {
		return fmt.Errorf("%s: %w: %v", op, kit.ErrChannelGone, err)
	}
	return &apperr.TransportError{Op: op, Err: err}
}
