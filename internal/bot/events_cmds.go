package bot

import (
	"context"
	"strconv"
	"strings"

	"eventbot/internal/events"
	"eventbot/internal/transport/telegram/router"
	logx "eventbot/pkg/logx"
	"eventbot/pkg/tgui"
)

const (
	confirmPrefix = "event"
	confirmAction = "confirm"
	confirmAdd    = "add"
	confirmCancel = "cancel"
)

const (
	msgEventUsage    = "Usage: /event MM/DD HH:mm <title>\nTime is server time (UTC-2), e.g. /event 03/05 20:00 Guild raid"
	msgCancelUsage   = "Usage: /eventcancel <id>\nIds are shown by /eventlist."
	msgInternal      = "Something went wrong while handling the command. Check the input and try again."
	msgConfirmGone   = "This confirmation has expired or was already handled."
	msgConfirmCancel = "Cancelled adding the event reminder."
)

func (h *Handlers) cmdEvent(ctx context.Context, req *router.Request) error {
	when, title, ok := splitWhenTitle(req.ArgText)
	if !ok {
		_, err := req.Reply(ctx, msgEventUsage, nil)
		return err
	}
	res, err := h.ev.RegisterEvent(ctx, events.RegisterInput{
		ChannelRef: req.Chat.Ref(),
		GuildRef:   strconv.FormatInt(req.Chat.ChatID, 10),
		UserRef:    strconv.FormatInt(req.FromID, 10),
		When:       when,
		Title:      title,
	})
	if err != nil {
		_, _ = req.Reply(ctx, msgInternal, nil)
		return err
	}

	switch res.Outcome {
	case events.Accepted:
		_, err = req.ReplyHTML(ctx, h.renderRegistered(res.Reminder).String())
	case events.NeedsConfirmation:
		var m tgui.Message
		m, err = h.renderDuplicate(res)
		if err != nil {
			return err
		}
		_, err = m.Send(ctx, req.Adapter, req.Chat, replyTo(req))
	default:
		_, err = req.Reply(ctx, "❌ "+res.Reason, nil)
	}
	return err
}

func (h *Handlers) cmdEventCancel(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		_, err := req.Reply(ctx, msgCancelUsage, nil)
		return err
	}
	res, err := h.ev.CancelEvent(ctx, req.Args[0])
	if err != nil {
		_, _ = req.Reply(ctx, msgInternal, nil)
		return err
	}
	switch res.Outcome {
	case events.Cancelled:
		req.Logger.Info("reminder cancelled", logx.String("id", res.Reminder.ID))
		_, err = req.ReplyHTML(ctx, h.renderCancelled(res.Reminder).String())
	case events.NotFound:
		_, err = req.Reply(ctx, msgNotFound, nil)
	default:
		_, err = req.Reply(ctx, "❌ "+res.Reason, nil)
	}
	return err
}

func (h *Handlers) cmdEventList(ctx context.Context, req *router.Request) error {
	l := h.ev.ListEvents(req.Chat.Ref())
	_, err := req.ReplyHTML(ctx, h.renderList(l).String())
	return err
}

// cbConfirm handles "event:confirm:<id>:add|cancel".
func (h *Handlers) cbConfirm(ctx context.Context, req *router.Request, payload string) error {
	id, action, _ := strings.Cut(payload, ":")
	var d events.Decision
	switch action {
	case confirmAdd:
		d = events.Approve
	case confirmCancel:
		d = events.Reject
	default:
		return req.Answer(ctx, "unknown action")
	}

	res, err := h.ev.DecideConfirmation(ctx, id, d, strconv.FormatInt(req.FromID, 10))
	if err != nil {
		_ = req.Answer(ctx, msgInternal)
		return err
	}

	var body string
	switch {
	case res.Outcome == events.Expired:
		_ = req.Answer(ctx, msgConfirmGone)
		body = tgui.Esc(msgConfirmGone).String()
	case res.Outcome == events.Accepted:
		body = h.renderAddedAnyway(res.Reminder).String()
	case d == events.Reject:
		body = tgui.Esc(msgConfirmCancel).String()
	default:
		body = tgui.Esc("❌ " + res.Reason).String()
	}
	return req.EditCallbackMessage(ctx, body)
}

// splitWhenTitle reads "MM/DD HH:mm title...". The title keeps its
// original spacing and line breaks.
func splitWhenTitle(s string) (when, title string, ok bool) {
	s = strings.TrimSpace(s)
	date, rest, ok1 := cutField(s)
	clock, rest, ok2 := cutField(rest)
	if !ok1 || !ok2 {
		return "", "", false
	}
	title = strings.TrimSpace(rest)
	if title == "" {
		return "", "", false
	}
	return date + " " + clock, title, true
}

func cutField(s string) (field, rest string, ok bool) {
	s = strings.TrimLeft(s, " \t\n\r")
	if s == "" {
		return "", "", false
	}
	i := strings.IndexAny(s, " \t\n\r")
	if i < 0 {
		return s, "", true
	}
	return s[:i], s[i:], true
}

func replyTo(req *router.Request) int {
	if req.Message == nil || !req.Message.IsGroup {
		return 0
	}
	return req.Message.ID
}
