package bot

import (
	"context"
	"strings"

	"eventbot/internal/apperr"
	"eventbot/internal/translate"
	"eventbot/internal/transport/telegram/router"
	"eventbot/pkg/tgui"
)

const (
	msgTranslateOff = "Translation is disabled."
	msgTrUsage      = "Reply to a message with /tr <code|flag>, or set a default with /lang."
)

func (h *Handlers) cmdLang(ctx context.Context, req *router.Request) error {
	if h.prefs == nil || h.tr == nil || !h.tr.Enabled() {
		_, err := req.Reply(ctx, msgTranslateOff, nil)
		return err
	}
	if len(req.Args) == 0 {
		cur := "not set"
		if l, ok := h.prefs.Get(req.FromID); ok {
			cur = l.Flag() + " " + l.Label
		}
		_, err := req.Reply(ctx, "Your translation language: "+cur+"\nAvailable: "+translate.FlagSummary(), nil)
		return err
	}
	l, err := h.prefs.Set(ctx, req.FromID, req.Args[0])
	if err != nil {
		if apperr.IsUserFacing(err) {
			_, rerr := req.Reply(ctx, "❌ "+apperr.UserMessage(err), nil)
			return rerr
		}
		_, _ = req.Reply(ctx, msgInternal, nil)
		return err
	}
	_, err = req.Reply(ctx, "Translation language set to "+l.Flag()+" "+l.Label+
		".\nReact with "+h.tr.ReactionEmoji()+" to translate a message into it.", nil)
	return err
}

func (h *Handlers) cmdTranslate(ctx context.Context, req *router.Request) error {
	if h.tr == nil || !h.tr.Enabled() {
		_, err := req.Reply(ctx, msgTranslateOff, nil)
		return err
	}
	if req.Message == nil || req.Message.ReplyTo == nil {
		_, err := req.Reply(ctx, msgTrUsage, nil)
		return err
	}
	var (
		l  translate.Lang
		ok bool
	)
	if len(req.Args) > 0 {
		l, ok = translate.LookupLang(req.Args[0])
	} else if h.prefs != nil {
		l, ok = h.prefs.Get(req.FromID)
	}
	if !ok {
		_, err := req.Reply(ctx, msgTrUsage+"\nAvailable: "+translate.FlagSummary(), nil)
		return err
	}
	return h.tr.TranslateMessage(ctx, req.Message.ReplyTo, l)
}

func (h *Handlers) helpFooter() string {
	if h.tr == nil || !h.tr.Enabled() {
		return ""
	}
	return strings.Join([]string{
		"🌐 " + tgui.B("Translate").String(),
		"React to a message with a flag to get it translated:",
		tgui.Esc(translate.FlagSummary()).String(),
		"Or pick a language with " + tgui.Code("/lang").String() + " and react with " + tgui.Esc(h.tr.ReactionEmoji()).String() + ".",
	}, "\n")
}
