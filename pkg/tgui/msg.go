package tgui

import (
	"context"
	"strings"

	kit "eventbot/internal/transport"

	tele "gopkg.in/telebot.v4"
)

// Message is rendered text plus its send options.
type Message struct {
	Text string
	Opt  *kit.SendOptions
}

func (m Message) opts(replyTo int) *kit.SendOptions {
	o := kit.SendOptions{}
	if m.Opt != nil {
		o = *m.Opt
	}
	if replyTo != 0 {
		o.ReplyTo = replyTo
	}
	return &o
}

// Send posts the message, as a reply when replyTo is non-zero.
func (m Message) Send(ctx context.Context, ad kit.Adapter, to kit.ChatTarget, replyTo int) (kit.MessageRef, error) {
	return ad.SendText(ctx, to, m.Text, m.opts(replyTo))
}

// Edit replaces the text (and keyboard) of ref.
func (m Message) Edit(ctx context.Context, ad kit.Adapter, ref kit.MessageRef) error {
	return ad.EditText(ctx, ref, m.Text, m.opts(0))
}

// Builder assembles an HTML message line by line. Text arguments are
// escaped; H arguments are not.
type Builder struct {
	rm    *tele.ReplyMarkup
	lines []string
}

func New() *Builder { return &Builder{} }

func (b *Builder) Inline(kb *Inline) *Builder {
	if kb == nil {
		b.rm = nil
		return b
	}
	b.rm = kb.Markup()
	return b
}

// Title adds a bold line with an optional leading emoji.
func (b *Builder) Title(emoji, title string) *Builder {
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	if e := strings.TrimSpace(emoji); e != "" {
		b.lines = append(b.lines, Esc(e).String()+" "+B(t).String())
		return b
	}
	b.lines = append(b.lines, B(t).String())
	return b
}

func (b *Builder) Line(s string) *Builder {
	b.lines = append(b.lines, Esc(s).String())
	return b
}

func (b *Builder) HTML(h H) *Builder {
	b.lines = append(b.lines, h.String())
	return b
}

func (b *Builder) Blank() *Builder { return b.Line("") }

// KV adds "key: value" with the key in bold.
func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	if key == "" {
		return b
	}
	b.lines = append(b.lines, B(key).String()+": "+Esc(strings.TrimSpace(value)).String())
	return b
}

func (b *Builder) Bullets(items ...string) *Builder {
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			b.Line("• " + it)
		}
	}
	return b
}

func (b *Builder) Build() Message {
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if b.rm != nil {
		opt.ReplyMarkupAdapter = b.rm
	}
	return Message{Text: strings.Trim(strings.Join(b.lines, "\n"), "\n"), Opt: opt}
}
