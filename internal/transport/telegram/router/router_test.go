package router

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"eventbot/internal/apperr"
	kit "eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
	opt  kit.SendOptions
}

type fakeAdapter struct {
	mu       sync.Mutex
	name     string
	sent     []sent
	answers  []string
	nextMsgs int
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }
func (f *fakeAdapter) Username() string                               { return f.name }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := sent{to: to, text: text}
	if opt != nil {
		s.opt = *opt
	}
	f.sent = append(f.sent, s)
	f.nextMsgs++
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: 1000 + f.nextMsgs}, nil
}

func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	f.answers = append(f.answers, text)
	f.mu.Unlock()
	return nil
}

// drain runs every queued job on the calling goroutine.
func drain(m *CommandManager) {
	for {
		select {
		case job := <-m.jobs:
			job()
		default:
			return
		}
	}
}

func msgUpdate(text string, group bool) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: 7, ChatID: -100, ThreadID: 3, FromID: 42, Text: text, IsGroup: group,
	}}
}

func TestSplitCommandWord(t *testing.T) {
	cases := []struct {
		in, word, bot, rest string
	}{
		{"/event 03/05 20:00 Raid night", "event", "", "03/05 20:00 Raid night"},
		{"/Event@EventBot  x", "event", "EventBot", "x"},
		{"/event\n03/05 20:00 Raid", "event", "", "03/05 20:00 Raid"},
		{"/help", "help", "", ""},
		{"hello", "", "", ""},
	}
	for _, c := range cases {
		w, b, r := splitCommandWord(c.in)
		if w != c.word || b != c.bot || r != c.rest {
			t.Fatalf("%q: got (%q,%q,%q)", c.in, w, b, r)
		}
	}
}

func TestParseFlags(t *testing.T) {
	pos, flags, bools := parseFlags([]string{"a", "--lang=ja", "-v", "-100123", "--dry"})
	if !reflect.DeepEqual(pos, []string{"a", "-100123"}) {
		t.Fatalf("pos: %v", pos)
	}
	if flags["lang"] != "ja" || flags["v"] != "" {
		t.Fatalf("flags: %v", flags)
	}
	if !bools["dry"] {
		t.Fatalf("bools: %v", bools)
	}
}

func TestTokenizeQuotes(t *testing.T) {
	got := tokenizeCommandLine(`a "b c" d\ e`)
	if !reflect.DeepEqual(got, []string{"a", "b c", "d e"}) {
		t.Fatalf("got %v", got)
	}
}

func TestCommandCarriesArgTextAndRepliesInThread(t *testing.T) {
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, nil, Hooks{}, nil)
	var got *Request
	m.SetRegistry([]Command{{
		Route:   "event",
		Aliases: []string{"e"},
		Handle: func(ctx context.Context, req *Request) error {
			got = req
			_, err := req.Reply(ctx, "ok", nil)
			return err
		},
	}}, nil)

	m.routeMessage(context.Background(), msgUpdate(`/e 03/05 20:00 Bob's "raid"`, true))
	drain(m)

	if got == nil {
		t.Fatalf("handler not called")
	}
	if got.ArgText != `03/05 20:00 Bob's "raid"` {
		t.Fatalf("arg text: %q", got.ArgText)
	}
	if got.Command != "event" || got.Chat.ThreadID != 3 {
		t.Fatalf("request: %+v", got)
	}
	if len(ad.sent) != 1 || ad.sent[0].opt.ReplyTo != 7 || ad.sent[0].to.ThreadID != 3 {
		t.Fatalf("sent: %+v", ad.sent)
	}
}

func TestSubcommandTraversal(t *testing.T) {
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, nil, Hooks{}, nil)
	var path []string
	var argText string
	m.SetRegistry([]Command{{
		Route: "event list",
		Handle: func(_ context.Context, req *Request) error {
			path, argText = req.Path, req.ArgText
			return nil
		},
	}}, nil)
	m.routeMessage(context.Background(), msgUpdate("/event list all", false))
	drain(m)
	if !reflect.DeepEqual(path, []string{"event", "list"}) || argText != "all" {
		t.Fatalf("path=%v arg=%q", path, argText)
	}

	// the generated menu alias reaches the same leaf
	path = nil
	m.routeMessage(context.Background(), msgUpdate("/event_list", false))
	drain(m)
	if len(path) != 2 {
		t.Fatalf("menu alias not routed: %v", path)
	}
}

func TestUnknownCommand(t *testing.T) {
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, nil, Hooks{}, nil)
	m.SetRegistry(nil, nil)

	m.routeMessage(context.Background(), msgUpdate("/nope", true))
	if len(ad.sent) != 0 {
		t.Fatalf("group should stay quiet: %+v", ad.sent)
	}
	m.routeMessage(context.Background(), msgUpdate("/nope", false))
	if len(ad.sent) != 1 || ad.sent[0].text != msgUnknownCommand {
		t.Fatalf("private reply: %+v", ad.sent)
	}
}

func TestCommandForOtherBotIgnored(t *testing.T) {
	ad := &fakeAdapter{name: "EventBot"}
	m := NewCommandManager(logx.Nop(), ad, nil, Hooks{}, nil)
	called := 0
	m.SetRegistry([]Command{{Route: "ping", Handle: func(context.Context, *Request) error { called++; return nil }}}, nil)

	m.routeMessage(context.Background(), msgUpdate("/ping@OtherBot", true))
	m.routeMessage(context.Background(), msgUpdate("/ping@eventbot", true))
	drain(m)
	if called != 1 {
		t.Fatalf("called %d times", called)
	}
}

func TestOwnerOnlyCommand(t *testing.T) {
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, []int64{1}, Hooks{}, nil)
	called := false
	m.SetRegistry([]Command{{Route: "status", Access: AccessOwnerOnly, Handle: func(context.Context, *Request) error { called = true; return nil }}}, nil)

	m.routeMessage(context.Background(), msgUpdate("/status", false))
	drain(m)
	if called || len(ad.sent) != 1 || ad.sent[0].text != msgUnauthorized {
		t.Fatalf("called=%v sent=%+v", called, ad.sent)
	}

	m.SetOwners([]int64{42})
	m.routeMessage(context.Background(), msgUpdate("/status", false))
	drain(m)
	if !called {
		t.Fatalf("owner was refused")
	}
}

func TestCallbackRouting(t *testing.T) {
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, nil, Hooks{}, nil)
	var payload string
	m.SetRegistry(nil, []CallbackRoute{{
		Prefix: "event",
		Action: "confirm",
		Access: CallbackAccessEveryone,
		Handle: func(ctx context.Context, req *Request, p string) error {
			payload = p
			return req.Answer(ctx, "done")
		},
	}})

	up := kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb1", FromID: 9, ChatID: -100, Data: "event:confirm:abc:add"}}
	m.routeCallback(context.Background(), up)
	drain(m)

	if payload != "abc:add" {
		t.Fatalf("payload %q", payload)
	}
	if !reflect.DeepEqual(ad.answers, []string{"done"}) {
		t.Fatalf("callback must be answered once: %v", ad.answers)
	}
}

func TestCallbackOwnerOnlyByDefault(t *testing.T) {
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, []int64{1}, Hooks{}, nil)
	m.SetRegistry(nil, []CallbackRoute{{Prefix: "ops", Action: "x", Handle: func(context.Context, *Request, string) error {
		t.Fatalf("handler must not run")
		return nil
	}}})
	m.routeCallback(context.Background(), kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "c", FromID: 9, Data: "ops:x"}})
	drain(m)
	if !reflect.DeepEqual(ad.answers, []string{"forbidden"}) {
		t.Fatalf("answers %v", ad.answers)
	}
}

func TestHelpHooks(t *testing.T) {
	ad := &fakeAdapter{}
	var helpText string
	var helpRef kit.MessageRef
	var observed int
	hooks := Hooks{
		OnMessage:  func(*kit.Message) { observed++ },
		OnHelpSent: func(_ kit.ChatTarget, ref kit.MessageRef, text string) { helpRef, helpText = ref, text },
		HelpFooter: func() string { return "<b>Flags</b>: 🇯🇵 Japanese" },
	}
	m := NewCommandManager(logx.Nop(), ad, nil, hooks, nil)
	m.SetRegistry([]Command{{Route: "event", Description: "register an event <title>", Handle: func(context.Context, *Request) error { return nil }}}, nil)

	m.routeMessage(context.Background(), msgUpdate("!help", true))
	drain(m)

	if observed != 1 {
		t.Fatalf("observer saw %d messages", observed)
	}
	if len(ad.sent) != 1 || ad.sent[0].opt.ParseMode != "HTML" || ad.sent[0].opt.ReplyTo != 7 {
		t.Fatalf("help send: %+v", ad.sent)
	}
	if !strings.Contains(ad.sent[0].text, "register an event &lt;title&gt;") || !strings.Contains(ad.sent[0].text, "Flags") {
		t.Fatalf("help html: %q", ad.sent[0].text)
	}
	if helpRef.MessageID == 0 || strings.Contains(helpText, "<b>") || !strings.Contains(helpText, "register an event <title>") {
		t.Fatalf("hook got ref=%+v text=%q", helpRef, helpText)
	}
}

func TestReactionHook(t *testing.T) {
	ad := &fakeAdapter{}
	var got kit.Reaction
	m := NewCommandManager(logx.Nop(), ad, nil, Hooks{OnReaction: func(_ context.Context, r kit.Reaction) { got = r }}, nil)
	m.SetRegistry(nil, nil)

	m.routeUpdate(context.Background(), kit.Update{Kind: kit.UpdateReaction, Reaction: &kit.Reaction{ChatID: 1, MessageID: 2}})
	m.routeUpdate(context.Background(), kit.Update{Kind: kit.UpdateReaction, Reaction: &kit.Reaction{ChatID: 1, MessageID: 3, Added: []string{"👍"}}})
	drain(m)
	if got.MessageID != 3 {
		t.Fatalf("reaction %+v", got)
	}
}

func TestMenuCommands(t *testing.T) {
	root := newRoot()
	root.add([]string{"event"}, Command{Route: "event", Description: "register"})
	root.add([]string{"status"}, Command{Route: "status", Description: "health", Access: AccessOwnerOnly})
	cmds := []Command{{Route: "event list", Description: "list events"}}
	root.add([]string{"event", "list"}, cmds[0])

	got := menuCommands(root, cmds)
	want := []kit.BotCommand{
		{Command: "event", Description: "register"},
		{Command: "status", Description: "🔒 health"},
		{Command: "event_list", Description: "list events"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v", got)
	}
}

func TestCommandName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"event", "event"},
		{"Event List", "event_list"},
		{"event-cancel", "event_cancel"},
		{"a__b//c", "a_b_c"},
		{"_x_", "x"},
		{"2fa", "cmd_2fa"},
		{"日本", ""},
		{strings.Repeat("ab", 20), strings.Repeat("ab", 16)},
	}
	for _, c := range cases {
		if got := commandName(c.in); got != c.want {
			t.Fatalf("commandName(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestHelpPages(t *testing.T) {
	m := NewCommandManager(logx.Nop(), &fakeAdapter{}, nil, Hooks{}, nil)
	nop := func(context.Context, *Request) error { return nil }
	m.SetRegistry([]Command{
		{Route: "event", Description: "register", Aliases: []string{"e"}, Handle: nop},
		{Route: "event list", Description: "list events", Handle: nop},
		{Route: "admin restart", Description: "restart", Access: AccessOwnerOnly, Handle: nop},
	}, nil)

	index := m.helpText(nil)
	ev, adm := strings.Index(index, "<code>/event</code> - register"), strings.Index(index, "🔒 <code>/admin</code>")
	if ev < 0 || adm < 0 || ev > adm {
		t.Fatalf("index: %q", index)
	}

	page := m.helpText([]string{"event"})
	for _, want := range []string{"<code>/event</code>", "<b>Subcommands</b>", "<code>/event list</code> - list events", "<code>/e</code>"} {
		if !strings.Contains(page, want) {
			t.Fatalf("event page missing %q: %q", want, page)
		}
	}
	if got := m.helpText([]string{"e"}); got != page {
		t.Fatalf("alias page differs: %q", got)
	}

	group := m.helpText([]string{"admin"})
	if !strings.Contains(group, "Command group.") || !strings.Contains(group, "Owner only") {
		t.Fatalf("group page: %q", group)
	}
	if got := m.helpText([]string{"nope"}); got != helpUnknown {
		t.Fatalf("unknown: %q", got)
	}
}

func TestShortcuts(t *testing.T) {
	got := shortcuts(Command{Route: "event list", Aliases: []string{"el", "Ev-L", "two words", ""}})
	want := []string{"Ev-L", "el", "ev_l", "event_list"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v", got)
	}
}

func TestStandardChain(t *testing.T) {
	var buf bytes.Buffer
	log := logx.NewWriter(&buf, "debug")
	req := &Request{Command: "event"}

	err := standardChain(func(context.Context, *Request) error { panic("boom") }, log, 0)(context.Background(), req)
	if !errors.Is(err, ErrHandlerPanic) {
		t.Fatalf("panic: %v", err)
	}

	err = standardChain(func(ctx context.Context, _ *Request) error {
		<-ctx.Done()
		return ctx.Err()
	}, log, 10*time.Millisecond)(context.Background(), req)
	if !errors.Is(err, context.DeadlineExceeded) || !strings.Contains(buf.String(), "request timed out") {
		t.Fatalf("timeout: %v\n%s", err, buf.String())
	}

	buf.Reset()
	_ = standardChain(func(context.Context, *Request) error {
		return apperr.Validation("title", "title is required")
	}, log, 0)(context.Background(), req)
	if out := buf.String(); !strings.Contains(out, `"level":"debug"`) || !strings.Contains(out, "request rejected") {
		t.Fatalf("user error log: %s", out)
	}
}
