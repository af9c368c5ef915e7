package translate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"eventbot/internal/storage"
	"eventbot/internal/task/engine"
	"eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

func TestLangLookup(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"🇯🇵", "ja", true},
		{"🇬🇧", "en", true},
		{"🇺🇸\ufe0f", "en", true},
		{"ZH-tw", "zh-TW", true},
		{"vi", "vi", true},
		{"🇫🇷", "", false},
		{"👍", "", false},
	}
	for _, tc := range cases {
		l, ok := LookupLang(tc.in)
		if ok != tc.ok || l.Code != tc.want {
			t.Fatalf("LookupLang(%q) = %q %v, want %q %v", tc.in, l.Code, ok, tc.want, tc.ok)
		}
	}
	if !strings.Contains(FlagSummary(), "🇺🇸/🇬🇧 English") {
		t.Fatalf("summary should group flags per language: %s", FlagSummary())
	}
}

func TestCacheTTLAndBound(t *testing.T) {
	clk := clockwork.NewFakeClock()
	c := NewCache(2, time.Hour*24, clk)
	c.Remember(Entry{ChatID: 1, MessageID: 1, Text: "a"})
	c.Remember(Entry{ChatID: 1, MessageID: 2, Text: "help", FromBot: true, IsHelp: true})

	clk.Advance(2 * time.Hour)
	if _, ok := c.Lookup(1, 2); ok {
		t.Fatalf("help entry should expire after an hour")
	}
	if _, ok := c.Lookup(1, 1); !ok {
		t.Fatalf("regular entry should still be live")
	}
	c.Remember(Entry{ChatID: 1, MessageID: 3})
	c.Remember(Entry{ChatID: 1, MessageID: 4})
	if _, ok := c.Lookup(1, 1); ok {
		t.Fatalf("oldest entry should be evicted past the bound")
	}
}

func TestOpenAIClientRequest(t *testing.T) {
	var got chatRequest
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer k" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		raw = body
		b, _ := json.Marshal(body)
		_ = json.Unmarshal(b, &got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  こんにちは \n"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(ClientConfig{APIKey: "k", BaseURL: srv.URL + "/"})
	ja, _ := LookupLang("ja")
	out, err := c.Translate(context.Background(), Request{Text: "hello", Lang: ja})
	if err != nil || out != "こんにちは" {
		t.Fatalf("translate: %q %v", out, err)
	}
	if got.Model != DefaultModel || got.Temperature != 0.3 || got.MaxTokens != 1000 {
		t.Fatalf("unexpected request parameters %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("text requests carry a system prompt: %+v", got.Messages)
	}

	if _, err := c.Translate(context.Background(), Request{ImageURL: "https://x/img.jpg", Lang: ja}); err != nil {
		t.Fatalf("image translate: %v", err)
	}
	msgs := raw["messages"].([]any)
	parts := msgs[0].(map[string]any)["content"].([]any)
	if len(parts) != 2 || parts[1].(map[string]any)["type"] != "image_url" {
		t.Fatalf("image requests carry an image_url part: %v", parts)
	}
}

func TestOpenAIClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"quota"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	en, _ := LookupLang("en")
	if _, err := NewOpenAIClient(ClientConfig{}).Translate(context.Background(), Request{Text: "x", Lang: en}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("missing key: got %v", err)
	}
	_, err := NewOpenAIClient(ClientConfig{APIKey: "k", BaseURL: srv.URL}).Translate(context.Background(), Request{Text: "x", Lang: en})
	if err == nil || !strings.Contains(err.Error(), "API") || !strings.Contains(err.Error(), "429") {
		t.Fatalf("status error should name the API: %v", err)
	}
}

type fakeTranslator struct {
	mu    sync.Mutex
	calls int
	err   error
	gate  chan struct{}
}

func (f *fakeTranslator) Translate(ctx context.Context, req Request) (string, error) {
	f.mu.Lock()
	f.calls++
	gate, err := f.gate, f.err
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return "", err
	}
	if req.ImageURL != "" {
		return "[" + req.Lang.Code + "] image of " + req.ImageURL, nil
	}
	return "[" + req.Lang.Code + "] " + req.Text, nil
}

func (f *fakeTranslator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sent struct {
	to      transport.ChatTarget
	text    string
	replyTo int
}

type fakeOut struct {
	mu   sync.Mutex
	msgs []sent
}

func (f *fakeOut) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{to: to, text: text, replyTo: opt.ReplyTo})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 1000 + len(f.msgs)}, nil
}

func (f *fakeOut) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.msgs...)
}

type fakeFiles struct{}

func (fakeFiles) FileURL(_ context.Context, id string) (string, error) {
	return "https://files/" + id, nil
}

type inlineDispatch struct{}

func (inlineDispatch) Enqueue(t engine.Task) error {
	err := t.Run(context.Background())
	if t.OnDone != nil {
		t.OnDone(err)
	}
	return nil
}

type asyncDispatch struct{ wg sync.WaitGroup }

func (d *asyncDispatch) Enqueue(t engine.Task) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := t.Run(context.Background())
		if t.OnDone != nil {
			t.OnDone(err)
		}
	}()
	return nil
}

func newPipeline(tr *fakeTranslator, d Dispatcher, prefs *LangSettings) (*Pipeline, *fakeOut) {
	out := &fakeOut{}
	p := New(Config{Enabled: true}, Options{
		Translator: tr,
		Files:      fakeFiles{},
		Out:        out,
		Prefs:      prefs,
		Dispatch:   d,
	})
	return p, out
}

func TestReactionTranslatesText(t *testing.T) {
	tr := &fakeTranslator{}
	p, out := newPipeline(tr, inlineDispatch{}, nil)
	p.Observe(&transport.Message{ID: 7, ChatID: -5, ThreadID: 3, Text: "hello"})

	if err := p.HandleReaction(context.Background(), transport.Reaction{ChatID: -5, MessageID: 7, UserID: 1, Added: []string{"👍", "🇯🇵"}}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	msgs := out.all()
	if len(msgs) != 1 {
		t.Fatalf("expected one reply, got %v", msgs)
	}
	want := "🇯🇵 Japanese translation:\n[ja] hello"
	if msgs[0].text != want || msgs[0].replyTo != 7 || msgs[0].to.ThreadID != 3 {
		t.Fatalf("unexpected reply %+v", msgs[0])
	}
}

func TestReactionIgnoredAndUnknown(t *testing.T) {
	tr := &fakeTranslator{}
	p, out := newPipeline(tr, inlineDispatch{}, nil)
	ctx := context.Background()

	_ = p.HandleReaction(ctx, transport.Reaction{ChatID: 1, MessageID: 1, Added: []string{"🔥"}})
	if len(out.all()) != 0 {
		t.Fatalf("non-flag reactions are ignored")
	}

	_ = p.HandleReaction(ctx, transport.Reaction{ChatID: 1, MessageID: 99, Added: []string{"🇰🇷"}})
	if msgs := out.all(); len(msgs) != 1 || msgs[0].text != msgUnknown {
		t.Fatalf("unknown message should get a short reply, got %v", msgs)
	}

	p.Observe(&transport.Message{ID: 2, ChatID: 1, Text: "⏰ Event Reminder", FromBot: true})
	_ = p.HandleReaction(ctx, transport.Reaction{ChatID: 1, MessageID: 2, Added: []string{"🇰🇷"}})
	if tr.count() != 0 {
		t.Fatalf("bot messages other than help are not translated")
	}

	p.Observe(&transport.Message{ID: 3, ChatID: 1})
	_ = p.HandleReaction(ctx, transport.Reaction{ChatID: 1, MessageID: 3, Added: []string{"🇰🇷"}})
	if msgs := out.all(); msgs[len(msgs)-1].text != msgNothing {
		t.Fatalf("empty message should report nothing to translate, got %v", msgs)
	}
}

func TestHelpMessageTranslated(t *testing.T) {
	tr := &fakeTranslator{}
	p, out := newPipeline(tr, inlineDispatch{}, nil)
	p.RememberHelp(transport.ChatTarget{ChatID: 1}, 50, "Commands")
	_ = p.HandleReaction(context.Background(), transport.Reaction{ChatID: 1, MessageID: 50, Added: []string{"🇻🇳"}})
	if msgs := out.all(); len(msgs) != 1 || !strings.HasSuffix(msgs[0].text, "[vi] Commands") {
		t.Fatalf("help should be translated, got %v", msgs)
	}
}

func TestTextAndImageCombined(t *testing.T) {
	tr := &fakeTranslator{}
	p, out := newPipeline(tr, inlineDispatch{}, nil)
	p.Observe(&transport.Message{ID: 4, ChatID: 1, Caption: "look", PhotoFileID: "ph1"})
	_ = p.HandleReaction(context.Background(), transport.Reaction{ChatID: 1, MessageID: 4, Added: []string{"🇮🇩"}})
	want := "🇮🇩 Indonesian translation:\ntext:\n[id] look\n\nimage:\n[id] image of https://files/ph1"
	if msgs := out.all(); len(msgs) != 1 || msgs[0].text != want {
		t.Fatalf("got %v", msgs)
	}
}

func TestOneTranslationPerMessage(t *testing.T) {
	tr := &fakeTranslator{gate: make(chan struct{})}
	d := &asyncDispatch{}
	p, out := newPipeline(tr, d, nil)
	p.Observe(&transport.Message{ID: 8, ChatID: 1, Text: "hi"})
	ctx := context.Background()

	_ = p.HandleReaction(ctx, transport.Reaction{ChatID: 1, MessageID: 8, Added: []string{"🇯🇵"}})
	if !p.InFlight(1, 8) {
		t.Fatalf("message should be marked in flight")
	}
	_ = p.HandleReaction(ctx, transport.Reaction{ChatID: 1, MessageID: 8, Added: []string{"🇺🇸"}})
	close(tr.gate)
	d.wg.Wait()

	if tr.count() != 1 || len(out.all()) != 1 {
		t.Fatalf("expected a single translation, calls=%d replies=%d", tr.count(), len(out.all()))
	}
	if p.InFlight(1, 8) {
		t.Fatalf("in-flight mark should be cleared")
	}
}

func startEngine(t *testing.T, maxDelay time.Duration) (*engine.Service, chan struct{}) {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 1, MaxQueueDelay: maxDelay}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	// Occupy the only worker until the returned channel is closed.
	release, started := make(chan struct{}), make(chan struct{})
	_ = eng.Enqueue(engine.Task{Name: "busy", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started
	return eng, release
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestQueuedTranslationKeepsGuard(t *testing.T) {
	eng, release := startEngine(t, 0)
	tr := &fakeTranslator{}
	out := &fakeOut{}
	p := New(Config{Enabled: true, JobTimeout: 5 * time.Millisecond}, Options{Translator: tr, Files: fakeFiles{}, Out: out, Dispatch: eng})
	p.Observe(&transport.Message{ID: 4, ChatID: 1, Text: "hi"})
	ctx := context.Background()

	_ = p.HandleReaction(ctx, transport.Reaction{ChatID: 1, MessageID: 4, Added: []string{"🇯🇵"}})
	// Queued far longer than the job timeout.
	time.Sleep(40 * time.Millisecond)
	_ = p.HandleReaction(ctx, transport.Reaction{ChatID: 1, MessageID: 4, Added: []string{"🇯🇵"}})
	close(release)

	waitUntil(t, func() bool { return !p.InFlight(1, 4) })
	if tr.count() != 1 {
		t.Fatalf("a queued translation must block a second one, calls=%d", tr.count())
	}
}

func TestStaleDroppedTranslationReleasesGuard(t *testing.T) {
	eng, release := startEngine(t, 10*time.Millisecond)
	tr := &fakeTranslator{}
	out := &fakeOut{}
	p := New(Config{Enabled: true}, Options{Translator: tr, Files: fakeFiles{}, Out: out, Dispatch: eng})
	p.Observe(&transport.Message{ID: 5, ChatID: 1, Text: "hi"})
	ctx := context.Background()

	_ = p.HandleReaction(ctx, transport.Reaction{ChatID: 1, MessageID: 5, Added: []string{"🇯🇵"}})
	if !p.InFlight(1, 5) {
		t.Fatalf("message should be marked in flight")
	}
	time.Sleep(30 * time.Millisecond)
	close(release)

	waitUntil(t, func() bool { return !p.InFlight(1, 5) })
	if tr.count() != 0 {
		t.Fatalf("dropped task must not translate")
	}
	_ = p.HandleReaction(ctx, transport.Reaction{ChatID: 1, MessageID: 5, Added: []string{"🇯🇵"}})
	waitUntil(t, func() bool { return tr.count() == 1 && !p.InFlight(1, 5) })
}

func TestAPIFailureReply(t *testing.T) {
	tr := &fakeTranslator{err: errors.New("OpenAI API error (status 401): invalid key")}
	p, out := newPipeline(tr, inlineDispatch{}, nil)
	p.Observe(&transport.Message{ID: 9, ChatID: 1, Text: "hi"})
	_ = p.HandleReaction(context.Background(), transport.Reaction{ChatID: 1, MessageID: 9, Added: []string{"🇯🇵"}})
	if msgs := out.all(); len(msgs) != 1 || msgs[0].text != msgAPIFailure {
		t.Fatalf("got %v", msgs)
	}

	tr.err = errors.New("timeout")
	p.Observe(&transport.Message{ID: 10, ChatID: 1, Text: "hi"})
	_ = p.HandleReaction(context.Background(), transport.Reaction{ChatID: 1, MessageID: 10, Added: []string{"🇯🇵"}})
	if msgs := out.all(); msgs[1].text != "Translation failed: timeout" {
		t.Fatalf("got %q", msgs[1].text)
	}
}

func TestGenericReactionUsesSavedLang(t *testing.T) {
	st := storage.NewMemory()
	prefs := NewLangSettings(st, loggerForTest())
	if _, err := prefs.Set(context.Background(), 42, "🇰🇷"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := prefs.Set(context.Background(), 42, "fr"); err == nil {
		t.Fatalf("unsupported language should be rejected")
	}

	reloaded := NewLangSettings(st, loggerForTest())
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if l, ok := reloaded.Get(42); !ok || l.Code != "ko" {
		t.Fatalf("saved language not reloaded: %+v %v", l, ok)
	}

	tr := &fakeTranslator{}
	p, out := newPipeline(tr, inlineDispatch{}, reloaded)
	p.Observe(&transport.Message{ID: 11, ChatID: 1, Text: "hi"})
	_ = p.HandleReaction(context.Background(), transport.Reaction{ChatID: 1, MessageID: 11, UserID: 42, Added: []string{DefaultReactionEmoji + "\ufe0f"}})
	if msgs := out.all(); len(msgs) != 1 || !strings.HasPrefix(msgs[0].text, "🇰🇷 Korean translation:") {
		t.Fatalf("got %v", msgs)
	}
	_ = p.HandleReaction(context.Background(), transport.Reaction{ChatID: 1, MessageID: 11, UserID: 7, Added: []string{DefaultReactionEmoji}})
	if len(out.all()) != 1 {
		t.Fatalf("users without a saved language are ignored")
	}
}

func loggerForTest() logx.Logger { return logx.Nop() }
