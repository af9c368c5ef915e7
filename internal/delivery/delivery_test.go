package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"eventbot/internal/apperr"
	"eventbot/internal/reminder"
	"eventbot/internal/task/engine"
	"eventbot/internal/task/scheduler"
	"eventbot/internal/timeutil"
	"eventbot/internal/transport"
)

type fakeSender struct {
	mu         sync.Mutex
	resolveErr error
	sendErr    error
	sent       []string
}

func (f *fakeSender) ResolveChannel(_ context.Context, ref string) (transport.ChatTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return transport.ChatTarget{}, f.resolveErr
	}
	return transport.ParseChatRef(ref)
}

func (f *fakeSender) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return transport.MessageRef{}, f.sendErr
	}
	f.sent = append(f.sent, text)
	return transport.MessageRef{MessageID: len(f.sent)}, nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeSender) set(resolveErr, sendErr error) {
	f.mu.Lock()
	f.resolveErr, f.sendErr = resolveErr, sendErr
	f.mu.Unlock()
}

// inlineDispatch runs tasks on the calling goroutine.
type inlineDispatch struct{}

func (inlineDispatch) Enqueue(t engine.Task) error {
	_ = t.Run(context.Background())
	return nil
}

type fakeTriggers struct {
	mu   sync.Mutex
	once map[string]scheduler.Job
	at   map[string]time.Time
	poll time.Duration
}

func newFakeTriggers() *fakeTriggers {
	return &fakeTriggers{once: map[string]scheduler.Job{}, at: map[string]time.Time{}}
}

func (f *fakeTriggers) AddInterval(name string, every, _ time.Duration, _ scheduler.Job) error {
	f.mu.Lock()
	f.poll = every
	f.mu.Unlock()
	return nil
}

func (f *fakeTriggers) AddOnce(name string, at time.Time, _ time.Duration, job scheduler.Job) error {
	f.mu.Lock()
	f.once[name] = job
	f.at[name] = at
	f.mu.Unlock()
	return nil
}

func (f *fakeTriggers) RemovePrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for name := range f.once {
		if strings.HasPrefix(name, prefix) {
			delete(f.once, name)
			delete(f.at, name)
			n++
		}
	}
	return n
}

func (f *fakeTriggers) job(name string) (scheduler.Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.once[name]
	return j, ok
}

type harness struct {
	clk      *clockwork.FakeClock
	store    *reminder.Store
	sender   *fakeSender
	triggers *fakeTriggers
	sched    *Scheduler
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clk := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	n := 0
	store := reminder.New(nil, reminder.Options{Clock: clk, NewID: func() string {
		n++
		return fmt.Sprintf("r%03d", n)
	}})
	h := &harness{clk: clk, store: store, sender: &fakeSender{}, triggers: newFakeTriggers()}
	h.sched = New(cfg, Options{
		Store:    store,
		Sender:   h.sender,
		Dispatch: inlineDispatch{},
		Triggers: h.triggers,
		Clock:    clk,
		Zones:    timeutil.DefaultZones(),
	})
	return h
}

func (h *harness) spec(at time.Time, title string) reminder.Spec {
	z := timeutil.DefaultZones()
	return reminder.Spec{
		ChannelRef:  "-1001",
		Title:       title,
		ServerTime:  z.FormatServer(at),
		DisplayTime: z.FormatDisplay(at),
		EventAt:     at,
		CreatedBy:   "42",
	}
}

func TestFiveMinuteThenStart(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	at := h.clk.Now().Add(10 * time.Minute)
	r, err := h.sched.Register(ctx, h.spec(at, "Raid"), false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := h.sender.messages(); len(got) != 0 {
		t.Fatalf("nothing is due yet, sent %v", got)
	}

	h.sched.Tick(ctx, at.Add(-5*time.Minute))
	got := h.sender.messages()
	if len(got) != 1 || !strings.Contains(got[0], "5 minutes left.") {
		t.Fatalf("expected the early notice, got %v", got)
	}
	if cur, _ := h.store.Get(r.ID); !cur.Sent5Min || cur.SentStart {
		t.Fatalf("unexpected latches %+v", cur)
	}

	h.sched.Tick(ctx, at.Add(-4*time.Minute))
	if len(h.sender.messages()) != 1 {
		t.Fatalf("early notice must be sent once")
	}

	h.sched.Tick(ctx, at)
	got = h.sender.messages()
	if len(got) != 2 || !strings.Contains(got[1], "starts now.") {
		t.Fatalf("expected the start notice, got %v", got)
	}

	rep := h.sched.Tick(ctx, at.Add(30*time.Second))
	if rep.Completed != 1 || h.store.Len() != 0 {
		t.Fatalf("completed reminder should be swept, report %+v len %d", rep, h.store.Len())
	}
}

func TestBothDueSendsStartOnly(t *testing.T) {
	h := newHarness(t, Config{})
	r, err := h.sched.Register(context.Background(), h.spec(h.clk.Now().Add(-10*time.Second), "Late"), false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	got := h.sender.messages()
	if len(got) != 1 || !strings.Contains(got[0], "starts now.") {
		t.Fatalf("expected only the start notice, got %v", got)
	}
	cur, err := h.store.Get(r.ID)
	if err != nil || !cur.Completed() {
		t.Fatalf("both latches should be set: %+v %v", cur, err)
	}
}

func TestStaleSweep(t *testing.T) {
	h := newHarness(t, Config{})
	if _, err := h.store.Create(h.spec(h.clk.Now().Add(-2*time.Minute), "Missed")); err != nil {
		t.Fatalf("create: %v", err)
	}
	rep := h.sched.Tick(context.Background(), h.clk.Now())
	if rep.Stale != 1 || h.store.Len() != 0 {
		t.Fatalf("stale reminder should be swept, report %+v", rep)
	}
	if len(h.sender.messages()) != 0 {
		t.Fatalf("stale reminders are never sent")
	}
}

func TestChannelGoneDeletes(t *testing.T) {
	h := newHarness(t, Config{})
	h.sender.set(fmt.Errorf("chat lookup: %w", transport.ErrChannelGone), nil)
	r, err := h.sched.Register(context.Background(), h.spec(h.clk.Now().Add(time.Minute), "Gone"), false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := h.store.Get(r.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("reminder for a vanished chat should be deleted, got %v", err)
	}
	if _, ok := h.triggers.job(timerName(r.ID, StageStart)); ok {
		t.Fatalf("timers should be disarmed")
	}
}

func TestSendFailureRetriesNextTick(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.sender.set(nil, &apperr.TransportError{Op: "send", Err: errors.New("502")})
	r, err := h.sched.Register(ctx, h.spec(h.clk.Now().Add(2*time.Minute), "Flaky"), false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if cur, _ := h.store.Get(r.ID); cur.Sent5Min {
		t.Fatalf("latch must stay unset after a failed send")
	}

	h.sender.set(nil, nil)
	h.sched.Tick(ctx, h.clk.Now().Add(30*time.Second))
	if got := h.sender.messages(); len(got) != 1 {
		t.Fatalf("expected retry on next tick, got %v", got)
	}
	if cur, _ := h.store.Get(r.ID); !cur.Sent5Min {
		t.Fatalf("latch should be set after the retry")
	}
}

func TestCancelDisarms(t *testing.T) {
	h := newHarness(t, Config{Timers: true})
	r, err := h.sched.Register(context.Background(), h.spec(h.clk.Now().Add(time.Hour), "Later"), false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, st := range []Stage{StageFiveMin, StageStart} {
		if _, ok := h.triggers.job(timerName(r.ID, st)); !ok {
			t.Fatalf("timer %s not armed", st)
		}
	}
	if _, err := h.sched.Cancel(r.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, ok := h.triggers.job(timerName(r.ID, StageStart)); ok {
		t.Fatalf("cancel should disarm timers")
	}
	if _, err := h.sched.Cancel(r.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("second cancel: want ErrNotFound, got %v", err)
	}
}

func TestCancelledReminderNeverSends(t *testing.T) {
	h := newHarness(t, Config{Timers: true})
	ctx := context.Background()
	at := h.clk.Now().Add(10 * time.Minute)
	r, err := h.sched.Register(ctx, h.spec(at, "Called off"), false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	var jobs []scheduler.Job
	for _, st := range []Stage{StageFiveMin, StageStart} {
		j, ok := h.triggers.job(timerName(r.ID, st))
		if !ok {
			t.Fatalf("timer %s not armed", st)
		}
		jobs = append(jobs, j)
	}
	if _, err := h.sched.Cancel(r.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Walk past both trigger instants; a timer already handed to the
	// scheduler may still fire.
	for _, step := range []time.Duration{5 * time.Minute, 5 * time.Minute, 30 * time.Second} {
		h.clk.Advance(step)
		h.sched.Tick(ctx, h.clk.Now())
		for _, j := range jobs {
			_ = j(ctx)
		}
	}
	if got := h.sender.messages(); len(got) != 0 {
		t.Fatalf("cancelled reminder was delivered: %v", got)
	}
}

func TestRegisterDuplicateNeedsForce(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	at := h.clk.Now().Add(time.Hour)
	first, err := h.sched.Register(ctx, h.spec(at, "Raid"), false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = h.sched.Register(ctx, h.spec(at, "Raid again"), false)
	var dup *reminder.DuplicateError
	if !errors.As(err, &dup) || dup.Existing.ID != first.ID {
		t.Fatalf("expected duplicate of %s, got %v", first.ID, err)
	}
	if _, err := h.sched.Register(ctx, h.spec(at, "Raid again"), true); err != nil {
		t.Fatalf("forced register: %v", err)
	}
	if h.store.Len() != 2 {
		t.Fatalf("expected 2 reminders, got %d", h.store.Len())
	}
}

func TestMalformedChannelRefDeletes(t *testing.T) {
	h := newHarness(t, Config{})
	spec := h.spec(h.clk.Now().Add(time.Minute), "Nowhere")
	spec.ChannelRef = "general"
	r, err := h.sched.Register(context.Background(), spec, false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := h.store.Get(r.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("reminder with an unparseable channel should be deleted at once, got %v", err)
	}
}

func TestTimerEvaluatesOnFire(t *testing.T) {
	h := newHarness(t, Config{Timers: true})
	ctx := context.Background()
	r, _ := h.sched.Register(ctx, h.spec(h.clk.Now().Add(20*time.Minute), "Timed"), false)

	job, ok := h.triggers.job(timerName(r.ID, StageFiveMin))
	if !ok {
		t.Fatalf("early timer not armed")
	}
	// A timer firing early must not bypass eligibility.
	_ = job(ctx)
	if len(h.sender.messages()) != 0 {
		t.Fatalf("timer fired before the trigger instant sent a notice")
	}
	h.clk.Advance(15 * time.Minute)
	_ = job(ctx)
	if got := h.sender.messages(); len(got) != 1 {
		t.Fatalf("expected one notice after the timer, got %v", got)
	}
}

func TestTimerCap(t *testing.T) {
	h := newHarness(t, Config{Timers: true})
	r, err := h.sched.Register(context.Background(), h.spec(h.clk.Now().Add(30*24*time.Hour), "Far"), false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := h.triggers.job(timerName(r.ID, StageStart)); ok {
		t.Fatalf("timers beyond the cap must not be armed")
	}
}

func TestStartRegistersPollAndCatchesUp(t *testing.T) {
	h := newHarness(t, Config{PollInterval: 30 * time.Second})
	if _, err := h.store.Create(h.spec(h.clk.Now().Add(3*time.Minute), "Soon")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.sched.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.triggers.poll != 30*time.Second {
		t.Fatalf("poll job not registered, interval %s", h.triggers.poll)
	}
	if len(h.sender.messages()) != 1 {
		t.Fatalf("start should evaluate immediately")
	}
}

func TestRenderEscapesAndPrefixes(t *testing.T) {
	h := newHarness(t, Config{MentionPrefix: "@here"})
	at := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	r := reminder.Reminder{Title: "<Boss> & co", ServerTime: "06/01 12:00", DisplayTime: "06/01 23:00", EventAt: at}
	got := h.sched.render(r, StageStart)
	want := "@here\n⏰ <b>Event Reminder</b>\nTitle: &lt;Boss&gt; &amp; co\nServer time 06/01 12:00 (JST 06/01 23:00) — starts now."
	if got != want {
		t.Fatalf("render:\n got %q\nwant %q", got, want)
	}
}
