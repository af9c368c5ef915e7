package events

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"eventbot/internal/confirm"
	"eventbot/internal/reminder"
)

// storeRegistrar registers straight into the store, without delivery.
type storeRegistrar struct{ st *reminder.Store }

func (r storeRegistrar) Register(_ context.Context, spec reminder.Spec, force bool) (reminder.Reminder, error) {
	if force {
		return r.st.Create(spec)
	}
	return r.st.CreateUnique(spec)
}

func (r storeRegistrar) Cancel(id string) (reminder.Reminder, error) { return r.st.Delete(id) }

func newService(t *testing.T, horizon time.Duration) (*Service, *reminder.Store, *clockwork.FakeClock) {
	t.Helper()
	// 08:00 server time.
	clk := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	n := 0
	st := reminder.New(nil, reminder.Options{Clock: clk, Horizon: horizon, NewID: func() string {
		n++
		return fmt.Sprintf("r%03d", n)
	}})
	svc := New(Options{
		Store:  st,
		Reg:    storeRegistrar{st},
		Broker: confirm.New(confirm.Options{Clock: clk}),
		Clock:  clk,
	})
	return svc, st, clk
}

func TestRegisterAndDuplicateFlow(t *testing.T) {
	svc, st, _ := newService(t, 0)
	ctx := context.Background()
	in := RegisterInput{ChannelRef: "-100", UserRef: "1", When: "06/01 12:00", Title: "Guild raid"}

	res, err := svc.RegisterEvent(ctx, in)
	if err != nil || res.Outcome != Accepted {
		t.Fatalf("first registration: %v %v", res.Outcome, err)
	}
	if res.Reminder.ServerTime != "06/01 12:00" || res.Reminder.DisplayTime != "06/01 23:00" {
		t.Fatalf("unexpected times %+v", res.Reminder)
	}
	if !res.Reminder.EventAt.Equal(time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected instant %s", res.Reminder.EventAt)
	}

	in.Title, in.UserRef = "Second raid", "2"
	dup, err := svc.RegisterEvent(ctx, in)
	if err != nil || dup.Outcome != NeedsConfirmation {
		t.Fatalf("duplicate: %v %v", dup.Outcome, err)
	}
	if dup.Existing.ID != res.Reminder.ID || dup.Proposed.Title != "Second raid" {
		t.Fatalf("prompt should name the existing reminder: %+v", dup)
	}
	if st.Len() != 1 {
		t.Fatalf("nothing is stored until approval")
	}

	ok, err := svc.DecideConfirmation(ctx, dup.ConfirmID, Approve, "3")
	if err != nil || ok.Outcome != Accepted {
		t.Fatalf("approve: %v %v", ok.Outcome, err)
	}
	if ok.Reminder.Title != "Second raid" || ok.Reminder.CreatedBy != "3" {
		t.Fatalf("approved reminder should carry the proposal and approver: %+v", ok.Reminder)
	}
	again, _ := svc.DecideConfirmation(ctx, dup.ConfirmID, Approve, "3")
	if again.Outcome != Expired {
		t.Fatalf("second approval should report expired, got %v", again.Outcome)
	}
	if st.Len() != 2 {
		t.Fatalf("expected two reminders, got %d", st.Len())
	}
}

func TestRejectAndExpiry(t *testing.T) {
	svc, st, clk := newService(t, 0)
	ctx := context.Background()
	in := RegisterInput{ChannelRef: "-100", When: "06/02 09:00", Title: "A"}
	if _, err := svc.RegisterEvent(ctx, in); err != nil {
		t.Fatalf("register: %v", err)
	}

	first, _ := svc.RegisterEvent(ctx, in)
	res, _ := svc.DecideConfirmation(ctx, first.ConfirmID, Reject, "")
	if res.Outcome != Rejected {
		t.Fatalf("reject: got %v", res.Outcome)
	}
	if res, _ = svc.DecideConfirmation(ctx, first.ConfirmID, Approve, ""); res.Outcome != Expired {
		t.Fatalf("rejected proposal must not be approvable, got %v", res.Outcome)
	}

	second, _ := svc.RegisterEvent(ctx, in)
	clk.Advance(11 * time.Minute)
	if res, _ = svc.DecideConfirmation(ctx, second.ConfirmID, Approve, ""); res.Outcome != Expired {
		t.Fatalf("stale proposal: got %v", res.Outcome)
	}
	if st.Len() != 1 {
		t.Fatalf("no extra reminder expected, got %d", st.Len())
	}
}

func TestRegisterRejections(t *testing.T) {
	svc, _, _ := newService(t, 48*time.Hour)
	cases := []struct {
		name string
		in   RegisterInput
		want string
	}{
		{"bad format", RegisterInput{ChannelRef: "-1", When: "tomorrow", Title: "x"}, "MM/DD HH:mm"},
		{"bad month", RegisterInput{ChannelRef: "-1", When: "13/01 10:00", Title: "x"}, "month"},
		{"no title", RegisterInput{ChannelRef: "-1", When: "06/01 12:00", Title: "  "}, "title"},
		{"beyond horizon", RegisterInput{ChannelRef: "-1", When: "06/20 12:00", Title: "x"}, "too far"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := svc.RegisterEvent(context.Background(), tc.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Outcome != Rejected || !strings.Contains(res.Reason, tc.want) {
				t.Fatalf("got %v %q, want rejection mentioning %q", res.Outcome, res.Reason, tc.want)
			}
		})
	}
}

func TestListEventsPaged(t *testing.T) {
	svc, _, _ := newService(t, 0)
	ctx := context.Background()
	for i := 0; i < 27; i++ {
		// Registered latest first to check ordering.
		when := fmt.Sprintf("06/%02d 10:00", 28-i)
		if res, err := svc.RegisterEvent(ctx, RegisterInput{ChannelRef: "-7", When: when, Title: "e"}); err != nil || res.Outcome != Accepted {
			t.Fatalf("register %s: %v %v", when, res.Outcome, err)
		}
	}
	_, _ = svc.RegisterEvent(ctx, RegisterInput{ChannelRef: "-8", When: "06/05 10:00", Title: "other"})

	l := svc.ListEvents("-7")
	if l.Total != 27 || len(l.Items) != 25 || l.More != 2 {
		t.Fatalf("unexpected listing total=%d items=%d more=%d", l.Total, len(l.Items), l.More)
	}
	if l.Items[0].ServerTime != "06/02 10:00" {
		t.Fatalf("listing should start with the earliest event, got %s", l.Items[0].ServerTime)
	}
	if empty := svc.ListEvents("-9"); empty.Total != 0 || len(empty.Items) != 0 {
		t.Fatalf("unknown channel should list nothing")
	}
}

func TestCancelEvent(t *testing.T) {
	svc, _, _ := newService(t, 0)
	ctx := context.Background()
	res, _ := svc.RegisterEvent(ctx, RegisterInput{ChannelRef: "-1", When: "06/03 10:00", Title: "x"})

	got, err := svc.CancelEvent(ctx, res.Reminder.ID)
	if err != nil || got.Outcome != Cancelled || got.Reminder.Title != "x" {
		t.Fatalf("cancel: %+v %v", got, err)
	}
	if got, _ = svc.CancelEvent(ctx, res.Reminder.ID); got.Outcome != NotFound {
		t.Fatalf("second cancel: got %v", got.Outcome)
	}
}

// slowRegistrar yields before touching the store so concurrent callers
// interleave between parsing and the insert.
type slowRegistrar struct{ storeRegistrar }

func (r slowRegistrar) Register(ctx context.Context, spec reminder.Spec, force bool) (reminder.Reminder, error) {
	runtime.Gosched()
	time.Sleep(time.Millisecond)
	return r.storeRegistrar.Register(ctx, spec, force)
}

func TestConcurrentDuplicateRegistrations(t *testing.T) {
	svc, st, _ := newService(t, 0)
	svc.reg = slowRegistrar{storeRegistrar{st}}
	in := RegisterInput{ChannelRef: "-100", UserRef: "1", When: "06/01 12:00", Title: "Guild raid"}

	const n = 8
	results := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.RegisterEvent(context.Background(), in)
			if err != nil {
				t.Errorf("register %d: %v", i, err)
				return
			}
			results[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	counts := map[Outcome]int{}
	for _, o := range results {
		counts[o]++
	}
	if counts[Accepted] != 1 || counts[NeedsConfirmation] != n-1 {
		t.Fatalf("want one acceptance and %d prompts, got %v", n-1, counts)
	}
	if st.Len() != 1 {
		t.Fatalf("store holds %d reminders, want 1", st.Len())
	}
}
