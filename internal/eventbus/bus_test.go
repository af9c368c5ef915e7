package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanoutAndPrefix(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	rem, unsubRem := SubscribePrefix(b, "reminder.", 4)
	defer unsubRem()

	Emit(b, ReminderCreated, ReminderEvent{ID: "a"})
	Emit(b, ConfirmProposed, ConfirmEvent{ConfirmID: "c"})

	got := func(ch <-chan Event) []string {
		var out []string
		for {
			select {
			case e := <-ch:
				out = append(out, e.Type)
			case <-time.After(20 * time.Millisecond):
				return out
			}
		}
	}
	if a := got(all); len(a) != 2 {
		t.Fatalf("unfiltered subscriber got %v", a)
	}
	if r := got(rem); len(r) != 1 || r[0] != ReminderCreated {
		t.Fatalf("prefix subscriber got %v", r)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			Emit(b, ReminderFired, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
	unsub()
	unsub()
	Emit(b, ReminderFired, nil)
	Emit(nil, ReminderFired, nil)
}
