package delivery

import (
	"context"
	"time"

	"eventbot/internal/reminder"
	logx "eventbot/pkg/logx"
)

func timerName(id string, st Stage) string { return "reminder:" + id + ":" + string(st) }

// Rearm arms timers for every live reminder, e.g. after a reload.
func (s *Scheduler) Rearm() {
	if s.triggers == nil || !s.config().Timers {
		return
	}
	n := 0
	for _, r := range s.store.Snapshot() {
		n += s.arm(r)
	}
	if n > 0 {
		s.log.Debug("reminder timers armed", logx.Int("timers", n))
	}
}

// arm registers one-shot evaluations at the trigger instants that are
// still ahead and within the cap. It returns the number armed.
func (s *Scheduler) arm(r reminder.Reminder) int {
	cfg := s.config()
	if s.triggers == nil || !cfg.Timers {
		return 0
	}
	now := s.clock.Now()
	n := 0
	add := func(st Stage, at time.Time) {
		d := at.Sub(now)
		if d <= 0 || d > cfg.TimerCap {
			return
		}
		id := r.ID
		err := s.triggers.AddOnce(timerName(id, st), at, cfg.SendTimeout, func(ctx context.Context) error {
			s.EvaluateID(ctx, id)
			return nil
		})
		if err != nil {
			s.log.Warn("arm timer failed", logx.String("id", id), logx.String("stage", string(st)), logx.Err(err))
			return
		}
		n++
	}
	if !r.Sent5Min && !r.SentStart {
		add(StageFiveMin, r.EventAt.Add(-cfg.Lead))
	}
	if !r.SentStart {
		add(StageStart, r.EventAt)
	}
	return n
}

func (s *Scheduler) disarm(id string) {
	if s.triggers == nil {
		return
	}
	s.triggers.RemovePrefix("reminder:" + id + ":")
}
