package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"eventbot/internal/apperr"
	"eventbot/internal/eventbus"
	"eventbot/internal/reminder"
	"eventbot/internal/task/engine"
	"eventbot/internal/timeutil"
	"eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

const pollJob = "reminders.poll"

type Options struct {
	Store    *reminder.Store
	Sender   Sender
	Dispatch Dispatcher
	Triggers Triggers // nil disables timers and the poll job; Tick still works
	Clock    clockwork.Clock
	Zones    timeutil.Zones
	Bus      eventbus.Bus
	Log      logx.Logger
}

type Scheduler struct {
	mu  sync.RWMutex
	cfg Config

	store    *reminder.Store
	sender   Sender
	dispatch Dispatcher
	triggers Triggers
	clock    clockwork.Clock
	zones    timeutil.Zones
	bus      eventbus.Bus
	log      logx.Logger
}

func New(cfg Config, opt Options) *Scheduler {
	if opt.Clock == nil {
		opt.Clock = clockwork.NewRealClock()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Zones.Server == nil {
		opt.Zones = timeutil.DefaultZones()
	}
	return &Scheduler{
		cfg:      cfg.withDefaults(),
		store:    opt.Store,
		sender:   opt.Sender,
		dispatch: opt.Dispatch,
		triggers: opt.Triggers,
		clock:    opt.Clock,
		zones:    opt.Zones,
		bus:      opt.Bus,
		log:      opt.Log.Component("delivery"),
	}
}

func (s *Scheduler) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Start registers the poll job, arms timers for every loaded reminder and
// runs one evaluation right away so notices missed while down go out now.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.registerPoll(s.config().PollInterval); err != nil {
		return err
	}
	s.Rearm()
	rep := s.Tick(ctx, s.clock.Now())
	s.log.Info("delivery started",
		logx.Int("reminders", s.store.Len()),
		logx.Int("dispatched", rep.Dispatched),
		logx.Int("swept", rep.Stale+rep.Completed),
	)
	return nil
}

// Apply swaps the runtime config. The poll job is re-registered when its
// interval changes; timers follow on their next arm.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	if prev.PollInterval != cfg.PollInterval {
		if err := s.registerPoll(cfg.PollInterval); err != nil {
			s.log.Warn("poll job re-register failed", logx.Err(err))
		}
	}
	if prev.Timers && !cfg.Timers && s.triggers != nil {
		n := s.triggers.RemovePrefix("reminder:")
		s.log.Info("reminder timers disabled", logx.Int("removed", n))
	} else if !prev.Timers && cfg.Timers {
		s.Rearm()
	}
}

func (s *Scheduler) registerPoll(every time.Duration) error {
	if s.triggers == nil {
		return nil
	}
	return s.triggers.AddInterval(pollJob, every, every, func(ctx context.Context) error {
		s.Tick(ctx, s.clock.Now())
		return nil
	})
}

// Register creates a reminder, arms its timers and evaluates it at once.
// Without force a reminder already set in the channel at the same server
// time fails the call with *reminder.DuplicateError; approved
// confirmations pass force.
func (s *Scheduler) Register(ctx context.Context, spec reminder.Spec, force bool) (reminder.Reminder, error) {
	create := s.store.CreateUnique
	if force {
		create = s.store.Create
	}
	r, err := create(spec)
	if err != nil {
		return reminder.Reminder{}, err
	}
	s.arm(r)
	s.evaluate(ctx, r, s.clock.Now(), &TickReport{})
	return r, nil
}

// Cancel deletes a reminder and disarms its timers.
func (s *Scheduler) Cancel(id string) (reminder.Reminder, error) {
	r, err := s.store.Delete(id)
	if err != nil {
		return reminder.Reminder{}, err
	}
	s.disarm(id)
	s.log.Info("reminder cancelled", logx.String("id", id), logx.String("channel", r.ChannelRef))
	return r, nil
}

// Tick evaluates a snapshot of every live reminder against now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) TickReport {
	var rep TickReport
	for _, r := range s.store.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		s.evaluate(ctx, r, now, &rep)
	}
	if rep.Dispatched > 0 || rep.Stale > 0 || rep.Completed > 0 {
		s.log.Debug("tick",
			logx.Int("evaluated", rep.Evaluated),
			logx.Int("dispatched", rep.Dispatched),
			logx.Int("skipped", rep.Skipped),
			logx.Int("stale", rep.Stale),
			logx.Int("completed", rep.Completed),
		)
	}
	return rep
}

// EvaluateID re-reads one reminder and evaluates it. Timers land here.
func (s *Scheduler) EvaluateID(ctx context.Context, id string) {
	r, err := s.store.Get(id)
	if err != nil {
		return
	}
	s.evaluate(ctx, r, s.clock.Now(), &TickReport{})
}

func (s *Scheduler) evaluate(_ context.Context, r reminder.Reminder, now time.Time, rep *TickReport) {
	cfg := s.config()
	rep.Evaluated++

	switch {
	case now.After(r.EventAt.Add(cfg.Grace)):
		if s.sweep(r.ID, "stale") {
			rep.Stale++
		}
		return
	case r.Completed():
		if s.sweep(r.ID, "completed") {
			rep.Completed++
		}
		return
	}

	var stage Stage
	switch {
	case !now.Before(r.EventAt) && !r.SentStart:
		stage = StageStart
	case !now.Before(r.EventAt.Add(-cfg.Lead)) && !r.Sent5Min:
		stage = StageFiveMin
	default:
		return
	}
	if s.dispatchStage(r.ID, stage, cfg.SendTimeout) {
		rep.Dispatched++
	} else {
		rep.Skipped++
	}
}

func (s *Scheduler) sweep(id, why string) bool {
	r, err := s.store.Delete(id)
	if err != nil {
		return false
	}
	s.disarm(id)
	s.log.Info("reminder swept", logx.String("id", id), logx.String("reason", why), logx.String("channel", r.ChannelRef))
	eventbus.Emit(s.bus, eventbus.ReminderSwept, eventbus.ReminderEvent{ID: id, ChannelRef: r.ChannelRef, Stage: why})
	return true
}

// dispatchStage queues one send. The engine's overlap gate on the key keeps
// a stage from being in flight twice.
func (s *Scheduler) dispatchStage(id string, st Stage, timeout time.Duration) bool {
	err := s.dispatch.Enqueue(engine.Task{
		Name:    "reminder.deliver",
		Key:     "deliver:" + id + ":" + string(st),
		Timeout: timeout,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
		Run: func(ctx context.Context) error {
			return s.deliver(ctx, id, st)
		},
	})
	switch {
	case err == nil:
		return true
	case errors.Is(err, engine.ErrOverlapSkip):
	default:
		s.log.Warn("deliver dispatch failed", logx.String("id", id), logx.String("stage", string(st)), logx.Err(err))
	}
	return false
}

func (s *Scheduler) deliver(ctx context.Context, id string, st Stage) error {
	r, err := s.store.Get(id)
	if err != nil {
		return nil
	}
	if r.SentStart || (st == StageFiveMin && r.Sent5Min) {
		return nil
	}

	to, err := s.sender.ResolveChannel(ctx, r.ChannelRef)
	if err != nil {
		return s.sendFailed(r, st, "resolve", err)
	}
	if _, err := s.sender.SendText(ctx, to, s.render(r, st), &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		return s.sendFailed(r, st, "send", err)
	}

	_, err = s.store.Update(id, func(r *reminder.Reminder) {
		r.Sent5Min = true
		if st == StageStart {
			r.SentStart = true
		}
	})
	if err != nil {
		// Cancelled while the send was in flight.
		return nil
	}
	s.log.Info("reminder delivered", logx.String("id", id), logx.String("stage", string(st)), logx.String("channel", r.ChannelRef))
	eventbus.Emit(s.bus, eventbus.ReminderFired, eventbus.ReminderEvent{ID: id, ChannelRef: r.ChannelRef, Stage: string(st)})
	return nil
}

// sendFailed drops reminders whose chat is gone or whose ref is
// malformed. Any other failure leaves the latch unset so the next tick
// retries.
func (s *Scheduler) sendFailed(r reminder.Reminder, st Stage, op string, err error) error {
	if errors.Is(err, transport.ErrChannelGone) || errors.Is(err, transport.ErrMalformedChatRef) {
		s.log.Warn("channel unavailable, dropping reminder", logx.String("id", r.ID), logx.String("channel", r.ChannelRef), logx.Err(err))
		s.sweep(r.ID, "channel_gone")
		return engine.NoRetry(err)
	}
	var te *apperr.TransportError
	if !errors.As(err, &te) {
		te = &apperr.TransportError{Op: op, Err: err}
	}
	s.log.Warn("reminder send failed", logx.String("id", r.ID), logx.String("stage", string(st)), logx.Err(te))
	return engine.NoRetry(te)
}
