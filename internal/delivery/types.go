package delivery

import (
	"context"
	"time"

	"eventbot/internal/task/engine"
	"eventbot/internal/task/scheduler"
	"eventbot/internal/transport"
)

type Config struct {
	PollInterval time.Duration
	// Grace is how long after the event a missed start notice may still go out.
	Grace time.Duration
	// Lead is the offset of the early notice.
	Lead time.Duration
	// TimerCap bounds how far ahead a one-shot timer is armed.
	TimerCap    time.Duration
	Timers      bool
	SendTimeout time.Duration
	// MentionPrefix is prepended as its own line, e.g. "@channel".
	MentionPrefix string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = time.Minute
	}
	if c.Lead <= 0 {
		c.Lead = 5 * time.Minute
	}
	if c.TimerCap <= 0 {
		c.TimerCap = 25 * 24 * time.Hour
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 20 * time.Second
	}
	return c
}

type Stage string

const (
	StageFiveMin Stage = "5min"
	StageStart   Stage = "start"
)

// Sender is the slice of the chat transport delivery needs.
type Sender interface {
	transport.ChannelResolver
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

// Dispatcher runs delivery work off the tick goroutine.
type Dispatcher interface {
	Enqueue(t engine.Task) error
}

// Triggers is the cron trigger service.
type Triggers interface {
	AddInterval(name string, every, timeout time.Duration, job scheduler.Job) error
	AddOnce(name string, at time.Time, timeout time.Duration, job scheduler.Job) error
	RemovePrefix(prefix string) int
}

// TickReport summarizes one evaluation pass.
type TickReport struct {
	Evaluated  int
	Dispatched int
	Skipped    int // already in flight
	Stale      int
	Completed  int
}
