package app

import (
	"context"
	"strings"
	"time"

	"eventbot/internal/config"
	"eventbot/internal/eventbus"
	logx "eventbot/pkg/logx"
)

// reloadLoop applies config changes in order. The manager merges changes
// that arrive while one is being applied.
func (a *App) reloadLoop(c context.Context) {
	changes, stop := a.cfgm.Subscribe()
	defer stop()
	for {
		select {
		case <-c.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			a.applyConfig(c, ch)
		}
	}
}

func (a *App) applyConfig(c context.Context, ch config.Change) {
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	newCfg := ch.New
	a.log.Debug("config change summary", ch.Fields()...)
	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("settings", strings.Join(ch.Restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if ch.Has("scheduler") {
		prev := a.sched.Enabled()
		sc := mapSchedulerConfig(newCfg)
		a.sched.Apply(sc)
		switch {
		case prev && !sc.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !prev && sc.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(c)
		}
	}

	if ch.Has("reminders") {
		a.applyReminders(newCfg)
	}

	if ch.Has("translate") {
		if ts, err := mapTranslate(newCfg); err != nil {
			a.log.Warn("invalid translate config; keeping previous", logx.Err(err))
		} else {
			a.pipeline.Apply(ts.Pipeline)
			a.trClient.Apply(ts.Client)
		}
	}

	if ch.Has("http") {
		if hc, err := mapHTTPConfig(newCfg); err != nil {
			a.log.Warn("invalid http config; keeping previous", logx.Err(err))
		} else {
			a.http.Reconfigure(c, hc)
			a.rt.Supervisors.Set("http", a.http.Supervisor())
		}
	}

	eventbus.Emit(a.bus, eventbus.ConfigReloaded, ch.Sections)
	a.log.Info("config reloaded", ch.Fields()...)
}

// applyReminders pushes the live-tunable reminder settings: delivery
// timing and the confirmation sweep interval.
func (a *App) applyReminders(newCfg *config.Config) {
	rs, err := mapReminders(newCfg)
	if err != nil {
		a.log.Warn("invalid reminders config; keeping previous", logx.Err(err))
		return
	}
	a.delivery.Apply(rs.Delivery)

	if rs.ConfirmSweep != a.confirmSweep {
		if err := a.registerConfirmSweep(rs.ConfirmSweep); err != nil {
			a.log.Warn("confirmation sweep re-register failed", logx.Err(err))
		} else {
			a.confirmSweep = rs.ConfirmSweep
		}
	}
}
