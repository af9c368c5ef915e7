package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"eventbot/internal/bot"
	"eventbot/internal/config"
	"eventbot/internal/confirm"
	"eventbot/internal/delivery"
	"eventbot/internal/eventbus"
	"eventbot/internal/events"
	"eventbot/internal/observability/httpd"
	"eventbot/internal/reminder"
	"eventbot/internal/runtime/sdnotify"
	"eventbot/internal/runtime/supervisor"
	"eventbot/internal/storage"
	"eventbot/internal/task/engine"
	"eventbot/internal/task/scheduler"
	"eventbot/internal/timeutil"
	"eventbot/internal/translate"
	kit "eventbot/internal/transport"
	telegram "eventbot/internal/transport/telegram/adapter"
	"eventbot/internal/transport/telegram/router"
	logx "eventbot/pkg/logx"
)

const confirmSweepJob = "confirm.sweep"

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor
	// mirrorSup runs the reminder mirror; stopped after the adapter.
	mirrorSup *supervisor.Supervisor
	clock     clockwork.Clock
	started   time.Time

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter

	reminders *reminder.Store
	broker    *confirm.Broker
	engine    *engine.Service
	sched     *scheduler.Service
	delivery  *delivery.Scheduler
	events    *events.Service

	trCache  *translate.Cache
	trClient *translate.OpenAIClient
	prefs    *translate.LangSettings
	pipeline *translate.Pipeline

	http *httpd.Service

	handlers *bot.Handlers
	cmdm     *router.CommandManager
	rt       *router.Runtime

	confirmSweep time.Duration
	updates      chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.Component("app")

	adCfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(adCfg, log.Component("telegram"))
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(ad)

	bus := eventbus.New()
	clock := timeutil.RealClock()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.Component("storage"))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		log.Warn("storage disabled; reminders will not survive a restart")
	}

	zones, err := mapZones(cfg)
	if err != nil {
		return nil, err
	}
	rs, err := mapReminders(cfg)
	if err != nil {
		return nil, err
	}
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	ts, err := mapTranslate(cfg)
	if err != nil {
		return nil, err
	}
	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}

	rem := reminder.New(store, reminder.Options{Clock: clock, Horizon: rs.Horizon, Bus: bus, Log: log})
	broker := confirm.New(confirm.Options{TTL: rs.ConfirmTTL, Clock: clock, Bus: bus})

	engineSvc := engine.New(engCfg, log.Component("taskengine"), bus)
	schedSvc := scheduler.New(mapSchedulerConfig(cfg), engineSvc, clock, log.Component("scheduler"))

	deliv := delivery.New(rs.Delivery, delivery.Options{
		Store:    rem,
		Sender:   ad,
		Dispatch: engineSvc,
		Triggers: schedSvc,
		Clock:    clock,
		Zones:    zones,
		Bus:      bus,
		Log:      log,
	})
	eventsSvc := events.New(events.Options{
		Store:    rem,
		Reg:      deliv,
		Broker:   broker,
		Zones:    zones,
		Clock:    clock,
		PageSize: rs.PageSize,
		Log:      log,
	})

	cache := translate.NewCache(ts.CacheSize, ts.CacheTTL, clock)
	client := translate.NewOpenAIClient(ts.Client)
	prefs := translate.NewLangSettings(store, log)
	pipeline := translate.New(ts.Pipeline, translate.Options{
		Cache:      cache,
		Translator: client,
		Files:      ad,
		Out:        ad,
		Prefs:      prefs,
		Dispatch:   engineSvc,
		Clock:      clock,
		Bus:        bus,
		Log:        log,
	})

	rt := &router.Runtime{Supervisors: router.NewSupervisorRegistry()}
	handlers := bot.New(bot.Options{
		Events:      eventsSvc,
		Translate:   pipeline,
		Prefs:       prefs,
		Store:       rem,
		Broker:      broker,
		Engine:      engineSvc,
		Scheduler:   schedSvc,
		Cache:       cache,
		Supervisors: rt.Supervisors,
		Clock:       clock,
		Log:         log,
	})
	cmdm := router.NewCommandManager(log.Component("commands"), ad, cfg.Telegram.OwnerUserIDs, handlers.Hooks(), rt)

	a := &App{
		cfgPath:      cfgPath,
		cfgm:         cfgm,
		clock:        clock,
		started:      clock.Now(),
		log:          log,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		adapter:      ad,
		reminders:    rem,
		broker:       broker,
		engine:       engineSvc,
		sched:        schedSvc,
		delivery:     deliv,
		events:       eventsSvc,
		trCache:      cache,
		trClient:     client,
		prefs:        prefs,
		pipeline:     pipeline,
		handlers:     handlers,
		cmdm:         cmdm,
		rt:           rt,
		confirmSweep: rs.ConfirmSweep,
		updates:      make(chan kit.Update, 256),
	}
	a.http = httpd.New(hc, a.health, log.Component("http"))
	return a, nil
}

// validate runs the config checks plus every mapper, so a reload that
// would fail to apply is rejected before commit.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapAdapterConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapZones(cfg); err != nil {
		return err
	}
	if _, err := mapReminders(cfg); err != nil {
		return err
	}
	if _, err := mapTranslate(cfg); err != nil {
		return err
	}
	_, err := mapHTTPConfig(cfg)
	return err
}

func (a *App) health() httpd.Health {
	return httpd.Health{
		Status:    "ok",
		Uptime:    a.clock.Since(a.started).Truncate(time.Second).String(),
		Reminders: a.reminders.Len(),
		Pending:   a.broker.Len(),
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.rt.AppSupervisor = a.sup
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	if used := a.cfgm.Overrides(); len(used) > 0 {
		a.log.Info("config overridden from environment", logx.String("vars", strings.Join(used, ",")))
	}

	// The in-memory index must be complete before the first tick.
	stats, err := a.reminders.ReloadAll(runCtx)
	if err != nil {
		return fmt.Errorf("reload reminders: %w", err)
	}
	a.log.Info("reminders loaded", logx.Int("loaded", stats.Loaded), logx.Int("skipped", stats.Skipped))
	if err := a.prefs.Load(runCtx); err != nil {
		a.log.Warn("language preferences not loaded", logx.Err(err))
	}
	// The mirror outlives the app context so writes made during shutdown
	// are flushed before storage closes.
	a.mirrorSup = supervisor.NewSupervisor(context.WithoutCancel(ctx), supervisor.WithLogger(a.log))
	a.mirrorSup.Go0("reminders.mirror", a.reminders.Run)
	a.rt.Supervisors.Set("reminders.mirror", a.mirrorSup)

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.rt.Supervisors.Set("telegram.adapter", a.adapter.Supervisor())

	a.engine.Start(runCtx)
	a.rt.Supervisors.Set("task.engine", a.engine.Supervisor())
	a.sched.Start(runCtx)
	if !a.sched.Enabled() {
		a.log.Warn("scheduler disabled; reminders are only evaluated on registration")
	}

	if err := a.delivery.Start(runCtx); err != nil {
		return fmt.Errorf("start delivery: %w", err)
	}
	if err := a.registerConfirmSweep(a.confirmSweep); err != nil {
		return err
	}

	a.http.Start(runCtx)
	a.rt.Supervisors.Set("http", a.http.Supervisor())

	a.cmdm.SetRegistry(a.handlers.Commands(), a.handlers.Callbacks())
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if wd := sdnotify.WatchdogInterval(); wd > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return sdnotify.Watchdog(c, wd, a.log)
		})
	}

	if a.pipeline.Enabled() {
		a.log.Info("reaction translation enabled",
			logx.String("flags", translate.FlagSummary()),
			logx.String("generic", a.pipeline.ReactionEmoji()),
		)
	}
	a.log.Info("app started")
	sdnotify.Ready(a.log)
	return nil
}

func (a *App) registerConfirmSweep(every time.Duration) error {
	return a.sched.AddInterval(confirmSweepJob, every, 5*time.Second, func(context.Context) error {
		if n := a.broker.Sweep(); n > 0 {
			a.log.Debug("expired confirmations swept", logx.Int("count", n))
		}
		return nil
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdnotify.Stopping(a.log)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("reminders", 2*time.Second, func(c context.Context) error {
		if a.mirrorSup == nil {
			return nil
		}
		err := a.reminders.Flush(c)
		if werr := a.mirrorSup.Stop(c); err == nil {
			err = werr
		}
		return err
	})
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
