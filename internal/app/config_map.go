package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"eventbot/internal/config"
	"eventbot/internal/delivery"
	"eventbot/internal/observability/httpd"
	"eventbot/internal/storage"
	"eventbot/internal/task/engine"
	"eventbot/internal/task/scheduler"
	"eventbot/internal/timeutil"
	"eventbot/internal/translate"
	telegram "eventbot/internal/transport/telegram/adapter"
	logx "eventbot/pkg/logx"
)

const defaultServerOffsetHours = -2

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	pollTimeout, err := config.DurationOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		SendRate:    cfg.Telegram.SendRate,
		SendBurst:   cfg.Telegram.SendBurst,
	}, nil
}

// mapLogConfig builds the logx config. The chat sink stays off until the
// ops chat id is known.
func mapLogConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if chatID, err := strconv.ParseInt(g, 10, 64); err == nil {
			lc.Chat.ChatID = chatID
			lc.Chat.Enabled = cfg.Logging.Telegram.Enabled
		}
	}
	return lc
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "memory", "mem":
		return storage.Config{Driver: driver}, true, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := config.TaskEngineConfig{}
	if cfg != nil && cfg.TaskEngine != nil {
		te = *cfg.TaskEngine
	}
	out := engine.Config{
		Enabled:     true,
		Workers:     te.Workers,
		QueueSize:   te.QueueSize,
		HistorySize: te.HistorySize,
		RetryMax:    te.RetryMax,
	}
	if out.Workers <= 0 {
		out.Workers = 2
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	if out.HistorySize == 0 {
		out.HistorySize = 200
	} else if out.HistorySize < 0 {
		out.HistorySize = 0
	}
	if out.RetryMax == 0 {
		out.RetryMax = 3
	} else if out.RetryMax < 0 {
		out.RetryMax = 0
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDuration("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDuration("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.IsEnabled(),
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

func mapZones(cfg *config.Config) (timeutil.Zones, error) {
	offset := defaultServerOffsetHours
	if cfg.Reminders.ServerUTCOffset != nil {
		offset = *cfg.Reminders.ServerUTCOffset
	}
	return timeutil.NewZones(time.Duration(offset)*time.Hour, cfg.Reminders.DisplayTimezone, cfg.Reminders.DisplayLabel)
}

// reminderSettings holds the reminders section parsed into durations.
type reminderSettings struct {
	Delivery     delivery.Config
	Horizon      time.Duration
	PageSize     int
	ConfirmTTL   time.Duration
	ConfirmSweep time.Duration
}

func mapReminders(cfg *config.Config) (reminderSettings, error) {
	r := cfg.Reminders
	var (
		out reminderSettings
		err error
	)
	parse := func(path, raw string, def time.Duration) time.Duration {
		if err != nil {
			return 0
		}
		var d time.Duration
		d, err = config.DurationOr(path, raw, def)
		return d
	}
	out.Delivery = delivery.Config{
		PollInterval:  parse("reminders.poll_interval", r.PollInterval, 60*time.Second),
		Grace:         parse("reminders.grace", r.Grace, time.Minute),
		Lead:          parse("reminders.lead", r.Lead, 5*time.Minute),
		TimerCap:      parse("reminders.timer_cap", r.TimerCap, 25*24*time.Hour),
		Timers:        r.TimersEnabled(),
		MentionPrefix: strings.TrimSpace(r.MentionPrefix),
	}
	out.Horizon = parse("reminders.horizon", r.Horizon, 365*24*time.Hour)
	out.ConfirmTTL = parse("reminders.confirm_ttl", r.ConfirmTTL, 10*time.Minute)
	out.ConfirmSweep = parse("reminders.confirm_sweep", r.ConfirmSweep, time.Minute)
	if err != nil {
		return reminderSettings{}, err
	}
	out.PageSize = r.PageSize
	return out, nil
}

// translateSettings holds the translate section split per component.
type translateSettings struct {
	Pipeline  translate.Config
	Client    translate.ClientConfig
	CacheSize int
	CacheTTL  time.Duration
}

func mapTranslate(cfg *config.Config) (translateSettings, error) {
	t := cfg.Translate
	timeout, err := config.ParseDuration("translate.timeout", t.Timeout)
	if err != nil {
		return translateSettings{}, err
	}
	cacheTTL, err := config.ParseDuration("translate.cache_ttl", t.CacheTTL)
	if err != nil {
		return translateSettings{}, err
	}
	cc := translate.ClientConfig{
		APIKey:    strings.TrimSpace(t.APIKey),
		BaseURL:   strings.TrimSpace(t.BaseURL),
		Model:     strings.TrimSpace(t.Model),
		MaxTokens: t.MaxTokens,
		Timeout:   timeout,
	}
	if t.Temperature != nil {
		cc.Temperature = *t.Temperature
	}
	return translateSettings{
		Pipeline: translate.Config{
			Enabled:       t.Enabled,
			ReactionEmoji: strings.TrimSpace(t.ReactionEmoji),
		},
		Client:    cc,
		CacheSize: t.CacheSize,
		CacheTTL:  cacheTTL,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpd.Config, error) {
	h := cfg.HTTP
	out := httpd.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Pprof:         h.Pprof,
		PprofPrefix:   strings.TrimSpace(h.PprofPrefix),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDuration("http.read_timeout", h.ReadTimeout); err != nil {
		return httpd.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDuration("http.write_timeout", h.WriteTimeout); err != nil {
		return httpd.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDuration("http.idle_timeout", h.IdleTimeout); err != nil {
		return httpd.Config{}, err
	}
	return out, nil
}
