package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Validate checks what can be checked without touching the network or
// the filesystem. The first problem found is returned.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or set %s)", EnvTelegramToken)
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			return fmt.Errorf("telegram.group_log: invalid chat id %q", g)
		}
	}
	if cfg.Telegram.SendRate < 0 || cfg.Telegram.SendBurst < 0 {
		return errors.New("telegram.send_rate and send_burst must be >= 0")
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"reminders.poll_interval", cfg.Reminders.PollInterval},
		{"reminders.grace", cfg.Reminders.Grace},
		{"reminders.lead", cfg.Reminders.Lead},
		{"reminders.horizon", cfg.Reminders.Horizon},
		{"reminders.timer_cap", cfg.Reminders.TimerCap},
		{"reminders.confirm_ttl", cfg.Reminders.ConfirmTTL},
		{"reminders.confirm_sweep", cfg.Reminders.ConfirmSweep},
		{"translate.timeout", cfg.Translate.Timeout},
		{"translate.cache_ttl", cfg.Translate.CacheTTL},
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
	}
	if cfg.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout})
	}
	if cfg.TaskEngine != nil {
		durations = append(durations,
			struct{ path, raw string }{"task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout},
			struct{ path, raw string }{"task_engine.max_queue_delay", cfg.TaskEngine.MaxQueueDelay},
		)
	}
	for _, d := range durations {
		if _, err := ParseDuration(d.path, d.raw); err != nil {
			return err
		}
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "memory", "mem":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(cfg.Storage.Path) == "" {
				return fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver)
			}
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
	}

	if o := cfg.Reminders.ServerUTCOffset; o != nil && (*o < -12 || *o > 14) {
		return fmt.Errorf("reminders.server_utc_offset: %d out of range", *o)
	}
	if tz := strings.TrimSpace(cfg.Reminders.DisplayTimezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("reminders.display_timezone: %w", err)
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if cfg.Reminders.PageSize < 0 {
		return errors.New("reminders.page_size must be >= 0")
	}

	if t := cfg.Translate.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("translate.temperature: %v out of range [0,2]", *t)
	}
	if cfg.Translate.Enabled && strings.TrimSpace(cfg.Translate.APIKey) == "" {
		return fmt.Errorf("translate.api_key is required when translate is enabled (or set %s)", EnvOpenAIKey)
	}
	return nil
}
