package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	logx "eventbot/pkg/logx"
)

// Change is one accepted config update as seen by subscribers.
type Change struct {
	Old, New *Config
	// Sections lists the top-level sections that differ, sorted.
	Sections []string
	// Restart lists settings that changed but are only read at startup.
	Restart []string

	attrs []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func (c Change) Has(section string) bool { return slices.Contains(c.Sections, section) }

// Fields are log attributes describing the new values. Secrets only
// appear as set/changed flags.
func (c Change) Fields() []logx.Field {
	return append([]logx.Field{logx.String("changed", strings.Join(c.Sections, ","))}, c.attrs...)
}

// Diff compares two configs. A nil side counts as the zero config.
func Diff(oldCfg, newCfg *Config) Change {
	sections, attrs := summarize(oldCfg, newCfg)
	return Change{Old: oldCfg, New: newCfg, Sections: sections, Restart: restartSettings(oldCfg, newCfg), attrs: attrs}
}

// merge folds a newer change into one its subscriber has not read yet.
func merge(pending, next Change) Change { return Diff(pending.Old, next.New) }

// restartSettings names changed settings that running components do not
// pick up: connection, storage and engine sizing, zones and the lifetime
// of things already created.
func restartSettings(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	add := func(name string, changed bool) {
		if changed {
			out = append(out, name)
		}
	}
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	add("telegram.token", ot.Token != nt.Token)
	add("telegram.poll_timeout", strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout))
	add("telegram.send_rate", ot.SendRate != nt.SendRate || ot.SendBurst != nt.SendBurst)
	add("storage", derefStorage(oldCfg.Storage) != derefStorage(newCfg.Storage))
	add("task_engine", (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) ||
		derefTaskEngine(oldCfg.TaskEngine) != derefTaskEngine(newCfg.TaskEngine))

	or, nr := oldCfg.Reminders, newCfg.Reminders
	add("reminders.server_utc_offset", !reflect.DeepEqual(or.ServerUTCOffset, nr.ServerUTCOffset))
	add("reminders.display_timezone", or.DisplayTimezone != nr.DisplayTimezone || or.DisplayLabel != nr.DisplayLabel)
	add("reminders.horizon", or.Horizon != nr.Horizon)
	add("reminders.page_size", or.PageSize != nr.PageSize)
	add("reminders.confirm_ttl", or.ConfirmTTL != nr.ConfirmTTL)

	add("translate.cache", oldCfg.Translate.CacheSize != newCfg.Translate.CacheSize ||
		oldCfg.Translate.CacheTTL != newCfg.Translate.CacheTTL)
	return out
}

func summarize(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		ot.SendRate != nt.SendRate || ot.SendBurst != nt.SendBurst ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Nil means no mirror.
	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nS.Driver),
			logx.Bool("storage.path_set", nS.Path != ""),
			logx.String("storage.busy_timeout", nS.BusyTimeout),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || oTE != nTE {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(nTE.MaxQueueDelay)),
			logx.Int("task_engine.history_size", nTE.HistorySize),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.IsEnabled()),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Reminders, newCfg.Reminders) {
		r := newCfg.Reminders
		changed = append(changed, "reminders")
		attrs = append(attrs,
			logx.String("reminders.poll_interval", r.PollInterval),
			logx.String("reminders.lead", r.Lead),
			logx.String("reminders.grace", r.Grace),
			logx.String("reminders.confirm_ttl", r.ConfirmTTL),
			logx.String("reminders.display_timezone", r.DisplayTimezone),
		)
	}

	oTr, nTr := oldCfg.Translate, newCfg.Translate
	if oTr.Enabled != nTr.Enabled || oTr.BaseURL != nTr.BaseURL || oTr.Model != nTr.Model ||
		!reflect.DeepEqual(oTr.Temperature, nTr.Temperature) || oTr.MaxTokens != nTr.MaxTokens ||
		oTr.Timeout != nTr.Timeout || oTr.CacheSize != nTr.CacheSize || oTr.CacheTTL != nTr.CacheTTL ||
		oTr.ReactionEmoji != nTr.ReactionEmoji || oTr.APIKey != nTr.APIKey {
		changed = append(changed, "translate")
		attrs = append(attrs,
			logx.Bool("translate.enabled", nTr.Enabled),
			logx.String("translate.model", nTr.Model),
			logx.Bool("translate.api_key_set", strings.TrimSpace(nTr.APIKey) != ""),
			logx.Int("translate.cache_size", nTr.CacheSize),
		)
	}

	oH, nH := oldCfg.HTTP, newCfg.HTTP
	if oH != nH {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nH.Enabled),
			logx.String("http.addr", strings.TrimSpace(nH.Addr)),
			logx.Bool("http.pprof", nH.Pprof),
			logx.Bool("http.token_set", strings.TrimSpace(nH.Token) != ""),
			logx.Bool("http.allow_insecure", nH.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return StorageConfig{
		Driver:      strings.ToLower(strings.TrimSpace(s.Driver)),
		Path:        strings.TrimSpace(s.Path),
		BusyTimeout: strings.TrimSpace(s.BusyTimeout),
	}
}
