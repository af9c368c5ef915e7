package config

// Config is the on-disk configuration, JSON or YAML. Durations are Go
// duration strings ("500ms", "1m"). Unknown keys are rejected.
type Config struct {
	Telegram   TelegramConfig    `json:"telegram"`
	Logging    LoggingConfig     `json:"logging"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	Reminders  RemindersConfig   `json:"reminders"`
	Translate  TranslateConfig   `json:"translate"`
	HTTP       HTTPConfig        `json:"http"`
}

type TelegramConfig struct {
	Token        string  `json:"token"` // TELEGRAM_TOKEN overrides
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the ops chat id for the log chat sink.
	GroupLog    string `json:"group_log"`
	PollTimeout string `json:"poll_timeout"`
	// SendRate is messages per second per chat; SendBurst its bucket size.
	SendRate  float64 `json:"send_rate,omitempty"`
	SendBurst int     `json:"send_burst,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the reminder mirror backend.
//
//	"storage": { "driver": "sqlite", "path": "./eventbot.db" }
//
// Drivers: file, sqlite, memory, none. Omitted means none.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// TaskEngineConfig controls the worker pool that runs deliveries and
// translations.
//
// Defaults: workers 2, queue_size 256, default_timeout 0 (none),
// max_queue_delay 0 (off), history_size 200, retry_max 3.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// SchedulerConfig controls the trigger service (intervals, cron, timers).
// Delivery depends on it, so Enabled defaults to true.
type SchedulerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type RemindersConfig struct {
	PollInterval string `json:"poll_interval,omitempty"` // default 60s
	Grace        string `json:"grace,omitempty"`         // default 1m
	Lead         string `json:"lead,omitempty"`          // default 5m
	Horizon      string `json:"horizon,omitempty"`       // default 8760h
	TimerCap     string `json:"timer_cap,omitempty"`     // default 600h
	// Timers arms per-event one-shot timers next to the poll. Default on.
	Timers *bool `json:"timers,omitempty"`

	// ServerUTCOffset is the game server's fixed offset in hours. Default -2.
	ServerUTCOffset *int   `json:"server_utc_offset,omitempty"`
	DisplayTimezone string `json:"display_timezone,omitempty"` // default Asia/Tokyo
	DisplayLabel    string `json:"display_label,omitempty"`    // default JST

	PageSize      int    `json:"page_size,omitempty"`      // default 25
	ConfirmTTL    string `json:"confirm_ttl,omitempty"`    // default 10m
	ConfirmSweep  string `json:"confirm_sweep,omitempty"`  // default 1m
	MentionPrefix string `json:"mention_prefix,omitempty"` // first line of each notice
}

type TranslateConfig struct {
	Enabled       bool     `json:"enabled"`
	APIKey        string   `json:"api_key,omitempty"` // OPENAI_API_KEY overrides
	BaseURL       string   `json:"base_url,omitempty"`
	Model         string   `json:"model,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Timeout       string   `json:"timeout,omitempty"`
	CacheSize     int      `json:"cache_size,omitempty"`
	CacheTTL      string   `json:"cache_ttl,omitempty"`
	ReactionEmoji string   `json:"reaction_emoji,omitempty"`
}

// HTTPConfig is the wake/health server. PORT enables it on ":$PORT".
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

func (r RemindersConfig) TimersEnabled() bool { return r.Timers == nil || *r.Timers }
