package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	logx "eventbot/pkg/logx"
)

const sampleYAML = `
telegram:
  token: "file-token"
  owner_user_ids: [42]
  group_log: "-1001"
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./eventbot.db
reminders:
  poll_interval: 30s
  server_utc_offset: -2
  display_timezone: Asia/Tokyo
translate:
  enabled: true
  api_key: sk-file
http:
  enabled: false
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

// env is a fixed environment for overrides.
type env map[string]string

func (e env) lookup(k string) (string, bool) {
	v, ok := e[k]
	return v, ok
}

func newManager(t *testing.T, name, body string, e env) (*Manager, string) {
	t.Helper()
	p := writeConfig(t, name, body)
	return NewManager(p, WithEnv(e.lookup), WithDebounce(20*time.Millisecond)), p
}

func TestParseYAML(t *testing.T) {
	m, _ := newManager(t, "config.yaml", sampleYAML, nil)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "file-token" || len(cfg.Telegram.OwnerUserIDs) != 1 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Reminders.ServerUTCOffset == nil || *cfg.Reminders.ServerUTCOffset != -2 {
		t.Fatalf("server offset not decoded")
	}
	if m.Current() != cfg {
		t.Fatalf("Load should commit")
	}
	if len(m.Overrides()) != 0 {
		t.Fatalf("no overrides expected, got %v", m.Overrides())
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestParseYAMLAnchorsAndSniffing(t *testing.T) {
	body := `
defaults: &zone
  display_timezone: Asia/Tokyo
telegram:
  token: t
reminders: *zone
`
	// An unknown top-level key still fails after alias resolution.
	if _, err := NewManager(writeConfig(t, "c.yaml", body)).Parse(); err == nil {
		t.Fatalf("anchor holder key should be rejected as unknown")
	}

	body = "telegram:\n  token: &tok abc\nhttp:\n  token: *tok\n"
	cfg, err := NewManager(writeConfig(t, "eventbot.conf", body), WithEnv(env(nil).lookup)).Parse()
	if err != nil {
		t.Fatalf("sniffed yaml: %v", err)
	}
	if cfg.HTTP.Token != "abc" {
		t.Fatalf("alias not resolved: %+v", cfg.HTTP)
	}
	cfg, err = NewManager(writeConfig(t, "eventbot.conf", `{"telegram":{"token":"j"}}`), WithEnv(env(nil).lookup)).Parse()
	if err != nil || cfg.Telegram.Token != "j" {
		t.Fatalf("sniffed json: %+v %v", cfg, err)
	}
}

func TestParseRejectsUnknownTrailingAndEmpty(t *testing.T) {
	cases := map[string]string{
		"unknown.json":  `{"telegram":{"token":"x"},"plugins":{}}`,
		"trailing.json": `{"telegram":{"token":"x"}} {}`,
		"unknown.yaml":  "telegram:\n  token: x\n  nope: 1\n",
		"empty.yaml":    "\n\n",
		"merge.yaml":    "base: &b {token: x}\ntelegram:\n  <<: *b\n",
	}
	for name, body := range cases {
		if _, err := NewManager(writeConfig(t, name, body)).Parse(); err == nil {
			t.Fatalf("%s: expected parse error", name)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	m, _ := newManager(t, "config.yaml", sampleYAML, env{
		EnvTelegramToken: "env-token",
		EnvOpenAIKey:     "sk-env",
		EnvPort:          "9000",
	})
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "env-token" || cfg.Translate.APIKey != "sk-env" {
		t.Fatalf("secrets not overridden: %q %q", cfg.Telegram.Token, cfg.Translate.APIKey)
	}
	if !cfg.HTTP.Enabled || cfg.HTTP.Addr != ":9000" {
		t.Fatalf("http = %+v", cfg.HTTP)
	}
	if got := strings.Join(m.Overrides(), ","); got != "TELEGRAM_TOKEN,OPENAI_API_KEY,PORT" {
		t.Fatalf("overrides = %s", got)
	}

	blank, _ := newManager(t, "config.yaml", sampleYAML, env{EnvTelegramToken: "  "})
	cfg, _ = blank.Parse()
	if cfg.Telegram.Token != "file-token" {
		t.Fatalf("blank env must not override, got %q", cfg.Telegram.Token)
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{"", 0, true},
		{"90", 90 * time.Second, true},
		{"25d", 25 * 24 * time.Hour, true},
		{"1m30s", 90 * time.Second, true},
		{"-1m", 0, false},
		{"-3d", 0, false},
		{"xd", 0, false},
		{"soon", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseDuration("reminders.horizon", tc.raw)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("%q: got %v, %v", tc.raw, got, err)
		}
		if err != nil && !strings.Contains(err.Error(), "reminders.horizon") {
			t.Fatalf("%q: error should name the setting: %v", tc.raw, err)
		}
	}
	if d, _ := DurationOr("x", "0", time.Minute); d != time.Minute {
		t.Fatalf("zero should fall back to default, got %v", d)
	}
}

func TestValidate(t *testing.T) {
	neg := -13
	hot := 2.5
	cases := []struct {
		name string
		mod  func(*Config)
		want string
	}{
		{"ok", func(*Config) {}, ""},
		{"no token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"bad group", func(c *Config) { c.Telegram.GroupLog = "ops" }, "group_log"},
		{"bad duration", func(c *Config) { c.Reminders.Lead = "soon" }, "reminders.lead"},
		{"negative duration", func(c *Config) { c.Reminders.Grace = "-1m" }, "reminders.grace"},
		{"sqlite no path", func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"unknown driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, "storage.driver"},
		{"offset", func(c *Config) { c.Reminders.ServerUTCOffset = &neg }, "server_utc_offset"},
		{"zone", func(c *Config) { c.Reminders.DisplayTimezone = "Mars/Olympus" }, "display_timezone"},
		{"temperature", func(c *Config) { c.Translate.Temperature = &hot }, "temperature"},
		{"translate key", func(c *Config) { c.Translate.Enabled = true }, "api_key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{Telegram: TelegramConfig{Token: "t"}}
			tc.mod(cfg)
			err := Validate(cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestDiff(t *testing.T) {
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}, HTTP: HTTPConfig{Token: "secret"}}
	newCfg := &Config{
		Telegram:  TelegramConfig{Token: "a"},
		HTTP:      HTTPConfig{Token: "other", Enabled: true},
		Reminders: RemindersConfig{Lead: "10m", ConfirmTTL: "5m"},
	}
	ch := Diff(oldCfg, newCfg)
	if strings.Join(ch.Sections, ",") != "http,reminders" || !ch.Has("http") || ch.Has("telegram") {
		t.Fatalf("sections = %v", ch.Sections)
	}
	if strings.Join(ch.Restart, ",") != "reminders.confirm_ttl" {
		t.Fatalf("restart = %v", ch.Restart)
	}
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config changed", ch.Fields()...)
	if out := buf.String(); strings.Contains(out, "secret") || strings.Contains(out, "other") {
		t.Fatalf("secret leaked: %s", out)
	}
	if !Diff(newCfg, newCfg).Empty() {
		t.Fatalf("identical configs reported a change")
	}

	moved := *newCfg
	moved.Telegram.Token = "b"
	moved.Storage = &StorageConfig{Driver: "sqlite", Path: "x.db"}
	if got := strings.Join(Diff(newCfg, &moved).Restart, ","); got != "telegram.token,storage" {
		t.Fatalf("restart = %s", got)
	}
}

func TestReloadPublishesAndMerges(t *testing.T) {
	m, p := newManager(t, "config.json", `{"telegram":{"token":"a"},"reminders":{"lead":"5m"}}`, nil)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })
	changes, stop := m.Subscribe()
	defer stop()
	ctx := context.Background()

	if ch, err := m.Reload(ctx); err != nil || !ch.Empty() {
		t.Fatalf("unchanged file: %+v %v", ch, err)
	}

	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatalf("rewrite: %v", err)
		}
	}
	write(`{"telegram":{"token":"a"},"reminders":{"lead":"10m"}}`)
	if _, err := m.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	write(`{"telegram":{"token":"a"},"reminders":{"lead":"10m"},"http":{"enabled":true}}`)
	if _, err := m.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	// Two unread changes arrive as one.
	ch := <-changes
	if strings.Join(ch.Sections, ",") != "http,reminders" || ch.Old.Reminders.Lead != "5m" || !ch.New.HTTP.Enabled {
		t.Fatalf("merged change = %v old=%+v", ch.Sections, ch.Old.Reminders)
	}
	select {
	case extra := <-changes:
		t.Fatalf("unexpected second change %v", extra.Sections)
	default:
	}

	write(`{"telegram":{"token":""}}`)
	if _, err := m.Reload(ctx); !errors.Is(err, ErrRejected) {
		t.Fatalf("invalid config: want ErrRejected, got %v", err)
	}
	if !m.Current().HTTP.Enabled {
		t.Fatalf("rejected config must not be committed")
	}
}

func TestWatchPublishesOnChange(t *testing.T) {
	m, p := newManager(t, "config.json", `{"telegram":{"token":"a"}}`, nil)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })
	changes, stop := m.Subscribe()
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(p, []byte(`{"telegram":{"token":"b"}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case ch := <-changes:
		if ch.New.Telegram.Token != "b" || strings.Join(ch.Restart, ",") != "telegram.token" {
			t.Fatalf("change = %+v", ch)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
}
