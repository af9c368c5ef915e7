package config

import (
	"os"
	"strings"
)

// Environment variables that override file values.
const (
	EnvTelegramToken = "TELEGRAM_TOKEN"
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvPort          = "PORT"
)

// LookupEnv matches os.LookupEnv.
type LookupEnv func(key string) (string, bool)

type envOverride struct {
	key   string
	apply func(cfg *Config, v string)
}

// Secrets and the platform port may live outside the file.
var envOverrides = []envOverride{
	{EnvTelegramToken, func(c *Config, v string) { c.Telegram.Token = v }},
	{EnvOpenAIKey, func(c *Config, v string) { c.Translate.APIKey = v }},
	{EnvPort, func(c *Config, v string) {
		c.HTTP.Enabled = true
		c.HTTP.Addr = ":" + v
	}},
}

// overlayEnv applies every non-empty override and returns the variables used.
func overlayEnv(cfg *Config, lookup LookupEnv) []string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var used []string
	for _, o := range envOverrides {
		v, ok := lookup(o.key)
		if v = strings.TrimSpace(v); !ok || v == "" {
			continue
		}
		o.apply(cfg, v)
		used = append(used, o.key)
	}
	return used
}
