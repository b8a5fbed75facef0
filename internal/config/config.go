// Package config loads and watches the cronsmith configuration file.
//
// The file may be YAML or JSON. YAML is coerced to JSON so one strict
// decoder (DisallowUnknownFields) covers both formats. A missing file is not
// an error: everything has a usable default.
package config

import (
	"strings"
	"time"

	"cronsmith/pkg/logx"
)

type Config struct {
	Log    logx.Config  `json:"log"`
	Invoke InvokeConfig `json:"invoke"`
	RunNow RunNowConfig `json:"run_now"`
	Notify NotifyConfig `json:"notify"`

	// RunnerBin overrides the path of the cronsmith-run binary written into
	// crontab entries. Empty means "resolve from PATH or argv[0] directory".
	RunnerBin string `json:"runner_bin"`
}

// InvokeConfig bounds the external model invocation.
type InvokeConfig struct {
	Model     string   `json:"model"`
	MaxTokens int      `json:"max_tokens"`
	Timeout   Duration `json:"timeout"`
	BaseURL   string   `json:"base_url"`
	APIKeyEnv string   `json:"api_key_env"`
}

// RunNowConfig bounds the run-now subprocess spawned by the server.
type RunNowConfig struct {
	Timeout Duration `json:"timeout"`
}

// NotifyConfig configures optional Telegram run-outcome notifications.
type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	RatePerMin int    `json:"rate_per_min"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Log: logx.Config{Level: "info", Console: true},
		Invoke: InvokeConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
			Timeout:   Duration(5 * time.Minute),
			BaseURL:   "https://api.anthropic.com",
			APIKeyEnv: "ANTHROPIC_API_KEY",
		},
		RunNow: RunNowConfig{Timeout: Duration(2 * time.Minute)},
		Notify: NotifyConfig{Telegram: TelegramConfig{RatePerMin: 20}},
	}
}

// normalize fills zero values with defaults after decoding.
func (c *Config) normalize() {
	d := Default()
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = d.Log.Level
	}
	if strings.TrimSpace(c.Invoke.Model) == "" {
		c.Invoke.Model = d.Invoke.Model
	}
	if c.Invoke.MaxTokens <= 0 {
		c.Invoke.MaxTokens = d.Invoke.MaxTokens
	}
	if c.Invoke.Timeout <= 0 {
		c.Invoke.Timeout = d.Invoke.Timeout
	}
	if strings.TrimSpace(c.Invoke.BaseURL) == "" {
		c.Invoke.BaseURL = d.Invoke.BaseURL
	}
	if strings.TrimSpace(c.Invoke.APIKeyEnv) == "" {
		c.Invoke.APIKeyEnv = d.Invoke.APIKeyEnv
	}
	if c.RunNow.Timeout <= 0 {
		c.RunNow.Timeout = d.RunNow.Timeout
	}
	if c.Notify.Telegram.RatePerMin <= 0 {
		c.Notify.Telegram.RatePerMin = d.Notify.Telegram.RatePerMin
	}
}
