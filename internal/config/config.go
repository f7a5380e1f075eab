// Package config loads and validates the supervisor's TOML configuration
// (§6 "Configuration"). Validation failures carry the exact field path and
// a remediation hint; they are fatal at startup (§7).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

var (
	telegramTokenPattern = regexp.MustCompile(`^\d{8,12}:[A-Za-z0-9_-]{35,}$`)
	slackBotTokenPattern = regexp.MustCompile(`^xoxb-`)
	slackAppTokenPattern = regexp.MustCompile(`^xapp-`)
	slackUserIDPattern   = regexp.MustCompile(`^U[A-Z0-9]+$`)
)

// autopilotLikeFields are rejected at load time wherever they appear: the
// policy engine is the only place auto-reply behavior may be configured.
var autopilotLikeFields = []string{
	"yes_no_safe_default",
	"auto_approve",
	"auto_reply_default",
	"autopilot",
	"safe_default",
}

// Config is the full supervisor configuration.
type Config struct {
	Telegram  *TelegramConfig `toml:"telegram"`
	Slack     *SlackConfig    `toml:"slack"`
	Prompts   PromptsConfig   `toml:"prompts"`
	Policy    PolicyConfig    `toml:"policy"`
	Dashboard DashboardConfig `toml:"dashboard"`
	DataDir   string          `toml:"data_dir"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	BotToken     string  `toml:"bot_token"`
	AllowedUsers []int64 `toml:"allowed_users"`
}

// SlackConfig configures the Slack channel (Socket Mode).
type SlackConfig struct {
	BotToken     string   `toml:"bot_token"`
	AppToken     string   `toml:"app_token"`
	AllowedUsers []string `toml:"allowed_users"`
}

// PromptsConfig tunes prompt TTLs.
type PromptsConfig struct {
	TimeoutSeconds      int `toml:"timeout_seconds"`
	StuckTimeoutSeconds int `toml:"stuck_timeout_seconds"`
}

// PolicyConfig points at the active policy file.
type PolicyConfig struct {
	Path string `toml:"path"`
}

// DashboardConfig configures the read-only HTTP dashboard.
type DashboardConfig struct {
	Enabled          bool   `toml:"enabled"`
	Bind             string `toml:"bind"`
	AllowNonLoopback bool   `toml:"allow_non_loopback"`
}

// Default returns the baseline configuration before file and env overlay.
func Default() *Config {
	return &Config{
		Prompts: PromptsConfig{TimeoutSeconds: 300, StuckTimeoutSeconds: 600},
		Dashboard: DashboardConfig{
			Bind: "127.0.0.1:8675",
		},
		DataDir: defaultDataDir(),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".atlasbridge"
	}
	return filepath.Join(home, ".atlasbridge")
}

// FieldError is a configuration error tied to one field path.
type FieldError struct {
	Path string
	Msg  string
	Hint string
}

func (e *FieldError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("config: %s: %s", e.Path, e.Msg)
	}
	return fmt.Sprintf("config: %s: %s (%s)", e.Path, e.Msg, e.Hint)
}

// Load reads, decodes, overlays environment variables, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := rejectUnknown(meta); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func rejectUnknown(meta toml.MetaData) error {
	for _, key := range meta.Undecoded() {
		joined := key.String()
		leaf := key[len(key)-1]
		for _, forbidden := range autopilotLikeFields {
			if strings.EqualFold(leaf, forbidden) {
				return &FieldError{
					Path: joined,
					Msg:  "autopilot-style defaults are not permitted in configuration",
					Hint: "use a policy file with an explicit auto_reply rule instead",
				}
			}
		}
		return &FieldError{Path: joined, Msg: "extra field", Hint: "remove it or check the spelling"}
	}
	return nil
}

// applyEnv overlays ATLASBRIDGE_* environment variables over file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ATLASBRIDGE_TELEGRAM_TOKEN"); v != "" {
		if cfg.Telegram == nil {
			cfg.Telegram = &TelegramConfig{}
		}
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("ATLASBRIDGE_SLACK_BOT_TOKEN"); v != "" {
		if cfg.Slack == nil {
			cfg.Slack = &SlackConfig{}
		}
		cfg.Slack.BotToken = v
	}
	if v := os.Getenv("ATLASBRIDGE_SLACK_APP_TOKEN"); v != "" {
		if cfg.Slack == nil {
			cfg.Slack = &SlackConfig{}
		}
		cfg.Slack.AppToken = v
	}
	if v := os.Getenv("ATLASBRIDGE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
}

// Validate checks channel presence, token formats, and numeric ranges.
func (c *Config) Validate() error {
	if c.Telegram == nil && c.Slack == nil {
		return &FieldError{
			Path: "(top level)",
			Msg:  "at least one channel section is required",
			Hint: "add a [telegram] or [slack] section",
		}
	}
	if c.Telegram != nil {
		if !telegramTokenPattern.MatchString(c.Telegram.BotToken) {
			return &FieldError{
				Path: "telegram.bot_token",
				Msg:  "malformed bot token",
				Hint: "expected the BotFather format NNNNNNNNN:XXXX...",
			}
		}
		if len(c.Telegram.AllowedUsers) == 0 {
			return &FieldError{
				Path: "telegram.allowed_users",
				Msg:  "empty allowlist",
				Hint: "list the numeric Telegram user IDs permitted to reply",
			}
		}
	}
	if c.Slack != nil {
		if !slackBotTokenPattern.MatchString(c.Slack.BotToken) {
			return &FieldError{Path: "slack.bot_token", Msg: "malformed bot token", Hint: "expected an xoxb-... token"}
		}
		if !slackAppTokenPattern.MatchString(c.Slack.AppToken) {
			return &FieldError{Path: "slack.app_token", Msg: "malformed app token", Hint: "expected an xapp-... token"}
		}
		if len(c.Slack.AllowedUsers) == 0 {
			return &FieldError{Path: "slack.allowed_users", Msg: "empty allowlist", Hint: "list the Slack member IDs (U...) permitted to reply"}
		}
		for i, u := range c.Slack.AllowedUsers {
			if !slackUserIDPattern.MatchString(u) {
				return &FieldError{
					Path: fmt.Sprintf("slack.allowed_users[%d]", i),
					Msg:  fmt.Sprintf("%q is not a Slack member ID", u),
					Hint: "Slack member IDs start with U",
				}
			}
		}
	}
	if t := c.Prompts.TimeoutSeconds; t != 0 && (t < 30 || t > 3600) {
		return &FieldError{
			Path: "prompts.timeout_seconds",
			Msg:  fmt.Sprintf("%d is out of range", t),
			Hint: "allowed range is 30-3600",
		}
	}
	if c.Prompts.StuckTimeoutSeconds < 0 {
		return &FieldError{Path: "prompts.stuck_timeout_seconds", Msg: "must be non-negative"}
	}
	return nil
}

// Save writes the configuration with 0600 permissions.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("config: open for save: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	// Re-assert permissions in case the file pre-existed with a wider mode.
	return os.Chmod(path, 0o600)
}

// DatabasePath returns the SQLite path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "atlasbridge.db")
}

// TracePath returns the active decision-trace path under the data dir.
func (c *Config) TracePath() string {
	return filepath.Join(c.DataDir, "decision_trace.jsonl")
}
