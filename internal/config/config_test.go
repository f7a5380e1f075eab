package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validTelegram = `
[telegram]
bot_token = "123456789:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
allowed_users = [42, 77]
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validTelegram))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram == nil || len(cfg.Telegram.AllowedUsers) != 2 {
		t.Fatalf("telegram section not decoded: %+v", cfg.Telegram)
	}
	if cfg.Prompts.TimeoutSeconds != 300 {
		t.Fatalf("default timeout = %d, want 300", cfg.Prompts.TimeoutSeconds)
	}
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no channel", "[prompts]\ntimeout_seconds = 60\n", "at least one channel"},
		{"bad telegram token", "[telegram]\nbot_token = \"nope\"\nallowed_users = [1]\n", "telegram.bot_token"},
		{"empty allowlist", "[telegram]\nbot_token = \"123456789:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA\"\nallowed_users = []\n", "allowed_users"},
		{"bad slack bot token", "[slack]\nbot_token = \"zzz\"\napp_token = \"xapp-1\"\nallowed_users = [\"U1\"]\n", "slack.bot_token"},
		{"bad slack member id", "[slack]\nbot_token = \"xoxb-1\"\napp_token = \"xapp-1\"\nallowed_users = [\"bob\"]\n", "allowed_users[0]"},
		{"timeout out of range", validTelegram + "[prompts]\ntimeout_seconds = 10\n", "30-3600"},
		{"unknown field", validTelegram + "[prompts]\nfoo = 1\n", "prompts.foo"},
		{"autopilot field", validTelegram + "[prompts]\nyes_no_safe_default = \"y\"\n", "autopilot"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatal("load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("ATLASBRIDGE_TELEGRAM_TOKEN", "987654321:BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")
	cfg, err := Load(writeConfig(t, validTelegram))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.HasPrefix(cfg.Telegram.BotToken, "987654321:") {
		t.Fatalf("env overlay not applied: %q", cfg.Telegram.BotToken)
	}
}

func TestSaveEnforces0600(t *testing.T) {
	cfg, err := Load(writeConfig(t, validTelegram))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	out := filepath.Join(t.TempDir(), "saved.toml")
	if err := cfg.Save(out); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("saved mode = %o, want 0600", info.Mode().Perm())
	}
}
