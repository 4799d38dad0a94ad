package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, "TWITCHBOT_") || name == "TWITCH_CLIENT_ID" || name == "TWITCH_CLIENT_SECRET" {
			t.Setenv(name, "")
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()
	if cfg.DataDir != "data" {
		t.Fatalf("unexpected data dir: %q", cfg.DataDir)
	}
	if cfg.Twitch.APIURL != "https://api.twitch.tv/helix" {
		t.Fatalf("unexpected api url: %q", cfg.Twitch.APIURL)
	}
	if cfg.Twitch.ChatAddr != "irc.chat.twitch.tv:6697" || !cfg.Twitch.ChatTLS {
		t.Fatalf("unexpected chat settings: %q tls=%v", cfg.Twitch.ChatAddr, cfg.Twitch.ChatTLS)
	}
	if cfg.Twitch.EventSubURL != "wss://eventsub.wss.twitch.tv/ws" {
		t.Fatalf("unexpected eventsub url: %q", cfg.Twitch.EventSubURL)
	}
	if got := strings.Join(cfg.Twitch.Scopes, " "); got != "chat:read chat:edit" {
		t.Fatalf("unexpected default scopes: %q", got)
	}
	if cfg.Bot.CommandPrefix != "!" {
		t.Fatalf("unexpected prefix: %q", cfg.Bot.CommandPrefix)
	}
	if cfg.Batch() != 1 {
		t.Fatalf("expected default batch size 1, got %d", cfg.Batch())
	}
	if cfg.FlushInterval() != 0 {
		t.Fatalf("expected zero flush interval, got %s", cfg.FlushInterval())
	}
	if cfg.BotTokenPath() != filepath.Join("data", "bot-token.json") {
		t.Fatalf("unexpected bot token path: %q", cfg.BotTokenPath())
	}
	if cfg.GoalsPath() != filepath.Join("data", "goals.json") {
		t.Fatalf("unexpected goals path: %q", cfg.GoalsPath())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TWITCHBOT_DATA_DIR", "/var/lib/bot")
	t.Setenv("TWITCHBOT_CLIENT_ID", "cid")
	t.Setenv("TWITCHBOT_CLIENT_SECRET", "secret")
	t.Setenv("TWITCHBOT_SCOPES", "chat:read, chat:edit channel:read:subscriptions chat:read")
	t.Setenv("TWITCHBOT_API_URL", "http://localhost:9000/helix/")
	t.Setenv("TWITCHBOT_CHAT_TLS", "false")
	t.Setenv("TWITCHBOT_PRIMARY_CHANNEL_ID", "12345")
	t.Setenv("TWITCHBOT_COMMAND_PREFIX", "?")
	t.Setenv("TWITCHBOT_SINK_SQLITE_PATH", "/data/chat.db")
	t.Setenv("TWITCHBOT_SINK_BATCH_SIZE", "25")
	t.Setenv("TWITCHBOT_SINK_FLUSH_MAX_MS", "250")
	t.Setenv("TWITCHBOT_CHAT_RATE", "bogus")

	cfg := Load()
	if cfg.Twitch.ClientID != "cid" || cfg.Twitch.ClientSecret != "secret" {
		t.Fatalf("unexpected client credentials: %+v", cfg.Twitch)
	}
	if got := strings.Join(cfg.Twitch.Scopes, " "); got != "channel:read:subscriptions chat:edit chat:read" {
		t.Fatalf("unexpected scopes: %q", got)
	}
	if cfg.Twitch.APIURL != "http://localhost:9000/helix" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Twitch.APIURL)
	}
	if cfg.Twitch.ChatTLS {
		t.Fatalf("expected chat tls disabled")
	}
	if cfg.Bot.CommandPrefix != "?" {
		t.Fatalf("unexpected prefix: %q", cfg.Bot.CommandPrefix)
	}
	if cfg.Bot.ChatRate != defaultChatRate {
		t.Fatalf("expected invalid chat rate to fall back to default, got %v", cfg.Bot.ChatRate)
	}
	if cfg.Batch() != 25 {
		t.Fatalf("unexpected batch: %d", cfg.Batch())
	}
	if cfg.FlushInterval() != 250*time.Millisecond {
		t.Fatalf("unexpected flush interval: %s", cfg.FlushInterval())
	}
	if cfg.BroadcasterTokenPath() != filepath.Join("/var/lib/bot", "broadcaster-token.json") {
		t.Fatalf("unexpected broadcaster token path: %q", cfg.BroadcasterTokenPath())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLegacyClientEnvFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("TWITCH_CLIENT_ID", "legacy-id")
	t.Setenv("TWITCH_CLIENT_SECRET", "legacy-secret")

	cfg := Load()
	if cfg.Twitch.ClientID != "legacy-id" || cfg.Twitch.ClientSecret != "legacy-secret" {
		t.Fatalf("expected legacy client env, got %+v", cfg.Twitch)
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	cfg := Load()
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, name := range []string{"TWITCHBOT_CLIENT_ID", "TWITCHBOT_CLIENT_SECRET", "TWITCHBOT_PRIMARY_CHANNEL_ID"} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("expected %s in error, got %v", name, err)
		}
	}

	cfg.Twitch.ClientID = "cid"
	cfg.Twitch.ClientSecret = "secret"
	cfg.Twitch.PrimaryChannelID = "streamer"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "numeric") {
		t.Fatalf("expected numeric channel id error, got %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("TWITCHBOT_COMMAND_PREFIX=#\nTWITCHBOT_DATA_DIR=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("TWITCHBOT_DATA_DIR", "from-env")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("TWITCHBOT_COMMAND_PREFIX") })

	cfg := Load()
	if cfg.Bot.CommandPrefix != "#" {
		t.Fatalf("expected prefix from .env, got %q", cfg.Bot.CommandPrefix)
	}
	if cfg.DataDir != "from-env" {
		t.Fatalf("expected existing env to win, got %q", cfg.DataDir)
	}
}

func TestSummaryRedactsSecrets(t *testing.T) {
	clearEnv(t)
	t.Setenv("TWITCHBOT_CLIENT_SECRET", "supersecret")
	cfg := Load()
	data := string(cfg.SummaryJSON())
	if strings.Contains(data, "supersecret") {
		t.Fatalf("summary leaked secret: %s", data)
	}
	if !strings.Contains(data, "REDACTED") {
		t.Fatalf("expected redaction marker: %s", data)
	}
}
