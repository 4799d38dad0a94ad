package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DataDir string
	Twitch  TwitchConfig
	Bot     BotConfig
	Sink    SinkConfig
	Admin   AdminConfig
	Log     LogConfig
}

type TwitchConfig struct {
	ClientID         string
	ClientSecret     string
	RedirectURL      string
	Scopes           []string
	OAuthURL         string
	APIURL           string
	ChatAddr         string
	ChatTLS          bool
	EventSubURL      string
	PrimaryChannelID string
}

type BotConfig struct {
	CommandPrefix string
	ChatRate      float64
	ChatBurst     int
	GoalsFile     string
}

type SinkConfig struct {
	SQLite     SQLiteConfig
	BatchSize  int
	FlushMaxMS int
}

type SQLiteConfig struct {
	Path string
	// Tuning applies WAL and cache pragmas on open.
	Tuning bool
}

type AdminConfig struct {
	Addr      string
	RateRPS   int
	RateBurst int
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	defaultDataDir       = "data"
	defaultRedirectURL   = "http://localhost:3000/"
	defaultOAuthURL      = "https://id.twitch.tv/oauth2"
	defaultAPIURL        = "https://api.twitch.tv/helix"
	defaultChatAddr      = "irc.chat.twitch.tv:6697"
	defaultEventSubURL   = "wss://eventsub.wss.twitch.tv/ws"
	defaultCommandPrefix = "!"
	defaultChatBurst     = 1
	defaultBatchSize     = 1
	defaultFlushMS       = 0
	defaultRateRPS       = 5
	defaultRateBurst     = 10

	BotTokenFile         = "bot-token.json"
	BroadcasterTokenFile = "broadcaster-token.json"
	GoalsFile            = "goals.json"
)

// Twitch allows 20 chat messages per 30 seconds for regular accounts.
const defaultChatRate = 20.0 / 30.0

var defaultScopes = []string{"chat:read", "chat:edit"}

// LoadDotEnv populates the process environment from the given .env files.
// Missing files are skipped; variables already set are never overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

func Load() Config {
	cfg := Config{}

	cfg.DataDir = readString("TWITCHBOT_DATA_DIR", defaultDataDir)

	cfg.Twitch.ClientID = strings.TrimSpace(os.Getenv("TWITCHBOT_CLIENT_ID"))
	if cfg.Twitch.ClientID == "" {
		cfg.Twitch.ClientID = strings.TrimSpace(os.Getenv("TWITCH_CLIENT_ID"))
	}
	cfg.Twitch.ClientSecret = strings.TrimSpace(os.Getenv("TWITCHBOT_CLIENT_SECRET"))
	if cfg.Twitch.ClientSecret == "" {
		cfg.Twitch.ClientSecret = strings.TrimSpace(os.Getenv("TWITCH_CLIENT_SECRET"))
	}
	cfg.Twitch.RedirectURL = readString("TWITCHBOT_REDIRECT_URL", defaultRedirectURL)
	cfg.Twitch.Scopes = splitList(os.Getenv("TWITCHBOT_SCOPES"))
	if len(cfg.Twitch.Scopes) == 0 {
		cfg.Twitch.Scopes = append([]string(nil), defaultScopes...)
	}
	cfg.Twitch.OAuthURL = strings.TrimRight(readString("TWITCHBOT_OAUTH_URL", defaultOAuthURL), "/")
	cfg.Twitch.APIURL = strings.TrimRight(readString("TWITCHBOT_API_URL", defaultAPIURL), "/")
	cfg.Twitch.ChatAddr = readString("TWITCHBOT_CHAT_ADDR", defaultChatAddr)
	cfg.Twitch.ChatTLS = readBool("TWITCHBOT_CHAT_TLS", true)
	cfg.Twitch.EventSubURL = readString("TWITCHBOT_EVENTSUB_URL", defaultEventSubURL)
	cfg.Twitch.PrimaryChannelID = strings.TrimSpace(os.Getenv("TWITCHBOT_PRIMARY_CHANNEL_ID"))

	cfg.Bot.CommandPrefix = readString("TWITCHBOT_COMMAND_PREFIX", defaultCommandPrefix)
	cfg.Bot.ChatRate = readFloat("TWITCHBOT_CHAT_RATE", defaultChatRate)
	cfg.Bot.ChatBurst = readInt("TWITCHBOT_CHAT_BURST", defaultChatBurst)
	cfg.Bot.GoalsFile = strings.TrimSpace(os.Getenv("TWITCHBOT_GOALS_FILE"))

	cfg.Sink.SQLite.Path = strings.TrimSpace(os.Getenv("TWITCHBOT_SINK_SQLITE_PATH"))
	cfg.Sink.SQLite.Tuning = readBool("TWITCHBOT_SQLITE_TUNING", false)
	cfg.Sink.BatchSize = readInt("TWITCHBOT_SINK_BATCH_SIZE", defaultBatchSize)
	cfg.Sink.FlushMaxMS = readInt("TWITCHBOT_SINK_FLUSH_MAX_MS", defaultFlushMS)

	cfg.Admin.Addr = strings.TrimSpace(os.Getenv("TWITCHBOT_ADMIN_ADDR"))
	cfg.Admin.RateRPS = readInt("TWITCHBOT_ADMIN_RATE_RPS", defaultRateRPS)
	cfg.Admin.RateBurst = readInt("TWITCHBOT_ADMIN_RATE_BURST", defaultRateBurst)

	cfg.Log.Level = strings.ToLower(readString("TWITCHBOT_LOG_LEVEL", "info"))
	cfg.Log.Format = strings.ToLower(readString("TWITCHBOT_LOG_FORMAT", "text"))

	return cfg
}

// Validate reports the settings a bot session cannot start without.
func (c Config) Validate() error {
	var missing []string
	if c.Twitch.ClientID == "" {
		missing = append(missing, "TWITCHBOT_CLIENT_ID")
	}
	if c.Twitch.ClientSecret == "" {
		missing = append(missing, "TWITCHBOT_CLIENT_SECRET")
	}
	if c.Twitch.PrimaryChannelID == "" {
		missing = append(missing, "TWITCHBOT_PRIMARY_CHANNEL_ID")
	} else if _, err := strconv.ParseUint(c.Twitch.PrimaryChannelID, 10, 64); err != nil {
		return errors.New("config: TWITCHBOT_PRIMARY_CHANNEL_ID must be numeric")
	}
	if len(missing) > 0 {
		return errors.New("config: missing required settings: " + strings.Join(missing, ", "))
	}
	return nil
}

func (c Config) BotTokenPath() string {
	return filepath.Join(c.DataDir, BotTokenFile)
}

func (c Config) BroadcasterTokenPath() string {
	return filepath.Join(c.DataDir, BroadcasterTokenFile)
}

func (c Config) GoalsPath() string {
	if c.Bot.GoalsFile != "" {
		return c.Bot.GoalsFile
	}
	return filepath.Join(c.DataDir, GoalsFile)
}

func (c Config) FlushInterval() time.Duration {
	if c.Sink.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Sink.FlushMaxMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Sink.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Sink.BatchSize
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return dedupe(out)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func readString(name, def string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	return raw
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readFloat(name string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

type Summary struct {
	DataDir    string        `json:"data_dir"`
	SQLitePath string        `json:"sqlite_path,omitempty"`
	BatchSize  int           `json:"batch"`
	FlushMaxMS int           `json:"flush_ms"`
	AdminAddr  string        `json:"admin_addr,omitempty"`
	Twitch     TwitchSummary `json:"twitch"`
}

type TwitchSummary struct {
	ClientID         string   `json:"client_id,omitempty"`
	ClientSecret     string   `json:"client_secret,omitempty"`
	Scopes           []string `json:"scopes"`
	APIURL           string   `json:"api_url"`
	ChatAddr         string   `json:"chat_addr"`
	ChatTLS          bool     `json:"chat_tls"`
	EventSubURL      string   `json:"eventsub_url"`
	PrimaryChannelID string   `json:"primary_channel_id,omitempty"`
	CommandPrefix    string   `json:"command_prefix"`
}

func (c Config) Summary() Summary {
	return Summary{
		DataDir:    c.DataDir,
		SQLitePath: c.Sink.SQLite.Path,
		BatchSize:  c.Batch(),
		FlushMaxMS: c.Sink.FlushMaxMS,
		AdminAddr:  c.Admin.Addr,
		Twitch: TwitchSummary{
			ClientID:         redactString(c.Twitch.ClientID),
			ClientSecret:     redactString(c.Twitch.ClientSecret),
			Scopes:           append([]string(nil), c.Twitch.Scopes...),
			APIURL:           c.Twitch.APIURL,
			ChatAddr:         c.Twitch.ChatAddr,
			ChatTLS:          c.Twitch.ChatTLS,
			EventSubURL:      c.Twitch.EventSubURL,
			PrimaryChannelID: c.Twitch.PrimaryChannelID,
			CommandPrefix:    c.Bot.CommandPrefix,
		},
	}
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
