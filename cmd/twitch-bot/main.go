package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/you/twitch-bot/internal/bot"
	"github.com/you/twitch-bot/internal/command"
	"github.com/you/twitch-bot/internal/config"
	"github.com/you/twitch-bot/internal/eventsub"
	"github.com/you/twitch-bot/internal/goal"
	"github.com/you/twitch-bot/internal/helix"
	"github.com/you/twitch-bot/internal/httpapi"
	"github.com/you/twitch-bot/internal/logging"
	"github.com/you/twitch-bot/internal/sink"
	"github.com/you/twitch-bot/internal/state"
	"github.com/you/twitch-bot/internal/twitch"
	"github.com/you/twitch-bot/internal/twitchirc"
)

// Set with -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		initFlag         bool
		versionFlag      bool
		envFile          string
		dataDir          string
		primaryChannelID string
		chatAddr         string
		chatTLS          bool
		eventSubURL      string
		commandPrefix    string
		dbPath           string
		adminAddr        string
		logLevel         string
		logFormat        string
	)

	flag.BoolVar(&initFlag, "init", false, "Create the data directory and exit")
	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&envFile, "env-file", ".env", "Optional .env file loaded before the environment is read")
	flag.StringVar(&dataDir, "data-dir", "", "Directory holding credential and goal files")
	flag.StringVar(&primaryChannelID, "primary-channel-id", "", "Numeric id of the channel the bot joins")
	flag.StringVar(&chatAddr, "chat-addr", "", "Chat server address (host:port)")
	flag.BoolVar(&chatTLS, "chat-tls", true, "Use TLS for the chat connection")
	flag.StringVar(&eventSubURL, "eventsub-url", "", "EventSub WebSocket URL")
	flag.StringVar(&commandPrefix, "command-prefix", "", "Prefix that marks chat commands")
	flag.StringVar(&dbPath, "sqlite", "", "Path to the SQLite chat archive (empty disables archiving)")
	flag.StringVar(&adminAddr, "admin-addr", "", "Admin HTTP address (e.g. :8765)")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&logFormat, "log-format", "", "Log format: text or json")
	flag.Parse()

	if versionFlag {
		fmt.Printf("twitch-bot version: %s (commit %s, built %s)\n", version, commit, buildTime)
		return 0
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "twitch-bot: load %s: %v\n", envFile, err)
		return 1
	}
	cfg := config.Load()

	if overrides["data-dir"] {
		cfg.DataDir = strings.TrimSpace(dataDir)
	}
	if overrides["primary-channel-id"] {
		cfg.Twitch.PrimaryChannelID = strings.TrimSpace(primaryChannelID)
	}
	if overrides["chat-addr"] {
		cfg.Twitch.ChatAddr = strings.TrimSpace(chatAddr)
	}
	if overrides["chat-tls"] {
		cfg.Twitch.ChatTLS = chatTLS
	}
	if overrides["eventsub-url"] {
		cfg.Twitch.EventSubURL = strings.TrimSpace(eventSubURL)
	}
	if overrides["command-prefix"] {
		cfg.Bot.CommandPrefix = commandPrefix
	}
	if overrides["sqlite"] {
		cfg.Sink.SQLite.Path = strings.TrimSpace(dbPath)
	}
	if overrides["admin-addr"] {
		cfg.Admin.Addr = strings.TrimSpace(adminAddr)
	}
	if overrides["log-level"] {
		cfg.Log.Level = logLevel
	}
	if overrides["log-format"] {
		cfg.Log.Format = logFormat
	}

	logging.Init(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		slog.Error("twitch-bot: create data directory", "dir", cfg.DataDir, "err", err)
		return 1
	}
	if initFlag {
		fmt.Printf("initialized data directory %s\n", cfg.DataDir)
		return 0
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("twitch-bot: invalid configuration", "err", err)
		return 1
	}
	slog.Info("twitch-bot: config", "summary", json.RawMessage(cfg.SummaryJSON()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := httpapi.NewMetrics()

	oauth := &twitch.OAuth{
		ClientID:     cfg.Twitch.ClientID,
		ClientSecret: cfg.Twitch.ClientSecret,
		RedirectURL:  cfg.Twitch.RedirectURL,
		BaseURL:      cfg.Twitch.OAuthURL,
	}
	receiver := &twitch.CodeReceiver{
		OAuth: oauth,
		Prompt: func(role twitch.Role, authURL string) {
			fmt.Fprintf(os.Stderr, "Sign in as the %s account to authorize twitch-bot:\n\n  %s\n\n", role, authURL)
		},
	}
	creds := twitch.NewCredentialStore(oauth, cfg.Twitch.Scopes,
		twitch.WithAuthorizer(receiver),
		twitch.WithMetrics(metrics),
	)
	creds.Register(twitch.RoleBot, cfg.BotTokenPath())
	creds.Register(twitch.RoleBroadcaster, cfg.BroadcasterTokenPath())
	for _, role := range creds.Roles() {
		if _, err := creds.Ensure(ctx, role); err != nil {
			slog.Error("twitch-bot: credentials unavailable", "role", role, "err", err)
			return 1
		}
	}

	api := helix.New(cfg.Twitch.APIURL, creds, helix.WithMetrics(metrics))
	store := state.New()
	registry := command.NewRegistry()

	goals, err := goal.LoadFile(cfg.GoalsPath())
	if err != nil {
		slog.Error("twitch-bot: goals", "err", err)
		return 1
	}
	tracker := goal.NewTracker(api, nil, goals...)
	if err := registry.Register("goal", []string{"time"}, tracker.Handler()); err != nil {
		slog.Error("twitch-bot: register command", "err", err)
		return 1
	}

	deps := bot.Deps{
		Creds:    creds,
		API:      api,
		Store:    store,
		Registry: registry,
		Goals:    tracker,
		Metrics:  metrics,
	}
	var archive *sink.SQLiteSink
	if path := cfg.Sink.SQLite.Path; path != "" {
		archive, err = sink.OpenSQLite(path, sink.Options{Tuning: cfg.Sink.SQLite.Tuning})
		if err != nil {
			slog.Error("twitch-bot: open archive", "path", path, "err", err)
			return 1
		}
		defer archive.Close()
		buffered := sink.NewBufferedWriter(sink.WithMetrics(archive, metrics), sink.BufferedOptions{
			BatchSize:     cfg.Batch(),
			FlushInterval: cfg.FlushInterval(),
		})
		defer func() {
			if err := buffered.Close(); err != nil {
				slog.Warn("twitch-bot: archive flush failed", "err", err)
			}
		}()
		deps.Archive = buffered
	}

	b, err := bot.New(bot.Config{
		PrimaryChannelID: cfg.Twitch.PrimaryChannelID,
		CommandPrefix:    cfg.Bot.CommandPrefix,
		Chat: twitchirc.Config{
			Addr:      cfg.Twitch.ChatAddr,
			UseTLS:    cfg.Twitch.ChatTLS,
			ChatRate:  cfg.Bot.ChatRate,
			ChatBurst: cfg.Bot.ChatBurst,
		},
		EventSub: eventsub.Config{URL: cfg.Twitch.EventSubURL},
	}, deps)
	if err != nil {
		slog.Error("twitch-bot: build bot", "err", err)
		return 1
	}

	if cfg.Admin.Addr != "" {
		adminDeps := httpapi.Deps{Status: b, Reloader: b, Metrics: metrics}
		if archive != nil {
			adminDeps.Archive = archive
		}
		admin := httpapi.New(httpapi.Options{
			Addr:      cfg.Admin.Addr,
			RateRPS:   cfg.Admin.RateRPS,
			RateBurst: cfg.Admin.RateBurst,
			Build:     buildInfo(),
		}, adminDeps)
		go func() {
			if err := admin.Start(); err != nil {
				slog.Error("twitch-bot: admin server", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = admin.Shutdown(sctx)
		}()
	}

	if err := b.WatchCredentialFiles(ctx, cfg.BotTokenPath(), cfg.BroadcasterTokenPath()); err != nil {
		slog.Warn("twitch-bot: credential watch disabled", "err", err)
	}

	if _, err := b.Bootstrap(ctx); err != nil {
		slog.Error("twitch-bot: startup failed", "err", err)
		return 1
	}
	if err := b.Run(ctx); err != nil {
		slog.Error("twitch-bot: stopped", "err", err)
		return 1
	}
	slog.Info("twitch-bot: shut down")
	return 0
}

func buildInfo() httpapi.BuildInfo {
	info := httpapi.BuildInfo{Version: version, Revision: commit}
	if t, err := time.Parse(time.RFC3339, buildTime); err == nil {
		info.BuiltAt = t
	}
	return info
}
