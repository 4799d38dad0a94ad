// Package bot wires the chat session, the EventSub session, the command
// registry and the chat archive into one long-running process.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/you/twitch-bot/internal/command"
	"github.com/you/twitch-bot/internal/eventsub"
	"github.com/you/twitch-bot/internal/goal"
	"github.com/you/twitch-bot/internal/helix"
	"github.com/you/twitch-bot/internal/sink"
	"github.com/you/twitch-bot/internal/state"
	"github.com/you/twitch-bot/internal/twitch"
	"github.com/you/twitch-bot/internal/twitchirc"
)

const (
	defaultReconnectDelay = 10 * time.Second
	defaultGoalInterval   = 5 * time.Minute
)

// API is the slice of Helix the bot needs; *helix.Client satisfies it.
type API interface {
	GetSelf(ctx context.Context, role twitch.Role) (helix.User, error)
	GetChannelInformation(ctx context.Context, role twitch.Role, broadcasterID string) (helix.ChannelInformation, error)
	GetStream(ctx context.Context, role twitch.Role, userID string) (helix.Stream, bool, error)
	eventsub.Subscriber
}

type Metrics interface {
	twitchirc.Metrics
	eventsub.Metrics
	IncCommand(outcome string)
}

type Config struct {
	PrimaryChannelID string
	CommandPrefix    string
	// Chat and EventSub are templates; Nick, TokenProvider and Metrics are
	// filled in per session.
	Chat           twitchirc.Config
	EventSub       eventsub.Config
	ReconnectDelay time.Duration
	GoalInterval   time.Duration
}

type Deps struct {
	Creds    *twitch.CredentialStore
	API      API
	Store    *state.Store
	Registry *command.Registry
	// Archive and Goals are optional.
	Archive sink.Writer
	Goals   *goal.Tracker
	Metrics Metrics
	Clock   clockwork.Clock
}

type Bot struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	self     state.GlobalUser
	chat     *twitchirc.Session
	events   *eventsub.Session
	watching map[string]*goalWatch
}

func New(cfg Config, deps Deps) (*Bot, error) {
	if !state.ValidID(cfg.PrimaryChannelID) {
		return nil, fmt.Errorf("bot: invalid primary channel id %q", cfg.PrimaryChannelID)
	}
	if deps.Creds == nil || deps.API == nil || deps.Store == nil || deps.Registry == nil {
		return nil, errors.New("bot: credentials, api, store and registry are required")
	}
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = "!"
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.GoalInterval <= 0 {
		cfg.GoalInterval = defaultGoalInterval
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Bot{cfg: cfg, deps: deps, watching: make(map[string]*goalWatch)}, nil
}

// Bootstrap fetches the bot's own identity and stores it as a GlobalUser.
func (b *Bot) Bootstrap(ctx context.Context) (state.GlobalUser, error) {
	u, err := b.deps.API.GetSelf(ctx, twitch.RoleBot)
	if err != nil {
		return state.GlobalUser{}, fmt.Errorf("bot: fetch self: %w", err)
	}
	if !state.ValidID(u.ID) || strings.TrimSpace(u.Login) == "" {
		return state.GlobalUser{}, fmt.Errorf("bot: self lookup returned no usable identity (id %q, login %q)", u.ID, u.Login)
	}
	self := state.GlobalUser{ID: u.ID, Login: strings.ToLower(strings.TrimSpace(u.Login)), DisplayName: u.DisplayName, Type: u.Type}
	if err := b.deps.Store.InsertGlobalUser(self); err != nil {
		return state.GlobalUser{}, fmt.Errorf("bot: store self: %w", err)
	}
	b.mu.Lock()
	b.self = self
	b.mu.Unlock()
	slog.Info("bot: identity", "login", self.Login, "id", self.ID)
	return self, nil
}

// Run keeps a chat session alive until ctx ends. Transport failures reconnect
// after ReconnectDelay; rejected credentials and refused capabilities end Run
// with the error.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.Lock()
	self := b.self
	b.mu.Unlock()
	if self.ID == "" {
		var err error
		if self, err = b.Bootstrap(ctx); err != nil {
			return err
		}
	}
	defer b.stopNotifications()
	defer b.stopGoalWatches()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			b.refreshIfExpired(ctx)
		}
		session := b.newChatSession(ctx, self)
		err := session.Run(ctx)
		b.stopNotifications()
		if ctx.Err() != nil {
			return nil
		}

		var perr *twitchirc.ProtocolError
		switch {
		case errors.Is(err, twitchirc.ErrAuthFailed), errors.As(err, &perr):
			slog.Error("bot: chat session ended", "err", err)
			return err
		case err == nil:
			slog.Info("bot: chat session closed locally; reconnecting")
			continue
		}

		slog.Warn("bot: chat session lost; reconnecting", "err", err, "delay", b.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-b.deps.Clock.After(b.cfg.ReconnectDelay):
		}
	}
}

func (b *Bot) newChatSession(ctx context.Context, self state.GlobalUser) *twitchirc.Session {
	cfg := b.cfg.Chat
	cfg.Nick = self.Login
	cfg.TokenProvider = func() string { return b.deps.Creds.AccessToken(twitch.RoleBot) }
	if b.deps.Metrics != nil {
		cfg.Metrics = b.deps.Metrics
	}
	s := twitchirc.New(cfg, b.deps.Store)

	s.OnReady(func(ctx context.Context, _ twitchirc.ReadyEvent) {
		go b.joinPrimary(ctx, s)
	})
	s.OnJoin(func(ctx context.Context, ev twitchirc.JoinEvent) {
		if ev.Self && ev.Channel.ID == b.cfg.PrimaryChannelID {
			b.startNotifications(ctx)
		}
	})
	s.OnChatMessage(func(ctx context.Context, ev twitchirc.ChatMessageEvent) {
		b.dispatch(ctx, ev, s)
	})
	s.OnNotice(func(_ context.Context, ev twitchirc.NoticeEvent) {
		slog.Info("bot: notice", "channel", ev.Channel, "msg_id", ev.MsgID, "text", ev.Text)
	})

	b.mu.Lock()
	b.chat = s
	b.mu.Unlock()
	return s
}

// joinPrimary materialises the primary channel from the API and joins it.
// A stream already live at join time starts its goal watch here, since no
// stream.online notification will arrive for it.
func (b *Bot) joinPrimary(ctx context.Context, s *twitchirc.Session) {
	id := b.cfg.PrimaryChannelID
	info, err := b.deps.API.GetChannelInformation(ctx, twitch.RoleBroadcaster, id)
	if err != nil {
		slog.Error("bot: fetch primary channel failed", "channel_id", id, "err", err)
		return
	}
	name := strings.ToLower(info.BroadcasterLogin)
	delta := state.ChannelDelta{
		ID:           id,
		Name:         &name,
		Title:        &info.Title,
		Language:     &info.BroadcasterLanguage,
		CategoryID:   &info.GameID,
		CategoryName: &info.GameName,
	}
	stream, live, err := b.deps.API.GetStream(ctx, twitch.RoleBot, id)
	if err != nil {
		slog.Warn("bot: fetch primary stream failed", "channel_id", id, "err", err)
	} else {
		delta.Live = state.Ptr(live)
		if live {
			started := stream.StartedAt.UTC()
			delta.StartedAt = &started
		}
	}
	if _, err := b.deps.Store.UpsertChannel(delta); err != nil {
		slog.Error("bot: store primary channel failed", "channel_id", id, "err", err)
		return
	}
	if live {
		slog.Info("bot: primary channel already live", "channel", name, "started_at", stream.StartedAt)
		b.watchGoal(ctx, id, name)
	}
	if err := s.JoinChannel(name); err != nil {
		slog.Error("bot: join failed", "channel", name, "err", err)
	}
}

func (b *Bot) refreshIfExpired(ctx context.Context) {
	tok, ok := b.deps.Creds.Token(twitch.RoleBot)
	if !ok || !tok.Expired(b.deps.Clock.Now()) {
		return
	}
	if _, err := b.deps.Creds.Refresh(ctx, twitch.RoleBot, tok.AccessToken); err != nil {
		slog.Warn("bot: refresh before reconnect failed", "err", err)
	}
}

// Chat returns the current chat session, or nil before the first connect.
func (b *Bot) Chat() *twitchirc.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chat
}

// Send posts text to a joined channel through the current chat session.
func (b *Bot) Send(ctx context.Context, channel, text string) error {
	s := b.Chat()
	if s == nil {
		return errors.New("bot: chat session not started")
	}
	return s.Send(ctx, channel, text)
}

// Close ends the current chat session; Run reconnects unless ctx is done.
func (b *Bot) Close() error {
	if s := b.Chat(); s != nil {
		return s.Close()
	}
	return nil
}
