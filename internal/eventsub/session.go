// Package eventsub runs a Twitch EventSub WebSocket session. After the server
// welcome the session accepts per-channel subscriptions and turns incoming
// notifications into channel state updates and typed events.
package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/twitch-bot/internal/helix"
	"github.com/you/twitch-bot/internal/state"
	"github.com/you/twitch-bot/internal/twitch"
)

const (
	DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

	TypeChannelUpdate = "channel.update"
	TypeStreamOnline  = "stream.online"
	TypeStreamOffline = "stream.offline"

	defaultWelcomeTimeout = 10 * time.Second
	defaultKeepalive      = 10 * time.Second
	keepaliveGrace        = 5 * time.Second
	readLimit             = 1 << 20
	seenWindow            = 256
)

// versions lists the supported notification types.
var versions = map[string]string{
	TypeChannelUpdate: "2",
	TypeStreamOnline:  "1",
	TypeStreamOffline: "1",
}

// ChannelTypes are the subscriptions the bot opens for each channel.
var ChannelTypes = []string{TypeChannelUpdate, TypeStreamOnline, TypeStreamOffline}

var (
	ErrNotReady        = errors.New("eventsub: session not ready")
	ErrUnsupportedType = errors.New("eventsub: unsupported subscription type")
	errSessionUsed     = errors.New("eventsub: session already started")
)

// TransportError ends a session: the connection failed, the welcome never
// arrived or the server went quiet past the keepalive window.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "eventsub: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Subscriber creates subscriptions; *helix.Client satisfies it.
type Subscriber interface {
	CreateEventSubSubscription(ctx context.Context, role twitch.Role, sub helix.SubscriptionRequest) (helix.Subscription, error)
}

type Metrics interface {
	IncNotification(subscriptionType string)
}

type Config struct {
	URL string
	// Role is the identity subscriptions are created with.
	Role           twitch.Role
	WelcomeTimeout time.Duration
	Metrics        Metrics
}

// Session is one EventSub connection, reconnecting in place when the server
// asks it to. It cannot be restarted after Run returns.
type Session struct {
	cfg   Config
	subs  Subscriber
	store *state.Store
	h     handlers

	state      atomic.Int32
	started    atomic.Bool
	subscribed atomic.Bool

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	keepalive time.Duration
	closed    bool

	seen    map[string]struct{}
	seenLog []string
}

func New(cfg Config, subs Subscriber, store *state.Store) *Session {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Role == "" {
		cfg.Role = twitch.RoleBroadcaster
	}
	if cfg.WelcomeTimeout <= 0 {
		cfg.WelcomeTimeout = defaultWelcomeTimeout
	}
	return &Session{
		cfg:       cfg,
		subs:      subs,
		store:     store,
		keepalive: defaultKeepalive,
		seen:      make(map[string]struct{}),
	}
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Run connects and reads notifications until the connection ends. It returns
// nil after Close or context cancellation.
func (s *Session) Run(ctx context.Context) (err error) {
	if !s.started.CompareAndSwap(false, true) {
		return errSessionUsed
	}
	defer func() {
		s.mu.Lock()
		local := s.closed
		s.closed = true
		if s.conn != nil {
			_ = s.conn.Close(websocket.StatusNormalClosure, "")
		}
		s.sessionID = ""
		s.mu.Unlock()
		s.state.Store(int32(StateDisconnected))
		if ctx.Err() != nil || local {
			err = nil
		}
	}()

	url := s.cfg.URL
	for {
		if s.isClosed() {
			return nil
		}
		s.state.Store(int32(StateConnecting))
		conn, welcome, err := s.connect(ctx, url)
		if err != nil {
			return err
		}
		reconnect := s.adopt(ctx, conn, welcome)

		next, err := s.readLoop(ctx, conn)
		if err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		slog.Info("eventsub: reconnecting", "url", next, "resumed", reconnect)
		url = next
	}
}

// Close ends the session; Run returns nil.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		return s.conn.Close(websocket.StatusNormalClosure, "closing")
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) connect(ctx context.Context, url string) (*websocket.Conn, sessionPayload, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, sessionPayload{}, &TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(readLimit)

	wctx, cancel := context.WithTimeout(ctx, s.cfg.WelcomeTimeout)
	defer cancel()
	env, err := readEnvelope(wctx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "no welcome")
		return nil, sessionPayload{}, &TransportError{Op: "welcome", Err: err}
	}
	if env.Metadata.MessageType != "session_welcome" {
		_ = conn.Close(websocket.StatusProtocolError, "unexpected message")
		return nil, sessionPayload{}, &TransportError{Op: "welcome", Err: fmt.Errorf("expected session_welcome, got %q", env.Metadata.MessageType)}
	}
	var p struct {
		Session sessionPayload `json:"session"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Session.ID == "" {
		_ = conn.Close(websocket.StatusProtocolError, "bad welcome")
		return nil, sessionPayload{}, &TransportError{Op: "welcome", Err: fmt.Errorf("malformed session_welcome: %v", err)}
	}
	return conn, p.Session, nil
}

// adopt installs a freshly welcomed connection. On a reconnect the existing
// subscriptions carry over and the previous connection is closed.
func (s *Session) adopt(ctx context.Context, conn *websocket.Conn, welcome sessionPayload) (resumed bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
		return false
	}
	prev := s.conn
	resumed = prev != nil
	s.conn = conn
	s.sessionID = welcome.ID
	if welcome.KeepaliveTimeoutSeconds > 0 {
		s.keepalive = time.Duration(welcome.KeepaliveTimeoutSeconds) * time.Second
	}
	s.mu.Unlock()
	if prev != nil {
		_ = prev.Close(websocket.StatusNormalClosure, "reconnected")
	}

	if resumed {
		next := StateReady
		if s.subscribed.Load() {
			next = StateActive
		}
		s.state.Store(int32(next))
		slog.Info("eventsub: session resumed", "session_id", welcome.ID, "state", next)
		return resumed
	}
	s.state.Store(int32(StateReady))
	slog.Info("eventsub: session ready", "session_id", welcome.ID, "keepalive", s.keepalive)
	emit(ctx, &s.h.mu, &s.h.ready, "ready", ReadyEvent{SessionID: welcome.ID})
	return resumed
}

// readLoop handles messages until the connection ends. It returns the URL to
// reconnect to when the server asks for a reconnect.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) (string, error) {
	for {
		s.mu.Lock()
		timeout := s.keepalive + keepaliveGrace
		s.mu.Unlock()

		rctx, cancel := context.WithTimeout(ctx, timeout)
		env, err := readEnvelope(rctx, conn)
		expired := rctx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return "", nil
			}
			if expired {
				return "", &TransportError{Op: "keepalive", Err: fmt.Errorf("no message within %s", timeout)}
			}
			if errors.Is(err, errUndecodable) {
				slog.Warn("eventsub: dropped undecodable frame", "err", err)
				continue
			}
			return "", &TransportError{Op: "read", Err: err}
		}

		if s.duplicate(env.Metadata.MessageID) {
			slog.Debug("eventsub: duplicate message", "message_id", env.Metadata.MessageID)
			continue
		}

		switch env.Metadata.MessageType {
		case "session_keepalive":
		case "notification":
			s.notify(ctx, env)
		case "session_reconnect":
			var p struct {
				Session sessionPayload `json:"session"`
			}
			if err := json.Unmarshal(env.Payload, &p); err != nil || p.Session.ReconnectURL == "" {
				return "", &TransportError{Op: "reconnect", Err: errors.New("session_reconnect without url")}
			}
			return p.Session.ReconnectURL, nil
		case "revocation":
			var p notificationPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				slog.Warn("eventsub: dropped revocation", "err", err)
				continue
			}
			slog.Warn("eventsub: subscription revoked", "id", p.Subscription.ID, "type", p.Subscription.Type, "status", p.Subscription.Status)
			emit(ctx, &s.h.mu, &s.h.revocation, "revocation", RevocationEvent{
				SubscriptionID: p.Subscription.ID,
				Type:           p.Subscription.Type,
				Status:         p.Subscription.Status,
			})
		default:
			slog.Debug("eventsub: ignored message", "type", env.Metadata.MessageType)
		}
	}
}

// duplicate reports whether id was already handled, remembering the most
// recent ids.
func (s *Session) duplicate(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := s.seen[id]; ok {
		return true
	}
	s.seen[id] = struct{}{}
	s.seenLog = append(s.seenLog, id)
	if len(s.seenLog) > seenWindow {
		delete(s.seen, s.seenLog[0])
		s.seenLog = s.seenLog[1:]
	}
	return false
}

// SubscribeForChannel creates one subscription of type typ for a channel and
// returns its id. Calling it twice for the same pair creates two server-side
// subscriptions; callers subscribe each pair once per session.
func (s *Session) SubscribeForChannel(ctx context.Context, typ, channelID string) (string, error) {
	version, ok := versions[typ]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, typ)
	}
	if !state.ValidID(channelID) {
		return "", fmt.Errorf("eventsub: invalid channel id %q", channelID)
	}
	st := s.State()
	sessionID := s.SessionID()
	if (st != StateReady && st != StateActive) || sessionID == "" {
		return "", ErrNotReady
	}

	sub, err := s.subs.CreateEventSubSubscription(ctx, s.cfg.Role, helix.SubscriptionRequest{
		Type:      typ,
		Version:   version,
		Condition: map[string]string{"broadcaster_user_id": channelID},
		Transport: helix.SubscriptionTransport{Method: "websocket", SessionID: sessionID},
	})
	if err != nil {
		return "", fmt.Errorf("eventsub: subscribe %s for %s: %w", typ, channelID, err)
	}
	s.subscribed.Store(true)
	s.state.CompareAndSwap(int32(StateReady), int32(StateActive))
	slog.Info("eventsub: subscribed", "type", typ, "channel_id", channelID, "id", sub.ID, "status", sub.Status)
	return sub.ID, nil
}

// SubscribeChannel opens every type in ChannelTypes for one channel. It stops
// at the first failure.
func (s *Session) SubscribeChannel(ctx context.Context, channelID string) ([]string, error) {
	ids := make([]string, 0, len(ChannelTypes))
	for _, typ := range ChannelTypes {
		id, err := s.SubscribeForChannel(ctx, typ, channelID)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
