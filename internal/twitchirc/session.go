// Package twitchirc runs a Twitch chat session: it negotiates capabilities,
// authenticates, joins channels and reconciles every routed message into the
// entity store before raising typed events.
package twitchirc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"golang.org/x/time/rate"

	"github.com/you/twitch-bot/internal/state"
	oauth "github.com/you/twitch-bot/internal/twitch"
)

const (
	DefaultAddr = "irc.chat.twitch.tv:6697"

	defaultReadTimeout  = 2 * time.Minute
	defaultPingInterval = 4 * time.Minute
	writeTimeout        = 10 * time.Second
	maxMessageLen       = 500
)

// Capabilities are requested as one batch; a NAK of any is fatal.
var Capabilities = []string{"twitch.tv/commands", "twitch.tv/membership", "twitch.tv/tags"}

// errNoNick is terminal: reconnecting cannot fix a missing login.
var errNoNick = fmt.Errorf("%w: nick is required", ErrAuthFailed)

// ErrAuthFailed means the server rejected PASS/NICK. The session does not
// retry; the caller must fix credentials first.
var ErrAuthFailed = errors.New("twitchirc: authentication failed")

var errSessionUsed = errors.New("twitchirc: session already started")

type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "twitchirc: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

type ProtocolError struct {
	Command string
	Reason  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("twitchirc: protocol error on %s: %s", e.Command, e.Reason)
}

// Dialer opens the transport. *net.Dialer and *tls.Dialer both satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type Metrics interface {
	IncChatMessage(kind string)
	IncChatDropped(reason string)
}

type Config struct {
	Addr   string
	UseTLS bool
	// Nick is the bot's login name.
	Nick string
	// TokenProvider returns the bot's current access token.
	TokenProvider func() string
	Dialer        Dialer

	ReadTimeout  time.Duration
	PingInterval time.Duration
	// ChatRate limits outbound PRIVMSG lines per second; zero disables.
	ChatRate   float64
	ChatBurst  int
	DebugDrops bool
	Metrics    Metrics
}

// Session is a single chat connection. It is not reusable: once Run returns
// the session is Closed and a new one must be created to reconnect.
type Session struct {
	cfg   Config
	store *state.Store
	h     handlers

	state   atomic.Int32
	started atomic.Bool

	connMu sync.Mutex
	conn   net.Conn
	w      *bufio.Writer
	closed bool

	joinMu  sync.Mutex
	pending map[string]struct{}
	joined  map[string]struct{}

	limiter  *rate.Limiter
	counters counters
	drops    *dropLogger
	selfMu   sync.RWMutex
	self     state.GlobalUser
}

func New(cfg Config, store *state.Store) *Session {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	cfg.Nick = strings.ToLower(strings.TrimSpace(cfg.Nick))
	s := &Session{
		cfg:     cfg,
		store:   store,
		pending: make(map[string]struct{}),
		joined:  make(map[string]struct{}),
		drops:   newDropLogger(time.Now(), cfg.DebugDrops, dropSummaryInterval),
	}
	if cfg.ChatRate > 0 {
		burst := cfg.ChatBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ChatRate), burst)
	}
	s.self = state.GlobalUser{Login: cfg.Nick}
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		slog.Debug("twitchirc: state change", "from", prev, "to", next)
	}
}

// Self returns the bot's own user as last reported by the server.
func (s *Session) Self() state.GlobalUser {
	s.selfMu.RLock()
	defer s.selfMu.RUnlock()
	return s.self
}

// Joined lists the channels whose JOIN the server confirmed.
func (s *Session) Joined() []string {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()
	out := make([]string, 0, len(s.joined))
	for c := range s.joined {
		out = append(out, c)
	}
	return out
}

// Run connects and processes the session until the transport closes. It
// returns nil after a local close or context cancellation, ErrAuthFailed on
// rejected credentials, a *ProtocolError when capabilities are refused, and a
// *TransportError for any other disconnect. The session is Closed afterwards.
func (s *Session) Run(ctx context.Context) (err error) {
	if !s.started.CompareAndSwap(false, true) {
		return errSessionUsed
	}
	defer func() {
		s.closeConn()
		s.drops.flush(time.Now())
		s.setState(StateClosed)
		if ctx.Err() != nil && !errors.Is(err, ErrAuthFailed) {
			err = nil
		}
	}()

	if s.cfg.Nick == "" {
		return errNoNick
	}
	token := ""
	if s.cfg.TokenProvider != nil {
		token = strings.TrimSpace(s.cfg.TokenProvider())
	}
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrAuthFailed)
	}

	s.setState(StateTransportSecuring)
	slog.Info("twitchirc: connecting", "addr", s.cfg.Addr, "tls", s.cfg.UseTLS)
	conn, err := s.dialer().DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	s.connMu.Lock()
	if s.closed {
		s.connMu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.w = bufio.NewWriter(conn)
	s.connMu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.closeConn()
		case <-done:
		}
	}()

	s.setState(StateCapabilityNegotiating)
	if err := s.send("CAP REQ :" + strings.Join(Capabilities, " ")); err != nil {
		return err
	}

	return s.readLoop(ctx, conn, token)
}

func (s *Session) dialer() Dialer {
	if s.cfg.Dialer != nil {
		return s.cfg.Dialer
	}
	nd := &net.Dialer{Timeout: 10 * time.Second}
	if !s.cfg.UseTLS {
		return nd
	}
	host, _, err := net.SplitHostPort(s.cfg.Addr)
	if err != nil {
		host = s.cfg.Addr
	}
	return &tls.Dialer{NetDialer: nd, Config: &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}}
}

func (s *Session) readLoop(ctx context.Context, conn net.Conn, token string) error {
	reader := bufio.NewReader(conn)
	var (
		nextPing     = time.Now().Add(s.cfg.PingInterval)
		awaitingPong bool
		nextTick     = time.Now().Add(10 * time.Second)
		window       int
	)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return s.transportErr("set deadline", err)
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() && ctx.Err() == nil && !s.isClosed() {
				if awaitingPong {
					return &TransportError{Op: "keepalive", Err: errors.New("no response to PING")}
				}
				now := time.Now()
				if !now.Before(nextPing) {
					if err := s.send("PING :keepalive"); err != nil {
						return err
					}
					awaitingPong = true
					nextPing = now.Add(s.cfg.PingInterval)
				}
				continue
			}
			return s.transportErr("read", err)
		}

		now := time.Now()
		awaitingPong = false
		nextPing = now.Add(s.cfg.PingInterval)
		if !now.Before(nextTick) {
			slog.Debug("twitchirc: recv", "window", window, "total", s.counters.received.Load())
			window = 0
			nextTick = now.Add(10 * time.Second)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		window++
		s.counters.received.Add(1)

		if err := s.handleLine(ctx, line, token); err != nil {
			return err
		}
	}
}

// transportErr maps read/write failures caused by a local close to nil.
func (s *Session) transportErr(op string, err error) error {
	if s.isClosed() {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

func (s *Session) handleLine(ctx context.Context, line, token string) error {
	msg := twitch.ParseMessage(line)

	if ping, ok := msg.(*twitch.PingMessage); ok {
		return s.send("PONG :" + ping.Message)
	}
	if n, ok := msg.(*twitch.NoticeMessage); ok && s.State() <= StateAuthenticating && authFailure(n) {
		slog.Error("twitchirc: authentication failed", "notice", n.Message)
		return ErrAuthFailed
	}
	if _, ok := msg.(*twitch.ReconnectMessage); ok {
		return &TransportError{Op: "read", Err: errors.New("server requested reconnect")}
	}

	switch s.State() {
	case StateCapabilityNegotiating:
		return s.negotiate(msg, token)
	case StateAuthenticating:
		return s.authenticate(ctx, msg)
	default:
		s.route(ctx, msg)
		return nil
	}
}

func (s *Session) negotiate(msg twitch.Message, token string) error {
	verb, caps := capReply(msg)
	switch verb {
	case "ACK":
		s.setState(StateAuthenticating)
		if err := s.send("PASS " + oauth.NormalizeToken(token)); err != nil {
			return err
		}
		return s.send("NICK " + s.cfg.Nick)
	case "NAK":
		return &ProtocolError{Command: "CAP", Reason: "capabilities refused: " + strings.Join(caps, " ")}
	default:
		s.drop(dropBeforeCap, msg)
		return nil
	}
}

// capReply returns the ACK or NAK verb of a parsed CAP reply and the
// capabilities it names. The parameters are "* ACK caps..." where the
// target may be omitted.
func capReply(msg twitch.Message) (string, []string) {
	raw, ok := msg.(*twitch.RawMessage)
	if !ok || raw.RawType != "CAP" {
		return "", nil
	}
	params := strings.Fields(raw.Message)
	for i, p := range params {
		if v := strings.ToUpper(p); v == "ACK" || v == "NAK" {
			return v, params[i+1:]
		}
	}
	return "", nil
}

func (s *Session) authenticate(ctx context.Context, msg twitch.Message) error {
	gus, ok := msg.(*twitch.GlobalUserStateMessage)
	if !ok {
		// 001-004 and the MOTD precede GLOBALUSERSTATE.
		return nil
	}
	self, err := s.store.UpsertGlobalUser(state.DecodeGlobalUser(gus.Tags, s.cfg.Nick))
	if err != nil {
		s.drop(dropProtocol, msg)
		self = state.GlobalUser{Login: s.cfg.Nick}
	}
	s.selfMu.Lock()
	s.self = self
	s.selfMu.Unlock()

	s.setState(StateReady)
	slog.Info("twitchirc: authenticated", "login", self.Login, "id", self.ID)
	emit(ctx, &s.h.mu, &s.h.ready, "ready", ReadyEvent{Self: self})
	return nil
}

// JoinChannel requests membership in a channel. It does not wait for the
// server's confirmation; the session turns Active when the echo arrives.
func (s *Session) JoinChannel(name string) error {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "#"))
	if name == "" {
		return errors.New("twitchirc: channel name is empty")
	}
	st := s.State()
	if st < StateReady || st == StateClosed {
		return fmt.Errorf("twitchirc: cannot join in state %s", st)
	}
	s.joinMu.Lock()
	s.pending[name] = struct{}{}
	s.joinMu.Unlock()
	if st == StateReady {
		s.setState(StateJoining)
	}
	return s.send("JOIN #" + name)
}

func (s *Session) LeaveChannel(name string) error {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "#"))
	if name == "" {
		return errors.New("twitchirc: channel name is empty")
	}
	return s.send("PART #" + name)
}

// Send writes a chat message to a channel, waiting for the outbound rate
// limiter first.
func (s *Session) Send(ctx context.Context, channel, text string) error {
	return s.privmsg(ctx, "", channel, text)
}

// Reply answers a stored message in its channel as a threaded reply.
func (s *Session) Reply(ctx context.Context, to state.Message, text string) error {
	channel := to.ChannelName
	if channel == "" {
		if c, err := s.store.Channel(to.ChannelID); err == nil {
			channel = c.Name
		}
	}
	if channel == "" {
		return fmt.Errorf("twitchirc: reply target has no channel")
	}
	tag := ""
	if to.PlatformID != "" {
		tag = "@reply-parent-msg-id=" + to.PlatformID + " "
	}
	return s.privmsg(ctx, tag, channel, text)
}

func (s *Session) privmsg(ctx context.Context, tags, channel, text string) error {
	channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
	text = sanitizeOutbound(text)
	if channel == "" || text == "" {
		return errors.New("twitchirc: channel and text are required")
	}
	if st := s.State(); st < StateReady || st == StateClosed {
		return fmt.Errorf("twitchirc: cannot send in state %s", st)
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := s.send(tags + "PRIVMSG #" + channel + " :" + text); err != nil {
		return err
	}
	s.counters.sent.Add(1)
	return nil
}

func sanitizeOutbound(text string) string {
	text = strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
	text = strings.TrimSpace(text)
	if len(text) > maxMessageLen {
		cut := maxMessageLen
		for cut > 0 && !isRuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// send writes one IRC line and flushes.
func (s *Session) send(line string) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil || s.closed {
		return &TransportError{Op: "write", Err: net.ErrClosed}
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := s.w.WriteString(line + "\r\n"); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	if err := s.w.Flush(); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Close ends the session from our side. Run returns nil afterwards.
func (s *Session) Close() error {
	s.closeConn()
	return nil
}

func (s *Session) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.closed = true
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func (s *Session) isClosed() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.closed
}

func authFailure(n *twitch.NoticeMessage) bool {
	if n.MsgID != "" {
		return false
	}
	lower := strings.ToLower(n.Message)
	return strings.Contains(lower, "authentication failed") || strings.Contains(lower, "improperly formatted auth")
}
