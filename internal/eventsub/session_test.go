package eventsub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/twitch-bot/internal/helix"
	"github.com/you/twitch-bot/internal/state"
	"github.com/you/twitch-bot/internal/twitch"
)

const waitTimeout = 2 * time.Second

type fakeSubscriber struct {
	mu   sync.Mutex
	reqs []helix.SubscriptionRequest
	role twitch.Role
	err  error
}

func (f *fakeSubscriber) CreateEventSubSubscription(_ context.Context, role twitch.Role, sub helix.SubscriptionRequest) (helix.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return helix.Subscription{}, f.err
	}
	f.role = role
	f.reqs = append(f.reqs, sub)
	return helix.Subscription{ID: fmt.Sprintf("sub-%d", len(f.reqs)), Status: "enabled", Type: sub.Type}, nil
}

func (f *fakeSubscriber) requests() []helix.SubscriptionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]helix.SubscriptionRequest(nil), f.reqs...)
}

type wsServer struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	closed []context.Context
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	ws := &wsServer{conns: make(chan *websocket.Conn, 4)}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ws.conns <- c
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsServer) url(path string) string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http") + path
}

// next returns the next accepted connection. The server side never reads
// data frames; CloseRead keeps close handshakes flowing.
func (ws *wsServer) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ws.conns:
		ws.closed = append(ws.closed, c.CloseRead(context.Background()))
		t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
		return c
	case <-time.After(waitTimeout):
		t.Fatal("no websocket connection")
		return nil
	}
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c, v))
}

func frame(id, typ string, payload any) map[string]any {
	return map[string]any{
		"metadata": map[string]any{
			"message_id":        id,
			"message_type":      typ,
			"message_timestamp": "2024-05-01T12:00:00Z",
		},
		"payload": payload,
	}
}

func welcome(id string) map[string]any {
	return frame("welcome-"+id, "session_welcome", map[string]any{
		"session": map[string]any{
			"id":                        id,
			"status":                    "connected",
			"keepalive_timeout_seconds": 10,
		},
	})
}

func notification(id, typ string, event map[string]any) map[string]any {
	return frame(id, "notification", map[string]any{
		"subscription": map[string]any{"id": "sub-x", "type": typ, "version": versions[typ], "status": "enabled"},
		"event":        event,
	})
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func start(t *testing.T, s *Session) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	return errc
}

func TestSessionSubscribeAndNotifications(t *testing.T) {
	ws := newWSServer(t)
	store := state.New()
	subs := &fakeSubscriber{}
	s := New(Config{URL: ws.url("/ws")}, subs, store)

	ready := make(chan ReadyEvent, 1)
	online := make(chan StreamOnlineEvent, 2)
	updates := make(chan ChannelUpdateEvent, 1)
	offline := make(chan StreamOfflineEvent, 1)
	s.OnReady(func(_ context.Context, ev ReadyEvent) { ready <- ev })
	s.OnStreamOnline(func(_ context.Context, ev StreamOnlineEvent) { online <- ev })
	s.OnChannelUpdate(func(_ context.Context, ev ChannelUpdateEvent) { updates <- ev })
	s.OnStreamOffline(func(_ context.Context, ev StreamOfflineEvent) { offline <- ev })

	errc := start(t, s)
	conn := ws.next(t)
	send(t, conn, welcome("sess-1"))

	rev := recv(t, ready)
	assert.Equal(t, "sess-1", rev.SessionID)
	assert.Equal(t, StateReady, s.State())

	ids, err := s.SubscribeChannel(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, []string{"sub-1", "sub-2", "sub-3"}, ids)
	assert.Equal(t, StateActive, s.State())

	reqs := subs.requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "channel.update", reqs[0].Type)
	assert.Equal(t, "2", reqs[0].Version)
	assert.Equal(t, map[string]string{"broadcaster_user_id": "42"}, reqs[0].Condition)
	assert.Equal(t, helix.SubscriptionTransport{Method: "websocket", SessionID: "sess-1"}, reqs[0].Transport)
	assert.Equal(t, twitch.RoleBroadcaster, subs.role)

	send(t, conn, notification("m-1", TypeStreamOnline, map[string]any{
		"id":                     "stream-1",
		"broadcaster_user_id":    "42",
		"broadcaster_user_login": "chan",
		"broadcaster_user_name":  "Chan",
		"type":                   "live",
		"started_at":             "2024-05-01T11:00:00Z",
	}))
	on := recv(t, online)
	assert.True(t, on.Channel.Live)
	assert.Equal(t, "chan", on.Channel.Name)
	assert.Equal(t, time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC), on.StartedAt)

	// A redelivered message id is ignored.
	send(t, conn, notification("m-1", TypeStreamOnline, map[string]any{"broadcaster_user_id": "42"}))
	send(t, conn, notification("m-2", "channel.raid", map[string]any{"from_broadcaster_user_id": "1"}))
	send(t, conn, notification("m-3", TypeChannelUpdate, map[string]any{
		"broadcaster_user_id":    "42",
		"broadcaster_user_login": "chan",
		"title":                  "Live now",
		"language":               "en",
		"category_id":            "509658",
		"category_name":          "Just Chatting",
	}))
	up := recv(t, updates)
	assert.Equal(t, "Live now", up.Channel.Title)
	assert.Equal(t, "Just Chatting", up.Channel.CategoryName)
	assert.True(t, up.Channel.Live, "fields absent from the update keep their value")
	assert.Len(t, online, 0)

	send(t, conn, notification("m-4", TypeStreamOffline, map[string]any{"broadcaster_user_id": "42", "broadcaster_user_login": "chan"}))
	off := recv(t, offline)
	assert.False(t, off.Channel.Live)

	ch, err := store.Channel("42")
	require.NoError(t, err)
	assert.Equal(t, "Live now", ch.Title)
	assert.False(t, ch.Live)

	require.NoError(t, s.Close())
	require.NoError(t, recv(t, errc))
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSubscribeRequiresReadySession(t *testing.T) {
	s := New(Config{}, &fakeSubscriber{}, state.New())
	_, err := s.SubscribeForChannel(context.Background(), TypeStreamOnline, "42")
	require.ErrorIs(t, err, ErrNotReady)

	_, err = s.SubscribeForChannel(context.Background(), "channel.follow", "42")
	require.ErrorIs(t, err, ErrUnsupportedType)

	_, err = s.SubscribeForChannel(context.Background(), TypeStreamOnline, "chan")
	require.Error(t, err)
}

func TestSubscribeErrorKeepsReadyState(t *testing.T) {
	ws := newWSServer(t)
	boom := errors.New("boom")
	s := New(Config{URL: ws.url("/ws")}, &fakeSubscriber{err: boom}, state.New())
	ready := make(chan ReadyEvent, 1)
	s.OnReady(func(_ context.Context, ev ReadyEvent) { ready <- ev })

	errc := start(t, s)
	send(t, ws.next(t), welcome("sess-1"))
	recv(t, ready)

	_, err := s.SubscribeForChannel(context.Background(), TypeStreamOnline, "42")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateReady, s.State())

	require.NoError(t, s.Close())
	require.NoError(t, recv(t, errc))
}

func TestSessionReconnectKeepsSubscriptions(t *testing.T) {
	ws := newWSServer(t)
	subs := &fakeSubscriber{}
	s := New(Config{URL: ws.url("/ws")}, subs, state.New())
	readyCount := make(chan ReadyEvent, 4)
	s.OnReady(func(_ context.Context, ev ReadyEvent) { readyCount <- ev })

	errc := start(t, s)
	first := ws.next(t)
	send(t, first, welcome("sess-1"))
	recv(t, readyCount)
	_, err := s.SubscribeForChannel(context.Background(), TypeStreamOnline, "42")
	require.NoError(t, err)

	send(t, first, frame("r-1", "session_reconnect", map[string]any{
		"session": map[string]any{"id": "sess-1", "status": "reconnecting", "reconnect_url": ws.url("/reconnect")},
	}))
	second := ws.next(t)
	send(t, second, welcome("sess-2"))

	require.Eventually(t, func() bool { return s.SessionID() == "sess-2" }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, StateActive, s.State())
	assert.Len(t, readyCount, 0, "a resumed session does not raise ready again")
	assert.Len(t, subs.requests(), 1, "subscriptions carry over a reconnect")

	select {
	case <-ws.closed[0].Done():
	case <-time.After(waitTimeout):
		t.Fatal("the previous connection was not closed")
	}

	require.NoError(t, s.Close())
	require.NoError(t, recv(t, errc))
}

func TestSessionRejectsMissingWelcome(t *testing.T) {
	ws := newWSServer(t)
	s := New(Config{URL: ws.url("/ws")}, &fakeSubscriber{}, state.New())
	errc := start(t, s)
	send(t, ws.next(t), frame("k-1", "session_keepalive", map[string]any{}))

	err := recv(t, errc)
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "welcome", terr.Op)
	assert.Contains(t, err.Error(), "session_welcome")
}

func TestSessionRevocation(t *testing.T) {
	ws := newWSServer(t)
	s := New(Config{URL: ws.url("/ws")}, &fakeSubscriber{}, state.New())
	revoked := make(chan RevocationEvent, 1)
	s.OnRevocation(func(_ context.Context, ev RevocationEvent) { revoked <- ev })

	errc := start(t, s)
	conn := ws.next(t)
	send(t, conn, welcome("sess-1"))
	send(t, conn, frame("v-1", "revocation", map[string]any{
		"subscription": map[string]any{"id": "sub-9", "type": "stream.online", "status": "authorization_revoked"},
	}))

	ev := recv(t, revoked)
	assert.Equal(t, RevocationEvent{SubscriptionID: "sub-9", Type: "stream.online", Status: "authorization_revoked"}, ev)

	require.NoError(t, s.Close())
	require.NoError(t, recv(t, errc))
}
