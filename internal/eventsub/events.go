package eventsub

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/you/twitch-bot/internal/state"
)

type ReadyEvent struct {
	SessionID string
}

type ChannelUpdateEvent struct {
	Channel state.Channel
}

type StreamOnlineEvent struct {
	Channel   state.Channel
	StartedAt time.Time
}

type StreamOfflineEvent struct {
	Channel state.Channel
}

// RevocationEvent reports a subscription the server cancelled.
type RevocationEvent struct {
	SubscriptionID string
	Type           string
	Status         string
}

type handlers struct {
	mu            sync.RWMutex
	ready         []func(context.Context, ReadyEvent)
	channelUpdate []func(context.Context, ChannelUpdateEvent)
	streamOnline  []func(context.Context, StreamOnlineEvent)
	streamOffline []func(context.Context, StreamOfflineEvent)
	revocation    []func(context.Context, RevocationEvent)
}

func (s *Session) OnReady(fn func(context.Context, ReadyEvent)) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	s.h.ready = append(s.h.ready, fn)
}

func (s *Session) OnChannelUpdate(fn func(context.Context, ChannelUpdateEvent)) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	s.h.channelUpdate = append(s.h.channelUpdate, fn)
}

func (s *Session) OnStreamOnline(fn func(context.Context, StreamOnlineEvent)) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	s.h.streamOnline = append(s.h.streamOnline, fn)
}

func (s *Session) OnStreamOffline(fn func(context.Context, StreamOfflineEvent)) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	s.h.streamOffline = append(s.h.streamOffline, fn)
}

func (s *Session) OnRevocation(fn func(context.Context, RevocationEvent)) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	s.h.revocation = append(s.h.revocation, fn)
}

func emit[E any](ctx context.Context, mu *sync.RWMutex, list *[]func(context.Context, E), kind string, ev E) {
	mu.RLock()
	fns := append(([]func(context.Context, E))(nil), (*list)...)
	mu.RUnlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if p := recover(); p != nil {
					slog.Error("eventsub: handler panicked", "event", kind, "panic", p, "stack", string(debug.Stack()))
				}
			}()
			fn(ctx, ev)
		}()
	}
}
