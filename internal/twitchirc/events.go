package twitchirc

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/you/twitch-bot/internal/state"
)

type ReadyEvent struct {
	Self state.GlobalUser
}

type JoinEvent struct {
	Channel state.Channel
	User    state.GlobalUser
	// Self is true for the echo of our own JOIN.
	Self bool
}

type LeaveEvent struct {
	Channel state.Channel
	User    state.GlobalUser
	Self    bool
}

type ChatMessageEvent struct {
	Message state.Message
	Channel state.Channel
	User    state.ChannelUser
}

type ChannelUserUpdateEvent struct {
	Channel     state.Channel
	User        state.GlobalUser
	ChannelUser state.ChannelUser
}

type ChannelUpdateEvent struct {
	Channel state.Channel
}

type NoticeEvent struct {
	Channel string
	MsgID   string
	Text    string
}

// handlers holds the callbacks of each event kind in registration order.
type handlers struct {
	mu                sync.RWMutex
	ready             []func(context.Context, ReadyEvent)
	join              []func(context.Context, JoinEvent)
	leave             []func(context.Context, LeaveEvent)
	chatMessage       []func(context.Context, ChatMessageEvent)
	channelUserUpdate []func(context.Context, ChannelUserUpdateEvent)
	channelUpdate     []func(context.Context, ChannelUpdateEvent)
	notice            []func(context.Context, NoticeEvent)
}

func (s *Session) OnReady(fn func(context.Context, ReadyEvent)) {
	s.h.mu.Lock()
	s.h.ready = append(s.h.ready, fn)
	s.h.mu.Unlock()
}

func (s *Session) OnJoin(fn func(context.Context, JoinEvent)) {
	s.h.mu.Lock()
	s.h.join = append(s.h.join, fn)
	s.h.mu.Unlock()
}

func (s *Session) OnLeave(fn func(context.Context, LeaveEvent)) {
	s.h.mu.Lock()
	s.h.leave = append(s.h.leave, fn)
	s.h.mu.Unlock()
}

func (s *Session) OnChatMessage(fn func(context.Context, ChatMessageEvent)) {
	s.h.mu.Lock()
	s.h.chatMessage = append(s.h.chatMessage, fn)
	s.h.mu.Unlock()
}

func (s *Session) OnChannelUserUpdate(fn func(context.Context, ChannelUserUpdateEvent)) {
	s.h.mu.Lock()
	s.h.channelUserUpdate = append(s.h.channelUserUpdate, fn)
	s.h.mu.Unlock()
}

func (s *Session) OnChannelUpdate(fn func(context.Context, ChannelUpdateEvent)) {
	s.h.mu.Lock()
	s.h.channelUpdate = append(s.h.channelUpdate, fn)
	s.h.mu.Unlock()
}

func (s *Session) OnNotice(fn func(context.Context, NoticeEvent)) {
	s.h.mu.Lock()
	s.h.notice = append(s.h.notice, fn)
	s.h.mu.Unlock()
}

// emit runs every handler in order. A panicking handler is logged and the
// remaining handlers still run.
func emit[E any](ctx context.Context, mu *sync.RWMutex, list *[]func(context.Context, E), kind string, ev E) {
	mu.RLock()
	fns := append(([]func(context.Context, E))(nil), (*list)...)
	mu.RUnlock()
	for i, fn := range fns {
		func() {
			defer func() {
				if p := recover(); p != nil {
					slog.Error("twitchirc: event handler panicked",
						"event", kind,
						"handler", i,
						"panic", p,
						"stack", string(debug.Stack()),
					)
				}
			}()
			fn(ctx, ev)
		}()
	}
}
