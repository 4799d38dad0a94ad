package twitchirc

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/you/twitch-bot/internal/state"
)

// route reconciles one post-authentication message into the store and
// raises the matching event. Every message kind takes exactly one path;
// anything unrecognised is counted as dropped.
func (s *Session) route(ctx context.Context, msg twitch.Message) {
	switch m := msg.(type) {
	case *twitch.PrivateMessage:
		s.onPrivmsg(ctx, m)
	case *twitch.UserStateMessage:
		s.onUserState(ctx, m)
	case *twitch.RoomStateMessage:
		s.onRoomState(ctx, m)
	case *twitch.GlobalUserStateMessage:
		s.onGlobalUserState(m)
	case *twitch.UserJoinMessage:
		s.onJoin(ctx, m, m.Channel, m.User)
	case *twitch.UserPartMessage:
		s.onPart(ctx, m, m.Channel, m.User)
	case *twitch.NoticeMessage:
		s.routed("notice")
		emit(ctx, &s.h.mu, &s.h.notice, "notice", NoticeEvent{Channel: m.Channel, MsgID: m.MsgID, Text: m.Message})
	case *twitch.PongMessage:
	case *twitch.RawMessage:
		if m.RawType == "CAP" {
			s.drop(dropLateCap, m)
			return
		}
		s.drop(dropUnhandled, m)
	default:
		s.drop(dropUnhandled, m)
	}
}

func (s *Session) onPrivmsg(ctx context.Context, m *twitch.PrivateMessage) {
	if !state.ValidID(m.RoomID) {
		s.drop(dropProtocol, m)
		return
	}
	name := strings.ToLower(m.Channel)
	ch, err := s.store.UpsertChannel(state.ChannelDelta{ID: m.RoomID, Name: &name})
	if err != nil {
		s.drop(dropProtocol, m)
		return
	}
	cu, author, err := s.store.UpsertChannelUser(ch.ID,
		state.DecodeGlobalUser(m.Tags, m.User.Name),
		state.DecodeChannelUser(m.Tags))
	if err != nil {
		slog.Warn("twitchirc: privmsg author unresolved", "channel", ch.Name, "user", m.User.Name, "err", err)
		s.drop(dropProtocol, m)
		return
	}
	stored, err := s.store.InsertMessage(state.Message{
		PlatformID:    m.ID,
		ChannelID:     ch.ID,
		ChannelName:   ch.Name,
		Author:        author,
		AuthorState:   cu,
		Body:          m.Message,
		ReplyParentID: m.Tags["reply-parent-msg-id"],
	})
	if err != nil {
		s.drop(dropProtocol, m)
		return
	}
	s.routed("privmsg")
	emit(ctx, &s.h.mu, &s.h.chatMessage, "chat_message", ChatMessageEvent{Message: stored, Channel: ch, User: cu})
}

// onUserState applies our own per-channel state. USERSTATE carries no
// user-id, so the user is resolved by the bot's login.
func (s *Session) onUserState(ctx context.Context, m *twitch.UserStateMessage) {
	ch, ok := s.store.FindChannelByName(m.Channel)
	if !ok {
		s.drop(dropUnknownChannel, m)
		return
	}
	delta := state.DecodeGlobalUser(m.Tags, s.cfg.Nick)
	if delta.ID == "" {
		delta.ID = s.Self().ID
	}
	cu, user, err := s.store.UpsertChannelUser(ch.ID, delta, state.DecodeChannelUser(m.Tags))
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) && !errors.Is(err, state.ErrNoID) {
			slog.Warn("twitchirc: userstate", "channel", ch.Name, "err", err)
		}
		s.drop(dropProtocol, m)
		return
	}
	s.routed("userstate")
	emit(ctx, &s.h.mu, &s.h.channelUserUpdate, "channel_user_update",
		ChannelUserUpdateEvent{Channel: ch, User: user, ChannelUser: cu})
}

func (s *Session) onRoomState(ctx context.Context, m *twitch.RoomStateMessage) {
	delta := state.DecodeRoomState(m.Tags, strings.ToLower(m.Channel))
	ch, err := s.store.UpsertChannel(delta)
	if err != nil {
		s.drop(dropProtocol, m)
		return
	}
	s.routed("roomstate")
	emit(ctx, &s.h.mu, &s.h.channelUpdate, "channel_update", ChannelUpdateEvent{Channel: ch})
}

func (s *Session) onGlobalUserState(m *twitch.GlobalUserStateMessage) {
	self, err := s.store.UpsertGlobalUser(state.DecodeGlobalUser(m.Tags, s.cfg.Nick))
	if err != nil {
		s.drop(dropProtocol, m)
		return
	}
	s.selfMu.Lock()
	s.self = self
	s.selfMu.Unlock()
	s.routed("globaluserstate")
}

func (s *Session) onJoin(ctx context.Context, msg twitch.Message, channel, login string) {
	channel = strings.ToLower(channel)
	login = strings.ToLower(login)
	self := login == s.cfg.Nick

	if self {
		s.joinMu.Lock()
		delete(s.pending, channel)
		s.joined[channel] = struct{}{}
		s.joinMu.Unlock()
		if st := s.State(); st == StateJoining || st == StateReady {
			s.setState(StateActive)
		}
		slog.Info("twitchirc: joined", "channel", channel)
	}

	ch, ok := s.store.FindChannelByName(channel)
	if !ok {
		if !self {
			s.drop(dropUnknownChannel, msg)
			return
		}
		ch = state.Channel{Name: channel, FollowersOnly: -1}
	}
	user, ok := s.store.FindGlobalUserByName(login)
	if !ok {
		user = state.GlobalUser{Login: login}
	}
	s.routed("join")
	emit(ctx, &s.h.mu, &s.h.join, "join", JoinEvent{Channel: ch, User: user, Self: self})
}

func (s *Session) onPart(ctx context.Context, msg twitch.Message, channel, login string) {
	channel = strings.ToLower(channel)
	login = strings.ToLower(login)
	self := login == s.cfg.Nick

	if self {
		s.joinMu.Lock()
		delete(s.joined, channel)
		s.joinMu.Unlock()
	}

	ch, ok := s.store.FindChannelByName(channel)
	if !ok {
		s.drop(dropUnknownChannel, msg)
		return
	}
	user, ok := s.store.FindGlobalUserByName(login)
	if ok {
		s.store.RemoveChannelUser(ch.ID, user.ID)
	} else {
		user = state.GlobalUser{Login: login}
	}
	s.routed("part")
	emit(ctx, &s.h.mu, &s.h.leave, "leave", LeaveEvent{Channel: ch, User: user, Self: self})
}
