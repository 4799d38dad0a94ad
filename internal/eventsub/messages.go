package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/twitch-bot/internal/state"
)

var errUndecodable = errors.New("eventsub: undecodable frame")

type envelope struct {
	Metadata struct {
		MessageID           string    `json:"message_id"`
		MessageType         string    `json:"message_type"`
		MessageTimestamp    time.Time `json:"message_timestamp"`
		SubscriptionType    string    `json:"subscription_type"`
		SubscriptionVersion string    `json:"subscription_version"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type sessionPayload struct {
	ID                      string    `json:"id"`
	Status                  string    `json:"status"`
	ConnectedAt             time.Time `json:"connected_at"`
	KeepaliveTimeoutSeconds int       `json:"keepalive_timeout_seconds"`
	ReconnectURL            string    `json:"reconnect_url"`
}

type notificationPayload struct {
	Subscription struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Type    string `json:"type"`
		Version string `json:"version"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

type broadcaster struct {
	ID    string `json:"broadcaster_user_id"`
	Login string `json:"broadcaster_user_login"`
	Name  string `json:"broadcaster_user_name"`
}

type channelUpdate struct {
	broadcaster
	Title        string `json:"title"`
	Language     string `json:"language"`
	CategoryID   string `json:"category_id"`
	CategoryName string `json:"category_name"`
}

type streamOnline struct {
	broadcaster
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	StartedAt time.Time `json:"started_at"`
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (envelope, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return envelope{}, err
	}
	if typ != websocket.MessageText {
		return envelope{}, fmt.Errorf("%w: binary frame", errUndecodable)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", errUndecodable, err)
	}
	return env, nil
}

// notify decodes a notification by its declared type, reconciles the channel
// and raises the matching event. Unknown or undecodable payloads are logged
// and dropped.
func (s *Session) notify(ctx context.Context, env envelope) {
	var p notificationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		slog.Warn("eventsub: dropped notification", "err", err)
		return
	}
	typ := p.Subscription.Type
	if typ == "" {
		typ = env.Metadata.SubscriptionType
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncNotification(typ)
	}

	switch typ {
	case TypeChannelUpdate:
		var ev channelUpdate
		if !decodeEvent(p.Event, &ev, typ) {
			return
		}
		ch, ok := s.upsert(ev.broadcaster, state.ChannelDelta{
			Title:        &ev.Title,
			Language:     &ev.Language,
			CategoryID:   &ev.CategoryID,
			CategoryName: &ev.CategoryName,
		})
		if !ok {
			return
		}
		emit(ctx, &s.h.mu, &s.h.channelUpdate, "channel_update", ChannelUpdateEvent{Channel: ch})

	case TypeStreamOnline:
		var ev streamOnline
		if !decodeEvent(p.Event, &ev, typ) {
			return
		}
		started := ev.StartedAt.UTC()
		ch, ok := s.upsert(ev.broadcaster, state.ChannelDelta{Live: state.Ptr(true), StartedAt: &started})
		if !ok {
			return
		}
		emit(ctx, &s.h.mu, &s.h.streamOnline, "stream_online", StreamOnlineEvent{Channel: ch, StartedAt: started})

	case TypeStreamOffline:
		var ev broadcaster
		if !decodeEvent(p.Event, &ev, typ) {
			return
		}
		ch, ok := s.upsert(ev, state.ChannelDelta{Live: state.Ptr(false)})
		if !ok {
			return
		}
		emit(ctx, &s.h.mu, &s.h.streamOffline, "stream_offline", StreamOfflineEvent{Channel: ch})

	default:
		slog.Warn("eventsub: dropped notification of unknown type", "type", typ, "id", p.Subscription.ID)
	}
}

func decodeEvent(raw json.RawMessage, v any, typ string) bool {
	if len(raw) == 0 {
		slog.Warn("eventsub: notification without event", "type", typ)
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		slog.Warn("eventsub: dropped undecodable event", "type", typ, "err", err)
		return false
	}
	return true
}

func (s *Session) upsert(b broadcaster, d state.ChannelDelta) (state.Channel, bool) {
	if !state.ValidID(b.ID) {
		slog.Warn("eventsub: event without broadcaster id")
		return state.Channel{}, false
	}
	d.ID = b.ID
	if b.Login != "" {
		d.Name = &b.Login
	}
	ch, err := s.store.UpsertChannel(d)
	if err != nil {
		slog.Warn("eventsub: channel upsert failed", "channel_id", b.ID, "err", err)
		return state.Channel{}, false
	}
	return ch, true
}
