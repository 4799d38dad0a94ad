package bot

import (
	"context"
	"errors"
	"log/slog"

	"github.com/you/twitch-bot/internal/eventsub"
	"github.com/you/twitch-bot/internal/goal"
)

// startNotifications opens the EventSub session once the chat session is
// active in the primary channel. Every new EventSub session subscribes the
// primary channel again; a session that dies with a transport error is
// replaced after ReconnectDelay.
func (b *Bot) startNotifications(ctx context.Context) {
	b.mu.Lock()
	if b.events != nil {
		b.mu.Unlock()
		return
	}
	es := b.newEventSubSession()
	b.events = es
	b.mu.Unlock()

	go func() {
		for {
			err := es.Run(ctx)
			if ctx.Err() != nil || err == nil {
				return
			}
			slog.Warn("bot: eventsub session lost; reconnecting", "err", err, "delay", b.cfg.ReconnectDelay)
			select {
			case <-ctx.Done():
				return
			case <-b.deps.Clock.After(b.cfg.ReconnectDelay):
			}

			b.mu.Lock()
			if b.events != es {
				b.mu.Unlock()
				return
			}
			es = b.newEventSubSession()
			b.events = es
			b.mu.Unlock()
		}
	}()
}

func (b *Bot) newEventSubSession() *eventsub.Session {
	cfg := b.cfg.EventSub
	if b.deps.Metrics != nil {
		cfg.Metrics = b.deps.Metrics
	}
	es := eventsub.New(cfg, b.deps.API, b.deps.Store)
	es.OnReady(func(ctx context.Context, _ eventsub.ReadyEvent) {
		go func() {
			if _, err := es.SubscribeChannel(ctx, b.cfg.PrimaryChannelID); err != nil {
				slog.Error("bot: subscribe primary channel failed", "channel_id", b.cfg.PrimaryChannelID, "err", err)
			}
		}()
	})
	es.OnStreamOnline(func(ctx context.Context, ev eventsub.StreamOnlineEvent) {
		slog.Info("bot: stream online", "channel", ev.Channel.Name, "started_at", ev.StartedAt)
		b.watchGoal(ctx, ev.Channel.ID, ev.Channel.Name)
	})
	es.OnStreamOffline(func(_ context.Context, ev eventsub.StreamOfflineEvent) {
		slog.Info("bot: stream offline", "channel", ev.Channel.Name)
		b.stopGoalWatch(ev.Channel.ID)
	})
	es.OnChannelUpdate(func(_ context.Context, ev eventsub.ChannelUpdateEvent) {
		slog.Info("bot: channel updated", "channel", ev.Channel.Name, "title", ev.Channel.Title, "category", ev.Channel.CategoryName)
	})
	es.OnRevocation(func(_ context.Context, ev eventsub.RevocationEvent) {
		slog.Warn("bot: subscription revoked", "type", ev.Type, "status", ev.Status)
	})
	return es
}

func (b *Bot) stopNotifications() {
	b.mu.Lock()
	es := b.events
	b.events = nil
	b.mu.Unlock()
	if es != nil {
		_ = es.Close()
	}
}

// Notifications returns the current EventSub session, or nil.
func (b *Bot) Notifications() *eventsub.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events
}

// watchGoal announces goal completion in the channel while it is live.
func (b *Bot) watchGoal(ctx context.Context, channelID, channel string) {
	if b.deps.Goals == nil {
		return
	}
	if _, err := b.deps.Goals.Goal(channelID); err != nil {
		return
	}
	b.mu.Lock()
	if _, ok := b.watching[channelID]; ok {
		b.mu.Unlock()
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &goalWatch{cancel: cancel}
	b.watching[channelID] = w
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			if b.watching[channelID] == w {
				delete(b.watching, channelID)
			}
			b.mu.Unlock()
			cancel()
		}()
		send := func(ctx context.Context, text string) error { return b.Send(ctx, channel, text) }
		err := b.deps.Goals.WatchCompletion(wctx, channelID, b.cfg.GoalInterval, send)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, goal.ErrNoGoal) {
			slog.Warn("bot: goal watch ended", "channel", channel, "err", err)
		}
	}()
}

type goalWatch struct {
	cancel context.CancelFunc
}

func (b *Bot) stopGoalWatch(channelID string) {
	b.mu.Lock()
	w, ok := b.watching[channelID]
	delete(b.watching, channelID)
	b.mu.Unlock()
	if ok {
		w.cancel()
	}
}

func (b *Bot) stopGoalWatches() {
	b.mu.Lock()
	watching := b.watching
	b.watching = make(map[string]*goalWatch)
	b.mu.Unlock()
	for _, w := range watching {
		w.cancel()
	}
}
