package bot

import (
	"context"
	"log/slog"

	"github.com/you/twitch-bot/internal/command"
	"github.com/you/twitch-bot/internal/twitchirc"
)

// dispatch archives a chat message and runs the command it names, if any.
// Unknown commands are logged and never answered.
func (b *Bot) dispatch(ctx context.Context, ev twitchirc.ChatMessageEvent, r command.Replier) {
	msg := ev.Message
	if b.deps.Archive != nil {
		if err := b.deps.Archive.Write(msg); err != nil {
			slog.Warn("bot: archive write failed", "channel", msg.ChannelName, "err", err)
		}
	}

	b.mu.Lock()
	selfID := b.self.ID
	b.mu.Unlock()
	if selfID != "" && msg.Author.ID == selfID {
		return
	}

	name, args, ok := command.Parse(b.cfg.CommandPrefix, msg.Body)
	if !ok {
		return
	}
	inv := command.NewInvocation(name, args, msg, ev.Channel, r)
	out, err := b.deps.Registry.Invoke(ctx, name, inv)
	if b.deps.Metrics != nil {
		b.deps.Metrics.IncCommand(out.String())
	}
	switch out {
	case command.OutcomeUnknown:
		slog.Info("bot: unknown command", "command", name, "channel", ev.Channel.Name, "user", msg.Author.Login)
	case command.OutcomeFailed:
		slog.Error("bot: command failed", "command", name, "channel", ev.Channel.Name, "user", msg.Author.Login, "err", err)
	default:
		slog.Debug("bot: command handled", "command", inv.Command, "channel", ev.Channel.Name)
	}
}
