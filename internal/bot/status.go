package bot

import (
	"github.com/you/twitch-bot/internal/state"
	"github.com/you/twitch-bot/internal/twitchirc"
)

type ChatStatus struct {
	State  string          `json:"state"`
	Joined []string        `json:"joined"`
	Stats  twitchirc.Stats `json:"stats"`
}

type NotificationStatus struct {
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
}

type Status struct {
	Self          state.GlobalUser   `json:"self"`
	Chat          ChatStatus         `json:"chat"`
	Notifications NotificationStatus `json:"notifications"`
	Entities      state.Stats        `json:"entities"`
	GoalWatches   int                `json:"goal_watches"`
}

// Status snapshots the sessions and the entity store for the admin server.
func (b *Bot) Status() any {
	b.mu.Lock()
	st := Status{Self: b.self, GoalWatches: len(b.watching)}
	chat, events := b.chat, b.events
	b.mu.Unlock()

	st.Chat.State = twitchirc.StateDisconnected.String()
	st.Chat.Joined = []string{}
	if chat != nil {
		st.Chat.State = chat.State().String()
		st.Chat.Joined = chat.Joined()
		st.Chat.Stats = chat.Stats()
	}
	st.Notifications.State = "disconnected"
	if events != nil {
		st.Notifications.State = events.State().String()
		st.Notifications.SessionID = events.SessionID()
	}
	st.Entities = b.deps.Store.Stats()
	return st
}
