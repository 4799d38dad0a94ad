package sink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/twitch-bot/internal/state"
)

func openTestSink(t *testing.T) *SQLiteSink {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "chat.db"), Options{Tuning: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func message(platformID, channel, login, body string, offset time.Duration) state.Message {
	return state.Message{
		ID:          uuid.New(),
		PlatformID:  platformID,
		ChannelID:   "id-" + channel,
		ChannelName: channel,
		Author: state.GlobalUser{
			ID:          "u-" + login,
			Login:       login,
			DisplayName: "The" + login,
			Color:       "#FF0000",
		},
		AuthorState: state.ChannelUser{Badges: "moderator/1", Moderator: true},
		Body:        body,
		ReceivedAt:  base.Add(offset),
	}
}

func TestSQLiteSinkRoundTrip(t *testing.T) {
	s := openTestSink(t)
	ctx := context.Background()

	want := message("p-1", "chan", "alice", "hello", 0)
	want.ReplyParentID = "p-0"
	require.NoError(t, s.Write(want))

	got, err := s.ListMessages(ctx, Filters{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want.ID, got[0].ID)
	assert.Equal(t, "hello", got[0].Body)
	assert.Equal(t, "p-0", got[0].ReplyParentID)
	assert.Equal(t, want.Author, got[0].Author)
	assert.True(t, got[0].AuthorState.Moderator)
	assert.False(t, got[0].AuthorState.Subscriber)
	assert.Equal(t, "id-chan", got[0].AuthorState.ChannelID)
	assert.True(t, want.ReceivedAt.Equal(got[0].ReceivedAt))
}

func TestSQLiteSinkIgnoresDuplicates(t *testing.T) {
	s := openTestSink(t)
	ctx := context.Background()

	first := message("p-1", "chan", "alice", "hello", 0)
	require.NoError(t, s.Write(first))
	require.NoError(t, s.Write(first), "same id is ignored")

	redelivered := message("p-1", "chan", "alice", "hello", time.Second)
	require.NoError(t, s.Write(redelivered), "same platform id is ignored")

	require.NoError(t, s.Write(message("", "chan", "bob", "a", 0)))
	require.NoError(t, s.Write(message("", "chan", "bob", "b", 0)))

	n, err := s.CountMessages(ctx, Filters{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestSQLiteSinkFilters(t *testing.T) {
	s := openTestSink(t)
	ctx := context.Background()

	require.NoError(t, s.WriteBatch([]state.Message{
		message("1", "chan", "alice", "one", 0),
		message("2", "chan", "bob", "two", time.Minute),
		message("3", "other", "alice", "three", 2*time.Minute),
		message("4", "other", "carol", "four", 3*time.Minute),
	}))

	got, err := s.ListMessages(ctx, Filters{Channels: []string{"chan"}, Order: OrderAsc})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Body)
	assert.Equal(t, "two", got[1].Body)

	got, err = s.ListMessages(ctx, Filters{Users: []string{"ali"}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "three", got[0].Body, "newest first by default")

	since := base.Add(90 * time.Second)
	n, err := s.CountMessages(ctx, Filters{Since: &since})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got, err = s.ListMessages(ctx, Filters{Limit: 1, Order: OrderAsc})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "one", got[0].Body)

	require.NoError(t, s.Ping())
}
