package state

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertGlobalUserMergesPresentFields(t *testing.T) {
	s := New()
	_, err := s.UpsertGlobalUser(GlobalUserDelta{ID: "1", Login: Ptr("alice"), DisplayName: Ptr("Alice"), Color: Ptr("#FF0000")})
	require.NoError(t, err)

	u, err := s.UpsertGlobalUser(GlobalUserDelta{ID: "1", Color: Ptr("#00FF00")})
	require.NoError(t, err)
	assert.Equal(t, GlobalUser{ID: "1", Login: "alice", DisplayName: "Alice", Color: "#00FF00"}, u)

	got, err := s.GlobalUser("1")
	require.NoError(t, err)
	assert.Equal(t, u, got)
}

func TestUpsertGlobalUserWithoutIDResolvesByName(t *testing.T) {
	s := New()
	require.NoError(t, s.InsertGlobalUser(GlobalUser{ID: "1", Login: "alice", DisplayName: "Alice"}))

	u, err := s.UpsertGlobalUser(GlobalUserDelta{DisplayName: Ptr("ALICE"), Color: Ptr("#123456")})
	require.NoError(t, err)
	assert.Equal(t, "1", u.ID)
	assert.Equal(t, "ALICE", u.DisplayName)

	_, err = s.UpsertGlobalUser(GlobalUserDelta{DisplayName: Ptr("nobody")})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.UpsertGlobalUser(GlobalUserDelta{})
	require.ErrorIs(t, err, ErrNoID)
}

func TestFindGlobalUserByNameCaseInsensitive(t *testing.T) {
	s := New()
	require.NoError(t, s.InsertGlobalUser(GlobalUser{ID: "1", Login: "Alice"}))

	u, ok := s.FindGlobalUserByName("ALICE")
	require.True(t, ok)
	assert.Equal(t, "1", u.ID)
	assert.Equal(t, "alice", u.Login)

	_, ok = s.FindGlobalUserByName("bob")
	assert.False(t, ok)
}

func TestRenameUpdatesNameIndex(t *testing.T) {
	s := New()
	require.NoError(t, s.InsertGlobalUser(GlobalUser{ID: "1", Login: "old"}))
	_, err := s.UpsertGlobalUser(GlobalUserDelta{ID: "1", Login: Ptr("new")})
	require.NoError(t, err)

	_, ok := s.FindGlobalUserByName("old")
	assert.False(t, ok)
	u, ok := s.FindGlobalUserByName("New")
	require.True(t, ok)
	assert.Equal(t, "1", u.ID)
}

func TestDisplayNameDoesNotShadowLogin(t *testing.T) {
	s := New()
	require.NoError(t, s.InsertGlobalUser(GlobalUser{ID: "1", Login: "bob"}))
	require.NoError(t, s.InsertGlobalUser(GlobalUser{ID: "2", Login: "robert", DisplayName: "Bob"}))

	u, ok := s.FindGlobalUserByName("bob")
	require.True(t, ok)
	assert.Equal(t, "1", u.ID)
}

func TestInsertDuplicate(t *testing.T) {
	s := New()
	require.NoError(t, s.InsertGlobalUser(GlobalUser{ID: "1"}))
	require.ErrorIs(t, s.InsertGlobalUser(GlobalUser{ID: "1"}), ErrExists)
	require.ErrorIs(t, s.InsertGlobalUser(GlobalUser{}), ErrNoID)

	require.NoError(t, s.InsertChannel(Channel{ID: "9", Name: "#Streamer"}))
	require.ErrorIs(t, s.InsertChannel(Channel{ID: "9"}), ErrExists)
}

func TestGetMissing(t *testing.T) {
	s := New()
	_, err := s.GlobalUser("404")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Channel("404")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.ChannelUser("1", "2")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Message(uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertChannelCreatesLazilyAndMerges(t *testing.T) {
	s := New()
	c, err := s.UpsertChannel(ChannelDelta{ID: "9", Name: Ptr("#Streamer"), Slow: Ptr(30)})
	require.NoError(t, err)
	assert.Equal(t, "streamer", c.Name)
	assert.Equal(t, -1, c.FollowersOnly)
	assert.Equal(t, 30, c.Slow)

	started := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	c, err = s.UpsertChannel(ChannelDelta{Name: Ptr("streamer"), Live: Ptr(true), StartedAt: &started})
	require.NoError(t, err)
	assert.Equal(t, "9", c.ID)
	assert.True(t, c.Live)
	assert.Equal(t, 30, c.Slow)
	assert.Equal(t, started, c.StartedAt)

	found, ok := s.FindChannelByName("#STREAMER")
	require.True(t, ok)
	assert.Equal(t, c, found)

	_, err = s.UpsertChannel(ChannelDelta{Name: Ptr("unknown")})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertChannelUserRequiresChannel(t *testing.T) {
	s := New()
	_, _, err := s.UpsertChannelUser("9", GlobalUserDelta{ID: "1"}, ChannelUserDelta{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertChannelUserFieldLevel(t *testing.T) {
	s := New()
	require.NoError(t, s.InsertChannel(Channel{ID: "9", Name: "streamer"}))

	cu, gu, err := s.UpsertChannelUser("9",
		GlobalUserDelta{ID: "1", Login: Ptr("alice")},
		ChannelUserDelta{Moderator: Ptr(true), Subscriber: Ptr(true), Badges: Ptr("moderator/1")})
	require.NoError(t, err)
	assert.Equal(t, "alice", gu.Login)
	assert.True(t, cu.Moderator)

	cu, _, err = s.UpsertChannelUser("9",
		GlobalUserDelta{ID: "1"},
		ChannelUserDelta{Subscriber: Ptr(false)})
	require.NoError(t, err)
	assert.True(t, cu.Moderator, "absent field must keep its value")
	assert.False(t, cu.Subscriber)
	assert.Equal(t, "moderator/1", cu.Badges)
}

func TestUpsertChannelUserIsPerChannel(t *testing.T) {
	s := New()
	require.NoError(t, s.InsertChannel(Channel{ID: "9", Name: "one"}))
	require.NoError(t, s.InsertChannel(Channel{ID: "10", Name: "two"}))

	_, _, err := s.UpsertChannelUser("9", GlobalUserDelta{ID: "1"}, ChannelUserDelta{Moderator: Ptr(true)})
	require.NoError(t, err)
	cu, _, err := s.UpsertChannelUser("10", GlobalUserDelta{ID: "1"}, ChannelUserDelta{Subscriber: Ptr(true)})
	require.NoError(t, err)
	assert.False(t, cu.Moderator)

	assert.Len(t, s.ChannelUsers("9"), 1)
	assert.Len(t, s.ChannelUsers("10"), 1)
	assert.Equal(t, 1, s.Stats().GlobalUsers)

	s.RemoveChannelUser("9", "1")
	assert.Empty(t, s.ChannelUsers("9"))
}

func TestUpsertChannelUserByDisplayName(t *testing.T) {
	s := New()
	require.NoError(t, s.InsertChannel(Channel{ID: "9", Name: "streamer"}))
	require.NoError(t, s.InsertGlobalUser(GlobalUser{ID: "42", Login: "mybot", DisplayName: "MyBot"}))

	tags := map[string]string{"display-name": "MyBot", "mod": "1", "badges": "moderator/1", "user-type": "mod"}
	cu, gu, err := s.UpsertChannelUser("9", DecodeGlobalUser(tags, ""), DecodeChannelUser(tags))
	require.NoError(t, err)
	assert.Equal(t, "42", gu.ID)
	assert.True(t, cu.Moderator)

	found, ok := s.FindChannelUserByName("9", "mybot")
	require.True(t, ok)
	assert.Equal(t, cu, found)
}

func TestNameIndexFollowsVacatedLogin(t *testing.T) {
	s := New()
	require.NoError(t, s.InsertGlobalUser(GlobalUser{ID: "1", Login: "bob"}))
	require.NoError(t, s.InsertGlobalUser(GlobalUser{ID: "2", Login: "robert", DisplayName: "Bob"}))

	found, ok := s.FindGlobalUserByName("bob")
	require.True(t, ok)
	assert.Equal(t, "1", found.ID, "a login beats a display name")

	_, err := s.UpsertGlobalUser(GlobalUserDelta{ID: "1", Login: Ptr("bobby")})
	require.NoError(t, err)

	found, ok = s.FindGlobalUserByName("bob")
	require.True(t, ok)
	assert.Equal(t, "2", found.ID)
	found, ok = s.FindGlobalUserByName("bobby")
	require.True(t, ok)
	assert.Equal(t, "1", found.ID)
}

func TestNameIndexDropsVacatedDisplayName(t *testing.T) {
	s := New()
	_, err := s.UpsertGlobalUser(GlobalUserDelta{ID: "3", Login: Ptr("carol"), DisplayName: Ptr("Caz")})
	require.NoError(t, err)
	_, err = s.UpsertGlobalUser(GlobalUserDelta{ID: "3", DisplayName: Ptr("Carol")})
	require.NoError(t, err)

	_, ok := s.FindGlobalUserByName("caz")
	assert.False(t, ok)
	found, ok := s.FindGlobalUserByName("CAROL")
	require.True(t, ok)
	assert.Equal(t, "3", found.ID)
}

func TestApplyingDeltaTwiceIsIdempotent(t *testing.T) {
	s := New()
	started := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	cd := ChannelDelta{ID: "9", Name: Ptr("streamer"), Live: Ptr(true), StartedAt: &started, Slow: Ptr(10), Title: Ptr("hi")}

	first, err := s.UpsertChannel(cd)
	require.NoError(t, err)
	second, err := s.UpsertChannel(cd)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	stored, err := s.Channel("9")
	require.NoError(t, err)
	assert.Equal(t, first, stored)

	ud := GlobalUserDelta{ID: "1", Login: Ptr("alice"), DisplayName: Ptr("Alice")}
	cud := ChannelUserDelta{Moderator: Ptr(true), Badges: Ptr("moderator/1"), FirstMessage: Ptr(false)}
	cu1, gu1, err := s.UpsertChannelUser("9", ud, cud)
	require.NoError(t, err)
	cu2, gu2, err := s.UpsertChannelUser("9", ud, cud)
	require.NoError(t, err)
	assert.Equal(t, cu1, cu2)
	assert.Equal(t, gu1, gu2)
	assert.Len(t, s.ChannelUsers("9"), 1)
	assert.Equal(t, 1, s.Stats().GlobalUsers)
}

func TestInsertMessageImmutable(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithNow(func() time.Time { return now }))

	m, err := s.InsertMessage(Message{Body: "hello"})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, m.ID)
	assert.Equal(t, now, m.ReceivedAt)

	_, err = s.InsertMessage(Message{ID: m.ID, Body: "changed"})
	require.ErrorIs(t, err, ErrExists)

	got, err := s.Message(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Body)
}

func TestMessageRetention(t *testing.T) {
	s := New(WithMessageRetention(3))
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		m, err := s.InsertMessage(Message{Body: fmt.Sprint(i)})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	_, err := s.Message(ids[0])
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Message(ids[4])
	require.NoError(t, err)
	assert.Equal(t, 3, s.Stats().Messages)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	s := New()
	require.NoError(t, s.InsertChannel(Channel{ID: "9", Name: "streamer"}))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("%d", w*1000+i)
				_, _, err := s.UpsertChannelUser("9",
					GlobalUserDelta{ID: id, Login: Ptr("user" + id)},
					ChannelUserDelta{Subscriber: Ptr(i%2 == 0)})
				assert.NoError(t, err)
				_, err = s.UpsertChannel(ChannelDelta{ID: "9", Title: Ptr(id)})
				assert.NoError(t, err)
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _ = s.FindChannelByName("streamer")
				_ = s.ChannelUsers("9")
				_, _ = s.FindGlobalUserByName("user1")
				_ = s.Stats()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 800, s.Stats().ChannelUsers)
}
