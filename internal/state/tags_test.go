package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChannelUserFlags(t *testing.T) {
	tests := []struct {
		name string
		tags map[string]string
		want ChannelUserDelta
	}{
		{
			name: "all flags",
			tags: map[string]string{"mod": "1", "subscriber": "0", "turbo": "1", "first-msg": "0", "returning-chatter": "1", "badges": "moderator/1", "user-type": "mod"},
			want: ChannelUserDelta{
				Moderator: Ptr(true), Subscriber: Ptr(false), Turbo: Ptr(true),
				FirstMessage: Ptr(false), ReturningChatter: Ptr(true),
				Badges: Ptr("moderator/1"), UserType: Ptr("mod"),
			},
		},
		{
			name: "empty flag tags are ignored",
			tags: map[string]string{"mod": "", "subscriber": ""},
			want: ChannelUserDelta{},
		},
		{
			name: "empty badges and user-type still set",
			tags: map[string]string{"badges": "", "user-type": ""},
			want: ChannelUserDelta{Badges: Ptr(""), UserType: Ptr("")},
		},
		{
			name: "no tags",
			tags: nil,
			want: ChannelUserDelta{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeChannelUser(tt.tags))
		})
	}
}

func TestEmptyFlagLeavesStoredValue(t *testing.T) {
	s := New()
	require.NoError(t, s.InsertChannel(Channel{ID: "9", Name: "c"}))
	_, _, err := s.UpsertChannelUser("9", GlobalUserDelta{ID: "1"}, DecodeChannelUser(map[string]string{"mod": "1", "badges": "moderator/1"}))
	require.NoError(t, err)

	cu, _, err := s.UpsertChannelUser("9", GlobalUserDelta{ID: "1"}, DecodeChannelUser(map[string]string{"mod": "", "badges": ""}))
	require.NoError(t, err)
	assert.True(t, cu.Moderator)
	assert.Equal(t, "", cu.Badges)
}

func TestDecodeGlobalUser(t *testing.T) {
	d := DecodeGlobalUser(map[string]string{"user-id": "42", "display-name": "Alice", "color": "", "user-type": ""}, "Alice")
	assert.Equal(t, "42", d.ID)
	require.NotNil(t, d.Login)
	assert.Equal(t, "alice", *d.Login)
	assert.Equal(t, "Alice", *d.DisplayName)
	require.NotNil(t, d.Color)
	assert.Equal(t, "", *d.Color)

	d = DecodeGlobalUser(map[string]string{"display-name": ""}, "")
	assert.Nil(t, d.Login)
	assert.Nil(t, d.DisplayName)
	assert.Nil(t, d.Color)
}

func TestDecodeRoomState(t *testing.T) {
	d := DecodeRoomState(map[string]string{"room-id": "9", "emote-only": "0", "followers-only": "-1", "r9k": "0", "slow": "10", "subs-only": "1"}, "#Streamer")
	assert.Equal(t, "9", d.ID)
	assert.Equal(t, "streamer", *d.Name)
	assert.False(t, *d.EmoteOnly)
	assert.True(t, *d.SubsOnly)
	assert.Equal(t, -1, *d.FollowersOnly)
	assert.Equal(t, 10, *d.Slow)

	partial := DecodeRoomState(map[string]string{"room-id": "9", "slow": "0"}, "#streamer")
	assert.Nil(t, partial.EmoteOnly)
	assert.Nil(t, partial.FollowersOnly)
	assert.Equal(t, 0, *partial.Slow)
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("12345"))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("abc"))
	assert.False(t, ValidID("-1"))
}
