package state

import (
	"strconv"
	"strings"
)

// DecodeGlobalUser reads user fields from message tags. login comes from the
// message prefix since Twitch does not tag it; pass "" when unknown.
func DecodeGlobalUser(tags map[string]string, login string) GlobalUserDelta {
	d := GlobalUserDelta{ID: strings.TrimSpace(tags["user-id"])}
	if login = strings.ToLower(strings.TrimSpace(login)); login != "" {
		d.Login = &login
	}
	if v, ok := tags["display-name"]; ok && v != "" {
		d.DisplayName = Ptr(v)
	}
	if v, ok := tags["color"]; ok {
		d.Color = Ptr(v)
	}
	if v, ok := tags["user-type"]; ok {
		d.Type = Ptr(v)
	}
	return d
}

// DecodeChannelUser reads per-channel flags from message tags. Flags are only
// set when the tag is present and non-empty; badges and user-type are set
// whenever the tag is present, even when empty.
func DecodeChannelUser(tags map[string]string) ChannelUserDelta {
	return ChannelUserDelta{
		Moderator:        flagTag(tags, "mod"),
		Subscriber:       flagTag(tags, "subscriber"),
		Turbo:            flagTag(tags, "turbo"),
		FirstMessage:     flagTag(tags, "first-msg"),
		ReturningChatter: flagTag(tags, "returning-chatter"),
		Badges:           stringTag(tags, "badges"),
		UserType:         stringTag(tags, "user-type"),
	}
}

// DecodeRoomState reads a ROOMSTATE delta. Twitch sends only the changed
// settings after the initial full state, so absent tags stay nil.
func DecodeRoomState(tags map[string]string, channelName string) ChannelDelta {
	d := ChannelDelta{ID: strings.TrimSpace(tags["room-id"])}
	if name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channelName), "#")); name != "" {
		d.Name = &name
	}
	d.EmoteOnly = flagTag(tags, "emote-only")
	d.SubsOnly = flagTag(tags, "subs-only")
	d.Unique = flagTag(tags, "r9k")
	d.FollowersOnly = intTag(tags, "followers-only")
	d.Slow = intTag(tags, "slow")
	return d
}

func flagTag(tags map[string]string, key string) *bool {
	v, ok := tags[key]
	if !ok || v == "" {
		return nil
	}
	b := v == "1"
	return &b
}

func stringTag(tags map[string]string, key string) *string {
	v, ok := tags[key]
	if !ok {
		return nil
	}
	return &v
}

func intTag(tags map[string]string, key string) *int {
	v, ok := tags[key]
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

// ValidID reports whether s looks like a Twitch numeric id.
func ValidID(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}
