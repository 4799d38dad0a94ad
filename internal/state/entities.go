package state

import (
	"time"

	"github.com/google/uuid"
)

// GlobalUser is a chat account, independent of any channel.
type GlobalUser struct {
	ID          string
	Login       string
	DisplayName string
	Color       string
	Type        string
}

// Channel is a broadcaster's chat room and the stream state attached to it.
type Channel struct {
	ID           string
	Name         string
	Live         bool
	StartedAt    time.Time
	CategoryID   string
	CategoryName string
	Title        string
	Language     string

	EmoteOnly bool
	SubsOnly  bool
	Unique    bool
	// FollowersOnly is the minimum follow age in minutes; -1 when disabled.
	FollowersOnly int
	// Slow is the per-user message interval in seconds; 0 when disabled.
	Slow int
}

// ChannelUser is the per-channel standing of a GlobalUser.
type ChannelUser struct {
	ChannelID        string
	UserID           string
	Moderator        bool
	Subscriber       bool
	Turbo            bool
	FirstMessage     bool
	ReturningChatter bool
	Badges           string
	UserType         string
}

// Message is one chat line. Messages are immutable once stored.
type Message struct {
	ID            uuid.UUID
	PlatformID    string
	ChannelID     string
	ChannelName   string
	Author        GlobalUser
	AuthorState   ChannelUser
	Body          string
	ReplyParentID string
	ReceivedAt    time.Time
}

// GlobalUserDelta carries the fields a protocol message reported. Nil fields
// leave the stored value untouched.
type GlobalUserDelta struct {
	ID          string
	Login       *string
	DisplayName *string
	Color       *string
	Type        *string
}

func (d GlobalUserDelta) apply(u *GlobalUser) {
	if d.Login != nil {
		u.Login = *d.Login
	}
	if d.DisplayName != nil {
		u.DisplayName = *d.DisplayName
	}
	if d.Color != nil {
		u.Color = *d.Color
	}
	if d.Type != nil {
		u.Type = *d.Type
	}
}

// lookupName is the name a delta without an id is resolved by.
func (d GlobalUserDelta) lookupName() string {
	if d.Login != nil && *d.Login != "" {
		return *d.Login
	}
	if d.DisplayName != nil {
		return *d.DisplayName
	}
	return ""
}

type ChannelDelta struct {
	ID            string
	Name          *string
	Live          *bool
	StartedAt     *time.Time
	CategoryID    *string
	CategoryName  *string
	Title         *string
	Language      *string
	EmoteOnly     *bool
	SubsOnly      *bool
	Unique        *bool
	FollowersOnly *int
	Slow          *int
}

func (d ChannelDelta) apply(c *Channel) {
	if d.Name != nil {
		c.Name = *d.Name
	}
	if d.Live != nil {
		c.Live = *d.Live
	}
	if d.StartedAt != nil {
		c.StartedAt = *d.StartedAt
	}
	if d.CategoryID != nil {
		c.CategoryID = *d.CategoryID
	}
	if d.CategoryName != nil {
		c.CategoryName = *d.CategoryName
	}
	if d.Title != nil {
		c.Title = *d.Title
	}
	if d.Language != nil {
		c.Language = *d.Language
	}
	if d.EmoteOnly != nil {
		c.EmoteOnly = *d.EmoteOnly
	}
	if d.SubsOnly != nil {
		c.SubsOnly = *d.SubsOnly
	}
	if d.Unique != nil {
		c.Unique = *d.Unique
	}
	if d.FollowersOnly != nil {
		c.FollowersOnly = *d.FollowersOnly
	}
	if d.Slow != nil {
		c.Slow = *d.Slow
	}
}

type ChannelUserDelta struct {
	Moderator        *bool
	Subscriber       *bool
	Turbo            *bool
	FirstMessage     *bool
	ReturningChatter *bool
	Badges           *string
	UserType         *string
}

func (d ChannelUserDelta) apply(cu *ChannelUser) {
	if d.Moderator != nil {
		cu.Moderator = *d.Moderator
	}
	if d.Subscriber != nil {
		cu.Subscriber = *d.Subscriber
	}
	if d.Turbo != nil {
		cu.Turbo = *d.Turbo
	}
	if d.FirstMessage != nil {
		cu.FirstMessage = *d.FirstMessage
	}
	if d.ReturningChatter != nil {
		cu.ReturningChatter = *d.ReturningChatter
	}
	if d.Badges != nil {
		cu.Badges = *d.Badges
	}
	if d.UserType != nil {
		cu.UserType = *d.UserType
	}
}

// Ptr returns a pointer to v, for building deltas by hand.
func Ptr[T any](v T) *T { return &v }
