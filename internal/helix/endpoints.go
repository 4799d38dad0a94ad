package helix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/you/twitch-bot/internal/twitch"
)

// ErrNoResults is returned by single-entity lookups that came back empty.
var ErrNoResults = errors.New("helix: no results")

type envelope[T any] struct {
	Data       []T `json:"data"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

type User struct {
	ID              string    `json:"id"`
	Login           string    `json:"login"`
	DisplayName     string    `json:"display_name"`
	Type            string    `json:"type"`
	BroadcasterType string    `json:"broadcaster_type"`
	CreatedAt       time.Time `json:"created_at"`
}

type ChannelInformation struct {
	BroadcasterID       string `json:"broadcaster_id"`
	BroadcasterLogin    string `json:"broadcaster_login"`
	BroadcasterName     string `json:"broadcaster_name"`
	BroadcasterLanguage string `json:"broadcaster_language"`
	GameID              string `json:"game_id"`
	GameName            string `json:"game_name"`
	Title               string `json:"title"`
}

type Stream struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserLogin string    `json:"user_login"`
	GameID    string    `json:"game_id"`
	GameName  string    `json:"game_name"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Language  string    `json:"language"`
	StartedAt time.Time `json:"started_at"`
}

type Video struct {
	ID        string    `json:"id"`
	StreamID  string    `json:"stream_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Duration  string    `json:"duration"`
}

// Length parses the "1h2m3s" duration Twitch reports for videos.
func (v Video) Length() time.Duration {
	d, err := time.ParseDuration(v.Duration)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

type SubscriptionTransport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id,omitempty"`
}

type SubscriptionRequest struct {
	Type      string                `json:"type"`
	Version   string                `json:"version"`
	Condition map[string]string     `json:"condition"`
	Transport SubscriptionTransport `json:"transport"`
}

type Subscription struct {
	ID        string                `json:"id"`
	Status    string                `json:"status"`
	Type      string                `json:"type"`
	Version   string                `json:"version"`
	Condition map[string]string     `json:"condition"`
	Transport SubscriptionTransport `json:"transport"`
	CreatedAt time.Time             `json:"created_at"`
	Cost      int                   `json:"cost"`
}

func decode[T any](raw json.RawMessage, endpoint string) (envelope[T], error) {
	var env envelope[T]
	if len(raw) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("helix: decode %s: %w", endpoint, err)
	}
	return env, nil
}

// GetUsers looks users up by id and login. With neither given, Twitch
// returns the user owning the role's token.
func (c *Client) GetUsers(ctx context.Context, role twitch.Role, ids, logins []string) ([]User, error) {
	q := url.Values{}
	for _, id := range ids {
		q.Add("id", id)
	}
	for _, login := range logins {
		q.Add("login", login)
	}
	raw, err := c.Call(ctx, role, http.MethodGet, "users", q, nil)
	if err != nil {
		return nil, err
	}
	env, err := decode[User](raw, "users")
	return env.Data, err
}

// GetSelf returns the account behind the role's token.
func (c *Client) GetSelf(ctx context.Context, role twitch.Role) (User, error) {
	users, err := c.GetUsers(ctx, role, nil, nil)
	if err != nil {
		return User{}, err
	}
	if len(users) == 0 {
		return User{}, fmt.Errorf("%w: users (self as %s)", ErrNoResults, role)
	}
	return users[0], nil
}

func (c *Client) GetChannelInformation(ctx context.Context, role twitch.Role, broadcasterID string) (ChannelInformation, error) {
	q := url.Values{"broadcaster_id": {broadcasterID}}
	raw, err := c.Call(ctx, role, http.MethodGet, "channels", q, nil)
	if err != nil {
		return ChannelInformation{}, err
	}
	env, err := decode[ChannelInformation](raw, "channels")
	if err != nil {
		return ChannelInformation{}, err
	}
	if len(env.Data) == 0 {
		return ChannelInformation{}, fmt.Errorf("%w: channels broadcaster_id=%s", ErrNoResults, broadcasterID)
	}
	return env.Data[0], nil
}

// GetStream returns the live stream of a user. ok is false when offline.
func (c *Client) GetStream(ctx context.Context, role twitch.Role, userID string) (Stream, bool, error) {
	q := url.Values{"user_id": {userID}}
	raw, err := c.Call(ctx, role, http.MethodGet, "streams", q, nil)
	if err != nil {
		return Stream{}, false, err
	}
	env, err := decode[Stream](raw, "streams")
	if err != nil || len(env.Data) == 0 {
		return Stream{}, false, err
	}
	return env.Data[0], true, nil
}

// GetArchiveVideos pages through a user's past broadcasts, newest first, and
// stops once a video older than since is seen. A zero since reads them all.
func (c *Client) GetArchiveVideos(ctx context.Context, role twitch.Role, userID string, since time.Time) ([]Video, error) {
	var (
		out    []Video
		cursor string
	)
	for page := 0; page < 50; page++ {
		q := url.Values{
			"user_id": {userID},
			"type":    {"archive"},
			"first":   {strconv.Itoa(100)},
		}
		if cursor != "" {
			q.Set("after", cursor)
		}
		raw, err := c.Call(ctx, role, http.MethodGet, "videos", q, nil)
		if err != nil {
			return nil, err
		}
		env, err := decode[Video](raw, "videos")
		if err != nil {
			return nil, err
		}
		for _, v := range env.Data {
			if !since.IsZero() && v.CreatedAt.Add(v.Length()).Before(since) {
				return out, nil
			}
			out = append(out, v)
		}
		cursor = env.Pagination.Cursor
		if cursor == "" || len(env.Data) == 0 {
			break
		}
	}
	return out, nil
}

func (c *Client) CreateEventSubSubscription(ctx context.Context, role twitch.Role, sub SubscriptionRequest) (Subscription, error) {
	raw, err := c.Call(ctx, role, http.MethodPost, "eventsub/subscriptions", nil, sub)
	if err != nil {
		return Subscription{}, err
	}
	env, err := decode[Subscription](raw, "eventsub/subscriptions")
	if err != nil {
		return Subscription{}, err
	}
	if len(env.Data) == 0 {
		return Subscription{}, fmt.Errorf("%w: eventsub/subscriptions type=%s", ErrNoResults, sub.Type)
	}
	return env.Data[0], nil
}
