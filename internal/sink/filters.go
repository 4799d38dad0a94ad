package sink

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/twitch-bot/internal/state"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Order represents the chronological order to use when listing messages.
type Order string

const (
	// OrderDesc returns messages newest first.
	OrderDesc Order = "desc"
	// OrderAsc returns messages oldest first.
	OrderAsc Order = "asc"
)

// Filters captures the parsed query parameters for archive lookups.
type Filters struct {
	Channels []string
	Users    []string
	Since    *time.Time
	Limit    int
	Order    Order
}

// ParseFilters parses query parameters into a Filters struct.
func ParseFilters(values url.Values) (Filters, error) {
	f := Filters{
		Limit: defaultLimit,
		Order: OrderDesc,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Filters{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
			f.Order = OrderDesc
		case "asc":
			f.Order = OrderAsc
		default:
			return Filters{}, errors.New("order must be asc or desc")
		}
	}

	if rawSince := values.Get("since"); rawSince != "" {
		parsed, err := parseSince(rawSince)
		if err != nil {
			return Filters{}, err
		}
		f.Since = &parsed
	}

	f.Channels = collect(values, "channel", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), "#")
	})
	f.Users = collect(values, "user", strings.ToLower)
	return f, nil
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query())
}

// collect splits repeated and comma separated values, normalising and
// de-duplicating them in order.
func collect(values url.Values, key string, norm func(string) string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, raw := range values[key] {
		for _, part := range strings.Split(raw, ",") {
			part = norm(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			if _, exists := seen[part]; exists {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return out
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}

// Matches reports whether the provided message satisfies the filters.
func (f Filters) Matches(msg state.Message) bool {
	if len(f.Channels) > 0 {
		match := false
		for _, c := range f.Channels {
			if msg.ChannelName == c {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if len(f.Users) > 0 {
		login := strings.ToLower(msg.Author.Login)
		display := strings.ToLower(msg.Author.DisplayName)
		match := false
		for _, u := range f.Users {
			if strings.Contains(login, u) || strings.Contains(display, u) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if f.Since != nil && msg.ReceivedAt.Before(f.Since.UTC()) {
		return false
	}
	return true
}
