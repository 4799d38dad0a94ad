// Package helix issues authenticated requests against the Twitch REST API.
//
// Every request carries the application client id and the bearer token of
// one role. A 401 response triggers exactly one token refresh, a fixed
// backoff, and a single retry; a second 401 is final.
package helix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/you/twitch-bot/internal/twitch"
)

const (
	DefaultBaseURL = "https://api.twitch.tv/helix"
	// RetryDelay is the wait between a token refresh and the retried request.
	RetryDelay     = 10 * time.Second
	maxBodyBytes   = 4 << 20
	defaultTimeout = 30 * time.Second
)

var (
	// ErrUnauthorized is returned when the retried request is rejected again.
	ErrUnauthorized = errors.New("helix: unauthorized")
	// ErrInvalidJSON is returned for a successful response whose body does
	// not parse as JSON.
	ErrInvalidJSON = errors.New("helix: response body is not valid JSON")
)

// StatusError is a non-2xx, non-401 response.
type StatusError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("helix: %s %s: status %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Body)
}

// Credentials supplies the tokens the client authenticates with.
type Credentials interface {
	ClientID() string
	AccessToken(role twitch.Role) string
	Refresh(ctx context.Context, role twitch.Role, stale string) (twitch.Token, error)
}

// Metrics observes completed API calls.
type Metrics interface {
	ObserveAPICall(endpoint string, status int, dur time.Duration)
}

type Client struct {
	baseURL    string
	http       *http.Client
	creds      Credentials
	clock      clockwork.Clock
	retryDelay time.Duration
	metrics    Metrics
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

func WithMetrics(m Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func New(baseURL string, creds Credentials, opts ...Option) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    baseURL,
		http:       &http.Client{Timeout: defaultTimeout},
		creds:      creds,
		clock:      clockwork.NewRealClock(),
		retryDelay: RetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call performs one API request on behalf of role and returns the raw JSON
// body. An empty body (204 No Content) yields a nil message and no error.
//
// body may be nil, a json.RawMessage, a []byte, or any value encodable as
// JSON.
func (c *Client) Call(ctx context.Context, role twitch.Role, method, endpoint string, query url.Values, body any) (json.RawMessage, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		access := c.creds.AccessToken(role)
		status, data, err := c.do(ctx, access, method, endpoint, query, payload)
		if err != nil {
			return nil, err
		}

		if status == http.StatusUnauthorized {
			if attempt > 0 {
				return nil, fmt.Errorf("%w: %s %s as %s after token refresh", ErrUnauthorized, method, endpoint, role)
			}
			slog.Warn("helix: unauthorized; refreshing token", "role", role, "endpoint", endpoint)
			if _, err := c.creds.Refresh(ctx, role, access); err != nil {
				return nil, fmt.Errorf("helix: refresh %s token: %w", role, err)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.clock.After(c.retryDelay):
			}
			continue
		}

		if status < 200 || status > 299 {
			return nil, &StatusError{Method: method, Endpoint: endpoint, StatusCode: status, Body: strings.TrimSpace(string(data))}
		}

		trimmed := bytes.TrimSpace(data)
		if len(trimmed) == 0 {
			return nil, nil
		}
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("%w: %s %s", ErrInvalidJSON, method, endpoint)
		}
		return json.RawMessage(trimmed), nil
	}
}

func (c *Client) do(ctx context.Context, access, method, endpoint string, query url.Values, payload []byte) (int, []byte, error) {
	u := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("helix: create request: %w", err)
	}
	req.Header.Set("Client-Id", c.creds.ClientID())
	req.Header.Set("Authorization", "Bearer "+access)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := c.clock.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("helix: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("helix: read %s response: %w", endpoint, err)
	}
	if c.metrics != nil {
		c.metrics.ObserveAPICall(endpointLabel(endpoint), resp.StatusCode, c.clock.Since(start))
	}
	return resp.StatusCode, data, nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("helix: encode request body: %w", err)
		}
		return data, nil
	}
}

// endpointLabel strips ids from the path so metric cardinality stays fixed.
func endpointLabel(endpoint string) string {
	endpoint = strings.Trim(endpoint, "/")
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}
	return endpoint
}
