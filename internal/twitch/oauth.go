package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	twitchoauth "golang.org/x/oauth2/twitch"
)

const (
	DefaultOAuthURL       = "https://id.twitch.tv/oauth2"
	defaultRefreshTimeout = 15 * time.Second
)

var (
	// ErrAuth marks credential failures: refresh rejected, code exchange
	// rejected, or missing client credentials.
	ErrAuth = errors.New("twitch: authentication failed")
	// ErrInvalidToken is returned by Validate when the server rejects the
	// access token.
	ErrInvalidToken = errors.New("twitch: access token invalid")
)

// Validation is the identity attached to a valid access token.
type Validation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// OAuth talks to the Twitch identity service.
type OAuth struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// BaseURL defaults to DefaultOAuthURL.
	BaseURL string
	HTTP    *http.Client
}

func (o *OAuth) baseURL() string {
	base := strings.TrimRight(strings.TrimSpace(o.BaseURL), "/")
	if base == "" {
		return DefaultOAuthURL
	}
	return base
}

func (o *OAuth) endpoint() oauth2.Endpoint {
	base := o.baseURL()
	if base == DefaultOAuthURL {
		return twitchoauth.Endpoint
	}
	return oauth2.Endpoint{
		AuthURL:   base + "/authorize",
		TokenURL:  base + "/token",
		AuthStyle: twitchoauth.Endpoint.AuthStyle,
	}
}

func (o *OAuth) config(scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     strings.TrimSpace(o.ClientID),
		ClientSecret: strings.TrimSpace(o.ClientSecret),
		RedirectURL:  o.RedirectURL,
		Scopes:       append([]string(nil), scopes...),
		Endpoint:     o.endpoint(),
	}
}

func (o *OAuth) httpClient() *http.Client {
	if o.HTTP != nil {
		return o.HTTP
	}
	return http.DefaultClient
}

// withClient makes the oauth2 package use our HTTP client and applies the
// default refresh timeout when ctx carries no deadline.
func (o *OAuth) withClient(ctx context.Context) (context.Context, context.CancelFunc) {
	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, defaultRefreshTimeout)
	}
	return context.WithValue(ctx, oauth2.HTTPClient, o.httpClient()), cancel
}

func (o *OAuth) checkClient() error {
	if strings.TrimSpace(o.ClientID) == "" || strings.TrimSpace(o.ClientSecret) == "" {
		return fmt.Errorf("%w: client id and secret are required", ErrAuth)
	}
	return nil
}

// Validate checks an access token against the identity service.
func (o *OAuth) Validate(ctx context.Context, access string) (Validation, error) {
	access = strings.TrimPrefix(strings.TrimSpace(access), "oauth:")
	if access == "" {
		return Validation{}, ErrEmptyToken
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL()+"/validate", nil)
	if err != nil {
		return Validation{}, fmt.Errorf("twitch: create validate request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+access)

	resp, err := o.httpClient().Do(req)
	if err != nil {
		return Validation{}, fmt.Errorf("twitch: validate request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Validation{}, fmt.Errorf("twitch: read validate response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return Validation{}, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		return Validation{}, fmt.Errorf("twitch: validate status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var v Validation
	if err := json.Unmarshal(body, &v); err != nil {
		return Validation{}, fmt.Errorf("twitch: decode validate response: %w", err)
	}
	if v.UserID == "" {
		return Validation{}, errors.New("twitch: validate response missing user id")
	}
	return v, nil
}

// Refresh exchanges the refresh token for a new token pair carrying the same
// scopes.
func (o *OAuth) Refresh(ctx context.Context, tok Token) (Token, error) {
	if err := o.checkClient(); err != nil {
		return Token{}, err
	}
	if strings.TrimSpace(tok.RefreshToken) == "" {
		return Token{}, fmt.Errorf("%w: no refresh token", ErrAuth)
	}

	reqCtx, cancel := o.withClient(ctx)
	defer cancel()

	src := o.config(tok.Scopes).TokenSource(reqCtx, &oauth2.Token{RefreshToken: tok.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		return Token{}, classifyTokenError("refresh", err)
	}

	out := fromOAuth2(fresh, tok.Scopes)
	if out.RefreshToken == "" {
		out.RefreshToken = tok.RefreshToken
	}
	return out, nil
}

// AuthCodeURL builds the consent page URL for the authorization-code flow.
func (o *OAuth) AuthCodeURL(state string, scopes []string) string {
	return o.config(scopes).AuthCodeURL(state, oauth2.SetAuthURLParam("force_verify", "true"))
}

// Exchange redeems an authorization code.
func (o *OAuth) Exchange(ctx context.Context, code string, scopes []string) (Token, error) {
	if err := o.checkClient(); err != nil {
		return Token{}, err
	}
	reqCtx, cancel := o.withClient(ctx)
	defer cancel()

	tok, err := o.config(scopes).Exchange(reqCtx, code)
	if err != nil {
		return Token{}, classifyTokenError("exchange", err)
	}
	return fromOAuth2(tok, scopes), nil
}

func classifyTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s rejected: %s", ErrAuth, op, strings.TrimSpace(string(re.Body)))
		}
	}
	return fmt.Errorf("twitch: %s: %w", op, err)
}

func fromOAuth2(tok *oauth2.Token, fallbackScopes []string) Token {
	out := Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry.UTC(),
		Scopes:       scopesFromExtra(tok.Extra("scope")),
	}
	if out.Scopes == nil {
		out.Scopes = append([]string(nil), fallbackScopes...)
	}
	return out
}

// scopesFromExtra handles both the JSON array Twitch returns and the space
// separated form of RFC 6749.
func scopesFromExtra(v any) []string {
	switch s := v.(type) {
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	case []string:
		return append([]string(nil), s...)
	case string:
		if strings.TrimSpace(s) == "" {
			return nil
		}
		return strings.Fields(s)
	}
	return nil
}
