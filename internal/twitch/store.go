package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ErrScopesInsufficient is returned when a freshly authorized token still
// lacks the required scopes.
var ErrScopesInsufficient = errors.New("twitch: token is missing required scopes")

// Authorizer obtains a brand new token through user interaction.
type Authorizer interface {
	Authorize(ctx context.Context, role Role, scopes []string) (Token, error)
}

// Metrics receives token refresh outcomes.
type Metrics interface {
	IncTokenRefresh(role, result string)
}

type credential struct {
	path  string
	token Token
}

// CredentialStore holds the live token of each role. Readers always observe
// either the previous or the refreshed token, never a mix of both.
type CredentialStore struct {
	oauth      *OAuth
	authorizer Authorizer
	required   []string
	metrics    Metrics

	mu    sync.RWMutex
	creds map[Role]*credential

	// refreshMu serializes refreshes so concurrent 401s spend one refresh
	// token, not two.
	refreshMu sync.Mutex
}

type StoreOption func(*CredentialStore)

func WithAuthorizer(a Authorizer) StoreOption {
	return func(s *CredentialStore) { s.authorizer = a }
}

func WithMetrics(m Metrics) StoreOption {
	return func(s *CredentialStore) { s.metrics = m }
}

func NewCredentialStore(oauth *OAuth, required []string, opts ...StoreOption) *CredentialStore {
	s := &CredentialStore{
		oauth:    oauth,
		required: append([]string(nil), required...),
		creds:    make(map[Role]*credential),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds a role to its credential file. It must be called before
// Ensure or Refresh for that role.
func (s *CredentialStore) Register(role Role, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.creds[role]; ok {
		c.path = path
		return
	}
	s.creds[role] = &credential{path: path}
}

// Set installs a token for a role without touching disk.
func (s *CredentialStore) Set(role Role, tok Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[role]
	if !ok {
		c = &credential{}
		s.creds[role] = c
	}
	c.token = tok
}

func (s *CredentialStore) ClientID() string {
	if s.oauth == nil {
		return ""
	}
	return strings.TrimSpace(s.oauth.ClientID)
}

// Token returns a snapshot of the role's current token.
func (s *CredentialStore) Token(role Role) (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[role]
	if !ok || c.token.AccessToken == "" {
		return Token{}, false
	}
	tok := c.token
	tok.Scopes = append([]string(nil), c.token.Scopes...)
	return tok, true
}

// AccessToken returns the bare access token of a role, or "".
func (s *CredentialStore) AccessToken(role Role) string {
	tok, _ := s.Token(role)
	return tok.AccessToken
}

func (s *CredentialStore) Path(role Role) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.creds[role]; ok {
		return c.path
	}
	return ""
}

func (s *CredentialStore) Roles() []Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Role, 0, len(s.creds))
	for _, r := range []Role{RoleBot, RoleBroadcaster} {
		if _, ok := s.creds[r]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Ensure runs the startup path for a role: load the credential file, validate
// it, refresh when rejected, authorize when missing, and re-authorize when
// the granted scopes fall short. The resulting token is persisted and
// installed.
func (s *CredentialStore) Ensure(ctx context.Context, role Role) (Token, error) {
	path := s.Path(role)
	if path == "" {
		return Token{}, fmt.Errorf("twitch: role %s has no credential file", role)
	}

	tok, err := LoadToken(path)
	switch {
	case errors.Is(err, ErrTokenNotFound), errors.Is(err, ErrEmptyToken):
		slog.Info("twitch: no stored credentials; requesting authorization", "role", role)
		return s.authorize(ctx, role, path)
	case err != nil:
		return Token{}, err
	}

	v, err := s.oauth.Validate(ctx, tok.AccessToken)
	switch {
	case err == nil:
		if len(v.Scopes) > 0 {
			tok.Scopes = v.Scopes
		}
	case errors.Is(err, ErrInvalidToken):
		slog.Info("twitch: stored token rejected; refreshing", "role", role)
		fresh, rerr := s.oauth.Refresh(ctx, tok)
		s.observeRefresh(role, rerr)
		if rerr != nil {
			if errors.Is(rerr, ErrAuth) {
				slog.Warn("twitch: refresh rejected; requesting authorization", "role", role, "err", rerr)
				return s.authorize(ctx, role, path)
			}
			return Token{}, rerr
		}
		tok = fresh
		if err := SaveToken(path, tok); err != nil {
			return Token{}, err
		}
	default:
		return Token{}, err
	}

	if !tok.HasScopes(s.required) {
		slog.Warn("twitch: stored token lacks required scopes; requesting authorization",
			"role", role, "have", tok.Scopes, "want", s.required)
		return s.authorize(ctx, role, path)
	}

	s.Set(role, tok)
	return tok, nil
}

func (s *CredentialStore) authorize(ctx context.Context, role Role, path string) (Token, error) {
	if s.authorizer == nil {
		return Token{}, fmt.Errorf("%w: role %s needs authorization but no authorizer is configured", ErrAuth, role)
	}
	tok, err := s.authorizer.Authorize(ctx, role, s.required)
	if err != nil {
		return Token{}, err
	}
	if !tok.HasScopes(s.required) {
		return Token{}, fmt.Errorf("%w: role %s granted %v", ErrScopesInsufficient, role, tok.Scopes)
	}
	if err := SaveToken(path, tok); err != nil {
		return Token{}, err
	}
	s.Set(role, tok)
	slog.Info("twitch: authorization stored", "role", role)
	return tok, nil
}

// Refresh replaces the role's token with a refreshed one and persists it.
// When stale is non-empty and the current access token already differs from
// it, another caller has refreshed in the meantime and the current token is
// returned as is.
func (s *CredentialStore) Refresh(ctx context.Context, role Role, stale string) (Token, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.mu.RLock()
	c, ok := s.creds[role]
	var (
		current Token
		path    string
	)
	if ok {
		current = c.token
		path = c.path
	}
	s.mu.RUnlock()
	if !ok || current.AccessToken == "" {
		return Token{}, fmt.Errorf("%w: no token for role %s", ErrAuth, role)
	}
	if stale != "" && current.AccessToken != stale {
		return current, nil
	}

	fresh, err := s.oauth.Refresh(ctx, current)
	s.observeRefresh(role, err)
	if err != nil {
		return Token{}, err
	}

	s.Set(role, fresh)
	if path != "" {
		if err := SaveToken(path, fresh); err != nil {
			return fresh, err
		}
	}
	slog.Info("twitch: refreshed token", "role", role, "expires_at", fresh.ExpiresAt)
	return fresh, nil
}

// Reload re-reads the role's credential file and installs it when it differs
// from the live token. It reports whether the live token changed.
func (s *CredentialStore) Reload(role Role) (bool, error) {
	path := s.Path(role)
	if path == "" {
		return false, fmt.Errorf("twitch: role %s has no credential file", role)
	}
	tok, err := LoadToken(path)
	if err != nil {
		return false, err
	}
	current, _ := s.Token(role)
	if current.AccessToken == tok.AccessToken && current.RefreshToken == tok.RefreshToken {
		return false, nil
	}
	s.Set(role, tok)
	return true, nil
}

func (s *CredentialStore) observeRefresh(role Role, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.IncTokenRefresh(string(role), result)
}
