package twitch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrEmptyToken    = errors.New("twitch: empty token")
	ErrTokenNotFound = errors.New("twitch: token file not found")
)

// Role names one of the two identities the bot acts as.
type Role string

const (
	RoleBot         Role = "bot"
	RoleBroadcaster Role = "broadcaster"
)

func (r Role) String() string { return string(r) }

// Token is the persisted credential for one role.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes"`
}

// HasScopes reports whether every required scope was granted.
func (t Token) HasScopes(required []string) bool {
	granted := make(map[string]struct{}, len(t.Scopes))
	for _, s := range t.Scopes {
		granted[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	for _, s := range required {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := granted[s]; !ok {
			return false
		}
	}
	return true
}

// Expired reports whether the token is past its expiry. Tokens without an
// expiry never expire locally; validation decides for them.
func (t Token) Expired(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.ExpiresAt)
}

// NormalizeToken trims the token and ensures it is prefixed with "oauth:".
// If the input is empty after trimming, an empty string is returned.
func NormalizeToken(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "oauth:") {
		return trimmed
	}
	return "oauth:" + trimmed
}

// LoadToken reads a credential file. A missing file yields ErrTokenNotFound.
func LoadToken(path string) (Token, error) {
	if strings.TrimSpace(path) == "" {
		return Token{}, errors.New("twitch: token file path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Token{}, ErrTokenNotFound
		}
		return Token{}, fmt.Errorf("twitch: read token file: %w", err)
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return Token{}, fmt.Errorf("twitch: decode token file %s: %w", filepath.Base(path), err)
	}
	tok.AccessToken = strings.TrimPrefix(strings.TrimSpace(tok.AccessToken), "oauth:")
	tok.RefreshToken = strings.TrimSpace(tok.RefreshToken)
	if tok.AccessToken == "" {
		return Token{}, ErrEmptyToken
	}
	return tok, nil
}

// SaveToken writes the credential file with owner-only permissions. The file
// is replaced atomically so readers never observe a partial write.
func SaveToken(path string, tok Token) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("twitch: token file path is empty")
	}
	if tok.Scopes == nil {
		tok.Scopes = []string{}
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("twitch: encode token: %w", err)
	}
	if err := atomicWrite(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("twitch: write token file: %w", err)
	}
	return nil
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil && !os.IsExist(err) {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, mode); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
