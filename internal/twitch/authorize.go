package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// CodeReceiver runs the authorization-code flow: it shows the consent URL
// through Prompt and waits for exactly one redirect on the host and path of
// OAuth.RedirectURL.
type CodeReceiver struct {
	OAuth  *OAuth
	Prompt func(role Role, authURL string)
	// Listen defaults to net.Listen on the redirect URL's host.
	Listen func(addr string) (net.Listener, error)
}

type codeResult struct {
	code string
	err  error
}

func (r *CodeReceiver) Authorize(ctx context.Context, role Role, scopes []string) (Token, error) {
	if r.OAuth == nil {
		return Token{}, errors.New("twitch: code receiver has no oauth client")
	}
	redirect, err := url.Parse(r.OAuth.RedirectURL)
	if err != nil || redirect.Host == "" {
		return Token{}, fmt.Errorf("twitch: invalid redirect url %q", r.OAuth.RedirectURL)
	}

	listen := r.Listen
	if listen == nil {
		listen = func(addr string) (net.Listener, error) { return net.Listen("tcp", addr) }
	}
	ln, err := listen(redirect.Host)
	if err != nil {
		return Token{}, fmt.Errorf("twitch: listen for authorization redirect: %w", err)
	}

	state := uuid.NewString()
	results := make(chan codeResult, 1)
	path := redirect.Path
	if path == "" {
		path = "/"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		var res codeResult
		switch {
		case q.Get("state") != state:
			res.err = fmt.Errorf("%w: authorization state mismatch", ErrAuth)
		case q.Get("error") != "":
			res.err = fmt.Errorf("%w: %s: %s", ErrAuth, q.Get("error"), q.Get("error_description"))
		case q.Get("code") == "":
			res.err = fmt.Errorf("%w: redirect carried no code", ErrAuth)
		default:
			res.code = q.Get("code")
		}
		if res.err != nil {
			http.Error(w, "authorization failed", http.StatusBadRequest)
		} else {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte("Authorization received. You can close this window."))
		}
		select {
		case results <- res:
		default:
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case results <- codeResult{err: fmt.Errorf("twitch: authorization listener: %w", err)}:
			default:
			}
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	authURL := r.OAuth.AuthCodeURL(state, scopes)
	if r.Prompt != nil {
		r.Prompt(role, authURL)
	} else {
		slog.Info("twitch: open this URL to authorize", "role", role, "url", authURL)
	}

	var res codeResult
	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res = <-results:
	}
	if res.err != nil {
		return Token{}, res.err
	}
	return r.OAuth.Exchange(ctx, res.code, scopes)
}
