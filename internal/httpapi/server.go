package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	httpadmin "github.com/you/twitch-bot/internal/http"
	"github.com/you/twitch-bot/internal/sink"
	"github.com/you/twitch-bot/internal/state"
)

// StatusSource reports the bot's live state for /admin/state.
type StatusSource interface {
	Status() any
}

// Archive is the optional chat archive behind /admin/messages.
type Archive interface {
	CountMessages(ctx context.Context, f sink.Filters) (int64, error)
	ListMessages(ctx context.Context, f sink.Filters) ([]state.Message, error)
}

type Options struct {
	Addr string
	// RateRPS and RateBurst limit each client's requests; zero disables all
	// limits. ReloadEvery spaces credential reloads per client (default 10s).
	RateRPS     int
	RateBurst   int
	ReloadEvery time.Duration
	Build       BuildInfo
}

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

type Deps struct {
	Status   StatusSource
	Reloader httpadmin.Reloader
	Archive  Archive
	Metrics  *Metrics
}

// Server is the admin HTTP surface: health, state, credential reload, the
// chat archive and Prometheus metrics.
type Server struct {
	httpServer *http.Server
	opts       Options
	deps       Deps
	limits     *limiters
	mux        *http.ServeMux
}

func New(opts Options, deps Deps) *Server {
	srv := &Server{
		opts:    opts,
		deps:    deps,
		limits:  newLimiters(opts.RateRPS, opts.RateBurst, opts.ReloadEvery),
		mux:     http.NewServeMux(),
	}

	httpadmin.New(deps.Reloader).Register(srv.mux)
	srv.handle("/admin/state", srv.handleState)
	srv.handle("/admin/messages", srv.handleMessages)
	srv.handle("/admin/info", srv.handleInfo)
	if deps.Metrics != nil {
		srv.mux.Handle("/metrics", deps.Metrics.Handler())
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// Handler returns the full middleware chain around the admin routes.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		defer s.observe(r, sw, start)

		if !s.limits.allow(routeClass(r), clientAddr(r)) {
			s.deps.Metrics.IncRateLimited()
			sw.Header().Set("Retry-After", "1")
			http.Error(sw, "rate limited", http.StatusTooManyRequests)
			return
		}
		s.mux.ServeHTTP(sw, r)
	})
}

func (s *Server) observe(r *http.Request, sw *statusWriter, start time.Time) {
	dur := time.Since(start)
	_, route := s.mux.Handler(r)
	if route == "" {
		route = "unmatched"
	}
	s.deps.Metrics.ObserveRequest(route, r.Method, sw.code(), dur)
	slog.Debug("httpapi: request", "method", r.Method, "path", r.URL.Path, "status", sw.code(), "bytes", sw.size, "dur", dur)
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		http.Error(w, "state unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, r, s.deps.Status.Status())
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	b := s.opts.Build
	info := map[string]string{"version": b.Version, "go": runtime.Version()}
	if b.Revision != "" {
		info["rev"] = b.Revision
	}
	if !b.BuiltAt.IsZero() {
		info["built_at"] = b.BuiltAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, r, info)
}

type messageView struct {
	ID            string    `json:"id"`
	PlatformID    string    `json:"platform_id,omitempty"`
	Channel       string    `json:"channel"`
	ChannelID     string    `json:"channel_id"`
	UserID        string    `json:"user_id"`
	Login         string    `json:"login"`
	DisplayName   string    `json:"display_name,omitempty"`
	Text          string    `json:"text"`
	ReplyParentID string    `json:"reply_parent_id,omitempty"`
	Badges        string    `json:"badges,omitempty"`
	Moderator     bool      `json:"moderator"`
	Subscriber    bool      `json:"subscriber"`
	Colour        string    `json:"colour,omitempty"`
	ReceivedAt    time.Time `json:"ts"`
}

func viewOf(m state.Message) messageView {
	return messageView{
		ID:            m.ID.String(),
		PlatformID:    m.PlatformID,
		Channel:       m.ChannelName,
		ChannelID:     m.ChannelID,
		UserID:        m.Author.ID,
		Login:         m.Author.Login,
		DisplayName:   m.Author.DisplayName,
		Text:          m.Body,
		ReplyParentID: m.ReplyParentID,
		Badges:        m.AuthorState.Badges,
		Moderator:     m.AuthorState.Moderator,
		Subscriber:    m.AuthorState.Subscriber,
		Colour:        m.Author.Color,
		ReceivedAt:    m.ReceivedAt.UTC(),
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		http.Error(w, "archive disabled", http.StatusNotFound)
		return
	}
	filters, err := sink.FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	total, err := s.deps.Archive.CountMessages(r.Context(), filters)
	if err != nil {
		slog.Warn("httpapi: count messages failed", "err", err)
		http.Error(w, "count error", http.StatusInternalServerError)
		return
	}
	rows, err := s.deps.Archive.ListMessages(r.Context(), filters)
	if err != nil {
		slog.Warn("httpapi: list messages failed", "err", err)
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	out := make([]messageView, 0, len(rows))
	for _, m := range rows {
		out = append(out, viewOf(m))
	}
	writeJSON(w, r, map[string]any{"total": total, "messages": out})
}

func (s *Server) Start() error {
	slog.Info("httpapi: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
