package httpadmin

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Reloader re-reads credential files and reports the roles whose live token
// changed.
type Reloader interface {
	ReloadCredentials() (changed []string, err error)
}

type Server struct {
	rel Reloader
}

func New(rel Reloader) *Server { return &Server{rel: rel} }

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/credentials/reload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.rel == nil {
			http.Error(w, "reload unavailable", http.StatusServiceUnavailable)
			return
		}
		changed, err := s.rel.ReloadCredentials()
		if err != nil {
			slog.Warn("httpadmin: credential reload failed", "err", err)
			http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if changed == nil {
			changed = []string{}
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "reloaded": len(changed) > 0, "roles": changed})
	})
}
