package agent

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// router builds the agent's local HTTP surface: liveness, readiness, metrics,
// and a small status document for desktop widgets.
func (s *Service) router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if _, ok := s.session.Current(); !ok {
			http.Error(w, "no session", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		status := struct {
			User        string `json:"user,omitempty"`
			Role        string `json:"role,omitempty"`
			State       string `json:"connection"`
			UnreadCount int    `json:"unread_count"`
		}{
			State:       s.channel.State().String(),
			UnreadCount: s.channel.UnreadCount(),
		}
		if sess, ok := s.session.Current(); ok {
			status.User = sess.User.Email
			status.Role = string(sess.User.Role)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

	return r
}
