package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"calfeed/internal/config"
	"calfeed/internal/feed"
	appLog "calfeed/internal/log"
	"calfeed/internal/metrics"
	"calfeed/internal/model"
)

// Server exposes a read-only view of the running subscriptions plus a
// manual refresh trigger.
type Server struct {
	listen    string
	basicAuth *config.BasicAuthConfig
	pool      *feed.Pool
	router    chi.Router
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, pool *feed.Pool) *Server {
	s := &Server{
		listen:    cfg.Listen,
		basicAuth: cfg.BasicAuth,
		pool:      pool,
		router:    chi.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.basicAuth == nil {
		return false
	}
	// Empty credentials leave the API open.
	return s.basicAuth.Username != "" && s.basicAuth.Password != ""
}

// basicAuthMiddleware protects every route it wraps with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.basicAuth.Username
	password := s.basicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calfeed", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves on the configured listen address until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.listen, "basic_auth", s.basicAuthEnabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)

	// /health stays unauthenticated.
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.basicAuthEnabled() {
			r.Use(s.basicAuthMiddleware)
		}
		r.Get("/metrics", metrics.Handler().ServeHTTP)
		r.Get("/api/calendars", s.handleCalendars)
		r.Get("/api/calendars/{id}/events", s.handleEvents)
		r.Post("/api/calendars/{id}/refresh", s.handleRefresh)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// calendarsResponse is the JSON response shape for /api/calendars.
type calendarsResponse struct {
	Calendars []feed.Status `json:"calendars"`
}

func (s *Server) handleCalendars(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, calendarsResponse{Calendars: s.pool.Statuses()})
}

// eventsResponse is the JSON response shape for /api/calendars/{id}/events.
type eventsResponse struct {
	Calendar    string                `json:"calendar"`
	LastSuccess time.Time             `json:"last_success,omitzero"`
	Events      []model.CalendarEvent `json:"events"`
}

// handleEvents returns the current event snapshot of one calendar. It never
// triggers a fetch.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{
		Calendar:    sub.ID(),
		LastSuccess: sub.Status().LastSuccess,
		Events:      sub.Events(),
	})
}

// handleRefresh starts an attempt now. The result is reported through the
// usual handlers, so the response only acknowledges the request.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.lookup(w, r)
	if !ok {
		return
	}
	appLog.Info("api refresh requested", "calendar", sub.ID())
	sub.StartFetch()
	writeJSON(w, http.StatusAccepted, sub.Status())
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*feed.Subscription, bool) {
	id := chi.URLParam(r, "id")
	sub, ok := s.pool.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown calendar")
		return nil, false
	}
	return sub, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
