// Package api is the daemon's control surface: a local HTTP API for
// commands and queries, plus a WebSocket event feed presentation clients
// attach to and detach from at will.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"courier/internal/daemon"
	"courier/internal/events"
	"courier/internal/models"
	"courier/internal/registry"
	"courier/internal/store"
	"courier/internal/transport"
	"courier/internal/version"
)

// Server serves the control API.
type Server struct {
	log  zerolog.Logger
	core *daemon.Core
	bus  *events.Bus

	user     string
	passHash string

	checker *version.Checker
	srv     *http.Server
}

// NewServer builds the control API. Empty user disables authentication;
// otherwise passHash must be a bcrypt hash.
func NewServer(log zerolog.Logger, core *daemon.Core, bus *events.Bus, addr, user, passHash string) *Server {
	s := &Server{
		log:      log.With().Str("component", "api").Logger(),
		core:     core,
		bus:      bus,
		user:     user,
		passHash: passHash,
	}
	s.srv = &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetVersionChecker enables the update-check endpoint. Call before Start.
func (s *Server) SetVersionChecker(c *version.Checker) {
	s.checker = c
}

// Handler returns the routed handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLog, cors)

	r.Get("/v1/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.auth)

		r.Get("/v1/subscriptions", s.listSubscriptions)
		r.Post("/v1/subscriptions", s.subscribe)
		r.Delete("/v1/subscriptions/{id}", s.unsubscribe)
		r.Patch("/v1/subscriptions/{id}", s.updatePrefs)
		r.Get("/v1/subscriptions/{id}/messages", s.history)
		r.Post("/v1/subscriptions/{id}/read", s.markRead)
		r.Post("/v1/subscriptions/{id}/publish", s.publish)
		r.Patch("/v1/servers/{id}/credentials", s.updateCredentials)
		r.Get("/v1/state", s.states)
		r.Get("/v1/version", s.versionInfo)
		r.Get("/v1/events", s.handleEvents)
	})

	return r
}

// Start begins serving in the background.
func (s *Server) Start() {
	s.srv.Handler = s.Handler()
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("control api listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("control api terminated")
		}
	}()
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ─── handlers ────────────────────────────────────────────────────────────

type subscribeRequest struct {
	Server struct {
		BaseURL   string `json:"base_url"`
		Username  string `json:"username"`
		Password  string `json:"password"`
		Token     string `json:"token"`
		RootCAPEM string `json:"root_ca_pem"`
	} `json:"server"`
	Topic string       `json:"topic"`
	Prefs models.Prefs `json:"prefs"`
}

type subscriptionResponse struct {
	models.Subscription
	Unread int `json:"unread"`
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	srv := models.Server{
		BaseURL:   req.Server.BaseURL,
		Username:  req.Server.Username,
		Password:  req.Server.Password,
		Token:     req.Server.Token,
		RootCAPEM: req.Server.RootCAPEM,
	}
	sub, err := s.core.Subscribe(srv, req.Topic, req.Prefs)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	purge := r.URL.Query().Get("purge") == "true"
	if err := s.core.Unsubscribe(chi.URLParam(r, "id"), purge); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updatePrefs(w http.ResponseWriter, r *http.Request) {
	var prefs models.Prefs
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sub, err := s.core.UpdatePrefs(chi.URLParam(r, "id"), prefs)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) listSubscriptions(w http.ResponseWriter, _ *http.Request) {
	subs, err := s.core.Subscriptions()
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	out := make([]subscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		unread, err := s.core.UnreadCount(sub.ID)
		if err != nil {
			unread = 0
		}
		out = append(out, subscriptionResponse{Subscription: sub, Unread: unread})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	q := store.HistoryQuery{
		After:  queryInt64(r, "after"),
		Before: queryInt64(r, "before"),
		Limit:  int(queryInt64(r, "limit")),
		Newest: r.URL.Query().Get("order") == "newest",
	}
	msgs, err := s.core.History(chi.URLParam(r, "id"), q)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Time int64 `json:"time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Time == 0 {
		req.Time = time.Now().Unix()
	}
	sub, err := s.core.MarkRead(chi.URLParam(r, "id"), req.Time)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	var out models.Outgoing
	if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.core.PublishMessage(r.Context(), chi.URLParam(r, "id"), out); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) updateCredentials(w http.ResponseWriter, r *http.Request) {
	var req struct {
		models.Credentials
		ResetCursor bool `json:"reset_cursor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.core.UpdateServerCredentials(r.Context(), chi.URLParam(r, "id"), req.Credentials, req.ResetCursor); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) states(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.core.States())
}

func (s *Server) versionInfo(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeError(w, http.StatusNotFound, "version checks disabled")
		return
	}
	info, err := s.checker.Check(r.Context(), r.URL.Query().Get("refresh") == "true")
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ─── helpers ─────────────────────────────────────────────────────────────

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var ce *transport.ConnError
	switch {
	case errors.Is(err, registry.ErrDuplicateSubscription):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrServerNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrInvalidTopic):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &ce):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Error().Err(err).Msg("command failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt64(r *http.Request, key string) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	return v
}
