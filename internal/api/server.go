// Package api provides the HTTP API server for Meridian.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/meridian-hq/meridian/internal/briefing"
	"github.com/meridian-hq/meridian/internal/core"
	"github.com/meridian-hq/meridian/internal/logging"
	"github.com/meridian-hq/meridian/internal/orchestrator"
	"github.com/meridian-hq/meridian/internal/registry"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	reg      *registry.Registry
	orch     *orchestrator.Orchestrator
	briefing *briefing.Generator
	feed     *Feed
	log      *logging.Logger
}

// Config for the server
type Config struct {
	Host     string
	Port     int
	Registry *registry.Registry
	Orch     *orchestrator.Orchestrator
	Briefing *briefing.Generator
}

// New creates the API server.
func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		reg:      cfg.Registry,
		orch:     cfg.Orch,
		briefing: cfg.Briefing,
		feed:     NewFeed(cfg.Registry),
		log:      logging.WithField("component", "api"),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	s.routes()

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/plugins", s.handleListPlugins)
		r.Post("/plugins/{providerID}/connect", s.handleConnect)
		r.Post("/plugins/{providerID}/disconnect", s.handleDisconnect)
		r.Post("/plugins/{providerID}/sync", s.handleSync)
		r.Post("/sync", s.handleSyncAll)
		r.Post("/wake", s.handleWake)
		r.Get("/signals", s.handleSignals)
		r.Get("/events", s.handleEvents)
		r.Get("/agenda", s.handleAgenda)
		r.Get("/capacity", s.handleCapacity)
	})
	s.router.Get("/ws", s.feed.Handle)
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.feed.Start()
	s.log.Info("listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.feed.Stop()
	return s.httpServer.Shutdown(ctx)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// pluginResponse is one provider plus its instance states.
type pluginResponse struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Icon          string              `json:"icon"`
	AuthType      core.AuthType       `json:"auth_type"`
	MultiInstance bool                `json:"multi_instance"`
	Instances     []*core.PluginState `json:"instances"`
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	var out []pluginResponse
	for _, p := range s.reg.Providers() {
		info := p.Info()
		out = append(out, pluginResponse{
			ID:            info.ID,
			Name:          info.Name,
			Icon:          info.Icon,
			AuthType:      info.AuthType,
			MultiInstance: info.MultiInstance,
			Instances:     s.reg.Instances(info.ID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerID")

	key, err := s.orch.Connect(r.Context(), providerID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key.String()})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	key := core.Key{
		ProviderID: chi.URLParam(r, "providerID"),
		InstanceID: r.URL.Query().Get("instance"),
	}

	if err := s.orch.Disconnect(r.Context(), key); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	key := core.Key{
		ProviderID: chi.URLParam(r, "providerID"),
		InstanceID: r.URL.Query().Get("instance"),
	}

	if err := s.orch.TriggerSync(key); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	failed := s.orch.SyncAll()

	errs := make(map[string]string, len(failed))
	for key, err := range failed {
		errs[key.String()] = err.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"failed": errs,
	})
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	s.orch.Wake()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	signals := s.reg.Signals()

	if typ := r.URL.Query().Get("type"); typ != "" {
		filtered := signals[:0]
		for _, sig := range signals {
			if sig.Type == core.SignalType(typ) {
				filtered = append(filtered, sig)
			}
		}
		signals = filtered
	}
	if signals == nil {
		signals = []core.Signal{}
	}
	writeJSON(w, http.StatusOK, signals)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Events())
}

func (s *Server) handleAgenda(w http.ResponseWriter, r *http.Request) {
	format := briefing.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = briefing.FormatMarkdown
	}

	agenda, err := s.briefing.Agenda(format)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if format == briefing.FormatHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, agenda)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agenda": agenda})
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.briefing.CurrentCapacity())
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case isNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, core.ErrProviderNotFound) ||
		errors.Is(err, core.ErrInstanceNotFound)
}
