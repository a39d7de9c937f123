// Package api exposes the REST and WebSocket control surface: system
// start/stop/status, credential and applicant CRUD, slot and log queries,
// the ocr-match endpoint, and the live log stream.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/slotwatch/slotwatch/captcha"
	"github.com/slotwatch/slotwatch/engine"
	"github.com/slotwatch/slotwatch/store"
)

// Version is stamped at build time.
var Version = "dev"

// Engine is the monitor surface the API drives. Satisfied by
// *engine.Monitor; tests inject fakes.
type Engine interface {
	Start(ctx context.Context, rc engine.RunConfiguration) error
	Stop(ctx context.Context) error
	Status() engine.RunState
	CheckOnce(ctx context.Context, rc engine.RunConfiguration) (engine.Outcome, error)
	TestCredential(ctx context.Context, cred *store.Credential) error
}

// Config wires the server.
type Config struct {
	Store  *store.Store
	Engine Engine
	Solver *captcha.Solver
	Stream *LogStream
	Logger *slog.Logger
}

// Server is the HTTP control surface.
type Server struct {
	st     *store.Store
	eng    Engine
	solver *captcha.Solver
	stream *LogStream
	log    *slog.Logger
}

// NewServer creates a Server.
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	stream := cfg.Stream
	if stream == nil {
		stream = NewLogStream()
	}
	return &Server{
		st:     cfg.Store,
		eng:    cfg.Engine,
		solver: cfg.Solver,
		stream: stream,
		log:    log,
	}
}

// Stream returns the log stream so the store's log observer can publish
// into it.
func (s *Server) Stream() *LogStream { return s.stream }

// Router builds the chi router with every API route mounted under /api.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Route("/api", func(r chi.Router) {
		r.Get("/", s.handleIndex)
		r.Get("/visa-types", s.handleVisaTypes)

		r.Route("/system", func(r chi.Router) {
			r.Get("/config", s.handleGetSystemConfig)
			r.Post("/config", s.handleSaveSystemConfig)
			r.Get("/status", s.handleStatus)
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
		})

		r.Post("/test/check-once", s.handleCheckOnce)
		r.Post("/ocr-match", s.handleOCRMatch)

		r.Get("/logs", s.handleListLogs)
		r.Delete("/logs", s.handlePruneLogs)
		r.Get("/logs/stream", s.handleLogStream)

		r.Get("/appointments/available", s.handleListSlots)

		r.Route("/applicants", func(r chi.Router) {
			r.Get("/", s.handleListApplicants)
			r.Post("/", s.handleCreateApplicant)
			r.Get("/primary/info", s.handlePrimaryApplicant)
			r.Get("/{id}", s.handleGetApplicant)
			r.Put("/{id}", s.handleUpdateApplicant)
			r.Delete("/{id}", s.handleDeleteApplicant)
		})

		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", s.handleListCredentials)
			r.Post("/", s.handleCreateCredential)
			r.Put("/{id}", s.handleUpdateCredential)
			r.Delete("/{id}", s.handleDeleteCredential)
			r.Post("/{id}/set-primary", s.handleSetPrimaryCredential)
			r.Post("/{id}/test", s.handleTestCredential)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/settings", s.handleGetNotificationSettings)
			r.Post("/settings", s.handleSaveNotificationSettings)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody decodes a JSON request body, tolerating an empty body when
// dst already carries defaults.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}
