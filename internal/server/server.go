// Package server exposes the operational HTTP surface of the daemon:
// triggering a run on demand, inspecting feed health, and the explicit
// reset that re-enables a disabled feed.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	jherrs "github.com/jobhound/jobhound/internal/errors"
	"github.com/jobhound/jobhound/internal/jobhound"
	"github.com/jobhound/jobhound/internal/pipeline"
)

type (
	// Runner triggers one pipeline run.
	Runner interface {
		RunOnce(ctx context.Context) (jobhound.RunSummary, error)
	}

	// HealthStore is the slice of the store the server needs for its
	// feed-health routes.
	HealthStore interface {
		AllHealth(ctx context.Context) ([]jobhound.FeedHealth, error)
		ResetHealth(ctx context.Context, feedID string) error
	}

	Config struct {
		Port int
		// Origin allowed to call the API from a browser. Empty disables
		// cross-origin access.
		CORSOrigin string
	}

	// Server is the daemon's HTTP server.
	Server struct {
		*http.Server

		runner Runner
		store  HealthStore
	}
)

func New(cfg Config, runner Runner, store HealthStore) *Server {
	r := ErrRouter{Router: mux.NewRouter()}

	srvr := Server{
		runner: runner,
		store:  store,
	}

	var handler http.Handler = r
	if cfg.CORSOrigin != "" {
		handler = handlers.CORS(
			handlers.AllowedOrigins([]string{cfg.CORSOrigin}),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"content-type"}),
		)(r)
	}
	srvr.Server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout: 5 * time.Second,
		// Triggered runs respond only once the whole run finishes.
		WriteTimeout: 10 * time.Minute,
		Handler:      handler,
	}

	r.Use(AccessLogMiddleware) // Log everything
	r.HandleFuncE("/v1/runs", srvr.handleTriggerRun).Methods(http.MethodPost)
	r.HandleFuncE("/v1/feeds/health", srvr.handleFeedHealth).Methods(http.MethodGet)
	r.HandleFuncE("/v1/feeds/{id}/health:reset", srvr.handleHealthReset).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &srvr
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) error {
	summary, err := s.runner.RunOnce(r.Context())

	pErr := &pipeline.PreconditionError{}
	if errors.As(err, &pErr) {
		return jherrs.E(http.StatusPreconditionFailed, err)
	}
	if err != nil {
		return err
	}

	return WriteJSON(w, http.StatusOK, summary)
}

func (s *Server) handleFeedHealth(w http.ResponseWriter, r *http.Request) error {
	all, err := s.store.AllHealth(r.Context())
	if err != nil {
		return err
	}

	type healthResp struct {
		Feeds []jobhound.FeedHealth `json:"feeds"`
	}
	return WriteJSON(w, http.StatusOK, healthResp{Feeds: all})
}

// The explicit operator action that takes a feed out of the disabled
// state; nothing in the pipeline ever re-enables a feed on its own.
func (s *Server) handleHealthReset(w http.ResponseWriter, r *http.Request) error {
	id := mux.Vars(r)["id"]
	if id == "" {
		return jherrs.E(http.StatusBadRequest, "missing feed id", jherrs.Detail{Field: "id", Error: "required"})
	}

	if err := s.store.ResetHealth(r.Context(), id); err != nil {
		return err
	}

	return WriteJSON(w, http.StatusOK, struct{}{})
}
