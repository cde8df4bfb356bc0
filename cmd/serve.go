package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/numisworks/coinid/internal/model"
	"github.com/numisworks/coinid/internal/registry"
	"github.com/numisworks/coinid/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the identification API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		api := &apiServer{env: env}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

type apiServer struct {
	env *env
}

func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.submitJob)
		r.Get("/", s.listJobs)
		r.Get("/{id}", s.getJob)
		r.Get("/{id}/evidence", s.listEvidence)
	})

	r.Route("/sources", func(r chi.Router) {
		r.Get("/", s.listSources)
		r.Post("/", s.createSource)
		r.Get("/{id}", s.getSource)
		r.Put("/{id}", s.updateSource)
		r.Delete("/{id}", s.deleteSource)
		r.Post("/{id}/feedback", s.sourceFeedback)
	})

	return r
}

// submitJob accepts a feature guess, creates the job, and runs it in the
// background. The response carries the pending job for polling.
func (s *apiServer) submitJob(w http.ResponseWriter, r *http.Request) {
	var guess model.FeatureGuess
	if err := json.NewDecoder(r.Body).Decode(&guess); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := s.env.Engine.Submit(r.Context(), &guess)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "submit failed")
		zap.L().Error("api: submit job", zap.Error(err))
		return
	}

	// Detached from the request context: the job outlives the HTTP call.
	go func() {
		if _, err := s.env.Engine.Run(context.Background(), job.ID); err != nil {
			zap.L().Error("api: run job", zap.String("job", job.ID), zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, job)
}

func (s *apiServer) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.env.Engine.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *apiServer) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit) //nolint:errcheck
	}
	jobs, err := s.env.Engine.ListRecentJobs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *apiServer) listEvidence(w http.ResponseWriter, r *http.Request) {
	evidence, err := s.env.Engine.ListEvidence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, evidence)
}

func (s *apiServer) listSources(w http.ResponseWriter, r *http.Request) {
	var filter *registry.Filter
	if v := r.URL.Query().Get("specializes_in_errors"); v != "" {
		b := v == "true" || v == "1"
		filter = &registry.Filter{SpecializesInErrors: &b}
	}
	sources, err := s.env.Registry.ListActive(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, sources)
}

func (s *apiServer) getSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.env.Registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if eris.Is(err, registry.ErrSourceNotFound) {
			writeError(w, http.StatusNotFound, "source not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *apiServer) createSource(w http.ResponseWriter, r *http.Request) {
	var src model.ExternalSource
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.env.Registry.Create(r.Context(), src); err != nil {
		if eris.Is(err, model.ErrInvalidSourceConfig) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	if err := s.env.syncAdapters(r.Context()); err != nil {
		zap.L().Warn("api: sync adapters", zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, src)
}

func (s *apiServer) updateSource(w http.ResponseWriter, r *http.Request) {
	var src model.ExternalSource
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	src.ID = chi.URLParam(r, "id")
	if err := s.env.Registry.Update(r.Context(), src); err != nil {
		switch {
		case eris.Is(err, model.ErrInvalidSourceConfig):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case eris.Is(err, registry.ErrSourceNotFound):
			writeError(w, http.StatusNotFound, "source not found")
		default:
			writeError(w, http.StatusInternalServerError, "update failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *apiServer) deleteSource(w http.ResponseWriter, r *http.Request) {
	if err := s.env.Registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		if eris.Is(err, registry.ErrSourceNotFound) {
			writeError(w, http.StatusNotFound, "source not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sourceFeedback records one verified query outcome against a source's
// reliability score.
func (s *apiServer) sourceFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.env.Engine.RecordSourceFeedback(r.Context(), id, req.Success); err != nil {
		if eris.Is(err, registry.ErrSourceNotFound) {
			writeError(w, http.StatusNotFound, "source not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "feedback failed")
		return
	}
	src, err := s.env.Registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
