package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP front of the core.
type Server struct {
	service *Service
	logger  *slog.Logger
	http    *http.Server
}

// New builds the server and its router.
func New(service *Service, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: service,
		logger:  logger.With("component", "http"),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Route("/projects", func(r chi.Router) {
			r.Get("/", s.handleListProjects)
			r.Post("/", s.handleCreateProject)
			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", s.handleDeleteProject)
				r.Get("/chats", s.handleListChats)
				r.Post("/chats", s.handleCreateChat)
			})
		})

		r.Route("/chat/{id}", func(r chi.Router) {
			r.Get("/history", s.handleHistory)
			r.Post("/messages", s.handleSendMessage)
			r.Post("/continue", s.handleContinue)
			r.Put("/messages/{mid}", s.handleEditMessage)
			r.Post("/cancel", s.handleCancel)
			r.Post("/approve", s.handleApprove)
			r.Post("/reject", s.handleReject)
			r.Post("/revert/{cpId}", s.handleRevert)
			r.Post("/revert-file/{feId}", s.handleRevertFile)
			r.Post("/summarize", s.handleSummarize)
			r.Get("/events", s.handleEvents)
			r.Delete("/", s.handleDeleteChat)
		})

		r.Route("/plans", func(r chi.Router) {
			r.Post("/", s.handleCreatePlan)
			r.Route("/{pid}", func(r chi.Router) {
				r.Get("/", s.handleGetPlan)
				r.Put("/", s.handleUpdatePlan)
				r.Post("/approve", s.handleApprovePlan)
				r.Get("/revisions", s.handlePlanRevisions)
			})
		})
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	return r
}

// recoverer converts handler panics into 500 responses with the message in
// the envelope, logging the stack.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic",
					"path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
				fail(w, http.StatusInternalServerError, fmt.Sprintf("internal error: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains connections and stops running turns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.service.Shutdown()
	return s.http.Shutdown(ctx)
}
