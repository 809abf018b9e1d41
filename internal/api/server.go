// Package api exposes the HTTP command-and-query surface: auth, SMTP
// accounts, templates, campaigns with their lifecycle operations, stats,
// attempt logs, and pool metrics.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/auth"
	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/crypto"
	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/scheduler"
	"github.com/ignite/campaign-engine/internal/smtppool"
	"github.com/ignite/campaign-engine/internal/store"
)

// Server carries the handler dependencies.
type Server struct {
	store     *store.Store
	auth      *auth.Service
	lifecycle *scheduler.Lifecycle
	pools     *smtppool.Manager
	box       *crypto.Box
	dialer    smtppool.Dialer
	rdb       *redis.Client
	cfg       *config.Config
}

// NewServer wires the API server.
func NewServer(st *store.Store, authSvc *auth.Service, lc *scheduler.Lifecycle,
	pools *smtppool.Manager, box *crypto.Box, dialer smtppool.Dialer,
	rdb *redis.Client, cfg *config.Config) *Server {
	return &Server{
		store:     st,
		auth:      authSvc,
		lifecycle: lc,
		pools:     pools,
		box:       box,
		dialer:    dialer,
		rdb:       rdb,
		cfg:       cfg,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireAuth)

			r.Get("/auth/me", s.handleMe)

			r.Route("/smtp-accounts", func(r chi.Router) {
				r.Get("/", s.handleListSmtpAccounts)
				r.Post("/", s.handleCreateSmtpAccount)
				r.Post("/{id}/test", s.handleTestSmtpAccount)
				r.Post("/{id}/toggle", s.handleToggleSmtpAccount)
				r.Delete("/{id}", s.handleDeleteSmtpAccount)
			})

			r.Route("/templates", func(r chi.Router) {
				r.Get("/", s.handleListTemplates)
				r.Post("/", s.handleCreateTemplate)
				r.Get("/{id}", s.handleGetTemplate)
				r.Put("/{id}", s.handleUpdateTemplate)
			})

			r.Route("/campaigns", func(r chi.Router) {
				r.Get("/", s.handleListCampaigns)
				r.Post("/", s.handleCreateCampaign)
				r.Get("/{id}", s.handleGetCampaign)
				r.Delete("/{id}", s.handleDeleteCampaign)
				r.Post("/{id}/start", s.lifecycleHandler(s.lifecycle.Start))
				r.Post("/{id}/pause", s.lifecycleHandler(s.lifecycle.Pause))
				r.Post("/{id}/resume", s.lifecycleHandler(s.lifecycle.Resume))
				r.Post("/{id}/stop", s.lifecycleHandler(s.lifecycle.Stop))
				r.Post("/{id}/restart", s.lifecycleHandler(s.lifecycle.Restart))
				r.Post("/{id}/duplicate", s.handleDuplicateCampaign)
				r.Get("/{id}/stats", s.handleCampaignStats)
				r.Get("/{id}/logs", s.handleCampaignLogs)
			})

			r.Get("/smtp-pool/metrics", s.handlePoolMetrics)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		httputil.JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded", "database": err.Error(),
		})
		return
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(r.Context()).Err(); err != nil {
			httputil.JSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded", "redis": err.Error(),
			})
			return
		}
	}
	httputil.OK(w, map[string]string{"status": "ok"})
}

// writeStoreError maps store sentinel errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		httputil.NotFound(w, "not found")
	case errors.Is(err, store.ErrValidation):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, store.ErrPrecondition):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, store.ErrConflict):
		httputil.Conflict(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
