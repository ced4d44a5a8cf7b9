// Package router provides HTTP routing configuration using Chi.
package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/remiblancher/cacore/internal/api/handler"
	"github.com/remiblancher/cacore/internal/api/middleware"
	"github.com/remiblancher/cacore/internal/authz"
	"github.com/remiblancher/cacore/internal/ca"
	"github.com/remiblancher/cacore/internal/cluster"
	"github.com/remiblancher/cacore/internal/crl"
	"github.com/remiblancher/cacore/internal/issuance"
	"github.com/remiblancher/cacore/internal/profile"
)

// Config holds router configuration.
type Config struct {
	Version string
	Log     *logrus.Entry
	Now     func() time.Time

	CAs      *ca.Manager
	CRLs     *crl.Engine
	Certs    *issuance.Service
	Profiles *profile.Store
	Node     *cluster.Node

	// AuditPath is the hash-chained audit log verified by the API.
	AuditPath string

	// AdminToken guards /api/v1. Empty disables the admin API.
	AdminToken string
	// Admin is the identity admin API calls are authorized as.
	Admin authz.Admin
}

// New creates a new Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(cfg.Log))
	r.Use(middleware.Recoverer(cfg.Log))

	// Health endpoints (always enabled)
	healthHandler := handler.NewHealthHandler(cfg.Version, cfg.Node.ID(), map[string]handler.ReadyCheck{
		"store": func(ctx context.Context) error {
			_, err := cfg.CAs.GetAllCAIDs(ctx)
			return err
		},
	})
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	crlHandler := handler.NewCRLHandler(cfg.CAs, cfg.CRLs, cfg.Admin, cfg.Log, cfg.Now)

	// CRL distribution points (without auth, for relying parties)
	r.Get("/crl/{id}", crlHandler.Full)
	r.Get("/crl/{id}/delta", crlHandler.Delta)

	if cfg.AdminToken == "" {
		return r
	}

	caHandler := handler.NewCAHandler(cfg.CAs, cfg.Admin)
	certHandler := handler.NewCertHandler(cfg.CAs, cfg.Certs, cfg.Admin)
	profileHandler := handler.NewProfileHandler(cfg.Profiles)
	cacheHandler := handler.NewCacheHandler(cfg.Node, cfg.Log)
	auditHandler := handler.NewAuditHandler(cfg.AuditPath)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AdminToken(cfg.AdminToken))

		// CA operations
		r.Route("/ca", func(r chi.Router) {
			r.Get("/", caHandler.List)
			r.Get("/{id}", caHandler.Get)

			r.Get("/{id}/crl", crlHandler.List)
			r.Post("/{id}/crl", crlHandler.Generate)

			r.Post("/{id}/certs", certHandler.Issue)
			r.Post("/{id}/certs/{serial}/revoke", certHandler.Revoke)
			r.Post("/{id}/certs/{serial}/unrevoke", certHandler.Unrevoke)
		})

		// Profile operations
		r.Route("/profiles", func(r chi.Router) {
			r.Get("/", profileHandler.List)
			r.Get("/{id}", profileHandler.Get)
		})

		r.Post("/cache/clear", cacheHandler.Clear)
		r.Post("/audit/verify", auditHandler.Verify)
	})

	return r
}
