// Package api exposes the license engine over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcourtman/pulse-license-engine/internal/billing"
	"github.com/rcourtman/pulse-license-engine/internal/lifecycle"
	"github.com/rcourtman/pulse-license-engine/internal/store"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

// Config holds the HTTP-facing secrets and limits.
type Config struct {
	AdminKey     string
	WebhookToken string
	WebhookRate  float64
	WebhookBurst int
}

// Services are the engine components the handlers call into.
type Services struct {
	Store      store.Store
	Clock      licensing.Clock
	Licenses   *lifecycle.LicenseService
	Activation *lifecycle.ActivationWorkflow
	Scanner    *lifecycle.ExpiryScanner
	Reconciler *billing.Reconciler
	Checkout   *billing.CheckoutService
}

// Router serves the engine's HTTP surface.
type Router struct {
	cfg Config
	svc Services
	mux *chi.Mux
}

// NewRouter wires every route.
func NewRouter(cfg Config, svc Services) *Router {
	if svc.Clock == nil {
		svc.Clock = licensing.SystemClock{}
	}
	rt := &Router{cfg: cfg, svc: svc, mux: chi.NewRouter()}
	rt.routes()
	return rt
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

func (rt *Router) routes() {
	r := rt.mux
	r.Use(ErrorHandler)
	r.Use(middleware.CleanPath)

	r.Get("/healthz", rt.handleHealth)
	r.Get("/readyz", rt.handleReady)

	r.With(
		RateLimit(rt.cfg.WebhookRate, rt.cfg.WebhookBurst),
		RequireWebhookToken(rt.cfg.WebhookToken),
	).Post("/api/webhooks/payments", rt.handlePaymentWebhook)

	r.Post("/api/license/validate", rt.handleValidateKey)
	r.Group(func(r chi.Router) {
		r.Use(RequireUser)
		r.Post("/api/license/ensure", rt.handleEnsureLicense)
		r.Post("/api/license/activate", rt.handleSelfActivate)
		r.Post("/api/license/renew", rt.handleRenew)
		r.Get("/api/license", rt.handleGetLicense)
		r.Get("/api/access", rt.handleAccess)
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireAdminKey(rt.cfg.AdminKey))
		r.Handle("/metrics", promhttp.Handler())

		r.Route("/admin", func(r chi.Router) {
			r.Get("/licenses", rt.handleListLicenses)
			r.Route("/licenses/{username}", func(r chi.Router) {
				r.Post("/activate", rt.handleAdminActivate)
				r.Post("/block", rt.handleAdminBlock)
				r.Post("/suspend", rt.handleAdminSuspend)
				r.Post("/renewal-key", rt.handleIssueRenewalKey)
			})
			r.Get("/activation-keys", rt.handleListActivationKeys)
			r.Post("/activation-keys", rt.handleApproveKey)
			r.Post("/scan", rt.handleScan)
			r.Get("/audit", rt.handleAudit)

			r.Get("/subscriptions", rt.handleListSubscriptions)
			r.Post("/checkouts", rt.handleCreateCheckout)
			r.Post("/subscriptions/{id}/cancel", rt.handleCancelSubscription)
			r.Post("/subscriptions/{id}/members", rt.handleAddMember)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusNotFound, "not_found", "route not found", "")
	})
}

func (rt *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (rt *Router) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := rt.svc.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
