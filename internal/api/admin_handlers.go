package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rcourtman/pulse-license-engine/internal/auditlog"
	"github.com/rcourtman/pulse-license-engine/internal/billing"
	apperrors "github.com/rcourtman/pulse-license-engine/internal/errors"
	"github.com/rcourtman/pulse-license-engine/internal/lifecycle"
	"github.com/rcourtman/pulse-license-engine/internal/store"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

const defaultListLimit = 200

// operator returns the acting operator for audit entries.
func operator(r *http.Request) string {
	if id := auditlog.ActorID(r); id != "" {
		return id
	}
	return "admin"
}

func queryLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return 0, apperrors.Validation("api.limit", "limit must be between 1 and 1000")
	}
	return n, nil
}

func (rt *Router) handleListLicenses(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rows, err := rt.svc.Licenses.ListLicenses(r.Context(), store.LicenseFilter{
		Status: licensing.LicenseStatus(r.URL.Query().Get("status")),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"licenses": rows})
}

func (rt *Router) handleAdminActivate(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	lic, err := rt.svc.Licenses.Activate(r.Context(), operator(r), chi.URLParam(r, "username"), req.Key, req.ValidityDays)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt.snapshot(lic))
}

func (rt *Router) handleAdminBlock(w http.ResponseWriter, r *http.Request) {
	lic, err := rt.svc.Licenses.Block(r.Context(), operator(r), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt.snapshot(lic))
}

func (rt *Router) handleAdminSuspend(w http.ResponseWriter, r *http.Request) {
	lic, err := rt.svc.Licenses.Suspend(r.Context(), operator(r), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt.snapshot(lic))
}

func (rt *Router) handleIssueRenewalKey(w http.ResponseWriter, r *http.Request) {
	key, err := rt.svc.Licenses.IssueRenewalKey(r.Context(), operator(r), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]string{"renewal_key": key})
}

type approveKeyRequest struct {
	Key          string `json:"key" validate:"omitempty,max=64"`
	Username     string `json:"username" validate:"required_without=Email,max=128"`
	Email        string `json:"email" validate:"omitempty,email,max=254"`
	ValidityDays int    `json:"validity_days" validate:"gte=0,lte=3660"`
}

func (rt *Router) handleApproveKey(w http.ResponseWriter, r *http.Request) {
	var req approveKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	pending, formatted, err := rt.svc.Activation.Approve(r.Context(), operator(r), lifecycle.ApproveRequest{
		Key:          req.Key,
		Username:     req.Username,
		Email:        req.Email,
		ValidityDays: req.ValidityDays,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, map[string]any{"key": formatted, "activation_key": pending})
}

func (rt *Router) handleListActivationKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := rt.svc.Activation.ListKeys(r.Context(), licensing.ActivationKeyStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activation_keys": keys})
}

func (rt *Router) handleScan(w http.ResponseWriter, r *http.Request) {
	report, err := rt.svc.Scanner.ScanOnce(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (rt *Router) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	entries, err := rt.svc.Licenses.AuditTrail(r.Context(), q.Get("entity_type"), q.Get("entity_id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (rt *Router) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := rt.svc.Checkout.ListSubscriptions(r.Context(), licensing.SubscriptionState(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (rt *Router) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req billing.CheckoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := rt.svc.Checkout.CreateCheckout(r.Context(), operator(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (rt *Router) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := rt.svc.Checkout.CancelSubscription(r.Context(), operator(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (rt *Router) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id" validate:"required,max=128"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := rt.svc.Checkout.AddMember(r.Context(), operator(r), chi.URLParam(r, "id"), req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}
