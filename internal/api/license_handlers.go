package api

import (
	"net/http"
	"strings"

	apperrors "github.com/rcourtman/pulse-license-engine/internal/errors"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

type keyRequest struct {
	Key          string `json:"key" validate:"required,max=64"`
	ValidityDays int    `json:"validity_days" validate:"gte=0,lte=3660"`
}

func (rt *Router) snapshot(l *licensing.License) *licensing.Snapshot {
	return licensing.NewSnapshot(l, rt.svc.Clock.Now())
}

func (rt *Router) handleEnsureLicense(w http.ResponseWriter, r *http.Request) {
	lic, err := rt.svc.Licenses.EnsureLicense(r.Context(), gatewayUser(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt.snapshot(lic))
}

func (rt *Router) handleSelfActivate(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	lic, err := rt.svc.Licenses.SelfActivate(r.Context(), gatewayUser(r), req.Key, req.ValidityDays)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt.snapshot(lic))
}

func (rt *Router) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	lic, err := rt.svc.Licenses.Renew(r.Context(), gatewayUser(r).ID, req.Key, req.ValidityDays)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt.snapshot(lic))
}

func (rt *Router) handleGetLicense(w http.ResponseWriter, r *http.Request) {
	snap, err := rt.svc.Licenses.Snapshot(r.Context(), gatewayUser(r).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleAccess returns the full feature matrix, or a single decision when
// ?feature= is given.
func (rt *Router) handleAccess(w http.ResponseWriter, r *http.Request) {
	user := gatewayUser(r)
	if feature := strings.TrimSpace(r.URL.Query().Get("feature")); feature != "" {
		ok, err := rt.svc.Licenses.CanAccess(r.Context(), user.ID, user.Role, licensing.Feature(feature))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"feature": feature, "allowed": ok})
		return
	}
	report, err := rt.svc.Licenses.Access(r.Context(), user.ID, user.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (rt *Router) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key" validate:"max=64"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		writeError(w, r, apperrors.ValidationCode("api.validate_key", apperrors.CodeInvalidKey, "key is required", nil))
		return
	}
	res, err := rt.svc.Licenses.ValidateKey(r.Context(), req.Key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
