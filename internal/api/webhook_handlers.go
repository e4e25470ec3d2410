package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rcourtman/pulse-license-engine/internal/billing"
	apperrors "github.com/rcourtman/pulse-license-engine/internal/errors"
	"github.com/rcourtman/pulse-license-engine/internal/logging"
	"github.com/rcourtman/pulse-license-engine/internal/metrics"
)

type webhookResponse struct {
	OK bool `json:"ok"`
	billing.Result
}

// handlePaymentWebhook acknowledges a delivery only after it is durably
// applied. A 2xx tells the gateway to stop retrying, so store failures
// must surface as 5xx.
func (rt *Router) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	outcome := "error"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(outcome, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		outcome = "invalid"
		if tooLarge(err) {
			err = bodyTooLarge("api.payment_webhook", err)
		} else {
			err = apperrors.ValidationCode("api.payment_webhook", apperrors.CodeMalformedPayload, "unreadable body", err)
		}
		status = apperrors.HTTPStatus(err)
		writeError(w, r, err)
		return
	}

	res, err := rt.svc.Reconciler.Reconcile(r.Context(), payload)
	if err != nil {
		status = webhookStatus(err)
		if status < http.StatusInternalServerError {
			outcome = "invalid"
		}
		writeErrorStatus(w, r, status, err)
		return
	}

	outcome = string(res.Outcome)
	logger := logging.FromContext(r.Context())
	logger.Debug().
		Str("txid", res.Txid).
		Str("outcome", outcome).
		Msg("Payment webhook accepted")
	writeJSON(w, status, webhookResponse{OK: true, Result: res})
}

// webhookStatus maps a reconcile failure onto the delivery status. Only a
// payload that can never be applied gets a 4xx; everything else must stay
// retryable for the gateway.
func webhookStatus(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return apperrors.HTTPStatus(err)
	case apperrors.KindConflict, apperrors.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
