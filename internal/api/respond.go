package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	apperrors "github.com/rcourtman/pulse-license-engine/internal/errors"
	"github.com/rcourtman/pulse-license-engine/internal/logging"
)

const maxBodyBytes = 1 << 20

// APIError is the error envelope returned to callers.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type errorBody struct {
	Error APIError `json:"error"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response")
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, code, message, requestID string) {
	writeJSON(w, status, errorBody{Error: APIError{Code: code, Message: message, RequestID: requestID}})
}

// writeError maps err onto the error envelope. System failures are logged
// with request context; business rejections only at debug.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorStatus(w, r, apperrors.HTTPStatus(err), err)
}

func writeErrorStatus(w http.ResponseWriter, r *http.Request, status int, err error) {
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.CodeInternal
	}

	logger := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError || apperrors.IsSystemError(err) {
		logger.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request failed")
	} else {
		logger.Debug().Err(err).Str("path", r.URL.Path).Str("code", code).Msg("Request rejected")
	}
	writeErrorResponse(w, status, code, apperrors.Message(err), logging.RequestID(r.Context()))
}

// decodeJSON reads a bounded JSON body into dst and validates it. An empty
// body leaves dst at its zero value before validation.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	const op = "api.decode"
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		if tooLarge(err) {
			return bodyTooLarge(op, err)
		}
		return apperrors.ValidationCode(op, apperrors.CodeInvalidInput, "invalid JSON body", err)
	}
	if err := validate.Struct(dst); err != nil {
		return apperrors.ValidationCode(op, apperrors.CodeInvalidInput, validationMessage(err), err)
	}
	return nil
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func bodyTooLarge(op string, err error) error {
	return apperrors.ValidationCode(op, apperrors.CodePayloadTooLarge, "request body exceeds 1 MiB", err)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		case "min", "max", "len", "gte", "lte":
			parts = append(parts, fe.Field()+" must satisfy "+fe.Tag()+"="+fe.Param())
		default:
			parts = append(parts, fe.Field()+" is invalid")
		}
	}
	return strings.Join(parts, "; ")
}
