package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/utafrali/promotion-engine/pkg/errors"
	"github.com/utafrali/promotion-engine/pkg/logger"
	"github.com/utafrali/promotion-engine/pkg/validator"
)

// Response is the JSON envelope used for non-promotion payloads and errors.
type Response struct {
	Data  any            `json:"data,omitempty"`
	Error *ErrorResponse `json:"error,omitempty"`
}

// ErrorResponse is the error half of Response.
type ErrorResponse struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// WriteJSON writes v with the given status. Encoding errors are dropped
// because the header has already been sent.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to a status and writes the error envelope. Decode and
// validation errors from pkg/validator are reported as 400 with field detail.
// Errors mapping to 5xx are logged with the request-scoped logger.
func WriteError(w http.ResponseWriter, r *http.Request, err error, fallback *slog.Logger) {
	l := logger.FromContext(r.Context())
	if l == slog.Default() && fallback != nil {
		l = fallback
	}
	requestID := logger.RequestIDFromContext(r.Context())

	resp := errorResponse(err)
	resp.RequestID = requestID
	status := apperrors.HTTPStatus(err)

	var decErr *validator.DecodeError
	var valErr *validator.ValidationError
	switch {
	case errors.As(err, &valErr), errors.As(err, &decErr):
		status = http.StatusBadRequest
	}

	if status >= http.StatusInternalServerError {
		l.ErrorContext(r.Context(), "request failed",
			slog.String("error", err.Error()),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
		)
	}

	WriteJSON(w, status, Response{Error: resp})
}

func errorResponse(err error) *ErrorResponse {
	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		return &ErrorResponse{Code: "VALIDATION_ERROR", Message: "request validation failed", Fields: valErr.Fields()}
	}
	var decErr *validator.DecodeError
	if errors.As(err, &decErr) {
		return &ErrorResponse{Code: "INVALID_INPUT", Message: decErr.Error()}
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return &ErrorResponse{Code: appErr.Code, Message: appErr.Message, Fields: appErr.Fields}
	}

	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return &ErrorResponse{Code: "NOT_FOUND", Message: "resource not found"}
	case errors.Is(err, apperrors.ErrAlreadyExists):
		return &ErrorResponse{Code: "ALREADY_EXISTS", Message: "resource already exists"}
	case errors.Is(err, apperrors.ErrInvalidInput):
		return &ErrorResponse{Code: "INVALID_INPUT", Message: err.Error()}
	case errors.Is(err, apperrors.ErrServiceUnavail), errors.Is(err, apperrors.ErrAborted):
		return &ErrorResponse{Code: "SERVICE_UNAVAILABLE", Message: "service temporarily unavailable"}
	default:
		return &ErrorResponse{Code: "INTERNAL_ERROR", Message: "an internal error occurred"}
	}
}
