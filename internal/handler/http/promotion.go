package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/internal/service"
	apperrors "github.com/utafrali/promotion-engine/pkg/errors"
	"github.com/utafrali/promotion-engine/pkg/httputil"
	"github.com/utafrali/promotion-engine/pkg/validator"
)

// PromotionHandler handles HTTP requests for promotion endpoints.
type PromotionHandler struct {
	service *service.PromotionService
	logger  *slog.Logger
}

// NewPromotionHandler creates a new promotion HTTP handler.
func NewPromotionHandler(svc *service.PromotionService, logger *slog.Logger) *PromotionHandler {
	return &PromotionHandler{
		service: svc,
		logger:  logger,
	}
}

// Evaluate handles POST /api/v1/promotions/evaluate.
func (h *PromotionHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req domain.Request
	if err := validator.DecodeAndValidate(w, r, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	resp, err := h.service.Evaluate(r.Context(), &req)
	h.writeDecision(w, r, resp, err)
}

// Apply handles POST /api/v1/promotions/apply.
func (h *PromotionHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var req domain.Request
	if err := validator.DecodeAndValidate(w, r, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	resp, err := h.service.Apply(r.Context(), &req)
	h.writeDecision(w, r, resp, err)
}

// ListAudits handles GET /api/v1/campaigns/{id}/audit.
func (h *PromotionHandler) ListAudits(w http.ResponseWriter, r *http.Request) {
	page := httputil.ParsePage(r)

	audits, total, err := h.service.Audits(r.Context(), chi.URLParam(r, "id"), page)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.NewPaginatedResponse(audits, total, page))
}

// writeDecision writes a pricing decision. An aborted request still carries
// the original totals, so it is written as a 503 with the decision body
// instead of the error envelope.
func (h *PromotionHandler) writeDecision(w http.ResponseWriter, r *http.Request, resp *domain.Response, err error) {
	switch {
	case err == nil:
		httputil.WriteJSON(w, http.StatusOK, resp)
	case resp != nil && errors.Is(err, apperrors.ErrAborted):
		httputil.WriteJSON(w, http.StatusServiceUnavailable, resp)
	default:
		httputil.WriteError(w, r, err, h.logger)
	}
}
