package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/valenisgroo/reviews-service/internal/domain"
	"github.com/valenisgroo/reviews-service/internal/job"
	"github.com/valenisgroo/reviews-service/internal/service"
	"github.com/valenisgroo/reviews-service/pkg/httputil"
	"github.com/valenisgroo/reviews-service/pkg/pagination"
	"github.com/valenisgroo/reviews-service/pkg/validator"
)

// Sweeper runs a moderation sweep synchronously.
type Sweeper interface {
	Run(ctx context.Context) (job.BatchResult, error)
}

// AdminHandler serves the operator endpoints: manual moderation, purchase
// verification, sweeps and rating repair.
type AdminHandler struct {
	service *service.ReviewService
	sweeper Sweeper
	logger  *slog.Logger
}

// NewAdminHandler creates a new admin HTTP handler.
func NewAdminHandler(svc *service.ReviewService, sweeper Sweeper, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service: svc,
		sweeper: sweeper,
		logger:  logger,
	}
}

// ModerateRequest is the JSON request body for a manual moderation decision.
type ModerateRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
	Reason   string `json:"reason" validate:"max=500"`
}

// VerifyRequest is the JSON request body for purchase verification. When
// Confirmed is omitted the orders service is asked instead.
type VerifyRequest struct {
	Confirmed *bool  `json:"confirmed,omitempty"`
	Reason    string `json:"reason" validate:"max=500"`
}

// ListByStatus handles GET /api/v1/admin/reviews/status/{status}
// @Summary List reviews by status
// @Tags admin
// @Produce json
// @Param status path string true "pending, moderated, accepted or rejected"
// @Param page query int false "Page number" default(1)
// @Param per_page query int false "Items per page (max 100)" default(20)
// @Success 200 {object} httputil.Response
// @Failure 400 {object} httputil.Response
// @Router /api/v1/admin/reviews/status/{status} [get]
func (h *AdminHandler) ListByStatus(w http.ResponseWriter, r *http.Request) {
	status, err := domain.ParseStatus(chi.URLParam(r, "status"))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.service.ListByStatus(r.Context(), status, pagination.FromRequest(r))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}

// ModerateReview handles POST /api/v1/admin/reviews/{id}/moderate
// @Summary Moderate a review manually
// @Tags admin
// @Accept json
// @Produce json
// @Param id path string true "Review UUID"
// @Param request body ModerateRequest true "Decision"
// @Success 200 {object} httputil.Response
// @Failure 409 {object} httputil.Response
// @Router /api/v1/admin/reviews/{id}/moderate [post]
func (h *AdminHandler) ModerateReview(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	var req ModerateRequest
	if err := validator.DecodeAndValidate(r.Body, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	review, err := h.service.ManualModerate(r.Context(), id.String(), req.Decision == "approve", req.Reason)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, review)
}

// AutoModerateReview handles POST /api/v1/admin/reviews/{id}/auto-moderate
// @Summary Run automatic moderation on one review
// @Tags admin
// @Produce json
// @Param id path string true "Review UUID"
// @Success 200 {object} httputil.Response
// @Failure 409 {object} httputil.Response
// @Router /api/v1/admin/reviews/{id}/auto-moderate [post]
func (h *AdminHandler) AutoModerateReview(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	review, err := h.service.AutoModerate(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, review)
}

// VerifyPurchase handles POST /api/v1/admin/reviews/{id}/verify
// @Summary Resolve purchase verification
// @Description Accepts or rejects a moderated review. Without "confirmed" the orders service decides.
// @Tags admin
// @Accept json
// @Produce json
// @Param id path string true "Review UUID"
// @Param request body VerifyRequest false "Explicit outcome"
// @Success 200 {object} httputil.Response
// @Failure 409 {object} httputil.Response
// @Router /api/v1/admin/reviews/{id}/verify [post]
func (h *AdminHandler) VerifyPurchase(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	var req VerifyRequest
	if r.ContentLength != 0 {
		if err := validator.DecodeAndValidate(r.Body, &req); err != nil {
			httputil.WriteError(w, r, err, h.logger)
			return
		}
	}

	var (
		review *domain.Review
		err    error
	)
	if req.Confirmed == nil {
		review, err = h.service.CheckAndVerifyPurchase(r.Context(), id.String())
	} else {
		review, err = h.service.VerifyPurchase(r.Context(), id.String(), *req.Confirmed, req.Reason)
	}
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, review)
}

// RunModeration handles POST /api/v1/admin/moderation/run
// @Summary Run the moderation sweep now
// @Tags admin
// @Produce json
// @Success 200 {object} httputil.Response
// @Failure 409 {object} httputil.Response
// @Router /api/v1/admin/moderation/run [post]
func (h *AdminHandler) RunModeration(w http.ResponseWriter, r *http.Request) {
	result, err := h.sweeper.Run(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, result)
}

// ReconcileRatings handles POST /api/v1/admin/ratings/reconcile
// @Summary Rebuild every product rating
// @Tags admin
// @Produce json
// @Success 200 {object} httputil.Response
// @Router /api/v1/admin/ratings/reconcile [post]
func (h *AdminHandler) ReconcileRatings(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ReconcileRatings(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, result)
}

// RecomputeRating handles POST /api/v1/admin/ratings/{productId}/recompute
// @Summary Rebuild one product rating
// @Tags admin
// @Produce json
// @Param productId path string true "Product ID"
// @Success 200 {object} httputil.Response
// @Router /api/v1/admin/ratings/{productId}/recompute [post]
func (h *AdminHandler) RecomputeRating(w http.ResponseWriter, r *http.Request) {
	rating, err := h.service.RecomputeRating(r.Context(), chi.URLParam(r, "productId"))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, rating)
}
