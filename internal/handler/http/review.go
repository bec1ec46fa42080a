package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/valenisgroo/reviews-service/internal/repository"
	"github.com/valenisgroo/reviews-service/internal/service"
	"github.com/valenisgroo/reviews-service/pkg/httputil"
	"github.com/valenisgroo/reviews-service/pkg/middleware"
	"github.com/valenisgroo/reviews-service/pkg/pagination"
	"github.com/valenisgroo/reviews-service/pkg/validator"
)

var sortableFields = []string{repository.SortByCreatedAt, repository.SortByRating}

// ReviewHandler handles HTTP requests for review endpoints.
type ReviewHandler struct {
	service *service.ReviewService
	logger  *slog.Logger
}

// NewReviewHandler creates a new review HTTP handler.
func NewReviewHandler(svc *service.ReviewService, logger *slog.Logger) *ReviewHandler {
	return &ReviewHandler{
		service: svc,
		logger:  logger,
	}
}

// --- Request DTOs ---

// SubmitReviewRequest is the JSON request body for submitting a review.
type SubmitReviewRequest struct {
	ProductID string `json:"product_id" validate:"required,max=100"`
	Rating    int    `json:"rating" validate:"required,min=1,max=5"`
	Comment   string `json:"comment" validate:"required"`
}

// EditReviewRequest is the JSON request body for editing a review. Omitted
// fields are left unchanged.
type EditReviewRequest struct {
	Rating  *int    `json:"rating,omitempty" validate:"omitempty,min=1,max=5"`
	Comment *string `json:"comment,omitempty"`
}

// --- Handlers ---

// SubmitReview handles POST /api/v1/reviews
// @Summary Submit a review
// @Description Stores a pending review for the calling user. Requires X-User-ID header.
// @Tags reviews
// @Accept json
// @Produce json
// @Param X-User-ID header string true "Authenticated user ID"
// @Param request body SubmitReviewRequest true "Review to submit"
// @Success 201 {object} httputil.Response
// @Failure 400 {object} httputil.Response
// @Failure 409 {object} httputil.Response
// @Failure 429 {object} httputil.Response
// @Router /api/v1/reviews [post]
func (h *ReviewHandler) SubmitReview(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.IdentityFromContext(r.Context())

	var req SubmitReviewRequest
	if err := validator.DecodeAndValidate(r.Body, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	review, err := h.service.SubmitReview(r.Context(), &service.SubmitReviewInput{
		UserID:    caller.UserID,
		ProductID: req.ProductID,
		Rating:    req.Rating,
		Comment:   req.Comment,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusCreated, review)
}

// ListReviews handles GET /api/v1/reviews
// @Summary List accepted reviews
// @Description Returns accepted reviews, optionally filtered by product or author
// @Tags reviews
// @Produce json
// @Param product_id query string false "Product ID"
// @Param user_id query string false "Author user ID"
// @Param sort_by query string false "created_at or rating" default(created_at)
// @Param sort_order query string false "asc or desc" default(desc)
// @Param page query int false "Page number" default(1)
// @Param per_page query int false "Items per page (max 100)" default(20)
// @Success 200 {object} httputil.Response
// @Router /api/v1/reviews [get]
func (h *ReviewHandler) ListReviews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.list(w, r, q.Get("product_id"), q.Get("user_id"))
}

// ListProductReviews handles GET /api/v1/products/{productId}/reviews
// @Summary List product reviews
// @Description Returns the accepted reviews of one product
// @Tags reviews
// @Produce json
// @Param productId path string true "Product ID"
// @Param page query int false "Page number" default(1)
// @Param per_page query int false "Items per page (max 100)" default(20)
// @Success 200 {object} httputil.Response
// @Router /api/v1/products/{productId}/reviews [get]
func (h *ReviewHandler) ListProductReviews(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, chi.URLParam(r, "productId"), "")
}

func (h *ReviewHandler) list(w http.ResponseWriter, r *http.Request, productID, userID string) {
	page := pagination.FromRequest(r)
	result, err := h.service.ListReviews(r.Context(), service.ListReviewsInput{
		ProductID: productID,
		UserID:    userID,
		Sort:      pagination.SortFromRequest(r, sortableFields, repository.SortByCreatedAt),
		Page:      page,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}

// GetReview handles GET /api/v1/reviews/{id}
// @Summary Get a review
// @Tags reviews
// @Produce json
// @Param id path string true "Review UUID"
// @Success 200 {object} httputil.Response
// @Failure 404 {object} httputil.Response
// @Router /api/v1/reviews/{id} [get]
func (h *ReviewHandler) GetReview(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	review, err := h.service.GetReview(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, review)
}

// EditReview handles PATCH /api/v1/reviews/{id}
// @Summary Edit a review
// @Description Revises rating or comment. Only the author or an admin may edit.
// @Tags reviews
// @Accept json
// @Produce json
// @Param id path string true "Review UUID"
// @Param request body EditReviewRequest true "Fields to change"
// @Success 200 {object} httputil.Response
// @Failure 403 {object} httputil.Response
// @Failure 409 {object} httputil.Response
// @Router /api/v1/reviews/{id} [patch]
func (h *ReviewHandler) EditReview(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	var req EditReviewRequest
	if err := validator.DecodeAndValidate(r.Body, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	review, err := h.service.EditReview(r.Context(), id.String(), actorFrom(r), &service.EditReviewInput{
		Rating:  req.Rating,
		Comment: req.Comment,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, review)
}

// DeleteReview handles DELETE /api/v1/reviews/{id}
// @Summary Delete a review
// @Description Soft-deletes a review. Only the author or an admin may delete.
// @Tags reviews
// @Produce json
// @Param id path string true "Review UUID"
// @Success 200 {object} httputil.Response
// @Failure 403 {object} httputil.Response
// @Failure 404 {object} httputil.Response
// @Router /api/v1/reviews/{id} [delete]
func (h *ReviewHandler) DeleteReview(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	review, err := h.service.DeleteReview(r.Context(), id.String(), actorFrom(r))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, review)
}

// GetProductRating handles GET /api/v1/products/{productId}/rating
// @Summary Get product rating
// @Description Returns the average rating over accepted reviews. Unrated products report zeros.
// @Tags ratings
// @Produce json
// @Param productId path string true "Product ID"
// @Success 200 {object} httputil.Response
// @Router /api/v1/products/{productId}/rating [get]
func (h *ReviewHandler) GetProductRating(w http.ResponseWriter, r *http.Request) {
	rating, err := h.service.GetRating(r.Context(), chi.URLParam(r, "productId"))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, rating)
}

func actorFrom(r *http.Request) service.Actor {
	id, _ := middleware.IdentityFromContext(r.Context())
	return service.Actor{UserID: id.UserID, Admin: id.IsAdmin()}
}
