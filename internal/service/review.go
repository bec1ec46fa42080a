package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/valenisgroo/reviews-service/internal/domain"
	"github.com/valenisgroo/reviews-service/internal/moderation"
	"github.com/valenisgroo/reviews-service/internal/purchase"
	"github.com/valenisgroo/reviews-service/internal/rating"
	"github.com/valenisgroo/reviews-service/internal/repository"
	apperrors "github.com/valenisgroo/reviews-service/pkg/errors"
	"github.com/valenisgroo/reviews-service/pkg/pagination"
)

// reasonPurchaseTentative is recorded when the orders service could not be
// reached and the purchase was assumed.
const reasonPurchaseTentative = "review approved: orders service unreachable, purchase assumed"

var transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reviews_transitions_total",
	Help: "Review status transitions applied",
}, []string{"from", "to"})

// Moderator screens review comments.
type Moderator interface {
	Moderate(comment string) moderation.Result
}

// PurchaseChecker asks whether a user bought a product.
type PurchaseChecker interface {
	Check(ctx context.Context, userID, productID string) purchase.Verdict
}

// RatingAggregator maintains product aggregates.
type RatingAggregator interface {
	Apply(ctx context.Context, change domain.RatingChange) (domain.ProductRating, error)
	Get(ctx context.Context, productID string) (domain.ProductRating, error)
	Recompute(ctx context.Context, productID string) (domain.ProductRating, error)
	Reconcile(ctx context.Context) (rating.ReconcileResult, error)
}

// EventPublisher announces review status changes.
type EventPublisher interface {
	PublishStatusChanged(ctx context.Context, review *domain.Review, t domain.Transition) error
}

// Actor is the caller of an ownership-checked operation.
type Actor struct {
	UserID string
	Admin  bool
}

func (a Actor) owns(r *domain.Review) bool {
	return a.Admin || (a.UserID != "" && a.UserID == r.UserID)
}

// SubmitReviewInput holds the parameters for submitting a review.
type SubmitReviewInput struct {
	UserID    string
	ProductID string
	Rating    int
	Comment   string
}

// EditReviewInput holds the fields an author may revise. Nil fields are kept.
type EditReviewInput struct {
	Rating  *int
	Comment *string
}

// ListReviewsInput holds filters for the public review listing.
type ListReviewsInput struct {
	ProductID string
	UserID    string
	Sort      pagination.Sort
	Page      pagination.Params
}

// ReviewService implements the review lifecycle.
type ReviewService struct {
	repo      repository.ReviewRepository
	moderator Moderator
	ratings   RatingAggregator
	purchases PurchaseChecker
	publisher EventPublisher
	logger    *slog.Logger
}

// NewReviewService creates a new review service. publisher may be nil.
func NewReviewService(
	repo repository.ReviewRepository,
	moderator Moderator,
	ratings RatingAggregator,
	purchases PurchaseChecker,
	publisher EventPublisher,
	logger *slog.Logger,
) *ReviewService {
	return &ReviewService{
		repo:      repo,
		moderator: moderator,
		ratings:   ratings,
		purchases: purchases,
		publisher: publisher,
		logger:    logger,
	}
}

// SubmitReview validates and stores a new pending review.
func (s *ReviewService) SubmitReview(ctx context.Context, input *SubmitReviewInput) (*domain.Review, error) {
	if input.UserID == "" {
		return nil, apperrors.InvalidInput("user_id is required")
	}
	if input.ProductID == "" {
		return nil, apperrors.InvalidInput("product_id is required")
	}
	comment := strings.TrimSpace(input.Comment)
	if err := validateContent(input.Rating, comment); err != nil {
		return nil, err
	}

	existing, err := s.repo.FindOne(ctx, repository.ReviewFilter{
		UserID:    &input.UserID,
		ProductID: &input.ProductID,
	})
	if err != nil {
		return nil, fmt.Errorf("check existing review: %w", err)
	}
	if existing != nil {
		return nil, apperrors.Conflict("you have already reviewed this product")
	}

	now := time.Now().UTC()
	reason := domain.ReasonAwaitingModeration
	review := &domain.Review{
		ID:           uuid.New().String(),
		UserID:       input.UserID,
		ProductID:    input.ProductID,
		Rating:       input.Rating,
		Comment:      comment,
		Status:       domain.StatusPending,
		StatusReason: &reason,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repo.Create(ctx, review); err != nil {
		if errors.Is(err, apperrors.ErrAlreadyExists) {
			return nil, apperrors.Conflict("you have already reviewed this product")
		}
		return nil, fmt.Errorf("create review: %w", err)
	}

	s.logger.InfoContext(ctx, "review submitted",
		slog.String("review_id", review.ID),
		slog.String("product_id", review.ProductID),
		slog.String("user_id", review.UserID),
		slog.Int("rating", review.Rating),
	)

	return review, nil
}

// GetReview returns a live review by id.
func (s *ReviewService) GetReview(ctx context.Context, id string) (*domain.Review, error) {
	review, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get review: %w", err)
	}
	return review, nil
}

// ListReviews returns accepted reviews, optionally narrowed to one product or
// one author.
func (s *ReviewService) ListReviews(ctx context.Context, input ListReviewsInput) (pagination.Result[domain.Review], error) {
	accepted := domain.StatusAccepted
	filter := repository.ReviewFilter{
		Status:   &accepted,
		SortBy:   input.Sort.Field,
		SortDesc: input.Sort.Desc,
		Limit:    input.Page.PerPage,
		Offset:   input.Page.Offset,
	}
	if input.ProductID != "" {
		filter.ProductID = &input.ProductID
	}
	if input.UserID != "" {
		filter.UserID = &input.UserID
	}

	reviews, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return pagination.Result[domain.Review]{}, fmt.Errorf("list reviews: %w", err)
	}
	return pagination.NewResult(reviews, total, input.Page), nil
}

// ListByStatus returns live reviews in status, newest first.
func (s *ReviewService) ListByStatus(ctx context.Context, status domain.Status, page pagination.Params) (pagination.Result[domain.Review], error) {
	reviews, total, err := s.repo.List(ctx, repository.ReviewFilter{
		Status:   &status,
		SortBy:   repository.SortByCreatedAt,
		SortDesc: true,
		Limit:    page.PerPage,
		Offset:   page.Offset,
	})
	if err != nil {
		return pagination.Result[domain.Review]{}, fmt.Errorf("list reviews by status: %w", err)
	}
	return pagination.NewResult(reviews, total, page), nil
}

// ListPendingUpTo returns up to limit pending reviews created at or before
// cutoff, oldest first, starting past after. Rows submitted later never
// shift the pages, so a sweep can walk the backlog while it changes.
func (s *ReviewService) ListPendingUpTo(ctx context.Context, cutoff time.Time, after *repository.Cursor, limit int) ([]domain.Review, error) {
	pending := domain.StatusPending
	reviews, _, err := s.repo.List(ctx, repository.ReviewFilter{
		Status:      &pending,
		CreatedUpTo: &cutoff,
		After:       after,
		Limit:       limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list pending reviews: %w", err)
	}
	return reviews, nil
}

// AutoModerate runs the moderation engine on a pending review.
func (s *ReviewService) AutoModerate(ctx context.Context, id string) (*domain.Review, error) {
	review, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get review: %w", err)
	}
	if review.Status != domain.StatusPending {
		return nil, apperrors.Conflict(fmt.Sprintf("review is %s, only pending reviews can be moderated", review.Status))
	}

	res := s.moderator.Moderate(review.Comment)
	reason := res.Reason
	if res.Approved {
		reason = domain.ReasonAutoApproved
	}

	t, err := domain.Moderate(review.Status, res.Approved, reason)
	if err != nil {
		return nil, illegal(err)
	}
	return s.transition(ctx, review, t)
}

// ManualModerate records an admin decision on a pending review without
// consulting the moderation engine.
func (s *ReviewService) ManualModerate(ctx context.Context, id string, approve bool, reason string) (*domain.Review, error) {
	review, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get review: %w", err)
	}

	t, err := domain.Moderate(review.Status, approve, strings.TrimSpace(reason))
	if err != nil {
		return nil, illegal(err)
	}
	return s.transition(ctx, review, t)
}

// VerifyPurchase resolves a moderated review.
func (s *ReviewService) VerifyPurchase(ctx context.Context, id string, confirmed bool, reason string) (*domain.Review, error) {
	review, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get review: %w", err)
	}

	t, err := domain.Verify(review.Status, confirmed, strings.TrimSpace(reason))
	if err != nil {
		return nil, illegal(err)
	}
	return s.transition(ctx, review, t)
}

// CheckAndVerifyPurchase asks the orders service about a moderated review and
// resolves it with the answer.
func (s *ReviewService) CheckAndVerifyPurchase(ctx context.Context, id string) (*domain.Review, error) {
	review, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get review: %w", err)
	}
	if review.Status != domain.StatusModerated {
		return nil, apperrors.Conflict(fmt.Sprintf("review is %s, only moderated reviews can be verified", review.Status))
	}

	verdict := s.purchases.Check(ctx, review.UserID, review.ProductID)
	reason := ""
	if verdict == purchase.Tentative {
		reason = reasonPurchaseTentative
	}

	t, err := domain.Verify(review.Status, verdict.Purchased(), reason)
	if err != nil {
		return nil, illegal(err)
	}

	s.logger.InfoContext(ctx, "purchase checked",
		slog.String("review_id", review.ID),
		slog.String("verdict", verdict.String()),
	)
	return s.transition(ctx, review, t)
}

// EditReview revises rating and comment. Rejected reviews are frozen.
func (s *ReviewService) EditReview(ctx context.Context, id string, actor Actor, input *EditReviewInput) (*domain.Review, error) {
	if input.Rating == nil && input.Comment == nil {
		return nil, apperrors.InvalidInput("rating or comment is required")
	}

	review, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get review: %w", err)
	}
	if !actor.owns(review) {
		return nil, apperrors.Forbidden("only the author can edit this review")
	}
	if review.Status == domain.StatusRejected {
		return nil, apperrors.Conflict("rejected reviews cannot be edited")
	}

	newRating, newComment := review.Rating, review.Comment
	if input.Rating != nil {
		newRating = *input.Rating
	}
	if input.Comment != nil {
		newComment = strings.TrimSpace(*input.Comment)
	}
	if err := validateContent(newRating, newComment); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateContent(ctx, id, repository.ContentEdit{
		Rating:         newRating,
		Comment:        newComment,
		ExpectedStatus: review.Status,
		ExpectedRating: review.Rating,
	})
	if err != nil {
		return nil, fmt.Errorf("update review: %w", err)
	}

	s.logger.InfoContext(ctx, "review edited",
		slog.String("review_id", updated.ID),
		slog.String("product_id", updated.ProductID),
		slog.String("status", updated.Status.String()),
		slog.Int("rating", updated.Rating),
	)

	if updated.Status == domain.StatusAccepted {
		s.applyRating(ctx, domain.RatingChange{
			ProductID:   updated.ProductID,
			RatingDelta: updated.Rating - review.Rating,
		})
	}
	return updated, nil
}

// DeleteReview soft-deletes a review in any status.
func (s *ReviewService) DeleteReview(ctx context.Context, id string, actor Actor) (*domain.Review, error) {
	review, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get review: %w", err)
	}
	if !actor.owns(review) {
		return nil, apperrors.Forbidden("only the author can delete this review")
	}

	deleted, err := s.repo.SoftDelete(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("delete review: %w", err)
	}

	s.logger.InfoContext(ctx, "review deleted",
		slog.String("review_id", deleted.ID),
		slog.String("product_id", deleted.ProductID),
		slog.String("user_id", deleted.UserID),
		slog.String("status", deleted.Status.String()),
	)

	if deleted.Status == domain.StatusAccepted {
		s.applyRating(ctx, domain.RatingChange{
			ProductID:   deleted.ProductID,
			RatingDelta: -deleted.Rating,
			CountDelta:  -1,
		})
	}
	return deleted, nil
}

// GetRating returns a product's aggregate; unrated products yield zeros.
func (s *ReviewService) GetRating(ctx context.Context, productID string) (domain.ProductRating, error) {
	if productID == "" {
		return domain.ProductRating{}, apperrors.InvalidInput("product_id is required")
	}
	r, err := s.ratings.Get(ctx, productID)
	if err != nil {
		return domain.ProductRating{}, fmt.Errorf("get rating: %w", err)
	}
	return r, nil
}

// RecomputeRating rebuilds one product's aggregate.
func (s *ReviewService) RecomputeRating(ctx context.Context, productID string) (domain.ProductRating, error) {
	if productID == "" {
		return domain.ProductRating{}, apperrors.InvalidInput("product_id is required")
	}
	r, err := s.ratings.Recompute(ctx, productID)
	if err != nil {
		return domain.ProductRating{}, fmt.Errorf("recompute rating: %w", err)
	}
	return r, nil
}

// ReconcileRatings rebuilds every stored aggregate.
func (s *ReviewService) ReconcileRatings(ctx context.Context) (rating.ReconcileResult, error) {
	res, err := s.ratings.Reconcile(ctx)
	if err != nil {
		return res, fmt.Errorf("reconcile ratings: %w", err)
	}
	return res, nil
}

// ProcessOrder accepts the user's moderated reviews for the purchased
// products and returns how many moved. Reviews that already left moderated
// are skipped, so a redelivered order changes nothing.
func (s *ReviewService) ProcessOrder(ctx context.Context, userID string, productIDs []string) (int, error) {
	if userID == "" || len(productIDs) == 0 {
		return 0, nil
	}

	moderated := domain.StatusModerated
	reviews, _, err := s.repo.List(ctx, repository.ReviewFilter{
		UserID:     &userID,
		Status:     &moderated,
		ProductIDs: productIDs,
		SortBy:     repository.SortByCreatedAt,
		Limit:      len(productIDs),
	})
	if err != nil {
		return 0, fmt.Errorf("list moderated reviews: %w", err)
	}

	var (
		verified int
		errs     []error
	)
	for i := range reviews {
		review := &reviews[i]
		t, err := domain.Verify(review.Status, true, domain.ReasonPurchaseVerified)
		if err != nil {
			continue
		}
		if _, err := s.transition(ctx, review, t); err != nil {
			if errors.Is(err, apperrors.ErrConflict) {
				s.logger.DebugContext(ctx, "review already resolved, skipping",
					slog.String("review_id", review.ID),
				)
				continue
			}
			errs = append(errs, fmt.Errorf("verify review %s: %w", review.ID, err))
			continue
		}
		verified++
	}

	return verified, errors.Join(errs...)
}

// transition persists t with a conditional update, then updates the
// product aggregate when accepted is involved and announces the change.
func (s *ReviewService) transition(ctx context.Context, review *domain.Review, t domain.Transition) (*domain.Review, error) {
	updated, err := s.repo.TransitionStatus(ctx, review.ID, t)
	if err != nil {
		return nil, fmt.Errorf("transition review %s: %w", review.ID, err)
	}

	transitionsTotal.WithLabelValues(t.From.String(), t.To.String()).Inc()
	s.logger.InfoContext(ctx, "review status changed",
		slog.String("review_id", updated.ID),
		slog.String("product_id", updated.ProductID),
		slog.String("user_id", updated.UserID),
		slog.String("from", t.From.String()),
		slog.String("to", t.To.String()),
		slog.String("reason", t.Reason),
	)

	if t.TouchesAccepted() {
		change := domain.RatingChange{ProductID: updated.ProductID, RatingDelta: updated.Rating, CountDelta: 1}
		if t.From == domain.StatusAccepted {
			change.RatingDelta, change.CountDelta = -change.RatingDelta, -1
		}
		s.applyRating(ctx, change)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishStatusChanged(ctx, updated, t); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish review.status_changed event",
				slog.String("review_id", updated.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return updated, nil
}

// applyRating updates the aggregate after a committed review change. A
// failure is logged and left to the reconciliation sweep.
func (s *ReviewService) applyRating(ctx context.Context, change domain.RatingChange) {
	if _, err := s.ratings.Apply(ctx, change); err != nil {
		s.logger.ErrorContext(ctx, "failed to update product rating",
			slog.String("product_id", change.ProductID),
			slog.String("error", err.Error()),
		)
	}
}

func validateContent(rating int, comment string) error {
	if err := domain.ValidateRating(rating); err != nil {
		return apperrors.InvalidInput(err.Error())
	}
	if err := domain.ValidateComment(comment); err != nil {
		return apperrors.InvalidInput(err.Error())
	}
	return nil
}

// illegal maps a rejected domain transition to a Conflict.
func illegal(err error) error {
	if errors.Is(err, domain.ErrIllegalTransition) {
		return apperrors.Conflict(err.Error())
	}
	return err
}
