package repository

import (
	"context"
	"time"

	"github.com/valenisgroo/reviews-service/internal/domain"
)

// Sort columns accepted by ReviewFilter.SortBy.
const (
	SortByCreatedAt = "created_at"
	SortByRating    = "rating"
)

// ReviewFilter defines filter criteria for listing live reviews.
type ReviewFilter struct {
	UserID     *string
	ProductID  *string
	Status     *domain.Status
	ProductIDs []string
	// SortBy is one of the SortBy constants; created_at when empty.
	SortBy   string
	SortDesc bool
	Limit    int
	Offset   int

	// CreatedUpTo drops rows created after it and switches List to keyset
	// order (created_at, id ascending). Pages continue past After; Offset
	// and SortBy are ignored.
	CreatedUpTo *time.Time
	After       *Cursor
}

// ContentEdit is a conditional rewrite of a review's rating and comment.
// Matching on the previous rating keeps rating deltas derived from it exact
// when two edits race.
type ContentEdit struct {
	Rating         int
	Comment        string
	ExpectedStatus domain.Status
	ExpectedRating int
}

// Cursor is the position of the last row of a keyset page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// ReviewRepository defines the persistence operations on reviews. Every
// operation ignores soft-deleted rows.
type ReviewRepository interface {
	// Create inserts a new review. A live review for the same user and
	// product yields an AlreadyExists error.
	Create(ctx context.Context, review *domain.Review) error

	// GetByID returns the live review with the given id.
	GetByID(ctx context.Context, id string) (*domain.Review, error)

	// FindOne returns the first review matching filter, or nil when none does.
	FindOne(ctx context.Context, filter ReviewFilter) (*domain.Review, error)

	// List returns the reviews matching filter along with the total count.
	List(ctx context.Context, filter ReviewFilter) ([]domain.Review, int, error)

	// UpdateContent applies edit while the stored review still holds the
	// expected status and rating; otherwise it fails with a Conflict error.
	UpdateContent(ctx context.Context, id string, edit ContentEdit) (*domain.Review, error)

	// TransitionStatus applies t only if the stored status still equals
	// t.From; otherwise it fails with a Conflict error.
	TransitionStatus(ctx context.Context, id string, t domain.Transition) (*domain.Review, error)

	// SoftDelete marks the review deleted and returns it with the status it
	// held when it was deleted.
	SoftDelete(ctx context.Context, id string) (*domain.Review, error)

	// AcceptedTotals sums the ratings of a product's accepted reviews.
	AcceptedTotals(ctx context.Context, productID string) (total, count int, err error)

	// ListRatedProductIDs returns every product that has an accepted review
	// or a stored rating.
	ListRatedProductIDs(ctx context.Context) ([]string, error)
}

// RatingRepository persists product rating aggregates.
type RatingRepository interface {
	// GetRating returns the stored aggregate or apperrors.ErrNotFound.
	GetRating(ctx context.Context, productID string) (*domain.ProductRating, error)

	// UpsertRating writes all three aggregate fields at once.
	UpsertRating(ctx context.Context, rating domain.ProductRating) (*domain.ProductRating, error)

	// ApplyDelta adds the deltas to the stored totals and re-derives the
	// average in the same statement.
	ApplyDelta(ctx context.Context, productID string, ratingDelta, countDelta int) (*domain.ProductRating, error)
}

// RatingCache is a read-through cache in front of RatingRepository.
type RatingCache interface {
	// Get returns the cached rating, or nil on a miss.
	Get(ctx context.Context, productID string) (*domain.ProductRating, error)

	// Set overwrites the cached value. Writers call it with the row they
	// just stored.
	Set(ctx context.Context, rating domain.ProductRating) error

	// Fill caches rating only when the key is empty. Readers use it so a
	// stale read cannot replace a fresher write.
	Fill(ctx context.Context, rating domain.ProductRating) (bool, error)

	Invalidate(ctx context.Context, productID string) error
}
