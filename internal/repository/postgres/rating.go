package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/valenisgroo/reviews-service/internal/domain"
	"github.com/valenisgroo/reviews-service/pkg/database"
	apperrors "github.com/valenisgroo/reviews-service/pkg/errors"
)

const ratingColumns = `product_id, total_rating, review_count, average_rating, updated_at`

// RatingRepository implements repository.RatingRepository using PostgreSQL.
type RatingRepository struct {
	pool database.DBTX
}

// NewRatingRepository creates a new PostgreSQL-backed product rating repository.
func NewRatingRepository(pool database.DBTX) *RatingRepository {
	return &RatingRepository{pool: pool}
}

// GetRating retrieves the stored aggregate for a product.
func (r *RatingRepository) GetRating(ctx context.Context, productID string) (_ *domain.ProductRating, err error) {
	query := `SELECT ` + ratingColumns + ` FROM product_ratings WHERE product_id = $1`

	ctx, end := database.TraceQuery(ctx, "GetProductRating", query)
	defer func() { end(err) }()

	pr, err := scanRating(r.pool.QueryRow(ctx, query, productID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("get product rating: %w", err)
	}
	return pr, nil
}

// UpsertRating inserts or replaces a product's aggregate.
func (r *RatingRepository) UpsertRating(ctx context.Context, rating domain.ProductRating) (_ *domain.ProductRating, err error) {
	query := `
		INSERT INTO product_ratings (product_id, total_rating, review_count, average_rating, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (product_id) DO UPDATE
		SET total_rating = EXCLUDED.total_rating,
		    review_count = EXCLUDED.review_count,
		    average_rating = EXCLUDED.average_rating,
		    updated_at = EXCLUDED.updated_at
		RETURNING ` + ratingColumns

	ctx, end := database.TraceQuery(ctx, "UpsertProductRating", query)
	defer func() { end(err) }()

	pr, err := scanRating(r.pool.QueryRow(ctx, query,
		rating.ProductID,
		rating.TotalRating,
		rating.ReviewCount,
		rating.AverageRating,
		time.Now().UTC(),
	))
	if err != nil {
		return nil, fmt.Errorf("upsert product rating: %w", err)
	}
	return pr, nil
}

// ApplyDelta shifts a product's totals by the given deltas. Totals never drop
// below zero and the average is re-derived from the new totals in the same
// statement, so the three columns cannot drift apart.
func (r *RatingRepository) ApplyDelta(ctx context.Context, productID string, ratingDelta, countDelta int) (_ *domain.ProductRating, err error) {
	query := `
		WITH next AS (
			SELECT GREATEST(COALESCE(pr.total_rating, 0) + $2, 0) AS total,
			       GREATEST(COALESCE(pr.review_count, 0) + $3, 0) AS cnt
			FROM (SELECT 1) AS one
			LEFT JOIN product_ratings pr ON pr.product_id = $1
		)
		INSERT INTO product_ratings (product_id, total_rating, review_count, average_rating, updated_at)
		SELECT $1, next.total, next.cnt,
		       CASE WHEN next.cnt > 0 THEN ROUND(next.total::numeric / next.cnt, 1) ELSE 0 END,
		       $4
		FROM next
		ON CONFLICT (product_id) DO UPDATE
		SET total_rating = GREATEST(product_ratings.total_rating + $2, 0),
		    review_count = GREATEST(product_ratings.review_count + $3, 0),
		    average_rating = CASE
		        WHEN GREATEST(product_ratings.review_count + $3, 0) > 0
		        THEN ROUND(GREATEST(product_ratings.total_rating + $2, 0)::numeric / GREATEST(product_ratings.review_count + $3, 0), 1)
		        ELSE 0 END,
		    updated_at = $4
		RETURNING ` + ratingColumns

	ctx, end := database.TraceQuery(ctx, "ApplyProductRatingDelta", query)
	defer func() { end(err) }()

	pr, err := scanRating(r.pool.QueryRow(ctx, query, productID, ratingDelta, countDelta, time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("apply product rating delta: %w", err)
	}
	return pr, nil
}

func scanRating(row pgx.Row) (*domain.ProductRating, error) {
	var pr domain.ProductRating
	if err := row.Scan(
		&pr.ProductID,
		&pr.TotalRating,
		&pr.ReviewCount,
		&pr.AverageRating,
		&pr.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &pr, nil
}
