package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/valenisgroo/reviews-service/internal/domain"
	"github.com/valenisgroo/reviews-service/internal/repository"
	"github.com/valenisgroo/reviews-service/pkg/database"
	apperrors "github.com/valenisgroo/reviews-service/pkg/errors"
)

const reviewColumns = `id, user_id, product_id, rating, comment, status, status_reason, deleted_at, created_at, updated_at`

// ReviewRepository implements repository.ReviewRepository using PostgreSQL.
type ReviewRepository struct {
	pool database.DBTX
}

// NewReviewRepository creates a new PostgreSQL-backed review repository.
func NewReviewRepository(pool database.DBTX) *ReviewRepository {
	return &ReviewRepository{pool: pool}
}

// Create inserts a new review into the database.
func (r *ReviewRepository) Create(ctx context.Context, review *domain.Review) (err error) {
	query := `
		INSERT INTO reviews (id, user_id, product_id, rating, comment, status, status_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	ctx, end := database.TraceQuery(ctx, "CreateReview", query)
	defer func() { end(err) }()

	_, err = r.pool.Exec(ctx, query,
		review.ID,
		review.UserID,
		review.ProductID,
		review.Rating,
		review.Comment,
		string(review.Status),
		review.StatusReason,
		review.CreatedAt,
		review.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.AlreadyExists("review", "user_id/product_id", review.UserID+"/"+review.ProductID)
		}
		return fmt.Errorf("insert review: %w", err)
	}

	return nil
}

// GetByID retrieves a live review by its ID.
func (r *ReviewRepository) GetByID(ctx context.Context, id string) (_ *domain.Review, err error) {
	query := `SELECT ` + reviewColumns + `
		FROM reviews
		WHERE id = $1 AND deleted_at IS NULL`

	ctx, end := database.TraceQuery(ctx, "GetReview", query)
	defer func() { end(err) }()

	review, err := scanReview(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("review", id)
		}
		return nil, fmt.Errorf("get review: %w", err)
	}
	return review, nil
}

// FindOne returns the newest review matching filter, or nil.
func (r *ReviewRepository) FindOne(ctx context.Context, filter repository.ReviewFilter) (_ *domain.Review, err error) {
	where, args := buildWhere(filter)
	query := fmt.Sprintf(`SELECT %s
		FROM reviews
		%s
		ORDER BY created_at DESC
		LIMIT 1`, reviewColumns, where)

	ctx, end := database.TraceQuery(ctx, "FindReview", query)
	defer func() { end(err) }()

	review, err := scanReview(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find review: %w", err)
	}
	return review, nil
}

// List returns live reviews matching the given filter with the total count.
func (r *ReviewRepository) List(ctx context.Context, filter repository.ReviewFilter) (_ []domain.Review, _ int, err error) {
	where, args := buildWhere(filter)
	argIndex := len(args) + 1

	// Use count(*) OVER() for total count in a single query.
	query := fmt.Sprintf(`
		SELECT %s,
			   count(*) OVER() AS total_count
		FROM reviews
		%s
		ORDER BY %s
		LIMIT $%d OFFSET $%d`,
		reviewColumns, where, orderBy(filter), argIndex, argIndex+1,
	)

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 || filter.CreatedUpTo != nil {
		offset = 0
	}
	args = append(args, limit, offset)

	ctx, end := database.TraceQuery(ctx, "ListReviews", query)
	defer func() { end(err) }()

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var (
		reviews    []domain.Review
		totalCount int
	)

	for rows.Next() {
		var (
			rv     domain.Review
			status string
		)
		if err = rows.Scan(
			&rv.ID,
			&rv.UserID,
			&rv.ProductID,
			&rv.Rating,
			&rv.Comment,
			&status,
			&rv.StatusReason,
			&rv.DeletedAt,
			&rv.CreatedAt,
			&rv.UpdatedAt,
			&totalCount,
		); err != nil {
			return nil, 0, fmt.Errorf("scan review row: %w", err)
		}
		rv.Status = domain.Status(status)
		reviews = append(reviews, rv)
	}

	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate review rows: %w", err)
	}

	if reviews == nil {
		reviews = []domain.Review{}
	}

	return reviews, totalCount, nil
}

// UpdateContent rewrites rating and comment of a live review that still holds
// the expected status and rating.
func (r *ReviewRepository) UpdateContent(ctx context.Context, id string, edit repository.ContentEdit) (_ *domain.Review, err error) {
	query := `
		UPDATE reviews
		SET rating = $2, comment = $3, updated_at = $4
		WHERE id = $1 AND status = $5 AND rating = $6 AND deleted_at IS NULL
		RETURNING ` + reviewColumns

	ctx, end := database.TraceQuery(ctx, "UpdateReviewContent", query)
	defer func() { end(err) }()

	review, err := scanReview(r.pool.QueryRow(ctx, query,
		id, edit.Rating, edit.Comment, time.Now().UTC(), string(edit.ExpectedStatus), edit.ExpectedRating,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.Conflict(fmt.Sprintf("review %s changed while it was being edited", id))
		}
		return nil, fmt.Errorf("update review content: %w", err)
	}
	return review, nil
}

// TransitionStatus moves a review from t.From to t.To. The update only takes
// effect if the stored status still equals t.From, which serializes
// concurrent transitions on the same review.
func (r *ReviewRepository) TransitionStatus(ctx context.Context, id string, t domain.Transition) (_ *domain.Review, err error) {
	query := `
		UPDATE reviews
		SET status = $2, status_reason = $3, updated_at = $4
		WHERE id = $1 AND status = $5 AND deleted_at IS NULL
		RETURNING ` + reviewColumns

	ctx, end := database.TraceQuery(ctx, "TransitionReviewStatus", query)
	defer func() { end(err) }()

	review, err := scanReview(r.pool.QueryRow(ctx, query, id, string(t.To), t.Reason, time.Now().UTC(), string(t.From)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.Conflict(fmt.Sprintf("review %s is not %s", id, t.From))
		}
		return nil, fmt.Errorf("transition review status: %w", err)
	}
	return review, nil
}

// SoftDelete stamps deleted_at on a live review.
func (r *ReviewRepository) SoftDelete(ctx context.Context, id string) (_ *domain.Review, err error) {
	query := `
		UPDATE reviews
		SET deleted_at = $2, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING ` + reviewColumns

	ctx, end := database.TraceQuery(ctx, "SoftDeleteReview", query)
	defer func() { end(err) }()

	review, err := scanReview(r.pool.QueryRow(ctx, query, id, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("review", id)
		}
		return nil, fmt.Errorf("soft delete review: %w", err)
	}
	return review, nil
}

// AcceptedTotals sums rating and counts the live accepted reviews of a product.
func (r *ReviewRepository) AcceptedTotals(ctx context.Context, productID string) (total, count int, err error) {
	query := `
		SELECT COALESCE(SUM(rating), 0), COUNT(*)
		FROM reviews
		WHERE product_id = $1 AND status = $2 AND deleted_at IS NULL`

	ctx, end := database.TraceQuery(ctx, "AcceptedTotals", query)
	defer func() { end(err) }()

	if err = r.pool.QueryRow(ctx, query, productID, string(domain.StatusAccepted)).Scan(&total, &count); err != nil {
		return 0, 0, fmt.Errorf("sum accepted ratings: %w", err)
	}
	return total, count, nil
}

// ListRatedProductIDs returns the products that have accepted reviews or an
// existing aggregate row.
func (r *ReviewRepository) ListRatedProductIDs(ctx context.Context) (_ []string, err error) {
	query := `
		SELECT product_id FROM reviews WHERE status = $1 AND deleted_at IS NULL
		UNION
		SELECT product_id FROM product_ratings
		ORDER BY product_id`

	ctx, end := database.TraceQuery(ctx, "ListRatedProductIDs", query)
	defer func() { end(err) }()

	rows, err := r.pool.Query(ctx, query, string(domain.StatusAccepted))
	if err != nil {
		return nil, fmt.Errorf("list rated products: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan product id: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product ids: %w", err)
	}
	return ids, nil
}

func buildWhere(filter repository.ReviewFilter) (string, []any) {
	conditions := []string{"deleted_at IS NULL"}
	var args []any
	argIndex := 1

	if filter.UserID != nil {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIndex))
		args = append(args, *filter.UserID)
		argIndex++
	}

	if filter.ProductID != nil {
		conditions = append(conditions, fmt.Sprintf("product_id = $%d", argIndex))
		args = append(args, *filter.ProductID)
		argIndex++
	}

	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, string(*filter.Status))
		argIndex++
	}

	if len(filter.ProductIDs) > 0 {
		conditions = append(conditions, fmt.Sprintf("product_id = ANY($%d)", argIndex))
		args = append(args, filter.ProductIDs)
		argIndex++
	}

	if filter.CreatedUpTo != nil {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argIndex))
		args = append(args, *filter.CreatedUpTo)
		argIndex++

		if filter.After != nil {
			conditions = append(conditions, fmt.Sprintf("(created_at, id) > ($%d, $%d)", argIndex, argIndex+1))
			args = append(args, filter.After.CreatedAt, filter.After.ID)
		}
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}

func orderBy(filter repository.ReviewFilter) string {
	if filter.CreatedUpTo != nil {
		return "created_at ASC, id ASC"
	}

	column := repository.SortByCreatedAt
	if filter.SortBy == repository.SortByRating {
		column = repository.SortByRating
	}
	dir := "ASC"
	if filter.SortDesc {
		dir = "DESC"
	}
	// created_at breaks rating ties so pages are stable.
	if column == repository.SortByRating {
		return fmt.Sprintf("rating %s, created_at DESC", dir)
	}
	return "created_at " + dir
}

func scanReview(row pgx.Row) (*domain.Review, error) {
	var (
		rv     domain.Review
		status string
	)
	if err := row.Scan(
		&rv.ID,
		&rv.UserID,
		&rv.ProductID,
		&rv.Rating,
		&rv.Comment,
		&status,
		&rv.StatusReason,
		&rv.DeletedAt,
		&rv.CreatedAt,
		&rv.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rv.Status = domain.Status(status)
	return &rv, nil
}

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
