package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valenisgroo/reviews-service/internal/domain"
	apperrors "github.com/valenisgroo/reviews-service/pkg/errors"
)

var ratingCols = []string{"product_id", "total_rating", "review_count", "average_rating", "updated_at"}

func TestRatingRepository_GetRating(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()
	repo := NewRatingRepository(mock)

	mock.ExpectQuery("SELECT .+ FROM product_ratings WHERE product_id").
		WithArgs("prod-1").
		WillReturnRows(pgxmock.NewRows(ratingCols).AddRow("prod-1", 9, 2, 4.5, now))

	pr, err := repo.GetRating(context.Background(), "prod-1")

	require.NoError(t, err)
	assert.Equal(t, 9, pr.TotalRating)
	assert.Equal(t, 2, pr.ReviewCount)
	assert.Equal(t, 4.5, pr.AverageRating)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRatingRepository_GetRating_NotFound(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()
	repo := NewRatingRepository(mock)

	mock.ExpectQuery("SELECT .+ FROM product_ratings").
		WithArgs("prod-404").
		WillReturnError(pgx.ErrNoRows)

	pr, err := repo.GetRating(context.Background(), "prod-404")

	assert.Nil(t, pr)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRatingRepository_UpsertRating(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()
	repo := NewRatingRepository(mock)
	rating := domain.NewProductRating("prod-1", 13, 3)

	mock.ExpectQuery("INSERT INTO product_ratings .+ ON CONFLICT \\(product_id\\) DO UPDATE").
		WithArgs("prod-1", 13, 3, 4.3, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(ratingCols).AddRow("prod-1", 13, 3, 4.3, now))

	pr, err := repo.UpsertRating(context.Background(), rating)

	require.NoError(t, err)
	assert.True(t, rating.Equal(*pr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRatingRepository_ApplyDelta(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()
	repo := NewRatingRepository(mock)

	mock.ExpectQuery("WITH next AS .+ INSERT INTO product_ratings .+ ON CONFLICT").
		WithArgs("prod-1", -5, -1, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(ratingCols).AddRow("prod-1", 4, 1, 4.0, now))

	pr, err := repo.ApplyDelta(context.Background(), "prod-1", -5, -1)

	require.NoError(t, err)
	assert.Equal(t, 4, pr.TotalRating)
	assert.Equal(t, 1, pr.ReviewCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRatingRepository_ApplyDelta_DBError(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()
	repo := NewRatingRepository(mock)

	mock.ExpectQuery("WITH next AS").
		WithArgs("prod-1", 5, 1, pgxmock.AnyArg()).
		WillReturnError(errors.New("deadlock detected"))

	_, err := repo.ApplyDelta(context.Background(), "prod-1", 5, 1)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply product rating delta")
}
