// Package rating keeps each product's aggregate rating in line with its
// accepted, live reviews.
package rating

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/valenisgroo/reviews-service/internal/domain"
	"github.com/valenisgroo/reviews-service/internal/repository"
	apperrors "github.com/valenisgroo/reviews-service/pkg/errors"
)

// Strategy selects how Apply updates the stored aggregate.
type Strategy string

const (
	// StrategyRecompute rescans the accepted reviews on every change.
	StrategyRecompute Strategy = "recompute"
	// StrategyIncremental adds deltas and relies on Reconcile to repair drift.
	StrategyIncremental Strategy = "incremental"
)

// ParseStrategy converts s into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRecompute, StrategyIncremental:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown rating strategy %q", s)
	}
}

var recomputeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reviews_rating_recompute_total",
	Help: "Product rating writes by outcome",
}, []string{"result"})

// ReviewTotals is the part of the review store the aggregator reads.
type ReviewTotals interface {
	AcceptedTotals(ctx context.Context, productID string) (total, count int, err error)
	ListRatedProductIDs(ctx context.Context) ([]string, error)
}

// Publisher announces rating changes. It may be nil.
type Publisher interface {
	PublishRatingUpdated(ctx context.Context, rating domain.ProductRating) error
}

// Aggregator owns every write to product ratings.
type Aggregator struct {
	reviews   ReviewTotals
	ratings   repository.RatingRepository
	cache     repository.RatingCache
	publisher Publisher
	strategy  Strategy
	logger    *slog.Logger
}

// NewAggregator creates a rating aggregator.
func NewAggregator(
	reviews ReviewTotals,
	ratings repository.RatingRepository,
	cache repository.RatingCache,
	publisher Publisher,
	strategy Strategy,
	logger *slog.Logger,
) *Aggregator {
	if strategy == "" {
		strategy = StrategyRecompute
	}
	return &Aggregator{
		reviews:   reviews,
		ratings:   ratings,
		cache:     cache,
		publisher: publisher,
		strategy:  strategy,
		logger:    logger,
	}
}

// Strategy returns the configured update strategy.
func (a *Aggregator) Strategy() Strategy {
	return a.strategy
}

// Recompute rebuilds a product's aggregate from its accepted, live reviews.
// It reads nothing from the previous aggregate, so concurrent calls for the
// same product converge on the same row.
func (a *Aggregator) Recompute(ctx context.Context, productID string) (domain.ProductRating, error) {
	total, count, err := a.reviews.AcceptedTotals(ctx, productID)
	if err != nil {
		recomputeTotal.WithLabelValues("error").Inc()
		return domain.ProductRating{}, fmt.Errorf("recompute rating for %s: %w", productID, err)
	}

	stored, err := a.ratings.UpsertRating(ctx, domain.NewProductRating(productID, total, count))
	if err != nil {
		recomputeTotal.WithLabelValues("error").Inc()
		return domain.ProductRating{}, fmt.Errorf("recompute rating for %s: %w", productID, err)
	}

	recomputeTotal.WithLabelValues("recomputed").Inc()
	a.afterWrite(ctx, *stored)
	return *stored, nil
}

// ApplyDelta shifts a product's aggregate without rescanning its reviews.
func (a *Aggregator) ApplyDelta(ctx context.Context, productID string, ratingDelta, countDelta int) (domain.ProductRating, error) {
	stored, err := a.ratings.ApplyDelta(ctx, productID, ratingDelta, countDelta)
	if err != nil {
		recomputeTotal.WithLabelValues("error").Inc()
		return domain.ProductRating{}, fmt.Errorf("apply rating delta for %s: %w", productID, err)
	}

	recomputeTotal.WithLabelValues("incremental").Inc()
	a.afterWrite(ctx, *stored)
	return *stored, nil
}

// Apply updates the aggregate after change using the configured strategy.
func (a *Aggregator) Apply(ctx context.Context, change domain.RatingChange) (domain.ProductRating, error) {
	if a.strategy == StrategyIncremental && !change.IsZero() {
		return a.ApplyDelta(ctx, change.ProductID, change.RatingDelta, change.CountDelta)
	}
	return a.Recompute(ctx, change.ProductID)
}

// Get returns a product's aggregate. A product nobody has rated yet yields
// zeros without creating a row. Cache failures only cost a store read. A miss
// is filled without overwriting, since a write may have cached a newer row
// between the store read and the fill.
func (a *Aggregator) Get(ctx context.Context, productID string) (domain.ProductRating, error) {
	cached, err := a.cache.Get(ctx, productID)
	if err != nil {
		a.logger.WarnContext(ctx, "rating cache read failed",
			slog.String("product_id", productID),
			slog.String("error", err.Error()),
		)
	} else if cached != nil {
		return *cached, nil
	}

	stored, err := a.ratings.GetRating(ctx, productID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return domain.NewProductRating(productID, 0, 0), nil
		}
		return domain.ProductRating{}, fmt.Errorf("get rating for %s: %w", productID, err)
	}

	if _, err := a.cache.Fill(ctx, *stored); err != nil {
		a.logger.WarnContext(ctx, "rating cache fill failed",
			slog.String("product_id", productID),
			slog.String("error", err.Error()),
		)
	}
	return *stored, nil
}

// ReconcileResult summarizes a Reconcile sweep.
type ReconcileResult struct {
	Products int `json:"products"`
	Drifted  int `json:"drifted"`
	Failed   int `json:"failed"`
}

// Reconcile recomputes every product that has accepted reviews or a stored
// aggregate. A failure on one product does not stop the others.
func (a *Aggregator) Reconcile(ctx context.Context) (ReconcileResult, error) {
	ids, err := a.reviews.ListRatedProductIDs(ctx)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list rated products: %w", err)
	}

	var res ReconcileResult
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Products++

		before, err := a.ratings.GetRating(ctx, id)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			a.logger.WarnContext(ctx, "reconcile: read stored rating failed",
				slog.String("product_id", id),
				slog.String("error", err.Error()),
			)
		}

		after, err := a.Recompute(ctx, id)
		if err != nil {
			res.Failed++
			a.logger.ErrorContext(ctx, "reconcile: recompute failed",
				slog.String("product_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}

		if before == nil || !before.Equal(after) {
			res.Drifted++
			a.logger.WarnContext(ctx, "product rating drift repaired",
				slog.String("product_id", id),
				slog.Int("review_count", after.ReviewCount),
				slog.Float64("average_rating", after.AverageRating),
			)
		}
	}

	a.logger.InfoContext(ctx, "rating reconciliation finished",
		slog.Int("products", res.Products),
		slog.Int("drifted", res.Drifted),
		slog.Int("failed", res.Failed),
	)
	return res, nil
}

func (a *Aggregator) afterWrite(ctx context.Context, pr domain.ProductRating) {
	if err := a.cache.Set(ctx, pr); err != nil {
		a.logger.WarnContext(ctx, "rating cache write failed",
			slog.String("product_id", pr.ProductID),
			slog.String("error", err.Error()),
		)
		// never leave the previous value behind
		if err := a.cache.Invalidate(ctx, pr.ProductID); err != nil {
			a.logger.WarnContext(ctx, "rating cache invalidation failed",
				slog.String("product_id", pr.ProductID),
				slog.String("error", err.Error()),
			)
		}
	}

	a.logger.InfoContext(ctx, "product rating updated",
		slog.String("product_id", pr.ProductID),
		slog.Int("total_rating", pr.TotalRating),
		slog.Int("review_count", pr.ReviewCount),
		slog.Float64("average_rating", pr.AverageRating),
	)

	if a.publisher == nil {
		return
	}
	if err := a.publisher.PublishRatingUpdated(ctx, pr); err != nil {
		a.logger.ErrorContext(ctx, "failed to publish rating updated event",
			slog.String("product_id", pr.ProductID),
			slog.String("error", err.Error()),
		)
	}
}
