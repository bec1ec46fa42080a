package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/valenisgroo/reviews-service/internal/domain"
	pkgkafka "github.com/valenisgroo/reviews-service/pkg/kafka"
	"github.com/valenisgroo/reviews-service/pkg/logger"
)

// Kafka topic constants for review domain events.
const (
	TopicReviewStatusChanged  = "ecommerce.review.status_changed"
	TopicProductRatingUpdated = "ecommerce.product_rating.updated"
)

// Aggregate type constants.
const (
	AggregateTypeReview        = "review"
	AggregateTypeProductRating = "product_rating"
)

// SourceReviewService identifies events originating from this service.
const SourceReviewService = "reviews-service"

// ReviewStatusChangedData is the payload for a review.status_changed event.
type ReviewStatusChangedData struct {
	ReviewID  string `json:"review_id"`
	UserID    string `json:"user_id"`
	ProductID string `json:"product_id"`
	Rating    int    `json:"rating"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Reason    string `json:"reason"`
}

// ProductRatingUpdatedData is the payload for a product_rating.updated event.
type ProductRatingUpdatedData struct {
	ProductID     string  `json:"product_id"`
	TotalRating   int     `json:"total_rating"`
	ReviewCount   int     `json:"review_count"`
	AverageRating float64 `json:"average_rating"`
}

// EventPublisher is satisfied by *pkgkafka.Producer.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Producer publishes review domain events to Kafka.
type Producer struct {
	kafka  EventPublisher
	logger *slog.Logger
}

// NewProducer creates a new event producer for the review service.
func NewProducer(kafka EventPublisher, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

// PublishStatusChanged publishes a review.status_changed event.
func (p *Producer) PublishStatusChanged(ctx context.Context, review *domain.Review, t domain.Transition) error {
	data := ReviewStatusChangedData{
		ReviewID:  review.ID,
		UserID:    review.UserID,
		ProductID: review.ProductID,
		Rating:    review.Rating,
		OldStatus: t.From.String(),
		NewStatus: t.To.String(),
		Reason:    t.Reason,
	}

	event, err := pkgkafka.NewEvent(TopicReviewStatusChanged, review.ID, AggregateTypeReview, SourceReviewService, data)
	if err != nil {
		return fmt.Errorf("create review.status_changed event: %w", err)
	}
	event.WithCorrelationID(logger.CorrelationIDFromContext(ctx))

	if err := p.kafka.Publish(ctx, TopicReviewStatusChanged, event); err != nil {
		return fmt.Errorf("publish review.status_changed event: %w", err)
	}

	p.logger.DebugContext(ctx, "published review.status_changed event",
		slog.String("review_id", review.ID),
		slog.String("new_status", data.NewStatus),
	)

	return nil
}

// PublishRatingUpdated publishes a product_rating.updated event.
func (p *Producer) PublishRatingUpdated(ctx context.Context, rating domain.ProductRating) error {
	data := ProductRatingUpdatedData{
		ProductID:     rating.ProductID,
		TotalRating:   rating.TotalRating,
		ReviewCount:   rating.ReviewCount,
		AverageRating: rating.AverageRating,
	}

	event, err := pkgkafka.NewEvent(TopicProductRatingUpdated, rating.ProductID, AggregateTypeProductRating, SourceReviewService, data)
	if err != nil {
		return fmt.Errorf("create product_rating.updated event: %w", err)
	}
	event.WithCorrelationID(logger.CorrelationIDFromContext(ctx))

	if err := p.kafka.Publish(ctx, TopicProductRatingUpdated, event); err != nil {
		return fmt.Errorf("publish product_rating.updated event: %w", err)
	}

	p.logger.DebugContext(ctx, "published product_rating.updated event",
		slog.String("product_id", rating.ProductID),
		slog.Int("review_count", rating.ReviewCount),
	)

	return nil
}
