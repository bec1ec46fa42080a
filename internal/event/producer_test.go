package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/valenisgroo/reviews-service/internal/domain"
	pkgkafka "github.com/valenisgroo/reviews-service/pkg/kafka"
	"github.com/valenisgroo/reviews-service/pkg/logger"
)

type mockEventPublisher struct {
	mock.Mock
}

func (m *mockEventPublisher) Publish(ctx context.Context, topic string, event *pkgkafka.Event) error {
	args := m.Called(ctx, topic, event)
	return args.Error(0)
}

func TestPublishStatusChanged(t *testing.T) {
	pub := new(mockEventPublisher)
	producer := NewProducer(pub, newTestLogger())
	ctx := logger.WithCorrelationID(context.Background(), "corr-1")

	review := &domain.Review{ID: "r-1", UserID: "u-1", ProductID: "p-1", Rating: 4}
	tr, err := domain.Moderate(domain.StatusPending, true, domain.ReasonAutoApproved)
	require.NoError(t, err)

	var published *pkgkafka.Event
	pub.On("Publish", ctx, TopicReviewStatusChanged, mock.AnythingOfType("*kafka.Event")).
		Run(func(args mock.Arguments) { published = args.Get(2).(*pkgkafka.Event) }).
		Return(nil)

	require.NoError(t, producer.PublishStatusChanged(ctx, review, tr))
	pub.AssertExpectations(t)

	require.NotNil(t, published)
	assert.Equal(t, TopicReviewStatusChanged, published.EventType)
	assert.Equal(t, "r-1", published.AggregateID)
	assert.Equal(t, AggregateTypeReview, published.AggregateType)
	assert.Equal(t, SourceReviewService, published.Source)
	assert.Equal(t, "corr-1", published.CorrelationID)

	var data ReviewStatusChangedData
	require.NoError(t, published.UnmarshalData(&data))
	assert.Equal(t, "pending", data.OldStatus)
	assert.Equal(t, "moderated", data.NewStatus)
	assert.Equal(t, domain.ReasonAutoApproved, data.Reason)
	assert.Equal(t, 4, data.Rating)
}

func TestPublishRatingUpdated(t *testing.T) {
	pub := new(mockEventPublisher)
	producer := NewProducer(pub, newTestLogger())
	ctx := context.Background()

	var published *pkgkafka.Event
	pub.On("Publish", ctx, TopicProductRatingUpdated, mock.AnythingOfType("*kafka.Event")).
		Run(func(args mock.Arguments) { published = args.Get(2).(*pkgkafka.Event) }).
		Return(nil)

	require.NoError(t, producer.PublishRatingUpdated(ctx, domain.NewProductRating("p-1", 9, 2)))

	var data ProductRatingUpdatedData
	require.NoError(t, published.UnmarshalData(&data))
	assert.Equal(t, ProductRatingUpdatedData{ProductID: "p-1", TotalRating: 9, ReviewCount: 2, AverageRating: 4.5}, data)
	assert.Equal(t, AggregateTypeProductRating, published.AggregateType)
}

func TestPublish_BrokerError(t *testing.T) {
	pub := new(mockEventPublisher)
	producer := NewProducer(pub, newTestLogger())

	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	err := producer.PublishRatingUpdated(context.Background(), domain.NewProductRating("p-1", 0, 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish product_rating.updated event")
}
