package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valenisgroo/reviews-service/internal/domain"
	"github.com/valenisgroo/reviews-service/internal/event"
	"github.com/valenisgroo/reviews-service/internal/moderation"
	"github.com/valenisgroo/reviews-service/internal/rating"
	"github.com/valenisgroo/reviews-service/internal/repository"
	redisrepo "github.com/valenisgroo/reviews-service/internal/repository/redis"
	apperrors "github.com/valenisgroo/reviews-service/pkg/errors"
	pkgkafka "github.com/valenisgroo/reviews-service/pkg/kafka"
)

// memReviewRepo is an in-memory ReviewRepository with the same conditional
// update semantics as the postgres one.
type memReviewRepo struct {
	mu      sync.Mutex
	reviews map[string]*domain.Review
}

func newMemReviewRepo() *memReviewRepo {
	return &memReviewRepo{reviews: make(map[string]*domain.Review)}
}

func (m *memReviewRepo) Create(_ context.Context, review *domain.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reviews {
		if r.IsLive() && r.UserID == review.UserID && r.ProductID == review.ProductID {
			return apperrors.AlreadyExists("review", "user_id/product_id", r.UserID+"/"+r.ProductID)
		}
	}
	cp := *review
	m.reviews[review.ID] = &cp
	return nil
}

func (m *memReviewRepo) GetByID(_ context.Context, id string) (*domain.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[id]
	if !ok || !r.IsLive() {
		return nil, apperrors.NotFound("review", id)
	}
	cp := *r
	return &cp, nil
}

func (m *memReviewRepo) FindOne(ctx context.Context, filter repository.ReviewFilter) (*domain.Review, error) {
	list, _, err := m.List(ctx, filter)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (m *memReviewRepo) List(_ context.Context, f repository.ReviewFilter) ([]domain.Review, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Review
	for _, r := range m.reviews {
		if !r.IsLive() {
			continue
		}
		if f.UserID != nil && r.UserID != *f.UserID {
			continue
		}
		if f.ProductID != nil && r.ProductID != *f.ProductID {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		if len(f.ProductIDs) > 0 && !contains(f.ProductIDs, r.ProductID) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (m *memReviewRepo) UpdateContent(_ context.Context, id string, edit repository.ContentEdit) (*domain.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[id]
	if !ok || !r.IsLive() || r.Status != edit.ExpectedStatus || r.Rating != edit.ExpectedRating {
		return nil, apperrors.Conflict("review changed")
	}
	r.Rating, r.Comment, r.UpdatedAt = edit.Rating, edit.Comment, time.Now().UTC()
	cp := *r
	return &cp, nil
}

func (m *memReviewRepo) TransitionStatus(_ context.Context, id string, t domain.Transition) (*domain.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[id]
	if !ok || !r.IsLive() || r.Status != t.From {
		return nil, apperrors.Conflict("review is no longer " + t.From.String())
	}
	r.Apply(t, time.Now().UTC())
	cp := *r
	return &cp, nil
}

func (m *memReviewRepo) SoftDelete(_ context.Context, id string) (*domain.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[id]
	if !ok || !r.IsLive() {
		return nil, apperrors.NotFound("review", id)
	}
	now := time.Now().UTC()
	r.DeletedAt = &now
	cp := *r
	return &cp, nil
}

func (m *memReviewRepo) AcceptedTotals(_ context.Context, productID string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total, count int
	for _, r := range m.reviews {
		if r.IsLive() && r.ProductID == productID && r.Status == domain.StatusAccepted {
			total += r.Rating
			count++
		}
	}
	return total, count, nil
}

func (m *memReviewRepo) ListRatedProductIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, r := range m.reviews {
		if r.Status == domain.StatusAccepted && !contains(ids, r.ProductID) {
			ids = append(ids, r.ProductID)
		}
	}
	return ids, nil
}

type memRatingRepo struct {
	mu      sync.Mutex
	ratings map[string]domain.ProductRating
}

func (m *memRatingRepo) GetRating(_ context.Context, productID string) (*domain.ProductRating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.ratings[productID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &r, nil
}

func (m *memRatingRepo) UpsertRating(_ context.Context, r domain.ProductRating) (*domain.ProductRating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratings[r.ProductID] = r
	return &r, nil
}

func (m *memRatingRepo) ApplyDelta(_ context.Context, productID string, rd, cd int) (*domain.ProductRating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.ratings[productID]
	next := domain.NewProductRating(productID, cur.TotalRating+rd, cur.ReviewCount+cd)
	m.ratings[productID] = next
	return &next, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type pipeline struct {
	svc      *ReviewService
	consumer *event.Consumer
}

func newPipeline(t *testing.T, strategy rating.Strategy) *pipeline {
	t.Helper()
	reviews := newMemReviewRepo()
	ratings := &memRatingRepo{ratings: make(map[string]domain.ProductRating)}
	agg := rating.NewAggregator(reviews, ratings, redisrepo.NopRatingCache{}, nil, strategy, newTestLogger())
	svc := NewReviewService(reviews, moderation.NewEngine(moderation.DefaultConfig()), agg, new(mockChecker), nil, newTestLogger())
	return &pipeline{svc: svc, consumer: event.NewConsumer(svc, newTestLogger())}
}

func (p *pipeline) deliverOrder(t *testing.T, userID string, productIDs ...string) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"userId": userID, "productIds": productIDs})
	require.NoError(t, err)
	require.NoError(t, p.consumer.HandleOrderCreated(context.Background(), &pkgkafka.Event{
		EventID:   "evt-" + userID,
		EventType: event.TopicOrderCreated,
		Data:      raw,
	}))
}

func (p *pipeline) submit(t *testing.T, userID, productID string, stars int, comment string) *domain.Review {
	t.Helper()
	review, err := p.svc.SubmitReview(context.Background(), &SubmitReviewInput{
		UserID: userID, ProductID: productID, Rating: stars, Comment: comment,
	})
	require.NoError(t, err)
	return review
}

func TestLifecycle_SubmitModerateVerifyRate(t *testing.T) {
	for _, strategy := range []rating.Strategy{rating.StrategyRecompute, rating.StrategyIncremental} {
		t.Run(string(strategy), func(t *testing.T) {
			p := newPipeline(t, strategy)
			ctx := context.Background()

			review := p.submit(t, "user-1", "prod-1", 5, "Excellent product")
			assert.Equal(t, domain.StatusPending, review.Status)

			moderated, err := p.svc.AutoModerate(ctx, review.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusModerated, moderated.Status)

			p.deliverOrder(t, "user-1", "prod-1")

			got, err := p.svc.GetReview(ctx, review.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusAccepted, got.Status)

			r, err := p.svc.GetRating(ctx, "prod-1")
			require.NoError(t, err)
			assert.Equal(t, 1, r.ReviewCount)
			assert.Equal(t, 5.0, r.AverageRating)

			// Redelivery is a no-op.
			p.deliverOrder(t, "user-1", "prod-1")
			r, err = p.svc.GetRating(ctx, "prod-1")
			require.NoError(t, err)
			assert.Equal(t, 1, r.ReviewCount)
			assert.Equal(t, 5, r.TotalRating)
		})
	}
}

func TestLifecycle_RejectedReviewIgnoresVerification(t *testing.T) {
	p := newPipeline(t, rating.StrategyRecompute)
	ctx := context.Background()

	review := p.submit(t, "user-1", "prod-1", 1, "this is spam, see https://bit.ly/x")
	rejected, err := p.svc.AutoModerate(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rejected.Status)
	assert.Equal(t, moderation.ReasonInappropriateLanguage, rejected.Reason())

	p.deliverOrder(t, "user-1", "prod-1")

	got, err := p.svc.GetReview(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, got.Status)

	r, err := p.svc.GetRating(ctx, "prod-1")
	require.NoError(t, err)
	assert.Zero(t, r.ReviewCount)
}

func TestLifecycle_UnrelatedOrderLeavesReviewModerated(t *testing.T) {
	p := newPipeline(t, rating.StrategyRecompute)
	ctx := context.Background()

	review := p.submit(t, "user-1", "prod-1", 4, "Pretty good")
	_, err := p.svc.AutoModerate(ctx, review.ID)
	require.NoError(t, err)

	p.deliverOrder(t, "user-1", "prod-2")
	p.deliverOrder(t, "user-2", "prod-1")

	got, err := p.svc.GetReview(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusModerated, got.Status)
}

func TestLifecycle_DuplicateUntilDeleted(t *testing.T) {
	p := newPipeline(t, rating.StrategyRecompute)
	ctx := context.Background()

	first := p.submit(t, "user-1", "prod-1", 4, "First opinion")

	_, err := p.svc.SubmitReview(ctx, &SubmitReviewInput{UserID: "user-1", ProductID: "prod-1", Rating: 3, Comment: "Second opinion"})
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	_, err = p.svc.DeleteReview(ctx, first.ID, Actor{UserID: "user-1"})
	require.NoError(t, err)

	p.submit(t, "user-1", "prod-1", 3, "Second opinion")
}

func TestLifecycle_EditAndDeleteAdjustRating(t *testing.T) {
	for _, strategy := range []rating.Strategy{rating.StrategyRecompute, rating.StrategyIncremental} {
		t.Run(string(strategy), func(t *testing.T) {
			p := newPipeline(t, strategy)
			ctx := context.Background()

			a := p.submit(t, "user-1", "prod-1", 5, "Excellent product")
			b := p.submit(t, "user-2", "prod-1", 4, "Very good value")
			for _, id := range []string{a.ID, b.ID} {
				_, err := p.svc.AutoModerate(ctx, id)
				require.NoError(t, err)
			}
			p.deliverOrder(t, "user-1", "prod-1")
			p.deliverOrder(t, "user-2", "prod-1")

			r, err := p.svc.GetRating(ctx, "prod-1")
			require.NoError(t, err)
			assert.Equal(t, domain.NewProductRating("prod-1", 9, 2).AverageRating, r.AverageRating)
			assert.Equal(t, 4.5, r.AverageRating)

			_, err = p.svc.EditReview(ctx, b.ID, Actor{UserID: "user-2"}, &EditReviewInput{Rating: intPtr(2)})
			require.NoError(t, err)
			r, err = p.svc.GetRating(ctx, "prod-1")
			require.NoError(t, err)
			assert.Equal(t, 7, r.TotalRating)
			assert.Equal(t, 3.5, r.AverageRating)

			_, err = p.svc.DeleteReview(ctx, a.ID, Actor{UserID: "user-1"})
			require.NoError(t, err)
			r, err = p.svc.GetRating(ctx, "prod-1")
			require.NoError(t, err)
			assert.Equal(t, 1, r.ReviewCount)
			assert.Equal(t, 2, r.TotalRating)
			assert.Equal(t, 2.0, r.AverageRating)

			recomputed, err := p.svc.RecomputeRating(ctx, "prod-1")
			require.NoError(t, err)
			assert.True(t, r.Equal(recomputed))
		})
	}
}

// editRaceRepo lets a second edit land between EditReview's read and its
// conditional update.
type editRaceRepo struct {
	*memReviewRepo
	interleave func()
}

func (r *editRaceRepo) UpdateContent(ctx context.Context, id string, edit repository.ContentEdit) (*domain.Review, error) {
	if f := r.interleave; f != nil {
		r.interleave = nil
		f()
	}
	return r.memReviewRepo.UpdateContent(ctx, id, edit)
}

func TestLifecycle_RacingEditsKeepIncrementalRatingExact(t *testing.T) {
	reviews := &editRaceRepo{memReviewRepo: newMemReviewRepo()}
	ratings := &memRatingRepo{ratings: make(map[string]domain.ProductRating)}
	agg := rating.NewAggregator(reviews, ratings, redisrepo.NopRatingCache{}, nil, rating.StrategyIncremental, newTestLogger())
	svc := NewReviewService(reviews, moderation.NewEngine(moderation.DefaultConfig()), agg, new(mockChecker), nil, newTestLogger())
	ctx := context.Background()
	author := Actor{UserID: "user-1"}

	review, err := svc.SubmitReview(ctx, &SubmitReviewInput{UserID: "user-1", ProductID: "prod-1", Rating: 5, Comment: "Excellent product"})
	require.NoError(t, err)
	_, err = svc.AutoModerate(ctx, review.ID)
	require.NoError(t, err)
	_, err = svc.VerifyPurchase(ctx, review.ID, true, "")
	require.NoError(t, err)

	reviews.interleave = func() {
		_, err := svc.EditReview(ctx, review.ID, author, &EditReviewInput{Rating: intPtr(1)})
		require.NoError(t, err)
	}
	_, err = svc.EditReview(ctx, review.ID, author, &EditReviewInput{Rating: intPtr(3)})
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	stored, err := svc.GetRating(ctx, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TotalRating)
	assert.Equal(t, 1, stored.ReviewCount)

	recomputed, err := svc.RecomputeRating(ctx, "prod-1")
	require.NoError(t, err)
	assert.True(t, stored.Equal(recomputed))
}
