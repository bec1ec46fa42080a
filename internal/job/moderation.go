// Package job holds the background sweeps of the review service and the
// scheduler that triggers them.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/valenisgroo/reviews-service/internal/domain"
	"github.com/valenisgroo/reviews-service/internal/repository"
	apperrors "github.com/valenisgroo/reviews-service/pkg/errors"
)

const pendingPageSize = 100

var batchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reviews_moderation_batch_total",
	Help: "Reviews handled by moderation sweeps by outcome",
}, []string{"outcome"})

// ReviewModerator is the part of the review service the sweep drives.
type ReviewModerator interface {
	ListPendingUpTo(ctx context.Context, cutoff time.Time, after *repository.Cursor, limit int) ([]domain.Review, error)
	AutoModerate(ctx context.Context, id string) (*domain.Review, error)
}

// BatchResult summarizes one moderation sweep.
type BatchResult struct {
	Checked    int       `json:"checked"`
	Moderated  int       `json:"moderated"`
	Rejected   int       `json:"rejected"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ModerationJob auto-moderates every pending review.
type ModerationJob struct {
	reviews ReviewModerator
	limiter *rate.Limiter
	logger  *slog.Logger
	running sync.Mutex
}

// Option configures a ModerationJob.
type Option func(*ModerationJob)

// WithRate caps how many reviews per second a sweep moderates, so a large
// backlog does not starve request traffic of database connections. A
// non-positive rate leaves the sweep unthrottled.
func WithRate(perSecond float64) Option {
	return func(j *ModerationJob) {
		if perSecond <= 0 {
			j.limiter = nil
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		j.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewModerationJob creates a moderation sweep.
func NewModerationJob(reviews ReviewModerator, logger *slog.Logger, opts ...Option) *ModerationJob {
	j := &ModerationJob{
		reviews: reviews,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run moderates the pending reviews present when the sweep starts. Each
// review is handled on its own; one failure does not stop the rest. Only one
// sweep runs at a time, a second caller gets a Conflict error.
func (j *ModerationJob) Run(ctx context.Context) (BatchResult, error) {
	if !j.running.TryLock() {
		return BatchResult{}, apperrors.Conflict("a moderation sweep is already running")
	}
	defer j.running.Unlock()

	res := BatchResult{StartedAt: time.Now().UTC()}
	j.logger.InfoContext(ctx, "moderation sweep started")

	ids, err := j.pendingIDs(ctx, res.StartedAt)
	if err != nil {
		return res, fmt.Errorf("load pending reviews: %w", err)
	}

	for _, id := range ids {
		if err := j.wait(ctx); err != nil {
			res.FinishedAt = time.Now().UTC()
			return res, err
		}
		res.Checked++

		review, err := j.reviews.AutoModerate(ctx, id)
		switch {
		case errors.Is(err, apperrors.ErrConflict), errors.Is(err, apperrors.ErrNotFound):
			res.Skipped++
			batchTotal.WithLabelValues("skipped").Inc()
		case err != nil:
			res.Failed++
			batchTotal.WithLabelValues("failed").Inc()
			j.logger.ErrorContext(ctx, "auto moderation failed",
				slog.String("review_id", id),
				slog.String("error", err.Error()),
			)
		case review.Status == domain.StatusRejected:
			res.Rejected++
			batchTotal.WithLabelValues("rejected").Inc()
		default:
			res.Moderated++
			batchTotal.WithLabelValues("moderated").Inc()
		}
	}

	res.FinishedAt = time.Now().UTC()
	j.logger.InfoContext(ctx, "moderation sweep finished",
		slog.Int("checked", res.Checked),
		slog.Int("moderated", res.Moderated),
		slog.Int("rejected", res.Rejected),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed),
		slog.Duration("duration", res.FinishedAt.Sub(res.StartedAt)),
	)
	return res, nil
}

func (j *ModerationJob) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.limiter == nil {
		return nil
	}
	return j.limiter.Wait(ctx)
}

// pendingIDs snapshots the pending set before any of it is moderated, since
// moderating a review removes it from the listing being paged. Keyset pages
// over reviews created up to cutoff stay put while reviews are submitted,
// moderated or deleted mid-walk, so no id is listed twice or passed over.
func (j *ModerationJob) pendingIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	var (
		ids   []string
		after *repository.Cursor
	)
	for {
		page, err := j.reviews.ListPendingUpTo(ctx, cutoff, after, pendingPageSize)
		if err != nil {
			return nil, err
		}
		for _, r := range page {
			ids = append(ids, r.ID)
		}
		if len(page) < pendingPageSize {
			return ids, nil
		}
		last := page[len(page)-1]
		after = &repository.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
}
