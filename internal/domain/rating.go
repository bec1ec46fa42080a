package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductRating is the denormalized aggregate of a product's accepted,
// live reviews.
type ProductRating struct {
	ProductID     string    `json:"product_id"`
	TotalRating   int       `json:"total_rating"`
	ReviewCount   int       `json:"review_count"`
	AverageRating float64   `json:"average_rating"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewProductRating derives the average from total and count, rounded half
// away from zero to one decimal. Negative inputs are clamped to zero.
func NewProductRating(productID string, total, count int) ProductRating {
	if total < 0 {
		total = 0
	}
	if count < 0 {
		count = 0
	}

	pr := ProductRating{
		ProductID:   productID,
		TotalRating: total,
		ReviewCount: count,
	}
	if count > 0 {
		avg := decimal.NewFromInt(int64(total)).
			DivRound(decimal.NewFromInt(int64(count)), 8).
			Round(1)
		pr.AverageRating = avg.InexactFloat64()
	}
	return pr
}

// Equal reports whether both ratings carry the same aggregate.
func (p ProductRating) Equal(o ProductRating) bool {
	return p.ProductID == o.ProductID &&
		p.TotalRating == o.TotalRating &&
		p.ReviewCount == o.ReviewCount &&
		p.AverageRating == o.AverageRating
}

// RatingChange describes how a transition or edit moved a review's
// contribution to its product's aggregate.
type RatingChange struct {
	ProductID   string
	RatingDelta int
	CountDelta  int
}

// IsZero reports whether the change leaves the aggregate untouched.
func (c RatingChange) IsZero() bool {
	return c.RatingDelta == 0 && c.CountDelta == 0
}
