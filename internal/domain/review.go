package domain

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Rating and comment bounds.
const (
	MinRating        = 1
	MaxRating        = 5
	MinCommentLength = 5
	MaxCommentLength = 500
)

// Status reasons recorded by the lifecycle.
const (
	ReasonAwaitingModeration  = "awaiting moderation"
	ReasonAutoApproved        = "reviewed automatically and approved, pending purchase verification"
	ReasonApprovedManually    = "approved manually"
	ReasonRejectedManually    = "rejected manually"
	ReasonPurchaseVerified    = "review approved: verified purchase"
	ReasonPurchaseNotVerified = "review rejected: purchase could not be verified"
)

var (
	ErrInvalidRating  = errors.New("invalid rating")
	ErrInvalidComment = errors.New("invalid comment")
)

// Review is one user's opinion of one product.
type Review struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	ProductID    string     `json:"product_id"`
	Rating       int        `json:"rating"`
	Comment      string     `json:"comment"`
	Status       Status     `json:"status"`
	StatusReason *string    `json:"status_reason,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsLive reports whether the review has not been soft-deleted.
func (r *Review) IsLive() bool {
	return r.DeletedAt == nil
}

// Reason returns the status reason or an empty string.
func (r *Review) Reason() string {
	if r.StatusReason == nil {
		return ""
	}
	return *r.StatusReason
}

// Apply moves the review along t and stamps it with now.
func (r *Review) Apply(t Transition, now time.Time) {
	reason := t.Reason
	r.Status = t.To
	r.StatusReason = &reason
	r.UpdatedAt = now
}

// ValidateRating checks that rating is within MinRating..MaxRating.
func ValidateRating(rating int) error {
	if rating < MinRating || rating > MaxRating {
		return fmt.Errorf("%w: rating must be between %d and %d", ErrInvalidRating, MinRating, MaxRating)
	}
	return nil
}

// ValidateComment checks the comment length in characters, not bytes.
func ValidateComment(comment string) error {
	n := utf8.RuneCountInString(comment)
	if n < MinCommentLength || n > MaxCommentLength {
		return fmt.Errorf("%w: comment must be between %d and %d characters", ErrInvalidComment, MinCommentLength, MaxCommentLength)
	}
	return nil
}
