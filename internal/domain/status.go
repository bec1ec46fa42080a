package domain

import (
	"errors"
	"fmt"
)

// Status is the position of a review in the moderation pipeline.
type Status string

// Review statuses. Accepted and rejected are terminal.
const (
	StatusPending   Status = "pending"
	StatusModerated Status = "moderated"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
)

// ErrIllegalTransition is returned when a transition is requested from a
// status it cannot leave from.
var ErrIllegalTransition = errors.New("illegal status transition")

// ErrUnknownStatus is returned by ParseStatus for values outside the enum.
var ErrUnknownStatus = errors.New("unknown review status")

// Statuses returns every review status in pipeline order.
func Statuses() []Status {
	return []Status{StatusPending, StatusModerated, StatusAccepted, StatusRejected}
}

// ParseStatus converts s into a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

func (s Status) String() string {
	return string(s)
}

// Transition is a legal status change together with the reason recorded on
// the review. Values are only produced by Moderate and Verify.
type Transition struct {
	From   Status
	To     Status
	Reason string
}

// TouchesAccepted reports whether the transition enters or leaves accepted,
// which changes the product's aggregate rating.
func (t Transition) TouchesAccepted() bool {
	return t.From == StatusAccepted || t.To == StatusAccepted
}

// Moderate builds the pending -> moderated|rejected transition. An empty
// reason falls back to the manual moderation defaults.
func Moderate(from Status, approved bool, reason string) (Transition, error) {
	if from != StatusPending {
		return Transition{}, fmt.Errorf("%w: moderate from %s", ErrIllegalTransition, from)
	}

	t := Transition{From: from, To: StatusRejected, Reason: reason}
	if approved {
		t.To = StatusModerated
	}
	if t.Reason == "" {
		if approved {
			t.Reason = ReasonApprovedManually
		} else {
			t.Reason = ReasonRejectedManually
		}
	}
	return t, nil
}

// Verify builds the moderated -> accepted|rejected transition that follows a
// purchase check. An empty reason falls back to the purchase defaults.
func Verify(from Status, confirmed bool, reason string) (Transition, error) {
	if from != StatusModerated {
		return Transition{}, fmt.Errorf("%w: verify from %s", ErrIllegalTransition, from)
	}

	t := Transition{From: from, To: StatusRejected, Reason: reason}
	if confirmed {
		t.To = StatusAccepted
	}
	if t.Reason == "" {
		if confirmed {
			t.Reason = ReasonPurchaseVerified
		} else {
			t.Reason = ReasonPurchaseNotVerified
		}
	}
	return t, nil
}
