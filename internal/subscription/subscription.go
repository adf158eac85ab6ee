// Package subscription stores per-user plan tier, billing status and own-key preference.
package subscription

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/linkedai/assist-backend/internal/quota"
)

// Status is the billing status of a subscription record.
type Status string

const (
	StatusActive    Status = "active"
	StatusCanceling Status = "canceling"
	StatusCanceled  Status = "canceled"
)

// Source tags how a subscription is billed.
type Source string

const (
	SourceStripe      Source = "stripe"
	SourceSelfManaged Source = "self_managed"
)

var (
	// ErrNotFound indicates no matching subscription record.
	ErrNotFound = errors.New("subscription: not found")
	// ErrConflict indicates a concurrent writer already holds the user's live record.
	ErrConflict = errors.New("subscription: live record conflict")
	// ErrStatusRegression indicates a status change that would move backwards.
	ErrStatusRegression = errors.New("subscription: status cannot move backwards")
	// ErrNotPro indicates the operation requires a live pro subscription.
	ErrNotPro = errors.New("subscription: pro subscription required")
	// ErrOwnKeyRequired indicates useOwnKey was set without a key.
	ErrOwnKeyRequired = errors.New("subscription: api key is required when useOwnKey is true")
)

// Billing is the tagged variant describing where a subscription comes from.
type Billing interface {
	Source() Source
	isBilling()
}

// StripeBacked is billed through Stripe.
type StripeBacked struct {
	CustomerID     string
	SubscriptionID string
}

// Source implements Billing.
func (StripeBacked) Source() Source { return SourceStripe }
func (StripeBacked) isBilling()     {}

// SelfManaged is granted outside any payment provider.
type SelfManaged struct{}

// Source implements Billing.
func (SelfManaged) Source() Source { return SourceSelfManaged }
func (SelfManaged) isBilling()     {}

// Subscription is the domain view of a user's plan.
type Subscription struct {
	ID          uint64
	UserID      string
	Tier        quota.Tier
	Status      Status
	Billing     Billing
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	UseOwnKey   bool
	OwnKey      string
	CreatedAt   time.Time
}

// Consistent reports whether tier and status hold known values.
func (s *Subscription) Consistent() bool {
	if s == nil {
		return false
	}
	if _, ok := quota.ParseTier(string(s.Tier)); !ok {
		return false
	}
	switch s.Status {
	case StatusActive, StatusCanceling, StatusCanceled:
	default:
		return false
	}
	return s.Billing != nil
}

// Live reports whether the subscription still grants its tier.
func (s *Subscription) Live() bool {
	return s != nil && (s.Status == StatusActive || s.Status == StatusCanceling)
}

// OwnKeyActive reports whether calls should use the user's own upstream key.
func (s *Subscription) OwnKeyActive() bool {
	return s.Live() && s.Tier == quota.TierPro && s.UseOwnKey && strings.TrimSpace(s.OwnKey) != ""
}

// Store reads and writes subscription records.
type Store interface {
	// GetActive returns the newest live record or nil when the user has none.
	GetActive(ctx context.Context, userID string) (*Subscription, error)
	// Upsert writes sub. A new live record demotes the user's previous one.
	Upsert(ctx context.Context, sub *Subscription) error
}

func statusRank(s Status) int {
	switch s {
	case StatusActive:
		return 0
	case StatusCanceling:
		return 1
	case StatusCanceled:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether from -> to keeps status monotonic.
func CanTransition(from, to Status) bool {
	fromRank, toRank := statusRank(from), statusRank(to)
	if fromRank < 0 || toRank < 0 {
		return false
	}
	return toRank >= fromRank
}
