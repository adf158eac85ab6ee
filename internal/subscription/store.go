package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linkedai/assist-backend/internal/db"
	"github.com/linkedai/assist-backend/internal/models"
	"github.com/linkedai/assist-backend/internal/quota"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var liveStatuses = []string{string(StatusActive), string(StatusCanceling)}

// GormStore persists subscriptions in the user_subscriptions table.
type GormStore struct {
	db     *gorm.DB
	sealer *Sealer
	nowFn  func() time.Time
}

// NewGormStore constructs a GormStore.
func NewGormStore(conn *gorm.DB, sealer *Sealer, nowFn func() time.Time) *GormStore {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &GormStore{db: conn, sealer: sealer, nowFn: nowFn}
}

// GetActive returns the newest active or canceling record, or nil.
func (s *GormStore) GetActive(ctx context.Context, userID string) (*Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil
	}
	var row models.Subscription
	errFind := s.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, liveStatuses).
		Order("created_at DESC, id DESC").
		Take(&row).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if errFind != nil {
		return nil, fmt.Errorf("gorm subscription store: get active: %w", errFind)
	}
	return s.fromRow(row), nil
}

// FindByStripeID returns the record for a Stripe subscription id.
func (s *GormStore) FindByStripeID(ctx context.Context, stripeSubscriptionID string) (*Subscription, error) {
	stripeSubscriptionID = strings.TrimSpace(stripeSubscriptionID)
	if stripeSubscriptionID == "" {
		return nil, ErrNotFound
	}
	var row models.Subscription
	errFind := s.db.WithContext(ctx).
		Where("stripe_subscription_id = ?", stripeSubscriptionID).
		Take(&row).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if errFind != nil {
		return nil, fmt.Errorf("gorm subscription store: find by stripe id: %w", errFind)
	}
	return s.fromRow(row), nil
}

// Upsert inserts a new record or updates an existing one by id.
func (s *GormStore) Upsert(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("gorm subscription store: nil subscription")
	}
	if errValidate := validate(sub); errValidate != nil {
		return errValidate
	}
	row, errRow := s.toRow(sub)
	if errRow != nil {
		return errRow
	}
	now := s.nowFn().UTC()

	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if sub.ID != 0 {
			var current models.Subscription
			if errFind := tx.Where("id = ?", sub.ID).Take(&current).Error; errFind != nil {
				if errors.Is(errFind, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return fmt.Errorf("load current: %w", errFind)
			}
			if !CanTransition(Status(current.Status), sub.Status) {
				return ErrStatusRegression
			}
			res := tx.Model(&models.Subscription{}).
				Where("id = ? AND status = ?", sub.ID, current.Status).
				Updates(map[string]any{
					"subscription_type":      row.SubscriptionType,
					"status":                 row.Status,
					"source":                 row.Source,
					"stripe_customer_id":     row.StripeCustomerID,
					"stripe_subscription_id": row.StripeSubscriptionID,
					"current_period_start":   row.CurrentPeriodStart,
					"current_period_end":     row.CurrentPeriodEnd,
					"use_own_api_key":        row.UseOwnAPIKey,
					"own_api_key_sealed":     row.OwnAPIKeySealed,
					"updated_at":             now,
				})
			if res.Error != nil {
				return fmt.Errorf("update: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return ErrConflict
			}
			return nil
		}

		if sub.Live() {
			if errDemote := tx.Model(&models.Subscription{}).
				Where("user_id = ? AND status IN ?", row.UserID, liveStatuses).
				Updates(map[string]any{
					"status":     string(StatusCanceled),
					"updated_at": now,
				}).Error; errDemote != nil {
				return fmt.Errorf("demote previous: %w", errDemote)
			}
		}
		if errCreate := tx.Create(&row).Error; errCreate != nil {
			return fmt.Errorf("create: %w", errCreate)
		}
		sub.ID = row.ID
		sub.CreatedAt = row.CreatedAt
		return nil
	})
	if errTx != nil {
		if errors.Is(errTx, ErrNotFound) || errors.Is(errTx, ErrConflict) || errors.Is(errTx, ErrStatusRegression) {
			return errTx
		}
		if db.IsUniqueViolation(errTx) {
			return fmt.Errorf("%w: %v", ErrConflict, errTx)
		}
		return fmt.Errorf("gorm subscription store: upsert: %w", errTx)
	}
	return nil
}

// UpdateOwnKey sets the own-key preference on the user's live pro record.
func (s *GormStore) UpdateOwnKey(ctx context.Context, userID string, useOwnKey bool, apiKey string) (*Subscription, error) {
	apiKey = strings.TrimSpace(apiKey)
	if useOwnKey && apiKey == "" {
		return nil, ErrOwnKeyRequired
	}
	sub, errGet := s.GetActive(ctx, userID)
	if errGet != nil {
		return nil, errGet
	}
	if sub == nil || sub.Tier != quota.TierPro {
		return nil, ErrNotPro
	}
	sub.UseOwnKey = useOwnKey
	sub.OwnKey = apiKey
	if errUpsert := s.Upsert(ctx, sub); errUpsert != nil {
		return nil, errUpsert
	}
	return sub, nil
}

func validate(sub *Subscription) error {
	if strings.TrimSpace(sub.UserID) == "" {
		return fmt.Errorf("gorm subscription store: empty user id")
	}
	if _, ok := quota.ParseTier(string(sub.Tier)); !ok {
		return fmt.Errorf("gorm subscription store: unknown tier %q", sub.Tier)
	}
	if statusRank(sub.Status) < 0 {
		return fmt.Errorf("gorm subscription store: unknown status %q", sub.Status)
	}
	if sub.Billing == nil {
		return fmt.Errorf("gorm subscription store: missing billing source")
	}
	return nil
}

func (s *GormStore) toRow(sub *Subscription) (models.Subscription, error) {
	row := models.Subscription{
		ID:                 sub.ID,
		UserID:             strings.TrimSpace(sub.UserID),
		SubscriptionType:   string(sub.Tier),
		Status:             string(sub.Status),
		Source:             string(sub.Billing.Source()),
		CurrentPeriodStart: utcPtr(sub.PeriodStart),
		CurrentPeriodEnd:   utcPtr(sub.PeriodEnd),
		UseOwnAPIKey:       sub.UseOwnKey,
	}
	if stripe, ok := sub.Billing.(StripeBacked); ok {
		row.StripeCustomerID = stringPtr(stripe.CustomerID)
		row.StripeSubscriptionID = stringPtr(stripe.SubscriptionID)
	}
	if sub.OwnKey != "" {
		if s.sealer == nil {
			return models.Subscription{}, fmt.Errorf("gorm subscription store: no sealer for own key")
		}
		sealed, errSeal := s.sealer.Seal(sub.OwnKey)
		if errSeal != nil {
			return models.Subscription{}, errSeal
		}
		row.OwnAPIKeySealed = sealed
	}
	return row, nil
}

func (s *GormStore) fromRow(row models.Subscription) *Subscription {
	sub := &Subscription{
		ID:          row.ID,
		UserID:      row.UserID,
		Tier:        quota.Tier(strings.ToLower(strings.TrimSpace(row.SubscriptionType))),
		Status:      Status(strings.ToLower(strings.TrimSpace(row.Status))),
		PeriodStart: row.CurrentPeriodStart,
		PeriodEnd:   row.CurrentPeriodEnd,
		UseOwnKey:   row.UseOwnAPIKey,
		CreatedAt:   row.CreatedAt,
	}
	switch Source(row.Source) {
	case SourceStripe:
		sub.Billing = StripeBacked{CustomerID: deref(row.StripeCustomerID), SubscriptionID: deref(row.StripeSubscriptionID)}
	case SourceSelfManaged:
		sub.Billing = SelfManaged{}
	}
	if row.OwnAPIKeySealed != "" {
		if s.sealer == nil {
			log.WithField("user_id", row.UserID).Warn("subscription: own key present but no sealer configured")
		} else if plain, errOpen := s.sealer.Open(row.OwnAPIKeySealed); errOpen != nil {
			log.WithError(errOpen).WithField("user_id", row.UserID).Warn("subscription: own key unreadable, ignoring")
		} else {
			sub.OwnKey = plain
		}
	}
	return sub
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func stringPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
