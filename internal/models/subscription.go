package models

import "time"

// Subscription represents a user's plan tier and billing state.
type Subscription struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID           string `gorm:"type:varchar(64);not null;index:idx_user_subscriptions_user_created,priority:1"` // Identity provider user id.
	SubscriptionType string `gorm:"type:varchar(16);not null;default:'trial'"`                                       // Plan tier (trial, pro).
	Status           string `gorm:"type:varchar(16);not null;default:'active'"`                                      // Billing status (active, canceling, canceled).
	Source           string `gorm:"type:varchar(16);not null;default:'self_managed'"`                                // Origin (stripe, self_managed).

	StripeCustomerID     *string `gorm:"type:varchar(255)"`             // Stripe customer id.
	StripeSubscriptionID *string `gorm:"type:varchar(255);uniqueIndex"` // Stripe subscription id.

	CurrentPeriodStart *time.Time // Billing period start.
	CurrentPeriodEnd   *time.Time // Billing period end.

	UseOwnAPIKey    bool   `gorm:"column:use_own_api_key;not null;default:false"` // Whether calls use the user's own key.
	OwnAPIKeySealed string `gorm:"column:own_api_key_sealed;type:text"`           // Sealed user-supplied upstream key.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index:idx_user_subscriptions_user_created,priority:2"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`                                                       // Last update timestamp.
}

// TableName returns the subscription table name.
func (Subscription) TableName() string { return "user_subscriptions" }
