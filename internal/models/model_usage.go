package models

import "time"

// ModelUsage counts admitted calls per user, model and calendar month.
type ModelUsage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID string `gorm:"type:varchar(64);not null;uniqueIndex:idx_api_models_usage_user_model_period,priority:1"` // Identity provider user id.
	Model  string `gorm:"type:varchar(64);not null;uniqueIndex:idx_api_models_usage_user_model_period,priority:2"` // Client-facing model id.
	Period string `gorm:"type:varchar(7);not null;uniqueIndex:idx_api_models_usage_user_model_period,priority:3"`  // Month key (YYYY-MM, UTC).

	CallsCount int       `gorm:"not null;default:0"` // Admitted calls in the period.
	LastReset  time.Time `gorm:"not null"`           // Time the period row was created.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName returns the usage table name.
func (ModelUsage) TableName() string { return "api_models_usage" }
