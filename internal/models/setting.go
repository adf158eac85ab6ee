package models

import (
	"time"

	"gorm.io/datatypes"
)

// Setting stores a JSON system configuration value by key.
type Setting struct {
	Key       string         `gorm:"primaryKey;type:varchar(100)"` // Config key.
	Value     datatypes.JSON `gorm:"type:jsonb"`                   // JSON payload.
	UpdatedAt time.Time      `gorm:"not null"`                     // Last update timestamp.
}

// TableName returns the system configuration table name.
func (Setting) TableName() string { return "system_config" }
