package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linkedai/assist-backend/internal/models"
	internalsettings "github.com/linkedai/assist-backend/internal/settings"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite:
		return migrateSQLite(conn)
	case DialectPostgres, "":
		return migratePostgres(conn)
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}
}

// migratePostgres applies PostgreSQL schema updates and indexes.
func migratePostgres(conn *gorm.DB) error {
	if errAutoMigrate := autoMigrate(conn); errAutoMigrate != nil {
		return errAutoMigrate
	}
	if errIdx := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_system_config_updated_at
		ON system_config (updated_at DESC)
	`).Error; errIdx != nil {
		return fmt.Errorf("db: create system_config index: %w", errIdx)
	}
	if errIndexes := ensureSubscriptionIndexes(conn); errIndexes != nil {
		return errIndexes
	}
	return ensureQuotaSettings(conn)
}

// migrateSQLite applies SQLite schema updates and indexes.
func migrateSQLite(conn *gorm.DB) error {
	if errAutoMigrate := autoMigrate(conn); errAutoMigrate != nil {
		return errAutoMigrate
	}
	if errIndexes := ensureSubscriptionIndexes(conn); errIndexes != nil {
		return errIndexes
	}
	return ensureQuotaSettings(conn)
}

func autoMigrate(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(
		&models.Subscription{},
		&models.ModelUsage{},
		&models.Setting{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	return nil
}

// ensureSubscriptionIndexes keeps at most one live (non-canceled) subscription per user.
func ensureSubscriptionIndexes(conn *gorm.DB) error {
	if errIdx := conn.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_user_subscriptions_one_live
		ON user_subscriptions (user_id)
		WHERE status <> 'canceled'
	`).Error; errIdx != nil {
		return fmt.Errorf("db: create live subscription index: %w", errIdx)
	}
	return nil
}

func ensureQuotaSettings(conn *gorm.DB) error {
	if errSeed := ensureJSONSetting(conn, internalsettings.TrialLimitsKey, internalsettings.DefaultTrialLimits()); errSeed != nil {
		return errSeed
	}
	return ensureJSONSetting(conn, internalsettings.ProLimitsKey, internalsettings.DefaultProLimits())
}

// ensureJSONSetting ensures a JSON setting exists and defaults when empty.
func ensureJSONSetting(conn *gorm.DB, key string, value any) error {
	payload, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return fmt.Errorf("db: marshal %s setting: %w", key, errMarshal)
	}
	rawValue := datatypes.JSON(payload)

	var existing models.Setting
	if errFind := conn.Where("key = ?", key).First(&existing).Error; errFind == nil {
		trimmed := strings.TrimSpace(string(existing.Value))
		if len(existing.Value) == 0 || trimmed == "" || trimmed == "null" {
			if errUpdate := conn.Model(&existing).Updates(map[string]any{
				"value":      rawValue,
				"updated_at": time.Now().UTC(),
			}).Error; errUpdate != nil {
				return fmt.Errorf("db: update %s setting: %w", key, errUpdate)
			}
		}
		return nil
	} else if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return fmt.Errorf("db: query %s setting: %w", key, errFind)
	}

	setting := models.Setting{
		Key:       key,
		Value:     rawValue,
		UpdatedAt: time.Now().UTC(),
	}
	if errCreate := conn.Create(&setting).Error; errCreate != nil {
		return fmt.Errorf("db: create %s setting: %w", key, errCreate)
	}
	return nil
}
