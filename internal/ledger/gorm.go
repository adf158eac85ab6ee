package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linkedai/assist-backend/internal/db"
	"github.com/linkedai/assist-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormLedger stores counters in the api_models_usage table.
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger constructs a GormLedger.
func NewGormLedger(conn *gorm.DB) *GormLedger {
	return &GormLedger{db: conn}
}

// CheckAndIncrement ensures the period row exists, then increments it with a
// single conditional UPDATE so concurrent callers can never pass the limit.
func (l *GormLedger) CheckAndIncrement(ctx context.Context, userID, model string, limit int, now time.Time) (Result, error) {
	if userID == "" || model == "" {
		return Result{}, ErrInvalidKey
	}
	if l == nil || l.db == nil {
		return Result{}, fmt.Errorf("%w: nil db", ErrUnavailable)
	}
	result := Result{Limit: limit, ResetDate: NextReset(now)}
	if limit == 0 {
		count, errCurrent := l.Current(ctx, userID, model, now)
		if errCurrent != nil {
			return Result{}, errCurrent
		}
		result.CallsCount = count
		return result, nil
	}

	period := PeriodKey(now)
	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.ModelUsage{
			UserID:    userID,
			Model:     model,
			Period:    period,
			LastReset: now.UTC(),
		}
		if errCreate := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; errCreate != nil {
			return fmt.Errorf("ensure usage row: %w", errCreate)
		}

		update := tx.Model(&models.ModelUsage{}).
			Where("user_id = ? AND model = ? AND period = ?", userID, model, period)
		if limit > 0 {
			update = update.Where("calls_count < ?", limit)
		}
		res := update.Updates(map[string]any{
			"calls_count": gorm.Expr("calls_count + ?", 1),
			"updated_at":  now.UTC(),
		})
		if res.Error != nil {
			return fmt.Errorf("increment usage: %w", res.Error)
		}
		result.Admitted = res.RowsAffected == 1

		var stored models.ModelUsage
		if errRead := tx.Select("calls_count").
			Where("user_id = ? AND model = ? AND period = ?", userID, model, period).
			Take(&stored).Error; errRead != nil {
			return fmt.Errorf("read usage: %w", errRead)
		}
		result.CallsCount = stored.CallsCount
		return nil
	})
	if errTx != nil {
		return Result{}, wrapDBError(errTx)
	}
	return result, nil
}

// Current returns the period count without changing it.
func (l *GormLedger) Current(ctx context.Context, userID, model string, now time.Time) (int, error) {
	if userID == "" || model == "" {
		return 0, ErrInvalidKey
	}
	if l == nil || l.db == nil {
		return 0, fmt.Errorf("%w: nil db", ErrUnavailable)
	}
	var row models.ModelUsage
	errFind := l.db.WithContext(ctx).
		Select("calls_count").
		Where("user_id = ? AND model = ? AND period = ?", userID, model, PeriodKey(now)).
		Take(&row).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if errFind != nil {
		return 0, wrapDBError(fmt.Errorf("read usage: %w", errFind))
	}
	return row.CallsCount, nil
}

func wrapDBError(err error) error {
	if db.IsUnavailable(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("ledger: %w", err)
}
