package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/linkedai/assist-backend/internal/models"
	internalsettings "github.com/linkedai/assist-backend/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidLimits indicates a limits payload that is not an object of model -> non-negative integer.
var ErrInvalidLimits = errors.New("quota: invalid limits")

// Loader reads the quota table from system configuration rows.
type Loader struct {
	db    *gorm.DB
	nowFn func() time.Time
	last  lastKnownGood
}

// NewLoader constructs a Loader.
func NewLoader(db *gorm.DB, nowFn func() time.Time) *Loader {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Loader{db: db, nowFn: nowFn}
}

// Load returns the current table. On read failure it falls back to the
// last successfully loaded table, then to the compiled-in defaults.
func (l *Loader) Load(ctx context.Context) Table {
	if l == nil {
		return DefaultTable()
	}
	table, errRead := l.read(ctx)
	if errRead == nil {
		l.last.store(l.nowFn(), table)
		return table
	}
	if snap, ok := l.last.load(); ok {
		log.WithError(errRead).WithField("loaded_at", snap.updatedAt).Warn("quota: read limits failed, using last known table")
		return snap.table.Clone()
	}
	log.WithError(errRead).Warn("quota: read limits failed, using default table")
	return DefaultTable()
}

// SettingKey returns the system configuration key holding tier's limits.
func SettingKey(tier Tier) string {
	if tier == TierPro {
		return internalsettings.ProLimitsKey
	}
	return internalsettings.TrialLimitsKey
}

// Save validates raw and replaces tier's limits. The next Load sees the new row.
func (l *Loader) Save(ctx context.Context, tier Tier, raw json.RawMessage) (map[string]int, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("quota: nil db")
	}
	limits, errParse := parseLimits(raw)
	if errParse != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLimits, errParse)
	}
	if len(limits) == 0 {
		return nil, fmt.Errorf("%w: no models", ErrInvalidLimits)
	}
	normalized, errMarshal := json.Marshal(limits)
	if errMarshal != nil {
		return nil, fmt.Errorf("quota: encode limits: %w", errMarshal)
	}
	row := models.Setting{
		Key:       SettingKey(tier),
		Value:     datatypes.JSON(normalized),
		UpdatedAt: l.nowFn().UTC(),
	}
	if errSave := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error; errSave != nil {
		return nil, fmt.Errorf("quota: save %s: %w", row.Key, errSave)
	}
	return limits, nil
}

func (l *Loader) read(ctx context.Context) (Table, error) {
	if l.db == nil {
		return nil, fmt.Errorf("quota: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var rows []models.Setting
	if errFind := l.db.WithContext(ctx).
		Where("key IN ?", []string{internalsettings.TrialLimitsKey, internalsettings.ProLimitsKey}).
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("quota: query settings: %w", errFind)
	}

	table := DefaultTable()
	for _, row := range rows {
		limits, errParse := parseLimits(json.RawMessage(row.Value))
		if errParse != nil {
			return nil, fmt.Errorf("quota: parse %s: %w", row.Key, errParse)
		}
		switch row.Key {
		case internalsettings.TrialLimitsKey:
			table[TierTrial] = limits
		case internalsettings.ProLimitsKey:
			table[TierPro] = limits
		}
	}
	return table, nil
}

func parseLimits(raw json.RawMessage) (map[string]int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("empty value")
	}
	var entries map[string]json.RawMessage
	if errUnmarshal := json.Unmarshal(raw, &entries); errUnmarshal != nil {
		return nil, errUnmarshal
	}
	out := make(map[string]int, len(entries))
	for model, value := range entries {
		model = strings.TrimSpace(model)
		if model == "" {
			continue
		}
		limit, ok := parseNonNegativeInt(value)
		if !ok {
			return nil, fmt.Errorf("invalid limit for %s", model)
		}
		out[model] = limit
	}
	return out, nil
}

func parseNonNegativeInt(raw json.RawMessage) (int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var parsedInt int
	if errUnmarshalInt := json.Unmarshal(raw, &parsedInt); errUnmarshalInt == nil {
		return parsedInt, parsedInt >= 0
	}
	var parsedString string
	if errUnmarshalString := json.Unmarshal(raw, &parsedString); errUnmarshalString == nil {
		parsed, errParse := strconv.Atoi(strings.TrimSpace(parsedString))
		if errParse != nil {
			return 0, false
		}
		return parsed, parsed >= 0
	}
	var parsedFloat float64
	if errUnmarshalFloat := json.Unmarshal(raw, &parsedFloat); errUnmarshalFloat == nil {
		if math.IsNaN(parsedFloat) || math.IsInf(parsedFloat, 0) {
			return 0, false
		}
		if parsedFloat < 0 || parsedFloat != math.Trunc(parsedFloat) {
			return 0, false
		}
		return int(parsedFloat), true
	}
	return 0, false
}
