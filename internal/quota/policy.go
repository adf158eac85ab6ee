// Package quota maps a plan tier and model to a monthly call allowance.
package quota

import (
	"errors"
	"sort"
	"strings"

	internalsettings "github.com/linkedai/assist-backend/internal/settings"
)

// Tier is a subscription plan tier.
type Tier string

const (
	TierTrial Tier = "trial"
	TierPro   Tier = "pro"
)

// ErrUnknownModel indicates the model has no entry in the tier's limits.
var ErrUnknownModel = errors.New("quota: unknown model")

// ParseTier normalizes a stored tier name. Unknown names report ok=false.
func ParseTier(raw string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierTrial:
		return TierTrial, true
	case TierPro:
		return TierPro, true
	default:
		return TierTrial, false
	}
}

// Table holds per-tier model limits. A zero limit means unavailable for
// trial and unlimited for pro; the caller interprets it.
type Table map[Tier]map[string]int

// DefaultTable returns the compiled-in limits.
func DefaultTable() Table {
	return Table{
		TierTrial: internalsettings.DefaultTrialLimits(),
		TierPro:   internalsettings.DefaultProLimits(),
	}
}

// LimitFor returns the limit for tier and model. Unknown tiers use the trial row.
func (t Table) LimitFor(tier Tier, model string) (int, error) {
	row, ok := t[tier]
	if !ok {
		row = t[TierTrial]
	}
	limit, ok := row[strings.TrimSpace(model)]
	if !ok {
		return 0, ErrUnknownModel
	}
	if limit < 0 {
		return 0, nil
	}
	return limit, nil
}

// Models returns the model ids known to tier, sorted for stable output.
func (t Table) Models(tier Tier) []string {
	row, ok := t[tier]
	if !ok {
		row = t[TierTrial]
	}
	out := make([]string, 0, len(row))
	for model := range row {
		out = append(out, model)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy of the table.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for tier, row := range t {
		next := make(map[string]int, len(row))
		for model, limit := range row {
			next[model] = limit
		}
		out[tier] = next
	}
	return out
}
