package settings

import "time"

// DB config keys and defaults for settings.
const (
	// TrialLimitsKey is the DB config key holding the trial tier model limits.
	TrialLimitsKey = "trial_limits"
	// ProLimitsKey is the DB config key holding the pro tier model limits.
	ProLimitsKey = "pro_limits"
	// ModelHaiku is the fast model identifier exposed to clients.
	ModelHaiku = "haiku-3.5"
	// ModelSonnet is the advanced model identifier exposed to clients.
	ModelSonnet = "sonnet-3.7"
	// DefaultTrialHaikuLimit is the fallback monthly haiku allowance for trial users.
	DefaultTrialHaikuLimit = 50
	// DefaultTrialSonnetLimit is the fallback monthly sonnet allowance for trial users (0 means unavailable).
	DefaultTrialSonnetLimit = 0
	// DefaultProHaikuLimit is the fallback monthly haiku allowance for pro users (0 means unlimited).
	DefaultProHaikuLimit = 0
	// DefaultProSonnetLimit is the fallback monthly sonnet allowance for pro users.
	DefaultProSonnetLimit = 500
	// DefaultCacheTTL bounds how long tier and quota lookups are reused.
	DefaultCacheTTL = 5 * time.Minute
)

// DefaultTrialLimits returns a fresh copy of the trial tier fallback limits.
func DefaultTrialLimits() map[string]int {
	return map[string]int{
		ModelHaiku:  DefaultTrialHaikuLimit,
		ModelSonnet: DefaultTrialSonnetLimit,
	}
}

// DefaultProLimits returns a fresh copy of the pro tier fallback limits.
func DefaultProLimits() map[string]int {
	return map[string]int{
		ModelHaiku:  DefaultProHaikuLimit,
		ModelSonnet: DefaultProSonnetLimit,
	}
}
