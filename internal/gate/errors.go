package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/linkedai/assist-backend/internal/config"
	"github.com/linkedai/assist-backend/internal/identity"
)

var (
	ErrUnauthenticated      = identity.ErrUnauthenticated
	ErrInvalidToken         = identity.ErrInvalidToken
	ErrUpstreamUnavailable  = identity.ErrUpstreamUnavailable
	ErrConfigurationMissing = config.ErrConfigurationMissing

	// ErrQuotaExceeded matches every ledger or policy denial.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrModelUnavailable matches denials for models the caller's tier cannot use.
	ErrModelUnavailable = errors.New("model unavailable")
)

// QuotaExceededError carries the client-facing numbers for a denial.
type QuotaExceededError struct {
	Model       string
	Limit       int
	Used        int
	ResetDate   time.Time
	Unavailable bool
}

func (e *QuotaExceededError) Error() string {
	if e.Unavailable {
		return fmt.Sprintf("model %s is not available on this plan", e.Model)
	}
	return fmt.Sprintf("monthly limit reached for %s (%d/%d)", e.Model, e.Used, e.Limit)
}

// Is matches ErrQuotaExceeded always and ErrModelUnavailable for tier denials.
func (e *QuotaExceededError) Is(target error) bool {
	switch target {
	case ErrQuotaExceeded:
		return true
	case ErrModelUnavailable:
		return e.Unavailable
	}
	return false
}

// IsRetryable reports whether the caller may retry err later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}
