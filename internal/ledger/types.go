// Package ledger counts admitted calls per user, model and calendar month.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Unlimited passed as a limit counts the call without any ceiling.
const Unlimited = -1

// ErrUnavailable wraps backend failures that mean the ledger could not be reached.
var ErrUnavailable = errors.New("ledger: backend unavailable")

// ErrInvalidKey indicates an empty user or model identifier.
var ErrInvalidKey = errors.New("ledger: empty user or model")

// Result describes the outcome of a check-and-increment.
type Result struct {
	Admitted   bool
	CallsCount int
	Limit      int
	ResetDate  time.Time
}

// Ledger performs atomic per-period admission and pure reads.
//
// CheckAndIncrement admits when the stored count is below limit and, only
// then, increments it. A limit of zero denies without writing; Unlimited
// always admits and increments. A denied call leaves the count unchanged.
type Ledger interface {
	CheckAndIncrement(ctx context.Context, userID, model string, limit int, now time.Time) (Result, error)
	Current(ctx context.Context, userID, model string, now time.Time) (int, error)
}
