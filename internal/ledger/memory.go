package ledger

import (
	"context"
	"sync"
	"time"
)

type memoryKey struct {
	userID string
	model  string
	period string
}

// MemoryLedger keeps counters in process memory, one per user, model and period.
type MemoryLedger struct {
	mu       sync.Mutex
	counters map[memoryKey]int
}

// NewMemoryLedger constructs a MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		counters: make(map[memoryKey]int),
	}
}

// CheckAndIncrement admits and counts the call when the period count is below limit.
func (l *MemoryLedger) CheckAndIncrement(_ context.Context, userID, model string, limit int, now time.Time) (Result, error) {
	if userID == "" || model == "" {
		return Result{}, ErrInvalidKey
	}
	key := memoryKey{userID: userID, model: model, period: PeriodKey(now)}
	result := Result{Limit: limit, ResetDate: NextReset(now)}

	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.counters[key]
	if limit == 0 || (limit > 0 && current >= limit) {
		result.CallsCount = current
		return result, nil
	}
	current++
	l.counters[key] = current
	result.Admitted = true
	result.CallsCount = current
	return result, nil
}

// Current returns the period count without changing it.
func (l *MemoryLedger) Current(_ context.Context, userID, model string, now time.Time) (int, error) {
	if userID == "" || model == "" {
		return 0, ErrInvalidKey
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counters[memoryKey{userID: userID, model: model, period: PeriodKey(now)}], nil
}
