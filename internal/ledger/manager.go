package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/linkedai/assist-backend/internal/config"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const breakerDuration = 5 * time.Second

// RedisClientFactory constructs a Redis client for the given options.
type RedisClientFactory func(options *redis.Options) *redis.Client

// NewBackend builds the ledger backend named by cfg.
func NewBackend(ctx context.Context, cfg config.LedgerConfig, conn *gorm.DB, newRedisClient RedisClientFactory) (Ledger, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case config.LedgerBackendSQL, "":
		if conn == nil {
			return nil, errors.New("ledger: sql backend requires a database")
		}
		return NewGormLedger(conn), nil
	case config.LedgerBackendMemory:
		log.Warn("ledger: using in-memory counters, usage is lost on restart")
		return NewMemoryLedger(), nil
	case config.LedgerBackendRedis:
		return newRedisBackend(ctx, cfg.Redis, newRedisClient)
	default:
		return nil, fmt.Errorf("ledger: unsupported backend: %s", cfg.Backend)
	}
}

func newRedisBackend(ctx context.Context, cfg config.RedisConfig, newRedisClient RedisClientFactory) (*RedisLedger, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("ledger redis: missing address")
	}
	if newRedisClient == nil {
		newRedisClient = redis.NewClient
	}
	if ctx == nil {
		ctx = context.Background()
	}
	dbIndex := cfg.DB
	if dbIndex < 0 {
		dbIndex = 0
	}
	client := newRedisClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.Password),
		DB:       dbIndex,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if errPing := client.Ping(ctxPing).Err(); errPing != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ledger redis: ping: %w", errPing)
	}
	return NewRedisLedger(client, cfg.Prefix), nil
}

// Manager wraps a backend with a short breaker so an unreachable store
// fails fast instead of stacking timeouts on every request.
type Manager struct {
	backend      Ledger
	nowFn        func() time.Time
	mu           sync.Mutex
	breakerUntil time.Time
}

// NewManager constructs a Manager with default dependencies when nil.
func NewManager(backend Ledger, nowFn func() time.Time) *Manager {
	if backend == nil {
		backend = NewMemoryLedger()
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Manager{backend: backend, nowFn: nowFn}
}

// Close releases backend resources when the backend holds any.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	if closer, ok := m.backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// CheckAndIncrement delegates to the backend unless the breaker is open.
func (m *Manager) CheckAndIncrement(ctx context.Context, userID, model string, limit int, now time.Time) (Result, error) {
	if m == nil {
		return Result{}, fmt.Errorf("%w: nil manager", ErrUnavailable)
	}
	if m.isBreakerActive(m.nowFn()) {
		return Result{}, fmt.Errorf("%w: breaker open", ErrUnavailable)
	}
	result, err := m.backend.CheckAndIncrement(ctx, userID, model, limit, now)
	if err != nil {
		m.tripBreaker(err, m.nowFn())
		return Result{}, err
	}
	return result, nil
}

// Current delegates to the backend unless the breaker is open.
func (m *Manager) Current(ctx context.Context, userID, model string, now time.Time) (int, error) {
	if m == nil {
		return 0, fmt.Errorf("%w: nil manager", ErrUnavailable)
	}
	if m.isBreakerActive(m.nowFn()) {
		return 0, fmt.Errorf("%w: breaker open", ErrUnavailable)
	}
	count, err := m.backend.Current(ctx, userID, model, now)
	if err != nil {
		m.tripBreaker(err, m.nowFn())
		return 0, err
	}
	return count, nil
}

func (m *Manager) isBreakerActive(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breakerUntil.IsZero() {
		return false
	}
	if now.Before(m.breakerUntil) {
		return true
	}
	m.breakerUntil = time.Time{}
	return false
}

func (m *Manager) tripBreaker(err error, now time.Time) {
	if !errors.Is(err, ErrUnavailable) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.breakerUntil.IsZero() && now.Before(m.breakerUntil) {
		return
	}
	m.breakerUntil = now.Add(breakerDuration)
	log.WithError(err).Warn("ledger: backend unavailable, failing fast")
}
