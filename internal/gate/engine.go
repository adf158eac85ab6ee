// Package gate decides whether a request may call the upstream model and with
// which credential.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linkedai/assist-backend/internal/cache"
	"github.com/linkedai/assist-backend/internal/identity"
	"github.com/linkedai/assist-backend/internal/ledger"
	"github.com/linkedai/assist-backend/internal/quota"
	internalsettings "github.com/linkedai/assist-backend/internal/settings"
	"github.com/linkedai/assist-backend/internal/subscription"
	"github.com/linkedai/assist-backend/internal/telemetry"
	log "github.com/sirupsen/logrus"
)

const (
	defaultStoreTimeout = 2 * time.Second
	quotaCacheKey       = "quota"
)

// CredentialSource names which upstream key a decision selected.
type CredentialSource string

const (
	CredentialPlatform CredentialSource = "platform"
	CredentialOwnKey   CredentialSource = "own_key"
)

// SubscriptionReader is the read side of the subscription store.
type SubscriptionReader interface {
	GetActive(ctx context.Context, userID string) (*subscription.Subscription, error)
}

// QuotaSource yields the current quota table. It never fails.
type QuotaSource interface {
	Load(ctx context.Context) quota.Table
}

// TierState is the cached per-user view used for gating.
type TierState struct {
	Tier           quota.Tier
	OwnKey         string
	SubscriptionID uint64
}

// Decision is the outcome of one gate check.
type Decision struct {
	Admit      bool
	UserID     string
	Tier       quota.Tier
	Model      string
	Credential CredentialSource
	APIKey     string
	Limit      int
	Used       int
	ResetDate  time.Time
	Unlimited  bool
}

// ModelUsage is the read-only usage view for one model.
type ModelUsage struct {
	Used      int
	Limit     int
	ResetDate time.Time
	Unlimited bool
	Available bool
}

// Usage is the read-only usage view for one user.
type Usage struct {
	UserID    string
	Tier      quota.Tier
	OwnKey    bool
	ResetDate time.Time
	Models    map[string]ModelUsage
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Resolver          identity.Resolver
	Subscriptions     SubscriptionReader
	Quotas            QuotaSource
	Ledger            ledger.Ledger
	SubscriptionCache *cache.TTLCache[string, TierState]
	QuotaCache        *cache.TTLCache[string, quota.Table]
	Telemetry         *telemetry.Tracker
	PlatformKey       string
	StoreTimeout      time.Duration
	Now               func() time.Time
}

// Engine orchestrates identity, tier, quota and ledger into one decision.
type Engine struct {
	resolver      identity.Resolver
	subscriptions SubscriptionReader
	quotas        QuotaSource
	ledger        ledger.Ledger
	tiers         *cache.TTLCache[string, TierState]
	quotaCache    *cache.TTLCache[string, quota.Table]
	telemetry     *telemetry.Tracker
	platformKey   string
	storeTimeout  time.Duration
	nowFn         func() time.Time
}

// NewEngine validates deps and fills defaults.
func NewEngine(deps Deps) (*Engine, error) {
	platformKey := strings.TrimSpace(deps.PlatformKey)
	if platformKey == "" {
		return nil, fmt.Errorf("%w: platform api key", ErrConfigurationMissing)
	}
	if deps.Resolver == nil {
		return nil, fmt.Errorf("%w: identity resolver", ErrConfigurationMissing)
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("%w: usage ledger", ErrConfigurationMissing)
	}
	nowFn := deps.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	e := &Engine{
		resolver:      deps.Resolver,
		subscriptions: deps.Subscriptions,
		quotas:        deps.Quotas,
		ledger:        deps.Ledger,
		tiers:         deps.SubscriptionCache,
		quotaCache:    deps.QuotaCache,
		telemetry:     deps.Telemetry,
		platformKey:   platformKey,
		storeTimeout:  deps.StoreTimeout,
		nowFn:         nowFn,
	}
	if e.tiers == nil {
		e.tiers = cache.New[string, TierState](internalsettings.DefaultCacheTTL, nowFn)
	}
	if e.quotaCache == nil {
		e.quotaCache = cache.New[string, quota.Table](internalsettings.DefaultCacheTTL, nowFn)
	}
	if e.storeTimeout <= 0 {
		e.storeTimeout = defaultStoreTimeout
	}
	return e, nil
}

// Authenticate resolves bearer to an identity. Failures are terminal.
func (e *Engine) Authenticate(ctx context.Context, bearer string) (identity.Identity, error) {
	if strings.TrimSpace(bearer) == "" {
		return identity.Identity{}, ErrUnauthenticated
	}
	return e.resolver.Resolve(ctx, bearer)
}

// Gate authenticates bearer and admits or denies one call to model. A denial
// returns the populated Decision together with a *QuotaExceededError.
func (e *Engine) Gate(ctx context.Context, bearer, model string) (Decision, error) {
	id, errAuth := e.Authenticate(ctx, bearer)
	if errAuth != nil {
		return Decision{}, errAuth
	}
	return e.GateIdentity(ctx, id, model)
}

// GateIdentity runs the gate for an already resolved caller.
func (e *Engine) GateIdentity(ctx context.Context, id identity.Identity, model string) (Decision, error) {
	model = strings.TrimSpace(model)
	now := e.nowFn()
	state, degraded := e.resolveTierSafely(ctx, id.UserID)

	decision := Decision{
		UserID:    id.UserID,
		Tier:      state.Tier,
		Model:     model,
		ResetDate: ledger.NextReset(now),
	}

	if state.OwnKey != "" {
		decision.Admit = true
		decision.Credential = CredentialOwnKey
		decision.APIKey = state.OwnKey
		decision.Unlimited = true
		e.record(decision, nil)
		return decision, nil
	}
	decision.Credential = CredentialPlatform

	limit, errLimit := e.quotaTable(ctx).LimitFor(state.Tier, model)
	if errLimit != nil || (limit == 0 && state.Tier != quota.TierPro) {
		denial := &QuotaExceededError{Model: model, ResetDate: decision.ResetDate, Unavailable: true}
		if degraded {
			return e.degradedDenial(decision, denial)
		}
		e.record(decision, denial)
		return decision, denial
	}

	ledgerLimit := limit
	if limit == 0 {
		ledgerLimit = ledger.Unlimited
		decision.Unlimited = true
	}
	result, errLedger := e.ledger.CheckAndIncrement(ctx, id.UserID, model, ledgerLimit, now)
	if errLedger != nil {
		log.WithError(errLedger).WithFields(log.Fields{"user_id": id.UserID, "model": model}).Warn("gate: usage ledger failed")
		err := fmt.Errorf("%w: usage ledger: %w", ErrUpstreamUnavailable, errLedger)
		e.record(decision, err)
		return decision, err
	}
	decision.Limit = limit
	decision.Used = result.CallsCount
	decision.ResetDate = result.ResetDate
	if !result.Admitted {
		denial := &QuotaExceededError{Model: model, Limit: limit, Used: result.CallsCount, ResetDate: result.ResetDate}
		if degraded {
			return e.degradedDenial(decision, denial)
		}
		e.record(decision, denial)
		return decision, denial
	}
	decision.Admit = true
	decision.APIKey = e.platformKey
	e.record(decision, nil)
	return decision, nil
}

// CurrentUsage authenticates bearer and reports per-model usage without
// touching any counter.
func (e *Engine) CurrentUsage(ctx context.Context, bearer string) (Usage, error) {
	id, errAuth := e.Authenticate(ctx, bearer)
	if errAuth != nil {
		return Usage{}, errAuth
	}
	return e.UsageFor(ctx, id)
}

// UsageFor reports usage for an already resolved caller.
func (e *Engine) UsageFor(ctx context.Context, id identity.Identity) (Usage, error) {
	now := e.nowFn()
	state, _ := e.resolveTierSafely(ctx, id.UserID)
	table := e.quotaTable(ctx)
	reset := ledger.NextReset(now)

	usage := Usage{
		UserID:    id.UserID,
		Tier:      state.Tier,
		OwnKey:    state.OwnKey != "",
		ResetDate: reset,
		Models:    make(map[string]ModelUsage),
	}
	for _, model := range table.Models(state.Tier) {
		limit, errLimit := table.LimitFor(state.Tier, model)
		if errLimit != nil {
			continue
		}
		used, errCurrent := e.ledger.Current(ctx, id.UserID, model, now)
		if errCurrent != nil {
			return Usage{}, fmt.Errorf("%w: usage ledger: %w", ErrUpstreamUnavailable, errCurrent)
		}
		entry := ModelUsage{Used: used, Limit: limit, ResetDate: reset, Available: true}
		if limit == 0 {
			if state.Tier == quota.TierPro {
				entry.Unlimited = true
			} else {
				entry.Available = false
			}
		}
		if usage.OwnKey {
			entry.Unlimited = true
			entry.Available = true
		}
		usage.Models[model] = entry
	}
	return usage, nil
}

// InvalidateUser drops the cached tier of userID.
func (e *Engine) InvalidateUser(userID string) {
	if e == nil {
		return
	}
	e.tiers.Invalidate(strings.TrimSpace(userID))
}

// InvalidateQuotas drops the cached quota table.
func (e *Engine) InvalidateQuotas() {
	if e == nil {
		return
	}
	e.quotaCache.Invalidate(quotaCacheKey)
}

// resolveTierSafely never fails: store errors, timeouts and inconsistent
// rows all resolve to trial without an own key. degraded reports that the
// store could not be read, so the trial state is a guess.
func (e *Engine) resolveTierSafely(ctx context.Context, userID string) (TierState, bool) {
	trial := TierState{Tier: quota.TierTrial}
	if e.subscriptions == nil || userID == "" {
		return trial, false
	}
	state, err := e.tiers.GetOrLoad(ctx, userID, func(ctx context.Context) (TierState, error) {
		ctxStore, cancel := context.WithTimeout(ctx, e.storeTimeout)
		defer cancel()
		sub, errGet := e.subscriptions.GetActive(ctxStore, userID)
		if errGet != nil {
			return TierState{}, errGet
		}
		return tierStateOf(userID, sub), nil
	})
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("gate: subscription lookup failed, using trial tier")
		return trial, true
	}
	return state, false
}

// degradedDenial turns a denial computed from a fallback trial tier into an
// unavailability error: the caller's real plan may have admitted the call.
func (e *Engine) degradedDenial(d Decision, denial *QuotaExceededError) (Decision, error) {
	err := fmt.Errorf("%w: subscription store unreachable (%s)", ErrUpstreamUnavailable, denial.Error())
	e.record(d, err)
	return d, err
}

func tierStateOf(userID string, sub *subscription.Subscription) TierState {
	if sub == nil {
		return TierState{Tier: quota.TierTrial}
	}
	if !sub.Consistent() || !sub.Live() {
		log.WithFields(log.Fields{
			"user_id": userID,
			"tier":    sub.Tier,
			"status":  sub.Status,
		}).Warn("gate: inconsistent subscription row, using trial tier")
		return TierState{Tier: quota.TierTrial}
	}
	state := TierState{Tier: sub.Tier, SubscriptionID: sub.ID}
	if sub.OwnKeyActive() {
		state.OwnKey = strings.TrimSpace(sub.OwnKey)
	}
	return state
}

func (e *Engine) quotaTable(ctx context.Context) quota.Table {
	if e.quotas == nil {
		return quota.DefaultTable()
	}
	table, err := e.quotaCache.GetOrLoad(ctx, quotaCacheKey, func(ctx context.Context) (quota.Table, error) {
		return e.quotas.Load(ctx), nil
	})
	if err != nil || table == nil {
		return quota.DefaultTable()
	}
	return table
}

func (e *Engine) record(d Decision, err error) {
	if e.telemetry == nil {
		return
	}
	props := map[string]any{
		"model":             d.Model,
		"tier":              string(d.Tier),
		"admitted":          d.Admit,
		"credential_source": string(d.Credential),
		"unlimited":         d.Unlimited,
	}
	if d.Credential == CredentialPlatform && !d.Unlimited {
		props["limit"] = d.Limit
		props["used"] = d.Used
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrModelUnavailable):
		props["reason"] = "model_unavailable"
	case errors.Is(err, ErrQuotaExceeded):
		props["reason"] = "quota_exceeded"
	default:
		props["reason"] = "upstream_unavailable"
	}
	e.telemetry.Capture(d.UserID, telemetry.EventGateDecision, props)
}
