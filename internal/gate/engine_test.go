package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linkedai/assist-backend/internal/cache"
	"github.com/linkedai/assist-backend/internal/identity"
	"github.com/linkedai/assist-backend/internal/ledger"
	"github.com/linkedai/assist-backend/internal/quota"
	"github.com/linkedai/assist-backend/internal/subscription"
	"github.com/linkedai/assist-backend/internal/telemetry"
)

var testNow = time.Date(2025, 4, 15, 12, 0, 0, 0, time.UTC)

type stubResolver struct {
	err error
}

func (s stubResolver) Resolve(_ context.Context, token string) (identity.Identity, error) {
	if s.err != nil {
		return identity.Identity{}, s.err
	}
	return identity.Identity{UserID: token}, nil
}

type stubStore struct {
	mu    sync.Mutex
	subs  map[string]*subscription.Subscription
	err   error
	calls int
}

func (s *stubStore) GetActive(_ context.Context, userID string) (*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	sub := s.subs[userID]
	if sub == nil {
		return nil, nil
	}
	copied := *sub
	return &copied, nil
}

func (s *stubStore) set(userID string, sub *subscription.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[string]*subscription.Subscription)
	}
	s.subs[userID] = sub
}

type countingLedger struct {
	ledger.Ledger
	increments atomic.Int64
	err        error
}

func (c *countingLedger) CheckAndIncrement(ctx context.Context, userID, model string, limit int, now time.Time) (ledger.Result, error) {
	c.increments.Add(1)
	if c.err != nil {
		return ledger.Result{}, c.err
	}
	return c.Ledger.CheckAndIncrement(ctx, userID, model, limit, now)
}

type staticQuotas struct{ table quota.Table }

func (s staticQuotas) Load(context.Context) quota.Table { return s.table.Clone() }

type recordingSink struct {
	mu     sync.Mutex
	events []map[string]any
}

func (r *recordingSink) Capture(_ string, _ string, props map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, props)
}

type fixture struct {
	engine *Engine
	store  *stubStore
	ledger *countingLedger
	sink   *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := &stubStore{}
	counting := &countingLedger{Ledger: ledger.NewMemoryLedger()}
	sink := &recordingSink{}
	nowFn := func() time.Time { return testNow }
	engine, err := NewEngine(Deps{
		Resolver:          stubResolver{},
		Subscriptions:     store,
		Quotas:            staticQuotas{table: quota.DefaultTable()},
		Ledger:            counting,
		SubscriptionCache: cache.New[string, TierState](5*time.Minute, nowFn),
		QuotaCache:        cache.New[string, quota.Table](5*time.Minute, nowFn),
		Telemetry:         telemetry.NewTracker(sink, "test", nowFn),
		PlatformKey:       "platform-key",
		Now:               nowFn,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &fixture{engine: engine, store: store, ledger: counting, sink: sink}
}

func proSub(useOwnKey bool, ownKey string) *subscription.Subscription {
	return &subscription.Subscription{
		ID:        1,
		UserID:    "user-1",
		Tier:      quota.TierPro,
		Status:    subscription.StatusActive,
		Billing:   subscription.StripeBacked{SubscriptionID: "sub_1"},
		UseOwnKey: useOwnKey,
		OwnKey:    ownKey,
	}
}

func TestNewEngineRequiresPlatformKey(t *testing.T) {
	_, err := NewEngine(Deps{Resolver: stubResolver{}, Ledger: ledger.NewMemoryLedger()})
	if !errors.Is(err, ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing, got %v", err)
	}
}

func TestTrialHaikuAdmitsThenDenies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 1; i <= 50; i++ {
		d, err := f.engine.Gate(ctx, "user-1", "haiku-3.5")
		if err != nil {
			t.Fatalf("call %d: unexpected error %v", i, err)
		}
		if !d.Admit || d.Used != i || d.Limit != 50 || d.Credential != CredentialPlatform || d.APIKey != "platform-key" {
			t.Fatalf("call %d: unexpected decision %+v", i, d)
		}
	}
	for i := 0; i < 3; i++ {
		d, err := f.engine.Gate(ctx, "user-1", "haiku-3.5")
		var quotaErr *QuotaExceededError
		if !errors.As(err, &quotaErr) || !errors.Is(err, ErrQuotaExceeded) {
			t.Fatalf("expected quota denial, got %v", err)
		}
		if d.Admit || quotaErr.Used != 50 || quotaErr.Limit != 50 {
			t.Fatalf("expected 50/50 denial, got decision=%+v err=%+v", d, quotaErr)
		}
		want := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
		if !quotaErr.ResetDate.Equal(want) {
			t.Fatalf("expected reset %s, got %s", want, quotaErr.ResetDate)
		}
	}
}

func TestTierZeroSemantics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Gate(ctx, "user-1", "sonnet-3.7")
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected trial sonnet unavailable, got %v", err)
	}
	if f.ledger.increments.Load() != 0 {
		t.Fatalf("expected no ledger call for unavailable model")
	}

	f.store.set("user-2", proSub(false, ""))
	for i := 0; i < 3; i++ {
		d, errGate := f.engine.Gate(ctx, "user-2", "haiku-3.5")
		if errGate != nil || !d.Admit || !d.Unlimited {
			t.Fatalf("expected unlimited pro haiku, got %+v err=%v", d, errGate)
		}
	}
}

func TestUnknownModelDeniedForEveryTier(t *testing.T) {
	f := newFixture(t)
	f.store.set("user-2", proSub(false, ""))
	for _, user := range []string{"user-1", "user-2"} {
		if _, err := f.engine.Gate(context.Background(), user, "opus-9"); !errors.Is(err, ErrModelUnavailable) {
			t.Fatalf("%s: expected ErrModelUnavailable, got %v", user, err)
		}
	}
}

func TestOwnKeyBypassSkipsLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.set("user-1", proSub(true, "sk-own"))
	for i := 0; i < 5; i++ {
		d, err := f.engine.Gate(ctx, "user-1", "sonnet-3.7")
		if err != nil || !d.Admit || d.Credential != CredentialOwnKey || d.APIKey != "sk-own" {
			t.Fatalf("expected own-key admit, got %+v err=%v", d, err)
		}
	}
	if got := f.ledger.increments.Load(); got != 0 {
		t.Fatalf("expected ledger untouched, got %d calls", got)
	}
}

func TestOwnKeyIgnoredForTrial(t *testing.T) {
	f := newFixture(t)
	sub := proSub(true, "sk-own")
	sub.Tier = quota.TierTrial
	f.store.set("user-1", sub)
	d, err := f.engine.Gate(context.Background(), "user-1", "haiku-3.5")
	if err != nil || d.Credential != CredentialPlatform {
		t.Fatalf("expected platform credential for trial, got %+v err=%v", d, err)
	}
}

func TestOwnKeyToggleMidPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.set("user-1", proSub(false, ""))

	for i := 0; i < 500; i++ {
		if _, err := f.engine.Gate(ctx, "user-1", "sonnet-3.7"); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	if _, err := f.engine.Gate(ctx, "user-1", "sonnet-3.7"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected limit reached, got %v", err)
	}

	f.store.set("user-1", proSub(true, "sk-own"))
	// Still cached within the TTL.
	if _, err := f.engine.Gate(ctx, "user-1", "sonnet-3.7"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected cached state to deny, got %v", err)
	}
	before := f.ledger.increments.Load()

	f.engine.InvalidateUser("user-1")
	d, err := f.engine.Gate(ctx, "user-1", "sonnet-3.7")
	if err != nil || !d.Admit || d.Credential != CredentialOwnKey {
		t.Fatalf("expected own-key bypass after toggle, got %+v err=%v", d, err)
	}
	if f.ledger.increments.Load() != before {
		t.Fatalf("expected bypass to skip the ledger")
	}
}

func TestStoreErrorFallsBackToTrial(t *testing.T) {
	f := newFixture(t)
	f.store.set("user-1", proSub(true, "sk-own"))
	f.store.err = context.DeadlineExceeded

	d, err := f.engine.Gate(context.Background(), "user-1", "haiku-3.5")
	if err != nil || d.Tier != quota.TierTrial || d.Credential != CredentialPlatform || d.Limit != 50 {
		t.Fatalf("expected trial fallback, got %+v err=%v", d, err)
	}

	// Errors are not cached; recovery is immediate.
	f.store.err = nil
	d, err = f.engine.Gate(context.Background(), "user-1", "haiku-3.5")
	if err != nil || d.Credential != CredentialOwnKey {
		t.Fatalf("expected own key after recovery, got %+v err=%v", d, err)
	}
}

func TestStoreOutageDenialIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.set("user-1", proSub(false, ""))
	for i := 0; i < 55; i++ {
		if _, err := f.engine.Gate(ctx, "user-1", "haiku-3.5"); err != nil {
			t.Fatalf("pro call %d: %v", i+1, err)
		}
	}

	f.engine.InvalidateUser("user-1")
	f.store.err = context.DeadlineExceeded
	for _, model := range []string{"haiku-3.5", "sonnet-3.7"} {
		_, err := f.engine.Gate(ctx, "user-1", model)
		if !errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrQuotaExceeded) {
			t.Fatalf("%s: expected ErrUpstreamUnavailable, got %v", model, err)
		}
		if !IsRetryable(err) {
			t.Fatalf("%s: expected retryable error", model)
		}
	}

	f.store.err = nil
	if d, err := f.engine.Gate(ctx, "user-1", "haiku-3.5"); err != nil || d.Tier != quota.TierPro {
		t.Fatalf("expected pro admit after recovery, got %+v err=%v", d, err)
	}
}

type slowStore struct {
	stubStore
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowStore) GetActive(ctx context.Context, userID string) (*subscription.Subscription, error) {
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.stubStore.GetActive(ctx, userID)
}

func TestCancelledRequestKeepsOwnKeyForConcurrentCaller(t *testing.T) {
	store := &slowStore{started: make(chan struct{}), release: make(chan struct{})}
	store.set("user-1", proSub(true, "sk-own"))
	counting := &countingLedger{Ledger: ledger.NewMemoryLedger()}
	engine, err := NewEngine(Deps{
		Resolver:      stubResolver{},
		Subscriptions: store,
		Quotas:        staticQuotas{table: quota.DefaultTable()},
		Ledger:        counting,
		PlatformKey:   "platform-key",
		StoreTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = engine.Gate(firstCtx, "user-1", "sonnet-3.7")
	}()
	<-store.started

	type outcome struct {
		d   Decision
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		d, errGate := engine.Gate(context.Background(), "user-1", "sonnet-3.7")
		second <- outcome{d: d, err: errGate}
	}()

	time.Sleep(20 * time.Millisecond)
	cancelFirst()
	<-firstDone
	close(store.release)

	got := <-second
	if got.err != nil || got.d.Credential != CredentialOwnKey {
		t.Fatalf("expected own-key admit, got %+v err=%v", got.d, got.err)
	}
	if n := counting.increments.Load(); n != 0 {
		t.Fatalf("expected no platform ledger calls, got %d", n)
	}
}

func TestInconsistentRowFallsBackToTrial(t *testing.T) {
	f := newFixture(t)
	sub := proSub(true, "sk-own")
	sub.Tier = quota.Tier("enterprise")
	f.store.set("user-1", sub)
	d, err := f.engine.Gate(context.Background(), "user-1", "haiku-3.5")
	if err != nil || d.Tier != quota.TierTrial || d.Credential != CredentialPlatform {
		t.Fatalf("expected trial fallback, got %+v err=%v", d, err)
	}
}

func TestLedgerErrorIsUpstreamUnavailable(t *testing.T) {
	f := newFixture(t)
	f.ledger.err = ledger.ErrUnavailable
	_, err := f.engine.Gate(context.Background(), "user-1", "haiku-3.5")
	if !errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable error")
	}
}

func TestIdentityFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Gate(context.Background(), "", "haiku-3.5"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	f.engine.resolver = stubResolver{err: ErrInvalidToken}
	if _, err := f.engine.Gate(context.Background(), "tok", "haiku-3.5"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if f.store.calls != 0 || f.ledger.increments.Load() != 0 {
		t.Fatalf("expected no store or ledger calls after identity failure")
	}
}

func TestCurrentUsageDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.engine.Gate(ctx, "user-1", "haiku-3.5"); err != nil {
			t.Fatalf("gate: %v", err)
		}
	}
	before := f.ledger.increments.Load()
	for i := 0; i < 2; i++ {
		usage, err := f.engine.CurrentUsage(ctx, "user-1")
		if err != nil {
			t.Fatalf("current usage: %v", err)
		}
		haiku := usage.Models["haiku-3.5"]
		if haiku.Used != 3 || haiku.Limit != 50 || !haiku.Available {
			t.Fatalf("unexpected haiku usage %+v", haiku)
		}
		if sonnet := usage.Models["sonnet-3.7"]; sonnet.Available {
			t.Fatalf("expected sonnet unavailable for trial, got %+v", sonnet)
		}
	}
	if f.ledger.increments.Load() != before {
		t.Fatalf("expected CurrentUsage to leave counters alone")
	}
}

func TestGateRecordsDecision(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Gate(context.Background(), "user-1", "sonnet-3.7"); err == nil {
		t.Fatalf("expected denial")
	}
	if len(f.sink.events) != 1 || f.sink.events[0]["reason"] != "model_unavailable" {
		t.Fatalf("unexpected telemetry %+v", f.sink.events)
	}
}

func TestConcurrentGateAtBoundaryAdmitsOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 49; i++ {
		if _, err := f.engine.Gate(ctx, "user-1", "haiku-3.5"); err != nil {
			t.Fatalf("prefill %d: %v", i, err)
		}
	}
	const workers = 16
	var admitted atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if d, err := f.engine.Gate(ctx, "user-1", "haiku-3.5"); err == nil && d.Admit {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := admitted.Load(); got != 1 {
		t.Fatalf("expected exactly 1 admitted, got %d", got)
	}
}
