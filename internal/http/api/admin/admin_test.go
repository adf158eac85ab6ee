package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/linkedai/assist-backend/internal/db"
	"github.com/linkedai/assist-backend/internal/gate"
	"github.com/linkedai/assist-backend/internal/identity"
	"github.com/linkedai/assist-backend/internal/ledger"
	"github.com/linkedai/assist-backend/internal/quota"
	"github.com/linkedai/assist-backend/internal/subscription"
)

const (
	testAdminToken = "admin-token"
	testUserID     = "6f1c2b8e-3d4a-4c5b-9e8f-0a1b2c3d4e5f"
)

type tokenResolver struct{}

func (tokenResolver) Resolve(_ context.Context, token string) (identity.Identity, error) {
	return identity.Identity{UserID: token}, nil
}

type adminServer struct {
	router *gin.Engine
	store  *subscription.GormStore
	engine *gate.Engine
}

func newAdminServer(t *testing.T, token string) *adminServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "admin.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	sealer, _ := subscription.NewSealer("admin-secret")
	store := subscription.NewGormStore(conn, sealer, nil)
	loader := quota.NewLoader(conn, nil)
	engine, err := gate.NewEngine(gate.Deps{
		Resolver:      tokenResolver{},
		Subscriptions: store,
		Quotas:        loader,
		Ledger:        ledger.NewManager(ledger.NewMemoryLedger(), nil),
		PlatformKey:   "platform-key",
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	router := gin.New()
	RegisterAdminRoutes(router, Deps{
		Token:         token,
		Quotas:        loader,
		Gate:          engine,
		Subscriptions: store,
	})
	return &adminServer{router: router, store: store, engine: engine}
}

func (s *adminServer) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var raw []byte
	if body != nil {
		raw, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func (s *adminServer) usage(t *testing.T) gate.Usage {
	t.Helper()
	usage, err := s.engine.UsageFor(context.Background(), identity.Identity{UserID: testUserID})
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	return usage
}

func TestAdminRoutesDisabledWithoutToken(t *testing.T) {
	s := newAdminServer(t, "")
	rec, _ := s.do(t, http.MethodGet, "/v0/admin/quotas", "anything", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	s := newAdminServer(t, testAdminToken)
	for _, token := range []string{"", "wrong"} {
		rec, _ := s.do(t, http.MethodGet, "/v0/admin/quotas", token, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for token %q, got %d", token, rec.Code)
		}
	}
}

func TestAdminUpdateQuotasInvalidatesCache(t *testing.T) {
	s := newAdminServer(t, testAdminToken)
	if got := s.usage(t).Models["haiku-3.5"].Limit; got != 50 {
		t.Fatalf("expected default trial haiku=50, got %d", got)
	}

	rec, out := s.do(t, http.MethodPut, "/v0/admin/quotas/trial", testAdminToken, map[string]any{"haiku-3.5": 3, "sonnet-3.7": 0})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if out["tier"] != "trial" {
		t.Fatalf("unexpected body %v", out)
	}
	if got := s.usage(t).Models["haiku-3.5"].Limit; got != 3 {
		t.Fatalf("expected updated trial haiku=3, got %d", got)
	}

	rec, out = s.do(t, http.MethodGet, "/v0/admin/quotas", testAdminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	trial, _ := out["trial"].(map[string]any)
	if trial["haiku-3.5"] != float64(3) {
		t.Fatalf("unexpected quota listing %v", out)
	}

	rec, _ = s.do(t, http.MethodPut, "/v0/admin/quotas/enterprise", testAdminToken, map[string]any{"haiku-3.5": 3})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown tier, got %d", rec.Code)
	}
	rec, _ = s.do(t, http.MethodPut, "/v0/admin/quotas/pro", testAdminToken, map[string]any{"haiku-3.5": -5})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", rec.Code)
	}
}

func TestAdminGrantAndRevoke(t *testing.T) {
	s := newAdminServer(t, testAdminToken)
	base := "/v0/admin/users/" + testUserID

	rec, _ := s.do(t, http.MethodGet, base+"/subscription", testAdminToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before grant, got %d", rec.Code)
	}

	rec, out := s.do(t, http.MethodPost, base+"/subscription", testAdminToken, map[string]any{"tier": "pro"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if out["source"] != string(subscription.SourceSelfManaged) || out["status"] != "active" {
		t.Fatalf("unexpected grant body %v", out)
	}
	if tier := s.usage(t).Tier; tier != quota.TierPro {
		t.Fatalf("expected pro after grant, got %s", tier)
	}

	rec, out = s.do(t, http.MethodGet, base+"/usage", testAdminToken, nil)
	if rec.Code != http.StatusOK || out["tier"] != "pro" {
		t.Fatalf("unexpected usage %d %v", rec.Code, out)
	}

	rec, _ = s.do(t, http.MethodDelete, base+"/subscription", testAdminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on revoke, got %d", rec.Code)
	}
	if tier := s.usage(t).Tier; tier != quota.TierTrial {
		t.Fatalf("expected trial after revoke, got %s", tier)
	}
	rec, _ = s.do(t, http.MethodDelete, base+"/subscription", testAdminToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second revoke, got %d", rec.Code)
	}
}

func TestAdminLeavesStripeSubscriptionsAlone(t *testing.T) {
	s := newAdminServer(t, testAdminToken)
	if err := s.store.Upsert(context.Background(), &subscription.Subscription{
		UserID:  testUserID,
		Tier:    quota.TierPro,
		Status:  subscription.StatusActive,
		Billing: subscription.StripeBacked{CustomerID: "cus_1", SubscriptionID: "sub_1"},
	}); err != nil {
		t.Fatalf("seed stripe subscription: %v", err)
	}
	base := "/v0/admin/users/" + testUserID
	rec, _ := s.do(t, http.MethodPost, base+"/subscription", testAdminToken, map[string]any{"tier": "trial"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on grant, got %d", rec.Code)
	}
	rec, _ = s.do(t, http.MethodDelete, base+"/subscription", testAdminToken, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on revoke, got %d", rec.Code)
	}
	rec, out := s.do(t, http.MethodGet, base+"/subscription", testAdminToken, nil)
	if rec.Code != http.StatusOK || out["stripeSubscriptionId"] != "sub_1" {
		t.Fatalf("unexpected subscription %d %v", rec.Code, out)
	}
}

func TestAdminRejectsInvalidUserID(t *testing.T) {
	s := newAdminServer(t, testAdminToken)
	rec, _ := s.do(t, http.MethodGet, "/v0/admin/users/not-a-uuid/usage", testAdminToken, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
