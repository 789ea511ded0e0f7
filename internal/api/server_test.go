package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tillcloud/reconciler/internal/app/booking"
	"github.com/tillcloud/reconciler/internal/app/founding"
	"github.com/tillcloud/reconciler/internal/app/ingress"
	"github.com/tillcloud/reconciler/internal/app/outbox"
	"github.com/tillcloud/reconciler/internal/app/reconcile"
	"github.com/tillcloud/reconciler/internal/app/tenancy"
	"github.com/tillcloud/reconciler/internal/infra/observability"
	"github.com/tillcloud/reconciler/internal/infra/store"
	"github.com/tillcloud/reconciler/internal/security"
)

const (
	testSecret = "whsec_api"
	testAdmin  = "admin-token"
)

func setupServer(t *testing.T) (*httptest.Server, *store.DB) {
	t.Helper()
	db, err := store.OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := zap.NewNop()
	journal := observability.NewJournal(observability.DefaultJournalConfig())
	engine := reconcile.New(db, nil, log)
	ctrl := ingress.New(security.NewVerifier(testSecret), db, engine, journal, log)
	alloc := founding.New(db, log, 2, testAdmin)

	cfg := DefaultConfig()
	cfg.AdminToken = testAdmin
	cfg.MaxBodyBytes = 4096
	srv := NewServer(cfg, ctrl, log)
	srv.EnableMetrics()
	srv.SetStore(db)
	srv.SetFounding(alloc)
	srv.SetTenancy(tenancy.New(db, alloc, log))
	srv.SetBooking(booking.New(db, log))
	srv.SetJournal(journal)
	srv.SetOutbox(outbox.New(outbox.DefaultConfig(), db, log))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, db
}

func do(t *testing.T, method, url, token string, body []byte, header map[string]string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func createTenant(t *testing.T, base, slug string) map[string]any {
	t.Helper()
	code, out := do(t, http.MethodPost, base+"/api/tenants", "", []byte(`{"slug":"`+slug+`","name":"X"}`), nil)
	if code != http.StatusCreated {
		t.Fatalf("create tenant %s: status %d, body %v", slug, code, out)
	}
	return out["tenant"].(map[string]any)
}

func TestHealth(t *testing.T) {
	ts, _ := setupServer(t)
	code, out := do(t, http.MethodGet, ts.URL+"/health", "", nil, nil)
	if code != http.StatusOK || out["status"] != "ok" {
		t.Errorf("GET /health = %d %v", code, out)
	}
}

func TestWebhook(t *testing.T) {
	ts, _ := setupServer(t)
	tenant := createTenant(t, ts.URL, "barber")

	body, _ := json.Marshal(map[string]any{
		"id":      "evt_api_1",
		"type":    "checkout.session.completed",
		"created": time.Now().Unix(),
		"data": map[string]any{"object": map[string]any{
			"id":           "cs_api",
			"subscription": "sub_api",
			"metadata":     map[string]string{"type": "connectivity_fee_subscription", "tenant_id": tenant["id"].(string)},
		}},
	})
	sig := security.NewVerifier(testSecret).Sign(body)

	code, out := do(t, http.MethodPost, ts.URL+"/webhooks/payments", "", body, nil)
	if code != http.StatusBadRequest || out["received"] != false {
		t.Errorf("unsigned webhook = %d %v, want 400", code, out)
	}

	code, out = do(t, http.MethodPost, ts.URL+"/webhooks/payments", "", body, map[string]string{"Stripe-Signature": sig})
	if code != http.StatusOK {
		t.Fatalf("signed webhook = %d %v, want 200", code, out)
	}
	result := out["result"].(map[string]any)
	if result["outcome"] != "applied" {
		t.Errorf("outcome = %v, want applied", result["outcome"])
	}

	code, out = do(t, http.MethodPost, ts.URL+"/webhooks/payments", "", body, map[string]string{"Stripe-Signature": sig})
	if code != http.StatusOK || out["result"].(map[string]any)["outcome"] != "already_applied" {
		t.Errorf("replayed webhook = %d %v, want 200 already_applied", code, out)
	}

	big := bytes.Repeat([]byte("x"), 8192)
	code, out = do(t, http.MethodPost, ts.URL+"/webhooks/payments", "", big, map[string]string{"Stripe-Signature": "sha256=00"})
	if code != http.StatusBadRequest {
		t.Errorf("oversized webhook = %d %v, want 400", code, out)
	}
}

func TestTenantsAndSeries(t *testing.T) {
	ts, _ := setupServer(t)
	tenant := createTenant(t, ts.URL, "pilates")
	id := tenant["id"].(string)
	if tenant["is_founding_member"] != true {
		t.Errorf("first tenant should take a founding slot: %v", tenant)
	}

	code, _ := do(t, http.MethodPost, ts.URL+"/api/tenants", "", []byte(`{"slug":"pilates"}`), nil)
	if code != http.StatusConflict {
		t.Errorf("duplicate slug = %d, want 409", code)
	}
	code, _ = do(t, http.MethodPost, ts.URL+"/api/tenants", "", []byte(`{"slug":"Not A Slug!"}`), nil)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("bad slug = %d, want 422", code)
	}
	code, _ = do(t, http.MethodGet, ts.URL+"/api/tenants/missing", "", nil, nil)
	if code != http.StatusNotFound {
		t.Errorf("GET missing tenant = %d, want 404", code)
	}

	req := `{"service_id":"svc","start_date":"2024-05-06","start_time":"18:00","end_date":"2024-05-27",` +
		`"recurrence":"weekly","duration_minutes":45,"price":2000}`
	code, out := do(t, http.MethodPost, ts.URL+"/api/tenants/"+id+"/series", "", []byte(req), nil)
	if code != http.StatusCreated {
		t.Fatalf("book series = %d %v", code, out)
	}
	if out["amount"] != float64(8000) {
		t.Errorf("amount = %v, want 8000", out["amount"])
	}

	long := strings.Replace(req, "2024-05-27", "2026-05-27", 1)
	code, _ = do(t, http.MethodPost, ts.URL+"/api/tenants/"+id+"/series", "", []byte(long), nil)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("two-year series = %d, want 422", code)
	}
}

func TestAdminFounding(t *testing.T) {
	ts, _ := setupServer(t)
	// Limit is 2: the first two signups take both slots.
	createTenant(t, ts.URL, "a")
	createTenant(t, ts.URL, "b")
	third := createTenant(t, ts.URL, "c")
	if third["is_founding_member"] == true {
		t.Error("third tenant should not get a slot")
	}

	code, _ := do(t, http.MethodGet, ts.URL+"/admin/founding", "", nil, nil)
	if code != http.StatusForbidden {
		t.Errorf("status without token = %d, want 403", code)
	}
	code, _ = do(t, http.MethodGet, ts.URL+"/admin/founding", "wrong", nil, nil)
	if code != http.StatusForbidden {
		t.Errorf("status with wrong token = %d, want 403", code)
	}

	code, out := do(t, http.MethodGet, ts.URL+"/admin/founding", testAdmin, nil, nil)
	if code != http.StatusOK || out["assigned"] != float64(2) || out["remaining"] != float64(0) {
		t.Errorf("GET /admin/founding = %d %v", code, out)
	}

	code, _ = do(t, http.MethodPost, ts.URL+"/admin/founding/"+third["id"].(string), testAdmin, nil, nil)
	if code != http.StatusConflict {
		t.Errorf("override past limit = %d, want 409", code)
	}
	code, _ = do(t, http.MethodPost, ts.URL+"/admin/founding/nope", testAdmin, nil, nil)
	if code != http.StatusConflict && code != http.StatusNotFound {
		t.Errorf("override unknown tenant = %d, want 404 or 409", code)
	}
}

func TestAdminDeliveriesAndOutbox(t *testing.T) {
	ts, _ := setupServer(t)
	body := []byte(`{"id":"evt_j","type":"charge.refunded","data":{"object":{}}}`)
	sig := security.NewVerifier(testSecret).Sign(body)
	if code, _ := do(t, http.MethodPost, ts.URL+"/webhooks/payments", "", body, map[string]string{"Stripe-Signature": sig}); code != http.StatusOK {
		t.Fatalf("webhook = %d, want 200", code)
	}

	code, out := do(t, http.MethodGet, ts.URL+"/admin/deliveries?limit=10", testAdmin, nil, nil)
	if code != http.StatusOK {
		t.Fatalf("GET /admin/deliveries = %d", code)
	}
	if list := out["deliveries"].([]any); len(list) != 1 {
		t.Errorf("deliveries = %d, want 1", len(list))
	}
	code, out = do(t, http.MethodGet, ts.URL+"/admin/deliveries/evt_j", testAdmin, nil, nil)
	if code != http.StatusOK || out["outcome"] != "ignored" {
		t.Errorf("GET delivery = %d %v", code, out)
	}
	code, _ = do(t, http.MethodGet, ts.URL+"/admin/deliveries/none", testAdmin, nil, nil)
	if code != http.StatusNotFound {
		t.Errorf("GET unknown delivery = %d, want 404", code)
	}

	code, out = do(t, http.MethodGet, ts.URL+"/admin/outbox", testAdmin, nil, nil)
	if code != http.StatusOK || out["worker"] == nil {
		t.Errorf("GET /admin/outbox = %d %v", code, out)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := setupServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics = %d, want 200", resp.StatusCode)
	}
}
