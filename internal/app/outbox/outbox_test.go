package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tillcloud/reconciler/internal/domain"
	"github.com/tillcloud/reconciler/internal/infra/store"
)

func newTestDB(t *testing.T) (*store.DB, domain.Tenant) {
	t.Helper()
	db, err := store.OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	tenant := domain.Tenant{ID: uuid.New().String(), Slug: "shop", Name: "Shop", CreatedAt: time.Now().UTC()}
	if err := db.InsertTenant(context.Background(), tenant); err != nil {
		t.Fatal(err)
	}
	return db, tenant
}

func enqueue(t *testing.T, db *store.DB, tenantID string, effect domain.Effect, key string, payload any) {
	t.Helper()
	if _, err := db.EnqueueOutbox(context.Background(), tenantID, effect, key, payload); err != nil {
		t.Fatalf("EnqueueOutbox(%s) error: %v", key, err)
	}
}

func statusOf(t *testing.T, db *store.DB, tenantID, key string) domain.OutboxRecord {
	t.Helper()
	recs, err := db.ListOutbox(context.Background(), tenantID)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		if r.DedupeKey == key {
			return r
		}
	}
	t.Fatalf("no outbox record %q", key)
	return domain.OutboxRecord{}
}

type funcApplier func(ctx context.Context, rec domain.OutboxRecord) error

func (f funcApplier) Apply(ctx context.Context, rec domain.OutboxRecord) error { return f(ctx, rec) }

type stubProvider struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubProvider) RetrievePaymentIntent(context.Context, string) (*domain.PaymentIntent, error) {
	return nil, domain.ErrNotFound
}

func (s *stubProvider) RetrieveCustomer(context.Context, string) (*domain.Customer, error) {
	return nil, domain.ErrNotFound
}

func (s *stubProvider) CreateSubscriptionSchedule(_ context.Context, t domain.Tenant) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "sub_" + t.Slug, nil
}

// ─── Config Tests ───────────────────────────────────────────────────────────

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want 4", cfg.MaxConcurrent)
	}
	if cfg.MaxAttempts != 8 {
		t.Errorf("MaxAttempts = %d, want 8", cfg.MaxAttempts)
	}
}

func TestBackoff(t *testing.T) {
	db, _ := newTestDB(t)
	w := New(Config{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}, db, zap.NewNop())
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{30, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := w.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNudge_NeverBlocks(t *testing.T) {
	db, _ := newTestDB(t)
	w := New(DefaultConfig(), db, zap.NewNop())
	for i := 0; i < 10; i++ {
		w.Nudge()
	}
}

// ─── Worker Tests ───────────────────────────────────────────────────────────

func TestRunOnce_RevenueRecorded(t *testing.T) {
	db, tenant := newTestDB(t)
	ctx := context.Background()
	w := New(DefaultConfig(), db, zap.NewNop())
	RegisterDefaults(w, db, nil, zap.NewNop())

	p := domain.RevenuePayload{
		Amount: 1000, PlatformFee: 15, NetAmount: 985, Category: domain.RevenueDirectSales,
		Description: "Product sale", ProviderTxnID: "pi_1", EntryDate: time.Now().UTC(),
	}
	enqueue(t, db, tenant.ID, domain.EffectRevenueRecord, "revenue:pi_1", p)
	// A stray second record for the same provider txn must not double-book.
	enqueue(t, db, tenant.ID, domain.EffectRevenueRecord, "revenue:pi_1:copy", p)

	n, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if n != 2 {
		t.Errorf("RunOnce() claimed %d, want 2", n)
	}

	entries, err := db.ListRevenue(ctx, tenant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if entries[0].ReceiptNumber != "DS-000001" {
		t.Errorf("ReceiptNumber = %q, want DS-000001", entries[0].ReceiptNumber)
	}
	for _, key := range []string{"revenue:pi_1", "revenue:pi_1:copy"} {
		if r := statusOf(t, db, tenant.ID, key); r.Status != domain.OutboxDone {
			t.Errorf("%s status = %s, want done", key, r.Status)
		}
	}
	if s := w.Stats(); s.Completed != 2 || s.Active != 0 {
		t.Errorf("Stats() = %+v, want 2 completed, 0 active", s)
	}

	n, _ = w.RunOnce(ctx)
	if n != 0 {
		t.Errorf("second RunOnce() claimed %d, want 0", n)
	}
}

func TestRunOnce_RetryThenGiveUp(t *testing.T) {
	db, tenant := newTestDB(t)
	ctx := context.Background()
	w := New(Config{MaxAttempts: 3, BaseBackoff: time.Minute}, db, zap.NewNop())

	calls := 0
	w.Register(domain.EffectEmailEnqueue, funcApplier(func(context.Context, domain.OutboxRecord) error {
		calls++
		return errors.New("smtp down")
	}))
	enqueue(t, db, tenant.ID, domain.EffectEmailEnqueue, "email:x", domain.EmailPayload{Template: "t", Recipient: "a@b.c"})

	// The frozen clock starts after the enqueue stamp so cycle 1 sees the record due.
	clock := time.Now().Add(time.Second)
	w.now = func() time.Time { return clock }

	for i := 1; i <= 3; i++ {
		if n, err := w.RunOnce(ctx); err != nil || n != 1 {
			t.Fatalf("cycle %d: RunOnce() = %d, %v; want 1, nil", i, n, err)
		}
		// Not due again until the backoff elapses.
		if n, _ := w.RunOnce(ctx); n != 0 {
			t.Fatalf("cycle %d: record reclaimed before backoff", i)
		}
		clock = clock.Add(time.Hour)
	}

	r := statusOf(t, db, tenant.ID, "email:x")
	if r.Status != domain.OutboxFailed || r.Attempts != 3 {
		t.Errorf("record = %s after %d attempts, want failed after 3", r.Status, r.Attempts)
	}
	if r.LastError != "smtp down" {
		t.Errorf("LastError = %q", r.LastError)
	}
	if calls != 3 {
		t.Errorf("applier calls = %d, want 3", calls)
	}
	if s := w.Stats(); s.Retried != 2 || s.Failed != 1 {
		t.Errorf("Stats() = %+v, want 2 retried, 1 failed", s)
	}
}

func TestRunOnce_UnknownEffectFailsImmediately(t *testing.T) {
	db, tenant := newTestDB(t)
	w := New(DefaultConfig(), db, zap.NewNop())
	enqueue(t, db, tenant.ID, "ledger.export", "export:1", map[string]string{})

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r := statusOf(t, db, tenant.ID, "export:1"); r.Status != domain.OutboxFailed {
		t.Errorf("status = %s, want failed", r.Status)
	}
}

func TestDrain(t *testing.T) {
	db, tenant := newTestDB(t)
	w := New(Config{BatchSize: 2}, db, zap.NewNop())
	var mu sync.Mutex
	seen := map[string]bool{}
	w.Register(domain.EffectEmailEnqueue, funcApplier(func(_ context.Context, rec domain.OutboxRecord) error {
		mu.Lock()
		seen[rec.DedupeKey] = true
		mu.Unlock()
		return nil
	}))
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		enqueue(t, db, tenant.ID, domain.EffectEmailEnqueue, k, domain.EmailPayload{Recipient: "x@y.z"})
	}

	n, err := w.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error: %v", err)
	}
	if n != 5 || len(seen) != 5 {
		t.Errorf("Drain() = %d (seen %d), want 5", n, len(seen))
	}
}

// ─── Applier Tests ──────────────────────────────────────────────────────────

func TestSubscriptionScheduler(t *testing.T) {
	db, tenant := newTestDB(t)
	ctx := context.Background()
	prov := &stubProvider{}
	w := New(DefaultConfig(), db, zap.NewNop())
	RegisterDefaults(w, db, prov, zap.NewNop())

	enqueue(t, db, tenant.ID, domain.EffectSubscriptionSchedule, "subscription:"+tenant.ID, domain.SubscriptionPayload{AccountID: "acct_1"})
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetTenant(ctx, tenant.ID)
	if got.SubscriptionID != "sub_shop" {
		t.Errorf("SubscriptionID = %q, want sub_shop", got.SubscriptionID)
	}

	// Replayed record: tenant already subscribed, provider not called again.
	s := SubscriptionScheduler{DB: db, Provider: prov}
	if err := s.Apply(ctx, domain.OutboxRecord{TenantID: tenant.ID}); err != nil {
		t.Fatalf("Apply() replay error: %v", err)
	}
	if prov.calls != 1 {
		t.Errorf("provider calls = %d, want 1", prov.calls)
	}
}

func TestSubscriptionScheduler_Errors(t *testing.T) {
	db, tenant := newTestDB(t)
	ctx := context.Background()

	if err := (SubscriptionScheduler{DB: db}).Apply(ctx, domain.OutboxRecord{TenantID: tenant.ID}); !errors.Is(err, ErrPermanent) {
		t.Errorf("no provider error = %v, want ErrPermanent", err)
	}
	prov := &stubProvider{err: domain.ErrProviderUnavailable}
	err := SubscriptionScheduler{DB: db, Provider: prov}.Apply(ctx, domain.OutboxRecord{TenantID: tenant.ID})
	if !errors.Is(err, domain.ErrProviderUnavailable) || errors.Is(err, ErrPermanent) {
		t.Errorf("provider down error = %v, want retryable ErrProviderUnavailable", err)
	}
	err = SubscriptionScheduler{DB: db, Provider: prov}.Apply(ctx, domain.OutboxRecord{TenantID: "missing"})
	if !errors.Is(err, domain.ErrTenantNotFound) {
		t.Errorf("missing tenant error = %v, want ErrTenantNotFound", err)
	}
}

// ─── Email Dispatch ─────────────────────────────────────────────────────────

type recordingMailer struct {
	sent []domain.Email
	fail map[string]bool
}

func (m *recordingMailer) Send(_ context.Context, msg domain.Email) error {
	if m.fail[msg.Recipient] {
		return errors.New("mailbox unavailable")
	}
	m.sent = append(m.sent, msg)
	return nil
}

func TestEmailPipeline(t *testing.T) {
	db, tenant := newTestDB(t)
	ctx := context.Background()
	w := New(DefaultConfig(), db, zap.NewNop())
	RegisterDefaults(w, db, nil, zap.NewNop())

	enqueue(t, db, tenant.ID, domain.EffectEmailEnqueue, "email:booking:1", domain.EmailPayload{
		Template: domain.TemplateBookingConfirmed, Recipient: "ada@example.com",
		Data: map[string]string{"appointment_id": "1"},
	})
	enqueue(t, db, tenant.ID, domain.EffectEmailEnqueue, "email:booking:2", domain.EmailPayload{
		Template: domain.TemplateBookingConfirmed, Recipient: "bounce@example.com",
	})
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	// Re-applying an effect does not queue a second email.
	rec := statusOf(t, db, tenant.ID, "email:booking:1")
	if err := (EmailEnqueuer{DB: db}).Apply(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.CountEmails(ctx, tenant.ID, "queued"); n != 2 {
		t.Fatalf("queued emails = %d, want 2", n)
	}

	mailer := &recordingMailer{fail: map[string]bool{"bounce@example.com": true}}
	d := NewDispatcher(db, mailer, zap.NewNop())
	sent, failed, err := d.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("DrainOnce() error: %v", err)
	}
	if sent != 1 || failed != 1 {
		t.Errorf("DrainOnce() = %d sent, %d failed; want 1, 1", sent, failed)
	}
	if len(mailer.sent) != 1 || mailer.sent[0].Data["appointment_id"] != "1" {
		t.Errorf("mailer got %+v", mailer.sent)
	}
	if sent, failed, _ := d.DrainOnce(ctx); sent+failed != 0 {
		t.Errorf("second DrainOnce() = %d/%d, want nothing left", sent, failed)
	}
}
