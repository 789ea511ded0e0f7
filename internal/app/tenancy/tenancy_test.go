package tenancy

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tillcloud/reconciler/internal/app/founding"
	"github.com/tillcloud/reconciler/internal/domain"
	"github.com/tillcloud/reconciler/internal/infra/store"
)

func newTestService(t *testing.T, limit int) *Service {
	t.Helper()
	db, err := store.OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, founding.New(db, zap.NewNop(), limit, ""), zap.NewNop())
}

func TestCreate_AssignsFoundingSlot(t *testing.T) {
	s := newTestService(t, 1)
	ctx := context.Background()

	first, err := s.Create(ctx, Input{Slug: "First-Salon", Name: "First"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if first.Tenant.Slug != "first-salon" {
		t.Errorf("Slug = %q, want lower-cased", first.Tenant.Slug)
	}
	if first.Founding == nil || first.Founding.Ordinal != 1 {
		t.Fatalf("Founding = %+v, want ordinal 1", first.Founding)
	}

	// Exhaustion does not fail signup.
	second, err := s.Create(ctx, Input{Slug: "second"})
	if err != nil {
		t.Fatalf("Create(second) error: %v", err)
	}
	if second.Founding != nil {
		t.Errorf("second Founding = %+v, want nil", second.Founding)
	}

	stored, err := s.Get(ctx, first.Tenant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.IsFoundingMember || *stored.FoundingMemberNumber != 1 {
		t.Errorf("stored = %+v, want founding #1", stored)
	}
}

func TestCreate_Validation(t *testing.T) {
	s := newTestService(t, 10)
	ctx := context.Background()

	if _, err := s.Create(ctx, Input{Slug: "bad slug!"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Create(bad slug) error = %v, want ErrInvalidInput", err)
	}
	neg := decimal.NewFromInt(-1)
	if _, err := s.Create(ctx, Input{Slug: "ok", FeePercent: &neg}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Create(negative fee) error = %v, want ErrInvalidInput", err)
	}
	zero := decimal.Zero
	if _, err := s.Create(ctx, Input{Slug: "free", FeePercent: &zero}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Create(zero fee) error = %v, want ErrInvalidInput", err)
	}
	if _, err := s.Create(ctx, Input{Slug: "dup"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(ctx, Input{Slug: "dup"}); !errors.Is(err, domain.ErrDuplicateTenant) {
		t.Errorf("Create(dup) error = %v, want ErrDuplicateTenant", err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, domain.ErrTenantNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrTenantNotFound", err)
	}
}

func TestCreate_CustomFee(t *testing.T) {
	s := newTestService(t, 0)
	fee := decimal.RequireFromString("2.25")
	res, err := s.Create(context.Background(), Input{Slug: "custom", FeePercent: &fee})
	if err != nil {
		t.Fatal(err)
	}
	stored, _ := s.Get(context.Background(), res.Tenant.ID)
	if !stored.FeePercent.Equal(fee) {
		t.Errorf("FeePercent = %s, want 2.25", stored.FeePercent)
	}
}
