// Package tenancy creates merchant accounts.
package tenancy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tillcloud/reconciler/internal/app/founding"
	"github.com/tillcloud/reconciler/internal/domain"
	"github.com/tillcloud/reconciler/internal/infra/store"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,62}[a-z0-9])?$`)

// Input is a signup request.
type Input struct {
	Slug       string           `json:"slug"`
	Name       string           `json:"name"`
	Email      string           `json:"email"`
	FeePercent *decimal.Decimal `json:"fee_percent,omitempty"`
	AccountID  string           `json:"provider_account_id,omitempty"`
}

// Result is a created tenant and, if one was granted, its founding slot.
type Result struct {
	Tenant   domain.Tenant        `json:"tenant"`
	Founding *founding.Assignment `json:"founding,omitempty"`
}

// Service creates tenants.
type Service struct {
	db        *store.DB
	allocator *founding.Allocator
	log       *zap.Logger
}

// New creates the tenancy service.
func New(db *store.DB, allocator *founding.Allocator, log *zap.Logger) *Service {
	return &Service{db: db, allocator: allocator, log: log.Named("tenancy")}
}

// ErrInvalidInput wraps signup validation failures.
var ErrInvalidInput = errors.New("invalid tenant input")

// Create stores a tenant and offers it a founding-member slot. Running out
// of slots is a normal outcome; an allocation failure is logged and does not
// fail the signup.
func (s *Service) Create(ctx context.Context, in Input) (Result, error) {
	slug := strings.ToLower(strings.TrimSpace(in.Slug))
	if !slugPattern.MatchString(slug) {
		return Result{}, fmt.Errorf("%w: slug %q", ErrInvalidInput, in.Slug)
	}
	fee := domain.DefaultFeePercent
	if in.FeePercent != nil {
		if !in.FeePercent.IsPositive() || in.FeePercent.GreaterThan(decimal.NewFromInt(100)) {
			return Result{}, fmt.Errorf("%w: fee_percent %s", ErrInvalidInput, in.FeePercent)
		}
		fee = *in.FeePercent
	}

	t := domain.Tenant{
		ID:                uuid.New().String(),
		Slug:              slug,
		Name:              strings.TrimSpace(in.Name),
		Email:             strings.TrimSpace(in.Email),
		FeePercent:        fee,
		ProviderAccountID: strings.TrimSpace(in.AccountID),
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.db.InsertTenant(ctx, t); err != nil {
		return Result{}, err
	}
	s.log.Info("tenant created", zap.String("tenant_id", t.ID), zap.String("slug", slug))

	res := Result{Tenant: t}
	asg, err := s.allocator.TryAssign(ctx, t.ID)
	switch {
	case err == nil:
		res.Founding = &asg
		t.IsFoundingMember = true
		n := asg.Ordinal
		t.FoundingMemberNumber = &n
		res.Tenant = t
	case errors.Is(err, domain.ErrSlotsExhausted):
		s.log.Debug("founding slots exhausted", zap.String("tenant_id", t.ID))
	default:
		s.log.Error("founding slot allocation failed", zap.String("tenant_id", t.ID), zap.Error(err))
	}
	return res, nil
}

// Get returns a tenant or ErrTenantNotFound.
func (s *Service) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	t, err := s.db.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, domain.ErrTenantNotFound
	}
	return t, nil
}
