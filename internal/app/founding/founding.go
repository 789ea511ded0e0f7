// Package founding allocates the globally scarce founding-member slots.
//
// Each slot is a lifetime platform-fee waiver. The datastore's conditional
// increment is the only synchronization point: any number of concurrent
// callers, in any number of processes, receive distinct ordinals 1..Limit
// and everyone after that receives ErrSlotsExhausted.
package founding

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tillcloud/reconciler/internal/domain"
	"github.com/tillcloud/reconciler/internal/infra/observability"
	"github.com/tillcloud/reconciler/internal/infra/store"
)

// Assignment is a granted slot.
type Assignment struct {
	TenantID string `json:"tenant_id"`
	Ordinal  int    `json:"ordinal"`
	Existing bool   `json:"existing"` // the tenant already held this slot
}

// Status summarises slot usage.
type Status struct {
	Limit     int   `json:"limit"`
	Assigned  int   `json:"assigned"`
	Remaining int   `json:"remaining"`
	Ordinals  []int `json:"ordinals,omitempty"`
}

// Allocator grants founding-member slots.
type Allocator struct {
	db         *store.DB
	log        *zap.Logger
	limit      int
	adminToken string
}

// New creates an allocator. A non-positive limit uses
// domain.FoundingMemberLimit.
func New(db *store.DB, log *zap.Logger, limit int, adminToken string) *Allocator {
	if limit <= 0 {
		limit = domain.FoundingMemberLimit
	}
	return &Allocator{
		db:         db,
		log:        log.Named("founding"),
		limit:      limit,
		adminToken: adminToken,
	}
}

// TryAssign grants tenantID the next slot. A tenant that already holds a
// slot gets it back with Existing set. Exhaustion is ErrSlotsExhausted.
func (a *Allocator) TryAssign(ctx context.Context, tenantID string) (Assignment, error) {
	n, err := a.db.AssignFoundingSlot(ctx, tenantID, a.limit)
	switch {
	case err == nil:
		observability.FoundingAssignments.WithLabelValues("assigned").Inc()
		observability.FoundingSlotsTaken.Set(float64(n))
		a.log.Info("founding slot assigned", zap.String("tenant_id", tenantID), zap.Int("ordinal", n))
		return Assignment{TenantID: tenantID, Ordinal: n}, nil
	case errors.Is(err, domain.ErrAlreadyApplied):
		observability.FoundingAssignments.WithLabelValues("existing").Inc()
		return Assignment{TenantID: tenantID, Ordinal: n, Existing: true}, nil
	case errors.Is(err, domain.ErrSlotsExhausted):
		observability.FoundingAssignments.WithLabelValues("exhausted").Inc()
		return Assignment{}, err
	case errors.Is(err, domain.ErrTenantNotFound):
		observability.FoundingAssignments.WithLabelValues("not_found").Inc()
		return Assignment{}, err
	default:
		observability.FoundingAssignments.WithLabelValues("error").Inc()
		return Assignment{}, fmt.Errorf("assign founding slot: %w", err)
	}
}

// Override is the operator path to grant a slot outside signup. It runs the
// same atomic step as TryAssign, so it can never exceed the limit.
func (a *Allocator) Override(ctx context.Context, tenantID, token string) (Assignment, error) {
	if !a.authorized(token) {
		a.log.Warn("founding override rejected", zap.String("tenant_id", tenantID))
		return Assignment{}, domain.ErrAdminForbidden
	}
	asg, err := a.TryAssign(ctx, tenantID)
	if err == nil {
		a.log.Info("founding override", zap.String("tenant_id", tenantID),
			zap.Int("ordinal", asg.Ordinal), zap.Bool("existing", asg.Existing))
	}
	return asg, err
}

func (a *Allocator) authorized(token string) bool {
	if a.adminToken == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.adminToken), []byte(token)) == 1
}

// Status reports slot usage.
func (a *Allocator) Status(ctx context.Context) (Status, error) {
	taken, err := a.db.FoundingSlotsTaken(ctx)
	if err != nil {
		return Status{}, err
	}
	ordinals, err := a.db.FoundingOrdinals(ctx)
	if err != nil {
		return Status{}, err
	}
	observability.FoundingSlotsTaken.Set(float64(taken))
	remaining := a.limit - taken
	if remaining < 0 {
		remaining = 0
	}
	return Status{Limit: a.limit, Assigned: taken, Remaining: remaining, Ordinals: ordinals}, nil
}
