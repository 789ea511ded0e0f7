// Package booking creates PENDING appointment series ahead of checkout.
// The reconciliation engine later confirms them on payment.
package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tillcloud/reconciler/internal/app/series"
	"github.com/tillcloud/reconciler/internal/domain"
	"github.com/tillcloud/reconciler/internal/infra/store"
)

// SeriesRequest asks for a recurring booking.
type SeriesRequest struct {
	TenantID        string            `json:"-"`
	ServiceID       string            `json:"service_id"`
	StartDate       string            `json:"start_date"` // YYYY-MM-DD
	StartTime       string            `json:"start_time"` // HH:MM
	EndDate         string            `json:"end_date"`   // YYYY-MM-DD, inclusive
	Recurrence      series.Recurrence `json:"recurrence"`
	DurationMinutes int               `json:"duration_minutes"`
	Price           int64             `json:"price"` // per occurrence, minor units
	Timezone        string            `json:"timezone,omitempty"`
	CustomerName    string            `json:"customer_name"`
	CustomerEmail   string            `json:"customer_email"`
}

// SeriesBooking is the created series. Amount is what checkout must charge.
type SeriesBooking struct {
	GroupID        string              `json:"recurring_group_id"`
	ParentID       string              `json:"parent_appointment_id"`
	AppointmentIDs []string            `json:"appointment_ids"`
	Occurrences    []series.Occurrence `json:"occurrences"`
	Amount         int64               `json:"amount"`
}

// Service books appointment series.
type Service struct {
	db  *store.DB
	log *zap.Logger
}

// New creates the booking service.
func New(db *store.DB, log *zap.Logger) *Service {
	return &Service{db: db, log: log.Named("booking")}
}

// BookRecurring expands the rule and stores every occurrence as a PENDING
// appointment sharing one group id, the first acting as parent. All rows
// are written in one transaction.
func (s *Service) BookRecurring(ctx context.Context, req SeriesRequest) (*SeriesBooking, error) {
	t, err := s.db.GetTenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, domain.ErrTenantNotFound
	}
	if req.Price < 0 {
		return nil, fmt.Errorf("%w: negative price", domain.ErrInvalidSeries)
	}

	loc := time.UTC
	if tz := strings.TrimSpace(req.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("%w: timezone %q", domain.ErrInvalidSeries, tz)
		}
	}
	rec := req.Recurrence
	if rec == "" {
		rec = series.RecurrenceWeekly
	}
	rule, err := series.ParseRule(req.StartDate, req.StartTime, req.EndDate, rec,
		time.Duration(req.DurationMinutes)*time.Minute, loc)
	if err != nil {
		return nil, err
	}
	occ, err := series.Expand(rule)
	if err != nil {
		return nil, err
	}

	out := &SeriesBooking{
		GroupID:     uuid.New().String(),
		Occurrences: occ,
		Amount:      series.Quote(occ, req.Price),
	}
	err = s.db.InTx(ctx, func(tx *store.Tx) error {
		for i, o := range occ {
			a := domain.Appointment{
				ID:               uuid.New().String(),
				TenantID:         t.ID,
				ServiceID:        req.ServiceID,
				StartsAt:         o.Start,
				EndsAt:           o.End,
				Status:           domain.AppointmentPending,
				RecurringGroupID: out.GroupID,
				Price:            req.Price,
				CustomerName:     req.CustomerName,
				CustomerEmail:    req.CustomerEmail,
			}
			if i == 0 {
				out.ParentID = a.ID
			} else {
				a.ParentAppointmentID = out.ParentID
			}
			if err := tx.InsertAppointment(ctx, a); err != nil {
				return err
			}
			out.AppointmentIDs = append(out.AppointmentIDs, a.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store series: %w", err)
	}

	s.log.Info("recurring series booked",
		zap.String("tenant_id", t.ID),
		zap.String("group_id", out.GroupID),
		zap.Int("occurrences", len(occ)),
		zap.Int64("amount", out.Amount))
	return out, nil
}
