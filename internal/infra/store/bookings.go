package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tillcloud/reconciler/internal/domain"
)

// ─── Appointment Operations ─────────────────────────────────────────────────

const appointmentColumns = `id, tenant_id, service_id, starts_at, ends_at, status, paid,
	recurring_group_id, parent_appointment_id, provider_payment_ref, price,
	customer_name, customer_email`

// InsertAppointment stores a new appointment as given.
func (c conn) InsertAppointment(ctx context.Context, a domain.Appointment) error {
	now := ts(time.Now())
	status := a.Status
	if status == "" {
		status = domain.AppointmentPending
	}
	_, err := c.exec(ctx, `
		INSERT INTO appointments (id, tenant_id, service_id, starts_at, ends_at, status, paid,
			recurring_group_id, parent_appointment_id, provider_payment_ref, price,
			customer_name, customer_email, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.TenantID, a.ServiceID, ts(a.StartsAt), ts(a.EndsAt), string(status), boolInt(a.Paid),
		nullable(a.RecurringGroupID), nullable(a.ParentAppointmentID), nullable(a.ProviderPaymentRef),
		a.Price, a.CustomerName, a.CustomerEmail, now, now)
	return err
}

// GetAppointment looks an appointment up by id within a tenant, or nil.
func (c conn) GetAppointment(ctx context.Context, tenantID, id string) (*domain.Appointment, error) {
	rows, err := c.query(ctx, `SELECT `+appointmentColumns+` FROM appointments
		WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanAppointment(rows)
}

// ListGroup returns a recurring group's members in start order.
func (c conn) ListGroup(ctx context.Context, tenantID, groupID string) ([]domain.Appointment, error) {
	rows, err := c.query(ctx, `SELECT `+appointmentColumns+` FROM appointments
		WHERE tenant_id = ? AND recurring_group_id = ?
		ORDER BY starts_at, id`, tenantID, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAppointment(rows *sql.Rows) (*domain.Appointment, error) {
	var (
		a                  domain.Appointment
		starts, ends       string
		status             string
		paid               int
		group, parent, ref sql.NullString
	)
	if err := rows.Scan(&a.ID, &a.TenantID, &a.ServiceID, &starts, &ends, &status, &paid,
		&group, &parent, &ref, &a.Price, &a.CustomerName, &a.CustomerEmail); err != nil {
		return nil, err
	}
	a.StartsAt = parseTS(starts)
	a.EndsAt = parseTS(ends)
	a.Status = domain.AppointmentStatus(status)
	a.Paid = paid == 1
	a.RecurringGroupID = group.String
	a.ParentAppointmentID = parent.String
	a.ProviderPaymentRef = ref.String
	return &a, nil
}

// ConfirmedAppointment is what a confirmation returns for the follow-up
// notification.
type ConfirmedAppointment struct {
	ID            string
	CustomerName  string
	CustomerEmail string
	StartsAt      time.Time
}

// ConfirmAppointment marks one unpaid, uncancelled appointment CONFIRMED and
// paid. It returns nil when the guard matched no row; ProbeAppointment tells
// why.
func (c conn) ConfirmAppointment(ctx context.Context, tenantID, id, paymentRef string) (*ConfirmedAppointment, error) {
	var (
		out    ConfirmedAppointment
		starts string
	)
	err := c.queryRow(ctx, `
		UPDATE appointments
		SET status = 'CONFIRMED', paid = 1, provider_payment_ref = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND paid = 0 AND status <> 'CANCELLED'
		RETURNING id, customer_name, customer_email, starts_at
	`, nullable(paymentRef), ts(time.Now()), tenantID, id).Scan(&out.ID, &out.CustomerName, &out.CustomerEmail, &starts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out.StartsAt = parseTS(starts)
	return &out, nil
}

// ConfirmRecurringGroup confirms every unpaid, uncancelled member of a
// recurring group in one statement. Members already paid are untouched.
func (c conn) ConfirmRecurringGroup(ctx context.Context, tenantID, groupID, paymentRef string) ([]ConfirmedAppointment, error) {
	rows, err := c.query(ctx, `
		UPDATE appointments
		SET status = 'CONFIRMED', paid = 1, provider_payment_ref = ?, updated_at = ?
		WHERE tenant_id = ? AND recurring_group_id = ? AND paid = 0 AND status <> 'CANCELLED'
		RETURNING id, customer_name, customer_email, starts_at
	`, nullable(paymentRef), ts(time.Now()), tenantID, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConfirmedAppointment
	for rows.Next() {
		var (
			a      ConfirmedAppointment
			starts string
		)
		if err := rows.Scan(&a.ID, &a.CustomerName, &a.CustomerEmail, &starts); err != nil {
			return nil, err
		}
		a.StartsAt = parseTS(starts)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ProbeAppointment labels a confirmation that changed nothing: ErrNotFound,
// ErrAlreadyApplied (already paid), or nil for a cancelled appointment.
func (c conn) ProbeAppointment(ctx context.Context, tenantID, id string) (domain.AppointmentStatus, error) {
	var (
		status string
		paid   int
	)
	err := c.queryRow(ctx, `SELECT status, paid FROM appointments WHERE tenant_id = ? AND id = ?`,
		tenantID, id).Scan(&status, &paid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if paid == 1 {
		return domain.AppointmentStatus(status), domain.ErrAlreadyApplied
	}
	return domain.AppointmentStatus(status), nil
}

// CountGroup returns how many members a recurring group has within a tenant.
func (c conn) CountGroup(ctx context.Context, tenantID, groupID string) (int, error) {
	var n int
	err := c.queryRow(ctx, `SELECT COUNT(*) FROM appointments WHERE tenant_id = ? AND recurring_group_id = ?`,
		tenantID, groupID).Scan(&n)
	return n, err
}
