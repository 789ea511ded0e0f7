package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tillcloud/reconciler/internal/domain"
)

// ─── Tenant Operations ──────────────────────────────────────────────────────

const tenantColumns = `id, slug, name, email, fee_percent, provider_account_id,
	onboarding_completed_at, is_founding_member, founding_member_number,
	subscription_id, created_at`

// InsertTenant creates a tenant. A taken slug is ErrDuplicateTenant.
func (c conn) InsertTenant(ctx context.Context, t domain.Tenant) error {
	fee := t.FeePercent
	if fee.IsZero() {
		fee = domain.DefaultFeePercent
	}
	res, err := c.exec(ctx, `
		INSERT INTO tenants (id, slug, name, email, fee_percent, provider_account_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (slug) DO NOTHING
	`, t.ID, t.Slug, t.Name, t.Email, fee.String(), nullable(t.ProviderAccountID), ts(t.CreatedAt))
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrDuplicateTenant
	}
	return nil
}

// GetTenant returns a tenant by id, or nil if absent.
func (c conn) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	row := c.queryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id)
	return scanTenant(row)
}

// GetTenantByAccount returns the tenant owning a provider sub-account, or nil.
func (c conn) GetTenantByAccount(ctx context.Context, accountID string) (*domain.Tenant, error) {
	row := c.queryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE provider_account_id = ?`, accountID)
	return scanTenant(row)
}

func scanTenant(row *sql.Row) (*domain.Tenant, error) {
	var (
		t          domain.Tenant
		fee        string
		account    sql.NullString
		onboarded  sql.NullString
		founding   int
		number     sql.NullInt64
		sub        sql.NullString
		createdStr string
	)
	err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.Email, &fee, &account, &onboarded,
		&founding, &number, &sub, &createdStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.FeePercent, err = decimal.NewFromString(fee)
	if err != nil {
		return nil, fmt.Errorf("tenant %s fee_percent %q: %w", t.ID, fee, err)
	}
	t.ProviderAccountID = account.String
	t.OnboardingCompletedAt = nullTS(onboarded)
	t.IsFoundingMember = founding == 1
	if number.Valid {
		n := int(number.Int64)
		t.FoundingMemberNumber = &n
	}
	t.SubscriptionID = sub.String
	t.CreatedAt = parseTS(createdStr)
	return &t, nil
}

// AttachSubscription records a provider subscription id on a tenant that has
// none. applied=false means the tenant is absent or already subscribed.
func (c conn) AttachSubscription(ctx context.Context, tenantID, subscriptionID string) (bool, error) {
	res, err := c.exec(ctx, `
		UPDATE tenants SET subscription_id = ?
		WHERE id = ? AND (subscription_id IS NULL OR subscription_id = '')
	`, subscriptionID, tenantID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// AttachProviderAccount links a sub-account to a tenant that has none. An
// account already held by another tenant is left where it is.
func (c conn) AttachProviderAccount(ctx context.Context, tenantID, accountID string) (bool, error) {
	res, err := c.exec(ctx, `
		UPDATE tenants SET provider_account_id = ?
		WHERE id = ? AND provider_account_id IS NULL
		  AND NOT EXISTS (SELECT 1 FROM tenants held WHERE held.provider_account_id = ?)
	`, accountID, tenantID, accountID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// OnboardedTenant is what MarkTenantOnboarded reports about the tenant it
// transitioned.
type OnboardedTenant struct {
	ID               string
	IsFoundingMember bool
	HasSubscription  bool
}

// MarkTenantOnboarded stamps onboarding completion for the tenant owning
// accountID. It returns nil when nothing transitioned.
func (c conn) MarkTenantOnboarded(ctx context.Context, accountID string, at time.Time) (*OnboardedTenant, error) {
	var (
		o        OnboardedTenant
		founding int
		sub      sql.NullString
	)
	err := c.queryRow(ctx, `
		UPDATE tenants SET onboarding_completed_at = ?
		WHERE provider_account_id = ? AND onboarding_completed_at IS NULL
		RETURNING id, is_founding_member, subscription_id
	`, ts(at), accountID).Scan(&o.ID, &founding, &sub)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o.IsFoundingMember = founding == 1
	o.HasSubscription = strings.TrimSpace(sub.String) != ""
	return &o, nil
}

// ─── Founding-Member Slots ──────────────────────────────────────────────────

// errNotEligible rolls back a slot increment whose tenant cannot take it.
var errNotEligible = errors.New("tenant not eligible for founding slot")

// AssignFoundingSlot atomically takes the next founding-member ordinal for
// tenantID. The counter increment and the tenant flag commit together or
// not at all; the increment is conditional on the counter being below
// limit, so the counter never passes limit.
//
// Errors: ErrSlotsExhausted, ErrTenantNotFound, or ErrAlreadyApplied with
// the tenant's existing ordinal.
func (db *DB) AssignFoundingSlot(ctx context.Context, tenantID string, limit int) (int, error) {
	var ordinal int
	err := db.InTx(ctx, func(tx *Tx) error {
		err := tx.queryRow(ctx, `
			UPDATE global_counters SET value = value + 1
			WHERE name = ? AND value < ?
			RETURNING value
		`, CounterFoundingMember, limit).Scan(&ordinal)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrSlotsExhausted
		}
		if err != nil {
			return err
		}

		res, err := tx.exec(ctx, `
			UPDATE tenants SET is_founding_member = 1, founding_member_number = ?
			WHERE id = ? AND is_founding_member = 0
		`, ordinal, tenantID)
		if err != nil {
			return err
		}
		ok, err := affected(res)
		if err != nil {
			return err
		}
		if !ok {
			return errNotEligible
		}
		return nil
	})
	if err == nil {
		return ordinal, nil
	}
	if !errors.Is(err, domain.ErrSlotsExhausted) && !errors.Is(err, errNotEligible) {
		return 0, err
	}

	// The transaction is closed; this read only labels the outcome.
	t, lookupErr := db.GetTenant(ctx, tenantID)
	if lookupErr != nil {
		return 0, lookupErr
	}
	if t == nil {
		return 0, domain.ErrTenantNotFound
	}
	if t.IsFoundingMember && t.FoundingMemberNumber != nil {
		return *t.FoundingMemberNumber, domain.ErrAlreadyApplied
	}
	return 0, domain.ErrSlotsExhausted
}

// FoundingSlotsTaken returns the current value of the founding sequence.
func (c conn) FoundingSlotsTaken(ctx context.Context) (int, error) {
	var n int
	err := c.queryRow(ctx, `SELECT value FROM global_counters WHERE name = ?`, CounterFoundingMember).Scan(&n)
	return n, err
}

// FoundingOrdinals lists every assigned ordinal in ascending order.
func (c conn) FoundingOrdinals(ctx context.Context) ([]int, error) {
	rows, err := c.query(ctx, `
		SELECT founding_member_number FROM tenants
		WHERE is_founding_member = 1 ORDER BY founding_member_number
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
