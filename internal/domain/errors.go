package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.

var (
	// Ingress errors. Terminal for the delivery attempt; never retried.
	ErrUnauthenticated = errors.New("webhook signature missing or invalid")
	ErrMalformed       = errors.New("webhook payload malformed")

	// Reconciliation outcomes that are acknowledged, not retried.
	ErrNotFound       = errors.New("referenced record not found")
	ErrAlreadyApplied = errors.New("mutation already applied")

	// ErrTransientStore marks a primary write failure; the provider must redeliver.
	ErrTransientStore = errors.New("datastore write failed")

	// ErrSecondaryEffect marks a best-effort effect failure after the primary
	// mutation committed. Logged for manual reconciliation only.
	ErrSecondaryEffect = errors.New("secondary effect failed")

	// Founding-member allocation
	ErrSlotsExhausted  = errors.New("founding member slots exhausted")
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrAdminForbidden  = errors.New("admin credentials missing or invalid")
	ErrDuplicateTenant = errors.New("tenant slug already taken")

	// Recurring series
	ErrInvalidSeries = errors.New("invalid recurring series")
	ErrSeriesTooLong = errors.New("recurring series exceeds maximum occurrences")

	// Provider enrichment
	ErrProviderUnavailable = errors.New("payment provider unreachable")
)
