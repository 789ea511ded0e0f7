package store

// CounterFoundingMember names the global founding-member sequence row.
const CounterFoundingMember = "founding_member"

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema statements. Each string is a single SQL
// statement; all of them are portable between SQLite and Postgres.
func Migrations() []string {
	return []string{
		// Merchant accounts
		`CREATE TABLE IF NOT EXISTS tenants (
			id                      TEXT PRIMARY KEY,
			slug                    TEXT NOT NULL UNIQUE,
			name                    TEXT NOT NULL DEFAULT '',
			email                   TEXT NOT NULL DEFAULT '',
			fee_percent             TEXT NOT NULL DEFAULT '1.5',
			provider_account_id     TEXT UNIQUE,
			onboarding_completed_at TEXT,
			is_founding_member      INTEGER NOT NULL DEFAULT 0,
			founding_member_number  INTEGER UNIQUE,
			subscription_id         TEXT,
			created_at              TEXT NOT NULL,
			CHECK ((is_founding_member = 1) = (founding_member_number IS NOT NULL))
		)`,

		// Global sequences (founding-member slots)
		`CREATE TABLE IF NOT EXISTS global_counters (
			name  TEXT PRIMARY KEY,
			value BIGINT NOT NULL DEFAULT 0
		)`,

		// Tenant-scoped numbering (invoice numbers, receipt numbers per category)
		`CREATE TABLE IF NOT EXISTS number_sequences (
			tenant_id TEXT NOT NULL,
			scope     TEXT NOT NULL,
			value     BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, scope)
		)`,

		// Booked service instances
		`CREATE TABLE IF NOT EXISTS appointments (
			id                    TEXT PRIMARY KEY,
			tenant_id             TEXT NOT NULL,
			service_id            TEXT NOT NULL DEFAULT '',
			starts_at             TEXT NOT NULL,
			ends_at               TEXT NOT NULL,
			status                TEXT NOT NULL DEFAULT 'PENDING',
			paid                  INTEGER NOT NULL DEFAULT 0,
			recurring_group_id    TEXT,
			parent_appointment_id TEXT,
			provider_payment_ref  TEXT,
			price                 BIGINT NOT NULL DEFAULT 0,
			customer_name         TEXT NOT NULL DEFAULT '',
			customer_email        TEXT NOT NULL DEFAULT '',
			created_at            TEXT NOT NULL,
			updated_at            TEXT NOT NULL,
			CHECK (paid = 0 OR status = 'CONFIRMED')
		)`,
		`CREATE INDEX IF NOT EXISTS idx_appt_tenant ON appointments(tenant_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_appt_group ON appointments(tenant_id, recurring_group_id)`,

		// Catalog products and their paid orders
		`CREATE TABLE IF NOT EXISTS products (
			id             TEXT PRIMARY KEY,
			tenant_id      TEXT NOT NULL,
			name           TEXT NOT NULL,
			price          BIGINT NOT NULL DEFAULT 0,
			stock_quantity INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS product_orders (
			id                   TEXT PRIMARY KEY,
			tenant_id            TEXT NOT NULL,
			product_id           TEXT NOT NULL,
			quantity             INTEGER NOT NULL DEFAULT 1,
			amount               BIGINT NOT NULL DEFAULT 0,
			provider_payment_ref TEXT NOT NULL,
			created_at           TEXT NOT NULL,
			UNIQUE (tenant_id, provider_payment_ref)
		)`,

		// Billable documents
		`CREATE TABLE IF NOT EXISTS invoices (
			id                   TEXT PRIMARY KEY,
			tenant_id            TEXT NOT NULL,
			invoice_number       TEXT NOT NULL,
			customer_name        TEXT NOT NULL DEFAULT '',
			customer_email       TEXT NOT NULL DEFAULT '',
			status               TEXT NOT NULL DEFAULT 'draft',
			line_items           TEXT NOT NULL DEFAULT '[]',
			subtotal             BIGINT NOT NULL DEFAULT 0,
			tax                  BIGINT NOT NULL DEFAULT 0,
			total                BIGINT NOT NULL DEFAULT 0,
			amount_paid          BIGINT NOT NULL DEFAULT 0,
			provider_checkout_id TEXT,
			provider_payment_ref TEXT,
			paid_at              TEXT,
			created_at           TEXT NOT NULL,
			UNIQUE (tenant_id, invoice_number),
			UNIQUE (tenant_id, provider_checkout_id),
			CHECK (total = subtotal + tax),
			CHECK (amount_paid <= total)
		)`,

		// Append-only revenue ledger
		`CREATE TABLE IF NOT EXISTS revenue_entries (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			amount          BIGINT NOT NULL,
			platform_fee    BIGINT NOT NULL DEFAULT 0,
			net_amount      BIGINT NOT NULL DEFAULT 0,
			category        TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			receipt_number  TEXT NOT NULL,
			invoice_id      TEXT,
			product_id      TEXT,
			entry_date      TEXT NOT NULL,
			provider_txn_id TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			UNIQUE (tenant_id, provider_txn_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_revenue_tenant_date ON revenue_entries(tenant_id, entry_date)`,

		// Secondary effects written with the primary mutation
		`CREATE TABLE IF NOT EXISTS outbox (
			id           TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			effect       TEXT NOT NULL,
			payload      TEXT NOT NULL DEFAULT '{}',
			dedupe_key   TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			attempts     INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT NOT NULL DEFAULT '',
			available_at TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			UNIQUE (tenant_id, dedupe_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_ready ON outbox(status, available_at)`,

		// Email dispatch queue (delivery is external)
		`CREATE TABLE IF NOT EXISTS email_queue (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			template   TEXT NOT NULL,
			recipient  TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}',
			dedupe_key TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'queued',
			error      TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			sent_at    TEXT,
			UNIQUE (tenant_id, dedupe_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_email_status ON email_queue(status, created_at)`,

		// Delivery log of inbound webhook events
		`CREATE TABLE IF NOT EXISTS webhook_events (
			event_id     TEXT PRIMARY KEY,
			event_type   TEXT NOT NULL,
			received_at  TEXT NOT NULL,
			processed_at TEXT,
			outcome      TEXT NOT NULL DEFAULT ''
		)`,
	}
}
