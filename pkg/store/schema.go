package store

// The two schema variants differ only in id-column syntax. Timestamps are
// fixed-width UTC text so lexicographic order matches chronological order in
// both engines; money is integer cents throughout.

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS customers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	wallet_address TEXT NOT NULL UNIQUE,
	balance_usd_cents BIGINT NOT NULL DEFAULT 0,
	spending_limit_usd_cents BIGINT NOT NULL DEFAULT 0,
	current_period_charged_usd_cents BIGINT NOT NULL DEFAULT 0,
	current_period_start TEXT,
	paid_once BOOLEAN NOT NULL DEFAULT FALSE,
	escrow_contract_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS service_instances (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	customer_id BIGINT NOT NULL,
	service_type TEXT NOT NULL,
	tier TEXT NOT NULL,
	state TEXT NOT NULL,
	is_user_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	paid_once BOOLEAN NOT NULL DEFAULT FALSE,
	subscription_charge_pending BOOLEAN NOT NULL DEFAULT FALSE,
	sub_pending_invoice_id BIGINT,
	scheduled_tier TEXT,
	cancellation_scheduled_for TEXT,
	cancellation_effective_at TEXT,
	gateway_config TEXT,
	sma_config_change_vault_seq BIGINT NOT NULL DEFAULT 0,
	sta_config_change_vault_seq BIGINT NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (customer_id, service_type)
);
CREATE INDEX IF NOT EXISTS idx_service_instances_customer ON service_instances(customer_id);

CREATE TABLE IF NOT EXISTS billing_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	customer_id BIGINT NOT NULL,
	status TEXT NOT NULL,
	amount_usd_cents BIGINT NOT NULL DEFAULT 0,
	amount_paid_usd_cents BIGINT NOT NULL DEFAULT 0,
	billing_period_start TEXT NOT NULL,
	due_date TEXT NOT NULL,
	payment_action_url TEXT,
	tx_digest TEXT,
	failure_reason TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_billing_records_customer_status ON billing_records(customer_id, status);

CREATE TABLE IF NOT EXISTS invoice_line_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	billing_record_id BIGINT NOT NULL,
	item_type TEXT NOT NULL,
	service_type TEXT,
	quantity BIGINT NOT NULL DEFAULT 1,
	unit_price_usd_cents BIGINT NOT NULL DEFAULT 0,
	amount_usd_cents BIGINT NOT NULL DEFAULT 0,
	credit_month TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invoice_line_items_record ON invoice_line_items(billing_record_id);

CREATE TABLE IF NOT EXISTS customer_credits (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	customer_id BIGINT NOT NULL,
	remaining_amount_usd_cents BIGINT NOT NULL CHECK (remaining_amount_usd_cents >= 0),
	original_amount_usd_cents BIGINT NOT NULL,
	expires_at TEXT,
	reason TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_customer_credits_customer ON customer_credits(customer_id);

CREATE TABLE IF NOT EXISTS invoice_payments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	billing_record_id BIGINT NOT NULL,
	customer_id BIGINT NOT NULL,
	source_type TEXT NOT NULL,
	reference_id TEXT,
	amount_usd_cents BIGINT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invoice_payments_record ON invoice_payments(billing_record_id);

CREATE TABLE IF NOT EXISTS escrow_transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	customer_id BIGINT NOT NULL,
	kind TEXT NOT NULL,
	amount_usd_cents BIGINT NOT NULL,
	tx_digest TEXT NOT NULL DEFAULT '',
	success BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_escrow_transactions_customer ON escrow_transactions(customer_id);

CREATE TABLE IF NOT EXISTS system_control (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	pg1_next_index BIGINT NOT NULL DEFAULT 0,
	pg2_next_index BIGINT NOT NULL DEFAULT 0,
	sma_next_vault_seq BIGINT NOT NULL DEFAULT 1,
	sma_max_config_change_seq BIGINT NOT NULL DEFAULT 0,
	sma_vault_seq BIGINT NOT NULL DEFAULT 0,
	sma_vault_content_hash TEXT NOT NULL DEFAULT '',
	sma_vault_entries BIGINT NOT NULL DEFAULT 0,
	sta_next_vault_seq BIGINT NOT NULL DEFAULT 1,
	sta_max_config_change_seq BIGINT NOT NULL DEFAULT 0,
	sta_vault_seq BIGINT NOT NULL DEFAULT 0,
	sta_vault_content_hash TEXT NOT NULL DEFAULT '',
	sta_vault_entries BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS seal_keys (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	customer_id BIGINT NOT NULL,
	instance_id BIGINT NOT NULL,
	process_group INTEGER NOT NULL,
	derivation_index BIGINT NOT NULL,
	public_key TEXT NOT NULL,
	is_user_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TEXT NOT NULL,
	deleted_at TEXT,
	UNIQUE (process_group, derivation_index)
);
CREATE INDEX IF NOT EXISTS idx_seal_keys_instance ON seal_keys(instance_id);

CREATE TABLE IF NOT EXISTS lm_status (
	lm_id TEXT NOT NULL,
	vault_type TEXT NOT NULL,
	applied_seq BIGINT,
	applied_at TEXT,
	processing_seq BIGINT,
	entries BIGINT NOT NULL DEFAULT 0,
	last_seen_at TEXT NOT NULL,
	last_error TEXT,
	PRIMARY KEY (lm_id, vault_type)
);

CREATE TABLE IF NOT EXISTS invoice_usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	billing_record_id BIGINT NOT NULL,
	service_type TEXT NOT NULL,
	item_type TEXT NOT NULL DEFAULT 'requests',
	quantity BIGINT NOT NULL DEFAULT 0,
	unit_price_usd_cents BIGINT NOT NULL DEFAULT 0,
	amount_usd_cents BIGINT NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	UNIQUE (billing_record_id, service_type, item_type)
);

CREATE TABLE IF NOT EXISTS service_tombstones (
	customer_id BIGINT NOT NULL,
	service_type TEXT NOT NULL,
	instance_id BIGINT NOT NULL,
	deleted_at TEXT NOT NULL,
	PRIMARY KEY (customer_id, service_type)
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS customers (
	id BIGSERIAL PRIMARY KEY,
	wallet_address TEXT NOT NULL UNIQUE,
	balance_usd_cents BIGINT NOT NULL DEFAULT 0,
	spending_limit_usd_cents BIGINT NOT NULL DEFAULT 0,
	current_period_charged_usd_cents BIGINT NOT NULL DEFAULT 0,
	current_period_start TEXT,
	paid_once BOOLEAN NOT NULL DEFAULT FALSE,
	escrow_contract_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS service_instances (
	id BIGSERIAL PRIMARY KEY,
	customer_id BIGINT NOT NULL,
	service_type TEXT NOT NULL,
	tier TEXT NOT NULL,
	state TEXT NOT NULL,
	is_user_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	paid_once BOOLEAN NOT NULL DEFAULT FALSE,
	subscription_charge_pending BOOLEAN NOT NULL DEFAULT FALSE,
	sub_pending_invoice_id BIGINT,
	scheduled_tier TEXT,
	cancellation_scheduled_for TEXT,
	cancellation_effective_at TEXT,
	gateway_config TEXT,
	sma_config_change_vault_seq BIGINT NOT NULL DEFAULT 0,
	sta_config_change_vault_seq BIGINT NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (customer_id, service_type)
);
CREATE INDEX IF NOT EXISTS idx_service_instances_customer ON service_instances(customer_id);

CREATE TABLE IF NOT EXISTS billing_records (
	id BIGSERIAL PRIMARY KEY,
	customer_id BIGINT NOT NULL,
	status TEXT NOT NULL,
	amount_usd_cents BIGINT NOT NULL DEFAULT 0,
	amount_paid_usd_cents BIGINT NOT NULL DEFAULT 0,
	billing_period_start TEXT NOT NULL,
	due_date TEXT NOT NULL,
	payment_action_url TEXT,
	tx_digest TEXT,
	failure_reason TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_billing_records_customer_status ON billing_records(customer_id, status);

CREATE TABLE IF NOT EXISTS invoice_line_items (
	id BIGSERIAL PRIMARY KEY,
	billing_record_id BIGINT NOT NULL,
	item_type TEXT NOT NULL,
	service_type TEXT,
	quantity BIGINT NOT NULL DEFAULT 1,
	unit_price_usd_cents BIGINT NOT NULL DEFAULT 0,
	amount_usd_cents BIGINT NOT NULL DEFAULT 0,
	credit_month TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invoice_line_items_record ON invoice_line_items(billing_record_id);

CREATE TABLE IF NOT EXISTS customer_credits (
	id BIGSERIAL PRIMARY KEY,
	customer_id BIGINT NOT NULL,
	remaining_amount_usd_cents BIGINT NOT NULL CHECK (remaining_amount_usd_cents >= 0),
	original_amount_usd_cents BIGINT NOT NULL,
	expires_at TEXT,
	reason TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_customer_credits_customer ON customer_credits(customer_id);

CREATE TABLE IF NOT EXISTS invoice_payments (
	id BIGSERIAL PRIMARY KEY,
	billing_record_id BIGINT NOT NULL,
	customer_id BIGINT NOT NULL,
	source_type TEXT NOT NULL,
	reference_id TEXT,
	amount_usd_cents BIGINT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invoice_payments_record ON invoice_payments(billing_record_id);

CREATE TABLE IF NOT EXISTS escrow_transactions (
	id BIGSERIAL PRIMARY KEY,
	customer_id BIGINT NOT NULL,
	kind TEXT NOT NULL,
	amount_usd_cents BIGINT NOT NULL,
	tx_digest TEXT NOT NULL DEFAULT '',
	success BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_escrow_transactions_customer ON escrow_transactions(customer_id);

CREATE TABLE IF NOT EXISTS system_control (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	pg1_next_index BIGINT NOT NULL DEFAULT 0,
	pg2_next_index BIGINT NOT NULL DEFAULT 0,
	sma_next_vault_seq BIGINT NOT NULL DEFAULT 1,
	sma_max_config_change_seq BIGINT NOT NULL DEFAULT 0,
	sma_vault_seq BIGINT NOT NULL DEFAULT 0,
	sma_vault_content_hash TEXT NOT NULL DEFAULT '',
	sma_vault_entries BIGINT NOT NULL DEFAULT 0,
	sta_next_vault_seq BIGINT NOT NULL DEFAULT 1,
	sta_max_config_change_seq BIGINT NOT NULL DEFAULT 0,
	sta_vault_seq BIGINT NOT NULL DEFAULT 0,
	sta_vault_content_hash TEXT NOT NULL DEFAULT '',
	sta_vault_entries BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS seal_keys (
	id BIGSERIAL PRIMARY KEY,
	customer_id BIGINT NOT NULL,
	instance_id BIGINT NOT NULL,
	process_group INTEGER NOT NULL,
	derivation_index BIGINT NOT NULL,
	public_key TEXT NOT NULL,
	is_user_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TEXT NOT NULL,
	deleted_at TEXT,
	UNIQUE (process_group, derivation_index)
);
CREATE INDEX IF NOT EXISTS idx_seal_keys_instance ON seal_keys(instance_id);

CREATE TABLE IF NOT EXISTS lm_status (
	lm_id TEXT NOT NULL,
	vault_type TEXT NOT NULL,
	applied_seq BIGINT,
	applied_at TEXT,
	processing_seq BIGINT,
	entries BIGINT NOT NULL DEFAULT 0,
	last_seen_at TEXT NOT NULL,
	last_error TEXT,
	PRIMARY KEY (lm_id, vault_type)
);

CREATE TABLE IF NOT EXISTS invoice_usage (
	id BIGSERIAL PRIMARY KEY,
	billing_record_id BIGINT NOT NULL,
	service_type TEXT NOT NULL,
	item_type TEXT NOT NULL DEFAULT 'requests',
	quantity BIGINT NOT NULL DEFAULT 0,
	unit_price_usd_cents BIGINT NOT NULL DEFAULT 0,
	amount_usd_cents BIGINT NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	UNIQUE (billing_record_id, service_type, item_type)
);

CREATE TABLE IF NOT EXISTS service_tombstones (
	customer_id BIGINT NOT NULL,
	service_type TEXT NOT NULL,
	instance_id BIGINT NOT NULL,
	deleted_at TEXT NOT NULL,
	PRIMARY KEY (customer_id, service_type)
);
`

const seedSystemControl = `INSERT INTO system_control (id) VALUES (1) ON CONFLICT (id) DO NOTHING`
