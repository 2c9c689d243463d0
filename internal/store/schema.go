package store

// schema defines all app-specific tables. The whatsmeow device tables
// live alongside these in the same database and are managed by its own
// schema upgrades.
const schema = `
CREATE TABLE IF NOT EXISTS waflow_tenant_sessions (
	tenant_id       TEXT PRIMARY KEY,
	state           TEXT NOT NULL DEFAULT 'disconnected',
	pairing_code    TEXT,
	linked_phone    TEXT,
	device_name     TEXT,
	credential_blob BLOB,
	last_seen_at    INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS waflow_campaigns (
	id              TEXT PRIMARY KEY,
	owner_tenant_id TEXT NOT NULL,
	name            TEXT NOT NULL DEFAULT '',
	content         TEXT NOT NULL,
	scheduled_at    INTEGER NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	sent_count      INTEGER NOT NULL DEFAULT 0,
	delivered_count INTEGER NOT NULL DEFAULT 0,
	read_count      INTEGER NOT NULL DEFAULT 0,
	failed_count    INTEGER NOT NULL DEFAULT 0,
	fail_reason     TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	started_at      INTEGER,
	completed_at    INTEGER
);

CREATE INDEX IF NOT EXISTS idx_waflow_campaigns_due
	ON waflow_campaigns(status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_waflow_campaigns_owner
	ON waflow_campaigns(owner_tenant_id);

CREATE TABLE IF NOT EXISTS waflow_campaign_recipients (
	campaign_id TEXT NOT NULL,
	position    INTEGER NOT NULL,
	phone       TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'queued',
	message_id  TEXT,
	error       TEXT,
	updated_at  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (campaign_id, position)
);

CREATE INDEX IF NOT EXISTS idx_waflow_recipients_message
	ON waflow_campaign_recipients(message_id);

CREATE TABLE IF NOT EXISTS waflow_bot_rules (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id  TEXT NOT NULL,
	keyword    TEXT NOT NULL,
	reply      TEXT NOT NULL,
	enabled    INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_waflow_bot_rules_tenant
	ON waflow_bot_rules(tenant_id, enabled);
`
