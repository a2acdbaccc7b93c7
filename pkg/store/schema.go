package store

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion tracks the bootstrap schema. There is no migration
// framework; version bumps recreate nothing and only gate additive DDL.
const CurrentSchemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	instance_id     TEXT NOT NULL,
	contact_id      TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'active',
	ai_enabled      INTEGER NOT NULL DEFAULT 1,
	handoff_mode    INTEGER NOT NULL DEFAULT 0,
	last_message_at TIMESTAMP NOT NULL,
	created_at      TIMESTAMP NOT NULL
);

-- One active conversation per (tenant, instance, contact). Concurrent
-- find-or-create for the same new contact races on this index, not on
-- application locks.
CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active
	ON conversations(tenant_id, instance_id, contact_id)
	WHERE status != 'closed';

CREATE TABLE IF NOT EXISTS messages (
	id               TEXT PRIMARY KEY,
	conversation_id  TEXT NOT NULL REFERENCES conversations(id),
	direction        TEXT NOT NULL CHECK (direction IN ('inbound', 'outbound')),
	content          TEXT NOT NULL,
	sent_by_ai       INTEGER NOT NULL DEFAULT 0,
	transport_msg_id TEXT,
	remote_address   TEXT,
	created_at       TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS escalations (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	trigger_type    TEXT NOT NULL CHECK (trigger_type IN ('automation_unknown', 'limit_reached')),
	status          TEXT NOT NULL DEFAULT 'pending',
	question        TEXT,
	reason          TEXT,
	response        TEXT,
	learned         INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL,
	resolved_at     TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_escalations_conversation
	ON escalations(conversation_id, status);

CREATE TABLE IF NOT EXISTS knowledge_entries (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	question      TEXT NOT NULL,
	answer        TEXT NOT NULL,
	source        TEXT NOT NULL CHECK (source IN ('escalation', 'manual')),
	escalation_id TEXT REFERENCES escalations(id),
	use_count     INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL
);

-- The learn-back contract: at most one entry per escalation episode.
CREATE UNIQUE INDEX IF NOT EXISTS idx_knowledge_escalation
	ON knowledge_entries(escalation_id)
	WHERE escalation_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	queue        TEXT NOT NULL,
	tenant_id    TEXT NOT NULL,
	payload      TEXT NOT NULL,
	state        TEXT NOT NULL DEFAULT 'ready' CHECK (state IN ('ready', 'leased')),
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT,
	lease_until  TIMESTAMP,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_ready
	ON jobs(queue, state, created_at);

CREATE TABLE IF NOT EXISTS dead_letters (
	id              TEXT PRIMARY KEY,
	original_queue  TEXT NOT NULL,
	original_job_id TEXT NOT NULL,
	tenant_id       TEXT NOT NULL,
	payload         TEXT NOT NULL,
	error           TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_tenant
	ON dead_letters(tenant_id, created_at);
`

// initializeSchema creates all tables and records the schema version.
// Idempotent and safe to call on every startup.
func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	var version int
	err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", CurrentSchemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, CurrentSchemaVersion)
	}
	return nil
}
