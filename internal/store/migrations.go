package store

import "strings"

// commonMigrations lists DDL statements for SQLite, covering every logical
// table spec.md §6 names. Any new migration must be appended here.
var commonMigrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		pubkey           TEXT NOT NULL PRIMARY KEY,
		encrypted_secret TEXT NOT NULL,
		display_name     TEXT NOT NULL DEFAULT '',
		settings_json    TEXT NOT NULL DEFAULT '{}',
		onboarding_json  TEXT NOT NULL DEFAULT '{}',
		last_used_at     INTEGER NOT NULL DEFAULT 0,
		is_active        INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS relays (
		account_pubkey TEXT NOT NULL,
		url            TEXT NOT NULL,
		list_kind      INTEGER NOT NULL, -- 10002 general, 10050 inbox, 10051 key-package
		policy         TEXT NOT NULL,    -- read, write, readwrite
		status         TEXT NOT NULL DEFAULT 'pending',
		PRIMARY KEY (account_pubkey, url, list_kind)
	)`,
	`CREATE TABLE IF NOT EXISTS key_packages (
		event_id       TEXT NOT NULL PRIMARY KEY,
		account_pubkey TEXT NOT NULL,
		ciphersuite    INTEGER NOT NULL,
		init_key       BLOB NOT NULL,
		leaf_node      BLOB NOT NULL,
		consumed       INTEGER NOT NULL DEFAULT 0,
		created_at     INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS key_packages_account ON key_packages(account_pubkey)`,
	`CREATE TABLE IF NOT EXISTS mls_groups (
		mls_group_id    TEXT NOT NULL PRIMARY KEY,
		nostr_group_id  TEXT NOT NULL UNIQUE,
		account_pubkey  TEXT NOT NULL,
		name            TEXT NOT NULL DEFAULT '',
		description     TEXT NOT NULL DEFAULT '',
		group_type      TEXT NOT NULL, -- direct_message, group
		admin_pubkeys   TEXT NOT NULL DEFAULT '[]',
		member_pubkeys  TEXT NOT NULL DEFAULT '[]',
		epoch           INTEGER NOT NULL DEFAULT 0,
		state           TEXT NOT NULL DEFAULT 'creating',
		relays_json     TEXT NOT NULL DEFAULT '[]',
		last_message_id TEXT NOT NULL DEFAULT '',
		last_message_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS mls_groups_account ON mls_groups(account_pubkey)`,
	`CREATE TABLE IF NOT EXISTS mls_epoch_state (
		mls_group_id TEXT NOT NULL,
		epoch        INTEGER NOT NULL,
		state_blob   BLOB NOT NULL,
		PRIMARY KEY (mls_group_id, epoch)
	)`,
	`CREATE TABLE IF NOT EXISTS transcripts (
		event_id       TEXT NOT NULL PRIMARY KEY,
		nostr_group_id TEXT NOT NULL,
		author         TEXT NOT NULL,
		reply_to_id    TEXT NOT NULL DEFAULT '',
		content        TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL,
		kind           INTEGER NOT NULL,
		is_mine        INTEGER NOT NULL DEFAULT 0,
		is_insecure    INTEGER NOT NULL DEFAULT 0,
		is_hidden      INTEGER NOT NULL DEFAULT 0,
		invoice_json   TEXT NOT NULL DEFAULT '',
		payment_json   TEXT NOT NULL DEFAULT '',
		event_json     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS transcripts_group ON transcripts(nostr_group_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS reactions (
		id             TEXT NOT NULL PRIMARY KEY,
		target_id      TEXT NOT NULL,
		author         TEXT NOT NULL,
		content        TEXT NOT NULL,
		created_at     INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS reactions_target ON reactions(target_id)`,
	`CREATE TABLE IF NOT EXISTS invites (
		welcome_event_id TEXT NOT NULL,
		account_pubkey   TEXT NOT NULL,
		group_meta_json  TEXT NOT NULL,
		inviter_pubkey   TEXT NOT NULL,
		member_count     INTEGER NOT NULL,
		state            TEXT NOT NULL DEFAULT 'pending',
		PRIMARY KEY (welcome_event_id, account_pubkey)
	)`,
	`CREATE TABLE IF NOT EXISTS processed_invites_ledger (
		welcome_event_id TEXT NOT NULL,
		account_pubkey   TEXT NOT NULL,
		state            TEXT NOT NULL, -- processed, failed
		failure_reason   TEXT NOT NULL DEFAULT '',
		group_id         TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (welcome_event_id, account_pubkey)
	)`,
	`CREATE TABLE IF NOT EXISTS seen_events (
		account_pubkey TEXT NOT NULL,
		event_id       TEXT NOT NULL,
		seen_at        INTEGER NOT NULL,
		PRIMARY KEY (account_pubkey, event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// postgresMigrations mirrors commonMigrations with PostgreSQL spellings:
// BLOB becomes BYTEA and `INTEGER NOT NULL DEFAULT 0` columns become BIGINT
// (other INTEGER columns are left as they are), the same dual-schema split
// the teacher bridge keeps between migrateSQLite and migratePostgres.
var postgresMigrations = func() []string {
	out := make([]string, len(commonMigrations))
	replacer := strings.NewReplacer("BLOB", "BYTEA", "INTEGER NOT NULL DEFAULT 0", "BIGINT NOT NULL DEFAULT 0")
	for i, s := range commonMigrations {
		out[i] = replacer.Replace(s)
	}
	return out
}()
