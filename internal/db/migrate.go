package db

import (
	"database/sql"
	"fmt"
)

// Migrate creates the schema. Safe to run on every start.
//
// messages keeps the raw frame alongside parsed columns so records written
// by an older daemon survive the addition of new optional fields.
func Migrate(db *sql.DB) error {
	statements := []struct {
		label string
		sql   string
	}{
		// ─── servers ─────────────────────────────────────────────────────
		{"servers", `
			CREATE TABLE IF NOT EXISTS servers (
				id          TEXT PRIMARY KEY,
				base_url    TEXT NOT NULL UNIQUE,
				username    TEXT NOT NULL DEFAULT '',
				password    TEXT NOT NULL DEFAULT '',
				token       TEXT NOT NULL DEFAULT '',
				root_ca_pem TEXT NOT NULL DEFAULT '',
				created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
			);`},

		// ─── subscriptions ───────────────────────────────────────────────
		{"subscriptions", `
			CREATE TABLE IF NOT EXISTS subscriptions (
				id           TEXT PRIMARY KEY,
				server_id    TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
				topic        TEXT NOT NULL,
				display_name TEXT NOT NULL DEFAULT '',
				muted        INTEGER NOT NULL DEFAULT 0,
				min_priority INTEGER NOT NULL DEFAULT 1,
				position     INTEGER NOT NULL DEFAULT 0,
				cursor       INTEGER NOT NULL DEFAULT 0,
				read_marker  INTEGER NOT NULL DEFAULT 0,
				created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(server_id, topic)
			);`},
		{"subscriptions indexes", `
			CREATE INDEX IF NOT EXISTS idx_subs_position ON subscriptions(position);`},

		// ─── messages ────────────────────────────────────────────────────
		{"messages", `
			CREATE TABLE IF NOT EXISTS messages (
				subscription_id TEXT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
				msg_id          TEXT NOT NULL,
				time            INTEGER NOT NULL,
				title           TEXT NOT NULL DEFAULT '',
				body            TEXT NOT NULL DEFAULT '',
				priority        INTEGER NOT NULL DEFAULT 0,
				tags            TEXT NOT NULL DEFAULT '',
				click           TEXT NOT NULL DEFAULT '',
				icon            TEXT NOT NULL DEFAULT '',
				attachment_json TEXT NOT NULL DEFAULT '',
				actions_json    TEXT NOT NULL DEFAULT '',
				raw             TEXT NOT NULL DEFAULT '',
				received_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (subscription_id, msg_id)
			);`},
		{"messages indexes", `
			CREATE INDEX IF NOT EXISTS idx_messages_time ON messages(subscription_id, time, msg_id);`},
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt.sql); err != nil {
			return fmt.Errorf("migrate %s: %w", stmt.label, err)
		}
	}
	return nil
}
