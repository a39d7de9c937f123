package store

import (
	"database/sql"
	"fmt"
)

// Schema is the full slotwatch schema. Idempotent: every statement is
// CREATE IF NOT EXISTS, so it doubles as a migration for fresh columns-free
// upgrades.
const Schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	email               TEXT NOT NULL,
	password            TEXT NOT NULL,
	active              INTEGER NOT NULL DEFAULT 1,
	is_primary          INTEGER NOT NULL DEFAULT 0,
	total_attempts      INTEGER NOT NULL DEFAULT 0,
	successful_attempts INTEGER NOT NULL DEFAULT 0,
	last_used           INTEGER,
	notes               TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS applicants (
	id                TEXT PRIMARY KEY,
	first_name        TEXT NOT NULL,
	last_name         TEXT NOT NULL,
	passport_number   TEXT NOT NULL,
	nationality       TEXT NOT NULL DEFAULT '',
	phone_number      TEXT NOT NULL DEFAULT '',
	email             TEXT NOT NULL DEFAULT '',
	date_of_birth     TEXT NOT NULL DEFAULT '',
	gender            TEXT NOT NULL DEFAULT '',
	address           TEXT NOT NULL DEFAULT '',
	city              TEXT NOT NULL DEFAULT '',
	postal_code       TEXT NOT NULL DEFAULT '',
	country           TEXT NOT NULL DEFAULT '',
	emergency_contact TEXT NOT NULL DEFAULT '',
	emergency_phone   TEXT NOT NULL DEFAULT '',
	visa_type         TEXT NOT NULL DEFAULT '',
	notes             TEXT NOT NULL DEFAULT '',
	is_primary        INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS appointment_slots (
	id              TEXT PRIMARY KEY,
	found_at        INTEGER NOT NULL,
	slot_date       TEXT NOT NULL,
	slot_time       TEXT NOT NULL,
	visa_type       TEXT NOT NULL,
	visa_subtype    TEXT NOT NULL DEFAULT '',
	location        TEXT NOT NULL DEFAULT '',
	available       INTEGER NOT NULL DEFAULT 1,
	status          TEXT NOT NULL DEFAULT 'available',
	booking_ref     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_slots_found_at ON appointment_slots(found_at DESC);

CREATE TABLE IF NOT EXISTS system_logs (
	id        TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	level     TEXT NOT NULL,
	message   TEXT NOT NULL,
	step      TEXT NOT NULL DEFAULT '',
	details   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON system_logs(timestamp DESC);

CREATE TABLE IF NOT EXISTS system_config (
	id                  INTEGER PRIMARY KEY CHECK (id = 1),
	status              TEXT NOT NULL DEFAULT 'stopped',
	check_interval_min  INTEGER NOT NULL DEFAULT 2,
	visa_type           TEXT NOT NULL DEFAULT 'Tourist Visa',
	visa_subtype        TEXT NOT NULL DEFAULT 'Short Stay',
	appointment_type    TEXT NOT NULL DEFAULT 'Individual',
	members             INTEGER NOT NULL DEFAULT 1,
	auto_book           INTEGER NOT NULL DEFAULT 0,
	last_check          INTEGER,
	total_checks        INTEGER NOT NULL DEFAULT 0,
	slots_found         INTEGER NOT NULL DEFAULT 0,
	successful_bookings INTEGER NOT NULL DEFAULT 0,
	error_count         INTEGER NOT NULL DEFAULT 0,
	updated_at          INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS notification_settings (
	id               INTEGER PRIMARY KEY CHECK (id = 1),
	email_enabled    INTEGER NOT NULL DEFAULT 1,
	email            TEXT NOT NULL DEFAULT '',
	on_slots_found   INTEGER NOT NULL DEFAULT 1,
	on_booking       INTEGER NOT NULL DEFAULT 1,
	on_errors        INTEGER NOT NULL DEFAULT 1
);
`

// ApplySchema creates all tables and seeds the singleton rows.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO system_config (id) VALUES (1)`); err != nil {
		return fmt.Errorf("store: seed system_config: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO notification_settings (id) VALUES (1)`); err != nil {
		return fmt.Errorf("store: seed notification_settings: %w", err)
	}
	return nil
}
