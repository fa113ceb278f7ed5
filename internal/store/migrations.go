package store

import (
	"context"
	"fmt"
)

// migration holds one schema step; sql is keyed by driver.
type migration struct {
	version int
	sql     map[string]string
}

// migrations must stay sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: map[string]string{
			DriverPostgres: `
CREATE TABLE IF NOT EXISTS subjects (
	id            TEXT PRIMARY KEY,
	display_name  TEXT NOT NULL,
	group_name    TEXT NOT NULL DEFAULT '',
	subgroup      TEXT NOT NULL DEFAULT '',
	contact_name  TEXT NOT NULL DEFAULT '',
	contact_phone TEXT NOT NULL DEFAULT '',
	contact_email TEXT NOT NULL DEFAULT '',
	active        BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS attendance_records (
	id                  TEXT PRIMARY KEY,
	subject_id          TEXT NOT NULL,
	recorded_by         TEXT NOT NULL DEFAULT '',
	scan_time           TIMESTAMPTZ NOT NULL,
	scan_date           TEXT NOT NULL,
	status              TEXT NOT NULL,
	time_window         TEXT NOT NULL DEFAULT '',
	minutes_late        INTEGER NOT NULL DEFAULT 0,
	location            TEXT NOT NULL DEFAULT '',
	notes               TEXT NOT NULL DEFAULT '',
	latitude            DOUBLE PRECISION,
	longitude           DOUBLE PRECISION,
	raw_code            TEXT NOT NULL DEFAULT '',
	is_valid_scan       BOOLEAN NOT NULL DEFAULT TRUE,
	invalid_reason      TEXT,
	notification_id     TEXT,
	notification_status TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_attendance_valid_per_day
	ON attendance_records (subject_id, scan_date) WHERE is_valid_scan;
CREATE UNIQUE INDEX IF NOT EXISTS uq_attendance_absent_per_day
	ON attendance_records (subject_id, scan_date) WHERE status = 'absent';
CREATE INDEX IF NOT EXISTS idx_attendance_scan_date ON attendance_records (scan_date);

CREATE TABLE IF NOT EXISTS notifications (
	id                 TEXT PRIMARY KEY,
	subject_id         TEXT NOT NULL,
	related_record_id  TEXT,
	kind               TEXT NOT NULL DEFAULT '',
	contact_phone      TEXT NOT NULL DEFAULT '',
	contact_email      TEXT NOT NULL DEFAULT '',
	subject_line       TEXT NOT NULL DEFAULT '',
	message            TEXT NOT NULL,
	html               TEXT NOT NULL DEFAULT '',
	sms_enabled        BOOLEAN NOT NULL DEFAULT FALSE,
	sms_status         TEXT NOT NULL DEFAULT 'pending',
	sms_attempts       INTEGER NOT NULL DEFAULT 0,
	sms_sent_at        TIMESTAMPTZ,
	sms_provider_id    TEXT NOT NULL DEFAULT '',
	sms_error          TEXT NOT NULL DEFAULT '',
	email_enabled      BOOLEAN NOT NULL DEFAULT FALSE,
	email_status       TEXT NOT NULL DEFAULT 'pending',
	email_attempts     INTEGER NOT NULL DEFAULT 0,
	email_sent_at      TIMESTAMPTZ,
	email_provider_id  TEXT NOT NULL DEFAULT '',
	email_error        TEXT NOT NULL DEFAULT '',
	overall_status     TEXT NOT NULL DEFAULT 'pending',
	retry_count        INTEGER NOT NULL DEFAULT 0,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_notifications_overall ON notifications (overall_status, retry_count);
CREATE INDEX IF NOT EXISTS idx_notifications_subject ON notifications (subject_id);
`,
			DriverSQLite: `
CREATE TABLE IF NOT EXISTS subjects (
	id            TEXT PRIMARY KEY,
	display_name  TEXT NOT NULL,
	group_name    TEXT NOT NULL DEFAULT '',
	subgroup      TEXT NOT NULL DEFAULT '',
	contact_name  TEXT NOT NULL DEFAULT '',
	contact_phone TEXT NOT NULL DEFAULT '',
	contact_email TEXT NOT NULL DEFAULT '',
	active        BOOLEAN NOT NULL DEFAULT 1,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS attendance_records (
	id                  TEXT PRIMARY KEY,
	subject_id          TEXT NOT NULL,
	recorded_by         TEXT NOT NULL DEFAULT '',
	scan_time           TIMESTAMP NOT NULL,
	scan_date           TEXT NOT NULL,
	status              TEXT NOT NULL,
	time_window         TEXT NOT NULL DEFAULT '',
	minutes_late        INTEGER NOT NULL DEFAULT 0,
	location            TEXT NOT NULL DEFAULT '',
	notes               TEXT NOT NULL DEFAULT '',
	latitude            REAL,
	longitude           REAL,
	raw_code            TEXT NOT NULL DEFAULT '',
	is_valid_scan       BOOLEAN NOT NULL DEFAULT 1,
	invalid_reason      TEXT,
	notification_id     TEXT,
	notification_status TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_attendance_valid_per_day
	ON attendance_records (subject_id, scan_date) WHERE is_valid_scan = 1;
CREATE UNIQUE INDEX IF NOT EXISTS uq_attendance_absent_per_day
	ON attendance_records (subject_id, scan_date) WHERE status = 'absent';
CREATE INDEX IF NOT EXISTS idx_attendance_scan_date ON attendance_records (scan_date);

CREATE TABLE IF NOT EXISTS notifications (
	id                 TEXT PRIMARY KEY,
	subject_id         TEXT NOT NULL,
	related_record_id  TEXT,
	kind               TEXT NOT NULL DEFAULT '',
	contact_phone      TEXT NOT NULL DEFAULT '',
	contact_email      TEXT NOT NULL DEFAULT '',
	subject_line       TEXT NOT NULL DEFAULT '',
	message            TEXT NOT NULL,
	html               TEXT NOT NULL DEFAULT '',
	sms_enabled        BOOLEAN NOT NULL DEFAULT 0,
	sms_status         TEXT NOT NULL DEFAULT 'pending',
	sms_attempts       INTEGER NOT NULL DEFAULT 0,
	sms_sent_at        TIMESTAMP,
	sms_provider_id    TEXT NOT NULL DEFAULT '',
	sms_error          TEXT NOT NULL DEFAULT '',
	email_enabled      BOOLEAN NOT NULL DEFAULT 0,
	email_status       TEXT NOT NULL DEFAULT 'pending',
	email_attempts     INTEGER NOT NULL DEFAULT 0,
	email_sent_at      TIMESTAMP,
	email_provider_id  TEXT NOT NULL DEFAULT '',
	email_error        TEXT NOT NULL DEFAULT '',
	overall_status     TEXT NOT NULL DEFAULT 'pending',
	retry_count        INTEGER NOT NULL DEFAULT 0,
	created_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_notifications_overall ON notifications (overall_status, retry_count);
CREATE INDEX IF NOT EXISTS idx_notifications_subject ON notifications (subject_id);
`,
		},
	},
}

// Migrate applies any outstanding migrations in order and records the schema version.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.Client.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}

	var current int
	if err := d.Client.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		stmt, ok := m.sql[d.Driver]
		if !ok {
			return fmt.Errorf("migration v%d has no %s variant", m.version, d.Driver)
		}
		if _, err := d.Client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if _, err := d.Client.ExecContext(ctx, d.Client.Rebind(`INSERT INTO schema_version (version) VALUES (?)`), m.version); err != nil {
			return fmt.Errorf("recording migration v%d: %w", m.version, err)
		}
	}
	return nil
}
