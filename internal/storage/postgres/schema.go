package postgres

import "context"

// bootstrap creates the schema if it does not already exist. There is no
// dedicated migration tool for postgres; cmd/kashcal-migrate drives schema
// changes for both backends, and this statement set is the postgres
// equivalent of the sqlite embedded migration.
func (s *Store) bootstrap(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS accounts (
    id             BIGSERIAL PRIMARY KEY,
    provider       TEXT NOT NULL,
    email          TEXT NOT NULL,
    display_name   TEXT NOT NULL DEFAULT '',
    principal_url  TEXT NOT NULL DEFAULT '',
    home_set_url   TEXT NOT NULL DEFAULT '',
    is_enabled     BOOLEAN NOT NULL DEFAULT true,
    UNIQUE (provider, email, home_set_url)
);

CREATE TABLE IF NOT EXISTS calendars (
    id            BIGSERIAL PRIMARY KEY,
    account_id    BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    caldav_url    TEXT NOT NULL,
    display_name  TEXT NOT NULL DEFAULT '',
    color         TEXT NOT NULL DEFAULT '',
    ctag          TEXT NOT NULL DEFAULT '',
    sync_token    TEXT NOT NULL DEFAULT '',
    is_read_only  BOOLEAN NOT NULL DEFAULT false,
    is_visible    BOOLEAN NOT NULL DEFAULT true,
    is_default    BOOLEAN NOT NULL DEFAULT false,
    parse_retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_calendars_account ON calendars(account_id);

CREATE TABLE IF NOT EXISTS events (
    id                      BIGSERIAL PRIMARY KEY,
    uid                     TEXT NOT NULL,
    calendar_id             BIGINT NOT NULL REFERENCES calendars(id) ON DELETE CASCADE,
    title                   TEXT NOT NULL DEFAULT '',
    description             TEXT NOT NULL DEFAULT '',
    location                TEXT NOT NULL DEFAULT '',
    start_ts                BIGINT NOT NULL,
    end_ts                  BIGINT NOT NULL,
    is_all_day              BOOLEAN NOT NULL DEFAULT false,
    timezone                TEXT NOT NULL DEFAULT '',
    rrule                   TEXT NOT NULL DEFAULT '',
    exdate                  TEXT NOT NULL DEFAULT '',
    caldav_url              TEXT NOT NULL DEFAULT '',
    etag                    TEXT NOT NULL DEFAULT '',
    dtstamp                 BIGINT NOT NULL DEFAULT 0,
    sequence                INTEGER NOT NULL DEFAULT 0,
    status                  TEXT NOT NULL DEFAULT '',
    class                   TEXT NOT NULL DEFAULT '',
    reminders               TEXT NOT NULL DEFAULT '',
    extra_props             TEXT NOT NULL DEFAULT '',
    raw_ical                TEXT NOT NULL DEFAULT '',
    sync_status             TEXT NOT NULL DEFAULT 'SYNCED',
    original_event_id       BIGINT REFERENCES events(id) ON DELETE CASCADE,
    original_instance_time  BIGINT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_master_uid ON events(calendar_id, uid) WHERE original_event_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_events_calendar ON events(calendar_id);
CREATE INDEX IF NOT EXISTS idx_events_caldav_url ON events(caldav_url);
CREATE INDEX IF NOT EXISTS idx_events_original ON events(original_event_id);

CREATE TABLE IF NOT EXISTS pending_operations (
    id                  BIGSERIAL PRIMARY KEY,
    event_id            BIGINT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    operation           TEXT NOT NULL,
    target_url          TEXT NOT NULL DEFAULT '',
    source_calendar_id  BIGINT,
    target_calendar_id  BIGINT,
    move_phase          TEXT NOT NULL DEFAULT 'DELETE',
    retry_count         INTEGER NOT NULL DEFAULT 0,
    last_error          TEXT NOT NULL DEFAULT '',
    next_retry_at       BIGINT NOT NULL DEFAULT 0,
    created_at          BIGINT NOT NULL,
    poisoned            BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS idx_pending_ops_event ON pending_operations(event_id);
CREATE INDEX IF NOT EXISTS idx_pending_ops_retry ON pending_operations(next_retry_at, created_at);

CREATE TABLE IF NOT EXISTS sync_sessions (
    id                        BIGSERIAL PRIMARY KEY,
    calendar_id               BIGINT NOT NULL REFERENCES calendars(id) ON DELETE CASCADE,
    started_at                BIGINT NOT NULL,
    finished_at                BIGINT,
    added                     INTEGER NOT NULL DEFAULT 0,
    updated                   INTEGER NOT NULL DEFAULT 0,
    deleted                   INTEGER NOT NULL DEFAULT 0,
    skipped_parse_error       INTEGER NOT NULL DEFAULT 0,
    skipped_constraint_error  INTEGER NOT NULL DEFAULT 0,
    status                    TEXT NOT NULL DEFAULT 'SUCCESS'
);
CREATE INDEX IF NOT EXISTS idx_sessions_calendar ON sync_sessions(calendar_id);
`)
	return err
}
