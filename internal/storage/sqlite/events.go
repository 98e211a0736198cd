package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/KashCal/KashCal-sub000/internal/storage"
)

// querier is satisfied by both *sql.DB and *sql.Tx, letting event and
// pending-operation statements run either standalone or inside WithTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const eventCols = `id, uid, calendar_id, title, description, location, start_ts, end_ts, is_all_day, timezone, rrule, exdate,
	caldav_url, etag, dtstamp, sequence, status, class, reminders, extra_props, raw_ical,
	sync_status, original_event_id, original_instance_time`

func scanEvent(scan func(dest ...any) error) (*storage.Event, error) {
	e := &storage.Event{}
	var allDay int
	var origEventID, origInstanceTime sql.NullInt64
	err := scan(&e.ID, &e.UID, &e.CalendarID, &e.Title, &e.Description, &e.Location, &e.StartTs, &e.EndTs, &allDay, &e.Timezone,
		&e.RRule, &e.ExDate, &e.CaldavURL, &e.ETag, &e.DTStamp, &e.Sequence, &e.Status, &e.Class,
		&e.Reminders, &e.ExtraProps, &e.RawIcal, &e.SyncStatus, &origEventID, &origInstanceTime)
	if err != nil {
		return nil, err
	}
	e.IsAllDay = allDay != 0
	if origEventID.Valid {
		v := origEventID.Int64
		e.OriginalEventID = &v
	}
	if origInstanceTime.Valid {
		v := origInstanceTime.Int64
		e.OriginalInstanceTime = &v
	}
	return e, nil
}

func getEventByID(ctx context.Context, q querier, id int64) (*storage.Event, error) {
	row := q.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func getEventByUID(ctx context.Context, q querier, calendarID int64, uid string) (*storage.Event, error) {
	row := q.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE calendar_id = ? AND uid = ? AND original_event_id IS NULL`, calendarID, uid)
	e, err := scanEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func getEventByCaldavURL(ctx context.Context, q querier, url string) (*storage.Event, error) {
	row := q.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE caldav_url = ?`, url)
	e, err := scanEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func listEventsByCalendar(ctx context.Context, q querier, calendarID int64, from, to *time.Time) ([]*storage.Event, error) {
	query := `SELECT ` + eventCols + ` FROM events WHERE calendar_id = ?`
	args := []any{calendarID}
	if from != nil {
		query += ` AND end_ts >= ?`
		args = append(args, from.UnixMilli())
	}
	if to != nil {
		query += ` AND start_ts <= ?`
		args = append(args, to.UnixMilli())
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventRows(rows)
}

func listExceptions(ctx context.Context, q querier, masterID int64) ([]*storage.Event, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+eventCols+` FROM events WHERE original_event_id = ?`, masterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventRows(rows)
}

func scanEventRows(rows *sql.Rows) ([]*storage.Event, error) {
	var out []*storage.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func upsertEvent(ctx context.Context, q querier, e *storage.Event) (int64, error) {
	if e.ID != 0 {
		_, err := q.ExecContext(ctx, `
			UPDATE events SET uid=?, calendar_id=?, title=?, description=?, location=?, start_ts=?, end_ts=?, is_all_day=?, timezone=?,
				rrule=?, exdate=?, caldav_url=?, etag=?, dtstamp=?, sequence=?, status=?, class=?,
				reminders=?, extra_props=?, raw_ical=?, sync_status=?, original_event_id=?, original_instance_time=?
			WHERE id=?`,
			e.UID, e.CalendarID, e.Title, e.Description, e.Location, e.StartTs, e.EndTs, boolToInt(e.IsAllDay), e.Timezone,
			e.RRule, e.ExDate, e.CaldavURL, e.ETag, e.DTStamp, e.Sequence, e.Status, e.Class,
			e.Reminders, e.ExtraProps, e.RawIcal, e.SyncStatus, e.OriginalEventID, e.OriginalInstanceTime, e.ID)
		return e.ID, err
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO events (uid, calendar_id, title, description, location, start_ts, end_ts, is_all_day, timezone, rrule, exdate,
			caldav_url, etag, dtstamp, sequence, status, class, reminders, extra_props, raw_ical,
			sync_status, original_event_id, original_instance_time)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.UID, e.CalendarID, e.Title, e.Description, e.Location, e.StartTs, e.EndTs, boolToInt(e.IsAllDay), e.Timezone,
		e.RRule, e.ExDate, e.CaldavURL, e.ETag, e.DTStamp, e.Sequence, e.Status, e.Class,
		e.Reminders, e.ExtraProps, e.RawIcal, e.SyncStatus, e.OriginalEventID, e.OriginalInstanceTime)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func deleteEvent(ctx context.Context, q querier, id int64) error {
	_, err := q.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	return err
}

// deleteDuplicateMasterEvents keeps the newest master row per UID and
// drops older SYNCED ones; rows holding pending local writes are never
// candidates.
func deleteDuplicateMasterEvents(ctx context.Context, q querier, calendarID int64) (int64, error) {
	res, err := q.ExecContext(ctx, `
		DELETE FROM events
		WHERE calendar_id = ? AND original_event_id IS NULL AND sync_status = 'SYNCED'
			AND id NOT IN (
				SELECT MAX(id) FROM events
				WHERE calendar_id = ? AND original_event_id IS NULL
				GROUP BY uid)`,
		calendarID, calendarID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) GetEventByID(ctx context.Context, id int64) (*storage.Event, error) {
	return getEventByID(ctx, s.db, id)
}
func (s *Store) GetEventByUID(ctx context.Context, calendarID int64, uid string) (*storage.Event, error) {
	return getEventByUID(ctx, s.db, calendarID, uid)
}
func (s *Store) GetEventByCaldavURL(ctx context.Context, url string) (*storage.Event, error) {
	return getEventByCaldavURL(ctx, s.db, url)
}
func (s *Store) ListEventsByCalendar(ctx context.Context, calendarID int64, from, to *time.Time) ([]*storage.Event, error) {
	return listEventsByCalendar(ctx, s.db, calendarID, from, to)
}
func (s *Store) ListExceptions(ctx context.Context, masterID int64) ([]*storage.Event, error) {
	return listExceptions(ctx, s.db, masterID)
}
func (s *Store) UpsertEvent(ctx context.Context, e *storage.Event) (int64, error) {
	return upsertEvent(ctx, s.db, e)
}
func (s *Store) DeleteEvent(ctx context.Context, id int64) error {
	return deleteEvent(ctx, s.db, id)
}
func (s *Store) DeleteDuplicateMasterEvents(ctx context.Context, calendarID int64) (int64, error) {
	return deleteDuplicateMasterEvents(ctx, s.db, calendarID)
}
