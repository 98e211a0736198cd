package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/KashCal/KashCal-sub000/internal/storage"
)

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, letting event and
// pending-operation statements run either standalone or inside WithTx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const eventCols = `id, uid, calendar_id, title, description, location, start_ts, end_ts, is_all_day, timezone, rrule, exdate,
	caldav_url, etag, dtstamp, sequence, status, class, reminders, extra_props, raw_ical,
	sync_status, original_event_id, original_instance_time`

func scanEvent(scan func(dest ...any) error) (*storage.Event, error) {
	e := &storage.Event{}
	err := scan(&e.ID, &e.UID, &e.CalendarID, &e.Title, &e.Description, &e.Location, &e.StartTs, &e.EndTs, &e.IsAllDay, &e.Timezone,
		&e.RRule, &e.ExDate, &e.CaldavURL, &e.ETag, &e.DTStamp, &e.Sequence, &e.Status, &e.Class,
		&e.Reminders, &e.ExtraProps, &e.RawIcal, &e.SyncStatus, &e.OriginalEventID, &e.OriginalInstanceTime)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func getEventByID(ctx context.Context, q pgQuerier, id int64) (*storage.Event, error) {
	row := q.QueryRow(ctx, `SELECT `+eventCols+` FROM events WHERE id = $1`, id)
	e, err := scanEvent(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func getEventByUID(ctx context.Context, q pgQuerier, calendarID int64, uid string) (*storage.Event, error) {
	row := q.QueryRow(ctx, `SELECT `+eventCols+` FROM events WHERE calendar_id = $1 AND uid = $2 AND original_event_id IS NULL`, calendarID, uid)
	e, err := scanEvent(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func getEventByCaldavURL(ctx context.Context, q pgQuerier, url string) (*storage.Event, error) {
	row := q.QueryRow(ctx, `SELECT `+eventCols+` FROM events WHERE caldav_url = $1`, url)
	e, err := scanEvent(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func listEventsByCalendar(ctx context.Context, q pgQuerier, calendarID int64, from, to *time.Time) ([]*storage.Event, error) {
	query := `SELECT ` + eventCols + ` FROM events WHERE calendar_id = $1`
	args := []any{calendarID}
	n := 2
	if from != nil {
		query += fmt.Sprintf(" AND end_ts >= $%d", n)
		args = append(args, from.UnixMilli())
		n++
	}
	if to != nil {
		query += fmt.Sprintf(" AND start_ts <= $%d", n)
		args = append(args, to.UnixMilli())
		n++
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventRows(rows)
}

func listExceptions(ctx context.Context, q pgQuerier, masterID int64) ([]*storage.Event, error) {
	rows, err := q.Query(ctx, `SELECT `+eventCols+` FROM events WHERE original_event_id = $1`, masterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventRows(rows)
}

func scanEventRows(rows pgx.Rows) ([]*storage.Event, error) {
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

func upsertEvent(ctx context.Context, q pgQuerier, e *storage.Event) (int64, error) {
	if e.ID != 0 {
		_, err := q.Exec(ctx, `
			UPDATE events SET uid=$1, calendar_id=$2, title=$3, description=$4, location=$5, start_ts=$6, end_ts=$7, is_all_day=$8, timezone=$9,
				rrule=$10, exdate=$11, caldav_url=$12, etag=$13, dtstamp=$14, sequence=$15, status=$16, class=$17,
				reminders=$18, extra_props=$19, raw_ical=$20, sync_status=$21, original_event_id=$22, original_instance_time=$23
			WHERE id=$24`,
			e.UID, e.CalendarID, e.Title, e.Description, e.Location, e.StartTs, e.EndTs, e.IsAllDay, e.Timezone,
			e.RRule, e.ExDate, e.CaldavURL, e.ETag, e.DTStamp, e.Sequence, e.Status, e.Class,
			e.Reminders, e.ExtraProps, e.RawIcal, e.SyncStatus, e.OriginalEventID, e.OriginalInstanceTime, e.ID)
		return e.ID, err
	}

	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO events (uid, calendar_id, title, description, location, start_ts, end_ts, is_all_day, timezone, rrule, exdate,
			caldav_url, etag, dtstamp, sequence, status, class, reminders, extra_props, raw_ical,
			sync_status, original_event_id, original_instance_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		RETURNING id`,
		e.UID, e.CalendarID, e.Title, e.Description, e.Location, e.StartTs, e.EndTs, e.IsAllDay, e.Timezone,
		e.RRule, e.ExDate, e.CaldavURL, e.ETag, e.DTStamp, e.Sequence, e.Status, e.Class,
		e.Reminders, e.ExtraProps, e.RawIcal, e.SyncStatus, e.OriginalEventID, e.OriginalInstanceTime).Scan(&id)
	return id, err
}

func deleteEvent(ctx context.Context, q pgQuerier, id int64) error {
	_, err := q.Exec(ctx, `DELETE FROM events WHERE id = $1`, id)
	return err
}

// deleteDuplicateMasterEvents keeps the newest master row per UID and
// drops older SYNCED ones; rows holding pending local writes are never
// candidates.
func deleteDuplicateMasterEvents(ctx context.Context, q pgQuerier, calendarID int64) (int64, error) {
	tag, err := q.Exec(ctx, `
		DELETE FROM events
		WHERE calendar_id = $1 AND original_event_id IS NULL AND sync_status = 'SYNCED'
			AND id NOT IN (
				SELECT MAX(id) FROM events
				WHERE calendar_id = $1 AND original_event_id IS NULL
				GROUP BY uid)`,
		calendarID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) GetEventByID(ctx context.Context, id int64) (*storage.Event, error) {
	return getEventByID(ctx, s.pool, id)
}
func (s *Store) GetEventByUID(ctx context.Context, calendarID int64, uid string) (*storage.Event, error) {
	return getEventByUID(ctx, s.pool, calendarID, uid)
}
func (s *Store) GetEventByCaldavURL(ctx context.Context, url string) (*storage.Event, error) {
	return getEventByCaldavURL(ctx, s.pool, url)
}
func (s *Store) ListEventsByCalendar(ctx context.Context, calendarID int64, from, to *time.Time) ([]*storage.Event, error) {
	return listEventsByCalendar(ctx, s.pool, calendarID, from, to)
}
func (s *Store) ListExceptions(ctx context.Context, masterID int64) ([]*storage.Event, error) {
	return listExceptions(ctx, s.pool, masterID)
}
func (s *Store) UpsertEvent(ctx context.Context, e *storage.Event) (int64, error) {
	return upsertEvent(ctx, s.pool, e)
}
func (s *Store) DeleteEvent(ctx context.Context, id int64) error {
	return deleteEvent(ctx, s.pool, id)
}
func (s *Store) DeleteDuplicateMasterEvents(ctx context.Context, calendarID int64) (int64, error) {
	return deleteDuplicateMasterEvents(ctx, s.pool, calendarID)
}
