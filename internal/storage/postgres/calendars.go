package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/KashCal/KashCal-sub000/internal/storage"
)

func (s *Store) CreateCalendar(ctx context.Context, c *storage.Calendar) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO calendars (account_id, caldav_url, display_name, color, ctag, sync_token, is_read_only, is_visible, is_default)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		c.AccountID, c.CaldavURL, c.DisplayName, c.Color, c.CTag, c.SyncToken, c.IsReadOnly, c.IsVisible, c.IsDefault).
		Scan(&id)
	return id, err
}

const calendarCols = `id, account_id, caldav_url, display_name, color, ctag, sync_token, is_read_only, is_visible, is_default, parse_retry_count`

func scanCalendar(c *storage.Calendar, scan func(dest ...any) error) error {
	return scan(&c.ID, &c.AccountID, &c.CaldavURL, &c.DisplayName, &c.Color, &c.CTag, &c.SyncToken,
		&c.IsReadOnly, &c.IsVisible, &c.IsDefault, &c.ParseRetryCount)
}

func (s *Store) GetCalendar(ctx context.Context, id int64) (*storage.Calendar, error) {
	c := &storage.Calendar{}
	row := s.pool.QueryRow(ctx, `SELECT `+calendarCols+` FROM calendars WHERE id = $1`, id)
	if err := scanCalendar(c, row.Scan); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

func (s *Store) ListCalendarsByAccount(ctx context.Context, accountID int64) ([]*storage.Calendar, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+calendarCols+` FROM calendars WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCalendarRows(rows)
}

func (s *Store) ListAllCalendars(ctx context.Context) ([]*storage.Calendar, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+calendarCols+` FROM calendars`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCalendarRows(rows)
}

func scanCalendarRows(rows pgx.Rows) ([]*storage.Calendar, error) {
	var out []*storage.Calendar
	for rows.Next() {
		c := &storage.Calendar{}
		if err := scanCalendar(c, rows.Scan); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCalendarParseRetry(ctx context.Context, calendarID int64, count int) error {
	_, err := s.pool.Exec(ctx, `UPDATE calendars SET parse_retry_count = $1 WHERE id = $2`, count, calendarID)
	return err
}

func (s *Store) UpdateCalendarSyncMeta(ctx context.Context, calendarID int64, ctag, syncToken string) error {
	_, err := s.pool.Exec(ctx, `UPDATE calendars SET ctag = $1, sync_token = $2 WHERE id = $3`, ctag, syncToken, calendarID)
	return err
}
