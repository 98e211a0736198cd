package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/KashCal/KashCal-sub000/internal/storage"
)

func (s *Store) CreateCalendar(ctx context.Context, c *storage.Calendar) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO calendars (account_id, caldav_url, display_name, color, ctag, sync_token, is_read_only, is_visible, is_default)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.AccountID, c.CaldavURL, c.DisplayName, c.Color, c.CTag, c.SyncToken,
		boolToInt(c.IsReadOnly), boolToInt(c.IsVisible), boolToInt(c.IsDefault))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanCalendar(row *sql.Row) (*storage.Calendar, error) {
	c := &storage.Calendar{}
	var ro, vis, def int
	if err := row.Scan(&c.ID, &c.AccountID, &c.CaldavURL, &c.DisplayName, &c.Color, &c.CTag, &c.SyncToken, &ro, &vis, &def, &c.ParseRetryCount); err != nil {
		return nil, err
	}
	c.IsReadOnly, c.IsVisible, c.IsDefault = ro != 0, vis != 0, def != 0
	return c, nil
}

func (s *Store) GetCalendar(ctx context.Context, id int64) (*storage.Calendar, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, caldav_url, display_name, color, ctag, sync_token, is_read_only, is_visible, is_default, parse_retry_count
		FROM calendars WHERE id = ?`, id)
	c, err := scanCalendar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *Store) ListCalendarsByAccount(ctx context.Context, accountID int64) ([]*storage.Calendar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, caldav_url, display_name, color, ctag, sync_token, is_read_only, is_visible, is_default, parse_retry_count
		FROM calendars WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCalendarRows(rows)
}

func (s *Store) ListAllCalendars(ctx context.Context) ([]*storage.Calendar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, caldav_url, display_name, color, ctag, sync_token, is_read_only, is_visible, is_default, parse_retry_count
		FROM calendars`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCalendarRows(rows)
}

func scanCalendarRows(rows *sql.Rows) ([]*storage.Calendar, error) {
	var out []*storage.Calendar
	for rows.Next() {
		c := &storage.Calendar{}
		var ro, vis, def int
		if err := rows.Scan(&c.ID, &c.AccountID, &c.CaldavURL, &c.DisplayName, &c.Color, &c.CTag, &c.SyncToken, &ro, &vis, &def, &c.ParseRetryCount); err != nil {
			return nil, err
		}
		c.IsReadOnly, c.IsVisible, c.IsDefault = ro != 0, vis != 0, def != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCalendarParseRetry(ctx context.Context, calendarID int64, count int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE calendars SET parse_retry_count = ? WHERE id = ?`, count, calendarID)
	return err
}

func (s *Store) UpdateCalendarSyncMeta(ctx context.Context, calendarID int64, ctag, syncToken string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE calendars SET ctag = ?, sync_token = ? WHERE id = ?`, ctag, syncToken, calendarID)
	return err
}
