package sqlite

import (
	"context"

	"github.com/KashCal/KashCal-sub000/internal/storage"
)

func (s *Store) CreateSession(ctx context.Context, sess *storage.SyncSession) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_sessions (calendar_id, started_at, status)
		VALUES (?, ?, ?)`,
		sess.CalendarID, sess.StartedAt.UnixMilli(), storage.SessionSuccess)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) FinishSession(ctx context.Context, sess *storage.SyncSession) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_sessions SET finished_at=?, added=?, updated=?, deleted=?,
			skipped_parse_error=?, skipped_constraint_error=?, status=?
		WHERE id=?`,
		sess.FinishedAt.UnixMilli(), sess.Added, sess.Updated, sess.Deleted,
		sess.SkippedParseError, sess.SkippedConstraintError, sess.Status, sess.ID)
	return err
}
