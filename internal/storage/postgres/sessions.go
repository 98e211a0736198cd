package postgres

import (
	"context"

	"github.com/KashCal/KashCal-sub000/internal/storage"
)

func (s *Store) CreateSession(ctx context.Context, sess *storage.SyncSession) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sync_sessions (calendar_id, started_at, status)
		VALUES ($1, $2, $3) RETURNING id`,
		sess.CalendarID, sess.StartedAt.UnixMilli(), storage.SessionSuccess).Scan(&id)
	return id, err
}

func (s *Store) FinishSession(ctx context.Context, sess *storage.SyncSession) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_sessions SET finished_at=$1, added=$2, updated=$3, deleted=$4,
			skipped_parse_error=$5, skipped_constraint_error=$6, status=$7
		WHERE id=$8`,
		sess.FinishedAt.UnixMilli(), sess.Added, sess.Updated, sess.Deleted,
		sess.SkippedParseError, sess.SkippedConstraintError, sess.Status, sess.ID)
	return err
}
