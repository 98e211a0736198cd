package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/KashCal/KashCal-sub000/internal/storage"
)

func scanOp(scan func(dest ...any) error) (*storage.PendingOperation, error) {
	op := &storage.PendingOperation{}
	var nextRetry, created int64
	err := scan(&op.ID, &op.EventID, &op.Operation, &op.TargetURL, &op.SourceCalendarID, &op.TargetCalendarID,
		&op.MovePhase, &op.RetryCount, &op.LastError, &nextRetry, &created, &op.Poisoned)
	if err != nil {
		return nil, err
	}
	op.NextRetryAt = time.UnixMilli(nextRetry).UTC()
	op.CreatedAt = time.UnixMilli(created).UTC()
	return op, nil
}

func enqueueOperation(ctx context.Context, q pgQuerier, op *storage.PendingOperation) (int64, error) {
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO pending_operations (event_id, operation, target_url, source_calendar_id, target_calendar_id,
			move_phase, retry_count, last_error, next_retry_at, created_at, poisoned)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		op.EventID, op.Operation, op.TargetURL, op.SourceCalendarID, op.TargetCalendarID, op.MovePhase,
		op.RetryCount, op.LastError, op.NextRetryAt.UnixMilli(), op.CreatedAt.UnixMilli(), op.Poisoned).Scan(&id)
	return id, err
}

// listPendingForCalendar mirrors the sqlite backend's effectiveCalendarId
// filter: non-MOVE ops route by their source calendar, MOVE ops route by
// source on the DELETE phase and target on the CREATE phase.
func listPendingForCalendar(ctx context.Context, q pgQuerier, effectiveCalendarID int64) ([]*storage.PendingOperation, error) {
	rows, err := q.Query(ctx, `
		SELECT po.id, po.event_id, po.operation, po.target_url, po.source_calendar_id, po.target_calendar_id,
			po.move_phase, po.retry_count, po.last_error, po.next_retry_at, po.created_at, po.poisoned
		FROM pending_operations po
		JOIN events e ON e.id = po.event_id
		WHERE
			(po.operation = 'MOVE' AND po.move_phase = 'DELETE' AND COALESCE(po.source_calendar_id, e.calendar_id) = $1)
			OR (po.operation = 'MOVE' AND po.move_phase = 'CREATE' AND COALESCE(po.target_calendar_id, e.calendar_id) = $1)
			OR (po.operation != 'MOVE' AND COALESCE(po.source_calendar_id, e.calendar_id) = $1)
		ORDER BY po.next_retry_at ASC, po.created_at ASC`,
		effectiveCalendarID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.PendingOperation
	for rows.Next() {
		op, err := scanOp(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func getPendingOperationByEvent(ctx context.Context, q pgQuerier, eventID int64) (*storage.PendingOperation, error) {
	row := q.QueryRow(ctx, `
		SELECT id, event_id, operation, target_url, source_calendar_id, target_calendar_id,
			move_phase, retry_count, last_error, next_retry_at, created_at, poisoned
		FROM pending_operations WHERE event_id = $1 AND operation != 'MOVE'`, eventID)
	op, err := scanOp(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return op, err
}

func updateOperation(ctx context.Context, q pgQuerier, op *storage.PendingOperation) error {
	_, err := q.Exec(ctx, `
		UPDATE pending_operations SET operation=$1, target_url=$2, source_calendar_id=$3, target_calendar_id=$4,
			move_phase=$5, retry_count=$6, last_error=$7, next_retry_at=$8, poisoned=$9
		WHERE id=$10`,
		op.Operation, op.TargetURL, op.SourceCalendarID, op.TargetCalendarID, op.MovePhase,
		op.RetryCount, op.LastError, op.NextRetryAt.UnixMilli(), op.Poisoned, op.ID)
	return err
}

func deleteOperation(ctx context.Context, q pgQuerier, id int64) error {
	_, err := q.Exec(ctx, `DELETE FROM pending_operations WHERE id = $1`, id)
	return err
}

func (s *Store) EnqueueOperation(ctx context.Context, op *storage.PendingOperation) (int64, error) {
	return enqueueOperation(ctx, s.pool, op)
}
func (s *Store) ListPendingForCalendar(ctx context.Context, effectiveCalendarID int64) ([]*storage.PendingOperation, error) {
	return listPendingForCalendar(ctx, s.pool, effectiveCalendarID)
}
func (s *Store) GetPendingOperationByEvent(ctx context.Context, eventID int64) (*storage.PendingOperation, error) {
	return getPendingOperationByEvent(ctx, s.pool, eventID)
}
func (s *Store) UpdateOperation(ctx context.Context, op *storage.PendingOperation) error {
	return updateOperation(ctx, s.pool, op)
}
func (s *Store) DeleteOperation(ctx context.Context, id int64) error {
	return deleteOperation(ctx, s.pool, id)
}

func (s *Store) ListPendingSummaryByCalendar(ctx context.Context, calendarID int64) (int, int, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN po.poisoned THEN 1 ELSE 0 END), 0)
		FROM pending_operations po JOIN events e ON e.id = po.event_id
		WHERE e.calendar_id = $1`, calendarID)
	var count, poisoned int
	if err := row.Scan(&count, &poisoned); err != nil {
		return 0, 0, err
	}
	return count, poisoned, nil
}

// txHandle implements storage.Tx against an open pgx.Tx, so EventWriter and
// pull/push can group several statements into one transaction via
// Store.WithTx.
type txHandle struct {
	tx pgx.Tx
}

func (h *txHandle) GetEventByID(ctx context.Context, id int64) (*storage.Event, error) {
	return getEventByID(ctx, h.tx, id)
}
func (h *txHandle) GetEventByUID(ctx context.Context, calendarID int64, uid string) (*storage.Event, error) {
	return getEventByUID(ctx, h.tx, calendarID, uid)
}
func (h *txHandle) GetEventByCaldavURL(ctx context.Context, url string) (*storage.Event, error) {
	return getEventByCaldavURL(ctx, h.tx, url)
}
func (h *txHandle) ListEventsByCalendar(ctx context.Context, calendarID int64, from, to *time.Time) ([]*storage.Event, error) {
	return listEventsByCalendar(ctx, h.tx, calendarID, from, to)
}
func (h *txHandle) ListExceptions(ctx context.Context, masterID int64) ([]*storage.Event, error) {
	return listExceptions(ctx, h.tx, masterID)
}
func (h *txHandle) UpsertEvent(ctx context.Context, e *storage.Event) (int64, error) {
	return upsertEvent(ctx, h.tx, e)
}
func (h *txHandle) DeleteEvent(ctx context.Context, id int64) error {
	return deleteEvent(ctx, h.tx, id)
}
func (h *txHandle) DeleteDuplicateMasterEvents(ctx context.Context, calendarID int64) (int64, error) {
	return deleteDuplicateMasterEvents(ctx, h.tx, calendarID)
}
func (h *txHandle) GetPendingOperationByEvent(ctx context.Context, eventID int64) (*storage.PendingOperation, error) {
	return getPendingOperationByEvent(ctx, h.tx, eventID)
}
func (h *txHandle) EnqueueOperation(ctx context.Context, op *storage.PendingOperation) (int64, error) {
	return enqueueOperation(ctx, h.tx, op)
}
func (h *txHandle) ListPendingForCalendar(ctx context.Context, effectiveCalendarID int64) ([]*storage.PendingOperation, error) {
	return listPendingForCalendar(ctx, h.tx, effectiveCalendarID)
}
func (h *txHandle) UpdateOperation(ctx context.Context, op *storage.PendingOperation) error {
	return updateOperation(ctx, h.tx, op)
}
func (h *txHandle) DeleteOperation(ctx context.Context, id int64) error {
	return deleteOperation(ctx, h.tx, id)
}
