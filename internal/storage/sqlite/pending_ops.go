package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/KashCal/KashCal-sub000/internal/storage"
)

func scanOp(scan func(dest ...any) error) (*storage.PendingOperation, error) {
	op := &storage.PendingOperation{}
	var srcCal, tgtCal sql.NullInt64
	var nextRetry, created int64
	var poisoned int
	err := scan(&op.ID, &op.EventID, &op.Operation, &op.TargetURL, &srcCal, &tgtCal, &op.MovePhase,
		&op.RetryCount, &op.LastError, &nextRetry, &created, &poisoned)
	if err != nil {
		return nil, err
	}
	if srcCal.Valid {
		v := srcCal.Int64
		op.SourceCalendarID = &v
	}
	if tgtCal.Valid {
		v := tgtCal.Int64
		op.TargetCalendarID = &v
	}
	op.NextRetryAt = time.UnixMilli(nextRetry).UTC()
	op.CreatedAt = time.UnixMilli(created).UTC()
	op.Poisoned = poisoned != 0
	return op, nil
}

func enqueueOperation(ctx context.Context, q querier, op *storage.PendingOperation) (int64, error) {
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO pending_operations (event_id, operation, target_url, source_calendar_id, target_calendar_id,
			move_phase, retry_count, last_error, next_retry_at, created_at, poisoned)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		op.EventID, op.Operation, op.TargetURL, op.SourceCalendarID, op.TargetCalendarID, op.MovePhase,
		op.RetryCount, op.LastError, op.NextRetryAt.UnixMilli(), op.CreatedAt.UnixMilli(), boolToInt(op.Poisoned))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// listPendingForCalendar fetches ops in nextRetryAt, then createdAt order,
// filtered to one effective calendar: a MOVE belongs to its source calendar
// in the delete phase and its target calendar in the create phase, anything
// else to the owning event's calendar unless a sourceCalendarId pins it.
func listPendingForCalendar(ctx context.Context, q querier, effectiveCalendarID int64) ([]*storage.PendingOperation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT po.id, po.event_id, po.operation, po.target_url, po.source_calendar_id, po.target_calendar_id,
			po.move_phase, po.retry_count, po.last_error, po.next_retry_at, po.created_at, po.poisoned
		FROM pending_operations po
		JOIN events e ON e.id = po.event_id
		WHERE
			(po.operation = 'MOVE' AND po.move_phase = 'DELETE' AND COALESCE(po.source_calendar_id, e.calendar_id) = ?)
			OR (po.operation = 'MOVE' AND po.move_phase = 'CREATE' AND COALESCE(po.target_calendar_id, e.calendar_id) = ?)
			OR (po.operation != 'MOVE' AND COALESCE(po.source_calendar_id, e.calendar_id) = ?)
		ORDER BY po.next_retry_at ASC, po.created_at ASC`,
		effectiveCalendarID, effectiveCalendarID, effectiveCalendarID)
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

func getPendingOperationByEvent(ctx context.Context, q querier, eventID int64) (*storage.PendingOperation, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, event_id, operation, target_url, source_calendar_id, target_calendar_id,
			move_phase, retry_count, last_error, next_retry_at, created_at, poisoned
		FROM pending_operations WHERE event_id = ? AND operation != 'MOVE'`, eventID)
	op, err := scanOp(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return op, err
}

func updateOperation(ctx context.Context, q querier, op *storage.PendingOperation) error {
	_, err := q.ExecContext(ctx, `
		UPDATE pending_operations SET operation=?, target_url=?, source_calendar_id=?, target_calendar_id=?,
			move_phase=?, retry_count=?, last_error=?, next_retry_at=?, poisoned=?
		WHERE id=?`,
		op.Operation, op.TargetURL, op.SourceCalendarID, op.TargetCalendarID, op.MovePhase,
		op.RetryCount, op.LastError, op.NextRetryAt.UnixMilli(), boolToInt(op.Poisoned), op.ID)
	return err
}

func deleteOperation(ctx context.Context, q querier, id int64) error {
	_, err := q.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	return err
}

func (s *Store) EnqueueOperation(ctx context.Context, op *storage.PendingOperation) (int64, error) {
	return enqueueOperation(ctx, s.db, op)
}
func (s *Store) ListPendingForCalendar(ctx context.Context, effectiveCalendarID int64) ([]*storage.PendingOperation, error) {
	return listPendingForCalendar(ctx, s.db, effectiveCalendarID)
}
func (s *Store) GetPendingOperationByEvent(ctx context.Context, eventID int64) (*storage.PendingOperation, error) {
	return getPendingOperationByEvent(ctx, s.db, eventID)
}
func (s *Store) UpdateOperation(ctx context.Context, op *storage.PendingOperation) error {
	return updateOperation(ctx, s.db, op)
}
func (s *Store) DeleteOperation(ctx context.Context, id int64) error {
	return deleteOperation(ctx, s.db, id)
}

func (s *Store) ListPendingSummaryByCalendar(ctx context.Context, calendarID int64) (int, int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(CASE WHEN poisoned != 0 THEN 1 ELSE 0 END)
		FROM pending_operations po JOIN events e ON e.id = po.event_id
		WHERE e.calendar_id = ?`, calendarID)
	var count int
	var poisoned sql.NullInt64
	if err := row.Scan(&count, &poisoned); err != nil {
		return 0, 0, err
	}
	return count, int(poisoned.Int64), nil
}

// txHandle implements storage.Tx against an open *sql.Tx, so EventWriter
// and pull/push can group several statements into one transaction via
// Store.WithTx.
type txHandle struct {
	tx *sql.Tx
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
func (h *txHandle) EnqueueOperation(ctx context.Context, op *storage.PendingOperation) (int64, error) {
	return enqueueOperation(ctx, h.tx, op)
}
func (h *txHandle) ListPendingForCalendar(ctx context.Context, effectiveCalendarID int64) ([]*storage.PendingOperation, error) {
	return listPendingForCalendar(ctx, h.tx, effectiveCalendarID)
}
func (h *txHandle) GetPendingOperationByEvent(ctx context.Context, eventID int64) (*storage.PendingOperation, error) {
	return getPendingOperationByEvent(ctx, h.tx, eventID)
}
func (h *txHandle) UpdateOperation(ctx context.Context, op *storage.PendingOperation) error {
	return updateOperation(ctx, h.tx, op)
}
func (h *txHandle) DeleteOperation(ctx context.Context, id int64) error {
	return deleteOperation(ctx, h.tx, id)
}
