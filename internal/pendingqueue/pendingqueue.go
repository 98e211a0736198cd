// Package pendingqueue is the durable log of intended remote mutations.
// Rows are appended by EventWriter, conflated when a newer local edit
// subsumes an older intent, drained by PushStrategy in retry order, and
// poisoned (kept but skipped) after too many failures so the user can act.
package pendingqueue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/KashCal/KashCal-sub000/internal/storage"
)

const (
	backoffBase = 30 * time.Second
	backoffCap  = time.Hour
)

type Queue struct {
	store      storage.Store
	logger     zerolog.Logger
	maxRetries int

	mu  sync.Mutex
	rng *rand.Rand
}

func New(store storage.Store, maxRetries int, logger zerolog.Logger) *Queue {
	return &Queue{
		store:      store,
		logger:     logger,
		maxRetries: maxRetries,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Backoff returns the delay before retry number retryCount: exponential
// with full jitter, so a burst of failures against one server spreads out
// instead of re-arriving in lockstep.
func (q *Queue) Backoff(retryCount int) time.Duration {
	ceiling := backoffBase << uint(retryCount)
	if ceiling > backoffCap || ceiling <= 0 {
		ceiling = backoffCap
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return time.Duration(q.rng.Int63n(int64(ceiling) + 1))
}

// Enqueue records a new intent for an event, conflating against any
// non-MOVE op already pending for it:
//
//	CREATE + UPDATE -> CREATE   (push serializes the current row anyway)
//	UPDATE + UPDATE -> UPDATE   (latest body wins at push time)
//	CREATE + DELETE -> nothing  (the server never saw the event)
//	UPDATE + DELETE -> DELETE
//
// MOVE ops never conflate in either direction. The returned op is the one
// left pending after conflation; nil means the intents cancelled out.
func (q *Queue) Enqueue(ctx context.Context, tx storage.Tx, op *storage.PendingOperation) (*storage.PendingOperation, error) {
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	if op.NextRetryAt.IsZero() {
		op.NextRetryAt = op.CreatedAt
	}

	if op.Operation == storage.OpMove {
		id, err := tx.EnqueueOperation(ctx, op)
		if err != nil {
			return nil, err
		}
		op.ID = id
		return op, nil
	}

	existing, err := tx.GetPendingOperationByEvent(ctx, op.EventID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		id, err := tx.EnqueueOperation(ctx, op)
		if err != nil {
			return nil, err
		}
		op.ID = id
		return op, nil
	}

	switch {
	case existing.Operation == storage.OpCreate && op.Operation == storage.OpUpdate:
		return existing, nil
	case existing.Operation == storage.OpUpdate && op.Operation == storage.OpUpdate:
		return existing, nil
	case existing.Operation == storage.OpCreate && op.Operation == storage.OpDelete:
		if err := tx.DeleteOperation(ctx, existing.ID); err != nil {
			return nil, err
		}
		return nil, nil
	case existing.Operation == storage.OpUpdate && op.Operation == storage.OpDelete:
		existing.Operation = storage.OpDelete
		existing.TargetURL = op.TargetURL
		existing.SourceCalendarID = op.SourceCalendarID
		if err := tx.UpdateOperation(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	default:
		// an existing DELETE absorbs any follow-up intent
		return existing, nil
	}
}

// Due returns the operations ready to execute for one calendar's push
// cycle, in nextRetryAt/createdAt order, excluding poisoned ops and ops
// still inside their backoff window.
func (q *Queue) Due(ctx context.Context, effectiveCalendarID int64, now time.Time) ([]*storage.PendingOperation, error) {
	all, err := q.store.ListPendingForCalendar(ctx, effectiveCalendarID)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.PendingOperation, 0, len(all))
	for _, op := range all {
		if op.Poisoned || op.RetryCount >= q.maxRetries {
			continue
		}
		if op.NextRetryAt.After(now) {
			continue
		}
		out = append(out, op)
	}
	return out, nil
}

// RecordFailure bumps the retry metadata after a transient failure and
// poisons the op once it exhausts its retries.
func (q *Queue) RecordFailure(ctx context.Context, op *storage.PendingOperation, cause error) error {
	op.RetryCount++
	op.LastError = cause.Error()
	op.NextRetryAt = time.Now().UTC().Add(q.Backoff(op.RetryCount))
	if op.RetryCount >= q.maxRetries {
		op.Poisoned = true
		q.logger.Warn().
			Int64("op", op.ID).
			Int64("event", op.EventID).
			Str("operation", string(op.Operation)).
			Str("last_error", op.LastError).
			Msg("pending operation poisoned after retry cap")
	}
	return q.store.UpdateOperation(ctx, op)
}

// RecordConflict tags an op as blocked on a server-side conflict without
// burning a retry; the next pull is expected to reconcile, after which the
// op runs again.
func (q *Queue) RecordConflict(ctx context.Context, op *storage.PendingOperation) error {
	op.LastError = "conflict: server resource changed, awaiting pull"
	op.NextRetryAt = time.Now().UTC().Add(backoffBase)
	return q.store.UpdateOperation(ctx, op)
}

// RecordSuccess removes a completed op from the queue.
func (q *Queue) RecordSuccess(ctx context.Context, op *storage.PendingOperation) error {
	return q.store.DeleteOperation(ctx, op.ID)
}

// AdvanceMovePhase flips a two-phase MOVE from its DELETE phase to its
// CREATE phase with fresh retry state; the op then belongs to the target
// calendar's push cycle.
func (q *Queue) AdvanceMovePhase(ctx context.Context, op *storage.PendingOperation) error {
	op.MovePhase = storage.MovePhaseCreate
	op.RetryCount = 0
	op.LastError = ""
	op.NextRetryAt = time.Now().UTC()
	return q.store.UpdateOperation(ctx, op)
}
