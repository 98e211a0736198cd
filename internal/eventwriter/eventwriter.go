// Package eventwriter is the single entry point for local mutations: every
// create/update/delete/move writes the event rows and enqueues the matching
// remote intent inside one transaction, so the queue and the rows can never
// disagree about what the server still has to be told.
package eventwriter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/KashCal/KashCal-sub000/internal/config"
	"github.com/KashCal/KashCal-sub000/internal/occurrence"
	"github.com/KashCal/KashCal-sub000/internal/pendingqueue"
	"github.com/KashCal/KashCal-sub000/internal/storage"
)

var (
	ErrReadOnlyCalendar = errors.New("eventwriter: calendar is read-only")
	ErrExceptionMove    = errors.New("eventwriter: exception events cannot be moved individually")
	ErrNotFound         = errors.New("eventwriter: event not found")
)

type Writer struct {
	store  storage.Store
	queue  *pendingqueue.Queue
	occ    occurrence.Generator
	cfg    config.SyncConfig
	logger zerolog.Logger
	now    func() time.Time
}

func New(store storage.Store, queue *pendingqueue.Queue, occ occurrence.Generator, cfg config.SyncConfig, logger zerolog.Logger) *Writer {
	return &Writer{store: store, queue: queue, occ: occ, cfg: cfg, logger: logger, now: time.Now}
}

func (w *Writer) calendarWithProvider(ctx context.Context, calendarID int64) (*storage.Calendar, storage.Provider, error) {
	cal, err := w.store.GetCalendar(ctx, calendarID)
	if err != nil {
		return nil, "", err
	}
	if cal == nil {
		return nil, "", fmt.Errorf("eventwriter: calendar %d not found", calendarID)
	}
	acc, err := w.store.GetAccount(ctx, cal.AccountID)
	if err != nil {
		return nil, "", err
	}
	if acc == nil {
		return nil, "", fmt.Errorf("eventwriter: account %d not found", cal.AccountID)
	}
	return cal, acc.Provider, nil
}

// CreateEvent inserts a new master event. For synced calendars the row
// starts PENDING_CREATE with a CREATE op queued in the same transaction.
func (w *Writer) CreateEvent(ctx context.Context, e *storage.Event) (int64, error) {
	cal, provider, err := w.calendarWithProvider(ctx, e.CalendarID)
	if err != nil {
		return 0, err
	}
	if cal.IsReadOnly {
		return 0, ErrReadOnlyCalendar
	}

	if e.UID == "" {
		e.UID = uuid.NewString()
	}
	if e.DTStamp == 0 {
		e.DTStamp = w.now().UTC().UnixMilli()
	}

	if provider == storage.ProviderLocal {
		e.SyncStatus = storage.StatusSynced
		id, err := w.store.UpsertEvent(ctx, e)
		if err != nil {
			return 0, err
		}
		e.ID = id
		w.materialize(e)
		return id, nil
	}

	e.SyncStatus = storage.StatusPendingCreate
	var id int64
	err = w.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		id, err = tx.UpsertEvent(ctx, e)
		if err != nil {
			return err
		}
		e.ID = id
		_, err = w.queue.Enqueue(ctx, tx, &storage.PendingOperation{
			EventID:          id,
			Operation:        storage.OpCreate,
			SourceCalendarID: &e.CalendarID,
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	w.materialize(e)
	return id, nil
}

// UpdateEvent applies field edits to an existing event. The rawIcal blob is
// dropped when the recurrence shape changed and the feature switch says so:
// the preserved VALARM/exception sub-components would no longer line up
// with the restructured recurrence set.
func (w *Writer) UpdateEvent(ctx context.Context, e *storage.Event) error {
	existing, err := w.store.GetEventByID(ctx, e.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrNotFound
	}
	cal, provider, err := w.calendarWithProvider(ctx, existing.CalendarID)
	if err != nil {
		return err
	}
	if cal.IsReadOnly {
		return ErrReadOnlyCalendar
	}

	if w.cfg.ClearRawIcalOnRRuleChange && existing.RRule != e.RRule {
		e.RawIcal = ""
	} else if e.RawIcal == "" {
		e.RawIcal = existing.RawIcal
	}
	e.CalendarID = existing.CalendarID
	e.CaldavURL = existing.CaldavURL
	e.ETag = existing.ETag

	switch {
	case provider == storage.ProviderLocal:
		e.SyncStatus = storage.StatusSynced
	case existing.SyncStatus == storage.StatusPendingCreate:
		e.SyncStatus = storage.StatusPendingCreate
	default:
		e.SyncStatus = storage.StatusPendingUpdate
	}

	err = w.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.UpsertEvent(ctx, e); err != nil {
			return err
		}
		if provider == storage.ProviderLocal {
			return nil
		}
		_, err := w.queue.Enqueue(ctx, tx, &storage.PendingOperation{
			EventID:          e.ID,
			Operation:        storage.OpUpdate,
			SourceCalendarID: &e.CalendarID,
		})
		return err
	})
	if err != nil {
		return err
	}
	w.materialize(e)
	return nil
}

// DeleteEvent removes an event locally and queues the remote delete. The
// target URL is captured before any row mutation so the intent survives a
// later move or UID rewrite.
func (w *Writer) DeleteEvent(ctx context.Context, eventID int64) error {
	event, err := w.store.GetEventByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event == nil {
		return ErrNotFound
	}
	cal, provider, err := w.calendarWithProvider(ctx, event.CalendarID)
	if err != nil {
		return err
	}
	if cal.IsReadOnly {
		return ErrReadOnlyCalendar
	}

	if provider == storage.ProviderLocal {
		return w.store.WithTx(ctx, func(tx storage.Tx) error {
			return tx.DeleteEvent(ctx, event.ID)
		})
	}

	return w.store.WithTx(ctx, func(tx storage.Tx) error {
		remaining, err := w.queue.Enqueue(ctx, tx, &storage.PendingOperation{
			EventID:          event.ID,
			Operation:        storage.OpDelete,
			TargetURL:        event.CaldavURL,
			SourceCalendarID: &event.CalendarID,
		})
		if err != nil {
			return err
		}
		if remaining == nil {
			// CREATE+DELETE cancelled out: the server never saw this row
			return tx.DeleteEvent(ctx, event.ID)
		}
		event.SyncStatus = storage.StatusPendingDelete
		_, err = tx.UpsertEvent(ctx, event)
		return err
	})
}

// MoveEventToCalendar implements the move classification table. The
// pending op capturing the old URL is always enqueued before the row is
// repointed; otherwise the DELETE phase would have nothing to aim at.
func (w *Writer) MoveEventToCalendar(ctx context.Context, eventID, targetCalendarID int64) error {
	event, err := w.store.GetEventByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event == nil {
		return ErrNotFound
	}
	if event.IsException() {
		return ErrExceptionMove
	}
	if event.CalendarID == targetCalendarID {
		return nil
	}

	sourceCal, sourceProvider, err := w.calendarWithProvider(ctx, event.CalendarID)
	if err != nil {
		return err
	}
	targetCal, targetProvider, err := w.calendarWithProvider(ctx, targetCalendarID)
	if err != nil {
		return err
	}
	if sourceCal.IsReadOnly || targetCal.IsReadOnly {
		return ErrReadOnlyCalendar
	}

	sourceID := sourceCal.ID
	oldURL := event.CaldavURL

	return w.store.WithTx(ctx, func(tx storage.Tx) error {
		switch {
		case sourceProvider == storage.ProviderLocal && targetProvider == storage.ProviderLocal:
			// nothing to tell any server

		case sourceProvider == storage.ProviderLocal:
			event.SyncStatus = storage.StatusPendingCreate
			if _, err := w.queue.Enqueue(ctx, tx, &storage.PendingOperation{
				EventID:          event.ID,
				Operation:        storage.OpCreate,
				SourceCalendarID: &targetCalendarID,
			}); err != nil {
				return err
			}

		case targetProvider == storage.ProviderLocal:
			if _, err := w.queue.Enqueue(ctx, tx, &storage.PendingOperation{
				EventID:          event.ID,
				Operation:        storage.OpDelete,
				TargetURL:        oldURL,
				SourceCalendarID: &sourceID,
			}); err != nil {
				return err
			}
			event.SyncStatus = storage.StatusSynced // local-only from here on

		case sourceCal.AccountID == targetCal.AccountID:
			if _, err := w.queue.Enqueue(ctx, tx, &storage.PendingOperation{
				EventID:          event.ID,
				Operation:        storage.OpMove,
				MovePhase:        storage.MovePhaseDelete,
				TargetURL:        oldURL,
				SourceCalendarID: &sourceID,
				TargetCalendarID: &targetCalendarID,
			}); err != nil {
				return err
			}
			event.SyncStatus = storage.StatusSynced

		default: // two distinct synced accounts
			if _, err := w.queue.Enqueue(ctx, tx, &storage.PendingOperation{
				EventID:          event.ID,
				Operation:        storage.OpDelete,
				TargetURL:        oldURL,
				SourceCalendarID: &sourceID,
			}); err != nil {
				return err
			}
			// inserted directly: Enqueue would let the DELETE above absorb it
			now := w.now().UTC()
			if _, err := tx.EnqueueOperation(ctx, &storage.PendingOperation{
				EventID:          event.ID,
				Operation:        storage.OpCreate,
				SourceCalendarID: &targetCalendarID,
				CreatedAt:        now,
				NextRetryAt:      now,
			}); err != nil {
				return err
			}
			event.SyncStatus = storage.StatusPendingCreate
		}

		event.CalendarID = targetCalendarID
		if sourceProvider != storage.ProviderLocal {
			event.CaldavURL = ""
			event.ETag = ""
		}
		if _, err := tx.UpsertEvent(ctx, event); err != nil {
			return err
		}

		// linked exceptions travel with their master; the master's ICS
		// carries them, so no ops of their own
		exceptions, err := tx.ListExceptions(ctx, event.ID)
		if err != nil {
			return err
		}
		for _, ex := range exceptions {
			ex.CalendarID = targetCalendarID
			ex.CaldavURL = ""
			ex.ETag = ""
			if _, err := tx.UpsertEvent(ctx, ex); err != nil {
				return err
			}
		}
		return nil
	})
}

// EditOccurrence turns one instance of a recurring master into an
// exception row and queues an UPDATE of the master, whose serialized ICS
// bundles the new sub-component.
func (w *Writer) EditOccurrence(ctx context.Context, masterID int64, instanceTime time.Time, modified *storage.Event) (int64, error) {
	master, err := w.store.GetEventByID(ctx, masterID)
	if err != nil {
		return 0, err
	}
	if master == nil {
		return 0, ErrNotFound
	}
	cal, provider, err := w.calendarWithProvider(ctx, master.CalendarID)
	if err != nil {
		return 0, err
	}
	if cal.IsReadOnly {
		return 0, ErrReadOnlyCalendar
	}

	var exceptionID int64
	err = w.store.WithTx(ctx, func(tx storage.Tx) error {
		if modified.DTStamp == 0 {
			modified.DTStamp = w.now().UTC().UnixMilli()
		}
		modified.SyncStatus = master.SyncStatus
		var err error
		exceptionID, err = w.occ.LinkException(ctx, tx, masterID, instanceTime, modified)
		if err != nil {
			return err
		}
		if provider == storage.ProviderLocal {
			return nil
		}
		if master.SyncStatus == storage.StatusSynced {
			master.SyncStatus = storage.StatusPendingUpdate
			if _, err := tx.UpsertEvent(ctx, master); err != nil {
				return err
			}
		}
		_, err = w.queue.Enqueue(ctx, tx, &storage.PendingOperation{
			EventID:          masterID,
			Operation:        storage.OpUpdate,
			SourceCalendarID: &master.CalendarID,
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return exceptionID, nil
}

// materialize refreshes the occurrence set after a row write; failures are
// logged, never surfaced, because the durable state is already correct.
func (w *Writer) materialize(e *storage.Event) {
	var err error
	if e.RRule != "" {
		from := w.now().UTC().Add(-w.cfg.PullWindowBefore)
		to := w.now().UTC().Add(w.cfg.PullWindowAfter)
		err = w.occ.GenerateOccurrences(e, from, to)
	} else {
		err = w.occ.RegenerateOccurrences(e)
	}
	if err != nil {
		w.logger.Warn().Err(err).Int64("event", e.ID).Msg("occurrence materialization failed")
	}
}
