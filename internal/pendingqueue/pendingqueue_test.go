package pendingqueue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/KashCal/KashCal-sub000/internal/storage"
	"github.com/KashCal/KashCal-sub000/internal/storage/sqlite"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "queue.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedEvent(t *testing.T, st storage.Store) (calendarID, eventID int64) {
	t.Helper()
	ctx := context.Background()
	accID, err := st.CreateAccount(ctx, &storage.Account{Provider: storage.ProviderCalDAV, Email: "u@example.com", IsEnabled: true})
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	calendarID, err = st.CreateCalendar(ctx, &storage.Calendar{AccountID: accID, CaldavURL: "https://cal.example.com/u/personal/"})
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	eventID, err = st.UpsertEvent(ctx, &storage.Event{
		UID:        "uid-1",
		CalendarID: calendarID,
		Title:      "Standup",
		StartTs:    1700000000000,
		EndTs:      1700003600000,
		SyncStatus: storage.StatusPendingCreate,
	})
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	return calendarID, eventID
}

func enqueue(t *testing.T, q *Queue, st storage.Store, op *storage.PendingOperation) *storage.PendingOperation {
	t.Helper()
	var out *storage.PendingOperation
	err := st.WithTx(context.Background(), func(tx storage.Tx) error {
		var err error
		out, err = q.Enqueue(context.Background(), tx, op)
		return err
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return out
}

func TestConflateCreateThenUpdateStaysCreate(t *testing.T) {
	st := newTestStore(t)
	_, eventID := seedEvent(t, st)
	q := New(st, 10, zerolog.Nop())

	first := enqueue(t, q, st, &storage.PendingOperation{EventID: eventID, Operation: storage.OpCreate})
	second := enqueue(t, q, st, &storage.PendingOperation{EventID: eventID, Operation: storage.OpUpdate})

	if second.ID != first.ID || second.Operation != storage.OpCreate {
		t.Fatalf("CREATE+UPDATE should conflate to the original CREATE, got %v id=%d", second.Operation, second.ID)
	}
}

func TestConflateCreateThenDeleteCancelsOut(t *testing.T) {
	st := newTestStore(t)
	_, eventID := seedEvent(t, st)
	q := New(st, 10, zerolog.Nop())

	enqueue(t, q, st, &storage.PendingOperation{EventID: eventID, Operation: storage.OpCreate})
	out := enqueue(t, q, st, &storage.PendingOperation{EventID: eventID, Operation: storage.OpDelete})
	if out != nil {
		t.Fatalf("CREATE+DELETE should leave nothing pending, got %v", out.Operation)
	}
	if op, _ := st.GetPendingOperationByEvent(context.Background(), eventID); op != nil {
		t.Fatalf("queue should be empty, found %v", op.Operation)
	}
}

func TestConflateUpdateThenDeleteBecomesDelete(t *testing.T) {
	st := newTestStore(t)
	calID, eventID := seedEvent(t, st)
	q := New(st, 10, zerolog.Nop())

	enqueue(t, q, st, &storage.PendingOperation{EventID: eventID, Operation: storage.OpUpdate})
	out := enqueue(t, q, st, &storage.PendingOperation{
		EventID:          eventID,
		Operation:        storage.OpDelete,
		TargetURL:        "https://cal.example.com/u/personal/e.ics",
		SourceCalendarID: &calID,
	})
	if out == nil || out.Operation != storage.OpDelete {
		t.Fatalf("UPDATE+DELETE should become DELETE, got %#v", out)
	}
	if out.TargetURL != "https://cal.example.com/u/personal/e.ics" {
		t.Fatalf("conflated DELETE lost the captured target URL: %q", out.TargetURL)
	}
}

func TestMoveNeverConflates(t *testing.T) {
	st := newTestStore(t)
	calID, eventID := seedEvent(t, st)
	q := New(st, 10, zerolog.Nop())

	enqueue(t, q, st, &storage.PendingOperation{EventID: eventID, Operation: storage.OpUpdate})
	mv := enqueue(t, q, st, &storage.PendingOperation{
		EventID:          eventID,
		Operation:        storage.OpMove,
		MovePhase:        storage.MovePhaseDelete,
		SourceCalendarID: &calID,
		TargetCalendarID: &calID,
	})
	if mv.Operation != storage.OpMove {
		t.Fatalf("MOVE must insert as its own row, got %v", mv.Operation)
	}
	// the earlier UPDATE is still there
	if op, _ := st.GetPendingOperationByEvent(context.Background(), eventID); op == nil || op.Operation != storage.OpUpdate {
		t.Fatalf("MOVE should not have displaced the pending UPDATE")
	}
}

func TestBackoffBounds(t *testing.T) {
	q := New(newTestStore(t), 10, zerolog.Nop())
	for retry := 0; retry < 12; retry++ {
		d := q.Backoff(retry)
		ceiling := backoffBase << uint(retry)
		if ceiling > backoffCap || ceiling <= 0 {
			ceiling = backoffCap
		}
		if d < 0 || d > ceiling {
			t.Fatalf("retry %d: backoff %v outside [0, %v]", retry, d, ceiling)
		}
	}
}

func TestRecordFailurePoisonsAtCap(t *testing.T) {
	st := newTestStore(t)
	calID, eventID := seedEvent(t, st)
	q := New(st, 3, zerolog.Nop())
	ctx := context.Background()

	op := enqueue(t, q, st, &storage.PendingOperation{EventID: eventID, Operation: storage.OpCreate})
	for i := 0; i < 3; i++ {
		if err := q.RecordFailure(ctx, op, context.DeadlineExceeded); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if !op.Poisoned {
		t.Fatalf("op should be poisoned after %d failures", op.RetryCount)
	}

	due, err := q.Due(ctx, calID, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("poisoned op must be skipped, got %d due ops", len(due))
	}
	// still present for the UI to surface
	count, poisoned, err := st.ListPendingSummaryByCalendar(ctx, calID)
	if err != nil || count != 1 || poisoned != 1 {
		t.Fatalf("summary = (%d, %d, %v), want (1, 1, nil)", count, poisoned, err)
	}
}

func TestAdvanceMovePhaseResetsRetryState(t *testing.T) {
	st := newTestStore(t)
	calID, eventID := seedEvent(t, st)
	q := New(st, 10, zerolog.Nop())
	ctx := context.Background()

	op := enqueue(t, q, st, &storage.PendingOperation{
		EventID:          eventID,
		Operation:        storage.OpMove,
		MovePhase:        storage.MovePhaseDelete,
		SourceCalendarID: &calID,
		TargetCalendarID: &calID,
		RetryCount:       4,
		LastError:        "network",
	})
	if err := q.AdvanceMovePhase(ctx, op); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if op.MovePhase != storage.MovePhaseCreate || op.RetryCount != 0 || op.LastError != "" {
		t.Fatalf("phase advance should reset retry state: %#v", op)
	}
}
