package eventwriter

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/KashCal/KashCal-sub000/internal/config"
	"github.com/KashCal/KashCal-sub000/internal/occurrence"
	"github.com/KashCal/KashCal-sub000/internal/pendingqueue"
	"github.com/KashCal/KashCal-sub000/internal/storage"
	"github.com/KashCal/KashCal-sub000/internal/storage/sqlite"
)

type fixture struct {
	store  storage.Store
	writer *Writer

	icloudAcc  int64
	personalID int64
	workID     int64

	localAcc   int64
	localCalID int64

	otherAcc   int64
	otherCalID int64

	readOnlyID int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "writer.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	f := &fixture{store: st}

	f.icloudAcc, _ = st.CreateAccount(ctx, &storage.Account{Provider: storage.ProviderICloud, Email: "a@icloud.com", IsEnabled: true})
	f.personalID, _ = st.CreateCalendar(ctx, &storage.Calendar{AccountID: f.icloudAcc, CaldavURL: "https://caldav.icloud.com/123/personal/", DisplayName: "personal"})
	f.workID, _ = st.CreateCalendar(ctx, &storage.Calendar{AccountID: f.icloudAcc, CaldavURL: "https://caldav.icloud.com/123/work/", DisplayName: "work"})
	f.readOnlyID, _ = st.CreateCalendar(ctx, &storage.Calendar{AccountID: f.icloudAcc, CaldavURL: "https://caldav.icloud.com/123/shared/", IsReadOnly: true})

	f.localAcc, _ = st.CreateAccount(ctx, &storage.Account{Provider: storage.ProviderLocal, Email: "local", IsEnabled: true})
	f.localCalID, _ = st.CreateCalendar(ctx, &storage.Calendar{AccountID: f.localAcc, CaldavURL: ""})

	f.otherAcc, _ = st.CreateAccount(ctx, &storage.Account{Provider: storage.ProviderCalDAV, Email: "b@fastmail.com", IsEnabled: true})
	f.otherCalID, _ = st.CreateCalendar(ctx, &storage.Calendar{AccountID: f.otherAcc, CaldavURL: "https://dav.fastmail.com/b/default/"})

	cfg := config.SyncConfig{
		MaxRetries:                10,
		PullWindowBefore:          365 * 24 * time.Hour,
		PullWindowAfter:           730 * 24 * time.Hour,
		ClearRawIcalOnRRuleChange: true,
	}
	queue := pendingqueue.New(st, cfg.MaxRetries, zerolog.Nop())
	f.writer = New(st, queue, occurrence.NewExpander(), cfg, zerolog.Nop())
	return f
}

func (f *fixture) seedSynced(t *testing.T, calID int64, uid, url string) int64 {
	t.Helper()
	id, err := f.store.UpsertEvent(context.Background(), &storage.Event{
		UID: uid, CalendarID: calID, Title: uid,
		StartTs: 1702648800000, EndTs: 1702652400000,
		CaldavURL: url, ETag: `"e1"`,
		SyncStatus: storage.StatusSynced,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return id
}

func TestMoveCaptureSameAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	oldURL := "https://caldav.icloud.com/123/personal/e.ics"
	eventID := f.seedSynced(t, f.personalID, "kashcal-move-1", oldURL)

	if err := f.writer.MoveEventToCalendar(ctx, eventID, f.workID); err != nil {
		t.Fatalf("move: %v", err)
	}

	ops, err := f.store.ListPendingForCalendar(ctx, f.personalID)
	if err != nil || len(ops) != 1 {
		t.Fatalf("pending ops on source = %d (%v), want 1", len(ops), err)
	}
	op := ops[0]
	if op.Operation != storage.OpMove || op.MovePhase != storage.MovePhaseDelete {
		t.Fatalf("op = %s/%s, want MOVE/DELETE", op.Operation, op.MovePhase)
	}
	if op.TargetURL != oldURL {
		t.Fatalf("targetUrl = %q, want the pre-move URL", op.TargetURL)
	}
	if op.SourceCalendarID == nil || *op.SourceCalendarID != f.personalID {
		t.Fatalf("sourceCalendarId = %v", op.SourceCalendarID)
	}
	if op.TargetCalendarID == nil || *op.TargetCalendarID != f.workID {
		t.Fatalf("targetCalendarId = %v", op.TargetCalendarID)
	}

	ev, _ := f.store.GetEventByID(ctx, eventID)
	if ev.CalendarID != f.workID || ev.CaldavURL != "" || ev.ETag != "" {
		t.Fatalf("event row after move: %+v", ev)
	}
}

func TestMoveSyncedToLocalEnqueuesDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	oldURL := "https://caldav.icloud.com/123/personal/d.ics"
	eventID := f.seedSynced(t, f.personalID, "kashcal-move-2", oldURL)

	if err := f.writer.MoveEventToCalendar(ctx, eventID, f.localCalID); err != nil {
		t.Fatalf("move: %v", err)
	}

	ops, _ := f.store.ListPendingForCalendar(ctx, f.personalID)
	if len(ops) != 1 || ops[0].Operation != storage.OpDelete || ops[0].TargetURL != oldURL {
		t.Fatalf("want one DELETE with captured URL, got %+v", ops)
	}
	ev, _ := f.store.GetEventByID(ctx, eventID)
	if ev.CalendarID != f.localCalID || ev.SyncStatus != storage.StatusSynced {
		t.Fatalf("a now-local event is simply SYNCED: %+v", ev)
	}
}

func TestMoveAcrossAccountsSplitsIntoCreatePlusDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	oldURL := "https://caldav.icloud.com/123/personal/x.ics"
	eventID := f.seedSynced(t, f.personalID, "kashcal-move-3", oldURL)

	if err := f.writer.MoveEventToCalendar(ctx, eventID, f.otherCalID); err != nil {
		t.Fatalf("move: %v", err)
	}

	sourceOps, _ := f.store.ListPendingForCalendar(ctx, f.personalID)
	if len(sourceOps) != 1 || sourceOps[0].Operation != storage.OpDelete || sourceOps[0].TargetURL != oldURL {
		t.Fatalf("source side: %+v", sourceOps)
	}
	targetOps, _ := f.store.ListPendingForCalendar(ctx, f.otherCalID)
	if len(targetOps) != 1 || targetOps[0].Operation != storage.OpCreate {
		t.Fatalf("target side: %+v", targetOps)
	}
	ev, _ := f.store.GetEventByID(ctx, eventID)
	if ev.SyncStatus != storage.StatusPendingCreate {
		t.Fatalf("event should await its create on the target account: %+v", ev)
	}
}

func TestMoveCarriesLinkedExceptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	masterID := f.seedSynced(t, f.personalID, "kashcal-rec-1", "https://caldav.icloud.com/123/personal/r.ics")

	ts := int64(1703253600000)
	_, err := f.store.UpsertEvent(ctx, &storage.Event{
		UID: "kashcal-rec-1", CalendarID: f.personalID, Title: "moved instance",
		StartTs: ts, EndTs: ts + 3600000,
		SyncStatus:           storage.StatusSynced,
		OriginalEventID:      &masterID,
		OriginalInstanceTime: &ts,
	})
	if err != nil {
		t.Fatalf("exception: %v", err)
	}

	if err := f.writer.MoveEventToCalendar(ctx, masterID, f.workID); err != nil {
		t.Fatalf("move: %v", err)
	}

	exceptions, _ := f.store.ListExceptions(ctx, masterID)
	if len(exceptions) != 1 {
		t.Fatalf("exceptions = %d", len(exceptions))
	}
	if exceptions[0].CalendarID != f.workID {
		t.Fatalf("exception did not travel with its master: %+v", exceptions[0])
	}
	// no separate op for the exception; the master's ICS carries it
	if ops, _ := f.store.ListPendingForCalendar(ctx, f.personalID); len(ops) != 1 {
		t.Fatalf("exactly one op expected, got %d", len(ops))
	}
}

func TestExceptionCannotMoveAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	masterID := f.seedSynced(t, f.personalID, "kashcal-rec-2", "https://caldav.icloud.com/123/personal/r2.ics")

	ts := int64(1703253600000)
	exID, _ := f.store.UpsertEvent(ctx, &storage.Event{
		UID: "kashcal-rec-2", CalendarID: f.personalID,
		StartTs: ts, EndTs: ts + 3600000,
		SyncStatus:           storage.StatusSynced,
		OriginalEventID:      &masterID,
		OriginalInstanceTime: &ts,
	})

	if err := f.writer.MoveEventToCalendar(ctx, exID, f.workID); !errors.Is(err, ErrExceptionMove) {
		t.Fatalf("err = %v, want ErrExceptionMove", err)
	}
}

func TestCreateOnSyncedCalendarQueuesCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.writer.CreateEvent(ctx, &storage.Event{
		CalendarID: f.personalID, Title: "New",
		StartTs: 1702648800000, EndTs: 1702652400000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ev, _ := f.store.GetEventByID(ctx, id)
	if ev.SyncStatus != storage.StatusPendingCreate {
		t.Fatalf("status = %s", ev.SyncStatus)
	}
	if ev.UID == "" {
		t.Fatalf("a UID must be assigned at creation")
	}
	op, _ := f.store.GetPendingOperationByEvent(ctx, id)
	if op == nil || op.Operation != storage.OpCreate {
		t.Fatalf("missing CREATE op: %+v", op)
	}
}

func TestReadOnlyCalendarRejectsWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.writer.CreateEvent(ctx, &storage.Event{CalendarID: f.readOnlyID, Title: "nope", StartTs: 1, EndTs: 2})
	if !errors.Is(err, ErrReadOnlyCalendar) {
		t.Fatalf("create: err = %v", err)
	}

	eventID := f.seedSynced(t, f.personalID, "kashcal-ro-1", "https://caldav.icloud.com/123/personal/ro.ics")
	if err := f.writer.MoveEventToCalendar(ctx, eventID, f.readOnlyID); !errors.Is(err, ErrReadOnlyCalendar) {
		t.Fatalf("move into read-only: err = %v", err)
	}
	// the source row is untouched
	ev, _ := f.store.GetEventByID(ctx, eventID)
	if ev.CalendarID != f.personalID || ev.CaldavURL == "" {
		t.Fatalf("rejected move must preserve the source row: %+v", ev)
	}
}

func TestDeletePendingCreateCancelsOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.writer.CreateEvent(ctx, &storage.Event{
		CalendarID: f.personalID, Title: "ephemeral",
		StartTs: 1702648800000, EndTs: 1702652400000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.writer.DeleteEvent(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if ev, _ := f.store.GetEventByID(ctx, id); ev != nil {
		t.Fatalf("row should be hard-deleted")
	}
	if op, _ := f.store.GetPendingOperationByEvent(ctx, id); op != nil {
		t.Fatalf("queue should be empty, found %v", op.Operation)
	}
}

func TestDeleteSyncedCapturesURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	url := "https://caldav.icloud.com/123/personal/keep.ics"
	id := f.seedSynced(t, f.personalID, "kashcal-del-1", url)

	if err := f.writer.DeleteEvent(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ev, _ := f.store.GetEventByID(ctx, id)
	if ev == nil || ev.SyncStatus != storage.StatusPendingDelete {
		t.Fatalf("synced event must soft-delete until push confirms: %+v", ev)
	}
	op, _ := f.store.GetPendingOperationByEvent(ctx, id)
	if op == nil || op.Operation != storage.OpDelete || op.TargetURL != url {
		t.Fatalf("DELETE op must capture the URL: %+v", op)
	}
}

func TestUpdateClearsRawIcalOnRRuleChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seedSynced(t, f.personalID, "kashcal-up-1", "https://caldav.icloud.com/123/personal/up.ics")

	ev, _ := f.store.GetEventByID(ctx, id)
	ev.RawIcal = "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"
	f.store.UpsertEvent(ctx, ev)

	// a plain title edit keeps the blob
	ev, _ = f.store.GetEventByID(ctx, id)
	ev.Title = "renamed"
	if err := f.writer.UpdateEvent(ctx, ev); err != nil {
		t.Fatalf("update: %v", err)
	}
	ev, _ = f.store.GetEventByID(ctx, id)
	if ev.RawIcal == "" {
		t.Fatalf("field edit must not drop rawIcal")
	}
	if ev.SyncStatus != storage.StatusPendingUpdate {
		t.Fatalf("status = %s", ev.SyncStatus)
	}

	// a recurrence change drops it
	ev.RRule = "FREQ=WEEKLY"
	if err := f.writer.UpdateEvent(ctx, ev); err != nil {
		t.Fatalf("update: %v", err)
	}
	ev, _ = f.store.GetEventByID(ctx, id)
	if ev.RawIcal != "" {
		t.Fatalf("an RRULE change must clear rawIcal")
	}
}

func TestEditOccurrenceLinksExceptionAndQueuesMasterUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	masterID := f.seedSynced(t, f.personalID, "kashcal-rec-3", "https://caldav.icloud.com/123/personal/r3.ics")
	ev, _ := f.store.GetEventByID(ctx, masterID)
	ev.RRule = "FREQ=WEEKLY"
	f.store.UpsertEvent(ctx, ev)

	instance := time.Date(2023, 12, 22, 14, 0, 0, 0, time.UTC)
	exID, err := f.writer.EditOccurrence(ctx, masterID, instance, &storage.Event{
		Title:   "one-off change",
		StartTs: instance.Add(time.Hour).UnixMilli(),
		EndTs:   instance.Add(2 * time.Hour).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("edit occurrence: %v", err)
	}

	ex, _ := f.store.GetEventByID(ctx, exID)
	if ex == nil || !ex.IsException() || ex.UID != "kashcal-rec-3" {
		t.Fatalf("exception not linked: %+v", ex)
	}
	op, _ := f.store.GetPendingOperationByEvent(ctx, masterID)
	if op == nil || op.Operation != storage.OpUpdate {
		t.Fatalf("master must get an UPDATE op: %+v", op)
	}
	master, _ := f.store.GetEventByID(ctx, masterID)
	if master.SyncStatus != storage.StatusPendingUpdate {
		t.Fatalf("master status = %s", master.SyncStatus)
	}
}
