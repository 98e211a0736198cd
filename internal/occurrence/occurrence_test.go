package occurrence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/KashCal/KashCal-sub000/internal/storage"
	"github.com/KashCal/KashCal-sub000/internal/storage/sqlite"
)

func TestGenerateOccurrencesExpandsWeeklyRule(t *testing.T) {
	x := NewExpander()
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	master := &storage.Event{
		ID:      7,
		UID:     "weekly",
		StartTs: start.UnixMilli(),
		EndTs:   start.Add(time.Hour).UnixMilli(),
		RRule:   "FREQ=WEEKLY;COUNT=10",
	}

	from := start
	to := start.AddDate(0, 0, 28)
	if err := x.GenerateOccurrences(master, from, to); err != nil {
		t.Fatalf("generate: %v", err)
	}

	got := x.Instances(7)
	if len(got) != 5 {
		t.Fatalf("weekly rule over 4 weeks should yield 5 instances, got %d", len(got))
	}
	if got[1].StartTs != start.AddDate(0, 0, 7).UnixMilli() {
		t.Fatalf("second instance at %d, want one week after start", got[1].StartTs)
	}
}

func TestGenerateOccurrencesHonorsExDate(t *testing.T) {
	x := NewExpander()
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	master := &storage.Event{
		ID:      8,
		StartTs: start.UnixMilli(),
		EndTs:   start.Add(time.Hour).UnixMilli(),
		RRule:   "FREQ=DAILY;COUNT=3",
		ExDate:  "20240102T090000Z",
	}
	if err := x.GenerateOccurrences(master, start, start.AddDate(0, 0, 7)); err != nil {
		t.Fatalf("generate: %v", err)
	}
	got := x.Instances(8)
	if len(got) != 2 {
		t.Fatalf("EXDATE should remove one of three instances, got %d", len(got))
	}
	for _, inst := range got {
		if inst.StartTs == start.AddDate(0, 0, 1).UnixMilli() {
			t.Fatalf("excluded instance still materialized")
		}
	}
}

func TestLinkExceptionDeduplicates(t *testing.T) {
	st, err := sqlite.New(filepath.Join(t.TempDir(), "occ.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	accID, _ := st.CreateAccount(ctx, &storage.Account{Provider: storage.ProviderCalDAV, Email: "u@example.com"})
	calID, _ := st.CreateCalendar(ctx, &storage.Calendar{AccountID: accID, CaldavURL: "https://cal.example.com/u/p/"})
	start := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	masterID, err := st.UpsertEvent(ctx, &storage.Event{
		UID:        "rec-1",
		CalendarID: calID,
		Title:      "Weekly",
		StartTs:    start.UnixMilli(),
		EndTs:      start.Add(time.Hour).UnixMilli(),
		RRule:      "FREQ=WEEKLY",
		SyncStatus: storage.StatusSynced,
	})
	if err != nil {
		t.Fatalf("master: %v", err)
	}

	x := NewExpander()
	instance := start.AddDate(0, 0, 7)

	id1, err := x.LinkException(ctx, st, masterID, instance, &storage.Event{
		Title:      "Weekly (moved)",
		StartTs:    instance.Add(2 * time.Hour).UnixMilli(),
		EndTs:      instance.Add(3 * time.Hour).UnixMilli(),
		SyncStatus: storage.StatusSynced,
	})
	if err != nil {
		t.Fatalf("first link: %v", err)
	}
	id2, err := x.LinkException(ctx, st, masterID, instance, &storage.Event{
		Title:      "Weekly (moved again)",
		StartTs:    instance.Add(4 * time.Hour).UnixMilli(),
		EndTs:      instance.Add(5 * time.Hour).UnixMilli(),
		SyncStatus: storage.StatusSynced,
	})
	if err != nil {
		t.Fatalf("second link: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("relinking the same instance must reuse the row: %d != %d", id1, id2)
	}

	exceptions, err := st.ListExceptions(ctx, masterID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(exceptions) != 1 {
		t.Fatalf("want exactly one exception row, got %d", len(exceptions))
	}
	if exceptions[0].UID != "rec-1" {
		t.Fatalf("exception must inherit the master UID, got %q", exceptions[0].UID)
	}
	if exceptions[0].Title != "Weekly (moved again)" {
		t.Fatalf("relink should update in place, got %q", exceptions[0].Title)
	}
}
