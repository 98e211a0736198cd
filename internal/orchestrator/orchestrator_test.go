package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/KashCal/KashCal-sub000/internal/config"
	"github.com/KashCal/KashCal-sub000/internal/pull"
	"github.com/KashCal/KashCal-sub000/internal/push"
	"github.com/KashCal/KashCal-sub000/internal/storage"
	"github.com/KashCal/KashCal-sub000/internal/storage/sqlite"
)

type fakePusher struct {
	result push.Result
}

func (f *fakePusher) Push(ctx context.Context, cal *storage.Calendar) push.Result {
	return f.result
}

type fakePuller struct {
	result   pull.Result
	lastOpts pull.Options
}

func (f *fakePuller) Pull(ctx context.Context, cal *storage.Calendar, opts pull.Options) pull.Result {
	f.lastOpts = opts
	return f.result
}

type fakeFactory struct {
	pusher *fakePusher
	puller *fakePuller
	err    error
}

func (f *fakeFactory) ForCalendar(ctx context.Context, account *storage.Account, cal *storage.Calendar) (PushRunner, PullRunner, error) {
	return f.pusher, f.puller, f.err
}

func newStore(t *testing.T) (storage.Store, int64) {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "orch.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	accID, _ := st.CreateAccount(ctx, &storage.Account{Provider: storage.ProviderCalDAV, Email: "u@example.com", IsEnabled: true})
	calID, _ := st.CreateCalendar(ctx, &storage.Calendar{AccountID: accID, CaldavURL: "https://cal.example.com/u/p/", IsVisible: true})
	return st, calID
}

func TestSessionPassesPushedIDsToPull(t *testing.T) {
	st, calID := newStore(t)
	pusher := &fakePusher{result: push.Result{Touched: map[int64]struct{}{42: {}, 43: {}}}}
	puller := &fakePuller{result: pull.Result{Kind: pull.KindSuccess, Added: 1}}
	o := New(st, &fakeFactory{pusher: pusher, puller: puller}, config.SyncConfig{MaxParallelCalendars: 4}, zerolog.Nop())

	session, err := o.SyncCalendar(context.Background(), calID, false)
	if err != nil || session == nil {
		t.Fatalf("sync: session=%v err=%v", session, err)
	}
	if len(puller.lastOpts.RecentlyPushed) != 2 {
		t.Fatalf("pull must receive the pushed ids, got %v", puller.lastOpts.RecentlyPushed)
	}
	if session.Status != storage.SessionSuccess || session.Added != 1 {
		t.Fatalf("session = %+v", session)
	}
	if session.FinishedAt.Before(session.StartedAt) {
		t.Fatalf("timings inverted: %+v", session)
	}
}

func TestParseSkipsMakeSessionPartial(t *testing.T) {
	st, calID := newStore(t)
	o := New(st, &fakeFactory{
		pusher: &fakePusher{},
		puller: &fakePuller{result: pull.Result{Kind: pull.KindSuccess, SkippedParseError: 2}},
	}, config.SyncConfig{MaxParallelCalendars: 4}, zerolog.Nop())

	session, _ := o.SyncCalendar(context.Background(), calID, false)
	if session.Status != storage.SessionPartial {
		t.Fatalf("status = %s, want PARTIAL", session.Status)
	}
}

func TestConstraintSkipsAloneMakeSessionPartial(t *testing.T) {
	st, calID := newStore(t)
	o := New(st, &fakeFactory{
		pusher: &fakePusher{},
		puller: &fakePuller{result: pull.Result{Kind: pull.KindSuccess, SkippedConstraintError: 1}},
	}, config.SyncConfig{MaxParallelCalendars: 4}, zerolog.Nop())

	session, _ := o.SyncCalendar(context.Background(), calID, false)
	if session.Status != storage.SessionPartial {
		t.Fatalf("status = %s, want PARTIAL", session.Status)
	}
}

func TestAuthFailureFailsSession(t *testing.T) {
	st, calID := newStore(t)
	o := New(st, &fakeFactory{
		pusher: &fakePusher{result: push.Result{AuthError: true, Err: errors.New("401")}},
		puller: &fakePuller{},
	}, config.SyncConfig{MaxParallelCalendars: 4}, zerolog.Nop())

	session, _ := o.SyncCalendar(context.Background(), calID, false)
	if session.Status != storage.SessionFailed {
		t.Fatalf("status = %s, want FAILED", session.Status)
	}
}

func TestPoisonedOpFailsSession(t *testing.T) {
	st, calID := newStore(t)
	o := New(st, &fakeFactory{
		pusher: &fakePusher{result: push.Result{
			Outcomes: []push.Outcome{{OpID: 1, Err: errors.New("502"), Poisoned: true}},
		}},
		puller: &fakePuller{result: pull.Result{Kind: pull.KindSuccess}},
	}, config.SyncConfig{MaxParallelCalendars: 4}, zerolog.Nop())

	session, _ := o.SyncCalendar(context.Background(), calID, false)
	if session.Status != storage.SessionFailed {
		t.Fatalf("a freshly poisoned op is terminal, status = %s", session.Status)
	}
}

func TestCancelledContextMarksSessionCancelled(t *testing.T) {
	st, calID := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	o := New(st, &fakeFactory{
		pusher: &fakePusher{},
		puller: &fakePuller{result: pull.Result{Kind: pull.KindFailed, Err: context.Canceled}},
	}, config.SyncConfig{MaxParallelCalendars: 4}, zerolog.Nop())

	cancel()
	session, _ := o.SyncCalendar(ctx, calID, false)
	if session.Status != storage.SessionCancelled {
		t.Fatalf("status = %s, want CANCELLED", session.Status)
	}
}

func TestSyncAllRecordsOneSessionPerCalendar(t *testing.T) {
	st, _ := newStore(t)
	ctx := context.Background()
	// a second visible calendar on the same account
	accs, _ := st.ListAccounts(ctx)
	st.CreateCalendar(ctx, &storage.Calendar{AccountID: accs[0].ID, CaldavURL: "https://cal.example.com/u/w/", IsVisible: true})
	// an invisible one must be skipped
	st.CreateCalendar(ctx, &storage.Calendar{AccountID: accs[0].ID, CaldavURL: "https://cal.example.com/u/hidden/", IsVisible: false})

	o := New(st, &fakeFactory{
		pusher: &fakePusher{},
		puller: &fakePuller{result: pull.Result{Kind: pull.KindNoChanges}},
	}, config.SyncConfig{MaxParallelCalendars: 2}, zerolog.Nop())

	sessions, err := o.SyncAll(ctx, false)
	if err != nil {
		t.Fatalf("sync all: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2 (hidden calendar skipped)", len(sessions))
	}
}
