// Package orchestrator runs per-calendar sync sessions: push first, then a
// pull fed with the just-pushed event ids, at most one session per calendar
// at a time, bounded parallelism across calendars, and a durable
// SyncSession record per run.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/KashCal/KashCal-sub000/internal/config"
	"github.com/KashCal/KashCal-sub000/internal/pull"
	"github.com/KashCal/KashCal-sub000/internal/push"
	"github.com/KashCal/KashCal-sub000/internal/storage"
)

// PushRunner and PullRunner are what a Factory builds per calendar; the
// real ones are *push.Strategy and *pull.Strategy over a wire client
// carrying that account's credentials.
type PushRunner interface {
	Push(ctx context.Context, cal *storage.Calendar) push.Result
}

type PullRunner interface {
	Pull(ctx context.Context, cal *storage.Calendar, opts pull.Options) pull.Result
}

type Factory interface {
	ForCalendar(ctx context.Context, account *storage.Account, cal *storage.Calendar) (PushRunner, PullRunner, error)
}

type Orchestrator struct {
	store   storage.Store
	factory Factory
	cfg     config.SyncConfig
	logger  zerolog.Logger
	sem     *semaphore.Weighted

	mu      sync.Mutex
	running map[int64]bool
}

func New(store storage.Store, factory Factory, cfg config.SyncConfig, logger zerolog.Logger) *Orchestrator {
	parallel := int64(cfg.MaxParallelCalendars)
	if parallel < 1 {
		parallel = 1
	}
	return &Orchestrator{
		store:   store,
		factory: factory,
		cfg:     cfg,
		logger:  logger,
		sem:     semaphore.NewWeighted(parallel),
		running: make(map[int64]bool),
	}
}

// SyncAll runs one session per enabled calendar of every enabled account,
// in parallel up to the configured cap. Per-calendar failures land in
// their session records; only infrastructure errors surface.
func (o *Orchestrator) SyncAll(ctx context.Context, forceFull bool) ([]*storage.SyncSession, error) {
	accounts, err := o.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var sessions []*storage.SyncSession

	g, gctx := errgroup.WithContext(ctx)
	for _, account := range accounts {
		if !account.IsEnabled || account.Provider == storage.ProviderLocal {
			continue
		}
		calendars, err := o.store.ListCalendarsByAccount(ctx, account.ID)
		if err != nil {
			return nil, err
		}
		for _, cal := range calendars {
			if !cal.IsVisible {
				continue
			}
			g.Go(func() error {
				if err := o.sem.Acquire(gctx, 1); err != nil {
					return nil // cancelled; sessions already recorded stand
				}
				defer o.sem.Release(1)
				if session := o.runSession(gctx, account, cal, forceFull); session != nil {
					mu.Lock()
					sessions = append(sessions, session)
					mu.Unlock()
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return sessions, nil
}

// SyncCalendar runs a single session for one calendar, used by the admin
// surface and the CLI.
func (o *Orchestrator) SyncCalendar(ctx context.Context, calendarID int64, forceFull bool) (*storage.SyncSession, error) {
	cal, err := o.store.GetCalendar(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	if cal == nil {
		return nil, nil
	}
	account, err := o.store.GetAccount(ctx, cal.AccountID)
	if err != nil {
		return nil, err
	}
	return o.runSession(ctx, account, cal, forceFull), nil
}

// runSession executes push-then-pull for one calendar. It returns nil when
// a session for the calendar is already in flight.
func (o *Orchestrator) runSession(ctx context.Context, account *storage.Account, cal *storage.Calendar, forceFull bool) *storage.SyncSession {
	o.mu.Lock()
	if o.running[cal.ID] {
		o.mu.Unlock()
		return nil
	}
	o.running[cal.ID] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, cal.ID)
		o.mu.Unlock()
	}()

	logger := o.logger.With().
		Str("session", uuid.NewString()).
		Int64("calendar", cal.ID).
		Str("account", account.Email).
		Logger()

	session := &storage.SyncSession{
		CalendarID: cal.ID,
		StartedAt:  time.Now().UTC(),
	}
	if id, err := o.store.CreateSession(ctx, session); err == nil {
		session.ID = id
	} else {
		logger.Error().Err(err).Msg("session record creation failed")
	}

	pusher, puller, err := o.factory.ForCalendar(ctx, account, cal)
	if err != nil {
		logger.Error().Err(err).Msg("building sync runners failed")
		o.finish(ctx, session, storage.SessionFailed)
		return session
	}

	pushRes := pusher.Push(ctx, cal)
	if pushRes.AuthError {
		logger.Warn().Msg("push stopped: authentication rejected")
		o.finish(ctx, session, storage.SessionFailed)
		return session
	}

	pullRes := puller.Pull(ctx, cal, pull.Options{
		ForceFull:      forceFull,
		RecentlyPushed: pushRes.Touched,
	})

	session.Added = pullRes.Added
	session.Updated = pullRes.Updated
	session.Deleted = pullRes.Deleted
	session.SkippedParseError = pullRes.SkippedParseError
	session.SkippedConstraintError = pullRes.SkippedConstraintError

	status := o.classify(ctx, pushRes, pullRes)
	o.finish(ctx, session, status)
	logger.Info().
		Str("status", string(status)).
		Int("added", session.Added).
		Int("updated", session.Updated).
		Int("deleted", session.Deleted).
		Dur("took", session.FinishedAt.Sub(session.StartedAt)).
		Msg("sync session finished")
	return session
}

func (o *Orchestrator) classify(ctx context.Context, pushRes push.Result, pullRes pull.Result) storage.SessionStatus {
	if ctx.Err() != nil {
		return storage.SessionCancelled
	}
	if pullRes.AuthError || pushRes.AuthError {
		return storage.SessionFailed
	}
	if pullRes.Kind == pull.KindFailed {
		return storage.SessionFailed
	}
	for _, outcome := range pushRes.Outcomes {
		if outcome.Poisoned {
			// a retryable error that exhausted its retries is terminal
			return storage.SessionFailed
		}
	}
	if pullRes.SkippedParseError > 0 || pullRes.SkippedConstraintError > 0 {
		return storage.SessionPartial
	}
	for _, outcome := range pushRes.Outcomes {
		if outcome.Err != nil || outcome.Conflicted {
			return storage.SessionPartial
		}
	}
	return storage.SessionSuccess
}

func (o *Orchestrator) finish(ctx context.Context, session *storage.SyncSession, status storage.SessionStatus) {
	session.Status = status
	session.FinishedAt = time.Now().UTC()
	if err := o.store.FinishSession(ctx, session); err != nil {
		o.logger.Error().Err(err).Int64("session", session.ID).Msg("session record update failed")
	}
}
