// Package push drains one calendar's pending-operation queue against the
// server: serialized bodies go out with conditional headers, successes
// flip the local row back to SYNCED, conflicts wait for the next pull,
// transient failures re-queue with backoff.
package push

import (
	"context"
	"errors"
	"path"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/KashCal/KashCal-sub000/internal/caldavclient"
	"github.com/KashCal/KashCal-sub000/internal/config"
	"github.com/KashCal/KashCal-sub000/internal/eventconv"
	"github.com/KashCal/KashCal-sub000/internal/pendingqueue"
	"github.com/KashCal/KashCal-sub000/internal/quirks"
	"github.com/KashCal/KashCal-sub000/internal/storage"
	"github.com/KashCal/KashCal-sub000/pkg/ical"
)

// Client is the slice of the wire client push needs; *caldavclient.Client
// satisfies it, tests substitute fakes.
type Client interface {
	Put(ctx context.Context, href string, data []byte, ifMatch string, mustNotExist bool) (string, error)
	Delete(ctx context.Context, href, ifMatch string) error
	Move(ctx context.Context, src, dst string) error
}

// Outcome records what happened to one dequeued operation.
type Outcome struct {
	OpID       int64
	EventID    int64
	Operation  storage.OperationKind
	Err        error
	Conflicted bool
	// Poisoned marks an op that just exhausted its retry budget; the
	// session it happened in is terminally FAILED, not merely partial.
	Poisoned bool
}

// Result is the outcome of one push cycle over one calendar. Touched feeds
// the immediately following pull as its recentlyPushed set.
type Result struct {
	Outcomes  []Outcome
	Touched   map[int64]struct{}
	AuthError bool
	Err       error
}

type Strategy struct {
	store   storage.Store
	queue   *pendingqueue.Queue
	client  Client
	profile quirks.Profile
	prodID  string
	cfg     config.SyncConfig
	logger  zerolog.Logger
	limiter *rate.Limiter
	now     func() time.Time
}

func New(store storage.Store, queue *pendingqueue.Queue, client Client, profile quirks.Profile, prodID string, cfg config.SyncConfig, logger zerolog.Logger) *Strategy {
	return &Strategy{
		store:   store,
		queue:   queue,
		client:  client,
		profile: profile,
		prodID:  prodID,
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(8), 8),
		now:     time.Now,
	}
}

// Push drains the due operations for cal. Operations execute one at a
// time, in retry order, so two intents for the same event can never race
// each other.
func (s *Strategy) Push(ctx context.Context, cal *storage.Calendar) Result {
	result := Result{Touched: make(map[int64]struct{})}

	ops, err := s.queue.Due(ctx, cal.ID, s.now().UTC())
	if err != nil {
		result.Err = err
		return result
	}

	for _, op := range ops {
		if err := s.limiter.Wait(ctx); err != nil {
			result.Err = err
			return result
		}

		outcome := s.execute(ctx, cal, op)
		result.Outcomes = append(result.Outcomes, outcome)

		if outcome.Err == nil && !outcome.Conflicted {
			result.Touched[op.EventID] = struct{}{}
			continue
		}
		if isAuth(outcome.Err) {
			// one rejected credential rejects them all; stop the cycle
			result.AuthError = true
			result.Err = outcome.Err
			return result
		}
	}
	return result
}

func (s *Strategy) execute(ctx context.Context, cal *storage.Calendar, op *storage.PendingOperation) Outcome {
	outcome := Outcome{OpID: op.ID, EventID: op.EventID, Operation: op.Operation}

	event, err := s.store.GetEventByID(ctx, op.EventID)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	if event == nil && op.Operation != storage.OpDelete {
		// the row vanished underneath the intent; nothing left to say
		s.logger.Warn().Int64("op", op.ID).Msg("dropping pending op for missing event")
		outcome.Err = s.queue.RecordSuccess(ctx, op)
		return outcome
	}

	switch op.Operation {
	case storage.OpCreate:
		outcome.Err, outcome.Conflicted = s.executeCreate(ctx, cal, op, event)
	case storage.OpUpdate:
		outcome.Err, outcome.Conflicted = s.executeUpdate(ctx, op, event)
	case storage.OpDelete:
		outcome.Err = s.executeDelete(ctx, op, event)
	case storage.OpMove:
		outcome.Err, outcome.Conflicted = s.executeMove(ctx, op, event)
	}
	outcome.Poisoned = op.Poisoned
	return outcome
}

func (s *Strategy) serialize(event *storage.Event) ([]byte, error) {
	return ical.Serialize(eventconv.ToIcal(event), []byte(event.RawIcal), s.prodID, s.now().UTC())
}

func (s *Strategy) executeCreate(ctx context.Context, cal *storage.Calendar, op *storage.PendingOperation, event *storage.Event) (error, bool) {
	data, err := s.serialize(event)
	if err != nil {
		return s.fail(ctx, op, err), false
	}

	href := s.profile.BuildEventURL(cal.CaldavURL, event.UID+".ics")
	etag, err := s.client.Put(ctx, href, data, "", true)
	if err != nil {
		if isConflict(err) {
			return s.conflict(ctx, op), true
		}
		return s.fail(ctx, op, err), false
	}

	event.CaldavURL = href
	event.ETag = etag
	event.SyncStatus = storage.StatusSynced
	if _, err := s.store.UpsertEvent(ctx, event); err != nil {
		return err, false
	}
	return s.queue.RecordSuccess(ctx, op), false
}

func (s *Strategy) executeUpdate(ctx context.Context, op *storage.PendingOperation, event *storage.Event) (error, bool) {
	// an update raises SEQUENCE by one: fresh generation writes this value,
	// the patcher bumps the SEQUENCE line it finds in rawIcal
	event.Sequence++
	data, err := s.serialize(event)
	if err != nil {
		return s.fail(ctx, op, err), false
	}

	etag, err := s.client.Put(ctx, event.CaldavURL, data, event.ETag, false)
	if err != nil {
		if isConflict(err) {
			return s.conflict(ctx, op), true
		}
		return s.fail(ctx, op, err), false
	}

	event.ETag = etag
	event.SyncStatus = storage.StatusSynced
	if _, err := s.store.UpsertEvent(ctx, event); err != nil {
		return err, false
	}
	return s.queue.RecordSuccess(ctx, op), false
}

func (s *Strategy) executeDelete(ctx context.Context, op *storage.PendingOperation, event *storage.Event) error {
	ifMatch := ""
	if event != nil {
		ifMatch = event.ETag
	}
	if err := s.client.Delete(ctx, op.TargetURL, ifMatch); err != nil && !isNotFound(err) {
		if isConflict(err) {
			return s.conflict(ctx, op)
		}
		return s.fail(ctx, op, err)
	}

	// a row that a move repointed to another calendar outlives the remote delete
	if event != nil && event.SyncStatus == storage.StatusPendingDelete {
		if err := s.store.DeleteEvent(ctx, event.ID); err != nil {
			return err
		}
	}
	return s.queue.RecordSuccess(ctx, op)
}

func (s *Strategy) executeMove(ctx context.Context, op *storage.PendingOperation, event *storage.Event) (error, bool) {
	if op.TargetCalendarID == nil {
		return s.fail(ctx, op, errors.New("move op without target calendar")), false
	}
	targetCal, err := s.store.GetCalendar(ctx, *op.TargetCalendarID)
	if err != nil {
		return err, false
	}
	if targetCal == nil {
		return s.fail(ctx, op, errors.New("move target calendar missing")), false
	}

	if s.profile.SupportsNativeMove && op.MovePhase == storage.MovePhaseDelete {
		dst := s.profile.BuildEventURL(targetCal.CaldavURL, path.Base(op.TargetURL))
		if err := s.client.Move(ctx, op.TargetURL, dst); err != nil {
			if isConflict(err) {
				return s.conflict(ctx, op), true
			}
			return s.fail(ctx, op, err), false
		}
		event.CaldavURL = dst
		event.ETag = "" // the next pull refreshes it
		event.SyncStatus = storage.StatusSynced
		if _, err := s.store.UpsertEvent(ctx, event); err != nil {
			return err, false
		}
		return s.queue.RecordSuccess(ctx, op), false
	}

	switch op.MovePhase {
	case storage.MovePhaseDelete:
		if err := s.client.Delete(ctx, op.TargetURL, ""); err != nil && !isNotFound(err) {
			if isConflict(err) {
				return s.conflict(ctx, op), true
			}
			return s.fail(ctx, op, err), false
		}
		return s.queue.AdvanceMovePhase(ctx, op), false

	case storage.MovePhaseCreate:
		data, err := s.serialize(event)
		if err != nil {
			return s.fail(ctx, op, err), false
		}
		href := s.profile.BuildEventURL(targetCal.CaldavURL, event.UID+".ics")
		etag, err := s.client.Put(ctx, href, data, "", true)
		if err != nil {
			if isConflict(err) {
				return s.conflict(ctx, op), true
			}
			return s.fail(ctx, op, err), false
		}
		event.CaldavURL = href
		event.ETag = etag
		event.SyncStatus = storage.StatusSynced
		if _, err := s.store.UpsertEvent(ctx, event); err != nil {
			return err, false
		}
		return s.queue.RecordSuccess(ctx, op), false
	}
	return s.fail(ctx, op, errors.New("unknown move phase")), false
}

// fail records retry metadata and reports the cause upward.
func (s *Strategy) fail(ctx context.Context, op *storage.PendingOperation, cause error) error {
	if err := s.queue.RecordFailure(ctx, op, cause); err != nil {
		return err
	}
	return cause
}

// conflict leaves the op flagged in place; the next pull reconciles.
func (s *Strategy) conflict(ctx context.Context, op *storage.PendingOperation) error {
	return s.queue.RecordConflict(ctx, op)
}

func isAuth(err error) bool {
	var werr *caldavclient.WireError
	return errors.As(err, &werr) && werr.Kind == caldavclient.ErrKindAuth
}

func isConflict(err error) bool {
	var werr *caldavclient.WireError
	return errors.As(err, &werr) && werr.Kind == caldavclient.ErrKindConflict
}

func isNotFound(err error) bool {
	var werr *caldavclient.WireError
	return errors.As(err, &werr) && werr.Kind == caldavclient.ErrKindNotFound
}
