// Package pull reconciles one calendar's local rows with the server:
// ctag short-circuit, then either an RFC 6578 incremental sync or a full
// two-step (etags, then bodies) range sync, never clobbering rows that
// hold pending local writes.
package pull

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/KashCal/KashCal-sub000/internal/caldavclient"
	"github.com/KashCal/KashCal-sub000/internal/config"
	"github.com/KashCal/KashCal-sub000/internal/eventconv"
	"github.com/KashCal/KashCal-sub000/internal/occurrence"
	"github.com/KashCal/KashCal-sub000/internal/quirks"
	"github.com/KashCal/KashCal-sub000/internal/storage"
	"github.com/KashCal/KashCal-sub000/pkg/ical"
)

// Client is the slice of the wire client pull needs; *caldavclient.Client
// satisfies it, tests substitute fakes.
type Client interface {
	PropfindCollection(ctx context.Context, path string) (caldavclient.CollectionInfo, error)
	SyncCollection(ctx context.Context, path, syncToken string) (caldavclient.ChangeSet, error)
	ListETagsInRange(ctx context.Context, path string, start, end time.Time) ([]caldavclient.Resource, error)
	MultiGet(ctx context.Context, path string, hrefs []string) ([]caldavclient.Resource, error)
}

type Kind int

const (
	KindNoChanges Kind = iota
	KindSuccess
	KindFailed
)

// Result is the outcome of one pull over one calendar.
type Result struct {
	Kind                   Kind
	Added                  int
	Updated                int
	Deleted                int
	SkippedParseError      int
	SkippedConstraintError int
	AuthError              bool
	Err                    error
}

// Options carries per-invocation inputs from the orchestrator.
type Options struct {
	ForceFull bool
	// RecentlyPushed holds event ids written to the server by the push
	// phase of the same session; server state for them is suspect (CDN
	// staleness) and never overwrites the local row this cycle.
	RecentlyPushed map[int64]struct{}
}

func (o Options) recentlyPushed(id int64) bool {
	_, ok := o.RecentlyPushed[id]
	return ok
}

type Strategy struct {
	store   storage.Store
	client  Client
	profile quirks.Profile
	occ     occurrence.Generator
	cfg     config.SyncConfig
	logger  zerolog.Logger
	limiter *rate.Limiter
	now     func() time.Time
}

func New(store storage.Store, client Client, profile quirks.Profile, occ occurrence.Generator, cfg config.SyncConfig, logger zerolog.Logger) *Strategy {
	burst := cfg.MaxInFlightFetches
	if burst < 1 {
		burst = 1
	}
	return &Strategy{
		store:   store,
		client:  client,
		profile: profile,
		occ:     occ,
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(burst*2), burst),
		now:     time.Now,
	}
}

// Pull runs the top-level strategy for one calendar.
func (s *Strategy) Pull(ctx context.Context, cal *storage.Calendar, opts Options) Result {
	ctag := cal.CTag
	serverToken := ""
	if s.profile.SupportsCtag {
		info, err := s.client.PropfindCollection(ctx, cal.CaldavURL)
		switch {
		case isAuth(err):
			return Result{Kind: KindFailed, AuthError: true, Err: err}
		case err != nil:
			// a ctag-less server is not an error; proceed without the
			// short-circuit
			s.logger.Debug().Err(err).Str("calendar", cal.CaldavURL).Msg("ctag probe failed, proceeding")
		default:
			if !opts.ForceFull && info.CTag != "" && info.CTag == cal.CTag {
				return Result{Kind: KindNoChanges}
			}
			ctag = info.CTag
			serverToken = info.SyncToken
		}
	}

	if cal.SyncToken != "" && !opts.ForceFull && s.profile.SupportsSyncCollection {
		res := s.pullIncremental(ctx, cal, opts, ctag)
		if !res.expiredToken {
			return res.Result
		}
		s.logger.Info().Str("calendar", cal.CaldavURL).Msg("sync token expired, falling back to full sync")
	}
	return s.pullFull(ctx, cal, opts, ctag, serverToken)
}

type incrementalResult struct {
	Result
	expiredToken bool
}

func (s *Strategy) pullIncremental(ctx context.Context, cal *storage.Calendar, opts Options, ctag string) incrementalResult {
	cs, err := s.client.SyncCollection(ctx, cal.CaldavURL, cal.SyncToken)
	if err != nil {
		if isGone(err) {
			return incrementalResult{expiredToken: true}
		}
		if isAuth(err) {
			return incrementalResult{Result: Result{Kind: KindFailed, AuthError: true, Err: err}}
		}
		return incrementalResult{Result: Result{Kind: KindFailed, Err: err}}
	}

	var c counters

	// iCloud repeats hrefs within one delta; one fetch per resource
	changed := dedupeByHref(cs.Changed)

	for _, href := range cs.Deleted {
		full := s.profile.BuildEventURL(cal.CaldavURL, href)
		ev, err := s.store.GetEventByCaldavURL(ctx, full)
		if err != nil {
			return incrementalResult{Result: Result{Kind: KindFailed, Err: err}}
		}
		if ev == nil || ev.SyncStatus != storage.StatusSynced || opts.recentlyPushed(ev.ID) {
			continue
		}
		if err := s.store.DeleteEvent(ctx, ev.ID); err != nil {
			return incrementalResult{Result: Result{Kind: KindFailed, Err: err}}
		}
		c.deleted++
	}

	hrefs := make([]string, 0, len(changed))
	for _, r := range changed {
		hrefs = append(hrefs, r.Href)
	}
	resources, err := s.fetchBodies(ctx, cal, hrefs)
	if err != nil {
		if isAuth(err) {
			return incrementalResult{Result: Result{Kind: KindFailed, AuthError: true, Err: err}}
		}
		return incrementalResult{Result: Result{Kind: KindFailed, Err: err}}
	}
	for _, res := range resources {
		s.processEvent(ctx, cal, res, opts, &c)
	}

	if _, err := s.store.DeleteDuplicateMasterEvents(ctx, cal.ID); err != nil {
		s.logger.Warn().Err(err).Int64("calendar", cal.ID).Msg("duplicate master cleanup failed")
	}

	if c.parseFailures > 0 && cal.ParseRetryCount < s.cfg.MaxParseRetries {
		// Hold both tokens at their previous values; advancing the ctag
		// alone would make the next cycle short-circuit and the failed
		// resources would never be refetched.
		if err := s.store.UpdateCalendarParseRetry(ctx, cal.ID, cal.ParseRetryCount+1); err != nil {
			return incrementalResult{Result: Result{Kind: KindFailed, Err: err}}
		}
		cal.ParseRetryCount++
		return incrementalResult{Result: c.result()}
	}

	if err := s.finishPull(ctx, cal, ctag, cs.NewSyncToken); err != nil {
		return incrementalResult{Result: Result{Kind: KindFailed, Err: err}}
	}
	return incrementalResult{Result: c.result()}
}

func (s *Strategy) pullFull(ctx context.Context, cal *storage.Calendar, opts Options, ctag, serverToken string) Result {
	if _, err := s.store.DeleteDuplicateMasterEvents(ctx, cal.ID); err != nil {
		s.logger.Warn().Err(err).Int64("calendar", cal.ID).Msg("duplicate master cleanup failed")
	}

	now := s.now().UTC()
	from := now.Add(-s.cfg.PullWindowBefore)
	to := now.Add(s.cfg.PullWindowAfter)

	listing, err := s.client.ListETagsInRange(ctx, cal.CaldavURL, from, to)
	if err != nil {
		if isAuth(err) {
			return Result{Kind: KindFailed, AuthError: true, Err: err}
		}
		return Result{Kind: KindFailed, Err: err}
	}

	var c counters

	if len(listing) == 0 {
		// An empty listing more often signals a server hiccup than a
		// truly emptied calendar; deletions wait for a non-empty answer.
		if err := s.finishPull(ctx, cal, ctag, serverToken); err != nil {
			return Result{Kind: KindFailed, Err: err}
		}
		return c.result()
	}

	serverSet := make(map[string]string, len(listing))
	var fetchHrefs []string
	for _, r := range listing {
		full := s.profile.BuildEventURL(cal.CaldavURL, r.Href)
		serverSet[full] = r.ETag

		local, err := s.store.GetEventByCaldavURL(ctx, full)
		if err != nil {
			return Result{Kind: KindFailed, Err: err}
		}
		if local != nil && local.ETag == r.ETag && local.SyncStatus == storage.StatusSynced {
			continue
		}
		fetchHrefs = append(fetchHrefs, r.Href)
	}

	locals, err := s.store.ListEventsByCalendar(ctx, cal.ID, &from, &to)
	if err != nil {
		return Result{Kind: KindFailed, Err: err}
	}
	for _, ev := range locals {
		if ev.IsException() || ev.CaldavURL == "" {
			continue
		}
		if _, onServer := serverSet[ev.CaldavURL]; onServer {
			continue
		}
		if ev.SyncStatus != storage.StatusSynced || opts.recentlyPushed(ev.ID) {
			continue
		}
		if err := s.store.DeleteEvent(ctx, ev.ID); err != nil {
			return Result{Kind: KindFailed, Err: err}
		}
		c.deleted++
	}

	resources, err := s.fetchBodies(ctx, cal, fetchHrefs)
	if err != nil {
		if isAuth(err) {
			return Result{Kind: KindFailed, AuthError: true, Err: err}
		}
		return Result{Kind: KindFailed, Err: err}
	}
	for _, res := range resources {
		s.processEvent(ctx, cal, res, opts, &c)
	}

	if err := s.finishPull(ctx, cal, ctag, serverToken); err != nil {
		return Result{Kind: KindFailed, Err: err}
	}
	return c.result()
}

// finishPull advances the collection metadata and clears the parse-retry
// counter; it runs only after every committed batch of a successful pull.
func (s *Strategy) finishPull(ctx context.Context, cal *storage.Calendar, ctag, syncToken string) error {
	if syncToken == "" {
		syncToken = cal.SyncToken
	}
	if err := s.store.UpdateCalendarSyncMeta(ctx, cal.ID, ctag, syncToken); err != nil {
		return err
	}
	if cal.ParseRetryCount != 0 {
		if err := s.store.UpdateCalendarParseRetry(ctx, cal.ID, 0); err != nil {
			return err
		}
		cal.ParseRetryCount = 0
	}
	cal.CTag = ctag
	cal.SyncToken = syncToken
	return nil
}

// fetchBodies runs the calendar-multiget leg: hrefs chunked to the
// profile's batch size, batches issued concurrently under the in-flight
// cap, with the single-href fallback for servers that return an empty
// multi-href response.
func (s *Strategy) fetchBodies(ctx context.Context, cal *storage.Calendar, hrefs []string) ([]caldavclient.Resource, error) {
	if len(hrefs) == 0 {
		return nil, nil
	}
	batchSize := s.profile.MultigetBatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.MultigetBatchSize
	}

	inflight := int64(s.cfg.MaxInFlightFetches)
	if inflight < 1 {
		inflight = 1
	}
	sem := semaphore.NewWeighted(inflight)

	var mu sync.Mutex
	var out []caldavclient.Resource

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(hrefs); start += batchSize {
		batch := hrefs[start:min(start+batchSize, len(hrefs))]
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			if err := s.limiter.Wait(gctx); err != nil {
				return err
			}

			resources, err := s.client.MultiGet(gctx, cal.CaldavURL, batch)
			if err != nil {
				return err
			}
			if len(resources) == 0 && len(batch) > 1 && s.profile.EmptyMultigetFallback {
				resources = s.fetchSingles(gctx, cal, batch)
			}
			mu.Lock()
			out = append(out, resources...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// fetchSingles re-issues each href of a failed batch on its own;
// individual failures are swallowed, a partial result beats none.
func (s *Strategy) fetchSingles(ctx context.Context, cal *storage.Calendar, hrefs []string) []caldavclient.Resource {
	var mu sync.Mutex
	var out []caldavclient.Resource

	var wg sync.WaitGroup
	for _, href := range hrefs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			resources, err := s.client.MultiGet(ctx, cal.CaldavURL, []string{href})
			if err != nil {
				s.logger.Debug().Err(err).Str("href", href).Msg("single-href fallback failed")
				return
			}
			mu.Lock()
			out = append(out, resources...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

type counters struct {
	added, updated, deleted int
	parseFailures           int
	constraintSkips         int
}

func (c counters) result() Result {
	return Result{
		Kind:                   KindSuccess,
		Added:                  c.added,
		Updated:                c.updated,
		Deleted:                c.deleted,
		SkippedParseError:      c.parseFailures,
		SkippedConstraintError: c.constraintSkips,
	}
}

// processEvent folds one fetched resource into the local store. Every
// outcome is absorbed into the counters: parse failures and constraint
// violations never abort the surrounding pull.
func (s *Strategy) processEvent(ctx context.Context, cal *storage.Calendar, res caldavclient.Resource, opts Options, c *counters) {
	data := s.profile.NormalizeICSResponse(res.Data)
	parsed, err := ical.Parse(data)
	if err != nil {
		c.parseFailures++
		s.logger.Warn().Err(err).Str("href", res.Href).Msg("unparseable calendar resource")
		return
	}
	if !parsed.IsEvent || parsed.Master == nil {
		// VTODO/VJOURNAL/VFREEBUSY live legitimately in many calendars
		return
	}

	fullURL := s.profile.BuildEventURL(cal.CaldavURL, res.Href)

	const (
		outcomeSkipped = iota
		outcomeAdded
		outcomeUpdated
	)
	outcome := outcomeSkipped

	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		existing, err := tx.GetEventByUID(ctx, cal.ID, parsed.Master.UID)
		if err != nil {
			return err
		}
		if existing == nil {
			// UID rewritten server-side; the resource URL is the stable key
			existing, err = tx.GetEventByCaldavURL(ctx, fullURL)
			if err != nil {
				return err
			}
		}
		if existing != nil {
			if existing.SyncStatus != storage.StatusSynced {
				return nil // protect pending local writes
			}
			if res.ETag != "" && existing.ETag == res.ETag {
				return nil // stale CDN replay after our own push
			}
			if opts.recentlyPushed(existing.ID) {
				return nil
			}
		}

		row := eventconv.FromIcal(parsed.Master, cal.ID)
		if existing != nil {
			row.ID = existing.ID
			outcome = outcomeUpdated
		} else {
			outcome = outcomeAdded
		}
		row.CaldavURL = fullURL
		row.ETag = res.ETag
		row.RawIcal = string(data)
		row.SyncStatus = storage.StatusSynced

		masterID, err := tx.UpsertEvent(ctx, row)
		if err != nil {
			return err
		}
		row.ID = masterID

		if row.RRule != "" {
			from := s.now().UTC().Add(-s.cfg.PullWindowBefore)
			to := s.now().UTC().Add(s.cfg.PullWindowAfter)
			if err := s.occ.GenerateOccurrences(row, from, to); err != nil {
				s.logger.Warn().Err(err).Str("uid", row.UID).Msg("occurrence expansion failed")
			}
		} else if err := s.occ.RegenerateOccurrences(row); err != nil {
			s.logger.Warn().Err(err).Str("uid", row.UID).Msg("occurrence regeneration failed")
		}

		for _, ex := range parsed.Exceptions {
			if ex.RecurrenceID == nil {
				continue
			}
			exRow := eventconv.FromIcal(ex, cal.ID)
			exRow.SyncStatus = storage.StatusSynced
			if _, err := s.occ.LinkException(ctx, tx, masterID, *ex.RecurrenceID, exRow); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.constraintSkips++
		if isConstraintViolation(err) {
			s.logger.Warn().Err(err).Str("href", res.Href).Msg("constraint violation, skipping resource")
		} else {
			s.logger.Error().Err(err).Str("href", res.Href).Msg("upsert failed, skipping resource")
		}
		return
	}

	switch outcome {
	case outcomeAdded:
		c.added++
	case outcomeUpdated:
		c.updated++
	}
}

func dedupeByHref(in []caldavclient.Resource) []caldavclient.Resource {
	seen := make(map[string]struct{}, len(in))
	out := make([]caldavclient.Resource, 0, len(in))
	for _, r := range in {
		if _, dup := seen[r.Href]; dup {
			continue
		}
		seen[r.Href] = struct{}{}
		out = append(out, r)
	}
	return out
}

func isAuth(err error) bool {
	var werr *caldavclient.WireError
	return errors.As(err, &werr) && werr.Kind == caldavclient.ErrKindAuth
}

func isGone(err error) bool {
	var werr *caldavclient.WireError
	return errors.As(err, &werr) && werr.Kind == caldavclient.ErrKindGone
}

func isConstraintViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint") || strings.Contains(msg, "sqlstate 23")
}
