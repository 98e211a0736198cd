// Package occurrence is the materialization collaborator the sync core
// drives after every master upsert: it expands recurring masters into
// concrete instances for a display window and normalizes RECURRENCE-ID
// exceptions into rows linked to their master. The core only depends on
// the Generator interface; Expander is the in-process implementation.
package occurrence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/KashCal/KashCal-sub000/internal/storage"
	"github.com/KashCal/KashCal-sub000/pkg/ical"
)

// Instance is one materialized occurrence of a master event.
type Instance struct {
	MasterID  int64
	StartTs   int64
	EndTs     int64
	Cancelled bool
	// ExceptionID points at the overriding event row when this instance
	// has been edited individually.
	ExceptionID *int64
}

// Generator is the interface the pull pipeline and EventWriter call.
// LinkException takes the caller's EventStore so the exception row lands
// in the same transaction as the master upsert that triggered it.
type Generator interface {
	GenerateOccurrences(master *storage.Event, from, to time.Time) error
	RegenerateOccurrences(master *storage.Event) error
	CancelOccurrence(masterID int64, instanceTime time.Time) error
	LinkException(ctx context.Context, es storage.EventStore, masterID int64, instanceTime time.Time, exception *storage.Event) (int64, error)
}

// Expander materializes occurrences in memory, keyed by master id:
// DTSTART glued onto the RRULE string, rrule.Between over the window,
// EXDATEs filtered out afterwards.
type Expander struct {
	mu        sync.Mutex
	instances map[int64][]Instance
}

func NewExpander() *Expander {
	return &Expander{instances: make(map[int64][]Instance)}
}

func (x *Expander) GenerateOccurrences(master *storage.Event, from, to time.Time) error {
	if master.RRule == "" {
		return x.RegenerateOccurrences(master)
	}

	start := time.UnixMilli(master.StartTs).UTC()
	duration := time.Duration(master.EndTs-master.StartTs) * time.Millisecond

	rruleStr := "DTSTART:" + start.Format("20060102T150405Z") + "\nRRULE:" + master.RRule
	rule, err := rrule.StrToRRule(rruleStr)
	if err != nil {
		return fmt.Errorf("occurrence: invalid RRULE %q: %w", master.RRule, err)
	}

	times := rule.Between(from.Add(-duration), to.Add(duration), true)
	times = filterExDates(times, ical.ParseMultiDate(master.ExDate))
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	out := make([]Instance, 0, len(times))
	for _, t := range times {
		out = append(out, Instance{
			MasterID: master.ID,
			StartTs:  t.UnixMilli(),
			EndTs:    t.Add(duration).UnixMilli(),
		})
	}

	x.mu.Lock()
	x.instances[master.ID] = out
	x.mu.Unlock()
	return nil
}

// RegenerateOccurrences replaces the instance set of a non-recurring
// master with its single occurrence.
func (x *Expander) RegenerateOccurrences(master *storage.Event) error {
	x.mu.Lock()
	x.instances[master.ID] = []Instance{{
		MasterID: master.ID,
		StartTs:  master.StartTs,
		EndTs:    master.EndTs,
	}}
	x.mu.Unlock()
	return nil
}

func (x *Expander) CancelOccurrence(masterID int64, instanceTime time.Time) error {
	ts := instanceTime.UnixMilli()
	x.mu.Lock()
	defer x.mu.Unlock()
	for i := range x.instances[masterID] {
		if x.instances[masterID][i].StartTs == ts {
			x.instances[masterID][i].Cancelled = true
			return nil
		}
	}
	return nil
}

// LinkException normalizes a RECURRENCE-ID override into a row linked to
// its master: an existing exception row for the same instant is updated in
// place (no duplicates), a new one is inserted, and the matching
// materialized instance is pointed at the row.
func (x *Expander) LinkException(ctx context.Context, es storage.EventStore, masterID int64, instanceTime time.Time, exception *storage.Event) (int64, error) {
	master, err := es.GetEventByID(ctx, masterID)
	if err != nil {
		return 0, err
	}
	if master == nil {
		return 0, fmt.Errorf("occurrence: master %d not found", masterID)
	}

	ts := instanceTime.UnixMilli()
	exception.UID = master.UID
	exception.CalendarID = master.CalendarID
	exception.OriginalEventID = &masterID
	exception.OriginalInstanceTime = &ts

	siblings, err := es.ListExceptions(ctx, masterID)
	if err != nil {
		return 0, err
	}
	for _, sib := range siblings {
		if sib.OriginalInstanceTime != nil && *sib.OriginalInstanceTime == ts {
			exception.ID = sib.ID
			break
		}
	}

	id, err := es.UpsertEvent(ctx, exception)
	if err != nil {
		return 0, err
	}
	exception.ID = id

	x.mu.Lock()
	for i := range x.instances[masterID] {
		if x.instances[masterID][i].StartTs == ts {
			x.instances[masterID][i].ExceptionID = &id
			x.instances[masterID][i].EndTs = exception.EndTs
		}
	}
	x.mu.Unlock()
	return id, nil
}

// Instances returns the current materialized set for a master, for the
// admin surface and tests.
func (x *Expander) Instances(masterID int64) []Instance {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]Instance, len(x.instances[masterID]))
	copy(out, x.instances[masterID])
	return out
}

func filterExDates(times []time.Time, exDates []time.Time) []time.Time {
	if len(exDates) == 0 {
		return times
	}
	out := times[:0]
next:
	for _, t := range times {
		for _, ex := range exDates {
			if t.Equal(ex) {
				continue next
			}
		}
		out = append(out, t)
	}
	return out
}
