// Package eventconv maps between the wire-facing ical.Event and the
// durable storage.Event. The mapping is deliberately lossy in one
// direction only: alarms beyond the first three, attendees, organizer and
// categories stay behind in rawIcal, which the patching serializer
// consults when the event goes back out.
package eventconv

import (
	"encoding/json"
	"time"

	"github.com/KashCal/KashCal-sub000/internal/storage"
	"github.com/KashCal/KashCal-sub000/pkg/ical"
)

// maxStoredAlarms caps how many alarm triggers the local model keeps; the
// rest survive in rawIcal via the patcher.
const maxStoredAlarms = 3

// FromIcal maps a parsed VEVENT onto a storage row for calendarID. The
// caller fills CaldavURL, ETag, RawIcal and SyncStatus from the wire
// context afterwards.
func FromIcal(ev *ical.Event, calendarID int64) *storage.Event {
	e := &storage.Event{
		UID:         ev.UID,
		CalendarID:  calendarID,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		StartTs:     ev.Start.UnixMilli(),
		EndTs:       ev.End.UnixMilli(),
		IsAllDay:    ev.IsAllDay,
		Timezone:    ev.TZID,
		RRule:       ev.RRule,
		ExDate:      ical.FormatMultiDate(ev.ExDates, ev.IsAllDay, ev.IsUTC),
		DTStamp:     ev.DTStamp.UnixMilli(),
		Sequence:    ev.Sequence,
		Status:      ev.Status,
		Class:       ev.Class,
	}
	if ev.RecurrenceID != nil {
		ts := ev.RecurrenceID.UnixMilli()
		e.OriginalInstanceTime = &ts
	}

	alarms := ev.Alarms
	if len(alarms) > maxStoredAlarms {
		alarms = alarms[:maxStoredAlarms]
	}
	if len(alarms) > 0 {
		if data, err := json.Marshal(alarms); err == nil {
			e.Reminders = string(data)
		}
	}
	if len(ev.ExtraProperties) > 0 {
		if data, err := json.Marshal(ev.ExtraProperties); err == nil {
			e.ExtraProps = string(data)
		}
	}
	return e
}

// ToIcal reconstructs the structured event the serializer patches or
// generates from. Times come back as UTC instants; TZID and all-day
// markers steer how the serializer renders them.
func ToIcal(e *storage.Event) *ical.Event {
	ev := &ical.Event{
		UID:         e.UID,
		Summary:     e.Title,
		Description: e.Description,
		Location:    e.Location,
		Start:       time.UnixMilli(e.StartTs).UTC(),
		End:         time.UnixMilli(e.EndTs).UTC(),
		IsAllDay:    e.IsAllDay,
		TZID:        e.Timezone,
		IsUTC:       e.Timezone == "" && !e.IsAllDay,
		RRule:       e.RRule,
		ExDates:     ical.ParseMultiDate(e.ExDate),
		Status:      e.Status,
		Class:       e.Class,
		Sequence:    e.Sequence,
		DTStamp:     time.UnixMilli(e.DTStamp).UTC(),
	}
	if e.OriginalInstanceTime != nil {
		t := time.UnixMilli(*e.OriginalInstanceTime).UTC()
		ev.RecurrenceID = &t
	}
	if e.Reminders != "" {
		_ = json.Unmarshal([]byte(e.Reminders), &ev.Alarms)
	}
	if e.ExtraProps != "" {
		_ = json.Unmarshal([]byte(e.ExtraProps), &ev.ExtraProperties)
	}
	if ev.ExtraProperties == nil {
		ev.ExtraProperties = map[string]string{}
	}
	return ev
}
