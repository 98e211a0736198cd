// Package ical decodes CalDAV resource bodies into a structured event model
// and serializes that model back to iCalendar text, patching the original
// bytes rather than re-encoding them so that properties the model doesn't
// understand survive the round trip.
package ical

import "time"

// Alarm is a VALARM's trigger, kept only for the first three alarms a
// resource carries; the patching serializer leaves the VALARM blocks
// themselves untouched, so alarms beyond the third still round-trip, they
// just aren't visible to the local model.
type Alarm struct {
	Trigger string // e.g. "-PT15M", duration or absolute per RFC 5545
}

// Event is the structured representation of one VEVENT: either a recurring
// master or a RECURRENCE-ID exception. It never claims to model every
// property of the underlying component; ExtraProperties and the untouched
// VALARM/ATTENDEE/ORGANIZER/CATEGORIES/X-*/VTIMEZONE blocks cover the rest.
type Event struct {
	UID          string
	Summary      string
	Description  string
	Location     string
	Start        time.Time
	End          time.Time
	IsAllDay     bool
	TZID         string // non-empty for a wall-clock TZID start; empty for UTC/floating
	IsUTC        bool
	Floating     bool
	RRule        string
	ExDates      []time.Time
	Status       string // CONFIRMED / TENTATIVE / CANCELLED
	Class        string // PUBLIC / PRIVATE / CONFIDENTIAL
	Sequence     int
	DTStamp      time.Time
	RecurrenceID *time.Time // non-nil iff this is an exception

	Alarms     []Alarm
	Attendees  []string
	Organizer  string
	Categories []string

	// ExtraProperties holds every property this struct doesn't model,
	// keyed case-insensitively by property name, for fresh-generation mode
	// only; patch mode never consults this map because it never rewrites
	// lines it doesn't own.
	ExtraProperties map[string]string
}

// ParsedCalendar is the result of decoding one CalDAV resource body: a
// master VEVENT plus zero or more RECURRENCE-ID exceptions, or a signal
// that the resource is a non-event (VTODO/VJOURNAL/VFREEBUSY) that parsed
// fine but carries nothing this model represents.
type ParsedCalendar struct {
	IsEvent    bool
	Master     *Event
	Exceptions []*Event
}
