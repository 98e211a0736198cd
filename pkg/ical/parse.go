package ical

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"
)

// knownEventProps are the properties the local model represents and that
// the patching serializer is allowed to rewrite; everything else on a
// VEVENT is preserved verbatim.
var knownEventProps = map[string]bool{
	"SUMMARY":     true,
	"DESCRIPTION": true,
	"LOCATION":    true,
	"DTSTART":     true,
	"DTEND":       true,
	"DURATION":    true,
	"RRULE":       true,
	"EXDATE":      true,
	"STATUS":      true,
	"CLASS":       true,
	"SEQUENCE":    true,
}

// DetectComponent decodes data and returns the name of the first
// VEVENT/VTODO/VJOURNAL/VFREEBUSY component, so callers can classify
// non-VEVENT bodies as non-event resources rather than parse failures.
func DetectComponent(data []byte) (string, error) {
	cal, err := goical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return "", fmt.Errorf("decode calendar: %w", err)
	}
	for _, child := range cal.Children {
		switch child.Name {
		case goical.CompEvent, goical.CompToDo, goical.CompJournal, "VFREEBUSY":
			return child.Name, nil
		}
	}
	return "", fmt.Errorf("no recognized component")
}

// Parse decodes a CalDAV resource body into a master event plus its
// RECURRENCE-ID exceptions. VTODO/VJOURNAL/VFREEBUSY bodies return
// IsEvent=false and a nil error: a task list living in a calendar is not
// a parse failure.
func Parse(data []byte) (*ParsedCalendar, error) {
	cal, err := goical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("decode calendar: %w", err)
	}

	var events []*Event
	sawEvent := false
	for _, comp := range cal.Children {
		switch comp.Name {
		case goical.CompEvent:
			sawEvent = true
			ev, perr := parseEventComponent(comp)
			if perr != nil {
				return nil, perr
			}
			events = append(events, ev)
		case goical.CompToDo, goical.CompJournal, "VFREEBUSY":
			// recognized, silently skipped
		}
	}

	if !sawEvent {
		return &ParsedCalendar{IsEvent: false}, nil
	}

	out := &ParsedCalendar{IsEvent: true}
	for _, ev := range events {
		if ev.RecurrenceID != nil {
			out.Exceptions = append(out.Exceptions, ev)
		} else if out.Master == nil {
			out.Master = ev
		} else {
			// Duplicate master components: treat extras as exceptions
			// lacking a RECURRENCE-ID is malformed input, but keep going
			// rather than fail the whole resource.
			out.Exceptions = append(out.Exceptions, ev)
		}
	}
	return out, nil
}

func parseEventComponent(comp *goical.Component) (*Event, error) {
	ev := &Event{ExtraProperties: map[string]string{}}

	uid := comp.Props.Get(goical.PropUID)
	if uid == nil || uid.Value == "" {
		return nil, fmt.Errorf("missing UID")
	}
	ev.UID = uid.Value

	dtstamp := comp.Props.Get(goical.PropDateTimeStamp)
	if dtstamp == nil {
		return nil, fmt.Errorf("missing DTSTAMP")
	}
	if t, _, _, _, _, err := ParseDateTimeProp(dtstamp.Value, dtstamp.Params.Get("VALUE"), dtstamp.Params.Get("TZID")); err == nil {
		ev.DTStamp = t
	}

	dtstart := comp.Props.Get(goical.PropDateTimeStart)
	if dtstart == nil {
		return nil, fmt.Errorf("missing DTSTART")
	}
	start, isAllDay, tzid, isUTC, floating, err := ParseDateTimeProp(dtstart.Value, dtstart.Params.Get("VALUE"), dtstart.Params.Get("TZID"))
	if err != nil {
		return nil, fmt.Errorf("invalid DTSTART: %w", err)
	}
	ev.Start, ev.IsAllDay, ev.TZID, ev.IsUTC, ev.Floating = start, isAllDay, tzid, isUTC, floating

	if dtend := comp.Props.Get(goical.PropDateTimeEnd); dtend != nil {
		end, _, _, _, _, err := ParseDateTimeProp(dtend.Value, dtend.Params.Get("VALUE"), dtend.Params.Get("TZID"))
		if err != nil {
			return nil, fmt.Errorf("invalid DTEND: %w", err)
		}
		ev.End = end
	} else if dur := comp.Props.Get(goical.PropDuration); dur != nil {
		d, err := ParseISODuration(dur.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid DURATION: %w", err)
		}
		ev.End = ev.Start.Add(d)
	} else if isAllDay {
		ev.End = ev.Start.Add(24 * time.Hour)
	} else {
		ev.End = ev.Start
	}

	if p := comp.Props.Get(goical.PropSummary); p != nil {
		ev.Summary = p.Value
	}
	if p := comp.Props.Get(goical.PropDescription); p != nil {
		ev.Description = p.Value
	}
	if p := comp.Props.Get(goical.PropLocation); p != nil {
		ev.Location = p.Value
	}
	if p := comp.Props.Get(goical.PropStatus); p != nil {
		ev.Status = p.Value
	}
	if p := comp.Props.Get(goical.PropClass); p != nil {
		ev.Class = p.Value
	}
	if p := comp.Props.Get(goical.PropSequence); p != nil {
		if n, err := strconv.Atoi(p.Value); err == nil {
			ev.Sequence = n
		}
	}
	if p := comp.Props.Get(goical.PropRecurrenceRule); p != nil {
		ev.RRule = p.Value
	}
	for _, p := range comp.Props.Values(goical.PropExceptionDates) {
		ev.ExDates = append(ev.ExDates, ParseMultiDate(p.Value)...)
	}
	if p := comp.Props.Get(goical.PropRecurrenceID); p != nil {
		t, _, _, _, _, err := ParseDateTimeProp(p.Value, p.Params.Get("VALUE"), p.Params.Get("TZID"))
		if err == nil {
			ev.RecurrenceID = &t
		}
	}
	if p := comp.Props.Get(goical.PropOrganizer); p != nil {
		ev.Organizer = p.Value
	}
	for _, p := range comp.Props.Values(goical.PropAttendee) {
		ev.Attendees = append(ev.Attendees, p.Value)
	}
	for _, p := range comp.Props.Values(goical.PropCategories) {
		for _, c := range strings.Split(p.Value, ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				ev.Categories = append(ev.Categories, c)
			}
		}
	}

	for _, child := range comp.Children {
		if child.Name == goical.CompAlarm && len(ev.Alarms) < 3 {
			if trig := child.Props.Get(goical.PropTrigger); trig != nil {
				ev.Alarms = append(ev.Alarms, Alarm{Trigger: trig.Value})
			}
		}
	}

	for name, props := range comp.Props {
		up := strings.ToUpper(name)
		if knownEventProps[up] || up == "UID" || up == "DTSTAMP" || up == "RECURRENCE-ID" ||
			up == "ORGANIZER" || up == "ATTENDEE" || up == "CATEGORIES" {
			continue
		}
		if len(props) > 0 {
			ev.ExtraProperties[up] = props[0].Value
		}
	}

	return ev, nil
}
