package ical

import (
	"time"
)

// GenerateFresh builds a complete ICS body from ev alone, used when no
// rawIcal is available to patch ("When rawIcal is null or
// unparseable: generate a fresh ICS from the Event alone").
func GenerateFresh(ev *Event, prodID string, now time.Time) []byte {
	var lines []string
	lines = append(lines, "BEGIN:VCALENDAR")
	lines = append(lines, "VERSION:2.0")
	lines = append(lines, "PRODID:"+prodID)
	lines = append(lines, "BEGIN:VEVENT")
	lines = append(lines, "UID:"+ev.UID)
	if ev.RecurrenceID != nil {
		lines = append(lines, dtLine("RECURRENCE-ID", *ev.RecurrenceID, ev.IsAllDay, ev.TZID, ev.IsUTC))
	}
	ev.DTStamp = now
	ev.Sequence = maxInt(ev.Sequence, 0)
	lines = append(lines, buildEditableLines(ev)...)

	if ev.Organizer != "" {
		lines = append(lines, "ORGANIZER:"+ev.Organizer)
	}
	for _, a := range ev.Attendees {
		lines = append(lines, "ATTENDEE:"+a)
	}
	if len(ev.Categories) > 0 {
		lines = append(lines, "CATEGORIES:"+joinEscaped(ev.Categories))
	}
	for k, v := range ev.ExtraProperties {
		lines = append(lines, k+":"+v)
	}
	for i, al := range ev.Alarms {
		if i >= 3 {
			break
		}
		lines = append(lines, "BEGIN:VALARM")
		lines = append(lines, "ACTION:DISPLAY")
		lines = append(lines, "TRIGGER:"+al.Trigger)
		lines = append(lines, "DESCRIPTION:Reminder")
		lines = append(lines, "END:VALARM")
	}
	lines = append(lines, "END:VEVENT")
	lines = append(lines, "END:VCALENDAR")

	// buildEditableLines writes SEQUENCE itself but generate mode should
	// not increment an already-zero sequence on first creation.
	return FoldAll(lines)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func joinEscaped(vals []string) string {
	out := ""
	for i, v := range vals {
		if i > 0 {
			out += ","
		}
		out += EscapeText(v)
	}
	return out
}
