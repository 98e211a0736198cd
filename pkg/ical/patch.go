package ical

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// propName returns the uppercased property name portion of a logical
// content line, ignoring any parameters after the first ';' and the value
// after the first ':'.
func propName(line string) string {
	cut := len(line)
	if i := strings.IndexAny(line, ";:"); i >= 0 {
		cut = i
	}
	return strings.ToUpper(line[:cut])
}

// findComponent locates the [start,end] inclusive line range of the VEVENT
// component matching target (nil RecurrenceID selects the master; a
// non-nil one selects the exception whose RECURRENCE-ID equals it).
func findComponent(lines []string, target *time.Time) (start, end int, ok bool) {
	for i := 0; i < len(lines); i++ {
		if strings.ToUpper(strings.TrimSpace(lines[i])) != "BEGIN:VEVENT" {
			continue
		}
		depth := 1
		j := i + 1
		var recID *time.Time
		for ; j < len(lines) && depth > 0; j++ {
			u := strings.ToUpper(strings.TrimSpace(lines[j]))
			switch {
			case strings.HasPrefix(u, "BEGIN:"):
				depth++
			case strings.HasPrefix(u, "END:"):
				depth--
			case depth == 1 && propName(lines[j]) == "RECURRENCE-ID":
				if idx := strings.IndexByte(lines[j], ':'); idx >= 0 {
					val := lines[j][idx+1:]
					t, _, _, _, _, err := ParseDateTimeProp(val, paramOf(lines[j], "VALUE"), paramOf(lines[j], "TZID"))
					if err == nil {
						recID = &t
					}
				}
			}
		}
		end = j - 1
		matches := (target == nil && recID == nil) || (target != nil && recID != nil && target.Equal(*recID))
		if matches {
			return i, end, true
		}
		i = end
	}
	return 0, 0, false
}

// paramOf extracts a parameter value (e.g. "TZID") from a raw content line.
func paramOf(line, param string) string {
	i := strings.IndexByte(line, ':')
	head := line
	if i >= 0 {
		head = line[:i]
	}
	for _, seg := range strings.Split(head, ";") {
		kv := strings.SplitN(seg, "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], param) {
			return kv[1]
		}
	}
	return ""
}

// PatchComponent rewrites the user-editable fields
// (SUMMARY, DESCRIPTION, LOCATION, DTSTART, DTEND/DURATION, RRULE, EXDATE,
// STATUS, CLASS, SEQUENCE) within the single VEVENT matching ev, bumps
// SEQUENCE, stamps DTSTAMP to now, and leaves every other line in the file
// byte-for-byte as parsed (VALARM, ATTENDEE, ORGANIZER, CATEGORIES, X-*,
// VTIMEZONE, sibling VEVENTs).
func PatchComponent(rawIcal []byte, ev *Event, now time.Time) ([]byte, error) {
	lines := UnfoldLines(rawIcal)
	start, end, ok := findComponent(lines, ev.RecurrenceID)
	if !ok {
		return nil, errComponentNotFound
	}

	head := lines[:start]
	tail := lines[end+1:]
	body := lines[start : end+1]

	newBody := patchComponentLines(body, ev, now)

	out := make([]string, 0, len(head)+len(newBody)+len(tail))
	out = append(out, head...)
	out = append(out, newBody...)
	out = append(out, tail...)
	return FoldAll(out), nil
}

func patchComponentLines(body []string, ev *Event, now time.Time) []string {
	out := make([]string, 0, len(body)+8)
	out = append(out, body[0]) // BEGIN:VEVENT

	depth := 0
	existingSeq := ev.Sequence
	sawSeq := false
	for i := 1; i < len(body)-1; i++ {
		line := body[i]
		u := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(u, "BEGIN:"):
			depth++
			out = append(out, line)
			continue
		case strings.HasPrefix(u, "END:"):
			depth--
			out = append(out, line)
			continue
		}
		if depth > 0 {
			out = append(out, line)
			continue
		}
		name := propName(line)
		switch name {
		case "SUMMARY", "DESCRIPTION", "LOCATION", "DTSTART", "DTEND", "DURATION",
			"RRULE", "EXDATE", "STATUS", "CLASS", "DTSTAMP":
			// dropped; rebuilt below
			continue
		case "SEQUENCE":
			if n, err := strconv.Atoi(strings.TrimSpace(line[strings.IndexByte(line, ':')+1:])); err == nil {
				existingSeq = n
				sawSeq = true
			}
			continue
		default:
			out = append(out, line)
		}
	}

	if sawSeq {
		ev.Sequence = existingSeq + 1
	} else if ev.Sequence == 0 {
		ev.Sequence = 1
	}
	ev.DTStamp = now

	out = append(out, buildEditableLines(ev)...)
	out = append(out, body[len(body)-1]) // END:VEVENT
	return out
}

// buildEditableLines renders the user-editable property set for
// ev, in a stable order, as logical (unfolded) content lines.
func buildEditableLines(ev *Event) []string {
	var lines []string
	if ev.Summary != "" {
		lines = append(lines, "SUMMARY:"+EscapeText(ev.Summary))
	}
	if ev.Description != "" {
		lines = append(lines, "DESCRIPTION:"+EscapeText(ev.Description))
	}
	if ev.Location != "" {
		lines = append(lines, "LOCATION:"+EscapeText(ev.Location))
	}
	lines = append(lines, dtLine("DTSTART", ev.Start, ev.IsAllDay, ev.TZID, ev.IsUTC))
	if !ev.IsAllDay || !ev.End.IsZero() {
		if !ev.End.IsZero() && !ev.End.Equal(ev.Start) {
			lines = append(lines, dtLine("DTEND", ev.End, ev.IsAllDay, ev.TZID, ev.IsUTC))
		}
	}
	if ev.RRule != "" {
		lines = append(lines, "RRULE:"+ev.RRule)
	}
	if len(ev.ExDates) > 0 {
		lines = append(lines, dtListLine("EXDATE", ev.ExDates, ev.IsAllDay, ev.IsUTC))
	}
	if ev.Status != "" {
		lines = append(lines, "STATUS:"+ev.Status)
	}
	if ev.Class != "" {
		lines = append(lines, "CLASS:"+ev.Class)
	}
	lines = append(lines, "SEQUENCE:"+strconv.Itoa(ev.Sequence))
	lines = append(lines, "DTSTAMP:"+ev.DTStamp.UTC().Format("20060102T150405Z"))
	return lines
}

func dtLine(name string, t time.Time, isAllDay bool, tzid string, isUTC bool) string {
	var b strings.Builder
	b.WriteString(name)
	switch {
	case isAllDay:
		b.WriteString(";VALUE=DATE")
	case tzid != "":
		b.WriteString(";TZID=" + tzid)
	}
	b.WriteByte(':')
	b.WriteString(FormatDateTimeProp(t, isAllDay, tzid, isUTC))
	return b.String()
}

func dtListLine(name string, dates []time.Time, isAllDay, isUTC bool) string {
	sorted := make([]time.Time, len(dates))
	copy(sorted, dates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	return name + ":" + FormatMultiDate(sorted, isAllDay, isUTC)
}

type patchError string

func (e patchError) Error() string { return string(e) }

const errComponentNotFound = patchError("ical: matching VEVENT component not found in rawIcal")
