package ical

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDateTimeProp interprets a DTSTART/DTEND/RECURRENCE-ID value together
// with its VALUE and TZID params, covering the DTSTART variants:
// VALUE=DATE is a floating all-day date, a Z suffix is UTC, a TZID param is
// wall-clock time in that zone, and anything else is floating local time.
func ParseDateTimeProp(value, valueParam, tzidParam string) (t time.Time, isAllDay bool, tzid string, isUTC bool, floating bool, err error) {
	value = strings.TrimSpace(value)

	if strings.EqualFold(valueParam, "DATE") || (len(value) == 8 && !strings.Contains(value, "T")) {
		t, err = time.Parse("20060102", value)
		return t, true, "", false, true, err
	}

	if strings.HasSuffix(value, "Z") {
		t, err = time.Parse("20060102T150405Z", value)
		return t, false, "", true, false, err
	}

	if tzidParam != "" {
		loc, lerr := time.LoadLocation(tzidParam)
		if lerr != nil {
			loc = time.UTC
		}
		t, err = time.ParseInLocation("20060102T150405", value, loc)
		return t, false, tzidParam, false, false, err
	}

	t, err = time.ParseInLocation("20060102T150405", value, time.Local)
	return t, false, "", false, true, err
}

// FormatDateTimeProp is the inverse of ParseDateTimeProp: it renders a time
// value the way the corresponding DTSTART/DTEND/RECURRENCE-ID variant would.
func FormatDateTimeProp(t time.Time, isAllDay bool, tzid string, isUTC bool) string {
	switch {
	case isAllDay:
		return t.Format("20060102")
	case isUTC:
		return t.UTC().Format("20060102T150405Z")
	case tzid != "":
		return t.Format("20060102T150405")
	default:
		return t.Format("20060102T150405")
	}
}

// ParseMultiDate parses a comma-separated EXDATE/RDATE value list.
func ParseMultiDate(value string) []time.Time {
	var out []time.Time
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if t, _, _, _, _, err := ParseDateTimeProp(part, "", ""); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// FormatMultiDate renders a list of dates as an EXDATE/RDATE value.
func FormatMultiDate(dates []time.Time, isAllDay, isUTC bool) string {
	parts := make([]string, 0, len(dates))
	for _, d := range dates {
		parts = append(parts, FormatDateTimeProp(d, isAllDay, "", isUTC))
	}
	return strings.Join(parts, ",")
}

// ParseISODuration parses a RFC 5545 DURATION value ("-PT15M", "P1D", ...).
func ParseISODuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	} else if strings.HasPrefix(s, "+") {
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	s = s[1:]

	var weeks, days, hours, minutes, seconds int
	var inTime bool
	var num strings.Builder
	assign := func(unit byte) error {
		if num.Len() == 0 {
			return nil
		}
		n, err := strconv.Atoi(num.String())
		if err != nil {
			return err
		}
		switch unit {
		case 'W':
			weeks = n
		case 'D':
			days = n
		case 'H':
			hours = n
		case 'M':
			if inTime {
				minutes = n
			}
		case 'S':
			seconds = n
		}
		num.Reset()
		return nil
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case 'T':
			inTime = true
		case 'W', 'D', 'H', 'M', 'S':
			if err := assign(c); err != nil {
				return 0, err
			}
		default:
			num.WriteByte(c)
		}
	}

	d := time.Duration(weeks)*7*24*time.Hour +
		time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second
	if neg {
		d = -d
	}
	return d, nil
}

// FormatISODuration renders a time.Duration as an RFC 5545 DURATION value.
func FormatISODuration(d time.Duration) string {
	neg := d < 0
	if neg {
		d = -d
	}
	totalSeconds := int64(d / time.Second)
	days := totalSeconds / 86400
	rem := totalSeconds % 86400
	hours := rem / 3600
	rem %= 3600
	minutes := rem / 60
	seconds := rem % 60

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte('P')
	if days > 0 {
		fmt.Fprintf(&b, "%dD", days)
	}
	if hours > 0 || minutes > 0 || seconds > 0 {
		b.WriteByte('T')
		if hours > 0 {
			fmt.Fprintf(&b, "%dH", hours)
		}
		if minutes > 0 {
			fmt.Fprintf(&b, "%dM", minutes)
		}
		if seconds > 0 {
			fmt.Fprintf(&b, "%dS", seconds)
		}
	}
	if b.Len() == 1 || (neg && b.Len() == 2) {
		b.WriteString("T0S")
	}
	return b.String()
}
