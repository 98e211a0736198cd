package ical

import (
	"strings"
	"testing"
	"time"
)

const simpleEventICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//KashCal//Test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:kashcal-roundtrip-1\r\n" +
	"DTSTAMP:20231215T120000Z\r\n" +
	"DTSTART:20231215T140000Z\r\n" +
	"DTEND:20231215T150000Z\r\n" +
	"SUMMARY:Team Meeting\r\n" +
	"SEQUENCE:0\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestSimpleRoundTrip(t *testing.T) {
	parsed, err := Parse([]byte(simpleEventICS))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.IsEvent || parsed.Master == nil {
		t.Fatalf("expected a master event")
	}
	m := parsed.Master
	if m.UID != "kashcal-roundtrip-1" {
		t.Fatalf("uid = %q", m.UID)
	}
	if m.Summary != "Team Meeting" {
		t.Fatalf("summary = %q", m.Summary)
	}
	if m.Start.UTC().UnixMilli() != 1702648800000 {
		t.Fatalf("dtstart.ts = %d, want 1702648800000", m.Start.UTC().UnixMilli())
	}

	out, err := Serialize(m, []byte(simpleEventICS), "-//KashCal//Test//EN", time.Now().UTC())
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	reparsed, err := Parse(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if reparsed.Master.UID != m.UID || reparsed.Master.Summary != m.Summary {
		t.Fatalf("round trip mismatch: %+v", reparsed.Master)
	}
	if reparsed.Master.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1 (incremented)", reparsed.Master.Sequence)
	}
}

const fourAlarmICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//KashCal//Test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:kashcal-alarms-1\r\n" +
	"DTSTAMP:20231215T120000Z\r\n" +
	"DTSTART:20231215T140000Z\r\n" +
	"DTEND:20231215T150000Z\r\n" +
	"SUMMARY:Four Alarms\r\n" +
	"SEQUENCE:0\r\n" +
	"BEGIN:VALARM\r\n" +
	"ACTION:DISPLAY\r\n" +
	"TRIGGER:-PT1H\r\n" +
	"DESCRIPTION:Reminder\r\n" +
	"END:VALARM\r\n" +
	"BEGIN:VALARM\r\n" +
	"ACTION:DISPLAY\r\n" +
	"TRIGGER:-PT15M\r\n" +
	"DESCRIPTION:Reminder\r\n" +
	"END:VALARM\r\n" +
	"BEGIN:VALARM\r\n" +
	"ACTION:DISPLAY\r\n" +
	"TRIGGER:-PT5M\r\n" +
	"DESCRIPTION:Reminder\r\n" +
	"END:VALARM\r\n" +
	"BEGIN:VALARM\r\n" +
	"ACTION:DISPLAY\r\n" +
	"TRIGGER:-PT30M\r\n" +
	"DESCRIPTION:Reminder\r\n" +
	"END:VALARM\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestFourAlarmSurvival(t *testing.T) {
	parsed, err := Parse([]byte(fourAlarmICS))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed.Master.Alarms) != 3 {
		t.Fatalf("entity should only store first 3 alarms, got %d", len(parsed.Master.Alarms))
	}

	out, err := Serialize(parsed.Master, []byte(fourAlarmICS), "-//KashCal//Test//EN", time.Now().UTC())
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	if n := strings.Count(string(out), "BEGIN:VALARM"); n != 4 {
		t.Fatalf("expected 4 VALARM blocks preserved in patched output, got %d", n)
	}

	reparsed, err := Parse(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	triggers := map[string]bool{}
	for _, a := range reparsed.Master.Alarms {
		triggers[a.Trigger] = true
	}
	// Re-parse only sees the first three again (by model design), but all
	// four physically exist in the patched ICS.
	want := []string{"-PT1H", "-PT15M", "-PT5M"}
	for _, w := range want {
		if !triggers[w] {
			t.Fatalf("missing trigger %q after patch round trip", w)
		}
	}
	wantAll := []string{"-PT1H", "-PT15M", "-PT5M", "-PT30M"}
	for _, w := range wantAll {
		if !strings.Contains(string(out), "TRIGGER:"+w) {
			t.Fatalf("patched output lost trigger %q", w)
		}
	}
}

func TestVTODONotAParseError(t *testing.T) {
	vtodo := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VTODO\r\nUID:task-1\r\nDTSTAMP:20231215T120000Z\r\nSUMMARY:Buy milk\r\nEND:VTODO\r\nEND:VCALENDAR\r\n"
	parsed, err := Parse([]byte(vtodo))
	if err != nil {
		t.Fatalf("VTODO must not be a parse error: %v", err)
	}
	if parsed.IsEvent {
		t.Fatalf("VTODO-only resource must not be classified as an event")
	}
}

func TestParseKeepsReminders(t *testing.T) {
	// This checks only that parsing carries the fixture's reminders into
	// the model (the pull-level etag skip that leaves stored reminders
	// alone is covered in internal/pull).
	parsed, err := Parse([]byte(fourAlarmICS))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed.Master.Alarms) == 0 {
		t.Fatalf("expected alarms present")
	}
}

func TestUnfoldFold(t *testing.T) {
	long := "SUMMARY:" + strings.Repeat("x", 100)
	folded := FoldLine(long)
	lines := UnfoldLines([]byte(folded))
	if len(lines) != 1 {
		t.Fatalf("unfold of a single folded line should yield 1 logical line, got %d", len(lines))
	}
	if lines[0] != long {
		t.Fatalf("unfold(fold(x)) != x:\n got: %q\nwant: %q", lines[0], long)
	}
}

func TestExceptionPatch(t *testing.T) {
	src := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\n" +
		"BEGIN:VEVENT\r\nUID:series-1\r\nDTSTAMP:20231215T120000Z\r\nDTSTART:20231215T140000Z\r\nDTEND:20231215T150000Z\r\nSUMMARY:Weekly\r\nRRULE:FREQ=WEEKLY\r\nSEQUENCE:0\r\nEND:VEVENT\r\n" +
		"BEGIN:VEVENT\r\nUID:series-1\r\nRECURRENCE-ID:20231222T140000Z\r\nDTSTAMP:20231215T120000Z\r\nDTSTART:20231222T160000Z\r\nDTEND:20231222T170000Z\r\nSUMMARY:Weekly (moved)\r\nSEQUENCE:0\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	parsed, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed.Exceptions) != 1 {
		t.Fatalf("expected 1 exception, got %d", len(parsed.Exceptions))
	}
	exc := parsed.Exceptions[0]
	exc.Summary = "Weekly (rescheduled again)"

	out, err := Serialize(exc, []byte(src), "-//KashCal//Test//EN", time.Now().UTC())
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if !strings.Contains(string(out), "Weekly (rescheduled again)") {
		t.Fatalf("exception patch did not apply")
	}
	if !strings.Contains(string(out), "SUMMARY:Weekly\r\n") {
		t.Fatalf("master component summary should be untouched by exception patch")
	}
}
