package quirks

import (
	"testing"

	"github.com/KashCal/KashCal-sub000/internal/caldavclient"
)

func TestResolveByHostname(t *testing.T) {
	r := NewRegistry()

	cases := []struct {
		host string
		want string
	}{
		{"p01-caldav.icloud.com", "icloud"},
		{"apidata.googleusercontent.com", "google"},
		{"cloud.example.org", "default"},
	}
	for _, c := range cases {
		got := r.Resolve(c.host, "")
		if got.Name != c.want {
			t.Fatalf("Resolve(%q) = %q, want %q", c.host, got.Name, c.want)
		}
	}
}

func TestResolveHintOverridesHostname(t *testing.T) {
	r := NewRegistry()
	got := r.Resolve("example.org", "baikal")
	if got.Name != "baikal" {
		t.Fatalf("explicit hint should win, got %q", got.Name)
	}
}

func TestResolveIsMemoized(t *testing.T) {
	r := NewRegistry()
	a := r.Resolve("dav.fastmail.com", "")
	b := r.Resolve("dav.fastmail.com", "")
	if a.Name != b.Name {
		t.Fatalf("memoized resolution changed: %q != %q", a.Name, b.Name)
	}
}

func TestICloudQuirksDisableSyncCollection(t *testing.T) {
	r := NewRegistry()
	p := r.Resolve("p01-caldav.icloud.com", "")
	if p.SupportsSyncCollection {
		t.Fatalf("icloud profile should not claim sync-collection support")
	}
	if !p.DropsExdateOnFetch {
		t.Fatalf("icloud profile should flag EXDATE as unreliable on fetch")
	}
}

func TestBuildEventURL(t *testing.T) {
	cases := []struct {
		collection, href, want string
	}{
		{"https://nc.example.com/remote.php/dav/calendars/admin/personal/", "/remote.php/dav/calendars/admin/personal/e.ics",
			"https://nc.example.com/remote.php/dav/calendars/admin/personal/e.ics"},
		{"https://caldav.icloud.com/123/calendars/home/", "e.ics",
			"https://caldav.icloud.com/123/calendars/home/e.ics"},
		{"https://x.example.com/cal/", "https://y.example.com/cal/e.ics",
			"https://y.example.com/cal/e.ics"},
	}
	for _, c := range cases {
		if got := Default.BuildEventURL(c.collection, c.href); got != c.want {
			t.Fatalf("BuildEventURL(%q, %q) = %q, want %q", c.collection, c.href, got, c.want)
		}
	}
}

func TestFilterCalendarsDropsInboxAndNonEvent(t *testing.T) {
	in := []caldavclient.CalendarInfo{
		{Href: "/dav/calendars/u/personal/"},
		{Href: "/dav/calendars/u/inbox/"},
		{Href: "/dav/calendars/u/outbox/"},
		{Href: "/dav/calendars/u/tasks/", Components: []string{"VTODO"}},
		{Href: "/dav/calendars/u/work/", Components: []string{"VEVENT", "VTODO"}},
	}
	got := Default.FilterCalendars(in)
	if len(got) != 2 {
		t.Fatalf("kept %d collections, want 2: %#v", len(got), got)
	}
	if got[0].Href != "/dav/calendars/u/personal/" || got[1].Href != "/dav/calendars/u/work/" {
		t.Fatalf("wrong survivors: %#v", got)
	}
}

func TestNormalizeICSRepairsBareLF(t *testing.T) {
	in := []byte("BEGIN:VCALENDAR\nEND:VCALENDAR\n")
	out := Default.NormalizeICSResponse(in)
	if string(out) != "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n" {
		t.Fatalf("normalized = %q", out)
	}
	// already-CRLF input passes through untouched
	crlf := []byte("BEGIN:VCALENDAR\r\nX:a\nb\r\n")
	if string(Default.NormalizeICSResponse(crlf)) != string(crlf) {
		t.Fatalf("CRLF body should not be rewritten")
	}
}

func TestZohoProfile(t *testing.T) {
	r := NewRegistry()
	p := r.Resolve("calendar.zoho.com", "")
	if p.SupportsCtag {
		t.Fatalf("zoho does not publish getctag")
	}
	if !p.EmptyMultigetFallback {
		t.Fatalf("zoho needs the single-href multiget fallback")
	}
	if p.WellKnownPaths[0] != "/caldav" {
		t.Fatalf("zoho probes /caldav (no trailing slash) first, got %q", p.WellKnownPaths[0])
	}
}

