package caldavclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPropfindCollectionParsesCTagAndSyncToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PROPFIND" {
			t.Fatalf("method = %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusMultiStatus)
		w.Write([]byte(`<?xml version="1.0"?>
<multistatus xmlns="DAV:" xmlns:cs="http://calendarserver.org/ns/">
  <response>
    <href>/cal/1/</href>
    <propstat>
      <prop>
        <cs:getctag>ctag-1</cs:getctag>
        <sync-token>https://x/sync/1</sync-token>
        <displayname>Home</displayname>
      </prop>
      <status>HTTP/1.1 200 OK</status>
    </propstat>
  </response>
</multistatus>`))
	}))
	defer srv.Close()

	c := New(srv.URL, Credentials{Username: "u", Password: "p"}, nil)
	info, err := c.PropfindCollection(context.Background(), "/cal/1/")
	if err != nil {
		t.Fatalf("propfind: %v", err)
	}
	if info.CTag != "ctag-1" {
		t.Fatalf("ctag = %q", info.CTag)
	}
	if info.SyncToken != "https://x/sync/1" {
		t.Fatalf("sync-token = %q", info.SyncToken)
	}
	if info.DisplayName != "Home" {
		t.Fatalf("displayname = %q", info.DisplayName)
	}
}

func TestSyncCollectionReportsDeletions(t *testing.T) {
	var requestBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusMultiStatus)
		w.Write([]byte(`<?xml version="1.0"?>
<multistatus xmlns="DAV:">
  <response>
    <href>/cal/1/ev1.ics</href>
    <propstat><prop><getetag>"e1"</getetag></prop><status>HTTP/1.1 200 OK</status></propstat>
  </response>
  <response>
    <href>/cal/1/ev2.ics</href>
    <status>HTTP/1.1 404 Not Found</status>
  </response>
  <response>
    <href>/cal/1/ev3.ics</href>
    <propstat><prop/><status>HTTP/1.1 404 Not Found</status></propstat>
  </response>
</multistatus>`))
	}))
	defer srv.Close()

	c := New(srv.URL, Credentials{}, nil)
	cs, err := c.SyncCollection(context.Background(), "/cal/1/", "token-0")
	if err != nil {
		t.Fatalf("sync-collection: %v", err)
	}
	if !strings.Contains(string(requestBody), "sync-level") {
		t.Fatalf("request body must carry sync-level: %s", requestBody)
	}
	if len(cs.Changed) != 1 || cs.Changed[0].ETag != `"e1"` {
		t.Fatalf("changed = %+v", cs.Changed)
	}
	// removals arrive as a bare response-level 404; a propstat-wrapped 404
	// counts too
	if len(cs.Deleted) != 2 || cs.Deleted[0] != "/cal/1/ev2.ics" || cs.Deleted[1] != "/cal/1/ev3.ics" {
		t.Fatalf("deleted = %+v", cs.Deleted)
	}
}

func TestSyncCollectionGoneMapsToErrKindGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	c := New(srv.URL, Credentials{}, nil)
	_, err := c.SyncCollection(context.Background(), "/cal/1/", "stale-token")
	we, ok := err.(*WireError)
	if !ok {
		t.Fatalf("expected *WireError, got %T", err)
	}
	if we.Kind != ErrKindGone {
		t.Fatalf("kind = %v, want ErrKindGone", we.Kind)
	}
}

func TestPutSendsIfMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("If-Match"); got != `"abc"` {
			t.Fatalf("If-Match = %q", got)
		}
		w.Header().Set("ETag", `"new"`)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, Credentials{}, nil)
	etag, err := c.Put(context.Background(), "/cal/1/ev1.ics", []byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"), `"abc"`, false)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if etag != `"new"` {
		t.Fatalf("etag = %q", etag)
	}
}

func TestPutMustNotExistSendsIfNoneMatchStar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("If-None-Match"); got != "*" {
			t.Fatalf("If-None-Match = %q", got)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.URL, Credentials{}, nil)
	if _, err := c.Put(context.Background(), "/cal/1/new.ics", []byte("x"), "", true); err != nil {
		t.Fatalf("put: %v", err)
	}
}

func TestDeletePreconditionFailedIsConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer srv.Close()

	c := New(srv.URL, Credentials{}, nil)
	err := c.Delete(context.Background(), "/cal/1/ev1.ics", `"stale"`)
	we, ok := err.(*WireError)
	if !ok || we.Kind != ErrKindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestBasicAuthIsInjected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "hunter2" {
			t.Fatalf("basic auth not applied: %v %v %v", user, pass, ok)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, Credentials{Username: "alice", Password: "hunter2"}, nil)
	if err := c.Delete(context.Background(), "/cal/1/ev1.ics", ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestMoveSetsDestinationHeader(t *testing.T) {
	var gotDest string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDest = r.Header.Get("Destination")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.URL, Credentials{}, nil)
	if err := c.Move(context.Background(), "/cal/1/ev1.ics", "/cal/2/ev1.ics"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if !strings.HasSuffix(gotDest, "/cal/2/ev1.ics") {
		t.Fatalf("destination = %q", gotDest)
	}
}
