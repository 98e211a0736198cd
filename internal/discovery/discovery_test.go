package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/KashCal/KashCal-sub000/internal/credentialstore"
	"github.com/KashCal/KashCal-sub000/internal/quirks"
	"github.com/KashCal/KashCal-sub000/internal/storage"
	"github.com/KashCal/KashCal-sub000/internal/storage/sqlite"
)

type memCreds struct {
	saved    map[int64]credentialstore.Credentials
	failSave bool
}

func newMemCreds() *memCreds {
	return &memCreds{saved: make(map[int64]credentialstore.Credentials)}
}

func (m *memCreds) Save(accountID int64, creds credentialstore.Credentials) bool {
	if m.failSave {
		return false
	}
	m.saved[accountID] = creds
	return true
}

func (m *memCreds) Load(accountID int64) (credentialstore.Credentials, bool) {
	c, ok := m.saved[accountID]
	return c, ok
}

func (m *memCreds) Delete(accountID int64) {
	delete(m.saved, accountID)
}

// nextcloudHandler answers like a Nextcloud instance that only speaks DAV
// under /remote.php/dav/.
func nextcloudHandler(t *testing.T) http.Handler {
	t.Helper()
	multistatus := func(w http.ResponseWriter, body string) {
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(`<?xml version="1.0"?>` + body))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PROPFIND" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Path {
		case "/remote.php/dav/":
			multistatus(w, `<d:multistatus xmlns:d="DAV:">
  <d:response>
    <d:href>/remote.php/dav/</d:href>
    <d:propstat>
      <d:prop>
        <d:current-user-principal><d:href>/remote.php/dav/principals/users/admin/</d:href></d:current-user-principal>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`)
		case "/remote.php/dav/principals/users/admin/":
			multistatus(w, `<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>/remote.php/dav/principals/users/admin/</d:href>
    <d:propstat>
      <d:prop>
        <c:calendar-home-set><d:href>/remote.php/dav/calendars/admin/</d:href></c:calendar-home-set>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`)
		case "/remote.php/dav/calendars/admin/":
			multistatus(w, `<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>/remote.php/dav/calendars/admin/</d:href>
    <d:propstat><d:prop><d:resourcetype><d:collection/></d:resourcetype></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat>
  </d:response>
  <d:response>
    <d:href>/remote.php/dav/calendars/admin/personal/</d:href>
    <d:propstat>
      <d:prop>
        <d:resourcetype><d:collection/><c:calendar/></d:resourcetype>
        <d:displayname>Personal</d:displayname>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/remote.php/dav/calendars/admin/inbox/</d:href>
    <d:propstat>
      <d:prop><d:resourcetype><d:collection/><c:calendar/></d:resourcetype></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`)
		default:
			// "", /dav/, /.well-known/caldav: this server has nothing there
			http.NotFound(w, r)
		}
	})
}

func newService(t *testing.T, creds credentialstore.Store) (*Service, storage.Store) {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "disc.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, creds, quirks.NewRegistry(), zerolog.Nop()), st
}

func TestDiscoveryProbesNextcloudPath(t *testing.T) {
	srv := httptest.NewServer(nextcloudHandler(t))
	defer srv.Close()

	creds := newMemCreds()
	svc, st := newService(t, creds)

	outcome := svc.Discover(context.Background(), srv.URL, "admin", "secret", false)
	if !outcome.Success() {
		t.Fatalf("discovery failed: auth=%v err=%v", outcome.AuthError, outcome.Err)
	}
	if !strings.HasSuffix(outcome.Account.HomeSetURL, "/remote.php/dav/calendars/admin/") {
		t.Fatalf("homeSetUrl = %q", outcome.Account.HomeSetURL)
	}
	if len(outcome.Calendars) != 1 || outcome.Calendars[0].DisplayName != "Personal" {
		t.Fatalf("calendars = %+v, want just Personal (inbox filtered)", outcome.Calendars)
	}
	if _, ok := creds.saved[outcome.Account.ID]; !ok {
		t.Fatalf("credentials were not persisted")
	}

	// running discovery again against the same server updates, not duplicates
	again := svc.Discover(context.Background(), srv.URL, "admin", "secret", false)
	if !again.Success() {
		t.Fatalf("second discovery failed: %v", again.Err)
	}
	accounts, _ := st.ListAccounts(context.Background())
	if len(accounts) != 1 {
		t.Fatalf("accounts = %d, want the identity triple to deduplicate", len(accounts))
	}
}

func TestDiscoveryRollsBackOnCredentialFailure(t *testing.T) {
	srv := httptest.NewServer(nextcloudHandler(t))
	defer srv.Close()

	creds := newMemCreds()
	creds.failSave = true
	svc, st := newService(t, creds)

	outcome := svc.Discover(context.Background(), srv.URL, "admin", "secret", false)
	if outcome.Err == nil {
		t.Fatalf("credential failure must surface as an error")
	}
	accounts, _ := st.ListAccounts(context.Background())
	if len(accounts) != 0 {
		t.Fatalf("account must be rolled back, found %d", len(accounts))
	}
}

func TestDiscoveryStopsOnAuthError(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	svc, _ := newService(t, newMemCreds())
	outcome := svc.Discover(context.Background(), srv.URL, "admin", "wrong", false)
	if !outcome.AuthError {
		t.Fatalf("expected AuthError, got %+v", outcome)
	}
	if hits > 1 {
		t.Fatalf("401 is a terminal answer; probing continued for %d requests", hits)
	}
}

func TestNormalizeForIdentity(t *testing.T) {
	cases := []struct{ in, want string }{
		{"HTTPS://Cal.Example.COM:443/DAV/Home", "https://cal.example.com/DAV/Home/"},
		{"http://cal.example.com:80/dav/", "http://cal.example.com/dav/"},
		{"https://cal.example.com:8443/dav", "https://cal.example.com:8443/dav/"},
	}
	for _, c := range cases {
		if got := normalizeForIdentity(c.in); got != c.want {
			t.Fatalf("normalizeForIdentity(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeInputURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"nc.example.com", "https://nc.example.com"},
		{"http://nc.example.com", "http://nc.example.com"},
		{"https://nc.example.com/", "https://nc.example.com"},
		{"https://nc.example.com/dav/", "https://nc.example.com/dav/"},
	}
	for _, c := range cases {
		u, err := normalizeInputURL(c.in)
		if err != nil {
			t.Fatalf("normalizeInputURL(%q): %v", c.in, err)
		}
		if u.String() != c.want {
			t.Fatalf("normalizeInputURL(%q) = %q, want %q", c.in, u.String(), c.want)
		}
	}
}
