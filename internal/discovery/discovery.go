// Package discovery turns a bare server URL and credentials into a
// persisted Account and its Calendars: well-known probe, principal probe
// with per-provider path guessing, calendar-home resolution, listing, and
// persistence with credential rollback.
package discovery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/KashCal/KashCal-sub000/internal/caldavclient"
	"github.com/KashCal/KashCal-sub000/internal/credentialstore"
	"github.com/KashCal/KashCal-sub000/internal/quirks"
	"github.com/KashCal/KashCal-sub000/internal/storage"
)

// caldavPathMarkers are recognized CalDAV path fragments; a server URL that
// already contains one of these skips principal path-probing entirely.
var caldavPathMarkers = []string{"/dav/", "/remote.php/dav/", "/dav.php/", "/caldav"}

// Outcome is the discriminated result of a discovery run.
type Outcome struct {
	Account   *storage.Account
	Calendars []*storage.Calendar
	AuthError bool
	Err       error
}

func (o Outcome) Success() bool { return o.Err == nil && !o.AuthError }

// Service runs the discovery algorithm against a real CalDAV server.
type Service struct {
	store  storage.Store
	creds  credentialstore.Store
	quirks *quirks.Registry
	logger zerolog.Logger
}

func New(store storage.Store, creds credentialstore.Store, reg *quirks.Registry, logger zerolog.Logger) *Service {
	return &Service{store: store, creds: creds, quirks: reg, logger: logger}
}

// Discover runs the full algorithm: normalize, well-known probe, principal
// probe, calendar-home probe, list calendars, persist.
func (s *Service) Discover(ctx context.Context, serverURL, username, password string, trustInsecure bool) Outcome {
	base, err := normalizeInputURL(serverURL)
	if err != nil {
		return Outcome{Err: fmt.Errorf("discovery: %w", err)}
	}

	host := base.Hostname()
	profile := s.quirks.Resolve(host, "")

	var transport http.RoundTripper
	if trustInsecure {
		transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	client := caldavclient.New(base.String(), caldavclient.Credentials{Username: username, Password: password}, transport)

	principalURL, err := s.probePrincipal(ctx, client, base, profile)
	if err != nil {
		var werr *caldavclient.WireError
		if errors.As(err, &werr) && werr.Kind == caldavclient.ErrKindAuth {
			return Outcome{AuthError: true}
		}
		return Outcome{Err: fmt.Errorf("discovery: principal probe: %w", err)}
	}

	homeSetURL, err := client.CalendarHomeSet(ctx, principalURL)
	if err != nil {
		var werr *caldavclient.WireError
		if errors.As(err, &werr) && werr.Kind == caldavclient.ErrKindAuth {
			return Outcome{AuthError: true}
		}
		return Outcome{Err: fmt.Errorf("discovery: calendar-home probe: %w", err)}
	}

	infos, err := client.ListCalendars(ctx, homeSetURL)
	if err != nil {
		return Outcome{Err: fmt.Errorf("discovery: calendar listing: %w", err)}
	}
	infos = profile.FilterCalendars(infos)
	for i := range infos {
		infos[i].Href = resolveAgainst(base, infos[i].Href)
	}

	normalizedHomeSet := normalizeForIdentity(resolveAgainst(base, homeSetURL))

	provider := storage.ProviderCalDAV
	if strings.Contains(strings.ToLower(host), "icloud.com") {
		provider = storage.ProviderICloud
	}

	account, err := s.persist(ctx, provider, username, resolveAgainst(base, principalURL), normalizedHomeSet, infos)
	if err != nil {
		return Outcome{Err: err}
	}

	if ok := s.creds.Save(account.ID, credentialstore.Credentials{Username: username, Password: password}); !ok {
		_ = s.store.DeleteAccount(ctx, account.ID)
		return Outcome{Err: errors.New("discovery: credential storage failed")}
	}

	calendars, err := s.store.ListCalendarsByAccount(ctx, account.ID)
	if err != nil {
		return Outcome{Err: fmt.Errorf("discovery: reloading calendars: %w", err)}
	}
	return Outcome{Account: account, Calendars: calendars}
}

// probePrincipal implements step 3: skip probing when the URL already names
// a recognized CalDAV path, otherwise try the well-known redirect (if the
// profile says to) followed by the quirks path list, stopping on the first
// success, AuthError, or TLS error.
func (s *Service) probePrincipal(ctx context.Context, client *caldavclient.Client, base *url.URL, profile quirks.Profile) (string, error) {
	if hasRecognizedPath(base.Path) {
		return client.CurrentUserPrincipal(ctx, base.Path)
	}

	if profile.ProbeWellKnown {
		if p, err := client.CurrentUserPrincipal(ctx, "/.well-known/caldav"); err == nil {
			return p, nil
		} else if isAuthOrTLS(err) {
			return "", err
		}
	}

	var lastErr error
	for _, candidate := range profile.WellKnownPaths {
		p, err := client.CurrentUserPrincipal(ctx, joinPath(base.Path, candidate))
		if err == nil {
			return p, nil
		}
		if isAuthOrTLS(err) {
			return "", err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no candidate path answered current-user-principal")
	}
	return "", lastErr
}

func isAuthOrTLS(err error) bool {
	var werr *caldavclient.WireError
	if errors.As(err, &werr) {
		if werr.Kind == caldavclient.ErrKindAuth {
			return true
		}
		// the wire layer carries transport failures as their message only
		return werr.Kind == caldavclient.ErrKindNetwork &&
			(strings.Contains(werr.Message, "tls: ") || strings.Contains(werr.Message, "x509: "))
	}
	var tlsErr *tls.CertificateVerificationError
	return errors.As(err, &tlsErr)
}

func hasRecognizedPath(path string) bool {
	for _, marker := range caldavPathMarkers {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}

func joinPath(base, suffix string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(suffix, "/")
}

func resolveAgainst(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}

func (s *Service) persist(ctx context.Context, provider storage.Provider, username, principalURL, normalizedHomeSet string, infos []caldavclient.CalendarInfo) (*storage.Account, error) {
	existing, err := s.store.GetAccountByIdentity(ctx, provider, username, normalizedHomeSet)
	if err != nil {
		return nil, fmt.Errorf("discovery: looking up existing account: %w", err)
	}

	account := existing
	if account == nil {
		account = &storage.Account{
			Provider:     provider,
			Email:        username,
			PrincipalURL: principalURL,
			HomeSetURL:   normalizedHomeSet,
			IsEnabled:    true,
		}
		id, err := s.store.CreateAccount(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("discovery: creating account: %w", err)
		}
		account.ID = id
	} else {
		account.PrincipalURL = principalURL
		account.HomeSetURL = normalizedHomeSet
	}

	known, err := s.store.ListCalendarsByAccount(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("discovery: listing known calendars: %w", err)
	}
	knownByURL := make(map[string]*storage.Calendar, len(known))
	for _, cal := range known {
		knownByURL[cal.CaldavURL] = cal
	}

	for _, info := range infos {
		if _, seen := knownByURL[info.Href]; seen {
			continue
		}
		cal := &storage.Calendar{
			AccountID:   account.ID,
			CaldavURL:   info.Href,
			DisplayName: info.DisplayName,
			Color:       info.Color,
			IsReadOnly:  info.IsReadOnly,
			IsVisible:   true,
		}
		if _, err := s.store.CreateCalendar(ctx, cal); err != nil {
			return nil, fmt.Errorf("discovery: persisting calendar %q: %w", info.Href, err)
		}
	}

	return account, nil
}

// normalizeInputURL prepends https:// if no scheme is present, preserves
// an explicit http://, drops a trailing slash when the path is empty and
// keeps it when a path follows the host.
func normalizeInputURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Path == "/" {
		u.Path = ""
	}
	return u, nil
}

// normalizeForIdentity canonicalizes a URL for the account identity
// triple: lowercase scheme/host, strip default ports, preserve path case,
// ensure exactly one trailing slash.
func normalizeForIdentity(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u.String()
}
