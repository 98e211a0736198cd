// Package quirks models the per-provider behavioral adjustments a CalDAV
// client needs because no two servers implement RFC 4791/6578 identically.
// Each adjustment is a pure function or a flag rather than a type
// hierarchy, bundled into a Profile so a provider can override exactly the
// behaviors it needs and fall back to defaults for the rest.
package quirks

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/KashCal/KashCal-sub000/internal/cache"
	"github.com/KashCal/KashCal-sub000/internal/caldavclient"
)

// Profile bundles the behavioral deltas one CalDAV provider needs relative
// to a strict RFC reading.
type Profile struct {
	Name string

	// ProbeWellKnown reports whether discovery should PROPFIND
	// /.well-known/caldav before falling back to WellKnownPaths. Some
	// providers' well-known endpoint is unreliable enough that skipping
	// straight to path probing is faster and no less correct.
	ProbeWellKnown bool

	// WellKnownPaths is the ordered list of candidate paths probed during
	// discovery's principal probe, tried in order after the well-known
	// probe (if any) fails. Probing stops on the first success; an auth
	// or TLS failure is a terminal answer, not a wrong path.
	WellKnownPaths []string

	// SupportsCtag reports whether the provider publishes CS:getctag on
	// collections. Pull treats a missing ctag as "proceed" either way,
	// but a provider known to lack it never gets the short-circuit.
	SupportsCtag bool

	// SupportsSyncCollection reports whether REPORT sync-collection is
	// usable; when false, pull always runs the full ctag+multiget strategy.
	SupportsSyncCollection bool

	// SupportsNativeMove reports whether the provider honors WebDAV MOVE
	// for calendar resources; providers that return false get same-account
	// cross-calendar moves expressed as DELETE+CREATE instead.
	SupportsNativeMove bool

	// RequiresDepthHeader reports whether REPORT requests must carry an
	// explicit Depth header. A few servers reject multiget REPORTs that
	// carry one, so the client omits it when this is false.
	RequiresDepthHeader bool

	// EmptyMultigetFallback marks providers that answer a multi-href
	// calendar-multiget with 200 and an empty body; when a batch with
	// more than one href yields zero resources, pull re-issues each href
	// as its own single-href request.
	EmptyMultigetFallback bool

	// DropsExdateOnFetch reports whether this provider is known to omit
	// EXDATE on GET even when the client previously wrote it. Pull does not
	// consult it: a fetched body without EXDATE replaces the stored EXDATE
	// list like any other field.
	DropsExdateOnFetch bool

	// MultigetBatchSize overrides the default calendar-multiget page size,
	// for providers known to reject or truncate large batches.
	MultigetBatchSize int

	// BuildEventURLFunc, FilterCalendarsFunc and NormalizeICSFunc are
	// per-provider overrides for BuildEventURL, FilterCalendars and
	// NormalizeICSResponse; nil selects the package default.
	BuildEventURLFunc   func(collectionURL, href string) string
	FilterCalendarsFunc func([]caldavclient.CalendarInfo) []caldavclient.CalendarInfo
	NormalizeICSFunc    func([]byte) []byte
}

// BuildEventURL turns a multistatus href (usually server-absolute, like
// /remote.php/dav/calendars/u/personal/e.ics) into the absolute URL the
// event lives at, anchored on the collection URL.
func (p Profile) BuildEventURL(collectionURL, href string) string {
	if p.BuildEventURLFunc != nil {
		return p.BuildEventURLFunc(collectionURL, href)
	}
	return DefaultBuildEventURL(collectionURL, href)
}

// DefaultBuildEventURL resolves href against collectionURL: absolute hrefs
// pass through, rooted hrefs replace the collection path, and bare names
// append to it.
func DefaultBuildEventURL(collectionURL, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	base, err := url.Parse(collectionURL)
	if err != nil || !strings.HasPrefix(href, "/") {
		return strings.TrimRight(collectionURL, "/") + "/" + strings.TrimLeft(href, "/")
	}
	return base.Scheme + "://" + base.Host + href
}

// FilterCalendars drops collections discovery should not surface: schedule
// inboxes/outboxes, notification collections, and calendars that advertise
// a component set without VEVENT in it.
func (p Profile) FilterCalendars(list []caldavclient.CalendarInfo) []caldavclient.CalendarInfo {
	if p.FilterCalendarsFunc != nil {
		return p.FilterCalendarsFunc(list)
	}
	return DefaultFilterCalendars(list)
}

var droppedPathSuffixes = []string{"/inbox", "/outbox", "/notification", "/notifications", "/freebusy"}

func DefaultFilterCalendars(list []caldavclient.CalendarInfo) []caldavclient.CalendarInfo {
	out := make([]caldavclient.CalendarInfo, 0, len(list))
next:
	for _, info := range list {
		lower := strings.ToLower(strings.TrimRight(info.Href, "/"))
		for _, suffix := range droppedPathSuffixes {
			if strings.HasSuffix(lower, suffix) {
				continue next
			}
		}
		if len(info.Components) > 0 && !supportsEvents(info.Components) {
			continue
		}
		out = append(out, info)
	}
	return out
}

func supportsEvents(components []string) bool {
	for _, c := range components {
		if strings.EqualFold(c, "VEVENT") {
			return true
		}
	}
	return false
}

// NormalizeICSResponse repairs provider-specific damage to calendar-data
// bodies before parsing: a UTF-8 BOM, or bare-LF line terminators.
func (p Profile) NormalizeICSResponse(data []byte) []byte {
	if p.NormalizeICSFunc != nil {
		return p.NormalizeICSFunc(data)
	}
	return DefaultNormalizeICS(data)
}

func DefaultNormalizeICS(data []byte) []byte {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if bytes.Contains(data, []byte("\r\n")) {
		return data
	}
	return bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n"))
}

// Default is the behavior assumed for a provider with no specific profile:
// a strict reading of RFC 4791/6578/6764.
var Default = Profile{
	Name:                   "default",
	ProbeWellKnown:         true,
	WellKnownPaths:         []string{"", "/dav/", "/remote.php/dav/", "/dav.php/", "/caldav", "/caldav/"},
	SupportsCtag:           true,
	SupportsSyncCollection: true,
	SupportsNativeMove:     true,
	RequiresDepthHeader:    true,
	MultigetBatchSize:      50,
}

var profiles = map[string]Profile{
	"default": Default,
	"nextcloud": {
		Name:                   "nextcloud",
		ProbeWellKnown:         true,
		WellKnownPaths:         []string{"/remote.php/dav/", "", "/dav/"},
		SupportsCtag:           true,
		SupportsSyncCollection: true,
		SupportsNativeMove:     true,
		RequiresDepthHeader:    true,
		MultigetBatchSize:      50,
	},
	"baikal": {
		Name:                   "baikal",
		ProbeWellKnown:         true,
		WellKnownPaths:         []string{"/dav.php/", "", "/dav/"},
		SupportsCtag:           true,
		SupportsSyncCollection: true,
		SupportsNativeMove:     false,
		RequiresDepthHeader:    true,
		MultigetBatchSize:      50,
	},
	"radicale": {
		Name:                   "radicale",
		ProbeWellKnown:         true,
		WellKnownPaths:         []string{"", "/radicale/"},
		SupportsCtag:           true,
		SupportsSyncCollection: true,
		SupportsNativeMove:     true,
		RequiresDepthHeader:    true,
		MultigetBatchSize:      50,
	},
	"stalwart": {
		Name:                   "stalwart",
		ProbeWellKnown:         true,
		WellKnownPaths:         []string{"", "/dav/"},
		SupportsCtag:           true,
		SupportsSyncCollection: true,
		SupportsNativeMove:     true,
		RequiresDepthHeader:    true,
		MultigetBatchSize:      50,
	},
	"icloud": {
		Name:                   "icloud",
		ProbeWellKnown:         false,
		WellKnownPaths:         []string{"", "/caldav/"},
		SupportsCtag:           true,
		SupportsSyncCollection: false,
		SupportsNativeMove:     false,
		RequiresDepthHeader:    true,
		DropsExdateOnFetch:     true,
		MultigetBatchSize:      10,
	},
	"zoho": {
		Name:                   "zoho",
		ProbeWellKnown:         false,
		WellKnownPaths:         []string{"/caldav", ""},
		SupportsCtag:           false,
		SupportsSyncCollection: true,
		SupportsNativeMove:     false,
		RequiresDepthHeader:    false,
		EmptyMultigetFallback:  true,
		MultigetBatchSize:      50,
	},
	"google": {
		Name:                   "google",
		ProbeWellKnown:         false,
		WellKnownPaths:         []string{"/caldav/v2/", ""},
		SupportsCtag:           true,
		SupportsSyncCollection: true,
		SupportsNativeMove:     false,
		RequiresDepthHeader:    true,
		MultigetBatchSize:      50,
	},
}

// Registry resolves a provider identifier (typically the account's host
// name or an explicit provider tag) to a Profile, memoizing lookups so
// hostname heuristics run at most once per process per key.
type Registry struct {
	cache *cache.Cache[string, Profile]
}

func NewRegistry() *Registry {
	return &Registry{cache: cache.New[string, Profile](0)}
}

// Resolve returns the Profile for host, inferring a provider from hostname
// substrings when no explicit providerHint is given. Resolutions are
// memoized without expiry: provider behavior for a given host does not
// change within a process lifetime.
func (r *Registry) Resolve(host, providerHint string) Profile {
	key := providerHint + "|" + host
	if p, ok := r.cache.Get(key); ok {
		return p
	}
	p := resolve(host, providerHint)
	r.cache.Set(key, p)
	return p
}

func resolve(host, providerHint string) Profile {
	if providerHint != "" {
		if p, ok := profiles[strings.ToLower(providerHint)]; ok {
			return p
		}
	}
	h := strings.ToLower(host)
	switch {
	case strings.Contains(h, "icloud.com"):
		return profiles["icloud"]
	case strings.Contains(h, "google.com"), strings.Contains(h, "googleusercontent.com"):
		return profiles["google"]
	case strings.Contains(h, "zoho"):
		return profiles["zoho"]
	case strings.Contains(h, "nextcloud"):
		return profiles["nextcloud"]
	case strings.Contains(h, "baikal"):
		return profiles["baikal"]
	default:
		return Default
	}
}
