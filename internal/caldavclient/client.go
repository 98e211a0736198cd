package caldavclient

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-webdav"
)

// Resource is one calendar object as seen on the wire.
type Resource struct {
	Href string
	ETag string
	Data []byte // present only when calendar-data was requested
}

// CollectionInfo is the result of a PROPFIND Depth:0 on a calendar collection.
type CollectionInfo struct {
	CTag                   string
	SyncToken              string
	DisplayName            string
	Description            string
	SupportsSyncCollection bool
}

// ChangeSet is the outcome of a sync-collection REPORT.
type ChangeSet struct {
	Changed      []Resource // href+etag, no body
	Deleted      []string   // hrefs removed since the prior token
	NewSyncToken string
	Truncated    bool // server returned 507/ran out of results before reaching NewSyncToken validity
}

// ErrorKind classifies a wire failure so callers can branch without
// string-matching.
type ErrorKind int

const (
	ErrKindUnknown ErrorKind = iota
	ErrKindAuth
	ErrKindNotFound
	ErrKindConflict
	ErrKindGone
	ErrKindNetwork
)

// WireError is the error type every client method returns on failure.
type WireError struct {
	Kind      ErrorKind
	Status    int
	Message   string
	Retryable bool
}

func (e *WireError) Error() string {
	return fmt.Sprintf("caldavclient: %s (status %d)", e.Message, e.Status)
}

func classifyStatus(status int) *WireError {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &WireError{Kind: ErrKindAuth, Status: status, Message: "authentication rejected", Retryable: false}
	case status == http.StatusNotFound:
		return &WireError{Kind: ErrKindNotFound, Status: status, Message: "resource not found", Retryable: false}
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return &WireError{Kind: ErrKindConflict, Status: status, Message: "conditional request failed", Retryable: false}
	case status == http.StatusGone:
		return &WireError{Kind: ErrKindGone, Status: status, Message: "sync token expired", Retryable: false}
	case status == http.StatusTooManyRequests:
		return &WireError{Kind: ErrKindNetwork, Status: status, Message: "rate limited", Retryable: true}
	case status >= 500:
		return &WireError{Kind: ErrKindNetwork, Status: status, Message: "server error", Retryable: true}
	default:
		return &WireError{Kind: ErrKindUnknown, Status: status, Message: "unexpected status", Retryable: false}
	}
}

func networkError(err error) *WireError {
	return &WireError{Kind: ErrKindNetwork, Status: 0, Message: err.Error(), Retryable: true}
}

// Credentials is the Basic-auth pair injected into every request. It is
// supplied per account rather than baked into a shared http.Client so one
// process can hold many accounts' clients concurrently.
type Credentials struct {
	Username string
	Password string
}

// Client is a thin CalDAV wire client: it encodes/decodes XML request and
// response bodies and lets callers supply conditional headers, something
// go-webdav's higher-level helpers don't expose for calendar resources.
type Client struct {
	http    webdav.HTTPClient
	baseURL string
	creds   Credentials

	// omitReportDepth suppresses the Depth header on REPORT requests for
	// servers that reject it (quirks.Profile.RequiresDepthHeader=false).
	omitReportDepth bool
}

// SetOmitReportDepth configures whether REPORT requests go out without a
// Depth header; the orchestrator's ClientFactory sets it from the resolved
// quirks profile.
func (c *Client) SetOmitReportDepth(omit bool) { c.omitReportDepth = omit }

// New builds a Client rooted at baseURL, authenticating every request with
// creds via HTTP Basic.
func New(baseURL string, creds Credentials, transport http.RoundTripper) *Client {
	if transport == nil {
		transport = http.DefaultTransport
	}
	hc := &http.Client{Transport: &basicAuthTransport{base: transport, creds: creds}}
	return &Client{http: hc, baseURL: strings.TrimRight(baseURL, "/"), creds: creds}
}

type basicAuthTransport struct {
	base  http.RoundTripper
	creds Credentials
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.creds.Username, t.creds.Password)
	return t.base.RoundTrip(req)
}

func (c *Client) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, networkError(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, networkError(err)
	}
	return resp, nil
}

// PropfindCollection reads ctag/sync-token/displayname/description and
// whether sync-collection is advertised, for the calendar at path.
func (c *Client) PropfindCollection(ctx context.Context, path string) (CollectionInfo, error) {
	body, _ := xml.Marshal(propfindRequest{Prop: propContainer{Any: []xml.Name{
		{Space: nsCS, Local: "getctag"},
		{Space: nsDAV, Local: "sync-token"},
		{Space: nsDAV, Local: "displayname"},
		{Space: nsCalDAV, Local: "calendar-description"},
		{Space: nsDAV, Local: "supported-report-set"},
	}}})

	resp, err := c.do(ctx, "PROPFIND", path, append([]byte(xml.Header), body...), map[string]string{
		"Depth":        "0",
		"Content-Type": "application/xml; charset=utf-8",
	})
	if err != nil {
		return CollectionInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMultiStatus {
		return CollectionInfo{}, classifyStatus(resp.StatusCode)
	}

	var ms multiStatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return CollectionInfo{}, networkError(err)
	}
	if len(ms.Resp) == 0 {
		return CollectionInfo{}, classifyStatus(http.StatusNotFound)
	}

	info := CollectionInfo{}
	for _, ps := range ms.Resp[0].Props {
		p := ps.Prop
		if p.GetCTag != nil {
			info.CTag = *p.GetCTag
		}
		if p.SyncToken != nil {
			info.SyncToken = *p.SyncToken
		}
		if p.DisplayName != nil {
			info.DisplayName = *p.DisplayName
		}
		if p.CalendarDescription != nil {
			info.Description = *p.CalendarDescription
		}
		if p.SupportedReportSet != nil {
			for _, sr := range p.SupportedReportSet.SupportedReport {
				if sr.Report.SyncCollection != nil {
					info.SupportsSyncCollection = true
				}
			}
		}
	}
	return info, nil
}

// ListETags performs a calendar-query REPORT restricted to VEVENT, fetching
// only href+etag for every resource in the collection, used by the full
// (ctag-mismatch) pull path.
func (c *Client) ListETags(ctx context.Context, path string) ([]Resource, error) {
	q := calendarQuery{
		XmlnsD: nsDAV,
		XmlnsC: nsCalDAV,
		Prop:   etagProp,
		Filter: calendarFilter{CompFilter: compFilter{
			Name:       "VCALENDAR",
			CompFilter: &compFilter{Name: "VEVENT"},
		}},
	}
	body, _ := xml.Marshal(q)
	return c.reportResources(ctx, path, append([]byte(xml.Header), body...), "1", false)
}

// MultiGet fetches calendar-data for a specific set of hrefs via a
// calendar-multiget REPORT; callers chunk large collections into batches.
func (c *Client) MultiGet(ctx context.Context, path string, hrefs []string) ([]Resource, error) {
	if len(hrefs) == 0 {
		return nil, nil
	}
	q := calendarMultiget{XmlnsD: nsDAV, XmlnsC: nsCalDAV, Prop: calendarDataProp, Hrefs: hrefs}
	body, _ := xml.Marshal(q)
	return c.reportResources(ctx, path, append([]byte(xml.Header), body...), "0", true)
}

func (c *Client) reportResources(ctx context.Context, path string, body []byte, depth string, wantData bool) ([]Resource, error) {
	headers := map[string]string{"Content-Type": "application/xml; charset=utf-8"}
	if !c.omitReportDepth {
		headers["Depth"] = depth
	}
	resp, err := c.do(ctx, "REPORT", path, body, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMultiStatus {
		return nil, classifyStatus(resp.StatusCode)
	}
	var ms multiStatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, networkError(err)
	}

	out := make([]Resource, 0, len(ms.Resp))
	for _, r := range ms.Resp {
		res := Resource{Href: r.Href}
		for _, ps := range r.Props {
			if ps.Prop.GetETag != "" {
				res.ETag = ps.Prop.GetETag
			}
			if wantData && ps.Prop.CalendarDataText != "" {
				res.Data = []byte(ps.Prop.CalendarDataText)
			}
		}
		out = append(out, res)
	}
	return out, nil
}

// SyncCollection performs an RFC 6578 incremental REPORT. A 410 Gone maps
// to ErrKindGone so the caller knows to fall back to a full resync.
func (c *Client) SyncCollection(ctx context.Context, path, syncToken string) (ChangeSet, error) {
	q := syncCollectionRequest{XmlnsD: nsDAV, SyncToken: syncToken, SyncLevel: "1", Prop: etagProp}
	body, _ := xml.Marshal(q)

	headers := map[string]string{"Content-Type": "application/xml; charset=utf-8"}
	if !c.omitReportDepth {
		headers["Depth"] = "1"
	}
	resp, err := c.do(ctx, "REPORT", path, append([]byte(xml.Header), body...), headers)
	if err != nil {
		return ChangeSet{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusGone {
		return ChangeSet{}, classifyStatus(http.StatusGone)
	}
	if resp.StatusCode != http.StatusMultiStatus {
		return ChangeSet{}, classifyStatus(resp.StatusCode)
	}

	var ms multiStatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return ChangeSet{}, networkError(err)
	}

	cs := ChangeSet{}
	for _, r := range ms.Resp {
		// removed members arrive as a response-level 404 with no propstat;
		// some servers wrap the 404 in a propstat instead, so accept both
		deleted := strings.Contains(r.Status, "404")
		for _, ps := range r.Props {
			if strings.Contains(ps.Status, "404") {
				deleted = true
			}
		}
		if deleted {
			cs.Deleted = append(cs.Deleted, r.Href)
			continue
		}
		res := Resource{Href: r.Href}
		for _, ps := range r.Props {
			if ps.Prop.GetETag != "" {
				res.ETag = ps.Prop.GetETag
			}
		}
		cs.Changed = append(cs.Changed, res)
	}
	return cs, nil
}

// Get fetches a single calendar object body.
func (c *Client) Get(ctx context.Context, href string) (Resource, error) {
	resp, err := c.do(ctx, http.MethodGet, href, nil, nil)
	if err != nil {
		return Resource{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Resource{}, classifyStatus(resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Resource{}, networkError(err)
	}
	return Resource{Href: href, ETag: resp.Header.Get("ETag"), Data: data}, nil
}

// Put writes a calendar object. If ifMatch is non-empty the request carries
// If-Match; if mustNotExist is true it carries If-None-Match: *.
func (c *Client) Put(ctx context.Context, href string, data []byte, ifMatch string, mustNotExist bool) (etag string, err error) {
	headers := map[string]string{"Content-Type": "text/calendar; charset=utf-8"}
	if ifMatch != "" {
		headers["If-Match"] = ifMatch
	}
	if mustNotExist {
		headers["If-None-Match"] = "*"
	}
	resp, derr := c.do(ctx, http.MethodPut, href, data, headers)
	if derr != nil {
		return "", derr
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode)
	}
	return resp.Header.Get("ETag"), nil
}

// Delete removes a calendar object, conditioned on ifMatch when non-empty.
func (c *Client) Delete(ctx context.Context, href, ifMatch string) error {
	headers := map[string]string{}
	if ifMatch != "" {
		headers["If-Match"] = ifMatch
	}
	resp, err := c.do(ctx, http.MethodDelete, href, nil, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode)
	}
	return nil
}

// Move issues a native WebDAV MOVE from src to dst; callers first check
// quirks.Profile.SupportsNativeMove and fall back to Delete+Put otherwise.
func (c *Client) Move(ctx context.Context, src, dst string) error {
	resp, err := c.do(ctx, "MOVE", src, nil, map[string]string{
		"Destination": c.url(dst),
		"Overwrite":   "F",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return classifyStatus(resp.StatusCode)
	}
	return nil
}

// propfind0 issues a Depth:0 PROPFIND for the given property names and
// returns the decoded multistatus, the shared plumbing behind every
// discovery probe.
func (c *Client) propfind0(ctx context.Context, path string, names []xml.Name) (multiStatus, error) {
	body, _ := xml.Marshal(propfindRequest{Prop: propContainer{Any: names}})
	resp, err := c.do(ctx, "PROPFIND", path, append([]byte(xml.Header), body...), map[string]string{
		"Depth":        "0",
		"Content-Type": "application/xml; charset=utf-8",
	})
	if err != nil {
		return multiStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMultiStatus {
		return multiStatus{}, classifyStatus(resp.StatusCode)
	}
	var ms multiStatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return multiStatus{}, networkError(err)
	}
	return ms, nil
}

// CurrentUserPrincipal resolves DAV:current-user-principal at path, the
// second discovery step once a well-known redirect (or a guessed path) has
// landed on something that answers PROPFIND.
func (c *Client) CurrentUserPrincipal(ctx context.Context, path string) (string, error) {
	ms, err := c.propfind0(ctx, path, []xml.Name{{Space: nsDAV, Local: "current-user-principal"}})
	if err != nil {
		return "", err
	}
	for _, r := range ms.Resp {
		for _, ps := range r.Props {
			if ps.Prop.CurrentUserPrincipal != nil && ps.Prop.CurrentUserPrincipal.Value != "" {
				return ps.Prop.CurrentUserPrincipal.Value, nil
			}
		}
	}
	return "", classifyStatus(http.StatusNotFound)
}

// CalendarHomeSet resolves CALDAV:calendar-home-set at the principal URL.
func (c *Client) CalendarHomeSet(ctx context.Context, principalPath string) (string, error) {
	ms, err := c.propfind0(ctx, principalPath, []xml.Name{{Space: nsCalDAV, Local: "calendar-home-set"}})
	if err != nil {
		return "", err
	}
	for _, r := range ms.Resp {
		for _, ps := range r.Props {
			if ps.Prop.CalendarHomeSet != nil && ps.Prop.CalendarHomeSet.Value != "" {
				return ps.Prop.CalendarHomeSet.Value, nil
			}
		}
	}
	return "", classifyStatus(http.StatusNotFound)
}

// CalendarInfo is one collection found under the calendar-home-set during
// discovery's calendar-listing step.
type CalendarInfo struct {
	Href        string
	DisplayName string
	Description string
	Color       string
	CTag        string
	IsReadOnly  bool
	Components  []string // supported-calendar-component-set names; empty when not advertised
}

// ListCalendars performs a Depth:1 PROPFIND on the home set, returning only
// children whose resourcetype includes CALDAV:calendar.
func (c *Client) ListCalendars(ctx context.Context, homePath string) ([]CalendarInfo, error) {
	body, _ := xml.Marshal(propfindRequest{Prop: propContainer{Any: []xml.Name{
		{Space: nsDAV, Local: "resourcetype"},
		{Space: nsDAV, Local: "displayname"},
		{Space: nsCalDAV, Local: "calendar-description"},
		{Space: nsCalDAV, Local: "supported-calendar-component-set"},
		{Space: nsApple, Local: "calendar-color"},
		{Space: nsCS, Local: "getctag"},
		{Space: nsDAV, Local: "current-user-privilege-set"},
	}}})
	resp, err := c.do(ctx, "PROPFIND", homePath, append([]byte(xml.Header), body...), map[string]string{
		"Depth":        "1",
		"Content-Type": "application/xml; charset=utf-8",
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMultiStatus {
		return nil, classifyStatus(resp.StatusCode)
	}
	var ms multiStatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, networkError(err)
	}

	var out []CalendarInfo
	for _, r := range ms.Resp {
		info := CalendarInfo{Href: r.Href}
		isCalendar := false
		canWrite := false
		sawPrivileges := false
		for _, ps := range r.Props {
			p := ps.Prop
			if p.ResourceType != nil && p.ResourceType.Calendar != nil {
				isCalendar = true
			}
			if p.DisplayName != nil {
				info.DisplayName = *p.DisplayName
			}
			if p.CalendarDescription != nil {
				info.Description = *p.CalendarDescription
			}
			if p.CalendarColor != nil {
				info.Color = *p.CalendarColor
			}
			if p.SupportedComponentSet != nil {
				for _, comp := range p.SupportedComponentSet.Comp {
					info.Components = append(info.Components, comp.Name)
				}
			}
			if p.GetCTag != nil {
				info.CTag = *p.GetCTag
			}
			if p.CurrentUserPrivilegeSet != nil {
				sawPrivileges = true
				for _, priv := range p.CurrentUserPrivilegeSet.Privilege {
					if priv.Write != nil {
						canWrite = true
					}
				}
			}
		}
		if !isCalendar {
			continue
		}
		// servers that omit the privilege set get writable calendars; a
		// rejected PUT surfaces the truth later
		info.IsReadOnly = sawPrivileges && !canWrite
		out = append(out, info)
	}
	return out, nil
}

// ListETagsInRange performs a calendar-query REPORT restricted to VEVENT
// instances overlapping [start, end), the first step of a full pull.
func (c *Client) ListETagsInRange(ctx context.Context, path string, start, end time.Time) ([]Resource, error) {
	const rangeLayout = "20060102T150405Z"
	q := calendarQuery{
		XmlnsD: nsDAV,
		XmlnsC: nsCalDAV,
		Prop:   etagProp,
		Filter: calendarFilter{CompFilter: compFilter{
			Name: "VCALENDAR",
			CompFilter: &compFilter{
				Name: "VEVENT",
				TimeRange: &timeRange{
					Start: start.UTC().Format(rangeLayout),
					End:   end.UTC().Format(rangeLayout),
				},
			},
		}},
	}
	body, _ := xml.Marshal(q)
	return c.reportResources(ctx, path, append([]byte(xml.Header), body...), "1", false)
}
