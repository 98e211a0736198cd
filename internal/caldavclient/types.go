// Package caldavclient is the wire layer: it speaks PROPFIND/REPORT/PUT/
// DELETE/MOVE against a CalDAV server and decodes the responses into plain
// Go values. It owns no sync policy; internal/pull and internal/push call
// it and interpret the results.
package caldavclient

import "encoding/xml"

const (
	nsDAV    = "DAV:"
	nsCalDAV = "urn:ietf:params:xml:ns:caldav"
	nsCS     = "http://calendarserver.org/ns/"
	nsApple  = "http://apple.com/ns/ical/"
)

// multiStatus mirrors the RFC 4918 multistatus response body, read rather
// than written: a server may legally emit more than one propstat per
// response (one per HTTP status group), so every propstat under a response
// is merged rather than only the first being read.
type multiStatus struct {
	XMLName xml.Name    `xml:"DAV: multistatus"`
	Resp    []response  `xml:"response"`
}

// response carries either propstat blocks or, for sync-collection removal
// entries, a bare response-level status with no propstat at all. Both
// spellings of a 404 must be read: RFC 6578 removals use the response-level
// form.
type response struct {
	Href   string     `xml:"href"`
	Status string     `xml:"DAV: status"`
	Props  []propStat `xml:"propstat"`
}

type propStat struct {
	Prop   prop   `xml:"prop"`
	Status string `xml:"status"`
}

type prop struct {
	ResourceType   *resourceType `xml:"DAV: resourcetype,omitempty"`
	DisplayName    *string       `xml:"DAV: displayname,omitempty"`
	CurrentUserPrincipal *href   `xml:"DAV: current-user-principal>href,omitempty"`
	SyncToken      *string       `xml:"DAV: sync-token,omitempty"`
	GetETag        string        `xml:"DAV: getetag,omitempty"`
	GetCTag        *string       `xml:"http://calendarserver.org/ns/ getctag,omitempty"`

	CalendarHomeSet       *href  `xml:"urn:ietf:params:xml:ns:caldav calendar-home-set>href,omitempty"`
	CalendarDescription   *string `xml:"urn:ietf:params:xml:ns:caldav calendar-description,omitempty"`
	CalendarDataText      string  `xml:"urn:ietf:params:xml:ns:caldav calendar-data,omitempty"`
	CalendarColor         *string `xml:"http://apple.com/ns/ical/ calendar-color,omitempty"`
	SupportedComponentSet *componentSet `xml:"urn:ietf:params:xml:ns:caldav supported-calendar-component-set,omitempty"`
	SupportedReportSet    *supportedReportSet `xml:"DAV: supported-report-set,omitempty"`
	CurrentUserPrivilegeSet *privilegeSet `xml:"DAV: current-user-privilege-set,omitempty"`
}

type componentSet struct {
	Comp []comp `xml:"urn:ietf:params:xml:ns:caldav comp"`
}
type comp struct {
	Name string `xml:"name,attr"`
}

type privilegeSet struct {
	Privilege []privilege `xml:"DAV: privilege"`
}
type privilege struct {
	Write *struct{} `xml:"DAV: write,omitempty"`
}

type resourceType struct {
	Collection *struct{} `xml:"DAV: collection,omitempty"`
	Principal  *struct{} `xml:"DAV: principal,omitempty"`
	Calendar   *struct{} `xml:"urn:ietf:params:xml:ns:caldav calendar,omitempty"`
}

type href struct {
	Value string `xml:",chardata"`
}

type supportedReportSet struct {
	SupportedReport []supportedReport `xml:"DAV: supported-report"`
}
type supportedReport struct {
	Report reportType `xml:"DAV: report"`
}
type reportType struct {
	SyncCollection *struct{} `xml:"DAV: sync-collection,omitempty"`
}

// propContainer is the DAV:prop element of an outgoing PROPFIND/REPORT
// request body, naming which properties we want back.
type propContainer struct {
	XMLName xml.Name  `xml:"DAV: prop"`
	Any     []xml.Name
}

// MarshalXML emits each requested property as an empty element in its own
// namespace: <prop><getctag xmlns="http://calendarserver.org/ns/"/>…</prop>.
func (p propContainer) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Space: nsDAV, Local: "prop"}
	start.Attr = nil
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for _, name := range p.Any {
		el := xml.StartElement{Name: name}
		if err := e.EncodeToken(el); err != nil {
			return err
		}
		if err := e.EncodeToken(el.End()); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

type propfindRequest struct {
	XMLName xml.Name      `xml:"DAV: propfind"`
	Prop    propContainer `xml:"DAV: prop"`
}

type calendarMultiget struct {
	XMLName xml.Name      `xml:"urn:ietf:params:xml:ns:caldav calendar-multiget"`
	XmlnsD  string        `xml:"xmlns:D,attr"`
	XmlnsC  string        `xml:"xmlns:C,attr"`
	Prop    propContainer `xml:"DAV: prop"`
	Hrefs   []string      `xml:"DAV: href"`
}

// syncCollectionRequest is the RFC 6578 REPORT body; sync-level is
// mandatory (SabreDAV answers 400 without it).
type syncCollectionRequest struct {
	XMLName   xml.Name      `xml:"DAV: sync-collection"`
	XmlnsD    string        `xml:"xmlns:D,attr"`
	SyncToken string        `xml:"DAV: sync-token"`
	SyncLevel string        `xml:"DAV: sync-level"`
	Prop      propContainer `xml:"DAV: prop"`
}

type calendarQuery struct {
	XMLName xml.Name       `xml:"urn:ietf:params:xml:ns:caldav calendar-query"`
	XmlnsD  string         `xml:"xmlns:D,attr"`
	XmlnsC  string         `xml:"xmlns:C,attr"`
	Prop    propContainer  `xml:"DAV: prop"`
	Filter  calendarFilter `xml:"urn:ietf:params:xml:ns:caldav filter"`
}

type calendarFilter struct {
	CompFilter compFilter `xml:"urn:ietf:params:xml:ns:caldav comp-filter"`
}
type compFilter struct {
	Name       string      `xml:"name,attr"`
	CompFilter *compFilter `xml:"urn:ietf:params:xml:ns:caldav comp-filter,omitempty"`
	TimeRange  *timeRange  `xml:"urn:ietf:params:xml:ns:caldav time-range,omitempty"`
}
type timeRange struct {
	Start string `xml:"start,attr,omitempty"`
	End   string `xml:"end,attr,omitempty"`
}

var etagProp = propContainer{Any: []xml.Name{{Space: nsDAV, Local: "getetag"}}}
var calendarDataProp = propContainer{Any: []xml.Name{
	{Space: nsDAV, Local: "getetag"},
	{Space: nsCalDAV, Local: "calendar-data"},
}}
