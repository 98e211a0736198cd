package ical

import "time"

// Serialize produces the ICS body for ev: patched from rawIcal when
// rawIcal is non-empty and parses, otherwise generated fresh. This is the
// single entry point for the serializer's policy dispatch.
func Serialize(ev *Event, rawIcal []byte, prodID string, now time.Time) ([]byte, error) {
	if len(rawIcal) > 0 {
		if _, err := Parse(rawIcal); err == nil {
			out, perr := PatchComponent(rawIcal, ev, now)
			if perr == nil {
				return out, nil
			}
			// rawIcal parsed but didn't contain a matching component
			// (e.g. a brand-new exception never seen by the server);
			// fall through to fresh generation for this one component.
		}
	}
	return GenerateFresh(ev, prodID, now), nil
}

// GenerateETag derives a stable synthetic ETag for locally-created events
// that have not yet received one from the server, used only until the
// first successful push/pull populates Event.ETag from the wire.
func GenerateETag(ev *Event) string {
	if ev.RecurrenceID != nil {
		return ev.UID + "-" + ev.RecurrenceID.UTC().Format("20060102T150405Z")
	}
	return ev.UID + "-" + ev.DTStamp.UTC().Format("20060102T150405Z")
}
