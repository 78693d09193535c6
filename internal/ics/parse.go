package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calfeed/internal/log"
)

// RawEntry is a VEVENT as produced by a Parser, before recurrence
// expansion and filtering.
type RawEntry struct {
	UID string

	Summary     string
	Description string
	Location    string

	// Start is always set. For all-day entries Start and End carry the
	// calendar date at UTC midnight; the filter pipeline moves them into
	// the display time zone.
	Start  time.Time
	End    time.Time
	HasEnd bool
	AllDay bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID, if this VEVENT overrides one instance
}

// IsOverride reports whether the entry replaces one instance of a
// recurring series.
func (e RawEntry) IsOverride() bool { return e.Recurrence != nil }

// Parser turns a raw feed body into entries in feed order.
type Parser interface {
	Parse(body []byte) ([]RawEntry, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(body []byte) ([]RawEntry, error)

func (f ParserFunc) Parse(body []byte) ([]RawEntry, error) { return f(body) }

const (
	ParserGolangICal = "golang-ical"
	ParserGoICal     = "go-ical"
)

// NewParser returns the parser registered under name. An empty name
// selects ParserGolangICal.
func NewParser(name string) (Parser, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ParserGolangICal:
		return GolangICalParser{}, nil
	case ParserGoICal:
		return GoICalParser{}, nil
	default:
		return nil, fmt.Errorf("unknown parser %q", name)
	}
}

// validateFeed rejects bodies that clearly are not iCalendar data, such as
// an HTML login page served with 200.
func validateFeed(body []byte) error {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")))
	if len(trimmed) == 0 {
		return errors.New("empty ICS body")
	}
	upper := bytes.ToUpper(trimmed[:min(len(trimmed), 64)])
	if bytes.HasPrefix(upper, []byte("<!DOCTYPE")) || bytes.HasPrefix(upper, []byte("<HTML")) {
		return errors.New("received HTML instead of iCalendar data; check whether the URL requires authentication")
	}
	if !bytes.HasPrefix(upper, []byte("BEGIN:VCALENDAR")) {
		preview := string(trimmed[:min(len(trimmed), 40)])
		return fmt.Errorf("invalid iCalendar format: expected BEGIN:VCALENDAR, got %q", preview)
	}
	return nil
}

// GolangICalParser parses feeds with github.com/arran4/golang-ical.
//
//   - It relies on the library's TZID handling to construct time.Time
//     values for timed events.
//   - It detects all-day events by inspecting the DTSTART value format.
//   - It records RRULE/EXDATE/RECURRENCE-ID but does not expand
//     recurrences; expansion is done in expand.go.
type GolangICalParser struct{}

func (GolangICalParser) Parse(body []byte) ([]RawEntry, error) {
	if err := validateFeed(body); err != nil {
		return nil, err
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	events := make([]RawEntry, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Warn("ics vevent skipped", "err", perr.Error(), "uid", ev.UID)
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "parser", ParserGolangICal, "event_count", len(events))
	return events, nil
}

func parseVEvent(ve *ical.VEvent) (RawEntry, error) {
	var out RawEntry

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil || strings.TrimSpace(dtStart.Value) == "" {
		return out, errors.New("missing DTSTART")
	}
	normalizeTZIDParam(dtStart)
	normalizeTZIDParam(ve.GetProperty(ical.ComponentPropertyDtEnd))
	out.AllDay = isDateValue(dtStart.Value, firstParam(dtStart.ICalParameters, "VALUE"))

	if out.AllDay {
		start, err := parseDate(dtStart.Value)
		if err != nil {
			return out, fmt.Errorf("DTSTART: %w", err)
		}
		out.Start = start
		if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
			if end, err := parseDate(dtEnd.Value); err == nil {
				out.End = end
				out.HasEnd = true
			}
		}
	} else {
		start, err := ve.GetStartAt()
		if err != nil {
			return out, fmt.Errorf("DTSTART: %w", err)
		}
		out.Start = start
		if ve.GetProperty(ical.ComponentPropertyDtEnd) != nil {
			if end, err := ve.GetEndAt(); err == nil {
				out.End = end
				out.HasEnd = true
			}
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	// EXDATE can appear multiple times and hold comma-separated values.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		tzid := firstParam(p.ICalParameters, "TZID")
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, tzid); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if t, err := parseICSTime(p.Value, firstParam(p.ICalParameters, "TZID")); err == nil {
			out.Recurrence = &t
		}
	}

	return out, nil
}

// normalizeTZIDParam rewrites a Windows TZID in place so the library's
// time zone lookup succeeds.
func normalizeTZIDParam(p *ical.IANAProperty) {
	if p == nil || p.ICalParameters == nil {
		return
	}
	if tzs, ok := p.ICalParameters["TZID"]; ok && len(tzs) > 0 {
		tzs[0] = normalizeTZID(tzs[0])
	}
}

func firstParam(params map[string][]string, key string) string {
	if vs, ok := params[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// isDateValue reports whether a DTSTART carries no time of day:
// VALUE=DATE or a bare YYYYMMDD value.
func isDateValue(value, valueParam string) bool {
	if strings.EqualFold(valueParam, "DATE") {
		return true
	}
	return !strings.Contains(value, "T")
}

// parseDate parses a YYYYMMDD value as UTC midnight of that date.
func parseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if len(v) > 8 {
		v = v[:8]
	}
	return time.ParseInLocation("20060102", v, time.UTC)
}

// parseICSTime parses an ICS date or date-time for EXDATE/RECURRENCE-ID.
// Floating times use tzid when it names a known zone, else time.Local.
func parseICSTime(v, tzid string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	loc := time.Local
	if tzid != "" {
		if l, err := time.LoadLocation(normalizeTZID(tzid)); err == nil {
			loc = l
		}
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}

	// Date-only (all-day), e.g., 20250101
	return parseDate(v)
}
