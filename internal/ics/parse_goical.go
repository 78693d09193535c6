package ics

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"

	appLog "calfeed/internal/log"
)

// GoICalParser parses feeds with github.com/emersion/go-ical. It produces
// the same RawEntry shape as GolangICalParser and additionally honours
// DURATION when DTEND is absent.
type GoICalParser struct{}

func (GoICalParser) Parse(body []byte) ([]RawEntry, error) {
	if err := validateFeed(body); err != nil {
		return nil, err
	}

	dec := goical.NewDecoder(bytes.NewReader(body))
	events := make([]RawEntry, 0)
	calendars := 0

	for {
		cal, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode calendar: %w", err)
		}
		calendars++

		for _, ev := range cal.Events() {
			entry, perr := parseGoICalEvent(ev)
			if perr != nil {
				appLog.Warn("ics vevent skipped", "err", perr.Error(), "uid", entry.UID)
				continue
			}
			events = append(events, entry)
		}
	}

	if calendars == 0 {
		return nil, errors.New("no VCALENDAR found")
	}

	appLog.Debug("ics parse completed", "parser", ParserGoICal, "event_count", len(events))
	return events, nil
}

func parseGoICalEvent(ev goical.Event) (RawEntry, error) {
	var out RawEntry

	out.UID = propText(ev.Component, goical.PropUID)
	out.Summary = propText(ev.Component, goical.PropSummary)
	out.Description = propText(ev.Component, goical.PropDescription)
	out.Location = propText(ev.Component, goical.PropLocation)

	for _, name := range []string{goical.PropDateTimeStart, goical.PropDateTimeEnd, goical.PropRecurrenceID} {
		if p := ev.Props.Get(name); p != nil {
			if tzid := p.Params.Get(goical.ParamTimezoneID); tzid != "" {
				p.Params.Set(goical.ParamTimezoneID, normalizeTZID(tzid))
			}
		}
	}

	dtStart := ev.Props.Get(goical.PropDateTimeStart)
	if dtStart == nil || strings.TrimSpace(dtStart.Value) == "" {
		return out, errors.New("missing DTSTART")
	}
	out.AllDay = isDateValue(dtStart.Value, dtStart.Params.Get(goical.ParamValue))

	dtEnd := ev.Props.Get(goical.PropDateTimeEnd)
	hasDuration := ev.Props.Get(goical.PropDuration) != nil

	if out.AllDay {
		start, err := parseDate(dtStart.Value)
		if err != nil {
			return out, fmt.Errorf("DTSTART: %w", err)
		}
		out.Start = start
		if dtEnd != nil {
			if end, err := parseDate(dtEnd.Value); err == nil {
				out.End = end
				out.HasEnd = true
			}
		}
	} else {
		start, err := dtStart.DateTime(time.Local)
		if err != nil {
			return out, fmt.Errorf("DTSTART: %w", err)
		}
		out.Start = start
		if dtEnd != nil || hasDuration {
			if end, err := ev.DateTimeEnd(time.Local); err == nil {
				out.End = end
				out.HasEnd = true
			}
		}
	}

	if p := ev.Props.Get(goical.PropRecurrenceRule); p != nil {
		out.RawRRule = p.Value
	}

	for _, p := range ev.Props.Values(goical.PropExceptionDates) {
		tzid := p.Params.Get(goical.ParamTimezoneID)
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, tzid); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if p := ev.Props.Get(goical.PropRecurrenceID); p != nil {
		if t, err := parseICSTime(p.Value, p.Params.Get(goical.ParamTimezoneID)); err == nil {
			out.Recurrence = &t
		}
	}

	return out, nil
}

func propText(comp *goical.Component, name string) string {
	p := comp.Props.Get(name)
	if p == nil {
		return ""
	}
	if s, err := p.Text(); err == nil {
		return s
	}
	return p.Value
}
