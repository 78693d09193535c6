package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000

	// maxRecurrenceScan bounds how many generated instances of one series
	// are walked, including those before the range.
	maxRecurrenceScan = 200000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the time zone all occurrences are converted to
	// and in which all-day dates become midnights. If nil, time.Local is
	// used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd bound the occurrences of recurring entries.
	// Non-recurring entries are passed through unchanged.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid extremely large
	// expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the expanded events and information about truncation.
type ExpandResult struct {
	Events []model.CalendarEvent
	// TruncatedUIDs records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedUIDs []string
}

// Expand turns raw entries into concrete events, in feed order. It handles:
//
//   - Single non-recurring entries
//   - RRULE-based recurrence (DAILY/WEEKLY/MONTHLY/YEARLY, etc.)
//   - EXDATE for exception removal
//   - RECURRENCE-ID overrides
//   - All-day semantics
//
// Occurrences of one recurring entry appear in start order at the position
// of that entry. An override replaces the instance it names; when that
// instance lies outside the range the override is still emitted if its own
// span overlaps the range. Overrides of an unknown or unparsable series are
// kept as standalone events. Expand is pure.
func Expand(entries []RawEntry, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Group overrides by UID and parse every master rule up front. Only a
	// series whose rule parses owns its overrides.
	overridesByUID := make(map[string][]RawEntry)
	recurringUIDs := make(map[string]bool)
	rules := make([]*rrule.RRule, len(entries))
	for i, ev := range entries {
		if ev.IsOverride() {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
			continue
		}
		if ev.RawRRule == "" {
			continue
		}
		r, err := rrule.StrToRRule(ev.RawRRule)
		if err != nil {
			appLog.Warn("expand: failed to parse RRULE; keeping first instance", "uid", ev.UID, "rrule", ev.RawRRule, "err", err.Error())
			continue
		}
		rules[i] = r
		recurringUIDs[ev.UID] = true
	}

	out := make([]model.CalendarEvent, 0, len(entries))
	for i, ev := range entries {
		if ev.IsOverride() {
			// Overrides of a known series are emitted by that series.
			if recurringUIDs[ev.UID] {
				continue
			}
			out = append(out, makeEvent(ev, ev.Start, endOf(ev), cfg.DisplayLocation))
			continue
		}

		if rules[i] == nil {
			out = append(out, makeEvent(ev, ev.Start, endOf(ev), cfg.DisplayLocation))
			continue
		}

		overrides := overridesByUID[ev.UID]
		occ, used, hitCap := expandRecurring(ev, rules[i], overrides, cfg)
		out = append(out, occ...)
		for j, o := range overrides {
			if used[j] {
				continue
			}
			moved := makeEvent(o, o.Start, endOf(o), cfg.DisplayLocation)
			if moved.End.Before(cfg.RangeStart) || moved.Start.After(cfg.RangeEnd) {
				continue
			}
			out = append(out, moved)
		}
		if hitCap {
			result.TruncatedUIDs = append(result.TruncatedUIDs, ev.UID)
			appLog.Warn("expand: truncated occurrences for UID due to cap",
				"uid", ev.UID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
	}

	result.Events = out
	return result, nil
}

// endOf returns the entry's end, defaulting a missing or inverted end to
// the start (timed) or the next day (all-day).
func endOf(ev RawEntry) time.Time {
	if ev.AllDay {
		if !ev.HasEnd || !ev.End.After(ev.Start) {
			return ev.Start.AddDate(0, 0, 1)
		}
		return ev.End
	}
	if !ev.HasEnd || ev.End.Before(ev.Start) {
		return ev.Start
	}
	return ev.End
}

// expandRecurring generates the instances of ev inside the configured range.
// used[i] reports whether overrides[i] replaced a generated instance. The
// walk stops at the occurrence cap or after maxRecurrenceScan instances,
// whichever comes first; both report hitCap.
func expandRecurring(ev RawEntry, r *rrule.RRule, overrides []RawEntry, cfg ExpandConfig) (out []model.CalendarEvent, used []bool, hitCap bool) {
	used = make([]bool, len(overrides))

	seriesStart := ev.Start
	if ev.AllDay {
		// Expand all-day series on wall-clock dates in the display zone
		// so DST shifts never move an instance to another day.
		seriesStart = dateIn(ev.Start, cfg.DisplayLocation)
	}
	r.DTStart(seriesStart)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		if ev.AllDay {
			set.ExDate(dateIn(ex, cfg.DisplayLocation))
			continue
		}
		set.ExDate(ex.In(seriesStart.Location()))
	}

	// Widen the lower bound by the event duration so instances that
	// started before the range but are still running are included.
	duration := endOf(ev).Sub(ev.Start)
	rangeStart := cfg.RangeStart.Add(-duration)
	rangeEnd := cfg.RangeEnd

	days := int(duration.Hours()/24 + 0.5)
	if days < 1 {
		days = 1
	}

	next := set.Iterator()
	for scanned := 0; ; scanned++ {
		occStart, ok := next()
		if !ok || occStart.After(rangeEnd) {
			break
		}
		if scanned >= maxRecurrenceScan {
			hitCap = true
			break
		}
		if occStart.Before(rangeStart) {
			continue
		}
		if len(out) >= cfg.MaxOccurrencesPerEvent {
			hitCap = true
			break
		}

		occEnd := occStart.Add(duration)
		if ev.AllDay {
			occEnd = occStart.AddDate(0, 0, days)
		}

		if j, ok := findOverrideForStart(overrides, occStart, ev.AllDay, cfg.DisplayLocation); ok {
			used[j] = true
			o := overrides[j]
			out = append(out, makeEvent(o, o.Start, endOf(o), cfg.DisplayLocation))
			continue
		}
		out = append(out, makeEvent(ev, occStart, occEnd, cfg.DisplayLocation))
	}

	return out, used, hitCap
}

// findOverrideForStart returns the index of the override whose
// RECURRENCE-ID matches the generated instance start. All-day series
// compare by calendar date.
func findOverrideForStart(overrides []RawEntry, occStart time.Time, allDay bool, loc *time.Location) (int, bool) {
	for i, ov := range overrides {
		if ov.Recurrence == nil {
			continue
		}
		if allDay {
			if dateIn(*ov.Recurrence, loc).Equal(occStart) {
				return i, true
			}
			continue
		}
		if ov.Recurrence.Equal(occStart) {
			return i, true
		}
	}
	return -1, false
}

// makeEvent converts an entry plus a concrete start/end into a
// CalendarEvent normalized into displayLoc. All-day boundaries become
// local midnights of the same calendar dates.
func makeEvent(ev RawEntry, start, end time.Time, displayLoc *time.Location) model.CalendarEvent {
	if ev.AllDay {
		start = dateIn(start, displayLoc)
		end = dateIn(end, displayLoc)
		if !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
	} else {
		start = start.In(displayLoc)
		end = end.In(displayLoc)
	}

	return model.CalendarEvent{
		UID:         ev.UID,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		IsFullDay:   ev.AllDay,
		Start:       start,
		End:         end,
	}
}

// dateIn keeps the calendar date of t (as seen in t's own location) and
// returns midnight of that date in loc.
func dateIn(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
