package ics

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"calfeed/internal/model"
)

// FilterPolicy is the set of rules applied to raw entries before they are
// exposed to consumers.
type FilterPolicy struct {
	// ExcludedPhrases drop any event whose title contains one of them,
	// case-insensitively. Empty phrases are ignored.
	ExcludedPhrases []string
	// MaximumEntries caps the result; the earliest events are kept.
	MaximumEntries int
	// MaximumLookaheadDays drops events starting later than now + N days.
	// With IncludePastEvents it also bounds how far back events are kept.
	MaximumLookaheadDays int
	IncludePastEvents    bool
	// Location is the display time zone. Nil means time.Local.
	Location *time.Location
}

func (p FilterPolicy) location() *time.Location {
	if p.Location == nil {
		return time.Local
	}
	return p.Location
}

// window returns the [earliest end, latest start] bounds for now.
func (p FilterPolicy) window(now time.Time) (time.Time, time.Time) {
	now = now.In(p.location())
	upper := now.AddDate(0, 0, p.MaximumLookaheadDays)
	lower := now
	if p.IncludePastEvents {
		lower = now.AddDate(0, 0, -p.MaximumLookaheadDays)
	}
	return lower, upper
}

// Filter runs the complete pipeline over raw entries:
//
//  1. Normalize: expand recurrences and convert to CalendarEvent
//  2. Exclude: drop titles containing an excluded phrase
//  3. Time-window: drop past and too-distant events
//  4. Sort: stable ascending by start
//  5. Truncate: keep at most MaximumEntries
//
// Filter is a pure function of its inputs. A panic inside the pipeline is
// reported as *FilterError.
func Filter(entries []RawEntry, policy FilterPolicy, now time.Time) (events []model.CalendarEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			events = nil
			err = &FilterError{Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	normalized, err := Normalize(entries, policy, now)
	if err != nil {
		return nil, &FilterError{Err: err}
	}
	return Apply(normalized, policy, now), nil
}

// Normalize expands recurring entries inside the policy window and
// converts every entry into a CalendarEvent, preserving feed order.
func Normalize(entries []RawEntry, policy FilterPolicy, now time.Time) ([]model.CalendarEvent, error) {
	lower, upper := policy.window(now)
	res, err := Expand(entries, ExpandConfig{
		DisplayLocation: policy.location(),
		RangeStart:      lower,
		RangeEnd:        upper,
	})
	if err != nil {
		return nil, err
	}
	return res.Events, nil
}

// Apply runs stages 2 to 5 over already-normalized events. It never
// modifies its input and is idempotent for a fixed now.
func Apply(events []model.CalendarEvent, policy FilterPolicy, now time.Time) []model.CalendarEvent {
	phrases := lowerPhrases(policy.ExcludedPhrases)
	lower, upper := policy.window(now)

	out := make([]model.CalendarEvent, 0, len(events))
	for _, ev := range events {
		if isExcluded(ev.Title, phrases) {
			continue
		}
		if ev.End.Before(lower) {
			continue
		}
		if ev.Start.After(upper) {
			continue
		}
		out = append(out, ev)
	}

	slices.SortStableFunc(out, func(a, b model.CalendarEvent) int {
		return a.Start.Compare(b.Start)
	})

	limit := max(policy.MaximumEntries, 0)
	if len(out) > limit {
		out = out[:limit:limit]
	}
	return out
}

func lowerPhrases(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.ToLower(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isExcluded(title string, lowered []string) bool {
	if len(lowered) == 0 {
		return false
	}
	t := strings.ToLower(title)
	for _, p := range lowered {
		if strings.Contains(t, p) {
			return true
		}
	}
	return false
}
