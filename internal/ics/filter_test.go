package ics

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfeed/internal/model"
)

var filterNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

func timed(uid, title string, start time.Time, d time.Duration) RawEntry {
	return RawEntry{UID: uid, Summary: title, Start: start, End: start.Add(d), HasEnd: true}
}

func basePolicy() FilterPolicy {
	return FilterPolicy{
		MaximumEntries:       10,
		MaximumLookaheadDays: 30,
		Location:             time.UTC,
	}
}

func titles(events []model.CalendarEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Title
	}
	return out
}

func TestFilterExcludesPhrase(t *testing.T) {
	entries := []RawEntry{
		timed("1", "Standup", filterNow.Add(day), time.Hour),
		{UID: "2", Summary: "Holiday Party", Start: filterNow.Add(2 * day)},
	}
	policy := basePolicy()
	policy.ExcludedPhrases = []string{"Holiday"}

	got, err := Filter(entries, policy, filterNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"Standup"}, titles(got))
	assert.True(t, got[0].Start.Equal(filterNow.Add(day)))
	assert.True(t, got[0].End.Equal(filterNow.Add(day+time.Hour)))
}

func TestFilterDropsPastEventsAndSorts(t *testing.T) {
	entries := []RawEntry{
		timed("e", "plus10", filterNow.Add(10*day), time.Hour),
		timed("a", "minus1", filterNow.Add(-day), time.Hour),
		timed("c", "plus3", filterNow.Add(3*day), time.Hour),
		timed("b", "plus1", filterNow.Add(day), time.Hour),
		timed("d", "plus5", filterNow.Add(5*day), time.Hour),
	}

	got, err := Filter(entries, basePolicy(), filterNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"plus1", "plus3", "plus5", "plus10"}, titles(got))
}

func TestFilterTruncatesToEarliest(t *testing.T) {
	entries := []RawEntry{
		timed("5", "five", filterNow.Add(5*day), time.Hour),
		timed("2", "two", filterNow.Add(2*day), time.Hour),
		timed("4", "four", filterNow.Add(4*day), time.Hour),
		timed("1", "one", filterNow.Add(day), time.Hour),
		timed("3", "three", filterNow.Add(3*day), time.Hour),
	}
	policy := basePolicy()
	policy.MaximumEntries = 2

	got, err := Filter(entries, policy, filterNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, titles(got))
}

func TestFilterExclusionIsCaseInsensitive(t *testing.T) {
	entries := []RawEntry{
		timed("1", "HOLIDAY", filterNow.Add(day), time.Hour),
		timed("2", "national holiday", filterNow.Add(day), time.Hour),
		timed("3", "Work", filterNow.Add(day), time.Hour),
	}
	policy := basePolicy()
	policy.ExcludedPhrases = []string{"HoLiDaY", ""}

	got, err := Filter(entries, policy, filterNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"Work"}, titles(got))
}

func TestFilterWindowBoundaries(t *testing.T) {
	entries := []RawEntry{
		timed("running", "running", filterNow.Add(-time.Hour), 2*time.Hour),
		timed("ends-now", "ends-now", filterNow.Add(-time.Hour), time.Hour),
		timed("ended", "ended", filterNow.Add(-2*time.Hour), time.Hour),
		timed("edge", "edge", filterNow.Add(30*day), time.Hour),
		timed("beyond", "beyond", filterNow.Add(30*day+time.Second), time.Hour),
	}

	got, err := Filter(entries, basePolicy(), filterNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"running", "ends-now", "edge"}, titles(got))
}

func TestFilterIncludePastEvents(t *testing.T) {
	entries := []RawEntry{
		timed("recent", "recent", filterNow.Add(-2*day), time.Hour),
		timed("old", "old", filterNow.Add(-40*day), time.Hour),
		timed("future", "future", filterNow.Add(day), time.Hour),
	}
	policy := basePolicy()
	policy.IncludePastEvents = true

	got, err := Filter(entries, policy, filterNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"recent", "future"}, titles(got))
}

func TestFilterStableForEqualStarts(t *testing.T) {
	start := filterNow.Add(day)
	entries := []RawEntry{
		timed("later", "later", start.Add(time.Hour), time.Hour),
		timed("first", "first", start, time.Hour),
		timed("second", "second", start, 2*time.Hour),
		timed("third", "third", start, 3*time.Hour),
	}

	got, err := Filter(entries, basePolicy(), filterNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third", "later"}, titles(got))
}

func TestFilterAllDayEventsUseLocalMidnight(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	entries := []RawEntry{{
		UID:     "today",
		Summary: "Conference",
		Start:   time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC),
		HasEnd:  true,
		AllDay:  true,
	}, {
		UID:     "no-end",
		Summary: "Birthday",
		Start:   time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC),
		AllDay:  true,
	}}
	policy := basePolicy()
	policy.Location = berlin

	got, err := Filter(entries, policy, filterNow)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.True(t, got[0].IsFullDay)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, berlin), got[0].Start)
	assert.Equal(t, time.Date(2025, 3, 12, 0, 0, 0, 0, berlin), got[0].End)
	assert.Equal(t, time.Date(2025, 3, 12, 0, 0, 0, 0, berlin), got[1].End)
}

func TestFilterExpandsRecurringEntries(t *testing.T) {
	start := filterNow.Add(-7 * day)
	exdate := start.Add(14 * day)
	moved := start.Add(21*day + 2*time.Hour)
	rid := start.Add(21 * day)

	entries := []RawEntry{
		{
			UID: "weekly", Summary: "Weekly sync",
			Start: start, End: start.Add(time.Hour), HasEnd: true,
			RawRRule: "FREQ=WEEKLY;COUNT=10",
			ExDates:  []time.Time{exdate},
		},
		{
			UID: "weekly", Summary: "Weekly sync (moved)",
			Start: moved, End: moved.Add(time.Hour), HasEnd: true,
			Recurrence: &rid,
		},
	}

	got, err := Filter(entries, basePolicy(), filterNow)
	require.NoError(t, err)

	// The series runs weekly from a week ago. The past instance and the
	// EXDATE one week out are gone; week two is replaced by the override.
	require.Equal(t, []string{"Weekly sync", "Weekly sync (moved)", "Weekly sync", "Weekly sync"}, titles(got))
	assert.True(t, got[0].Start.Equal(filterNow))
	assert.True(t, got[1].Start.Equal(moved))
	assert.True(t, got[2].Start.Equal(filterNow.Add(21*day)))
	assert.True(t, got[3].Start.Equal(filterNow.Add(28*day)))
}

func TestFilterKeepsOverrideMovedIntoWindow(t *testing.T) {
	start := filterNow.Add(-14 * day)
	rid := filterNow.Add(-7 * day)
	moved := filterNow.Add(2 * day)

	entries := []RawEntry{
		{
			UID: "weekly", Summary: "Weekly",
			Start: start, End: start.Add(time.Hour), HasEnd: true,
			RawRRule: "FREQ=WEEKLY;COUNT=3",
		},
		{
			UID: "weekly", Summary: "Weekly (moved)",
			Start: moved, End: moved.Add(time.Hour), HasEnd: true,
			Recurrence: &rid,
		},
	}

	got, err := Filter(entries, basePolicy(), filterNow)
	require.NoError(t, err)

	// Last week's instance was rescheduled into the window.
	require.Equal(t, []string{"Weekly", "Weekly (moved)"}, titles(got))
	assert.True(t, got[0].Start.Equal(filterNow))
	assert.True(t, got[1].Start.Equal(moved))
}

func TestFilterSecondlyRuleOverYear(t *testing.T) {
	policy := basePolicy()
	policy.MaximumLookaheadDays = 365
	entries := []RawEntry{{UID: "flood", Summary: "Flood", Start: filterNow, RawRRule: "FREQ=SECONDLY"}}

	got, err := Filter(entries, policy, filterNow)
	require.NoError(t, err)
	require.Len(t, got, policy.MaximumEntries)
	assert.True(t, got[9].Start.Equal(filterNow.Add(9*time.Second)))
}

func TestFilterZeroMaximumEntries(t *testing.T) {
	policy := basePolicy()
	policy.MaximumEntries = 0
	got, err := Filter([]RawEntry{timed("1", "x", filterNow.Add(day), time.Hour)}, policy, filterNow)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// randomEntries builds a deterministic mix of past, current, future and
// far-future entries with a few repeated titles and starts.
func randomEntries(r *rand.Rand, n int) []RawEntry {
	words := []string{"Standup", "Holiday", "Review", "Lunch", "holiday party", "Retro"}
	out := make([]RawEntry, 0, n)
	for i := 0; i < n; i++ {
		offset := time.Duration(r.Intn(80)-20) * 12 * time.Hour
		out = append(out, RawEntry{
			UID:     strings.Repeat("x", i%3+1),
			Summary: words[r.Intn(len(words))],
			Start:   filterNow.Add(offset),
			End:     filterNow.Add(offset + time.Duration(r.Intn(48))*time.Hour),
			HasEnd:  true,
			AllDay:  false,
		})
	}
	return out
}

func TestFilterProperties(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	policy := basePolicy()
	policy.MaximumEntries = 7
	policy.MaximumLookaheadDays = 14
	policy.ExcludedPhrases = []string{"holiday"}

	for round := 0; round < 50; round++ {
		entries := randomEntries(r, 25)
		got, err := Filter(entries, policy, filterNow)
		require.NoError(t, err)

		assert.LessOrEqual(t, len(got), policy.MaximumEntries)
		for i, ev := range got {
			if i > 0 {
				assert.False(t, ev.Start.Before(got[i-1].Start), "not sorted at %d", i)
			}
			assert.NotContains(t, strings.ToLower(ev.Title), "holiday")
			assert.False(t, ev.End.Before(filterNow), "past event %v", ev)
			assert.False(t, ev.Start.After(filterNow.AddDate(0, 0, policy.MaximumLookaheadDays)))
		}

		// Truncation keeps the earliest qualifying events.
		all := policy
		all.MaximumEntries = len(entries)
		full, err := Filter(entries, all, filterNow)
		require.NoError(t, err)
		if len(full) > policy.MaximumEntries {
			assert.Equal(t, full[:policy.MaximumEntries], got)
		}
	}
}

// Idempotence only holds with now fixed: as now advances, events that
// were current may end and drop out on the next pass.
func TestFilterIdempotentAtFixedNow(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	policy := basePolicy()
	policy.MaximumEntries = 5
	policy.ExcludedPhrases = []string{"retro"}

	for round := 0; round < 20; round++ {
		once, err := Filter(randomEntries(r, 30), policy, filterNow)
		require.NoError(t, err)

		assert.Equal(t, once, Apply(once, policy, filterNow))

		twice, err := Filter(toRawEntries(once), policy, filterNow)
		require.NoError(t, err)
		require.Len(t, twice, len(once))
		for i := range once {
			assert.True(t, once[i].Equal(twice[i]), "index %d: %v != %v", i, once[i], twice[i])
		}
	}
}

func toRawEntries(events []model.CalendarEvent) []RawEntry {
	out := make([]RawEntry, len(events))
	for i, ev := range events {
		out[i] = RawEntry{
			UID: ev.UID, Summary: ev.Title, Description: ev.Description, Location: ev.Location,
			Start: ev.Start, End: ev.End, HasEnd: true, AllDay: ev.IsFullDay,
		}
	}
	return out
}

func TestApplyDoesNotModifyInput(t *testing.T) {
	in := []model.CalendarEvent{
		{Title: "b", Start: filterNow.Add(2 * day), End: filterNow.Add(2 * day)},
		{Title: "a", Start: filterNow.Add(day), End: filterNow.Add(day)},
	}
	_ = Apply(in, basePolicy(), filterNow)
	assert.Equal(t, "b", in[0].Title)
}
