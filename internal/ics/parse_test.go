package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

var sampleFeed = crlf(`BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//calfeed//test//EN
BEGIN:VEVENT
UID:standup@test
DTSTAMP:20250101T000000Z
DTSTART:20250110T090000Z
DTEND:20250110T093000Z
SUMMARY:Standup
LOCATION:Room 1
END:VEVENT
BEGIN:VEVENT
UID:holiday@test
DTSTAMP:20250101T000000Z
DTSTART;VALUE=DATE:20250112
DTEND;VALUE=DATE:20250113
SUMMARY:Company Holiday
END:VEVENT
BEGIN:VEVENT
UID:planning@test
DTSTAMP:20250101T000000Z
DTSTART;TZID=Europe/Berlin:20250106T100000
DTEND;TZID=Europe/Berlin:20250106T110000
RRULE:FREQ=WEEKLY;COUNT=4
EXDATE;TZID=Europe/Berlin:20250113T100000
SUMMARY:Planning
END:VEVENT
END:VCALENDAR
`)

func TestParsersProduceSameEntries(t *testing.T) {
	for _, name := range []string{ParserGolangICal, ParserGoICal} {
		t.Run(name, func(t *testing.T) {
			p, err := NewParser(name)
			require.NoError(t, err)

			entries, err := p.Parse(sampleFeed)
			require.NoError(t, err)
			require.Len(t, entries, 3)

			standup := entries[0]
			assert.Equal(t, "standup@test", standup.UID)
			assert.Equal(t, "Standup", standup.Summary)
			assert.Equal(t, "Room 1", standup.Location)
			assert.False(t, standup.AllDay)
			assert.True(t, standup.Start.Equal(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)))
			assert.True(t, standup.End.Equal(time.Date(2025, 1, 10, 9, 30, 0, 0, time.UTC)))
			assert.True(t, standup.HasEnd)

			holiday := entries[1]
			assert.True(t, holiday.AllDay)
			assert.Equal(t, time.Date(2025, 1, 12, 0, 0, 0, 0, time.UTC), holiday.Start)
			assert.Equal(t, time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC), holiday.End)

			planning := entries[2]
			assert.Equal(t, "FREQ=WEEKLY;COUNT=4", planning.RawRRule)
			// Berlin is UTC+1 in January.
			assert.True(t, planning.Start.Equal(time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)), "got %v", planning.Start)
			require.Len(t, planning.ExDates, 1)
			assert.True(t, planning.ExDates[0].Equal(time.Date(2025, 1, 13, 9, 0, 0, 0, time.UTC)))
		})
	}
}

func TestParserSkipsEventWithoutStart(t *testing.T) {
	feed := crlf(`BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//calfeed//test//EN
BEGIN:VEVENT
UID:broken@test
DTSTAMP:20250101T000000Z
SUMMARY:Broken
END:VEVENT
BEGIN:VEVENT
UID:ok@test
DTSTAMP:20250101T000000Z
DTSTART:20250110T090000Z
SUMMARY:Fine
END:VEVENT
END:VCALENDAR
`)
	entries, err := GolangICalParser{}.Parse(feed)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ok@test", entries[0].UID)
	assert.False(t, entries[0].HasEnd)
}

func TestParserRejectsNonCalendarBodies(t *testing.T) {
	bodies := map[string][]byte{
		"empty":      nil,
		"whitespace": []byte("  \r\n"),
		"html":       []byte("<!DOCTYPE html><html><body>Sign in</body></html>"),
		"json":       []byte(`{"error":"unauthorized"}`),
	}
	for _, name := range []string{ParserGolangICal, ParserGoICal} {
		p, err := NewParser(name)
		require.NoError(t, err)
		for label, body := range bodies {
			_, err := p.Parse(body)
			assert.Error(t, err, "%s/%s", name, label)
		}
	}
}

func TestNewParserUnknown(t *testing.T) {
	_, err := NewParser("libical")
	assert.Error(t, err)

	p, err := NewParser("")
	require.NoError(t, err)
	assert.IsType(t, GolangICalParser{}, p)
}

func TestNormalizeTZID(t *testing.T) {
	assert.Equal(t, "America/New_York", normalizeTZID("Eastern Standard Time"))
	assert.Equal(t, "Europe/Berlin", normalizeTZID("Europe/Berlin"))
}

func TestParseICSTime(t *testing.T) {
	utc, err := parseICSTime("20250101T090000Z", "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), utc)

	berlin, err := parseICSTime("20250101T100000", "W. Europe Standard Time")
	require.NoError(t, err)
	assert.True(t, berlin.Equal(utc))

	date, err := parseICSTime("20250101", "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), date)

	_, err = parseICSTime(" ", "")
	assert.Error(t, err)
}
