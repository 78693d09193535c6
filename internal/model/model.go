package model

import "time"

// CalendarEvent is a single concrete event as exposed to consumers, after
// recurrence expansion, filtering and time zone normalization. Values are
// never mutated once the filter pipeline has produced them.
type CalendarEvent struct {
	UID string `json:"uid" yaml:"uid"`

	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Location    string `json:"location,omitempty" yaml:"location,omitempty"`

	// IsFullDay marks date-only events. Their Start and End are local
	// midnights in the display time zone.
	IsFullDay bool `json:"is_full_day" yaml:"is_full_day"`

	// End is never before Start.
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

// Equal reports whether two events describe the same instance. Times are
// compared with time.Time.Equal so location differences do not matter.
func (e CalendarEvent) Equal(o CalendarEvent) bool {
	return e.UID == o.UID &&
		e.Title == o.Title &&
		e.Description == o.Description &&
		e.Location == o.Location &&
		e.IsFullDay == o.IsFullDay &&
		e.Start.Equal(o.Start) &&
		e.End.Equal(o.End)
}
