package feed

import (
	"time"

	"calfeed/internal/ics"
)

// State is the scheduler state of a subscription.
type State int

const (
	// StateIdle: no attempt running; a timer is pending once the first
	// attempt has finished.
	StateIdle State = iota
	StateFetching
	// StateSucceeded and StateFailed last while the handler runs.
	StateSucceeded
	StateFailed
	StateClosed
)

func (st State) String() string {
	switch st {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (st State) MarshalText() ([]byte, error) {
	return []byte(st.String()), nil
}

// Status is a point-in-time view of a subscription for the status API and
// logs. URL is redacted.
type Status struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name,omitempty" yaml:"name,omitempty"`
	URL         string    `json:"url" yaml:"url"`
	State       State     `json:"state" yaml:"state"`
	Events      int       `json:"events" yaml:"events"`
	Attempts    uint64    `json:"attempts" yaml:"attempts"`
	Failures    uint64    `json:"failures" yaml:"failures"`
	LastError   string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LastAttempt time.Time `json:"last_attempt,omitzero" yaml:"last_attempt,omitempty"`
	LastSuccess time.Time `json:"last_success,omitzero" yaml:"last_success,omitempty"`
	NextAttempt time.Time `json:"next_attempt,omitzero" yaml:"next_attempt,omitempty"`
}

// Status returns a snapshot of the subscription state.
func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ID:          s.id,
		Name:        s.name,
		URL:         ics.RedactURL(s.url),
		State:       s.state,
		Events:      len(s.events),
		Attempts:    s.attempts,
		Failures:    s.failures,
		LastAttempt: s.lastAttempt,
		LastSuccess: s.lastSuccess,
		NextAttempt: s.nextAttempt,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// LastError returns the error of the most recent attempt, or nil if it
// succeeded or none has finished yet.
func (s *Subscription) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
