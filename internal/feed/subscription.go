package feed

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"calfeed/internal/ics"
	appLog "calfeed/internal/log"
	"calfeed/internal/metrics"
	"calfeed/internal/model"
)

const (
	// MinReloadInterval is the shortest accepted delay between attempts.
	MinReloadInterval = time.Second
	// DefaultReloadInterval is used when Options.ReloadInterval is zero.
	DefaultReloadInterval = 5 * time.Minute
)

// Fetcher returns the raw feed body. *ics.Transport implements it.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Options configures a Subscription.
type Options struct {
	// ID labels logs, metrics and the status API. Defaults to the
	// redacted URL.
	ID   string
	Name string
	URL  string

	Auth          ics.Auth
	AllowInsecure bool
	UserAgent     string
	// Fetcher overrides the transport built from URL, Auth,
	// AllowInsecure and UserAgent.
	Fetcher Fetcher

	// Parser defaults to ics.GolangICalParser.
	Parser ics.Parser
	Policy ics.FilterPolicy

	// ReloadInterval is the delay after each finished attempt.
	ReloadInterval time.Duration
	// Schedule, if set, replaces ReloadInterval: the next attempt runs at
	// Schedule.Next(now).
	Schedule cron.Schedule

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// Subscription keeps the filtered event set of one remote feed fresh.
//
// Each attempt fetches, parses and filters the feed, stores the result,
// notifies exactly one handler and re-arms a single timer. Failures of any
// kind are retried after the same delay as successes.
//
// Handlers receive a *Subscription that shares all state with the one
// returned by New but is a distinct value.
type Subscription struct {
	*subscription

	// delivery is non-nil only on the value passed to a handler and is
	// true while that handler runs.
	delivery *atomic.Bool
}

type subscription struct {
	id       string
	name     string
	url      string
	fetcher  Fetcher
	parser   ics.Parser
	policy   ics.FilterPolicy
	interval time.Duration
	schedule cron.Schedule
	clock    clockwork.Clock
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// notifyMu is held while a handler runs. Close acquires it to wait
	// for that handler.
	notifyMu sync.Mutex

	mu         sync.Mutex
	state      State
	events     []model.CalendarEvent
	onEvents   EventsHandler
	onError    ErrorHandler
	timer      clockwork.Timer
	generation uint64
	// queued records a StartFetch that arrived while an attempt was
	// running; it becomes one follow-up attempt.
	queued bool

	attempts    uint64
	failures    uint64
	lastErr     error
	lastAttempt time.Time
	lastSuccess time.Time
	nextAttempt time.Time
}

// New validates opts and returns an idle subscription. No request is made
// until StartFetch.
func New(opts Options) (*Subscription, error) {
	if opts.URL == "" && opts.Fetcher == nil {
		return nil, errors.New("feed: url is required")
	}
	if opts.ReloadInterval == 0 {
		opts.ReloadInterval = DefaultReloadInterval
	}
	if opts.ReloadInterval < MinReloadInterval {
		return nil, fmt.Errorf("feed: reload interval %s is below the minimum of %s", opts.ReloadInterval, MinReloadInterval)
	}
	if opts.Policy.MaximumEntries < 0 {
		return nil, fmt.Errorf("feed: maximum entries must not be negative, got %d", opts.Policy.MaximumEntries)
	}
	if opts.Policy.MaximumLookaheadDays < 0 {
		return nil, fmt.Errorf("feed: maximum lookahead days must not be negative, got %d", opts.Policy.MaximumLookaheadDays)
	}

	if opts.Fetcher == nil {
		opts.Fetcher = ics.NewTransport(ics.TransportOptions{
			URL:           opts.URL,
			Auth:          opts.Auth,
			AllowInsecure: opts.AllowInsecure,
			UserAgent:     opts.UserAgent,
		})
	}
	if opts.Parser == nil {
		opts.Parser = ics.GolangICalParser{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.ID == "" {
		opts.ID = ics.RedactURL(opts.URL)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{subscription: &subscription{
		id:       opts.ID,
		name:     opts.Name,
		url:      opts.URL,
		fetcher:  opts.Fetcher,
		parser:   opts.Parser,
		policy:   opts.Policy,
		interval: opts.ReloadInterval,
		schedule: opts.Schedule,
		clock:    opts.Clock,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateIdle,
		events:   []model.CalendarEvent{},
	}}
	s.logger = appLog.WithComponent("feed").With().
		Str("calendar", s.id).
		Str("url", ics.RedactURL(s.url)).
		Logger()
	return s, nil
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Name returns the display name, which may be empty.
func (s *Subscription) Name() string { return s.name }

// URL returns the feed URL exactly as configured.
func (s *Subscription) URL() string { return s.url }

// Events returns a copy of the current event set, sorted by start.
func (s *Subscription) Events() []model.CalendarEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

func (s *Subscription) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// StartFetch begins an attempt now and cancels any pending timer. If an
// attempt is already running, one follow-up attempt is queued to start as
// soon as the running one has notified; further calls while it is queued
// are coalesced. StartFetch after Close does nothing.
func (s *Subscription) StartFetch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return
	case StateFetching, StateSucceeded, StateFailed:
		if !s.queued {
			s.logger.Debug().Msg("attempt in flight; queueing follow-up")
		}
		s.queued = true
		return
	}
	s.beginLocked()
}

// beginLocked starts an attempt goroutine. s.mu must be held and the
// state must be StateIdle.
func (s *Subscription) beginLocked() {
	s.stopTimerLocked()
	s.state = StateFetching
	s.queued = false
	s.attempts++
	s.lastAttempt = s.clock.Now()
	s.nextAttempt = time.Time{}
	go s.run()
}

// run performs one attempt and drives the state machine through
// Succeeded or Failed back to Idle.
func (s *Subscription) run() {
	start := s.clock.Now()
	events, err := s.attempt(s.ctx)
	finished := s.clock.Now()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		s.logger.Debug().Msg("attempt finished after close; dropping result")
		return
	}
	var (
		onEvents EventsHandler
		onError  ErrorHandler
	)
	if err != nil {
		s.state = StateFailed
		s.failures++
		s.lastErr = err
		onError = s.onError
	} else {
		s.state = StateSucceeded
		s.events = events
		s.lastErr = nil
		s.lastSuccess = finished
		onEvents = s.onEvents
	}
	s.mu.Unlock()

	s.record(events, err, finished.Sub(start), finished)
	s.deliver(onEvents, onError, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateIdle
	if s.queued {
		s.beginLocked()
		return
	}
	s.armLocked()
}

// attempt fetches, parses and filters the feed once. Errors are the typed
// errors of package ics.
func (s *Subscription) attempt(ctx context.Context) ([]model.CalendarEvent, error) {
	body, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := s.parser.Parse(body)
	if err != nil {
		var pe *ics.ParseError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, &ics.ParseError{Err: err}
	}

	return ics.Filter(entries, s.policy, s.clock.Now())
}

// FetchOnce runs a single attempt synchronously and returns its result.
// It does not touch the scheduler, the stored events or the handlers.
func (s *Subscription) FetchOnce(ctx context.Context) ([]model.CalendarEvent, error) {
	return s.attempt(ctx)
}

func (s *Subscription) record(events []model.CalendarEvent, err error, d time.Duration, at time.Time) {
	if err != nil {
		metrics.ObserveAttempt(s.id, ics.ErrorKind(err), d)
		s.logger.Warn().
			Err(err).
			Str("kind", ics.ErrorKind(err)).
			Dur("duration", d).
			Msg("fetch attempt failed")
		return
	}
	metrics.ObserveAttempt(s.id, metrics.ResultSuccess, d)
	metrics.ObserveSuccess(s.id, len(events), at)
	s.logger.Debug().
		Int("events", len(events)).
		Dur("duration", d).
		Msg("fetch attempt succeeded")
}

// delay returns the wait before the next attempt.
func (s *Subscription) delay(now time.Time) time.Duration {
	if s.schedule == nil {
		return s.interval
	}
	d := s.schedule.Next(now).Sub(now)
	if d < MinReloadInterval {
		d = MinReloadInterval
	}
	return d
}

// armLocked replaces the pending timer with a new one. A timer that fires
// after being replaced sees a different generation and does nothing.
func (s *Subscription) armLocked() {
	s.stopTimerLocked()
	gen := s.generation
	now := s.clock.Now()
	d := s.delay(now)
	s.nextAttempt = now.Add(d)
	s.timer = s.clock.AfterFunc(d, func() { s.fire(gen) })
	s.logger.Debug().Dur("delay", d).Msg("next attempt scheduled")
}

func (s *Subscription) stopTimerLocked() {
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Subscription) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.state != StateIdle {
		return
	}
	s.timer = nil
	s.beginLocked()
}

// Close stops the subscription: the pending timer is cleared and a running
// request is cancelled. If a handler is running on another goroutine,
// Close waits for it to return; no handler is invoked after Close returns.
// Close is idempotent. A handler may close its subscription through the
// *Subscription it receives; closing it through any other value from
// inside a handler deadlocks.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateClosed
		s.queued = false
		s.nextAttempt = time.Time{}
		s.stopTimerLocked()
		s.cancel()
		s.logger.Debug().Msg("subscription closed")
	}
	s.mu.Unlock()

	if s.delivery != nil && s.delivery.Load() {
		return
	}
	// Wait for a delivery on another goroutine.
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
}
