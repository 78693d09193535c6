package feed

import "sync/atomic"

// EventsHandler is invoked after every successful attempt, whether or not
// the event set changed. Use Subscription.Events to read the new set.
type EventsHandler func(s *Subscription)

// ErrorHandler is invoked once for every failed attempt. err is one of the
// typed errors in package ics.
type ErrorHandler func(s *Subscription, err error)

// OnReceive replaces the success handler. A nil handler disables
// success notifications.
func (s *Subscription) OnReceive(h EventsHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvents = h
}

// OnError replaces the failure handler. A nil handler disables failure
// notifications; failures are still logged.
func (s *Subscription) OnError(h ErrorHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = h
}

// deliver hands a finished attempt to its handler unless the subscription
// was closed meanwhile. The handler receives a value whose Close does not
// wait for the delivery in progress.
func (s *Subscription) deliver(onEvents EventsHandler, onError ErrorHandler, err error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		s.logger.Debug().Msg("closed before notification; dropping result")
		return
	}

	h := &Subscription{subscription: s.subscription, delivery: new(atomic.Bool)}
	h.delivery.Store(true)
	defer h.delivery.Store(false)
	h.notify(onEvents, onError, err)
}

// notify runs the handler selected for the finished attempt. It must be
// called without s.mu held so handlers may call back into s.
func (s *Subscription) notify(onEvents EventsHandler, onError ErrorHandler, err error) {
	if err != nil {
		if onError != nil {
			onError(s, err)
		}
		return
	}
	s.logger.Info().Int("events", s.eventCount()).Msg("broadcasting events")
	if onEvents != nil {
		onEvents(s)
	}
}
