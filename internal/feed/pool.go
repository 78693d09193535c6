package feed

import (
	"fmt"

	appLog "calfeed/internal/log"
	"calfeed/internal/metrics"
)

// Pool owns a fixed set of independent subscriptions.
type Pool struct {
	subs []*Subscription
	byID map[string]*Subscription
}

// NewPool builds one subscription per options entry. IDs must be unique.
func NewPool(opts []Options) (*Pool, error) {
	p := &Pool{
		subs: make([]*Subscription, 0, len(opts)),
		byID: make(map[string]*Subscription, len(opts)),
	}
	for i, o := range opts {
		s, err := New(o)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("calendar %d: %w", i, err)
		}
		if _, dup := p.byID[s.ID()]; dup {
			s.Close()
			p.Close()
			return nil, fmt.Errorf("calendar %d: duplicate id %q", i, s.ID())
		}
		p.subs = append(p.subs, s)
		p.byID[s.ID()] = s
	}
	return p, nil
}

// OnReceive installs h on every subscription.
func (p *Pool) OnReceive(h EventsHandler) {
	for _, s := range p.subs {
		s.OnReceive(h)
	}
}

// OnError installs h on every subscription.
func (p *Pool) OnError(h ErrorHandler) {
	for _, s := range p.subs {
		s.OnError(h)
	}
}

// Start triggers the first attempt of every subscription.
func (p *Pool) Start() {
	appLog.Info("starting subscriptions", "count", len(p.subs))
	for _, s := range p.subs {
		s.StartFetch()
	}
}

// Get returns the subscription with the given ID.
func (p *Pool) Get(id string) (*Subscription, bool) {
	s, ok := p.byID[id]
	return s, ok
}

// Subscriptions returns the subscriptions in configuration order.
func (p *Pool) Subscriptions() []*Subscription {
	out := make([]*Subscription, len(p.subs))
	copy(out, p.subs)
	return out
}

// Statuses returns a status snapshot per subscription in configuration
// order.
func (p *Pool) Statuses() []Status {
	out := make([]Status, 0, len(p.subs))
	for _, s := range p.subs {
		out = append(out, s.Status())
	}
	return out
}

// Close closes every subscription and drops their metric series.
func (p *Pool) Close() {
	for _, s := range p.subs {
		s.Close()
		metrics.Forget(s.ID())
	}
}
