package patch

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

type throttleKey struct {
	kind Kind
	id   string
}

// Throttle bounds the rate at which events are forwarded. Events that exceed
// the budget are coalesced per target, keeping only the newest, and forwarded
// by Drain once budget is available again.
type Throttle struct {
	limiter *rate.Limiter
	clock   clockwork.Clock
	next    func(Event)

	mu      sync.Mutex
	pending map[throttleKey]Event
	order   []throttleKey
}

// NewThrottle forwards at most limit events per second with the given burst to
// next. A non-positive limit disables throttling.
func NewThrottle(limit float64, burst int, clock clockwork.Clock, next func(Event)) *Throttle {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	l := rate.Inf
	if limit > 0 {
		l = rate.Limit(limit)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		limiter: rate.NewLimiter(l, burst),
		clock:   clock,
		next:    next,
		pending: make(map[throttleKey]Event),
	}
}

// Offer forwards ev immediately when budget allows, otherwise parks it. It
// reports whether ev was forwarded.
func (t *Throttle) Offer(ev Event) bool {
	key := throttleKey{kind: ev.Kind, id: ev.ID}
	t.mu.Lock()
	if _, parked := t.pending[key]; parked {
		t.pending[key] = ev
		t.mu.Unlock()
		return false
	}
	if !t.limiter.AllowN(t.clock.Now(), 1) {
		t.pending[key] = ev
		t.order = append(t.order, key)
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()
	t.next(ev)
	return true
}

// Drain forwards parked events in arrival order while budget allows and
// returns how many were forwarded.
func (t *Throttle) Drain() int {
	var ready []Event
	t.mu.Lock()
	now := t.clock.Now()
	for len(t.order) > 0 && t.limiter.AllowN(now, 1) {
		key := t.order[0]
		t.order = t.order[1:]
		ready = append(ready, t.pending[key])
		delete(t.pending, key)
	}
	t.mu.Unlock()
	for _, ev := range ready {
		t.next(ev)
	}
	return len(ready)
}

// Pending returns the number of parked events.
func (t *Throttle) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// Run drains parked events every interval until ctx is done.
func (t *Throttle) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := t.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.Drain()
		}
	}
}
