package loader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/timzifer/sldsync/diagram"
	"github.com/timzifer/sldsync/telemetry"
)

// Status is the loader surface exposed to the UI.
type Status struct {
	State       State              `json:"state"`
	ID          diagram.Identifier `json:"id,omitempty"`
	Snapshot    *diagram.Snapshot  `json:"-"`
	Err         error              `json:"-"`
	LastUpdate  time.Time          `json:"last_update"`
	AutoRefresh bool               `json:"auto_refresh"`
	Runtime     bool               `json:"runtime"`
}

// Option customizes a Loader.
type Option func(*Loader)

// WithClock overrides the clock driving the refresh timer.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Loader) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithCollector installs a metrics collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(l *Loader) {
		if collector != nil {
			l.collector = collector
		}
	}
}

// WithSpawner replaces the goroutine launcher used for fetches. Tests pass a
// synchronous spawner to make fetch completion deterministic.
func WithSpawner(spawn func(func())) Option {
	return func(l *Loader) {
		if spawn != nil {
			l.spawn = spawn
		}
	}
}

// WithFetchTimeout bounds every fetch. Zero disables the bound.
func WithFetchTimeout(d time.Duration) Option {
	return func(l *Loader) {
		l.timeout = d
	}
}

// Loader drives the state machine. Events are serialized through a mailbox so
// transitions never run concurrently; effects run after each transition with
// the loader unlocked.
type Loader struct {
	logger    zerolog.Logger
	clock     clockwork.Clock
	collector telemetry.Collector
	spawn     func(func())
	timeout   time.Duration
	cache     *Cache

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	machine     Machine
	fetcher     diagram.Fetcher
	queue       []Event
	draining    bool
	closed      bool
	timer       clockwork.Timer
	subscribers map[int]func(Status)
	nextSub     int
}

// New creates an idle loader without a backend handle.
func New(logger zerolog.Logger, opts ...Option) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loader{
		logger:      logger.With().Str("component", "diagram_loader").Logger(),
		clock:       clockwork.NewRealClock(),
		collector:   telemetry.Noop(),
		spawn:       func(fn func()) { go fn() },
		cache:       NewCache(),
		ctx:         ctx,
		cancel:      cancel,
		machine:     NewMachine(),
		subscribers: make(map[int]func(Status)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Load requests the diagram for id.
func (l *Loader) Load(id diagram.Identifier) { l.send(Load{ID: id}) }

// Retry re-attempts a failed initial load.
func (l *Loader) Retry() { l.send(Retry{}) }

// ManualRefresh refetches the loaded diagram immediately.
func (l *Loader) ManualRefresh() { l.send(ManualRefresh{}) }

// EnableAutoRefresh turns on the periodic refresh.
func (l *Loader) EnableAutoRefresh() { l.send(EnableAutoRefresh{}) }

// DisableAutoRefresh turns off the periodic refresh.
func (l *Loader) DisableAutoRefresh() { l.send(DisableAutoRefresh{}) }

// ClearCache empties the cache without touching the snapshot in view.
func (l *Loader) ClearCache() { l.send(ClearCache{}) }

// Attach installs the backend handle. A nil fetcher detaches it.
func (l *Loader) Attach(fetcher diagram.Fetcher) {
	l.mu.Lock()
	l.fetcher = fetcher
	l.mu.Unlock()
	if fetcher == nil {
		l.send(RuntimeLost{})
		return
	}
	l.send(RuntimeReady{})
}

// Cached reports whether id is held in the cache.
func (l *Loader) Cached(id diagram.Identifier) bool {
	return l.cache.Has(id)
}

// CachedIDs lists the cached identifiers.
func (l *Loader) CachedIDs() []diagram.Identifier {
	return l.cache.IDs()
}

// Status returns the current UI-facing state.
func (l *Loader) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return statusOf(l.machine)
}

// Subscribe registers fn for state changes. The returned function removes
// the subscription.
func (l *Loader) Subscribe(fn func(Status)) func() {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subscribers[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.subscribers, id)
		l.mu.Unlock()
	}
}

// Close tears the loader down: the refresh timer is stopped, an in-flight
// fetch is cancelled and every later event or fetch result is dropped.
func (l *Loader) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.subscribers = make(map[int]func(Status))
	l.mu.Unlock()
	l.cancel()
}

func statusOf(m Machine) Status {
	st := Status{
		State:       m.State,
		ID:          m.ID,
		Snapshot:    m.Snapshot,
		LastUpdate:  m.LastUpdate,
		AutoRefresh: m.AutoRefresh,
		Runtime:     m.Runtime,
	}
	if m.Err != nil {
		st.Err = m.Err
	}
	return st
}

func observable(a, b Machine) bool {
	return a.State != b.State ||
		a.ID != b.ID ||
		a.Snapshot != b.Snapshot ||
		a.Err != b.Err ||
		!a.LastUpdate.Equal(b.LastUpdate) ||
		a.AutoRefresh != b.AutoRefresh ||
		a.Runtime != b.Runtime
}

// send appends ev to the mailbox. The first caller drains it; re-entrant and
// concurrent callers only enqueue.
func (l *Loader) send(ev Event) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, ev)
	if l.draining {
		l.mu.Unlock()
		return
	}
	l.draining = true
	for len(l.queue) > 0 && !l.closed {
		next := l.queue[0]
		l.queue = l.queue[1:]
		before := l.machine
		after, effects := Transition(before, next, Env{Now: l.clock.Now(), Cached: l.cache.Get})
		l.machine = after
		var subs []func(Status)
		if observable(before, after) {
			subs = make([]func(Status), 0, len(l.subscribers))
			for _, fn := range l.subscribers {
				subs = append(subs, fn)
			}
		}
		status := statusOf(after)
		l.mu.Unlock()

		if before.State != after.State {
			l.logger.Debug().
				Str("event", next.eventName()).
				Str("from", string(before.State)).
				Str("to", string(after.State)).
				Str("diagram", string(after.ID)).
				Msg("loader transition")
		}
		for _, eff := range effects {
			l.run(eff)
		}
		for _, fn := range subs {
			fn(status)
		}

		l.mu.Lock()
	}
	l.draining = false
	l.mu.Unlock()
}

func (l *Loader) run(eff Effect) {
	switch e := eff.(type) {
	case Fetch:
		l.startFetch(e)
	case Store:
		l.cache.Put(e.ID, e.Snapshot)
	case StartTimer:
		l.mu.Lock()
		if l.timer != nil {
			l.timer.Stop()
		}
		if !l.closed {
			gen := e.Gen
			l.timer = l.clock.AfterFunc(e.After, func() {
				l.send(TimerExpired{Gen: gen})
			})
		}
		l.mu.Unlock()
	case StopTimer:
		l.mu.Lock()
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		l.mu.Unlock()
	case EvictAll:
		l.cache.Clear()
		l.logger.Info().Msg("diagram cache cleared")
	case Replay:
		l.send(Load{ID: e.ID})
	}
}

func (l *Loader) startFetch(e Fetch) {
	l.mu.Lock()
	fetcher := l.fetcher
	ctx := l.ctx
	l.mu.Unlock()
	kind := "load"
	if e.Refresh {
		kind = "refresh"
	}
	l.spawn(func() {
		if fetcher == nil {
			l.send(FetchFailed{ID: e.ID, Err: diagram.ErrConnectionUnavailable, Refresh: e.Refresh})
			return
		}
		fetchCtx := ctx
		if l.timeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(ctx, l.timeout)
			defer cancel()
		}
		snap, err := fetcher.Fetch(fetchCtx, e.ID)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return
			}
			l.collector.IncFetch(kind, "failure")
			l.logger.Warn().Err(err).Str("diagram", string(e.ID)).Str("kind", kind).Msg("diagram fetch failed")
			l.send(FetchFailed{ID: e.ID, Err: err, Refresh: e.Refresh})
			return
		}
		if snap.FetchedAt.IsZero() {
			snap.FetchedAt = l.clock.Now()
		}
		l.collector.IncFetch(kind, "success")
		l.send(FetchSucceeded{ID: e.ID, Snapshot: snap, Refresh: e.Refresh})
	})
}
