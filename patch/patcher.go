package patch

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/timzifer/sldsync/classify"
	"github.com/timzifer/sldsync/scene"
	"github.com/timzifer/sldsync/telemetry"
)

const (
	// Source tags scene mutations issued by the patcher.
	Source = "telemetry"
	// HighlightClass marks an element that just received telemetry.
	HighlightClass = "sld-telemetry-highlight"
	// DefaultHighlight is how long the highlight class stays on an element.
	DefaultHighlight = time.Second
)

// Option customizes a Patcher.
type Option func(*Patcher)

// WithClock overrides the clock driving highlight reverts and throttling.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Patcher) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithCollector installs a metrics collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(p *Patcher) {
		if collector != nil {
			p.collector = collector
		}
	}
}

// WithFilter replaces the default event filter.
func WithFilter(filter *Filter) Option {
	return func(p *Patcher) {
		if filter != nil {
			p.filter = filter
		}
	}
}

// WithUnits sets the label units used for readings.
func WithUnits(units classify.Units) Option {
	return func(p *Patcher) {
		if units.Active != "" {
			p.units.Active = units.Active
		}
		if units.Reactive != "" {
			p.units.Reactive = units.Reactive
		}
	}
}

// WithHighlight sets the highlight duration. Zero disables highlighting.
func WithHighlight(d time.Duration) Option {
	return func(p *Patcher) {
		if d >= 0 {
			p.highlight = d
		}
	}
}

// WithRateLimit throttles accepted events to limit per second with burst,
// coalescing per element.
func WithRateLimit(limit float64, burst int) Option {
	return func(p *Patcher) {
		p.rateLimit = limit
		p.burst = burst
	}
}

type highlightTimer struct {
	timer clockwork.Timer
}

// Patcher locates live elements by id and overwrites their label text or
// switch state. Writes go through the scene mutation queue.
type Patcher struct {
	scene     *scene.Scene
	logger    zerolog.Logger
	clock     clockwork.Clock
	collector telemetry.Collector
	filter    *Filter
	units     classify.Units
	highlight time.Duration
	rateLimit float64
	burst     int
	throttle  *Throttle

	mu     sync.Mutex
	timers map[string]*highlightTimer
	closed bool
}

// New creates a patcher for sc.
func New(sc *scene.Scene, logger zerolog.Logger, opts ...Option) *Patcher {
	p := &Patcher{
		scene:     sc,
		logger:    logger.With().Str("component", "telemetry_patcher").Logger(),
		clock:     clockwork.NewRealClock(),
		collector: telemetry.Noop(),
		filter:    MustFilter(DefaultFilter),
		units:     classify.DefaultUnits(),
		highlight: DefaultHighlight,
		timers:    make(map[string]*highlightTimer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.rateLimit > 0 {
		p.throttle = NewThrottle(p.rateLimit, p.burst, p.clock, p.enqueue)
	}
	return p
}

// Publish filters ev and queues its scene patch. It reports whether the event
// was accepted by the filter.
func (p *Patcher) Publish(ev Event) bool {
	if !p.filter.Match(ev) {
		p.collector.IncTelemetry(string(ev.Kind), "filtered")
		return false
	}
	if p.throttle != nil {
		if !p.throttle.Offer(ev) {
			p.collector.IncTelemetry(string(ev.Kind), "throttled")
		}
		return true
	}
	p.enqueue(ev)
	return true
}

// Run consumes events until ctx is done or events is closed.
func (p *Patcher) Run(ctx context.Context, events <-chan Event) error {
	if p.throttle != nil {
		go p.throttle.Run(ctx, 50*time.Millisecond)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.Publish(ev)
		}
	}
}

// Close stops pending highlight timers. Events published afterwards are
// dropped.
func (p *Patcher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, entry := range p.timers {
		entry.timer.Stop()
		delete(p.timers, id)
	}
}

func (p *Patcher) enqueue(ev Event) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	p.scene.Enqueue(Source, func(s *scene.Surface) error {
		p.apply(s, ev)
		return nil
	})
}

func (p *Patcher) apply(s *scene.Surface, ev Event) {
	el := s.Find(ev.ID)
	if el == nil {
		p.collector.IncTelemetry(string(ev.Kind), "missing")
		p.logger.Debug().Str("id", ev.ID).Msg("telemetry target not rendered")
		return
	}
	switch ev.Kind {
	case KindMeasurement:
		if math.IsNaN(ev.Value) || math.IsInf(ev.Value, 0) {
			p.collector.IncTelemetry(string(ev.Kind), "invalid")
			p.logger.Warn().Str("id", ev.ID).Float64("value", ev.Value).Msg("ignoring non-finite reading")
			return
		}
		s.SetText(scene.LabelElement(el), classify.FormatReading(ev.Value, p.unitFor(el, ev.ID)))
	case KindState:
		class := el.SelectAttrValue("class", "")
		s.SetAttr(el, "class", scene.WithSwitchState(class, ev.State.Bool()))
	}
	p.collector.IncTelemetry(string(ev.Kind), "applied")
	if p.highlight > 0 {
		s.SetClass(el, HighlightClass, true)
		p.armHighlight(ev.ID)
	}
}

func (p *Patcher) unitFor(el *etree.Element, id string) string {
	if strings.HasSuffix(id, "_REACTIVE") || scene.HasClass(el.SelectAttrValue("class", ""), classify.ClassReactivePower) {
		return p.units.Reactive
	}
	return p.units.Active
}

// armHighlight (re)starts the revert timer for id.
func (p *Patcher) armHighlight(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if prev, ok := p.timers[id]; ok {
		prev.timer.Stop()
	}
	entry := &highlightTimer{}
	entry.timer = p.clock.AfterFunc(p.highlight, func() {
		p.mu.Lock()
		current := p.timers[id]
		if current != entry || p.closed {
			p.mu.Unlock()
			return
		}
		delete(p.timers, id)
		p.mu.Unlock()
		p.scene.Enqueue(Source, func(s *scene.Surface) error {
			s.SetClass(s.Find(id), HighlightClass, false)
			return nil
		})
	})
	p.timers[id] = entry
}

// Highlighted returns the ids whose highlight revert is pending.
func (p *Patcher) Highlighted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.timers))
	for id := range p.timers {
		ids = append(ids, id)
	}
	return ids
}

// Throttle returns the rate limiter, or nil when unthrottled.
func (p *Patcher) Throttle() *Throttle {
	return p.throttle
}
