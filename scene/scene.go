// Package scene holds the live rendered vector graphic and serializes every
// write to it through a single mutation queue flushed once per tick.
package scene

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/timzifer/sldsync/telemetry"
)

const svgNamespace = "http://www.w3.org/2000/svg"

// Mutation is a queued write against the scene.
type Mutation struct {
	Source string
	Apply  func(s *Surface) error
}

// FlushResult summarizes one flush of the mutation queue.
type FlushResult struct {
	Applied   int
	Failed    int
	Mutations int
	Revision  uint64
}

// Option customizes a Scene.
type Option func(*Scene)

// WithClock overrides the clock driving the flush ticker.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scene) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithCollector installs a metrics collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(s *Scene) {
		if collector != nil {
			s.collector = collector
		}
	}
}

// Scene is the live scene document.
type Scene struct {
	logger    zerolog.Logger
	clock     clockwork.Clock
	collector telemetry.Collector

	mu       sync.Mutex
	doc      *etree.Document
	viewport *Viewport
	revision uint64

	qmu       sync.Mutex
	queue     []Mutation
	listeners []func(FlushResult)
}

// New creates an empty scene: an svg root holding the viewport group.
func New(logger zerolog.Logger, opts ...Option) *Scene {
	doc := etree.NewDocument()
	root := doc.CreateElement("svg")
	root.CreateAttr("xmlns", svgNamespace)
	s := &Scene{
		logger:    logger.With().Str("component", "scene").Logger(),
		clock:     clockwork.NewRealClock(),
		collector: telemetry.Noop(),
		doc:       doc,
		viewport:  NewViewport(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.viewport.EnsureGroup(root)
	return s
}

// Viewport returns the viewport controller of the scene.
func (s *Scene) Viewport() *Viewport {
	return s.viewport
}

// Enqueue schedules a mutation for the next flush.
func (s *Scene) Enqueue(source string, apply func(*Surface) error) {
	if apply == nil {
		return
	}
	s.qmu.Lock()
	s.queue = append(s.queue, Mutation{Source: source, Apply: apply})
	s.qmu.Unlock()
}

// Pending returns the number of queued mutations.
func (s *Scene) Pending() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.queue)
}

// OnFlush registers a callback invoked after every flush that changed the
// document.
func (s *Scene) OnFlush(fn func(FlushResult)) {
	if fn == nil {
		return
	}
	s.qmu.Lock()
	s.listeners = append(s.listeners, fn)
	s.qmu.Unlock()
}

// Flush applies all queued mutations in order.
func (s *Scene) Flush() FlushResult {
	s.qmu.Lock()
	batch := s.queue
	s.queue = nil
	listeners := append([]func(FlushResult){}, s.listeners...)
	s.qmu.Unlock()

	var result FlushResult
	if len(batch) == 0 {
		return result
	}

	s.mu.Lock()
	for _, m := range batch {
		surface := &Surface{doc: s.doc, viewport: s.viewport}
		if err := m.Apply(surface); err != nil {
			result.Failed++
			s.logger.Warn().Err(err).Str("source", m.Source).Msg("scene mutation failed")
		} else {
			result.Applied++
		}
		result.Mutations += surface.mutations
		s.collector.AddMutations(m.Source, surface.mutations)
	}
	if result.Mutations > 0 {
		s.revision++
	}
	result.Revision = s.revision
	s.mu.Unlock()

	if result.Mutations > 0 {
		for _, fn := range listeners {
			fn(result)
		}
	}
	return result
}

// Run flushes the queue once per tick until the context is cancelled.
func (s *Scene) Run(ctx context.Context, tick time.Duration) error {
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	ticker := s.clock.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			s.Flush()
		}
	}
}

// Revision increments whenever a flush mutated the document.
func (s *Scene) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// SVG serializes the current document.
func (s *Scene) SVG() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.WriteToString()
}

// View runs fn with read access to the scene root. fn must not retain or
// modify the element.
func (s *Scene) View(fn func(root *etree.Element)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.doc.Root())
}

// Surface is the mutable view of the scene handed to queued mutations. Every
// write goes through it so that mutations are counted.
type Surface struct {
	doc       *etree.Document
	viewport  *Viewport
	mutations int
}

// NewSurface wraps a standalone document, for one-shot rendering outside a
// Scene.
func NewSurface(doc *etree.Document, viewport *Viewport) *Surface {
	if viewport == nil {
		viewport = NewViewport()
	}
	return &Surface{doc: doc, viewport: viewport}
}

// Root returns the scene root element.
func (s *Surface) Root() *etree.Element {
	return s.doc.Root()
}

// Group returns the viewport group, creating it when missing.
func (s *Surface) Group() *etree.Element {
	group, created := s.viewport.EnsureGroup(s.doc.Root())
	if created {
		s.mutations++
	}
	return group
}

// Viewport returns the viewport controller.
func (s *Surface) Viewport() *Viewport {
	return s.viewport
}

// Find locates a live element by id.
func (s *Surface) Find(id string) *etree.Element {
	return FindByID(s.doc.Root(), id)
}

// Mutations returns the number of DOM writes performed through the surface.
func (s *Surface) Mutations() int {
	return s.mutations
}

// SetAttr sets key to value, removing the attribute when value is empty.
func (s *Surface) SetAttr(el *etree.Element, key, value string) bool {
	if el == nil {
		return false
	}
	current := el.SelectAttr(key)
	if value == "" {
		if current == nil {
			return false
		}
		el.RemoveAttr(key)
		s.mutations++
		return true
	}
	if current != nil && current.Value == value {
		return false
	}
	el.CreateAttr(key, value)
	s.mutations++
	return true
}

// SetClass adds or removes one class token.
func (s *Surface) SetClass(el *etree.Element, class string, on bool) bool {
	if el == nil {
		return false
	}
	return s.SetAttr(el, "class", WithClass(el.SelectAttrValue("class", ""), class, on))
}

// SetText replaces the character data of el.
func (s *Surface) SetText(el *etree.Element, text string) bool {
	if el == nil || el.Text() == text {
		return false
	}
	el.SetText(text)
	s.mutations++
	return true
}

// Remove detaches el from its parent.
func (s *Surface) Remove(el *etree.Element) bool {
	if el == nil || el.Parent() == nil {
		return false
	}
	el.Parent().RemoveChild(el)
	s.mutations++
	return true
}

// Append adds el as the last child of parent.
func (s *Surface) Append(parent, el *etree.Element) {
	if parent == nil || el == nil {
		return
	}
	parent.AddChild(el)
	s.mutations++
}

// Insert places el at index among the children of parent.
func (s *Surface) Insert(parent *etree.Element, index int, el *etree.Element) {
	if parent == nil || el == nil {
		return
	}
	parent.InsertChildAt(index, el)
	s.mutations++
}

// Replace swaps old for el at the same position.
func (s *Surface) Replace(old, el *etree.Element) bool {
	if old == nil || el == nil || old.Parent() == nil {
		return false
	}
	parent := old.Parent()
	parent.InsertChildAt(old.Index(), el)
	parent.RemoveChild(old)
	s.mutations++
	return true
}

// Restore re-applies the remembered pan/zoom transform to the viewport group.
func (s *Surface) Restore() bool {
	if s.viewport.Restore(s.Group()) {
		s.mutations++
		return true
	}
	return false
}
