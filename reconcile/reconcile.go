// Package reconcile patches the live scene towards a newly received diagram
// with the minimal set of element mutations.
package reconcile

import (
	"fmt"
	"sort"
	"sync"

	"github.com/beevik/etree"
	"github.com/rs/zerolog"

	"github.com/timzifer/sldsync/classify"
	"github.com/timzifer/sldsync/diagram"
	"github.com/timzifer/sldsync/scene"
	"github.com/timzifer/sldsync/telemetry"
)

// Source tags scene mutations issued by the reconciler.
const Source = "reconcile"

// Report summarizes one reconciliation pass.
type Report struct {
	Removed   int
	Inserted  int
	Updated   int
	Mutations int
	// Skipped is set when the markup matched the previously applied one.
	Skipped bool
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithCollector installs a metrics collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(r *Reconciler) {
		if collector != nil {
			r.collector = collector
		}
	}
}

// WithReportHook registers a callback invoked after every pass, including
// skipped and failed ones.
func WithReportHook(fn func(Report, error)) Option {
	return func(r *Reconciler) {
		r.hook = fn
	}
}

// Reconciler diffs descriptor sets against the rendered scene.
type Reconciler struct {
	scene      *scene.Scene
	classifier *classify.Classifier
	logger     zerolog.Logger
	collector  telemetry.Collector
	hook       func(Report, error)

	mu       sync.Mutex
	applied  bool
	markup   string
	baseline map[string]classify.Descriptor
	passes   int
	last     Report
	lastErr  error
}

// New creates a reconciler writing to sc. sc may be nil when the reconciler
// is only driven through Apply.
func New(sc *scene.Scene, classifier *classify.Classifier, logger zerolog.Logger, opts ...Option) *Reconciler {
	if classifier == nil {
		classifier = classify.New(classify.DefaultUnits())
	}
	r := &Reconciler{
		scene:      sc,
		classifier: classifier,
		logger:     logger.With().Str("component", "reconciler").Logger(),
		collector:  telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Schedule queues a pass for snap on the scene. It is applied on the next
// flush, in order with every other queued scene mutation.
func (r *Reconciler) Schedule(snap diagram.Snapshot) {
	if r.scene == nil {
		return
	}
	r.scene.Enqueue(Source, func(s *scene.Surface) error {
		// Failures are logged by Apply and never escalate past the scene.
		_, _ = r.Apply(s, snap.SVG, snap.Metadata)
		return nil
	})
}

// Apply runs one reconciliation pass against s.
func (r *Reconciler) Apply(s *scene.Surface, markup string, meta diagram.Metadata) (Report, error) {
	r.mu.Lock()
	report, err := r.apply(s, markup, meta)
	r.passes++
	r.last, r.lastErr = report, err
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(report, err)
	}
	return report, err
}

func (r *Reconciler) apply(s *scene.Surface, markup string, meta diagram.Metadata) (Report, error) {
	if r.applied && markup == r.markup {
		r.collector.IncReconcile("skipped")
		return Report{Skipped: true}, nil
	}

	res, err := r.classifier.Classify(markup, meta)
	if err != nil {
		r.collector.IncReconcile("parse_error")
		r.logger.Warn().Err(err).Msg("skipping reconciliation of malformed diagram")
		return Report{}, fmt.Errorf("reconcile: %w", err)
	}

	before := s.Mutations()
	group := s.Group()
	var report Report

	// Removal. Descendants of a removed element leave the scene with it.
	live := indexLive(group)
	var detached []*etree.Element
	for _, el := range live.order {
		id := scene.ElementID(el)
		if res.Has(id) {
			continue
		}
		report.Removed++
		if containedInAny(detached, el) {
			continue
		}
		rescue(s, el, res, live, group)
		s.Remove(el)
		detached = append(detached, el)
	}

	// Elements present before insertion are the update candidates.
	live = indexLive(group)
	existing := make(map[string]bool, len(live.byID))
	for id := range live.byID {
		existing[id] = true
	}

	// Insertion of subtree roots, by render priority then document order.
	var roots []classify.Descriptor
	missing := make(map[string]bool)
	for _, desc := range res.Descriptors {
		if !existing[desc.ID] {
			missing[desc.ID] = true
		}
	}
	for _, desc := range res.Descriptors {
		if !missing[desc.ID] {
			continue
		}
		if desc.ParentID != "" && missing[desc.ParentID] {
			continue
		}
		roots = append(roots, desc)
	}
	sort.SliceStable(roots, func(i, j int) bool {
		if roots[i].Priority != roots[j].Priority {
			return roots[i].Priority < roots[j].Priority
		}
		return roots[i].Index < roots[j].Index
	})
	for _, desc := range roots {
		clone := desc.Template.Copy()
		scene.WalkIDs(clone, func(el *etree.Element) {
			id := scene.ElementID(el)
			if existing[id] {
				// Moved into a new container: the clone takes its place.
				s.Remove(live.byID[id])
				delete(existing, id)
			}
			if missing[id] {
				report.Inserted++
			}
			if d, ok := res.Lookup(id); ok {
				stamp(el, d)
			}
		})
		parent := group
		if desc.ParentID != "" {
			if p := live.byID[desc.ParentID]; p != nil && existing[desc.ParentID] {
				parent = p
			}
		}
		s.Append(parent, clone)
	}

	// Update of pre-existing elements whose signature changed.
	for _, desc := range res.Descriptors {
		if !existing[desc.ID] {
			continue
		}
		el := live.byID[desc.ID]
		if classify.LiveSignature(el, desc) == desc.Signature() {
			continue
		}
		patch(s, el, desc)
		report.Updated++
	}

	syncRoot(s, res.Root)
	s.Restore()

	r.applied = true
	r.markup = markup
	r.baseline = make(map[string]classify.Descriptor, len(res.Descriptors))
	for _, desc := range res.Descriptors {
		r.baseline[desc.ID] = desc
	}
	report.Mutations = s.Mutations() - before
	r.collector.IncReconcile("applied")
	r.logger.Debug().
		Int("removed", report.Removed).
		Int("inserted", report.Inserted).
		Int("updated", report.Updated).
		Msg("scene reconciled")
	return report, nil
}

// Last returns the outcome of the most recent pass.
func (r *Reconciler) Last() (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.lastErr
}

// DebugState exposes the recorded baseline of a reconciler.
type DebugState struct {
	Markup      string
	Passes      int
	Descriptors map[string]classify.Descriptor
}

// Debug returns a copy of the baseline recorded by the last applied pass.
func (r *Reconciler) Debug() DebugState {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := DebugState{
		Markup:      r.markup,
		Passes:      r.passes,
		Descriptors: make(map[string]classify.Descriptor, len(r.baseline)),
	}
	for id, desc := range r.baseline {
		state.Descriptors[id] = desc
	}
	return state
}

type liveIndex struct {
	byID  map[string]*etree.Element
	order []*etree.Element
}

func indexLive(group *etree.Element) liveIndex {
	idx := liveIndex{byID: make(map[string]*etree.Element)}
	for _, child := range group.ChildElements() {
		scene.WalkIDs(child, func(el *etree.Element) {
			id := scene.ElementID(el)
			if _, dup := idx.byID[id]; dup {
				return
			}
			idx.byID[id] = el
			idx.order = append(idx.order, el)
		})
	}
	return idx
}

// rescue moves the outermost descendants of el that survive into the new
// diagram out of el before it is detached. They go to their new parent when
// that is live and outside el, otherwise to the viewport group.
func rescue(s *scene.Surface, el *etree.Element, res *classify.Result, live liveIndex, group *etree.Element) {
	var survivors []*etree.Element
	var walk func(*etree.Element)
	walk = func(parent *etree.Element) {
		for _, child := range parent.ChildElements() {
			if id := scene.ElementID(child); id != "" && res.Has(id) {
				survivors = append(survivors, child)
				continue
			}
			walk(child)
		}
	}
	walk(el)
	for _, child := range survivors {
		target := group
		if desc, ok := res.Lookup(scene.ElementID(child)); ok && desc.ParentID != "" {
			if p := live.byID[desc.ParentID]; p != nil && !scene.Contains(el, p) {
				target = p
			}
		}
		s.Remove(child)
		s.Append(target, child)
	}
}

func containedInAny(roots []*etree.Element, el *etree.Element) bool {
	for _, root := range roots {
		if scene.Contains(root, el) {
			return true
		}
	}
	return false
}

// stamp writes the visual fields of desc onto a detached element.
func stamp(el *etree.Element, desc classify.Descriptor) {
	setOrRemove(el, "transform", desc.Transform)
	setOrRemove(el, "fill", desc.Fill)
	setOrRemove(el, "stroke", desc.Stroke)
	setOrRemove(el, "class", desc.Class)
	setOrRemove(el, "d", desc.PathData)
	if desc.IsPowerLabel() && desc.Text != "" {
		scene.LabelElement(el).SetText(desc.Text)
	}
}

func setOrRemove(el *etree.Element, key, value string) {
	if value == "" {
		el.RemoveAttr(key)
		return
	}
	el.CreateAttr(key, value)
}

// patch updates a live element in place through the surface.
func patch(s *scene.Surface, el *etree.Element, desc classify.Descriptor) {
	s.SetAttr(el, "transform", desc.Transform)
	s.SetAttr(el, "fill", desc.Fill)
	s.SetAttr(el, "stroke", desc.Stroke)
	s.SetAttr(el, "d", desc.PathData)
	// Switching devices carry their open/closed pair in desc.Class.
	s.SetAttr(el, "class", desc.Class)
	if desc.IsPowerLabel() && desc.Text != "" {
		s.SetText(scene.LabelElement(el), desc.Text)
	}
}

var rootAttrs = []string{"viewBox", "width", "height"}

// syncRoot mirrors the root dimensions and top-level style and definition
// blocks of the incoming document onto the scene root.
func syncRoot(s *scene.Surface, incoming *etree.Element) {
	root := s.Root()
	for _, key := range rootAttrs {
		s.SetAttr(root, key, incoming.SelectAttrValue(key, ""))
	}
	insertAt := 0
	for _, tag := range []string{"style", "defs"} {
		want := incoming.SelectElements(tag)
		have := root.SelectElements(tag)
		if sameElements(want, have) {
			insertAt += len(have)
			continue
		}
		for _, el := range have {
			s.Remove(el)
		}
		for _, el := range want {
			s.Insert(root, insertAt, el.Copy())
			insertAt++
		}
	}
}

func sameElements(a, b []*etree.Element) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if serialize(a[i]) != serialize(b[i]) {
			return false
		}
	}
	return true
}

func serialize(el *etree.Element) string {
	doc := etree.NewDocument()
	doc.SetRoot(el.Copy())
	out, err := doc.WriteToString()
	if err != nil {
		return ""
	}
	return out
}
