package scene

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type countingCollector struct {
	mutations map[string]int
}

func (c *countingCollector) IncFetch(string, string)     {}
func (c *countingCollector) IncReconcile(string)         {}
func (c *countingCollector) IncTelemetry(string, string) {}
func (c *countingCollector) AddMutations(source string, n int) {
	if c.mutations == nil {
		c.mutations = make(map[string]int)
	}
	c.mutations[source] += n
}

func TestNewSceneHasViewportGroup(t *testing.T) {
	s := New(zerolog.Nop())
	var group *etree.Element
	s.View(func(root *etree.Element) {
		require.Equal(t, "svg", root.Tag)
		group = FindByID(root, GroupID)
	})
	require.NotNil(t, group)
	require.Equal(t, uint64(0), s.Revision())
}

func TestFlushAppliesInOrder(t *testing.T) {
	collector := &countingCollector{}
	s := New(zerolog.Nop(), WithCollector(collector))

	s.Enqueue("reconcile", func(surface *Surface) error {
		el := etree.NewElement("rect")
		el.CreateAttr("id", "A")
		surface.Append(surface.Group(), el)
		return nil
	})
	s.Enqueue("telemetry", func(surface *Surface) error {
		surface.SetAttr(surface.Find("A"), "fill", "red")
		return nil
	})
	require.Equal(t, 2, s.Pending())

	result := s.Flush()
	require.Equal(t, 2, result.Applied)
	require.Zero(t, result.Failed)
	require.Equal(t, 2, result.Mutations)
	require.Equal(t, uint64(1), result.Revision)
	require.Zero(t, s.Pending())
	require.Equal(t, 1, collector.mutations["reconcile"])
	require.Equal(t, 1, collector.mutations["telemetry"])

	svg, err := s.SVG()
	require.NoError(t, err)
	require.Contains(t, svg, `<rect id="A" fill="red"/>`)
}

func TestFlushNotifiesOnlyOnChange(t *testing.T) {
	s := New(zerolog.Nop())
	var calls int
	s.OnFlush(func(FlushResult) { calls++ })

	s.Flush()
	require.Zero(t, calls)

	s.Enqueue("noop", func(*Surface) error { return nil })
	res := s.Flush()
	require.Equal(t, 1, res.Applied)
	require.Zero(t, calls)
	require.Equal(t, uint64(0), s.Revision())

	s.Enqueue("write", func(surface *Surface) error {
		surface.SetAttr(surface.Root(), "width", "10")
		return nil
	})
	s.Flush()
	require.Equal(t, 1, calls)
	require.Equal(t, uint64(1), s.Revision())
}

func TestFlushCountsFailures(t *testing.T) {
	s := New(zerolog.Nop())
	s.Enqueue("bad", func(*Surface) error { return errors.New("boom") })
	s.Enqueue("good", func(surface *Surface) error {
		surface.SetAttr(surface.Root(), "height", "5")
		return nil
	})
	res := s.Flush()
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 1, res.Applied)
}

func TestRunFlushesOnTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(zerolog.Nop(), WithClock(clock))
	var flushed atomic.Int32
	s.OnFlush(func(FlushResult) { flushed.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 100*time.Millisecond) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	s.Enqueue("write", func(surface *Surface) error {
		surface.SetAttr(surface.Root(), "width", "1")
		return nil
	})
	clock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return flushed.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSurfaceWrites(t *testing.T) {
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(`<svg><g id="sld-viewport"><rect id="A" fill="red"/><text id="T">1</text></g></svg>`))
	surface := NewSurface(doc, nil)

	a := surface.Find("A")
	require.False(t, surface.SetAttr(a, "fill", "red"))
	require.True(t, surface.SetAttr(a, "fill", ""))
	require.False(t, surface.SetAttr(a, "fill", ""))
	require.True(t, surface.SetClass(a, "x", true))
	require.False(t, surface.SetClass(a, "x", true))

	text := surface.Find("T")
	require.False(t, surface.SetText(text, "1"))
	require.True(t, surface.SetText(text, "2"))

	b := etree.NewElement("rect")
	b.CreateAttr("id", "B")
	require.True(t, surface.Replace(a, b))
	require.Nil(t, surface.Find("A"))
	require.Equal(t, 0, surface.Find("B").Index())

	require.True(t, surface.Remove(b))
	require.False(t, surface.Remove(b))
	require.Equal(t, 5, surface.Mutations())
}

func TestClassHelpers(t *testing.T) {
	require.Equal(t, "a b c", WithClass("a b", "c", true))
	require.Equal(t, "a b", WithClass("a b", "b", true))
	require.Equal(t, "a c", WithClass("a b c", "b", false))
	require.True(t, HasClass("sld-breaker sld-open", ClassOpen))
	require.False(t, HasClass("sld-breaker-x", "sld-breaker"))

	open, closed := true, false
	original := "sld-breaker sld-closed highlight"
	toggled := WithSwitchState(original, &open)
	require.Equal(t, "sld-breaker highlight sld-open", toggled)
	require.True(t, *SwitchState(toggled))
	back := WithSwitchState(toggled, &closed)
	require.ElementsMatch(t, strings.Fields(original), strings.Fields(back))
	require.Nil(t, SwitchState(WithSwitchState(back, nil)))
}

func TestLabelElement(t *testing.T) {
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(`<svg><g id="G"><text id="T"> 5 MW </text></g><rect id="R"/></svg>`))
	root := doc.Root()

	require.Equal(t, "T", ElementID(LabelElement(FindByID(root, "G"))))
	require.Equal(t, "5 MW", LabelText(FindByID(root, "G")))
	require.Equal(t, "R", ElementID(LabelElement(FindByID(root, "R"))))
	require.True(t, Contains(FindByID(root, "G"), FindByID(root, "T")))
	require.False(t, Contains(FindByID(root, "R"), FindByID(root, "T")))

	var ids []string
	WalkIDs(root, func(el *etree.Element) { ids = append(ids, ElementID(el)) })
	require.Equal(t, []string{"G", "T", "R"}, ids)
}

func TestLabelElementPrefersLastTspan(t *testing.T) {
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(`<svg>
  <text id="A"><tspan>10 MW</tspan></text>
  <text id="B"><tspan>P</tspan><tspan id="B_VALUE"> 7.5 MW </tspan></text>
  <g id="C"><text><tspan>3 MVar</tspan></text></g>
</svg>`))
	root := doc.Root()

	label := LabelElement(FindByID(root, "A"))
	require.Equal(t, "tspan", label.Tag)
	require.Equal(t, "10 MW", LabelText(FindByID(root, "A")))

	require.Equal(t, "B_VALUE", ElementID(LabelElement(FindByID(root, "B"))))
	require.Equal(t, "7.5 MW", LabelText(FindByID(root, "B")))

	require.Equal(t, "tspan", LabelElement(FindByID(root, "C")).Tag)
	require.Equal(t, "3 MVar", LabelText(FindByID(root, "C")))

	span := FindByID(root, "B_VALUE")
	require.Same(t, span, LabelElement(span))
}
