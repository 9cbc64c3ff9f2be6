package reconcile

import (
	"strings"
	"testing"

	"github.com/beevik/etree"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/sldsync/classify"
	"github.com/timzifer/sldsync/diagram"
	"github.com/timzifer/sldsync/scene"
)

const baseSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 200 100">
  <style>.sld-open{stroke-dasharray:2}</style>
  <g id="VL1">
    <path id="BRK1" class="sld-breaker sld-closed" d="M0 0 L10 10"/>
    <rect id="BBS1" class="sld-busbar-section" fill="blue"/>
    <line id="W1" class="sld-wire" stroke="black"/>
    <text id="F1_ARROW_ACTIVE" class="sld-active-power">10</text>
  </g>
</svg>`

type harness struct {
	scene *scene.Scene
	rec   *Reconciler
}

func newHarness() *harness {
	sc := scene.New(zerolog.Nop())
	return &harness{scene: sc, rec: New(sc, classify.New(classify.DefaultUnits()), zerolog.Nop())}
}

func (h *harness) apply(t *testing.T, markup string, meta diagram.Metadata) (Report, error) {
	t.Helper()
	var (
		report Report
		err    error
	)
	h.scene.Enqueue("test", func(s *scene.Surface) error {
		report, err = h.rec.Apply(s, markup, meta)
		return nil
	})
	h.scene.Flush()
	return report, err
}

func (h *harness) find(id string) *etree.Element {
	var found *etree.Element
	h.scene.View(func(root *etree.Element) {
		found = scene.FindByID(root, id)
	})
	return found
}

func (h *harness) svg(t *testing.T) string {
	t.Helper()
	out, err := h.scene.SVG()
	require.NoError(t, err)
	return out
}

func TestInitialPassInsertsEverything(t *testing.T) {
	h := newHarness()
	report, err := h.apply(t, baseSVG, diagram.Metadata{})
	require.NoError(t, err)
	require.Equal(t, 5, report.Inserted)
	require.Zero(t, report.Removed)
	require.Zero(t, report.Updated)

	vl := h.find("VL1")
	require.NotNil(t, vl)
	require.Equal(t, scene.GroupID, scene.ElementID(vl.Parent()))
	require.Equal(t, "10 MW", h.find("F1_ARROW_ACTIVE").Text())

	out := h.svg(t)
	require.Contains(t, out, `viewBox="0 0 200 100"`)
	require.Contains(t, out, `<style>`)
}

func TestSamePairTwiceIsIdempotent(t *testing.T) {
	h := newHarness()
	_, err := h.apply(t, baseSVG, diagram.Metadata{})
	require.NoError(t, err)
	revision := h.scene.Revision()

	report, err := h.apply(t, baseSVG, diagram.Metadata{})
	require.NoError(t, err)
	require.True(t, report.Skipped)
	require.Zero(t, report.Mutations)
	require.Equal(t, revision, h.scene.Revision())
}

func TestEquivalentMarkupProducesNoMutations(t *testing.T) {
	h := newHarness()
	_, err := h.apply(t, baseSVG, diagram.Metadata{})
	require.NoError(t, err)

	reformatted := strings.ReplaceAll(baseSVG, "\n  ", "\n    ")
	report, err := h.apply(t, reformatted, diagram.Metadata{})
	require.NoError(t, err)
	require.False(t, report.Skipped)
	require.Zero(t, report.Removed)
	require.Zero(t, report.Inserted)
	require.Zero(t, report.Updated)
	require.Zero(t, report.Mutations)
}

func TestMinimalDiff(t *testing.T) {
	h := newHarness()
	_, err := h.apply(t, `<svg><rect id="A1"/><rect id="A2" fill="red"/><rect id="A3"/></svg>`, diagram.Metadata{})
	require.NoError(t, err)

	report, err := h.apply(t, `<svg><rect id="A2" fill="green"/><rect id="A3"/><rect id="C"/></svg>`, diagram.Metadata{})
	require.NoError(t, err)
	require.Equal(t, 1, report.Removed)
	require.Equal(t, 1, report.Inserted)
	require.Equal(t, 1, report.Updated)

	require.Nil(t, h.find("A1"))
	require.Equal(t, "green", h.find("A2").SelectAttrValue("fill", ""))
	require.NotNil(t, h.find("C"))
}

func TestMinimalDiffKeepsSurvivorOfRemovedContainer(t *testing.T) {
	h := newHarness()
	_, err := h.apply(t, `<svg><g id="G"><rect id="R" fill="red"/></g></svg>`, diagram.Metadata{})
	require.NoError(t, err)
	kept := h.find("R")

	report, err := h.apply(t, `<svg><rect id="R" fill="red"/></svg>`, diagram.Metadata{})
	require.NoError(t, err)
	require.Equal(t, 1, report.Removed)
	require.Zero(t, report.Inserted)
	require.Zero(t, report.Updated)

	require.Nil(t, h.find("G"))
	r := h.find("R")
	require.Same(t, kept, r)
	require.Equal(t, scene.GroupID, scene.ElementID(r.Parent()))
}

func TestSurvivorMovesToLiveParent(t *testing.T) {
	h := newHarness()
	_, err := h.apply(t, `<svg><g id="G"><g id="INNER"><rect id="R" fill="red"/></g></g><g id="K"/></svg>`, diagram.Metadata{})
	require.NoError(t, err)

	report, err := h.apply(t, `<svg><g id="K"><rect id="R" fill="blue"/></g></svg>`, diagram.Metadata{})
	require.NoError(t, err)
	require.Equal(t, 2, report.Removed)
	require.Zero(t, report.Inserted)
	require.Equal(t, 1, report.Updated)

	r := h.find("R")
	require.NotNil(t, r)
	require.Equal(t, "K", scene.ElementID(r.Parent()))
	require.Equal(t, "blue", r.SelectAttrValue("fill", ""))
	require.Nil(t, h.find("INNER"))
}

func TestRemovingContainerCountsDescendants(t *testing.T) {
	h := newHarness()
	_, err := h.apply(t, `<svg><g id="G"><rect id="R1"/><rect id="R2"/></g><rect id="K"/></svg>`, diagram.Metadata{})
	require.NoError(t, err)

	report, err := h.apply(t, `<svg><rect id="K"/></svg>`, diagram.Metadata{})
	require.NoError(t, err)
	require.Equal(t, 3, report.Removed)
	require.Nil(t, h.find("G"))
	require.Nil(t, h.find("R2"))
	require.NotNil(t, h.find("K"))
}

func TestInsertionOrderFollowsPriority(t *testing.T) {
	h := newHarness()
	meta := diagram.Metadata{Nodes: []diagram.Node{{ID: "N", ComponentType: "FICTITIOUS"}}}
	_, err := h.apply(t, `<svg><circle id="N"/><rect id="O"/><line id="W" class="sld-wire"/><path id="B" class="sld-breaker"/></svg>`, meta)
	require.NoError(t, err)

	var order []string
	h.scene.View(func(root *etree.Element) {
		for _, child := range scene.FindByID(root, scene.GroupID).ChildElements() {
			order = append(order, scene.ElementID(child))
		}
	})
	require.Equal(t, []string{"B", "W", "O", "N"}, order)
}

func TestNewChildIsAppendedToLiveParent(t *testing.T) {
	h := newHarness()
	_, err := h.apply(t, `<svg><g id="G"><rect id="R1"/></g></svg>`, diagram.Metadata{})
	require.NoError(t, err)

	report, err := h.apply(t, `<svg><g id="G"><rect id="R1"/><rect id="R2"/></g></svg>`, diagram.Metadata{})
	require.NoError(t, err)
	require.Equal(t, 1, report.Inserted)
	require.Equal(t, "G", scene.ElementID(h.find("R2").Parent()))
}

func TestFeederTextAndBreakerStateUpdate(t *testing.T) {
	h := newHarness()
	_, err := h.apply(t, baseSVG, diagram.Metadata{})
	require.NoError(t, err)
	require.Equal(t, "sld-breaker sld-closed", h.find("BRK1").SelectAttrValue("class", ""))

	open := true
	meta := diagram.Metadata{Nodes: []diagram.Node{{ID: "BRK1", ComponentType: "BREAKER", Open: &open}}}
	next := strings.Replace(baseSVG, ">10<", ">12.5<", 1)
	report, err := h.apply(t, next, meta)
	require.NoError(t, err)
	require.Equal(t, 2, report.Updated)
	require.Zero(t, report.Inserted)
	require.Zero(t, report.Removed)
	require.Equal(t, "sld-breaker sld-open", h.find("BRK1").SelectAttrValue("class", ""))
	require.Equal(t, "12.5 MW", h.find("F1_ARROW_ACTIVE").Text())
}

func TestMalformedMarkupLeavesSceneUntouched(t *testing.T) {
	h := newHarness()
	_, err := h.apply(t, baseSVG, diagram.Metadata{})
	require.NoError(t, err)
	before := h.svg(t)

	_, err = h.apply(t, `<svg><g id="x"></svg>`, diagram.Metadata{})
	require.ErrorIs(t, err, classify.ErrParse)
	_, err = h.apply(t, `<html/>`, diagram.Metadata{})
	require.ErrorIs(t, err, classify.ErrParse)

	require.Equal(t, before, h.svg(t))
	require.Equal(t, baseSVG, h.rec.Debug().Markup)
}

func TestViewportTransformSurvivesPass(t *testing.T) {
	h := newHarness()
	_, err := h.apply(t, baseSVG, diagram.Metadata{})
	require.NoError(t, err)

	h.scene.Viewport().SetTransform(scene.Transform{X: 10, Y: 20, Scale: 2})
	_, err = h.apply(t, `<svg><rect id="Z"/></svg>`, diagram.Metadata{})
	require.NoError(t, err)

	group := h.find(scene.GroupID)
	require.NotNil(t, group)
	require.Equal(t, "translate(10,20) scale(2)", group.SelectAttrValue("transform", ""))
}

func TestScheduleRunsOnFlush(t *testing.T) {
	var (
		reports []Report
		errs    []error
	)
	sc := scene.New(zerolog.Nop())
	rec := New(sc, nil, zerolog.Nop(), WithReportHook(func(r Report, err error) {
		reports = append(reports, r)
		errs = append(errs, err)
	}))

	rec.Schedule(diagram.Snapshot{SVG: `<svg><rect id="A"/></svg>`})
	require.Empty(t, reports)
	sc.Flush()
	require.Len(t, reports, 1)
	require.NoError(t, errs[0])
	require.Equal(t, 1, reports[0].Inserted)

	last, err := rec.Last()
	require.NoError(t, err)
	require.Equal(t, reports[0], last)

	// Parse failures are contained inside the queued mutation.
	rec.Schedule(diagram.Snapshot{SVG: `not xml <`})
	res := sc.Flush()
	require.Zero(t, res.Failed)
	_, err = rec.Last()
	require.ErrorIs(t, err, classify.ErrParse)
	require.Len(t, errs, 2)
}

func TestDebugState(t *testing.T) {
	h := newHarness()
	_, err := h.apply(t, baseSVG, diagram.Metadata{})
	require.NoError(t, err)

	state := h.rec.Debug()
	require.Equal(t, 1, state.Passes)
	require.Len(t, state.Descriptors, 5)
	require.Equal(t, classify.TypeBreaker, state.Descriptors["BRK1"].Type)
}
