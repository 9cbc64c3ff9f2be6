package classify

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/sldsync/diagram"
)

const sampleSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 100 100">
  <style>.sld-open{stroke:red}</style>
  <g id="VL1">
    <path id="BRK1" class="sld-breaker sld-closed" d="M0 0 L10 10" stroke="black"/>
    <rect id="BBS1" fill="blue"/>
    <line id="W1" class="sld-wire"/>
    <g id="F1" class="sld-feeder" transform="translate(5,5)">
      <text id="F1_ARROW_ACTIVE" class="sld-active-power">12.345</text>
      <text id="F1_ARROW_REACTIVE" class="sld-reactive-power">-3</text>
    </g>
    <circle id="N1"/>
    <circle id="X1"/>
  </g>
</svg>`

func sampleMetadata() diagram.Metadata {
	open := true
	return diagram.Metadata{
		Nodes: []diagram.Node{
			{ID: "BRK1", EquipmentID: "B1", ComponentType: "BREAKER", Open: &open},
			{ID: "BBS1", ComponentType: "BUSBAR_SECTION"},
			{ID: "N1", ComponentType: "FICTITIOUS"},
			{ID: "DIS-NODE", EquipmentID: "X1", ComponentType: "DISCONNECTOR"},
		},
		Wires: []diagram.Wire{{ID: "W1"}},
	}
}

func TestClassifyTypesAndPriorities(t *testing.T) {
	res, err := New(DefaultUnits()).Classify(sampleSVG, sampleMetadata())
	require.NoError(t, err)

	expected := []struct {
		id       string
		typ      Type
		priority int
	}{
		{"VL1", TypeOther, 5},
		{"BRK1", TypeBreaker, 1},
		{"BBS1", TypeBusbar, 2},
		{"W1", TypeWire, 3},
		{"F1", TypeFeeder, 4},
		{"F1_ARROW_ACTIVE", TypeFeeder, 4},
		{"F1_ARROW_REACTIVE", TypeFeeder, 4},
		{"N1", TypeNode, 6},
		{"X1", TypeDisconnector, 1},
	}
	require.Len(t, res.Descriptors, len(expected))
	for i, exp := range expected {
		desc := res.Descriptors[i]
		require.Equal(t, exp.id, desc.ID)
		require.Equal(t, exp.typ, desc.Type, exp.id)
		require.Equal(t, exp.priority, desc.Priority, exp.id)
		require.Equal(t, i, desc.Index)
		require.NotNil(t, desc.Template)
	}
}

func TestClassifyParentIDs(t *testing.T) {
	res, err := New(DefaultUnits()).Classify(sampleSVG, diagram.Metadata{})
	require.NoError(t, err)

	vl, ok := res.Lookup("VL1")
	require.True(t, ok)
	require.Empty(t, vl.ParentID)

	label, ok := res.Lookup("F1_ARROW_ACTIVE")
	require.True(t, ok)
	require.Equal(t, "F1", label.ParentID)

	_, ok = res.Lookup("missing")
	require.False(t, ok)
	require.False(t, res.Has("missing"))
}

func TestClassWinsOverMetadata(t *testing.T) {
	markup := `<svg><rect id="E1" class="sld-breaker"/></svg>`
	meta := diagram.Metadata{Nodes: []diagram.Node{{ID: "E1", ComponentType: "BUSBAR_SECTION"}}}
	res, err := New(DefaultUnits()).Classify(markup, meta)
	require.NoError(t, err)
	require.Equal(t, TypeBreaker, res.Descriptors[0].Type)
}

func TestSwitchStateFromMetadata(t *testing.T) {
	res, err := New(DefaultUnits()).Classify(sampleSVG, sampleMetadata())
	require.NoError(t, err)

	brk, ok := res.Lookup("BRK1")
	require.True(t, ok)
	require.NotNil(t, brk.Open)
	require.True(t, *brk.Open)
	require.Equal(t, "sld-breaker sld-open", brk.Class)
	// The template keeps the markup as parsed.
	require.Equal(t, "sld-breaker sld-closed", brk.Template.SelectAttrValue("class", ""))
}

func TestSwitchStateFromClass(t *testing.T) {
	res, err := New(DefaultUnits()).Classify(sampleSVG, diagram.Metadata{})
	require.NoError(t, err)

	brk, _ := res.Lookup("BRK1")
	require.NotNil(t, brk.Open)
	require.False(t, *brk.Open)
	require.Equal(t, "sld-breaker sld-closed", brk.Class)
}

func TestPowerReadings(t *testing.T) {
	res, err := New(DefaultUnits()).Classify(sampleSVG, diagram.Metadata{})
	require.NoError(t, err)

	active, _ := res.Lookup("F1_ARROW_ACTIVE")
	require.True(t, active.IsPowerLabel())
	require.NotNil(t, active.PowerActive)
	require.InDelta(t, 12.345, *active.PowerActive, 1e-9)
	require.Nil(t, active.PowerReactive)
	require.Equal(t, "12.3 MW", active.Text)

	reactive, _ := res.Lookup("F1_ARROW_REACTIVE")
	require.NotNil(t, reactive.PowerReactive)
	require.InDelta(t, -3, *reactive.PowerReactive, 1e-9)
	require.Equal(t, "-3 MVar", reactive.Text)

	feeder, _ := res.Lookup("F1")
	require.False(t, feeder.IsPowerLabel())
	require.Empty(t, feeder.Text)
}

func TestCustomUnits(t *testing.T) {
	res, err := New(Units{Active: "kW"}).Classify(`<svg><text id="A" class="sld-active-power">5</text></svg>`, diagram.Metadata{})
	require.NoError(t, err)
	require.Equal(t, "5 kW", res.Descriptors[0].Text)
}

func TestClassifyParseErrors(t *testing.T) {
	c := New(DefaultUnits())

	_, err := c.Classify(`<svg><g id="a"></svg>`, diagram.Metadata{})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrParse))

	_, err = c.Classify(`<html><body/></html>`, diagram.Metadata{})
	require.ErrorIs(t, err, ErrParse)

	_, err = c.Classify(``, diagram.Metadata{})
	require.ErrorIs(t, err, ErrParse)
}

func TestParseReading(t *testing.T) {
	cases := []struct {
		in    string
		value float64
		ok    bool
	}{
		{"42", 42, true},
		{"P = 12.5 MW", 12.5, true},
		{"-0,75", -0.75, true},
		{"n/a", 0, false},
	}
	for _, tc := range cases {
		value, ok := ParseReading(tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
		require.InDelta(t, tc.value, value, 1e-9, tc.in)
	}
}

func TestFormatReading(t *testing.T) {
	require.Equal(t, "42 MW", FormatReading(42, "MW"))
	require.Equal(t, "1.3 MVar", FormatReading(1.26, "MVar"))
	require.Equal(t, "7", FormatReading(7, ""))
	require.Equal(t, "NaN MW", FormatReading(math.NaN(), "MW"))
	require.Equal(t, "-Inf", FormatReading(math.Inf(-1), ""))
}

func TestSignature(t *testing.T) {
	res, err := New(DefaultUnits()).Classify(sampleSVG, diagram.Metadata{})
	require.NoError(t, err)

	for _, desc := range res.Descriptors {
		if desc.IsPowerLabel() {
			continue
		}
		// Descriptors without state rewrites match the element they came from.
		if desc.Type.IsSwitch() {
			continue
		}
		require.Equal(t, desc.Signature(), LiveSignature(desc.Template, desc), desc.ID)
	}

	a, _ := res.Lookup("BBS1")
	b := a
	b.Fill = "red"
	require.NotEqual(t, a.Signature(), b.Signature())
	require.Zero(t, LiveSignature(nil, a))
}

func TestLiveSignatureReadsLabelText(t *testing.T) {
	res, err := New(DefaultUnits()).Classify(`<svg><text id="A" class="sld-active-power">42 MW</text></svg>`, diagram.Metadata{})
	require.NoError(t, err)
	desc := res.Descriptors[0]
	require.Equal(t, "42 MW", desc.Text)
	require.Equal(t, desc.Signature(), LiveSignature(desc.Template, desc))

	desc.Template.SetText("43 MW")
	require.NotEqual(t, desc.Signature(), LiveSignature(desc.Template, desc))
}

func TestPowerReadingInTspan(t *testing.T) {
	res, err := New(DefaultUnits()).Classify(`<svg><text id="A" class="sld-active-power"><tspan>10 MW</tspan></text></svg>`, diagram.Metadata{})
	require.NoError(t, err)
	desc, ok := res.Lookup("A")
	require.True(t, ok)
	require.NotNil(t, desc.PowerActive)
	require.Equal(t, 10.0, *desc.PowerActive)
	require.Equal(t, "10 MW", desc.Text)
	require.Equal(t, desc.Signature(), LiveSignature(desc.Template, desc))
}
