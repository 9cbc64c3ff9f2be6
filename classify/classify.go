// Package classify turns SVG markup plus metadata into typed, prioritized
// element descriptors.
package classify

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"

	"github.com/timzifer/sldsync/diagram"
	"github.com/timzifer/sldsync/scene"
)

// ErrParse reports malformed markup or a non-svg root element.
var ErrParse = errors.New("parse svg")

// Type is the element category of a descriptor.
type Type string

const (
	TypeBreaker      Type = "breaker"
	TypeDisconnector Type = "disconnector"
	TypeWire         Type = "wire"
	TypeFeeder       Type = "feeder"
	TypeBusbar       Type = "busbar"
	TypeNode         Type = "node"
	TypeOther        Type = "other"
)

// Priority returns the render rank used to order newly appended elements.
func (t Type) Priority() int {
	switch t {
	case TypeBreaker, TypeDisconnector:
		return 1
	case TypeBusbar:
		return 2
	case TypeWire:
		return 3
	case TypeFeeder:
		return 4
	case TypeNode:
		return 6
	default:
		return 5
	}
}

// IsSwitch reports whether the type carries an open/closed state.
func (t Type) IsSwitch() bool {
	return t == TypeBreaker || t == TypeDisconnector
}

// CSS classes recognized on diagram elements.
const (
	ClassBreaker        = "sld-breaker"
	ClassLoadBreak      = "sld-load-break-switch"
	ClassDisconnector   = "sld-disconnector"
	ClassBusbar         = "sld-busbar-section"
	ClassBusbarShort    = "sld-busbar"
	ClassWire           = "sld-wire"
	ClassFeeder         = "sld-feeder"
	ClassFeederInfo     = "sld-feeder-info"
	ClassActivePower    = "sld-active-power"
	ClassReactivePower  = "sld-reactive-power"
	ClassNode           = "sld-node"
	defaultActiveUnit   = "MW"
	defaultReactiveUnit = "MVar"
)

// classOrder lists class-derived types by precedence.
var classOrder = []struct {
	class string
	typ   Type
}{
	{ClassBreaker, TypeBreaker},
	{ClassLoadBreak, TypeBreaker},
	{ClassDisconnector, TypeDisconnector},
	{ClassBusbar, TypeBusbar},
	{ClassBusbarShort, TypeBusbar},
	{ClassWire, TypeWire},
	{ClassActivePower, TypeFeeder},
	{ClassReactivePower, TypeFeeder},
	{ClassFeederInfo, TypeFeeder},
	{ClassFeeder, TypeFeeder},
	{ClassNode, TypeNode},
}

// Descriptor is the expected visual state of one scene element for a single
// reconciliation pass.
type Descriptor struct {
	ID            string
	ParentID      string
	Index         int
	Type          Type
	Priority      int
	Transform     string
	Fill          string
	Stroke        string
	Class         string
	PathData      string
	Text          string
	PowerActive   *float64
	PowerReactive *float64
	Open          *bool
	// Template is a private copy of the element as parsed. It is only ever
	// copied, never mutated.
	Template *etree.Element
}

// IsPowerLabel reports whether the descriptor carries a power reading label.
func (d Descriptor) IsPowerLabel() bool {
	return d.Type == TypeFeeder && (scene.HasClass(d.Class, ClassActivePower) || scene.HasClass(d.Class, ClassReactivePower))
}

// Result is the output of a classification.
type Result struct {
	// Root is the parsed svg root element.
	Root        *etree.Element
	Descriptors []Descriptor
	index       map[string]int
}

// Lookup returns the descriptor with the given id.
func (r *Result) Lookup(id string) (Descriptor, bool) {
	if r == nil {
		return Descriptor{}, false
	}
	idx, ok := r.index[id]
	if !ok {
		return Descriptor{}, false
	}
	return r.Descriptors[idx], true
}

// Has reports whether id is part of the descriptor set.
func (r *Result) Has(id string) bool {
	_, ok := r.index[id]
	return ok
}

// Units controls the label suffix of formatted power readings.
type Units struct {
	Active   string
	Reactive string
}

// DefaultUnits returns MW / MVar.
func DefaultUnits() Units {
	return Units{Active: defaultActiveUnit, Reactive: defaultReactiveUnit}
}

// Classifier cross-references SVG elements with metadata.
type Classifier struct {
	units Units
}

// New returns a classifier using the supplied label units.
func New(units Units) *Classifier {
	if units.Active == "" {
		units.Active = defaultActiveUnit
	}
	if units.Reactive == "" {
		units.Reactive = defaultReactiveUnit
	}
	return &Classifier{units: units}
}

// Units returns the label units of the classifier.
func (c *Classifier) Units() Units {
	return c.units
}

// Parse reads markup and returns its svg root element.
func Parse(markup string) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(markup); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: empty document", ErrParse)
	}
	if root.Tag != "svg" {
		return nil, fmt.Errorf("%w: unexpected root element <%s>", ErrParse, root.FullTag())
	}
	return root, nil
}

// Classify produces descriptors in document order for every element carrying
// an id. Definition and style blocks are not part of the element graph.
func (c *Classifier) Classify(markup string, meta diagram.Metadata) (*Result, error) {
	root, err := Parse(markup)
	if err != nil {
		return nil, err
	}
	idx := newMetadataIndex(meta)
	result := &Result{Root: root, index: make(map[string]int)}
	var walk func(el *etree.Element, parentID string)
	walk = func(el *etree.Element, parentID string) {
		if el.Tag == "defs" || el.Tag == "style" {
			return
		}
		id := scene.ElementID(el)
		if id != "" && el != root {
			if _, dup := result.index[id]; !dup {
				desc := c.describe(el, id, parentID, idx)
				desc.Index = len(result.Descriptors)
				result.index[id] = desc.Index
				result.Descriptors = append(result.Descriptors, desc)
			}
			parentID = id
		}
		for _, child := range el.ChildElements() {
			walk(child, parentID)
		}
	}
	walk(root, "")
	return result, nil
}

func (c *Classifier) describe(el *etree.Element, id, parentID string, idx metadataIndex) Descriptor {
	class := el.SelectAttrValue("class", "")
	typ, node := resolveType(id, class, idx)
	desc := Descriptor{
		ID:        id,
		ParentID:  parentID,
		Type:      typ,
		Priority:  typ.Priority(),
		Transform: el.SelectAttrValue("transform", ""),
		Fill:      el.SelectAttrValue("fill", ""),
		Stroke:    el.SelectAttrValue("stroke", ""),
		Class:     class,
		PathData:  el.SelectAttrValue("d", ""),
		Template:  el.Copy(),
	}
	if typ.IsSwitch() {
		desc.Open = scene.SwitchState(class)
		if node != nil && node.Open != nil {
			open := *node.Open
			desc.Open = &open
		}
		if desc.Open != nil {
			desc.Class = scene.WithSwitchState(class, desc.Open)
		}
	}
	if desc.IsPowerLabel() {
		raw := scene.LabelText(el)
		desc.Text = raw
		if value, ok := ParseReading(raw); ok {
			if scene.HasClass(class, ClassActivePower) {
				desc.PowerActive = &value
				desc.Text = FormatReading(value, c.units.Active)
			} else {
				desc.PowerReactive = &value
				desc.Text = FormatReading(value, c.units.Reactive)
			}
		}
	}
	return desc
}

// resolveType applies class-first precedence, then metadata by id, then
// metadata by equipment id. The matched metadata node is returned for
// enrichment even when the class decided the type.
func resolveType(id, class string, idx metadataIndex) (Type, *diagram.Node) {
	node := idx.nodes[id]
	if node == nil {
		node = idx.equipment[id]
	}
	tokens := scene.Classes(class)
	for _, entry := range classOrder {
		for _, token := range tokens {
			if token == entry.class {
				return entry.typ, node
			}
		}
	}
	if typ, ok := idx.typeOf(id); ok {
		return typ, node
	}
	if node != nil {
		return componentType(node.ComponentType), node
	}
	if feeder, ok := idx.feederByEquipment[id]; ok && feeder != nil {
		return TypeFeeder, nil
	}
	return TypeOther, nil
}

func componentType(kind string) Type {
	switch strings.ToUpper(kind) {
	case "BREAKER", "LOAD_BREAK_SWITCH":
		return TypeBreaker
	case "DISCONNECTOR":
		return TypeDisconnector
	case "BUSBAR_SECTION":
		return TypeBusbar
	default:
		return TypeNode
	}
}

type metadataIndex struct {
	nodes             map[string]*diagram.Node
	equipment         map[string]*diagram.Node
	wires             map[string]struct{}
	feeders           map[string]*diagram.FeederInfo
	feederByEquipment map[string]*diagram.FeederInfo
}

func newMetadataIndex(meta diagram.Metadata) metadataIndex {
	idx := metadataIndex{
		nodes:             make(map[string]*diagram.Node, len(meta.Nodes)),
		equipment:         make(map[string]*diagram.Node),
		wires:             make(map[string]struct{}, len(meta.Wires)),
		feeders:           make(map[string]*diagram.FeederInfo, len(meta.FeederInfos)),
		feederByEquipment: make(map[string]*diagram.FeederInfo),
	}
	for i := range meta.Nodes {
		node := &meta.Nodes[i]
		if node.ID != "" {
			idx.nodes[node.ID] = node
		}
		if node.EquipmentID != "" {
			if _, exists := idx.equipment[node.EquipmentID]; !exists {
				idx.equipment[node.EquipmentID] = node
			}
		}
	}
	for _, wire := range meta.Wires {
		if wire.ID != "" {
			idx.wires[wire.ID] = struct{}{}
		}
	}
	for i := range meta.FeederInfos {
		info := &meta.FeederInfos[i]
		if info.ID != "" {
			idx.feeders[info.ID] = info
		}
		if info.EquipmentID != "" {
			if _, exists := idx.feederByEquipment[info.EquipmentID]; !exists {
				idx.feederByEquipment[info.EquipmentID] = info
			}
		}
	}
	return idx
}

// typeOf resolves a direct id match in the metadata.
func (m metadataIndex) typeOf(id string) (Type, bool) {
	if node, ok := m.nodes[id]; ok {
		return componentType(node.ComponentType), true
	}
	if _, ok := m.wires[id]; ok {
		return TypeWire, true
	}
	if _, ok := m.feeders[id]; ok {
		return TypeFeeder, true
	}
	return "", false
}

var readingPattern = regexp.MustCompile(`[-+]?\d+(?:[.,]\d+)?`)

// ParseReading extracts the first numeric value of a label text.
func ParseReading(text string) (float64, bool) {
	match := readingPattern.FindString(text)
	if match == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(strings.Replace(match, ",", ".", 1))
	if err != nil {
		return 0, false
	}
	value, _ := d.Float64()
	return value, true
}

// FormatReading renders a power reading label, e.g. "42 MW".
// Non-finite values are rendered as NaN, +Inf or -Inf.
func FormatReading(value float64, unit string) string {
	var text string
	if math.IsNaN(value) || math.IsInf(value, 0) {
		text = strconv.FormatFloat(value, 'f', -1, 64)
	} else {
		text = decimal.NewFromFloat(value).Round(1).String()
	}
	if unit == "" {
		return text
	}
	return text + " " + unit
}
