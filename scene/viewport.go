package scene

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/beevik/etree"
)

// GroupID is the id of the wrapping transform group inside the scene root.
const GroupID = "sld-viewport"

// Transform is a pan/zoom state.
type Transform struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Scale float64 `json:"scale"`
}

// String renders the transform as an SVG transform attribute.
func (t Transform) String() string {
	scale := t.Scale
	if scale == 0 {
		scale = 1
	}
	return fmt.Sprintf("translate(%s,%s) scale(%s)", formatFloat(t.X), formatFloat(t.Y), formatFloat(scale))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Viewport owns the transform group and remembers the last known pan/zoom so
// it survives content rebuilds. It never decides when content changes.
type Viewport struct {
	mu        sync.Mutex
	transform string
}

// NewViewport returns a viewport without a remembered transform.
func NewViewport() *Viewport {
	return &Viewport{}
}

// SetTransform records the pan/zoom state applied on the next Restore.
func (v *Viewport) SetTransform(t Transform) {
	v.mu.Lock()
	v.transform = t.String()
	v.mu.Unlock()
}

// Transform returns the remembered transform attribute.
func (v *Viewport) Transform() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.transform
}

// EnsureGroup returns the transform group below root, creating it and
// migrating the existing children into it when absent. Style and definition
// blocks stay at the root.
func (v *Viewport) EnsureGroup(root *etree.Element) (*etree.Element, bool) {
	if root == nil {
		return nil, false
	}
	for _, child := range root.ChildElements() {
		if child.Tag == "g" && ElementID(child) == GroupID {
			return child, false
		}
	}
	group := etree.NewElement("g")
	group.CreateAttr("id", GroupID)
	for _, child := range root.ChildElements() {
		if child.Tag == "style" || child.Tag == "defs" {
			continue
		}
		root.RemoveChild(child)
		group.AddChild(child)
	}
	root.AddChild(group)
	return group, true
}

// Restore re-applies the remembered transform to group. When nothing is
// remembered yet, the group's current transform becomes the remembered one.
// It reports whether the group was modified.
func (v *Viewport) Restore(group *etree.Element) bool {
	if group == nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	current := group.SelectAttrValue("transform", "")
	if v.transform == "" {
		v.transform = current
		return false
	}
	if current == v.transform {
		return false
	}
	group.CreateAttr("transform", v.transform)
	return true
}
