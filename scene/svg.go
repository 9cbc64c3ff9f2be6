package scene

import (
	"strings"

	"github.com/beevik/etree"
)

// State classes carried by switching devices.
const (
	ClassOpen   = "sld-open"
	ClassClosed = "sld-closed"
)

// Classes splits a class attribute into its tokens.
func Classes(value string) []string {
	return strings.Fields(value)
}

// HasClass reports whether the class attribute contains class.
func HasClass(value, class string) bool {
	for _, token := range strings.Fields(value) {
		if token == class {
			return true
		}
	}
	return false
}

// WithClass adds or removes a single class token, preserving the order of the
// remaining tokens.
func WithClass(value, class string, on bool) string {
	tokens := strings.Fields(value)
	out := make([]string, 0, len(tokens)+1)
	present := false
	for _, token := range tokens {
		if token == class {
			if on && !present {
				out = append(out, token)
			}
			present = true
			continue
		}
		out = append(out, token)
	}
	if on && !present {
		out = append(out, class)
	}
	return strings.Join(out, " ")
}

// WithSwitchState replaces the open/closed class pair according to open. A nil
// state removes both classes.
func WithSwitchState(value string, open *bool) string {
	value = WithClass(value, ClassOpen, false)
	value = WithClass(value, ClassClosed, false)
	if open == nil {
		return value
	}
	if *open {
		return WithClass(value, ClassOpen, true)
	}
	return WithClass(value, ClassClosed, true)
}

// SwitchState derives the open state from the class attribute.
func SwitchState(value string) *bool {
	switch {
	case HasClass(value, ClassOpen):
		open := true
		return &open
	case HasClass(value, ClassClosed):
		open := false
		return &open
	default:
		return nil
	}
}

// ElementID returns the id attribute of el.
func ElementID(el *etree.Element) string {
	if el == nil {
		return ""
	}
	return el.SelectAttrValue("id", "")
}

// WalkIDs visits root and its descendants in document order and calls fn for
// every element carrying an id attribute.
func WalkIDs(root *etree.Element, fn func(el *etree.Element)) {
	if root == nil {
		return
	}
	if ElementID(root) != "" {
		fn(root)
	}
	for _, child := range root.ChildElements() {
		WalkIDs(child, fn)
	}
}

// FindByID locates the first element below root (root included) whose id
// matches.
func FindByID(root *etree.Element, id string) *etree.Element {
	if root == nil || id == "" {
		return nil
	}
	if ElementID(root) == id {
		return root
	}
	for _, child := range root.ChildElements() {
		if found := FindByID(child, id); found != nil {
			return found
		}
	}
	return nil
}

// LabelElement returns the element whose character data carries the visible
// label of el. A text element yields its last tspan when it has one. Other
// elements defer to their first nested text element, falling back to el.
func LabelElement(el *etree.Element) *etree.Element {
	if el == nil {
		return nil
	}
	switch el.Tag {
	case "tspan":
		return el
	case "text":
	default:
		nested := el.FindElement(".//text")
		if nested == nil {
			return el
		}
		el = nested
	}
	if spans := el.FindElements(".//tspan"); len(spans) > 0 {
		return spans[len(spans)-1]
	}
	return el
}

// LabelText returns the trimmed label text of el.
func LabelText(el *etree.Element) string {
	label := LabelElement(el)
	if label == nil {
		return ""
	}
	return strings.TrimSpace(label.Text())
}

// Contains reports whether el is ancestor or equal to target.
func Contains(el, target *etree.Element) bool {
	for cur := target; cur != nil; cur = cur.Parent() {
		if cur == el {
			return true
		}
	}
	return false
}
