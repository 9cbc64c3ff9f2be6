package classify

import (
	"github.com/beevik/etree"
	"github.com/cespare/xxhash/v2"

	"github.com/timzifer/sldsync/scene"
)

// Signature fingerprints the mutable visual fields of an element.
type Signature uint64

const fieldSeparator = 0x1f

func fingerprint(fields ...string) Signature {
	d := xxhash.New()
	for _, f := range fields {
		_, _ = d.WriteString(f)
		_, _ = d.Write([]byte{fieldSeparator})
	}
	return Signature(d.Sum64())
}

// Signature returns the expected fingerprint of the descriptor.
func (d Descriptor) Signature() Signature {
	return fingerprint(d.Transform, d.Fill, d.Stroke, d.Class, d.PathData, d.Text)
}

// LiveSignature computes the fingerprint of a rendered element, reading the
// label text only when desc marks the element as a power label.
func LiveSignature(el *etree.Element, desc Descriptor) Signature {
	if el == nil {
		return 0
	}
	text := ""
	if desc.IsPowerLabel() {
		text = scene.LabelText(el)
	}
	return fingerprint(
		el.SelectAttrValue("transform", ""),
		el.SelectAttrValue("fill", ""),
		el.SelectAttrValue("stroke", ""),
		el.SelectAttrValue("class", ""),
		el.SelectAttrValue("d", ""),
		text,
	)
}
