package opc

import (
	"errors"
	"strconv"

	"github.com/beevik/etree"
	"github.com/gravitational/trace"
)

// ErrCorruptXML reports a structurally unreadable properties part.
var ErrCorruptXML = errors.New("corrupt custom properties xml")

// OPC custom-properties schema constants.
const (
	PropertiesNamespace = "http://schemas.openxmlformats.org/officeDocument/2006/custom-properties"
	VTypesNamespace     = "http://schemas.openxmlformats.org/officeDocument/2006/docPropsVTypes"
	PropertyFmtID       = "{D5CDD505-2E9C-101B-9397-08002B2CF9AE}"

	// CustomPropertiesPath is the archive path of the properties part.
	CustomPropertiesPath = "docProps/custom.xml"
)

// Property is one custom property as seen by callers. Integer-typed
// properties carry their decimal rendering in Value.
type Property struct {
	Name  string
	Value string
}

// propKind is the serialized value type of a property.
type propKind int

const (
	kindString propKind = iota
	kindInt
)

// entry is one parsed property with its persistent id.
type entry struct {
	name  string
	value string
	pid   int
	kind  propKind
}

// CustomProperties is a parsed custom-properties document. The parser
// is lenient: children that are not well-formed properties are skipped.
// Serialize emits a single canonical form.
type CustomProperties struct {
	entries []entry
}

// ParseCustomProperties parses the custom-properties part. Structural
// XML errors fail with ErrCorruptXML; unrecognized children are
// silently dropped.
func ParseCustomProperties(data []byte) (*CustomProperties, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, trace.Wrap(ErrCorruptXML)
	}
	root := doc.Root()
	if root == nil || root.Tag != "Properties" {
		return nil, trace.Wrap(ErrCorruptXML)
	}

	c := &CustomProperties{}
	for _, el := range root.ChildElements() {
		if el.Tag != "property" {
			continue
		}
		name := el.SelectAttrValue("name", "")
		if name == "" {
			continue
		}
		values := el.ChildElements()
		if len(values) == 0 {
			continue
		}
		value := values[0]
		if value.Space != "vt" {
			continue
		}
		pid, _ := strconv.Atoi(el.SelectAttrValue("pid", "0"))
		switch value.Tag {
		case "lpwstr":
			c.entries = append(c.entries, entry{name: name, value: value.Text(), pid: pid, kind: kindString})
		case "i4":
			n, err := strconv.Atoi(value.Text())
			if err != nil {
				continue
			}
			c.entries = append(c.entries, entry{name: name, value: strconv.Itoa(n), pid: pid, kind: kindInt})
		}
	}
	return c, nil
}

// Properties returns the recognized properties in document order.
func (c *CustomProperties) Properties() []Property {
	props := make([]Property, 0, len(c.entries))
	for _, e := range c.entries {
		props = append(props, Property{Name: e.name, Value: e.value})
	}
	return props
}

// Update removes the named properties and appends the additions in
// order. Removing a missing name, or the same name twice, is a no-op.
// Additions receive pids continuing past the highest surviving pid.
func (c *CustomProperties) Update(additions []Property, removals []string) {
	remove := make(map[string]bool, len(removals))
	for _, name := range removals {
		remove[name] = true
	}
	kept := c.entries[:0]
	for _, e := range c.entries {
		if !remove[e.name] {
			kept = append(kept, e)
		}
	}
	c.entries = kept

	nextPid := 1
	for _, e := range c.entries {
		if e.pid >= nextPid {
			nextPid = e.pid
		}
	}
	nextPid++
	for _, p := range additions {
		c.entries = append(c.entries, entry{name: p.Name, value: p.Value, pid: nextPid, kind: kindString})
		nextPid++
	}
}

// Serialize emits the canonical properties part: utf-8 standalone
// declaration, both namespace declarations, no inter-element
// whitespace.
func (c *CustomProperties) Serialize() ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8" standalone="yes"`)
	root := doc.CreateElement("Properties")
	root.CreateAttr("xmlns", PropertiesNamespace)
	root.CreateAttr("xmlns:vt", VTypesNamespace)
	for _, e := range c.entries {
		prop := root.CreateElement("property")
		prop.CreateAttr("fmtid", PropertyFmtID)
		prop.CreateAttr("pid", strconv.Itoa(e.pid))
		prop.CreateAttr("name", e.name)
		tag := "vt:lpwstr"
		if e.kind == kindInt {
			tag = "vt:i4"
		}
		prop.CreateElement(tag).SetText(e.value)
	}
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}
