// Package fileformat maps file extensions to container formats and
// reads the protection tags a file carries.
package fileformat

import (
	"errors"
	"strings"

	"github.com/gravitational/trace"

	"github.com/openirm/irmfile/opc"
)

// ErrUnsupportedFormat reports a file the tag reader cannot handle.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Kind identifies the container family of a file.
type Kind int

const (
	// KindGeneric is any file without a recognized container.
	KindGeneric Kind = iota
	// KindPdf is a PDF document.
	KindPdf
	// KindOpc is a ZIP-based Office Open XML container.
	KindOpc
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindPdf:
		return "pdf"
	case KindOpc:
		return "opc"
	}
	return "generic"
}

// opcExtensions are the Office OPC container extensions.
var opcExtensions = map[string]bool{
	".docx": true, ".docm": true, ".dotx": true, ".dotm": true,
	".xlsx": true, ".xlsm": true, ".xltx": true, ".xltm": true,
	".xlsb": true,
	".pptx": true, ".pptm": true, ".potx": true, ".potm": true,
	".ppsx": true, ".ppsm": true,
	".vsdx": true, ".vsdm": true,
}

// Detect maps a file extension (with or without the leading dot) to a
// container kind.
func Detect(ext string) Kind {
	ext = strings.ToLower(ext)
	if ext != "" && ext[0] != '.' {
		ext = "." + ext
	}
	switch {
	case ext == ".pdf" || ext == ".ppdf":
		return KindPdf
	case opcExtensions[ext]:
		return KindOpc
	}
	return KindGeneric
}

// Tag is one protection label attached to a file.
type Tag struct {
	// LabelID is the label's identifier.
	LabelID string
	// Attribute is the label attribute name (Enabled, Owner, SetDate...).
	Attribute string
	// Value is the attribute value.
	Value string
}

// labelPrefix marks sensitivity-label custom properties.
const labelPrefix = "MSIP_Label_"

// File is one file with its container kind and a lazily read tag cache.
type File struct {
	data []byte
	ext  string
	kind Kind

	tags    []Tag
	hasTags bool
}

// NewFile wraps file content and its extension.
func NewFile(data []byte, ext string) *File {
	return &File{data: data, ext: ext, kind: Detect(ext)}
}

// Kind returns the detected container kind.
func (f *File) Kind() Kind {
	return f.kind
}

// Tags returns the file's protection tags, reading them on first use
// and caching the result.
func (f *File) Tags() ([]Tag, error) {
	if f.hasTags {
		return f.tags, nil
	}
	tags, err := f.readTags()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	f.tags = tags
	f.hasTags = true
	return f.tags, nil
}

// SetTags replaces the tag cache.
func (f *File) SetTags(tags []Tag) {
	f.tags = tags
	f.hasTags = true
}

// readTags reads tags from the container. Only OPC containers carry
// readable label properties; other kinds have none.
func (f *File) readTags() ([]Tag, error) {
	if f.kind != KindOpc {
		return nil, nil
	}
	entry, err := opc.ZipAPI{}.GetEntry(f.data, opc.CustomPropertiesPath)
	if err != nil {
		if errors.Is(err, opc.ErrEntryNotFound) {
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}
	props, err := opc.ParseCustomProperties(entry)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var tags []Tag
	for _, p := range props.Properties() {
		if !strings.HasPrefix(p.Name, labelPrefix) {
			continue
		}
		rest := strings.TrimPrefix(p.Name, labelPrefix)
		labelID, attribute, ok := strings.Cut(rest, "_")
		if !ok {
			continue
		}
		tags = append(tags, Tag{LabelID: labelID, Attribute: attribute, Value: p.Value})
	}
	return tags, nil
}
