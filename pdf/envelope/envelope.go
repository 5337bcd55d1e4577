// Package envelope builds and parses the IRM unencrypted-wrapper
// document: an outer PDF whose embedded payload is the encrypted inner
// document.
package envelope

import (
	"errors"
	"io"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/openirm/irmfile/pdf/embed"
	"github.com/openirm/irmfile/pdf/generic"
	"github.com/openirm/irmfile/pdf/reader"
	"github.com/openirm/irmfile/pdf/writer"
)

// Common errors
var (
	// ErrNotValidFile reports a document that is not a valid
	// rights-protected file.
	ErrNotValidFile = errors.New("not a valid rights-protected file")
	// ErrNoPayload reports a wrapper without payload data.
	ErrNoPayload = errors.New("wrapper has no payload")
)

// Wrapper constants.
const (
	// WrapperSubtype tags the embedded payload's cryptographic filter.
	WrapperSubtype = "MicrosoftIRMServices"
	// WrapperFilename is the embedded payload's file name.
	WrapperFilename = "MicrosoftIRMServices Protected PDF.pdf"
	// WrapperDescription describes the payload in the file spec.
	WrapperDescription = "This embedded file is encrypted using MicrosoftIRMServices filter"
	// WrapperVersion is the wrapper generation this package writes.
	WrapperVersion = 2.0
	// FilterName is the name of the IRM encryption filter in the inner
	// document's encryption dictionary.
	FilterName = "MicrosoftIRMServices"
)

// WrapperType identifies the recognized wrapper generations.
type WrapperType int

const (
	WrapperUnknown WrapperType = iota
	// WrapperIRMv1 is a directly encrypted document whose encryption
	// dictionary names the IRM filter.
	WrapperIRMv1
	// WrapperIRMv2 is an unencrypted outer document carrying the
	// encrypted document as embedded payload.
	WrapperIRMv2
)

// String returns the wrapper type name.
func (t WrapperType) String() string {
	switch t {
	case WrapperIRMv1:
		return "IRMv1"
	case WrapperIRMv2:
		return "IRMv2"
	}
	return "unknown"
}

// Creator builds IRMv2 wrapper documents.
type Creator struct {
	template []byte
	clock    clockwork.Clock

	subtype     string
	filename    string
	description string
	version     float64
	payload     []byte
}

// NewCreator creates a wrapper creator over a template outer document.
// The template is the unencrypted "cover" PDF shown to readers without
// IRM support.
func NewCreator(template []byte) *Creator {
	return &Creator{
		template: template,
		clock:    clockwork.NewRealClock(),
		subtype:  WrapperSubtype,
		filename: WrapperFilename,
		version:  WrapperVersion,
	}
}

// SetClock replaces the clock used for payload creation dates.
func (c *Creator) SetClock(clock clockwork.Clock) {
	c.clock = clock
}

// SetPayloadInfo sets the payload metadata recorded in the wrapper.
func (c *Creator) SetPayloadInfo(subtype, filename, description string, version float64) {
	c.subtype = subtype
	c.filename = filename
	c.description = description
	c.version = version
}

// SetPayload sets the encrypted payload bytes.
func (c *Creator) SetPayload(payload []byte) {
	c.payload = payload
}

// WriteTo writes the assembled wrapper document.
func (c *Creator) WriteTo(out io.Writer) error {
	if len(c.payload) == 0 {
		return trace.Wrap(ErrNoPayload)
	}
	doc, err := reader.Parse(c.template)
	if err != nil {
		return trace.Wrap(err, "parsing wrapper template")
	}
	rootRef, ok := doc.Trailer.GetReference("Root")
	if !ok {
		return trace.Wrap(reader.ErrInvalidPDF, "wrapper template has no catalog")
	}

	w := writer.New(doc.Version)
	for _, objNum := range doc.ObjectNumbers() {
		obj, err := doc.Object(objNum)
		if err != nil {
			continue
		}
		w.SetObject(objNum, obj.Object.Clone())
	}

	ef := &embed.EmbeddedFile{Subtype: c.subtype, Data: c.payload}
	streamRef := w.AddObject(ef.AsStream(c.clock))

	ep := generic.NewDictionary()
	ep.Set("Type", generic.NameObject("EncryptedPayload"))
	ep.Set("Subtype", generic.NameObject(c.subtype))
	ep.Set("Version", generic.RealObject(c.version))

	spec := &embed.FileSpec{
		FileName:       c.filename,
		Description:    c.description,
		AFRelationship: embed.AFRelationshipEncryptedPayload,
		Extra:          map[string]generic.PdfObject{"EP": ep},
	}
	specRef := w.AddObject(spec.AsDict(streamRef))

	rootObj := w.Object(rootRef.ObjectNumber)
	if rootObj == nil {
		return trace.Wrap(reader.ErrInvalidPDF, "wrapper template catalog missing")
	}
	catalog, ok := rootObj.Object.(*generic.DictionaryObject)
	if !ok {
		return trace.Wrap(reader.ErrInvalidPDF, "wrapper template catalog malformed")
	}
	catalog.Set("Names", embed.NamesDict(c.filename, specRef))
	catalog.Set("AF", generic.ArrayObject{specRef})

	w.SetRoot(rootRef)
	return trace.Wrap(w.WriteTo(out))
}

// Doc is a parsed candidate wrapper document.
type Doc struct {
	wrapperType WrapperType
	subtype     string
	version     float64
	payload     []byte
}

// Parse inspects data and extracts the wrapper structure. Parse itself
// is lenient; Validate applies the validity predicate.
func Parse(data []byte) (*Doc, error) {
	doc, err := reader.Parse(data)
	if err != nil {
		return nil, trace.Wrap(ErrNotValidFile)
	}

	if enc := doc.Encrypt(); enc != nil {
		if enc.GetName("Filter") == FilterName {
			return &Doc{
				wrapperType: WrapperIRMv1,
				subtype:     FilterName,
				version:     1.0,
				payload:     doc.Data(),
			}, nil
		}
		return &Doc{wrapperType: WrapperUnknown}, nil
	}

	d := &Doc{wrapperType: WrapperUnknown}
	root := doc.Root()
	if root == nil {
		return d, nil
	}
	names := doc.ResolveDict(root.Get("Names"))
	if names == nil {
		return d, nil
	}
	tree := doc.ResolveDict(names.Get("EmbeddedFiles"))
	if tree == nil {
		return d, nil
	}
	entries := tree.GetArray("Names")
	for i := 0; i+1 < len(entries); i += 2 {
		spec := doc.ResolveDict(entries[i+1])
		if spec == nil {
			continue
		}
		ef := doc.ResolveDict(spec.Get("EF"))
		if ef == nil {
			continue
		}
		stream, ok := doc.Resolve(ef.Get("F")).(*generic.StreamObject)
		if !ok {
			continue
		}
		d.wrapperType = WrapperIRMv2
		d.payload = stream.Data
		if ep := doc.ResolveDict(spec.Get("EP")); ep != nil {
			d.subtype = ep.GetName("Subtype")
			d.version = ep.GetReal("Version", 0)
		} else {
			d.subtype = stream.Dictionary.GetName("Subtype")
		}
		break
	}
	return d, nil
}

// WrapperType returns the detected wrapper generation.
func (d *Doc) WrapperType() WrapperType {
	return d.wrapperType
}

// PayloadSize returns the payload size in bytes.
func (d *Doc) PayloadSize() int64 {
	return int64(len(d.payload))
}

// CryptographicFilter returns the payload subtype and wrapper version.
func (d *Doc) CryptographicFilter() (string, float64) {
	return d.subtype, d.version
}

// Validate applies the wrapper validity predicate: a recognized wrapper
// type, a non-empty payload and the expected subtype.
func (d *Doc) Validate() error {
	if (d.wrapperType != WrapperIRMv1 && d.wrapperType != WrapperIRMv2) ||
		d.PayloadSize() <= 0 ||
		d.subtype != WrapperSubtype {
		return trace.Wrap(ErrNotValidFile)
	}
	return nil
}

// Payload streams the payload bytes to out.
func (d *Doc) Payload(out io.Writer) error {
	if len(d.payload) == 0 {
		return trace.Wrap(ErrNoPayload)
	}
	_, err := out.Write(d.payload)
	return trace.Wrap(err)
}

// PayloadBytes returns the payload bytes.
func (d *Doc) PayloadBytes() []byte {
	return d.payload
}
