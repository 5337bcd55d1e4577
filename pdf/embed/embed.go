// Package embed builds the embedded-file objects carried by wrapper
// documents.
package embed

import (
	"crypto/md5"
	"errors"

	"github.com/jonboulle/clockwork"

	"github.com/openirm/irmfile/pdf/generic"
)

// Common errors
var (
	ErrNoEmbeddedData = errors.New("file spec does not have embedded data")
)

// AF relationships for associated files.
const (
	AFRelationshipSource           = "Source"
	AFRelationshipData             = "Data"
	AFRelationshipEncryptedPayload = "EncryptedPayload"
	AFRelationshipUnspecified      = "Unspecified"
)

// EmbeddedFile is an embedded file stream under construction.
type EmbeddedFile struct {
	// Subtype is the embedded file's subtype name.
	Subtype string
	// Data is the raw embedded payload.
	Data []byte
	// Extra carries additional stream dictionary entries.
	Extra map[string]generic.PdfObject
}

// AsStream builds the embedded file stream object, stamping size,
// checksum and creation date parameters.
func (e *EmbeddedFile) AsStream(clock clockwork.Clock) *generic.StreamObject {
	dict := generic.NewDictionary()
	dict.Set("Type", generic.NameObject("EmbeddedFile"))
	if e.Subtype != "" {
		dict.Set("Subtype", generic.NameObject(e.Subtype))
	}
	params := generic.NewDictionary()
	params.Set("Size", generic.IntegerObject(len(e.Data)))
	sum := md5.Sum(e.Data)
	params.Set("CheckSum", generic.NewHexString(sum[:]))
	if clock != nil {
		params.Set("CreationDate", generic.NewTextString(formatPdfDate(clock)))
	}
	dict.Set("Params", params)
	for _, key := range sortedKeys(e.Extra) {
		dict.Set(key, e.Extra[key])
	}
	return generic.NewStream(dict, e.Data)
}

// FileSpec describes an embedded file attachment.
type FileSpec struct {
	// FileName is the attachment's file name.
	FileName string
	// Description is a textual description of the attachment.
	Description string
	// AFRelationship is the associated-file relationship specifier.
	AFRelationship string
	// Extra carries additional file spec dictionary entries.
	Extra map[string]generic.PdfObject
}

// AsDict builds the file spec dictionary pointing at the embedded file
// stream reference.
func (f *FileSpec) AsDict(streamRef generic.Reference) *generic.DictionaryObject {
	dict := generic.NewDictionary()
	dict.Set("Type", generic.NameObject("Filespec"))
	dict.Set("F", generic.NewTextString(f.FileName))
	dict.Set("UF", generic.NewTextString(f.FileName))
	ef := generic.NewDictionary()
	ef.Set("F", streamRef)
	ef.Set("UF", streamRef)
	dict.Set("EF", ef)
	if f.Description != "" {
		dict.Set("Desc", generic.NewTextString(f.Description))
	}
	if f.AFRelationship != "" {
		dict.Set("AFRelationship", generic.NameObject(f.AFRelationship))
	}
	for _, key := range sortedKeys(f.Extra) {
		dict.Set(key, f.Extra[key])
	}
	return dict
}

// NamesDict builds a flat EmbeddedFiles name tree mapping the file name
// to the file spec reference.
func NamesDict(fileName string, specRef generic.Reference) *generic.DictionaryObject {
	names := generic.NewDictionary()
	tree := generic.NewDictionary()
	tree.Set("Names", generic.ArrayObject{generic.NewTextString(fileName), specRef})
	names.Set("EmbeddedFiles", tree)
	return names
}

// formatPdfDate formats the clock's current time as a PDF date string.
func formatPdfDate(clock clockwork.Clock) string {
	return "D:" + clock.Now().UTC().Format("20060102150405") + "Z00'00'"
}

// sortedKeys returns map keys in stable order.
func sortedKeys(m map[string]generic.PdfObject) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
