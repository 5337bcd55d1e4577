// Package reader provides PDF file reading and parsing.
package reader

import (
	"bytes"
	"errors"
	"regexp"
	"strconv"

	"github.com/openirm/irmfile/pdf/generic"
)

// Common errors
var (
	ErrInvalidPDF     = errors.New("invalid PDF file")
	ErrNoXRef         = errors.New("no xref found")
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidXRef    = errors.New("invalid xref")
)

// Document is a parsed PDF file.
type Document struct {
	data    []byte
	Version string

	// Trailer is the merged trailer dictionary.
	Trailer *generic.DictionaryObject

	offsets map[int]int64
	objects map[int]*generic.IndirectObject
}

// Parse reads a PDF document from data.
func Parse(data []byte) (*Document, error) {
	doc := &Document{
		data:    data,
		offsets: make(map[int]int64),
		objects: make(map[int]*generic.IndirectObject),
	}
	if err := doc.parseHeader(); err != nil {
		return nil, err
	}
	if err := doc.parseXRef(); err != nil {
		// Damaged or stream-based xref; reconstruct by scanning.
		if err := doc.scanObjects(); err != nil {
			return nil, err
		}
	}
	if doc.Trailer == nil {
		return nil, ErrNoXRef
	}
	return doc, nil
}

// parseHeader validates the %PDF- header.
func (d *Document) parseHeader() error {
	idx := bytes.Index(d.data, []byte("%PDF-"))
	if idx < 0 || idx > 1024 {
		return ErrInvalidPDF
	}
	end := idx + 5
	for end < len(d.data) && d.data[end] != '\n' && d.data[end] != '\r' {
		end++
	}
	d.Version = string(d.data[idx+5 : end])
	return nil
}

// parseXRef locates startxref and follows the xref table chain.
func (d *Document) parseXRef() error {
	tail := d.data
	if len(tail) > 2048 {
		tail = tail[len(tail)-2048:]
	}
	idx := bytes.LastIndex(tail, []byte("startxref"))
	if idx < 0 {
		return ErrNoXRef
	}
	p := generic.NewParser(d.data)
	p.Seek(len(d.data) - len(tail) + idx + len("startxref"))
	offset, err := strconv.ParseInt(p.ReadToken(), 10, 64)
	if err != nil {
		return ErrInvalidXRef
	}

	seen := make(map[int64]bool)
	for offset > 0 && !seen[offset] {
		seen[offset] = true
		next, err := d.parseXRefSection(offset)
		if err != nil {
			return err
		}
		offset = next
	}
	return nil
}

// parseXRefSection parses one classic xref table and its trailer,
// returning the Prev offset (0 when none).
func (d *Document) parseXRefSection(offset int64) (int64, error) {
	if offset < 0 || offset >= int64(len(d.data)) {
		return 0, ErrInvalidXRef
	}
	p := generic.NewParser(d.data)
	p.Seek(int(offset))
	if tok := p.ReadToken(); tok != "xref" {
		return 0, ErrInvalidXRef
	}
	for {
		p.SkipWhitespace()
		if bytes.HasPrefix(d.data[p.Pos():], []byte("trailer")) {
			p.Seek(p.Pos() + len("trailer"))
			break
		}
		start, err := strconv.Atoi(p.ReadToken())
		if err != nil {
			return 0, ErrInvalidXRef
		}
		count, err := strconv.Atoi(p.ReadToken())
		if err != nil {
			return 0, ErrInvalidXRef
		}
		for i := 0; i < count; i++ {
			off, err := strconv.ParseInt(p.ReadToken(), 10, 64)
			if err != nil {
				return 0, ErrInvalidXRef
			}
			if _, err := strconv.Atoi(p.ReadToken()); err != nil {
				return 0, ErrInvalidXRef
			}
			kind := p.ReadToken()
			objNum := start + i
			// First subsection wins; later tables are older.
			if kind == "n" {
				if _, ok := d.offsets[objNum]; !ok {
					d.offsets[objNum] = off
				}
			}
		}
	}
	obj, err := p.ParseObject()
	if err != nil {
		return 0, err
	}
	trailer, ok := obj.(*generic.DictionaryObject)
	if !ok {
		return 0, ErrInvalidXRef
	}
	if d.Trailer == nil {
		d.Trailer = trailer
	} else {
		for _, key := range trailer.Keys() {
			if !d.Trailer.Has(key) {
				d.Trailer.Set(key, trailer.Get(key))
			}
		}
	}
	return trailer.GetInt("Prev", 0), nil
}

var objHeaderRe = regexp.MustCompile(`(?m)^[ \t]*(\d+)[ \t]+(\d+)[ \t]+obj\b`)

// scanObjects rebuilds the offset table by scanning for object headers
// and takes the last trailer dictionary it can find.
func (d *Document) scanObjects() error {
	for _, m := range objHeaderRe.FindAllSubmatchIndex(d.data, -1) {
		objNum, err := strconv.Atoi(string(d.data[m[2]:m[3]]))
		if err != nil {
			continue
		}
		d.offsets[objNum] = int64(m[0])
	}
	if len(d.offsets) == 0 {
		return ErrInvalidPDF
	}
	idx := bytes.LastIndex(d.data, []byte("trailer"))
	if idx >= 0 {
		p := generic.NewParser(d.data)
		p.Seek(idx + len("trailer"))
		if obj, err := p.ParseObject(); err == nil {
			if trailer, ok := obj.(*generic.DictionaryObject); ok {
				d.Trailer = trailer
			}
		}
	}
	if d.Trailer == nil {
		// Last resort: synthesize a trailer from a catalog object.
		for objNum := range d.offsets {
			obj, err := d.Object(objNum)
			if err != nil {
				continue
			}
			if dict, ok := obj.Object.(*generic.DictionaryObject); ok && dict.GetName("Type") == "Catalog" {
				d.Trailer = generic.NewDictionary()
				d.Trailer.Set("Root", generic.NewReference(objNum, 0))
				break
			}
		}
	}
	if d.Trailer == nil {
		return ErrNoXRef
	}
	return nil
}

// ObjectNumbers returns every object number the document knows about.
func (d *Document) ObjectNumbers() []int {
	nums := make([]int, 0, len(d.offsets))
	for n := range d.offsets {
		nums = append(nums, n)
	}
	return nums
}

// Object returns the indirect object with the given number, parsing and
// caching it on first access.
func (d *Document) Object(objNum int) (*generic.IndirectObject, error) {
	if obj, ok := d.objects[objNum]; ok {
		return obj, nil
	}
	offset, ok := d.offsets[objNum]
	if !ok {
		return nil, ErrObjectNotFound
	}
	p := generic.NewParser(d.data)
	p.ResolveLength = func(ref generic.Reference) (int64, bool) {
		obj, err := d.Object(ref.ObjectNumber)
		if err != nil {
			return 0, false
		}
		if n, ok := obj.Object.(generic.IntegerObject); ok {
			return int64(n), true
		}
		return 0, false
	}
	p.Seek(int(offset))
	obj, err := p.ParseIndirectObject()
	if err != nil {
		return nil, err
	}
	d.objects[objNum] = obj
	return obj, nil
}

// Resolve follows references until a direct object is reached.
func (d *Document) Resolve(obj generic.PdfObject) generic.PdfObject {
	for depth := 0; depth < 32; depth++ {
		ref, ok := obj.(generic.Reference)
		if !ok {
			return obj
		}
		ind, err := d.Object(ref.ObjectNumber)
		if err != nil {
			return generic.NullObject{}
		}
		obj = ind.Object
	}
	return generic.NullObject{}
}

// ResolveDict resolves obj to a dictionary, or nil.
func (d *Document) ResolveDict(obj generic.PdfObject) *generic.DictionaryObject {
	if dict, ok := d.Resolve(obj).(*generic.DictionaryObject); ok {
		return dict
	}
	return nil
}

// Root returns the document catalog, or nil.
func (d *Document) Root() *generic.DictionaryObject {
	if d.Trailer == nil {
		return nil
	}
	return d.ResolveDict(d.Trailer.Get("Root"))
}

// Encrypt returns the document encryption dictionary, or nil.
func (d *Document) Encrypt() *generic.DictionaryObject {
	if d.Trailer == nil {
		return nil
	}
	return d.ResolveDict(d.Trailer.Get("Encrypt"))
}

// Data returns the raw document bytes.
func (d *Document) Data() []byte {
	return d.data
}
