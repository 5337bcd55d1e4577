// Package writer provides PDF file writing.
package writer

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"io"
	"sort"

	"github.com/openirm/irmfile/pdf/generic"
)

// Writer assembles and serializes a PDF document.
type Writer struct {
	Version string

	objects    map[int]*generic.IndirectObject
	nextObjNum int
	rootRef    generic.Reference
	infoRef    generic.Reference
}

// New creates a writer for the given PDF version ("1.7" when empty).
func New(version string) *Writer {
	if version == "" {
		version = "1.7"
	}
	return &Writer{
		Version:    version,
		objects:    make(map[int]*generic.IndirectObject),
		nextObjNum: 1,
	}
}

// AddObject adds an object under the next free number and returns its
// reference.
func (w *Writer) AddObject(obj generic.PdfObject) generic.Reference {
	objNum := w.nextObjNum
	w.nextObjNum++
	w.objects[objNum] = generic.NewIndirectObject(objNum, 0, obj)
	return generic.NewReference(objNum, 0)
}

// SetObject stores an object under a fixed number, growing the free
// counter past it.
func (w *Writer) SetObject(objNum int, obj generic.PdfObject) generic.Reference {
	w.objects[objNum] = generic.NewIndirectObject(objNum, 0, obj)
	if objNum >= w.nextObjNum {
		w.nextObjNum = objNum + 1
	}
	return generic.NewReference(objNum, 0)
}

// Object returns a previously added object, or nil.
func (w *Writer) Object(objNum int) *generic.IndirectObject {
	return w.objects[objNum]
}

// SetRoot sets the catalog reference placed in the trailer.
func (w *Writer) SetRoot(ref generic.Reference) {
	w.rootRef = ref
}

// SetInfo sets the Info reference placed in the trailer.
func (w *Writer) SetInfo(ref generic.Reference) {
	w.infoRef = ref
}

// trailerExtra carries additional trailer entries, such as Encrypt.
type trailerExtra struct {
	key   string
	value generic.PdfObject
}

// WriteTo serializes the document: header, body, xref table, trailer.
func (w *Writer) WriteTo(out io.Writer) error {
	return w.write(out, nil)
}

// WriteToWithTrailer serializes the document with extra trailer
// entries.
func (w *Writer) WriteToWithTrailer(out io.Writer, extra map[string]generic.PdfObject) error {
	extras := make([]trailerExtra, 0, len(extra))
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		extras = append(extras, trailerExtra{key: k, value: extra[k]})
	}
	return w.write(out, extras)
}

func (w *Writer) write(out io.Writer, extras []trailerExtra) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%%PDF-%s\n%%\xe2\xe3\xcf\xd3\n", w.Version)

	nums := make([]int, 0, len(w.objects))
	for n := range w.objects {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	offsets := make(map[int]int64, len(nums))
	for _, n := range nums {
		offsets[n] = int64(buf.Len())
		if err := w.objects[n].Write(&buf); err != nil {
			return err
		}
	}

	// Cross-reference table: the free-list head, then one subsection per
	// contiguous run of object numbers.
	xrefOffset := int64(buf.Len())
	buf.WriteString("xref\n")
	size := 1
	if len(nums) > 0 {
		size = nums[len(nums)-1] + 1
	}
	buf.WriteString("0 1\n0000000000 65535 f \n")
	for i := 0; i < len(nums); {
		j := i
		for j+1 < len(nums) && nums[j+1] == nums[j]+1 {
			j++
		}
		fmt.Fprintf(&buf, "%d %d\n", nums[i], j-i+1)
		for k := i; k <= j; k++ {
			fmt.Fprintf(&buf, "%010d %05d n \n", offsets[nums[k]], 0)
		}
		i = j + 1
	}

	trailer := generic.NewDictionary()
	trailer.Set("Size", generic.IntegerObject(size))
	if w.rootRef.ObjectNumber != 0 {
		trailer.Set("Root", w.rootRef)
	}
	if w.infoRef.ObjectNumber != 0 {
		trailer.Set("Info", w.infoRef)
	}
	for _, e := range extras {
		trailer.Set(e.key, e.value)
	}
	sum := md5.Sum(buf.Bytes())
	id := generic.NewHexString(sum[:])
	trailer.Set("ID", generic.ArrayObject{id, id.Clone()})

	buf.WriteString("trailer\n")
	if err := trailer.Write(&buf); err != nil {
		return err
	}
	fmt.Fprintf(&buf, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)

	_, err := out.Write(buf.Bytes())
	return err
}
