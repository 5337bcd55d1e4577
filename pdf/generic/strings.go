package generic

import (
	"bytes"
	"fmt"
	"io"
	"unicode/utf16"

	"golang.org/x/text/encoding/unicode"
)

// StringObject represents a PDF string. Value holds the raw bytes; Hex
// selects hexadecimal serialization.
type StringObject struct {
	Value []byte
	Hex   bool
}

// NewTextString creates a string object from text. Plain ASCII is kept
// as-is; anything else is encoded as UTF-16BE with a byte order mark.
func NewTextString(s string) *StringObject {
	ascii := true
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return &StringObject{Value: []byte(s)}
	}
	enc := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewEncoder()
	encoded, err := enc.Bytes([]byte(s))
	if err != nil {
		return &StringObject{Value: []byte(s)}
	}
	return &StringObject{Value: encoded}
}

// NewHexString creates a hexadecimal string object over raw bytes.
func NewHexString(data []byte) *StringObject {
	value := make([]byte, len(data))
	copy(value, data)
	return &StringObject{Value: value, Hex: true}
}

// Text decodes the string as PDF text: UTF-16BE when the byte order
// mark is present, raw bytes otherwise.
func (s *StringObject) Text() string {
	if len(s.Value) >= 2 && s.Value[0] == 0xfe && s.Value[1] == 0xff {
		body := s.Value[2:]
		units := make([]uint16, 0, len(body)/2)
		for i := 0; i+1 < len(body); i += 2 {
			units = append(units, uint16(body[i])<<8|uint16(body[i+1]))
		}
		return string(utf16.Decode(units))
	}
	return string(s.Value)
}

func (s *StringObject) Write(w io.Writer) error {
	if s.Hex {
		if _, err := io.WriteString(w, "<"); err != nil {
			return err
		}
		for _, b := range s.Value {
			if _, err := fmt.Fprintf(w, "%02X", b); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, ">")
		return err
	}

	var buf bytes.Buffer
	buf.WriteByte('(')
	for _, b := range s.Value {
		switch b {
		case '(', ')', '\\':
			buf.WriteByte('\\')
			buf.WriteByte(b)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if b < 0x20 || b >= 0x7f {
				fmt.Fprintf(&buf, `\%03o`, b)
			} else {
				buf.WriteByte(b)
			}
		}
	}
	buf.WriteByte(')')
	_, err := w.Write(buf.Bytes())
	return err
}

func (s *StringObject) Clone() PdfObject {
	value := make([]byte, len(s.Value))
	copy(value, s.Value)
	return &StringObject{Value: value, Hex: s.Hex}
}
