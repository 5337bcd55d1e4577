// Package opc reads and edits OPC (Office Open XML) containers: the
// ZIP entry layer and the custom-properties part.
package opc

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"

	"github.com/gravitational/trace"
)

// Common errors
var (
	// ErrNotZip reports input that is not a ZIP archive.
	ErrNotZip = errors.New("input is not a zip archive")
	// ErrEntryNotFound reports a missing archive entry.
	ErrEntryNotFound = errors.New("zip entry not found")
)

// ZipAPI reads and rewrites entries of an OPC container.
type ZipAPI struct{}

// GetEntry extracts one entry from the archive in data.
func (ZipAPI) GetEntry(data []byte, path string) ([]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, trace.Wrap(ErrNotZip)
	}
	for _, f := range r.File {
		if f.Name != path {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		defer rc.Close()
		content, err := io.ReadAll(rc)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return content, nil
	}
	return nil, trace.Wrap(ErrEntryNotFound, "entry %q", path)
}

// SetEntry rewrites the archive with the entry at path replaced (or
// appended), preserving the order and method of every other entry.
func (ZipAPI) SetEntry(data []byte, path string, content []byte, out io.Writer) error {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return trace.Wrap(ErrNotZip)
	}
	w := zip.NewWriter(out)
	replaced := false
	for _, f := range r.File {
		if f.Name == path {
			if err := writeEntry(w, f.Name, f.Method, content); err != nil {
				return trace.Wrap(err)
			}
			replaced = true
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return trace.Wrap(err)
		}
		original, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return trace.Wrap(err)
		}
		if err := writeEntry(w, f.Name, f.Method, original); err != nil {
			return trace.Wrap(err)
		}
	}
	if !replaced {
		if err := writeEntry(w, path, zip.Deflate, content); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(w.Close())
}

// writeEntry adds one entry to the archive being written.
func writeEntry(w *zip.Writer, name string, method uint16, content []byte) error {
	fw, err := w.CreateHeader(&zip.FileHeader{Name: name, Method: method})
	if err != nil {
		return err
	}
	_, err = fw.Write(content)
	return err
}
