// Package objmodel drives per-object encryption and decryption over a
// PDF document, delegating the actual cryptography to handler
// interfaces implemented by the protector.
package objmodel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/gravitational/trace"

	"github.com/openirm/irmfile/pdf/generic"
	"github.com/openirm/irmfile/pdf/reader"
	"github.com/openirm/irmfile/pdf/writer"
)

// Common errors
var (
	ErrInvalidDocument = errors.New("invalid source document")
	ErrNotEncrypted    = errors.New("document has no matching encryption filter")
)

// progressiveChunkSize is the slice size streamed through the
// progressive encryption path.
const progressiveChunkSize = 4096

// CryptoHandler is the per-object encryption interface the object
// model drives during serialization.
type CryptoHandler interface {
	// EncryptGetSize returns an upper bound for the ciphertext size of a
	// srcSize-byte object.
	EncryptGetSize(srcSize uint32) uint32
	// EncryptContent encrypts one whole object payload.
	EncryptContent(objNum, genNum uint32, src []byte) ([]byte, error)

	// ProgressiveEncryptStart reports whether the object of rawSize
	// bytes should be encrypted progressively.
	ProgressiveEncryptStart(objNum, genNum, rawSize uint32) bool
	// ProgressiveEncryptContent streams one chunk of the object.
	ProgressiveEncryptContent(objNum, genNum uint32, chunk []byte) error
	// ProgressiveEncryptFinish completes the object and returns its
	// ciphertext.
	ProgressiveEncryptFinish() ([]byte, error)

	// DecryptGetSize returns an upper bound for the plaintext size of a
	// srcSize-byte ciphertext.
	DecryptGetSize(srcSize uint32) uint32
	// DecryptStart begins accumulation for one object.
	DecryptStart(objNum, genNum uint32)
	// DecryptChunk appends one ciphertext chunk.
	DecryptChunk(chunk []byte) error
	// DecryptFinish decrypts the accumulated object and returns its
	// plaintext.
	DecryptFinish() ([]byte, error)
}

// SecurityHandler resolves a publishing license into decryption
// capability.
type SecurityHandler interface {
	// OnInit acquires the user policy for the license. It must fail for
	// principals without the required rights.
	OnInit(ctx context.Context, publishingLicense []byte) error
	// CryptoHandler returns the crypto handler bound to the acquired
	// policy.
	CryptoHandler() CryptoHandler
}

var (
	initOnce    sync.Once
	initialized bool
)

// Initialize prepares the object model. It is safe to call from
// multiple goroutines; only the first call does work. Both entry points
// call it lazily.
func Initialize() {
	initOnce.Do(func() {
		initialized = true
	})
}

// IsInitialized reports whether Initialize has run.
func IsInitialized() bool {
	return initialized
}

// CreateCustomEncryptedFile encrypts every stream object of src through
// h and writes the resulting document, whose encryption dictionary
// names filterName and carries the publishing license.
func CreateCustomEncryptedFile(ctx context.Context, src []byte, filterName string, publishingLicense []byte, h CryptoHandler, out io.Writer) error {
	Initialize()
	doc, err := reader.Parse(src)
	if err != nil {
		return trace.Wrap(ErrInvalidDocument)
	}

	w := writer.New(doc.Version)
	nums := doc.ObjectNumbers()
	sort.Ints(nums)
	encrypted := 0
	for _, objNum := range nums {
		if err := ctx.Err(); err != nil {
			return err
		}
		obj, err := doc.Object(objNum)
		if err != nil {
			continue
		}
		clone := obj.Object.Clone()
		if stream, ok := clone.(*generic.StreamObject); ok {
			ct, err := encryptObject(h, uint32(objNum), uint32(obj.GenerationNumber), stream.Data)
			if err != nil {
				return trace.Wrap(err, "encrypting object %d", objNum)
			}
			stream.Data = ct
			encrypted++
		}
		w.SetObject(objNum, clone)
	}
	if encrypted == 0 {
		slog.Debug("document has no stream objects", "objects", len(nums))
	}

	if rootRef, ok := doc.Trailer.GetReference("Root"); ok {
		w.SetRoot(rootRef)
	}
	if infoRef, ok := doc.Trailer.GetReference("Info"); ok {
		w.SetInfo(infoRef)
	}

	enc := generic.NewDictionary()
	enc.Set("Filter", generic.NameObject(filterName))
	enc.Set("SubFilter", generic.NameObject(filterName))
	enc.Set("V", generic.IntegerObject(4))
	enc.Set("Length", generic.IntegerObject(128))
	enc.Set("PublishingLicense", generic.NewHexString(publishingLicense))
	encRef := w.AddObject(enc)

	return trace.Wrap(w.WriteToWithTrailer(out, map[string]generic.PdfObject{
		"Encrypt": encRef,
	}))
}

// encryptObject routes one object through the progressive or one-shot
// path.
func encryptObject(h CryptoHandler, objNum, genNum uint32, data []byte) ([]byte, error) {
	if !h.ProgressiveEncryptStart(objNum, genNum, uint32(len(data))) {
		return h.EncryptContent(objNum, genNum, data)
	}
	for off := 0; off < len(data); off += progressiveChunkSize {
		end := off + progressiveChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := h.ProgressiveEncryptContent(objNum, genNum, data[off:end]); err != nil {
			return nil, err
		}
	}
	return h.ProgressiveEncryptFinish()
}

// UnprotectCustomEncryptedFile validates the document's encryption
// filter, initializes the security handler with the embedded publishing
// license, decrypts every stream object and writes the plaintext
// document.
//
// Policy errors from the security handler propagate unchanged so the
// caller can classify them.
func UnprotectCustomEncryptedFile(ctx context.Context, src []byte, filterName string, sh SecurityHandler, out io.Writer) error {
	Initialize()
	doc, err := reader.Parse(src)
	if err != nil {
		return trace.Wrap(ErrInvalidDocument)
	}
	enc := doc.Encrypt()
	if enc == nil || enc.GetName("Filter") != filterName {
		return trace.Wrap(ErrNotEncrypted)
	}
	license, ok := doc.Resolve(enc.Get("PublishingLicense")).(*generic.StringObject)
	if !ok || len(license.Value) == 0 {
		return trace.Wrap(ErrInvalidDocument)
	}
	if err := sh.OnInit(ctx, license.Value); err != nil {
		return err
	}
	h := sh.CryptoHandler()

	encRef, hasEncRef := doc.Trailer.GetReference("Encrypt")

	w := writer.New(doc.Version)
	nums := doc.ObjectNumbers()
	sort.Ints(nums)
	for _, objNum := range nums {
		if err := ctx.Err(); err != nil {
			return err
		}
		if hasEncRef && objNum == encRef.ObjectNumber {
			continue
		}
		obj, err := doc.Object(objNum)
		if err != nil {
			continue
		}
		clone := obj.Object.Clone()
		if stream, ok := clone.(*generic.StreamObject); ok {
			h.DecryptStart(uint32(objNum), uint32(obj.GenerationNumber))
			for off := 0; off < len(stream.Data); off += progressiveChunkSize {
				end := off + progressiveChunkSize
				if end > len(stream.Data) {
					end = len(stream.Data)
				}
				if err := h.DecryptChunk(stream.Data[off:end]); err != nil {
					return trace.Wrap(err, "decrypting object %d", objNum)
				}
			}
			plain, err := h.DecryptFinish()
			if err != nil {
				return trace.Wrap(err, "decrypting object %d", objNum)
			}
			stream.Data = plain
		}
		w.SetObject(objNum, clone)
	}

	if rootRef, ok := doc.Trailer.GetReference("Root"); ok {
		w.SetRoot(rootRef)
	}
	if infoRef, ok := doc.Trailer.GetReference("Info"); ok {
		w.SetInfo(infoRef)
	}
	return trace.Wrap(w.WriteTo(out))
}
