package protector

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/gravitational/trace"

	"github.com/openirm/irmfile/crypt"
	"github.com/openirm/irmfile/pdf/objmodel"
	"github.com/openirm/irmfile/policy"
)

// minRawSize is the progressive encryption threshold: only objects
// larger than it take the progressive path; objects of this size or
// smaller fall back to one-shot encryption.
const minRawSize = 4096

// lengthPrefixSize is the per-object plaintext length header.
const lengthPrefixSize = 4

// handlerState tracks the per-object state of a CryptoHandler so that
// out-of-order calls are rejected instead of corrupting state.
type handlerState int

const (
	stateIdle handlerState = iota
	stateDecrypting
	stateProgressiveStarted
	stateProgressiveStreaming
)

// CryptoHandler adapts the policy's crypto provider to the object
// model's per-object interface. One handler serves many objects, one
// object at a time.
type CryptoHandler struct {
	protector *PDFProtector
	provider  crypt.CryptoProvider

	state  handlerState
	objNum uint32

	// one-shot decrypt accumulation
	pending bytes.Buffer

	// progressive encryption
	rawSize     uint32
	progStore   *crypt.MemStore
	progStream  *crypt.BlockStream
	progWritten int64
}

// newCryptoHandler creates a handler bound to the protector's policy.
// The protector reference is non-owning; the handler never outlives it.
func newCryptoHandler(p *PDFProtector) *CryptoHandler {
	return &CryptoHandler{protector: p}
}

// ensureProvider creates the crypto provider on first use.
func (h *CryptoHandler) ensureProvider() (crypt.CryptoProvider, error) {
	if h.provider != nil {
		return h.provider, nil
	}
	pol := h.protector.userPolicy
	if pol == nil {
		return nil, trace.Wrap(policy.ErrNoPolicy)
	}
	provider, err := pol.CryptoProvider()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.provider = provider
	return provider, nil
}

// EncryptGetSize implements objmodel.CryptoHandler. The result is an
// upper bound: the length prefix plus padding past the next 16-byte
// boundary.
func (h *CryptoHandler) EncryptGetSize(srcSize uint32) uint32 {
	size := srcSize + lengthPrefixSize
	return size + (16 - size%16)
}

// EncryptContent implements objmodel.CryptoHandler: the object payload
// is framed with a big-endian length prefix and pushed through a fresh
// protected stream over an in-memory store.
func (h *CryptoHandler) EncryptContent(objNum, genNum uint32, src []byte) ([]byte, error) {
	provider, err := h.ensureProvider()
	if err != nil {
		return nil, err
	}
	framed := make([]byte, lengthPrefixSize+len(src))
	binary.BigEndian.PutUint32(framed, uint32(len(src)))
	copy(framed[lengthPrefixSize:], src)

	store := crypt.NewMemStore()
	stream := crypt.NewBlockStream(provider.Clone(), store, 0, 0)
	if _, err := stream.WriteAt(framed, 0); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := stream.Flush(); err != nil {
		return nil, trace.Wrap(err)
	}
	return store.Bytes()[:crypt.EncryptedSize(provider, int64(len(framed)))], nil
}

// ProgressiveEncryptStart implements objmodel.CryptoHandler. Objects at
// or below the threshold are rejected; the object model falls back to
// EncryptContent for them.
func (h *CryptoHandler) ProgressiveEncryptStart(objNum, genNum, rawSize uint32) bool {
	if h.state != stateIdle || rawSize <= minRawSize {
		return false
	}
	h.state = stateProgressiveStarted
	h.objNum = objNum
	h.rawSize = rawSize
	return true
}

// ProgressiveEncryptContent implements objmodel.CryptoHandler. The
// first chunk allocates the pending ciphertext stream and writes the
// length prefix; later chunks append.
func (h *CryptoHandler) ProgressiveEncryptContent(objNum, genNum uint32, chunk []byte) error {
	switch h.state {
	case stateProgressiveStarted:
		provider, err := h.ensureProvider()
		if err != nil {
			h.resetProgressive()
			return err
		}
		h.progStore = crypt.NewMemStore()
		h.progStream = crypt.NewBlockStream(provider.Clone(), h.progStore, 0, 0)
		var prefix [lengthPrefixSize]byte
		binary.BigEndian.PutUint32(prefix[:], h.rawSize)
		if _, err := h.progStream.WriteAt(prefix[:], 0); err != nil {
			h.resetProgressive()
			return trace.Wrap(err)
		}
		h.progWritten = lengthPrefixSize
		h.state = stateProgressiveStreaming
	case stateProgressiveStreaming:
	default:
		return trace.Wrap(ErrHandlerState)
	}

	if _, err := h.progStream.WriteAt(chunk, h.progWritten); err != nil {
		h.resetProgressive()
		return trace.Wrap(err)
	}
	h.progWritten += int64(len(chunk))
	return nil
}

// ProgressiveEncryptFinish implements objmodel.CryptoHandler: flushes
// the pending stream, returns the ciphertext and releases all
// per-object state.
func (h *CryptoHandler) ProgressiveEncryptFinish() ([]byte, error) {
	if h.state != stateProgressiveStreaming {
		h.resetProgressive()
		return nil, trace.Wrap(ErrHandlerState)
	}
	defer h.resetProgressive()
	if err := h.progStream.Flush(); err != nil {
		return nil, trace.Wrap(err)
	}
	provider, err := h.ensureProvider()
	if err != nil {
		return nil, err
	}
	return h.progStore.Bytes()[:crypt.EncryptedSize(provider, h.progWritten)], nil
}

// resetProgressive releases progressive state on every exit path.
func (h *CryptoHandler) resetProgressive() {
	h.state = stateIdle
	h.objNum = 0
	h.rawSize = 0
	h.progStore = nil
	h.progStream = nil
	h.progWritten = 0
}

// DecryptGetSize implements objmodel.CryptoHandler.
func (h *CryptoHandler) DecryptGetSize(srcSize uint32) uint32 {
	return srcSize
}

// DecryptStart implements objmodel.CryptoHandler. Starting a new object
// discards any unfinished one.
func (h *CryptoHandler) DecryptStart(objNum, genNum uint32) {
	h.resetProgressive()
	h.pending.Reset()
	h.state = stateDecrypting
	h.objNum = objNum
}

// DecryptChunk implements objmodel.CryptoHandler.
func (h *CryptoHandler) DecryptChunk(chunk []byte) error {
	if h.state != stateDecrypting {
		return trace.Wrap(ErrHandlerState)
	}
	h.pending.Write(chunk)
	return nil
}

// DecryptFinish implements objmodel.CryptoHandler: decrypts the
// accumulated ciphertext and returns exactly the number of plaintext
// bytes named by the big-endian length prefix.
func (h *CryptoHandler) DecryptFinish() ([]byte, error) {
	if h.state != stateDecrypting {
		return nil, trace.Wrap(ErrHandlerState)
	}
	defer func() {
		h.pending.Reset()
		h.state = stateIdle
		h.objNum = 0
	}()

	count := int64(h.pending.Len())
	if count == 0 {
		return nil, nil
	}
	provider, err := h.ensureProvider()
	if err != nil {
		return nil, err
	}
	store := crypt.NewMemStoreFrom(h.pending.Bytes())
	stream, err := crypt.NewBlockStreamReader(provider.Clone(), store, 0, count)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	size := stream.Size()
	if size < lengthPrefixSize {
		return nil, trace.Wrap(crypt.ErrCipherFailure)
	}
	plain := make([]byte, size)
	if _, err := stream.ReadAt(plain, 0); err != nil {
		return nil, trace.Wrap(err)
	}
	n := int64(binary.BigEndian.Uint32(plain[:lengthPrefixSize]))
	if lengthPrefixSize+n > size {
		return nil, trace.Wrap(crypt.ErrCipherFailure)
	}
	return plain[lengthPrefixSize : lengthPrefixSize+n], nil
}

// SecurityHandler acquires the user policy for a publishing license and
// hands out the crypto handler bound to it.
type SecurityHandler struct {
	protector *PDFProtector
	user      policy.UserContext
	opts      UnprotectOptions

	handler *CryptoHandler
}

// newSecurityHandler creates a handler for one unprotect operation.
func newSecurityHandler(p *PDFProtector, user policy.UserContext, opts UnprotectOptions) *SecurityHandler {
	return &SecurityHandler{protector: p, user: user, opts: opts}
}

// OnInit implements objmodel.SecurityHandler: acquires the policy,
// verifies the owner right and stores the policy on the protector.
func (h *SecurityHandler) OnInit(ctx context.Context, publishingLicense []byte) error {
	acquire := policy.AcquireOptions{
		OfflineOnly: h.opts.OfflineOnly,
		Cache:       policy.CacheNone,
	}
	if h.opts.UseCache {
		acquire.Cache = policy.CacheInMemory | policy.CacheOnDisk | policy.CacheCrypted
	}

	result, err := h.protector.service.Acquire(ctx, publishingLicense, h.user, acquire)
	if err != nil {
		if cancelled(err) {
			return trace.Wrap(ErrOperationCancelled)
		}
		return trace.Wrap(err)
	}
	if result.Status != policy.StatusSuccess {
		h.protector.log.Error("policy acquisition unsuccessful", "status", result.Status.String())
		return trace.Wrap(ErrCannotAcquirePolicy, "status %s", result.Status)
	}
	if result.Policy == nil {
		h.protector.log.Error("policy acquisition returned no policy")
		return trace.Wrap(ErrInvalidArgument, "policy acquisition returned no policy")
	}
	if !result.Policy.IsIssuedToOwner() {
		h.protector.log.Error("policy not issued to owner", "user", h.user.UserID)
		return trace.Wrap(ErrRights)
	}
	h.protector.userPolicy = result.Policy
	return nil
}

// CryptoHandler implements objmodel.SecurityHandler, constructing the
// handler lazily.
func (h *SecurityHandler) CryptoHandler() objmodel.CryptoHandler {
	if h.handler == nil {
		h.handler = newCryptoHandler(h.protector)
	}
	return h.handler
}
