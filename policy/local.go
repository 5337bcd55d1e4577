package policy

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/openirm/irmfile/crypt"
)

// licenseEnvelope is the serialized form of a publishing license: the
// JSON body, an Ed25519 signature over it, and the signer fingerprint.
type licenseEnvelope struct {
	Body      []byte `json:"body"`
	Signature []byte `json:"signature"`
	KeyID     string `json:"key_id"`
}

// licenseBody is the signed license content.
type licenseBody struct {
	Version       int                 `json:"version"`
	Name          string              `json:"name,omitempty"`
	Description   string              `json:"description,omitempty"`
	Owner         string              `json:"owner"`
	UserRights    map[string][]string `json:"user_rights"`
	Cipher        string              `json:"cipher"`
	WrappedKey    []byte              `json:"wrapped_key"`
	SignedAppData map[string]string   `json:"signed_app_data,omitempty"`
	IssuedAt      time.Time           `json:"issued_at"`
}

const licenseVersion = 1

// LocalService is an offline policy service. It issues publishing
// licenses signed with an Ed25519 key and wraps the content key with a
// key derived from a service master secret, so protect and unprotect
// can run without a rights server.
type LocalService struct {
	signer ed25519.PrivateKey
	keyID  string
	wrap   cipher.AEAD
	clock  clockwork.Clock

	mu        sync.Mutex
	templates map[string]Descriptor
	cache     map[string]*UserPolicy
}

// NewLocalService creates a local service from a signing key and a
// master secret. The secret wraps content keys; losing it makes every
// license issued by the service unrecoverable.
func NewLocalService(signer ed25519.PrivateKey, secret []byte) (*LocalService, error) {
	kek := make([]byte, 16)
	r := hkdf.New(sha256.New, secret, nil, []byte("license-key-wrap"))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	pub := signer.Public().(ed25519.PublicKey)
	sum := sha3.Sum256(pub)
	return &LocalService{
		signer:    signer,
		keyID:     hex.EncodeToString(sum[:8]),
		wrap:      aead,
		clock:     clockwork.NewRealClock(),
		templates: make(map[string]Descriptor),
		cache:     make(map[string]*UserPolicy),
	}, nil
}

// SetClock replaces the clock used to stamp issued licenses.
func (s *LocalService) SetClock(clock clockwork.Clock) {
	s.clock = clock
}

// RegisterTemplate registers a descriptor under a template ID.
func (s *LocalService) RegisterTemplate(id string, desc Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[id] = desc
}

// CreateFromTemplate implements Service.
func (s *LocalService) CreateFromTemplate(ctx context.Context, tmpl TemplateDescriptor, user UserContext, opts CreationOptions) (*UserPolicy, error) {
	s.mu.Lock()
	desc, ok := s.templates[tmpl.ID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown template %q", ErrNoPolicy, tmpl.ID)
	}
	return s.CreateFromDescriptor(ctx, desc, user, opts)
}

// CreateFromDescriptor implements Service.
func (s *LocalService) CreateFromDescriptor(ctx context.Context, desc Descriptor, user UserContext, opts CreationOptions) (*UserPolicy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if desc.Owner == "" {
		desc.Owner = user.UserID
	}
	mode := crypt.CipherModeCBC4K
	if opts.PreferDeprecatedAlgorithms {
		mode = crypt.CipherModeECB
	}

	contentKey := make([]byte, 16)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, err
	}
	nonce := make([]byte, s.wrap.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	wrapped := s.wrap.Seal(nonce, nonce, contentKey, nil)

	body := licenseBody{
		Version:       licenseVersion,
		Name:          desc.Name,
		Description:   desc.Description,
		Owner:         desc.Owner,
		UserRights:    desc.UserRights,
		Cipher:        mode.String(),
		WrappedKey:    wrapped,
		SignedAppData: opts.SignedAppData,
		IssuedAt:      s.clock.Now().UTC(),
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	env := licenseEnvelope{
		Body:      raw,
		Signature: ed25519.Sign(s.signer, raw),
		KeyID:     s.keyID,
	}
	serialized, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	rights := desc.UserRights[user.UserID]
	if user.UserID == desc.Owner {
		rights = append([]string{RightOwner}, rights...)
	}
	return NewUserPolicy(desc, user.UserID, rights, mode, contentKey, serialized), nil
}

// Acquire implements Service. The local service never touches the
// network, so OfflineOnly is always satisfiable.
func (s *LocalService) Acquire(ctx context.Context, license []byte, user UserContext, opts AcquireOptions) (*AcquireResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var cacheKey string
	if opts.Cache&CacheInMemory != 0 {
		sum := sha3.Sum256(append(append([]byte{}, license...), user.UserID...))
		cacheKey = hex.EncodeToString(sum[:])
		s.mu.Lock()
		cached, ok := s.cache[cacheKey]
		s.mu.Unlock()
		if ok {
			return &AcquireResult{Status: StatusSuccess, Policy: cached}, nil
		}
	}

	var env licenseEnvelope
	if err := json.Unmarshal(license, &env); err != nil {
		return &AcquireResult{Status: StatusInvalidLicense}, nil
	}
	pub := s.signer.Public().(ed25519.PublicKey)
	if !ed25519.Verify(pub, env.Body, env.Signature) {
		return &AcquireResult{Status: StatusInvalidLicense}, nil
	}
	var body licenseBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return &AcquireResult{Status: StatusInvalidLicense}, nil
	}
	if body.Version != licenseVersion {
		return &AcquireResult{Status: StatusInvalidLicense}, nil
	}

	mode, ok := parseCipher(body.Cipher)
	if !ok {
		return &AcquireResult{Status: StatusInvalidLicense}, nil
	}
	if len(body.WrappedKey) < s.wrap.NonceSize() {
		return &AcquireResult{Status: StatusInvalidLicense}, nil
	}
	nonce := body.WrappedKey[:s.wrap.NonceSize()]
	contentKey, err := s.wrap.Open(nil, nonce, body.WrappedKey[s.wrap.NonceSize():], nil)
	if err != nil {
		return &AcquireResult{Status: StatusInvalidLicense}, nil
	}

	rights := body.UserRights[user.UserID]
	if user.UserID == body.Owner {
		rights = append([]string{RightOwner}, rights...)
	}
	if len(rights) == 0 {
		return &AcquireResult{Status: StatusNoRights}, nil
	}

	desc := Descriptor{
		Name:        body.Name,
		Description: body.Description,
		Owner:       body.Owner,
		UserRights:  body.UserRights,
	}
	pol := NewUserPolicy(desc, user.UserID, rights, mode, contentKey, license)

	if cacheKey != "" {
		s.mu.Lock()
		s.cache[cacheKey] = pol
		s.mu.Unlock()
	}
	return &AcquireResult{Status: StatusSuccess, Policy: pol}, nil
}

// parseCipher maps a license cipher name to a mode.
func parseCipher(name string) (crypt.CipherMode, bool) {
	switch name {
	case crypt.CipherModeECB.String():
		return crypt.CipherModeECB, true
	case crypt.CipherModeCBC512.String():
		return crypt.CipherModeCBC512, true
	case crypt.CipherModeCBC4K.String():
		return crypt.CipherModeCBC4K, true
	}
	return 0, false
}
