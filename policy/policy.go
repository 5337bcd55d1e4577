// Package policy defines user policies, the policy service interface,
// and a local offline policy service for issuing and acquiring
// publishing licenses.
package policy

import (
	"context"
	"errors"

	"github.com/openirm/irmfile/crypt"
)

// Common errors
var (
	ErrNoPolicy       = errors.New("no user policy available")
	ErrInvalidLicense = errors.New("invalid publishing license")
)

// Rights a policy can grant.
const (
	RightOwner   = "OWNER"
	RightView    = "VIEW"
	RightEdit    = "EDIT"
	RightExtract = "EXTRACT"
)

// UserContext identifies the principal performing an operation.
type UserContext struct {
	// UserID is the principal's identity, usually an email address.
	UserID string
	// Token optionally carries an opaque credential for remote services.
	Token string
}

// CacheFlags controls how acquired policies may be cached.
type CacheFlags uint32

const (
	CacheNone     CacheFlags = 0
	CacheInMemory CacheFlags = 1 << 0
	CacheOnDisk   CacheFlags = 1 << 1
	CacheCrypted  CacheFlags = 1 << 2
)

// AcquireOptions controls policy acquisition.
type AcquireOptions struct {
	// OfflineOnly forbids network access during acquisition.
	OfflineOnly bool
	// Cache selects the permitted cache locations.
	Cache CacheFlags
}

// CreationOptions controls policy creation during protection.
type CreationOptions struct {
	// AllowAuditedExtraction permits audited content extraction.
	AllowAuditedExtraction bool
	// PreferDeprecatedAlgorithms selects AES-128 ECB instead of CBC-4K.
	PreferDeprecatedAlgorithms bool
	// SignedAppData is application data sealed into the license.
	SignedAppData map[string]string
}

// AcquireStatus classifies the outcome of an acquisition.
type AcquireStatus int

const (
	StatusSuccess AcquireStatus = iota
	StatusNoRights
	StatusInvalidLicense
	StatusError
)

// String returns the status name.
func (s AcquireStatus) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusNoRights:
		return "NoRights"
	case StatusInvalidLicense:
		return "InvalidLicense"
	default:
		return "Error"
	}
}

// AcquireResult is the outcome of a policy acquisition.
type AcquireResult struct {
	Status AcquireStatus
	Policy *UserPolicy
}

// TemplateDescriptor names a pre-registered policy template.
type TemplateDescriptor struct {
	ID          string
	Name        string
	Description string
}

// Descriptor describes a policy: its owner and the rights granted to
// each user.
type Descriptor struct {
	Name        string
	Description string
	Owner       string
	// UserRights maps a user identity to the rights granted to it.
	UserRights map[string][]string
}

// Service issues and acquires user policies. Implementations may talk
// to a remote rights-management service or work entirely offline.
type Service interface {
	// CreateFromTemplate creates a policy from a registered template.
	CreateFromTemplate(ctx context.Context, tmpl TemplateDescriptor, user UserContext, opts CreationOptions) (*UserPolicy, error)
	// CreateFromDescriptor creates a policy from an ad-hoc descriptor.
	CreateFromDescriptor(ctx context.Context, desc Descriptor, user UserContext, opts CreationOptions) (*UserPolicy, error)
	// Acquire resolves a serialized publishing license into a policy for
	// the given user.
	Acquire(ctx context.Context, license []byte, user UserContext, opts AcquireOptions) (*AcquireResult, error)
}

// UserPolicy is the capability object bound to one user and one
// protected document. It is immutable after construction and safe to
// share.
type UserPolicy struct {
	descriptor Descriptor
	issuedTo   string
	rights     []string
	mode       crypt.CipherMode
	contentKey []byte
	serialized []byte
}

// NewUserPolicy builds a policy. The content key is the symmetric key
// protecting the document; serialized is the publishing license embedded
// in protected containers.
func NewUserPolicy(desc Descriptor, issuedTo string, rights []string, mode crypt.CipherMode, contentKey, serialized []byte) *UserPolicy {
	return &UserPolicy{
		descriptor: desc,
		issuedTo:   issuedTo,
		rights:     rights,
		mode:       mode,
		contentKey: contentKey,
		serialized: serialized,
	}
}

// Descriptor returns the policy descriptor.
func (p *UserPolicy) Descriptor() Descriptor {
	return p.descriptor
}

// IssuedTo returns the identity the policy was issued to.
func (p *UserPolicy) IssuedTo() string {
	return p.issuedTo
}

// IsIssuedToOwner reports whether the policy was issued to the
// document's owner.
func (p *UserPolicy) IsIssuedToOwner() bool {
	if p.issuedTo != "" && p.issuedTo == p.descriptor.Owner {
		return true
	}
	return p.HasRight(RightOwner)
}

// HasRight reports whether the policy grants the given right.
func (p *UserPolicy) HasRight(right string) bool {
	for _, r := range p.rights {
		if r == right {
			return true
		}
	}
	return false
}

// UsesDeprecatedAlgorithms reports whether the content is protected
// with AES-128 ECB.
func (p *UserPolicy) UsesDeprecatedAlgorithms() bool {
	return p.mode == crypt.CipherModeECB
}

// CryptoProvider returns a provider over the policy's content key.
func (p *UserPolicy) CryptoProvider() (crypt.CryptoProvider, error) {
	return crypt.NewAESProvider(p.contentKey, p.mode)
}

// Serialized returns the publishing license bytes.
func (p *UserPolicy) Serialized() []byte {
	return p.serialized
}
