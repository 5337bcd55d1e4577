package protector

import "github.com/openirm/irmfile/policy"

// CryptoOptions selects the content cipher for protection.
type CryptoOptions int

const (
	// CryptoAES128CBC4K is the default content cipher.
	CryptoAES128CBC4K CryptoOptions = iota
	// CryptoAES128ECB selects the deprecated ECB cipher for
	// compatibility with older consumers.
	CryptoAES128ECB
)

// ProtectOptions controls a protect operation.
type ProtectOptions struct {
	// AllowAuditedExtraction permits audited content extraction.
	AllowAuditedExtraction bool
	// Crypto selects the content cipher.
	Crypto CryptoOptions
	// SignedAppData is application data sealed into the license.
	SignedAppData map[string]string
}

// creationOptions maps protect options to policy creation options.
func (o ProtectOptions) creationOptions() policy.CreationOptions {
	return policy.CreationOptions{
		AllowAuditedExtraction:     o.AllowAuditedExtraction,
		PreferDeprecatedAlgorithms: o.Crypto == CryptoAES128ECB,
		SignedAppData:              o.SignedAppData,
	}
}

// UnprotectOptions controls an unprotect operation.
type UnprotectOptions struct {
	// OfflineOnly forbids network access during policy acquisition.
	OfflineOnly bool
	// UseCache permits policy caching in memory and on disk (encrypted).
	UseCache bool
}

// Result is the outcome of an unprotect operation.
type Result int

const (
	ResultFailure Result = iota
	ResultSuccess
)

// String returns the result name.
func (r Result) String() string {
	if r == ResultSuccess {
		return "Success"
	}
	return "Failure"
}
