package access

import "errors"

// Verification failures. All are terminal for the request; a failed
// verification is never retried.
var (
	// ErrInvalidFormat indicates the credential does not match the issued wire format.
	ErrInvalidFormat = errors.New("access: invalid credential format")
	// ErrCredentialNotFound indicates no credential exists for the presented hash.
	ErrCredentialNotFound = errors.New("access: credential not found")
	// ErrCredentialInactive indicates the credential or its account is disabled or revoked.
	ErrCredentialInactive = errors.New("access: credential inactive")
	// ErrCredentialExpired indicates the credential passed its expiry instant.
	ErrCredentialExpired = errors.New("access: credential expired")
	// ErrStoreUnavailable indicates the ledger store could not be reached; callers may retry.
	ErrStoreUnavailable = errors.New("access: credential store unavailable")
)
