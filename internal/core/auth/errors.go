package auth

import "errors"

// UNAUTHENTICATED for missing, malformed or unknown keys (does not confirm
// key existence). PERMISSION_DENIED for revoked keys. UNAVAILABLE when the
// key table cannot be read.
var (
	ErrMissingKey       = errors.New("API key required in x-api-key header")
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	ErrUnknownKey       = errors.New("unknown secret ID")
	ErrInvalidKey       = errors.New("invalid API key")
	ErrKeyRevoked       = errors.New("API key has been revoked")
	ErrUnavailable      = errors.New("API key lookup unavailable")
	ErrNoSecrets        = errors.New("no HMAC secrets configured")
	ErrKeyExists        = errors.New("API key name already in use")
	ErrKeyNotFound      = errors.New("no active API key with that name")
)
