package cnwlicense

import (
	"crypto"
	"time"
)

// OfflineOption configures an OfflineValidator.
type OfflineOption func(*OfflineValidator)

// WithTrustedPublicKey sets a trusted Ed25519 public key (base64-encoded).
func WithTrustedPublicKey(base64PubKey string) OfflineOption {
	return func(v *OfflineValidator) {
		v.trustedPublicKey = base64PubKey
	}
}

// WithPublicKey sets the trusted public key directly. It may be an Ed25519,
// RSA or ECDSA key, for example one returned by ParsePublicKeyPEM.
// It takes precedence over WithTrustedPublicKey.
func WithPublicKey(pub crypto.PublicKey) OfflineOption {
	return func(v *OfflineValidator) {
		v.publicKey = pub
	}
}

// WithOfflineClock overrides the clock used for the expiry check.
func WithOfflineClock(now func() time.Time) OfflineOption {
	return func(v *OfflineValidator) {
		v.now = now
	}
}
