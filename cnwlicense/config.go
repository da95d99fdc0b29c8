package cnwlicense

import (
	"crypto"
	"fmt"
)

// Config holds the key material of an Engine. A nil field disables the
// features that depend on it; those operations then fail with
// ErrNotConfigured.
type Config struct {
	// EncryptionKey is the 32-byte AES-256 key for license files.
	EncryptionKey []byte

	// FixedNonce forces a constant 12-byte nonce for license files.
	// Only for reproducible test vectors.
	FixedNonce []byte

	// SigningSecret is the HMAC-SHA256 secret for Export and VerifyPayload.
	SigningSecret []byte

	// SigningKey signs offline payloads. Ed25519, RSA and ECDSA keys are accepted.
	SigningKey crypto.Signer
}

type keyMaterial struct {
	codec   *Codec
	hmac    *HMACSigner
	keyPair *KeyPairSigner
}

func (c Config) build() (keyMaterial, error) {
	var km keyMaterial
	var err error
	if c.EncryptionKey != nil {
		var opts []CodecOption
		if c.FixedNonce != nil {
			opts = append(opts, WithFixedNonce(c.FixedNonce))
		}
		if km.codec, err = NewCodec(c.EncryptionKey, opts...); err != nil {
			return km, err
		}
	} else if c.FixedNonce != nil {
		return km, fmt.Errorf("%w: fixed nonce set without an encryption key", ErrConfiguration)
	}
	if c.SigningSecret != nil {
		if km.hmac, err = NewHMACSigner(c.SigningSecret); err != nil {
			return km, err
		}
	}
	if c.SigningKey != nil {
		if km.keyPair, err = NewKeyPairSigner(c.SigningKey); err != nil {
			return km, err
		}
	}
	return km, nil
}
