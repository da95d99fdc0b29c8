package cnwlicense

import (
	"crypto"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// OfflineValidator verifies key-pair signed license payloads without access
// to the server, for air-gapped installations. It accepts the output of
// Engine.ExportOffline.
type OfflineValidator struct {
	trustedPublicKey string // base64-encoded Ed25519 public key
	publicKey        crypto.PublicKey
	now              func() time.Time
}

// NewOfflineValidator creates a new offline license validator.
func NewOfflineValidator(opts ...OfflineOption) *OfflineValidator {
	v := &OfflineValidator{now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyFile reads a signed payload from disk and verifies it.
func (v *OfflineValidator) VerifyFile(filePath string) (*Payload, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read license file: %w", err)
	}
	return v.Verify(raw)
}

// Verify checks a raw JSON payload and returns the license it carries.
//
// The steps are:
//  1. Decode the payload and require key, expires_at and signature
//  2. Verify the signature over the canonical bytes with the trusted key
//  3. Check expiry; an expired payload is returned alongside ErrLicenseExpired
func (v *OfflineValidator) Verify(raw []byte) (*Payload, error) {
	p, err := decodePayload(raw, FieldSignature)
	if err != nil {
		return nil, err
	}

	verifier, err := v.verifier()
	if err != nil {
		return nil, err
	}
	if !verifier.Verify(json.RawMessage(raw)) {
		return nil, ErrSignatureInvalid
	}

	// Return data alongside the error so callers can still read the tier,
	// limits and key of an expired license.
	if v.now().After(p.ExpiresAt) {
		return p, ErrLicenseExpired
	}
	return p, nil
}

func (v *OfflineValidator) verifier() (*PublicKeyVerifier, error) {
	if v.publicKey != nil {
		return NewPublicKeyVerifier(v.publicKey)
	}
	if v.trustedPublicKey == "" {
		return nil, fmt.Errorf("%w: no trusted public key configured", ErrPublicKeyInvalid)
	}
	pubKeyBytes, err := base64.StdEncoding.DecodeString(v.trustedPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrPublicKeyInvalid, err)
	}
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: key length %d, expected %d", ErrPublicKeyInvalid, len(pubKeyBytes), ed25519.PublicKeySize)
	}
	return NewPublicKeyVerifier(ed25519.PublicKey(pubKeyBytes))
}

// decodePayload parses a signed payload and requires the fields every
// verifier depends on: key, expires_at and the named signature field.
func decodePayload(raw []byte, sigField string) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLicenseFileInvalid, err)
	}
	sig := p.Sig
	if sigField == FieldSignature {
		sig = p.Signature
	}
	switch {
	case p.Key == "":
		return nil, fmt.Errorf("%w: missing key", ErrLicenseFileInvalid)
	case p.ExpiresAt.IsZero():
		return nil, fmt.Errorf("%w: missing expires_at", ErrLicenseFileInvalid)
	case sig == "":
		return nil, fmt.Errorf("%w: missing %s", ErrLicenseFileInvalid, sigField)
	}
	return &p, nil
}
