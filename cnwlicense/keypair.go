package cnwlicense

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// KeyPairSigner signs payloads with a private key so that holders of only
// the public key can verify them. Signatures are standard base64 and travel
// in the "signature" field.
//
// Ed25519 keys sign the canonical bytes directly; RSA (PKCS #1 v1.5) and
// ECDSA (ASN.1) keys sign their SHA-256 digest.
type KeyPairSigner struct {
	key crypto.Signer
}

// NewKeyPairSigner creates a signer for an Ed25519, RSA or ECDSA private key.
func NewKeyPairSigner(key crypto.Signer) (*KeyPairSigner, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: signing key is nil", ErrConfiguration)
	}
	if err := checkPublicKey(key.Public()); err != nil {
		return nil, err
	}
	return &KeyPairSigner{key: key}, nil
}

// PublicKey returns the public half of the signing key.
func (s *KeyPairSigner) PublicKey() crypto.PublicKey {
	return s.key.Public()
}

// Sign returns the base64 signature of the canonical form of payload.
func (s *KeyPairSigner) Sign(payload any) (string, error) {
	msg, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	var sig []byte
	if _, ok := s.key.Public().(ed25519.PublicKey); ok {
		sig, err = s.key.Sign(rand.Reader, msg, crypto.Hash(0))
	} else {
		digest := sha256.Sum256(msg)
		sig, err = s.key.Sign(rand.Reader, digest[:], crypto.SHA256)
	}
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// PublicKeyVerifier checks "signature" fields produced by a KeyPairSigner.
type PublicKeyVerifier struct {
	key crypto.PublicKey
}

// NewPublicKeyVerifier creates a verifier for an Ed25519, RSA or ECDSA
// public key.
func NewPublicKeyVerifier(pub crypto.PublicKey) (*PublicKeyVerifier, error) {
	if err := checkPublicKey(pub); err != nil {
		return nil, err
	}
	return &PublicKeyVerifier{key: pub}, nil
}

// Verify reports whether payload carries a valid "signature" field.
// Malformed input of any kind yields false.
func (v *PublicKeyVerifier) Verify(payload any) bool {
	obj, err := decodeObject(payload)
	if err != nil {
		return false
	}
	sigB64, ok := signatureField(obj, FieldSignature)
	if !ok {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	msg, err := encodeCanonical(obj)
	if err != nil {
		return false
	}

	switch pub := v.key.(type) {
	case ed25519.PublicKey:
		return len(sig) == ed25519.SignatureSize && ed25519.Verify(pub, msg, sig)
	case *rsa.PublicKey:
		digest := sha256.Sum256(msg)
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(msg)
		return ecdsa.VerifyASN1(pub, digest[:], sig)
	default:
		return false
	}
}

func checkPublicKey(pub crypto.PublicKey) error {
	switch k := pub.(type) {
	case ed25519.PublicKey:
		if len(k) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: key length %d, expected %d", ErrPublicKeyInvalid, len(k), ed25519.PublicKeySize)
		}
		return nil
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return nil
	default:
		return fmt.Errorf("%w: unsupported key type %T", ErrPublicKeyInvalid, pub)
	}
}

// ParsePrivateKeyPEM parses a PKCS #8, PKCS #1 (RSA) or SEC 1 (EC) private
// key in PEM form.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrConfiguration)
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported private key type %T", ErrConfiguration, key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: unrecognised private key in %q block", ErrConfiguration, block.Type)
}

// ParsePublicKeyPEM parses a PKIX public key in PEM form.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrPublicKeyInvalid)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPublicKeyInvalid, err)
	}
	if err := checkPublicKey(pub); err != nil {
		return nil, err
	}
	return pub, nil
}

// MarshalPublicKeyPEM encodes pub as a PKIX "PUBLIC KEY" PEM block.
func MarshalPublicKeyPEM(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPublicKeyInvalid, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
