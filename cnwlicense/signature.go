package cnwlicense

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HMACSigner signs payloads with HMAC-SHA256 under a server-held secret.
// Signatures are lowercase hex and travel in the "sig" field.
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner creates a signer. An empty secret is a configuration error.
func NewHMACSigner(secret []byte) (*HMACSigner, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: signing secret is empty", ErrConfiguration)
	}
	return &HMACSigner{secret: append([]byte{}, secret...)}, nil
}

// Sign returns the hex HMAC of the canonical form of payload.
func (s *HMACSigner) Sign(payload any) (string, error) {
	msg, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(s.mac(msg)), nil
}

// Verify reports whether payload carries a valid "sig" field. Malformed
// input of any kind yields false.
func (s *HMACSigner) Verify(payload any) bool {
	obj, err := decodeObject(payload)
	if err != nil {
		return false
	}
	sigHex, ok := signatureField(obj, FieldSig)
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sigHex)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	msg, err := encodeCanonical(obj)
	if err != nil {
		return false
	}
	return hmac.Equal(got, s.mac(msg))
}

func (s *HMACSigner) mac(msg []byte) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write(msg)
	return h.Sum(nil)
}
