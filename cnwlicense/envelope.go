package cnwlicense

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Envelope layout: base64(nonce ‖ tag ‖ ciphertext).
const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithFixedNonce makes every Seal reuse nonce. It exists only to produce
// deterministic envelopes in tests: reusing a nonce under one key breaks
// AES-GCM. NewCodec rejects a nonce that is not NonceSize bytes.
func WithFixedNonce(nonce []byte) CodecOption {
	return func(c *Codec) {
		c.fixedNonce = append([]byte{}, nonce...)
		c.hasFixedNonce = true
	}
}

// Codec seals and opens license envelopes with AES-256-GCM.
// It is safe for concurrent use.
type Codec struct {
	aead          cipher.AEAD
	fixedNonce    []byte
	hasFixedNonce bool
	rand          io.Reader
}

// NewCodec creates a codec for the given 256-bit key.
func NewCodec(key []byte, opts ...CodecOption) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: encryption key must be %d bytes, got %d", ErrConfiguration, KeySize, len(key))
	}
	c := &Codec{rand: rand.Reader}
	for _, opt := range opts {
		opt(c)
	}
	if c.hasFixedNonce && len(c.fixedNonce) != NonceSize {
		return nil, fmt.Errorf("%w: fixed nonce must be %d bytes, got %d", ErrConfiguration, NonceSize, len(c.fixedNonce))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	c.aead, err = cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return c, nil
}

// Seal encrypts plaintext under a fresh random nonce and returns the
// base64 envelope.
func (c *Codec) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, NonceSize)
	if c.hasFixedNonce {
		copy(nonce, c.fixedNonce)
	} else if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	// GCM appends the tag to the ciphertext; the envelope puts it first.
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	out := make([]byte, 0, NonceSize+TagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts an envelope produced by Seal. Any failure, including a
// truncated or non-base64 input, returns ErrDecryption and no plaintext.
func (c *Codec) Open(envelope string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrDecryption)
	}
	if len(data) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: envelope too short", ErrDecryption)
	}
	nonce, tag, ct := data[:NonceSize], data[NonceSize:NonceSize+TagSize], data[NonceSize+TagSize:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	return plaintext, nil
}
