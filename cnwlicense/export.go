package cnwlicense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

func projection(lic *License) Payload {
	return Payload{
		Key:       lic.Key,
		Tier:      lic.Tier,
		ProductID: lic.ProductID,
		IssuedTo:  lic.IssuedTo,
		ExpiresAt: lic.ExpiresAt,
		Limits:    lic.Limits,
	}
}

// Export returns the HMAC-signed payload of a license.
func (e *Engine) Export(ctx context.Context, key string) (*Payload, error) {
	if e.keys.hmac == nil {
		return nil, fmt.Errorf("%w: signing secret", ErrNotConfigured)
	}
	lic, err := e.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	p := projection(lic)
	if p.Sig, err = e.keys.hmac.Sign(p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ExportFile returns the license file of a license: the HMAC-signed payload
// sealed into an envelope.
func (e *Engine) ExportFile(ctx context.Context, key string) (string, error) {
	if e.keys.codec == nil {
		return "", fmt.Errorf("%w: encryption key", ErrNotConfigured)
	}
	p, err := e.Export(ctx, key)
	if err != nil {
		return "", err
	}
	plaintext, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return e.keys.codec.Seal(plaintext)
}

// ExportOffline returns the payload of a license signed on the key-pair
// surface. It can be checked with an OfflineValidator holding only the
// public key.
func (e *Engine) ExportOffline(ctx context.Context, key string) (*Payload, error) {
	if e.keys.keyPair == nil {
		return nil, fmt.Errorf("%w: signing key", ErrNotConfigured)
	}
	lic, err := e.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	p := projection(lic)
	if p.Signature, err = e.keys.keyPair.Sign(p); err != nil {
		return nil, err
	}
	return &p, nil
}

// VerifyPayload checks a raw HMAC-signed payload. In order it requires a
// well-formed payload, a valid signature and an unexpired expires_at, then
// checks the stored license with CheckValid.
//
// The error is reserved for store faults and missing configuration.
func (e *Engine) VerifyPayload(ctx context.Context, raw []byte) (VerifyResult, error) {
	if e.keys.hmac == nil {
		return VerifyResult{}, fmt.Errorf("%w: signing secret", ErrNotConfigured)
	}
	p, err := decodePayload(raw, FieldSig)
	if err != nil {
		return VerifyResult{Reason: ReasonMalformed}, nil
	}
	if !e.keys.hmac.Verify(json.RawMessage(raw)) {
		return VerifyResult{Reason: ReasonInvalidSignature}, nil
	}
	if e.now().After(p.ExpiresAt) {
		return VerifyResult{Reason: ReasonExpired, Payload: p}, nil
	}
	check, err := e.CheckValid(ctx, p.Key)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{Valid: check.Valid, Reason: check.Reason, Payload: p}, nil
}

// VerifyFile opens a license file and verifies the payload inside it.
// An envelope that fails to open is reported as malformed.
func (e *Engine) VerifyFile(ctx context.Context, envelope string) (VerifyResult, error) {
	if e.keys.codec == nil {
		return VerifyResult{}, fmt.Errorf("%w: encryption key", ErrNotConfigured)
	}
	plaintext, err := e.keys.codec.Open(strings.TrimSpace(envelope))
	if err != nil {
		if errors.Is(err, ErrDecryption) {
			return VerifyResult{Reason: ReasonMalformed}, nil
		}
		return VerifyResult{}, err
	}
	return e.VerifyPayload(ctx, plaintext)
}
