package cnwlicense

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// signOffline mimics ExportOffline: sign the payload on the key-pair
// surface, then marshal it with the signature attached.
func signOffline(t *testing.T, s *KeyPairSigner, p Payload) []byte {
	t.Helper()
	sig, err := s.Sign(p)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p.Signature = sig
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func testPayload(key string, expires time.Time) Payload {
	return Payload{
		Key:       key,
		Tier:      "enterprise",
		ProductID: "cnw-gateway",
		IssuedTo:  "acme",
		ExpiresAt: expires,
		Limits: Limits{
			Metrics:  map[string]int64{"users": 25},
			Features: []string{"sso"},
		},
	}
}

func newEd25519Signer(t *testing.T) (ed25519.PublicKey, *KeyPairSigner) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewKeyPairSigner(priv)
	if err != nil {
		t.Fatal(err)
	}
	return pub, s
}

func TestOfflineValidator_Verify_WithTrustedKey(t *testing.T) {
	pub, s := newEd25519Signer(t)
	raw := signOffline(t, s, testPayload("CNW-TEST-1234", time.Now().Add(24*time.Hour)))

	v := NewOfflineValidator(WithTrustedPublicKey(base64.StdEncoding.EncodeToString(pub)))
	p, err := v.Verify(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Key != "CNW-TEST-1234" {
		t.Errorf("expected license key CNW-TEST-1234, got %s", p.Key)
	}
	if p.Tier != "enterprise" {
		t.Errorf("expected tier enterprise, got %s", p.Tier)
	}
	if got, _ := p.Limits.Ceiling("users"); got != 25 {
		t.Errorf("expected users limit 25, got %d", got)
	}
}

func TestOfflineValidator_Verify_ECDSA(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewKeyPairSigner(priv)
	if err != nil {
		t.Fatal(err)
	}
	raw := signOffline(t, s, testPayload("CNW-EC", time.Now().Add(time.Hour)))

	v := NewOfflineValidator(WithPublicKey(&priv.PublicKey))
	if _, err := v.Verify(raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOfflineValidator_Verify_PublicKeyOverridesTrusted(t *testing.T) {
	pub, s := newEd25519Signer(t)
	otherPub, _ := newEd25519Signer(t)
	raw := signOffline(t, s, testPayload("CNW-TEST", time.Now().Add(time.Hour)))

	v := NewOfflineValidator(
		WithTrustedPublicKey(base64.StdEncoding.EncodeToString(otherPub)),
		WithPublicKey(pub),
	)
	if _, err := v.Verify(raw); err != nil {
		t.Fatalf("WithPublicKey should take precedence: %v", err)
	}
}

func TestOfflineValidator_Verify_Expired(t *testing.T) {
	pub, s := newEd25519Signer(t)
	expires := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	raw := signOffline(t, s, testPayload("CNW-EXPIRED", expires))

	tests := []struct {
		name    string
		now     time.Time
		wantErr error
	}{
		{"before", expires.Add(-time.Second), nil},
		{"equal", expires, nil},
		{"after", expires.Add(time.Nanosecond), ErrLicenseExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewOfflineValidator(WithPublicKey(pub), WithOfflineClock(func() time.Time { return tt.now }))
			p, err := v.Verify(raw)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			// Data is returned even when expired.
			if p == nil || p.Key != "CNW-EXPIRED" {
				t.Errorf("expected payload to be returned, got %+v", p)
			}
		})
	}
}

func TestOfflineValidator_Verify_TamperedData(t *testing.T) {
	pub, s := newEd25519Signer(t)
	raw := signOffline(t, s, testPayload("CNW-TAMPER", time.Now().Add(time.Hour)))

	tampered := strings.Replace(string(raw), `"users":25`, `"users":2500`, 1)
	if tampered == string(raw) {
		t.Fatal("tamper did not change the payload")
	}
	v := NewOfflineValidator(WithPublicKey(pub))
	if _, err := v.Verify([]byte(tampered)); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestOfflineValidator_Verify_KeyOrderIndependent(t *testing.T) {
	pub, s := newEd25519Signer(t)
	raw := signOffline(t, s, testPayload("CNW-ORDER", time.Now().Add(time.Hour)))

	// Re-encode through a map so the field order changes.
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	reordered, _ := json.MarshalIndent(m, "", "  ")

	v := NewOfflineValidator(WithPublicKey(pub))
	if _, err := v.Verify(reordered); err != nil {
		t.Errorf("reformatted payload should still verify: %v", err)
	}
}

func TestOfflineValidator_Verify_WrongKey(t *testing.T) {
	_, s := newEd25519Signer(t)
	otherPub, _ := newEd25519Signer(t)
	raw := signOffline(t, s, testPayload("CNW-WRONG", time.Now().Add(time.Hour)))

	v := NewOfflineValidator(WithTrustedPublicKey(base64.StdEncoding.EncodeToString(otherPub)))
	if _, err := v.Verify(raw); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestOfflineValidator_Verify_InvalidJSON(t *testing.T) {
	v := NewOfflineValidator()
	_, err := v.Verify([]byte("not json"))
	if !errors.Is(err, ErrLicenseFileInvalid) {
		t.Errorf("expected ErrLicenseFileInvalid, got %v", err)
	}
}

func TestOfflineValidator_Verify_MissingFields(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", `{}`},
		{"no expiry", `{"key":"CNW-1","signature":"abc"}`},
		{"no signature", `{"key":"CNW-1","expires_at":"2030-01-01T00:00:00Z"}`},
		{"hmac only", `{"key":"CNW-1","expires_at":"2030-01-01T00:00:00Z","sig":"abcd"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewOfflineValidator()
			if _, err := v.Verify([]byte(tt.raw)); !errors.Is(err, ErrLicenseFileInvalid) {
				t.Errorf("expected ErrLicenseFileInvalid, got %v", err)
			}
		})
	}
}

func TestOfflineValidator_Verify_NoPublicKey(t *testing.T) {
	v := NewOfflineValidator()
	_, err := v.Verify([]byte(`{"key":"CNW-1","expires_at":"2030-01-01T00:00:00Z","signature":"abc"}`))
	if !errors.Is(err, ErrPublicKeyInvalid) {
		t.Errorf("expected ErrPublicKeyInvalid, got %v", err)
	}
}

func TestOfflineValidator_Verify_BadTrustedKey(t *testing.T) {
	raw := []byte(`{"key":"CNW-1","expires_at":"2030-01-01T00:00:00Z","signature":"abc"}`)
	for _, key := range []string{"%%%", base64.StdEncoding.EncodeToString([]byte("short"))} {
		v := NewOfflineValidator(WithTrustedPublicKey(key))
		if _, err := v.Verify(raw); !errors.Is(err, ErrPublicKeyInvalid) {
			t.Errorf("key %q: expected ErrPublicKeyInvalid, got %v", key, err)
		}
	}
}

func TestOfflineValidator_VerifyFile(t *testing.T) {
	pub, s := newEd25519Signer(t)
	raw := signOffline(t, s, testPayload("CNW-FILE-TEST", time.Now().Add(24*time.Hour)))

	filePath := filepath.Join(t.TempDir(), "license.json")
	if err := os.WriteFile(filePath, raw, 0644); err != nil {
		t.Fatal(err)
	}

	v := NewOfflineValidator(WithPublicKey(pub))
	p, err := v.VerifyFile(filePath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Key != "CNW-FILE-TEST" {
		t.Errorf("expected license key CNW-FILE-TEST, got %s", p.Key)
	}
}

func TestOfflineValidator_VerifyFile_NotFound(t *testing.T) {
	v := NewOfflineValidator()
	_, err := v.VerifyFile("/nonexistent/license.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
