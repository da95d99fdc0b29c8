package cnwlicense

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Signature fields never covered by the signed bytes.
const (
	FieldSig       = "sig"
	FieldSignature = "signature"
)

// Canonicalize returns the bytes a signature covers: payload encoded as a
// JSON object with keys sorted at every depth, no HTML escaping, numbers
// kept as written, and the sig and signature fields removed.
//
// payload may be a []byte or json.RawMessage holding a JSON object, or any
// value that encodes to one.
func Canonicalize(payload any) ([]byte, error) {
	obj, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	return encodeCanonical(obj)
}

func decodeObject(payload any) (map[string]any, error) {
	var raw []byte
	switch p := payload.(type) {
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if obj == nil {
		return nil, errors.New("decode payload: not a JSON object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode payload: trailing data")
	}
	return obj, nil
}

// encodeCanonical removes the signature fields from obj and encodes the rest.
func encodeCanonical(obj map[string]any) ([]byte, error) {
	delete(obj, FieldSig)
	delete(obj, FieldSignature)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, fmt.Errorf("encode canonical: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// signatureField extracts a string signature field from obj.
func signatureField(obj map[string]any, field string) (string, bool) {
	s, ok := obj[field].(string)
	return s, ok && s != ""
}
