// Package canonical implements the OSP signature plane: RFC 8785 (JSON
// Canonicalization Scheme) serialization, SHA-256 content hashing, and
// detached signatures over canonical bytes.
//
// Canonicalization guarantees that two semantically equal JSON values
// produce byte-identical output, which makes signatures independent of the
// sender's JSON representation.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonicalize returns the RFC 8785 canonical bytes for any JSON-compatible
// value: object keys sorted by code point, minimal escaping, ES6 number
// formatting. NaN and Infinity are rejected at the marshal step.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	return CanonicalizeRaw(raw)
}

// CanonicalizeRaw canonicalizes an already-serialized JSON document.
// Used on the request path where the raw body bytes are in hand.
func CanonicalizeRaw(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Hash returns the hex SHA-256 digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the hex SHA-256 digest of raw bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
