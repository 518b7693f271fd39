package canonical

import (
	"encoding/base64"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Algorithms supported by the signature plane. The JOSE names double as
// the X-OSP-Alg header values.
var Algorithms = []string{
	"ES256", "ES384", "ES512",
	"RS256", "RS384", "RS512",
	"EdDSA", "HS256", "HS512",
}

// AlgSupported reports whether alg is one of the nine supported algorithms.
func AlgSupported(alg string) bool {
	for _, a := range Algorithms {
		if a == alg {
			return true
		}
	}
	return false
}

// Sign canonicalizes v and returns a detached base64 signature.
// key is a PEM-encoded private key for the asymmetric algorithms, or the
// raw (optionally base64-encoded) secret for HS256/HS512.
func Sign(v any, key []byte, alg string) (string, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return SignBytes(canon, key, alg)
}

// SignBytes signs pre-canonicalized bytes.
func SignBytes(canon, key []byte, alg string) (string, error) {
	if !AlgSupported(alg) {
		return "", fmt.Errorf("canonical: unsupported algorithm %q", alg)
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return "", fmt.Errorf("canonical: no signing method for %q", alg)
	}
	signer, err := privateKeyFor(alg, key)
	if err != nil {
		return "", err
	}
	sig, err := method.Sign(string(canon), signer)
	if err != nil {
		return "", fmt.Errorf("canonical: sign %s: %w", alg, err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a detached base64 signature over the canonical form of v.
// It returns false, never an error, on malformed signatures, wrong
// algorithms, wrong key types or cryptographic mismatch. key is a PEM
// public key for asymmetric algorithms or the HMAC secret.
func Verify(v any, signatureB64 string, key []byte, alg string) bool {
	canon, err := Canonicalize(v)
	if err != nil {
		return false
	}
	return VerifyBytes(canon, signatureB64, key, alg)
}

// VerifyRaw verifies a signature over a raw JSON document, canonicalizing
// it first. Used by the request signature middleware.
func VerifyRaw(raw []byte, signatureB64 string, key []byte, alg string) bool {
	canon, err := CanonicalizeRaw(raw)
	if err != nil {
		return false
	}
	return VerifyBytes(canon, signatureB64, key, alg)
}

// VerifyBytes verifies a detached signature over pre-canonicalized bytes.
func VerifyBytes(canon []byte, signatureB64 string, key []byte, alg string) bool {
	if !AlgSupported(alg) {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return false
	}
	verifier, err := publicKeyFor(alg, key)
	if err != nil {
		return false
	}
	return method.Verify(string(canon), sig, verifier) == nil
}

// privateKeyFor parses key material into the type the signing method wants.
func privateKeyFor(alg string, key []byte) (any, error) {
	switch alg[:2] {
	case "ES":
		k, err := jwt.ParseECPrivateKeyFromPEM(key)
		if err != nil {
			return nil, fmt.Errorf("canonical: parse EC private key: %w", err)
		}
		return k, nil
	case "RS":
		k, err := jwt.ParseRSAPrivateKeyFromPEM(key)
		if err != nil {
			return nil, fmt.Errorf("canonical: parse RSA private key: %w", err)
		}
		return k, nil
	case "Ed":
		k, err := jwt.ParseEdPrivateKeyFromPEM(key)
		if err != nil {
			return nil, fmt.Errorf("canonical: parse Ed25519 private key: %w", err)
		}
		return k, nil
	default: // HS
		return hmacSecret(key), nil
	}
}

func publicKeyFor(alg string, key []byte) (any, error) {
	switch alg[:2] {
	case "ES":
		return jwt.ParseECPublicKeyFromPEM(key)
	case "RS":
		return jwt.ParseRSAPublicKeyFromPEM(key)
	case "Ed":
		return jwt.ParseEdPublicKeyFromPEM(key)
	default:
		return hmacSecret(key), nil
	}
}

// hmacSecret accepts either the raw secret or its base64 encoding, the
// form GenerateKey emits.
func hmacSecret(key []byte) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(string(key)); err == nil && len(decoded) > 0 {
		return decoded
	}
	return key
}
