package canonical

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
)

// KeyPair holds generated key material. For the asymmetric algorithms
// Private and Public are PEM; for HS256/HS512 Private is the base64
// secret and Public is nil.
type KeyPair struct {
	Alg     string
	Private []byte
	Public  []byte
}

// GenerateKey creates a fresh key pair (or HMAC secret) for alg.
func GenerateKey(alg string) (*KeyPair, error) {
	if strings.HasPrefix(alg, "HS") {
		n := 32
		if alg == "HS512" {
			n = 64
		}
		secret := make([]byte, n)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("canonical: generate secret: %w", err)
		}
		encoded := []byte(base64.StdEncoding.EncodeToString(secret))
		return &KeyPair{Alg: alg, Private: encoded}, nil
	}

	var priv any
	var err error
	switch alg {
	case "ES256":
		priv, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		priv, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		priv, err = ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case "RS256", "RS384", "RS512":
		priv, err = rsa.GenerateKey(rand.Reader, 2048)
	case "EdDSA":
		_, priv, err = ed25519.GenerateKey(rand.Reader)
	default:
		return nil, fmt.Errorf("canonical: unsupported algorithm for key generation: %q", alg)
	}
	if err != nil {
		return nil, fmt.Errorf("canonical: generate %s key: %w", alg, err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(publicOf(priv))
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal public key: %w", err)
	}

	return &KeyPair{
		Alg:     alg,
		Private: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}),
		Public:  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
	}, nil
}

func publicOf(priv any) any {
	switch k := priv.(type) {
	case *ecdsa.PrivateKey:
		return &k.PublicKey
	case *rsa.PrivateKey:
		return &k.PublicKey
	case ed25519.PrivateKey:
		return k.Public()
	}
	return nil
}
