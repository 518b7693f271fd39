package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/openskills/osp-server/internal/canonical"
)

// SignatureVerifier checks the X-OSP-Signature header against the
// canonical form of the request body. In strict mode unsigned or
// badly-signed requests are rejected with 401; in soft mode they are
// logged and admitted.
type SignatureVerifier struct {
	publicKey []byte
	strict    bool
}

func NewSignatureVerifier(publicKeyPEM []byte, strict bool) *SignatureVerifier {
	return &SignatureVerifier{publicKey: publicKeyPEM, strict: strict}
}

func (sv *SignatureVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(sv.publicKey) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			unauthorized(w, "SIGNATURE_BODY_UNREADABLE", "Request body could not be read")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		sig := r.Header.Get("X-OSP-Signature")
		alg := r.Header.Get("X-OSP-Alg")
		if alg == "" {
			alg = "ES256"
		}

		switch {
		case sig == "":
			if sv.strict {
				unauthorized(w, "SIGNATURE_MISSING", "X-OSP-Signature header required")
				return
			}
			log.Warn().Str("path", r.URL.Path).Msg("unsigned request admitted (soft enforcement)")
		case !canonical.VerifyRaw(body, sig, sv.publicKey, alg):
			if sv.strict {
				unauthorized(w, "SIGNATURE_INVALID", "Signature verification failed")
				return
			}
			log.Warn().Str("path", r.URL.Path).Str("alg", alg).Msg("invalid signature admitted (soft enforcement)")
		}

		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"error":       msg,
		"reason_code": code,
	})
}
