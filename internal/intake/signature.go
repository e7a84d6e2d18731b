package intake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrSignatureInvalid = errors.New("signature invalid")
)

// Verifier checks HMAC-SHA256 webhook signatures against per-provider
// shared secrets.
type Verifier struct {
	secrets map[string]string
}

// NewVerifier creates a verifier. Keys are provider names, values the
// shared signing secrets.
func NewVerifier(secrets map[string]string) *Verifier {
	return &Verifier{secrets: secrets}
}

// Verify checks the signature header for a raw payload. The header value is
// the lowercase hex HMAC, optionally prefixed "sha256=". Comparison is
// constant-time. No state is mutated on failure.
func (v *Verifier) Verify(provider string, payload []byte, header string) error {
	secret, ok := v.secrets[provider]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	given, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil || len(given) == 0 {
		return ErrSignatureInvalid
	}

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	if !hmac.Equal(given, h.Sum(nil)) {
		return ErrSignatureInvalid
	}
	return nil
}
