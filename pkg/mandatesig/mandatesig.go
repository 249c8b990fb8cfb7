// Package mandatesig seals mandates with a keyed MAC. The scheme is
// HMAC-SHA256 over the canonical encoding of the record; verification
// recomputes the code and compares in constant time.
package mandatesig

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"github.com/phronetic-ai/agentic-payments-research/pkg/canonical"
)

// TokenLength is the length in hex characters of the public validation
// token, a prefix of the full signature handed to callers as a
// lightweight capability.
const TokenLength = 32

var (
	ErrEmptyKey          = errors.New("signing key is empty")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrTokenMismatch     = errors.New("validation token mismatch")
	ErrInvalidEncoding   = errors.New("signature is not lowercase hex")
)

// Scheme holds the confidential signing key. The key is shared only by
// the issuing service; rotating it invalidates every outstanding
// signature.
type Scheme struct {
	key []byte
}

func New(key []byte) (*Scheme, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Scheme{key: k}, nil
}

// Sign computes the hex HMAC-SHA256 over the canonical bytes of payload.
func (s *Scheme) Sign(payload any) (string, error) {
	b, err := canonical.Marshal(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	_, _ = mac.Write(b)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the code over payload and compares it to signature
// in constant time. Any change to any signed field makes this fail.
func (s *Scheme) Verify(payload any, signature string) error {
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidEncoding
	}
	b, err := canonical.Marshal(payload)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, s.key)
	_, _ = mac.Write(b)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrSignatureMismatch
	}
	return nil
}

// Token returns the fixed-length public prefix of a signature.
func Token(signature string) string {
	if len(signature) < TokenLength {
		return signature
	}
	return signature[:TokenLength]
}

// VerifyToken checks token against the expected prefix of signature in
// constant time.
func VerifyToken(signature, token string) error {
	expected := Token(signature)
	if len(token) != len(expected) {
		return ErrTokenMismatch
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
		return ErrTokenMismatch
	}
	return nil
}
