// Package signature implements HMAC payload signing/verification plus
// at-rest protection for subscription secrets: AES-GCM encryption
// (Cipher) for the secret a delivery needs to sign with, and bcrypt
// hashing (HashSecret/VerifySecret) for callers that only need to
// confirm a plaintext matches without ever recovering it. Grounded on
// outpost's internal/destregistry/providers/destwebhook signature
// manager and internal/tenantstore/redistenantstore's credential
// cipher.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Algorithm is the configurable HMAC algorithm, set via the
// webhook.signature_algorithm config key.
type Algorithm string

const (
	AlgorithmHmacSHA256 Algorithm = "HmacSHA256"
	AlgorithmHmacSHA512 Algorithm = "HmacSHA512"
)

// Sign computes base64(HMAC(secret, payload)) with the configured
// algorithm. Unrecognized algorithms fall back to HmacSHA256.
func Sign(algo Algorithm, secret, payload []byte) string {
	h := newHMAC(algo, secret)
	h.Write(payload)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func newHMAC(algo Algorithm, secret []byte) interface {
	Write([]byte) (int, error)
	Sum([]byte) []byte
} {
	switch algo {
	case AlgorithmHmacSHA512:
		return hmac.New(sha512.New, secret)
	default:
		return hmac.New(sha256.New, secret)
	}
}

// Verify reports whether signature is the correct HMAC of payload under
// secret, using a constant-time comparison so that timing cannot leak
// how many leading bytes matched.
func Verify(algo Algorithm, secret, payload []byte, signature string) bool {
	expected := Sign(algo, secret, payload)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// HeaderTimestamp formats the `t=<millis>,n=<nonce>` value for the
// X-Webhook-Timestamp header.
func HeaderTimestamp(millis int64, nonce string) string {
	return fmt.Sprintf("t=%d,n=%s", millis, nonce)
}

// ParseHeaderTimestamp reverses HeaderTimestamp, used by verification
// tests and by subscribers implementing the contract.
func ParseHeaderTimestamp(header string) (millis int64, nonce string, err error) {
	parts := strings.Split(header, ",")
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("malformed webhook timestamp header: %q", header)
	}
	tPart := strings.TrimPrefix(parts[0], "t=")
	nPart := strings.TrimPrefix(parts[1], "n=")
	if tPart == parts[0] || nPart == parts[1] {
		return 0, "", fmt.Errorf("malformed webhook timestamp header: %q", header)
	}
	if _, err := fmt.Sscanf(tPart, "%d", &millis); err != nil {
		return 0, "", fmt.Errorf("malformed timestamp component: %w", err)
	}
	return millis, nPart, nil
}

// HashSecret hashes a plaintext with bcrypt's tunable work factor. The
// hash is one-way and cannot be used to sign anything; callers that
// need the plaintext back for signing must use Cipher instead.
func HashSecret(plaintext string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return string(hashed), nil
}

// VerifySecret performs the constant-time comparison bcrypt already
// guarantees internally between a plaintext secret and its stored hash.
func VerifySecret(hashed, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plaintext)) == nil
}
