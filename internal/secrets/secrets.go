// Package secrets holds the cryptographic primitives for the shell: PIN key
// stretching, constant-time comparisons, and URL-safe token minting.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultPINIterations is the PBKDF2-HMAC-SHA256 iteration count for newly
// hashed PINs. Verification always honors the stored count so the number can
// be raised without invalidating existing PINs.
const DefaultPINIterations = 210000

const (
	saltSize   = 16
	digestSize = 32

	requestIDBytes     = 18
	approvalTokenBytes = 24
	bearerKeyBytes     = 24
)

// HashPIN derives a salted digest for the given PIN. It returns the salt and
// digest base64-encoded plus the iteration count used, matching the three
// settings the store persists.
func HashPIN(pin string) (saltB64, digestB64 string, iterations int, err error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", "", 0, fmt.Errorf("generate salt: %w", err)
	}
	digest := pbkdf2.Key([]byte(pin), salt, DefaultPINIterations, digestSize, sha256.New)
	return base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(digest),
		DefaultPINIterations,
		nil
}

// VerifyPIN re-derives the digest with the stored salt and iteration count
// and compares in constant time. Undecodable inputs verify as false.
func VerifyPIN(pin, saltB64, digestB64 string, iterations int) bool {
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return false
	}
	expected, err := base64.StdEncoding.DecodeString(digestB64)
	if err != nil {
		return false
	}
	if iterations <= 0 {
		iterations = DefaultPINIterations
	}
	actual := pbkdf2.Key([]byte(pin), salt, iterations, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(actual, expected) == 1
}

// NewRequestID mints a URL-safe approval-request id with 18 bytes of entropy.
func NewRequestID() string {
	return randomToken(requestIDBytes)
}

// NewApprovalToken mints a URL-safe approval token with 24 bytes of entropy.
func NewApprovalToken() string {
	return randomToken(approvalTokenBytes)
}

// NewBearerKey mints an agent/admin bearer key with 24 bytes of entropy.
func NewBearerKey() string {
	return randomToken(bearerKeyBytes)
}

// Equal compares two bearer secrets in constant time. An empty candidate
// never matches.
func Equal(candidate, actual string) bool {
	if candidate == "" || actual == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(actual)) == 1
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; treat failure as fatal.
		panic(fmt.Sprintf("secrets: read random: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
