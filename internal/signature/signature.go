// Package signature authenticates extension bundles against a trust store of
// publisher verify keys. The signed payload is the lowercase ASCII-hex
// SHA-256 digest of the zip bytes — not the raw bytes and not the binary
// digest — so signatures produced by out-of-band tooling that signs the
// printed checksum verify directly.
package signature

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// Error kinds surfaced to the admin UI.
const (
	KindInvalidTrustStore   = "invalid_trust_store_format"
	KindUnknownPublisher    = "unknown_publisher_key_id"
	KindInvalidPublisherKey = "invalid_trust_store_pubkey"
	KindInvalidSignatureB64 = "invalid_signature_b64"
	KindVerificationFailed  = "signature_verification_failed"
)

// Error is a classified signature failure.
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind + ": " + e.Err.Error()
	}
	return e.Kind
}

func (e *Error) Unwrap() error { return e.Err }

// TrustStore maps publisher key ids to base64-encoded Ed25519 verify keys.
type TrustStore struct {
	Publishers map[string]string `json:"publishers"`
}

// LoadTrustStore reads the trust store file. A missing file yields an empty
// store (signature-requiring installs then fail with unknown_publisher_key_id).
func LoadTrustStore(path string) (*TrustStore, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &TrustStore{Publishers: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trust store: %w", err)
	}

	var ts TrustStore
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, &Error{Kind: KindInvalidTrustStore, Err: err}
	}
	if ts.Publishers == nil {
		ts.Publishers = map[string]string{}
	}
	return &ts, nil
}

// VerifyExtensionZip checks signatureB64 against the publisher key named by
// keyID. The message is the hex-encoded SHA-256 of zipBytes as ASCII.
func VerifyExtensionZip(zipBytes []byte, trust *TrustStore, keyID, signatureB64 string) error {
	pubB64, ok := trust.Publishers[keyID]
	if !ok || pubB64 == "" {
		return &Error{Kind: KindUnknownPublisher}
	}

	pub, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return &Error{Kind: KindInvalidPublisherKey, Err: err}
	}
	if len(pub) != ed25519.PublicKeySize {
		return &Error{Kind: KindInvalidPublisherKey, Err: fmt.Errorf("key is %d bytes, want %d", len(pub), ed25519.PublicKeySize)}
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return &Error{Kind: KindInvalidSignatureB64, Err: err}
	}

	digest := sha256.Sum256(zipBytes)
	msg := []byte(hex.EncodeToString(digest[:]))
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return &Error{Kind: KindVerificationFailed}
	}
	return nil
}
