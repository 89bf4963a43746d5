package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func signZip(t *testing.T, priv ed25519.PrivateKey, zipBytes []byte) string {
	t.Helper()
	digest := sha256.Sum256(zipBytes)
	sig := ed25519.Sign(priv, []byte(hex.EncodeToString(digest[:])))
	return base64.StdEncoding.EncodeToString(sig)
}

func TestVerifyExtensionZip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	trust := &TrustStore{Publishers: map[string]string{
		"acme-2026": base64.StdEncoding.EncodeToString(pub),
		"mangled":   "%%%not-base64%%%",
		"short":     base64.StdEncoding.EncodeToString([]byte("tiny")),
	}}
	zipBytes := []byte("PK\x03\x04 fake zip payload")
	sigB64 := signZip(t, priv, zipBytes)

	if err := VerifyExtensionZip(zipBytes, trust, "acme-2026", sigB64); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}

	tests := []struct {
		name     string
		zip      []byte
		keyID    string
		sig      string
		wantKind string
	}{
		{"unknown key id", zipBytes, "nobody", sigB64, KindUnknownPublisher},
		{"mangled trust key", zipBytes, "mangled", sigB64, KindInvalidPublisherKey},
		{"wrong-size trust key", zipBytes, "short", sigB64, KindInvalidPublisherKey},
		{"bad signature b64", zipBytes, "acme-2026", "***", KindInvalidSignatureB64},
		{"tampered payload", append([]byte("x"), zipBytes...), "acme-2026", sigB64, KindVerificationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyExtensionZip(tt.zip, trust, tt.keyID, tt.sig)
			var sigErr *Error
			if !errors.As(err, &sigErr) || sigErr.Kind != tt.wantKind {
				t.Errorf("err = %v, want kind %s", err, tt.wantKind)
			}
		})
	}
}

func TestSignatureIsOverHexDigest(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	trust := &TrustStore{Publishers: map[string]string{
		"k": base64.StdEncoding.EncodeToString(pub),
	}}
	zipBytes := []byte("payload")

	// Signing the raw bytes (instead of the printed digest) must not verify.
	rawSig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, zipBytes))
	err := VerifyExtensionZip(zipBytes, trust, "k", rawSig)
	var sigErr *Error
	if !errors.As(err, &sigErr) || sigErr.Kind != KindVerificationFailed {
		t.Errorf("raw-bytes signature err = %v, want %s", err, KindVerificationFailed)
	}
}

func TestLoadTrustStore(t *testing.T) {
	dir := t.TempDir()

	ts, err := LoadTrustStore(filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if len(ts.Publishers) != 0 {
		t.Errorf("missing file should yield empty store, got %v", ts.Publishers)
	}

	path := filepath.Join(dir, "trust.json")
	if err := os.WriteFile(path, []byte(`{"publishers": {"a": "Zm9v"}}`), 0644); err != nil {
		t.Fatal(err)
	}
	ts, err = LoadTrustStore(path)
	if err != nil {
		t.Fatalf("LoadTrustStore: %v", err)
	}
	if ts.Publishers["a"] != "Zm9v" {
		t.Errorf("publishers = %v", ts.Publishers)
	}

	if err := os.WriteFile(path, []byte(`not json`), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = LoadTrustStore(path)
	var sigErr *Error
	if !errors.As(err, &sigErr) || sigErr.Kind != KindInvalidTrustStore {
		t.Errorf("malformed store err = %v, want %s", err, KindInvalidTrustStore)
	}
}
