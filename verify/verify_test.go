package verify

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeArtifact(t *testing.T, content string) (string, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.tar.gz")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	sum := sha256.Sum256([]byte(content))
	return path, hex.EncodeToString(sum[:])
}

func TestVerifyHash(t *testing.T) {
	path, sum := writeArtifact(t, "payload")

	for _, expected := range []string{sum, strings.ToUpper(sum), "sha256:" + sum} {
		if err := VerifyHash(path, expected); err != nil {
			t.Errorf("VerifyHash(%q): %v", expected, err)
		}
	}

	if err := VerifyHash(path, strings.Repeat("0", 64)); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("mismatch err = %v, want ErrHashMismatch", err)
	}
	if err := VerifyHash(path, ""); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("empty hash err = %v, want ErrHashMismatch", err)
	}
	if err := VerifyHash(filepath.Join(t.TempDir(), "missing"), sum); err == nil || errors.Is(err, ErrHashMismatch) {
		t.Errorf("missing file err = %v, want open error", err)
	}
}

func TestVerifySignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	v, err := NewVerifierFromPEM(pemBytes)
	if err != nil {
		t.Fatalf("NewVerifierFromPEM: %v", err)
	}

	path, _ := writeArtifact(t, "signed payload")
	digest := sha256.Sum256([]byte("signed payload"))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := v.VerifySignature(path, base64.StdEncoding.EncodeToString(sig)); err != nil {
		t.Errorf("base64 signature: %v", err)
	}
	if err := v.VerifySignature(path, hex.EncodeToString(sig)); err != nil {
		t.Errorf("hex signature: %v", err)
	}
	if err := v.VerifySignature(path, ""); err != nil {
		t.Errorf("empty signature should be skipped: %v", err)
	}

	tampered, _ := writeArtifact(t, "tampered payload")
	if err := v.VerifySignature(tampered, base64.StdEncoding.EncodeToString(sig)); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("tampered err = %v, want ErrSignatureInvalid", err)
	}
	if err := v.VerifySignature(path, "not a signature!"); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("garbage err = %v, want ErrSignatureInvalid", err)
	}
}

func TestVerifySignature_NoKey(t *testing.T) {
	path, _ := writeArtifact(t, "x")
	v := NewVerifier(nil)
	if err := v.VerifySignature(path, ""); err != nil {
		t.Errorf("unsigned artifact: %v", err)
	}
	if err := v.VerifySignature(path, "abcd"); !errors.Is(err, ErrNoPublicKey) {
		t.Errorf("err = %v, want ErrNoPublicKey", err)
	}
}
