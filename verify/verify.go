// Package verify checks downloaded artifacts against the hash and signature
// declared in a release manifest.
//
// Both checks only read the artifact. Callers run them before touching the
// managed root so a rejected artifact never causes a mutation.
//
// # Usage Example
//
//	v, err := verify.NewVerifierFromPEM(publicKeyPEM)
//	if err != nil {
//		return err
//	}
//	if err := verify.VerifyHash(path, pkg.Hash()); err != nil {
//		return err // errors.Is(err, verify.ErrHashMismatch)
//	}
//	if err := v.VerifySignature(path, pkg.Signature()); err != nil {
//		return err // errors.Is(err, verify.ErrSignatureInvalid)
//	}
package verify

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	// ErrHashMismatch is returned when the artifact digest differs from the
	// declared one.
	ErrHashMismatch = errors.New("hash mismatch")

	// ErrSignatureInvalid is returned when a present signature does not
	// validate against the known public key.
	ErrSignatureInvalid = errors.New("signature verification failed")

	// ErrNoPublicKey is returned when a signature must be checked but the
	// verifier was built without a key.
	ErrNoPublicKey = errors.New("no public key configured")
)

// FileSHA256 returns the lowercase hex SHA-256 digest of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NormalizeHash lowercases a declared digest and strips an optional
// "sha256:" prefix.
func NormalizeHash(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.TrimPrefix(h, "sha256:")
}

// VerifyHash compares the file digest with expected. An empty expected hash
// is rejected: every package reference must declare one.
func VerifyHash(path, expected string) error {
	want := NormalizeHash(expected)
	if want == "" {
		return fmt.Errorf("%w: no expected hash declared for %s", ErrHashMismatch, path)
	}
	got, err := FileSHA256(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: %s has sha256 %s, expected %s", ErrHashMismatch, path, got, want)
	}
	return nil
}

// Verifier validates RSA PKCS#1 v1.5 signatures over the SHA-256 digest of
// an artifact.
type Verifier struct {
	key *rsa.PublicKey
}

// NewVerifier returns a Verifier for key. A nil key yields a verifier that
// accepts unsigned artifacts and rejects signed ones.
func NewVerifier(key *rsa.PublicKey) *Verifier {
	return &Verifier{key: key}
}

// NewVerifierFromPEM parses a PKIX or PKCS#1 RSA public key.
func NewVerifierFromPEM(data []byte) (*Verifier, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode public key: no PEM block")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		return NewVerifier(key), nil
	default:
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("unsupported public key type %T", pub)
		}
		return NewVerifier(key), nil
	}
}

// LoadVerifier reads a PEM public key from path. An empty path yields a
// verifier without a key.
func LoadVerifier(path string) (*Verifier, error) {
	if path == "" {
		return NewVerifier(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	return NewVerifierFromPEM(data)
}

// VerifySignature checks signature, base64 or hex encoded, against the file
// at path. An empty signature is skipped.
func (v *Verifier) VerifySignature(path, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return nil
	}
	if v == nil || v.key == nil {
		return fmt.Errorf("%w: %s is signed", ErrNoPublicKey, path)
	}
	sig, err := decodeSignature(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	digest, err := FileSHA256(path)
	if err != nil {
		return err
	}
	sum, _ := hex.DecodeString(digest)
	if err := rsa.VerifyPKCS1v15(v.key, crypto.SHA256, sum, sig); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSignatureInvalid, path, err)
	}
	return nil
}

func decodeSignature(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("signature is neither hex nor base64")
}
