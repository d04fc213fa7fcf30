package manifest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

// SignatureVerifier checks a signature over canonical manifest bytes.
type SignatureVerifier interface {
	Verify(manifestBytes, signature []byte) bool
}

// VerifierFunc adapts a function to SignatureVerifier.
type VerifierFunc func(manifestBytes, signature []byte) bool

// Verify implements SignatureVerifier.
func (f VerifierFunc) Verify(manifestBytes, signature []byte) bool {
	return f(manifestBytes, signature)
}

// Ed25519Verifier accepts signatures made by any of its trusted keys.
type Ed25519Verifier struct {
	Keys []ed25519.PublicKey
}

// NewEd25519Verifier parses base64-encoded public keys.
func NewEd25519Verifier(encoded ...string) (*Ed25519Verifier, error) {
	v := &Ed25519Verifier{}
	for _, s := range encoded {
		key, err := ParsePublicKey(s)
		if err != nil {
			return nil, err
		}
		v.Keys = append(v.Keys, key)
	}
	return v, nil
}

// Verify implements SignatureVerifier.
func (v *Ed25519Verifier) Verify(manifestBytes, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	for _, key := range v.Keys {
		if ed25519.Verify(key, manifestBytes, signature) {
			return true
		}
	}
	return false
}

// CanonicalBytes returns the byte form a signature covers: the manifest
// JSON without its signature field, keys sorted, whitespace removed.
func CanonicalBytes(raw []byte) ([]byte, error) {
	stripped, err := sjson.DeleteBytes(raw, "signature")
	if err != nil {
		return nil, fmt.Errorf("strip signature: %w", err)
	}
	sorted := pretty.PrettyOptions(stripped, &pretty.Options{SortKeys: true, Indent: "  "})
	return pretty.Ugly(sorted), nil
}

// SignatureBytes extracts and decodes the signature field from raw JSON.
func SignatureBytes(raw []byte) ([]byte, error) {
	field := gjson.GetBytes(raw, "signature")
	if !field.Exists() || field.String() == "" {
		return nil, ErrUnsigned
	}
	sig, err := base64.StdEncoding.DecodeString(field.String())
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not base64", ErrBadSignature)
	}
	return sig, nil
}

// Verify checks the manifest signature against v.
func Verify(raw []byte, v SignatureVerifier) error {
	sig, err := SignatureBytes(raw)
	if err != nil {
		return err
	}
	canonical, err := CanonicalBytes(raw)
	if err != nil {
		return err
	}
	if !v.Verify(canonical, sig) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the base64 signature of raw's canonical form.
func Sign(raw []byte, key ed25519.PrivateKey) (string, error) {
	canonical, err := CanonicalBytes(raw)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, canonical)), nil
}

// WithSignature returns raw with its signature field set and pretty-printed.
func WithSignature(raw []byte, signature string) ([]byte, error) {
	out, err := sjson.SetBytes(raw, "signature", signature)
	if err != nil {
		return nil, fmt.Errorf("set signature: %w", err)
	}
	return pretty.Pretty(out), nil
}

// GenerateKey creates a new key pair, both halves base64-encoded.
func GenerateKey() (public, private string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(pub), base64.StdEncoding.EncodeToString(priv), nil
}

// ParsePublicKey decodes a base64 ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key: want %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// ParsePrivateKey decodes a base64 ed25519 private key.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key: want %d bytes, got %d", ed25519.PrivateKeySize, len(b))
	}
	return ed25519.PrivateKey(b), nil
}
