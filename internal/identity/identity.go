// Package identity holds an agent's asymmetric key material and implements
// payload signing and verification. The wire protocol fixes Ed25519:
// signatures travel base64-encoded, public keys as raw base64 or PEM.
// Private keys never leave this package except as PEM for storage.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

const (
	pemTypePrivate = "PRIVATE KEY"
	pemTypePublic  = "PUBLIC KEY"
)

// Identity wraps an Ed25519 keypair. A verification-only Identity carries a
// zero private key and can only call Verify via the package function.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Generate creates a fresh keypair.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Identity{priv: priv, pub: pub}, nil
}

// FromPrivateKeyPEM loads an identity from a PKCS#8 PEM block.
func FromPrivateKeyPEM(data []byte) (*Identity, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypePrivate {
		return nil, errors.New("no private key PEM block found")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not Ed25519")
	}
	return &Identity{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Sign returns the base64 signature over payload.
func (id *Identity) Sign(payload []byte) string {
	sig := ed25519.Sign(id.priv, payload)
	return base64.StdEncoding.EncodeToString(sig)
}

// PublicKey returns the raw verification key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.pub
}

// PublicKeyBase64 returns the raw public key in base64, the registry's
// storage format.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.pub)
}

// PrivateKeyPEM encodes the private key as PKCS#8 PEM for secret storage.
func (id *Identity) PrivateKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(id.priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePrivate, Bytes: der}), nil
}

// Verify reports whether sigB64 is a valid signature over payload by pub.
// ed25519.Verify runs in constant time with respect to the signature value.
func Verify(payload []byte, sigB64 string, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sigB64))
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

// ParsePublicKey accepts either a raw base64 key or a PEM SubjectPublicKeyInfo
// block; both formats appear in registry records.
func ParsePublicKey(material string) (ed25519.PublicKey, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, errors.New("empty public key")
	}
	if strings.HasPrefix(material, "-----BEGIN") {
		block, _ := pem.Decode([]byte(material))
		if block == nil || block.Type != pemTypePublic {
			return nil, errors.New("no public key PEM block found")
		}
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		pub, ok := parsed.(ed25519.PublicKey)
		if !ok {
			return nil, errors.New("public key is not Ed25519")
		}
		return pub, nil
	}
	raw, err := base64.StdEncoding.DecodeString(material)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("unexpected public key size %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// MarshalPublicKeyPEM encodes a raw public key as PEM for interchange with
// agents that only speak the PEM format.
func MarshalPublicKeyPEM(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePublic, Bytes: der}), nil
}
