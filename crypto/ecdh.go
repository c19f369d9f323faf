package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"golang.org/x/crypto/hkdf"
)

const (
	x25519PrivatePEMType = "X25519 PRIVATE KEY"
	sharedSecretInfo     = "hostlink shared secret v1"
)

var x25519Curve = ecdh.X25519()

// EnsureX25519PrivateKey loads the host X25519 key from disk, generating it if absent.
func EnsureX25519PrivateKey(path string) (*ecdh.PrivateKey, error) {
	privateKey, err := LoadX25519PrivateKey(path)
	if err == nil {
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	privateKey, err = GenerateX25519PrivateKey()
	if err != nil {
		return nil, err
	}
	if err := writePEMBlock(path, x25519PrivatePEMType, privateKey.Bytes(), 0o600); err != nil {
		return nil, err
	}

	return privateKey, nil
}

// GenerateX25519PrivateKey creates a new X25519 private key.
func GenerateX25519PrivateKey() (*ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, nil
}

// LoadX25519PrivateKey reads an X25519 private key from PEM.
func LoadX25519PrivateKey(path string) (*ecdh.PrivateKey, error) {
	raw, err := readPEMBlock(path, x25519PrivatePEMType, 32)
	if err != nil {
		return nil, err
	}

	privateKey, err := x25519Curve.NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 private key: %w", err)
	}
	return privateKey, nil
}

// ParseX25519PublicKey parses a raw 32-byte X25519 public key.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// DeriveSharedSecret runs X25519 and expands the result with HKDF-SHA256 into
// an AES-256 key. The raw ECDH output is wiped before returning.
func DeriveSharedSecret(privateKey *ecdh.PrivateKey, remotePublicKey *ecdh.PublicKey, salt []byte) (*SecretKey, error) {
	if privateKey == nil || remotePublicKey == nil {
		return nil, errors.New("derive shared secret: key is required")
	}

	raw, err := privateKey.ECDH(remotePublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	defer Zero(raw)

	out := make([]byte, aes256KeySize)
	reader := hkdf.New(sha256.New, raw, salt, []byte(sharedSecretInfo))
	if _, err := io.ReadFull(reader, out); err != nil {
		Zero(out)
		return nil, fmt.Errorf("expand shared secret: %w", err)
	}

	return NewSecretKey(out), nil
}
