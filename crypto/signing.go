package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
)

const ed25519PrivatePEMType = "ED25519 PRIVATE KEY"

// HostSigningKey is the Ed25519 identity key a host signs feed requests with.
type HostSigningKey struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// Fingerprint returns the truncated SHA-256 hex fingerprint of the public key.
func (k HostSigningKey) Fingerprint() string {
	return KeyFingerprint(k.Public)
}

// EnsureHostSigningKey loads the host signing key from path, generating it on first run.
func EnsureHostSigningKey(path string) (HostSigningKey, error) {
	key, err := LoadHostSigningKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return HostSigningKey{}, err
	}

	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return HostSigningKey{}, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	if err := writePEMBlock(path, ed25519PrivatePEMType, private, 0o600); err != nil {
		return HostSigningKey{}, err
	}

	return HostSigningKey{Private: private, Public: public}, nil
}

// LoadHostSigningKey reads an Ed25519 private key PEM and derives its public half.
func LoadHostSigningKey(path string) (HostSigningKey, error) {
	raw, err := readPEMBlock(path, ed25519PrivatePEMType, ed25519.PrivateKeySize)
	if err != nil {
		return HostSigningKey{}, err
	}

	private := ed25519.PrivateKey(raw)
	return HostSigningKey{
		Private: private,
		Public:  private.Public().(ed25519.PublicKey),
	}, nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}
