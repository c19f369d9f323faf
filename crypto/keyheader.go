package crypto

import (
	"crypto/ecdh"
	"errors"
	"fmt"
)

// Suite is the key-header crypto used by transit and the perimeter.
// The zero value is ready to use.
type Suite struct{}

// WrapKey encrypts plain under wrapping with AES-256-CBC and the given IV.
// plain and wrapping stay owned by the caller.
func (Suite) WrapKey(plain *SecretKey, iv []byte, wrapping *SecretKey) ([]byte, error) {
	if plain == nil || wrapping == nil {
		return nil, errors.New("wrap key: key is required")
	}

	var ciphertext []byte
	err := wrapping.Use(func(wrapKey []byte) error {
		return plain.Use(func(plainKey []byte) error {
			out, err := EncryptCBC(wrapKey, iv, plainKey)
			if err != nil {
				return err
			}
			ciphertext = out
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("wrap key: %w", err)
	}
	return ciphertext, nil
}

// UnwrapKey decrypts ciphertext under wrapping. The caller owns the returned key.
func (Suite) UnwrapKey(ciphertext, iv []byte, wrapping *SecretKey) (*SecretKey, error) {
	if wrapping == nil {
		return nil, errors.New("unwrap key: wrapping key is required")
	}

	var plain []byte
	err := wrapping.Use(func(wrapKey []byte) error {
		out, err := DecryptCBC(wrapKey, iv, ciphertext)
		if err != nil {
			return err
		}
		plain = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unwrap key: %w", err)
	}
	return NewSecretKey(plain), nil
}

// DeriveSharedSecret derives the symmetric secret shared with a remote host.
func (Suite) DeriveSharedSecret(privateKey *ecdh.PrivateKey, remotePublicKey *ecdh.PublicKey, salt []byte) (*SecretKey, error) {
	return DeriveSharedSecret(privateKey, remotePublicKey, salt)
}

// NewIV returns a fresh IV.
func (Suite) NewIV() ([]byte, error) {
	return NewIV()
}

// Zero overwrites buf.
func (Suite) Zero(buf []byte) {
	Zero(buf)
}
