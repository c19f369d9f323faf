package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
)

// ErrSecretWiped is returned when a SecretKey is used after Wipe.
var ErrSecretWiped = errors.New("crypto: secret key already wiped")

// SecretKey owns sensitive key bytes. A SecretKey has exactly one owner; the
// owner calls Wipe when done. Move hands ownership to a new value and leaves
// the source empty.
type SecretKey struct {
	mu    sync.Mutex
	bytes []byte
}

// NewSecretKey takes ownership of raw. The caller must not use raw afterwards.
func NewSecretKey(raw []byte) *SecretKey {
	return &SecretKey{bytes: raw}
}

// CloneSecretKey copies raw into a new SecretKey, leaving raw untouched.
func CloneSecretKey(raw []byte) *SecretKey {
	owned := make([]byte, len(raw))
	copy(owned, raw)
	return &SecretKey{bytes: owned}
}

// GenerateSecretKey returns a random AES-256 key.
func GenerateSecretKey() (*SecretKey, error) {
	raw := make([]byte, aes256KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}
	return NewSecretKey(raw), nil
}

// Len reports the key length, or 0 after Wipe.
func (k *SecretKey) Len() int {
	if k == nil {
		return 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.bytes)
}

// Use runs fn with the key bytes. fn must not retain the slice.
func (k *SecretKey) Use(fn func(raw []byte) error) error {
	if k == nil {
		return ErrSecretWiped
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.bytes == nil {
		return ErrSecretWiped
	}
	return fn(k.bytes)
}

// Equal compares two keys in constant time.
func (k *SecretKey) Equal(other *SecretKey) bool {
	if k == nil || other == nil {
		return false
	}
	if k == other {
		return k.Len() > 0
	}
	var equal bool
	_ = k.Use(func(a []byte) error {
		return other.Use(func(b []byte) error {
			equal = subtle.ConstantTimeCompare(a, b) == 1
			return nil
		})
	})
	return equal
}

// Move transfers ownership of the key bytes to a new SecretKey.
func (k *SecretKey) Move() *SecretKey {
	if k == nil {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	moved := &SecretKey{bytes: k.bytes}
	k.bytes = nil
	return moved
}

// Wipe overwrites the key bytes and releases them. Safe to call repeatedly.
func (k *SecretKey) Wipe() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	Zero(k.bytes)
	k.bytes = nil
}

// Zero overwrites buf with zeros.
func Zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
