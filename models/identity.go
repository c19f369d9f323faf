package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidIdentity indicates an identity host name failed validation.
var ErrInvalidIdentity = errors.New("models: invalid identity")

// Identity is the domain name of one identity host, e.g. "frodo.example".
type Identity string

// Normalize lowercases and trims an identity.
func (i Identity) Normalize() Identity {
	return Identity(strings.ToLower(strings.TrimSpace(string(i))))
}

// String implements fmt.Stringer.
func (i Identity) String() string {
	return string(i)
}

// Validate checks that the identity looks like a bare host name.
func (i Identity) Validate() error {
	name := string(i.Normalize())
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if len(name) > 253 {
		return fmt.Errorf("%w: %q too long", ErrInvalidIdentity, name)
	}
	if strings.Contains(name, "://") || strings.ContainsAny(name, "/ @") {
		return fmt.Errorf("%w: %q is not a host name", ErrInvalidIdentity, name)
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > 63 {
			return fmt.Errorf("%w: %q has an invalid label", ErrInvalidIdentity, name)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("%w: %q has an invalid label", ErrInvalidIdentity, name)
		}
	}
	return nil
}
