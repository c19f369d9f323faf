package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"hostlink/models"
	"hostlink/ports"
)

// RequestClaims are carried by every perimeter request token. Issuer is the
// sending identity, Audience the receiving one, and Subject the capability
// token id for transit requests.
type RequestClaims struct {
	jwt.RegisteredClaims
}

// Sender returns the normalized issuing identity.
func (c *RequestClaims) Sender() models.Identity {
	return models.Identity(c.Issuer).Normalize()
}

func newClaims(sender, recipient models.Identity, subject string, ttl time.Duration) RequestClaims {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	return RequestClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    string(sender.Normalize()),
		Subject:   subject,
		Audience:  jwt.ClaimStrings{string(recipient.Normalize())},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
}

// IssueTransitToken signs an HS256 token with the pair's shared secret.
func IssueTransitToken(sender, recipient models.Identity, token *ports.CapabilityToken, ttl time.Duration) (string, error) {
	if token == nil {
		return "", errors.New("capability token is required")
	}
	claims := newClaims(sender, recipient, token.TokenID.String(), ttl)
	unsigned := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	var signed string
	err := token.SharedSecret.Use(func(key []byte) error {
		out, err := unsigned.SignedString(key)
		signed = out
		return err
	})
	if err != nil {
		return "", fmt.Errorf("sign transit token: %w", err)
	}
	return signed, nil
}

// IssueFeedToken signs an EdDSA token with the host signing key.
func IssueFeedToken(sender, recipient models.Identity, key ed25519.PrivateKey, ttl time.Duration) (string, error) {
	claims := newClaims(sender, recipient, "feed", ttl)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign feed token: %w", err)
	}
	return signed, nil
}

// Verifier authenticates inbound perimeter requests.
type Verifier struct {
	local     models.Identity
	directory ports.Directory
}

// NewVerifier creates a verifier for tokens addressed to local.
func NewVerifier(local models.Identity, directory ports.Directory) *Verifier {
	return &Verifier{local: local.Normalize(), directory: directory}
}

func (v *Verifier) parser(method string) *jwt.Parser {
	return jwt.NewParser(
		jwt.WithValidMethods([]string{method}),
		jwt.WithAudience(string(v.local)),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(30*time.Second),
	)
}

// unverifiedSender peeks at the issuer so the right key can be loaded.
func unverifiedSender(raw string) (models.Identity, error) {
	var claims RequestClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	sender := claims.Sender()
	if err := sender.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return sender, nil
}

// VerifyTransit checks an HS256 transit token. On success the caller owns the
// returned capability token and must wipe it.
func (v *Verifier) VerifyTransit(ctx context.Context, raw string) (*RequestClaims, *ports.CapabilityToken, error) {
	sender, err := unverifiedSender(raw)
	if err != nil {
		return nil, nil, err
	}
	token, err := v.directory.ResolveCapabilityToken(ctx, sender)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: no capability token for %s", ErrUnauthorized, sender)
	}

	var claims RequestClaims
	err = token.SharedSecret.Use(func(key []byte) error {
		_, err := v.parser(jwt.SigningMethodHS256.Alg()).ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return key, nil
		})
		return err
	})
	if err != nil {
		token.Wipe()
		return nil, nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject != token.TokenID.String() {
		token.Wipe()
		return nil, nil, fmt.Errorf("%w: token id mismatch", ErrUnauthorized)
	}
	if claims.ID == "" {
		token.Wipe()
		return nil, nil, fmt.Errorf("%w: missing token id", ErrUnauthorized)
	}
	return &claims, token, nil
}

// VerifyFeed checks an EdDSA feed token against the sender's host key.
func (v *Verifier) VerifyFeed(ctx context.Context, raw string) (*RequestClaims, error) {
	sender, err := unverifiedSender(raw)
	if err != nil {
		return nil, err
	}
	publicKey, err := v.directory.ResolveHostPublicKey(ctx, sender)
	if err != nil {
		return nil, fmt.Errorf("%w: no host key for %s", ErrUnauthorized, sender)
	}

	var claims RequestClaims
	if _, err := v.parser(jwt.SigningMethodEdDSA.Alg()).ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return publicKey, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing token id", ErrUnauthorized)
	}
	return &claims, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get(headerAuthorization)
	if !strings.HasPrefix(h, bearerPrefix) {
		return "", false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	return raw, raw != ""
}
