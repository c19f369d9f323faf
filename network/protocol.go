// Package network carries perimeter requests between identity hosts over
// HTTP: multipart transit uploads, remote deletes, and feed items.
package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"hostlink/models"
)

const (
	// ProtocolVersion is sent in the X-Hostlink-Version header.
	ProtocolVersion = 1
	// MaxResponseSize bounds a perimeter response body.
	MaxResponseSize = 64 * 1024
	// MaxJSONBodySize bounds delete and feed request bodies.
	MaxJSONBodySize = 4 * 1024 * 1024
	// DefaultRequestTimeout bounds one HTTP exchange when the caller sets no deadline.
	DefaultRequestTimeout = 60 * time.Second
	// DefaultTokenTTL is the lifetime of request tokens.
	DefaultTokenTTL = 5 * time.Minute
	// DefaultShutdownTimeout bounds graceful server shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// Perimeter endpoint paths.
const (
	PathTransitUpload     = "/api/v1/perimeter/transit/upload"
	PathTransitDeleteFile = "/api/v1/perimeter/transit/deletelinkedfile"
	PathFeedSend          = "/api/v1/perimeter/feed/send"
	PathMetrics           = "/metrics"
	PathHealth            = "/healthz"
)

const (
	headerVersion       = "X-Hostlink-Version"
	headerAuthorization = "Authorization"
	bearerPrefix        = "Bearer "
)

var (
	// ErrUnexpectedStatus indicates a non-2xx reply without a usable body.
	ErrUnexpectedStatus = errors.New("network: unexpected response status")
	// ErrInvalidResponse indicates a 2xx reply whose body is not a PeerResponse.
	ErrInvalidResponse = errors.New("network: invalid perimeter response")
	// ErrUnauthorized indicates a request token failed verification.
	ErrUnauthorized = errors.New("network: unauthorized")
	// ErrTokenReplayed indicates a request token id was already used.
	ErrTokenReplayed = errors.New("network: token replayed")
)

// EncodeJSON marshals a wire message.
func EncodeJSON(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return payload, nil
}

// DecodePeerResponse reads and validates a perimeter response body.
func DecodePeerResponse(r io.Reader) (models.PeerResponse, error) {
	var resp models.PeerResponse
	if err := json.NewDecoder(io.LimitReader(r, MaxResponseSize)).Decode(&resp); err != nil {
		return models.PeerResponse{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if !resp.Code.IsValid() {
		return models.PeerResponse{}, fmt.Errorf("%w: unknown code %q", ErrInvalidResponse, resp.Code)
	}
	return resp, nil
}
