package network

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"hostlink/logging"
	"hostlink/metrics"
	"hostlink/models"
	"hostlink/ports"
	"hostlink/storage"
)

// Perimeter accepts authenticated inbound requests. Implementations return a
// response for every outcome the sender should see, including rejections.
type Perimeter interface {
	// Receive consumes a transit upload. The token is borrowed for the call.
	Receive(ctx context.Context, sender models.Identity, token *ports.CapabilityToken, body *multipart.Reader) models.PeerResponse
	ReceiveDelete(ctx context.Context, sender models.Identity, req models.DeleteLinkedFileRequest) models.PeerResponse
	ReceiveFeedItem(ctx context.Context, sender models.Identity, item models.FeedItem) models.PeerResponse
}

// ReplayGuard records request token ids. MarkTokenIDSeen returns false for an
// id it has already seen.
type ReplayGuard interface {
	MarkTokenIDSeen(tokenID string, receivedAt int64) (bool, error)
}

// SecurityLog persists security-relevant events.
type SecurityLog interface {
	RecordSecurityEvent(identity, eventType, severity string, details map[string]any) error
}

// HandlerOptions configures NewHandler.
type HandlerOptions struct {
	Perimeter Perimeter
	Verifier  *Verifier
	Replay    ReplayGuard
	Security  SecurityLog
	Metrics   *metrics.Metrics
	Logger    logging.Logger
}

type handler struct {
	opts   HandlerOptions
	logger logging.Logger
}

// NewHandler builds the perimeter HTTP routes.
func NewHandler(opts HandlerOptions) (http.Handler, error) {
	if opts.Perimeter == nil {
		return nil, errors.New("perimeter is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("verifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	h := &handler{opts: opts, logger: logger.With("component", "perimeter_http")}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathTransitUpload, h.handleUpload)
	mux.HandleFunc("POST "+PathTransitDeleteFile, h.handleDelete)
	mux.HandleFunc("POST "+PathFeedSend, h.handleFeed)
	mux.HandleFunc("GET "+PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	if opts.Metrics != nil {
		mux.Handle("GET "+PathMetrics, opts.Metrics.Handler())
	}
	return mux, nil
}

func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	claims, token, ok := h.authenticateTransit(w, r, "upload")
	if !ok {
		return
	}
	defer token.Wipe()

	body, err := r.MultipartReader()
	if err != nil {
		h.reply(w, r, "upload", models.PeerResponse{Code: models.PeerResponseRejected, Message: "expected multipart body"})
		return
	}
	h.reply(w, r, "upload", h.opts.Perimeter.Receive(r.Context(), claims.Sender(), token, body))
}

func (h *handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	claims, token, ok := h.authenticateTransit(w, r, "delete")
	if !ok {
		return
	}
	token.Wipe()

	var req models.DeleteLinkedFileRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.reply(w, r, "delete", models.PeerResponse{Code: models.PeerResponseRejected, Message: err.Error()})
		return
	}
	h.reply(w, r, "delete", h.opts.Perimeter.ReceiveDelete(r.Context(), claims.Sender(), req))
}

func (h *handler) handleFeed(w http.ResponseWriter, r *http.Request) {
	raw, ok := bearerToken(r)
	if !ok {
		h.unauthorized(w, r, "feed")
		return
	}
	claims, err := h.opts.Verifier.VerifyFeed(r.Context(), raw)
	if err != nil {
		h.security(r.Context(), "", storage.SecurityEventFeedRejected, storage.SecuritySeverityWarning, map[string]any{"error": err.Error()})
		h.reply(w, r, "feed", models.PeerResponse{Code: models.PeerResponseAccessDenied, Message: "feed token rejected"})
		return
	}
	if !h.checkReplay(w, r, "feed", claims) {
		return
	}

	var item models.FeedItem
	if err := decodeJSONBody(r, &item); err != nil {
		h.reply(w, r, "feed", models.PeerResponse{Code: models.PeerResponseRejected, Message: err.Error()})
		return
	}
	h.reply(w, r, "feed", h.opts.Perimeter.ReceiveFeedItem(r.Context(), claims.Sender(), item))
}

// authenticateTransit verifies the bearer token and its replay status. On
// success the caller owns the returned capability token.
func (h *handler) authenticateTransit(w http.ResponseWriter, r *http.Request, kind string) (*RequestClaims, *ports.CapabilityToken, bool) {
	raw, ok := bearerToken(r)
	if !ok {
		h.unauthorized(w, r, kind)
		return nil, nil, false
	}
	claims, token, err := h.opts.Verifier.VerifyTransit(r.Context(), raw)
	if err != nil {
		h.security(r.Context(), "", storage.SecurityEventTokenRejected, storage.SecuritySeverityWarning, map[string]any{
			"kind":  kind,
			"error": err.Error(),
		})
		h.reply(w, r, kind, models.PeerResponse{Code: models.PeerResponseAccessDenied, Message: "capability token rejected"})
		return nil, nil, false
	}
	if !h.checkReplay(w, r, kind, claims) {
		token.Wipe()
		return nil, nil, false
	}
	return claims, token, true
}

func (h *handler) checkReplay(w http.ResponseWriter, r *http.Request, kind string, claims *RequestClaims) bool {
	if h.opts.Replay == nil {
		return true
	}
	fresh, err := h.opts.Replay.MarkTokenIDSeen(claims.ID, time.Now().UnixMilli())
	if err != nil {
		h.logger.Error(r.Context(), "record token id failed", "kind", kind, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		h.opts.Metrics.RecordInbound(kind, "error")
		return false
	}
	if !fresh {
		h.security(r.Context(), string(claims.Sender()), storage.SecurityEventTokenReplayed, storage.SecuritySeverityCritical, map[string]any{
			"kind":     kind,
			"token_id": claims.ID,
		})
		h.reply(w, r, kind, models.PeerResponse{Code: models.PeerResponseAccessDenied, Message: ErrTokenReplayed.Error()})
		return false
	}
	return true
}

func (h *handler) unauthorized(w http.ResponseWriter, r *http.Request, kind string) {
	h.logger.Debug(r.Context(), "missing bearer token", "kind", kind, "remote", r.RemoteAddr)
	h.opts.Metrics.RecordInbound(kind, "unauthorized")
	http.Error(w, "missing bearer token", http.StatusUnauthorized)
}

func (h *handler) reply(w http.ResponseWriter, r *http.Request, kind string, resp models.PeerResponse) {
	status := http.StatusOK
	if resp.Code == models.PeerResponseAccessDenied {
		status = http.StatusForbidden
	}
	h.opts.Metrics.RecordInbound(kind, string(resp.Code))

	payload, err := EncodeJSON(resp)
	if err != nil {
		h.logger.Error(r.Context(), "encode perimeter response failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(headerVersion, strconv.Itoa(ProtocolVersion))
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func (h *handler) security(ctx context.Context, identity, eventType, severity string, details map[string]any) {
	if h.opts.Security == nil {
		return
	}
	if err := h.opts.Security.RecordSecurityEvent(identity, eventType, severity, details); err != nil {
		h.logger.Warn(ctx, "record security event failed", "event_type", eventType, "error", err)
	}
}

func decodeJSONBody(r *http.Request, v any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, MaxJSONBodySize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return errors.New("malformed request body")
	}
	return nil
}
