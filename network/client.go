package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"hostlink/models"
	"hostlink/ports"
)

// ClientOptions configures a PeerClient.
type ClientOptions struct {
	Local      models.Identity
	SigningKey ed25519.PrivateKey
	Resolver   *EndpointResolver
	HTTPClient *http.Client
	TokenTTL   time.Duration
	// RequestTimeout applies when the caller's context has no deadline.
	RequestTimeout time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.Resolver == nil {
		o.Resolver = NewEndpointResolver(nil, "")
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = DefaultTokenTTL
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	return o
}

// PeerClient sends perimeter requests to remote identity hosts.
type PeerClient struct {
	options ClientOptions
}

var _ ports.PeerTransport = (*PeerClient)(nil)

// NewPeerClient creates a client.
func NewPeerClient(options ClientOptions) *PeerClient {
	return &PeerClient{options: options.withDefaults()}
}

// SendTransfer streams the multipart transit request. Parts are written in
// wire order while the request is in flight.
func (c *PeerClient) SendTransfer(ctx context.Context, req ports.TransferRequest) (models.PeerResponse, error) {
	bearer, err := IssueTransitToken(c.options.Local, req.Recipient, req.Token, c.options.TokenTTL)
	if err != nil {
		return models.PeerResponse{}, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeTransferParts(ctx, mw, req))
	}()

	return c.post(ctx, req.Recipient, PathTransitUpload, bearer, mw.FormDataContentType(), pr)
}

// SendDeleteLinkedFile asks the recipient to delete its copy of a file.
func (c *PeerClient) SendDeleteLinkedFile(ctx context.Context, recipient models.Identity, token *ports.CapabilityToken, req models.DeleteLinkedFileRequest) (models.PeerResponse, error) {
	bearer, err := IssueTransitToken(c.options.Local, recipient, token, c.options.TokenTTL)
	if err != nil {
		return models.PeerResponse{}, err
	}
	body, err := EncodeJSON(req)
	if err != nil {
		return models.PeerResponse{}, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.post(ctx, recipient, PathTransitDeleteFile, bearer, "application/json", bytes.NewReader(body))
}

// SendFeedItem delivers a feed item signed with the host key.
func (c *PeerClient) SendFeedItem(ctx context.Context, recipient models.Identity, item models.FeedItem) (models.PeerResponse, error) {
	if c.options.SigningKey == nil {
		return models.PeerResponse{}, fmt.Errorf("feed delivery needs a signing key")
	}
	bearer, err := IssueFeedToken(c.options.Local, recipient, c.options.SigningKey, c.options.TokenTTL)
	if err != nil {
		return models.PeerResponse{}, err
	}
	body, err := EncodeJSON(item)
	if err != nil {
		return models.PeerResponse{}, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.post(ctx, recipient, PathFeedSend, bearer, "application/json", bytes.NewReader(body))
}

func (c *PeerClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.options.RequestTimeout)
}

func (c *PeerClient) post(ctx context.Context, recipient models.Identity, path, bearer, contentType string, body io.Reader) (models.PeerResponse, error) {
	base, err := c.options.Resolver.Resolve(recipient)
	if err != nil {
		return models.PeerResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, body)
	if err != nil {
		return models.PeerResponse{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set(headerAuthorization, bearerPrefix+bearer)
	httpReq.Header.Set(headerVersion, strconv.Itoa(ProtocolVersion))

	resp, err := c.options.HTTPClient.Do(httpReq)
	if err != nil {
		return models.PeerResponse{}, fmt.Errorf("post %s to %s: %w", path, recipient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return DecodePeerResponse(resp.Body)
	case resp.StatusCode == http.StatusForbidden:
		if decoded, err := DecodePeerResponse(resp.Body); err == nil && decoded.Code == models.PeerResponseAccessDenied {
			return decoded, nil
		}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxResponseSize))
	return models.PeerResponse{}, fmt.Errorf("%w: %s from %s", ErrUnexpectedStatus, resp.Status, recipient)
}

func writeTransferParts(ctx context.Context, mw *multipart.Writer, req ports.TransferRequest) error {
	if err := writeJSONPart(mw, ports.PartTransferKeyHeader, req.InstructionSet); err != nil {
		return err
	}
	if err := writeJSONPart(mw, ports.PartMetadata, req.Metadata); err != nil {
		return err
	}

	for _, part := range req.Parts {
		if err := writeStreamPart(ctx, mw, part); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writeJSONPart(mw *multipart.Writer, name string, v any) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"`, name))
	header.Set("Content-Type", "application/json")
	w, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create %s part: %w", name, err)
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("write %s part: %w", name, err)
	}
	return nil
}

func writeStreamPart(ctx context.Context, mw *multipart.Writer, part ports.OutboundPart) error {
	rc, err := part.Open(ctx)
	if err != nil {
		return fmt.Errorf("open %s %q: %w", part.Name, part.FileName, err)
	}
	defer rc.Close()

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, part.Name, escapeQuotes(part.FileName)))
	contentType := part.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	w, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create %s part: %w", part.Name, err)
	}
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("stream %s %q: %w", part.Name, part.FileName, err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
