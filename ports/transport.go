package ports

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"hostlink/models"
)

// Multipart part names, in wire order.
const (
	PartTransferKeyHeader = "TransferKeyHeader"
	PartMetadata          = "Metadata"
	PartPayload           = "Payload"
	PartThumbnail         = "Thumbnail"
)

// ThumbnailPartName is the multipart file name of a thumbnail part.
func ThumbnailPartName(payloadKey string, width, height int) string {
	return payloadKey + ":" + strconv.Itoa(width) + ":" + strconv.Itoa(height)
}

// ParseThumbnailPartName splits a name built by ThumbnailPartName. Payload
// keys may themselves contain colons.
func ParseThumbnailPartName(name string) (payloadKey string, width, height int, err error) {
	hi := strings.LastIndexByte(name, ':')
	if hi <= 0 {
		return "", 0, 0, fmt.Errorf("thumbnail part name %q: missing dimensions", name)
	}
	wi := strings.LastIndexByte(name[:hi], ':')
	if wi <= 0 {
		return "", 0, 0, fmt.Errorf("thumbnail part name %q: missing dimensions", name)
	}
	width, err = strconv.Atoi(name[wi+1 : hi])
	if err != nil || width <= 0 {
		return "", 0, 0, fmt.Errorf("thumbnail part name %q: bad width", name)
	}
	height, err = strconv.Atoi(name[hi+1:])
	if err != nil || height <= 0 {
		return "", 0, 0, fmt.Errorf("thumbnail part name %q: bad height", name)
	}
	return name[:wi], width, height, nil
}

// OutboundPart is one binary part streamed from storage when the request is written.
type OutboundPart struct {
	// Name is PartPayload or PartThumbnail.
	Name string
	// FileName is the payload key, or "{payloadKey}:{width}:{height}" for thumbnails.
	FileName    string
	ContentType string
	Open        func(ctx context.Context) (io.ReadCloser, error)
}

// TransferRequest is one multipart transit send to one recipient. Token is
// borrowed; the caller wipes it after the send returns.
type TransferRequest struct {
	Recipient      models.Identity
	Token          *CapabilityToken
	InstructionSet models.EncryptedRecipientTransferInstructionSet
	Metadata       models.FileMetadata
	Parts          []OutboundPart
}

// PeerTransport carries requests to remote perimeters. An error means the
// request did not produce a 2xx response with a readable body.
type PeerTransport interface {
	SendTransfer(ctx context.Context, req TransferRequest) (models.PeerResponse, error)
	SendDeleteLinkedFile(ctx context.Context, recipient models.Identity, token *CapabilityToken, req models.DeleteLinkedFileRequest) (models.PeerResponse, error)
	SendFeedItem(ctx context.Context, recipient models.Identity, item models.FeedItem) (models.PeerResponse, error)
}
