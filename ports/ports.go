// Package ports declares the collaborators the delivery core consumes: drive
// storage, key-header crypto, and the identity directory.
package ports

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"errors"
	"io"

	"github.com/google/uuid"

	"hostlink/crypto"
	"hostlink/models"
)

var (
	// ErrNotFound indicates the requested file, drive, or identity is unknown.
	ErrNotFound = errors.New("ports: not found")
	// ErrAccessDenied indicates an ACL or drive permission check failed.
	ErrAccessDenied = errors.New("ports: access denied")
	// ErrInboxOnly indicates a caller may deliver to a drive only through the inbox.
	ErrInboxOnly = errors.New("ports: drive accepts inbox delivery only")
	// ErrVersionTagMismatch indicates an overwrite raced another write.
	ErrVersionTagMismatch = errors.New("ports: version tag mismatch")
	// ErrRecipientKeyUnresolved indicates no capability token exists for a recipient.
	ErrRecipientKeyUnresolved = errors.New("ports: recipient capability token unresolved")
)

// ByteRange selects part of a payload. Length 0 means to the end.
type ByteRange struct {
	Start  int64
	Length int64
}

// StagedPart is a received payload or thumbnail ready to be committed.
type StagedPart struct {
	PayloadKey  string
	ContentType string
	// Width and Height are set for thumbnails only.
	Width  int
	Height int
	Path   string
	Size   int64
}

// IsThumbnail reports whether the part is a thumbnail.
func (p StagedPart) IsThumbnail() bool {
	return p.Width > 0 && p.Height > 0
}

// Caller describes who triggered a storage mutation.
type Caller struct {
	Identity models.Identity
	IsOwner  bool
}

// FileChangeKind is the kind of mutation behind a FileChangedEvent.
type FileChangeKind string

const (
	FileAdded                  FileChangeKind = "added"
	FileModified               FileChangeKind = "modified"
	FileDeleted                FileChangeKind = "deleted"
	FileReactionPreviewChanged FileChangeKind = "reaction_preview_changed"
)

// FileChangedEvent is emitted by drive storage after every committed mutation.
type FileChangedEvent struct {
	Kind    FileChangeKind
	Locator models.FileLocator
	Header  models.ServerFileHeader
	Caller  Caller
}

// DriveStorage is the drive storage engine.
type DriveStorage interface {
	// GetServerFileHeader returns nil, nil when the file does not exist.
	GetServerFileHeader(ctx context.Context, locator models.FileLocator) (*models.ServerFileHeader, error)
	// FindByGlobalTransitID returns nil, nil when no file carries the id.
	FindByGlobalTransitID(ctx context.Context, driveID, globalTransitID uuid.UUID) (*models.ServerFileHeader, error)
	GetDrive(ctx context.Context, driveID uuid.UUID) (*models.DriveDefinition, error)
	// GetDriveStorageKey returns a key the caller owns and must wipe.
	GetDriveStorageKey(ctx context.Context, driveID uuid.UUID) (*crypto.SecretKey, error)
	WriteNewFile(ctx context.Context, locator models.FileLocator, keyHeader *models.KeyHeader, metadata models.FileMetadata, serverMetadata models.ServerMetadata, parts []StagedPart, caller Caller) (*models.ServerFileHeader, error)
	// OverwriteFile fails with ErrVersionTagMismatch unless the stored tag equals expectedVersionTag.
	OverwriteFile(ctx context.Context, locator models.FileLocator, keyHeader *models.KeyHeader, metadata models.FileMetadata, expectedVersionTag uuid.UUID, parts []StagedPart, caller Caller) (*models.ServerFileHeader, error)
	WriteToInbox(ctx context.Context, driveID uuid.UUID, keyHeader *models.KeyHeader, metadata models.FileMetadata, parts []StagedPart, caller Caller) error
	SoftDelete(ctx context.Context, locator models.FileLocator, caller Caller) error
	HardDelete(ctx context.Context, locator models.FileLocator) error
	GetPayloadStream(ctx context.Context, locator models.FileLocator, key string, rng *ByteRange) (io.ReadCloser, error)
	GetThumbnailStream(ctx context.Context, locator models.FileLocator, payloadKey string, width, height int) (io.ReadCloser, error)
	// AssertCanWriteToDrive returns ErrAccessDenied or ErrInboxOnly when direct writes are not allowed.
	AssertCanWriteToDrive(ctx context.Context, driveID uuid.UUID, caller models.Identity) error
	CanRecipientRead(ctx context.Context, locator models.FileLocator, recipient models.Identity) (bool, error)
}

// Crypto wraps and unwraps key headers.
type Crypto interface {
	WrapKey(plain *crypto.SecretKey, iv []byte, wrapping *crypto.SecretKey) ([]byte, error)
	UnwrapKey(ciphertext, iv []byte, wrapping *crypto.SecretKey) (*crypto.SecretKey, error)
	DeriveSharedSecret(privateKey *ecdh.PrivateKey, remotePublicKey *ecdh.PublicKey, salt []byte) (*crypto.SecretKey, error)
	NewIV() ([]byte, error)
	Zero(buf []byte)
}

// CapabilityToken is the credential pair granting access to one remote host.
// The receiver owns SharedSecret and must wipe it.
type CapabilityToken struct {
	TokenID      uuid.UUID
	SharedSecret *crypto.SecretKey
}

// Wipe destroys the shared secret.
func (t *CapabilityToken) Wipe() {
	if t == nil {
		return
	}
	t.SharedSecret.Wipe()
}

// FollowerPage is one page of followers. An empty Cursor means no more pages.
type FollowerPage struct {
	Followers []models.Identity
	Cursor    string
}

// Directory resolves identities, credentials, and memberships.
type Directory interface {
	// ResolveCapabilityToken returns ErrRecipientKeyUnresolved when no token exists.
	ResolveCapabilityToken(ctx context.Context, recipient models.Identity) (*CapabilityToken, error)
	ResolveDriveID(ctx context.Context, drive models.TargetDrive) (uuid.UUID, error)
	GetConnectedIdentities(ctx context.Context, circle uuid.UUID) (map[models.Identity]struct{}, error)
	GetFollowers(ctx context.Context, drive models.TargetDrive, max int, cursor string) (FollowerPage, error)
	// GetAllDriveFollowers pages through identities following every channel.
	GetAllDriveFollowers(ctx context.Context, max int, cursor string) (FollowerPage, error)
	IsConnected(ctx context.Context, identity models.Identity) (bool, error)
	// IsFollowing reports whether the local owner follows identity.
	IsFollowing(ctx context.Context, identity models.Identity) (bool, error)
	ResolveHostPublicKey(ctx context.Context, identity models.Identity) (ed25519.PublicKey, error)
}
