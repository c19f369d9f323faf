package models

import (
	"encoding/json"

	"github.com/google/uuid"

	"hostlink/crypto"
)

// FileLocator identifies a file on one host. It has no meaning on other hosts.
type FileLocator struct {
	DriveID uuid.UUID `json:"drive_id"`
	FileID  uuid.UUID `json:"file_id"`
}

// IsZero reports whether the locator is unset.
func (l FileLocator) IsZero() bool {
	return l.DriveID == uuid.Nil && l.FileID == uuid.Nil
}

func (l FileLocator) String() string {
	return l.DriveID.String() + "/" + l.FileID.String()
}

// GlobalTransitIdFileIdentifier identifies one logical file across hosts.
type GlobalTransitIdFileIdentifier struct {
	TargetDrive     TargetDrive `json:"target_drive"`
	GlobalTransitID uuid.UUID   `json:"global_transit_id"`
}

// FileSystemType selects the storage flavour of a file.
type FileSystemType string

const (
	FileSystemStandard FileSystemType = "standard"
	FileSystemComment  FileSystemType = "comment"
)

// FileState is the lifecycle state of a stored file.
type FileState string

const (
	FileStateActive  FileState = "active"
	FileStateDeleted FileState = "deleted"
)

// SecurityGroup is the coarse audience an ACL admits.
type SecurityGroup string

const (
	SecurityGroupAnonymous     SecurityGroup = "anonymous"
	SecurityGroupAuthenticated SecurityGroup = "authenticated"
	SecurityGroupConnected     SecurityGroup = "connected"
	SecurityGroupOwner         SecurityGroup = "owner"
)

// AccessControlList restricts who may read a file.
type AccessControlList struct {
	RequiredSecurityGroup SecurityGroup `json:"required_security_group"`
	CircleIDs             []uuid.UUID   `json:"circle_ids,omitempty"`
}

// AppData is the application-defined portion of file metadata.
type AppData struct {
	FileType       int        `json:"file_type"`
	DataType       int        `json:"data_type"`
	Content        string     `json:"content,omitempty"`
	ClientUniqueID *uuid.UUID `json:"client_unique_id,omitempty"`
}

// ThumbnailDescriptor describes one stored thumbnail of a payload.
type ThumbnailDescriptor struct {
	PixelWidth   int    `json:"pixel_width"`
	PixelHeight  int    `json:"pixel_height"`
	ContentType  string `json:"content_type"`
	BytesWritten int64  `json:"bytes_written"`
}

// PayloadDescriptor describes one payload stored with a file.
type PayloadDescriptor struct {
	Key          string                `json:"key"`
	ContentType  string                `json:"content_type"`
	BytesWritten int64                 `json:"bytes_written"`
	Thumbnails   []ThumbnailDescriptor `json:"thumbnails,omitempty"`
}

// FileMetadata is the client-visible description of a file.
type FileMetadata struct {
	File            FileLocator                    `json:"file"`
	GlobalTransitID *uuid.UUID                     `json:"global_transit_id,omitempty"`
	SenderIdentity  Identity                       `json:"sender_identity,omitempty"`
	IsEncrypted     bool                           `json:"is_encrypted"`
	AppData         AppData                        `json:"app_data"`
	Payloads        []PayloadDescriptor            `json:"payloads,omitempty"`
	VersionTag      uuid.UUID                      `json:"version_tag"`
	Created         int64                          `json:"created"`
	Updated         int64                          `json:"updated"`
	ReactionPreview json.RawMessage                `json:"reaction_preview,omitempty"`
	ReferencedFile  *GlobalTransitIdFileIdentifier `json:"referenced_file,omitempty"`
}

// IsLocallyAuthored reports whether the file originated on this host.
func (m FileMetadata) IsLocallyAuthored() bool {
	return m.SenderIdentity == ""
}

// Payload returns the descriptor with the given key.
func (m FileMetadata) Payload(key string) (PayloadDescriptor, bool) {
	for _, p := range m.Payloads {
		if p.Key == key {
			return p, true
		}
	}
	return PayloadDescriptor{}, false
}

// ServerMetadata is the host-only portion of a file header.
type ServerMetadata struct {
	AccessControlList AccessControlList `json:"access_control_list"`
	AllowDistribution bool              `json:"allow_distribution"`
	FileSystemType    FileSystemType    `json:"file_system_type"`
	FileByteCount     int64             `json:"file_byte_count"`
}

// ServerFileHeader is everything the storage port keeps about a file except its bytes.
type ServerFileHeader struct {
	FileMetadata       FileMetadata       `json:"file_metadata"`
	ServerMetadata     ServerMetadata     `json:"server_metadata"`
	EncryptedKeyHeader EncryptedKeyHeader `json:"encrypted_key_header"`
	FileState          FileState          `json:"file_state"`
}

// IsActive reports whether the file has not been deleted.
func (h *ServerFileHeader) IsActive() bool {
	return h != nil && h.FileState == FileStateActive
}

// KeyHeader is a plaintext content key and IV. It only exists in memory.
type KeyHeader struct {
	AesKey *crypto.SecretKey
	IV     []byte
}

// Wipe destroys the content key.
func (k *KeyHeader) Wipe() {
	if k == nil {
		return
	}
	k.AesKey.Wipe()
}

// EncryptedKeyHeaderVersion is the current key header envelope version.
const EncryptedKeyHeaderVersion = 1

// EncryptedKeyType says what a key header is wrapped with.
type EncryptedKeyType string

const (
	EncryptedKeyTypeStorageKey   EncryptedKeyType = "storage_key"
	EncryptedKeyTypeSharedSecret EncryptedKeyType = "shared_secret"
)

// EncryptedKeyHeader is a KeyHeader wrapped under another key. IV is the
// wrapping IV; FileIV is the content IV, which is not secret.
type EncryptedKeyHeader struct {
	EncryptionVersion int              `json:"encryption_version"`
	Type              EncryptedKeyType `json:"type"`
	IV                []byte           `json:"iv"`
	FileIV            []byte           `json:"file_iv,omitempty"`
	EncryptedAesKey   []byte           `json:"encrypted_aes_key"`
}

// IsEmpty reports whether no wrapped key is present.
func (e EncryptedKeyHeader) IsEmpty() bool {
	return len(e.EncryptedAesKey) == 0
}
