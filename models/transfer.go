package models

import "github.com/google/uuid"

// TransferFileType distinguishes ordinary files from command messages.
type TransferFileType string

const (
	TransferFileTypeNormal         TransferFileType = "normal"
	TransferFileTypeCommandMessage TransferFileType = "command_message"
)

// SendContents is a bit set of which parts accompany the header.
type SendContents int

const (
	SendContentsHeaderOnly SendContents = 0
	SendContentsThumbnails SendContents = 1 << 0
	SendContentsPayload    SendContents = 1 << 1
	SendContentsAll        SendContents = SendContentsThumbnails | SendContentsPayload
)

// Has reports whether all bits of flag are set.
func (s SendContents) Has(flag SendContents) bool {
	return s&flag == flag
}

// Schedule controls whether a send blocks the caller.
type Schedule string

const (
	ScheduleSendNow   Schedule = "send_now"
	ScheduleSendLater Schedule = "send_later"
)

// TransitOptions are the caller's delivery options for one logical send.
type TransitOptions struct {
	Recipients        []Identity       `json:"recipients"`
	Schedule          Schedule         `json:"schedule"`
	Priority          int              `json:"priority"`
	SendContents      SendContents     `json:"send_contents"`
	RemoteTargetDrive *TargetDrive     `json:"remote_target_drive,omitempty"`
	IsTransient       bool             `json:"is_transient"`
	TransferFileType  TransferFileType `json:"transfer_file_type"`
}

// EncryptedRecipientTransferInstructionSet is the per-recipient envelope sent
// as the TransferKeyHeader part.
type EncryptedRecipientTransferInstructionSet struct {
	TargetDrive                    TargetDrive        `json:"target_drive"`
	TransferFileType               TransferFileType   `json:"transfer_file_type"`
	FileSystemType                 FileSystemType     `json:"file_system_type"`
	ContentsProvided               SendContents       `json:"contents_provided"`
	SharedSecretEncryptedKeyHeader EncryptedKeyHeader `json:"shared_secret_encrypted_key_header"`
}

// DeleteLinkedFileRequest asks a remote host to delete its copy of a file.
type DeleteLinkedFileRequest struct {
	TargetDrive     TargetDrive    `json:"target_drive"`
	GlobalTransitID uuid.UUID      `json:"global_transit_id"`
	FileSystemType  FileSystemType `json:"file_system_type"`
}

// PeerResponseCode is the remote perimeter's verdict on a transfer.
type PeerResponseCode string

const (
	PeerResponseAcceptedDirectWrite           PeerResponseCode = "AcceptedDirectWrite"
	PeerResponseAcceptedIntoInbox             PeerResponseCode = "AcceptedIntoInbox"
	PeerResponseRejected                      PeerResponseCode = "Rejected"
	PeerResponseQuarantinedPayload            PeerResponseCode = "QuarantinedPayload"
	PeerResponseQuarantinedSenderNotConnected PeerResponseCode = "QuarantinedSenderNotConnected"
	PeerResponseAccessDenied                  PeerResponseCode = "AccessDenied"
)

// IsValid reports whether c is one of the known codes.
func (c PeerResponseCode) IsValid() bool {
	switch c {
	case PeerResponseAcceptedDirectWrite, PeerResponseAcceptedIntoInbox, PeerResponseRejected,
		PeerResponseQuarantinedPayload, PeerResponseQuarantinedSenderNotConnected, PeerResponseAccessDenied:
		return true
	default:
		return false
	}
}

// PeerResponse is the JSON body returned by a perimeter endpoint.
type PeerResponse struct {
	Code    PeerResponseCode `json:"code"`
	Message string           `json:"message,omitempty"`
}

// FeedDistroType is the kind of change carried on the feed path.
type FeedDistroType string

const (
	FeedDistroFileMetadata          FeedDistroType = "file_metadata"
	FeedDistroDeleteFile            FeedDistroType = "delete_file"
	FeedDistroReactionPreviewUpdate FeedDistroType = "reaction_preview_update"
)

// FeedItem is the body of a lightweight feed-path request. Metadata is the
// redacted, unencrypted file metadata.
type FeedItem struct {
	DistroType      FeedDistroType `json:"distro_type"`
	FileSystemType  FileSystemType `json:"file_system_type"`
	GlobalTransitID uuid.UUID      `json:"global_transit_id"`
	Metadata        *FileMetadata  `json:"metadata,omitempty"`
}
