package models

import (
	"time"

	"github.com/google/uuid"
)

// OutboxItemType is the kind of work an outbox item carries.
type OutboxItemType string

const (
	OutboxItemFile             OutboxItemType = "file"
	OutboxItemDeleteRemoteFile OutboxItemType = "delete_remote_file"
)

// OutboxItem is one pending delivery of one file to one recipient. Its key is
// (Recipient, File). Capability tokens are resolved at send time and never
// stored on the item.
type OutboxItem struct {
	ID             uuid.UUID                                 `json:"id"`
	Type           OutboxItemType                            `json:"type"`
	Recipient      Identity                                  `json:"recipient"`
	File           FileLocator                               `json:"file"`
	Priority       int                                       `json:"priority"`
	InstructionSet *EncryptedRecipientTransferInstructionSet `json:"instruction_set,omitempty"`
	DeleteRequest  *DeleteLinkedFileRequest                  `json:"delete_request,omitempty"`
	Options        TransitOptions                            `json:"options"`
	VersionTag     uuid.UUID                                 `json:"version_tag"`
	AttemptCount   int                                       `json:"attempt_count"`
	NextAttemptAt  time.Time                                 `json:"next_attempt_at"`
	Marker         uuid.UUID                                 `json:"marker"`
	AddedAt        time.Time                                 `json:"added_at"`
	LastFailure    FailureReason                             `json:"last_failure,omitempty"`
}

// FeedDistributionItem is a queued feed-path delivery keyed by (Recipient, File).
type FeedDistributionItem struct {
	Recipient      Identity       `json:"recipient"`
	File           FileLocator    `json:"file"`
	DistroType     FeedDistroType `json:"distro_type"`
	FileSystemType FileSystemType `json:"file_system_type"`
	AttemptCount   int            `json:"attempt_count"`
	NextAttemptAt  time.Time      `json:"next_attempt_at"`
	Marker         uuid.UUID      `json:"marker"`
	AddedAt        time.Time      `json:"added_at"`
}

// AwaitingTransferKey records a recipient whose capability token could not be
// resolved when the envelope was built.
type AwaitingTransferKey struct {
	Recipient     Identity       `json:"recipient"`
	File          FileLocator    `json:"file"`
	Options       TransitOptions `json:"options"`
	AttemptCount  int            `json:"attempt_count"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	Marker        uuid.UUID      `json:"marker"`
	AddedAt       time.Time      `json:"added_at"`
}
