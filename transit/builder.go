// Package transit packages local files for remote identity hosts and
// delivers them: the envelope builder re-wraps content keys per recipient,
// and the sender attempts, classifies, and retries deliveries through the
// outbox.
package transit

import (
	"context"
	"errors"
	"fmt"

	"hostlink/crypto"
	"hostlink/logging"
	"hostlink/models"
	"hostlink/ports"
)

var (
	// ErrNoRecipients is returned when a send names no recipients.
	ErrNoRecipients = errors.New("transit: at least one recipient is required")
	// ErrInvalidFile is returned when the file locator is unset.
	ErrInvalidFile = errors.New("transit: file locator is required")
	// ErrNoGlobalTransitID is returned when a remote delete targets a file
	// that was never given a cross-host id.
	ErrNoGlobalTransitID = errors.New("transit: file has no global transit id")
)

// BuildResult is the output of one logical send: one item per resolvable
// recipient and a status for every requested recipient.
type BuildResult struct {
	Items        []models.OutboxItem
	AwaitingKeys []models.AwaitingTransferKey
	Statuses     map[models.Identity]models.TransferStatus
}

// EnvelopeBuilder turns a local file and delivery options into per-recipient
// outbox items.
type EnvelopeBuilder struct {
	local     models.Identity
	drives    ports.DriveStorage
	directory ports.Directory
	crypto    ports.Crypto
	logger    logging.Logger
}

// NewEnvelopeBuilder creates a builder for the local identity.
func NewEnvelopeBuilder(local models.Identity, drives ports.DriveStorage, directory ports.Directory, c ports.Crypto, logger logging.Logger) *EnvelopeBuilder {
	if logger == nil {
		logger = logging.Nop()
	}
	return &EnvelopeBuilder{
		local:     local.Normalize(),
		drives:    drives,
		directory: directory,
		crypto:    c,
		logger:    logger.With("module", "transit.builder"),
	}
}

// source is an opened file: its header, target drive, and plain content key.
type source struct {
	header *models.ServerFileHeader
	target models.TargetDrive
	key    *crypto.SecretKey
}

func (s *source) close() {
	s.key.Wipe()
}

// Build resolves every recipient and wraps the content key for each one that
// has a capability token. Per-recipient problems become statuses; only a
// structurally invalid request or a storage fault returns an error.
func (b *EnvelopeBuilder) Build(ctx context.Context, locator models.FileLocator, options models.TransitOptions) (*BuildResult, error) {
	if len(options.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if locator.IsZero() {
		return nil, ErrInvalidFile
	}

	result := &BuildResult{Statuses: make(map[models.Identity]models.TransferStatus, len(options.Recipients))}
	recipients := b.acceptRecipients(options.Recipients, result)
	if len(recipients) == 0 {
		return result, nil
	}

	src, reason, err := b.open(ctx, locator, options)
	if err != nil {
		return nil, err
	}
	if reason != models.FailureNone {
		status := models.LocalFailure("", reason, "").Status()
		for _, r := range recipients {
			result.Statuses[r] = status
		}
		return result, nil
	}
	defer src.close()

	for _, recipient := range recipients {
		item, reason, err := b.wrapFor(ctx, src, recipient, options)
		switch {
		case err != nil:
			return nil, err
		case reason == models.FailureRecipientKeyUnresolved:
			result.Statuses[recipient] = models.TransferStatusAwaitingTransferKey
			result.AwaitingKeys = append(result.AwaitingKeys, models.AwaitingTransferKey{
				Recipient: recipient,
				File:      locator,
				Options:   singleRecipient(options, recipient),
			})
		case reason != models.FailureNone:
			result.Statuses[recipient] = models.LocalFailure(recipient, reason, "").Status()
		default:
			result.Statuses[recipient] = models.TransferStatusTransferKeyCreated
			result.Items = append(result.Items, *item)
		}
	}

	b.logger.Debug(ctx, "envelopes built",
		"file", locator.String(),
		"items", len(result.Items),
		"awaiting_keys", len(result.AwaitingKeys),
	)
	return result, nil
}

// BuildForRecipient builds the item for one recipient. A non-empty reason
// means no item could be built; err is reserved for storage faults.
func (b *EnvelopeBuilder) BuildForRecipient(ctx context.Context, locator models.FileLocator, recipient models.Identity, options models.TransitOptions) (*models.OutboxItem, models.FailureReason, error) {
	recipient = recipient.Normalize()
	if reason := b.checkRecipient(recipient); reason != models.FailureNone {
		return nil, reason, nil
	}

	src, reason, err := b.open(ctx, locator, options)
	if err != nil || reason != models.FailureNone {
		return nil, reason, err
	}
	defer src.close()

	return b.wrapFor(ctx, src, recipient, options)
}

// BuildDelete produces delete_remote_file items asking each recipient to
// delete its copy of the file identified by header's global transit id.
func (b *EnvelopeBuilder) BuildDelete(ctx context.Context, header *models.ServerFileHeader, remoteTarget models.TargetDrive, recipients []models.Identity) ([]models.OutboxItem, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if header == nil || header.FileMetadata.GlobalTransitID == nil {
		return nil, ErrNoGlobalTransitID
	}

	request := &models.DeleteLinkedFileRequest{
		TargetDrive:     remoteTarget,
		GlobalTransitID: *header.FileMetadata.GlobalTransitID,
		FileSystemType:  header.ServerMetadata.FileSystemType,
	}

	seen := make(map[models.Identity]struct{}, len(recipients))
	items := make([]models.OutboxItem, 0, len(recipients))
	for _, r := range recipients {
		r = r.Normalize()
		if _, dup := seen[r]; dup || b.checkRecipient(r) != models.FailureNone {
			continue
		}
		seen[r] = struct{}{}
		items = append(items, models.OutboxItem{
			Type:          models.OutboxItemDeleteRemoteFile,
			Recipient:     r,
			File:          header.FileMetadata.File,
			DeleteRequest: request,
			Options: models.TransitOptions{
				Recipients:        []models.Identity{r},
				Schedule:          models.ScheduleSendLater,
				RemoteTargetDrive: &remoteTarget,
			},
		})
	}
	return items, nil
}

func (b *EnvelopeBuilder) acceptRecipients(requested []models.Identity, result *BuildResult) []models.Identity {
	out := make([]models.Identity, 0, len(requested))
	for _, r := range requested {
		r = r.Normalize()
		if _, dup := result.Statuses[r]; dup {
			continue
		}
		if reason := b.checkRecipient(r); reason != models.FailureNone {
			result.Statuses[r] = models.TransferStatusInvalidRecipient
			continue
		}
		result.Statuses[r] = ""
		out = append(out, r)
	}
	return out
}

func (b *EnvelopeBuilder) checkRecipient(r models.Identity) models.FailureReason {
	if r.Validate() != nil || r == b.local {
		return models.FailureInvalidRecipient
	}
	return models.FailureNone
}

// open loads the header and unwraps the content key with the drive storage
// key. The caller closes the source to wipe the key.
func (b *EnvelopeBuilder) open(ctx context.Context, locator models.FileLocator, options models.TransitOptions) (*source, models.FailureReason, error) {
	header, err := b.drives.GetServerFileHeader(ctx, locator)
	if err != nil {
		return nil, "", fmt.Errorf("load file header %s: %w", locator, err)
	}
	if !header.IsActive() {
		return nil, models.FailureSourceFileDoesNotExist, nil
	}
	if !header.ServerMetadata.AllowDistribution {
		return nil, models.FailureFileDoesNotAllowDistribution, nil
	}

	src := &source{header: header}
	if options.RemoteTargetDrive != nil {
		src.target = *options.RemoteTargetDrive
	} else {
		drive, err := b.drives.GetDrive(ctx, locator.DriveID)
		if err != nil {
			return nil, "", fmt.Errorf("load drive %s: %w", locator.DriveID, err)
		}
		src.target = drive.TargetDrive
	}

	if header.EncryptedKeyHeader.IsEmpty() {
		return src, models.FailureNone, nil
	}

	storageKey, err := b.drives.GetDriveStorageKey(ctx, locator.DriveID)
	if err != nil {
		return nil, "", fmt.Errorf("load storage key: %w", err)
	}
	defer storageKey.Wipe()

	ekh := header.EncryptedKeyHeader
	src.key, err = b.crypto.UnwrapKey(ekh.EncryptedAesKey, ekh.IV, storageKey)
	if err != nil {
		return nil, "", fmt.Errorf("unwrap content key %s: %w", locator, err)
	}
	return src, models.FailureNone, nil
}

// wrapFor resolves recipient's token and wraps the content key under its
// shared secret with a fresh IV. Both secrets are wiped before returning.
func (b *EnvelopeBuilder) wrapFor(ctx context.Context, src *source, recipient models.Identity, options models.TransitOptions) (*models.OutboxItem, models.FailureReason, error) {
	token, err := b.directory.ResolveCapabilityToken(ctx, recipient)
	if err != nil {
		if !errors.Is(err, ports.ErrRecipientKeyUnresolved) {
			b.logger.Warn(ctx, "capability token lookup failed", "recipient", recipient, "error", err)
		}
		return nil, models.FailureRecipientKeyUnresolved, nil
	}
	defer token.Wipe()

	instructions := &models.EncryptedRecipientTransferInstructionSet{
		TargetDrive:      src.target,
		TransferFileType: options.TransferFileType,
		FileSystemType:   src.header.ServerMetadata.FileSystemType,
		ContentsProvided: options.SendContents,
	}
	if instructions.TransferFileType == "" {
		instructions.TransferFileType = models.TransferFileTypeNormal
	}
	if instructions.FileSystemType == "" {
		instructions.FileSystemType = models.FileSystemStandard
	}

	if src.key != nil {
		iv, err := b.crypto.NewIV()
		if err != nil {
			return nil, "", err
		}
		wrapped, err := b.crypto.WrapKey(src.key, iv, token.SharedSecret)
		if err != nil {
			return nil, "", fmt.Errorf("wrap content key for %s: %w", recipient, err)
		}
		instructions.SharedSecretEncryptedKeyHeader = models.EncryptedKeyHeader{
			EncryptionVersion: models.EncryptedKeyHeaderVersion,
			Type:              models.EncryptedKeyTypeSharedSecret,
			IV:                iv,
			FileIV:            append([]byte(nil), src.header.EncryptedKeyHeader.FileIV...),
			EncryptedAesKey:   wrapped,
		}
	}

	return &models.OutboxItem{
		Type:           models.OutboxItemFile,
		Recipient:      recipient,
		File:           src.header.FileMetadata.File,
		Priority:       options.Priority,
		InstructionSet: instructions,
		Options:        singleRecipient(options, recipient),
		VersionTag:     src.header.FileMetadata.VersionTag,
	}, models.FailureNone, nil
}

func singleRecipient(options models.TransitOptions, recipient models.Identity) models.TransitOptions {
	options.Recipients = []models.Identity{recipient}
	if options.RemoteTargetDrive != nil {
		target := *options.RemoteTargetDrive
		options.RemoteTargetDrive = &target
	}
	return options
}
