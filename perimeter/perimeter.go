// Package perimeter receives transfers, deletes and feed items from remote
// identity hosts and commits them to drive storage.
package perimeter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"strings"

	"github.com/google/uuid"

	"hostlink/logging"
	"hostlink/models"
	"hostlink/ports"
	"hostlink/storage"
)

const (
	// DefaultMaxPartBytes caps one staged payload or thumbnail.
	DefaultMaxPartBytes int64 = 256 << 20
	maxJSONPartBytes          = 4 << 20
	maxOverwriteAttempts      = 3
	contentKeySize            = 32
)

var (
	errUnexpectedPart = errors.New("unexpected part")
	errPartTooLarge   = errors.New("part exceeds size limit")
	errSizeMismatch   = errors.New("part size differs from metadata")
)

// SecurityLog persists security-relevant events.
type SecurityLog interface {
	RecordSecurityEvent(identity, eventType, severity string, details map[string]any) error
}

// Config controls staging and filtering.
type Config struct {
	// StagingDir holds per-transfer temp directories. Defaults to the OS temp dir.
	StagingDir   string
	MaxPartBytes int64
	Filters      FilterChain
}

// Perimeter stages and commits inbound requests.
type Perimeter struct {
	local     models.Identity
	drives    ports.DriveStorage
	directory ports.Directory
	crypto    ports.Crypto
	security  SecurityLog
	cfg       Config
	logger    logging.Logger
}

// New creates a perimeter. security may be nil.
func New(local models.Identity, drives ports.DriveStorage, directory ports.Directory, crypto ports.Crypto, security SecurityLog, cfg Config, logger logging.Logger) *Perimeter {
	if cfg.StagingDir == "" {
		cfg.StagingDir = os.TempDir()
	}
	if cfg.MaxPartBytes <= 0 {
		cfg.MaxPartBytes = DefaultMaxPartBytes
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Perimeter{
		local:     local.Normalize(),
		drives:    drives,
		directory: directory,
		crypto:    crypto,
		security:  security,
		cfg:       cfg,
		logger:    logger.With("module", "perimeter"),
	}
}

// rejection aborts a transfer with the response the sender sees. detail
// stays in local logs.
type rejection struct {
	code   models.PeerResponseCode
	detail string
}

func (r *rejection) Error() string { return string(r.code) + ": " + r.detail }

func rejectf(code models.PeerResponseCode, format string, args ...any) error {
	return &rejection{code: code, detail: fmt.Sprintf(format, args...)}
}

// respond converts an internal error into a response without leaking detail.
func (p *Perimeter) respond(ctx context.Context, kind string, sender models.Identity, err error) models.PeerResponse {
	var rej *rejection
	if errors.As(err, &rej) {
		p.logger.Info(ctx, "inbound request refused", "kind", kind, "sender", sender, "code", rej.code, "detail", rej.detail)
		return models.PeerResponse{Code: rej.code}
	}
	p.logger.Warn(ctx, "inbound request failed", "kind", kind, "sender", sender, "error", err)
	return models.PeerResponse{Code: models.PeerResponseRejected}
}

// Receive runs the transfer state machine over body. Nothing reaches drive
// storage unless every declared part arrived and passed the filters.
func (p *Perimeter) Receive(ctx context.Context, sender models.Identity, token *ports.CapabilityToken, body *multipart.Reader) models.PeerResponse {
	state := newIncomingTransferState(sender.Normalize())
	defer state.cleanup()

	code, err := p.receive(ctx, state, token, body)
	if err != nil {
		state.abort()
		return p.respond(ctx, "transfer", state.Sender, err)
	}
	p.logger.Info(ctx, "transfer committed",
		"transfer_id", state.ID.String(),
		"sender", state.Sender,
		"drive", state.DriveID.String(),
		"parts", len(state.Parts),
		"code", code,
	)
	return models.PeerResponse{Code: code}
}

func (p *Perimeter) receive(ctx context.Context, state *IncomingTransferState, token *ports.CapabilityToken, body *multipart.Reader) (models.PeerResponseCode, error) {
	if err := p.readInstructionSet(ctx, state, body); err != nil {
		return "", err
	}
	if err := state.advance(PhaseReceivingMetadata); err != nil {
		return "", err
	}

	if err := p.readMetadata(state, body); err != nil {
		return "", err
	}
	if err := state.advance(PhaseReceivingParts); err != nil {
		return "", err
	}

	if err := p.readParts(ctx, state, body); err != nil {
		return "", err
	}
	if err := state.advance(PhaseValidating); err != nil {
		return "", err
	}

	if missing := state.missingParts(); len(missing) > 0 {
		return "", rejectf(models.PeerResponseRejected, "missing parts %s", strings.Join(missing, ", "))
	}
	keyHeader, err := p.unwrapKeyHeader(state, token)
	if err != nil {
		return "", err
	}
	defer keyHeader.Wipe()

	code, err := p.commit(ctx, state, keyHeader)
	if err != nil {
		return "", err
	}
	if err := state.advance(PhaseCommitted); err != nil {
		return "", err
	}
	return code, nil
}

func (p *Perimeter) readInstructionSet(ctx context.Context, state *IncomingTransferState, body *multipart.Reader) error {
	if err := readJSONPart(body, ports.PartTransferKeyHeader, &state.InstructionSet); err != nil {
		return err
	}
	target := state.InstructionSet.TargetDrive
	if !target.IsValid() {
		return rejectf(models.PeerResponseRejected, "invalid target drive")
	}

	driveID, err := p.directory.ResolveDriveID(ctx, target)
	if err != nil {
		return rejectf(models.PeerResponseRejected, "unknown target drive %s", target.Alias)
	}
	state.DriveID = driveID

	inboxOnly, err := p.authorizeWriter(ctx, state.Sender, driveID, target)
	if err != nil {
		return err
	}
	state.InboxOnly = inboxOnly
	return nil
}

// authorizeWriter checks the sender may write to the drive. Unconnected
// senders may only write to the feed drive, and only when followed.
func (p *Perimeter) authorizeWriter(ctx context.Context, sender models.Identity, driveID uuid.UUID, target models.TargetDrive) (bool, error) {
	if target == models.FeedDrive {
		following, err := p.directory.IsFollowing(ctx, sender)
		if err != nil {
			return false, fmt.Errorf("check following %s: %w", sender, err)
		}
		if !following {
			p.recordSecurity(sender, storage.SecurityEventDriveDenied, storage.SecuritySeverityWarning, map[string]any{"drive": "feed"})
			return false, rejectf(models.PeerResponseAccessDenied, "feed write from unfollowed %s", sender)
		}
	} else {
		connected, err := p.directory.IsConnected(ctx, sender)
		if err != nil {
			return false, fmt.Errorf("check connection %s: %w", sender, err)
		}
		if !connected {
			return false, rejectf(models.PeerResponseQuarantinedSenderNotConnected, "sender not connected")
		}
	}

	err := p.drives.AssertCanWriteToDrive(ctx, driveID, sender)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, ports.ErrInboxOnly):
		return true, nil
	case errors.Is(err, ports.ErrAccessDenied):
		p.recordSecurity(sender, storage.SecurityEventDriveDenied, storage.SecuritySeverityWarning, map[string]any{"drive": driveID.String()})
		return false, rejectf(models.PeerResponseAccessDenied, "write denied on %s", driveID)
	default:
		return false, fmt.Errorf("authorize drive write: %w", err)
	}
}

func (p *Perimeter) readMetadata(state *IncomingTransferState, body *multipart.Reader) error {
	if err := readJSONPart(body, ports.PartMetadata, &state.Metadata); err != nil {
		return err
	}
	res := p.cfg.Filters.FilterMetadata(state.Sender, state.Metadata)
	state.Verdicts[ports.PartMetadata] = res.Verdict
	return p.verdictError(state, ports.PartMetadata, res)
}

func (p *Perimeter) readParts(ctx context.Context, state *IncomingTransferState, body *multipart.Reader) error {
	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		part, err := body.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return rejectf(models.PeerResponseRejected, "read part: %v", err)
		}

		info, err := p.describePart(state, part)
		if err != nil {
			part.Close()
			return err
		}
		staged, err := p.stage(state, index, info, part)
		part.Close()
		if err != nil {
			return err
		}
		state.StagedBytes += staged.Size
		info.Size, info.StagedTotal = staged.Size, state.StagedBytes
		if declared := declaredSize(state.Metadata, info); staged.Size != declared {
			return rejectf(models.PeerResponseRejected, "%v: %q streamed %d bytes, declared %d",
				errSizeMismatch, part.FileName(), staged.Size, declared)
		}

		name := part.FileName()
		res := p.cfg.Filters.FilterPart(state.Sender, info)
		state.Verdicts[name] = res.Verdict
		if err := p.verdictError(state, name, res); err != nil {
			return err
		}
		state.Parts = append(state.Parts, staged)
	}
}

// describePart maps a multipart part onto a declared payload or thumbnail.
func (p *Perimeter) describePart(state *IncomingTransferState, part *multipart.Part) (PartInfo, error) {
	info := PartInfo{ContentType: part.Header.Get("Content-Type")}
	switch part.FormName() {
	case ports.PartPayload:
		info.PayloadKey = part.FileName()
	case ports.PartThumbnail:
		key, width, height, err := ports.ParseThumbnailPartName(part.FileName())
		if err != nil {
			return PartInfo{}, rejectf(models.PeerResponseRejected, "%v", err)
		}
		info.PayloadKey, info.Width, info.Height = key, width, height
	default:
		return PartInfo{}, rejectf(models.PeerResponseRejected, "%v %q", errUnexpectedPart, part.FormName())
	}

	descriptor, ok := state.Metadata.Payload(info.PayloadKey)
	if !ok {
		return PartInfo{}, rejectf(models.PeerResponseRejected, "undeclared payload %q", info.PayloadKey)
	}
	if info.IsThumbnail() && !declaresThumbnail(descriptor, info.Width, info.Height) {
		return PartInfo{}, rejectf(models.PeerResponseRejected, "undeclared thumbnail %q", part.FileName())
	}
	if state.hasPart(info.PayloadKey, info.Width, info.Height) {
		return PartInfo{}, rejectf(models.PeerResponseRejected, "duplicate part %q", part.FileName())
	}
	return info, nil
}

func declaredSize(md models.FileMetadata, info PartInfo) int64 {
	descriptor, _ := md.Payload(info.PayloadKey)
	if !info.IsThumbnail() {
		return descriptor.BytesWritten
	}
	for _, t := range descriptor.Thumbnails {
		if t.PixelWidth == info.Width && t.PixelHeight == info.Height {
			return t.BytesWritten
		}
	}
	return 0
}

func declaresThumbnail(p models.PayloadDescriptor, width, height int) bool {
	for _, t := range p.Thumbnails {
		if t.PixelWidth == width && t.PixelHeight == height {
			return true
		}
	}
	return false
}

// stage streams a part to the transfer's temp directory.
func (p *Perimeter) stage(state *IncomingTransferState, index int, info PartInfo, r io.Reader) (ports.StagedPart, error) {
	dir, err := state.stagingDir(p.cfg.StagingDir)
	if err != nil {
		return ports.StagedPart{}, err
	}
	path := stagedPath(dir, index)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return ports.StagedPart{}, fmt.Errorf("create staged part: %w", err)
	}
	n, copyErr := io.Copy(f, io.LimitReader(r, p.cfg.MaxPartBytes+1))
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		return ports.StagedPart{}, rejectf(models.PeerResponseRejected, "stream part %q: %v", info.PayloadKey, copyErr)
	case closeErr != nil:
		return ports.StagedPart{}, fmt.Errorf("close staged part: %w", closeErr)
	case n > p.cfg.MaxPartBytes:
		return ports.StagedPart{}, rejectf(models.PeerResponseRejected, "%v: %q", errPartTooLarge, info.PayloadKey)
	}

	return ports.StagedPart{
		PayloadKey:  info.PayloadKey,
		ContentType: info.ContentType,
		Width:       info.Width,
		Height:      info.Height,
		Path:        path,
		Size:        n,
	}, nil
}

func (p *Perimeter) verdictError(state *IncomingTransferState, name string, res FilterResult) error {
	switch res.Verdict {
	case VerdictAccept:
		return nil
	case VerdictQuarantine:
		p.recordSecurity(state.Sender, storage.SecurityEventPayloadBlocked, storage.SecuritySeverityInfo, map[string]any{
			"transfer_id": state.ID.String(),
			"part":        name,
			"reason":      res.Reason,
		})
		return rejectf(models.PeerResponseQuarantinedPayload, "%s quarantined: %s", name, res.Reason)
	default:
		return rejectf(models.PeerResponseRejected, "%s rejected: %s", name, res.Reason)
	}
}

// unwrapKeyHeader recovers the content key wrapped under the pair's shared
// secret. Unencrypted files carry no key.
func (p *Perimeter) unwrapKeyHeader(state *IncomingTransferState, token *ports.CapabilityToken) (*models.KeyHeader, error) {
	ekh := state.InstructionSet.SharedSecretEncryptedKeyHeader
	if ekh.IsEmpty() {
		if state.Metadata.IsEncrypted {
			return nil, rejectf(models.PeerResponseRejected, "encrypted file without key header")
		}
		return nil, nil
	}
	if token == nil || token.SharedSecret == nil {
		return nil, rejectf(models.PeerResponseRejected, "no shared secret for key header")
	}
	key, err := p.crypto.UnwrapKey(ekh.EncryptedAesKey, ekh.IV, token.SharedSecret)
	if err != nil {
		return nil, rejectf(models.PeerResponseRejected, "unwrap key header: %v", err)
	}
	if key.Len() != contentKeySize {
		key.Wipe()
		return nil, rejectf(models.PeerResponseRejected, "unwrapped key has %d bytes", key.Len())
	}
	return &models.KeyHeader{AesKey: key, IV: append([]byte(nil), ekh.FileIV...)}, nil
}

// commit performs the single storage write for the transfer.
func (p *Perimeter) commit(ctx context.Context, state *IncomingTransferState, keyHeader *models.KeyHeader) (models.PeerResponseCode, error) {
	md := state.Metadata
	md.File = models.FileLocator{}
	md.SenderIdentity = state.Sender
	caller := ports.Caller{Identity: state.Sender}

	if state.InboxOnly {
		if err := p.drives.WriteToInbox(ctx, state.DriveID, keyHeader, md, state.Parts, caller); err != nil {
			return "", fmt.Errorf("write inbox: %w", err)
		}
		return models.PeerResponseAcceptedIntoInbox, nil
	}

	serverMetadata := models.ServerMetadata{
		AccessControlList: models.AccessControlList{RequiredSecurityGroup: models.SecurityGroupOwner},
		FileSystemType:    state.InstructionSet.FileSystemType,
	}
	drive, err := p.drives.GetDrive(ctx, state.DriveID)
	if err != nil {
		return "", fmt.Errorf("load drive: %w", err)
	}
	if drive.IsCollaborativeRelay() {
		// Relayed copies fan out to the drive's followers.
		serverMetadata.AllowDistribution = true
		serverMetadata.AccessControlList.RequiredSecurityGroup = models.SecurityGroupConnected
	}
	if err := p.upsert(ctx, state.DriveID, state.Sender, keyHeader, md, serverMetadata, state.Parts, caller); err != nil {
		return "", err
	}
	return models.PeerResponseAcceptedDirectWrite, nil
}

// upsert writes a new file or overwrites the copy with the same global
// transit id, so a redelivered transfer updates rather than duplicates.
func (p *Perimeter) upsert(ctx context.Context, driveID uuid.UUID, sender models.Identity, keyHeader *models.KeyHeader, md models.FileMetadata, serverMetadata models.ServerMetadata, parts []ports.StagedPart, caller ports.Caller) error {
	if md.GlobalTransitID == nil {
		locator := models.FileLocator{DriveID: driveID, FileID: uuid.New()}
		if _, err := p.drives.WriteNewFile(ctx, locator, keyHeader, md, serverMetadata, parts, caller); err != nil {
			return fmt.Errorf("write new file: %w", err)
		}
		return nil
	}

	for attempt := 0; attempt < maxOverwriteAttempts; attempt++ {
		existing, err := p.drives.FindByGlobalTransitID(ctx, driveID, *md.GlobalTransitID)
		if err != nil {
			return fmt.Errorf("find by global transit id: %w", err)
		}
		if existing == nil {
			locator := models.FileLocator{DriveID: driveID, FileID: uuid.New()}
			_, err := p.drives.WriteNewFile(ctx, locator, keyHeader, md, serverMetadata, parts, caller)
			if err != nil {
				return fmt.Errorf("write new file: %w", err)
			}
			return nil
		}
		if existing.FileMetadata.SenderIdentity.Normalize() != sender {
			p.recordSecurity(sender, storage.SecurityEventDriveDenied, storage.SecuritySeverityCritical, map[string]any{
				"global_transit_id": md.GlobalTransitID.String(),
				"owner":             string(existing.FileMetadata.SenderIdentity),
			})
			return rejectf(models.PeerResponseAccessDenied, "global transit id owned by %s", existing.FileMetadata.SenderIdentity)
		}

		_, err = p.drives.OverwriteFile(ctx, existing.FileMetadata.File, keyHeader, md, existing.FileMetadata.VersionTag, parts, caller)
		if errors.Is(err, ports.ErrVersionTagMismatch) {
			continue
		}
		if err != nil {
			return fmt.Errorf("overwrite file: %w", err)
		}
		return nil
	}
	return rejectf(models.PeerResponseRejected, "concurrent writes to %s", md.GlobalTransitID)
}

// ReceiveDelete soft-deletes the sender's copy of a file. Deleting a file
// that is already gone succeeds.
func (p *Perimeter) ReceiveDelete(ctx context.Context, sender models.Identity, req models.DeleteLinkedFileRequest) models.PeerResponse {
	sender = sender.Normalize()
	if err := p.receiveDelete(ctx, sender, req); err != nil {
		return p.respond(ctx, "delete", sender, err)
	}
	return models.PeerResponse{Code: models.PeerResponseAcceptedIntoInbox}
}

func (p *Perimeter) receiveDelete(ctx context.Context, sender models.Identity, req models.DeleteLinkedFileRequest) error {
	if !req.TargetDrive.IsValid() || req.GlobalTransitID == uuid.Nil {
		return rejectf(models.PeerResponseRejected, "invalid delete request")
	}
	driveID, err := p.directory.ResolveDriveID(ctx, req.TargetDrive)
	if err != nil {
		return rejectf(models.PeerResponseRejected, "unknown target drive %s", req.TargetDrive.Alias)
	}
	return p.deleteOwned(ctx, sender, driveID, req.GlobalTransitID)
}

func (p *Perimeter) deleteOwned(ctx context.Context, sender models.Identity, driveID, gtid uuid.UUID) error {
	existing, err := p.drives.FindByGlobalTransitID(ctx, driveID, gtid)
	if err != nil {
		return fmt.Errorf("find by global transit id: %w", err)
	}
	if !existing.IsActive() {
		return nil
	}
	if existing.FileMetadata.SenderIdentity.Normalize() != sender {
		p.recordSecurity(sender, storage.SecurityEventDriveDenied, storage.SecuritySeverityWarning, map[string]any{
			"global_transit_id": gtid.String(),
			"action":            "delete",
		})
		return rejectf(models.PeerResponseAccessDenied, "delete of file not sent by %s", sender)
	}
	if err := p.drives.SoftDelete(ctx, existing.FileMetadata.File, ports.Caller{Identity: sender}); err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	return nil
}

// ReceiveFeedItem applies a feed-path update to the local feed drive. Only
// identities the owner follows may write there.
func (p *Perimeter) ReceiveFeedItem(ctx context.Context, sender models.Identity, item models.FeedItem) models.PeerResponse {
	sender = sender.Normalize()
	if err := p.receiveFeedItem(ctx, sender, item); err != nil {
		return p.respond(ctx, "feed", sender, err)
	}
	return models.PeerResponse{Code: models.PeerResponseAcceptedDirectWrite}
}

func (p *Perimeter) receiveFeedItem(ctx context.Context, sender models.Identity, item models.FeedItem) error {
	following, err := p.directory.IsFollowing(ctx, sender)
	if err != nil {
		return fmt.Errorf("check following %s: %w", sender, err)
	}
	if !following {
		p.recordSecurity(sender, storage.SecurityEventFeedRejected, storage.SecuritySeverityWarning, map[string]any{"reason": "not followed"})
		return rejectf(models.PeerResponseAccessDenied, "feed item from unfollowed %s", sender)
	}
	if item.GlobalTransitID == uuid.Nil {
		return rejectf(models.PeerResponseRejected, "feed item without global transit id")
	}
	driveID, err := p.directory.ResolveDriveID(ctx, models.FeedDrive)
	if err != nil {
		return fmt.Errorf("resolve feed drive: %w", err)
	}

	switch item.DistroType {
	case models.FeedDistroDeleteFile:
		return p.deleteOwned(ctx, sender, driveID, item.GlobalTransitID)
	case models.FeedDistroFileMetadata:
		return p.applyFeedMetadata(ctx, sender, driveID, item)
	case models.FeedDistroReactionPreviewUpdate:
		return p.applyReactionPreview(ctx, sender, driveID, item)
	default:
		return rejectf(models.PeerResponseRejected, "unknown distro type %q", item.DistroType)
	}
}

func (p *Perimeter) applyFeedMetadata(ctx context.Context, sender models.Identity, driveID uuid.UUID, item models.FeedItem) error {
	if item.Metadata == nil {
		return rejectf(models.PeerResponseRejected, "feed item without metadata")
	}
	md := *item.Metadata
	if md.IsEncrypted {
		return rejectf(models.PeerResponseRejected, "encrypted metadata on the feed path")
	}
	if res := p.cfg.Filters.FilterMetadata(sender, md); !res.Accepted() {
		return rejectf(models.PeerResponseRejected, "feed metadata filtered: %s", res.Reason)
	}

	gtid := item.GlobalTransitID
	md.GlobalTransitID = &gtid
	md.File = models.FileLocator{}
	md.SenderIdentity = sender
	md.Payloads = nil

	serverMetadata := models.ServerMetadata{
		AccessControlList: models.AccessControlList{RequiredSecurityGroup: models.SecurityGroupOwner},
		FileSystemType:    item.FileSystemType,
	}
	return p.upsert(ctx, driveID, sender, nil, md, serverMetadata, nil, ports.Caller{Identity: sender})
}

func (p *Perimeter) applyReactionPreview(ctx context.Context, sender models.Identity, driveID uuid.UUID, item models.FeedItem) error {
	if item.Metadata == nil {
		return rejectf(models.PeerResponseRejected, "reaction preview without metadata")
	}
	for attempt := 0; attempt < maxOverwriteAttempts; attempt++ {
		existing, err := p.drives.FindByGlobalTransitID(ctx, driveID, item.GlobalTransitID)
		if err != nil {
			return fmt.Errorf("find by global transit id: %w", err)
		}
		if !existing.IsActive() {
			return nil
		}
		if existing.FileMetadata.SenderIdentity.Normalize() != sender {
			return rejectf(models.PeerResponseAccessDenied, "reaction preview for file not sent by %s", sender)
		}

		md := existing.FileMetadata
		md.ReactionPreview = append([]byte(nil), item.Metadata.ReactionPreview...)
		_, err = p.drives.OverwriteFile(ctx, md.File, nil, md, md.VersionTag, nil, ports.Caller{Identity: sender})
		if errors.Is(err, ports.ErrVersionTagMismatch) {
			continue
		}
		if err != nil {
			return fmt.Errorf("update reaction preview: %w", err)
		}
		return nil
	}
	return rejectf(models.PeerResponseRejected, "concurrent writes to %s", item.GlobalTransitID)
}

func (p *Perimeter) recordSecurity(identity models.Identity, eventType, severity string, details map[string]any) {
	if p.security == nil {
		return
	}
	if err := p.security.RecordSecurityEvent(string(identity), eventType, severity, details); err != nil {
		p.logger.Warn(context.Background(), "record security event failed", "event_type", eventType, "error", err)
	}
}

func readJSONPart(body *multipart.Reader, name string, v any) error {
	part, err := body.NextPart()
	if err != nil {
		return rejectf(models.PeerResponseRejected, "expected %s part: %v", name, err)
	}
	defer part.Close()
	if part.FormName() != name {
		return rejectf(models.PeerResponseRejected, "%v %q, expected %s", errUnexpectedPart, part.FormName(), name)
	}
	if err := json.NewDecoder(io.LimitReader(part, maxJSONPartBytes)).Decode(v); err != nil {
		return rejectf(models.PeerResponseRejected, "decode %s: %v", name, err)
	}
	return nil
}
