// Package drivestore is an in-memory implementation of the drive storage port.
// It backs the development daemon and package tests.
package drivestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"hostlink/crypto"
	"hostlink/models"
	"hostlink/ports"
)

// DrivePolicy controls who may write to a drive from outside.
type DrivePolicy struct {
	AllowAnyWriter   bool
	Writers          []models.Identity
	InboxOnlyWriters []models.Identity
}

// InboxEntry is a transfer parked for later processing by the owner.
type InboxEntry struct {
	DriveID   uuid.UUID
	Sender    models.Identity
	KeyHeader *models.EncryptedKeyHeader
	Metadata  models.FileMetadata
	Contents  map[string][]byte
	Received  time.Time
}

type thumbKey struct {
	payloadKey    string
	width, height int
}

type fileRecord struct {
	header     models.ServerFileHeader
	payloads   map[string][]byte
	thumbnails map[thumbKey][]byte
}

type driveRecord struct {
	definition models.DriveDefinition
	policy     DrivePolicy
	storageKey []byte
}

// Store keeps drives, files, and inbox entries in memory.
type Store struct {
	mu      sync.RWMutex
	crypto  crypto.Suite
	drives  map[uuid.UUID]*driveRecord
	files   map[models.FileLocator]*fileRecord
	inbox   []InboxEntry
	circles map[uuid.UUID]map[models.Identity]struct{}

	subMu       sync.RWMutex
	subscribers []func(context.Context, ports.FileChangedEvent)
}

// New returns an empty store.
func New() *Store {
	return &Store{
		drives:  make(map[uuid.UUID]*driveRecord),
		files:   make(map[models.FileLocator]*fileRecord),
		circles: make(map[uuid.UUID]map[models.Identity]struct{}),
	}
}

// Subscribe registers fn to receive every FileChangedEvent. Handlers run
// synchronously on the writing goroutine after the write is visible.
func (s *Store) Subscribe(fn func(context.Context, ports.FileChangedEvent)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// CreateDrive registers a drive with a fresh storage key.
func (s *Store) CreateDrive(definition models.DriveDefinition, policy DrivePolicy) (models.DriveDefinition, error) {
	if definition.ID == uuid.Nil {
		definition.ID = uuid.New()
	}
	if !definition.TargetDrive.IsValid() {
		return models.DriveDefinition{}, errors.New("drive target alias and type are required")
	}
	key, err := crypto.GenerateSecretKey()
	if err != nil {
		return models.DriveDefinition{}, err
	}
	raw := make([]byte, key.Len())
	_ = key.Use(func(b []byte) error {
		copy(raw, b)
		return nil
	})
	key.Wipe()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.drives {
		if d.definition.TargetDrive == definition.TargetDrive {
			return models.DriveDefinition{}, fmt.Errorf("drive %s already exists", definition.TargetDrive.Alias)
		}
	}
	s.drives[definition.ID] = &driveRecord{definition: definition, policy: policy, storageKey: raw}
	return definition, nil
}

// ResolveDrive returns the local id of a target drive.
func (s *Store) ResolveDrive(target models.TargetDrive) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, d := range s.drives {
		if d.definition.TargetDrive == target {
			return id, nil
		}
	}
	return uuid.Nil, ports.ErrNotFound
}

// SetCircleMembers replaces the members of a circle used for ACL checks.
func (s *Store) SetCircleMembers(circle uuid.UUID, members ...models.Identity) {
	set := make(map[models.Identity]struct{}, len(members))
	for _, m := range members {
		set[m.Normalize()] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.circles[circle] = set
}

// CreateLocalFile writes a locally authored file. keyHeader may be nil for
// unencrypted files. contents maps payload keys to bytes.
func (s *Store) CreateLocalFile(ctx context.Context, driveID uuid.UUID, keyHeader *models.KeyHeader, metadata models.FileMetadata, serverMetadata models.ServerMetadata, contents map[string][]byte) (*models.ServerFileHeader, error) {
	locator := models.FileLocator{DriveID: driveID, FileID: uuid.New()}
	metadata.SenderIdentity = ""
	return s.write(ctx, locator, keyHeader, metadata, &serverMetadata, contents, nil, uuid.Nil, ports.Caller{IsOwner: true}, false)
}

// UpdateLocalFile overwrites a local file as the owner.
func (s *Store) UpdateLocalFile(ctx context.Context, locator models.FileLocator, metadata models.FileMetadata, expectedVersionTag uuid.UUID) (*models.ServerFileHeader, error) {
	return s.write(ctx, locator, nil, metadata, nil, nil, nil, expectedVersionTag, ports.Caller{IsOwner: true}, true)
}

// UpdateReactionPreview replaces the reaction summary of a file and emits a
// reaction-preview event attributed to caller.
func (s *Store) UpdateReactionPreview(ctx context.Context, locator models.FileLocator, preview json.RawMessage, caller ports.Caller) error {
	s.mu.Lock()
	rec, ok := s.files[locator]
	if !ok || !rec.header.IsActive() {
		s.mu.Unlock()
		return ports.ErrNotFound
	}
	rec.header.FileMetadata.ReactionPreview = append(json.RawMessage(nil), preview...)
	rec.header.FileMetadata.Updated = time.Now().UnixMilli()
	header := cloneHeader(rec.header)
	s.mu.Unlock()

	s.emit(ctx, ports.FileChangedEvent{Kind: ports.FileReactionPreviewChanged, Locator: locator, Header: header, Caller: caller})
	return nil
}

// Inbox returns entries parked for driveID.
func (s *Store) Inbox(driveID uuid.UUID) []InboxEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]InboxEntry, 0)
	for _, e := range s.inbox {
		if e.DriveID == driveID {
			out = append(out, e)
		}
	}
	return out
}

// Files returns headers of every file on driveID, including deleted ones.
func (s *Store) Files(driveID uuid.UUID) []models.ServerFileHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ServerFileHeader, 0)
	for loc, rec := range s.files {
		if loc.DriveID == driveID {
			out = append(out, cloneHeader(rec.header))
		}
	}
	return out
}

func (s *Store) GetServerFileHeader(_ context.Context, locator models.FileLocator) (*models.ServerFileHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.files[locator]
	if !ok {
		return nil, nil
	}
	header := cloneHeader(rec.header)
	return &header, nil
}

func (s *Store) FindByGlobalTransitID(_ context.Context, driveID, globalTransitID uuid.UUID) (*models.ServerFileHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for loc, rec := range s.files {
		gtid := rec.header.FileMetadata.GlobalTransitID
		if loc.DriveID == driveID && gtid != nil && *gtid == globalTransitID {
			header := cloneHeader(rec.header)
			return &header, nil
		}
	}
	return nil, nil
}

func (s *Store) GetDrive(_ context.Context, driveID uuid.UUID) (*models.DriveDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drives[driveID]
	if !ok {
		return nil, ports.ErrNotFound
	}
	def := d.definition
	return &def, nil
}

func (s *Store) GetDriveStorageKey(_ context.Context, driveID uuid.UUID) (*crypto.SecretKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drives[driveID]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return crypto.CloneSecretKey(d.storageKey), nil
}

func (s *Store) WriteNewFile(ctx context.Context, locator models.FileLocator, keyHeader *models.KeyHeader, metadata models.FileMetadata, serverMetadata models.ServerMetadata, parts []ports.StagedPart, caller ports.Caller) (*models.ServerFileHeader, error) {
	payloads, thumbs, err := readStagedParts(parts)
	if err != nil {
		return nil, err
	}
	return s.write(ctx, locator, keyHeader, metadata, &serverMetadata, payloads, thumbs, uuid.Nil, caller, false)
}

func (s *Store) OverwriteFile(ctx context.Context, locator models.FileLocator, keyHeader *models.KeyHeader, metadata models.FileMetadata, expectedVersionTag uuid.UUID, parts []ports.StagedPart, caller ports.Caller) (*models.ServerFileHeader, error) {
	payloads, thumbs, err := readStagedParts(parts)
	if err != nil {
		return nil, err
	}
	return s.write(ctx, locator, keyHeader, metadata, nil, payloads, thumbs, expectedVersionTag, caller, true)
}

func (s *Store) WriteToInbox(_ context.Context, driveID uuid.UUID, keyHeader *models.KeyHeader, metadata models.FileMetadata, parts []ports.StagedPart, caller ports.Caller) error {
	payloads, _, err := readStagedParts(parts)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drives[driveID]
	if !ok {
		return ports.ErrNotFound
	}
	var wrapped *models.EncryptedKeyHeader
	if keyHeader != nil {
		ekh, err := s.wrapForStorage(d.storageKey, keyHeader)
		if err != nil {
			return err
		}
		wrapped = &ekh
	}
	metadata.SenderIdentity = caller.Identity
	s.inbox = append(s.inbox, InboxEntry{
		DriveID:   driveID,
		Sender:    caller.Identity,
		KeyHeader: wrapped,
		Metadata:  metadata,
		Contents:  payloads,
		Received:  time.Now(),
	})
	return nil
}

func (s *Store) SoftDelete(ctx context.Context, locator models.FileLocator, caller ports.Caller) error {
	s.mu.Lock()
	rec, ok := s.files[locator]
	if !ok {
		s.mu.Unlock()
		return ports.ErrNotFound
	}
	if rec.header.FileState == models.FileStateDeleted {
		s.mu.Unlock()
		return nil
	}
	rec.header.FileState = models.FileStateDeleted
	rec.header.FileMetadata.VersionTag = uuid.New()
	rec.header.FileMetadata.Updated = time.Now().UnixMilli()
	rec.header.FileMetadata.Payloads = nil
	rec.payloads = map[string][]byte{}
	rec.thumbnails = map[thumbKey][]byte{}
	header := cloneHeader(rec.header)
	s.mu.Unlock()

	s.emit(ctx, ports.FileChangedEvent{Kind: ports.FileDeleted, Locator: locator, Header: header, Caller: caller})
	return nil
}

func (s *Store) HardDelete(_ context.Context, locator models.FileLocator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[locator]; !ok {
		return ports.ErrNotFound
	}
	delete(s.files, locator)
	return nil
}

func (s *Store) GetPayloadStream(_ context.Context, locator models.FileLocator, key string, rng *ports.ByteRange) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.files[locator]
	if !ok || !rec.header.IsActive() {
		return nil, ports.ErrNotFound
	}
	data, ok := rec.payloads[key]
	if !ok {
		return nil, ports.ErrNotFound
	}
	if rng != nil {
		start := min(max(rng.Start, 0), int64(len(data)))
		end := int64(len(data))
		if rng.Length > 0 {
			end = min(start+rng.Length, end)
		}
		data = data[start:end]
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) GetThumbnailStream(_ context.Context, locator models.FileLocator, payloadKey string, width, height int) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.files[locator]
	if !ok || !rec.header.IsActive() {
		return nil, ports.ErrNotFound
	}
	data, ok := rec.thumbnails[thumbKey{payloadKey: payloadKey, width: width, height: height}]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) AssertCanWriteToDrive(_ context.Context, driveID uuid.UUID, caller models.Identity) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drives[driveID]
	if !ok {
		return ports.ErrAccessDenied
	}
	caller = caller.Normalize()
	if d.policy.AllowAnyWriter {
		return nil
	}
	for _, w := range d.policy.Writers {
		if w.Normalize() == caller {
			return nil
		}
	}
	for _, w := range d.policy.InboxOnlyWriters {
		if w.Normalize() == caller {
			return ports.ErrInboxOnly
		}
	}
	return ports.ErrAccessDenied
}

func (s *Store) CanRecipientRead(_ context.Context, locator models.FileLocator, recipient models.Identity) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.files[locator]
	if !ok {
		return false, ports.ErrNotFound
	}
	recipient = recipient.Normalize()
	acl := rec.header.ServerMetadata.AccessControlList

	switch acl.RequiredSecurityGroup {
	case models.SecurityGroupAnonymous, models.SecurityGroupAuthenticated:
		return true, nil
	case models.SecurityGroupConnected:
		if len(acl.CircleIDs) == 0 {
			return s.inCircle(models.SystemCircleConnected, recipient), nil
		}
		for _, circle := range acl.CircleIDs {
			if s.inCircle(circle, recipient) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, nil
	}
}

func (s *Store) inCircle(circle uuid.UUID, identity models.Identity) bool {
	_, ok := s.circles[circle][identity]
	return ok
}

// write is the single mutation path. expectedVersionTag is checked when
// overwrite is true; serverMetadata nil keeps the stored value.
func (s *Store) write(ctx context.Context, locator models.FileLocator, keyHeader *models.KeyHeader, metadata models.FileMetadata, serverMetadata *models.ServerMetadata, payloads map[string][]byte, thumbs map[thumbKey][]byte, expectedVersionTag uuid.UUID, caller ports.Caller, overwrite bool) (*models.ServerFileHeader, error) {
	if locator.DriveID == uuid.Nil || locator.FileID == uuid.Nil {
		return nil, errors.New("file locator is required")
	}

	s.mu.Lock()
	d, ok := s.drives[locator.DriveID]
	if !ok {
		s.mu.Unlock()
		return nil, ports.ErrNotFound
	}

	existing, exists := s.files[locator]
	switch {
	case overwrite && !exists:
		s.mu.Unlock()
		return nil, ports.ErrNotFound
	case overwrite && existing.header.FileMetadata.VersionTag != expectedVersionTag:
		s.mu.Unlock()
		return nil, ports.ErrVersionTagMismatch
	case !overwrite && exists:
		s.mu.Unlock()
		return nil, fmt.Errorf("file %s already exists", locator)
	}

	now := time.Now().UnixMilli()
	rec := &fileRecord{payloads: map[string][]byte{}, thumbnails: map[thumbKey][]byte{}}
	if exists {
		rec.header = existing.header
		rec.payloads = existing.payloads
		rec.thumbnails = existing.thumbnails
	} else {
		metadata.Created = now
	}
	if exists && metadata.Created == 0 {
		metadata.Created = existing.header.FileMetadata.Created
	}

	if keyHeader != nil {
		ekh, err := s.wrapForStorage(d.storageKey, keyHeader)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		rec.header.EncryptedKeyHeader = ekh
	}
	if serverMetadata != nil {
		rec.header.ServerMetadata = *serverMetadata
	}
	if len(payloads) > 0 || len(thumbs) > 0 || !exists {
		rec.payloads = payloads
		rec.thumbnails = thumbs
		if rec.payloads == nil {
			rec.payloads = map[string][]byte{}
		}
		if rec.thumbnails == nil {
			rec.thumbnails = map[thumbKey][]byte{}
		}
	}

	metadata.Payloads = stampSizes(metadata.Payloads, rec.payloads, rec.thumbnails)
	metadata.File = locator
	metadata.VersionTag = uuid.New()
	metadata.Updated = now
	rec.header.FileMetadata = metadata
	rec.header.FileState = models.FileStateActive

	var total int64
	for _, p := range rec.payloads {
		total += int64(len(p))
	}
	rec.header.ServerMetadata.FileByteCount = total

	s.files[locator] = rec
	header := cloneHeader(rec.header)
	s.mu.Unlock()

	kind := ports.FileAdded
	if exists {
		kind = ports.FileModified
	}
	s.emit(ctx, ports.FileChangedEvent{Kind: kind, Locator: locator, Header: header, Caller: caller})
	return &header, nil
}

func (s *Store) wrapForStorage(storageKey []byte, keyHeader *models.KeyHeader) (models.EncryptedKeyHeader, error) {
	iv, err := s.crypto.NewIV()
	if err != nil {
		return models.EncryptedKeyHeader{}, err
	}
	wrapping := crypto.CloneSecretKey(storageKey)
	defer wrapping.Wipe()

	ciphertext, err := s.crypto.WrapKey(keyHeader.AesKey, iv, wrapping)
	if err != nil {
		return models.EncryptedKeyHeader{}, err
	}
	return models.EncryptedKeyHeader{
		EncryptionVersion: models.EncryptedKeyHeaderVersion,
		Type:              models.EncryptedKeyTypeStorageKey,
		IV:                iv,
		FileIV:            append([]byte(nil), keyHeader.IV...),
		EncryptedAesKey:   ciphertext,
	}, nil
}

func (s *Store) emit(ctx context.Context, event ports.FileChangedEvent) {
	s.subMu.RLock()
	subscribers := append([]func(context.Context, ports.FileChangedEvent){}, s.subscribers...)
	s.subMu.RUnlock()
	for _, fn := range subscribers {
		fn(ctx, event)
	}
}

// stampSizes records the stored byte counts on a copy of the descriptors.
func stampSizes(descriptors []models.PayloadDescriptor, payloads map[string][]byte, thumbs map[thumbKey][]byte) []models.PayloadDescriptor {
	out := make([]models.PayloadDescriptor, len(descriptors))
	for i, d := range descriptors {
		if data, ok := payloads[d.Key]; ok {
			d.BytesWritten = int64(len(data))
		}
		d.Thumbnails = append([]models.ThumbnailDescriptor(nil), d.Thumbnails...)
		for j, t := range d.Thumbnails {
			if data, ok := thumbs[thumbKey{payloadKey: d.Key, width: t.PixelWidth, height: t.PixelHeight}]; ok {
				d.Thumbnails[j].BytesWritten = int64(len(data))
			}
		}
		out[i] = d
	}
	return out
}

func readStagedParts(parts []ports.StagedPart) (map[string][]byte, map[thumbKey][]byte, error) {
	payloads := make(map[string][]byte)
	thumbs := make(map[thumbKey][]byte)
	for _, part := range parts {
		data, err := os.ReadFile(part.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("read staged part %q: %w", part.PayloadKey, err)
		}
		if part.IsThumbnail() {
			thumbs[thumbKey{payloadKey: part.PayloadKey, width: part.Width, height: part.Height}] = data
			continue
		}
		payloads[part.PayloadKey] = data
	}
	return payloads, thumbs, nil
}

func cloneHeader(h models.ServerFileHeader) models.ServerFileHeader {
	out := h
	raw, err := json.Marshal(h.FileMetadata)
	if err == nil {
		var md models.FileMetadata
		if json.Unmarshal(raw, &md) == nil {
			out.FileMetadata = md
		}
	}
	out.ServerMetadata.AccessControlList.CircleIDs = append([]uuid.UUID(nil), h.ServerMetadata.AccessControlList.CircleIDs...)
	out.EncryptedKeyHeader.IV = append([]byte(nil), h.EncryptedKeyHeader.IV...)
	out.EncryptedKeyHeader.FileIV = append([]byte(nil), h.EncryptedKeyHeader.FileIV...)
	out.EncryptedKeyHeader.EncryptedAesKey = append([]byte(nil), h.EncryptedKeyHeader.EncryptedAesKey...)
	return out
}
