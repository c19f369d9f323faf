package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"hostlink/models"
)

const outboxColumns = `
	recipient,
	drive_id,
	file_id,
	item_id,
	item_type,
	priority,
	instruction_set,
	delete_request,
	options,
	version_tag,
	attempt_count,
	next_attempt_at,
	marker,
	last_failure,
	added_at`

// UpsertOutboxItem inserts an item or replaces the one with the same
// (recipient, drive, file) key. A replaced item becomes pending again with a
// fresh attempt count, and any lease on the old version is voided.
func (s *Store) UpsertOutboxItem(item models.OutboxItem) error {
	if err := validateOutboxItem(item); err != nil {
		return err
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.AddedAt.IsZero() {
		item.AddedAt = time.Now()
	}
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = item.AddedAt
	}

	instructionSet, err := marshalNullable(item.InstructionSet != nil, item.InstructionSet)
	if err != nil {
		return fmt.Errorf("marshal instruction set: %w", err)
	}
	deleteRequest, err := marshalNullable(item.DeleteRequest != nil, item.DeleteRequest)
	if err != nil {
		return fmt.Errorf("marshal delete request: %w", err)
	}
	options, err := json.Marshal(item.Options)
	if err != nil {
		return fmt.Errorf("marshal transit options: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO outbox_items (
			recipient,
			drive_id,
			file_id,
			item_id,
			item_type,
			priority,
			instruction_set,
			delete_request,
			options,
			version_tag,
			attempt_count,
			next_attempt_at,
			state,
			added_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)
		ON CONFLICT(recipient, drive_id, file_id) DO UPDATE SET
			item_id = excluded.item_id,
			item_type = excluded.item_type,
			priority = excluded.priority,
			instruction_set = excluded.instruction_set,
			delete_request = excluded.delete_request,
			options = excluded.options,
			version_tag = excluded.version_tag,
			attempt_count = excluded.attempt_count,
			next_attempt_at = excluded.next_attempt_at,
			state = 'pending',
			marker = NULL,
			lease_expires_at = NULL,
			last_failure = '',
			added_at = excluded.added_at`,
		string(item.Recipient),
		item.File.DriveID.String(),
		item.File.FileID.String(),
		item.ID.String(),
		string(item.Type),
		item.Priority,
		instructionSet,
		deleteRequest,
		string(options),
		versionTagString(item.VersionTag),
		item.AttemptCount,
		toMillis(item.NextAttemptAt),
		toMillis(item.AddedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert outbox item for %q %s: %w", item.Recipient, item.File, err)
	}
	return nil
}

// LeaseOutboxItems leases up to limit due items on one drive, highest priority first.
func (s *Store) LeaseOutboxItems(driveID uuid.UUID, limit int, now time.Time, leaseFor time.Duration) ([]models.OutboxItem, error) {
	markers, err := s.leaseRows(leaseQuery{
		table:    tableOutbox,
		where:    "drive_id = ?",
		args:     []any{driveID.String()},
		orderBy:  "priority DESC, next_attempt_at ASC, added_at ASC",
		limit:    limit,
		now:      now,
		leaseFor: leaseFor,
	})
	if err != nil {
		return nil, err
	}

	items := make([]models.OutboxItem, 0, len(markers))
	for _, marker := range markers {
		item, err := scanOutboxItem(s.db.QueryRow(
			`SELECT`+outboxColumns+` FROM outbox_items WHERE marker = ?`, marker,
		))
		if err != nil {
			return nil, fmt.Errorf("load leased outbox item: %w", err)
		}
		items = append(items, *item)
	}
	return items, nil
}

// GetOutboxItem returns the item for (recipient, locator) in any state.
func (s *Store) GetOutboxItem(recipient models.Identity, locator models.FileLocator) (*models.OutboxItem, error) {
	item, err := scanOutboxItem(s.db.QueryRow(
		`SELECT`+outboxColumns+` FROM outbox_items WHERE recipient = ? AND drive_id = ? AND file_id = ?`,
		string(recipient), locator.DriveID.String(), locator.FileID.String(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox item: %w", err)
	}
	return item, nil
}

// GetOutboxItemByMarker returns the item currently leased under marker.
func (s *Store) GetOutboxItemByMarker(marker uuid.UUID) (*models.OutboxItem, error) {
	item, err := scanOutboxItem(s.db.QueryRow(
		`SELECT`+outboxColumns+` FROM outbox_items WHERE marker = ? AND state = 'leased'`,
		marker.String(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLeaseLost
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox item by marker: %w", err)
	}
	return item, nil
}

// ListOutboxItems returns live (pending or leased) items on one drive.
func (s *Store) ListOutboxItems(driveID uuid.UUID) ([]models.OutboxItem, error) {
	return s.queryOutboxItems(
		`SELECT`+outboxColumns+` FROM outbox_items WHERE drive_id = ? AND state != 'dead'
		ORDER BY priority DESC, next_attempt_at ASC, added_at ASC`,
		driveID.String(),
	)
}

// ListDeadOutboxItems returns items that exceeded the attempt cap, newest first.
func (s *Store) ListDeadOutboxItems(limit int) ([]models.OutboxItem, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryOutboxItems(
		`SELECT`+outboxColumns+` FROM outbox_items WHERE state = 'dead'
		ORDER BY added_at DESC LIMIT ?`,
		limit,
	)
}

// OutboxDrivesReady returns drives holding at least one item due at now.
func (s *Store) OutboxDrivesReady(now time.Time) ([]uuid.UUID, error) {
	nowMillis := now.UnixMilli()
	rows, err := s.db.Query(
		`SELECT DISTINCT drive_id FROM outbox_items
		WHERE (state = 'pending' AND next_attempt_at <= ?) OR (state = 'leased' AND lease_expires_at <= ?)
		ORDER BY drive_id`,
		nowMillis, nowMillis,
	)
	if err != nil {
		return nil, fmt.Errorf("list ready outbox drives: %w", err)
	}
	defer rows.Close()

	drives := make([]uuid.UUID, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan outbox drive: %w", err)
		}
		driveID, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse outbox drive %q: %w", raw, err)
		}
		drives = append(drives, driveID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox drives: %w", err)
	}
	return drives, nil
}

// CompleteOutboxItem removes a leased item permanently.
func (s *Store) CompleteOutboxItem(marker uuid.UUID) error {
	return s.deleteLeased(tableOutbox, marker)
}

// RescheduleOutboxItem releases a leased item back to pending.
func (s *Store) RescheduleOutboxItem(marker uuid.UUID, attempts int, nextAttemptAt time.Time, reason models.FailureReason) error {
	return s.rescheduleLeased(tableOutbox, marker, attempts, nextAttemptAt, string(reason))
}

// MarkOutboxItemDead parks a leased item as a persistent failure.
func (s *Store) MarkOutboxItemDead(marker uuid.UUID, attempts int, reason models.FailureReason) error {
	return s.markLeasedDead(tableOutbox, marker, attempts, string(reason))
}

// RequeueDeadOutboxItem moves a dead item back to pending with a fresh attempt count.
func (s *Store) RequeueDeadOutboxItem(recipient models.Identity, locator models.FileLocator, now time.Time) error {
	res, err := s.db.Exec(
		`UPDATE outbox_items SET state = 'pending', attempt_count = 0, next_attempt_at = ?, last_failure = ''
		WHERE recipient = ? AND drive_id = ? AND file_id = ? AND state = 'dead'`,
		now.UnixMilli(), string(recipient), locator.DriveID.String(), locator.FileID.String(),
	)
	if err != nil {
		return fmt.Errorf("requeue dead outbox item: %w", err)
	}
	if err := requireOneRow(res); err != nil {
		return ErrNotFound
	}
	return nil
}

// CountOutboxItemsForFile counts live and dead items referencing locator.
func (s *Store) CountOutboxItemsForFile(locator models.FileLocator) (QueueCounts, error) {
	return s.countForFile(tableOutbox, locator)
}

func (s *Store) queryOutboxItems(query string, args ...any) ([]models.OutboxItem, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox items: %w", err)
	}
	defer rows.Close()

	items := make([]models.OutboxItem, 0)
	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox item: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox items: %w", err)
	}
	return items, nil
}

func scanOutboxItem(row scanner) (*models.OutboxItem, error) {
	var (
		item           models.OutboxItem
		recipient      string
		driveID        string
		fileID         string
		itemID         string
		itemType       string
		instructionSet sql.NullString
		deleteRequest  sql.NullString
		options        string
		versionTag     string
		nextAttemptAt  int64
		marker         sql.NullString
		lastFailure    string
		addedAt        int64
	)
	if err := row.Scan(
		&recipient,
		&driveID,
		&fileID,
		&itemID,
		&itemType,
		&item.Priority,
		&instructionSet,
		&deleteRequest,
		&options,
		&versionTag,
		&item.AttemptCount,
		&nextAttemptAt,
		&marker,
		&lastFailure,
		&addedAt,
	); err != nil {
		return nil, err
	}

	locator, err := parseLocator(driveID, fileID)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(itemID)
	if err != nil {
		return nil, fmt.Errorf("parse item_id %q: %w", itemID, err)
	}

	item.ID = id
	item.Type = models.OutboxItemType(itemType)
	item.Recipient = models.Identity(recipient)
	item.File = locator
	item.NextAttemptAt = fromMillis(nextAttemptAt)
	item.AddedAt = fromMillis(addedAt)
	item.Marker = parseMarker(marker)
	item.LastFailure = models.FailureReason(lastFailure)
	if versionTag != "" {
		if tag, err := uuid.Parse(versionTag); err == nil {
			item.VersionTag = tag
		}
	}

	if instructionSet.Valid {
		item.InstructionSet = &models.EncryptedRecipientTransferInstructionSet{}
		if err := json.Unmarshal([]byte(instructionSet.String), item.InstructionSet); err != nil {
			return nil, fmt.Errorf("decode instruction set: %w", err)
		}
	}
	if deleteRequest.Valid {
		item.DeleteRequest = &models.DeleteLinkedFileRequest{}
		if err := json.Unmarshal([]byte(deleteRequest.String), item.DeleteRequest); err != nil {
			return nil, fmt.Errorf("decode delete request: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(options), &item.Options); err != nil {
		return nil, fmt.Errorf("decode transit options: %w", err)
	}

	return &item, nil
}

func validateOutboxItem(item models.OutboxItem) error {
	if strings.TrimSpace(string(item.Recipient)) == "" {
		return errors.New("recipient is required")
	}
	if item.File.DriveID == uuid.Nil || item.File.FileID == uuid.Nil {
		return errors.New("file locator is required")
	}
	switch item.Type {
	case models.OutboxItemFile:
	case models.OutboxItemDeleteRemoteFile:
		if item.DeleteRequest == nil {
			return errors.New("delete request is required for delete items")
		}
	default:
		return fmt.Errorf("invalid outbox item type %q", item.Type)
	}
	return nil
}

func marshalNullable(present bool, v any) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func versionTagString(tag uuid.UUID) string {
	if tag == uuid.Nil {
		return ""
	}
	return tag.String()
}
