package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hostlink/models"
)

const awaitingKeyColumns = `
	recipient,
	drive_id,
	file_id,
	options,
	attempt_count,
	next_attempt_at,
	marker,
	added_at`

// UpsertAwaitingKey records that recipient still needs an envelope for a file.
func (s *Store) UpsertAwaitingKey(item models.AwaitingTransferKey) error {
	if item.Recipient == "" {
		return errors.New("recipient is required")
	}
	if item.File.DriveID == uuid.Nil || item.File.FileID == uuid.Nil {
		return errors.New("file locator is required")
	}
	if item.AddedAt.IsZero() {
		item.AddedAt = time.Now()
	}
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = item.AddedAt
	}

	options, err := json.Marshal(item.Options)
	if err != nil {
		return fmt.Errorf("marshal transit options: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO awaiting_transfer_keys (
			recipient,
			drive_id,
			file_id,
			options,
			attempt_count,
			next_attempt_at,
			state,
			added_at
		) VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)
		ON CONFLICT(recipient, drive_id, file_id) DO UPDATE SET
			options = excluded.options,
			attempt_count = excluded.attempt_count,
			next_attempt_at = excluded.next_attempt_at,
			state = 'pending',
			marker = NULL,
			lease_expires_at = NULL,
			last_failure = ''`,
		string(item.Recipient),
		item.File.DriveID.String(),
		item.File.FileID.String(),
		string(options),
		item.AttemptCount,
		toMillis(item.NextAttemptAt),
		toMillis(item.AddedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert awaiting key for %q %s: %w", item.Recipient, item.File, err)
	}
	return nil
}

// LeaseAwaitingKeys leases up to limit due awaiting-key records across all drives.
func (s *Store) LeaseAwaitingKeys(limit int, now time.Time, leaseFor time.Duration) ([]models.AwaitingTransferKey, error) {
	markers, err := s.leaseRows(leaseQuery{
		table:    tableAwaitingKeys,
		limit:    limit,
		now:      now,
		leaseFor: leaseFor,
	})
	if err != nil {
		return nil, err
	}

	items := make([]models.AwaitingTransferKey, 0, len(markers))
	for _, marker := range markers {
		item, err := scanAwaitingKey(s.db.QueryRow(
			`SELECT`+awaitingKeyColumns+` FROM awaiting_transfer_keys WHERE marker = ?`, marker,
		))
		if err != nil {
			return nil, fmt.Errorf("load leased awaiting key: %w", err)
		}
		items = append(items, *item)
	}
	return items, nil
}

// ListAwaitingKeys returns live awaiting-key records.
func (s *Store) ListAwaitingKeys() ([]models.AwaitingTransferKey, error) {
	rows, err := s.db.Query(
		`SELECT` + awaitingKeyColumns + ` FROM awaiting_transfer_keys WHERE state != 'dead' ORDER BY added_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list awaiting keys: %w", err)
	}
	defer rows.Close()

	items := make([]models.AwaitingTransferKey, 0)
	for rows.Next() {
		item, err := scanAwaitingKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan awaiting key: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate awaiting keys: %w", err)
	}
	return items, nil
}

// CompleteAwaitingKey removes a leased record.
func (s *Store) CompleteAwaitingKey(marker uuid.UUID) error {
	return s.deleteLeased(tableAwaitingKeys, marker)
}

// RescheduleAwaitingKey releases a leased record back to pending.
func (s *Store) RescheduleAwaitingKey(marker uuid.UUID, attempts int, nextAttemptAt time.Time, reason models.FailureReason) error {
	return s.rescheduleLeased(tableAwaitingKeys, marker, attempts, nextAttemptAt, string(reason))
}

// MarkAwaitingKeyDead parks a leased record after the attempt cap.
func (s *Store) MarkAwaitingKeyDead(marker uuid.UUID, attempts int, reason models.FailureReason) error {
	return s.markLeasedDead(tableAwaitingKeys, marker, attempts, string(reason))
}

// CountAwaitingKeys counts live awaiting-key records.
func (s *Store) CountAwaitingKeys() (int, error) {
	return s.countLive(tableAwaitingKeys)
}

// CountAwaitingKeysForFile counts live and dead awaiting-key records for locator.
func (s *Store) CountAwaitingKeysForFile(locator models.FileLocator) (QueueCounts, error) {
	return s.countForFile(tableAwaitingKeys, locator)
}

func scanAwaitingKey(row scanner) (*models.AwaitingTransferKey, error) {
	var (
		item          models.AwaitingTransferKey
		recipient     string
		driveID       string
		fileID        string
		options       string
		nextAttemptAt int64
		marker        sql.NullString
		addedAt       int64
	)
	if err := row.Scan(
		&recipient,
		&driveID,
		&fileID,
		&options,
		&item.AttemptCount,
		&nextAttemptAt,
		&marker,
		&addedAt,
	); err != nil {
		return nil, err
	}

	locator, err := parseLocator(driveID, fileID)
	if err != nil {
		return nil, err
	}
	item.Recipient = models.Identity(recipient)
	item.File = locator
	item.NextAttemptAt = fromMillis(nextAttemptAt)
	item.AddedAt = fromMillis(addedAt)
	item.Marker = parseMarker(marker)
	if err := json.Unmarshal([]byte(options), &item.Options); err != nil {
		return nil, fmt.Errorf("decode transit options: %w", err)
	}
	return &item, nil
}
