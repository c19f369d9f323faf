package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hostlink/models"
)

const feedItemColumns = `
	recipient,
	drive_id,
	file_id,
	distro_type,
	file_system_type,
	attempt_count,
	next_attempt_at,
	marker,
	added_at`

// UpsertFeedItem queues a feed-path delivery. Re-queueing the same
// (recipient, drive, file) overwrites the earlier entry.
func (s *Store) UpsertFeedItem(item models.FeedDistributionItem) error {
	if item.Recipient == "" {
		return errors.New("recipient is required")
	}
	if item.File.DriveID == uuid.Nil || item.File.FileID == uuid.Nil {
		return errors.New("file locator is required")
	}
	if item.FileSystemType == "" {
		item.FileSystemType = models.FileSystemStandard
	}
	if item.AddedAt.IsZero() {
		item.AddedAt = time.Now()
	}
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = item.AddedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO feed_distribution_queue (
			recipient,
			drive_id,
			file_id,
			distro_type,
			file_system_type,
			attempt_count,
			next_attempt_at,
			state,
			added_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?)
		ON CONFLICT(recipient, drive_id, file_id) DO UPDATE SET
			distro_type = excluded.distro_type,
			file_system_type = excluded.file_system_type,
			attempt_count = excluded.attempt_count,
			next_attempt_at = excluded.next_attempt_at,
			state = 'pending',
			marker = NULL,
			lease_expires_at = NULL,
			last_failure = ''`,
		string(item.Recipient),
		item.File.DriveID.String(),
		item.File.FileID.String(),
		string(item.DistroType),
		string(item.FileSystemType),
		item.AttemptCount,
		toMillis(item.NextAttemptAt),
		toMillis(item.AddedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert feed item for %q %s: %w", item.Recipient, item.File, err)
	}
	return nil
}

// LeaseFeedItems leases up to limit due feed items.
func (s *Store) LeaseFeedItems(limit int, now time.Time, leaseFor time.Duration) ([]models.FeedDistributionItem, error) {
	markers, err := s.leaseRows(leaseQuery{
		table:    tableFeedQueue,
		limit:    limit,
		now:      now,
		leaseFor: leaseFor,
	})
	if err != nil {
		return nil, err
	}

	items := make([]models.FeedDistributionItem, 0, len(markers))
	for _, marker := range markers {
		item, err := scanFeedItem(s.db.QueryRow(
			`SELECT`+feedItemColumns+` FROM feed_distribution_queue WHERE marker = ?`, marker,
		))
		if err != nil {
			return nil, fmt.Errorf("load leased feed item: %w", err)
		}
		items = append(items, *item)
	}
	return items, nil
}

// ListFeedItems returns live feed items ordered by due time.
func (s *Store) ListFeedItems() ([]models.FeedDistributionItem, error) {
	rows, err := s.db.Query(
		`SELECT` + feedItemColumns + ` FROM feed_distribution_queue WHERE state != 'dead' ORDER BY next_attempt_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list feed items: %w", err)
	}
	defer rows.Close()

	items := make([]models.FeedDistributionItem, 0)
	for rows.Next() {
		item, err := scanFeedItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feed item: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feed items: %w", err)
	}
	return items, nil
}

// CompleteFeedItem removes a leased feed item.
func (s *Store) CompleteFeedItem(marker uuid.UUID) error {
	return s.deleteLeased(tableFeedQueue, marker)
}

// RescheduleFeedItem releases a leased feed item back to pending.
func (s *Store) RescheduleFeedItem(marker uuid.UUID, attempts int, nextAttemptAt time.Time, reason string) error {
	return s.rescheduleLeased(tableFeedQueue, marker, attempts, nextAttemptAt, reason)
}

// MarkFeedItemDead parks a leased feed item after the attempt cap.
func (s *Store) MarkFeedItemDead(marker uuid.UUID, attempts int, reason string) error {
	return s.markLeasedDead(tableFeedQueue, marker, attempts, reason)
}

func scanFeedItem(row scanner) (*models.FeedDistributionItem, error) {
	var (
		item           models.FeedDistributionItem
		recipient      string
		driveID        string
		fileID         string
		distroType     string
		fileSystemType string
		nextAttemptAt  int64
		marker         sql.NullString
		addedAt        int64
	)
	if err := row.Scan(
		&recipient,
		&driveID,
		&fileID,
		&distroType,
		&fileSystemType,
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
	item.DistroType = models.FeedDistroType(distroType)
	item.FileSystemType = models.FileSystemType(fileSystemType)
	item.NextAttemptAt = fromMillis(nextAttemptAt)
	item.AddedAt = fromMillis(addedAt)
	item.Marker = parseMarker(marker)
	return &item, nil
}
