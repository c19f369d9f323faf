package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hostlink/models"
)

// The three retry queues share one row shape: a (recipient, drive_id, file_id)
// key, a state, and a lease marker. These helpers implement the lease
// lifecycle once for all of them.
const (
	tableOutbox       = "outbox_items"
	tableAwaitingKeys = "awaiting_transfer_keys"
	tableFeedQueue    = "feed_distribution_queue"
)

type leaseQuery struct {
	table    string
	where    string
	args     []any
	orderBy  string
	limit    int
	now      time.Time
	leaseFor time.Duration
}

// leaseRows assigns a fresh marker to up to q.limit eligible rows and returns
// the markers. A row is eligible when it is pending and due, or when its
// lease has expired.
func (s *Store) leaseRows(q leaseQuery) ([]string, error) {
	if q.limit <= 0 {
		return nil, nil
	}
	if q.leaseFor <= 0 {
		return nil, errors.New("lease duration must be > 0")
	}
	nowMillis := q.now.UnixMilli()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin lease %s: %w", q.table, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	where := `((state = 'pending' AND next_attempt_at <= ?) OR (state = 'leased' AND lease_expires_at <= ?))`
	args := []any{nowMillis, nowMillis}
	if q.where != "" {
		where = q.where + " AND " + where
		args = append(append([]any{}, q.args...), args...)
	}
	orderBy := q.orderBy
	if orderBy == "" {
		orderBy = "next_attempt_at ASC, added_at ASC"
	}
	args = append(args, q.limit)

	rows, err := tx.Query(
		fmt.Sprintf(`SELECT recipient, drive_id, file_id FROM %s WHERE %s ORDER BY %s LIMIT ?`, q.table, where, orderBy),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("select leasable %s: %w", q.table, err)
	}

	type rowKey struct{ recipient, driveID, fileID string }
	keys := make([]rowKey, 0, q.limit)
	for rows.Next() {
		var k rowKey
		if err := rows.Scan(&k.recipient, &k.driveID, &k.fileID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan leasable %s: %w", q.table, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate leasable %s: %w", q.table, err)
	}
	rows.Close()

	expires := q.now.Add(q.leaseFor).UnixMilli()
	markers := make([]string, 0, len(keys))
	for _, k := range keys {
		marker := uuid.NewString()
		if _, err := tx.Exec(
			fmt.Sprintf(`UPDATE %s SET state = 'leased', marker = ?, lease_expires_at = ?
			WHERE recipient = ? AND drive_id = ? AND file_id = ?`, q.table),
			marker, expires, k.recipient, k.driveID, k.fileID,
		); err != nil {
			return nil, fmt.Errorf("lease %s row: %w", q.table, err)
		}
		markers = append(markers, marker)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease %s: %w", q.table, err)
	}
	return markers, nil
}

func (s *Store) deleteLeased(table string, marker uuid.UUID) error {
	res, err := s.db.Exec(
		fmt.Sprintf(`DELETE FROM %s WHERE marker = ? AND state = 'leased'`, table),
		marker.String(),
	)
	if err != nil {
		return fmt.Errorf("delete leased %s row: %w", table, err)
	}
	return requireOneRow(res)
}

func (s *Store) rescheduleLeased(table string, marker uuid.UUID, attempts int, nextAttemptAt time.Time, reason string) error {
	res, err := s.db.Exec(
		fmt.Sprintf(`UPDATE %s SET
			state = 'pending',
			marker = NULL,
			lease_expires_at = NULL,
			attempt_count = ?,
			next_attempt_at = ?,
			last_failure = ?
		WHERE marker = ? AND state = 'leased'`, table),
		attempts, nextAttemptAt.UnixMilli(), reason, marker.String(),
	)
	if err != nil {
		return fmt.Errorf("reschedule %s row: %w", table, err)
	}
	return requireOneRow(res)
}

func (s *Store) markLeasedDead(table string, marker uuid.UUID, attempts int, reason string) error {
	res, err := s.db.Exec(
		fmt.Sprintf(`UPDATE %s SET
			state = 'dead',
			marker = NULL,
			lease_expires_at = NULL,
			attempt_count = ?,
			last_failure = ?
		WHERE marker = ? AND state = 'leased'`, table),
		attempts, reason, marker.String(),
	)
	if err != nil {
		return fmt.Errorf("mark %s row dead: %w", table, err)
	}
	return requireOneRow(res)
}

func (s *Store) countForFile(table string, locator models.FileLocator) (QueueCounts, error) {
	var counts QueueCounts
	err := s.db.QueryRow(
		fmt.Sprintf(`SELECT
			COALESCE(SUM(CASE WHEN state != 'dead' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'dead' THEN 1 ELSE 0 END), 0)
		FROM %s WHERE drive_id = ? AND file_id = ?`, table),
		locator.DriveID.String(), locator.FileID.String(),
	).Scan(&counts.Live, &counts.Dead)
	if err != nil {
		return QueueCounts{}, fmt.Errorf("count %s rows for %s: %w", table, locator, err)
	}
	return counts, nil
}

func (s *Store) countLive(table string) (int, error) {
	var n int
	if err := s.db.QueryRow(
		fmt.Sprintf(`SELECT COUNT(1) FROM %s WHERE state != 'dead'`, table),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s rows: %w", table, err)
	}
	return n, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func parseLocator(driveID, fileID string) (models.FileLocator, error) {
	drive, err := uuid.Parse(driveID)
	if err != nil {
		return models.FileLocator{}, fmt.Errorf("parse drive_id %q: %w", driveID, err)
	}
	file, err := uuid.Parse(fileID)
	if err != nil {
		return models.FileLocator{}, fmt.Errorf("parse file_id %q: %w", fileID, err)
	}
	return models.FileLocator{DriveID: drive, FileID: file}, nil
}

func parseMarker(ns sql.NullString) uuid.UUID {
	if !ns.Valid {
		return uuid.Nil
	}
	marker, err := uuid.Parse(ns.String)
	if err != nil {
		return uuid.Nil
	}
	return marker
}
