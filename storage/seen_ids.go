package storage

import (
	"errors"
	"fmt"
)

// MarkTokenIDSeen records a capability token id. It returns false when the id
// was already recorded, which means the token is being replayed.
func (s *Store) MarkTokenIDSeen(tokenID string, receivedAt int64) (bool, error) {
	if tokenID == "" {
		return false, errors.New("token_id is required")
	}
	if receivedAt == 0 {
		receivedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`INSERT INTO seen_token_ids (token_id, received_at)
		VALUES (?, ?)
		ON CONFLICT(token_id) DO NOTHING`,
		tokenID,
		receivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert seen token ID %q: %w", tokenID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for seen token ID: %w", err)
	}
	return rowsAffected == 1, nil
}

// HasSeenTokenID returns true if a token id has already been recorded.
func (s *Store) HasSeenTokenID(tokenID string) (bool, error) {
	if tokenID == "" {
		return false, errors.New("token_id is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM seen_token_ids WHERE token_id = ?)`,
		tokenID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check seen token ID %q: %w", tokenID, err)
	}

	return exists == 1, nil
}

// PruneSeenTokenIDs removes token ids recorded before cutoffTimestamp. Tokens
// expire, so ids older than the token lifetime no longer need tracking.
func (s *Store) PruneSeenTokenIDs(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM seen_token_ids WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune seen token IDs: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen token ID prune: %w", err)
	}

	return rowsAffected, nil
}
