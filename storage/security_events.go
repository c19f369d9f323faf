package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"hostlink/models"
)

const (
	defaultSecurityEventLimit = 100
	maxSecurityEventLimit     = 1000
	securityEventPruneEvery   = time.Hour
)

// SetSecurityEventRetention sets how long security events are kept.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.pruneMu.Lock()
	s.securityEventRetention = retention
	s.securityEventsPrunedAt = time.Time{}
	s.pruneMu.Unlock()
}

// RecordSecurityEvent stores a perimeter security event. An empty identity is
// recorded as NULL, which is how unauthenticated callers are logged.
func (s *Store) RecordSecurityEvent(identity, eventType, severity string, details map[string]any) error {
	return s.insertSecurityEvent(SecurityEvent{
		Type:       eventType,
		Identity:   models.Identity(identity),
		Severity:   severity,
		Details:    details,
		RecordedAt: time.Now(),
	})
}

func (s *Store) insertSecurityEvent(event SecurityEvent) error {
	event.Type = strings.TrimSpace(event.Type)
	if event.Type == "" {
		return errors.New("security event type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return err
	}

	details := []byte("{}")
	if len(event.Details) > 0 {
		encoded, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshal security event details: %w", err)
		}
		details = encoded
	}

	var identity sql.NullString
	if normalized := event.Identity.Normalize(); normalized != "" {
		identity = sql.NullString{String: string(normalized), Valid: true}
	}

	if _, err := s.db.Exec(
		`INSERT INTO security_events (event_type, identity, details, severity, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		event.Type, identity, string(details), event.Severity, event.RecordedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert security event %q: %w", event.Type, err)
	}

	return s.pruneSecurityEventsIfDue(event.RecordedAt)
}

// pruneSecurityEventsIfDue drops events past retention at most once per
// securityEventPruneEvery.
func (s *Store) pruneSecurityEventsIfDue(now time.Time) error {
	s.pruneMu.Lock()
	retention := s.securityEventRetention
	due := retention > 0 && now.Sub(s.securityEventsPrunedAt) >= securityEventPruneEvery
	if due {
		s.securityEventsPrunedAt = now
	}
	s.pruneMu.Unlock()

	if !due {
		return nil
	}
	if _, err := s.PruneSecurityEvents(now.Add(-retention)); err != nil {
		return fmt.Errorf("prune security events: %w", err)
	}
	return nil
}

// SecurityEvents returns matching events, newest first.
func (s *Store) SecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	if filter.Severity != "" {
		if err := validateSecuritySeverity(filter.Severity); err != nil {
			return nil, err
		}
	}
	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = defaultSecurityEventLimit
	case limit > maxSecurityEventLimit:
		limit = maxSecurityEventLimit
	}

	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}
	if filter.Type != "" {
		add("event_type = ?", filter.Type)
	}
	if filter.Identity != "" {
		add("identity = ?", string(filter.Identity.Normalize()))
	}
	if filter.Severity != "" {
		add("severity = ?", filter.Severity)
	}
	if !filter.Since.IsZero() {
		add("timestamp >= ?", filter.Since.UnixMilli())
	}

	query := `SELECT id, event_type, identity, details, severity, timestamp FROM security_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security events: %w", err)
	}
	return events, nil
}

// PruneSecurityEvents removes events recorded before cutoff.
func (s *Store) PruneSecurityEvents(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("prune cutoff is required")
	}
	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return res.RowsAffected()
}

func scanSecurityEvent(row scanner) (SecurityEvent, error) {
	var (
		event    SecurityEvent
		identity sql.NullString
		details  string
		millis   int64
	)
	if err := row.Scan(&event.ID, &event.Type, &identity, &details, &event.Severity, &millis); err != nil {
		return SecurityEvent{}, fmt.Errorf("scan security event: %w", err)
	}
	if identity.Valid {
		event.Identity = models.Identity(identity.String)
	}
	event.RecordedAt = fromMillis(millis)
	if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
		return SecurityEvent{}, fmt.Errorf("decode security event %d details: %w", event.ID, err)
	}
	return event, nil
}
