package storage

import (
	"errors"
	"fmt"
	"time"

	"hostlink/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrLeaseLost indicates the marker no longer owns a lease, usually because
	// the item was replaced or its lease expired and was taken by another sweep.
	ErrLeaseLost = errors.New("storage: lease lost")
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// Security event types recorded by the perimeter.
const (
	SecurityEventTokenRejected  = "capability_token_rejected"
	SecurityEventTokenReplayed  = "capability_token_replayed"
	SecurityEventDriveDenied    = "drive_write_denied"
	SecurityEventFeedRejected   = "feed_signature_rejected"
	SecurityEventPayloadBlocked = "payload_quarantined"
)

// SecurityEvent is one perimeter-side security record. Details are stored
// as a JSON object.
type SecurityEvent struct {
	ID         int64
	Type       string
	Identity   models.Identity
	Severity   string
	Details    map[string]any
	RecordedAt time.Time
}

// SecurityEventFilter narrows SecurityEvents results. Zero fields match all.
type SecurityEventFilter struct {
	Type     string
	Identity models.Identity
	Severity string
	Since    time.Time
	Limit    int
}

// QueueCounts summarizes one queue's rows for a file.
type QueueCounts struct {
	Live int
	Dead int
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
