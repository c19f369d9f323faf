// Package outbox is the durable per-recipient delivery queue. It leases work
// to the delivery engine, applies the retry policy on failure, surfaces items
// that exceed the attempt cap, and purges transient source files once every
// send for them has succeeded.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hostlink/logging"
	"hostlink/metrics"
	"hostlink/models"
	"hostlink/ports"
	"hostlink/storage"
)

// DefaultLeaseDuration bounds how long a crashed sweep can hold an item.
const DefaultLeaseDuration = 5 * time.Minute

// ErrLeaseLost is returned when a marker no longer owns its item.
var ErrLeaseLost = storage.ErrLeaseLost

// Disposition is what MarkFailure did with an item.
type Disposition string

const (
	DispositionRescheduled Disposition = "rescheduled"
	DispositionDead        Disposition = "dead"
)

// Config tunes an Outbox.
type Config struct {
	LeaseDuration time.Duration
	Retry         RetryPolicy
	// KeyRetry governs the awaiting-transfer-key sweep.
	KeyRetry RetryPolicy
}

// Outbox wraps the SQLite queues with retry and cleanup policy.
type Outbox struct {
	store   *storage.Store
	drives  ports.DriveStorage
	cfg     Config
	logger  logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	onPersistentFailure func(context.Context, models.OutboxItem)
}

// New creates an Outbox. drives may be nil when transient cleanup is not needed.
func New(store *storage.Store, drives ports.DriveStorage, cfg Config, logger logging.Logger, m *metrics.Metrics) *Outbox {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	cfg.Retry = cfg.Retry.normalized()
	cfg.KeyRetry = cfg.KeyRetry.normalized()
	if logger == nil {
		logger = logging.Nop()
	}
	return &Outbox{
		store:   store,
		drives:  drives,
		cfg:     cfg,
		logger:  logger.With("module", "outbox"),
		metrics: m,
		now:     time.Now,
	}
}

// OnPersistentFailure registers a callback run whenever an item is moved to
// the dead state.
func (o *Outbox) OnPersistentFailure(fn func(context.Context, models.OutboxItem)) {
	o.onPersistentFailure = fn
}

// RetryPolicy returns the effective send retry policy.
func (o *Outbox) RetryPolicy() RetryPolicy {
	return o.cfg.Retry
}

// Add upserts an item. Re-adding the same (recipient, file) replaces the
// pending item and resets its attempt count.
func (o *Outbox) Add(ctx context.Context, item models.OutboxItem) error {
	item.Recipient = item.Recipient.Normalize()
	item.AttemptCount = 0
	if item.AddedAt.IsZero() {
		item.AddedAt = o.now()
	}
	item.NextAttemptAt = item.AddedAt
	if err := o.store.UpsertOutboxItem(item); err != nil {
		return err
	}
	o.logger.Debug(ctx, "outbox item added",
		"recipient", item.Recipient,
		"file", item.File.String(),
		"type", item.Type,
	)
	return nil
}

// Drives returns drives with due work.
func (o *Outbox) Drives(ctx context.Context) ([]uuid.UUID, error) {
	return o.store.OutboxDrivesReady(o.now())
}

// GetBatchForProcessing leases up to limit due items on driveID. Items
// already leased by another sweep are skipped until their lease expires.
func (o *Outbox) GetBatchForProcessing(ctx context.Context, driveID uuid.UUID, limit int) ([]models.OutboxItem, error) {
	return o.store.LeaseOutboxItems(driveID, limit, o.now(), o.cfg.LeaseDuration)
}

// MarkComplete removes a leased item for good.
func (o *Outbox) MarkComplete(ctx context.Context, marker uuid.UUID) error {
	item, err := o.store.GetOutboxItemByMarker(marker)
	if err != nil {
		return err
	}
	if err := o.store.CompleteOutboxItem(marker); err != nil {
		return err
	}
	o.metrics.RecordSweepItem("completed")
	o.CleanupTransient(ctx, item.File, item.Options.IsTransient)
	return nil
}

// MarkFailure releases a leased item after a failed attempt. Retryable
// reasons are rescheduled along the retry curve until the cap; terminal
// reasons and exhausted items are moved to the dead state and reported.
func (o *Outbox) MarkFailure(ctx context.Context, marker uuid.UUID, reason models.FailureReason) (Disposition, error) {
	item, err := o.store.GetOutboxItemByMarker(marker)
	if err != nil {
		return "", err
	}
	attempts := item.AttemptCount + 1

	if reason.Retryable() && !o.cfg.Retry.Exhausted(attempts) {
		next := o.now().Add(o.cfg.Retry.Delay(attempts))
		if err := o.store.RescheduleOutboxItem(marker, attempts, next, reason); err != nil {
			return "", err
		}
		o.metrics.RecordSweepItem("retried")
		o.logger.Info(ctx, "outbox item rescheduled",
			"recipient", item.Recipient,
			"file", item.File.String(),
			"reason", reason,
			"attempts", attempts,
			"next_attempt_at", next,
		)
		return DispositionRescheduled, nil
	}

	if err := o.store.MarkOutboxItemDead(marker, attempts, reason); err != nil {
		return "", err
	}
	item.AttemptCount = attempts
	item.LastFailure = reason
	o.metrics.RecordSweepItem("dead")
	o.metrics.RecordPersistentFailure()
	o.logger.Warn(ctx, "outbox item failed permanently",
		"recipient", item.Recipient,
		"file", item.File.String(),
		"reason", reason,
		"attempts", attempts,
	)
	if o.onPersistentFailure != nil {
		o.onPersistentFailure(ctx, *item)
	}
	return DispositionDead, nil
}

// PersistentFailures lists dead items, newest first.
func (o *Outbox) PersistentFailures(ctx context.Context, limit int) ([]models.OutboxItem, error) {
	return o.store.ListDeadOutboxItems(limit)
}

// Retry moves a dead item back into the live queue.
func (o *Outbox) Retry(ctx context.Context, recipient models.Identity, locator models.FileLocator) error {
	return o.store.RequeueDeadOutboxItem(recipient.Normalize(), locator, o.now())
}

// Pending lists live items on a drive.
func (o *Outbox) Pending(ctx context.Context, driveID uuid.UUID) ([]models.OutboxItem, error) {
	return o.store.ListOutboxItems(driveID)
}

// AddAwaitingKey records a recipient whose capability token is not yet known.
func (o *Outbox) AddAwaitingKey(ctx context.Context, rec models.AwaitingTransferKey) error {
	rec.Recipient = rec.Recipient.Normalize()
	rec.AttemptCount = 0
	if rec.AddedAt.IsZero() {
		rec.AddedAt = o.now()
	}
	if rec.NextAttemptAt.IsZero() {
		rec.NextAttemptAt = rec.AddedAt.Add(o.cfg.KeyRetry.InitialInterval)
	}
	return o.store.UpsertAwaitingKey(rec)
}

// ParkForKey moves a leased file item whose recipient token no longer
// resolves over to the awaiting-key queue. The key sweep rebuilds the
// envelope once the token is back, so the send attempt cap is not spent.
func (o *Outbox) ParkForKey(ctx context.Context, item models.OutboxItem) error {
	options := item.Options
	options.Recipients = []models.Identity{item.Recipient}
	if err := o.AddAwaitingKey(ctx, models.AwaitingTransferKey{
		Recipient: item.Recipient,
		File:      item.File,
		Options:   options,
	}); err != nil {
		return fmt.Errorf("park %s for key: %w", item.Recipient, err)
	}
	if err := o.store.CompleteOutboxItem(item.Marker); err != nil {
		return err
	}
	o.metrics.RecordSweepItem("awaiting_key")
	return nil
}

// LeaseAwaitingKeys leases due awaiting-key records for the key sweep.
func (o *Outbox) LeaseAwaitingKeys(ctx context.Context, limit int) ([]models.AwaitingTransferKey, error) {
	return o.store.LeaseAwaitingKeys(limit, o.now(), o.cfg.LeaseDuration)
}

// RemoveAwaitingKey drops a leased record once its recipient was resolved or
// became pointless to retry.
func (o *Outbox) RemoveAwaitingKey(ctx context.Context, rec models.AwaitingTransferKey) error {
	if err := o.store.CompleteAwaitingKey(rec.Marker); err != nil {
		return err
	}
	o.CleanupTransient(ctx, rec.File, rec.Options.IsTransient)
	return nil
}

// RetryAwaitingKey reschedules a leased record or parks it after the key
// retry cap.
func (o *Outbox) RetryAwaitingKey(ctx context.Context, rec models.AwaitingTransferKey, reason models.FailureReason) (Disposition, error) {
	attempts := rec.AttemptCount + 1
	if !o.cfg.KeyRetry.Exhausted(attempts) {
		next := o.now().Add(o.cfg.KeyRetry.Delay(attempts))
		if err := o.store.RescheduleAwaitingKey(rec.Marker, attempts, next, reason); err != nil {
			return "", err
		}
		return DispositionRescheduled, nil
	}
	if err := o.store.MarkAwaitingKeyDead(rec.Marker, attempts, reason); err != nil {
		return "", err
	}
	o.logger.Warn(ctx, "gave up waiting for transfer key",
		"recipient", rec.Recipient,
		"file", rec.File.String(),
		"attempts", attempts,
	)
	return DispositionDead, nil
}

// AwaitingKeys lists live awaiting-key records.
func (o *Outbox) AwaitingKeys(ctx context.Context) ([]models.AwaitingTransferKey, error) {
	return o.store.ListAwaitingKeys()
}

// CountAwaitingKeys counts live awaiting-key records.
func (o *Outbox) CountAwaitingKeys(ctx context.Context) (int, error) {
	return o.store.CountAwaitingKeys()
}

// CleanupTransient hard-deletes a transient source file once nothing in any
// queue still references it. Dead items keep the file so they can be retried.
func (o *Outbox) CleanupTransient(ctx context.Context, locator models.FileLocator, isTransient bool) {
	if !isTransient || o.drives == nil {
		return
	}
	done, err := o.fileDrained(locator)
	if err != nil {
		o.logger.Warn(ctx, "transient cleanup check failed", "file", locator.String(), "error", err)
		return
	}
	if !done {
		return
	}
	if err := o.drives.HardDelete(ctx, locator); err != nil && !errors.Is(err, ports.ErrNotFound) {
		o.logger.Warn(ctx, "transient cleanup failed", "file", locator.String(), "error", err)
		return
	}
	o.logger.Info(ctx, "transient file removed after delivery", "file", locator.String())
}

func (o *Outbox) fileDrained(locator models.FileLocator) (bool, error) {
	items, err := o.store.CountOutboxItemsForFile(locator)
	if err != nil {
		return false, fmt.Errorf("count outbox items: %w", err)
	}
	keys, err := o.store.CountAwaitingKeysForFile(locator)
	if err != nil {
		return false, fmt.Errorf("count awaiting keys: %w", err)
	}
	return items.Live+items.Dead+keys.Live+keys.Dead == 0, nil
}
