package transit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"hostlink/logging"
	"hostlink/metrics"
	"hostlink/models"
	"hostlink/outbox"
	"hostlink/ports"
)

const (
	DefaultBatchSize      = 16
	DefaultAttemptTimeout = 60 * time.Second
	DefaultKeySweepLimit  = 64

	// maxBatchesPerDrive bounds one sweep of one drive.
	maxBatchesPerDrive  = 64
	maxConcurrentDrives = 4
)

// SenderConfig tunes the delivery engine.
type SenderConfig struct {
	BatchSize      int
	AttemptTimeout time.Duration
	KeySweepLimit  int
}

// SweepSummary counts what one outbox sweep did.
type SweepSummary struct {
	Drives      int
	Attempted   int
	Delivered   int
	Rescheduled int
	Dead        int
	Regenerated int
	AwaitingKey int
}

func (s *SweepSummary) add(o SweepSummary) {
	s.Drives += o.Drives
	s.Attempted += o.Attempted
	s.Delivered += o.Delivered
	s.Rescheduled += o.Rescheduled
	s.Dead += o.Dead
	s.Regenerated += o.Regenerated
	s.AwaitingKey += o.AwaitingKey
}

// KeySweepSummary counts what one key-resolution sweep did.
type KeySweepSummary struct {
	Leased    int
	Resolved  int
	Waiting   int
	Abandoned int
}

// Sender is the outbound delivery engine.
type Sender struct {
	builder   *EnvelopeBuilder
	outbox    *outbox.Outbox
	drives    ports.DriveStorage
	directory ports.Directory
	transport ports.PeerTransport
	cfg       SenderConfig
	logger    logging.Logger
	metrics   *metrics.Metrics
}

// NewSender wires the delivery engine.
func NewSender(builder *EnvelopeBuilder, box *outbox.Outbox, drives ports.DriveStorage, directory ports.Directory, transport ports.PeerTransport, cfg SenderConfig, logger logging.Logger, m *metrics.Metrics) *Sender {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.KeySweepLimit <= 0 {
		cfg.KeySweepLimit = DefaultKeySweepLimit
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Sender{
		builder:   builder,
		outbox:    box,
		drives:    drives,
		directory: directory,
		transport: transport,
		cfg:       cfg,
		logger:    logger.With("module", "transit.sender"),
		metrics:   m,
	}
}

// Send dispatches on options.Schedule.
func (s *Sender) Send(ctx context.Context, locator models.FileLocator, options models.TransitOptions) (map[models.Identity]models.TransferStatus, error) {
	if options.Schedule == models.ScheduleSendNow {
		return s.SendNow(ctx, locator, options)
	}
	return s.SendLater(ctx, locator, options)
}

// SendLater builds envelopes and queues them for the background sweep.
func (s *Sender) SendLater(ctx context.Context, locator models.FileLocator, options models.TransitOptions) (map[models.Identity]models.TransferStatus, error) {
	result, err := s.builder.Build(ctx, locator, options)
	if err != nil {
		return nil, err
	}
	if err := s.persistAwaitingKeys(ctx, result); err != nil {
		return nil, err
	}
	for _, item := range result.Items {
		if err := s.outbox.Add(ctx, item); err != nil {
			return nil, fmt.Errorf("enqueue %s: %w", item.Recipient, err)
		}
	}
	return result.Statuses, nil
}

// SendNow attempts every resolvable recipient immediately and returns the
// final status per recipient. Only retryable failures are queued; semantic
// rejections are returned to the caller and not retried.
func (s *Sender) SendNow(ctx context.Context, locator models.FileLocator, options models.TransitOptions) (map[models.Identity]models.TransferStatus, error) {
	result, err := s.builder.Build(ctx, locator, options)
	if err != nil {
		return nil, err
	}
	if err := s.persistAwaitingKeys(ctx, result); err != nil {
		return nil, err
	}

	outcomes := s.attemptAll(ctx, result.Items)

	for i, outcome := range outcomes {
		item := result.Items[i]
		status := s.queueAfterSendNow(ctx, item, outcome)
		result.Statuses[item.Recipient] = status
		s.metrics.RecordDelivery("send_now", string(status))
	}

	allDelivered := true
	for _, status := range result.Statuses {
		if !isDelivered(status) {
			allDelivered = false
			break
		}
	}
	if allDelivered {
		s.outbox.CleanupTransient(ctx, locator, options.IsTransient)
	}
	return result.Statuses, nil
}

// queueAfterSendNow keeps retryable failures alive and returns the status the
// caller sees. Queued work reports PendingRetry or AwaitingTransferKey.
func (s *Sender) queueAfterSendNow(ctx context.Context, item models.OutboxItem, outcome models.DeliveryOutcome) models.TransferStatus {
	status := outcome.Status()
	switch {
	case outcome.Success || !outcome.Retryable:
		return status
	case outcome.Reason == models.FailureRecipientKeyUnresolved:
		err := s.outbox.AddAwaitingKey(ctx, models.AwaitingTransferKey{
			Recipient: item.Recipient,
			File:      item.File,
			Options:   singleRecipient(item.Options, item.Recipient),
		})
		if err != nil {
			s.logger.Error(ctx, "failed to record awaiting key", "recipient", item.Recipient, "error", err)
			return status
		}
		return models.TransferStatusAwaitingTransferKey
	default:
		if err := s.outbox.Add(ctx, item); err != nil {
			s.logger.Error(ctx, "failed to queue retry", "recipient", item.Recipient, "error", err)
			return status
		}
		return models.TransferStatusPendingRetry
	}
}

// SendDelete queues delete_remote_file items for recipients.
func (s *Sender) SendDelete(ctx context.Context, header *models.ServerFileHeader, remoteTarget models.TargetDrive, recipients []models.Identity) (int, error) {
	items, err := s.builder.BuildDelete(ctx, header, remoteTarget, recipients)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		if err := s.outbox.Add(ctx, item); err != nil {
			return 0, fmt.Errorf("enqueue delete for %s: %w", item.Recipient, err)
		}
	}
	return len(items), nil
}

// ProcessOutbox drains due items on every drive. Drives are processed
// concurrently and independently.
func (s *Sender) ProcessOutbox(ctx context.Context) (SweepSummary, error) {
	drives, err := s.outbox.Drives(ctx)
	if err != nil {
		return SweepSummary{}, err
	}

	var (
		mu      sync.Mutex
		summary SweepSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDrives)
	for _, driveID := range drives {
		g.Go(func() error {
			driveSummary, err := s.ProcessDrive(gctx, driveID)
			mu.Lock()
			summary.add(driveSummary)
			mu.Unlock()
			if err != nil {
				s.logger.Error(gctx, "outbox drive sweep failed", "drive", driveID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	summary.Drives = len(drives)
	return summary, ctx.Err()
}

// ProcessDrive leases and attempts batches on one drive until nothing is due.
func (s *Sender) ProcessDrive(ctx context.Context, driveID uuid.UUID) (SweepSummary, error) {
	var summary SweepSummary
	for i := 0; i < maxBatchesPerDrive; i++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		batch, err := s.outbox.GetBatchForProcessing(ctx, driveID, s.cfg.BatchSize)
		if err != nil {
			return summary, err
		}
		if len(batch) == 0 {
			return summary, nil
		}

		outcomes := s.attemptAll(ctx, batch)
		for j, outcome := range outcomes {
			s.settle(ctx, batch[j], outcome, &summary)
		}
	}
	return summary, nil
}

// settle applies one outcome to the outbox.
func (s *Sender) settle(ctx context.Context, item models.OutboxItem, outcome models.DeliveryOutcome, summary *SweepSummary) {
	summary.Attempted++
	s.metrics.RecordDelivery("outbox", string(outcome.Status()))

	if outcome.Success {
		if err := s.outbox.MarkComplete(ctx, item.Marker); err != nil {
			s.logger.Warn(ctx, "complete outbox item", "recipient", item.Recipient, "error", err)
			return
		}
		summary.Delivered++
		return
	}

	if outcome.Reason == models.FailureEncryptedInstructionSetMissing && s.regenerate(ctx, item) {
		summary.Regenerated++
		return
	}
	// Delete items carry no envelope to rebuild, so they stay on the retry curve.
	if outcome.Reason == models.FailureRecipientKeyUnresolved && item.Type == models.OutboxItemFile {
		if err := s.outbox.ParkForKey(ctx, item); err != nil {
			s.logger.Warn(ctx, "park outbox item for key", "recipient", item.Recipient, "error", err)
			return
		}
		summary.AwaitingKey++
		return
	}

	disposition, err := s.outbox.MarkFailure(ctx, item.Marker, outcome.Reason)
	if err != nil {
		s.logger.Warn(ctx, "release outbox item", "recipient", item.Recipient, "error", err)
		return
	}
	switch disposition {
	case outbox.DispositionRescheduled:
		summary.Rescheduled++
	case outbox.DispositionDead:
		summary.Dead++
	}
}

// regenerate rebuilds a missing instruction set and replaces the item.
// Replacing voids the current lease.
func (s *Sender) regenerate(ctx context.Context, item models.OutboxItem) bool {
	fresh, reason, err := s.builder.BuildForRecipient(ctx, item.File, item.Recipient, item.Options)
	if err != nil || reason != models.FailureNone {
		s.logger.Warn(ctx, "could not regenerate instruction set",
			"recipient", item.Recipient,
			"file", item.File.String(),
			"reason", reason,
			"error", err,
		)
		return false
	}
	fresh.Priority = item.Priority
	if err := s.outbox.Add(ctx, *fresh); err != nil {
		s.logger.Warn(ctx, "requeue regenerated item", "recipient", item.Recipient, "error", err)
		return false
	}
	return true
}

// attemptAll runs Attempt for every item with at most BatchSize in flight.
// outcomes[i] belongs to items[i].
func (s *Sender) attemptAll(ctx context.Context, items []models.OutboxItem) []models.DeliveryOutcome {
	outcomes := make([]models.DeliveryOutcome, len(items))
	var g errgroup.Group
	g.SetLimit(s.cfg.BatchSize)
	for i := range items {
		g.Go(func() error {
			outcomes[i] = s.Attempt(ctx, items[i])
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// Attempt delivers one item. Authorization and file state are evaluated now,
// not when the item was queued.
func (s *Sender) Attempt(ctx context.Context, item models.OutboxItem) models.DeliveryOutcome {
	started := time.Now()
	kind := string(item.Type)
	defer func() {
		s.metrics.RecordAttemptDuration(kind, time.Since(started))
	}()

	var outcome models.DeliveryOutcome
	switch item.Type {
	case models.OutboxItemDeleteRemoteFile:
		outcome = s.attemptDelete(ctx, item)
	default:
		outcome = s.attemptFile(ctx, item)
	}

	s.logger.Debug(ctx, "delivery attempt finished",
		"recipient", item.Recipient,
		"file", item.File.String(),
		"type", item.Type,
		"success", outcome.Success,
		"code", outcome.ResponseCode,
		"reason", outcome.Reason,
	)
	return outcome
}

func (s *Sender) attemptFile(ctx context.Context, item models.OutboxItem) models.DeliveryOutcome {
	recipient := item.Recipient

	header, err := s.drives.GetServerFileHeader(ctx, item.File)
	if err != nil {
		return models.LocalFailure(recipient, models.FailureUnknown, err.Error())
	}
	if !header.IsActive() {
		return models.LocalFailure(recipient, models.FailureSourceFileDoesNotExist, "")
	}
	if !header.ServerMetadata.AllowDistribution {
		return models.LocalFailure(recipient, models.FailureFileDoesNotAllowDistribution, "")
	}
	if item.VersionTag != uuid.Nil && header.FileMetadata.VersionTag != item.VersionTag {
		return models.LocalFailure(recipient, models.FailureVersionTagMismatch, "")
	}
	canRead, err := s.drives.CanRecipientRead(ctx, item.File, recipient)
	if err != nil {
		return models.LocalFailure(recipient, models.FailureUnknown, err.Error())
	}
	if !canRead {
		return models.LocalFailure(recipient, models.FailureRecipientDoesNotHavePermissionToFile, "")
	}
	if item.InstructionSet == nil {
		return models.LocalFailure(recipient, models.FailureEncryptedInstructionSetMissing, "")
	}

	token, err := s.directory.ResolveCapabilityToken(ctx, recipient)
	if err != nil {
		return models.LocalFailure(recipient, models.FailureRecipientKeyUnresolved, "")
	}
	defer token.Wipe()

	req := ports.TransferRequest{
		Recipient:      recipient,
		Token:          token,
		InstructionSet: *item.InstructionSet,
		Metadata:       RedactMetadata(header.FileMetadata),
		Parts:          s.outboundParts(item.File, header.FileMetadata, item.InstructionSet.ContentsProvided),
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()
	resp, err := s.transport.SendTransfer(attemptCtx, req)
	if err != nil {
		return models.TransportFailure(recipient, err.Error())
	}
	return models.OutcomeFromResponse(recipient, resp)
}

func (s *Sender) attemptDelete(ctx context.Context, item models.OutboxItem) models.DeliveryOutcome {
	recipient := item.Recipient
	if item.DeleteRequest == nil {
		return models.LocalFailure(recipient, models.FailureSourceFileDoesNotExist, "delete request missing")
	}

	token, err := s.directory.ResolveCapabilityToken(ctx, recipient)
	if err != nil {
		return models.LocalFailure(recipient, models.FailureRecipientKeyUnresolved, "")
	}
	defer token.Wipe()

	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()
	resp, err := s.transport.SendDeleteLinkedFile(attemptCtx, recipient, token, *item.DeleteRequest)
	if err != nil {
		return models.TransportFailure(recipient, err.Error())
	}
	return models.OutcomeFromResponse(recipient, resp)
}

// outboundParts lists the payload and thumbnail parts selected by contents.
// Streams are opened lazily while the request body is written.
func (s *Sender) outboundParts(locator models.FileLocator, md models.FileMetadata, contents models.SendContents) []ports.OutboundPart {
	parts := make([]ports.OutboundPart, 0)
	for _, p := range md.Payloads {
		if contents.Has(models.SendContentsPayload) {
			key := p.Key
			parts = append(parts, ports.OutboundPart{
				Name:        ports.PartPayload,
				FileName:    key,
				ContentType: p.ContentType,
				Open: func(ctx context.Context) (io.ReadCloser, error) {
					return s.drives.GetPayloadStream(ctx, locator, key, nil)
				},
			})
		}
		if contents.Has(models.SendContentsThumbnails) {
			for _, t := range p.Thumbnails {
				key, width, height := p.Key, t.PixelWidth, t.PixelHeight
				parts = append(parts, ports.OutboundPart{
					Name:        ports.PartThumbnail,
					FileName:    ports.ThumbnailPartName(key, width, height),
					ContentType: t.ContentType,
					Open: func(ctx context.Context) (io.ReadCloser, error) {
						return s.drives.GetThumbnailStream(ctx, locator, key, width, height)
					},
				})
			}
		}
	}
	return parts
}

// ResolveAwaitingKeys retries recipients whose capability token was missing.
// Resolved recipients get an outbox item; the rest wait along the key retry curve.
func (s *Sender) ResolveAwaitingKeys(ctx context.Context) (KeySweepSummary, error) {
	var summary KeySweepSummary
	leased, err := s.outbox.LeaseAwaitingKeys(ctx, s.cfg.KeySweepLimit)
	if err != nil {
		return summary, err
	}
	summary.Leased = len(leased)

	for _, rec := range leased {
		item, reason, err := s.builder.BuildForRecipient(ctx, rec.File, rec.Recipient, rec.Options)
		switch {
		case err != nil || reason == models.FailureRecipientKeyUnresolved:
			if reason == "" {
				reason = models.FailureUnknown
			}
			if _, rerr := s.outbox.RetryAwaitingKey(ctx, rec, reason); rerr != nil {
				s.logger.Warn(ctx, "reschedule awaiting key", "recipient", rec.Recipient, "error", rerr)
			}
			summary.Waiting++
		case reason != models.FailureNone:
			s.logger.Info(ctx, "dropping awaiting key",
				"recipient", rec.Recipient,
				"file", rec.File.String(),
				"reason", reason,
			)
			if rerr := s.outbox.RemoveAwaitingKey(ctx, rec); rerr != nil && !errors.Is(rerr, outbox.ErrLeaseLost) {
				s.logger.Warn(ctx, "remove awaiting key", "recipient", rec.Recipient, "error", rerr)
			}
			summary.Abandoned++
		default:
			if aerr := s.outbox.Add(ctx, *item); aerr != nil {
				s.logger.Warn(ctx, "enqueue resolved recipient", "recipient", rec.Recipient, "error", aerr)
				_, _ = s.outbox.RetryAwaitingKey(ctx, rec, models.FailureUnknown)
				summary.Waiting++
				continue
			}
			if rerr := s.outbox.RemoveAwaitingKey(ctx, rec); rerr != nil {
				s.logger.Warn(ctx, "remove awaiting key", "recipient", rec.Recipient, "error", rerr)
			}
			summary.Resolved++
		}
	}

	if n, err := s.outbox.CountAwaitingKeys(ctx); err == nil {
		s.metrics.SetAwaitingKeys(n)
	}
	return summary, nil
}

func (s *Sender) persistAwaitingKeys(ctx context.Context, result *BuildResult) error {
	for _, rec := range result.AwaitingKeys {
		if err := s.outbox.AddAwaitingKey(ctx, rec); err != nil {
			return fmt.Errorf("record awaiting key for %s: %w", rec.Recipient, err)
		}
	}
	return nil
}

func isDelivered(status models.TransferStatus) bool {
	return status == models.TransferStatusDeliveredToTargetDrive || status == models.TransferStatusDeliveredToInbox
}
