// Package feed fans local channel changes out to followers. Encrypted
// content travels the transit pipeline to connected followers; everything
// else uses the lightweight feed endpoint with a durable retry queue.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hostlink/logging"
	"hostlink/metrics"
	"hostlink/models"
	"hostlink/outbox"
	"hostlink/ports"
	"hostlink/storage"
	"hostlink/transit"
)

const (
	DefaultBatchSize   = 16
	DefaultPageSize    = 100
	DefaultSendTimeout = 30 * time.Second
)

// Feed metric results.
const (
	resultSent     = "sent"
	resultQueued   = "queued"
	resultRejected = "rejected"
	resultRetried  = "retried"
	resultDead     = "dead"
	resultSkipped  = "skipped"
	resultTransit  = "transit"
)

// Config tunes the router and its queue sweep.
type Config struct {
	BatchSize     int
	PageSize      int
	SendTimeout   time.Duration
	LeaseDuration time.Duration
	Retry         outbox.RetryPolicy
}

// Decision records what HandleFileChanged did with an event.
type Decision struct {
	Path       string
	Recipients []models.Identity
	Skipped    string
}

// Router decides per file change whether and how followers are updated.
type Router struct {
	local     models.Identity
	drives    ports.DriveStorage
	directory ports.Directory
	sender    *transit.Sender
	transport ports.PeerTransport
	store     *storage.Store
	cfg       Config
	logger    logging.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	wg sync.WaitGroup
}

// NewRouter wires the router.
func NewRouter(local models.Identity, drives ports.DriveStorage, directory ports.Directory, sender *transit.Sender, transport ports.PeerTransport, store *storage.Store, cfg Config, logger logging.Logger, m *metrics.Metrics) *Router {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = outbox.DefaultLeaseDuration
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Router{
		local:     local.Normalize(),
		drives:    drives,
		directory: directory,
		sender:    sender,
		transport: transport,
		store:     store,
		cfg:       cfg,
		logger:    logger.With("module", "feed"),
		metrics:   m,
		now:       time.Now,
	}
}

// Dispatch handles event on its own goroutine so storage writers are not
// blocked by follower delivery. Wait drains dispatched events.
func (r *Router) Dispatch(ctx context.Context, event ports.FileChangedEvent) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.HandleFileChanged(context.WithoutCancel(ctx), event); err != nil {
			r.logger.Error(ctx, "feed distribution failed", "file", event.Locator.String(), "kind", event.Kind, "error", err)
		}
	}()
}

// Wait blocks until every dispatched event has been handled.
func (r *Router) Wait() {
	r.wg.Wait()
}

// HandleFileChanged runs the distribution decision for one change.
func (r *Router) HandleFileChanged(ctx context.Context, event ports.FileChangedEvent) (Decision, error) {
	header := event.Header
	skip := func(reason string) (Decision, error) {
		r.logger.Debug(ctx, "feed distribution skipped", "file", event.Locator.String(), "reason", reason)
		r.metrics.RecordFeed(resultSkipped)
		return Decision{Skipped: reason}, nil
	}

	drive, err := r.drives.GetDrive(ctx, event.Locator.DriveID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return skip("unknown drive")
		}
		return Decision{}, fmt.Errorf("load drive %s: %w", event.Locator.DriveID, err)
	}

	switch {
	case !drive.IsChannel():
		return skip("not a channel drive")
	case !drive.AllowDistribution:
		return skip("drive does not allow distribution")
	case !header.ServerMetadata.AllowDistribution:
		return skip("file does not allow distribution")
	case !header.FileMetadata.IsLocallyAuthored() && !drive.IsCollaborativeRelay():
		return skip("received file")
	case header.FileMetadata.GlobalTransitID == nil:
		return skip("no global transit id")
	}

	isReaction := event.Kind == ports.FileReactionPreviewChanged
	if header.FileMetadata.IsLocallyAuthored() && !event.Caller.IsOwner && !isReaction {
		return skip("non-owner change")
	}

	recipients, err := r.followers(ctx, drive.TargetDrive)
	if err != nil {
		return Decision{}, err
	}
	if len(recipients) == 0 {
		return skip("no followers")
	}

	if isReaction {
		return r.viaFeed(ctx, event, models.FeedDistroReactionPreviewUpdate, recipients)
	}
	if header.FileMetadata.IsEncrypted {
		return r.viaTransit(ctx, event, recipients)
	}
	if event.Kind == ports.FileDeleted {
		return r.viaFeed(ctx, event, models.FeedDistroDeleteFile, recipients)
	}
	return r.viaFeed(ctx, event, models.FeedDistroFileMetadata, recipients)
}

// followers returns the deduplicated union of drive followers and
// identities following every channel.
func (r *Router) followers(ctx context.Context, target models.TargetDrive) ([]models.Identity, error) {
	seen := make(map[models.Identity]struct{})
	var out []models.Identity
	add := func(page ports.FollowerPage) {
		for _, f := range page.Followers {
			f = f.Normalize()
			if _, dup := seen[f]; dup || f == r.local {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}

	cursor := ""
	for {
		page, err := r.directory.GetFollowers(ctx, target, r.cfg.PageSize, cursor)
		if err != nil {
			return nil, fmt.Errorf("list drive followers: %w", err)
		}
		add(page)
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	cursor = ""
	for {
		page, err := r.directory.GetAllDriveFollowers(ctx, r.cfg.PageSize, cursor)
		if err != nil {
			return nil, fmt.Errorf("list all-drive followers: %w", err)
		}
		add(page)
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	return out, nil
}

// viaTransit sends encrypted changes to connected followers only. Others
// could not unwrap the key header.
func (r *Router) viaTransit(ctx context.Context, event ports.FileChangedEvent, followers []models.Identity) (Decision, error) {
	connected, err := r.directory.GetConnectedIdentities(ctx, models.SystemCircleConnected)
	if err != nil {
		return Decision{}, fmt.Errorf("list connected identities: %w", err)
	}
	recipients := make([]models.Identity, 0, len(followers))
	for _, f := range followers {
		if _, ok := connected[f]; ok {
			recipients = append(recipients, f)
		}
	}
	decision := Decision{Path: "transit", Recipients: recipients}
	if len(recipients) == 0 {
		decision.Skipped = "no connected followers"
		r.metrics.RecordFeed(resultSkipped)
		return decision, nil
	}

	if event.Kind == ports.FileDeleted {
		header := event.Header
		if _, err := r.sender.SendDelete(ctx, &header, models.FeedDrive, recipients); err != nil {
			return decision, fmt.Errorf("queue encrypted delete: %w", err)
		}
	} else {
		feedDrive := models.FeedDrive
		statuses, err := r.sender.SendLater(ctx, event.Locator, models.TransitOptions{
			Recipients:        recipients,
			Schedule:          models.ScheduleSendLater,
			SendContents:      models.SendContentsHeaderOnly,
			RemoteTargetDrive: &feedDrive,
			TransferFileType:  models.TransferFileTypeNormal,
		})
		if err != nil {
			return decision, fmt.Errorf("queue encrypted transfer: %w", err)
		}
		for recipient, status := range statuses {
			if status != models.TransferStatusTransferKeyCreated {
				r.logger.Debug(ctx, "feed transit not queued", "recipient", recipient, "status", status)
			}
		}
	}
	for range recipients {
		r.metrics.RecordFeed(resultTransit)
	}
	return decision, nil
}

// viaFeed attempts every recipient directly and queues the failures.
func (r *Router) viaFeed(ctx context.Context, event ports.FileChangedEvent, distro models.FeedDistroType, recipients []models.Identity) (Decision, error) {
	item := buildFeedItem(distro, event.Header)
	outcomes := r.sendAll(ctx, item, recipients)

	var queueErrs []error
	for i, outcome := range outcomes {
		switch {
		case outcome.Success:
			r.metrics.RecordFeed(resultSent)
		case !outcome.Retryable:
			r.logger.Info(ctx, "feed item refused", "recipient", outcome.Recipient, "code", outcome.ResponseCode)
			r.metrics.RecordFeed(resultRejected)
		default:
			err := r.store.UpsertFeedItem(models.FeedDistributionItem{
				Recipient:      recipients[i],
				File:           event.Locator,
				DistroType:     distro,
				FileSystemType: event.Header.ServerMetadata.FileSystemType,
				NextAttemptAt:  r.now(),
				AddedAt:        r.now(),
			})
			if err != nil {
				queueErrs = append(queueErrs, fmt.Errorf("queue feed item for %s: %w", recipients[i], err))
				continue
			}
			r.metrics.RecordFeed(resultQueued)
		}
	}
	return Decision{Path: "feed", Recipients: recipients}, errors.Join(queueErrs...)
}

// sendAll attempts item for each recipient concurrently with a per-send timeout.
func (r *Router) sendAll(ctx context.Context, item models.FeedItem, recipients []models.Identity) []models.DeliveryOutcome {
	outcomes := make([]models.DeliveryOutcome, len(recipients))
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.BatchSize)
	for i, recipient := range recipients {
		g.Go(func() error {
			outcomes[i] = r.send(ctx, item, recipient)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (r *Router) send(ctx context.Context, item models.FeedItem, recipient models.Identity) models.DeliveryOutcome {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()

	resp, err := r.transport.SendFeedItem(ctx, recipient, item)
	if err != nil {
		r.logger.Debug(ctx, "feed send failed", "recipient", recipient, "error", err)
		return models.TransportFailure(recipient, err.Error())
	}
	return models.OutcomeFromResponse(recipient, resp)
}

func buildFeedItem(distro models.FeedDistroType, header models.ServerFileHeader) models.FeedItem {
	item := models.FeedItem{
		DistroType:     distro,
		FileSystemType: header.ServerMetadata.FileSystemType,
	}
	if header.FileMetadata.GlobalTransitID != nil {
		item.GlobalTransitID = *header.FileMetadata.GlobalTransitID
	}
	if item.FileSystemType == "" {
		item.FileSystemType = models.FileSystemStandard
	}
	if distro != models.FeedDistroDeleteFile {
		md := transit.RedactMetadata(header.FileMetadata)
		md.Payloads = nil
		item.Metadata = &md
	}
	return item
}
