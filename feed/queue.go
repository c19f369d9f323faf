package feed

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"hostlink/models"
	"hostlink/storage"
)

// maxQueueBatches bounds one sweep of the feed queue.
const maxQueueBatches = 64

// QueueSummary counts what one feed queue sweep did.
type QueueSummary struct {
	Attempted   int
	Delivered   int
	Rescheduled int
	Dead        int
	Dropped     int
}

// ProcessFeedQueue retries queued feed deliveries. Each item is rebuilt from
// the file's current header so a retry never sends stale metadata.
func (r *Router) ProcessFeedQueue(ctx context.Context) (QueueSummary, error) {
	var summary QueueSummary
	for i := 0; i < maxQueueBatches; i++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		batch, err := r.store.LeaseFeedItems(r.cfg.BatchSize, r.now(), r.cfg.LeaseDuration)
		if err != nil {
			return summary, fmt.Errorf("lease feed items: %w", err)
		}
		if len(batch) == 0 {
			return summary, nil
		}

		items := make([]models.FeedItem, 0, len(batch))
		leased := make([]models.FeedDistributionItem, 0, len(batch))
		for _, queued := range batch {
			item, ok, err := r.rebuild(ctx, queued)
			if err != nil {
				r.logger.Warn(ctx, "rebuild feed item failed", "recipient", queued.Recipient, "file", queued.File.String(), "error", err)
				failed := models.LocalFailure(queued.Recipient, models.FailureUnknown, err.Error())
				switch r.settleQueued(ctx, queued, &failed) {
				case resultRetried:
					summary.Rescheduled++
				case resultDead, resultRejected:
					summary.Dead++
				}
				continue
			}
			if !ok {
				summary.Dropped++
				r.settleQueued(ctx, queued, nil)
				continue
			}
			items = append(items, item)
			leased = append(leased, queued)
		}

		outcomes := make([]models.DeliveryOutcome, len(leased))
		g := new(errgroup.Group)
		g.SetLimit(r.cfg.BatchSize)
		for j := range leased {
			g.Go(func() error {
				outcomes[j] = r.send(ctx, items[j], leased[j].Recipient)
				return nil
			})
		}
		_ = g.Wait()

		for j, queued := range leased {
			summary.Attempted++
			switch r.settleQueued(ctx, queued, &outcomes[j]) {
			case resultSent:
				summary.Delivered++
			case resultRetried:
				summary.Rescheduled++
			case resultDead, resultRejected:
				summary.Dead++
			}
		}
	}
	return summary, nil
}

// rebuild turns a queued row into a feed item. ok is false when there is
// nothing left to send, such as a hard-deleted file.
func (r *Router) rebuild(ctx context.Context, queued models.FeedDistributionItem) (models.FeedItem, bool, error) {
	header, err := r.drives.GetServerFileHeader(ctx, queued.File)
	if err != nil {
		return models.FeedItem{}, false, fmt.Errorf("load header for %s: %w", queued.File, err)
	}
	if header == nil || header.FileMetadata.GlobalTransitID == nil {
		return models.FeedItem{}, false, nil
	}

	distro := queued.DistroType
	if !header.IsActive() {
		distro = models.FeedDistroDeleteFile
	} else if distro == models.FeedDistroDeleteFile {
		// The file was restored after the delete was queued.
		distro = models.FeedDistroFileMetadata
	}
	return buildFeedItem(distro, *header), true, nil
}

// settleQueued applies an outcome to a leased row. A nil outcome drops the row.
func (r *Router) settleQueued(ctx context.Context, queued models.FeedDistributionItem, outcome *models.DeliveryOutcome) string {
	var (
		result string
		err    error
	)
	attempts := queued.AttemptCount + 1
	switch {
	case outcome == nil:
		result = resultSkipped
		err = r.store.CompleteFeedItem(queued.Marker)
	case outcome.Success:
		result = resultSent
		err = r.store.CompleteFeedItem(queued.Marker)
	case !outcome.Retryable:
		result = resultRejected
		err = r.store.MarkFeedItemDead(queued.Marker, attempts, string(outcome.ResponseCode))
	case r.cfg.Retry.Exhausted(attempts):
		result = resultDead
		err = r.store.MarkFeedItemDead(queued.Marker, attempts, string(outcome.Reason))
	default:
		result = resultRetried
		next := r.now().Add(r.cfg.Retry.Delay(attempts))
		err = r.store.RescheduleFeedItem(queued.Marker, attempts, next, string(outcome.Reason))
	}

	r.metrics.RecordFeed(result)
	if err != nil {
		level := r.logger.Error
		if errors.Is(err, storage.ErrLeaseLost) {
			level = r.logger.Warn
		}
		level(ctx, "settle feed item failed", "recipient", queued.Recipient, "file", queued.File.String(), "result", result, "error", err)
	}
	return result
}
