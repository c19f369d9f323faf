package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"hostlink/models"
)

const testLease = time.Minute

func newOutboxItem(recipient models.Identity, locator models.FileLocator) models.OutboxItem {
	return models.OutboxItem{
		Type:      models.OutboxItemFile,
		Recipient: recipient,
		File:      locator,
		InstructionSet: &models.EncryptedRecipientTransferInstructionSet{
			TargetDrive:      models.FeedDrive,
			TransferFileType: models.TransferFileTypeNormal,
			FileSystemType:   models.FileSystemStandard,
			SharedSecretEncryptedKeyHeader: models.EncryptedKeyHeader{
				EncryptionVersion: 1,
				IV:                []byte("0123456789abcdef"),
				EncryptedAesKey:   []byte("wrapped"),
			},
		},
		Options:    models.TransitOptions{Recipients: []models.Identity{recipient}, IsTransient: true},
		VersionTag: uuid.New(),
		AddedAt:    time.Now().Add(-time.Second),
	}
}

func TestUpsertOutboxItemReplacesSameKey(t *testing.T) {
	store := newTestStore(t)
	locator := newLocator()

	first := newOutboxItem("sam.example", locator)
	first.Priority = 1
	if err := store.UpsertOutboxItem(first); err != nil {
		t.Fatalf("first UpsertOutboxItem failed: %v", err)
	}
	second := newOutboxItem("sam.example", locator)
	second.Priority = 5
	if err := store.UpsertOutboxItem(second); err != nil {
		t.Fatalf("second UpsertOutboxItem failed: %v", err)
	}
	if err := store.UpsertOutboxItem(newOutboxItem("pippin.example", locator)); err != nil {
		t.Fatalf("other recipient UpsertOutboxItem failed: %v", err)
	}

	items, err := store.ListOutboxItems(locator.DriveID)
	if err != nil {
		t.Fatalf("ListOutboxItems failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}

	got, err := store.GetOutboxItem("sam.example", locator)
	if err != nil {
		t.Fatalf("GetOutboxItem failed: %v", err)
	}
	if got.Priority != 5 || got.VersionTag != second.VersionTag {
		t.Fatalf("expected replaced item, got priority=%d tag=%s", got.Priority, got.VersionTag)
	}
	if got.InstructionSet == nil || string(got.InstructionSet.SharedSecretEncryptedKeyHeader.EncryptedAesKey) != "wrapped" {
		t.Fatalf("expected instruction set to round-trip, got %+v", got.InstructionSet)
	}
	if !got.Options.IsTransient {
		t.Fatalf("expected options to round-trip")
	}
}

func TestLeaseOutboxItemsExcludesLeasedAndReleasesOnExpiry(t *testing.T) {
	store := newTestStore(t)
	locator := newLocator()
	now := time.Now()

	for _, r := range []models.Identity{"a.example", "b.example", "c.example"} {
		if err := store.UpsertOutboxItem(newOutboxItem(r, locator)); err != nil {
			t.Fatalf("UpsertOutboxItem %s failed: %v", r, err)
		}
	}

	first, err := store.LeaseOutboxItems(locator.DriveID, 2, now, testLease)
	if err != nil {
		t.Fatalf("first lease failed: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 leased items, got %d", len(first))
	}
	for _, item := range first {
		if item.Marker == uuid.Nil {
			t.Fatalf("expected leased item to carry a marker")
		}
	}

	second, err := store.LeaseOutboxItems(locator.DriveID, 10, now, testLease)
	if err != nil {
		t.Fatalf("second lease failed: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("expected only the unleased item, got %d", len(second))
	}

	none, err := store.LeaseOutboxItems(locator.DriveID, 10, now, testLease)
	if err != nil {
		t.Fatalf("third lease failed: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no leasable items, got %d", len(none))
	}

	expired, err := store.LeaseOutboxItems(locator.DriveID, 10, now.Add(2*testLease), testLease)
	if err != nil {
		t.Fatalf("lease after expiry failed: %v", err)
	}
	if len(expired) != 3 {
		t.Fatalf("expected all items to be leasable after expiry, got %d", len(expired))
	}
	if err := store.CompleteOutboxItem(first[0].Marker); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected stale marker to report ErrLeaseLost, got %v", err)
	}
}

func TestRescheduledOutboxItemIsLeasableAgain(t *testing.T) {
	store := newTestStore(t)
	locator := newLocator()
	now := time.Now()

	if err := store.UpsertOutboxItem(newOutboxItem("sam.example", locator)); err != nil {
		t.Fatalf("UpsertOutboxItem failed: %v", err)
	}
	leased, err := store.LeaseOutboxItems(locator.DriveID, 1, now, testLease)
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease failed: %v (%d items)", err, len(leased))
	}

	next := now.Add(30 * time.Second)
	if err := store.RescheduleOutboxItem(leased[0].Marker, 1, next, models.FailureRecipientServerError); err != nil {
		t.Fatalf("RescheduleOutboxItem failed: %v", err)
	}

	early, err := store.LeaseOutboxItems(locator.DriveID, 1, now, testLease)
	if err != nil {
		t.Fatalf("early lease failed: %v", err)
	}
	if len(early) != 0 {
		t.Fatalf("expected item to wait for its backoff")
	}

	again, err := store.LeaseOutboxItems(locator.DriveID, 1, next, testLease)
	if err != nil {
		t.Fatalf("lease after backoff failed: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("expected rescheduled item to be leasable")
	}
	if again[0].AttemptCount != 1 || again[0].LastFailure != models.FailureRecipientServerError {
		t.Fatalf("unexpected retry bookkeeping: attempts=%d reason=%q", again[0].AttemptCount, again[0].LastFailure)
	}

	if err := store.CompleteOutboxItem(again[0].Marker); err != nil {
		t.Fatalf("CompleteOutboxItem failed: %v", err)
	}
	if _, err := store.GetOutboxItem("sam.example", locator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected completed item to be gone, got %v", err)
	}
}

func TestReplacingLeasedItemVoidsOldMarker(t *testing.T) {
	store := newTestStore(t)
	locator := newLocator()
	now := time.Now()

	if err := store.UpsertOutboxItem(newOutboxItem("sam.example", locator)); err != nil {
		t.Fatalf("UpsertOutboxItem failed: %v", err)
	}
	leased, err := store.LeaseOutboxItems(locator.DriveID, 1, now, testLease)
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease failed: %v", err)
	}

	if err := store.UpsertOutboxItem(newOutboxItem("sam.example", locator)); err != nil {
		t.Fatalf("replacing UpsertOutboxItem failed: %v", err)
	}
	if err := store.CompleteOutboxItem(leased[0].Marker); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for voided marker, got %v", err)
	}

	items, err := store.ListOutboxItems(locator.DriveID)
	if err != nil {
		t.Fatalf("ListOutboxItems failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected replacement to remain queued, got %d", len(items))
	}
}

func TestDeadOutboxItemsAreSurfacedAndRequeueable(t *testing.T) {
	store := newTestStore(t)
	locator := newLocator()
	now := time.Now()

	if err := store.UpsertOutboxItem(newOutboxItem("sam.example", locator)); err != nil {
		t.Fatalf("UpsertOutboxItem failed: %v", err)
	}
	leased, err := store.LeaseOutboxItems(locator.DriveID, 1, now, testLease)
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease failed: %v", err)
	}
	if err := store.MarkOutboxItemDead(leased[0].Marker, 10, models.FailureRecipientServerError); err != nil {
		t.Fatalf("MarkOutboxItemDead failed: %v", err)
	}

	counts, err := store.CountOutboxItemsForFile(locator)
	if err != nil {
		t.Fatalf("CountOutboxItemsForFile failed: %v", err)
	}
	if counts.Live != 0 || counts.Dead != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}

	dead, err := store.ListDeadOutboxItems(10)
	if err != nil {
		t.Fatalf("ListDeadOutboxItems failed: %v", err)
	}
	if len(dead) != 1 || dead[0].AttemptCount != 10 {
		t.Fatalf("unexpected dead items %+v", dead)
	}

	none, err := store.LeaseOutboxItems(locator.DriveID, 10, now.Add(time.Hour), testLease)
	if err != nil {
		t.Fatalf("lease failed: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected dead items to never be leased")
	}

	if err := store.RequeueDeadOutboxItem("sam.example", locator, now); err != nil {
		t.Fatalf("RequeueDeadOutboxItem failed: %v", err)
	}
	drives, err := store.OutboxDrivesReady(now)
	if err != nil {
		t.Fatalf("OutboxDrivesReady failed: %v", err)
	}
	if len(drives) != 1 || drives[0] != locator.DriveID {
		t.Fatalf("unexpected ready drives %v", drives)
	}
}

func TestUpsertOutboxItemValidates(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertOutboxItem(models.OutboxItem{Type: models.OutboxItemFile, File: newLocator()}); err == nil {
		t.Fatalf("expected missing recipient to fail")
	}
	if err := store.UpsertOutboxItem(models.OutboxItem{Type: models.OutboxItemDeleteRemoteFile, Recipient: "a.example", File: newLocator()}); err == nil {
		t.Fatalf("expected delete item without request to fail")
	}
}
