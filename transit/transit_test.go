package transit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostlink/crypto"
	"hostlink/drivestore"
	"hostlink/logging"
	"hostlink/models"
	"hostlink/outbox"
	"hostlink/ports"
	"hostlink/storage"
)

const local models.Identity = "frodo.example"

type harness struct {
	drives    *drivestore.Store
	directory *fakeDirectory
	transport *fakeTransport
	outbox    *outbox.Outbox
	builder   *EnvelopeBuilder
	sender    *Sender
	drive     models.DriveDefinition
	plainKey  []byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		drives:    drivestore.New(),
		directory: newFakeDirectory(),
		transport: newFakeTransport(),
	}
	h.drive, err = h.drives.CreateDrive(models.DriveDefinition{
		TargetDrive:       models.TargetDrive{Alias: uuid.New(), Type: uuid.New()},
		AllowDistribution: true,
	}, drivestore.DrivePolicy{})
	require.NoError(t, err)

	h.outbox = outbox.New(store, h.drives, outbox.Config{}, logging.Nop(), nil)
	h.builder = NewEnvelopeBuilder(local, h.drives, h.directory, crypto.Suite{}, logging.Nop())
	h.sender = NewSender(h.builder, h.outbox, h.drives, h.directory, h.transport, SenderConfig{AttemptTimeout: time.Second}, logging.Nop(), nil)
	return h
}

// newEncryptedFile stores a file whose content key is wrapped under the
// drive storage key.
func (h *harness) newEncryptedFile(t *testing.T) *models.ServerFileHeader {
	t.Helper()
	key, err := crypto.GenerateSecretKey()
	require.NoError(t, err)
	h.plainKey = make([]byte, 32)
	_ = key.Use(func(b []byte) error { copy(h.plainKey, b); return nil })
	iv, err := crypto.NewIV()
	require.NoError(t, err)

	gtid := uuid.New()
	header, err := h.drives.CreateLocalFile(context.Background(), h.drive.ID,
		&models.KeyHeader{AesKey: key, IV: iv},
		models.FileMetadata{
			GlobalTransitID: &gtid,
			IsEncrypted:     true,
			Payloads: []models.PayloadDescriptor{{
				Key:         "main",
				ContentType: "application/octet-stream",
				Thumbnails:  []models.ThumbnailDescriptor{{PixelWidth: 10, PixelHeight: 10, ContentType: "image/png"}},
			}},
		},
		models.ServerMetadata{
			AllowDistribution: true,
			AccessControlList: models.AccessControlList{RequiredSecurityGroup: models.SecurityGroupAuthenticated},
		},
		map[string][]byte{"main": []byte("encrypted-bytes")},
	)
	require.NoError(t, err)
	key.Wipe()
	return header
}

func options(contents models.SendContents, recipients ...models.Identity) models.TransitOptions {
	return models.TransitOptions{Recipients: recipients, SendContents: contents}
}

func TestBuildWrapsKeyPerRecipient(t *testing.T) {
	h := newHarness(t)
	header := h.newEncryptedFile(t)
	recipients := []models.Identity{"sam.example", "merry.example", "pippin.example"}
	for _, r := range recipients {
		h.directory.add(r)
	}

	result, err := h.builder.Build(context.Background(), header.FileMetadata.File, options(models.SendContentsAll, recipients...))
	require.NoError(t, err)
	require.Len(t, result.Items, len(recipients))

	ivs := map[string]bool{}
	ciphertexts := map[string]bool{}
	var suite crypto.Suite
	for _, item := range result.Items {
		ekh := item.InstructionSet.SharedSecretEncryptedKeyHeader
		assert.Equal(t, models.EncryptedKeyTypeSharedSecret, ekh.Type)
		ivs[string(ekh.IV)] = true
		ciphertexts[string(ekh.EncryptedAesKey)] = true

		secret := crypto.CloneSecretKey(h.directory.secrets[item.Recipient])
		plain, err := suite.UnwrapKey(ekh.EncryptedAesKey, ekh.IV, secret)
		require.NoError(t, err)
		assert.True(t, plain.Equal(crypto.CloneSecretKey(h.plainKey)), "recipient %s", item.Recipient)
		plain.Wipe()
		secret.Wipe()

		assert.Equal(t, h.drive.TargetDrive, item.InstructionSet.TargetDrive)
		assert.Equal(t, header.FileMetadata.VersionTag, item.VersionTag)
	}
	assert.Len(t, ivs, len(recipients))
	assert.Len(t, ciphertexts, len(recipients))
}

func TestBuildRejectsEmptyRecipientList(t *testing.T) {
	h := newHarness(t)
	header := h.newEncryptedFile(t)
	_, err := h.builder.Build(context.Background(), header.FileMetadata.File, options(models.SendContentsAll))
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestBuildIsolatesSelfSend(t *testing.T) {
	h := newHarness(t)
	header := h.newEncryptedFile(t)
	h.directory.add("sam.example")

	result, err := h.builder.Build(context.Background(), header.FileMetadata.File, options(models.SendContentsAll, local, "sam.example"))
	require.NoError(t, err)
	assert.Equal(t, models.TransferStatusInvalidRecipient, result.Statuses[local])
	assert.Equal(t, models.TransferStatusTransferKeyCreated, result.Statuses["sam.example"])
	assert.Len(t, result.Items, 1)
}

func TestSendLaterWithOneUnresolvedRecipient(t *testing.T) {
	h := newHarness(t)
	header := h.newEncryptedFile(t)
	h.directory.add("sam.example")

	statuses, err := h.sender.SendLater(context.Background(), header.FileMetadata.File, options(models.SendContentsAll, "sam.example", "merry.example"))
	require.NoError(t, err)
	assert.Equal(t, map[models.Identity]models.TransferStatus{
		"sam.example":   models.TransferStatusTransferKeyCreated,
		"merry.example": models.TransferStatusAwaitingTransferKey,
	}, statuses)

	pending, err := h.outbox.Pending(context.Background(), h.drive.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.Identity("sam.example"), pending[0].Recipient)

	awaiting, err := h.outbox.AwaitingKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, awaiting, 1)
	assert.Equal(t, models.Identity("merry.example"), awaiting[0].Recipient)
}

func TestSendNowSemanticRejectionIsNotQueued(t *testing.T) {
	h := newHarness(t)
	header := h.newEncryptedFile(t)
	h.directory.add("sam.example")
	h.transport.respond("sam.example", models.PeerResponseQuarantinedSenderNotConnected)

	statuses, err := h.sender.SendNow(context.Background(), header.FileMetadata.File, options(models.SendContentsAll, "sam.example"))
	require.NoError(t, err)
	assert.Equal(t, models.TransferStatusTotalRejectionClientShouldRetry, statuses["sam.example"])

	pending, err := h.outbox.Pending(context.Background(), h.drive.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSendNowStreamsRequestedParts(t *testing.T) {
	h := newHarness(t)
	header := h.newEncryptedFile(t)
	h.directory.add("sam.example")
	h.transport.respond("sam.example", models.PeerResponseAcceptedDirectWrite)

	statuses, err := h.sender.SendNow(context.Background(), header.FileMetadata.File, options(models.SendContentsPayload, "sam.example"))
	require.NoError(t, err)
	assert.Equal(t, models.TransferStatusDeliveredToTargetDrive, statuses["sam.example"])

	sent := h.transport.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte("encrypted-bytes"), sent[0].parts[ports.PartPayload+"/main"])
	assert.Len(t, sent[0].parts, 1, "thumbnails were not requested")

	md := sent[0].req.Metadata
	assert.True(t, md.File.IsZero(), "local locator must be redacted")
	assert.Equal(t, uuid.Nil, md.VersionTag)
	assert.Equal(t, *header.FileMetadata.GlobalTransitID, *md.GlobalTransitID)
}

func TestSendNowTransportFailureIsQueued(t *testing.T) {
	h := newHarness(t)
	header := h.newEncryptedFile(t)
	h.directory.add("sam.example")
	h.directory.add("merry.example")
	h.transport.respond("merry.example", models.PeerResponseAcceptedIntoInbox)

	statuses, err := h.sender.SendNow(context.Background(), header.FileMetadata.File, options(models.SendContentsAll, "sam.example", "merry.example"))
	require.NoError(t, err)
	assert.Equal(t, models.TransferStatusPendingRetry, statuses["sam.example"])
	assert.Equal(t, models.TransferStatusDeliveredToInbox, statuses["merry.example"])

	pending, err := h.outbox.Pending(context.Background(), h.drive.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.Identity("sam.example"), pending[0].Recipient)
}

func TestSendNowTokenLostBeforeAttemptAwaitsKey(t *testing.T) {
	h := newHarness(t)
	header := h.newEncryptedFile(t)
	h.directory.add("sam.example")
	ctx := context.Background()

	result, err := h.builder.Build(ctx, header.FileMetadata.File, options(models.SendContentsAll, "sam.example"))
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	h.directory.remove("sam.example")

	outcome := h.sender.Attempt(ctx, result.Items[0])
	require.Equal(t, models.FailureRecipientKeyUnresolved, outcome.Reason)
	assert.Equal(t, models.TransferStatusAwaitingTransferKey, h.sender.queueAfterSendNow(ctx, result.Items[0], outcome))

	pending, err := h.outbox.Pending(ctx, h.drive.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
	awaiting, err := h.outbox.AwaitingKeys(ctx)
	require.NoError(t, err)
	require.Len(t, awaiting, 1)
	assert.Equal(t, []models.Identity{"sam.example"}, awaiting[0].Options.Recipients)
}

func TestProcessOutboxParksItemsWhoseTokenIsGone(t *testing.T) {
	h := newHarness(t)
	header := h.newEncryptedFile(t)
	h.directory.add("sam.example")
	ctx := context.Background()

	statuses, err := h.sender.SendLater(ctx, header.FileMetadata.File, options(models.SendContentsAll, "sam.example"))
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusTransferKeyCreated, statuses["sam.example"])
	h.directory.remove("sam.example")

	summary, err := h.sender.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Attempted)
	assert.Equal(t, 1, summary.AwaitingKey)
	assert.Zero(t, summary.Rescheduled)
	assert.Zero(t, summary.Dead)
	assert.Empty(t, h.transport.sent())

	pending, err := h.outbox.Pending(ctx, h.drive.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	awaiting, err := h.outbox.AwaitingKeys(ctx)
	require.NoError(t, err)
	require.Len(t, awaiting, 1)
	assert.Equal(t, models.Identity("sam.example"), awaiting[0].Recipient)
	assert.Zero(t, awaiting[0].AttemptCount)
	assert.Equal(t, header.FileMetadata.File, awaiting[0].File)
}

func TestProcessOutboxDeliversAndReschedules(t *testing.T) {
	h := newHarness(t)
	header := h.newEncryptedFile(t)
	for _, r := range []models.Identity{"sam.example", "merry.example"} {
		h.directory.add(r)
	}
	h.transport.respond("sam.example", models.PeerResponseAcceptedDirectWrite)

	_, err := h.sender.SendLater(context.Background(), header.FileMetadata.File, options(models.SendContentsAll, "sam.example", "merry.example"))
	require.NoError(t, err)

	summary, err := h.sender.ProcessOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Drives)
	assert.Equal(t, 2, summary.Attempted)
	assert.Equal(t, 1, summary.Delivered)
	assert.Equal(t, 1, summary.Rescheduled)

	pending, err := h.outbox.Pending(context.Background(), h.drive.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.Identity("merry.example"), pending[0].Recipient)
	assert.Equal(t, 1, pending[0].AttemptCount)
}

func TestAttemptRechecksStateAtSendTime(t *testing.T) {
	h := newHarness(t)
	header := h.newEncryptedFile(t)
	h.directory.add("sam.example")
	ctx := context.Background()

	result, err := h.builder.Build(ctx, header.FileMetadata.File, options(models.SendContentsAll, "sam.example"))
	require.NoError(t, err)
	item := result.Items[0]

	_, err = h.drives.UpdateLocalFile(ctx, header.FileMetadata.File, header.FileMetadata, header.FileMetadata.VersionTag)
	require.NoError(t, err)
	outcome := h.sender.Attempt(ctx, item)
	assert.Equal(t, models.FailureVersionTagMismatch, outcome.Reason)
	assert.False(t, outcome.Retryable)

	item.VersionTag = uuid.Nil
	item.InstructionSet = nil
	outcome = h.sender.Attempt(ctx, item)
	assert.Equal(t, models.FailureEncryptedInstructionSetMissing, outcome.Reason)
	assert.True(t, outcome.Retryable)

	require.NoError(t, h.drives.SoftDelete(ctx, header.FileMetadata.File, ports.Caller{IsOwner: true}))
	outcome = h.sender.Attempt(ctx, item)
	assert.Equal(t, models.FailureSourceFileDoesNotExist, outcome.Reason)
	assert.Empty(t, h.transport.sent())
}

func TestAttemptChecksRecipientACL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	header, err := h.drives.CreateLocalFile(ctx, h.drive.ID, nil, models.FileMetadata{},
		models.ServerMetadata{
			AllowDistribution: true,
			AccessControlList: models.AccessControlList{RequiredSecurityGroup: models.SecurityGroupConnected},
		}, nil)
	require.NoError(t, err)
	h.directory.add("sam.example")

	result, err := h.builder.Build(ctx, header.FileMetadata.File, options(models.SendContentsHeaderOnly, "sam.example"))
	require.NoError(t, err)
	require.Len(t, result.Items, 1)

	outcome := h.sender.Attempt(ctx, result.Items[0])
	assert.Equal(t, models.FailureRecipientDoesNotHavePermissionToFile, outcome.Reason)

	h.drives.SetCircleMembers(models.SystemCircleConnected, "sam.example")
	h.transport.respond("sam.example", models.PeerResponseAccessDenied)
	outcome = h.sender.Attempt(ctx, result.Items[0])
	assert.Equal(t, models.FailureRecipientReturnedAccessDenied, outcome.Reason)
	assert.Equal(t, models.TransferStatusRecipientReturnedAccessDenied, outcome.Status())
}

func TestProcessOutboxRegeneratesMissingInstructionSet(t *testing.T) {
	h := newHarness(t)
	header := h.newEncryptedFile(t)
	h.directory.add("sam.example")
	ctx := context.Background()

	require.NoError(t, h.outbox.Add(ctx, models.OutboxItem{
		Type:      models.OutboxItemFile,
		Recipient: "sam.example",
		File:      header.FileMetadata.File,
		Options:   options(models.SendContentsAll, "sam.example"),
	}))

	summary, err := h.sender.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Regenerated)

	pending, err := h.outbox.Pending(ctx, h.drive.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.NotNil(t, pending[0].InstructionSet)
}

func TestResolveAwaitingKeysEnqueuesOnceTokenAppears(t *testing.T) {
	h := newHarness(t)
	header := h.newEncryptedFile(t)
	ctx := context.Background()

	_, err := h.sender.SendLater(ctx, header.FileMetadata.File, options(models.SendContentsAll, "sam.example"))
	require.NoError(t, err)

	awaiting, err := h.outbox.AwaitingKeys(ctx)
	require.NoError(t, err)
	require.Len(t, awaiting, 1)

	h.directory.add("sam.example")
	require.NoError(t, h.outbox.AddAwaitingKey(ctx, models.AwaitingTransferKey{
		Recipient:     "sam.example",
		File:          header.FileMetadata.File,
		Options:       options(models.SendContentsAll, "sam.example"),
		NextAttemptAt: time.Now().Add(-time.Second),
	}))

	summary, err := h.sender.ResolveAwaitingKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Resolved)

	pending, err := h.outbox.Pending(ctx, h.drive.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	n, err := h.outbox.CountAwaitingKeys(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendDeleteQueuesDeleteItems(t *testing.T) {
	h := newHarness(t)
	header := h.newEncryptedFile(t)
	h.directory.add("sam.example")
	h.transport.respond("sam.example", models.PeerResponseAcceptedIntoInbox)
	ctx := context.Background()

	n, err := h.sender.SendDelete(ctx, header, models.FeedDrive, []models.Identity{"sam.example", "sam.example", local})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	summary, err := h.sender.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Delivered)
	require.Len(t, h.transport.deletes, 1)
	assert.Equal(t, *header.FileMetadata.GlobalTransitID, h.transport.deletes[0].GlobalTransitID)
	assert.Equal(t, models.FeedDrive, h.transport.deletes[0].TargetDrive)
}
