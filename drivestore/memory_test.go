package drivestore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"hostlink/crypto"
	"hostlink/models"
	"hostlink/ports"
)

func newTestDrive(t *testing.T, s *Store, policy DrivePolicy) models.DriveDefinition {
	t.Helper()
	drive, err := s.CreateDrive(models.DriveDefinition{
		TargetDrive:       models.TargetDrive{Alias: uuid.New(), Type: models.ChannelDriveType},
		Name:              "posts",
		AllowDistribution: true,
	}, policy)
	if err != nil {
		t.Fatalf("CreateDrive() error = %v", err)
	}
	return drive
}

func stage(t *testing.T, key string, data []byte) ports.StagedPart {
	t.Helper()
	path := filepath.Join(t.TempDir(), key)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write staged part: %v", err)
	}
	return ports.StagedPart{PayloadKey: key, ContentType: "text/plain", Path: path, Size: int64(len(data))}
}

func TestCreateLocalFileWrapsKeyUnderStorageKey(t *testing.T) {
	s := New()
	drive := newTestDrive(t, s, DrivePolicy{})

	aesKey, err := crypto.GenerateSecretKey()
	if err != nil {
		t.Fatalf("GenerateSecretKey() error = %v", err)
	}
	iv, _ := crypto.NewIV()
	header, err := s.CreateLocalFile(context.Background(), drive.ID, &models.KeyHeader{AesKey: aesKey, IV: iv},
		models.FileMetadata{IsEncrypted: true}, models.ServerMetadata{AllowDistribution: true},
		map[string][]byte{"main": []byte("ciphertext")})
	if err != nil {
		t.Fatalf("CreateLocalFile() error = %v", err)
	}
	if header.EncryptedKeyHeader.Type != models.EncryptedKeyTypeStorageKey {
		t.Fatalf("key header type = %q", header.EncryptedKeyHeader.Type)
	}

	storageKey, err := s.GetDriveStorageKey(context.Background(), drive.ID)
	if err != nil {
		t.Fatalf("GetDriveStorageKey() error = %v", err)
	}
	defer storageKey.Wipe()

	var suite crypto.Suite
	unwrapped, err := suite.UnwrapKey(header.EncryptedKeyHeader.EncryptedAesKey, header.EncryptedKeyHeader.IV, storageKey)
	if err != nil {
		t.Fatalf("UnwrapKey() error = %v", err)
	}
	defer unwrapped.Wipe()
	if !unwrapped.Equal(aesKey) {
		t.Fatal("unwrapped key does not match the original")
	}
	if header.ServerMetadata.FileByteCount != int64(len("ciphertext")) {
		t.Fatalf("FileByteCount = %d", header.ServerMetadata.FileByteCount)
	}
}

func TestOverwriteFileRejectsStaleVersionTag(t *testing.T) {
	s := New()
	drive := newTestDrive(t, s, DrivePolicy{})
	ctx := context.Background()

	header, err := s.CreateLocalFile(ctx, drive.ID, nil, models.FileMetadata{AppData: models.AppData{Content: "v1"}}, models.ServerMetadata{}, nil)
	if err != nil {
		t.Fatalf("CreateLocalFile() error = %v", err)
	}
	original := header.FileMetadata.VersionTag

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.OverwriteFile(ctx, header.FileMetadata.File, nil,
				models.FileMetadata{AppData: models.AppData{Content: "v2"}}, original, nil,
				ports.Caller{Identity: "sam.example"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var won, lost int
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ports.ErrVersionTagMismatch):
			lost++
		default:
			t.Fatalf("OverwriteFile() unexpected error = %v", err)
		}
	}
	if won != 1 || lost != writers-1 {
		t.Fatalf("won=%d lost=%d, want exactly one winner", won, lost)
	}
}

func TestWriteNewFileReadsStagedParts(t *testing.T) {
	s := New()
	drive := newTestDrive(t, s, DrivePolicy{AllowAnyWriter: true})
	ctx := context.Background()

	var events []ports.FileChangedEvent
	s.Subscribe(func(_ context.Context, e ports.FileChangedEvent) { events = append(events, e) })

	locator := models.FileLocator{DriveID: drive.ID, FileID: uuid.New()}
	thumb := stage(t, "thumb", []byte("tiny"))
	thumb.Width, thumb.Height = 20, 20
	parts := []ports.StagedPart{stage(t, "main", []byte("0123456789")), thumb}

	if _, err := s.WriteNewFile(ctx, locator, nil, models.FileMetadata{}, models.ServerMetadata{}, parts, ports.Caller{Identity: "sam.example"}); err != nil {
		t.Fatalf("WriteNewFile() error = %v", err)
	}

	rc, err := s.GetPayloadStream(ctx, locator, "main", &ports.ByteRange{Start: 2, Length: 3})
	if err != nil {
		t.Fatalf("GetPayloadStream() error = %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != "234" {
		t.Fatalf("ranged payload = %q, want %q", got, "234")
	}

	rc, err = s.GetThumbnailStream(ctx, locator, "thumb", 20, 20)
	if err != nil {
		t.Fatalf("GetThumbnailStream() error = %v", err)
	}
	rc.Close()

	if len(events) != 1 || events[0].Kind != ports.FileAdded || events[0].Caller.Identity != "sam.example" {
		t.Fatalf("events = %+v, want one FileAdded from sam.example", events)
	}
}

func TestAssertCanWriteToDrive(t *testing.T) {
	s := New()
	drive := newTestDrive(t, s, DrivePolicy{
		Writers:          []models.Identity{"frodo.example"},
		InboxOnlyWriters: []models.Identity{"sam.example"},
	})
	ctx := context.Background()

	if err := s.AssertCanWriteToDrive(ctx, drive.ID, "FRODO.example"); err != nil {
		t.Fatalf("writer: error = %v", err)
	}
	if err := s.AssertCanWriteToDrive(ctx, drive.ID, "sam.example"); !errors.Is(err, ports.ErrInboxOnly) {
		t.Fatalf("inbox writer: error = %v, want ErrInboxOnly", err)
	}
	if err := s.AssertCanWriteToDrive(ctx, drive.ID, "gollum.example"); !errors.Is(err, ports.ErrAccessDenied) {
		t.Fatalf("stranger: error = %v, want ErrAccessDenied", err)
	}
}

func TestCanRecipientReadHonoursCircles(t *testing.T) {
	s := New()
	drive := newTestDrive(t, s, DrivePolicy{})
	ctx := context.Background()
	s.SetCircleMembers(models.SystemCircleConnected, "frodo.example")

	header, err := s.CreateLocalFile(ctx, drive.ID, nil, models.FileMetadata{}, models.ServerMetadata{
		AccessControlList: models.AccessControlList{RequiredSecurityGroup: models.SecurityGroupConnected},
	}, nil)
	if err != nil {
		t.Fatalf("CreateLocalFile() error = %v", err)
	}

	ok, _ := s.CanRecipientRead(ctx, header.FileMetadata.File, "frodo.example")
	if !ok {
		t.Fatal("connected identity should read")
	}
	ok, _ = s.CanRecipientRead(ctx, header.FileMetadata.File, "gollum.example")
	if ok {
		t.Fatal("stranger should not read")
	}
}

func TestSoftDeleteEmitsEventAndClearsPayloads(t *testing.T) {
	s := New()
	drive := newTestDrive(t, s, DrivePolicy{})
	ctx := context.Background()

	header, err := s.CreateLocalFile(ctx, drive.ID, nil, models.FileMetadata{}, models.ServerMetadata{}, map[string][]byte{"main": []byte("x")})
	if err != nil {
		t.Fatalf("CreateLocalFile() error = %v", err)
	}

	var kinds []ports.FileChangeKind
	s.Subscribe(func(_ context.Context, e ports.FileChangedEvent) { kinds = append(kinds, e.Kind) })

	if err := s.SoftDelete(ctx, header.FileMetadata.File, ports.Caller{IsOwner: true}); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}
	if _, err := s.GetPayloadStream(ctx, header.FileMetadata.File, "main", nil); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("payload after delete: error = %v, want ErrNotFound", err)
	}
	if len(kinds) != 1 || kinds[0] != ports.FileDeleted {
		t.Fatalf("kinds = %v", kinds)
	}

	if err := s.HardDelete(ctx, header.FileMetadata.File); err != nil {
		t.Fatalf("HardDelete() error = %v", err)
	}
	got, err := s.GetServerFileHeader(ctx, header.FileMetadata.File)
	if err != nil || got != nil {
		t.Fatalf("GetServerFileHeader() = %v, %v; want nil, nil", got, err)
	}
}
