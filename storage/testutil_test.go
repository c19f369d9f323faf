package storage

import (
	"testing"

	"github.com/google/uuid"

	"hostlink/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func newLocator() models.FileLocator {
	return models.FileLocator{DriveID: uuid.New(), FileID: uuid.New()}
}
