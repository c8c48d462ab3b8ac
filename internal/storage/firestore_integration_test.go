//go:build integration

package storage

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
)

// openEmulatorStore connects to the Firestore emulator. Skips if
// FIRESTORE_EMULATOR_HOST is not set.
func openEmulatorStore(t *testing.T) *FirestoreStore {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set, skipping Firestore integration test")
	}
	ctx := context.Background()
	s, err := OpenFirestore(ctx, "racelog-test", "archives-"+uuid.New().String())
	if err != nil {
		t.Fatalf("OpenFirestore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFirestoreArchiveLifecycle(t *testing.T) {
	s := openEmulatorStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, sampleFields("U1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.CreatedAt.IsZero() {
		t.Error("Create returned zero CreatedAt")
	}

	f := created.Fields()
	f.Equipment = "Brand Y"
	updated, err := s.Update(ctx, created.ID, f)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Equipment != "Brand Y" || updated.OwnerID != "U1" {
		t.Errorf("updated = %+v", updated)
	}
	if updated.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set after Update")
	}

	list, err := s.ListByOwner(ctx, "U1")
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("ListByOwner = %+v, want only %s", list, created.ID)
	}

	if err := s.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete: error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: error = %v, want ErrNotFound", err)
	}
}

func TestFirestoreLegacyListing(t *testing.T) {
	s := openEmulatorStore(t)
	ctx := context.Background()

	legacy, err := s.CreateLegacy(ctx, sampleFields("ignored"))
	if err != nil {
		t.Fatalf("CreateLegacy: %v", err)
	}
	if _, err := s.Create(ctx, sampleFields("U1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.List(ctx, ByName("常夏 冬太郎"))
	if err != nil {
		t.Fatalf("List(ByName): %v", err)
	}
	if len(got) != 1 || got[0].ID != legacy.ID {
		t.Errorf("List(ByName) = %+v, want only %s", got, legacy.ID)
	}
}
