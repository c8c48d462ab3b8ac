package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/racelog/internal/stats"
	"github.com/kalambet/racelog/internal/storage"
)

// fakeStore records calls and serves archives from a map.
type fakeStore struct {
	mu       sync.Mutex
	archives map[string]storage.Archive
	creates  int
	updates  int
	err      error
	block    chan struct{}
	entered  chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{archives: make(map[string]storage.Archive)}
}

func (f *fakeStore) Get(_ context.Context, id string) (storage.Archive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.archives[id]
	if !ok {
		return storage.Archive{}, storage.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) wait() {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
}

func (f *fakeStore) Create(_ context.Context, fields storage.ArchiveFields) (storage.Archive, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.err != nil {
		return storage.Archive{}, f.err
	}
	a := storage.Archive{ID: "new-id", OwnerID: fields.OwnerID, CreatedAt: time.Unix(100, 0)}
	applyTo(&a, fields)
	f.archives[a.ID] = a
	return a, nil
}

func (f *fakeStore) Update(_ context.Context, id string, fields storage.ArchiveFields) (storage.Archive, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.err != nil {
		return storage.Archive{}, f.err
	}
	a, ok := f.archives[id]
	if !ok {
		return storage.Archive{}, storage.ErrNotFound
	}
	applyTo(&a, fields)
	a.UpdatedAt = time.Unix(200, 0)
	f.archives[id] = a
	return a, nil
}

func applyTo(a *storage.Archive, f storage.ArchiveFields) {
	owner := a.OwnerID
	a.AthleteName, a.EventName, a.EventDate, a.FinishTime = f.AthleteName, f.EventName, f.EventDate, f.FinishTime
	a.CourseFeatures, a.WeatherInfo, a.CertificateKey = f.CourseFeatures, f.WeatherInfo, f.CertificateKey
	a.Equipment, a.Supplement, a.Note = f.Equipment, f.Supplement, f.Note
	a.OwnerID = owner
}

func TestNewSessionDefaults(t *testing.T) {
	s, err := NewSession(context.Background(), newFakeStore(), Source{
		OwnerID: "U1",
		Initial: Fields{EventName: "City Marathon"},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	f := s.Form()
	if f.ID != "" {
		t.Errorf("ID = %q, want empty", f.ID)
	}
	if f.FinishTime != "00:00:00" {
		t.Errorf("FinishTime = %q, want 00:00:00", f.FinishTime)
	}
	if f.Equipment != "" || f.Supplement != "" || f.Note != "" {
		t.Errorf("notes = (%q, %q, %q), want empty", f.Equipment, f.Supplement, f.Note)
	}
}

// TestNewSessionStoredWins verifies every stored value overrides the initial
// values when an id is given, the owner included.
func TestNewSessionStoredWins(t *testing.T) {
	store := newFakeStore()
	store.archives["a1"] = storage.Archive{
		ID: "a1", OwnerID: "U1", EventName: "Stored Event", FinishTime: "3時間",
		Equipment: "Brand X", Note: "stored note",
	}

	s, err := NewSession(context.Background(), store, Source{
		ID:      "a1",
		OwnerID: "intruder",
		Initial: Fields{EventName: "Initial Event", Equipment: "Brand Y"},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	f := s.Form()
	if f.OwnerID != "U1" {
		t.Errorf("OwnerID = %q, want U1", f.OwnerID)
	}
	if f.EventName != "Stored Event" || f.Equipment != "Brand X" || f.Note != "stored note" {
		t.Errorf("form = %+v, want stored values", f)
	}
}

func TestNewSessionNotFound(t *testing.T) {
	_, err := NewSession(context.Background(), newFakeStore(), Source{ID: "missing"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

// TestNewSessionLegacyKeepsRoutingOwner opens an ownerless record with a
// signed-in owner: the notes save through Update and the record stays ownerless.
func TestNewSessionLegacyKeepsRoutingOwner(t *testing.T) {
	store := newFakeStore()
	store.archives["L1"] = storage.Archive{
		ID: "L1", AthleteName: "常夏冬太郎", EventName: "Old Race", FinishTime: "4時間",
	}

	s, err := NewSession(context.Background(), store, Source{
		ID:      "L1",
		OwnerID: "U1",
		Initial: Fields{EventName: "Initial Event"},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	f := s.Form()
	if f.OwnerID != "U1" {
		t.Errorf("OwnerID = %q, want routing owner U1", f.OwnerID)
	}
	if f.EventName != "Old Race" {
		t.Errorf("EventName = %q, want stored Old Race", f.EventName)
	}

	s.SetNote("felt strong")
	saved, err := s.Save(context.Background())
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if store.updates != 1 || store.creates != 0 {
		t.Errorf("updates=%d creates=%d, want 1 and 0", store.updates, store.creates)
	}
	if saved.Note != "felt strong" {
		t.Errorf("Note = %q, want felt strong", saved.Note)
	}
	if saved.OwnerID != "" {
		t.Errorf("stored OwnerID = %q, want the record to stay ownerless", saved.OwnerID)
	}
}

func TestSaveWithoutOwner(t *testing.T) {
	store := newFakeStore()
	s, _ := NewSession(context.Background(), store, Source{Initial: Fields{EventName: "x"}})

	_, err := s.Save(context.Background())
	if !errors.Is(err, storage.ErrNotAuthorized) {
		t.Fatalf("error = %v, want ErrNotAuthorized", err)
	}
	if store.creates != 0 || store.updates != 0 {
		t.Errorf("store calls = (%d creates, %d updates), want none", store.creates, store.updates)
	}
}

func TestSaveCreatesThenUpdates(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	s, _ := NewSession(ctx, store, Source{OwnerID: "U1", Initial: Fields{EventName: "City Marathon"}})

	if _, err := s.Save(ctx); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	if store.creates != 1 || store.updates != 0 {
		t.Fatalf("after first save: %d creates, %d updates", store.creates, store.updates)
	}
	if s.Form().ID != "new-id" {
		t.Errorf("form ID = %q, want adopted id", s.Form().ID)
	}

	s.SetNote("second pass")
	saved, err := s.Save(ctx)
	if err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if store.creates != 1 || store.updates != 1 {
		t.Errorf("after second save: %d creates, %d updates, want 1 and 1", store.creates, store.updates)
	}
	if saved.Note != "second pass" {
		t.Errorf("saved Note = %q", saved.Note)
	}
	if s.Form().UpdatedAt.IsZero() {
		t.Error("form UpdatedAt not adopted")
	}
}

func TestSaveWithIDCallsUpdate(t *testing.T) {
	store := newFakeStore()
	store.archives["a1"] = storage.Archive{ID: "a1", OwnerID: "U1"}
	ctx := context.Background()

	s, err := NewSession(ctx, store, Source{ID: "a1"})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	s.SetEquipment("Brand X")
	if _, err := s.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if store.updates != 1 || store.creates != 0 {
		t.Errorf("%d creates, %d updates, want only an update", store.creates, store.updates)
	}
}

func TestSaveFailureKeepsForm(t *testing.T) {
	store := newFakeStore()
	store.err = storage.ErrPersistenceFailed
	ctx := context.Background()
	s, _ := NewSession(ctx, store, Source{OwnerID: "U1"})
	s.SetEquipment("Brand X")
	before := s.Form()

	if _, err := s.Save(ctx); !errors.Is(err, storage.ErrPersistenceFailed) {
		t.Fatalf("error = %v, want ErrPersistenceFailed", err)
	}
	if s.Form() != before {
		t.Errorf("form changed after failed save: %+v", s.Form())
	}
}

func TestConcurrentSaveRejected(t *testing.T) {
	store := newFakeStore()
	store.block = make(chan struct{})
	store.entered = make(chan struct{}, 1)
	ctx := context.Background()
	s, _ := NewSession(ctx, store, Source{OwnerID: "U1"})

	done := make(chan error, 1)
	go func() {
		_, err := s.Save(ctx)
		done <- err
	}()
	<-store.entered

	if _, err := s.Save(ctx); !errors.Is(err, ErrSaveInProgress) {
		t.Errorf("concurrent Save error = %v, want ErrSaveInProgress", err)
	}
	close(store.block)
	if err := <-done; err != nil {
		t.Fatalf("first Save: %v", err)
	}

	store.entered = nil
	if _, err := s.Save(ctx); err != nil {
		t.Errorf("Save after completion: %v", err)
	}
}

// TestRecordAndAggregate runs an analysis result through a session into the
// SQLite store and checks the per-shoe summary.
func TestRecordAndAggregate(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	first, err := NewSession(ctx, store, Source{
		OwnerID: "U1",
		Initial: Fields{EventName: "City Marathon", FinishTime: "3時間45分10秒"},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	f := first.Form()
	if f.Equipment != "" || f.Supplement != "" || f.Note != "" {
		t.Errorf("initial notes = (%q, %q, %q), want empty", f.Equipment, f.Supplement, f.Note)
	}
	first.SetEquipment("Brand X")
	if _, err := first.Save(ctx); err != nil {
		t.Fatalf("first Save: %v", err)
	}

	list, err := store.ListByOwner(ctx, "U1")
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(list) != 1 || list[0].OwnerID != "U1" || list[0].FinishTime != "3時間45分10秒" {
		t.Fatalf("after first save: %+v", list)
	}

	second, _ := NewSession(ctx, store, Source{
		OwnerID: "U1",
		Initial: Fields{EventName: "City Marathon", FinishTime: "3時間40分00秒"},
	})
	second.SetEquipment("Brand X")
	if _, err := second.Save(ctx); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	list, err = store.ListByOwner(ctx, "U1")
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	summary := stats.ByEquipment(list)
	if len(summary) != 1 {
		t.Fatalf("got %d stats entries, want 1", len(summary))
	}
	if summary[0].Equipment != "Brand X" || summary[0].Count != 2 || summary[0].BestTime != "3時間40分00秒" {
		t.Errorf("stats = %+v, want Brand X count 2 best 3時間40分00秒", summary[0])
	}
}
