package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kalambet/racelog/internal/storage"
)

// ErrSaveInProgress is returned by Save while another Save on the same
// session has not returned yet.
var ErrSaveInProgress = errors.New("save already in progress")

// Store is the part of the archive store a session needs.
type Store interface {
	Get(ctx context.Context, id string) (storage.Archive, error)
	Create(ctx context.Context, f storage.ArchiveFields) (storage.Archive, error)
	Update(ctx context.Context, id string, f storage.ArchiveFields) (storage.Archive, error)
}

// Source seeds a session: a fresh analysis result (no ID) or an existing
// record (ID set).
type Source struct {
	ID      string
	OwnerID string
	Initial Fields
}

// Session holds one form being edited and saves it.
type Session struct {
	store  Store
	saving atomic.Bool

	mu   sync.Mutex
	form Form
}

// NewSession builds a session from src. When src.ID is set the stored record
// is loaded and its fields replace the initial ones. A stored owner wins too;
// an ownerless record keeps src.OwnerID as the routing owner.
func NewSession(ctx context.Context, store Store, src Source) (*Session, error) {
	s := &Session{store: store}
	if src.ID == "" {
		s.form = Form{OwnerID: src.OwnerID, Fields: src.Initial.withDefaults()}
		return s, nil
	}

	a, err := store.Get(ctx, src.ID)
	if err != nil {
		return nil, fmt.Errorf("loading archive %s: %w", src.ID, err)
	}
	s.form = formFromArchive(a)
	if s.form.OwnerID == "" {
		s.form.OwnerID = src.OwnerID
	}
	return s, nil
}

// Form returns a copy of the current form.
func (s *Session) Form() Form {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.form
}

// SetEquipment sets the shoes label.
func (s *Session) SetEquipment(v string) {
	s.mu.Lock()
	s.form.Equipment = v
	s.mu.Unlock()
}

// SetSupplement sets the supplement note.
func (s *Session) SetSupplement(v string) {
	s.mu.Lock()
	s.form.Supplement = v
	s.mu.Unlock()
}

// SetNote sets the free-form note.
func (s *Session) SetNote(v string) {
	s.mu.Lock()
	s.form.Note = v
	s.mu.Unlock()
}

// Save persists the form: Update when it has an id, Create otherwise. A form
// without an owner is rejected before the store is touched. On failure the
// form is left as it was; there are no retries.
func (s *Session) Save(ctx context.Context) (storage.Archive, error) {
	if !s.saving.CompareAndSwap(false, true) {
		return storage.Archive{}, ErrSaveInProgress
	}
	defer s.saving.Store(false)

	form := s.Form()
	if strings.TrimSpace(form.OwnerID) == "" {
		return storage.Archive{}, storage.ErrNotAuthorized
	}

	var (
		saved storage.Archive
		err   error
	)
	if form.ID != "" {
		saved, err = s.store.Update(ctx, form.ID, form.ArchiveFields())
	} else {
		saved, err = s.store.Create(ctx, form.ArchiveFields())
	}
	if err != nil {
		return storage.Archive{}, err
	}

	s.mu.Lock()
	s.form.ID = saved.ID
	s.form.CreatedAt = saved.CreatedAt
	s.form.UpdatedAt = saved.UpdatedAt
	s.mu.Unlock()
	return saved, nil
}
