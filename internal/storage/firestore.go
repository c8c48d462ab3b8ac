package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultCollection is the Firestore collection archives are kept in.
const DefaultCollection = "marathon_records"

// FirestoreStore keeps archives in a Firestore collection. Documents written by
// earlier deployments carry no owner_id field; they decode as ownerless.
type FirestoreStore struct {
	client *firestore.Client
	coll   *firestore.CollectionRef
	owned  bool
}

// archiveDoc is the document layout. Field names match the records already
// present in the collection, so "time" holds the finish time label.
type archiveDoc struct {
	OwnerID        string    `firestore:"owner_id"`
	AthleteName    string    `firestore:"athlete_name"`
	EventName      string    `firestore:"event_name"`
	EventDate      string    `firestore:"event_date"`
	FinishTime     string    `firestore:"time"`
	CourseFeatures string    `firestore:"course_features"`
	WeatherInfo    string    `firestore:"weather_info"`
	Equipment      string    `firestore:"equipment"`
	Supplement     string    `firestore:"supplement"`
	Note           string    `firestore:"note"`
	CertificateKey string    `firestore:"certificate_key,omitempty"`
	CreatedAt      time.Time `firestore:"created_at,serverTimestamp"`
	UpdatedAt      time.Time `firestore:"updated_at,omitempty"`
}

// OpenFirestore connects to projectID and returns a store over collection.
// An empty collection selects DefaultCollection.
func OpenFirestore(ctx context.Context, projectID, collection string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, errors.New("firestore project id is required")
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	s := NewFirestoreStore(client, collection)
	s.owned = true
	return s, nil
}

// NewFirestoreStore wraps an existing client. Close does not close client.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &FirestoreStore{client: client, coll: client.Collection(collection)}
}

// Close releases the client if OpenFirestore created it.
func (s *FirestoreStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// List dispatches on the addressing mode of ref.
func (s *FirestoreStore) List(ctx context.Context, ref OwnerRef) ([]Archive, error) {
	return listByRef(ctx, s, ref)
}

// ListByOwner returns every archive of ownerID, newest first.
func (s *FirestoreStore) ListByOwner(ctx context.Context, ownerID string) ([]Archive, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrNotAuthorized
	}
	q := s.coll.Where("owner_id", "==", ownerID).OrderBy("created_at", firestore.Desc)
	return s.collect(ctx, "listing archives by owner", q, nil)
}

// ListByAthleteName returns ownerless archives filed under name, newest first.
// Older documents have no owner_id at all, so the owner filter and the sort
// run client side.
func (s *FirestoreStore) ListByAthleteName(ctx context.Context, name string) ([]Archive, error) {
	name = NormalizeName(name)
	if name == "" {
		return nil, ErrNotAuthorized
	}
	q := s.coll.Where("athlete_name", "==", name)
	results, err := s.collect(ctx, "listing archives by name", q, func(a Archive) bool {
		return a.OwnerID == ""
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	return results, nil
}

func (s *FirestoreStore) collect(ctx context.Context, op string, q firestore.Query, keep func(Archive) bool) ([]Archive, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	results := []Archive{}
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, firestoreErr(op, err)
		}
		a, err := fromSnapshot(snap)
		if err != nil {
			return nil, persistErr(op, err)
		}
		if keep == nil || keep(a) {
			results = append(results, a)
		}
	}
	return results, nil
}

// Get returns the archive with the given id.
func (s *FirestoreStore) Get(ctx context.Context, id string) (Archive, error) {
	if id == "" {
		return Archive{}, ErrNotFound
	}
	snap, err := s.coll.Doc(id).Get(ctx)
	if err != nil {
		return Archive{}, firestoreErr("getting archive", err)
	}
	a, err := fromSnapshot(snap)
	if err != nil {
		return Archive{}, persistErr("getting archive", err)
	}
	return a, nil
}

// Create stores a new archive for f.OwnerID and returns it with its assigned id.
func (s *FirestoreStore) Create(ctx context.Context, f ArchiveFields) (Archive, error) {
	if strings.TrimSpace(f.OwnerID) == "" {
		return Archive{}, ErrNotAuthorized
	}
	return s.insert(ctx, f)
}

// CreateLegacy stores an anonymous archive with an empty owner and a
// normalized athlete name.
func (s *FirestoreStore) CreateLegacy(ctx context.Context, f ArchiveFields) (Archive, error) {
	f.OwnerID = ""
	f.AthleteName = NormalizeName(f.AthleteName)
	return s.insert(ctx, f)
}

func (s *FirestoreStore) insert(ctx context.Context, f ArchiveFields) (Archive, error) {
	id := uuid.New().String()
	wr, err := s.coll.Doc(id).Create(ctx, toDoc(f))
	if err != nil {
		return Archive{}, firestoreErr("creating archive", err)
	}
	a := Archive{ID: id, OwnerID: f.OwnerID, CreatedAt: wr.UpdateTime.UTC()}
	applyFields(&a, f)
	return a, nil
}

// Update overwrites every editable field of archive id with f. owner_id and
// created_at are left untouched.
func (s *FirestoreStore) Update(ctx context.Context, id string, f ArchiveFields) (Archive, error) {
	if id == "" {
		return Archive{}, ErrNotFound
	}
	_, err := s.coll.Doc(id).Update(ctx, fieldUpdates(f))
	if err != nil {
		return Archive{}, firestoreErr("updating archive", err)
	}
	return s.Get(ctx, id)
}

// Delete permanently removes archive id.
func (s *FirestoreStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	if _, err := s.coll.Doc(id).Delete(ctx, firestore.Exists); err != nil {
		return firestoreErr("deleting archive", err)
	}
	return nil
}

func toDoc(f ArchiveFields) archiveDoc {
	return archiveDoc{
		OwnerID:        f.OwnerID,
		AthleteName:    f.AthleteName,
		EventName:      f.EventName,
		EventDate:      f.EventDate,
		FinishTime:     f.FinishTime,
		CourseFeatures: f.CourseFeatures,
		WeatherInfo:    f.WeatherInfo,
		Equipment:      f.Equipment,
		Supplement:     f.Supplement,
		Note:           f.Note,
		CertificateKey: f.CertificateKey,
	}
}

func fromDoc(id string, d archiveDoc) Archive {
	return Archive{
		ID:             id,
		OwnerID:        d.OwnerID,
		AthleteName:    d.AthleteName,
		EventName:      d.EventName,
		EventDate:      d.EventDate,
		FinishTime:     d.FinishTime,
		CourseFeatures: d.CourseFeatures,
		WeatherInfo:    d.WeatherInfo,
		Equipment:      d.Equipment,
		Supplement:     d.Supplement,
		Note:           d.Note,
		CertificateKey: d.CertificateKey,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
}

func fromSnapshot(snap *firestore.DocumentSnapshot) (Archive, error) {
	var d archiveDoc
	if err := snap.DataTo(&d); err != nil {
		return Archive{}, fmt.Errorf("decoding archive %s: %w", snap.Ref.ID, err)
	}
	return fromDoc(snap.Ref.ID, d), nil
}

func fieldUpdates(f ArchiveFields) []firestore.Update {
	return []firestore.Update{
		{Path: "athlete_name", Value: f.AthleteName},
		{Path: "event_name", Value: f.EventName},
		{Path: "event_date", Value: f.EventDate},
		{Path: "time", Value: f.FinishTime},
		{Path: "course_features", Value: f.CourseFeatures},
		{Path: "weather_info", Value: f.WeatherInfo},
		{Path: "equipment", Value: f.Equipment},
		{Path: "supplement", Value: f.Supplement},
		{Path: "note", Value: f.Note},
		{Path: "certificate_key", Value: f.CertificateKey},
		{Path: "updated_at", Value: firestore.ServerTimestamp},
	}
}

func firestoreErr(op string, err error) error {
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	return persistErr(op, err)
}
