package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/kalambet/racelog/internal/finishtime"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotAuthorized is returned when an operation needs an owner and none was given.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrPersistenceFailed wraps any other failure reported by a backend.
	ErrPersistenceFailed = errors.New("persistence failed")
)

// Archive is a stored race record together with the runner's notes.
type Archive struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	AthleteName    string    `json:"athlete_name"`
	EventName      string    `json:"event_name"`
	EventDate      string    `json:"event_date"`
	FinishTime     string    `json:"finish_time"`
	CourseFeatures string    `json:"course_features"`
	WeatherInfo    string    `json:"weather_info"`
	Equipment      string    `json:"equipment"`
	Supplement     string    `json:"supplement"`
	Note           string    `json:"note"`
	CertificateKey string    `json:"certificate_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at,omitzero"`
}

// FinishSeconds parses FinishTime. The label stays the source of truth.
func (a Archive) FinishSeconds() finishtime.Seconds {
	return finishtime.Parse(a.FinishTime)
}

// Fields returns the editable subset of a.
func (a Archive) Fields() ArchiveFields {
	return ArchiveFields{
		OwnerID:        a.OwnerID,
		AthleteName:    a.AthleteName,
		EventName:      a.EventName,
		EventDate:      a.EventDate,
		FinishTime:     a.FinishTime,
		CourseFeatures: a.CourseFeatures,
		WeatherInfo:    a.WeatherInfo,
		Equipment:      a.Equipment,
		Supplement:     a.Supplement,
		Note:           a.Note,
		CertificateKey: a.CertificateKey,
	}
}

// ArchiveFields is what callers pass to Create and Update. Update ignores OwnerID.
type ArchiveFields struct {
	OwnerID        string
	AthleteName    string
	EventName      string
	EventDate      string
	FinishTime     string
	CourseFeatures string
	WeatherInfo    string
	Equipment      string
	Supplement     string
	Note           string
	CertificateKey string
}

type ownerKind int

const (
	ownerNone ownerKind = iota
	ownerByID
	ownerByName
)

// OwnerRef addresses a set of archives either by authenticated owner id or,
// for anonymous and legacy records, by athlete display name. The zero value
// addresses nothing.
type OwnerRef struct {
	kind  ownerKind
	value string
}

// ByID addresses the archives of an authenticated owner.
func ByID(ownerID string) OwnerRef {
	return OwnerRef{kind: ownerByID, value: ownerID}
}

// ByName addresses ownerless archives filed under an athlete name.
func ByName(name string) OwnerRef {
	return OwnerRef{kind: ownerByName, value: name}
}

// OwnerID returns the owner id and whether r addresses by id.
func (r OwnerRef) OwnerID() (string, bool) {
	return r.value, r.kind == ownerByID
}

// Name returns the athlete name and whether r addresses by name.
func (r OwnerRef) Name() (string, bool) {
	return r.value, r.kind == ownerByName
}

func (r OwnerRef) String() string {
	switch r.kind {
	case ownerByID:
		return "id:" + r.value
	case ownerByName:
		return "name:" + r.value
	default:
		return "none"
	}
}

// NormalizeName strips ASCII and full-width spaces so that "常夏 冬太郎" and
// "常夏冬太郎" address the same legacy archives.
func NormalizeName(name string) string {
	return strings.NewReplacer(" ", "", "　", "").Replace(strings.TrimSpace(name))
}
