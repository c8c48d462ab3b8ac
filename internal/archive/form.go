// Package archive builds the editable view of a race record and saves it
// back to the store.
package archive

import (
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/racelog/internal/finishtime"
	"github.com/kalambet/racelog/internal/storage"
)

// Fields are the display and note fields of a form. All values are display
// strings; FinishTime is parsed on demand.
type Fields struct {
	AthleteName    string `json:"athlete_name"`
	EventName      string `json:"event_name"`
	EventDate      string `json:"event_date"`
	FinishTime     string `json:"finish_time"`
	CourseFeatures string `json:"course_features"`
	WeatherInfo    string `json:"weather_info"`
	CertificateKey string `json:"certificate_key,omitempty"`
	Equipment      string `json:"equipment"`
	Supplement     string `json:"supplement"`
	Note           string `json:"note"`
}

// DefaultAthleteName files anonymous records whose certificate names nobody.
const DefaultAthleteName = "常夏冬太郎"

// withDefaults fills a missing finish time with the zero label.
func (f Fields) withDefaults() Fields {
	if strings.TrimSpace(f.FinishTime) == "" {
		f.FinishTime = finishtime.ZeroLabel
	}
	return f
}

// Form is the editable state of one archive. ID is empty until the first save.
type Form struct {
	ID      string `json:"id,omitempty"`
	OwnerID string `json:"owner_id,omitempty"`
	Fields
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

func formFromArchive(a storage.Archive) Form {
	return Form{
		ID:      a.ID,
		OwnerID: a.OwnerID,
		Fields: Fields{
			AthleteName:    a.AthleteName,
			EventName:      a.EventName,
			EventDate:      a.EventDate,
			FinishTime:     a.FinishTime,
			CourseFeatures: a.CourseFeatures,
			WeatherInfo:    a.WeatherInfo,
			CertificateKey: a.CertificateKey,
			Equipment:      a.Equipment,
			Supplement:     a.Supplement,
			Note:           a.Note,
		}.withDefaults(),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

// ArchiveFields converts f into what the store persists.
func (f Form) ArchiveFields() storage.ArchiveFields {
	return storage.ArchiveFields{
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

// FinishSeconds parses the finish time label.
func (f Form) FinishSeconds() finishtime.Seconds {
	return finishtime.Parse(f.FinishTime)
}

// Query keys used when a form travels as a flat string map.
const (
	KeyID          = "id"
	KeyOwner       = "owner"
	KeyName        = "name"
	KeyEvent       = "event"
	KeyDate        = "date"
	KeyTime        = "time"
	KeyFeatures    = "features"
	KeyWeather     = "weather"
	KeyShoes       = "shoes"
	KeySupplement  = "supplement"
	KeyNote        = "note"
	KeyCertificate = "certificate"
)

// Values flattens f into query values. Empty entries are left out.
func (f Form) Values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set(KeyID, f.ID)
	set(KeyOwner, f.OwnerID)
	set(KeyName, f.AthleteName)
	set(KeyEvent, f.EventName)
	set(KeyDate, f.EventDate)
	set(KeyTime, f.FinishTime)
	set(KeyFeatures, f.CourseFeatures)
	set(KeyWeather, f.WeatherInfo)
	set(KeyShoes, f.Equipment)
	set(KeySupplement, f.Supplement)
	set(KeyNote, f.Note)
	set(KeyCertificate, f.CertificateKey)
	return v
}

// FormFromValues is the inverse of Form.Values. Missing keys become empty
// strings, except the finish time which becomes the zero label.
func FormFromValues(v url.Values) Form {
	return Form{
		ID:      v.Get(KeyID),
		OwnerID: v.Get(KeyOwner),
		Fields: Fields{
			AthleteName:    v.Get(KeyName),
			EventName:      v.Get(KeyEvent),
			EventDate:      v.Get(KeyDate),
			FinishTime:     v.Get(KeyTime),
			CourseFeatures: v.Get(KeyFeatures),
			WeatherInfo:    v.Get(KeyWeather),
			CertificateKey: v.Get(KeyCertificate),
			Equipment:      v.Get(KeyShoes),
			Supplement:     v.Get(KeySupplement),
			Note:           v.Get(KeyNote),
		}.withDefaults(),
	}
}

// Source returns the session source described by f.
func (f Form) Source() Source {
	return Source{ID: f.ID, OwnerID: f.OwnerID, Initial: f.Fields}
}

// RemoveArchive returns list without the archive id. Callers use it to update
// their own view after a successful delete instead of listing again; another
// session may still see the record until it re-lists.
func RemoveArchive(list []storage.Archive, id string) []storage.Archive {
	out := make([]storage.Archive, 0, len(list))
	for _, a := range list {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}
