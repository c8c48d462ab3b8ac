package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/racelog/internal/analysis"
	"github.com/kalambet/racelog/internal/archive"
	"github.com/kalambet/racelog/internal/certstore"
	"github.com/kalambet/racelog/internal/identity"
	"github.com/kalambet/racelog/internal/stats"
	"github.com/kalambet/racelog/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxUploadSize = 20 << 20     // 20MB

// ArchiveStore is the archive store the API serves from. Both the SQLite and
// the Firestore store satisfy it.
type ArchiveStore interface {
	archive.Store
	List(ctx context.Context, ref storage.OwnerRef) ([]storage.Archive, error)
	CreateLegacy(ctx context.Context, f storage.ArchiveFields) (storage.Archive, error)
	Delete(ctx context.Context, id string) error
}

// Analyzer extracts fields from a certificate.
type Analyzer interface {
	Analyze(ctx context.Context, data []byte, mimeType string) (analysis.Result, error)
}

// AppDeps holds what the HTTP API needs.
type AppDeps struct {
	Store        ArchiveStore
	Analyzer     Analyzer
	Certificates certstore.Store // optional; if nil, certificates are not kept
	Verifier     TokenVerifier   // optional; if nil, every request is anonymous
	Logger       *slog.Logger
}

// NewAppHandler returns the racelog HTTP API.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(deps.Verifier))

		r.Post("/analyze", handleAnalyze(deps))
		r.Get("/session", handleSession(deps))
		r.Get("/archives", handleListArchives(deps))
		r.Get("/stats/equipment", handleEquipmentStats(deps))

		r.Group(func(r chi.Router) {
			r.Use(RequireIdentity)

			r.Get("/whoami", handleWhoAmI)
			r.Post("/archives", handleSaveArchive(deps))
			r.Get("/archives/{id}", handleGetArchive(deps))
			r.Put("/archives/{id}", handleUpdateArchive(deps))
			r.Delete("/archives/{id}", handleDeleteArchive(deps))
			r.Get("/archives/{id}/certificate", handleCertificate(deps))
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	writeJSON(w, http.StatusOK, id)
}

// AnalyzeRequest is the JSON form of an upload.
type AnalyzeRequest struct {
	Image    string `json:"image"`
	MimeType string `json:"mime_type"`
}

// AnalyzeResponse is returned by POST /analyze. Report is the form encoded
// as a query string.
type AnalyzeResponse struct {
	Result analysis.Result `json:"result"`
	Form   archive.Form    `json:"form"`
	Report string          `json:"report"`
}

func handleAnalyze(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		defer r.Body.Close()

		data, mimeType, err := readUpload(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if mimeType == "" {
			mimeType = analysis.DetectMIME(data)
		}

		// Certificates are only kept for signed-in owners; an ownerless
		// archive has no route to download one.
		owner := ownerID(r)
		var certKey string
		if deps.Certificates != nil && owner != "" {
			certKey = certstore.NewKey(owner, mimeType)
		}

		var result analysis.Result
		g, ctx := errgroup.WithContext(r.Context())
		if certKey != "" {
			g.Go(func() error {
				if err := deps.Certificates.Put(ctx, certKey, mimeType, bytes.NewReader(data)); err != nil {
					return fmt.Errorf("%w: storing certificate: %w", storage.ErrPersistenceFailed, err)
				}
				return nil
			})
		}
		g.Go(func() error {
			res, err := deps.Analyzer.Analyze(ctx, data, mimeType)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
		if err := g.Wait(); err != nil {
			if certKey != "" {
				discardCertificate(deps, certKey)
			}
			writeError(w, deps.Logger, err, "analyze")
			return
		}

		initial := result.Fields()
		initial.CertificateKey = certKey
		sess, err := archive.NewSession(r.Context(), deps.Store, archive.Source{OwnerID: owner, Initial: initial})
		if err != nil {
			writeError(w, deps.Logger, err, "analyze")
			return
		}
		form := sess.Form()

		if owner == "" {
			if strings.TrimSpace(form.AthleteName) == "" {
				form.AthleteName = archive.DefaultAthleteName
			}
			saved, err := deps.Store.CreateLegacy(r.Context(), form.ArchiveFields())
			if err != nil {
				writeError(w, deps.Logger, err, "analyze")
				return
			}
			form.AthleteName = saved.AthleteName
			deps.Logger.Info("anonymous analysis archived", "id", saved.ID, "athlete", saved.AthleteName)
		}

		writeJSON(w, http.StatusOK, AnalyzeResponse{
			Result: result,
			Form:   form,
			Report: form.Values().Encode(),
		})
	}
}

// readUpload accepts a multipart "file" part or a JSON AnalyzeRequest.
func readUpload(r *http.Request) ([]byte, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			return nil, "", fmt.Errorf("invalid multipart body: %w", err)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			return nil, "", fmt.Errorf("file is required: %w", err)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, "", fmt.Errorf("reading upload: %w", err)
		}
		if len(data) == 0 {
			return nil, "", errors.New("file is empty")
		}
		ct := hdr.Header.Get("Content-Type")
		if ct == "application/octet-stream" {
			ct = ""
		}
		return data, ct, nil
	}

	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, "", fmt.Errorf("invalid request body: %w", err)
	}
	if req.Image == "" {
		return nil, "", errors.New("image is required")
	}
	data, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		return nil, "", errors.New("invalid base64 image")
	}
	return data, req.MimeType, nil
}

func discardCertificate(deps AppDeps, key string) {
	if err := deps.Certificates.Delete(context.Background(), key); err != nil && !errors.Is(err, certstore.ErrNotFound) {
		deps.Logger.Warn("failed to remove certificate", "key", key, "error", err)
	}
}

// handleSession rebuilds a form from query values. With an id, the stored
// record wins over the query; an ownerless record opens under the caller.
func handleSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		form := archive.FormFromValues(r.URL.Query())
		src := form.Source()
		src.OwnerID = ownerID(r)

		sess, err := archive.NewSession(r.Context(), deps.Store, src)
		if err != nil {
			writeError(w, deps.Logger, err, "session")
			return
		}
		got := sess.Form()
		if src.ID != "" && got.OwnerID != src.OwnerID {
			writeError(w, deps.Logger, storage.ErrNotFound, "session")
			return
		}
		writeJSON(w, http.StatusOK, got)
	}
}

// SaveRequest is the body of POST /archives. Display fields are only used
// when creating; an existing archive keeps its stored values and only takes
// the notes.
type SaveRequest struct {
	ID string `json:"id,omitempty"`
	archive.Fields
}

func handleSaveArchive(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SaveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		owner := ownerID(r)
		if !strings.HasPrefix(req.CertificateKey, certstore.OwnerPrefix(owner)) {
			req.CertificateKey = ""
		}
		sess, err := archive.NewSession(r.Context(), deps.Store, archive.Source{
			ID:      req.ID,
			OwnerID: owner,
			Initial: req.Fields,
		})
		if err != nil {
			writeError(w, deps.Logger, err, "save archive")
			return
		}
		if req.ID != "" && sess.Form().OwnerID != owner {
			writeError(w, deps.Logger, storage.ErrNotFound, "save archive")
			return
		}
		sess.SetEquipment(req.Equipment)
		sess.SetSupplement(req.Supplement)
		sess.SetNote(req.Note)

		saved, err := sess.Save(r.Context())
		if err != nil {
			writeError(w, deps.Logger, err, "save archive")
			return
		}

		code := http.StatusOK
		if req.ID == "" {
			code = http.StatusCreated
		}
		writeJSON(w, code, saved)
	}
}

// listFor resolves the archives a request addresses: ?name= selects the
// ownerless records filed under that name, otherwise the caller's own.
func listFor(r *http.Request, store ArchiveStore) ([]storage.Archive, error) {
	if name := r.URL.Query().Get("name"); name != "" {
		return store.List(r.Context(), storage.ByName(name))
	}
	owner := ownerID(r)
	if owner == "" {
		return nil, storage.ErrNotAuthorized
	}
	return store.List(r.Context(), storage.ByID(owner))
}

func handleListArchives(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := listFor(r, deps.Store)
		if err != nil {
			writeError(w, deps.Logger, err, "list archives")
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// ownedArchive loads {id} and hides archives of other owners behind not found.
func ownedArchive(r *http.Request, store ArchiveStore) (storage.Archive, error) {
	a, err := store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return storage.Archive{}, err
	}
	if a.OwnerID == "" || a.OwnerID != ownerID(r) {
		return storage.Archive{}, storage.ErrNotFound
	}
	return a, nil
}

func handleGetArchive(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := ownedArchive(r, deps.Store)
		if err != nil {
			writeError(w, deps.Logger, err, "archive")
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

// ArchivePatch is the body of PUT /archives/{id}. Nil fields keep their
// stored value.
type ArchivePatch struct {
	AthleteName    *string `json:"athlete_name"`
	EventName      *string `json:"event_name"`
	EventDate      *string `json:"event_date"`
	FinishTime     *string `json:"finish_time"`
	CourseFeatures *string `json:"course_features"`
	WeatherInfo    *string `json:"weather_info"`
	Equipment      *string `json:"equipment"`
	Supplement     *string `json:"supplement"`
	Note           *string `json:"note"`
}

// Apply overlays the non-nil fields of p onto f.
func (p ArchivePatch) Apply(f storage.ArchiveFields) storage.ArchiveFields {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&f.AthleteName, p.AthleteName)
	set(&f.EventName, p.EventName)
	set(&f.EventDate, p.EventDate)
	set(&f.FinishTime, p.FinishTime)
	set(&f.CourseFeatures, p.CourseFeatures)
	set(&f.WeatherInfo, p.WeatherInfo)
	set(&f.Equipment, p.Equipment)
	set(&f.Supplement, p.Supplement)
	set(&f.Note, p.Note)
	return f
}

func handleUpdateArchive(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var patch ArchivePatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		a, err := ownedArchive(r, deps.Store)
		if err != nil {
			writeError(w, deps.Logger, err, "update archive")
			return
		}
		updated, err := deps.Store.Update(r.Context(), a.ID, patch.Apply(a.Fields()))
		if err != nil {
			writeError(w, deps.Logger, err, "update archive")
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func handleDeleteArchive(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := ownedArchive(r, deps.Store)
		if err != nil {
			writeError(w, deps.Logger, err, "delete archive")
			return
		}
		if err := deps.Store.Delete(r.Context(), a.ID); err != nil {
			writeError(w, deps.Logger, err, "delete archive")
			return
		}
		if a.CertificateKey != "" && deps.Certificates != nil {
			discardCertificate(deps, a.CertificateKey)
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleCertificate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := ownedArchive(r, deps.Store)
		if err != nil {
			writeError(w, deps.Logger, err, "certificate")
			return
		}
		if a.CertificateKey == "" || deps.Certificates == nil {
			writeError(w, deps.Logger, certstore.ErrNotFound, "certificate")
			return
		}

		rc, contentType, err := deps.Certificates.Open(r.Context(), a.CertificateKey)
		if err != nil {
			writeError(w, deps.Logger, err, "certificate")
			return
		}
		defer rc.Close()

		w.Header().Set("Content-Type", contentType)
		if _, err := io.Copy(w, rc); err != nil {
			deps.Logger.Warn("certificate stream interrupted", "id", a.ID, "error", err)
		}
	}
}

// EquipmentEntry is one row of GET /stats/equipment.
type EquipmentEntry struct {
	Label string `json:"label"`
	stats.EquipmentStats
}

func handleEquipmentStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := listFor(r, deps.Store)
		if err != nil {
			writeError(w, deps.Logger, err, "equipment stats")
			return
		}
		writeJSON(w, http.StatusOK, equipmentEntries(stats.ByEquipment(list)))
	}
}

func equipmentEntries(in []stats.EquipmentStats) []EquipmentEntry {
	out := make([]EquipmentEntry, len(in))
	for i, e := range in {
		out[i] = EquipmentEntry{Label: e.Label(), EquipmentStats: e}
	}
	return out
}
