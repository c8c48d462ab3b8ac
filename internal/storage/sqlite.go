package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps a SQLite database holding race archives.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for created_at and updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string, opts ...Option) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "racelog.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Archives ---

const archiveColumns = `id, owner_id, athlete_name, event_name, event_date, finish_time,
	course_features, weather_info, equipment, supplement, note, certificate_key, created_at, updated_at`

// List dispatches on the addressing mode of ref.
func (s *Store) List(ctx context.Context, ref OwnerRef) ([]Archive, error) {
	return listByRef(ctx, s, ref)
}

// ListByOwner returns every archive of ownerID, newest first.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]Archive, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrNotAuthorized
	}
	return s.queryArchives(ctx, "listing archives by owner",
		`SELECT `+archiveColumns+` FROM archives WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
}

// ListByAthleteName returns ownerless archives filed under name, newest first.
func (s *Store) ListByAthleteName(ctx context.Context, name string) ([]Archive, error) {
	name = NormalizeName(name)
	if name == "" {
		return nil, ErrNotAuthorized
	}
	return s.queryArchives(ctx, "listing archives by name",
		`SELECT `+archiveColumns+` FROM archives WHERE owner_id = '' AND athlete_name = ? ORDER BY created_at DESC`, name)
}

func (s *Store) queryArchives(ctx context.Context, op, query string, args ...any) ([]Archive, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr(op, err)
	}
	defer rows.Close()

	results := []Archive{}
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, persistErr(op, err)
		}
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr(op, err)
	}
	return results, nil
}

// Get returns the archive with the given id.
func (s *Store) Get(ctx context.Context, id string) (Archive, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+archiveColumns+` FROM archives WHERE id = ?`, id)
	a, err := scanArchive(row)
	if err == sql.ErrNoRows {
		return Archive{}, ErrNotFound
	}
	if err != nil {
		return Archive{}, persistErr("getting archive", err)
	}
	return a, nil
}

// Create stores a new archive for f.OwnerID and returns it with its assigned id.
func (s *Store) Create(ctx context.Context, f ArchiveFields) (Archive, error) {
	if strings.TrimSpace(f.OwnerID) == "" {
		return Archive{}, ErrNotAuthorized
	}
	return s.insert(ctx, f)
}

// CreateLegacy stores an anonymous archive. The owner is always empty and the
// athlete name is normalized so ListByAthleteName can find it.
func (s *Store) CreateLegacy(ctx context.Context, f ArchiveFields) (Archive, error) {
	f.OwnerID = ""
	f.AthleteName = NormalizeName(f.AthleteName)
	return s.insert(ctx, f)
}

func (s *Store) insert(ctx context.Context, f ArchiveFields) (Archive, error) {
	a := Archive{
		ID:        uuid.New().String(),
		CreatedAt: s.now().UTC(),
	}
	applyFields(&a, f)
	a.OwnerID = f.OwnerID

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archives (`+archiveColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')`,
		a.ID, a.OwnerID, a.AthleteName, a.EventName, a.EventDate, a.FinishTime,
		a.CourseFeatures, a.WeatherInfo, a.Equipment, a.Supplement, a.Note, a.CertificateKey,
		a.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return Archive{}, persistErr("creating archive", err)
	}
	return a, nil
}

// Update overwrites every editable field of archive id with f. OwnerID,
// CreatedAt and the id itself are left untouched.
func (s *Store) Update(ctx context.Context, id string, f ArchiveFields) (Archive, error) {
	updatedAt := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE archives SET athlete_name = ?, event_name = ?, event_date = ?, finish_time = ?,
			course_features = ?, weather_info = ?, equipment = ?, supplement = ?, note = ?,
			certificate_key = ?, updated_at = ?
		WHERE id = ?`,
		f.AthleteName, f.EventName, f.EventDate, f.FinishTime,
		f.CourseFeatures, f.WeatherInfo, f.Equipment, f.Supplement, f.Note,
		f.CertificateKey, updatedAt.Format(timeLayout), id,
	)
	if err != nil {
		return Archive{}, persistErr("updating archive", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Archive{}, persistErr("updating archive", err)
	}
	if n == 0 {
		return Archive{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

// Delete permanently removes archive id.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM archives WHERE id = ?`, id)
	if err != nil {
		return persistErr("deleting archive", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("deleting archive", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArchive(r rowScanner) (Archive, error) {
	var a Archive
	var createdAt, updatedAt string
	err := r.Scan(&a.ID, &a.OwnerID, &a.AthleteName, &a.EventName, &a.EventDate, &a.FinishTime,
		&a.CourseFeatures, &a.WeatherInfo, &a.Equipment, &a.Supplement, &a.Note, &a.CertificateKey,
		&createdAt, &updatedAt)
	if err != nil {
		return Archive{}, err
	}
	if a.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return Archive{}, fmt.Errorf("parsing created_at for archive %s: %w", a.ID, err)
	}
	if updatedAt != "" {
		if a.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
			return Archive{}, fmt.Errorf("parsing updated_at for archive %s: %w", a.ID, err)
		}
	}
	return a, nil
}

// applyFields copies the editable fields of f onto a, leaving OwnerID alone.
func applyFields(a *Archive, f ArchiveFields) {
	a.AthleteName = f.AthleteName
	a.EventName = f.EventName
	a.EventDate = f.EventDate
	a.FinishTime = f.FinishTime
	a.CourseFeatures = f.CourseFeatures
	a.WeatherInfo = f.WeatherInfo
	a.Equipment = f.Equipment
	a.Supplement = f.Supplement
	a.Note = f.Note
	a.CertificateKey = f.CertificateKey
}

type ownerLister interface {
	ListByOwner(ctx context.Context, ownerID string) ([]Archive, error)
	ListByAthleteName(ctx context.Context, name string) ([]Archive, error)
}

func listByRef(ctx context.Context, l ownerLister, ref OwnerRef) ([]Archive, error) {
	if id, ok := ref.OwnerID(); ok {
		return l.ListByOwner(ctx, id)
	}
	if name, ok := ref.Name(); ok {
		return l.ListByAthleteName(ctx, name)
	}
	return nil, ErrNotAuthorized
}

func persistErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistenceFailed, err)
}
