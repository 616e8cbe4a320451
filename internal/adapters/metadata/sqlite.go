package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Servarr/ServarrAPI.Update/internal/core/models"
	"github.com/Servarr/ServarrAPI.Update/internal/core/services"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the release, watermark and notification stores
// backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the SQLite database and runs migrations.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := dataDir + "/updates.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS releases (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			version          TEXT NOT NULL,
			sortable_version INTEGER NOT NULL,
			release_date     DATETIME NOT NULL,
			branch           TEXT NOT NULL,
			changes_new      BLOB,
			changes_fixed    BLOB,
			UNIQUE(branch COLLATE NOCASE, version)
		);
		CREATE INDEX IF NOT EXISTS idx_releases_sortable ON releases(branch, sortable_version);
		CREATE TABLE IF NOT EXISTS artifacts (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			release_id       INTEGER NOT NULL,
			operating_system TEXT NOT NULL,
			runtime          TEXT NOT NULL,
			architecture     TEXT NOT NULL,
			installer        INTEGER NOT NULL DEFAULT 0,
			filename         TEXT NOT NULL,
			url              TEXT NOT NULL,
			hash             TEXT NOT NULL,
			UNIQUE(release_id, operating_system, runtime, architecture, installer),
			FOREIGN KEY (release_id) REFERENCES releases(id)
		);
		CREATE TABLE IF NOT EXISTS source_state (
			kind      TEXT PRIMARY KEY,
			watermark INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS notifications (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			type     INTEGER NOT NULL,
			message  TEXT NOT NULL,
			wiki_url TEXT NOT NULL DEFAULT '',
			filters  BLOB
		);
	`)
	return err
}

const releaseColumns = "r.id, r.version, r.sortable_version, r.release_date, r.branch, r.changes_new, r.changes_fixed"

const artifactColumns = "a.id, a.release_id, a.operating_system, a.runtime, a.architecture, a.installer, a.filename, a.url, a.hash"

type scanner interface {
	Scan(dest ...any) error
}

func scanRelease(row scanner) (*models.Release, error) {
	var r models.Release
	var newBlob, fixedBlob []byte
	if err := row.Scan(&r.ID, &r.Version, &r.SortableVersion, &r.ReleaseDate, &r.Branch, &newBlob, &fixedBlob); err != nil {
		return nil, err
	}
	if err := decodeChanges(newBlob, &r.Changelog.New); err != nil {
		return nil, err
	}
	if err := decodeChanges(fixedBlob, &r.Changelog.Fixed); err != nil {
		return nil, err
	}
	r.ReleaseDate = r.ReleaseDate.UTC()
	return &r, nil
}

func scanJoined(row scanner) (*models.ArtifactWithRelease, error) {
	var a models.ArtifactWithRelease
	var newBlob, fixedBlob []byte
	err := row.Scan(
		&a.ID, &a.ReleaseID, &a.OperatingSystem, &a.Runtime, &a.Architecture, &a.IsInstaller, &a.Filename, &a.DownloadURL, &a.ContentHash,
		&a.Release.ID, &a.Release.Version, &a.Release.SortableVersion, &a.Release.ReleaseDate, &a.Release.Branch, &newBlob, &fixedBlob,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeChanges(newBlob, &a.Release.Changelog.New); err != nil {
		return nil, err
	}
	if err := decodeChanges(fixedBlob, &a.Release.Changelog.Fixed); err != nil {
		return nil, err
	}
	a.Release.ReleaseDate = a.Release.ReleaseDate.UTC()
	return &a, nil
}

func (s *SQLiteStore) FindRelease(ctx context.Context, version, branch string) (*models.Release, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+releaseColumns+" FROM releases r WHERE r.version = ? AND r.branch = lower(?)",
		version, branch)
	r, err := scanRelease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting release: %w", err)
	}
	return r, nil
}

// InsertRelease stores a release. Branch names are case-insensitive and
// stored lowercased.
func (s *SQLiteStore) InsertRelease(ctx context.Context, release *models.Release) (int64, error) {
	release.Branch = strings.ToLower(release.Branch)
	newBlob, err := encodeChanges(release.Changelog.New)
	if err != nil {
		return 0, err
	}
	fixedBlob, err := encodeChanges(release.Changelog.Fixed)
	if err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx,
		"INSERT INTO releases (version, sortable_version, release_date, branch, changes_new, changes_fixed) VALUES (?, ?, ?, ?, ?, ?)",
		release.Version, release.SortableVersion, release.ReleaseDate.UTC(), release.Branch, newBlob, fixedBlob,
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return 0, fmt.Errorf("%w: release %s on %s already exists", services.ErrConflict, release.Version, release.Branch)
		}
		return 0, fmt.Errorf("creating release: %w", err)
	}

	id, _ := result.LastInsertId()
	release.ID = id
	return id, nil
}

func (s *SQLiteStore) FindArtifact(ctx context.Context, releaseID int64, os models.OperatingSystem, runtime models.Runtime, arch models.Architecture, installer bool) (*models.Artifact, error) {
	var a models.Artifact
	err := s.db.QueryRowContext(ctx, `
		SELECT `+artifactColumns+`
		FROM artifacts a
		WHERE a.release_id = ? AND a.operating_system = ? AND a.runtime = ? AND a.architecture = ? AND a.installer = ?
	`, releaseID, string(os), string(runtime), string(arch), installer).Scan(
		&a.ID, &a.ReleaseID, &a.OperatingSystem, &a.Runtime, &a.Architecture, &a.IsInstaller, &a.Filename, &a.DownloadURL, &a.ContentHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting artifact: %w", err)
	}
	return &a, nil
}

func (s *SQLiteStore) InsertArtifact(ctx context.Context, artifact *models.Artifact) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (release_id, operating_system, runtime, architecture, installer, filename, url, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, artifact.ReleaseID, string(artifact.OperatingSystem), string(artifact.Runtime), string(artifact.Architecture),
		artifact.IsInstaller, artifact.Filename, artifact.DownloadURL, artifact.ContentHash,
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return 0, fmt.Errorf("%w: artifact %s already exists", services.ErrConflict, artifact.Filename)
		}
		return 0, fmt.Errorf("creating artifact: %w", err)
	}

	id, _ := result.LastInsertId()
	artifact.ID = id
	return id, nil
}

func (s *SQLiteStore) QueryArtifacts(ctx context.Context, filter services.ArtifactFilter) ([]models.ArtifactWithRelease, error) {
	where, args := filterClause(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 1
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+artifactColumns+`, `+releaseColumns+`
		FROM artifacts a JOIN releases r ON a.release_id = r.id
		WHERE `+where+`
		ORDER BY r.sortable_version DESC, a.id DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []models.ArtifactWithRelease
	for rows.Next() {
		a, err := scanJoined(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		artifacts = append(artifacts, *a)
	}
	return artifacts, rows.Err()
}

func (s *SQLiteStore) FindArtifactByVersion(ctx context.Context, version, branch string, filter services.ArtifactFilter) (*models.ArtifactWithRelease, error) {
	filter.Branch = branch
	where, args := filterClause(filter)
	args = append(args, version)

	row := s.db.QueryRowContext(ctx, `
		SELECT `+artifactColumns+`, `+releaseColumns+`
		FROM artifacts a JOIN releases r ON a.release_id = r.id
		WHERE `+where+` AND r.version = ?
		ORDER BY a.id DESC
		LIMIT 1
	`, args...)
	a, err := scanJoined(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting artifact by version: %w", err)
	}
	return a, nil
}

func filterClause(filter services.ArtifactFilter) (string, []any) {
	clauses := []string{"lower(r.branch) = lower(?)", "a.operating_system = ?", "a.installer = ?"}
	args := []any{filter.Branch, string(filter.OS), filter.Installer}
	if filter.Runtime != nil {
		clauses = append(clauses, "a.runtime = ?")
		args = append(args, string(*filter.Runtime))
	}
	if filter.Architecture != nil {
		clauses = append(clauses, "a.architecture = ?")
		args = append(args, string(*filter.Architecture))
	}
	if filter.MaxSortableVersion != nil {
		clauses = append(clauses, "r.sortable_version <= ?")
		args = append(args, *filter.MaxSortableVersion)
	}
	return strings.Join(clauses, " AND "), args
}

// CountReleases returns the number of stored releases.
func (s *SQLiteStore) CountReleases(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM releases").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting releases: %w", err)
	}
	return n, nil
}

// CountArtifacts returns the number of stored artifacts.
func (s *SQLiteStore) CountArtifacts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM artifacts").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting artifacts: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) LoadWatermarks(ctx context.Context) (map[models.SourceKind]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT kind, watermark FROM source_state")
	if err != nil {
		return nil, fmt.Errorf("loading watermarks: %w", err)
	}
	defer rows.Close()

	marks := make(map[models.SourceKind]int64)
	for rows.Next() {
		var kind string
		var mark int64
		if err := rows.Scan(&kind, &mark); err != nil {
			return nil, fmt.Errorf("scanning watermark: %w", err)
		}
		marks[models.SourceKind(kind)] = mark
	}
	return marks, rows.Err()
}

func (s *SQLiteStore) SaveWatermark(ctx context.Context, kind models.SourceKind, watermark int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_state (kind, watermark) VALUES (?, ?)
		ON CONFLICT(kind) DO UPDATE SET watermark = excluded.watermark
	`, string(kind), watermark)
	if err != nil {
		return fmt.Errorf("saving watermark: %w", err)
	}
	return nil
}

type notificationFilters struct {
	OperatingSystems []models.OperatingSystem `json:"os,omitempty"`
	Runtimes         []models.Runtime         `json:"runtimes,omitempty"`
	Architectures    []models.Architecture    `json:"arch,omitempty"`
	Versions         []string                 `json:"versions,omitempty"`
	Branches         []string                 `json:"branches,omitempty"`
}

func (s *SQLiteStore) ListNotifications(ctx context.Context) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, type, message, wiki_url, filters FROM notifications ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		var n models.Notification
		var blob []byte
		if err := rows.Scan(&n.ID, &n.Type, &n.Message, &n.WikiURL, &blob); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		var f notificationFilters
		if err := decompressJSON(blob, &f); err != nil {
			return nil, err
		}
		n.OperatingSystems = f.OperatingSystems
		n.Runtimes = f.Runtimes
		n.Architectures = f.Architectures
		n.Versions = f.Versions
		n.Branches = f.Branches
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (s *SQLiteStore) InsertNotification(ctx context.Context, n *models.Notification) (int64, error) {
	blob, err := compressJSON(notificationFilters{
		OperatingSystems: n.OperatingSystems,
		Runtimes:         n.Runtimes,
		Architectures:    n.Architectures,
		Versions:         n.Versions,
		Branches:         n.Branches,
	})
	if err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx,
		"INSERT INTO notifications (type, message, wiki_url, filters) VALUES (?, ?, ?, ?)",
		int(n.Type), n.Message, n.WikiURL, blob)
	if err != nil {
		return 0, fmt.Errorf("creating notification: %w", err)
	}
	id, _ := result.LastInsertId()
	n.ID = id
	return id, nil
}

func (s *SQLiteStore) DeleteNotification(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM notifications WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting notification: %w", err)
	}

	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: notification %d", services.ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
